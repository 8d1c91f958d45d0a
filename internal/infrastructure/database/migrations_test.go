package database

import (
	"context"
	"testing"
	"testing/fstest"
	"time"
)

// testMigrations returns two versions applied out of filename order.
func testMigrations() fstest.MapFS {
	return fstest.MapFS{
		"migrations/20260301_090000_add_index.up.sql": {
			Data: []byte("CREATE INDEX idx_test_levels_channel ON test_levels(channel_id);"),
		},
		"migrations/20260301_090000_add_index.down.sql": {
			Data: []byte("DROP INDEX idx_test_levels_channel;"),
		},
		"migrations/20260201_120000_create_levels.up.sql": {
			Data: []byte("CREATE TABLE test_levels (id INTEGER PRIMARY KEY, channel_id INTEGER NOT NULL);"),
		},
		"migrations/20260201_120000_create_levels.down.sql": {
			Data: []byte("DROP TABLE test_levels;"),
		},
		"migrations/README.md": {Data: []byte("ignored")},
	}
}

// useMigrations swaps the package-level migration source for one test.
func useMigrations(t *testing.T, fsys fstest.MapFS, dir string) {
	t.Helper()
	origFS, origDir := MigrationsFS, MigrationsDir
	t.Cleanup(func() {
		MigrationsFS, MigrationsDir = origFS, origDir
	})
	MigrationsFS = fsys
	MigrationsDir = dir
}

func tableExists(t *testing.T, db *DB, kind, name string) bool {
	t.Helper()
	var count int
	err := db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM sqlite_master WHERE type = ? AND name = ?", kind, name,
	).Scan(&count)
	if err != nil {
		t.Fatalf("sqlite_master query: %v", err)
	}
	return count == 1
}

func TestMigrate(t *testing.T) {
	useMigrations(t, testMigrations(), "migrations")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	if !tableExists(t, db, "table", "test_levels") {
		t.Error("table test_levels not created")
	}
	if !tableExists(t, db, "index", "idx_test_levels_channel") {
		t.Error("index not created")
	}

	status, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	applied := status.Applied
	if len(applied) != 2 || len(status.Pending) != 0 {
		t.Fatalf("applied=%d pending=%d, want 2/0", len(applied), len(status.Pending))
	}
	if applied[0].Version != "20260201_120000" || applied[1].Version != "20260301_090000" {
		t.Errorf("applied order = %s, %s", applied[0].Version, applied[1].Version)
	}
	if applied[0].AppliedAt.IsZero() {
		t.Error("AppliedAt not recorded")
	}

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestRollback(t *testing.T) {
	useMigrations(t, testMigrations(), "migrations")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	// Newest first.
	steps := []struct {
		version    string
		indexGone  bool
		tableGone  bool
		appliedNow int
	}{
		{"20260301_090000", true, false, 1},
		{"20260201_120000", true, true, 0},
	}
	for _, step := range steps {
		version, err := db.Rollback(ctx)
		if err != nil {
			t.Fatalf("Rollback() error = %v", err)
		}
		if version != step.version {
			t.Errorf("Rollback() = %q, want %q", version, step.version)
		}
		if gone := !tableExists(t, db, "index", "idx_test_levels_channel"); gone != step.indexGone {
			t.Errorf("after %s index gone = %v, want %v", version, gone, step.indexGone)
		}
		if gone := !tableExists(t, db, "table", "test_levels"); gone != step.tableGone {
			t.Errorf("after %s table gone = %v, want %v", version, gone, step.tableGone)
		}

		status, err := db.Status(ctx)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if len(status.Applied) != step.appliedNow {
			t.Errorf("after %s applied = %d, want %d", version, len(status.Applied), step.appliedNow)
		}
	}

	version, err := db.Rollback(ctx)
	if err != nil || version != "" {
		t.Errorf("Rollback() on empty history = %q, %v; want \"\", nil", version, err)
	}
}

func TestRollback_MissingDownSQL(t *testing.T) {
	useMigrations(t, fstest.MapFS{
		"20260201_120000_create_levels.up.sql": {
			Data: []byte("CREATE TABLE test_levels (id INTEGER PRIMARY KEY);"),
		},
	}, ".")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	if _, err := db.Rollback(ctx); err == nil {
		t.Error("Rollback() expected error without down SQL")
	}
	if !tableExists(t, db, "table", "test_levels") {
		t.Error("table dropped despite failed rollback")
	}
}

func TestMigrate_FailureRollsBack(t *testing.T) {
	fsys := testMigrations()
	fsys["migrations/20260401_000000_broken.up.sql"] = &fstest.MapFile{
		Data: []byte("CREATE TABLE broken (;"),
	}
	useMigrations(t, fsys, "migrations")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	ctx := context.Background()
	if err := db.Migrate(ctx); err == nil {
		t.Fatal("Migrate() expected error for broken migration")
	}

	status, err := db.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Applied) != 2 || len(status.Pending) != 1 {
		t.Errorf("applied=%d pending=%d, want 2/1", len(status.Applied), len(status.Pending))
	}
}

func TestMigrateNoMigrations(t *testing.T) {
	tests := []struct {
		name string
		fsys fstest.MapFS
		dir  string
	}{
		{"nil filesystem", nil, "."},
		{"missing directory", fstest.MapFS{}, "migrations"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			useMigrations(t, tt.fsys, tt.dir)
			if tt.fsys == nil {
				MigrationsFS = nil
			}

			db := openTestDB(t)
			defer db.Close() //nolint:errcheck // Test cleanup

			if err := db.Migrate(context.Background()); err != nil {
				t.Fatalf("Migrate() with no migrations error = %v", err)
			}
		})
	}
}

func TestStatus_FreshDatabase(t *testing.T) {
	useMigrations(t, testMigrations(), "migrations")

	db := openTestDB(t)
	defer db.Close() //nolint:errcheck // Test cleanup

	status, err := db.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if len(status.Applied) != 0 {
		t.Errorf("applied = %d, want 0", len(status.Applied))
	}
	if len(status.Pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(status.Pending))
	}
	if status.Pending[0].Name != "create_levels" || status.Pending[0].DownSQL == "" {
		t.Errorf("pending[0] = %+v", status.Pending[0])
	}
}

func TestParseMigrationFilename(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		wantVersion string
		wantIsUp    bool
		wantOk      bool
	}{
		{"valid up migration", "20260201_120000_channel_state_history.up.sql", "20260201_120000", true, true},
		{"valid down migration", "20260201_120000_channel_state_history.down.sql", "20260201_120000", false, true},
		{"not sql file", "readme.txt", "", false, false},
		{"missing direction", "20260201_120000_channel_state_history.sql", "", false, false},
		{"invalid format", "invalid.up.sql", "", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			version, isUp, ok := parseMigrationFilename(tt.filename)
			if ok != tt.wantOk {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOk)
			}
			if ok && (version != tt.wantVersion || isUp != tt.wantIsUp) {
				t.Errorf("got (%q, %v), want (%q, %v)", version, isUp, tt.wantVersion, tt.wantIsUp)
			}
		})
	}
}

func TestExtractMigrationName(t *testing.T) {
	tests := []struct {
		filename string
		want     string
	}{
		{"20260201_120000_channel_state_history.up.sql", "channel_state_history"},
		{"20260201_120000_initial_schema.down.sql", "initial_schema"},
		{"plain.up.sql", "plain"},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := extractMigrationName(tt.filename); got != tt.want {
				t.Errorf("extractMigrationName(%q) = %q, want %q", tt.filename, got, tt.want)
			}
		})
	}
}
