package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
)

// timeLayout has fixed-width fractional seconds so stored timestamps sort
// lexically in chronological order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// SQLiteRepository implements Repository on the channel_state_history table.
type SQLiteRepository struct {
	db *sql.DB

	mu     sync.RWMutex
	volume xmv.VolumeRange

	now func() time.Time
}

// NewSQLiteRepository creates a repository.
//
// Parameters:
//   - db: Open SQLite connection with migrations applied
//   - r: Volume range used to derive the stored 0-1 volume
func NewSQLiteRepository(db *sql.DB, r xmv.VolumeRange) *SQLiteRepository {
	return &SQLiteRepository{
		db:     db,
		volume: r,
		now:    time.Now,
	}
}

// SetVolumeRange changes the range used for entries recorded from now on.
func (r *SQLiteRepository) SetVolumeRange(vr xmv.VolumeRange) {
	r.mu.Lock()
	r.volume = vr
	r.mu.Unlock()
}

func (r *SQLiteRepository) volumeRange() xmv.VolumeRange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.volume
}

// RecordChannelState inserts one entry. It implements xmv.HistoryRecorder.
//
// The entry time is the device confirmation time when known.
func (r *SQLiteRepository) RecordChannelState(ctx context.Context, ch xmv.ChannelConfig, state xmv.ChannelState, source string) error {
	if source == "" {
		source = xmv.SourceDevice
	}

	recordedAt := state.LastUpdated
	if recordedAt.IsZero() {
		recordedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO channel_state_history
		   (channel_id, channel_name, power, volume_db, volume, muted, source, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ch.ID,
		ch.Name,
		state.Power,
		state.VolumeDB,
		xmv.DBToFraction(state.VolumeDB, r.volumeRange()),
		state.Muted,
		source,
		recordedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting channel history: %w", err)
	}

	return nil
}

// List returns entries matching the filter, newest first.
func (r *SQLiteRepository) List(ctx context.Context, filter Filter) ([]Entry, error) {
	limit := clampLimit(filter.Limit)

	var conditions []string
	var args []any

	if filter.ChannelID != nil {
		conditions = append(conditions, "channel_id = ?")
		args = append(args, *filter.ChannelID)
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, "recorded_at >= ?")
		args = append(args, filter.Since.UTC().Format(timeLayout))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf( //nolint:gosec // WHERE built from parameterised conditions, not user input
		`SELECT id, channel_id, channel_name, power, volume_db, volume, muted, source, recorded_at
		 FROM channel_state_history %s
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`,
		where,
	)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying channel history: %w", err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var recordedAt string

		if err := rows.Scan(&e.ID, &e.ChannelID, &e.ChannelName, &e.Power,
			&e.VolumeDB, &e.Volume, &e.Muted, &e.Source, &recordedAt); err != nil {
			return nil, fmt.Errorf("scanning channel history: %w", err)
		}

		t, err := parseTimestamp(recordedAt)
		if err != nil {
			return nil, err
		}
		e.RecordedAt = t

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating channel history: %w", err)
	}

	return entries, nil
}

// Prune deletes entries recorded before now-olderThan.
func (r *SQLiteRepository) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := r.now().UTC().Add(-olderThan).Format(timeLayout)
	result, err := r.db.ExecContext(ctx,
		"DELETE FROM channel_state_history WHERE recorded_at < ?",
		cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("deleting channel history: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}

	return rowsAffected, nil
}

func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("recorded_at is empty")
	}

	t, err := time.Parse(timeLayout, value)
	if err == nil {
		return t, nil
	}

	if fallback, fallbackErr := time.Parse(time.RFC3339Nano, value); fallbackErr == nil {
		return fallback, nil
	}

	return time.Time{}, fmt.Errorf("parsing recorded_at %q: %w", value, err)
}
