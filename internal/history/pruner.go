package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// pruneTimeout bounds one scheduled prune.
const pruneTimeout = 30 * time.Second

// scheduleParser accepts six-field expressions (with seconds) and descriptors
// such as "@daily" or "@every 1h".
var scheduleParser = cron.NewParser(
	cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Logger is the subset of logging.Logger used by the pruner.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Pruner is the part of Repository the scheduler needs.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// PruneScheduler deletes old history entries on a cron schedule.
type PruneScheduler struct {
	store     Pruner
	retention time.Duration
	schedule  string
	logger    Logger

	cron *cron.Cron

	mu          sync.Mutex
	started     bool
	lastRun     time.Time
	lastDeleted int64
	lastErr     error
}

// ValidateSchedule reports whether expr is a usable prune schedule.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", expr, err)
	}
	return nil
}

// NewPruneScheduler creates a scheduler. It does nothing until Start.
//
// Parameters:
//   - store: Repository to prune
//   - retentionDays: Entries older than this are deleted; 0 disables pruning
//   - schedule: Cron expression with a seconds field
//   - logger: Optional logger (may be nil)
func NewPruneScheduler(store Pruner, retentionDays int, schedule string, logger Logger) (*PruneScheduler, error) {
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	return &PruneScheduler{
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		schedule:  schedule,
		logger:    logger,
		cron:      cron.New(cron.WithParser(scheduleParser)),
	}, nil
}

// Start registers the prune job and starts the scheduler.
// With a zero retention Start is a no-op and history is kept forever.
func (s *PruneScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started || s.retention <= 0 {
		return nil
	}

	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return fmt.Errorf("scheduling history prune: %w", err)
	}
	s.cron.Start()
	s.started = true

	if s.logger != nil {
		s.logger.Info("history pruning scheduled",
			"schedule", s.schedule,
			"retention", s.retention.String(),
		)
	}
	return nil
}

// Stop stops the scheduler and waits for a running prune to finish.
func (s *PruneScheduler) Stop() {
	s.mu.Lock()
	started := s.started
	s.started = false
	s.mu.Unlock()

	if started {
		<-s.cron.Stop().Done()
	}
}

// RunOnce prunes immediately.
func (s *PruneScheduler) RunOnce(ctx context.Context) (int64, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	deleted, err := s.store.Prune(ctx, s.retention)

	s.mu.Lock()
	s.lastRun = time.Now()
	s.lastDeleted = deleted
	s.lastErr = err
	s.mu.Unlock()

	return deleted, err
}

// LastRun returns the time, row count and error of the most recent prune.
func (s *PruneScheduler) LastRun() (time.Time, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastDeleted, s.lastErr
}

func (s *PruneScheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()

	deleted, err := s.RunOnce(ctx)
	if s.logger == nil {
		return
	}
	if err != nil {
		s.logger.Error("history prune failed", "error", err)
		return
	}
	s.logger.Info("history pruned", "deleted", deleted)
}
