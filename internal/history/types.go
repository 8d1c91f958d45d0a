package history

import (
	"context"
	"time"

	"github.com/nerrad567/gray-logic-xmv/internal/bridges/xmv"
)

// Query limits.
const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// Entry is one confirmed channel change.
type Entry struct {
	ID          int64     `json:"id"`
	ChannelID   int       `json:"channel_id"`
	ChannelName string    `json:"channel_name"`
	Power       bool      `json:"power"`
	VolumeDB    float64   `json:"volume_db"`
	Volume      float64   `json:"volume"`
	Muted       bool      `json:"muted"`
	Source      string    `json:"source"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Filter selects history entries. Zero values mean "no restriction".
type Filter struct {
	// ChannelID restricts results to one channel when non-nil.
	ChannelID *int

	// Since drops entries recorded before this time.
	Since time.Time

	// Limit defaults to DefaultLimit and is clamped to MaxLimit.
	Limit int
}

// Repository stores and retrieves channel history.
//
// Implementations must be safe for concurrent use.
type Repository interface {
	xmv.HistoryRecorder

	// List returns matching entries, newest first.
	List(ctx context.Context, filter Filter) ([]Entry, error)

	// Prune deletes entries older than olderThan and returns the count removed.
	Prune(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ForChannel is a convenience for building a single-channel Filter.
func ForChannel(channelID, limit int) Filter {
	return Filter{ChannelID: &channelID, Limit: limit}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
