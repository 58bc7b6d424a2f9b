package attendance

import (
	"context"
	"time"

	"geoattend/internal/model"
)

// EventLog is the read side of the attendance log.
type EventLog interface {
	// LatestAcceptedSince returns the newest accepted event for subjectID with
	// occurred_at >= since, or nil.
	LatestAcceptedSince(ctx context.Context, subjectID string, since time.Time) (*model.Event, error)
}

// WindowGuard answers whether a subject was admitted within a rolling window.
type WindowGuard struct {
	log EventLog
}

// NewWindowGuard wraps an event log.
func NewWindowGuard(log EventLog) WindowGuard {
	return WindowGuard{log: log}
}

// HasRecentAcceptance reports whether an accepted event exists at or after
// at-window. The window is anchored to at, not to calendar hours.
func (g WindowGuard) HasRecentAcceptance(ctx context.Context, subjectID string, at time.Time, window time.Duration) (bool, error) {
	evt, err := g.log.LatestAcceptedSince(ctx, subjectID, at.Add(-window))
	if err != nil {
		return false, err
	}
	return evt != nil, nil
}
