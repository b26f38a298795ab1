// Package audit records authentication events to the append-only audit
// trail. Writes are synchronous: every authentication decision must leave
// exactly one event, so buffered best-effort logging is not an option
// here.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// RecorderStats holds audit recorder counters.
type RecorderStats struct {
	EventsWritten int64 `json:"events_written"`
	WriteErrors   int64 `json:"write_errors"`
}

// Recorder writes auth events through to the store.
type Recorder struct {
	store  store.Store
	logger *zap.Logger

	mu    sync.Mutex
	stats RecorderStats
}

// NewRecorder creates an audit recorder backed by the given store.
func NewRecorder(st store.Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: st, logger: logger}
}

// Record fills in defaults and appends the event. The event is immutable
// once written.
func (r *Recorder) Record(ctx context.Context, ev *store.AuthEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := r.store.AppendAuthEvent(ctx, ev); err != nil {
		r.mu.Lock()
		r.stats.WriteErrors++
		r.mu.Unlock()
		r.logger.Error("Failed to append auth event",
			zap.String("event_id", ev.ID),
			zap.String("username", ev.Username),
			zap.Error(err),
		)
		return fmt.Errorf("append auth event: %w", err)
	}

	r.mu.Lock()
	r.stats.EventsWritten++
	r.mu.Unlock()
	return nil
}

// Query returns matching events, newest first, for audit tooling.
func (r *Recorder) Query(ctx context.Context, q *store.AuthEventQuery) ([]*store.AuthEvent, error) {
	return r.store.QueryAuthEvents(ctx, q)
}

// Stats returns recorder counters.
func (r *Recorder) Stats() RecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
