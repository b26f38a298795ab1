// Package session owns the accounting session lifecycle: open, usage
// updates, graceful stop and forced termination. Stopped and terminated
// are terminal; the ledger never silently replaces a stale active session.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

var (
	// ErrConflict is returned by Open when an active session already
	// exists for the same (username, NAS IP, NAS port) tuple.
	ErrConflict = errors.New("active session already exists for tuple")

	// ErrNotFound is returned for unknown session ids.
	ErrNotFound = errors.New("session not found")

	// ErrInvalidState is returned for operations on non-active sessions.
	ErrInvalidState = errors.New("session is not active")

	// ErrAlreadyClosed signals an idempotent close of a closed session.
	ErrAlreadyClosed = errors.New("session already closed")

	// ErrNegativeDelta is returned when a usage delta is negative;
	// accounting is monotonic and a negative delta is a caller bug.
	ErrNegativeDelta = errors.New("negative usage delta")
)

// CloseCause describes why a session is being closed.
type CloseCause string

const (
	// CauseUserRequest is a graceful accounting stop.
	CauseUserRequest CloseCause = "user_request"
	// CauseAdminReset is a forced administrative disconnect.
	CauseAdminReset CloseCause = "admin_reset"
	// CauseNASRequest is a NAS-initiated disconnect.
	CauseNASRequest CloseCause = "nas_request"
	// CausePolicyViolation is a forced close on policy grounds.
	CausePolicyViolation CloseCause = "policy_violation"
	// CauseCancelled compensates a session opened by a request that was
	// cancelled before completing.
	CauseCancelled CloseCause = "cancelled"
)

// statusFor maps a close cause to the terminal session status.
func statusFor(cause CloseCause) store.SessionStatus {
	if cause == CauseUserRequest {
		return store.SessionStopped
	}
	return store.SessionTerminated
}

// OpenRequest carries the parameters for opening a session.
type OpenRequest struct {
	Username string
	NASIP    net.IP
	NASPort  int
	FramedIP net.IP
}

// Stats holds ledger counters.
type Stats struct {
	Opened             uint64 `json:"opened"`
	Closed             uint64 `json:"closed"`
	Conflicts          uint64 `json:"conflicts"`
	TotalBytesSent     uint64 `json:"total_bytes_sent"`
	TotalBytesReceived uint64 `json:"total_bytes_received"`
}

// Ledger manages accounting sessions on top of a Store.
type Ledger struct {
	store   store.Store
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	stats Stats
}

// NewLedger creates a session ledger backed by the given store.
// metrics may be nil.
func NewLedger(st store.Store, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	return &Ledger{store: st, metrics: m, logger: logger}
}

// Open creates a new active session. Fails with ErrConflict when an
// active session already exists for the tuple; the caller must close the
// stale session first. The existence check and insert are one atomic
// store operation, so concurrent opens yield exactly one success.
func (l *Ledger) Open(ctx context.Context, req OpenRequest, now time.Time) (*store.Session, error) {
	s := &store.Session{
		ID:        uuid.New().String(),
		Username:  req.Username,
		NASIP:     req.NASIP,
		NASPort:   req.NASPort,
		FramedIP:  req.FramedIP,
		StartTime: now,
		Status:    store.SessionActive,
	}

	err := l.store.CreateSession(ctx, s)
	if errors.Is(err, store.ErrConflict) {
		l.mu.Lock()
		l.stats.Conflicts++
		l.mu.Unlock()
		return nil, ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	l.mu.Lock()
	l.stats.Opened++
	l.mu.Unlock()

	l.logger.Info("Session opened",
		zap.String("session_id", s.ID),
		zap.String("username", s.Username),
		zap.String("nas_ip", ipString(s.NASIP)),
		zap.Int("nas_port", s.NASPort),
	)
	return s, nil
}

// UpdateUsage adds byte deltas to an active session. Deltas must be
// non-negative; the session must be active.
func (l *Ledger) UpdateUsage(ctx context.Context, sessionID string, bytesSentDelta, bytesReceivedDelta int64) error {
	if bytesSentDelta < 0 || bytesReceivedDelta < 0 {
		return ErrNegativeDelta
	}

	for {
		s, err := l.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup session: %w", err)
		}

		if s.Status != store.SessionActive {
			return ErrInvalidState
		}

		s.BytesSent += uint64(bytesSentDelta)
		s.BytesReceived += uint64(bytesReceivedDelta)

		err = l.store.UpdateSession(ctx, s)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update session: %w", err)
		}

		l.mu.Lock()
		l.stats.TotalBytesSent += uint64(bytesSentDelta)
		l.stats.TotalBytesReceived += uint64(bytesReceivedDelta)
		l.mu.Unlock()
		return nil
	}
}

// Close transitions a session out of active, setting end time and status
// atomically. Closing an already-closed session is a no-op signalled with
// ErrAlreadyClosed.
func (l *Ledger) Close(ctx context.Context, sessionID string, cause CloseCause, now time.Time) (*store.Session, error) {
	for {
		s, err := l.store.GetSession(ctx, sessionID)
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lookup session: %w", err)
		}

		if s.Status.Terminal() {
			return s, ErrAlreadyClosed
		}

		s.EndTime = now
		s.Status = statusFor(cause)
		s.TerminateCause = string(cause)

		err = l.store.UpdateSession(ctx, s)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update session: %w", err)
		}

		l.mu.Lock()
		l.stats.Closed++
		l.mu.Unlock()

		if l.metrics != nil {
			l.metrics.RecordSessionClosed(string(s.Status), s.BytesSent, s.BytesReceived)
		}

		l.logger.Info("Session closed",
			zap.String("session_id", s.ID),
			zap.String("username", s.Username),
			zap.String("cause", string(cause)),
			zap.Duration("duration", s.Duration()),
			zap.Uint64("bytes_sent", s.BytesSent),
			zap.Uint64("bytes_received", s.BytesReceived),
		)
		return s, nil
	}
}

// Get returns a session by ID.
func (l *Ledger) Get(ctx context.Context, sessionID string) (*store.Session, error) {
	s, err := l.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return s, err
}

// FindActive returns the active session for a tuple, if any.
func (l *Ledger) FindActive(ctx context.Context, username string, nasIP net.IP, nasPort int) (*store.Session, error) {
	s, err := l.store.FindActiveSession(ctx, username, nasIP, nasPort)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return s, err
}

// ListActive returns all active sessions.
func (l *Ledger) ListActive(ctx context.Context) ([]*store.Session, error) {
	return l.store.ListActiveSessions(ctx)
}

// Stats returns ledger counters.
func (l *Ledger) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
