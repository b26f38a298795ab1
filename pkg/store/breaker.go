package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerStore wraps a Store with a circuit breaker so that a failing
// backend trips fast instead of stacking up blocked authentication
// requests. Domain results (not found, conflict, version mismatch) count
// as successes; only infrastructure errors trip the breaker. While the
// breaker is open every call fails with ErrUnavailable.
type BreakerStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// BreakerConfig configures the store circuit breaker.
type BreakerConfig struct {
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval over which failure counts are accumulated while closed.
	Interval time.Duration
	// Timeout before an open breaker transitions to half-open.
	Timeout time.Duration
	// ConsecutiveFailures needed to trip the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:         3,
		Interval:            60 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// domainError reports whether err is an expected domain condition rather
// than a backend fault.
func domainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrDuplicate) ||
		errors.Is(err, ErrVersionMismatch)
}

// WithBreaker wraps the store with a circuit breaker.
func WithBreaker(inner Store, config BreakerConfig, logger *zap.Logger) *BreakerStore {
	b := &BreakerStore{inner: inner, logger: logger}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domainError(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Store breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return b
}

// execute runs fn through the breaker, mapping an open breaker to
// ErrUnavailable.
func (b *BreakerStore) execute(fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}
	return v, err
}

func (b *BreakerStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	v, err := b.execute(func() (any, error) { return b.inner.GetPrincipal(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*Principal), nil
}

func (b *BreakerStore) PutPrincipal(ctx context.Context, p *Principal) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.PutPrincipal(ctx, p) })
	return err
}

func (b *BreakerStore) SetPrincipalStatus(ctx context.Context, id string, status PrincipalStatus) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.SetPrincipalStatus(ctx, id, status) })
	return err
}

func (b *BreakerStore) GetCredential(ctx context.Context, username string) (*Credential, error) {
	v, err := b.execute(func() (any, error) { return b.inner.GetCredential(ctx, username) })
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (b *BreakerStore) PutCredential(ctx context.Context, c *Credential) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.PutCredential(ctx, c) })
	return err
}

func (b *BreakerStore) UpdateCredential(ctx context.Context, c *Credential) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.UpdateCredential(ctx, c) })
	return err
}

func (b *BreakerStore) AppendAuthEvent(ctx context.Context, ev *AuthEvent) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.AppendAuthEvent(ctx, ev) })
	return err
}

func (b *BreakerStore) QueryAuthEvents(ctx context.Context, q *AuthEventQuery) ([]*AuthEvent, error) {
	v, err := b.execute(func() (any, error) { return b.inner.QueryAuthEvents(ctx, q) })
	if err != nil {
		return nil, err
	}
	return v.([]*AuthEvent), nil
}

func (b *BreakerStore) GetServer(ctx context.Context, id string) (*AaaServer, error) {
	v, err := b.execute(func() (any, error) { return b.inner.GetServer(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*AaaServer), nil
}

func (b *BreakerStore) PutServer(ctx context.Context, s *AaaServer) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.PutServer(ctx, s) })
	return err
}

func (b *BreakerStore) UpdateServer(ctx context.Context, s *AaaServer) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.UpdateServer(ctx, s) })
	return err
}

func (b *BreakerStore) ListServers(ctx context.Context) ([]*AaaServer, error) {
	v, err := b.execute(func() (any, error) { return b.inner.ListServers(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*AaaServer), nil
}

func (b *BreakerStore) GetPolicy(ctx context.Context, id string) (*NetworkPolicy, error) {
	v, err := b.execute(func() (any, error) { return b.inner.GetPolicy(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*NetworkPolicy), nil
}

func (b *BreakerStore) PutPolicy(ctx context.Context, p *NetworkPolicy) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.PutPolicy(ctx, p) })
	return err
}

func (b *BreakerStore) DeletePolicy(ctx context.Context, id string) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.DeletePolicy(ctx, id) })
	return err
}

func (b *BreakerStore) ListPolicies(ctx context.Context) ([]*NetworkPolicy, error) {
	v, err := b.execute(func() (any, error) { return b.inner.ListPolicies(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*NetworkPolicy), nil
}

func (b *BreakerStore) GetSession(ctx context.Context, id string) (*Session, error) {
	v, err := b.execute(func() (any, error) { return b.inner.GetSession(ctx, id) })
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (b *BreakerStore) CreateSession(ctx context.Context, s *Session) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.CreateSession(ctx, s) })
	return err
}

func (b *BreakerStore) UpdateSession(ctx context.Context, s *Session) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.UpdateSession(ctx, s) })
	return err
}

func (b *BreakerStore) FindActiveSession(ctx context.Context, username string, nasIP net.IP, nasPort int) (*Session, error) {
	v, err := b.execute(func() (any, error) { return b.inner.FindActiveSession(ctx, username, nasIP, nasPort) })
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (b *BreakerStore) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	v, err := b.execute(func() (any, error) { return b.inner.ListActiveSessions(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]*Session), nil
}

// State returns the current breaker state.
func (b *BreakerStore) State() gobreaker.State {
	return b.breaker.State()
}

func (b *BreakerStore) Close() error {
	return b.inner.Close()
}
