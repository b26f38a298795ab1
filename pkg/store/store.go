// Package store defines the persistence interface consumed by the AAA
// engine plus in-memory and Redis-backed implementations. The engine
// components never share mutable state directly; everything flows through
// a Store, so each component is independently testable with a MemoryStore.
package store

import (
	"context"
	"errors"
	"net"
	"time"
)

var (
	// ErrNotFound is returned for lookups of unknown keys.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when creating a session while an active
	// session already exists for the same (username, NAS IP, NAS port).
	ErrConflict = errors.New("active session already exists")

	// ErrVersionMismatch is returned by conditional updates when the
	// stored version differs from the caller's copy.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrDuplicate is returned when creating an entity whose key exists.
	ErrDuplicate = errors.New("already exists")

	// ErrUnavailable is returned when the backing store cannot be
	// reached (including a tripped circuit breaker).
	ErrUnavailable = errors.New("store unavailable")
)

// AuthEventQuery filters and paginates the append-only auth log.
type AuthEventQuery struct {
	Username string
	Success  *bool

	From time.Time
	To   time.Time

	Limit  int
	Offset int
}

// Store is the persistence interface backing the engine. Implementations
// must provide point lookups by unique key, conditional update-if-match
// semantics for the versioned entities, and append-only auth events.
type Store interface {
	// Principals
	GetPrincipal(ctx context.Context, id string) (*Principal, error)
	PutPrincipal(ctx context.Context, p *Principal) error
	SetPrincipalStatus(ctx context.Context, id string, status PrincipalStatus) error

	// Credentials. UpdateCredential compares the version the caller
	// read; on match it stores the new value with version+1, otherwise
	// it fails with ErrVersionMismatch.
	GetCredential(ctx context.Context, username string) (*Credential, error)
	PutCredential(ctx context.Context, c *Credential) error
	UpdateCredential(ctx context.Context, c *Credential) error

	// Auth events (append-only)
	AppendAuthEvent(ctx context.Context, ev *AuthEvent) error
	QueryAuthEvents(ctx context.Context, q *AuthEventQuery) ([]*AuthEvent, error)

	// Servers
	GetServer(ctx context.Context, id string) (*AaaServer, error)
	PutServer(ctx context.Context, s *AaaServer) error
	UpdateServer(ctx context.Context, s *AaaServer) error
	ListServers(ctx context.Context) ([]*AaaServer, error)

	// Policies
	GetPolicy(ctx context.Context, id string) (*NetworkPolicy, error)
	PutPolicy(ctx context.Context, p *NetworkPolicy) error
	DeletePolicy(ctx context.Context, id string) error
	ListPolicies(ctx context.Context) ([]*NetworkPolicy, error)

	// Sessions. CreateSession enforces the single-active-session
	// invariant atomically and fails with ErrConflict.
	GetSession(ctx context.Context, id string) (*Session, error)
	CreateSession(ctx context.Context, s *Session) error
	UpdateSession(ctx context.Context, s *Session) error
	FindActiveSession(ctx context.Context, username string, nasIP net.IP, nasPort int) (*Session, error)
	ListActiveSessions(ctx context.Context) ([]*Session, error)

	Close() error
}
