package store

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for single-node deployments and tests.
//
// Mutexes here guard only the map operations themselves; compound
// read-modify-write cycles (lockout counters, session transitions) are
// expressed as optimistic version-checked updates so that concurrent
// callers touching unrelated entities never serialize on entity state.
type MemoryStore struct {
	mu sync.RWMutex

	principals  map[string]*Principal
	credentials map[string]*Credential // username -> credential
	servers     map[string]*AaaServer
	policies    map[string]*NetworkPolicy
	sessions    map[string]*Session

	// activeByTriple indexes the single allowed active session per
	// (username, NAS IP, NAS port).
	activeByTriple map[string]string // triple key -> session ID

	eventsMu sync.RWMutex
	events   []*AuthEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		principals:     make(map[string]*Principal),
		credentials:    make(map[string]*Credential),
		servers:        make(map[string]*AaaServer),
		policies:       make(map[string]*NetworkPolicy),
		sessions:       make(map[string]*Session),
		activeByTriple: make(map[string]string),
	}
}

// GetPrincipal returns a principal by ID.
func (m *MemoryStore) GetPrincipal(ctx context.Context, id string) (*Principal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutPrincipal stores a principal, overwriting any existing record.
func (m *MemoryStore) PutPrincipal(ctx context.Context, p *Principal) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.principals[cp.ID] = &cp
	return nil
}

// SetPrincipalStatus changes a principal's administrative status.
func (m *MemoryStore) SetPrincipalStatus(ctx context.Context, id string, status PrincipalStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// GetCredential returns a credential by username.
func (m *MemoryStore) GetCredential(ctx context.Context, username string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// PutCredential stores a credential, overwriting any existing record.
func (m *MemoryStore) PutCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *c
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.credentials[cp.Username] = &cp
	return nil
}

// UpdateCredential applies a version-checked update.
func (m *MemoryStore) UpdateCredential(ctx context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.credentials[c.Username]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionMismatch
	}
	cp := *c
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.credentials[cp.Username] = &cp
	return nil
}

// AppendAuthEvent appends an immutable auth event.
func (m *MemoryStore) AppendAuthEvent(ctx context.Context, ev *AuthEvent) error {
	cp := *ev

	m.eventsMu.Lock()
	defer m.eventsMu.Unlock()
	m.events = append(m.events, &cp)
	return nil
}

// QueryAuthEvents returns matching events, newest first.
func (m *MemoryStore) QueryAuthEvents(ctx context.Context, q *AuthEventQuery) ([]*AuthEvent, error) {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()

	var matches []*AuthEvent
	for _, ev := range m.events {
		if !matchesEventQuery(ev, q) {
			continue
		}
		cp := *ev
		matches = append(matches, &cp)
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Timestamp.After(matches[j].Timestamp)
	})

	return paginateEvents(matches, q), nil
}

func matchesEventQuery(ev *AuthEvent, q *AuthEventQuery) bool {
	if q == nil {
		return true
	}
	if q.Username != "" && ev.Username != q.Username {
		return false
	}
	if q.Success != nil && ev.Success != *q.Success {
		return false
	}
	if !q.From.IsZero() && ev.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && ev.Timestamp.After(q.To) {
		return false
	}
	return true
}

func paginateEvents(events []*AuthEvent, q *AuthEventQuery) []*AuthEvent {
	if q == nil {
		return events
	}
	if q.Offset > 0 {
		if q.Offset >= len(events) {
			return nil
		}
		events = events[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(events) {
		events = events[:q.Limit]
	}
	return events
}

// GetServer returns a server by ID.
func (m *MemoryStore) GetServer(ctx context.Context, id string) (*AaaServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.servers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// PutServer stores a server, overwriting any existing record.
func (m *MemoryStore) PutServer(ctx context.Context, s *AaaServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *s
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.servers[cp.ID] = &cp
	return nil
}

// UpdateServer applies a version-checked update.
func (m *MemoryStore) UpdateServer(ctx context.Context, s *AaaServer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.servers[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != s.Version {
		return ErrVersionMismatch
	}
	cp := *s
	cp.Version++
	cp.UpdatedAt = time.Now().UTC()
	m.servers[cp.ID] = &cp
	return nil
}

// ListServers returns all servers.
func (m *MemoryStore) ListServers(ctx context.Context) ([]*AaaServer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*AaaServer, 0, len(m.servers))
	for _, s := range m.servers {
		cp := *s
		result = append(result, &cp)
	}
	return result, nil
}

// GetPolicy returns a policy by ID.
func (m *MemoryStore) GetPolicy(ctx context.Context, id string) (*NetworkPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.policies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// PutPolicy stores a policy, overwriting any existing record.
func (m *MemoryStore) PutPolicy(ctx context.Context, p *NetworkPolicy) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *p
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	m.policies[cp.ID] = &cp
	return nil
}

// DeletePolicy removes a policy.
func (m *MemoryStore) DeletePolicy(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.policies[id]; !ok {
		return ErrNotFound
	}
	delete(m.policies, id)
	return nil
}

// ListPolicies returns all policies.
func (m *MemoryStore) ListPolicies(ctx context.Context) ([]*NetworkPolicy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*NetworkPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		cp := *p
		result = append(result, &cp)
	}
	return result, nil
}

// GetSession returns a session by ID.
func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// CreateSession stores a new active session. The check for an existing
// active session on the same triple and the insert are a single atomic
// step, so concurrent opens yield exactly one success.
func (m *MemoryStore) CreateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return ErrDuplicate
	}

	key := s.TripleKey()
	if s.Status == SessionActive {
		if _, ok := m.activeByTriple[key]; ok {
			return ErrConflict
		}
	}

	cp := *s
	m.sessions[cp.ID] = &cp
	if cp.Status == SessionActive {
		m.activeByTriple[key] = cp.ID
	}
	return nil
}

// UpdateSession applies a version-checked update, maintaining the
// active-session index across status transitions.
func (m *MemoryStore) UpdateSession(ctx context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.sessions[s.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != s.Version {
		return ErrVersionMismatch
	}

	cp := *s
	cp.Version++
	m.sessions[cp.ID] = &cp

	if cur.Status == SessionActive && cp.Status != SessionActive {
		delete(m.activeByTriple, cur.TripleKey())
	}
	return nil
}

// FindActiveSession returns the active session for a triple, if any.
func (m *MemoryStore) FindActiveSession(ctx context.Context, username string, nasIP net.IP, nasPort int) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.activeByTriple[TripleKey(username, nasIP, nasPort)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.sessions[id]
	return &cp, nil
}

// ListActiveSessions returns all sessions with active status.
func (m *MemoryStore) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Session, 0, len(m.activeByTriple))
	for _, id := range m.activeByTriple {
		cp := *m.sessions[id]
		result = append(result, &cp)
	}
	return result, nil
}

// Close releases resources. A MemoryStore holds none.
func (m *MemoryStore) Close() error {
	return nil
}
