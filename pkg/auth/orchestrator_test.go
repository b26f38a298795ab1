package auth

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/audit"
	"github.com/codelaboratoryltd/aaa/pkg/credential"
	"github.com/codelaboratoryltd/aaa/pkg/lockout"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

type testEnv struct {
	engine *Engine
	store  *store.MemoryStore
	now    time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	logger := zap.NewNop()

	e := NewEngine(
		st,
		credential.NewVerifier(st, logger),
		lockout.NewGuard(lockout.DefaultConfig(), st, logger),
		policy.NewEngine(st, logger),
		session.NewLedger(st, nil, logger),
		audit.NewRecorder(st, logger),
		nil,
		logger,
	)

	env := &testEnv{
		engine: e,
		store:  st,
		now:    time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC),
	}
	e.now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) seedUser(t *testing.T, username, password string, status store.PrincipalStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, env.store.PutPrincipal(ctx, &store.Principal{
		ID:     "p-" + username,
		Role:   store.RoleUser,
		Status: status,
		Groups: []string{"engineering"},
	}))
	hash, err := credential.HashSecret(password)
	require.NoError(t, err)
	require.NoError(t, env.store.PutCredential(ctx, &store.Credential{
		Username:     username,
		PrincipalID:  "p-" + username,
		PasswordHash: hash,
	}))
}

func (env *testEnv) seedAllowAll(t *testing.T) {
	t.Helper()
	require.NoError(t, env.store.PutPolicy(context.Background(), &store.NetworkPolicy{
		ID:      "allow-all",
		Name:    "allow-all",
		Enabled: true,
	}))
}

func (env *testEnv) request(username, password string) Request {
	return Request{
		Username: username,
		Password: password,
		SourceIP: net.ParseIP("10.1.2.3"),
		NASIP:    net.ParseIP("192.0.2.1"),
		NASPort:  7,
	}
}

func (env *testEnv) eventCount(t *testing.T) int {
	t.Helper()
	events, err := env.store.QueryAuthEvents(context.Background(), nil)
	require.NoError(t, err)
	return len(events)
}

func (env *testEnv) lastEvent(t *testing.T) *store.AuthEvent {
	t.Helper()
	events, err := env.store.QueryAuthEvents(context.Background(), &store.AuthEventQuery{Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	return events[0]
}

func TestAuthenticateAccept(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "correct horse", store.PrincipalActive)
	env.seedAllowAll(t)

	result, err := env.engine.Authenticate(ctx, env.request("alice", "correct horse"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, result.Decision)
	assert.Equal(t, ReasonOK, result.Reason)
	assert.NotEmpty(t, result.SessionID)
	assert.Equal(t, "allow-all", result.MatchedPolicyID)

	// Session exists and is active.
	s, err := env.store.GetSession(ctx, result.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, s.Status)
	assert.Equal(t, "alice", s.Username)

	// Last login stamped.
	cred, err := env.store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, env.now, cred.LastLogin)

	// Exactly one event, success flag matches the decision.
	assert.Equal(t, 1, env.eventCount(t))
	ev := env.lastEvent(t)
	assert.True(t, ev.Success)
	assert.Empty(t, ev.FailureReason)
	assert.Equal(t, result.SessionID, ev.SessionID)
}

func TestAuthenticateUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	env.seedAllowAll(t)

	result, err := env.engine.Authenticate(context.Background(), env.request("mallory", "whatever"))
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonInvalidCredentials, result.Reason)

	assert.Equal(t, 1, env.eventCount(t))
	ev := env.lastEvent(t)
	assert.False(t, ev.Success)
	assert.Equal(t, string(ReasonInvalidCredentials), ev.FailureReason)
}

func TestAuthenticatePrincipalStatus(t *testing.T) {
	tests := []struct {
		status store.PrincipalStatus
		reason Reason
	}{
		{store.PrincipalSuspended, ReasonPrincipalSuspended},
		{store.PrincipalPending, ReasonPrincipalPending},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			env := newTestEnv(t)
			env.seedUser(t, "alice", "secret", tt.status)
			env.seedAllowAll(t)

			result, err := env.engine.Authenticate(context.Background(), env.request("alice", "secret"))
			require.NoError(t, err)
			assert.Equal(t, DecisionReject, result.Decision)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Equal(t, 1, env.eventCount(t))
		})
	}
}

func TestAuthenticateWrongPassword(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	env.seedAllowAll(t)

	result, err := env.engine.Authenticate(ctx, env.request("alice", "wrong"))
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonInvalidCredentials, result.Reason)

	cred, err := env.store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, cred.FailedAttempts)
}

func TestAuthenticateLockoutEngages(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	env.seedAllowAll(t)

	// Five wrong passwords lock the account; each still reads as a
	// plain credential failure from outside.
	for i := 0; i < 5; i++ {
		result, err := env.engine.Authenticate(ctx, env.request("alice", "wrong"))
		require.NoError(t, err)
		assert.Equal(t, ReasonInvalidCredentials, result.Reason)
	}

	// The correct password is now rejected with the lockout reason and a
	// nonzero remaining duration.
	result, err := env.engine.Authenticate(ctx, env.request("alice", "secret"))
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonAccountLocked, result.Reason)
	assert.Equal(t, 15*time.Minute, result.RemainingLockout)

	// The locked attempt opens no session, correct password or not.
	active, err := env.store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// One event per call, all failures.
	assert.Equal(t, 6, env.eventCount(t))

	// After the lockout expires the correct password works again.
	env.now = env.now.Add(15 * time.Minute)
	result, err = env.engine.Authenticate(ctx, env.request("alice", "secret"))
	require.NoError(t, err)
	assert.Equal(t, DecisionAccept, result.Decision)
}

func TestAuthenticatePolicyDenied(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	// No policies seeded: fail-closed deny.

	result, err := env.engine.Authenticate(ctx, env.request("alice", "secret"))
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonPolicyDenied, result.Reason)

	// A policy deny after a correct password must not touch the
	// failed-attempt counter either way.
	cred, err := env.store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, cred.FailedAttempts)

	// And no session was opened.
	active, err := env.store.ListActiveSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestAuthenticatePolicyDenyPreservesFailureCount(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)

	// One failure on the books.
	_, err := env.engine.Authenticate(ctx, env.request("alice", "wrong"))
	require.NoError(t, err)

	// Correct password, policy denied: the counter stays at 1. Only a
	// full grant resets it.
	result, err := env.engine.Authenticate(ctx, env.request("alice", "secret"))
	require.NoError(t, err)
	assert.Equal(t, ReasonPolicyDenied, result.Reason)

	cred, err := env.store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, cred.FailedAttempts)
}

func TestAuthenticateMethodNotAllowed(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	env.seedAllowAll(t)

	cred, err := env.store.GetCredential(ctx, "alice")
	require.NoError(t, err)
	cred.Methods = []store.AuthMethod{store.MethodCHAP}
	require.NoError(t, env.store.UpdateCredential(ctx, cred))

	req := env.request("alice", "secret")
	req.Method = store.MethodPAP
	result, err := env.engine.Authenticate(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonMethodNotAllowed, result.Reason)
}

func TestAuthenticateSessionConflict(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	env.seedAllowAll(t)

	first, err := env.engine.Authenticate(ctx, env.request("alice", "secret"))
	require.NoError(t, err)
	require.Equal(t, DecisionAccept, first.Decision)

	second, err := env.engine.Authenticate(ctx, env.request("alice", "secret"))
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, second.Decision)
	assert.Equal(t, ReasonSessionConflict, second.Reason)

	// The original session is untouched.
	s, err := env.store.GetSession(ctx, first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionActive, s.Status)
}

func TestAuthenticateExactlyOneEventPerCall(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	env.seedAllowAll(t)

	calls := []Request{
		env.request("alice", "secret"),  // accept
		env.request("alice", "secret"),  // session conflict
		env.request("alice", "wrong"),   // invalid credentials
		env.request("mallory", "x"),     // unknown user
	}

	for i, req := range calls {
		_, err := env.engine.Authenticate(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, i+1, env.eventCount(t), "call %d must add exactly one event", i+1)
	}
}

func TestAuthenticateCancelledAfterOpenCompensates(t *testing.T) {
	env := newTestEnv(t)
	env.seedUser(t, "alice", "secret", store.PrincipalActive)
	env.seedAllowAll(t)

	ctx, cancel := context.WithCancel(context.Background())
	// Cancel between session open and response by cancelling during the
	// ledger's store write: simplest deterministic approximation is to
	// cancel before the call and rely on the post-open check.
	cancel()

	// With an already-cancelled context the memory store still performs
	// writes, so the flow reaches the post-open cancellation check and
	// must compensate.
	result, err := env.engine.Authenticate(ctx, env.request("alice", "secret"))
	assert.Error(t, err)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonCancelled, result.Reason)

	// No active session left behind.
	active, err := env.store.ListActiveSessions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, active)
}

// ctxAwareStore refuses lookups once the context is done, the way a real
// network-backed store does.
type ctxAwareStore struct {
	store.Store
}

func (s ctxAwareStore) GetCredential(ctx context.Context, username string) (*store.Credential, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.GetCredential(ctx, username)
}

func TestAuthenticateCancelledBeforeLookup(t *testing.T) {
	mem := store.NewMemoryStore()
	logger := zap.NewNop()
	st := ctxAwareStore{Store: mem}

	engine := NewEngine(
		st,
		credential.NewVerifier(st, logger),
		lockout.NewGuard(lockout.DefaultConfig(), st, logger),
		policy.NewEngine(st, logger),
		session.NewLedger(st, nil, logger),
		audit.NewRecorder(st, logger),
		nil,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := engine.Authenticate(ctx, Request{Username: "alice", Password: "secret", Method: store.MethodPAP})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, DecisionReject, result.Decision)
	assert.Equal(t, ReasonCancelled, result.Reason)

	// The event records the cancellation, not a backend fault.
	events, err := mem.QueryAuthEvents(context.Background(), &store.AuthEventQuery{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(ReasonCancelled), events[0].FailureReason)
}
