package session

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

func newTestLedger() *Ledger {
	return NewLedger(store.NewMemoryStore(), nil, zap.NewNop())
}

func openReq() OpenRequest {
	return OpenRequest{
		Username: "alice",
		NASIP:    net.ParseIP("192.0.2.1"),
		NASPort:  7,
		FramedIP: net.ParseIP("10.1.2.3"),
	}
}

func TestOpenAndConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s, err := l.Open(ctx, openReq(), now)
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, store.SessionActive, s.Status)
	assert.Equal(t, now, s.StartTime)

	_, err = l.Open(ctx, openReq(), now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrConflict)

	// A different port opens fine.
	other := openReq()
	other.NASPort = 8
	_, err = l.Open(ctx, other, now)
	assert.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, uint64(2), stats.Opened)
	assert.Equal(t, uint64(1), stats.Conflicts)
}

func TestConcurrentOpenOneWinner(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	now := time.Now()

	const attempts = 20
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Open(ctx, openReq(), now)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes := 0
	for err := range errs {
		if err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrConflict)
		}
	}
	assert.Equal(t, 1, successes)
}

func TestUpdateUsage(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	now := time.Now()

	s, err := l.Open(ctx, openReq(), now)
	require.NoError(t, err)

	require.NoError(t, l.UpdateUsage(ctx, s.ID, 1000, 2000))
	require.NoError(t, l.UpdateUsage(ctx, s.ID, 500, 0))

	cur, err := l.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), cur.BytesSent)
	assert.Equal(t, uint64(2000), cur.BytesReceived)

	assert.ErrorIs(t, l.UpdateUsage(ctx, s.ID, -1, 0), ErrNegativeDelta)
	assert.ErrorIs(t, l.UpdateUsage(ctx, "missing", 1, 1), ErrNotFound)
}

func TestUpdateUsageOnClosedSessionFails(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	now := time.Now()

	s, err := l.Open(ctx, openReq(), now)
	require.NoError(t, err)
	_, err = l.Close(ctx, s.ID, CauseUserRequest, now.Add(time.Minute))
	require.NoError(t, err)

	assert.ErrorIs(t, l.UpdateUsage(ctx, s.ID, 100, 100), ErrInvalidState)
}

func TestCloseSetsDurationExactly(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	end := start.Add(42*time.Minute + 7*time.Second)

	s, err := l.Open(ctx, openReq(), start)
	require.NoError(t, err)

	closed, err := l.Close(ctx, s.ID, CauseUserRequest, end)
	require.NoError(t, err)
	assert.Equal(t, store.SessionStopped, closed.Status)
	assert.Equal(t, end, closed.EndTime)
	assert.Equal(t, 42*time.Minute+7*time.Second, closed.Duration())
}

func TestCloseCauseMapping(t *testing.T) {
	tests := []struct {
		cause CloseCause
		want  store.SessionStatus
	}{
		{CauseUserRequest, store.SessionStopped},
		{CauseAdminReset, store.SessionTerminated},
		{CauseNASRequest, store.SessionTerminated},
		{CausePolicyViolation, store.SessionTerminated},
		{CauseCancelled, store.SessionTerminated},
	}

	for _, tt := range tests {
		t.Run(string(tt.cause), func(t *testing.T) {
			ctx := context.Background()
			l := newTestLedger()
			now := time.Now()

			s, err := l.Open(ctx, openReq(), now)
			require.NoError(t, err)

			closed, err := l.Close(ctx, s.ID, tt.cause, now.Add(time.Minute))
			require.NoError(t, err)
			assert.Equal(t, tt.want, closed.Status)
			assert.Equal(t, string(tt.cause), closed.TerminateCause)
		})
	}
}

func TestCloseIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	now := time.Now()

	s, err := l.Open(ctx, openReq(), now)
	require.NoError(t, err)

	first, err := l.Close(ctx, s.ID, CauseUserRequest, now.Add(time.Minute))
	require.NoError(t, err)

	second, err := l.Close(ctx, s.ID, CauseAdminReset, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	// The original close is untouched.
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.EndTime, second.EndTime)
	assert.Equal(t, first.TerminateCause, second.TerminateCause)
}

func TestFindActiveAndListActive(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger()
	now := time.Now()

	s, err := l.Open(ctx, openReq(), now)
	require.NoError(t, err)

	found, err := l.FindActive(ctx, "alice", net.ParseIP("192.0.2.1"), 7)
	require.NoError(t, err)
	assert.Equal(t, s.ID, found.ID)

	active, err := l.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = l.Close(ctx, s.ID, CauseUserRequest, now.Add(time.Minute))
	require.NoError(t, err)

	_, err = l.FindActive(ctx, "alice", net.ParseIP("192.0.2.1"), 7)
	assert.ErrorIs(t, err, ErrNotFound)

	active, err = l.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCloseRecordsSessionMetrics(t *testing.T) {
	ctx := context.Background()
	m := metrics.New()
	require.NoError(t, m.Register())
	l := NewLedger(store.NewMemoryStore(), m, zap.NewNop())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	s, err := l.Open(ctx, openReq(), now)
	require.NoError(t, err)
	require.NoError(t, l.UpdateUsage(ctx, s.ID, 4096, 8192))
	_, err = l.Close(ctx, s.ID, CauseUserRequest, now.Add(time.Minute))
	require.NoError(t, err)

	other := openReq()
	other.NASPort = 8
	s2, err := l.Open(ctx, other, now)
	require.NoError(t, err)
	_, err = l.Close(ctx, s2.ID, CauseAdminReset, now.Add(time.Minute))
	require.NoError(t, err)

	expected := `
# HELP aaa_session_bytes_total Total accounted bytes by direction
# TYPE aaa_session_bytes_total counter
aaa_session_bytes_total{direction="received"} 8192
aaa_session_bytes_total{direction="sent"} 4096
# HELP aaa_sessions_total Total sessions by terminal status
# TYPE aaa_sessions_total counter
aaa_sessions_total{status="stopped"} 1
aaa_sessions_total{status="terminated"} 1
`
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), "aaa_sessions_total", "aaa_session_bytes_total"))

	// An idempotent re-close records nothing.
	_, err = l.Close(ctx, s.ID, CauseUserRequest, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyClosed)
	require.NoError(t, testutil.GatherAndCompare(prometheus.DefaultGatherer,
		strings.NewReader(expected), "aaa_sessions_total", "aaa_session_bytes_total"))
}
