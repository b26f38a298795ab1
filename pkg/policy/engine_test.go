package policy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/store"
)

func newTestEngine(t *testing.T, policies ...*store.NetworkPolicy) *Engine {
	t.Helper()
	st := store.NewMemoryStore()
	for _, p := range policies {
		require.NoError(t, st.PutPolicy(context.Background(), p))
	}
	return NewEngine(st, zap.NewNop())
}

func baseContext() RequestContext {
	return RequestContext{
		SourceIP:      net.ParseIP("10.1.2.3"),
		DestinationIP: net.ParseIP("192.0.2.10"),
		Service:       "ssh",
		Groups:        []string{"engineering"},
		Timestamp:     time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC), // Monday noon
	}
}

func TestEvaluateFailClosed(t *testing.T) {
	e := newTestEngine(t)

	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.False(t, d.Permit)
	assert.Empty(t, d.MatchedPolicyID)
}

func TestEvaluateHighestPriorityWins(t *testing.T) {
	e := newTestEngine(t,
		&store.NetworkPolicy{ID: "low", Name: "low", Priority: 10, Enabled: true},
		&store.NetworkPolicy{ID: "high", Name: "high", Priority: 20, Enabled: true},
	)

	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.True(t, d.Permit)
	assert.Equal(t, "high", d.MatchedPolicyID)
}

func TestEvaluatePriorityTieBreaksByCreation(t *testing.T) {
	older := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	e := newTestEngine(t,
		&store.NetworkPolicy{ID: "newer", Name: "newer", Priority: 10, Enabled: true, CreatedAt: newer},
		&store.NetworkPolicy{ID: "older", Name: "older", Priority: 10, Enabled: true, CreatedAt: older},
	)

	// Same input, same winner, every time.
	for i := 0; i < 5; i++ {
		d, err := e.Evaluate(context.Background(), baseContext())
		require.NoError(t, err)
		assert.Equal(t, "older", d.MatchedPolicyID)
	}
}

func TestEvaluateSkipsDisabled(t *testing.T) {
	e := newTestEngine(t,
		&store.NetworkPolicy{ID: "off", Name: "off", Priority: 100, Enabled: false},
		&store.NetworkPolicy{ID: "on", Name: "on", Priority: 1, Enabled: true},
	)

	d, err := e.Evaluate(context.Background(), baseContext())
	require.NoError(t, err)
	assert.Equal(t, "on", d.MatchedPolicyID)
}

func TestMatches(t *testing.T) {
	rc := baseContext()

	tests := []struct {
		name   string
		policy store.NetworkPolicy
		want   bool
	}{
		{
			name:   "empty lists match anything",
			policy: store.NetworkPolicy{},
			want:   true,
		},
		{
			name:   "source network match",
			policy: store.NetworkPolicy{SourceNetworks: []string{"10.0.0.0/8"}},
			want:   true,
		},
		{
			name:   "source network miss",
			policy: store.NetworkPolicy{SourceNetworks: []string{"172.16.0.0/12"}},
			want:   false,
		},
		{
			name:   "destination network match",
			policy: store.NetworkPolicy{DestinationNetworks: []string{"192.0.2.0/24"}},
			want:   true,
		},
		{
			name:   "service match",
			policy: store.NetworkPolicy{Services: []string{"ssh", "https"}},
			want:   true,
		},
		{
			name:   "service miss",
			policy: store.NetworkPolicy{Services: []string{"rdp"}},
			want:   false,
		},
		{
			name:   "group match",
			policy: store.NetworkPolicy{Groups: []string{"engineering", "ops"}},
			want:   true,
		},
		{
			name:   "group miss",
			policy: store.NetworkPolicy{Groups: []string{"finance"}},
			want:   false,
		},
		{
			name: "time window covers",
			policy: store.NetworkPolicy{TimeWindows: []store.TimeWindow{
				{StartMinute: 9 * 60, EndMinute: 17 * 60},
			}},
			want: true,
		},
		{
			name: "time window excludes",
			policy: store.NetworkPolicy{TimeWindows: []store.TimeWindow{
				{StartMinute: 0, EndMinute: 6 * 60},
			}},
			want: false,
		},
		{
			name:   "malformed CIDR never matches",
			policy: store.NetworkPolicy{SourceNetworks: []string{"not-a-cidr"}},
			want:   false,
		},
		{
			name: "malformed entry skipped, valid entry still matches",
			policy: store.NetworkPolicy{
				SourceNetworks: []string{"not-a-cidr", "10.0.0.0/8"},
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(&tt.policy, rc))
		})
	}
}

func TestMatchesNilIPAgainstNetworkList(t *testing.T) {
	rc := baseContext()
	rc.DestinationIP = nil

	p := &store.NetworkPolicy{DestinationNetworks: []string{"192.0.2.0/24"}}
	assert.False(t, Matches(p, rc))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		policy  store.NetworkPolicy
		wantErr bool
	}{
		{
			name:   "valid",
			policy: store.NetworkPolicy{Name: "ok", SourceNetworks: []string{"10.0.0.0/8"}},
		},
		{
			name:    "missing name",
			policy:  store.NetworkPolicy{},
			wantErr: true,
		},
		{
			name:    "bad source CIDR",
			policy:  store.NetworkPolicy{Name: "bad", SourceNetworks: []string{"10.0.0.0/33"}},
			wantErr: true,
		},
		{
			name:    "bad destination CIDR",
			policy:  store.NetworkPolicy{Name: "bad", DestinationNetworks: []string{"nope"}},
			wantErr: true,
		},
		{
			name: "window start out of range",
			policy: store.NetworkPolicy{Name: "bad", TimeWindows: []store.TimeWindow{
				{StartMinute: 1500, EndMinute: 100},
			}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.policy)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
