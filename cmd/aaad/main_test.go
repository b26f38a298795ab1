package main

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/audit"
	"github.com/codelaboratoryltd/aaa/pkg/auth"
	"github.com/codelaboratoryltd/aaa/pkg/credential"
	"github.com/codelaboratoryltd/aaa/pkg/fleet"
	"github.com/codelaboratoryltd/aaa/pkg/lockout"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

func newTestMux(t *testing.T) (http.Handler, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	logger := zap.NewNop()

	engine := auth.NewEngine(
		st,
		credential.NewVerifier(st, logger),
		lockout.NewGuard(lockout.DefaultConfig(), st, logger),
		policy.NewEngine(st, logger),
		session.NewLedger(st, nil, logger),
		audit.NewRecorder(st, logger),
		nil,
		logger,
	)
	tracker := fleet.NewTracker(fleet.DefaultConfig(), st, logger)

	return apiMux(metrics.New(), tracker, engine, logger), st
}

func TestServersEndpointOmitsSecret(t *testing.T) {
	mux, st := newTestMux(t)

	require.NoError(t, st.PutServer(context.Background(), &store.AaaServer{
		ID:            "srv-1",
		Name:          "edge-1",
		IP:            net.ParseIP("192.0.2.10"),
		Port:          1812,
		Secret:        "super-shared-secret",
		Status:        store.ServerActive,
		LastHeartbeat: time.Now(),
		CPUPercent:    12.5,
	}))

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/servers", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "srv-1")
	assert.Contains(t, body, "edge-1")
	assert.NotContains(t, body, "super-shared-secret")
	assert.NotContains(t, body, `"secret"`)
}
