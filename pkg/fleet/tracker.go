// Package fleet tracks AAA server health from heartbeats and derives
// liveness. Staleness-derived inactive status is distinct from the
// administrator-set maintenance status, which heartbeats never override.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/store"
)

var (
	// ErrNotFound is returned for unknown server ids.
	ErrNotFound = errors.New("server not found")

	// ErrStaleHeartbeat is returned when a heartbeat carries a timestamp
	// older than the stored one; stored state is left unchanged.
	ErrStaleHeartbeat = errors.New("heartbeat older than stored state")
)

// Config holds fleet tracker configuration.
type Config struct {
	// StalenessWindow is how long a server may go without a heartbeat
	// before being marked inactive.
	StalenessWindow time.Duration `json:"staleness_window"`

	// SweepInterval is how often the background sweep runs.
	SweepInterval time.Duration `json:"sweep_interval"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		StalenessWindow: 90 * time.Second,
		SweepInterval:   15 * time.Second,
	}
}

// Metrics is one heartbeat's utilization snapshot.
type Metrics struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Tracker ingests heartbeats and answers health queries.
type Tracker struct {
	config Config
	store  store.Store
	logger *zap.Logger

	// Statistics
	heartbeatsAccepted uint64
	heartbeatsRejected uint64
	sweepsMarkedStale  uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a fleet tracker backed by the given store.
func NewTracker(config Config, st store.Store, logger *zap.Logger) *Tracker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Tracker{
		config: config,
		store:  st,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the background staleness sweep.
func (t *Tracker) Start() {
	t.logger.Info("Starting fleet tracker",
		zap.Duration("staleness_window", t.config.StalenessWindow),
		zap.Duration("sweep_interval", t.config.SweepInterval),
	)
	t.wg.Add(1)
	go t.sweepLoop()
}

// Stop stops the background sweep.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
	t.logger.Info("Fleet tracker stopped")
}

// IngestHeartbeat records a heartbeat for a server. A heartbeat whose
// timestamp is older than the stored one is rejected with
// ErrStaleHeartbeat and leaves stored state unchanged. A heartbeat revives
// a staleness-derived inactive server but never a maintenance one.
func (t *Tracker) IngestHeartbeat(ctx context.Context, serverID string, m Metrics, now time.Time) error {
	for {
		srv, err := t.store.GetServer(ctx, serverID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup server: %w", err)
		}

		if !srv.LastHeartbeat.IsZero() && now.Before(srv.LastHeartbeat) {
			atomic.AddUint64(&t.heartbeatsRejected, 1)
			return ErrStaleHeartbeat
		}

		srv.LastHeartbeat = now
		srv.CPUPercent = m.CPUPercent
		srv.MemoryPercent = m.MemoryPercent
		srv.DiskPercent = m.DiskPercent

		if srv.Status == store.ServerInactive {
			srv.Status = store.ServerActive
			t.logger.Info("Server revived by heartbeat",
				zap.String("server_id", serverID),
			)
		}

		err = t.store.UpdateServer(ctx, srv)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update server: %w", err)
		}

		atomic.AddUint64(&t.heartbeatsAccepted, 1)
		return nil
	}
}

// SelectHealthy returns active servers with fresh heartbeats, ordered by
// ascending CPU utilization for load-aware routing. Staleness is also
// applied lazily here so a stopped sweep never reports a dead server
// healthy.
func (t *Tracker) SelectHealthy(ctx context.Context, now time.Time) ([]*store.AaaServer, error) {
	servers, err := t.store.ListServers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}

	var healthy []*store.AaaServer
	for _, srv := range servers {
		if srv.Status != store.ServerActive {
			continue
		}
		if t.stale(srv, now) {
			continue
		}
		healthy = append(healthy, srv)
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		return healthy[i].CPUPercent < healthy[j].CPUPercent
	})
	return healthy, nil
}

// Sweep marks servers with stale heartbeats inactive. Maintenance servers
// are untouched. Returns the number of servers marked.
func (t *Tracker) Sweep(ctx context.Context, now time.Time) (int, error) {
	servers, err := t.store.ListServers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list servers: %w", err)
	}

	marked := 0
	for _, srv := range servers {
		if srv.Status != store.ServerActive || !t.stale(srv, now) {
			continue
		}

		srv.Status = store.ServerInactive
		err := t.store.UpdateServer(ctx, srv)
		if errors.Is(err, store.ErrVersionMismatch) {
			// A concurrent heartbeat won; leave it.
			continue
		}
		if err != nil {
			return marked, fmt.Errorf("update server: %w", err)
		}

		marked++
		t.logger.Warn("Server marked inactive (stale heartbeat)",
			zap.String("server_id", srv.ID),
			zap.Time("last_heartbeat", srv.LastHeartbeat),
		)
	}

	if marked > 0 {
		atomic.AddUint64(&t.sweepsMarkedStale, uint64(marked))
	}
	return marked, nil
}

// stale reports whether a server's heartbeat is outside the window.
// A server that has never heartbeated is stale.
func (t *Tracker) stale(srv *store.AaaServer, now time.Time) bool {
	if srv.LastHeartbeat.IsZero() {
		return true
	}
	return now.Sub(srv.LastHeartbeat) > t.config.StalenessWindow
}

// Stats returns tracker counters.
func (t *Tracker) Stats() (accepted, rejected, markedStale uint64) {
	return atomic.LoadUint64(&t.heartbeatsAccepted),
		atomic.LoadUint64(&t.heartbeatsRejected),
		atomic.LoadUint64(&t.sweepsMarkedStale)
}

// sweepLoop runs periodic staleness sweeps.
func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			if _, err := t.Sweep(t.ctx, time.Now()); err != nil {
				t.logger.Error("Staleness sweep failed", zap.Error(err))
			}
		}
	}
}
