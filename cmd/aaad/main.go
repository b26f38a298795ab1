package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/codelaboratoryltd/aaa/pkg/audit"
	"github.com/codelaboratoryltd/aaa/pkg/auth"
	"github.com/codelaboratoryltd/aaa/pkg/credential"
	"github.com/codelaboratoryltd/aaa/pkg/fleet"
	"github.com/codelaboratoryltd/aaa/pkg/lockout"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/radiusfe"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "aaad",
	Short: "AAA engine for network access",
	Long: `aaad - Authentication, authorization and accounting engine.

Verifies credentials with lockout protection, evaluates network access
policies, keeps an accounting session ledger and tracks fleet health.
Serves NAS clients over RADIUS UDP.`,
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start AAA server",
	RunE:  runAAA,
}

var (
	configFile string
	logLevel   string

	// Store configuration
	storeBackend   string
	redisAddr      string
	redisPassword  string
	redisDB        int
	breakerEnabled bool

	// RADIUS configuration
	radiusAddr       string
	radiusSecret     string
	radiusSecretFile string

	// Lockout configuration
	lockoutThreshold int
	lockoutWindow    time.Duration
	lockoutDuration  time.Duration

	// Fleet configuration
	stalenessWindow time.Duration
	sweepInterval   time.Duration

	// HTTP configuration
	metricsAddr string
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "/etc/aaa/config.yaml",
		"Configuration file path")
	runCmd.Flags().StringVarP(&logLevel, "log-level", "l", "info",
		"Log level (debug, info, warn, error)")

	runCmd.Flags().StringVar(&storeBackend, "store", "memory",
		"Store backend (memory, redis)")
	runCmd.Flags().StringVar(&redisAddr, "redis-addr", "localhost:6379",
		"Redis server address")
	runCmd.Flags().StringVar(&redisPassword, "redis-password", "",
		"Redis password")
	runCmd.Flags().IntVar(&redisDB, "redis-db", 0,
		"Redis database number")
	runCmd.Flags().BoolVar(&breakerEnabled, "breaker-enabled", true,
		"Wrap the store in a circuit breaker")

	runCmd.Flags().StringVar(&radiusAddr, "radius-addr", ":1812",
		"RADIUS UDP listen address")
	runCmd.Flags().StringVar(&radiusSecret, "radius-secret", "",
		"RADIUS shared secret (DEPRECATED: visible in ps output, use --radius-secret-file instead)")
	runCmd.Flags().StringVar(&radiusSecretFile, "radius-secret-file", "",
		"Path to file containing RADIUS shared secret")

	runCmd.Flags().IntVar(&lockoutThreshold, "lockout-threshold", 5,
		"Failed attempts within the window that trigger a lockout")
	runCmd.Flags().DurationVar(&lockoutWindow, "lockout-window", 15*time.Minute,
		"Sliding window over which failed attempts accumulate")
	runCmd.Flags().DurationVar(&lockoutDuration, "lockout-duration", 15*time.Minute,
		"How long a triggered lockout lasts")

	runCmd.Flags().DurationVar(&stalenessWindow, "staleness-window", 90*time.Second,
		"Heartbeat age beyond which a server is considered stale")
	runCmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 15*time.Second,
		"Interval between fleet staleness sweeps")

	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9090",
		"Prometheus metrics and API listen address")

	rootCmd.AddCommand(runCmd)
}

func runAAA(cmd *cobra.Command, args []string) error {
	logger, err := initLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	// Load config file before consuming flag values.
	// CLI flags that were explicitly set take precedence.
	if err := loadConfigFile(cmd, logger); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("Starting AAA server",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", storeBackend),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	// Build the store.
	var st store.Store
	switch storeBackend {
	case "memory":
		st = store.NewMemoryStore()
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis at %s: %w", redisAddr, err)
		}
		st = store.NewRedisStore(client, logger)
		logger.Info("Connected to Redis", zap.String("addr", redisAddr))
	default:
		return fmt.Errorf("invalid --store: %s (must be memory or redis)", storeBackend)
	}
	defer st.Close()

	if breakerEnabled {
		st = store.WithBreaker(st, store.DefaultBreakerConfig(), logger)
	}

	// Create and register metrics.
	m := metrics.New()
	if err := m.Register(); err != nil {
		logger.Warn("Failed to register metrics", zap.Error(err))
	}

	// Wire components.
	verifier := credential.NewVerifier(st, logger)
	guard := lockout.NewGuard(lockout.Config{
		Threshold:       lockoutThreshold,
		Window:          lockoutWindow,
		LockoutDuration: lockoutDuration,
	}, st, logger)
	policyEngine := policy.NewEngine(st, logger)
	ledger := session.NewLedger(st, m, logger)
	recorder := audit.NewRecorder(st, logger)
	engine := auth.NewEngine(st, verifier, guard, policyEngine, ledger, recorder, m, logger)

	tracker := fleet.NewTracker(fleet.Config{
		StalenessWindow: stalenessWindow,
		SweepInterval:   sweepInterval,
	}, st, logger)
	tracker.Start()
	defer tracker.Stop()

	// Keep the active-session and healthy-server gauges current.
	stopGauges := make(chan struct{})
	go collectGauges(ctx, ledger, tracker, m, logger, stopGauges)

	// Start metrics and API HTTP server.
	httpServer := &http.Server{
		Addr:              metricsAddr,
		Handler:           apiMux(m, tracker, engine, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("Starting metrics server", zap.String("addr", metricsAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()

	// Start RADIUS server.
	secret := resolveSecret(radiusSecret, radiusSecretFile, "radius-secret", "radius-secret-file", logger)
	if secret == "" {
		return fmt.Errorf("a RADIUS shared secret is required (--radius-secret-file)")
	}
	handler := radiusfe.NewHandler(engine, ledger, logger)
	radiusServer := radiusfe.NewServer(radiusfe.Config{
		Addr:   radiusAddr,
		Secret: secret,
	}, handler, logger)
	go func() {
		if err := radiusServer.ListenAndServe(); err != nil && err != radiusfe.ErrServerShutdown {
			logger.Error("RADIUS server error", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("AAA server started successfully",
		zap.String("radius", radiusAddr),
		zap.String("metrics", metricsAddr),
		zap.Bool("breaker", breakerEnabled),
	)
	logger.Info("Press Ctrl+C to stop")

	<-ctx.Done()

	// Cleanup
	close(stopGauges)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := radiusServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("RADIUS server shutdown error", zap.Error(err))
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown error", zap.Error(err))
	}

	logger.Info("AAA server stopped")
	return nil
}

// apiMux serves Prometheus metrics plus a small operational API:
// heartbeat ingestion for fleet members and healthy-server listing for
// load balancers.
// serverView is the caller-facing server representation. The RADIUS
// shared secret never leaves the store through this listener.
type serverView struct {
	ID            string             `json:"id"`
	Name          string             `json:"name"`
	IP            net.IP             `json:"ip"`
	Port          int                `json:"port"`
	Status        store.ServerStatus `json:"status"`
	LastHeartbeat time.Time          `json:"last_heartbeat,omitempty"`
	CPUPercent    float64            `json:"cpu_percent,omitempty"`
	MemoryPercent float64            `json:"memory_percent,omitempty"`
	DiskPercent   float64            `json:"disk_percent,omitempty"`
}

func newServerView(s *store.AaaServer) serverView {
	return serverView{
		ID:            s.ID,
		Name:          s.Name,
		IP:            s.IP,
		Port:          s.Port,
		Status:        s.Status,
		LastHeartbeat: s.LastHeartbeat,
		CPUPercent:    s.CPUPercent,
		MemoryPercent: s.MemoryPercent,
		DiskPercent:   s.DiskPercent,
	}
}

func apiMux(m *metrics.Metrics, tracker *fleet.Tracker, engine *auth.Engine, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/v1/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var hb struct {
			ServerID   string  `json:"server_id"`
			CPUPercent float64 `json:"cpu_percent"`
			MemPercent float64 `json:"memory_percent"`
			DiskUsage  float64 `json:"disk_percent"`
		}
		if err := json.NewDecoder(r.Body).Decode(&hb); err != nil || hb.ServerID == "" {
			http.Error(w, "invalid heartbeat", http.StatusBadRequest)
			return
		}
		err := tracker.IngestHeartbeat(r.Context(), hb.ServerID, fleet.Metrics{
			CPUPercent:    hb.CPUPercent,
			MemoryPercent: hb.MemPercent,
			DiskPercent:   hb.DiskUsage,
		}, time.Now())
		switch {
		case err == nil:
			m.RecordHeartbeat("accepted")
			w.WriteHeader(http.StatusNoContent)
		case errors.Is(err, fleet.ErrStaleHeartbeat):
			m.RecordHeartbeat("stale")
			http.Error(w, "stale heartbeat", http.StatusConflict)
		default:
			logger.Warn("Heartbeat ingestion failed",
				zap.String("server_id", hb.ServerID),
				zap.Error(err),
			)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
	})

	mux.HandleFunc("/v1/servers", func(w http.ResponseWriter, r *http.Request) {
		servers, err := tracker.SelectHealthy(r.Context(), time.Now())
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		views := make([]serverView, 0, len(servers))
		for _, s := range servers {
			views = append(views, newServerView(s))
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	})

	mux.HandleFunc("/v1/authlog", func(w http.ResponseWriter, r *http.Request) {
		q := &store.AuthEventQuery{Limit: 100}
		if u := r.URL.Query().Get("username"); u != "" {
			q.Username = u
		}
		events, err := engine.GetAuthLogs(r.Context(), q)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(events)
	})

	return mux
}

// collectGauges periodically refreshes gauges derived from store state.
func collectGauges(ctx context.Context, ledger *session.Ledger, tracker *fleet.Tracker, m *metrics.Metrics, logger *zap.Logger, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sessions, err := ledger.ListActive(ctx); err == nil {
				m.SetActiveSessions(len(sessions))
			}
			if servers, err := tracker.SelectHealthy(ctx, time.Now()); err == nil {
				m.SetServersHealthy(len(servers))
			}
		}
	}
}

func initLogger(level string) (*zap.Logger, error) {
	var zapLevel zap.AtomicLevel
	switch level {
	case "debug":
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		zapLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		zapLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		zapLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	config := zap.NewProductionConfig()
	config.Level = zapLevel
	config.Encoding = "json"

	return config.Build()
}

// loadConfigFile reads a YAML config file and applies values to unset flags.
// CLI flags take precedence over config file values.
func loadConfigFile(cmd *cobra.Command, logger *zap.Logger) error {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", configFile, err)
	}

	var cfg map[string]string
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", configFile, err)
	}

	logger.Info("Loaded config file", zap.String("path", configFile), zap.Int("keys", len(cfg)))

	for key, val := range cfg {
		f := cmd.Flags().Lookup(key)
		if f == nil {
			logger.Warn("Unknown config key, skipping", zap.String("key", key))
			continue
		}
		if cmd.Flags().Changed(key) {
			continue
		}
		if err := cmd.Flags().Set(key, val); err != nil {
			logger.Warn("Failed to set config value",
				zap.String("key", key),
				zap.String("value", val),
				zap.Error(err),
			)
		}
	}

	return nil
}

func resolveSecret(direct, filePath, directFlag, fileFlag string, logger *zap.Logger) string {
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err != nil {
			logger.Error("Failed to read secret file",
				zap.String("flag", fileFlag),
				zap.String("path", filePath),
				zap.Error(err),
			)
			return ""
		}
		secret := strings.TrimSpace(string(data))
		if direct != "" {
			logger.Warn("Both --"+directFlag+" and --"+fileFlag+" set; using file",
				zap.String("file", filePath),
			)
		}
		return secret
	}
	if direct != "" {
		logger.Warn("--"+directFlag+" is deprecated: secret is visible in process listings. Use --"+fileFlag+" instead.",
			zap.String("flag", directFlag),
		)
	}
	return direct
}
