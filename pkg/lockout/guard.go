// Package lockout enforces temporary authentication lockout after
// repeated failures. The guard owns the failed-attempt counter, sliding
// window and lockout expiry on each credential; all updates are
// version-checked read-modify-write cycles so two concurrent failed
// attempts cannot both observe counter=T-1 and skip the lockout.
package lockout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// ErrNotFound is returned for unknown usernames.
var ErrNotFound = errors.New("credential not found")

// Config holds lockout guard configuration.
type Config struct {
	// Threshold is the number of failed attempts within Window that
	// triggers a lockout.
	Threshold int `json:"threshold"`

	// Window is the sliding window over which failures accumulate.
	Window time.Duration `json:"window"`

	// LockoutDuration is how long a triggered lockout lasts.
	LockoutDuration time.Duration `json:"lockout_duration"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold:       5,
		Window:          15 * time.Minute,
		LockoutDuration: 15 * time.Minute,
	}
}

// Guard tracks failed attempts and enforces lockouts.
type Guard struct {
	config Config
	store  store.Store
	logger *zap.Logger
}

// NewGuard creates a lockout guard backed by the given store.
func NewGuard(config Config, st store.Store, logger *zap.Logger) *Guard {
	return &Guard{config: config, store: st, logger: logger}
}

// Check reports whether an attempt for the username may proceed, without
// recording anything. An expired lockout is cleared on observation; the
// expiry instant itself counts as unlocked.
func (g *Guard) Check(ctx context.Context, username string, now time.Time) (bool, time.Duration, error) {
	cred, err := g.store.GetCredential(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return false, 0, ErrNotFound
	}
	if err != nil {
		return false, 0, fmt.Errorf("lookup credential: %w", err)
	}

	if cred.Locked(now) {
		return false, cred.LockoutExpiry.Sub(now), nil
	}

	if !cred.LockoutExpiry.IsZero() {
		// Lockout has expired; clear it so the counter restarts.
		g.clearExpired(ctx, username, now)
	}
	return true, 0, nil
}

// RecordAttempt records the outcome of a credential check and reports
// whether subsequent attempts are allowed. On failure the counter is
// incremented within the sliding window; reaching the threshold sets the
// lockout expiry. On success the counter and expiry are cleared. The
// update is atomic via version-checked retry.
func (g *Guard) RecordAttempt(ctx context.Context, username string, success bool, now time.Time) (bool, time.Duration, error) {
	for {
		cred, err := g.store.GetCredential(ctx, username)
		if errors.Is(err, store.ErrNotFound) {
			return false, 0, ErrNotFound
		}
		if err != nil {
			return false, 0, fmt.Errorf("lookup credential: %w", err)
		}

		if cred.Locked(now) {
			// Already locked; nothing to record.
			return false, cred.LockoutExpiry.Sub(now), nil
		}

		if success {
			cred.FailedAttempts = 0
			cred.FailureTimes = nil
			cred.LockoutExpiry = time.Time{}
		} else {
			// The window slides: keep only failures within Window of
			// this one, then count the new failure against them. A
			// fresh slice is built because stored copies share the
			// backing array.
			recent := make([]time.Time, 0, len(cred.FailureTimes)+1)
			for _, ft := range cred.FailureTimes {
				if now.Sub(ft) <= g.config.Window {
					recent = append(recent, ft)
				}
			}
			recent = append(recent, now)
			cred.FailureTimes = recent
			cred.FailedAttempts = len(recent)

			if cred.FailedAttempts >= g.config.Threshold {
				cred.LockoutExpiry = now.Add(g.config.LockoutDuration)
			}
		}

		err = g.store.UpdateCredential(ctx, cred)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return false, 0, fmt.Errorf("update credential: %w", err)
		}

		if cred.Locked(now) {
			g.logger.Warn("Account locked",
				zap.String("username", username),
				zap.Int("failed_attempts", cred.FailedAttempts),
				zap.Time("lockout_expiry", cred.LockoutExpiry),
			)
			return false, cred.LockoutExpiry.Sub(now), nil
		}
		return true, 0, nil
	}
}

// clearExpired resets lockout state once the expiry has passed.
// Best effort: a lost race just means another caller cleared it.
func (g *Guard) clearExpired(ctx context.Context, username string, now time.Time) {
	cred, err := g.store.GetCredential(ctx, username)
	if err != nil {
		return
	}
	if cred.LockoutExpiry.IsZero() || cred.Locked(now) {
		return
	}

	cred.FailedAttempts = 0
	cred.FailureTimes = nil
	cred.LockoutExpiry = time.Time{}

	if err := g.store.UpdateCredential(ctx, cred); err != nil && !errors.Is(err, store.ErrVersionMismatch) {
		g.logger.Warn("Failed to clear expired lockout",
			zap.String("username", username),
			zap.Error(err),
		)
	}
}
