// Package credential verifies presented secrets against stored bcrypt
// hashes. The verifier never logs or returns hash material, and unknown
// usernames cost the same bcrypt comparison as wrong passwords so response
// timing does not distinguish the two.
package credential

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// ErrNotFound is returned for unknown usernames. Callers mapping this to
// a user-facing response must use the same response as a wrong password.
var ErrNotFound = errors.New("credential not found")

// DefaultCost is the bcrypt cost used for new hashes.
const DefaultCost = bcrypt.DefaultCost

// dummyHash is compared against when the username is unknown so the
// failure path costs one bcrypt comparison either way.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("aaa-dummy-comparison-secret"), DefaultCost)
	if err != nil {
		panic(fmt.Sprintf("generate dummy hash: %v", err))
	}
	return h
}()

// Verifier checks presented secrets against stored credentials.
type Verifier struct {
	store  store.Store
	logger *zap.Logger
}

// NewVerifier creates a credential verifier backed by the given store.
func NewVerifier(st store.Store, logger *zap.Logger) *Verifier {
	return &Verifier{store: st, logger: logger}
}

// Verify compares the presented secret against the stored hash.
// For unknown usernames it performs a dummy comparison and returns
// ErrNotFound. A mismatch returns match=false with no error.
func (v *Verifier) Verify(ctx context.Context, username, presentedSecret string) (bool, string, error) {
	cred, err := v.store.GetCredential(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		// Burn the same bcrypt work as the known-user path.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(presentedSecret))
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", fmt.Errorf("lookup credential: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword(cred.PasswordHash, []byte(presentedSecret)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, cred.PrincipalID, nil
		}
		return false, "", fmt.Errorf("compare hash: %w", err)
	}

	return true, cred.PrincipalID, nil
}

// RecordSuccess resets the failed-attempt counter, clears any lockout and
// stamps last-login. Uses a version-checked retry loop so it composes with
// concurrent lockout updates.
func (v *Verifier) RecordSuccess(ctx context.Context, username string, now time.Time) error {
	for {
		cred, err := v.store.GetCredential(ctx, username)
		if err != nil {
			return fmt.Errorf("lookup credential: %w", err)
		}

		cred.FailedAttempts = 0
		cred.FailureTimes = nil
		cred.LockoutExpiry = time.Time{}
		cred.LastLogin = now

		err = v.store.UpdateCredential(ctx, cred)
		if errors.Is(err, store.ErrVersionMismatch) {
			continue
		}
		if err != nil {
			return fmt.Errorf("update credential: %w", err)
		}
		return nil
	}
}

// HashSecret produces a bcrypt hash for provisioning new credentials.
func HashSecret(secret string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(secret), DefaultCost)
}
