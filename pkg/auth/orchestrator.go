// Package auth composes the credential verifier, lockout guard, policy
// engine and session ledger into the authentication entry point. The
// five-step sequence per request is strictly ordered; every call, whatever
// the outcome, writes exactly one auth event.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/audit"
	"github.com/codelaboratoryltd/aaa/pkg/credential"
	"github.com/codelaboratoryltd/aaa/pkg/lockout"
	"github.com/codelaboratoryltd/aaa/pkg/metrics"
	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// Request is one protocol-agnostic authentication request. A RADIUS front
// end maps User-Name, User-Password, NAS-IP-Address, NAS-Port and friends
// onto these fields.
type Request struct {
	Username string
	Password string
	Method   store.AuthMethod

	SourceIP      net.IP
	DestinationIP net.IP
	Service       string
	UserAgent     string

	NASIP    net.IP
	NASPort  int
	FramedIP net.IP
}

// Result is the outcome of one authentication request.
type Result struct {
	Decision Decision
	Reason   Reason

	// RemainingLockout is set when Reason is ACCOUNT_LOCKED.
	RemainingLockout time.Duration

	// SessionID is set on accept.
	SessionID string

	// MatchedPolicyID is the permitting policy on accept.
	MatchedPolicyID string
}

// Engine is the authentication orchestrator.
type Engine struct {
	store    store.Store
	verifier *credential.Verifier
	guard    *lockout.Guard
	policies *policy.Engine
	ledger   *session.Ledger
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger

	now func() time.Time
}

// NewEngine creates an authentication engine from its collaborators.
// metrics may be nil.
func NewEngine(
	st store.Store,
	verifier *credential.Verifier,
	guard *lockout.Guard,
	policies *policy.Engine,
	ledger *session.Ledger,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		store:    st,
		verifier: verifier,
		guard:    guard,
		policies: policies,
		ledger:   ledger,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Authenticate runs the ordered authentication sequence and returns an
// accept/reject result. Expected rejections (lockout, wrong password,
// policy deny, session conflict) are ordinary results with a nil error;
// a non-nil error means the request could not be decided (persistence
// unavailable, cancellation) and should be retried by the caller.
func (e *Engine) Authenticate(ctx context.Context, req Request) (Result, error) {
	start := e.now()
	result, err := e.authenticate(ctx, req, start)

	// Caller cancellation at any step is its own reason code, not a
	// backend fault.
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		result = reject(ReasonCancelled)
	}

	// Exactly one auth event per call, success or failure. On an
	// undecidable request the recorded reason is the generic code,
	// never internal diagnostics.
	ev := &store.AuthEvent{
		Username:  req.Username,
		SourceIP:  req.SourceIP,
		UserAgent: req.UserAgent,
		Method:    string(req.Method),
		Success:   result.Decision == DecisionAccept,
		NASIP:     req.NASIP,
		NASPort:   req.NASPort,
		SessionID: result.SessionID,
		Timestamp: e.now().UTC(),
	}
	if result.Decision != DecisionAccept {
		ev.FailureReason = string(result.Reason)
	}
	if recErr := e.recorder.Record(ctx, ev); recErr != nil && err == nil {
		// The decision stands; audit degradation is logged by the
		// recorder and surfaced through its stats.
		e.logger.Warn("Auth event not recorded",
			zap.String("username", req.Username),
			zap.Error(recErr),
		)
	}

	if e.metrics != nil {
		e.metrics.RecordAuthRequest(string(result.Decision), string(result.Reason), e.now().Sub(start).Seconds())
	}
	return result, err
}

func (e *Engine) authenticate(ctx context.Context, req Request, now time.Time) (Result, error) {
	// Credential lookup. An unknown username still costs a hash
	// comparison and is indistinguishable from a wrong password.
	cred, err := e.store.GetCredential(ctx, req.Username)
	if errors.Is(err, store.ErrNotFound) {
		_, _, _ = e.verifier.Verify(ctx, req.Username, req.Password)
		return reject(ReasonInvalidCredentials), nil
	}
	if err != nil {
		return reject(ReasonInternalError), fmt.Errorf("credential lookup: %w", err)
	}

	// Step 1: principal status.
	principal, err := e.store.GetPrincipal(ctx, cred.PrincipalID)
	if errors.Is(err, store.ErrNotFound) {
		// Credential without principal: reject like a bad password
		// rather than leaking provisioning state.
		e.logger.Warn("Credential references missing principal",
			zap.String("username", req.Username),
			zap.String("principal_id", cred.PrincipalID),
		)
		return reject(ReasonInvalidCredentials), nil
	}
	if err != nil {
		return reject(ReasonInternalError), fmt.Errorf("principal lookup: %w", err)
	}

	switch principal.Status {
	case store.PrincipalActive:
	case store.PrincipalSuspended:
		return reject(ReasonPrincipalSuspended), nil
	case store.PrincipalPending:
		return reject(ReasonPrincipalPending), nil
	default:
		return reject(ReasonPrincipalSuspended), nil
	}

	if req.Method != "" && !cred.AllowsMethod(req.Method) {
		return reject(ReasonMethodNotAllowed), nil
	}

	// Step 2: lockout pre-check, before the hash comparison so a locked
	// account costs nothing and the rejection reason is uniform.
	allowed, remaining, err := e.guard.Check(ctx, req.Username, now)
	if err != nil && !errors.Is(err, lockout.ErrNotFound) {
		return reject(ReasonInternalError), fmt.Errorf("lockout check: %w", err)
	}
	if !allowed && err == nil {
		r := reject(ReasonAccountLocked)
		r.RemainingLockout = remaining
		return r, nil
	}

	// Step 3: credential verification.
	match, _, err := e.verifier.Verify(ctx, req.Username, req.Password)
	if err != nil && !errors.Is(err, credential.ErrNotFound) {
		return reject(ReasonInternalError), fmt.Errorf("verify credential: %w", err)
	}
	if !match {
		stillAllowed, _, recErr := e.guard.RecordAttempt(ctx, req.Username, false, now)
		if recErr != nil && !errors.Is(recErr, lockout.ErrNotFound) {
			return reject(ReasonInternalError), fmt.Errorf("record failed attempt: %w", recErr)
		}
		if !stillAllowed && e.metrics != nil {
			e.metrics.RecordLockout()
		}
		return reject(ReasonInvalidCredentials), nil
	}

	// Step 4: policy evaluation.
	decision, err := e.policies.Evaluate(ctx, policy.RequestContext{
		SourceIP:      req.SourceIP,
		DestinationIP: req.DestinationIP,
		Service:       req.Service,
		Groups:        principalGroups(principal),
		Timestamp:     now,
	})
	if err != nil {
		return reject(ReasonInternalError), fmt.Errorf("evaluate policy: %w", err)
	}
	if e.metrics != nil {
		e.metrics.RecordPolicyDecision(decision.Permit)
	}
	if !decision.Permit {
		return reject(ReasonPolicyDenied), nil
	}

	// Step 5: record success, open the accounting session.
	if _, _, err := e.guard.RecordAttempt(ctx, req.Username, true, now); err != nil && !errors.Is(err, lockout.ErrNotFound) {
		return reject(ReasonInternalError), fmt.Errorf("record successful attempt: %w", err)
	}
	if err := e.verifier.RecordSuccess(ctx, req.Username, now); err != nil {
		return reject(ReasonInternalError), fmt.Errorf("record last login: %w", err)
	}

	sess, err := e.ledger.Open(ctx, session.OpenRequest{
		Username: req.Username,
		NASIP:    req.NASIP,
		NASPort:  req.NASPort,
		FramedIP: req.FramedIP,
	}, now)
	if errors.Is(err, session.ErrConflict) {
		return reject(ReasonSessionConflict), nil
	}
	if err != nil {
		return reject(ReasonInternalError), fmt.Errorf("open session: %w", err)
	}

	// Cancellation racing session creation must not leave a dangling
	// open session: compensate before reporting.
	if ctx.Err() != nil {
		if _, closeErr := e.ledger.Close(context.WithoutCancel(ctx), sess.ID, session.CauseCancelled, e.now()); closeErr != nil && !errors.Is(closeErr, session.ErrAlreadyClosed) {
			e.logger.Error("Failed to compensate cancelled session",
				zap.String("session_id", sess.ID),
				zap.Error(closeErr),
			)
		}
		return reject(ReasonCancelled), ctx.Err()
	}

	e.logger.Info("Authentication accepted",
		zap.String("username", req.Username),
		zap.String("session_id", sess.ID),
		zap.String("policy_id", decision.MatchedPolicyID),
	)

	return Result{
		Decision:        DecisionAccept,
		Reason:          ReasonOK,
		SessionID:       sess.ID,
		MatchedPolicyID: decision.MatchedPolicyID,
	}, nil
}

func reject(reason Reason) Result {
	return Result{Decision: DecisionReject, Reason: reason}
}

// principalGroups returns the group memberships evaluated by the policy
// engine: explicit groups plus the role and department.
func principalGroups(p *store.Principal) []string {
	groups := make([]string, 0, len(p.Groups)+2)
	groups = append(groups, p.Groups...)
	if p.Role != "" {
		groups = append(groups, string(p.Role))
	}
	if p.Department != "" {
		groups = append(groups, p.Department)
	}
	return groups
}
