package auth

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/policy"
	"github.com/codelaboratoryltd/aaa/pkg/session"
	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// Admin operations. Each mutation writes an audit event attributed to the
// acting operator so administrative changes share the same trail as
// authentication attempts.

// SetPrincipalStatus changes a principal's lifecycle status. Suspending a
// principal does not tear down existing sessions; pair with Terminate when
// immediate disconnection is required.
func (e *Engine) SetPrincipalStatus(ctx context.Context, actor, principalID string, status store.PrincipalStatus) error {
	if err := e.store.SetPrincipalStatus(ctx, principalID, status); err != nil {
		return fmt.Errorf("set principal status: %w", err)
	}

	e.recordAdminEvent(ctx, actor, fmt.Sprintf("set_principal_status:%s:%s", principalID, status))
	e.logger.Info("Principal status changed",
		zap.String("actor", actor),
		zap.String("principal_id", principalID),
		zap.String("status", string(status)),
	)
	return nil
}

// PutPolicy validates and upserts a network policy.
func (e *Engine) PutPolicy(ctx context.Context, actor string, p *store.NetworkPolicy) error {
	if err := policy.Validate(p); err != nil {
		return fmt.Errorf("validate policy: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.now().UTC()
	}
	if err := e.store.PutPolicy(ctx, p); err != nil {
		return fmt.Errorf("put policy: %w", err)
	}

	e.recordAdminEvent(ctx, actor, "put_policy:"+p.ID)
	return nil
}

// DeletePolicy removes a network policy.
func (e *Engine) DeletePolicy(ctx context.Context, actor, policyID string) error {
	if err := e.store.DeletePolicy(ctx, policyID); err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}

	e.recordAdminEvent(ctx, actor, "delete_policy:"+policyID)
	return nil
}

// GetPolicy returns a policy by ID.
func (e *Engine) GetPolicy(ctx context.Context, policyID string) (*store.NetworkPolicy, error) {
	return e.store.GetPolicy(ctx, policyID)
}

// ListPolicies returns all policies.
func (e *Engine) ListPolicies(ctx context.Context) ([]*store.NetworkPolicy, error) {
	return e.store.ListPolicies(ctx)
}

// Terminate force-closes a session on administrative or policy grounds.
// Terminating an already-closed session is idempotent.
func (e *Engine) Terminate(ctx context.Context, actor, sessionID string, cause session.CloseCause) (*store.Session, error) {
	s, err := e.ledger.Close(ctx, sessionID, cause, e.now())
	if errors.Is(err, session.ErrAlreadyClosed) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("terminate session: %w", err)
	}

	e.recordAdminEvent(ctx, actor, fmt.Sprintf("terminate_session:%s:%s", sessionID, cause))
	return s, nil
}

// GetAuthLogs returns auth events matching the filters, newest first.
func (e *Engine) GetAuthLogs(ctx context.Context, q *store.AuthEventQuery) ([]*store.AuthEvent, error) {
	return e.recorder.Query(ctx, q)
}

// recordAdminEvent writes an audit trail entry for an administrative
// action. Best effort: a failed write is logged, not returned, so audit
// degradation does not block operator workflows.
func (e *Engine) recordAdminEvent(ctx context.Context, actor, action string) {
	ev := &store.AuthEvent{
		Username:  actor,
		Method:    "admin",
		Success:   true,
		Action:    action,
		Timestamp: e.now().UTC(),
	}
	if err := e.recorder.Record(ctx, ev); err != nil {
		e.logger.Warn("Admin audit event not recorded",
			zap.String("actor", actor),
			zap.String("action", action),
			zap.Error(err),
		)
	}
}
