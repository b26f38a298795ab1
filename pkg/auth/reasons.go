package auth

// Decision is the caller-facing authentication outcome.
type Decision string

const (
	DecisionAccept Decision = "accept"
	DecisionReject Decision = "reject"
)

// Reason is one of the closed set of reason codes returned to callers and
// recorded in the audit trail. Raw persistence errors are never surfaced;
// they map to ReasonInternalError.
type Reason string

const (
	ReasonOK                 Reason = "OK"
	ReasonPrincipalSuspended Reason = "PRINCIPAL_SUSPENDED"
	ReasonPrincipalPending   Reason = "PRINCIPAL_PENDING"
	ReasonAccountLocked      Reason = "ACCOUNT_LOCKED"
	ReasonInvalidCredentials Reason = "INVALID_CREDENTIALS"
	ReasonMethodNotAllowed   Reason = "METHOD_NOT_ALLOWED"
	ReasonPolicyDenied       Reason = "POLICY_DENIED"
	ReasonSessionConflict    Reason = "SESSION_CONFLICT"
	ReasonCancelled          Reason = "CANCELLED"
	ReasonInternalError      Reason = "INTERNAL_ERROR"
)
