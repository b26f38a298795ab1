package store

import (
	"fmt"
	"net"
	"time"
)

// PrincipalStatus represents the administrative status of a principal.
type PrincipalStatus string

const (
	PrincipalActive    PrincipalStatus = "active"
	PrincipalSuspended PrincipalStatus = "suspended"
	PrincipalPending   PrincipalStatus = "pending"
)

// Role represents the role of a principal.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Principal represents an end-user identity. Principals are never
// physically deleted; deprovisioning is a status change.
type Principal struct {
	ID          string          `json:"id"`
	DisplayName string          `json:"display_name"`
	Department  string          `json:"department,omitempty"`
	Role        Role            `json:"role"`
	Status      PrincipalStatus `json:"status"`

	// Groups are the group memberships evaluated by the policy engine.
	Groups []string `json:"groups,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuthMethod represents an allowed authentication method for a credential.
type AuthMethod string

const (
	MethodPAP  AuthMethod = "pap"
	MethodCHAP AuthMethod = "chap"
	MethodEAP  AuthMethod = "eap"
)

// Credential holds the secret material and lockout state for one username.
// FailedAttempts, FailureTimes and LockoutExpiry are owned exclusively by
// the lockout guard; LastLogin by the credential verifier.
type Credential struct {
	Username    string       `json:"username"`
	PrincipalID string       `json:"principal_id"`

	// PasswordHash is a bcrypt hash. It is never logged and never
	// returned through any caller-facing surface.
	PasswordHash []byte       `json:"password_hash"`
	Methods      []AuthMethod `json:"methods,omitempty"`

	// Lockout state. FailureTimes holds the timestamps of recent
	// failures still inside the sliding window; FailedAttempts mirrors
	// its length.
	FailedAttempts int         `json:"failed_attempts"`
	FailureTimes   []time.Time `json:"failure_times,omitempty"`
	LockoutExpiry  time.Time   `json:"lockout_expiry,omitempty"`

	LastLogin time.Time `json:"last_login,omitempty"`

	// Version supports optimistic concurrency on lockout counters.
	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Locked reports whether the credential is locked at the given instant.
// The expiry is exclusive: an attempt arriving exactly at expiry is unlocked.
func (c *Credential) Locked(now time.Time) bool {
	return !c.LockoutExpiry.IsZero() && now.Before(c.LockoutExpiry)
}

// AllowsMethod reports whether the credential permits the given method.
// An empty method set permits any method.
func (c *Credential) AllowsMethod(method AuthMethod) bool {
	if len(c.Methods) == 0 {
		return true
	}
	for _, m := range c.Methods {
		if m == method {
			return true
		}
	}
	return false
}

// AuthEvent is one append-only audit record. Events are immutable once
// written and are never updated or deleted.
type AuthEvent struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	SourceIP  net.IP    `json:"source_ip,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
	Method    string    `json:"method,omitempty"`
	Success   bool      `json:"success"`

	// FailureReason is populated iff Success is false. It carries one of
	// the closed reason codes, never internal diagnostics.
	FailureReason string `json:"failure_reason,omitempty"`

	NASIP     net.IP    `json:"nas_ip,omitempty"`
	NASPort   int       `json:"nas_port,omitempty"`
	SessionID string    `json:"session_id,omitempty"`

	// Action describes an administrative operation when the event records
	// an admin change rather than an authentication attempt.
	Action string `json:"action,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// ServerStatus represents the status of an AAA server instance.
type ServerStatus string

const (
	// ServerActive means the server is serving and heartbeating.
	ServerActive ServerStatus = "active"
	// ServerInactive is derived from heartbeat staleness.
	ServerInactive ServerStatus = "inactive"
	// ServerMaintenance is administrator-set and never overridden by
	// heartbeat ingestion.
	ServerMaintenance ServerStatus = "maintenance"
)

// AaaServer represents one RADIUS-capable server in the fleet.
type AaaServer struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	IP     net.IP       `json:"ip"`
	Port   int          `json:"port"`
	Secret string       `json:"secret,omitempty"`
	Status ServerStatus `json:"status"`

	// Heartbeat-derived fields, owned by the fleet tracker.
	LastHeartbeat time.Time `json:"last_heartbeat,omitempty"`
	CPUPercent    float64   `json:"cpu_percent,omitempty"`
	MemoryPercent float64   `json:"memory_percent,omitempty"`
	DiskPercent   float64   `json:"disk_percent,omitempty"`

	Version uint64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TimeWindow is one allowed time window for a policy. A window covers
// minute-of-day m on a listed weekday when StartMinute <= m < EndMinute.
// Windows with EndMinute <= StartMinute wrap past midnight. An empty Days
// list covers every day. Evaluation uses the request time in UTC.
type TimeWindow struct {
	Days        []time.Weekday `json:"days,omitempty"`
	StartMinute int            `json:"start_minute"`
	EndMinute   int            `json:"end_minute"`
}

// Covers reports whether the window covers the given instant.
func (w TimeWindow) Covers(t time.Time) bool {
	t = t.UTC()
	minute := t.Hour()*60 + t.Minute()

	inMinutes := func(day time.Weekday, m int) bool {
		if !w.coversDay(day) {
			return false
		}
		if w.EndMinute > w.StartMinute {
			return m >= w.StartMinute && m < w.EndMinute
		}
		// Overnight window: covers [start, midnight) on the listed day.
		return m >= w.StartMinute
	}

	if inMinutes(t.Weekday(), minute) {
		return true
	}
	// Overnight windows also cover [midnight, end) on the following day.
	if w.EndMinute <= w.StartMinute && minute < w.EndMinute {
		prev := (t.Weekday() + 6) % 7
		return w.coversDay(prev)
	}
	return false
}

func (w TimeWindow) coversDay(day time.Weekday) bool {
	if len(w.Days) == 0 {
		return true
	}
	for _, d := range w.Days {
		if d == day {
			return true
		}
	}
	return false
}

// NetworkPolicy is one access-control rule. Empty source/destination/
// service/group lists match any value.
type NetworkPolicy struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	SourceNetworks      []string `json:"source_networks,omitempty"`      // CIDR strings
	DestinationNetworks []string `json:"destination_networks,omitempty"` // CIDR strings
	Services            []string `json:"services,omitempty"`
	Groups              []string `json:"groups,omitempty"`

	TimeWindows []TimeWindow `json:"time_windows,omitempty"`

	Priority int  `json:"priority"`
	Enabled  bool `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionStatus represents the lifecycle state of an accounting session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionStopped    SessionStatus = "stopped"
	SessionTerminated SessionStatus = "terminated"
)

// Terminal reports whether the status permits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionStopped || s == SessionTerminated
}

// Session is one accounting record, live or closed. At most one active
// session exists per (username, NAS IP, NAS port) tuple.
type Session struct {
	ID       string `json:"id"`
	Username string `json:"username"`

	NASIP    net.IP `json:"nas_ip"`
	NASPort  int    `json:"nas_port"`
	FramedIP net.IP `json:"framed_ip,omitempty"`

	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`

	// BytesSent and BytesReceived are monotonically non-decreasing
	// while the session is active.
	BytesSent     uint64 `json:"bytes_sent"`
	BytesReceived uint64 `json:"bytes_received"`

	Status         SessionStatus `json:"status"`
	TerminateCause string        `json:"terminate_cause,omitempty"`

	Version uint64 `json:"version"`
}

// Duration returns end minus start for a closed session and zero while
// the session is still active.
func (s *Session) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return 0
	}
	return s.EndTime.Sub(s.StartTime)
}

// TripleKey returns the uniqueness key for the active-session invariant.
func (s *Session) TripleKey() string {
	return TripleKey(s.Username, s.NASIP, s.NASPort)
}

// TripleKey builds the (username, NAS IP, NAS port) index key.
func TripleKey(username string, nasIP net.IP, nasPort int) string {
	ip := ""
	if nasIP != nil {
		ip = nasIP.String()
	}
	return fmt.Sprintf("%s|%s|%d", username, ip, nasPort)
}
