// Package policy evaluates network access policies against a request
// context. Evaluation is a pure function of the current policy set and the
// context; the engine never mutates policies. Absence of any matching
// enabled policy is a deny (fail-closed).
package policy

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/aaa/pkg/store"
)

// RequestContext carries the facts a policy is matched against.
type RequestContext struct {
	SourceIP      net.IP
	DestinationIP net.IP
	Service       string
	Groups        []string
	Timestamp     time.Time
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Permit bool

	// MatchedPolicyID is the winning policy's ID, empty when no policy
	// matched (implicit deny).
	MatchedPolicyID string
}

// Reader is the read-only view of the policy set the engine consumes.
type Reader interface {
	ListPolicies(ctx context.Context) ([]*store.NetworkPolicy, error)
}

// Engine evaluates policies from an injected reader.
type Engine struct {
	policies Reader
	logger   *zap.Logger
}

// NewEngine creates a policy engine over the given policy source.
func NewEngine(policies Reader, logger *zap.Logger) *Engine {
	return &Engine{policies: policies, logger: logger}
}

// Evaluate selects the highest-priority enabled policy matching the
// context; ties break by earliest creation time. No match means deny.
func (e *Engine) Evaluate(ctx context.Context, rc RequestContext) (Decision, error) {
	policies, err := e.policies.ListPolicies(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("list policies: %w", err)
	}

	var matches []*store.NetworkPolicy
	for _, p := range policies {
		if !p.Enabled {
			continue
		}
		if Matches(p, rc) {
			matches = append(matches, p)
		}
	}

	if len(matches) == 0 {
		e.logger.Debug("No matching policy, denying",
			zap.String("service", rc.Service),
		)
		return Decision{Permit: false}, nil
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].CreatedAt.Before(matches[j].CreatedAt)
	})

	winner := matches[0]
	e.logger.Debug("Policy matched",
		zap.String("policy_id", winner.ID),
		zap.String("policy_name", winner.Name),
		zap.Int("priority", winner.Priority),
	)
	return Decision{Permit: true, MatchedPolicyID: winner.ID}, nil
}

// Matches reports whether a single policy covers the request context.
// Empty source/destination/service/group lists match anything.
func Matches(p *store.NetworkPolicy, rc RequestContext) bool {
	if !matchNetworks(p.SourceNetworks, rc.SourceIP) {
		return false
	}
	if !matchNetworks(p.DestinationNetworks, rc.DestinationIP) {
		return false
	}
	if !matchList(p.Services, rc.Service) {
		return false
	}
	if !matchGroups(p.Groups, rc.Groups) {
		return false
	}
	if len(p.TimeWindows) > 0 && !anyWindowCovers(p.TimeWindows, rc.Timestamp) {
		return false
	}
	return true
}

func matchNetworks(cidrs []string, ip net.IP) bool {
	if len(cidrs) == 0 {
		return true
	}
	if ip == nil {
		return false
	}
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			// Malformed entries never match; validated at admission.
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func matchList(allowed []string, value string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, v := range allowed {
		if v == value {
			return true
		}
	}
	return false
}

func matchGroups(allowed, memberships []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		for _, m := range memberships {
			if a == m {
				return true
			}
		}
	}
	return false
}

func anyWindowCovers(windows []store.TimeWindow, t time.Time) bool {
	for _, w := range windows {
		if w.Covers(t) {
			return true
		}
	}
	return false
}

// Validate checks a policy for well-formed CIDR lists and time windows
// before admission.
func Validate(p *store.NetworkPolicy) error {
	if p.Name == "" {
		return fmt.Errorf("policy name required")
	}
	for _, cidr := range p.SourceNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid source network %q: %w", cidr, err)
		}
	}
	for _, cidr := range p.DestinationNetworks {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid destination network %q: %w", cidr, err)
		}
	}
	for _, w := range p.TimeWindows {
		if w.StartMinute < 0 || w.StartMinute >= 24*60 {
			return fmt.Errorf("time window start minute %d out of range", w.StartMinute)
		}
		if w.EndMinute < 0 || w.EndMinute > 24*60 {
			return fmt.Errorf("time window end minute %d out of range", w.EndMinute)
		}
	}
	return nil
}
