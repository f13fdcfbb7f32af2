// Package access implements the policy engine from spec.md §4.D: a
// pure evaluator over (principal, operation, resource), plus the
// per-agent rate limiter consulted as step 4 of that same chain.
package access

import (
	"context"

	"github.com/trinitas/tmws/internal/validate"
	"github.com/trinitas/tmws/pkg/contracts"
	"github.com/trinitas/tmws/pkg/models"
)

// Policy evaluates read/write/delete/share decisions in the fixed order
// spec.md §4.D pins: self-access, system-agent override, access-level
// gates, rate limit, namespace reservation, default deny.
type Policy struct {
	limiter *RateLimiter
}

// NewPolicy builds a Policy backed by limiter. A nil limiter disables
// rate limiting (used in tests that don't want to reason about quotas).
func NewPolicy(limiter *RateLimiter) *Policy {
	return &Policy{limiter: limiter}
}

// Evaluate implements contracts.AccessPolicy.
func (p *Policy) Evaluate(ctx context.Context, principal *models.Agent, op contracts.Operation, resource *models.Memory) contracts.Decision {
	// 1. Self-access.
	if resource != nil && principal.AgentID == resource.OwnerAgentID {
		return allow()
	}

	// 2. System agent override.
	if principal.AccessLevel == models.AccessSystem {
		if op == contracts.OpRead || op == contracts.OpWrite {
			return allow()
		}
	}
	if principal.AccessLevel == models.AccessElevated || principal.AccessLevel == models.AccessAdmin {
		if op == contracts.OpRead {
			return allow()
		}
		if op == contracts.OpWrite {
			if resource == nil || resource.Namespace == principal.Namespace || principal.AccessLevel.AtLeast(models.AccessAdmin) {
				return allow()
			}
		}
	}

	// 3. Access-level gates on the resource.
	if resource != nil {
		switch resource.AccessLevel {
		case models.MemoryPrivate:
			return deny("private memory: owner-only")
		case models.MemoryTeam:
			if principal.Namespace == resource.Namespace {
				return allow()
			}
			return deny("team memory: namespace mismatch")
		case models.MemoryShared:
			perm, ok := resource.SharedPermissions[principal.AgentID]
			if !ok {
				if !containsGrantee(resource.SharedWith, principal.AgentID) {
					return deny("shared memory: not a grantee")
				}
				perm = models.PermissionRead
			}
			if !perm.Allows(string(op)) {
				return deny("shared memory: insufficient permission")
			}
			return allow()
		case models.MemoryPublic:
			if op == contracts.OpRead {
				return allow()
			}
			return deny("public memory: write/delete requires ownership")
		case models.MemorySystem:
			if op == contracts.OpRead && principal.AccessLevel.AtLeast(models.AccessElevated) {
				return allow()
			}
			if (op == contracts.OpWrite || op == contracts.OpDelete) && principal.AccessLevel == models.AccessSystem {
				return allow()
			}
			return deny("system memory: insufficient access level")
		}
	}

	// 4. Rate limit. Every operation consumes the general "requests"
	// bucket here; internal/memsvc additionally checks the narrower
	// "searches"/"writes" buckets for search_memories and the mutating
	// operations before ever reaching Evaluate.
	if p.limiter != nil {
		if !p.limiter.Allow(principal.AgentID, RateRequests) {
			return contracts.Decision{Allowed: false, Reason: "rate limited", RateLimited: true, RetryAfterSeconds: p.limiter.RetryAfterSeconds(RateRequests)}
		}
	}

	// 5. Namespace reservation.
	if resource != nil && (op == contracts.OpWrite || op == contracts.OpDelete) {
		if validate.IsReservedNamespace(resource.Namespace) && !principal.AccessLevel.AtLeast(models.AccessElevated) {
			return deny("reserved namespace requires elevated access")
		}
	}

	// 6. Default deny.
	return deny("no matching allow rule")
}

func allow() contracts.Decision { return contracts.Decision{Allowed: true} }
func deny(reason string) contracts.Decision {
	return contracts.Decision{Allowed: false, Reason: reason}
}

func containsGrantee(list []string, id string) bool {
	for _, g := range list {
		if g == id {
			return true
		}
	}
	return false
}
