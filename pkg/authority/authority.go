// Package authority validates AuthorityGrant chains: expiry, revocation,
// capability scope, and spend ceilings. Every downstream step re-checks the
// chain; a grant that was valid at agreement time but revoked since fails
// closed at evaluation time.
package authority

import (
	"time"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// Validator checks grant chains against agreements.
type Validator struct {
	clock func() time.Time
}

func NewValidator() *Validator {
	return &Validator{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (v *Validator) WithClock(clock func() time.Time) *Validator {
	v.clock = clock
	return v
}

// ValidateChain checks that the grant chain authorizes the agreement's
// capability and amount for its payer. The chain is ordered from root
// principal to final grantee; each link must cover the next, and the chain
// tail must name the agreement's payer as grantee. Any failure is
// AUTHORITY_INVALID with the offending grant's ID attached.
func (v *Validator) ValidateChain(chain []*contracts.AuthorityGrant, agreement *contracts.ToolCallAgreement) error {
	if len(chain) == 0 {
		return contracts.Errorf(contracts.CodeAuthorityInvalid, "no authority grant supplied")
	}
	now := v.clock().UTC()

	for i, g := range chain {
		if err := v.validateGrant(g, now); err != nil {
			return err
		}
		// Each delegation link must be issued by the previous grantee.
		if i > 0 && g.PrincipalAgentID != chain[i-1].GranteeAgentID {
			return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID,
				"broken delegation: grant principal %q is not the previous grantee %q",
				g.PrincipalAgentID, chain[i-1].GranteeAgentID)
		}
		// Delegated ceilings can only narrow.
		if i > 0 && g.SpendCeilingCents > chain[i-1].SpendCeilingCents {
			return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID,
				"delegated spend ceiling %d exceeds parent ceiling %d",
				g.SpendCeilingCents, chain[i-1].SpendCeilingCents)
		}
	}

	tail := chain[len(chain)-1]
	if tail.GranteeAgentID != agreement.PayerAgentID {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, tail.GrantID,
			"grant chain terminates at %q, agreement payer is %q", tail.GranteeAgentID, agreement.PayerAgentID)
	}
	if !scopeCovers(tail.Scope, agreement.ToolID) {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, tail.GrantID,
			"scope does not cover capability %q", agreement.ToolID)
	}
	if tail.Currency != agreement.SettlementTerms.Currency {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, tail.GrantID,
			"grant currency %q does not match agreement currency %q", tail.Currency, agreement.SettlementTerms.Currency)
	}
	if agreement.SettlementTerms.AmountCents > tail.SpendCeilingCents {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, tail.GrantID,
			"agreement amount %d exceeds spend ceiling %d", agreement.SettlementTerms.AmountCents, tail.SpendCeilingCents)
	}
	return nil
}

func (v *Validator) validateGrant(g *contracts.AuthorityGrant, now time.Time) error {
	if g == nil {
		return contracts.Errorf(contracts.CodeAuthorityInvalid, "nil grant in chain")
	}
	if g.RevokedAt != "" {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID,
			"grant revoked at %s", g.RevokedAt)
	}
	from, err := canonical.ParseTime(g.ValidFrom)
	if err != nil {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID, "invalid validFrom")
	}
	until, err := canonical.ParseTime(g.ValidUntil)
	if err != nil {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID, "invalid validUntil")
	}
	if now.Before(from) {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID,
			"grant not yet valid (validFrom %s)", g.ValidFrom)
	}
	if now.After(until) {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, g.GrantID,
			"grant expired at %s", g.ValidUntil)
	}
	return nil
}

// scopeCovers reports whether the scope list covers capability. A literal
// "*" entry covers everything; a "prefix.*" entry covers the subtree.
func scopeCovers(scope []string, capability string) bool {
	for _, s := range scope {
		if s == "*" || s == capability {
			return true
		}
		if n := len(s); n > 2 && s[n-2:] == ".*" && len(capability) >= n-1 && capability[:n-1] == s[:n-1] {
			return true
		}
	}
	return false
}

// Revoke marks a grant revoked at the given time. Revocation is a tracked
// transition on a copy: grant artifacts are immutable once built.
func Revoke(g *contracts.AuthorityGrant, at time.Time) *contracts.AuthorityGrant {
	revoked := *g
	revoked.RevokedAt = canonical.FormatTime(at)
	return &revoked
}
