// Package artifacts constructs and validates settlement artifacts. Builders
// validate required fields and cross-field invariants, compute content
// hashes and derived IDs, and return immutable values. They never perform
// I/O or signing; callers supply already-computed signatures, so the
// kernel stays agnostic about key custody.
//
// Out-of-range or malformed input is rejected, never coerced.
package artifacts

import (
	"regexp"
	"strings"
	"time"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

var reasonCodeRe = regexp.MustCompile(`^[A-Z0-9_]{2,64}$`)

// Builder constructs artifacts. The clock is injectable for deterministic
// tests; it only supplies fallback timestamps for params that omit one.
type Builder struct {
	clock func() time.Time
}

func NewBuilder() *Builder {
	return &Builder{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// timestamp normalizes an optional caller-supplied timestamp, falling back
// to the builder clock.
func (b *Builder) timestamp(s string) (string, error) {
	if s == "" {
		return canonical.FormatTime(b.clock()), nil
	}
	return canonical.NormalizeTimestamp(s)
}

func requireNonEmpty(value, name string) error {
	if strings.TrimSpace(value) == "" {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "%s is required", name)
	}
	return nil
}

func requireSHA256(value, name string) error {
	if !canonical.IsSHA256Hex(value) {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "%s must be a 64-char lowercase sha256 hex string", name)
	}
	return nil
}

func normalizeReasonCode(value string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(value))
	if code == "" {
		code = contracts.DefaultDisputeReasonCode
	}
	if !reasonCodeRe.MatchString(code) {
		return "", contracts.Errorf(contracts.CodeSchemaInvalid, "reasonCode must match ^[A-Z0-9_]{2,64}$")
	}
	return code, nil
}

// ToolManifestParams describes a provider capability.
type ToolManifestParams struct {
	ToolID        string
	Capability    string
	VerifierHints map[string]any
	SignerKeyID   string
	CreatedAt     string
	Signature     string
}

// BuildToolManifest validates params and returns the manifest with its
// content hash computed over the core (hash and signature excluded).
func (b *Builder) BuildToolManifest(p ToolManifestParams) (*contracts.ToolManifest, error) {
	if err := requireNonEmpty(p.ToolID, "toolId"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.Capability, "capability"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.SignerKeyID, "signerKeyId"); err != nil {
		return nil, err
	}
	createdAt, err := b.timestamp(p.CreatedAt)
	if err != nil {
		return nil, err
	}

	m := &contracts.ToolManifest{
		SchemaVersion: contracts.SchemaToolManifest,
		ToolID:        p.ToolID,
		Capability:    p.Capability,
		VerifierHints: p.VerifierHints,
		SignerKeyID:   p.SignerKeyID,
		CreatedAt:     createdAt,
	}
	hash, err := canonical.ContentHash(ManifestCore(*m))
	if err != nil {
		return nil, err
	}
	m.ManifestHash = hash
	m.Signature = p.Signature
	return m, nil
}

// AuthorityGrantParams is a bounded spend/scope authorization.
type AuthorityGrantParams struct {
	PrincipalAgentID  string
	GranteeAgentID    string
	Scope             []string
	SpendCeilingCents int64
	Currency          string
	ValidFrom         string
	ValidUntil        string
	SignerKeyID       string
	CreatedAt         string
	Signature         string
}

// BuildAuthorityGrant validates params and returns the grant. The spend
// ceiling must be a non-negative integer in minor currency units, and the
// validity window must be well ordered.
func (b *Builder) BuildAuthorityGrant(p AuthorityGrantParams) (*contracts.AuthorityGrant, error) {
	if err := requireNonEmpty(p.PrincipalAgentID, "principalAgentId"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.GranteeAgentID, "granteeAgentId"); err != nil {
		return nil, err
	}
	if len(p.Scope) == 0 {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "scope must list at least one capability")
	}
	if p.SpendCeilingCents < 0 {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "spendCeilingCents must be non-negative")
	}
	if err := requireCurrency(p.Currency); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.SignerKeyID, "signerKeyId"); err != nil {
		return nil, err
	}
	validFrom, err := canonical.NormalizeTimestamp(p.ValidFrom)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "validFrom: %v", err)
	}
	validUntil, err := canonical.NormalizeTimestamp(p.ValidUntil)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "validUntil: %v", err)
	}
	from, _ := canonical.ParseTime(validFrom)
	until, _ := canonical.ParseTime(validUntil)
	if !until.After(from) {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "validUntil must be after validFrom")
	}
	createdAt, err := b.timestamp(p.CreatedAt)
	if err != nil {
		return nil, err
	}

	g := &contracts.AuthorityGrant{
		SchemaVersion:     contracts.SchemaAuthorityGrant,
		PrincipalAgentID:  p.PrincipalAgentID,
		GranteeAgentID:    p.GranteeAgentID,
		Scope:             append([]string(nil), p.Scope...),
		SpendCeilingCents: p.SpendCeilingCents,
		Currency:          p.Currency,
		ValidFrom:         validFrom,
		ValidUntil:        validUntil,
		SignerKeyID:       p.SignerKeyID,
		CreatedAt:         createdAt,
	}
	hash, err := canonical.ContentHash(GrantCore(*g))
	if err != nil {
		return nil, err
	}
	g.GrantHash = hash
	g.GrantID = "grant_" + hash
	g.Signature = p.Signature
	return g, nil
}

func requireCurrency(currency string) error {
	if len(currency) != 3 || strings.ToUpper(currency) != currency {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "currency must be a 3-letter uppercase ISO 4217 code")
	}
	return nil
}
