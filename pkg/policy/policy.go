// Package policy manages versioned, content-addressed policy documents and
// the deterministic verifier families they select. Evaluation and replay both
// resolve verifiers by pinned policyHash; there is no ambient "latest policy"
// anywhere in the kernel.
package policy

import (
	"context"
	"sort"
	"sync"

	"github.com/Masterminds/semver/v3"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// Verifier families. The family names are part of the policy document's
// canonical core, so a family swap always changes the policy hash.
const (
	FamilyBuiltin = "builtin"
	FamilyCEL     = "cel"
	FamilyWASM    = "wasm"
)

// PolicyDocument is a content-addressed verifier definition. Source is
// family-specific: a builtin rule set (JSON), a CEL expression, or a
// base64-encoded WASM module.
type PolicyDocument struct {
	SchemaVersion string `json:"schemaVersion"`
	PolicyID      string `json:"policyId"`
	Version       string `json:"version"`
	Family        string `json:"family"`
	Source        string `json:"source"`
	CreatedAt     string `json:"createdAt"`

	PolicyHash string `json:"policyHash,omitempty"`
}

// Core returns the document with its derived hash cleared.
func (d PolicyDocument) Core() PolicyDocument {
	d.PolicyHash = ""
	return d
}

// Outcome is the deterministic verdict of a verifier. The first reason code
// is always ACCEPTANCE_PASSED or ACCEPTANCE_FAILED; families may append
// finer-grained codes after it.
type Outcome struct {
	Decision    string
	ReasonCodes []string
}

// Verifier is a pure function of (agreement, evidence). Determinism and
// freedom from side effects are contract obligations on the policy author;
// the kernel selects implementations only by pinned policyHash, never by
// runtime type inspection.
type Verifier interface {
	Evaluate(ctx context.Context, agreement *contracts.ToolCallAgreement, evidence *contracts.ToolCallEvidence) (Outcome, error)
}

// Registry holds registered policy documents and their compiled verifiers,
// keyed by policy hash.
type Registry struct {
	mu        sync.RWMutex
	byHash    map[string]*PolicyDocument
	verifiers map[string]Verifier
}

func NewRegistry() *Registry {
	return &Registry{
		byHash:    make(map[string]*PolicyDocument),
		verifiers: make(map[string]Verifier),
	}
}

// Register validates a document, derives (or checks) its content hash,
// compiles the family verifier, and stores both. Registration is idempotent
// by hash.
func (r *Registry) Register(ctx context.Context, doc *PolicyDocument) (*PolicyDocument, error) {
	if doc == nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "nil policy document")
	}
	if doc.SchemaVersion == "" {
		doc.SchemaVersion = contracts.SchemaPolicyDocument
	}
	if doc.PolicyID == "" {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy document missing policyId")
	}
	if _, err := semver.StrictNewVersion(doc.Version); err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s version %q is not valid semver: %v", doc.PolicyID, doc.Version, err)
	}
	if doc.Source == "" {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s has empty source", doc.PolicyID)
	}

	hash, err := canonical.ContentHash(doc.Core())
	if err != nil {
		return nil, err
	}
	if doc.PolicyHash != "" && doc.PolicyHash != hash {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid,
			"policy %s declares hash %s but canonical content hashes to %s", doc.PolicyID, doc.PolicyHash, hash)
	}
	doc.PolicyHash = hash

	verifier, err := compile(ctx, doc)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byHash[hash]; !ok {
		r.byHash[hash] = doc
		r.verifiers[hash] = verifier
	}
	return doc, nil
}

// ByHash resolves the exact policy pinned by a decision record.
func (r *Registry) ByHash(policyHash string) (*PolicyDocument, Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.byHash[policyHash]
	if !ok {
		return nil, nil, contracts.ErrorWithArtifact(contracts.CodeNotFound, policyHash, "no policy registered for hash")
	}
	return doc, r.verifiers[policyHash], nil
}

// Latest returns the highest-semver registered version of a policy ID. This
// is a convenience for fresh evaluations only; replay must go through ByHash.
func (r *Registry) Latest(policyID string) (*PolicyDocument, Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var candidates []*PolicyDocument
	for _, doc := range r.byHash {
		if doc.PolicyID == policyID {
			candidates = append(candidates, doc)
		}
	}
	if len(candidates) == 0 {
		return nil, nil, contracts.ErrorWithArtifact(contracts.CodeNotFound, policyID, "no policy registered for id")
	}
	sort.Slice(candidates, func(i, j int) bool {
		vi := semver.MustParse(candidates[i].Version)
		vj := semver.MustParse(candidates[j].Version)
		return vi.LessThan(vj)
	})
	best := candidates[len(candidates)-1]
	return best, r.verifiers[best.PolicyHash], nil
}

func compile(ctx context.Context, doc *PolicyDocument) (Verifier, error) {
	switch doc.Family {
	case FamilyBuiltin:
		return newBuiltinVerifier(doc)
	case FamilyCEL:
		return newCELVerifier(doc)
	case FamilyWASM:
		return newWASMVerifier(ctx, doc)
	default:
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "unknown policy family %q", doc.Family)
	}
}

// passed assembles the mandatory reason-code shape around a boolean verdict.
func passed(ok bool, extra ...string) Outcome {
	if ok {
		return Outcome{Decision: contracts.DecisionApproved, ReasonCodes: append([]string{contracts.ReasonAcceptancePassed}, extra...)}
	}
	return Outcome{Decision: contracts.DecisionRejected, ReasonCodes: append([]string{contracts.ReasonAcceptanceFailed}, extra...)}
}
