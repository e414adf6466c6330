// Package closepack exports a settled agreement's full artifact lineage as a
// portable bundle and re-checks every invariant offline, with no ledger or
// policy registry in reach. A ClosePack is the unit an auditor or
// counterparty receives: everything needed to re-derive the outcome travels
// inside it, including the exact policy document the decision pinned.
package closepack

import (
	"encoding/json"
	"sort"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
)

// Bundle schema identifiers.
const (
	SchemaClosePack         = "ClosePack.v1"
	SchemaClosePackManifest = "ClosePackManifest.v1"
)

// Entry pins one artifact in the manifest by derived ID and content hash of
// its canonical bytes.
type Entry struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Hash string `json:"hash"`
}

// Manifest enumerates the bundle's artifacts. Its own hash covers the
// entries and agreement hash, never any verification output, so verifying a
// bundle cannot change what the manifest commits to.
type Manifest struct {
	SchemaVersion string  `json:"schemaVersion"`
	AgreementHash string  `json:"agreementHash"`
	Entries       []Entry `json:"entries"`
	ExportedAt    string  `json:"exportedAt"`

	ManifestHash string `json:"manifestHash,omitempty"`
}

// Core returns the manifest with its derived hash cleared.
func (m Manifest) Core() Manifest {
	m.ManifestHash = ""
	return m
}

// Check is one verification step's outcome.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// VerificationReport is the signed verdict over a manifest.
type VerificationReport struct {
	SchemaVersion string `json:"schemaVersion"`
	Subject       struct {
		ManifestHash string `json:"manifestHash"`
	} `json:"subject"`
	Passed     bool    `json:"passed"`
	Checks     []Check `json:"checks"`
	VerifiedAt string  `json:"verifiedAt"`

	SignerKeyID string `json:"signerKeyId,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// Core returns the report with its detached signature cleared.
func (r VerificationReport) Core() VerificationReport {
	r.Signature = ""
	return r
}

// Bundle is the portable close pack. Artifacts are keyed by derived ID and
// stored as their canonical bytes, so hashes recompute without re-encoding
// ambiguity.
type Bundle struct {
	SchemaVersion string                     `json:"schemaVersion"`
	Manifest      Manifest                   `json:"manifest"`
	Artifacts     map[string]json.RawMessage `json:"artifacts"`
	Policy        *policy.PolicyDocument     `json:"policy"`
	Verification  *VerificationReport        `json:"verification,omitempty"`
}

// Encode serializes a bundle canonically.
func (b *Bundle) Encode() ([]byte, error) {
	return canonical.Marshal(b)
}

// Decode parses bundle bytes, rejecting anything that is not a ClosePack.
func Decode(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "bundle is not valid JSON: %v", err)
	}
	if b.SchemaVersion != SchemaClosePack {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "bundle schemaVersion %q is not %s", b.SchemaVersion, SchemaClosePack)
	}
	if b.Manifest.SchemaVersion != SchemaClosePackManifest {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "manifest schemaVersion %q is not %s", b.Manifest.SchemaVersion, SchemaClosePackManifest)
	}
	return &b, nil
}

// artifact decodes one artifact from the bundle by ID.
func (b *Bundle) artifact(id string, out any) error {
	raw, ok := b.Artifacts[id]
	if !ok {
		return contracts.ErrorWithArtifact(contracts.CodeNotFound, id, "artifact missing from bundle")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, id, "artifact malformed: %v", err)
	}
	return nil
}

// entriesByKind indexes manifest entries.
func (b *Bundle) entriesByKind(kind string) []Entry {
	var out []Entry
	for _, e := range b.Manifest.Entries {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// sortEntries orders entries deterministically for hashing.
func sortEntries(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
}
