package artifacts

import "github.com/settld-labs/settld-kernel/pkg/contracts"

// Core extraction: each function returns a copy of the artifact with every
// field that is NOT part of the signed, hashed core cleared. The cleared
// fields are the documented exclusion set per artifact type: derived
// hashes, detached signatures, derived IDs, and runtime state. Because the
// excluded fields all carry omitempty tags, the canonical bytes of a core
// never mention them.

// ManifestCore excludes: manifestHash, signature.
func ManifestCore(m contracts.ToolManifest) contracts.ToolManifest {
	m.ManifestHash = ""
	m.Signature = ""
	return m
}

// GrantCore excludes: grantId, grantHash, signature, revokedAt (revocation
// is a tracked transition, not part of what the principal signed).
func GrantCore(g contracts.AuthorityGrant) contracts.AuthorityGrant {
	g.GrantID = ""
	g.GrantHash = ""
	g.Signature = ""
	g.RevokedAt = ""
	return g
}

// AgreementCore excludes: agreementHash, signature.
func AgreementCore(a contracts.ToolCallAgreement) contracts.ToolCallAgreement {
	a.AgreementHash = ""
	a.Signature = ""
	return a
}

// HoldCore excludes: holdHash, status (runtime lifecycle state).
func HoldCore(h contracts.FundingHold) contracts.FundingHold {
	h.HoldHash = ""
	h.Status = ""
	return h
}

// EvidenceCore excludes: evidenceHash, signature.
func EvidenceCore(e contracts.ToolCallEvidence) contracts.ToolCallEvidence {
	e.EvidenceHash = ""
	e.Signature = ""
	return e
}

// EnvelopeCore excludes: envelopeHash, signature. The deterministic IDs
// (artifactId, envelopeId, caseId) stay in the core; they are pure
// functions of the agreement hash and part of what the opener signs.
func EnvelopeCore(e contracts.DisputeOpenEnvelope) contracts.DisputeOpenEnvelope {
	e.EnvelopeHash = ""
	e.Signature = ""
	return e
}

// VerdictCore excludes: verdictHash, signature.
func VerdictCore(v contracts.ArbitrationVerdict) contracts.ArbitrationVerdict {
	v.VerdictHash = ""
	v.Signature = ""
	return v
}

// ReceiptCore excludes: receiptHash, status (holdback lifecycle state).
func ReceiptCore(r contracts.SettlementReceipt) contracts.SettlementReceipt {
	r.ReceiptHash = ""
	r.Status = ""
	return r
}
