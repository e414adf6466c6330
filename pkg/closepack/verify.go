package closepack

import (
	"context"
	"fmt"

	"github.com/settld-labs/settld-kernel/pkg/artifacts"
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/replay"
	"github.com/settld-labs/settld-kernel/pkg/settlement"
	"github.com/settld-labs/settld-kernel/pkg/signature"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// VerifyBundle re-checks a close pack from nothing but its own contents: it
// recomputes every hash and derived ID, re-checks the binding and lineage
// invariants, re-derives the receipt, and replays the decision against the
// embedded policy. A nil keyring skips detached-signature checks; everything
// else is unconditional. The verifier is strict: any failed check fails the
// report.
//
// Malformed bundles (missing or undecodable artifacts) return an error;
// well-formed bundles whose contents do not hold return a failing report.
func VerifyBundle(ctx context.Context, b *Bundle, keyring *signature.Keyring) (*VerificationReport, error) {
	report := &VerificationReport{SchemaVersion: contracts.SchemaVerificationReport}
	report.Subject.ManifestHash = b.Manifest.ManifestHash

	check := func(name string, passed bool, detail string) {
		if passed {
			detail = ""
		}
		report.Checks = append(report.Checks, Check{Name: name, Passed: passed, Detail: detail})
	}

	// Manifest integrity.
	manifestHash, err := canonical.ContentHash(b.Manifest.Core())
	if err != nil {
		return nil, err
	}
	check("manifest_hash", manifestHash == b.Manifest.ManifestHash,
		fmt.Sprintf("manifest hashes to %s, declares %s", manifestHash, b.Manifest.ManifestHash))

	// Every manifest entry has its artifact, every artifact its entry, and
	// the content hashes hold.
	hashesOK := len(b.Manifest.Entries) == len(b.Artifacts)
	hashDetail := ""
	for _, entry := range b.Manifest.Entries {
		raw, ok := b.Artifacts[entry.ID]
		if !ok {
			hashesOK, hashDetail = false, fmt.Sprintf("entry %s has no artifact", entry.ID)
			break
		}
		if canonical.HashBytes(raw) != entry.Hash {
			hashesOK, hashDetail = false, fmt.Sprintf("artifact %s does not match its manifest hash", entry.ID)
			break
		}
	}
	check("artifact_hashes", hashesOK, hashDetail)

	// Load the lineage out of the bundle.
	lin, err := loadLineage(b)
	if err != nil {
		return nil, err
	}
	h := b.Manifest.AgreementHash

	agreementHash, err := canonical.ContentHash(artifacts.AgreementCore(*lin.agreement))
	if err != nil {
		return nil, err
	}
	check("agreement_hash", agreementHash == h && lin.agreement.AgreementHash == h,
		fmt.Sprintf("agreement core hashes to %s, manifest claims %s", agreementHash, h))

	// Derived IDs are pure functions of the agreement hash.
	idsOK, idDetail := checkDerivedIDs(lin, h)
	check("derived_ids", idsOK, idDetail)

	// Evidence answers the committed call.
	bindOK := lin.evidence.AgreementHash == h &&
		lin.evidence.CallID == lin.agreement.CallID &&
		lin.evidence.InputHash == lin.agreement.InputHash
	check("evidence_binding", bindOK, "evidence does not bind to the agreement's commitment")

	holdOK := lin.hold.AgreementHash == h &&
		lin.hold.AmountCents == lin.agreement.SettlementTerms.AmountCents &&
		lin.hold.Currency == lin.agreement.SettlementTerms.Currency &&
		lin.hold.HoldbackBps == lin.agreement.SettlementTerms.HoldbackBps
	check("hold_mirrors_terms", holdOK, "hold terms do not mirror the agreement")

	// At most one decision record, content-consistent.
	check("decision_unique", len(b.entriesByKind(store.KindDecision)) == 1,
		fmt.Sprintf("expected exactly one decision record, found %d", len(b.entriesByKind(store.KindDecision))))
	check("decision_evidence", lin.record.EvidenceHash == lin.evidence.EvidenceHash,
		"decision record does not reference the bundled evidence")

	// Receipt re-derivation.
	rederived, err := settlement.DeriveReceipt(lin.record, lin.hold)
	if err != nil {
		return nil, err
	}
	check("receipt_derivation", rederived.ReceiptHash == lin.receipt.ReceiptHash,
		fmt.Sprintf("receipt re-derives to %s, bundle carries %s", rederived.ReceiptHash, lin.receipt.ReceiptHash))

	// Dispute lineage continuity and the at-most-once adjustment.
	checkDispute(lin, h, check)

	// Detached signatures, where a keyring is supplied.
	if keyring != nil {
		checkSignatures(lin, keyring, check)
	}

	// Replay against the embedded policy.
	if b.Policy == nil {
		check("policy_replay", false, "bundle embeds no policy document")
	} else if err := replayAgainstEmbedded(ctx, b, lin, check); err != nil {
		return nil, err
	}

	report.Passed = true
	for _, c := range report.Checks {
		if !c.Passed {
			report.Passed = false
			break
		}
	}
	return report, nil
}

// CheckReportSignature verifies a received bundle's embedded verification
// report: the subject must name the manifest and the detached signature must
// verify against a trusted exporter key.
func CheckReportSignature(b *Bundle, keyring *signature.Keyring) error {
	if b.Verification == nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "bundle carries no verification report")
	}
	if b.Verification.Subject.ManifestHash != b.Manifest.ManifestHash {
		return contracts.Errorf(contracts.CodeBindingMismatch,
			"verification report subject %s does not name the manifest %s",
			b.Verification.Subject.ManifestHash, b.Manifest.ManifestHash)
	}
	return keyring.VerifyCore(b.Verification.SignerKeyID, b.Verification.Core(), b.Verification.Signature)
}

// lineage is the decoded artifact set of a bundle.
type lineage struct {
	agreement  *contracts.ToolCallAgreement
	hold       *contracts.FundingHold
	evidence   *contracts.ToolCallEvidence
	record     *contracts.SettlementDecisionRecord
	receipt    *contracts.SettlementReceipt
	envelope   *contracts.DisputeOpenEnvelope
	arbCase    *contracts.ArbitrationCase
	verdict    *contracts.ArbitrationVerdict
	adjustment *contracts.SettlementAdjustment
}

func loadLineage(b *Bundle) (*lineage, error) {
	lin := &lineage{}

	decode := func(kind string, out any) (bool, error) {
		entries := b.entriesByKind(kind)
		if len(entries) == 0 {
			return false, nil
		}
		if err := b.artifact(entries[0].ID, out); err != nil {
			return false, err
		}
		return true, nil
	}

	mustDecode := func(kind string, out any) error {
		ok, err := decode(kind, out)
		if err != nil {
			return err
		}
		if !ok {
			return contracts.Errorf(contracts.CodeSchemaInvalid, "bundle is missing its %s", kind)
		}
		return nil
	}

	lin.agreement = &contracts.ToolCallAgreement{}
	if err := mustDecode(store.KindAgreement, lin.agreement); err != nil {
		return nil, err
	}
	lin.hold = &contracts.FundingHold{}
	if err := mustDecode(store.KindHold, lin.hold); err != nil {
		return nil, err
	}
	lin.evidence = &contracts.ToolCallEvidence{}
	if err := mustDecode(store.KindEvidence, lin.evidence); err != nil {
		return nil, err
	}
	lin.record = &contracts.SettlementDecisionRecord{}
	if err := mustDecode(store.KindDecision, lin.record); err != nil {
		return nil, err
	}
	lin.receipt = &contracts.SettlementReceipt{}
	if err := mustDecode(store.KindReceipt, lin.receipt); err != nil {
		return nil, err
	}

	var envelope contracts.DisputeOpenEnvelope
	if ok, err := decode(store.KindEnvelope, &envelope); err != nil {
		return nil, err
	} else if ok {
		lin.envelope = &envelope
	}
	var arbCase contracts.ArbitrationCase
	if ok, err := decode(store.KindCase, &arbCase); err != nil {
		return nil, err
	} else if ok {
		lin.arbCase = &arbCase
	}
	var verdict contracts.ArbitrationVerdict
	if ok, err := decode(store.KindVerdict, &verdict); err != nil {
		return nil, err
	} else if ok {
		lin.verdict = &verdict
	}
	var adjustment contracts.SettlementAdjustment
	if ok, err := decode(store.KindAdjustment, &adjustment); err != nil {
		return nil, err
	} else if ok {
		lin.adjustment = &adjustment
	}
	return lin, nil
}

func checkDerivedIDs(lin *lineage, h string) (bool, string) {
	if lin.record.RecordID != contracts.DecisionRecordID(h) {
		return false, "decision record id is not derived from the agreement hash"
	}
	if lin.envelope != nil && lin.envelope.EnvelopeID != contracts.EnvelopeID(h) {
		return false, "envelope id is not derived from the agreement hash"
	}
	if lin.arbCase != nil && lin.arbCase.CaseID != contracts.CaseID(h) {
		return false, "case id is not derived from the agreement hash"
	}
	if lin.verdict != nil && lin.verdict.VerdictID != contracts.VerdictID(h) {
		return false, "verdict id is not derived from the agreement hash"
	}
	if lin.adjustment != nil && lin.verdict != nil &&
		lin.adjustment.AdjustmentID != contracts.AdjustmentID(h, lin.verdict.VerdictID) {
		return false, "adjustment id does not bind the agreement and verdict"
	}
	return true, ""
}

func checkDispute(lin *lineage, h string, check func(string, bool, string)) {
	if lin.arbCase == nil {
		check("dispute_lineage", lin.envelope == nil && lin.verdict == nil && lin.adjustment == nil,
			"dispute artifacts present without an arbitration case")
		return
	}
	c := lin.arbCase

	// A case enters through a signed envelope or a recorded admin override.
	entryOK := lin.envelope != nil || (c.AdminOverride != nil && c.AdminOverride.Enabled && c.AdminOverride.ActorID != "")
	check("dispute_entry", entryOK, "case has neither a dispute envelope nor a recorded admin override")

	if lin.envelope != nil {
		bindOK := lin.envelope.AgreementHash == h &&
			lin.envelope.ReceiptHash == lin.receipt.ReceiptHash &&
			lin.envelope.HoldHash == lin.hold.HoldHash &&
			(lin.envelope.OpenedByAgentID == lin.agreement.PayerAgentID || lin.envelope.OpenedByAgentID == lin.agreement.PayeeAgentID)
		check("envelope_binding", bindOK, "envelope does not bind receipt, hold, and a party to the agreement")
	}

	switch c.State {
	case contracts.CaseClosed:
		ok := lin.verdict != nil && lin.adjustment != nil &&
			lin.adjustment.DeltaCents == -lin.verdict.RoutedToPayerCents &&
			lin.adjustment.Currency == lin.receipt.Currency
		check("dispute_lineage", ok, "closed case must carry a verdict and its matching adjustment")
	case contracts.CaseVerdictIssued:
		check("dispute_lineage", lin.verdict != nil, "verdict_issued case carries no verdict")
	case contracts.CaseOpened, contracts.CaseUnderReview:
		check("dispute_lineage", lin.adjustment == nil, "active case must not carry an adjustment yet")
		check("holdback_block", lin.hold.Status != contracts.HoldReleased,
			"holdback released while a case is active")
	default:
		check("dispute_lineage", false, fmt.Sprintf("unknown case state %q", c.State))
	}

	if lin.verdict != nil {
		ok := lin.verdict.RoutedToPayerCents >= 0 && lin.verdict.RoutedToPayerCents <= lin.receipt.GrossCents
		check("verdict_bounds", ok, "verdict routes more than the receipt's gross")
	}
}

func checkSignatures(lin *lineage, keyring *signature.Keyring, check func(string, bool, string)) {
	verify := func(name, keyID, sig string, core any) {
		if sig == "" {
			return
		}
		err := keyring.VerifyCore(keyID, core, sig)
		check(name, err == nil, fmt.Sprintf("%v", err))
	}
	verify("evidence_signature", lin.evidence.SignerKeyID, lin.evidence.Signature, artifacts.EvidenceCore(*lin.evidence))
	if lin.envelope != nil {
		verify("envelope_signature", lin.envelope.SignerKeyID, lin.envelope.Signature, artifacts.EnvelopeCore(*lin.envelope))
	}
}

func replayAgainstEmbedded(ctx context.Context, b *Bundle, lin *lineage, check func(string, bool, string)) error {
	// Compile the embedded policy in a scratch registry; this also re-derives
	// and checks its content hash.
	scratch := policy.NewRegistry()
	doc := *b.Policy
	registered, err := scratch.Register(ctx, &doc)
	if err != nil {
		check("policy_replay", false, fmt.Sprintf("embedded policy rejected: %v", err))
		return nil
	}
	_, verifier, err := scratch.ByHash(registered.PolicyHash)
	if err != nil {
		return err
	}
	report, err := replay.Recompute(ctx, lin.agreement, lin.evidence, lin.record, registered, verifier)
	if err != nil {
		check("policy_replay", false, fmt.Sprintf("replay failed: %v", err))
		return nil
	}
	detail := ""
	if !report.Match {
		detail = fmt.Sprintf("%+v", report.Findings)
	}
	check("policy_replay", report.Match, detail)
	return nil
}
