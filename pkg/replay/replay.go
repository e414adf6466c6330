// Package replay re-derives a settlement decision from stored facts and the
// pinned policy, and reports whether the stored record still follows. Replay
// never writes: it is the audit answer to "would the kernel decide the same
// way again", not a second evaluation.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// Finding is one detected divergence between the stored record and the
// recomputed outcome.
type Finding struct {
	Code   string `json:"code"`
	Detail string `json:"detail"`
}

// Report is the replay result for one agreement.
type Report struct {
	AgreementHash string    `json:"agreementHash"`
	RecordID      string    `json:"recordId"`
	PolicyHash    string    `json:"policyHash"`
	Match         bool      `json:"match"`
	Findings      []Finding `json:"findings,omitempty"`

	StoredDecision     string   `json:"storedDecision"`
	RecomputedDecision string   `json:"recomputedDecision"`
	StoredReasons      []string `json:"storedReasons"`
	RecomputedReasons  []string `json:"recomputedReasons"`
}

// Verifier replays decisions against the ledger and policy registry.
type Verifier struct {
	ledger   store.Ledger
	policies *policy.Registry
	log      *slog.Logger
}

func NewVerifier(ledger store.Ledger, policies *policy.Registry, log *slog.Logger) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{ledger: ledger, policies: policies, log: log}
}

// Replay loads the stored lineage for an agreement, resolves the exact
// policy the record pinned, re-runs the verifier, and compares. A missing
// pinned policy is an error, not a drift finding: without it nothing can be
// recomputed.
func (v *Verifier) Replay(ctx context.Context, agreementHash string) (*Report, error) {
	var agreement contracts.ToolCallAgreement
	if err := v.loadOne(ctx, agreementHash, store.KindAgreement, &agreement); err != nil {
		return nil, err
	}
	var evidence contracts.ToolCallEvidence
	if err := v.loadOne(ctx, agreementHash, store.KindEvidence, &evidence); err != nil {
		return nil, err
	}
	rec, err := v.ledger.Get(ctx, contracts.DecisionRecordID(agreementHash))
	if err != nil {
		return nil, err
	}
	var record contracts.SettlementDecisionRecord
	if err := store.DecodeInto(rec, &record); err != nil {
		return nil, err
	}

	doc, verifier, err := v.policies.ByHash(record.PolicyHash)
	if err != nil {
		return nil, err
	}

	report, err := Recompute(ctx, &agreement, &evidence, &record, doc, verifier)
	if err != nil {
		return nil, err
	}
	v.log.Info("replay complete", "recordId", record.RecordID, "match", report.Match)
	return report, nil
}

// Recompute is the pure comparison core, shared with the offline ClosePack
// verifier which supplies an embedded policy instead of a registry lookup.
func Recompute(ctx context.Context, agreement *contracts.ToolCallAgreement, evidence *contracts.ToolCallEvidence, record *contracts.SettlementDecisionRecord, doc *policy.PolicyDocument, verifier policy.Verifier) (*Report, error) {
	report := &Report{
		AgreementHash:  record.AgreementHash,
		RecordID:       record.RecordID,
		PolicyHash:     record.PolicyHash,
		StoredDecision: record.Decision,
		StoredReasons:  record.ReasonCodes,
	}

	if doc.PolicyHash != record.PolicyHash || doc.PolicyID != record.PolicyID || doc.Version != record.PolicyVersion {
		report.Findings = append(report.Findings, Finding{
			Code: contracts.ReplayPolicyDrift,
			Detail: fmt.Sprintf("record pins %s@%s (%s), supplied policy is %s@%s (%s)",
				record.PolicyID, record.PolicyVersion, record.PolicyHash,
				doc.PolicyID, doc.Version, doc.PolicyHash),
		})
	}
	if evidence.EvidenceHash != record.EvidenceHash {
		report.Findings = append(report.Findings, Finding{
			Code:   contracts.ReplayDecisionDrift,
			Detail: "stored evidence does not match the evidenceHash the record evaluated",
		})
	}

	outcome, err := verifier.Evaluate(ctx, agreement, evidence)
	if err != nil {
		return nil, err
	}
	report.RecomputedDecision = outcome.Decision
	report.RecomputedReasons = outcome.ReasonCodes

	if outcome.Decision != record.Decision {
		report.Findings = append(report.Findings, Finding{
			Code:   contracts.ReplayDecisionDrift,
			Detail: fmt.Sprintf("stored decision %q, recomputed %q", record.Decision, outcome.Decision),
		})
	}
	if !equalStrings(outcome.ReasonCodes, record.ReasonCodes) {
		report.Findings = append(report.Findings, Finding{
			Code:   contracts.ReplayReasonCodeDrift,
			Detail: fmt.Sprintf("stored reason codes %v, recomputed %v", record.ReasonCodes, outcome.ReasonCodes),
		})
	}

	report.Match = len(report.Findings) == 0
	return report, nil
}

func (v *Verifier) loadOne(ctx context.Context, agreementHash, kind string, out any) error {
	recs, err := v.ledger.FindByKind(ctx, agreementHash, kind)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return contracts.ErrorWithArtifact(contracts.CodeNotFound, agreementHash, "no %s in lineage", kind)
	}
	return store.DecodeInto(recs[0], out)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
