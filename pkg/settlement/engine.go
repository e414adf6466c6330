// Package settlement evaluates evidence against agreement terms and policy,
// producing the decision record and receipt, and runs the holdback release
// scheduler. All writes go through the ledger's insert-if-absent primitive,
// so concurrent or retried evaluations of the same agreement converge on the
// first committed record.
package settlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/settld-labs/settld-kernel/pkg/artifacts"
	"github.com/settld-labs/settld-kernel/pkg/authority"
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/schema"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// Engine is the settlement decision engine.
type Engine struct {
	ledger    store.Ledger
	schemas   *schema.Registry
	policies  *policy.Registry
	authority *authority.Validator
	clock     func() time.Time
	log       *slog.Logger
}

func NewEngine(ledger store.Ledger, schemas *schema.Registry, policies *policy.Registry, auth *authority.Validator, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		ledger:    ledger,
		schemas:   schemas,
		policies:  policies,
		authority: auth,
		clock:     time.Now,
		log:       log,
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

// EvaluationInput carries everything an evaluation may consult. PolicyHash
// optionally pins an exact policy; when empty, the highest registered
// version of the agreement's policyId is used and pinned on the record.
type EvaluationInput struct {
	Chain      []*contracts.AuthorityGrant
	Agreement  *contracts.ToolCallAgreement
	Hold       *contracts.FundingHold
	Evidence   *contracts.ToolCallEvidence
	PolicyHash string
}

// Result is the committed outcome of an evaluation.
type Result struct {
	Record  *contracts.SettlementDecisionRecord
	Receipt *contracts.SettlementReceipt

	// Inserted reports whether this call created the record. False means an
	// earlier evaluation already committed, and Record/Receipt echo it.
	Inserted bool
}

/// Evaluate runs the settlement decision pipeline: schema validation, the
// evidence-to-agreement binding check, authority chain validation, the
// pinned deterministic verifier, then idempotent commit of the record and
// derived receipt. Calling it N times for the same agreement yields the
// first call's record content, timestamps included.
func (e *Engine) Evaluate(ctx context.Context, in EvaluationInput) (*Result, error) {
	if in.Agreement == nil || in.Hold == nil || in.Evidence == nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "agreement, hold, and evidence are all required")
	}
	if err := e.schemas.Validate(contracts.SchemaToolCallAgreement, in.Agreement); err != nil {
		return nil, err
	}
	if err := e.schemas.Validate(contracts.SchemaFundingHold, in.Hold); err != nil {
		return nil, err
	}
	if err := e.schemas.Validate(contracts.SchemaToolCallEvidence, in.Evidence); err != nil {
		return nil, err
	}

	if err := checkBinding(in.Agreement, in.Hold, in.Evidence); err != nil {
		return nil, err
	}

	if err := e.authority.ValidateChain(in.Chain, in.Agreement); err != nil {
		return nil, err
	}

	doc, verifier, err := e.resolvePolicy(in)
	if err != nil {
		return nil, err
	}

	outcome, err := verifier.Evaluate(ctx, in.Agreement, in.Evidence)
	if err != nil {
		return nil, err
	}

	agreementHash := in.Agreement.AgreementHash
	now := canonical.FormatTime(e.clock())
	record := &contracts.SettlementDecisionRecord{
		SchemaVersion: contracts.SchemaSettlementDecisionRecord,
		RecordID:      contracts.DecisionRecordID(agreementHash),
		AgreementHash: agreementHash,
		EvidenceHash:  in.Evidence.EvidenceHash,
		Decision:      outcome.Decision,
		ReasonCodes:   outcome.ReasonCodes,
		PolicyID:      doc.PolicyID,
		PolicyHash:    doc.PolicyHash,
		PolicyVersion: doc.Version,
		DecidedAt:     now,
	}

	rec, err := store.NewRecord(store.KindDecision, record.RecordID, agreementHash, record.Decision, record, now)
	if err != nil {
		return nil, err
	}
	committed, inserted, err := e.ledger.PutIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		// First writer won; everything downstream derives from its record.
		if err := store.DecodeInto(committed, record); err != nil {
			return nil, err
		}
		e.log.Debug("settlement already decided", "recordId", record.RecordID, "decision", record.Decision)
	}

	receipt, err := e.commitReceipt(ctx, record, in.Hold)
	if err != nil {
		return nil, err
	}

	if inserted {
		e.log.Info("settlement decided",
			"recordId", record.RecordID,
			"decision", record.Decision,
			"policyHash", record.PolicyHash,
			"netCents", receipt.NetCents)
		if err := e.settleHold(ctx, record, in.Hold); err != nil {
			return nil, err
		}
	}

	return &Result{Record: record, Receipt: receipt, Inserted: inserted}, nil
}

// checkBinding enforces that the evidence answers exactly the committed
// call: same agreement, same callId, same inputHash, and a hold that mirrors
// the agreement's terms.
func checkBinding(agreement *contracts.ToolCallAgreement, hold *contracts.FundingHold, evidence *contracts.ToolCallEvidence) error {
	h := agreement.AgreementHash
	if evidence.AgreementHash != h {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, evidence.EvidenceHash,
			"evidence agreementHash %s does not match agreement %s", evidence.AgreementHash, h)
	}
	if evidence.CallID != agreement.CallID {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, evidence.EvidenceHash,
			"evidence callId %q does not match agreement callId %q", evidence.CallID, agreement.CallID)
	}
	if evidence.InputHash != agreement.InputHash {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, evidence.EvidenceHash,
			"evidence inputHash does not match agreement commitment")
	}
	if hold.AgreementHash != h {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, hold.HoldHash,
			"hold agreementHash does not match agreement")
	}
	if hold.AmountCents != agreement.SettlementTerms.AmountCents ||
		hold.Currency != agreement.SettlementTerms.Currency ||
		hold.HoldbackBps != agreement.SettlementTerms.HoldbackBps {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, hold.HoldHash,
			"hold terms do not mirror agreement settlement terms")
	}
	return nil
}

func (e *Engine) resolvePolicy(in EvaluationInput) (*policy.PolicyDocument, policy.Verifier, error) {
	if in.PolicyHash != "" {
		return e.policies.ByHash(in.PolicyHash)
	}
	return e.policies.Latest(in.Agreement.SettlementTerms.PolicyID)
}

// DeriveReceipt computes a receipt from a decision record and hold terms.
// Pure function, shared with replay and the offline verifier. Holdback is
// floor(amount * bps / 10000); a rejected decision settles zero and refunds
// the whole hold.
func DeriveReceipt(record *contracts.SettlementDecisionRecord, hold *contracts.FundingHold) (*contracts.SettlementReceipt, error) {
	r := &contracts.SettlementReceipt{
		SchemaVersion: contracts.SchemaSettlementReceipt,
		AgreementHash: record.AgreementHash,
		RecordID:      record.RecordID,
		EvidenceHash:  record.EvidenceHash,
		Currency:      hold.Currency,
		SettledAt:     record.DecidedAt,
	}
	switch record.Decision {
	case contracts.DecisionApproved:
		r.GrossCents = hold.AmountCents
		r.HoldbackCents = hold.AmountCents * int64(hold.HoldbackBps) / 10000
		r.NetCents = r.GrossCents - r.HoldbackCents
		if r.HoldbackCents > 0 {
			settled, err := canonical.ParseTime(record.DecidedAt)
			if err != nil {
				return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "record decidedAt: %v", err)
			}
			r.HoldbackReleaseAt = canonical.FormatTime(settled.Add(time.Duration(hold.ChallengeWindowMs) * time.Millisecond))
			r.Status = contracts.HoldHeld
		} else {
			r.Status = contracts.HoldReleased
		}
	case contracts.DecisionRejected:
		r.Status = contracts.HoldRefunded
	default:
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "unknown decision %q", record.Decision)
	}

	hash, err := canonical.ContentHash(artifacts.ReceiptCore(*r))
	if err != nil {
		return nil, err
	}
	r.ReceiptHash = hash
	return r, nil
}

func (e *Engine) commitReceipt(ctx context.Context, record *contracts.SettlementDecisionRecord, hold *contracts.FundingHold) (*contracts.SettlementReceipt, error) {
	receipt, err := DeriveReceipt(record, hold)
	if err != nil {
		return nil, err
	}
	rec, err := store.NewRecord(store.KindReceipt, contracts.ReceiptID(record.AgreementHash), record.AgreementHash, receipt.Status, receipt, receipt.SettledAt)
	if err != nil {
		return nil, err
	}
	committed, inserted, err := e.ledger.PutIfAbsent(ctx, rec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if err := store.DecodeInto(committed, receipt); err != nil {
			return nil, err
		}
		receipt.Status = committed.Status
	}
	return receipt, nil
}

// settleHold moves the stored hold out of "held" when the decision leaves no
// holdback to wait on. Rejected decisions refund; approved decisions without
// holdback release immediately. Holds with a live holdback stay held for the
// scheduler.
func (e *Engine) settleHold(ctx context.Context, record *contracts.SettlementDecisionRecord, hold *contracts.FundingHold) error {
	holdID := contracts.HoldID(record.AgreementHash)
	var target string
	switch {
	case record.Decision == contracts.DecisionRejected:
		target = contracts.HoldRefunded
	case hold.AmountCents*int64(hold.HoldbackBps)/10000 == 0:
		target = contracts.HoldReleased
	default:
		return nil
	}
	err := e.ledger.Transition(ctx, holdID, contracts.HoldHeld, target, nil)
	if err != nil && !contracts.HasCode(err, contracts.CodeNotFound) {
		return err
	}
	return nil
}
