// Package arbitration runs the dispute lifecycle: signed (or explicitly
// overridden) dispute opening inside the challenge window, exactly one
// active case per agreement, append-only case evidence, verdicts, and the
// deterministic settlement adjustment applied at most once on close.
package arbitration

import (
	"context"
	"log/slog"
	"time"

	"github.com/settld-labs/settld-kernel/pkg/artifacts"
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/schema"
	"github.com/settld-labs/settld-kernel/pkg/signature"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// Machine drives arbitration case state. Transitions are strictly
// forward: opened -> under_review -> verdict_issued -> closed.
type Machine struct {
	ledger  store.Ledger
	schemas *schema.Registry
	keyring *signature.Keyring
	clock   func() time.Time
	log     *slog.Logger
}

func NewMachine(ledger store.Ledger, schemas *schema.Registry, keyring *signature.Keyring, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		ledger:  ledger,
		schemas: schemas,
		keyring: keyring,
		clock:   time.Now,
		log:     log,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Machine) WithClock(clock func() time.Time) *Machine {
	m.clock = clock
	return m
}

// OpenParams opens a dispute. Either a signed envelope proves the opener's
// standing, or an admin override names the operator taking responsibility;
// the override path is recorded on the case, never silent. An override may
// open without any envelope, in which case AgreementHash names the subject.
type OpenParams struct {
	Envelope       *contracts.DisputeOpenEnvelope
	AdminOverride  *contracts.AdminOverride
	AgreementHash  string
	ArbiterAgentID string
	Summary        string
}

// OpenDispute validates standing and the challenge window, then commits the
// envelope and a new case, and marks the funding hold disputed so the
// scheduler cannot release it (the release block for open cases).
func (m *Machine) OpenDispute(ctx context.Context, p OpenParams) (*contracts.ArbitrationCase, error) {
	override := p.AdminOverride != nil && p.AdminOverride.Enabled
	if override && p.AdminOverride.ActorID == "" {
		return nil, contracts.Errorf(contracts.CodeAuthorityInvalid, "admin override requires an actorId")
	}
	if !override && p.Envelope == nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "a signed dispute envelope is required")
	}

	var agreementHash, envelopeID, openedBy, openedAt string
	if p.Envelope != nil {
		if err := m.checkEnvelope(ctx, p.Envelope, override); err != nil {
			return nil, err
		}
		agreementHash = p.Envelope.AgreementHash
		envelopeID = p.Envelope.EnvelopeID
		openedBy = p.Envelope.OpenedByAgentID
		openedAt = p.Envelope.OpenedAt
	} else {
		// Override without an envelope: the operator names the agreement
		// directly and the case records the actor instead of a signer.
		if p.AgreementHash == "" {
			return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "admin override without an envelope requires an agreementHash")
		}
		if _, err := m.loadAgreement(ctx, p.AgreementHash); err != nil {
			return nil, err
		}
		agreementHash = p.AgreementHash
		openedBy = p.AdminOverride.ActorID
		openedAt = canonical.FormatTime(m.clock())
	}

	receipt, err := m.loadReceipt(ctx, agreementHash)
	if err != nil {
		return nil, err
	}
	if err := m.checkWindow(receipt, openedAt, override); err != nil {
		return nil, err
	}

	arbCase := &contracts.ArbitrationCase{
		SchemaVersion:  contracts.SchemaArbitrationCase,
		CaseID:         contracts.CaseID(agreementHash),
		DisputeID:      contracts.DisputeID(agreementHash),
		AgreementHash:  agreementHash,
		EnvelopeID:     envelopeID,
		ArbiterAgentID: p.ArbiterAgentID,
		State:          contracts.CaseOpened,
		Summary:        p.Summary,
		AdminOverride:  p.AdminOverride,
		OpenedAt:       openedAt,
	}

	// Envelope first: a crash between the two inserts leaves a re-runnable
	// envelope, never an unexplained case.
	if p.Envelope != nil {
		envRec, err := store.NewRecord(store.KindEnvelope, envelopeID, agreementHash, "", p.Envelope, openedAt)
		if err != nil {
			return nil, err
		}
		if _, _, err := m.ledger.PutIfAbsent(ctx, envRec); err != nil {
			return nil, err
		}
	}

	caseRec, err := store.NewRecord(store.KindCase, arbCase.CaseID, agreementHash, arbCase.State, arbCase, openedAt)
	if err != nil {
		return nil, err
	}
	committed, inserted, err := m.ledger.PutIfAbsent(ctx, caseRec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		var existing contracts.ArbitrationCase
		if err := store.DecodeInto(committed, &existing); err != nil {
			return nil, err
		}
		if existing.IsActive() {
			return nil, contracts.ErrorWithArtifact(contracts.CodeDuplicateActiveCase, existing.CaseID,
				"an active arbitration case already exists for this agreement")
		}
		return nil, contracts.ErrorWithArtifact(contracts.CodeStateConflict, existing.CaseID,
			"a closed arbitration case already exists for this agreement")
	}

	// Freeze the holdback. The hold may already be out of "held" when the
	// dispute races a release; that is a real conflict and fails the open.
	if err := m.transitionWithBody(ctx, contracts.HoldID(agreementHash), contracts.HoldHeld, contracts.HoldDisputed); err != nil {
		if !contracts.HasCode(err, contracts.CodeNotFound) {
			return nil, err
		}
	}

	m.log.Info("dispute opened",
		"caseId", arbCase.CaseID,
		"openedBy", openedBy,
		"adminOverride", override)
	return arbCase, nil
}

func (m *Machine) checkEnvelope(ctx context.Context, env *contracts.DisputeOpenEnvelope, override bool) error {
	if err := m.schemas.Validate(contracts.SchemaDisputeOpenEnvelope, env); err != nil {
		return err
	}
	if env.EnvelopeID != contracts.EnvelopeID(env.AgreementHash) || env.CaseID != contracts.CaseID(env.AgreementHash) {
		return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, env.EnvelopeID,
			"envelope ids are not derived from the agreement hash")
	}

	agreement, err := m.loadAgreement(ctx, env.AgreementHash)
	if err != nil {
		return err
	}
	if env.OpenedByAgentID != agreement.PayerAgentID && env.OpenedByAgentID != agreement.PayeeAgentID {
		return contracts.ErrorWithArtifact(contracts.CodeAuthorityInvalid, env.EnvelopeID,
			"opener %q is not a party to the agreement", env.OpenedByAgentID)
	}

	receipt, err := m.loadReceipt(ctx, env.AgreementHash)
	if err != nil {
		return err
	}
	if env.ReceiptHash != receipt.ReceiptHash {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, env.EnvelopeID,
			"envelope receiptHash does not match the settled receipt")
	}
	hold, err := m.loadHold(ctx, env.AgreementHash)
	if err != nil {
		return err
	}
	if env.HoldHash != hold.HoldHash {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, env.EnvelopeID,
			"envelope holdHash does not match the funding hold")
	}

	// The override path skips only the signature, and only explicitly.
	if override {
		return nil
	}
	return m.keyring.VerifyCore(env.SignerKeyID, artifacts.EnvelopeCore(*env), env.Signature)
}

// checkWindow enforces the challenge window: a dispute opens no later than
// settledAt + challengeWindowMs. Admin override may reach past the window
// but never past a released holdback.
func (m *Machine) checkWindow(receipt *contracts.SettlementReceipt, openedAt string, override bool) error {
	if receipt.HoldbackReleaseAt == "" {
		return contracts.ErrorWithArtifact(contracts.CodeWindowViolation, receipt.RecordID,
			"settlement left no holdback window to dispute")
	}
	if override {
		return nil
	}
	opened, err := canonical.ParseTime(openedAt)
	if err != nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "envelope openedAt: %v", err)
	}
	deadline, err := canonical.ParseTime(receipt.HoldbackReleaseAt)
	if err != nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "receipt holdbackReleaseAt: %v", err)
	}
	if opened.After(deadline) {
		return contracts.ErrorWithArtifact(contracts.CodeWindowViolation, receipt.RecordID,
			"dispute opened at %s, challenge window closed at %s", openedAt, receipt.HoldbackReleaseAt)
	}
	return nil
}

// BeginReview moves a case from opened to under_review.
func (m *Machine) BeginReview(ctx context.Context, agreementHash string) error {
	return m.transitionCase(ctx, agreementHash, contracts.CaseOpened, contracts.CaseUnderReview, func(c *contracts.ArbitrationCase) {})
}

// AppendEvidence adds a reference to the case's evidence list. Append-only;
// nothing is ever removed. Allowed while the case is opened or under review.
func (m *Machine) AppendEvidence(ctx context.Context, agreementHash, ref string) error {
	if ref == "" {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "evidence ref is required")
	}
	arbCase, rec, err := m.loadCase(ctx, agreementHash)
	if err != nil {
		return err
	}
	if arbCase.State != contracts.CaseOpened && arbCase.State != contracts.CaseUnderReview {
		return contracts.ErrorWithArtifact(contracts.CodeStateConflict, arbCase.CaseID,
			"case in state %q no longer accepts evidence", arbCase.State)
	}
	arbCase.EvidenceRefs = append(arbCase.EvidenceRefs, ref)
	body, err := canonical.Marshal(arbCase)
	if err != nil {
		return err
	}
	return m.ledger.Transition(ctx, rec.ID, arbCase.State, arbCase.State, body)
}

// IssueVerdict validates and commits the verdict, moving the case to
// verdict_issued. The verdict outcome must be consistent with the routed
// amount against the receipt's gross.
func (m *Machine) IssueVerdict(ctx context.Context, verdict *contracts.ArbitrationVerdict) (*contracts.ArbitrationVerdict, error) {
	if verdict == nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "verdict is required")
	}
	if err := m.schemas.Validate(contracts.SchemaArbitrationVerdict, verdict); err != nil {
		return nil, err
	}

	arbCase, _, err := m.loadCase(ctx, verdict.AgreementHash)
	if err != nil {
		return nil, err
	}
	if verdict.CaseID != arbCase.CaseID {
		return nil, contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, verdict.VerdictID,
			"verdict caseId does not match the case for this agreement")
	}
	if arbCase.State != contracts.CaseOpened && arbCase.State != contracts.CaseUnderReview {
		return nil, contracts.ErrorWithArtifact(contracts.CodeStateConflict, arbCase.CaseID,
			"case in state %q cannot receive a verdict", arbCase.State)
	}

	receipt, err := m.loadReceipt(ctx, verdict.AgreementHash)
	if err != nil {
		return nil, err
	}
	if err := checkVerdictConsistency(verdict, receipt); err != nil {
		return nil, err
	}

	if verdict.VerdictID == "" {
		verdict.VerdictID = contracts.VerdictID(verdict.AgreementHash)
	}
	if verdict.IssuedAt == "" {
		verdict.IssuedAt = canonical.FormatTime(m.clock())
	}

	vRec, err := store.NewRecord(store.KindVerdict, verdict.VerdictID, verdict.AgreementHash, verdict.Outcome, verdict, verdict.IssuedAt)
	if err != nil {
		return nil, err
	}
	committed, inserted, err := m.ledger.PutIfAbsent(ctx, vRec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if err := store.DecodeInto(committed, verdict); err != nil {
			return nil, err
		}
		return verdict, nil
	}

	err = m.transitionCase(ctx, verdict.AgreementHash, arbCase.State, contracts.CaseVerdictIssued, func(c *contracts.ArbitrationCase) {})
	if err != nil {
		return nil, err
	}
	m.log.Info("verdict issued", "verdictId", verdict.VerdictID, "outcome", verdict.Outcome, "routedToPayerCents", verdict.RoutedToPayerCents)
	return verdict, nil
}

func checkVerdictConsistency(v *contracts.ArbitrationVerdict, receipt *contracts.SettlementReceipt) error {
	if v.RoutedToPayerCents < 0 || v.RoutedToPayerCents > receipt.GrossCents {
		return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, v.VerdictID,
			"routedToPayerCents %d outside 0..%d", v.RoutedToPayerCents, receipt.GrossCents)
	}
	switch v.Outcome {
	case contracts.VerdictPayeeFavored:
		if v.RoutedToPayerCents != 0 {
			return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, v.VerdictID,
				"payee_favored verdict must route nothing to the payer")
		}
	case contracts.VerdictPayerFavored:
		if v.RoutedToPayerCents != receipt.GrossCents {
			return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, v.VerdictID,
				"payer_favored verdict must route the full gross amount")
		}
	case contracts.VerdictSplit:
		// any amount within range
	default:
		return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, v.VerdictID,
			"unknown verdict outcome %q", v.Outcome)
	}
	return nil
}

// CloseCase applies the verdict's settlement adjustment exactly once and
// closes the case. Safe to retry: the adjustment ID binds the agreement and
// verdict, so re-delivery finds the committed adjustment and the close
// transition simply no-ops if already done.
func (m *Machine) CloseCase(ctx context.Context, agreementHash string) (*contracts.SettlementAdjustment, error) {
	arbCase, _, err := m.loadCase(ctx, agreementHash)
	if err != nil {
		return nil, err
	}
	if arbCase.State != contracts.CaseVerdictIssued && arbCase.State != contracts.CaseClosed {
		return nil, contracts.ErrorWithArtifact(contracts.CodeStateConflict, arbCase.CaseID,
			"case in state %q has no verdict to close on", arbCase.State)
	}

	verdictRec, err := m.ledger.Get(ctx, contracts.VerdictID(agreementHash))
	if err != nil {
		return nil, err
	}
	var verdict contracts.ArbitrationVerdict
	if err := store.DecodeInto(verdictRec, &verdict); err != nil {
		return nil, err
	}
	receipt, err := m.loadReceipt(ctx, agreementHash)
	if err != nil {
		return nil, err
	}

	adjustment := &contracts.SettlementAdjustment{
		SchemaVersion: contracts.SchemaSettlementAdjustment,
		AdjustmentID:  contracts.AdjustmentID(agreementHash, verdict.VerdictID),
		AgreementHash: agreementHash,
		VerdictID:     verdict.VerdictID,
		DeltaCents:    -verdict.RoutedToPayerCents,
		Currency:      receipt.Currency,
		AppliedAt:     canonical.FormatTime(m.clock()),
	}
	adjRec, err := store.NewRecord(store.KindAdjustment, adjustment.AdjustmentID, agreementHash, "", adjustment, adjustment.AppliedAt)
	if err != nil {
		return nil, err
	}
	committed, inserted, err := m.ledger.PutIfAbsent(ctx, adjRec)
	if err != nil {
		return nil, err
	}
	if !inserted {
		if err := store.DecodeInto(committed, adjustment); err != nil {
			return nil, err
		}
	}

	if arbCase.State == contracts.CaseVerdictIssued {
		closedAt := canonical.FormatTime(m.clock())
		err = m.transitionCase(ctx, agreementHash, contracts.CaseVerdictIssued, contracts.CaseClosed, func(c *contracts.ArbitrationCase) {
			c.ClosedAt = closedAt
		})
		if err != nil && !contracts.HasCode(err, contracts.CodeStateConflict) {
			return nil, err
		}
		m.settleDisputedHold(ctx, agreementHash, &verdict, receipt)
	}

	m.log.Info("case closed",
		"caseId", arbCase.CaseID,
		"adjustmentId", adjustment.AdjustmentID,
		"deltaCents", adjustment.DeltaCents,
		"reapplied", !inserted)
	return adjustment, nil
}

// settleDisputedHold finishes the hold lifecycle after adjustment: the full
// gross routed back means a refund, anything less releases the remainder.
func (m *Machine) settleDisputedHold(ctx context.Context, agreementHash string, verdict *contracts.ArbitrationVerdict, receipt *contracts.SettlementReceipt) {
	target := contracts.HoldReleased
	if verdict.RoutedToPayerCents == receipt.GrossCents {
		target = contracts.HoldRefunded
	}
	holdID := contracts.HoldID(agreementHash)
	if err := m.transitionWithBody(ctx, holdID, contracts.HoldDisputed, contracts.HoldAdjusted); err != nil &&
		!contracts.HasCode(err, contracts.CodeNotFound) {
		m.log.Warn("disputed hold transition failed", "holdId", holdID, "error", err)
		return
	}
	if err := m.transitionWithBody(ctx, holdID, contracts.HoldAdjusted, target); err != nil &&
		!contracts.HasCode(err, contracts.CodeNotFound) {
		m.log.Warn("adjusted hold settle failed", "holdId", holdID, "error", err)
	}
	receiptID := contracts.ReceiptID(agreementHash)
	if err := m.transitionWithBody(ctx, receiptID, contracts.HoldHeld, contracts.HoldAdjusted); err != nil &&
		!contracts.HasCode(err, contracts.CodeNotFound) && !contracts.HasCode(err, contracts.CodeStateConflict) {
		m.log.Warn("receipt status mirror failed", "receiptId", receiptID, "error", err)
	}
}

// transitionWithBody moves a record's status and rewrites the status field
// embedded in its body in the same step, so the stored artifact never claims
// a state the record has left.
func (m *Machine) transitionWithBody(ctx context.Context, id, from, to string) error {
	rec, err := m.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	body, err := store.StatusBody(rec, to)
	if err != nil {
		return err
	}
	return m.ledger.Transition(ctx, id, from, to, body)
}

func (m *Machine) transitionCase(ctx context.Context, agreementHash, from, to string, mutate func(*contracts.ArbitrationCase)) error {
	arbCase, rec, err := m.loadCase(ctx, agreementHash)
	if err != nil {
		return err
	}
	if arbCase.State != from {
		return contracts.ErrorWithArtifact(contracts.CodeStateConflict, arbCase.CaseID,
			"case is %q, expected %q", arbCase.State, from)
	}
	arbCase.State = to
	mutate(arbCase)
	body, err := canonical.Marshal(arbCase)
	if err != nil {
		return err
	}
	return m.ledger.Transition(ctx, rec.ID, from, to, body)
}

func (m *Machine) loadCase(ctx context.Context, agreementHash string) (*contracts.ArbitrationCase, store.Record, error) {
	rec, err := m.ledger.Get(ctx, contracts.CaseID(agreementHash))
	if err != nil {
		return nil, store.Record{}, err
	}
	var c contracts.ArbitrationCase
	if err := store.DecodeInto(rec, &c); err != nil {
		return nil, store.Record{}, err
	}
	return &c, rec, nil
}

func (m *Machine) loadAgreement(ctx context.Context, agreementHash string) (*contracts.ToolCallAgreement, error) {
	recs, err := m.ledger.FindByKind(ctx, agreementHash, store.KindAgreement)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, contracts.ErrorWithArtifact(contracts.CodeNotFound, agreementHash, "agreement not found")
	}
	var a contracts.ToolCallAgreement
	if err := store.DecodeInto(recs[0], &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (m *Machine) loadReceipt(ctx context.Context, agreementHash string) (*contracts.SettlementReceipt, error) {
	rec, err := m.ledger.Get(ctx, contracts.ReceiptID(agreementHash))
	if err != nil {
		return nil, err
	}
	var r contracts.SettlementReceipt
	if err := store.DecodeInto(rec, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (m *Machine) loadHold(ctx context.Context, agreementHash string) (*contracts.FundingHold, error) {
	rec, err := m.ledger.Get(ctx, contracts.HoldID(agreementHash))
	if err != nil {
		return nil, err
	}
	var h contracts.FundingHold
	if err := store.DecodeInto(rec, &h); err != nil {
		return nil, err
	}
	return &h, nil
}
