// Package kernel is the facade over the settlement kernel: one entry point
// wiring the ledger, schema registry, policy registry, authority validator,
// decision engine, arbitration machine, replay verifier, and close pack
// exporter. Every mutating operation is an idempotent insert keyed by a
// derived ID, so callers may retry freely; the kernel never retries on its
// own.
package kernel

import (
	"context"
	"crypto/ed25519"
	"log/slog"
	"time"

	"github.com/settld-labs/settld-kernel/pkg/arbitration"
	"github.com/settld-labs/settld-kernel/pkg/artifacts"
	"github.com/settld-labs/settld-kernel/pkg/authority"
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/closepack"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/observability"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/replay"
	"github.com/settld-labs/settld-kernel/pkg/schema"
	"github.com/settld-labs/settld-kernel/pkg/settlement"
	"github.com/settld-labs/settld-kernel/pkg/signature"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// Kernel exposes the operation set over a single ledger.
type Kernel struct {
	ledger    store.Ledger
	schemas   *schema.Registry
	policies  *policy.Registry
	keyring   *signature.Keyring
	engine    *settlement.Engine
	scheduler *settlement.Scheduler
	machine   *arbitration.Machine
	replayer  *replay.Verifier
	exporter  *closepack.Exporter
	obs       *observability.Provider
	log       *slog.Logger
}

func New(ledger store.Ledger, policies *policy.Registry, keyring *signature.Keyring, log *slog.Logger) *Kernel {
	if log == nil {
		log = slog.Default()
	}
	schemas := schema.NewRegistry()
	return &Kernel{
		ledger:    ledger,
		schemas:   schemas,
		policies:  policies,
		keyring:   keyring,
		engine:    settlement.NewEngine(ledger, schemas, policies, authority.NewValidator(), log),
		scheduler: settlement.NewScheduler(ledger, log),
		machine:   arbitration.NewMachine(ledger, schemas, keyring, log),
		replayer:  replay.NewVerifier(ledger, policies, log),
		exporter:  closepack.NewExporter(ledger, policies, log),
		obs:       observability.Disabled(),
		log:       log,
	}
}

// WithObservability attaches a telemetry provider. Every facade operation
// runs under a span; the settlement lifecycle counters record commits,
// opened cases, and released holdbacks.
func (k *Kernel) WithObservability(obs *observability.Provider) *Kernel {
	if obs != nil {
		k.obs = obs
	}
	return k
}

// WithClock overrides the clock on every component, the authority
// validator's window checks included, for deterministic testing.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	auth := authority.NewValidator().WithClock(clock)
	k.engine = settlement.NewEngine(k.ledger, k.schemas, k.policies, auth, k.log).WithClock(clock)
	k.scheduler = k.scheduler.WithClock(clock)
	k.machine = k.machine.WithClock(clock)
	k.exporter = k.exporter.WithClock(clock)
	return k
}

// WithExportSigner configures close pack report signing.
func (k *Kernel) WithExportSigner(keyID string, priv ed25519.PrivateKey) *Kernel {
	k.exporter = k.exporter.WithSigner(keyID, priv)
	return k
}

// SubmitAgreement records an agreement and its funding hold, returning the
// agreement hash. The hold must mirror the agreement's settlement terms, and
// both derived hashes must recompute from their cores. Re-submission echoes
// the stored lineage.
func (k *Kernel) SubmitAgreement(ctx context.Context, agreement *contracts.ToolCallAgreement, hold *contracts.FundingHold) (hash string, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.SubmitAgreement")
	defer func() { finish(err) }()

	if agreement == nil || hold == nil {
		return "", contracts.Errorf(contracts.CodeSchemaInvalid, "agreement and hold are both required")
	}
	if err := k.schemas.Validate(contracts.SchemaToolCallAgreement, agreement); err != nil {
		return "", err
	}
	if err := k.schemas.Validate(contracts.SchemaFundingHold, hold); err != nil {
		return "", err
	}

	h, err := canonical.ContentHash(artifacts.AgreementCore(*agreement))
	if err != nil {
		return "", err
	}
	if agreement.AgreementHash != h {
		return "", contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, agreement.AgreementHash,
			"agreementHash does not recompute from the agreement core")
	}
	holdHash, err := canonical.ContentHash(artifacts.HoldCore(*hold))
	if err != nil {
		return "", err
	}
	if hold.HoldHash != holdHash {
		return "", contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, hold.HoldHash,
			"holdHash does not recompute from the hold core")
	}
	if hold.AgreementHash != h ||
		hold.AmountCents != agreement.SettlementTerms.AmountCents ||
		hold.Currency != agreement.SettlementTerms.Currency ||
		hold.HoldbackBps != agreement.SettlementTerms.HoldbackBps {
		return "", contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, hold.HoldHash,
			"hold does not mirror the agreement's settlement terms")
	}

	agrRec, err := store.NewRecord(store.KindAgreement, contracts.AgreementRecordID(h), h, "", agreement, agreement.CreatedAt)
	if err != nil {
		return "", err
	}
	if _, _, err := k.ledger.PutIfAbsent(ctx, agrRec); err != nil {
		return "", err
	}
	status := hold.Status
	if status == "" {
		status = contracts.HoldHeld
	}
	holdRec, err := store.NewRecord(store.KindHold, contracts.HoldID(h), h, status, hold, hold.CreatedAt)
	if err != nil {
		return "", err
	}
	if _, _, err := k.ledger.PutIfAbsent(ctx, holdRec); err != nil {
		return "", err
	}

	k.log.Info("agreement submitted", "agreementHash", h, "amountCents", agreement.SettlementTerms.AmountCents)
	return h, nil
}

// SubmitEvidence records evidence for a known agreement. Evidence that does
// not answer the agreement's exact commitment is rejected with
// BINDING_MISMATCH and nothing is stored.
func (k *Kernel) SubmitEvidence(ctx context.Context, agreementHash string, evidence *contracts.ToolCallEvidence) (err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.SubmitEvidence",
		observability.AttrAgreementHash.String(agreementHash))
	defer func() { finish(err) }()

	if evidence == nil {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "evidence is required")
	}
	if err := k.schemas.Validate(contracts.SchemaToolCallEvidence, evidence); err != nil {
		return err
	}
	agreement, err := k.loadAgreement(ctx, agreementHash)
	if err != nil {
		return err
	}
	if evidence.AgreementHash != agreementHash ||
		evidence.CallID != agreement.CallID ||
		evidence.InputHash != agreement.InputHash {
		return contracts.ErrorWithArtifact(contracts.CodeBindingMismatch, evidence.EvidenceHash,
			"evidence does not bind to the agreement's commitment")
	}

	rec, err := store.NewRecord(store.KindEvidence, contracts.EvidenceRecordID(agreementHash), agreementHash, "", evidence, evidence.CreatedAt)
	if err != nil {
		return err
	}
	_, _, err = k.ledger.PutIfAbsent(ctx, rec)
	return err
}

// EvaluateSettlement runs the decision engine over the stored lineage under
// the supplied authority chain. Idempotent: repeated calls echo the first
// committed record and receipt.
func (k *Kernel) EvaluateSettlement(ctx context.Context, agreementHash string, chain []*contracts.AuthorityGrant) (res *settlement.Result, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.EvaluateSettlement",
		observability.AttrAgreementHash.String(agreementHash))
	defer func() { finish(err) }()

	agreement, err := k.loadAgreement(ctx, agreementHash)
	if err != nil {
		return nil, err
	}
	var hold contracts.FundingHold
	if err := k.loadOne(ctx, contracts.HoldID(agreementHash), &hold); err != nil {
		return nil, err
	}
	var evidence contracts.ToolCallEvidence
	if err := k.loadOne(ctx, contracts.EvidenceRecordID(agreementHash), &evidence); err != nil {
		return nil, err
	}
	res, err = k.engine.Evaluate(ctx, settlement.EvaluationInput{
		Chain:     chain,
		Agreement: agreement,
		Hold:      &hold,
		Evidence:  &evidence,
	})
	if err == nil && res.Inserted {
		k.obs.RecordSettlement(ctx, res.Record.Decision)
		observability.AddSpanEvent(ctx, "settlement.committed",
			observability.SettlementOperation(agreementHash, res.Record.PolicyHash, res.Record.Decision, res.Receipt.GrossCents)...)
	}
	return res, err
}

// OpenDispute opens an arbitration case for the agreement.
func (k *Kernel) OpenDispute(ctx context.Context, p arbitration.OpenParams) (arbCase *contracts.ArbitrationCase, err error) {
	h := p.AgreementHash
	if p.Envelope != nil {
		h = p.Envelope.AgreementHash
	}
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.OpenDispute",
		observability.AttrAgreementHash.String(h))
	defer func() { finish(err) }()

	arbCase, err = k.machine.OpenDispute(ctx, p)
	if err == nil {
		k.obs.RecordDispute(ctx)
		observability.AddSpanEvent(ctx, "dispute.opened",
			observability.DisputeOperation(h, arbCase.CaseID, arbCase.State)...)
	}
	return arbCase, err
}

// BeginReview moves an open case to under_review.
func (k *Kernel) BeginReview(ctx context.Context, agreementHash string) (err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.BeginReview",
		observability.AttrAgreementHash.String(agreementHash))
	defer func() { finish(err) }()
	return k.machine.BeginReview(ctx, agreementHash)
}

// IssueVerdict records the verdict and applies its settlement adjustment,
// closing the case. Safe for re-delivery: a retried call after the case has
// closed echoes the committed adjustment.
func (k *Kernel) IssueVerdict(ctx context.Context, verdict *contracts.ArbitrationVerdict) (adjustment *contracts.SettlementAdjustment, err error) {
	if verdict == nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "verdict is required")
	}
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.IssueVerdict",
		observability.VerdictOperation(verdict.CaseID, verdict.Outcome, verdict.RoutedToPayerCents)...)
	defer func() { finish(err) }()

	if _, err := k.machine.IssueVerdict(ctx, verdict); err != nil {
		if !contracts.HasCode(err, contracts.CodeStateConflict) {
			return nil, err
		}
		// The case may already be past verdict_issued on a retried delivery.
		// Only proceed to echo when the verdict is actually on record.
		if _, gerr := k.ledger.Get(ctx, contracts.VerdictID(verdict.AgreementHash)); gerr != nil {
			return nil, err
		}
	}
	return k.machine.CloseCase(ctx, verdict.AgreementHash)
}

// ReplayEvaluate recomputes the stored decision from its pinned policy.
// Read-only; drift is reported, never written back.
func (k *Kernel) ReplayEvaluate(ctx context.Context, agreementHash string) (report *replay.Report, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.ReplayEvaluate",
		observability.AttrAgreementHash.String(agreementHash))
	defer func() { finish(err) }()
	return k.replayer.Replay(ctx, agreementHash)
}

// ExportClosePack bundles the agreement's full lineage with its pinned
// policy and a self-verification report.
func (k *Kernel) ExportClosePack(ctx context.Context, agreementHash string) (bundle *closepack.Bundle, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.ExportClosePack",
		observability.AttrAgreementHash.String(agreementHash))
	defer func() { finish(err) }()

	bundle, err = k.exporter.Export(ctx, agreementHash)
	if err == nil {
		observability.AddSpanEvent(ctx, "closepack.exported",
			observability.ClosePackOperation(agreementHash, bundle.Manifest.ManifestHash)...)
	}
	return bundle, err
}

// VerifyClosePack re-checks a bundle offline. Strict mode turns a bundle
// missing required artifacts into an error; lenient mode reports it as a
// failed completeness check instead.
func (k *Kernel) VerifyClosePack(ctx context.Context, b *closepack.Bundle, strict bool) (rep *closepack.VerificationReport, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.VerifyClosePack")
	defer func() { finish(err) }()

	report, err := closepack.VerifyBundle(ctx, b, k.keyring)
	if err != nil {
		if strict {
			return nil, err
		}
		return &closepack.VerificationReport{
			SchemaVersion: contracts.SchemaVerificationReport,
			Passed:        false,
			Checks:        []closepack.Check{{Name: "bundle_complete", Passed: false, Detail: err.Error()}},
		}, nil
	}
	for _, c := range report.Checks {
		if !c.Passed {
			observability.AddSpanEvent(ctx, "closepack.check_failed", observability.AttrCheckFailed.String(c.Name))
			break
		}
	}
	return report, nil
}

// RunHoldbackMaintenance performs one scheduler pass over matured holds and
// returns the structured run report.
func (k *Kernel) RunHoldbackMaintenance(ctx context.Context) (report settlement.Report, err error) {
	ctx, finish := k.obs.TrackOperation(ctx, "kernel.RunHoldbackMaintenance")
	defer func() { finish(err) }()

	report, err = k.scheduler.RunOnce(ctx)
	k.obs.RecordRelease(ctx, int64(report.Released))
	return report, err
}

func (k *Kernel) loadAgreement(ctx context.Context, agreementHash string) (*contracts.ToolCallAgreement, error) {
	var agreement contracts.ToolCallAgreement
	if err := k.loadOne(ctx, contracts.AgreementRecordID(agreementHash), &agreement); err != nil {
		return nil, err
	}
	return &agreement, nil
}

func (k *Kernel) loadOne(ctx context.Context, id string, out any) error {
	rec, err := k.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	return store.DecodeInto(rec, out)
}
