package closepack

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/arbitration"
	"github.com/settld-labs/settld-kernel/pkg/artifacts"
	"github.com/settld-labs/settld-kernel/pkg/authority"
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/schema"
	"github.com/settld-labs/settld-kernel/pkg/settlement"
	"github.com/settld-labs/settld-kernel/pkg/signature"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

var now = time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)

func clock() func() time.Time { return func() time.Time { return now } }

type world struct {
	ledger    *store.MemoryLedger
	policies  *policy.Registry
	keyring   *signature.Keyring
	builder   *artifacts.Builder
	machine   *arbitration.Machine
	agreement *contracts.ToolCallAgreement
	hold      *contracts.FundingHold
	receipt   *contracts.SettlementReceipt
	payerKey  ed25519.PrivateKey
}

// settleWorld builds and settles one agreement end to end in memory.
func settleWorld(t *testing.T) *world {
	t.Helper()
	ctx := context.Background()

	ledger := store.NewMemoryLedger()
	policies := policy.NewRegistry()
	_, err := policies.Register(ctx, &policy.PolicyDocument{
		PolicyID:  "policy.echo",
		Version:   "1.0.0",
		Family:    policy.FamilyBuiltin,
		Source:    `{"requireOutput": true}`,
		CreatedAt: "2026-01-01T00:00:00.000Z",
	})
	require.NoError(t, err)

	keyring := signature.NewKeyring()
	payerPub, payerKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keyring.Add("key_payer", payerPub)

	builder := artifacts.NewBuilder().WithClock(clock())
	agreement, err := builder.BuildAgreement(artifacts.AgreementParams{
		ToolID:       "tool.echo",
		ManifestHash: canonical.HashBytes([]byte("manifest")),
		CallID:       "call_001",
		Input:        map[string]any{"prompt": "hello"},
		SettlementTerms: contracts.SettlementTerms{
			AmountCents:       10000,
			Currency:          "USD",
			HoldbackBps:       500,
			ChallengeWindowMs: 86_400_000,
			PolicyID:          "policy.echo",
		},
		PayerAgentID: "agent_payer",
		PayeeAgentID: "agent_payee",
	})
	require.NoError(t, err)
	hold, err := builder.BuildHold(agreement)
	require.NoError(t, err)
	evidence, err := builder.BuildEvidence(artifacts.EvidenceParams{
		AgreementHash: agreement.AgreementHash,
		CallID:        agreement.CallID,
		InputHash:     agreement.InputHash,
		Output:        map[string]any{"result": "echo: hello"},
	})
	require.NoError(t, err)
	grant, err := builder.BuildAuthorityGrant(artifacts.AuthorityGrantParams{
		PrincipalAgentID:  "agent_org",
		GranteeAgentID:    "agent_payer",
		Scope:             []string{"*"},
		SpendCeilingCents: 50000,
		Currency:          "USD",
		ValidFrom:         "2026-01-01T00:00:00.000Z",
		ValidUntil:        "2027-01-01T00:00:00.000Z",
		SignerKeyID:       "key_org",
	})
	require.NoError(t, err)

	seed := func(kind, id, status string, artifact any, createdAt string) {
		rec, err := store.NewRecord(kind, id, agreement.AgreementHash, status, artifact, createdAt)
		require.NoError(t, err)
		_, _, err = ledger.PutIfAbsent(ctx, rec)
		require.NoError(t, err)
	}
	seed(store.KindAgreement, "agr_tc_"+agreement.AgreementHash, "", agreement, agreement.CreatedAt)
	seed(store.KindHold, contracts.HoldID(agreement.AgreementHash), hold.Status, hold, hold.CreatedAt)
	seed(store.KindEvidence, "evd_tc_"+agreement.AgreementHash, "", evidence, evidence.CreatedAt)

	schemas := schema.NewRegistry()
	auth := authority.NewValidator().WithClock(clock())
	engine := settlement.NewEngine(ledger, schemas, policies, auth, slog.Default()).WithClock(clock())
	res, err := engine.Evaluate(ctx, settlement.EvaluationInput{
		Chain: []*contracts.AuthorityGrant{grant}, Agreement: agreement, Hold: hold, Evidence: evidence,
	})
	require.NoError(t, err)

	machine := arbitration.NewMachine(ledger, schemas, keyring, slog.Default()).WithClock(clock())
	return &world{
		ledger:    ledger,
		policies:  policies,
		keyring:   keyring,
		builder:   builder,
		machine:   machine,
		agreement: agreement,
		hold:      hold,
		receipt:   res.Receipt,
		payerKey:  payerKey,
	}
}

func (w *world) openDispute(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h := w.agreement.AgreementHash

	env, err := w.builder.BuildDisputeOpenEnvelope(artifacts.DisputeOpenParams{
		AgreementHash:   h,
		ReceiptHash:     w.receipt.ReceiptHash,
		HoldHash:        w.hold.HoldHash,
		OpenedByAgentID: "agent_payer",
		ReasonCode:      "OUTPUT_MISMATCH",
		Nonce:           "nonce_fixed",
		OpenedAt:        canonical.FormatTime(now.Add(time.Hour)),
		SignerKeyID:     "key_payer",
	})
	require.NoError(t, err)
	sig, err := signature.SignCore(w.payerKey, artifacts.EnvelopeCore(*env))
	require.NoError(t, err)
	env.Signature = sig

	_, err = w.machine.OpenDispute(ctx, arbitration.OpenParams{Envelope: env, ArbiterAgentID: "agent_arbiter"})
	require.NoError(t, err)
}

func (w *world) dispute(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	h := w.agreement.AgreementHash

	w.openDispute(t)

	verdict, err := w.builder.BuildVerdict(artifacts.VerdictParams{
		CaseID:             contracts.CaseID(h),
		AgreementHash:      h,
		Outcome:            contracts.VerdictSplit,
		RoutedToPayerCents: 3000,
		ArbiterAgentID:     "agent_arbiter",
	})
	require.NoError(t, err)
	_, err = w.machine.IssueVerdict(ctx, verdict)
	require.NoError(t, err)
	_, err = w.machine.CloseCase(ctx, h)
	require.NoError(t, err)
}

func TestExportVerifyRoundTrip(t *testing.T) {
	w := settleWorld(t)
	ctx := context.Background()

	exporterPub, exporterKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	w.keyring.Add("key_exporter", exporterPub)

	exporter := NewExporter(w.ledger, w.policies, slog.Default()).
		WithClock(clock()).
		WithSigner("key_exporter", exporterKey)
	bundle, err := exporter.Export(ctx, w.agreement.AgreementHash)
	require.NoError(t, err)
	require.NotNil(t, bundle.Verification)
	assert.True(t, bundle.Verification.Passed)
	assert.Equal(t, bundle.Manifest.ManifestHash, bundle.Verification.Subject.ManifestHash)

	// Wire round trip, then strict offline verification.
	data, err := bundle.Encode()
	require.NoError(t, err)
	decoded, err := Decode(data)
	require.NoError(t, err)

	report, err := VerifyBundle(ctx, decoded, w.keyring)
	require.NoError(t, err)
	assert.True(t, report.Passed, "checks: %+v", report.Checks)

	require.NoError(t, CheckReportSignature(decoded, w.keyring))
}

func TestExportVerifyDisputePath(t *testing.T) {
	w := settleWorld(t)
	w.dispute(t)
	ctx := context.Background()

	exporter := NewExporter(w.ledger, w.policies, slog.Default()).WithClock(clock())
	bundle, err := exporter.Export(ctx, w.agreement.AgreementHash)
	require.NoError(t, err)

	report, err := VerifyBundle(ctx, bundle, w.keyring)
	require.NoError(t, err)
	assert.True(t, report.Passed, "checks: %+v", report.Checks)

	// The adjustment inside the bundle routes the verdict's amount back.
	var adjustment contracts.SettlementAdjustment
	adjID := contracts.AdjustmentID(w.agreement.AgreementHash, contracts.VerdictID(w.agreement.AgreementHash))
	require.NoError(t, decodeArtifact(bundle, adjID, &adjustment))
	assert.Equal(t, int64(-3000), adjustment.DeltaCents)
}

func TestVerifyDetectsTamperedArtifact(t *testing.T) {
	w := settleWorld(t)
	ctx := context.Background()

	bundle, err := NewExporter(w.ledger, w.policies, slog.Default()).WithClock(clock()).
		Export(ctx, w.agreement.AgreementHash)
	require.NoError(t, err)

	// Rewrite the stored receipt with an inflated net.
	id := contracts.ReceiptID(w.agreement.AgreementHash)
	var receipt contracts.SettlementReceipt
	require.NoError(t, decodeArtifact(bundle, id, &receipt))
	receipt.NetCents += 100
	raw, err := canonical.Marshal(receipt)
	require.NoError(t, err)
	bundle.Artifacts[id] = raw

	report, err := VerifyBundle(ctx, bundle, w.keyring)
	require.NoError(t, err)
	assert.False(t, report.Passed)

	failed := map[string]bool{}
	for _, c := range report.Checks {
		if !c.Passed {
			failed[c.Name] = true
		}
	}
	assert.True(t, failed["artifact_hashes"])
}

func TestVerifyFlagsReleasedHoldDuringActiveCase(t *testing.T) {
	w := settleWorld(t)
	w.openDispute(t)
	ctx := context.Background()
	h := w.agreement.AgreementHash

	bundle, err := NewExporter(w.ledger, w.policies, slog.Default()).WithClock(clock()).
		Export(ctx, h)
	require.NoError(t, err)

	// The exported hold carries the frozen state inline.
	var hold contracts.FundingHold
	require.NoError(t, decodeArtifact(bundle, contracts.HoldID(h), &hold))
	assert.Equal(t, contracts.HoldDisputed, hold.Status)

	// A bundle claiming the holdback left while the case was still active
	// fails the release block.
	hold.Status = contracts.HoldReleased
	raw, err := canonical.Marshal(hold)
	require.NoError(t, err)
	bundle.Artifacts[contracts.HoldID(h)] = raw

	report, err := VerifyBundle(ctx, bundle, w.keyring)
	require.NoError(t, err)
	assert.False(t, report.Passed)

	failed := map[string]bool{}
	for _, c := range report.Checks {
		if !c.Passed {
			failed[c.Name] = true
		}
	}
	assert.True(t, failed["holdback_block"])
	assert.True(t, failed["artifact_hashes"])
}

func TestVerifyRequiresEmbeddedPolicy(t *testing.T) {
	w := settleWorld(t)
	ctx := context.Background()

	bundle, err := NewExporter(w.ledger, w.policies, slog.Default()).WithClock(clock()).
		Export(ctx, w.agreement.AgreementHash)
	require.NoError(t, err)

	bundle.Policy = nil
	report, err := VerifyBundle(ctx, bundle, nil)
	require.NoError(t, err)
	assert.False(t, report.Passed)
}

func TestDecodeRejectsMalformedBundles(t *testing.T) {
	_, err := Decode([]byte("not json"))
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))

	_, err = Decode([]byte(`{"schemaVersion": "SomethingElse.v1"}`))
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}

// decodeArtifact is a test-side accessor for bundle contents.
func decodeArtifact(b *Bundle, id string, out any) error {
	return b.artifact(id, out)
}
