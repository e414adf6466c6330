package artifacts

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC) }
}

func testTerms() contracts.SettlementTerms {
	return contracts.SettlementTerms{
		AmountCents:       10000,
		Currency:          "USD",
		HoldbackBps:       500,
		ChallengeWindowMs: 86_400_000,
		PolicyID:          "policy.echo",
	}
}

func testAgreementParams() AgreementParams {
	return AgreementParams{
		ToolID:       "tool.echo",
		ManifestHash: strings.Repeat("a", 64),
		CallID:       "call_001",
		Input:        map[string]any{"prompt": "hello"},
		SettlementTerms: testTerms(),
		PayerAgentID: "agent_payer",
		PayeeAgentID: "agent_payee",
	}
}

func TestBuildAgreementDeterministicHash(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())

	a1, err := b.BuildAgreement(testAgreementParams())
	require.NoError(t, err)
	a2, err := b.BuildAgreement(testAgreementParams())
	require.NoError(t, err)

	assert.Equal(t, a1.AgreementHash, a2.AgreementHash)
	assert.Equal(t, a1.InputHash, a2.InputHash)
	assert.Equal(t, "2026-01-02T15:04:05.000Z", a1.CreatedAt)
}

func TestBuildAgreementRejectsSameParties(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	p := testAgreementParams()
	p.PayeeAgentID = p.PayerAgentID
	_, err := b.BuildAgreement(p)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}

func TestBuildAgreementRejectsBadTerms(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())

	p := testAgreementParams()
	p.SettlementTerms.AmountCents = 0
	_, err := b.BuildAgreement(p)
	require.Error(t, err)

	p = testAgreementParams()
	p.SettlementTerms.HoldbackBps = 10001
	_, err = b.BuildAgreement(p)
	require.Error(t, err)

	p = testAgreementParams()
	p.SettlementTerms.Currency = "usd"
	_, err = b.BuildAgreement(p)
	require.Error(t, err)
}

func TestBuildAgreementNeverCoerces(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	p := testAgreementParams()
	p.Input = nil
	p.InputHash = "DEADBEEF"
	_, err := b.BuildAgreement(p)
	require.Error(t, err, "uppercase hash must be rejected, not lowered")
}

func TestBuildHoldMirrorsAgreementTerms(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	a, err := b.BuildAgreement(testAgreementParams())
	require.NoError(t, err)

	h, err := b.BuildHold(a)
	require.NoError(t, err)
	assert.Equal(t, a.AgreementHash, h.AgreementHash)
	assert.Equal(t, int64(10000), h.AmountCents)
	assert.Equal(t, 500, h.HoldbackBps)
	assert.Equal(t, contracts.HoldHeld, h.Status)
	assert.NotEmpty(t, h.HoldHash)

	// Status is runtime state and must not affect the hold hash.
	h2, err := b.BuildHold(a)
	require.NoError(t, err)
	assert.Equal(t, h.HoldHash, h2.HoldHash)
}

func TestBuildEvidenceHashesOutput(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	a, err := b.BuildAgreement(testAgreementParams())
	require.NoError(t, err)

	e, err := b.BuildEvidence(EvidenceParams{
		AgreementHash: a.AgreementHash,
		CallID:        a.CallID,
		InputHash:     a.InputHash,
		Output:        map[string]any{"result": "echo: hello"},
		SignerKeyID:   "key_provider",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, e.OutputHash)
	assert.NotEmpty(t, e.EvidenceHash)
	assert.Equal(t, e.CompletedAt, e.CreatedAt)
}

func TestBuildDisputeOpenEnvelopeDerivedIDs(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	agreementHash := strings.Repeat("c", 64)

	e, err := b.BuildDisputeOpenEnvelope(DisputeOpenParams{
		AgreementHash:   agreementHash,
		ReceiptHash:     strings.Repeat("d", 64),
		HoldHash:        strings.Repeat("e", 64),
		OpenedByAgentID: "agent_payer",
		SignerKeyID:     "key_payer",
		Nonce:           "nonce_fixed",
	})
	require.NoError(t, err)
	assert.Equal(t, "dopen_tc_"+agreementHash, e.EnvelopeID)
	assert.Equal(t, "arb_case_tc_"+agreementHash, e.CaseID)
	assert.Equal(t, contracts.DefaultDisputeReasonCode, e.ReasonCode)
	assert.NotEmpty(t, e.EnvelopeHash)
}

func TestBuildDisputeOpenEnvelopeReasonCodeValidation(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	p := DisputeOpenParams{
		AgreementHash:   strings.Repeat("c", 64),
		ReceiptHash:     strings.Repeat("d", 64),
		HoldHash:        strings.Repeat("e", 64),
		OpenedByAgentID: "agent_payer",
		SignerKeyID:     "key_payer",
		ReasonCode:      "bad code!",
	}
	_, err := b.BuildDisputeOpenEnvelope(p)
	require.Error(t, err)

	p.ReasonCode = "output_mismatch"
	e, err := b.BuildDisputeOpenEnvelope(p)
	require.NoError(t, err, "lowercase codes are upcased, not rejected")
	assert.Equal(t, "OUTPUT_MISMATCH", e.ReasonCode)
}

func TestBuildVerdictDerivedID(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	agreementHash := strings.Repeat("c", 64)

	v, err := b.BuildVerdict(VerdictParams{
		CaseID:             contracts.CaseID(agreementHash),
		AgreementHash:      agreementHash,
		Outcome:            contracts.VerdictSplit,
		RoutedToPayerCents: 3000,
		ArbiterAgentID:     "agent_arbiter",
	})
	require.NoError(t, err)
	assert.Equal(t, "vrd_tc_"+agreementHash, v.VerdictID)
	assert.Equal(t, "adj_"+agreementHash+"_"+v.VerdictID, contracts.AdjustmentID(agreementHash, v.VerdictID))
}

func TestBuildVerdictRejectsUnknownOutcome(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	_, err := b.BuildVerdict(VerdictParams{
		CaseID:         "arb_case_tc_x",
		AgreementHash:  strings.Repeat("c", 64),
		Outcome:        "coin_flip",
		ArbiterAgentID: "agent_arbiter",
	})
	require.Error(t, err)
}

func TestBuildAuthorityGrantWindowOrdering(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	_, err := b.BuildAuthorityGrant(AuthorityGrantParams{
		PrincipalAgentID:  "agent_principal",
		GranteeAgentID:    "agent_payer",
		Scope:             []string{"tool.echo"},
		SpendCeilingCents: 50000,
		Currency:          "USD",
		ValidFrom:         "2026-02-01T00:00:00.000Z",
		ValidUntil:        "2026-01-01T00:00:00.000Z",
		SignerKeyID:       "key_principal",
	})
	require.Error(t, err)
}

func TestBuildAuthorityGrantHashExcludesRevocation(t *testing.T) {
	b := NewBuilder().WithClock(fixedClock())
	g, err := b.BuildAuthorityGrant(AuthorityGrantParams{
		PrincipalAgentID:  "agent_principal",
		GranteeAgentID:    "agent_payer",
		Scope:             []string{"tool.echo"},
		SpendCeilingCents: 50000,
		Currency:          "USD",
		ValidFrom:         "2026-01-01T00:00:00.000Z",
		ValidUntil:        "2027-01-01T00:00:00.000Z",
		SignerKeyID:       "key_principal",
	})
	require.NoError(t, err)

	revoked := *g
	revoked.RevokedAt = "2026-06-01T00:00:00.000Z"
	assert.Equal(t, GrantCore(*g), GrantCore(revoked))
}
