package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

func builtinDoc(source string) *PolicyDocument {
	return &PolicyDocument{
		PolicyID:  "policy.echo",
		Version:   "1.0.0",
		Family:    FamilyBuiltin,
		Source:    source,
		CreatedAt: "2026-01-01T00:00:00.000Z",
	}
}

func evalAgreement() *contracts.ToolCallAgreement {
	return &contracts.ToolCallAgreement{
		SchemaVersion: contracts.SchemaToolCallAgreement,
		ToolID:        "tool.echo",
		ManifestHash:  strings.Repeat("a", 64),
		CallID:        "call_001",
		InputHash:     strings.Repeat("b", 64),
		SettlementTerms: contracts.SettlementTerms{
			AmountCents: 10000, Currency: "USD", HoldbackBps: 500,
			ChallengeWindowMs: 86_400_000, PolicyID: "policy.echo",
		},
		PayerAgentID: "agent_payer",
		PayeeAgentID: "agent_payee",
		CreatedAt:    "2026-01-01T00:00:00.000Z",
	}
}

func evalEvidence() *contracts.ToolCallEvidence {
	return &contracts.ToolCallEvidence{
		SchemaVersion: contracts.SchemaToolCallEvidence,
		AgreementHash: strings.Repeat("c", 64),
		CallID:        "call_001",
		InputHash:     strings.Repeat("b", 64),
		OutputHash:    strings.Repeat("d", 64),
		StartedAt:     "2026-01-01T00:00:01.000Z",
		CompletedAt:   "2026-01-01T00:00:02.000Z",
		CreatedAt:     "2026-01-01T00:00:02.000Z",
	}
}

func TestRegisterDerivesStableHash(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	d1, err := r.Register(ctx, builtinDoc(`{"requireOutput": true}`))
	require.NoError(t, err)
	require.NotEmpty(t, d1.PolicyHash)

	r2 := NewRegistry()
	d2, err := r2.Register(ctx, builtinDoc(`{"requireOutput": true}`))
	require.NoError(t, err)
	assert.Equal(t, d1.PolicyHash, d2.PolicyHash)
}

func TestRegisterRejectsBadSemver(t *testing.T) {
	doc := builtinDoc(`{}`)
	doc.Version = "v1"
	_, err := NewRegistry().Register(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}

func TestRegisterRejectsDeclaredHashMismatch(t *testing.T) {
	doc := builtinDoc(`{}`)
	doc.PolicyHash = strings.Repeat("f", 64)
	_, err := NewRegistry().Register(context.Background(), doc)
	require.Error(t, err)
}

func TestLatestPicksHighestSemver(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()

	old := builtinDoc(`{"requireOutput": false}`)
	old.Version = "1.0.0"
	_, err := r.Register(ctx, old)
	require.NoError(t, err)

	newer := builtinDoc(`{"requireOutput": true}`)
	newer.Version = "1.2.0"
	_, err = r.Register(ctx, newer)
	require.NoError(t, err)

	doc, _, err := r.Latest("policy.echo")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", doc.Version)
}

func TestByHashUnknown(t *testing.T) {
	_, _, err := NewRegistry().ByHash(strings.Repeat("0", 64))
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeNotFound))
}

func TestBuiltinVerifierRequireOutput(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, err := r.Register(ctx, builtinDoc(`{"requireOutput": true}`))
	require.NoError(t, err)

	_, verifier, err := r.Latest("policy.echo")
	require.NoError(t, err)

	out, err := verifier.Evaluate(ctx, evalAgreement(), evalEvidence())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApproved, out.Decision)
	assert.Equal(t, []string{contracts.ReasonAcceptancePassed}, out.ReasonCodes)

	e := evalEvidence()
	e.OutputHash = ""
	out, err = verifier.Evaluate(ctx, evalAgreement(), e)
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRejected, out.Decision)
	assert.Equal(t, []string{contracts.ReasonAcceptanceFailed, "OUTPUT_MISSING"}, out.ReasonCodes)
}

func TestBuiltinVerifierLatency(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, err := r.Register(ctx, builtinDoc(`{"maxLatencyMs": 500}`))
	require.NoError(t, err)
	_, verifier, err := r.Latest("policy.echo")
	require.NoError(t, err)

	out, err := verifier.Evaluate(ctx, evalAgreement(), evalEvidence())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRejected, out.Decision)
	assert.Contains(t, out.ReasonCodes, "LATENCY_EXCEEDED")
}

func TestBuiltinVerifierAcceptanceCriteriaHashPin(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	_, err := r.Register(ctx, builtinDoc(`{}`))
	require.NoError(t, err)
	_, verifier, err := r.Latest("policy.echo")
	require.NoError(t, err)

	a := evalAgreement()
	a.AcceptanceCriteria = map[string]any{"expectedOutputHash": strings.Repeat("d", 64)}
	out, err := verifier.Evaluate(ctx, a, evalEvidence())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApproved, out.Decision)

	a.AcceptanceCriteria = map[string]any{"expectedOutputHash": strings.Repeat("9", 64)}
	out, err = verifier.Evaluate(ctx, a, evalEvidence())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRejected, out.Decision)
	assert.Contains(t, out.ReasonCodes, "OUTPUT_HASH_MISMATCH")
}

func TestCELVerifier(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry()
	doc := &PolicyDocument{
		PolicyID:  "policy.cel",
		Version:   "1.0.0",
		Family:    FamilyCEL,
		Source:    `evidence.outputHash != "" && agreement.settlementTerms.amountCents <= 50000.0`,
		CreatedAt: "2026-01-01T00:00:00.000Z",
	}
	_, err := r.Register(ctx, doc)
	require.NoError(t, err)

	_, verifier, err := r.Latest("policy.cel")
	require.NoError(t, err)

	out, err := verifier.Evaluate(ctx, evalAgreement(), evalEvidence())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionApproved, out.Decision)

	a := evalAgreement()
	a.SettlementTerms.AmountCents = 99999
	out, err = verifier.Evaluate(ctx, a, evalEvidence())
	require.NoError(t, err)
	assert.Equal(t, contracts.DecisionRejected, out.Decision)
}

func TestCELVerifierRejectsNonBool(t *testing.T) {
	doc := &PolicyDocument{
		PolicyID:  "policy.cel",
		Version:   "1.0.0",
		Family:    FamilyCEL,
		Source:    `agreement.toolId`,
		CreatedAt: "2026-01-01T00:00:00.000Z",
	}
	_, err := NewRegistry().Register(context.Background(), doc)
	require.Error(t, err)
}

func TestWASMVerifierRejectsGarbage(t *testing.T) {
	doc := &PolicyDocument{
		PolicyID:  "policy.wasm",
		Version:   "1.0.0",
		Family:    FamilyWASM,
		Source:    "bm90IHdhc20=", // "not wasm"
		CreatedAt: "2026-01-01T00:00:00.000Z",
	}
	_, err := NewRegistry().Register(context.Background(), doc)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}
