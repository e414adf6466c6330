package schema

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

func validAgreementDoc() map[string]any {
	return map[string]any{
		"schemaVersion": "ToolCallAgreement.v1",
		"toolId":        "tool.echo",
		"manifestHash":  strings.Repeat("a", 64),
		"callId":        "call_001",
		"inputHash":     strings.Repeat("b", 64),
		"settlementTerms": map[string]any{
			"amountCents": 10000,
			"currency":    "USD",
			"holdbackBps": 500,
		},
		"payerAgentId": "agent_payer",
		"payeeAgentId": "agent_payee",
		"createdAt":    "2026-01-02T15:04:05.000Z",
	}
}

func TestValidateAgreementPasses(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Validate(contracts.SchemaToolCallAgreement, validAgreementDoc()))
}

func TestValidateRejectsMissingRequired(t *testing.T) {
	r := NewRegistry()
	doc := validAgreementDoc()
	delete(doc, "callId")
	err := r.Validate(contracts.SchemaToolCallAgreement, doc)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}

func TestValidateRejectsBadHash(t *testing.T) {
	r := NewRegistry()
	doc := validAgreementDoc()
	doc["inputHash"] = "not-a-hash"
	err := r.Validate(contracts.SchemaToolCallAgreement, doc)
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}

func TestValidateRejectsOutOfRangeHoldback(t *testing.T) {
	r := NewRegistry()
	doc := validAgreementDoc()
	doc["settlementTerms"].(map[string]any)["holdbackBps"] = 10001
	err := r.Validate(contracts.SchemaToolCallAgreement, doc)
	require.Error(t, err)
}

func TestValidateUnknownVersionFailsClosed(t *testing.T) {
	r := NewRegistry()
	err := r.Validate("Nonexistent.v9", map[string]any{})
	require.Error(t, err)
	assert.True(t, contracts.HasCode(err, contracts.CodeSchemaInvalid))
}

func TestValidateEnvelopeReasonCodePattern(t *testing.T) {
	r := NewRegistry()
	doc := map[string]any{
		"schemaVersion":   "DisputeOpenEnvelope.v1",
		"envelopeId":      "dopen_tc_" + strings.Repeat("c", 64),
		"caseId":          "arb_case_tc_" + strings.Repeat("c", 64),
		"agreementHash":   strings.Repeat("c", 64),
		"receiptHash":     strings.Repeat("d", 64),
		"holdHash":        strings.Repeat("e", 64),
		"openedByAgentId": "agent_payer",
		"openedAt":        "2026-01-03T00:00:00.000Z",
		"reasonCode":      "TOOL_CALL_DISPUTE",
		"nonce":           "nonce_0123456789abcdef",
		"signerKeyId":     "key_1",
	}
	require.NoError(t, r.Validate(contracts.SchemaDisputeOpenEnvelope, doc))

	doc["reasonCode"] = "lowercase-bad"
	require.Error(t, r.Validate(contracts.SchemaDisputeOpenEnvelope, doc))
}
