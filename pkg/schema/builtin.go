package schema

import "github.com/settld-labs/settld-kernel/pkg/contracts"

const sha256Pattern = `^[0-9a-f]{64}$`

// builtinSchemas covers the artifacts that cross the kernel boundary from
// untrusted callers. Internally produced artifacts (decision records,
// receipts, adjustments) are constructed by builders and do not pass
// through here.
var builtinSchemas = map[string]string{
	contracts.SchemaToolCallAgreement: `{
		"type": "object",
		"required": ["schemaVersion", "toolId", "manifestHash", "callId", "inputHash", "settlementTerms", "payerAgentId", "payeeAgentId", "createdAt"],
		"properties": {
			"schemaVersion": {"const": "ToolCallAgreement.v1"},
			"toolId": {"type": "string", "minLength": 1},
			"manifestHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"callId": {"type": "string", "minLength": 1},
			"inputHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"acceptanceCriteria": {"type": "object"},
			"settlementTerms": {
				"type": "object",
				"required": ["amountCents", "currency"],
				"properties": {
					"amountCents": {"type": "integer", "minimum": 1},
					"currency": {"type": "string", "minLength": 3, "maxLength": 3},
					"holdbackBps": {"type": "integer", "minimum": 0, "maximum": 10000},
					"challengeWindowMs": {"type": "integer", "minimum": 0},
					"policyId": {"type": "string"}
				}
			},
			"payerAgentId": {"type": "string", "minLength": 1},
			"payeeAgentId": {"type": "string", "minLength": 1},
			"createdAt": {"type": "string", "minLength": 1}
		}
	}`,

	contracts.SchemaToolCallEvidence: `{
		"type": "object",
		"required": ["schemaVersion", "agreementHash", "callId", "inputHash", "outputHash", "startedAt", "completedAt", "createdAt"],
		"properties": {
			"schemaVersion": {"const": "ToolCallEvidence.v1"},
			"agreementHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"callId": {"type": "string", "minLength": 1},
			"inputHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"outputHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"outputRef": {"type": "string"},
			"metrics": {"type": "object"},
			"startedAt": {"type": "string", "minLength": 1},
			"completedAt": {"type": "string", "minLength": 1},
			"createdAt": {"type": "string", "minLength": 1},
			"signerKeyId": {"type": "string"}
		}
	}`,

	contracts.SchemaFundingHold: `{
		"type": "object",
		"required": ["schemaVersion", "agreementHash", "payerAgentId", "payeeAgentId", "amountCents", "currency", "createdAt"],
		"properties": {
			"schemaVersion": {"const": "FundingHold.v1"},
			"agreementHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"payerAgentId": {"type": "string", "minLength": 1},
			"payeeAgentId": {"type": "string", "minLength": 1},
			"amountCents": {"type": "integer", "minimum": 1},
			"currency": {"type": "string", "minLength": 3, "maxLength": 3},
			"holdbackBps": {"type": "integer", "minimum": 0, "maximum": 10000},
			"challengeWindowMs": {"type": "integer", "minimum": 0},
			"createdAt": {"type": "string", "minLength": 1}
		}
	}`,

	contracts.SchemaDisputeOpenEnvelope: `{
		"type": "object",
		"required": ["schemaVersion", "envelopeId", "caseId", "agreementHash", "receiptHash", "holdHash", "openedByAgentId", "openedAt", "reasonCode", "nonce", "signerKeyId"],
		"properties": {
			"schemaVersion": {"const": "DisputeOpenEnvelope.v1"},
			"envelopeId": {"type": "string", "minLength": 1},
			"caseId": {"type": "string", "minLength": 1},
			"agreementHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"receiptHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"holdHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"openedByAgentId": {"type": "string", "minLength": 1},
			"openedAt": {"type": "string", "minLength": 1},
			"reasonCode": {"type": "string", "pattern": "^[A-Z0-9_]{2,64}$"},
			"nonce": {"type": "string", "minLength": 1},
			"signerKeyId": {"type": "string", "minLength": 1}
		}
	}`,

	contracts.SchemaArbitrationVerdict: `{
		"type": "object",
		"required": ["schemaVersion", "caseId", "agreementHash", "outcome", "routedToPayerCents", "arbiterAgentId", "issuedAt"],
		"properties": {
			"schemaVersion": {"const": "ArbitrationVerdict.v1"},
			"caseId": {"type": "string", "minLength": 1},
			"agreementHash": {"type": "string", "pattern": "` + sha256Pattern + `"},
			"outcome": {"enum": ["payee_favored", "payer_favored", "split"]},
			"routedToPayerCents": {"type": "integer", "minimum": 0},
			"rationale": {"type": "string"},
			"arbiterAgentId": {"type": "string", "minLength": 1},
			"issuedAt": {"type": "string", "minLength": 1}
		}
	}`,
}
