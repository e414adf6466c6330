package policy

import (
	"context"
	"encoding/json"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// builtinRules is the source format of the builtin family: a small JSON rule
// set checked in a fixed order so reason codes come out deterministically.
type builtinRules struct {
	RequireOutput      bool   `json:"requireOutput"`
	ExpectedOutputHash string `json:"expectedOutputHash,omitempty"`
	MaxLatencyMs       int64  `json:"maxLatencyMs,omitempty"`
}

type builtinVerifier struct {
	rules builtinRules
}

func newBuiltinVerifier(doc *PolicyDocument) (Verifier, error) {
	var rules builtinRules
	if err := json.Unmarshal([]byte(doc.Source), &rules); err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s builtin source is not valid JSON: %v", doc.PolicyID, err)
	}
	if rules.ExpectedOutputHash != "" && !canonical.IsSHA256Hex(rules.ExpectedOutputHash) {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s expectedOutputHash is not a sha256 hex digest", doc.PolicyID)
	}
	return &builtinVerifier{rules: rules}, nil
}

func (v *builtinVerifier) Evaluate(_ context.Context, agreement *contracts.ToolCallAgreement, evidence *contracts.ToolCallEvidence) (Outcome, error) {
	var failures []string

	if v.rules.RequireOutput && evidence.OutputHash == "" {
		failures = append(failures, "OUTPUT_MISSING")
	}
	if v.rules.ExpectedOutputHash != "" && evidence.OutputHash != v.rules.ExpectedOutputHash {
		failures = append(failures, "OUTPUT_HASH_MISMATCH")
	}
	if v.rules.MaxLatencyMs > 0 {
		started, err := canonical.ParseTime(evidence.StartedAt)
		if err != nil {
			return Outcome{}, contracts.Errorf(contracts.CodeSchemaInvalid, "evidence startedAt: %v", err)
		}
		completed, err := canonical.ParseTime(evidence.CompletedAt)
		if err != nil {
			return Outcome{}, contracts.Errorf(contracts.CodeSchemaInvalid, "evidence completedAt: %v", err)
		}
		if completed.Sub(started).Milliseconds() > v.rules.MaxLatencyMs {
			failures = append(failures, "LATENCY_EXCEEDED")
		}
	}
	// Acceptance criteria on the agreement may pin an output hash too.
	if want, ok := agreement.AcceptanceCriteria["expectedOutputHash"].(string); ok && want != "" {
		if evidence.OutputHash != want {
			failures = append(failures, "OUTPUT_HASH_MISMATCH")
		}
	}

	return passed(len(failures) == 0, dedupe(failures)...), nil
}

func dedupe(codes []string) []string {
	seen := make(map[string]bool, len(codes))
	out := codes[:0]
	for _, c := range codes {
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out
}
