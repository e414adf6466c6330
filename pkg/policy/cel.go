package policy

import (
	"context"
	"encoding/json"

	"github.com/google/cel-go/cel"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// celVerifier evaluates a CEL expression over the agreement and evidence,
// both exposed as maps of their canonical wire form. The expression must
// yield a bool. Compilation happens once at registration; evaluation is pure.
type celVerifier struct {
	policyID string
	program  cel.Program
}

func newCELVerifier(doc *PolicyDocument) (Verifier, error) {
	env, err := cel.NewEnv(
		cel.Variable("agreement", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("evidence", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "cel environment: %v", err)
	}
	ast, issues := env.Compile(doc.Source)
	if issues != nil && issues.Err() != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s cel expression rejected: %v", doc.PolicyID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s cel expression must yield bool, got %s", doc.PolicyID, ast.OutputType())
	}
	program, err := env.Program(ast)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s cel program: %v", doc.PolicyID, err)
	}
	return &celVerifier{policyID: doc.PolicyID, program: program}, nil
}

func (v *celVerifier) Evaluate(_ context.Context, agreement *contracts.ToolCallAgreement, evidence *contracts.ToolCallEvidence) (Outcome, error) {
	agreementMap, err := toMap(agreement)
	if err != nil {
		return Outcome{}, err
	}
	evidenceMap, err := toMap(evidence)
	if err != nil {
		return Outcome{}, err
	}
	val, _, err := v.program.Eval(map[string]any{
		"agreement": agreementMap,
		"evidence":  evidenceMap,
	})
	if err != nil {
		return Outcome{}, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s cel evaluation failed: %v", v.policyID, err)
	}
	ok, isBool := val.Value().(bool)
	if !isBool {
		return Outcome{}, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s cel expression yielded non-bool", v.policyID)
	}
	return passed(ok), nil
}

// toMap round-trips an artifact through its canonical bytes so CEL sees the
// exact wire field names and values that were hashed.
func toMap(artifact any) (map[string]any, error) {
	raw, err := canonical.Marshal(artifact)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "artifact is not a JSON object: %v", err)
	}
	return m, nil
}
