package policy

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// wasmVerifier runs a policy compiled to a WASI module. The module reads
// {"agreement":..., "evidence":...} as canonical JSON on stdin and writes
// {"passed": bool, "reasonCodes": [...]} on stdout. The sandbox is
// deny-by-default: no filesystem, no network, no clock, no randomness, so a
// well-formed module has nothing non-deterministic to reach for.
type wasmVerifier struct {
	policyID string
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

type wasmVerdict struct {
	Passed      bool     `json:"passed"`
	ReasonCodes []string `json:"reasonCodes"`
}

func newWASMVerifier(ctx context.Context, doc *PolicyDocument) (Verifier, error) {
	wasmBytes, err := base64.StdEncoding.DecodeString(doc.Source)
	if err != nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s wasm source is not valid base64: %v", doc.PolicyID, err)
	}
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)
	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s wasm compilation failed: %v", doc.PolicyID, err)
	}
	return &wasmVerifier{policyID: doc.PolicyID, runtime: r, compiled: compiled}, nil
}

func (v *wasmVerifier) Evaluate(ctx context.Context, agreement *contracts.ToolCallAgreement, evidence *contracts.ToolCallEvidence) (Outcome, error) {
	input, err := canonical.Marshal(map[string]any{
		"agreement": agreement,
		"evidence":  evidence,
	})
	if err != nil {
		return Outcome{}, err
	}

	var stdout, stderr bytes.Buffer
	cfg := wazero.NewModuleConfig().
		WithName(""). // anonymous: allows concurrent instantiation
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := v.runtime.InstantiateModule(ctx, v.compiled, cfg)
	if err != nil {
		return Outcome{}, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s wasm execution failed: %v (stderr: %s)", v.policyID, err, stderr.String())
	}
	_ = mod.Close(ctx)

	var verdict wasmVerdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return Outcome{}, contracts.Errorf(contracts.CodeSchemaInvalid, "policy %s wasm output is not a verdict: %v", v.policyID, err)
	}
	return passed(verdict.Passed, verdict.ReasonCodes...), nil
}

// Close frees the compiled module and runtime.
func (v *wasmVerifier) Close(ctx context.Context) error {
	return v.runtime.Close(ctx)
}
