package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/settld-labs/settld-kernel/pkg/artifacts"
	"github.com/settld-labs/settld-kernel/pkg/authority"
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/schema"
	"github.com/settld-labs/settld-kernel/pkg/settlement"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

func run(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"settld"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRunUsage(t *testing.T) {
	code, _, _ := run(t)
	assert.Equal(t, exitUsage, code)

	code, _, stderr := run(t, "bogus")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "Unknown command")

	code, stdout, _ := run(t, "help")
	assert.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "Exit codes")
}

func TestVerifyFlagAndFileErrors(t *testing.T) {
	code, _, stderr := run(t, "verify")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "--bundle is required")

	code, _, _ = run(t, "verify", "--bundle", filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, exitUsage, code)
}

func TestVerifyMalformedBundle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	code, _, _ := run(t, "verify", "--bundle", path)
	assert.Equal(t, exitMalformed, code)
}

func TestVerifyPolicyMissing(t *testing.T) {
	bundle := map[string]any{
		"schemaVersion": "ClosePack.v1",
		"manifest": map[string]any{
			"schemaVersion": "ClosePackManifest.v1",
			"agreementHash": "abc",
		},
		"artifacts": map[string]any{},
	}
	data, err := json.Marshal(bundle)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	code, _, stderr := run(t, "verify", "--bundle", path)
	assert.Equal(t, exitPolicyMissing, code)
	assert.Contains(t, stderr, "no policy document")
}

// settleIntoSQLite builds one settled lineage in a SQLite ledger file and
// returns the agreement hash and a policies directory the CLI can load.
func settleIntoSQLite(t *testing.T, dbPath string) (string, string) {
	t.Helper()
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 15, 4, 5, 0, time.UTC)
	clock := func() time.Time { return now }

	doc := &policy.PolicyDocument{
		PolicyID:  "policy.echo",
		Version:   "1.0.0",
		Family:    policy.FamilyBuiltin,
		Source:    `{"requireOutput": true}`,
		CreatedAt: "2026-01-01T00:00:00.000Z",
	}
	policies := policy.NewRegistry()
	registered, err := policies.Register(ctx, doc)
	require.NoError(t, err)

	policiesDir := t.TempDir()
	docJSON, err := json.Marshal(registered)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(policiesDir, "policy_echo.json"), docJSON, 0o644))

	ledger, err := store.OpenSQLite(dbPath)
	require.NoError(t, err)
	defer func() { require.NoError(t, ledger.Close()) }()

	builder := artifacts.NewBuilder().WithClock(clock)
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

	h := agreement.AgreementHash
	seed := func(kind, id, status string, artifact any, createdAt string) {
		rec, err := store.NewRecord(kind, id, h, status, artifact, createdAt)
		require.NoError(t, err)
		_, _, err = ledger.PutIfAbsent(ctx, rec)
		require.NoError(t, err)
	}
	seed(store.KindAgreement, contracts.AgreementRecordID(h), "", agreement, agreement.CreatedAt)
	seed(store.KindHold, contracts.HoldID(h), hold.Status, hold, hold.CreatedAt)
	seed(store.KindEvidence, contracts.EvidenceRecordID(h), "", evidence, evidence.CreatedAt)

	engine := settlement.NewEngine(ledger, schema.NewRegistry(), policies,
		authority.NewValidator().WithClock(clock), slog.Default()).WithClock(clock)
	_, err = engine.Evaluate(ctx, settlement.EvaluationInput{
		Chain: []*contracts.AuthorityGrant{grant}, Agreement: agreement, Hold: hold, Evidence: evidence,
	})
	require.NoError(t, err)

	return h, policiesDir
}

func TestExportVerifyReplayPipeline(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	h, policiesDir := settleIntoSQLite(t, dbPath)
	bundlePath := filepath.Join(t.TempDir(), "bundle.json")

	code, stdout, stderr := run(t, "export",
		"--agreement", h, "--db", dbPath, "--policies", policiesDir, "--out", bundlePath)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Close pack written")

	code, stdout, stderr = run(t, "verify", "--bundle", bundlePath)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "PASSED")

	code, stdout, stderr = run(t, "replay",
		"--agreement", h, "--db", dbPath, "--policies", policiesDir)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "Replay MATCH")
}

func TestMaintainReleasesMaturedHolds(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	settleIntoSQLite(t, dbPath)

	// The lineage settled in early 2026; its challenge window has long since
	// closed against the wall clock, so a pass releases the holdback.
	code, stdout, stderr := run(t, "maintain", "--db", dbPath)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)

	var report settlement.Report
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Released)

	// A second pass finds nothing held.
	code, stdout, _ = run(t, "maintain", "--db", dbPath)
	require.Equal(t, exitOK, code)
	require.NoError(t, json.Unmarshal([]byte(stdout), &report))
	assert.Zero(t, report.Scanned)
}

func TestMaintainRejectsBadInterval(t *testing.T) {
	code, _, stderr := run(t, "maintain", "--interval-ms", "-5")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "must be positive")
}

func TestTokenEncodeDecodeRoundTrip(t *testing.T) {
	seedHex := strings.Repeat("ab", 32)
	seed, err := hex.DecodeString(seedHex)
	require.NoError(t, err)
	priv := ed25519.NewKeyFromSeed(seed)
	pubHex := hex.EncodeToString(priv.Public().(ed25519.PublicKey))

	grant := contracts.AuthorityGrant{
		GrantID:           "grant_cli_test",
		PrincipalAgentID:  "agent_org",
		GranteeAgentID:    "agent_payer",
		Scope:             []string{"*"},
		SpendCeilingCents: 50000,
		Currency:          "USD",
		ValidFrom:         "2026-01-01T00:00:00.000Z",
		ValidUntil:        "2099-01-01T00:00:00.000Z",
		SignerKeyID:       "key_org",
		CreatedAt:         "2026-01-01T00:00:00.000Z",
	}
	raw, err := json.Marshal(grant)
	require.NoError(t, err)
	grantPath := filepath.Join(t.TempDir(), "grant.json")
	require.NoError(t, os.WriteFile(grantPath, raw, 0o644))

	code, stdout, stderr := run(t, "token", "encode", "--grant", grantPath, "--seed", seedHex)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	token := strings.TrimSpace(stdout)
	require.NotEmpty(t, token)

	code, stdout, stderr = run(t, "token", "decode", "--token", token, "--pub", pubHex)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "agent_payer")
	assert.Contains(t, stdout, "grant_cli_test")

	// A token signed with a different key is refused.
	otherPub := hex.EncodeToString(make([]byte, ed25519.PublicKeySize))
	code, _, _ = run(t, "token", "decode", "--token", token, "--pub", otherPub)
	assert.Equal(t, exitVerifyFailed, code)
}

func TestProfilesCommand(t *testing.T) {
	dir := t.TempDir()
	profileYAML := `name: Standard Marketplace
code: std
currency: USD
terms:
  default_holdback_bps: 500
  default_challenge_window_ms: 86400000
  max_amount_cents: 1000000
dispute:
  allow_admin_override: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_std.yaml"), []byte(profileYAML), 0o644))

	code, stdout, stderr := run(t, "profiles", "--dir", dir)
	require.Equal(t, exitOK, code, "stderr: %s", stderr)
	assert.Contains(t, stdout, "std")
	assert.Contains(t, stdout, "holdback=500bps")
	assert.Contains(t, stdout, "override=true")

	code, stdout, _ = run(t, "profiles", "--dir", t.TempDir())
	require.Equal(t, exitOK, code)
	assert.Contains(t, stdout, "No settlement profiles configured")

	t.Setenv("PROFILES_DIR", "")
	code, _, stderr = run(t, "profiles")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "--dir is required")
}

func TestReplayPolicyMissing(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "ledger.db")
	h, _ := settleIntoSQLite(t, dbPath)

	// Empty policies directory: the pinned policy cannot be resolved.
	code, _, stderr := run(t, "replay", "--agreement", h, "--db", dbPath, "--policies", t.TempDir())
	assert.Equal(t, exitPolicyMissing, code)
	assert.Contains(t, stderr, "replay failed")
}
