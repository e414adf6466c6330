package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"

	"github.com/settld-labs/settld-kernel/pkg/config"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/replay"
)

// runReplayCmd implements `settld replay`: recompute a stored decision from
// the agreement, evidence, and pinned policy, and report drift. Read-only.
//
// Exit codes:
//
//	0 = MATCH
//	2 = MISMATCH
//	4 = pinned policy not registered
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		agreementHash string
		dsn           string
		policiesDir   string
		jsonOutput    bool
	)
	cmd.StringVar(&agreementHash, "agreement", "", "Agreement hash to replay (REQUIRED)")
	cmd.StringVar(&dsn, "db", cfg.DatabaseURL, "Ledger DSN (default $DATABASE_URL)")
	cmd.StringVar(&policiesDir, "policies", cfg.ProfilesDir, "Directory of policy document JSON files")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the replay report as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if agreementHash == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --agreement is required")
		return exitUsage
	}

	ctx := context.Background()
	ledger, err := openLedger(dsn)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	defer func() { _ = ledger.Close() }()

	policies, err := loadPolicies(ctx, policiesDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	verifier := replay.NewVerifier(ledger, policies, slog.Default())
	report, err := verifier.Replay(ctx, agreementHash)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: replay failed: %v\n", err)
		if contracts.HasCode(err, contracts.CodeNotFound) {
			return exitPolicyMissing
		}
		return exitUsage
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if report.Match {
		_, _ = fmt.Fprintf(stdout, "Replay MATCH for %s (decision %s)\n", agreementHash, report.StoredDecision)
	} else {
		_, _ = fmt.Fprintf(stdout, "Replay MISMATCH for %s\n", agreementHash)
		for _, f := range report.Findings {
			_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", f.Code, f.Detail)
		}
	}

	if !report.Match {
		return exitVerifyFailed
	}
	return exitOK
}
