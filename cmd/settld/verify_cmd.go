package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/settld-labs/settld-kernel/pkg/closepack"
)

// runVerifyCmd implements `settld verify`: offline verification of a close
// pack bundle from nothing but its own contents.
//
// Exit codes:
//
//	0 = all checks passed
//	2 = verification failed
//	3 = bundle malformed
//	4 = bundle embeds no policy document
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		bundleFile string
		lenient    bool
		jsonOutput bool
	)
	cmd.StringVar(&bundleFile, "bundle", "", "Path to close pack JSON (REQUIRED)")
	cmd.BoolVar(&lenient, "lenient", false, "Report missing artifacts as failed checks instead of aborting")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the verification report as JSON")

	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if bundleFile == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --bundle is required")
		return exitUsage
	}

	data, err := os.ReadFile(bundleFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read bundle: %v\n", err)
		return exitUsage
	}
	bundle, err := closepack.Decode(data)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitMalformed
	}
	if bundle.Policy == nil {
		_, _ = fmt.Fprintln(stderr, "Error: bundle embeds no policy document; replay is impossible")
		return exitPolicyMissing
	}

	report, err := closepack.VerifyBundle(context.Background(), bundle, nil)
	if err != nil {
		if !lenient {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return exitMalformed
		}
		report = &closepack.VerificationReport{
			Passed: false,
			Checks: []closepack.Check{{Name: "bundle_complete", Passed: false, Detail: err.Error()}},
		}
	}

	if jsonOutput {
		out, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(out))
	} else if report.Passed {
		_, _ = fmt.Fprintf(stdout, "Close pack verification PASSED (%d checks)\n", len(report.Checks))
		_, _ = fmt.Fprintf(stdout, "Agreement: %s\n", bundle.Manifest.AgreementHash)
	} else {
		_, _ = fmt.Fprintln(stdout, "Close pack verification FAILED")
		for _, c := range report.Checks {
			if !c.Passed {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Detail)
			}
		}
	}

	if !report.Passed {
		return exitVerifyFailed
	}
	return exitOK
}
