package main

import (
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/settld-labs/settld-kernel/pkg/config"
)

// runProfilesCmd implements `settld profiles`: list the marketplace
// settlement profiles configured for this operator.
func runProfilesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("profiles", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var dir string
	cmd.StringVar(&dir, "dir", cfg.ProfilesDir, "Profiles directory (default $PROFILES_DIR)")
	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if dir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --dir is required when $PROFILES_DIR is unset")
		return exitUsage
	}

	profiles, err := config.LoadAllProfiles(dir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	if len(profiles) == 0 {
		_, _ = fmt.Fprintln(stdout, "No settlement profiles configured")
		return exitOK
	}

	codes := make([]string, 0, len(profiles))
	for code := range profiles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		p := profiles[code]
		_, _ = fmt.Fprintf(stdout, "%-12s %-24s %s holdback=%dbps window=%dms override=%t\n",
			p.Code, p.Name, p.Currency,
			p.Terms.DefaultHoldbackBps, p.Terms.DefaultChallengeWindowMs,
			p.Dispute.AllowAdminOverride)
	}
	return exitOK
}
