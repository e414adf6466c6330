// Command settld operates on settlement lineages: exporting close packs,
// verifying them offline, replaying stored decisions, running holdback
// maintenance, and packaging authority grants for transport.
package main

import (
	"fmt"
	"io"
	"os"
)

// Exit codes shared by the subcommands.
const (
	exitOK            = 0
	exitUsage         = 1
	exitVerifyFailed  = 2
	exitMalformed     = 3
	exitPolicyMissing = 4
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches to the subcommands; split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return exitUsage
	}

	switch args[1] {
	case "export":
		return runExportCmd(args[2:], stdout, stderr)
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "maintain":
		return runMaintainCmd(args[2:], stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "profiles":
		return runProfilesCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return exitOK
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return exitUsage
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: settld <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  export     Export an agreement's lineage as a close pack bundle")
	fmt.Fprintln(w, "  verify     Verify a close pack bundle offline")
	fmt.Fprintln(w, "  replay     Recompute a stored settlement decision from its pinned policy")
	fmt.Fprintln(w, "  maintain   Release matured holdbacks, once or on an interval")
	fmt.Fprintln(w, "  token      Encode or decode an authority grant as a signed JWT")
	fmt.Fprintln(w, "  profiles   List configured marketplace settlement profiles")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Exit codes: 0 pass, 1 usage or runtime error, 2 verification failed,")
	fmt.Fprintln(w, "            3 bundle malformed, 4 policy missing")
}
