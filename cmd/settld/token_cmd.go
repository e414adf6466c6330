package main

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/settld-labs/settld-kernel/pkg/authority"
	"github.com/settld-labs/settld-kernel/pkg/config"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// runTokenCmd implements `settld token encode|decode`: authority grants as
// signed JWTs for transport between parties. The token is packaging only;
// the embedded grant is still validated like any other at evaluation time.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: settld token <encode|decode> [flags]")
		return exitUsage
	}
	switch args[0] {
	case "encode":
		return runTokenEncode(args[1:], stdout, stderr)
	case "decode":
		return runTokenDecode(args[1:], stdout, stderr)
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown token subcommand: %s\n", args[0])
		return exitUsage
	}
}

func runTokenEncode(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token encode", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var grantFile, seedHex string
	cmd.StringVar(&grantFile, "grant", "", "Authority grant JSON file (REQUIRED)")
	cmd.StringVar(&seedHex, "seed", "", "Hex-encoded ed25519 seed, 64 chars (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if grantFile == "" || seedHex == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --grant and --seed are required")
		return exitUsage
	}

	raw, err := os.ReadFile(grantFile)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	var grant contracts.AuthorityGrant
	if err := json.Unmarshal(raw, &grant); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: grant file is not valid JSON: %v\n", err)
		return exitUsage
	}
	seed, err := hex.DecodeString(strings.TrimSpace(seedHex))
	if err != nil || len(seed) != ed25519.SeedSize {
		_, _ = fmt.Fprintln(stderr, "Error: --seed must be 64 hex characters")
		return exitUsage
	}

	token, err := authority.NewTokenCodec(cfg.TokenIssuer).Encode(&grant, ed25519.NewKeyFromSeed(seed))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	_, _ = fmt.Fprintln(stdout, token)
	return exitOK
}

func runTokenDecode(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token decode", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var tokenString, pubHex string
	cmd.StringVar(&tokenString, "token", "", "Signed grant token (REQUIRED)")
	cmd.StringVar(&pubHex, "pub", "", "Hex-encoded ed25519 public key, 64 chars (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return exitUsage
	}
	if tokenString == "" || pubHex == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --token and --pub are required")
		return exitUsage
	}

	pub, err := hex.DecodeString(strings.TrimSpace(pubHex))
	if err != nil || len(pub) != ed25519.PublicKeySize {
		_, _ = fmt.Fprintln(stderr, "Error: --pub must be 64 hex characters")
		return exitUsage
	}

	grant, err := authority.NewTokenCodec(cfg.TokenIssuer).Decode(tokenString, ed25519.PublicKey(pub))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitVerifyFailed
	}
	out, err := json.MarshalIndent(grant, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}
	_, _ = fmt.Fprintln(stdout, string(out))
	return exitOK
}
