package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/settld-labs/settld-kernel/pkg/closepack"
	"github.com/settld-labs/settld-kernel/pkg/config"
)

// runExportCmd implements `settld export`: package an agreement's lineage,
// self-verify it, and write the bundle.
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		agreementHash string
		dsn           string
		policiesDir   string
		outFile       string
	)
	cmd.StringVar(&agreementHash, "agreement", "", "Agreement hash to export (REQUIRED)")
	cmd.StringVar(&dsn, "db", cfg.DatabaseURL, "Ledger DSN (default $DATABASE_URL)")
	cmd.StringVar(&policiesDir, "policies", cfg.ProfilesDir, "Directory of policy document JSON files")
	cmd.StringVar(&outFile, "out", "", "Output file (default stdout)")

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

	exporter := closepack.NewExporter(ledger, policies, slog.Default())
	bundle, err := exporter.Export(ctx, agreementHash)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: export failed: %v\n", err)
		return exitUsage
	}

	data, err := bundle.Encode()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	if outFile == "" {
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		if err := os.WriteFile(outFile, data, 0o644); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot write bundle: %v\n", err)
			return exitUsage
		}
		_, _ = fmt.Fprintf(stdout, "Close pack written to %s (%d artifacts, manifest %s)\n",
			outFile, len(bundle.Artifacts), bundle.Manifest.ManifestHash)
	}

	// With $S3_BUCKET set the bundle is also archived to object storage.
	if cfg.S3Bucket != "" {
		archiver, err := closepack.NewArchiver(ctx, closepack.ArchiverConfig{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive setup failed: %v\n", err)
			return exitUsage
		}
		key, contentHash, err := archiver.Archive(ctx, bundle)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: archive failed: %v\n", err)
			return exitUsage
		}
		_, _ = fmt.Fprintf(stdout, "Archived to s3://%s/%s (%s)\n", cfg.S3Bucket, key, contentHash)
	}
	return exitOK
}
