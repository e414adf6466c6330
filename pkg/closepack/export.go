package closepack

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
	"github.com/settld-labs/settld-kernel/pkg/policy"
	"github.com/settld-labs/settld-kernel/pkg/signature"
	"github.com/settld-labs/settld-kernel/pkg/store"
)

// Exporter assembles close packs from the ledger. If a signing key is
// configured, the embedded verification report is signed over its core.
type Exporter struct {
	ledger      store.Ledger
	policies    *policy.Registry
	clock       func() time.Time
	signerKeyID string
	signer      ed25519.PrivateKey
	log         *slog.Logger
}

func NewExporter(ledger store.Ledger, policies *policy.Registry, log *slog.Logger) *Exporter {
	if log == nil {
		log = slog.Default()
	}
	return &Exporter{ledger: ledger, policies: policies, clock: time.Now, log: log}
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// WithSigner configures report signing.
func (e *Exporter) WithSigner(keyID string, priv ed25519.PrivateKey) *Exporter {
	e.signerKeyID = keyID
	e.signer = priv
	return e
}

// Export packages the agreement's lineage. The exported bundle embeds the
// pinned policy document and a self-verification report: an exporter that
// cannot verify its own bundle refuses to emit it.
func (e *Exporter) Export(ctx context.Context, agreementHash string) (*Bundle, error) {
	lineage, err := e.ledger.Lineage(ctx, agreementHash)
	if err != nil {
		return nil, err
	}
	if len(lineage) == 0 {
		return nil, contracts.ErrorWithArtifact(contracts.CodeNotFound, agreementHash, "no lineage to export")
	}

	bundle := &Bundle{
		SchemaVersion: SchemaClosePack,
		Artifacts:     make(map[string]json.RawMessage, len(lineage)),
		Manifest: Manifest{
			SchemaVersion: SchemaClosePackManifest,
			AgreementHash: agreementHash,
			ExportedAt:    canonical.FormatTime(e.clock()),
		},
	}

	var policyHash string
	for _, rec := range lineage {
		bundle.Artifacts[rec.ID] = json.RawMessage(rec.Body)
		bundle.Manifest.Entries = append(bundle.Manifest.Entries, Entry{
			ID:   rec.ID,
			Kind: rec.Kind,
			Hash: canonical.HashBytes(rec.Body),
		})
		if rec.Kind == store.KindDecision {
			var record contracts.SettlementDecisionRecord
			if err := store.DecodeInto(rec, &record); err != nil {
				return nil, err
			}
			policyHash = record.PolicyHash
		}
	}
	sortEntries(bundle.Manifest.Entries)

	if policyHash != "" {
		doc, _, err := e.policies.ByHash(policyHash)
		if err != nil {
			return nil, err
		}
		bundle.Policy = doc
	}

	manifestHash, err := canonical.ContentHash(bundle.Manifest.Core())
	if err != nil {
		return nil, err
	}
	bundle.Manifest.ManifestHash = manifestHash

	report, err := VerifyBundle(ctx, bundle, nil)
	if err != nil {
		return nil, err
	}
	if !report.Passed {
		for _, c := range report.Checks {
			if !c.Passed {
				e.log.Error("close pack self-verification failed", "check", c.Name, "detail", c.Detail)
			}
		}
		return nil, contracts.ErrorWithArtifact(contracts.CodeStateConflict, agreementHash,
			"lineage does not verify; refusing to export")
	}
	report.VerifiedAt = canonical.FormatTime(e.clock())

	if e.signer != nil {
		report.SignerKeyID = e.signerKeyID
		sig, err := signature.SignCore(e.signer, report.Core())
		if err != nil {
			return nil, err
		}
		report.Signature = sig
	}
	bundle.Verification = report

	e.log.Info("close pack exported",
		"agreementHash", agreementHash,
		"artifacts", len(bundle.Artifacts),
		"manifestHash", manifestHash)
	return bundle, nil
}
