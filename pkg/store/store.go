// Package store persists artifact records keyed by their derived IDs, with
// an index from agreementHash to the full lineage. The single write primitive
// is insert-if-absent, which is what makes every kernel mutation safe to
// retry. Runtime status (hold lifecycle, case state) changes only through
// compare-and-set transitions.
package store

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// Record kinds. One per artifact type in the lineage.
const (
	KindManifest   = "tool_manifest"
	KindGrant      = "authority_grant"
	KindAgreement  = "tool_call_agreement"
	KindHold       = "funding_hold"
	KindEvidence   = "tool_call_evidence"
	KindDecision   = "settlement_decision_record"
	KindReceipt    = "settlement_receipt"
	KindEnvelope   = "dispute_open_envelope"
	KindCase       = "arbitration_case"
	KindVerdict    = "arbitration_verdict"
	KindAdjustment = "settlement_adjustment"
	KindPolicy     = "policy_document"
)

// Record is the stored form of an artifact: its derived ID, lineage key,
// kind, mutable runtime status, and the full artifact body as canonical JSON.
type Record struct {
	ID            string
	AgreementHash string
	Kind          string
	Status        string
	Body          []byte
	CreatedAt     string
}

// Ledger is the persistence contract shared by all backends.
type Ledger interface {
	// PutIfAbsent inserts the record unless one with the same ID exists.
	// It returns the record now present (the existing one on conflict) and
	// whether this call inserted it.
	PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error)

	// Get fetches a record by derived ID. NOT_FOUND if absent.
	Get(ctx context.Context, id string) (Record, error)

	// Lineage returns every record indexed under an agreement hash, ordered
	// by insertion.
	Lineage(ctx context.Context, agreementHash string) ([]Record, error)

	// FindByKind returns the lineage records of one kind.
	FindByKind(ctx context.Context, agreementHash, kind string) ([]Record, error)

	// ListByKindStatus returns all records of a kind in a given status,
	// across agreements. The holdback scheduler scans with this.
	ListByKindStatus(ctx context.Context, kind, status string) ([]Record, error)

	// Transition moves a record from one status to another, optionally
	// replacing the body. STATE_CONFLICT if the record is not in fromStatus.
	Transition(ctx context.Context, id, fromStatus, toStatus string, body []byte) error

	Close() error
}

// NewRecord canonicalizes an artifact into a Record.
func NewRecord(kind, id, agreementHash, status string, artifact any, createdAt string) (Record, error) {
	body, err := canonical.Marshal(artifact)
	if err != nil {
		return Record{}, err
	}
	return Record{
		ID:            id,
		AgreementHash: agreementHash,
		Kind:          kind,
		Status:        status,
		Body:          body,
		CreatedAt:     createdAt,
	}, nil
}

// DecodeInto unmarshals a record body into the given artifact pointer.
func DecodeInto(rec Record, artifact any) error {
	if err := json.Unmarshal(rec.Body, artifact); err != nil {
		return contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, rec.ID, "stored record body is corrupt: %v", err)
	}
	return nil
}

// StatusBody rewrites a record body so its embedded status field matches the
// transition target. Hold and receipt artifacts carry their lifecycle status
// inline; a transition must update both the status column and the body, or
// an exported copy of the artifact would claim a stale state.
func StatusBody(rec Record, status string) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(rec.Body))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, contracts.ErrorWithArtifact(contracts.CodeSchemaInvalid, rec.ID, "stored record body is corrupt: %v", err)
	}
	body["status"] = status
	return canonical.Marshal(body)
}
