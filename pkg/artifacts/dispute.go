package artifacts

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// DisputeOpenParams proves the opener has standing to contest a settlement.
type DisputeOpenParams struct {
	AgreementHash   string
	ReceiptHash     string
	HoldHash        string
	OpenedByAgentID string
	TenantID        string
	ReasonCode      string
	Nonce           string
	OpenedAt        string
	SignerKeyID     string
	Signature       string
}

// BuildDisputeOpenEnvelope validates params and returns the signed dispute
// envelope. The envelope and case IDs are pure functions of the agreement
// hash, so both parties derive identical IDs without coordination.
// Only the nonce is random, and it exists solely to make each signed core
// unique per opening attempt.
func (b *Builder) BuildDisputeOpenEnvelope(p DisputeOpenParams) (*contracts.DisputeOpenEnvelope, error) {
	if err := requireSHA256(p.AgreementHash, "agreementHash"); err != nil {
		return nil, err
	}
	if err := requireSHA256(p.ReceiptHash, "receiptHash"); err != nil {
		return nil, err
	}
	if err := requireSHA256(p.HoldHash, "holdHash"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.OpenedByAgentID, "openedByAgentId"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.SignerKeyID, "signerKeyId"); err != nil {
		return nil, err
	}
	reasonCode, err := normalizeReasonCode(p.ReasonCode)
	if err != nil {
		return nil, err
	}
	openedAt, err := b.timestamp(p.OpenedAt)
	if err != nil {
		return nil, err
	}
	nonce := p.Nonce
	if nonce == "" {
		nonce = fmt.Sprintf("nonce_%.16s", uuid.NewString())
	}

	envelopeID := contracts.EnvelopeID(p.AgreementHash)
	e := &contracts.DisputeOpenEnvelope{
		SchemaVersion:   contracts.SchemaDisputeOpenEnvelope,
		ArtifactType:    contracts.SchemaDisputeOpenEnvelope,
		ArtifactID:      envelopeID,
		EnvelopeID:      envelopeID,
		CaseID:          contracts.CaseID(p.AgreementHash),
		TenantID:        p.TenantID,
		AgreementHash:   p.AgreementHash,
		ReceiptHash:     p.ReceiptHash,
		HoldHash:        p.HoldHash,
		OpenedByAgentID: p.OpenedByAgentID,
		OpenedAt:        openedAt,
		ReasonCode:      reasonCode,
		Nonce:           nonce,
		SignerKeyID:     p.SignerKeyID,
	}
	hash, err := canonical.ContentHash(EnvelopeCore(*e))
	if err != nil {
		return nil, err
	}
	e.EnvelopeHash = hash
	e.Signature = p.Signature
	return e, nil
}

// VerdictParams resolves an arbitration case with a routed-amount outcome.
type VerdictParams struct {
	CaseID             string
	AgreementHash      string
	Outcome            string
	RoutedToPayerCents int64
	Rationale          string
	ArbiterAgentID     string
	IssuedAt           string
	Signature          string
}

// BuildVerdict validates params and returns the verdict. The verdict ID is
// derived from the agreement hash (one verdict per case, one active case
// per agreement), so re-derivation is stable across parties.
func (b *Builder) BuildVerdict(p VerdictParams) (*contracts.ArbitrationVerdict, error) {
	if err := requireNonEmpty(p.CaseID, "caseId"); err != nil {
		return nil, err
	}
	if err := requireSHA256(p.AgreementHash, "agreementHash"); err != nil {
		return nil, err
	}
	switch p.Outcome {
	case contracts.VerdictPayeeFavored, contracts.VerdictPayerFavored, contracts.VerdictSplit:
	default:
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "outcome must be one of payee_favored, payer_favored, split")
	}
	if p.RoutedToPayerCents < 0 {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "routedToPayerCents must be non-negative")
	}
	if err := requireNonEmpty(p.ArbiterAgentID, "arbiterAgentId"); err != nil {
		return nil, err
	}
	issuedAt, err := b.timestamp(p.IssuedAt)
	if err != nil {
		return nil, err
	}

	v := &contracts.ArbitrationVerdict{
		SchemaVersion:      contracts.SchemaArbitrationVerdict,
		VerdictID:          contracts.VerdictID(p.AgreementHash),
		CaseID:             p.CaseID,
		AgreementHash:      p.AgreementHash,
		Outcome:            p.Outcome,
		RoutedToPayerCents: p.RoutedToPayerCents,
		Rationale:          p.Rationale,
		ArbiterAgentID:     p.ArbiterAgentID,
		IssuedAt:           issuedAt,
	}
	hash, err := canonical.ContentHash(VerdictCore(*v))
	if err != nil {
		return nil, err
	}
	v.VerdictHash = hash
	v.Signature = p.Signature
	return v, nil
}
