package artifacts

import (
	"github.com/settld-labs/settld-kernel/pkg/canonical"
	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// AgreementParams commits two parties to call terms. Input may be supplied
// as a raw value (it is canonicalized and hashed) or as a precomputed
// InputHash; exactly one of the two is required.
type AgreementParams struct {
	ToolID             string
	ManifestHash       string
	CallID             string
	Input              any
	InputHash          string
	AcceptanceCriteria map[string]any
	SettlementTerms    contracts.SettlementTerms
	PayerAgentID       string
	PayeeAgentID       string
	CreatedAt          string
	Signature          string
}

// BuildAgreement validates params and returns the agreement with its
// agreementHash computed over the core. The hash is the primary key of the
// whole downstream lineage, so the core must never include mutable state.
func (b *Builder) BuildAgreement(p AgreementParams) (*contracts.ToolCallAgreement, error) {
	if err := requireNonEmpty(p.ToolID, "toolId"); err != nil {
		return nil, err
	}
	if err := requireSHA256(p.ManifestHash, "manifestHash"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.CallID, "callId"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.PayerAgentID, "payerAgentId"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.PayeeAgentID, "payeeAgentId"); err != nil {
		return nil, err
	}
	if p.PayerAgentID == p.PayeeAgentID {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "payerAgentId and payeeAgentId must differ")
	}
	if err := validateSettlementTerms(p.SettlementTerms); err != nil {
		return nil, err
	}

	inputHash := p.InputHash
	if inputHash == "" {
		if p.Input == nil {
			return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "either input or inputHash is required")
		}
		h, err := canonical.ContentHash(p.Input)
		if err != nil {
			return nil, err
		}
		inputHash = h
	} else if err := requireSHA256(inputHash, "inputHash"); err != nil {
		return nil, err
	}

	createdAt, err := b.timestamp(p.CreatedAt)
	if err != nil {
		return nil, err
	}

	a := &contracts.ToolCallAgreement{
		SchemaVersion:      contracts.SchemaToolCallAgreement,
		ToolID:             p.ToolID,
		ManifestHash:       p.ManifestHash,
		CallID:             p.CallID,
		InputHash:          inputHash,
		AcceptanceCriteria: p.AcceptanceCriteria,
		SettlementTerms:    p.SettlementTerms,
		PayerAgentID:       p.PayerAgentID,
		PayeeAgentID:       p.PayeeAgentID,
		CreatedAt:          createdAt,
	}
	hash, err := canonical.ContentHash(AgreementCore(*a))
	if err != nil {
		return nil, err
	}
	a.AgreementHash = hash
	a.Signature = p.Signature
	return a, nil
}

func validateSettlementTerms(t contracts.SettlementTerms) error {
	if t.AmountCents <= 0 {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "settlementTerms.amountCents must be positive")
	}
	if err := requireCurrency(t.Currency); err != nil {
		return err
	}
	if t.HoldbackBps < 0 || t.HoldbackBps > 10000 {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "settlementTerms.holdbackBps must be within 0..10000")
	}
	if t.ChallengeWindowMs < 0 {
		return contracts.Errorf(contracts.CodeSchemaInvalid, "settlementTerms.challengeWindowMs must be non-negative")
	}
	return nil
}

// BuildHold derives a funding hold from an agreement. The hold's financial
// terms must mirror the agreement exactly; the hold is created at agreement
// time and released or adjusted, never silently deleted.
func (b *Builder) BuildHold(agreement *contracts.ToolCallAgreement) (*contracts.FundingHold, error) {
	if agreement == nil {
		return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "agreement is required")
	}
	if err := requireSHA256(agreement.AgreementHash, "agreementHash"); err != nil {
		return nil, err
	}

	h := &contracts.FundingHold{
		SchemaVersion:     contracts.SchemaFundingHold,
		AgreementHash:     agreement.AgreementHash,
		PayerAgentID:      agreement.PayerAgentID,
		PayeeAgentID:      agreement.PayeeAgentID,
		AmountCents:       agreement.SettlementTerms.AmountCents,
		Currency:          agreement.SettlementTerms.Currency,
		HoldbackBps:       agreement.SettlementTerms.HoldbackBps,
		ChallengeWindowMs: agreement.SettlementTerms.ChallengeWindowMs,
		CreatedAt:         agreement.CreatedAt,
	}
	hash, err := canonical.ContentHash(HoldCore(*h))
	if err != nil {
		return nil, err
	}
	h.HoldHash = hash
	h.Status = contracts.HoldHeld
	return h, nil
}

// EvidenceParams is the provider's proof of execution. Output may be
// supplied raw (canonicalized and hashed) or as a precomputed OutputHash.
type EvidenceParams struct {
	AgreementHash string
	CallID        string
	InputHash     string
	Output        any
	OutputHash    string
	OutputRef     string
	Metrics       map[string]any
	StartedAt     string
	CompletedAt   string
	CreatedAt     string
	SignerKeyID   string
	Signature     string
}

// BuildEvidence validates params and returns the evidence artifact. Note
// that the binding check against the agreement happens in the decision
// engine, not here: the builder cannot know which agreement the caller will
// submit against.
func (b *Builder) BuildEvidence(p EvidenceParams) (*contracts.ToolCallEvidence, error) {
	if err := requireSHA256(p.AgreementHash, "agreementHash"); err != nil {
		return nil, err
	}
	if err := requireNonEmpty(p.CallID, "callId"); err != nil {
		return nil, err
	}
	if err := requireSHA256(p.InputHash, "inputHash"); err != nil {
		return nil, err
	}

	outputHash := p.OutputHash
	if outputHash == "" {
		if p.Output == nil {
			return nil, contracts.Errorf(contracts.CodeSchemaInvalid, "either output or outputHash is required")
		}
		h, err := canonical.ContentHash(p.Output)
		if err != nil {
			return nil, err
		}
		outputHash = h
	} else if err := requireSHA256(outputHash, "outputHash"); err != nil {
		return nil, err
	}

	startedAt, err := b.timestamp(p.StartedAt)
	if err != nil {
		return nil, err
	}
	completedAt := p.CompletedAt
	if completedAt == "" {
		completedAt = startedAt
	} else if completedAt, err = canonical.NormalizeTimestamp(completedAt); err != nil {
		return nil, err
	}
	createdAt := p.CreatedAt
	if createdAt == "" {
		createdAt = completedAt
	} else if createdAt, err = canonical.NormalizeTimestamp(createdAt); err != nil {
		return nil, err
	}

	e := &contracts.ToolCallEvidence{
		SchemaVersion: contracts.SchemaToolCallEvidence,
		AgreementHash: p.AgreementHash,
		CallID:        p.CallID,
		InputHash:     p.InputHash,
		OutputHash:    outputHash,
		OutputRef:     p.OutputRef,
		Metrics:       p.Metrics,
		StartedAt:     startedAt,
		CompletedAt:   completedAt,
		CreatedAt:     createdAt,
		SignerKeyID:   p.SignerKeyID,
	}
	hash, err := canonical.ContentHash(EvidenceCore(*e))
	if err != nil {
		return nil, err
	}
	e.EvidenceHash = hash
	e.Signature = p.Signature
	return e, nil
}
