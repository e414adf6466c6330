package contracts

// All artifacts use the settld wire format: camelCase JSON fields, RFC3339
// UTC millisecond timestamps carried as strings (so the canonical bytes of a
// stored artifact never depend on Go time formatting), amounts as integers
// in minor currency units. Derived hashes and detached signatures are
// excluded from each artifact's canonical core.

// ToolManifest is a provider's capability identity. Immutable once created;
// downstream artifacts reference it by manifestHash.
type ToolManifest struct {
	SchemaVersion string         `json:"schemaVersion"`
	ToolID        string         `json:"toolId"`
	Capability    string         `json:"capability"`
	VerifierHints map[string]any `json:"verifierHints,omitempty"`
	SignerKeyID   string         `json:"signerKeyId"`
	CreatedAt     string         `json:"createdAt"`

	// Derived and detached fields, excluded from the canonical core.
	ManifestHash string `json:"manifestHash,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// AuthorityGrant is a bounded spend/scope authorization issued by a
// principal to a grantee. Revocable; checked at every downstream step.
type AuthorityGrant struct {
	SchemaVersion     string   `json:"schemaVersion"`
	GrantID           string   `json:"grantId,omitempty"`
	PrincipalAgentID  string   `json:"principalAgentId"`
	GranteeAgentID    string   `json:"granteeAgentId"`
	Scope             []string `json:"scope"`
	SpendCeilingCents int64    `json:"spendCeilingCents"`
	Currency          string   `json:"currency"`
	ValidFrom         string   `json:"validFrom"`
	ValidUntil        string   `json:"validUntil"`
	SignerKeyID       string   `json:"signerKeyId"`
	CreatedAt         string   `json:"createdAt"`

	// RevokedAt is a tracked transition, not part of the signed core.
	RevokedAt string `json:"revokedAt,omitempty"`

	GrantHash string `json:"grantHash,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// SettlementTerms are the financial terms committed to in an agreement.
type SettlementTerms struct {
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	HoldbackBps       int    `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
	PolicyID          string `json:"policyId"`
}

// ToolCallAgreement is the signed commitment to call terms. The
// agreementHash is the content hash of the core (every field except
// agreementHash and signature) and is the primary key of the whole lineage.
type ToolCallAgreement struct {
	SchemaVersion      string          `json:"schemaVersion"`
	ToolID             string          `json:"toolId"`
	ManifestHash       string          `json:"manifestHash"`
	CallID             string          `json:"callId"`
	InputHash          string          `json:"inputHash"`
	AcceptanceCriteria map[string]any  `json:"acceptanceCriteria,omitempty"`
	SettlementTerms    SettlementTerms `json:"settlementTerms"`
	PayerAgentID       string          `json:"payerAgentId"`
	PayeeAgentID       string          `json:"payeeAgentId"`
	CreatedAt          string          `json:"createdAt"`

	AgreementHash string `json:"agreementHash,omitempty"`
	Signature     string `json:"signature,omitempty"`
}

// FundingHold is escrowed funds reserved against an agreement before
// execution. Released or adjusted, never silently deleted.
type FundingHold struct {
	SchemaVersion     string `json:"schemaVersion"`
	AgreementHash     string `json:"agreementHash"`
	PayerAgentID      string `json:"payerAgentId"`
	PayeeAgentID      string `json:"payeeAgentId"`
	AmountCents       int64  `json:"amountCents"`
	Currency          string `json:"currency"`
	HoldbackBps       int    `json:"holdbackBps"`
	ChallengeWindowMs int64  `json:"challengeWindowMs"`
	CreatedAt         string `json:"createdAt"`

	// Status is runtime state, excluded from the canonical core.
	Status string `json:"status,omitempty"`

	HoldHash string `json:"holdHash,omitempty"`
}

// ToolCallEvidence is the provider's signed proof of execution, bound to
// the agreement's commitment by callId and inputHash.
type ToolCallEvidence struct {
	SchemaVersion string         `json:"schemaVersion"`
	AgreementHash string         `json:"agreementHash"`
	CallID        string         `json:"callId"`
	InputHash     string         `json:"inputHash"`
	OutputHash    string         `json:"outputHash"`
	OutputRef     string         `json:"outputRef,omitempty"`
	Metrics       map[string]any `json:"metrics,omitempty"`
	StartedAt     string         `json:"startedAt"`
	CompletedAt   string         `json:"completedAt"`
	CreatedAt     string         `json:"createdAt"`
	SignerKeyID   string         `json:"signerKeyId,omitempty"`

	EvidenceHash string `json:"evidenceHash,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// SettlementDecisionRecord is the evaluation outcome: a pure function of
// (agreement, evidence, policy-at-time). At most one exists per
// agreementHash; its recordId is derived, never random.
type SettlementDecisionRecord struct {
	SchemaVersion string   `json:"schemaVersion"`
	RecordID      string   `json:"recordId"`
	AgreementHash string   `json:"agreementHash"`
	EvidenceHash  string   `json:"evidenceHash"`
	Decision      string   `json:"decision"`
	ReasonCodes   []string `json:"reasonCodes"`
	PolicyID      string   `json:"policyId"`
	PolicyHash    string   `json:"policyHash"`
	PolicyVersion string   `json:"policyVersion"`
	DecidedAt     string   `json:"decidedAt"`
}

// SettlementReceipt is the finalized settlement derived from a decision
// record plus the funding hold terms.
type SettlementReceipt struct {
	SchemaVersion     string `json:"schemaVersion"`
	AgreementHash     string `json:"agreementHash"`
	RecordID          string `json:"recordId"`
	EvidenceHash      string `json:"evidenceHash,omitempty"`
	GrossCents        int64  `json:"grossCents"`
	HoldbackCents     int64  `json:"holdbackCents"`
	NetCents          int64  `json:"netCents"`
	Currency          string `json:"currency"`
	HoldbackReleaseAt string `json:"holdbackReleaseAt,omitempty"`
	SettledAt         string `json:"settledAt"`

	// Status mirrors the funding hold lifecycle for the holdback portion.
	Status string `json:"status,omitempty"`

	ReceiptHash string `json:"receiptHash,omitempty"`
}

// DisputeOpenEnvelope proves the dispute opener has standing: it is signed
// by a party to the agreement and submitted within the challenge window.
type DisputeOpenEnvelope struct {
	SchemaVersion   string `json:"schemaVersion"`
	ArtifactType    string `json:"artifactType"`
	ArtifactID      string `json:"artifactId"`
	EnvelopeID      string `json:"envelopeId"`
	CaseID          string `json:"caseId"`
	TenantID        string `json:"tenantId,omitempty"`
	AgreementHash   string `json:"agreementHash"`
	ReceiptHash     string `json:"receiptHash"`
	HoldHash        string `json:"holdHash"`
	OpenedByAgentID string `json:"openedByAgentId"`
	OpenedAt        string `json:"openedAt"`
	ReasonCode      string `json:"reasonCode"`
	Nonce           string `json:"nonce"`
	SignerKeyID     string `json:"signerKeyId"`

	EnvelopeHash string `json:"envelopeHash,omitempty"`
	Signature    string `json:"signature,omitempty"`
}

// AdminOverride records an explicitly tracked administrative dispute-open
// path that bypasses the signed envelope requirement. Never silent: the
// acting operator is attributed on the case.
type AdminOverride struct {
	Enabled bool   `json:"enabled"`
	ActorID string `json:"actorId,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// ArbitrationCase is the active dispute subject. Exactly one case in an
// open state may exist per agreement at a time.
type ArbitrationCase struct {
	SchemaVersion  string         `json:"schemaVersion"`
	CaseID         string         `json:"caseId"`
	DisputeID      string         `json:"disputeId"`
	AgreementHash  string         `json:"agreementHash"`
	EnvelopeID     string         `json:"envelopeId,omitempty"`
	ArbiterAgentID string         `json:"arbiterAgentId"`
	State          string         `json:"state"`
	Summary        string         `json:"summary,omitempty"`
	EvidenceRefs   []string       `json:"evidenceRefs,omitempty"`
	AdminOverride  *AdminOverride `json:"adminOverride,omitempty"`
	OpenedAt       string         `json:"openedAt"`
	ClosedAt       string         `json:"closedAt,omitempty"`
}

// IsActive reports whether the case blocks holdback release.
func (c *ArbitrationCase) IsActive() bool {
	return c.State == CaseOpened || c.State == CaseUnderReview || c.State == CaseVerdictIssued
}

// ArbitrationVerdict resolves a case with a routed-amount outcome. Terminal;
// created once per case.
type ArbitrationVerdict struct {
	SchemaVersion      string `json:"schemaVersion"`
	VerdictID          string `json:"verdictId"`
	CaseID             string `json:"caseId"`
	AgreementHash      string `json:"agreementHash"`
	Outcome            string `json:"outcome"`
	RoutedToPayerCents int64  `json:"routedToPayerCents"`
	Rationale          string `json:"rationale,omitempty"`
	ArbiterAgentID     string `json:"arbiterAgentId"`
	IssuedAt           string `json:"issuedAt"`

	VerdictHash string `json:"verdictHash,omitempty"`
	Signature   string `json:"signature,omitempty"`
}

// SettlementAdjustment is the deterministic financial correction applied
// when a verdict closes a case. Its ID binds (agreementHash, verdictId), so
// it can be applied at most once regardless of retry count.
type SettlementAdjustment struct {
	SchemaVersion string `json:"schemaVersion"`
	AdjustmentID  string `json:"adjustmentId"`
	AgreementHash string `json:"agreementHash"`
	VerdictID     string `json:"verdictId"`
	DeltaCents    int64  `json:"deltaCents"`
	Currency      string `json:"currency"`
	AppliedAt     string `json:"appliedAt"`
}
