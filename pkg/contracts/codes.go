// Package contracts defines the shared artifact types, stable reason codes,
// and error taxonomy of the settlement kernel. Every other package depends on
// it; it depends on nothing but the standard library.
package contracts

// Schema version identifiers. The version suffix is part of the canonical
// core of every artifact, so bumping a schema changes every derived hash.
const (
	SchemaToolManifest             = "ToolManifest.v1"
	SchemaAuthorityGrant           = "AuthorityGrant.v1"
	SchemaToolCallAgreement        = "ToolCallAgreement.v1"
	SchemaFundingHold              = "FundingHold.v1"
	SchemaToolCallEvidence         = "ToolCallEvidence.v1"
	SchemaSettlementDecisionRecord = "SettlementDecisionRecord.v1"
	SchemaSettlementReceipt        = "SettlementReceipt.v1"
	SchemaDisputeOpenEnvelope      = "DisputeOpenEnvelope.v1"
	SchemaArbitrationCase          = "ArbitrationCase.v1"
	SchemaArbitrationVerdict       = "ArbitrationVerdict.v1"
	SchemaSettlementAdjustment     = "SettlementAdjustment.v1"
	SchemaPolicyDocument           = "PolicyDocument.v1"
	SchemaVerificationReport       = "VerificationReport.v1"
)

// Decision outcomes. Exactly one of these appears on every decision record.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Mandatory reason codes. Additional codes may append, but the first reason
// code on a record is always one of these two.
const (
	ReasonAcceptancePassed = "ACCEPTANCE_PASSED"
	ReasonAcceptanceFailed = "ACCEPTANCE_FAILED"
)

// Funding hold states.
const (
	HoldHeld      = "held"
	HoldReleasing = "releasing"
	HoldReleased  = "released"
	HoldRefunded  = "refunded"
	HoldDisputed  = "disputed"
	HoldAdjusted  = "adjusted"
)

// Arbitration case states.
const (
	CaseOpened        = "opened"
	CaseUnderReview   = "under_review"
	CaseVerdictIssued = "verdict_issued"
	CaseClosed        = "closed"
)

// Verdict outcomes.
const (
	VerdictPayeeFavored = "payee_favored"
	VerdictPayerFavored = "payer_favored"
	VerdictSplit        = "split"
)

// Default reason code stamped on dispute-open envelopes when the opener does
// not supply one.
const DefaultDisputeReasonCode = "TOOL_CALL_DISPUTE"

// Deterministic ID construction for the tool-call artifact family. Two
// independent parties derive the same IDs from the same agreement hash
// without coordination.
func AgreementRecordID(agreementHash string) string { return "agr_tc_" + agreementHash }

func EvidenceRecordID(agreementHash string) string { return "evd_tc_" + agreementHash }

func DecisionRecordID(agreementHash string) string { return "setl_tc_" + agreementHash }

func EnvelopeID(agreementHash string) string { return "dopen_tc_" + agreementHash }

func CaseID(agreementHash string) string { return "arb_case_tc_" + agreementHash }

func DisputeID(agreementHash string) string { return "disp_tc_" + agreementHash }

func VerdictID(agreementHash string) string { return "vrd_tc_" + agreementHash }

func ReceiptID(agreementHash string) string { return "rcpt_tc_" + agreementHash }

func HoldID(agreementHash string) string { return "hold_tc_" + agreementHash }

// AdjustmentID binds an adjustment to the (agreement, verdict) pair so that
// re-delivery of an apply-verdict command can never mint a second adjustment.
func AdjustmentID(agreementHash, verdictID string) string {
	return "adj_" + agreementHash + "_" + verdictID
}
