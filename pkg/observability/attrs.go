// Settlement-kernel instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Settlement-kernel semantic convention attributes.
var (
	AttrAgreementHash = attribute.Key("settld.agreement.hash")
	AttrPolicyHash    = attribute.Key("settld.policy.hash")
	AttrDecision      = attribute.Key("settld.decision")
	AttrAmountCents   = attribute.Key("settld.amount_cents")

	AttrCaseID      = attribute.Key("settld.case.id")
	AttrCaseState   = attribute.Key("settld.case.state")
	AttrVerdict     = attribute.Key("settld.verdict.outcome")
	AttrRoutedCents = attribute.Key("settld.verdict.routed_cents")

	AttrBundleHash  = attribute.Key("settld.closepack.manifest_hash")
	AttrCheckFailed = attribute.Key("settld.closepack.failed_check")
)

// SettlementOperation creates attributes for an evaluation.
func SettlementOperation(agreementHash, policyHash, decision string, amountCents int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgreementHash.String(agreementHash),
		AttrPolicyHash.String(policyHash),
		AttrDecision.String(decision),
		AttrAmountCents.Int64(amountCents),
	}
}

// DisputeOperation creates attributes for arbitration transitions.
func DisputeOperation(agreementHash, caseID, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgreementHash.String(agreementHash),
		AttrCaseID.String(caseID),
		AttrCaseState.String(state),
	}
}

// VerdictOperation creates attributes for verdict application.
func VerdictOperation(caseID, outcome string, routedCents int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCaseID.String(caseID),
		AttrVerdict.String(outcome),
		AttrRoutedCents.Int64(routedCents),
	}
}

// ClosePackOperation creates attributes for export and verification.
func ClosePackOperation(agreementHash, manifestHash string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAgreementHash.String(agreementHash),
		AttrBundleHash.String(manifestHash),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
