package contracts

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to callers. The kernel never retries on its
// own; every mutating operation is safe for the caller to retry because of
// idempotent-insert semantics.
const (
	CodeSchemaInvalid       = "SCHEMA_INVALID"
	CodeBindingMismatch     = "BINDING_MISMATCH"
	CodeAuthorityInvalid    = "AUTHORITY_INVALID"
	CodeWindowViolation     = "WINDOW_VIOLATION"
	CodeDuplicateActiveCase = "DUPLICATE_ACTIVE_CASE"
	CodeSignatureInvalid    = "SIGNATURE_INVALID"
	CodeNotFound            = "NOT_FOUND"
	CodeStateConflict       = "STATE_CONFLICT"
)

// Replay issue codes. Informational only; replay never mutates state.
const (
	ReplayPolicyDrift     = "REPLAY_POLICY_DRIFT"
	ReplayDecisionDrift   = "REPLAY_DECISION_DRIFT"
	ReplayReasonCodeDrift = "REPLAY_REASON_CODE_DRIFT"
)

// KernelError is a typed failure carrying a stable machine code, a
// human-readable detail, and where relevant the derived ID of the artifact
// that caused the conflict so the caller can fetch context without
// additional lookups.
type KernelError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	ArtifactID string `json:"artifactId,omitempty"`
}

func (e *KernelError) Error() string {
	if e.ArtifactID != "" {
		return fmt.Sprintf("%s: %s (artifact: %s)", e.Code, e.Message, e.ArtifactID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf constructs a KernelError with a formatted message.
func Errorf(code, format string, args ...any) *KernelError {
	return &KernelError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorWithArtifact constructs a KernelError referencing the conflicting artifact.
func ErrorWithArtifact(code, artifactID, format string, args ...any) *KernelError {
	return &KernelError{Code: code, Message: fmt.Sprintf(format, args...), ArtifactID: artifactID}
}

// HasCode reports whether err is (or wraps) a KernelError with the given code.
func HasCode(err error, code string) bool {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// CodeOf returns the stable code of err, or "" if err carries none.
func CodeOf(err error) string {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}
