package canonical

import (
	"time"

	"github.com/settld-labs/settld-kernel/pkg/contracts"
)

// timeLayout is the single timestamp format artifacts carry on the wire:
// RFC3339 UTC with millisecond precision and a literal Z suffix.
const timeLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t in the canonical wire format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseTime parses a canonical wire timestamp. It also accepts plain
// RFC3339 and RFC3339Nano input, always normalizing to UTC.
func ParseTime(s string) (time.Time, error) {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, contracts.Errorf(contracts.CodeSchemaInvalid, "invalid timestamp %q", s)
}

// NormalizeTimestamp re-renders any accepted timestamp string in the
// canonical wire format, failing closed on unparseable input.
func NormalizeTimestamp(s string) (string, error) {
	t, err := ParseTime(s)
	if err != nil {
		return "", err
	}
	return FormatTime(t), nil
}
