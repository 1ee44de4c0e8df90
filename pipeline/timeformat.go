package pipeline

import (
	"fmt"
	"strings"
	"time"
)

// wireTimeLayout is the timestamp format used by every persisted artifact:
// UTC, millisecond precision, literal Z suffix. Offsets and space-separated
// date/time are rejected on parse.
const wireTimeLayout = "2006-01-02T15:04:05.000Z"

// FormatWireTime renders t in the canonical wire format.
func FormatWireTime(t time.Time) string {
	return t.UTC().Format(wireTimeLayout)
}

// ParseWireTime parses a canonical wire timestamp. Inputs that carry a
// timezone offset instead of Z, omit the T separator, or omit the
// millisecond fraction are rejected.
func ParseWireTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("ParseWireTime: empty timestamp")
	}
	if !strings.HasSuffix(s, "Z") {
		return time.Time{}, fmt.Errorf("ParseWireTime: %q: timestamp must end in Z", s)
	}
	if !strings.Contains(s, "T") {
		return time.Time{}, fmt.Errorf("ParseWireTime: %q: missing T separator", s)
	}
	t, err := time.Parse(wireTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ParseWireTime: %q: %w", s, err)
	}
	return t.UTC(), nil
}

// ParseWireTimeLenient additionally accepts second-precision timestamps
// from older exports, normalizing them on format. Only ingestion uses it;
// validation and canonical-artifact decoding stay strict.
func ParseWireTimeLenient(s string) (time.Time, error) {
	t, err := ParseWireTime(s)
	if err == nil {
		return t, nil
	}
	if fallback, ferr := time.Parse("2006-01-02T15:04:05Z", strings.TrimSpace(s)); ferr == nil {
		return fallback.UTC(), nil
	}
	return time.Time{}, err
}

// Timestamp is a time.Time that marshals to the canonical wire format.
type Timestamp struct {
	time.Time
}

// NewTimestamp truncates t to millisecond precision in UTC.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{t.UTC().Truncate(time.Millisecond)}
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + FormatWireTime(t.Time) + `"`), nil
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "null" {
		return nil
	}
	parsed, err := ParseWireTime(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}
