package logging

import (
	"fmt"
	"log/slog"
	"sync/atomic"
)

var redactPII atomic.Bool

// SetRedactPII controls whether PII values are rendered or replaced by a placeholder.
func SetRedactPII(enabled bool) {
	redactPII.Store(enabled)
}

// PII marks a user-identifying value (pod names, service hostnames) so the
// logging pipeline can redact it. Format it with %s like any other string.
type PII string

// String implements fmt.Stringer.
func (p PII) String() string {
	if redactPII.Load() {
		return fmt.Sprintf("<redacted:%d>", len(p))
	}
	return string(p)
}

// LogValue implements slog.LogValuer so PII passed as an attribute is also redacted.
func (p PII) LogValue() slog.Value {
	return slog.StringValue(p.String())
}
