package imagine

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies every failure this package and its adapters can produce.
// Callers branch on the kind, never on message text.
type Kind string

const (
	KindConfiguration         Kind = "configuration"
	KindInvalidInput          Kind = "invalid_input"
	KindUnsupportedCapability Kind = "unsupported_capability"
	KindNetwork               Kind = "network"
	KindTimeout               Kind = "timeout"
	KindProviderError         Kind = "provider_error"
	KindInvalidResponse       Kind = "invalid_response"
	KindNoImageReturned       Kind = "no_image_returned"
	KindMissingOutputURL      Kind = "missing_output_url"
	KindConversionFailed      Kind = "conversion_failed"
	KindBufferExpired         Kind = "buffer_expired"
)

// Error carries enough structure for logging and for mapping to a transport
// response. Message holds the upstream provider message when one exists; it is
// the only part ever shown verbatim to end users.
type Error struct {
	Kind     Kind
	Op       string
	Provider string
	Model    string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Provider != "" {
		fmt.Fprintf(&b, " provider=%s", e.Provider)
	}
	if e.Model != "" {
		fmt.Fprintf(&b, " model=%s", e.Model)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an Error. Trailing arguments are interpreted by type: a string
// becomes the message, an error becomes the wrapped cause.
func E(kind Kind, op, provider, model string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Provider: provider, Model: model}
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			e.Message = v
		case error:
			e.Err = v
		}
	}
	return e
}

// KindOf extracts the kind from any error in the chain. Unclassified errors
// report KindNetwork last-resort only when they are nil-safe; otherwise an
// empty kind is returned.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRecoverable reports whether the user can sensibly retry the action
// without operator intervention.
func IsRecoverable(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindBufferExpired, KindNetwork:
		return true
	}
	return false
}
