package alert

import "fmt"

// Reason is the structured code attached to a ParseError.
type Reason string

const (
	MissingField    Reason = "missing_field"
	OutOfRange      Reason = "out_of_range"
	MalformedNumber Reason = "malformed_number"
)

// ParseError reports why raw text could not become an Alert. The alert is
// dropped; no trade follows.
type ParseError struct {
	Reason Reason
	Field  string
	Detail string
}

func (e *ParseError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("parse alert: %s %s: %s", e.Reason, e.Field, e.Detail)
	}
	return fmt.Sprintf("parse alert: %s %s", e.Reason, e.Field)
}

func missing(field string) *ParseError {
	return &ParseError{Reason: MissingField, Field: field}
}

func outOfRange(field, format string, args ...any) *ParseError {
	return &ParseError{Reason: OutOfRange, Field: field, Detail: fmt.Sprintf(format, args...)}
}
