package artifact

import (
	"errors"
	"fmt"
)

// FormatError reports a malformed file name, remote key or date.
type FormatError struct {
	Kind  string
	Value string
	Err   error
}

func (e *FormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed %s %q: %v", e.Kind, e.Value, e.Err)
	}
	return fmt.Sprintf("malformed %s %q", e.Kind, e.Value)
}

func (e *FormatError) Unwrap() error { return e.Err }

func formatErr(kind, value, reason string) error {
	return &FormatError{Kind: kind, Value: value, Err: errors.New(reason)}
}
