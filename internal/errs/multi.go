// Package errs collects the errors of independent uploads.
package errs

import "strings"

// MultiError aggregates the errors of several uploads into one.
type MultiError []error

func (m MultiError) Error() string {
	msgs := make([]string, 0, len(m))
	for _, err := range m {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return strings.Join(msgs, "\n")
}

// Unwrap returns the aggregated errors, so errors.Is and errors.As see every one of them.
func (m MultiError) Unwrap() []error {
	return m
}

// ErrorOrNil returns nil for an empty MultiError.
func (m MultiError) ErrorOrNil() error {
	if len(m) == 0 {
		return nil
	}
	return m
}

// Append appends err to m if err is not nil.
func Append(m *MultiError, err error) {
	if err == nil {
		return
	}
	*m = append(*m, err)
}
