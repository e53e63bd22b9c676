package labspec

import "fmt"

// MissingFieldError is returned when a required descriptor field is absent
type MissingFieldError struct {
	Field string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("lab spec is missing %q", e.Field)
}

// InvalidSpecError is returned when a descriptor field is present but malformed
type InvalidSpecError struct {
	Field  string
	Reason string
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("lab spec field %q is invalid: %s", e.Field, e.Reason)
}
