package events

import (
	"marketcore/internal/faults"
)

// Severity of a STATUS event.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Status is the only way errors reach consumers.
type Status struct {
	Severity Severity
	Code     string
	Message  string
}

// StatusFromError builds an error status whose code follows the error taxonomy.
func StatusFromError(err error) Status {
	return Status{
		Severity: SeverityError,
		Code:     faults.Code(err),
		Message:  err.Error(),
	}
}
