package routing

import (
	"errors"
	"fmt"

	"github.com/cuongbtq/msgroute/internal/aggregation"
)

var (
	// ErrNotFound is returned by a MessageStore read of a missing message
	ErrNotFound = errors.New("message not found")

	// ErrMessageDeleted signals that the message left active routing through a
	// bulk path. Rule.Apply turns it into OutcomeCompleted.
	ErrMessageDeleted = errors.New("message deleted")

	// ErrInvalidComparison is returned for an operator the encoding does not support
	ErrInvalidComparison = errors.New("invalid comparison")

	// ErrRoutingLoop is returned when a message moves between queues more
	// often than MaxRoutingHops within one job
	ErrRoutingLoop = errors.New("routing hop limit exceeded")

	// ErrPlanNotFound is returned by UsePlan for an unknown plan name
	ErrPlanNotFound = errors.New("plan not found")

	// ErrPlanNotNormalizable is returned by UsePlan when a leaf path can not be
	// flattened without changing routing outcomes
	ErrPlanNotNormalizable = errors.New("plan path can not be normalized")
)

// Severity tells the scheduler how to finish a failed job
type Severity int

const (
	// SeverityRetry rolls the job back for another attempt
	SeverityRetry Severity = iota
	// SeverityFatal commits the job so the failing message is not retried
	SeverityFatal
)

func (s Severity) String() string {
	if s == SeverityFatal {
		return "fatal"
	}
	return "retry"
}

// ValidationError reports malformed rule, condition or action text
type ValidationError struct {
	Kind string
	Text string
	Err  error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid %s %q: %v", e.Kind, e.Text, e.Err)
	}
	return fmt.Sprintf("invalid %s %q", e.Kind, e.Text)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// AppError is a categorized application failure
type AppError struct {
	Severity       Severity
	Message        string
	AdditionalInfo string
	Err            error
}

// NewFatalError creates a fatal AppError
func NewFatalError(message, additionalInfo string, err error) *AppError {
	return &AppError{Severity: SeverityFatal, Message: message, AdditionalInfo: additionalInfo, Err: err}
}

func (e *AppError) Error() string {
	msg := e.Message
	if e.AdditionalInfo != "" {
		msg += " (" + e.AdditionalInfo + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// InvestigationError is a recoverable business failure raised after the
// message was relocated to an investigation queue. When the relocation
// itself failed its reason is kept in RelocationFailure.
type InvestigationError struct {
	Queue             string
	Reason            string
	RelocationFailure string
	Err               error
}

func (e *InvestigationError) Error() string {
	msg := fmt.Sprintf("moved to investigation queue %s: %s", e.Queue, e.Reason)
	if e.RelocationFailure != "" {
		msg += " (relocation failed: " + e.RelocationFailure + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *InvestigationError) Unwrap() error {
	return e.Err
}

// Relocated reports whether the message reached the investigation queue
func (e *InvestigationError) Relocated() bool {
	return e.RelocationFailure == ""
}

// SeverityOf classifies err for the scheduler
func SeverityOf(err error) Severity {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Severity
	}

	var investigation *InvestigationError
	if errors.As(err, &investigation) {
		if investigation.Relocated() {
			return SeverityFatal
		}
		return SeverityRetry
	}

	var validation *ValidationError
	var failure *aggregation.FailureError
	switch {
	case errors.As(err, &validation),
		errors.As(err, &failure),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrRoutingLoop):
		return SeverityFatal
	}
	return SeverityRetry
}
