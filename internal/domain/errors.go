package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors returned across package boundaries.
var (
	// ErrConfigurationUnavailable means no rule/threshold snapshot has ever been
	// loaded. Assessments fail fast with it and nothing is persisted.
	ErrConfigurationUnavailable = errors.New("risk configuration unavailable")

	// ErrMissingMetric marks a metric absent from the evaluation context. The
	// evaluator absorbs it into a worst-case factor; it never reaches callers.
	ErrMissingMetric = errors.New("missing metric")

	ErrAssessmentNotFound = errors.New("assessment not found")

	// ErrNotFound is the generic store miss; the service translates it.
	ErrNotFound = errors.New("not found")

	// ErrInvalidStateTransition is matched by every *TransitionError.
	ErrInvalidStateTransition = errors.New("invalid assessment state transition")

	// ErrDualControlViolation is matched by every *DualControlError.
	ErrDualControlViolation = errors.New("dual control violation")

	// ErrConcurrentModification is returned when an optimistic version check fails.
	ErrConcurrentModification = errors.New("assessment modified concurrently")

	ErrValidation = errors.New("validation failed")
)

// TransitionError reports a lifecycle move the state machine does not allow.
type TransitionError struct {
	From   AssessmentStatus
	To     AssessmentStatus
	Reason string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move assessment from %s to %s: %s", e.From, e.To, e.Reason)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// DualControlError reports an officer attempting a second override of the same
// assessment.
type DualControlError struct {
	AssessmentID string
	Officer      string
}

func (e *DualControlError) Error() string {
	return fmt.Sprintf("officer %q already overrode assessment %s", e.Officer, e.AssessmentID)
}

func (e *DualControlError) Is(target error) bool {
	return target == ErrDualControlViolation
}

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// ErrorKind classifies an error so callers can branch without string matching.
type ErrorKind string

const (
	KindUnknown                  ErrorKind = "Unknown"
	KindConfigurationUnavailable ErrorKind = "ConfigurationUnavailable"
	KindMissingMetric            ErrorKind = "MissingMetric"
	KindInvalidStateTransition   ErrorKind = "InvalidAssessmentStateTransition"
	KindDualControlViolation     ErrorKind = "DualControlViolation"
	KindAssessmentNotFound       ErrorKind = "AssessmentNotFound"
	KindConcurrentModification   ErrorKind = "ConcurrentModification"
	KindValidation               ErrorKind = "Validation"
)

// KindOf returns the kind of err, looking through wrapped errors.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfigurationUnavailable):
		return KindConfigurationUnavailable
	case errors.Is(err, ErrMissingMetric):
		return KindMissingMetric
	case errors.Is(err, ErrInvalidStateTransition):
		return KindInvalidStateTransition
	case errors.Is(err, ErrDualControlViolation):
		return KindDualControlViolation
	case errors.Is(err, ErrAssessmentNotFound):
		return KindAssessmentNotFound
	case errors.Is(err, ErrConcurrentModification):
		return KindConcurrentModification
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindUnknown
	}
}
