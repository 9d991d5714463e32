package models

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError describes a single invalid field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is returned when a payload violates an entity invariant.
// State is never changed when it is returned.
type ValidationError struct {
	Entity EntityType
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Field, f.Message))
	}
	return fmt.Sprintf("invalid %s: %s", e.Entity, strings.Join(parts, "; "))
}

// NewValidationError builds a single-field validation error
func NewValidationError(entity EntityType, field, message string) *ValidationError {
	return &ValidationError{Entity: entity, Fields: []FieldError{{Field: field, Message: message}}}
}

// NotFoundError is returned for unknown ids
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// IllegalTransitionError is returned when a state change is not allowed from
// the current state
type IllegalTransitionError struct {
	Kind   string
	ID     string
	From   string
	To     string
	Reason string
}

func (e *IllegalTransitionError) Error() string {
	msg := fmt.Sprintf("illegal %s transition %s -> %s (id=%s)", e.Kind, e.From, e.To, e.ID)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ExecutionFailure reports a failed or timed-out external execution. The
// action stays pending and the call may be retried.
type ExecutionFailure struct {
	ActionID  string
	Cause     error
	Retryable bool
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("execution failed for action %s: %v", e.ActionID, e.Cause)
}

func (e *ExecutionFailure) Unwrap() error { return e.Cause }

// RuleEvaluationError wraps a failure inside a single insight rule
type RuleEvaluationError struct {
	RuleID string
	Cause  error
}

func (e *RuleEvaluationError) Error() string {
	return fmt.Sprintf("rule %s failed: %v", e.RuleID, e.Cause)
}

func (e *RuleEvaluationError) Unwrap() error { return e.Cause }

// IsValidation returns true if err is or wraps a ValidationError
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsNotFound returns true if err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsIllegalTransition returns true if err is or wraps an IllegalTransitionError
func IsIllegalTransition(err error) bool {
	var it *IllegalTransitionError
	return errors.As(err, &it)
}

// IsExecutionFailure returns true if err is or wraps an ExecutionFailure
func IsExecutionFailure(err error) bool {
	var ef *ExecutionFailure
	return errors.As(err, &ef)
}
