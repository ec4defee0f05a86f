package domain

import (
	"errors"
	"fmt"
	"strings"

	"metaflow/internal/proptype"
)

// ValidationError reports a malformed schema or config document. Field is a JSON
// path relative to the submitted document.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Invalid is shorthand for a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type (
	TypeMismatchError      = proptype.TypeMismatchError
	PicklistViolationError = proptype.PicklistViolationError
)

// ConsistencyError means stored state violates an invariant. It is not recoverable
// by the caller.
type ConsistencyError struct {
	RelationshipID string
	ObjectID       string
	Matches        int
	Reason         string
}

func (e *ConsistencyError) Error() string {
	if e.Reason != "" {
		return "consistency violation: " + e.Reason
	}
	return fmt.Sprintf("consistency violation: relationship %s has %d matches for object %s, expected at most one",
		e.RelationshipID, e.Matches, e.ObjectID)
}

// UnreachableTargetError means no relationship path connects two Object Types.
type UnreachableTargetError struct {
	FromTypeID string
	ToTypeID   string
}

func (e *UnreachableTargetError) Error() string {
	return fmt.Sprintf("object type %s is not reachable from %s through any relationship", e.ToTypeID, e.FromTypeID)
}

type ParameterIssue struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ParameterValidationError collects every invalid parameter of one action call.
type ParameterValidationError struct {
	Issues []ParameterIssue
}

func (e *ParameterValidationError) Error() string {
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.Name+": "+issue.Reason)
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// Names lists the offending parameter names in report order.
func (e *ParameterValidationError) Names() []string {
	out := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		out = append(out, issue.Name)
	}
	return out
}

// DependencyTimeoutError means a store or handler call exceeded its deadline.
type DependencyTimeoutError struct {
	Op  string
	Err error
}

func (e *DependencyTimeoutError) Error() string {
	return fmt.Sprintf("%s: dependency timed out", e.Op)
}

func (e *DependencyTimeoutError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsConsistency(err error) bool {
	var target *ConsistencyError
	return errors.As(err, &target)
}

func IsUnreachable(err error) bool {
	var target *UnreachableTargetError
	return errors.As(err, &target)
}

func IsTimeout(err error) bool {
	var target *DependencyTimeoutError
	return errors.As(err, &target)
}

// IsValueError reports type mismatches and picklist violations.
func IsValueError(err error) bool {
	var tm *TypeMismatchError
	var pv *PicklistViolationError
	return errors.As(err, &tm) || errors.As(err, &pv)
}
