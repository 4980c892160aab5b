package study

import (
	"errors"
	"fmt"
)

var (
	// ErrNotImplemented marks operations the repository deliberately does
	// not support (soft delete, locking more than once per save).
	ErrNotImplemented = errors.New("not implemented")
	// ErrPrecondition marks protocol misuse by the caller.
	ErrPrecondition = errors.New("precondition failed")
	// ErrNotFound marks missing reference data or studies.
	ErrNotFound = errors.New("not found")
	// ErrValidation marks invalid user input.
	ErrValidation = errors.New("validation failed")
	// ErrConflict marks a write that collides with existing state.
	ErrConflict = errors.New("conflict")
)

// PreconditionError is returned when a repository call violates its
// contract. Code is machine readable.
type PreconditionError struct {
	Code    string
	Message string
}

func (e *PreconditionError) Error() string {
	return e.Message
}

func (e *PreconditionError) Is(target error) bool { return target == ErrPrecondition }

// Precondition builds a PreconditionError.
func Precondition(code, format string, args ...any) error {
	return &PreconditionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ValidationError describes an invalid field value.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TermNotFoundError is returned when a field references a controlled or
// dictionary term that is not loaded.
type TermNotFoundError struct {
	TermUID    string
	Field      string
	Dictionary bool
}

func (e *TermNotFoundError) Error() string {
	kind := "CTTerm"
	if e.Dictionary {
		kind = "DictionaryTerm"
	}
	return fmt.Sprintf("The following %s uid (%s) wasn't found in the database. "+
		"Please check if the CT data was properly loaded for the following StudyField (%s).",
		kind, e.TermUID, e.Field)
}

func (e *TermNotFoundError) Is(target error) bool { return target == ErrNotFound }

// ProjectNotFoundError is returned when a study references an unknown project.
type ProjectNotFoundError struct {
	ProjectNumber string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("The following Project (%s) wasn't found in the database.", e.ProjectNumber)
}

func (e *ProjectNotFoundError) Is(target error) bool { return target == ErrNotFound }

// TransitionError is returned when a lifecycle action is not allowed from
// the current status.
type TransitionError struct {
	Code    string
	From    Status
	Action  string
	Message string
}

func (e *TransitionError) Error() string {
	return e.Message
}

// NotImplemented wraps ErrNotImplemented with a description.
func NotImplemented(what string) error {
	return fmt.Errorf("%w: %s", ErrNotImplemented, what)
}
