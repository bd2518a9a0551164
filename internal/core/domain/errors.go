package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrValidation      = errors.New("validation failed")
	ErrSynchronization = errors.New("synchronization failed")
	ErrRestart         = errors.New("restart failed")
)

// ValidationError carries per-field messages for the administrative caller.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// DuplicateError is a uniqueness violation on a credential column.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s already exists", e.Field)
}

func (e *DuplicateError) Is(target error) bool {
	return target == ErrValidation
}

// SyncError reports a rebuild that could not read the store. The config that
// was installed alongside it is empty.
type SyncError struct {
	Err error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("synchronization failed: %v", e.Err)
}

func (e *SyncError) Unwrap() []error {
	return []error{ErrSynchronization, e.Err}
}

type RestartError struct {
	Reason string
	Err    error
}

func (e *RestartError) Error() string {
	return fmt.Sprintf("restart (%s) failed: %v", e.Reason, e.Err)
}

func (e *RestartError) Unwrap() []error {
	return []error{ErrRestart, e.Err}
}
