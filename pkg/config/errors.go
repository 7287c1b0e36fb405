package config

import (
	"errors"
	"fmt"
)

// Sentinels matched with errors.Is by callers and tests.
var (
	ErrConfigNotFound       = errors.New("configuration file not found")
	ErrInvalidYAML          = errors.New("invalid YAML syntax")
	ErrValidationFailed     = errors.New("configuration validation failed")
	ErrMissingRequiredField = errors.New("missing required field")
	ErrInvalidValue         = errors.New("invalid field value")
)

// ValidationError locates a rejected setting by its YAML section and,
// when the problem is a single key, its field.
type ValidationError struct {
	Section string
	Field   string
	Err     error
}

// NewValidationError builds a ValidationError. field may be empty.
func NewValidationError(section, field string, err error) *ValidationError {
	return &ValidationError{Section: section, Field: field, Err: err}
}

// Path is the dotted location of the setting, e.g. "crm.endpoints".
func (e *ValidationError) Path() string {
	if e.Field == "" {
		return e.Section
	}
	return e.Section + "." + e.Field
}

func (e *ValidationError) Error() string { return e.Path() + ": " + e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

// LoadError is a failure to read or decode a config file.
type LoadError struct {
	File string
	Err  error
}

// NewLoadError wraps err with the file it came from.
func NewLoadError(file string, err error) *LoadError {
	return &LoadError{File: file, Err: err}
}

func (e *LoadError) Error() string { return fmt.Sprintf("failed to load %s: %v", e.File, e.Err) }

func (e *LoadError) Unwrap() error { return e.Err }
