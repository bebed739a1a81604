// Package bencherrors contains the typed errors returned by busbench components.
// Commands look for these types (using errors.As, so wrapping with pkg/errors is fine)
// to decide on the process exit code.
//
// If several errors are found at once, e.g. when validating a config file, they should
// be returned together as a multierror.Error from github.com/hashicorp/go-multierror.
package bencherrors

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ErrInvalidArgument is returned when a configuration value or command line argument is invalid.
// Message is optional and is omitted from the error message if not provided.
type ErrInvalidArgument struct {
	Name    string      // Name of the field referred to, e.g., "benchmark.rampUp"
	Value   interface{} // The invalid value that was provided
	Message string      // An optional message explaining why the value is invalid
}

func (err *ErrInvalidArgument) Error() string {
	if err.Message == "" {
		return fmt.Sprintf("value %q is invalid for field %q", fmt.Sprint(err.Value), err.Name)
	}
	return fmt.Sprintf("value %q is invalid for field %q; %s", fmt.Sprint(err.Value), err.Name, err.Message)
}

// ErrNotFound is returned when a named component, e.g. a transport kind, doesn't exist.
// Type and Message are optional and are omitted from the error message if not provided.
type ErrNotFound struct {
	Type    string // Component type, e.g., "transport"
	Value   string // Component name, e.g., "kafka"
	Message string
}

func (err *ErrNotFound) Error() (s string) {
	if err.Type != "" {
		s = fmt.Sprintf("%s %q does not exist", err.Type, err.Value)
	} else {
		s = fmt.Sprintf("%q does not exist", err.Value)
	}
	if err.Message != "" {
		return s + fmt.Sprintf("; %s", err.Message)
	}
	return s
}

// ErrNotification is returned when the completion signal could not be delivered.
// The run itself is complete when this error is returned.
type ErrNotification struct {
	Endpoint string
	Err      error
}

func (err *ErrNotification) Error() string {
	return fmt.Sprintf("failed to send completion signal to %s: %v", err.Endpoint, err.Err)
}

func (err *ErrNotification) Unwrap() error {
	return err.Err
}

const (
	ExitOK              = 0
	ExitFailure         = 1
	ExitInvalidArgument = 2
	ExitNotification    = 3
)

// ExitCodeFromError maps error types to process exit codes.
// Uses errors.As to look through the chain of errors and through multierrors,
// as opposed to just considering the topmost error.
func ExitCodeFromError(err error) int {
	if err == nil {
		return ExitOK
	}

	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		code := ExitOK
		for _, e := range merr.Errors {
			if c := ExitCodeFromError(e); c > code {
				code = c
			}
		}
		return code
	}

	var eInvalidArgument *ErrInvalidArgument
	var eNotFound *ErrNotFound
	var eNotification *ErrNotification
	switch {
	case errors.As(err, &eInvalidArgument):
		return ExitInvalidArgument
	case errors.As(err, &eNotFound):
		return ExitInvalidArgument
	case errors.As(err, &eNotification):
		return ExitNotification
	default:
		return ExitFailure
	}
}
