// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package shared

import (
	"errors"
	"fmt"
	"io"
	"os"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Exit codes for sentinel commands
const (
	ExitSuccess         = 0
	ExitExecutionFailed = 1
	ExitInvalid         = 2
	ExitMissingInput    = 3
	ExitConfigError     = 4
	ExitNotFound        = 5
)

// ExitError is an error that carries an exit code
type ExitError struct {
	Code    int
	Message string
	Cause   error
}

func (e *ExitError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Cause
}

// NewExecutionError creates an error for workflow execution failures
func NewExecutionError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitExecutionFailed, Message: msg, Cause: cause}
}

// NewInvalidError creates an error for templates or arguments that fail validation
func NewInvalidError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitInvalid, Message: msg, Cause: cause}
}

// NewMissingInputError creates an error for missing required inputs
func NewMissingInputError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitMissingInput, Message: msg, Cause: cause}
}

// NewConfigError creates an error for unreadable or invalid configuration
func NewConfigError(msg string, cause error) *ExitError {
	return &ExitError{Code: ExitConfigError, Message: msg, Cause: cause}
}

// Classify wraps err in an ExitError whose code follows the error's kind.
// Errors that already carry an exit code are returned unchanged.
func Classify(msg string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	var cfgErr *sentinelerrors.ConfigError
	var valErr *sentinelerrors.ValidationError
	switch {
	case errors.As(err, &cfgErr):
		return NewConfigError(msg, err)
	case errors.Is(err, sentinelerrors.ErrInvalidWorkflow), errors.As(err, &valErr):
		return NewInvalidError(msg, err)
	case errors.Is(err, sentinelerrors.ErrMissingRequiredInput):
		return NewMissingInputError(msg, err)
	case errors.Is(err, sentinelerrors.ErrNotFound):
		return &ExitError{Code: ExitNotFound, Message: msg, Cause: err}
	default:
		return NewExecutionError(msg, err)
	}
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitExecutionFailed
}

// HandleExitError prints err with any suggestion it carries and exits with
// the matching code.
func HandleExitError(err error) {
	if err == nil {
		return
	}
	PrintError(os.Stderr, err)
	os.Exit(ExitCode(err))
}

// PrintError writes err and its suggestion, if any, to w.
func PrintError(w io.Writer, err error) {
	fmt.Fprintln(w, "Error:", err.Error())
	if s := Suggestion(err); s != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", s)
	}
}

// Suggestion returns the first remediation hint found in err's chain.
func Suggestion(err error) string {
	var v *sentinelerrors.ValidationError
	if errors.As(err, &v) && v.Suggestion != "" {
		return v.Suggestion
	}
	var c *sentinelerrors.ConfigError
	if errors.As(err, &c) && c.Key != "" {
		return fmt.Sprintf("check %s in the config file or its environment override", c.Key)
	}
	return ""
}
