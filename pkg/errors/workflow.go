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

package errors

import (
	"fmt"
	"strings"
)

// InvalidWorkflowError is a pre-flight failure: the template can never run.
// No execution state is created when this is returned.
type InvalidWorkflowError struct {
	TemplateID string

	// StepID is the offending step, empty for template-level problems
	StepID string

	Reason string
}

// Error implements the error interface.
func (e *InvalidWorkflowError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("invalid workflow %q: step %q: %s", e.TemplateID, e.StepID, e.Reason)
	}
	return fmt.Sprintf("invalid workflow %q: %s", e.TemplateID, e.Reason)
}

// Is matches ErrInvalidWorkflow.
func (e *InvalidWorkflowError) Is(target error) bool {
	return target == ErrInvalidWorkflow
}

// ErrorType implements ErrorClassifier.
func (e *InvalidWorkflowError) ErrorType() string { return "invalid_workflow" }

// IsRetryable implements ErrorClassifier.
func (e *InvalidWorkflowError) IsRetryable() bool { return false }

// MissingRequiredInputError reports a required plugin input that resolved to
// nothing and has no schema default. The plugin is never invoked.
type MissingRequiredInputError struct {
	StepID string
	Field  string

	// SourceStepID is set when the field was fed by an input mapping
	SourceStepID string

	// UpstreamFailed is true when the source step itself failed
	UpstreamFailed bool
}

// Error implements the error interface.
func (e *MissingRequiredInputError) Error() string {
	msg := fmt.Sprintf("step %q: required input %q is missing", e.StepID, e.Field)
	if e.SourceStepID != "" {
		msg = fmt.Sprintf("%s (mapped from step %q", msg, e.SourceStepID)
		if e.UpstreamFailed {
			msg += ", which failed"
		}
		msg += ")"
	}
	return msg
}

// Is matches ErrMissingRequiredInput.
func (e *MissingRequiredInputError) Is(target error) bool {
	return target == ErrMissingRequiredInput
}

// ErrorType implements ErrorClassifier.
func (e *MissingRequiredInputError) ErrorType() string { return "missing_required_input" }

// IsRetryable implements ErrorClassifier.
func (e *MissingRequiredInputError) IsRetryable() bool { return false }

// SchemaValidationError lists the schema violations of a plugin input.
type SchemaValidationError struct {
	PluginID string
	Issues   []string
}

// Error implements the error interface.
func (e *SchemaValidationError) Error() string {
	return fmt.Sprintf("plugin %q input failed schema validation: %s", e.PluginID, strings.Join(e.Issues, "; "))
}

// Is matches ErrSchemaValidation.
func (e *SchemaValidationError) Is(target error) bool {
	return target == ErrSchemaValidation
}

// ErrorType implements ErrorClassifier.
func (e *SchemaValidationError) ErrorType() string { return "schema_validation" }

// IsRetryable implements ErrorClassifier.
func (e *SchemaValidationError) IsRetryable() bool { return false }

// PluginInvocationError wraps a failure returned by a plugin transport.
type PluginInvocationError struct {
	PluginID string

	// StatusCode is the HTTP status or process exit code, when one exists
	StatusCode int

	Message string

	// Permanent marks failures a retry cannot fix
	Permanent bool

	Cause error
}

// Error implements the error interface.
func (e *PluginInvocationError) Error() string {
	msg := fmt.Sprintf("plugin %s failed", e.PluginID)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (%d)", msg, e.StatusCode)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PluginInvocationError) Unwrap() error {
	return e.Cause
}

// Is matches ErrPluginInvocation.
func (e *PluginInvocationError) Is(target error) bool {
	return target == ErrPluginInvocation
}

// ErrorType implements ErrorClassifier.
func (e *PluginInvocationError) ErrorType() string { return "plugin_invocation" }

// IsRetryable implements ErrorClassifier.
func (e *PluginInvocationError) IsRetryable() bool { return !e.Permanent }
