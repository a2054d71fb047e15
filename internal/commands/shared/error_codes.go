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

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// Error codes for structured JSON output
const (
	// Validation errors (E001-E099)
	ErrorCodeInvalidYAML      = "E002" // Invalid YAML syntax
	ErrorCodeSchemaViolation  = "E003" // Plugin schema or template constraint violation
	ErrorCodeInvalidReference = "E004" // Unknown step, plugin or mapping source

	// Execution errors (E100-E199)
	ErrorCodePluginFailed = "E101" // Plugin invocation failed
	ErrorCodeTimeout      = "E102" // Plugin or workflow timeout
	ErrorCodeStepFailed   = "E103" // Step execution failed

	// Configuration errors (E200-E299)
	ErrorCodeInvalidConfig = "E202" // Invalid configuration

	// Input errors (E300-E399)
	ErrorCodeMissingInput = "E301" // Required input missing
	ErrorCodeInvalidInput = "E302" // Invalid argument or input format
	ErrorCodeFileNotFound = "E303" // File not found

	// Resource errors (E400-E499)
	ErrorCodeNotFound = "E401" // Resource not found
	ErrorCodeInternal = "E402" // Internal error
)

// CodeFor maps an error to its JSON error code.
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	var valErr *sentinelerrors.ValidationError
	if errors.As(err, &valErr) {
		if valErr.Field == "template" {
			return ErrorCodeInvalidYAML
		}
		return ErrorCodeInvalidInput
	}
	switch sentinelerrors.Kind(err) {
	case "invalid_workflow":
		return ErrorCodeInvalidReference
	case "schema_validation":
		return ErrorCodeSchemaViolation
	case "missing_required_input":
		return ErrorCodeMissingInput
	case "plugin_invocation":
		return ErrorCodePluginFailed
	case "timeout":
		return ErrorCodeTimeout
	case "not_found":
		return ErrorCodeNotFound
	}
	var cfgErr *sentinelerrors.ConfigError
	if errors.As(err, &cfgErr) {
		return ErrorCodeInvalidConfig
	}
	if ExitCode(err) == ExitExecutionFailed {
		return ErrorCodeStepFailed
	}
	return ErrorCodeInternal
}
