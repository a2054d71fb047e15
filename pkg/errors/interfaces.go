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

// ErrorClassifier defines methods for programmatic error handling.
// The retry controller consults IsRetryable before scheduling another attempt.
type ErrorClassifier interface {
	error

	// ErrorType returns a string identifying the error category.
	// Examples: "schema_validation", "timeout", "plugin_invocation"
	ErrorType() string

	// IsRetryable returns true if the operation should be retried.
	IsRetryable() bool
}

// Kind returns the ErrorType of the first classifier in err's tree,
// or "internal" when there is none.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var c ErrorClassifier
	if As(err, &c) {
		return c.ErrorType()
	}
	if Is(err, ErrNotFound) {
		return "not_found"
	}
	return "internal"
}
