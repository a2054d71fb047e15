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
	"encoding/json"
	"errors"
	"io"
	"os"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

const jsonVersion = "1.0"

// JSONResponse is the base envelope for all JSON output
type JSONResponse struct {
	Version string `json:"@version"`
	Command string `json:"command"`
	Success bool   `json:"success"`
}

// JSONError represents a structured error with code, message, location, and suggestion
type JSONError struct {
	Code       string        `json:"code"`
	Message    string        `json:"message"`
	Location   *JSONLocation `json:"location,omitempty"`
	Suggestion string        `json:"suggestion,omitempty"`
	StepID     string        `json:"step_id,omitempty"`
}

// JSONLocation represents a position in a file
type JSONLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Output is where commands write results. Tests replace it.
var Output io.Writer = os.Stdout

// NewResponse returns a success envelope for command.
func NewResponse(command string) JSONResponse {
	return JSONResponse{Version: jsonVersion, Command: command, Success: true}
}

func emitJSON(response interface{}) error {
	encoder := json.NewEncoder(Output)
	encoder.SetIndent("", "  ")
	return encoder.Encode(response)
}

// EmitJSON writes response to Output as indented JSON.
func EmitJSON(response interface{}) error {
	return emitJSON(response)
}

// emitJSONError creates and emits a JSON error response
func emitJSONError(command string, errors []JSONError) error {
	type errorResponse struct {
		JSONResponse
		Errors []JSONError `json:"errors"`
	}

	resp := errorResponse{
		JSONResponse: JSONResponse{
			Version: jsonVersion,
			Command: command,
			Success: false,
		},
		Errors: errors,
	}

	return emitJSON(resp)
}

// EmitJSONError is the exported version of emitJSONError for use by command packages
func EmitJSONError(command string, errors []JSONError) error {
	return emitJSONError(command, errors)
}

// ErrorFor builds the JSON error entry for err.
func ErrorFor(err error) JSONError {
	je := JSONError{Code: CodeFor(err), Message: err.Error(), Suggestion: Suggestion(err)}
	var missing *sentinelerrors.MissingRequiredInputError
	if errors.As(err, &missing) {
		je.StepID = missing.StepID
	}
	return je
}

// Fail emits err as a JSON error envelope when --json is set and returns
// err so the exit code still reflects it.
func Fail(command string, err error) error {
	if err == nil || !GetJSON() {
		return err
	}
	if emitErr := EmitJSONError(command, []JSONError{ErrorFor(err)}); emitErr != nil {
		return emitErr
	}
	return err
}
