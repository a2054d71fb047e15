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
	"fmt"
	"io"
	"os"
	"strings"
)

// Stdin is where "-" arguments read from.
var Stdin io.Reader = os.Stdin

// ReadInput reads path, or Stdin when path is "-". Reading from an
// interactive terminal is refused rather than blocking.
func ReadInput(path string) ([]byte, error) {
	if path != "-" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, NewMissingInputError(fmt.Sprintf("failed to read %s", path), err)
		}
		return data, nil
	}
	if f, ok := Stdin.(*os.File); ok && IsTerminal(f) {
		return nil, NewMissingInputError("reading from - requires input on stdin (pipe or redirect)", nil)
	}
	data, err := io.ReadAll(Stdin)
	if err != nil {
		return nil, NewMissingInputError("failed to read from stdin", err)
	}
	return data, nil
}

// LoadInputFile reads a JSON object of inputs from path or "-".
func LoadInputFile(path string) (map[string]any, error) {
	data, err := ReadInput(path)
	if err != nil {
		return nil, err
	}
	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, NewInvalidError("failed to parse JSON input", err)
	}
	if inputs == nil {
		inputs = make(map[string]any)
	}
	return inputs, nil
}

// ParseInputs merges an optional input file with key=value arguments; the
// arguments win. A value that parses as JSON keeps its JSON type, so
// targets=["a","b"] is a list and depth=2 a number. Anything else is a string.
func ParseInputs(pairs []string, inputFile string) (map[string]any, error) {
	inputs := make(map[string]any)
	if inputFile != "" {
		var err error
		if inputs, err = LoadInputFile(inputFile); err != nil {
			return nil, err
		}
	}
	kv, err := ParseKeyValues(pairs)
	if err != nil {
		return nil, err
	}
	for k, v := range kv {
		inputs[k] = v
	}
	return inputs, nil
}

// ParseKeyValues parses key=value arguments with JSON value decoding.
func ParseKeyValues(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, arg := range pairs {
		key, raw, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, NewInvalidError(fmt.Sprintf("invalid input format %q (expected key=value)", arg), nil)
		}
		out[key] = decodeValue(raw)
	}
	return out, nil
}

func decodeValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
