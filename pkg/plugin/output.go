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

package plugin

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// maxErrorSnippet bounds how much of stderr or a response body ends up in an error.
const maxErrorSnippet = 512

// decodeOutput parses a plugin's JSON reply. Non-object replies are wrapped
// as {"result": value}. A reply shaped {"success": false, "error": "..."} is
// turned into a PluginInvocationError.
func decodeOutput(pluginID string, raw []byte) (map[string]interface{}, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return map[string]interface{}{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, &sentinelerrors.PluginInvocationError{
			PluginID:  pluginID,
			Message:   "output is not valid JSON",
			Permanent: true,
			Cause:     err,
		}
	}
	v = normalizeNumbers(v)

	obj, ok := v.(map[string]interface{})
	if !ok {
		return map[string]interface{}{"result": v}, nil
	}

	if success, ok := obj["success"].(bool); ok && !success {
		msg, _ := obj["error"].(string)
		if msg == "" {
			msg = "plugin reported failure"
		}
		return obj, &sentinelerrors.PluginInvocationError{PluginID: pluginID, Message: msg}
	}
	return obj, nil
}

// normalizeNumbers converts json.Number into int64 where exact, float64 otherwise.
func normalizeNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeNumbers(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeNumbers(val)
		}
		return t
	default:
		return v
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > maxErrorSnippet {
		s = s[:maxErrorSnippet] + "..."
	}
	return s
}

func encodeInput(pluginID string, input map[string]interface{}) ([]byte, error) {
	if input == nil {
		input = map[string]interface{}{}
	}
	b, err := json.Marshal(input)
	if err != nil {
		return nil, &sentinelerrors.PluginInvocationError{
			PluginID:  pluginID,
			Message:   fmt.Sprintf("encode input: %v", err),
			Permanent: true,
		}
	}
	return b, nil
}
