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

package monitor

import (
	"strings"

	"github.com/tombee/sentinel/pkg/plugin"
	"github.com/tombee/sentinel/pkg/ratelimit"
)

// targetParams are the conventional input names monitor plugins take their
// target from.
func targetParams(target string) map[string]any {
	host := ratelimit.HostOf(target)
	if host == "" {
		host = target
	}
	url := target
	if !strings.Contains(url, "://") {
		url = "https://" + url
	}
	return map[string]any{
		"target":  target,
		"targets": []any{target},
		"domain":  host,
		"domains": []any{host},
		"url":     url,
		"urls":    []any{url},
	}
}

// injectTarget copies params and adds the target under every conventional
// name the plugin accepts. User params are never overwritten. A plugin
// without declared input properties receives all of them.
func injectTarget(params map[string]any, target string, schema *plugin.Schema) map[string]any {
	out := make(map[string]any, len(params)+6)
	for k, v := range params {
		out[k] = v
	}
	if target == "" {
		return out
	}
	declared := schema.HasProperties()
	for k, v := range targetParams(target) {
		if _, ok := out[k]; ok {
			continue
		}
		if declared {
			if _, ok := schema.Properties[k]; !ok {
				continue
			}
		}
		out[k] = v
	}
	return out
}
