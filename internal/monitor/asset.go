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
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AssetType is the kind of thing an asset identifies.
type AssetType string

// Asset types.
const (
	AssetDomain      AssetType = "domain"
	AssetSubdomain   AssetType = "subdomain"
	AssetURL         AssetType = "url"
	AssetIP          AssetType = "ip"
	AssetPort        AssetType = "port"
	AssetCertificate AssetType = "certificate"
)

// Asset is a monitored target belonging to a program.
type Asset struct {
	ID         string         `json:"id"`
	ProgramID  string         `json:"program_id"`
	Type       AssetType      `json:"asset_type"`
	Value      string         `json:"value"`
	Hostname   string         `json:"hostname,omitempty"`
	Port       int            `json:"port,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	IsAlive    bool           `json:"is_alive"`
	RiskScore  int            `json:"risk_score"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Target returns the value monitor plugins should be pointed at.
func (a *Asset) Target() string {
	if a.Hostname != "" && a.Type == AssetPort {
		return a.Hostname
	}
	return a.Value
}

// Clone returns a deep copy of the asset.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	c := *a
	c.Attributes = cloneParams(a.Attributes)
	return &c
}

// ScoreAsset computes an asset's risk score from its type and attributes.
// Types without a scoring table score 10.
func ScoreAsset(a *Asset, now time.Time) int {
	switch a.Type {
	case AssetPort:
		return PortRisk(a.Port, attrString(a.Attributes, "service"))
	case AssetURL:
		var waf *bool
		if v, ok := a.Attributes["waf"].(bool); ok {
			waf = &v
		}
		return URLRisk(attrInt(a.Attributes, "status_code"), waf)
	case AssetCertificate:
		var notAfter time.Time
		if s := attrString(a.Attributes, "not_after"); s != "" {
			notAfter, _ = time.Parse(time.RFC3339, s)
		}
		return CertRisk(notAfter, attrString(a.Attributes, "issuer"), attrInt(a.Attributes, "key_size"), now)
	}
	return 10
}

func attrString(attrs map[string]any, key string) string {
	switch v := attrs[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func attrInt(attrs map[string]any, key string) int {
	switch v := attrs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}

// stripScheme turns "https://a.example.com/x" into "a.example.com/x".
func stripScheme(s string) string {
	if i := strings.Index(s, "://"); i >= 0 {
		return s[i+3:]
	}
	return s
}

// hostOf returns the host part of a URL or bare host[:port][/path].
func hostOf(s string) string {
	s = stripScheme(s)
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 && !strings.Contains(s[i+1:], "]") {
		s = s[:i]
	}
	return s
}
