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
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/metrics"
	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// DiscoverRequest asks a discovery plugin for a program's assets. Without
// AutoImport the assets are only counted.
type DiscoverRequest struct {
	ProgramID  string         `json:"program_id"`
	PluginID   string         `json:"plugin_id"`
	Target     string         `json:"target"`
	Params     map[string]any `json:"params,omitempty"`
	AutoImport bool           `json:"auto_import"`
}

// DiscoverResult reports what a discovery run found and imported.
type DiscoverResult struct {
	Success          bool           `json:"success"`
	AssetsDiscovered int            `json:"assets_discovered"`
	AssetsImported   int            `json:"assets_imported"`
	EventsCreated    int            `json:"events_created"`
	PluginOutput     map[string]any `json:"plugin_output,omitempty"`
	Error            string         `json:"error,omitempty"`
}

// DiscoverAndImportAssets invokes a discovery plugin and, when AutoImport is
// set, imports every asset in its output the program does not already have,
// scoring each and recording an asset_discovered event for it. A failing
// plugin is reported in the result; only bad requests and unknown plugins
// return an error.
func (m *Monitor) DiscoverAndImportAssets(ctx context.Context, req DiscoverRequest) (*DiscoverResult, error) {
	if req.ProgramID == "" {
		return nil, &sentinelerrors.ValidationError{Field: "program_id", Message: "program_id is required"}
	}
	if req.PluginID == "" {
		return nil, &sentinelerrors.ValidationError{Field: "plugin_id", Message: "plugin_id is required"}
	}
	if _, err := m.registry.Get(req.PluginID); err != nil {
		return nil, err
	}
	logger := m.logger.With(slog.String(log.ProgramIDKey, req.ProgramID), slog.String(log.PluginIDKey, req.PluginID))

	out, err := m.invoke(ctx, req.PluginID, req.Params, req.Target)
	if err != nil {
		logger.Warn("asset discovery failed", log.Error(err))
		return &DiscoverResult{Error: err.Error()}, nil
	}

	found := ExtractAssets(out)
	res := &DiscoverResult{Success: true, AssetsDiscovered: len(found), PluginOutput: out}
	if !req.AutoImport {
		logger.Info("asset discovery finished without import", slog.Int("discovered", res.AssetsDiscovered))
		return res, nil
	}
	for _, a := range found {
		if _, err := m.stores.Assets.FindAsset(ctx, req.ProgramID, a.Value); err == nil {
			continue
		}
		now := m.now()
		a.ID = m.newID()
		a.ProgramID = req.ProgramID
		a.CreatedAt = now
		a.UpdatedAt = now
		a.RiskScore = ScoreAsset(a, now)
		if err := m.stores.Assets.CreateAsset(ctx, a); err != nil {
			metrics.RecordPersistenceError("create_asset")
			logger.Error("importing asset", slog.String("value", a.Value), log.Error(err))
			continue
		}
		res.AssetsImported++

		score := max(RiskScore(EventAssetDiscovered, 1), a.RiskScore)
		ev := &ChangeEvent{
			ID:              m.newID(),
			ProgramID:       req.ProgramID,
			AssetID:         a.ID,
			EventType:       EventAssetDiscovered,
			Severity:        SeverityFor(score),
			RiskScore:       score,
			Status:          StatusNew,
			NewValue:        []string{string(a.Type) + ":" + a.Value},
			Diff:            Diff{Added: []string{string(a.Type) + ":" + a.Value}},
			DetectionMethod: "discovery:" + req.PluginID,
			DetectedAt:      now,
			UpdatedAt:       now,
		}
		// discovery has no task, so auto-trigger stays off
		if err := m.handleEvent(ctx, &Task{ProgramID: req.ProgramID}, ev, a.Target()); err != nil {
			logger.Error("recording discovery event", log.Error(err))
			continue
		}
		res.EventsCreated++
	}
	logger.Info("asset discovery finished",
		slog.Int("discovered", res.AssetsDiscovered),
		slog.Int("imported", res.AssetsImported))
	return res, nil
}

// ExtractAssets pulls assets out of discovery output: subdomains, urls, ips,
// findings with a url and explicit asset objects. A {"data": {...}}
// envelope is unwrapped. Duplicate values are dropped.
func ExtractAssets(out map[string]any) []*Asset {
	if inner, ok := out["data"].(map[string]any); ok {
		out = inner
	}
	seen := make(map[string]bool)
	var assets []*Asset
	add := func(a *Asset) {
		if a.Value == "" || seen[a.Value] {
			return
		}
		seen[a.Value] = true
		assets = append(assets, a)
	}

	for _, v := range list(out["subdomains"]) {
		name := ""
		switch s := v.(type) {
		case string:
			name = s
		case map[string]any:
			name = attrString(s, "domain")
			if name == "" {
				name = attrString(s, "subdomain")
			}
		}
		add(&Asset{Type: AssetSubdomain, Value: name, Hostname: name, IsAlive: true})
	}
	for _, v := range list(out["urls"]) {
		if s, ok := v.(string); ok {
			add(&Asset{Type: AssetURL, Value: s, Hostname: hostOf(s), IsAlive: true})
		}
	}
	for _, v := range list(out["ips"]) {
		if s, ok := v.(string); ok {
			add(&Asset{Type: AssetIP, Value: s, Hostname: s, IsAlive: true})
		}
	}
	for _, v := range list(out["findings"]) {
		f, ok := v.(map[string]any)
		if !ok {
			continue
		}
		u := attrString(f, "url")
		if u == "" {
			u = attrString(f, "evidence")
		}
		if u != "" {
			add(&Asset{Type: AssetURL, Value: u, Hostname: hostOf(u), IsAlive: true})
		}
	}
	for _, v := range list(out["assets"]) {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		a := &Asset{
			Type:     AssetType(attrString(obj, "type")),
			Value:    attrString(obj, "value"),
			Hostname: attrString(obj, "hostname"),
			Port:     attrInt(obj, "port"),
			IsAlive:  true,
		}
		if a.Type == "" {
			a.Type = AssetDomain
		}
		if attrs, ok := obj["attributes"].(map[string]any); ok {
			a.Attributes = cloneParams(attrs)
		}
		if alive, ok := obj["is_alive"].(bool); ok {
			a.IsAlive = alive
		}
		if a.Hostname == "" {
			a.Hostname = hostOf(a.Value)
		}
		if a.Type == AssetPort && a.Value == "" && a.Hostname != "" && a.Port > 0 {
			a.Value = a.Hostname + ":" + strconv.Itoa(a.Port)
		}
		add(a)
	}
	return assets
}

func list(v any) []any {
	switch items := v.(type) {
	case []any:
		return items
	case []string:
		out := make([]any, len(items))
		for i, s := range items {
			out[i] = s
		}
		return out
	case nil:
		return nil
	default:
		return []any{fmt.Sprint(items)}
	}
}
