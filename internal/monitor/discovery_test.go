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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
	"github.com/tombee/sentinel/pkg/events"
)

func discoveryOutput(ctx context.Context, input map[string]any) (map[string]any, error) {
	return map[string]any{
		"data": map[string]any{
			"subdomains": []any{"a.example.com", map[string]any{"domain": "b.example.com"}},
			"urls":       []any{"https://a.example.com/login"},
			"assets": []any{
				map[string]any{
					"type":       "port",
					"hostname":   "a.example.com",
					"port":       float64(3389),
					"attributes": map[string]any{"service": "ms-rdp"},
				},
				map[string]any{"type": "subdomain", "value": "a.example.com"},
			},
		},
	}, nil
}

func TestDiscoverAndImportAssets(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.reg.RegisterFunc("discover", nil, nil, discoveryOutput))

	req := DiscoverRequest{ProgramID: "prog-1", PluginID: "discover", Target: "example.com", AutoImport: true}
	res, err := env.monitor.DiscoverAndImportAssets(ctx, req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.AssetsDiscovered)
	assert.Equal(t, 4, res.AssetsImported)
	assert.Equal(t, 4, res.EventsCreated)
	assert.Contains(t, res.PluginOutput, "data")

	port, err := env.monitor.stores.Assets.FindAsset(ctx, "prog-1", "a.example.com:3389")
	require.NoError(t, err)
	assert.Equal(t, AssetPort, port.Type)
	assert.Equal(t, 55, port.RiskScore)
	assert.Equal(t, "a.example.com", port.Target())

	evs, err := env.monitor.ListEvents(ctx, &EventQuery{ProgramID: "prog-1", AssetID: port.ID})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, EventAssetDiscovered, evs[0].EventType)
	assert.Equal(t, 65, evs[0].RiskScore)
	assert.False(t, evs[0].AutoTriggerEnabled)
	assert.Len(t, env.eventsOf(events.ChangeDetected), 4)

	// a second run finds the same assets and imports nothing
	res, err = env.monitor.DiscoverAndImportAssets(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 4, res.AssetsDiscovered)
	assert.Equal(t, 0, res.AssetsImported)
	assert.Equal(t, 0, res.EventsCreated)
	assert.Empty(t, env.starter.calls)
}

func TestDiscoverAndImportAssets_WithoutImport(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.reg.RegisterFunc("discover", nil, nil, discoveryOutput))

	res, err := env.monitor.DiscoverAndImportAssets(ctx, DiscoverRequest{ProgramID: "prog-1", PluginID: "discover", Target: "example.com"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 4, res.AssetsDiscovered)
	assert.Zero(t, res.AssetsImported)
	assert.Zero(t, res.EventsCreated)
	assert.Contains(t, res.PluginOutput, "data")

	assets, err := env.monitor.stores.Assets.ListAssets(ctx, "prog-1")
	require.NoError(t, err)
	assert.Empty(t, assets)
	evs, err := env.monitor.ListEvents(ctx, &EventQuery{ProgramID: "prog-1"})
	require.NoError(t, err)
	assert.Empty(t, evs)
	assert.Empty(t, env.eventsOf(events.ChangeDetected))
}

func TestDiscoverAndImportAssets_Failures(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.reg.RegisterFunc("broken", nil, nil, failing("403 forbidden")))

	res, err := env.monitor.DiscoverAndImportAssets(ctx, DiscoverRequest{ProgramID: "prog-1", PluginID: "broken", Target: "example.com"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "403 forbidden", res.Error)

	_, err = env.monitor.DiscoverAndImportAssets(ctx, DiscoverRequest{ProgramID: "prog-1", PluginID: "nope"})
	assert.ErrorIs(t, err, sentinelerrors.ErrPluginNotFound)

	_, err = env.monitor.DiscoverAndImportAssets(ctx, DiscoverRequest{PluginID: "broken"})
	assert.ErrorAs(t, err, new(*sentinelerrors.ValidationError))
}

func TestExtractAssets(t *testing.T) {
	got := ExtractAssets(map[string]any{
		"subdomains": []string{"x.example.com"},
		"ips":        []any{"10.0.0.1"},
		"findings": []any{
			map[string]any{"title": "open redirect", "url": "https://x.example.com/r"},
			map[string]any{"title": "no location"},
		},
	})
	require.Len(t, got, 3)
	assert.Equal(t, AssetSubdomain, got[0].Type)
	assert.Equal(t, AssetIP, got[1].Type)
	assert.Equal(t, AssetURL, got[2].Type)
	assert.Equal(t, "x.example.com", got[2].Hostname)

	assert.Empty(t, ExtractAssets(map[string]any{"banner": "nginx"}))
}
