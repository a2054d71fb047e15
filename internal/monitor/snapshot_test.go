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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	out := map[string]any{
		"subdomains": []any{"b.example.com", "a.example.com", "a.example.com"},
		"hosts":      []any{map[string]any{"url": "https://a.example.com", "status": 200}},
		"banner":     "nginx",
	}
	got := Normalize("enum", out)
	assert.Equal(t, []string{
		`live_hosts:{"status":200,"url":"https://a.example.com"}`,
		`raw_data:{"banner":"nginx"}`,
		"subdomains:a.example.com",
		"subdomains:b.example.com",
	}, got)

	assert.Empty(t, Normalize("enum", nil))
	assert.Equal(t, HashItems(got), HashItems(Normalize("enum", out)))
}

func TestDiffItems(t *testing.T) {
	d := DiffItems([]string{"a", "b", "d"}, []string{"b", "c", "d", "e"})
	assert.Equal(t, []string{"c", "e"}, d.Added)
	assert.Equal(t, []string{"a"}, d.Removed)
	assert.Equal(t, 3, d.Magnitude())

	assert.True(t, DiffItems([]string{"a"}, []string{"a"}).Empty())
	assert.Equal(t, []string{"a"}, DiffItems(nil, []string{"a"}).Added)
}

func TestDetector_BaselineIsSilent(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(NewMemoryStore())

	obs := Observation{ProgramID: "p", AssetID: "asset-1", Category: CategoryPort, PluginID: "nmap", Items: []string{"raw_data:22"}}
	ev, err := d.Observe(ctx, obs)
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = d.Observe(ctx, obs)
	require.NoError(t, err)
	assert.Nil(t, ev)

	obs.Items = []string{"raw_data:22", "raw_data:3389"}
	ev, err = d.Observe(ctx, obs)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, EventPortChange, ev.EventType)
	assert.Equal(t, 60, ev.RiskScore)
	assert.Equal(t, StatusNew, ev.Status)

	// categories of one asset are independent
	ev, err = d.Observe(ctx, Observation{AssetID: "asset-1", Category: CategoryWeb, Items: []string{"x"}})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestDetector_BaselinesArePerProgram(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(NewMemoryStore())

	base := []string{"subdomain:a.example.com"}
	for _, prog := range []string{"prog-a", "prog-b"} {
		ev, err := d.Observe(ctx, Observation{ProgramID: prog, AssetID: "example.com", Category: CategoryDNS, Items: base})
		require.NoError(t, err)
		assert.Nil(t, ev, prog)
	}

	changed := []string{"subdomain:a.example.com", "subdomain:b.example.com"}
	for _, prog := range []string{"prog-a", "prog-b"} {
		ev, err := d.Observe(ctx, Observation{ProgramID: prog, AssetID: "example.com", Category: CategoryDNS, Items: changed})
		require.NoError(t, err)
		require.NotNil(t, ev, "%s sees the change against its own baseline", prog)
		assert.Equal(t, prog, ev.ProgramID)
		assert.Equal(t, []string{"subdomain:b.example.com"}, ev.Diff.Added)
	}
}

func TestDetector_ConcurrentObservationsOfOneAsset(t *testing.T) {
	ctx := context.Background()
	d := NewDetector(NewMemoryStore())

	// alternating observations: with compare-and-write serialized, every
	// observation after the first sees its predecessor's snapshot
	var wg sync.WaitGroup
	var mu sync.Mutex
	changes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			items := []string{"a"}
			if i%2 == 1 {
				items = []string{"b"}
			}
			ev, err := d.Observe(ctx, Observation{AssetID: "asset-1", Category: CategoryDNS, Items: items})
			assert.NoError(t, err)
			if ev != nil {
				mu.Lock()
				changes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, changes, 19)

	snap, err := d.snapshots.GetSnapshot(ctx, "", "asset-1", CategoryDNS)
	require.NoError(t, err)
	assert.Equal(t, HashItems(snap.Items), snap.Hash)
}

func TestKeyedMutex(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")

	acquired := make(chan struct{})
	go func() {
		defer close(acquired)
		k.Lock("a")()
	}()

	// other keys are independent
	k.Lock("b")()

	select {
	case <-acquired:
		t.Fatal("second lock of the same key acquired while held")
	case <-time.After(20 * time.Millisecond):
	}
	unlock()
	<-acquired

	k.mu.Lock()
	defer k.mu.Unlock()
	assert.Empty(t, k.locks)
}
