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

package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_GlobalBudget(t *testing.T) {
	l := New(Config{GlobalLimit: 20, HostLimit: 100, HostDelay: 0})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	admitted := make(chan *Guard, 25)
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g, err := l.Acquire(ctx, fmt.Sprintf("host-%d.example.com", i))
			if err == nil {
				admitted <- g
			}
		}(i)
	}

	var held []*Guard
	for len(held) < 20 {
		select {
		case g := <-admitted:
			held = append(held, g)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d requests admitted", len(held))
		}
	}

	// the remaining five stay suspended
	select {
	case <-admitted:
		t.Fatal("more than 20 requests admitted")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, 0, l.Stats().GlobalAvailable)

	held[0].Release()
	select {
	case g := <-admitted:
		held = append(held, g)
	case <-time.After(2 * time.Second):
		t.Fatal("release did not admit a waiting request")
	}

	cancel()
	wg.Wait()
	for _, g := range held {
		g.Release()
	}
	assert.Equal(t, 20, l.Stats().GlobalAvailable)
}

func TestLimiter_HostBudget(t *testing.T) {
	l := New(Config{GlobalLimit: 10, HostLimit: 2})
	ctx := context.Background()

	g1, err := l.Acquire(ctx, "a.com")
	require.NoError(t, err)
	g2, err := l.Acquire(ctx, "a.com")
	require.NoError(t, err)

	// another host is unaffected
	other, err := l.Acquire(ctx, "b.com")
	require.NoError(t, err)
	other.Release()

	blocked, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = l.Acquire(blocked, "a.com")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	g1.Release()
	g3, err := l.Acquire(ctx, "a.com")
	require.NoError(t, err)

	stats := l.Stats()
	assert.Equal(t, 8, stats.GlobalAvailable)
	// b.com went idle and is no longer tracked
	require.Len(t, stats.Hosts, 1)
	assert.Equal(t, HostStats{Host: "a.com", Available: 0, Limit: 2}, stats.Hosts[0])

	g2.Release()
	g3.Release()
	assert.Equal(t, 10, l.Stats().GlobalAvailable)
}

func TestLimiter_HostDelay(t *testing.T) {
	delay := 60 * time.Millisecond
	l := New(Config{GlobalLimit: 5, HostLimit: 5, HostDelay: delay})
	ctx := context.Background()

	g, err := l.Acquire(ctx, "a.com")
	require.NoError(t, err)
	g.Release()

	start := time.Now()
	g, err = l.Acquire(ctx, "a.com")
	require.NoError(t, err)
	g.Release()
	assert.GreaterOrEqual(t, time.Since(start), delay-10*time.Millisecond)

	// pacing is per host
	start = time.Now()
	g, err = l.Acquire(ctx, "b.com")
	require.NoError(t, err)
	g.Release()
	assert.Less(t, time.Since(start), delay)
}

func TestLimiter_HostDelayUnderGlobalContention(t *testing.T) {
	delay := 100 * time.Millisecond
	l := New(Config{GlobalLimit: 1, HostLimit: 5, HostDelay: delay})
	ctx := context.Background()

	blocker, err := l.Acquire(ctx, "other.com")
	require.NoError(t, err)

	dispatched := make(chan time.Time, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g, err := l.Acquire(ctx, "y.com")
			if !assert.NoError(t, err) {
				return
			}
			dispatched <- time.Now()
			g.Release()
		}()
	}

	// both callers queue behind the global slot long enough for their
	// pacing interval to have passed twice over
	time.Sleep(3 * delay)
	blocker.Release()
	wg.Wait()
	close(dispatched)

	var times []time.Time
	for ts := range dispatched {
		times = append(times, ts)
	}
	require.Len(t, times, 2)
	gap := times[1].Sub(times[0])
	if gap < 0 {
		gap = -gap
	}
	assert.GreaterOrEqual(t, gap, delay-10*time.Millisecond)
}

func TestLimiter_EvictsIdleHosts(t *testing.T) {
	delay := 30 * time.Millisecond
	l := New(Config{GlobalLimit: 5, HostLimit: 5, HostDelay: delay})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		g, err := l.Acquire(ctx, fmt.Sprintf("h%d.example.com", i))
		require.NoError(t, err)
		g.Release()
	}
	// still inside their pacing interval
	assert.Len(t, l.Stats().Hosts, 10)

	time.Sleep(2 * delay)
	g, err := l.Acquire(ctx, "last.example.com")
	require.NoError(t, err)
	assert.Len(t, l.Stats().Hosts, 1)
	g.Release()

	// a recreated entry still honours the interval since its last dispatch
	start := time.Now()
	g, err = l.Acquire(ctx, "last.example.com")
	require.NoError(t, err)
	g.Release()
	assert.GreaterOrEqual(t, time.Since(start), delay-10*time.Millisecond)
}

func TestLimiter_CancelledWaitReturnsBudget(t *testing.T) {
	l := New(Config{GlobalLimit: 1, HostLimit: 1})
	ctx := context.Background()

	g, err := l.Acquire(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultHost, g.Host())

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	_, err = l.Acquire(cctx, "other.com")
	assert.ErrorIs(t, err, context.Canceled)

	g.Release()
	g.Release()

	stats := l.Stats()
	assert.Equal(t, 1, stats.GlobalAvailable)
	for _, h := range stats.Hosts {
		assert.Equal(t, 1, h.Available, h.Host)
	}
}

func TestLimiter_DefaultsAndObserver(t *testing.T) {
	var observed []string
	l := New(Config{}, WithWaitObserver(func(host string, waited time.Duration) {
		observed = append(observed, host)
	}))
	// zero delay means no pacing, not the default delay
	assert.Equal(t, Config{GlobalLimit: DefaultGlobalLimit, HostLimit: DefaultHostLimit}, l.Config())

	g, err := l.Acquire(context.Background(), "a.com")
	require.NoError(t, err)
	g.Release()
	assert.Equal(t, []string{"a.com"}, observed)

	stats := New(DefaultConfig()).Stats()
	assert.Equal(t, int64(100), stats.HostDelayMillis)
	assert.Equal(t, 5, stats.HostLimit)
	assert.Equal(t, 20, stats.GlobalAvailable)
}

func TestHostOf(t *testing.T) {
	tests := map[string]string{
		"https://API.example.com:8443/v1?q=1": "api.example.com",
		"example.com":                         "example.com",
		"example.com:8080":                    "example.com",
		"example.com/login":                   "example.com",
		"*.example.com":                       "example.com",
		"10.0.0.1:22":                         "10.0.0.1",
		"":                                    "",
		"not a host":                          "",
	}
	for in, want := range tests {
		assert.Equal(t, want, HostOf(in), in)
	}
}
