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

// Package ratelimit bounds plugin invocations globally and per destination host.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// DefaultHost is the key used when no destination host can be inferred.
const DefaultHost = "default"

// Defaults.
const (
	DefaultGlobalLimit = 20
	DefaultHostLimit   = 5
	DefaultHostDelay   = 100 * time.Millisecond
)

// Config configures a Limiter.
type Config struct {
	// GlobalLimit bounds in-flight invocations across all hosts.
	GlobalLimit int `yaml:"global_concurrency" json:"global_limit"`

	// HostLimit bounds in-flight invocations per host.
	HostLimit int `yaml:"per_host_concurrency" json:"host_limit"`

	// HostDelay is the minimum spacing between two dispatches to one host.
	// Zero disables the delay.
	HostDelay time.Duration `yaml:"per_host_delay" json:"host_delay"`
}

// DefaultConfig returns the default limits: 20 global, 5 per host, 100ms spacing.
func DefaultConfig() Config {
	return Config{
		GlobalLimit: DefaultGlobalLimit,
		HostLimit:   DefaultHostLimit,
		HostDelay:   DefaultHostDelay,
	}
}

// Limiter admits a request once the global budget, the host budget and the
// host's inter-request delay all allow it. Waiting suspends the caller.
type Limiter struct {
	cfg    Config
	global *semaphore.Weighted

	mu       sync.Mutex
	inFlight int
	hosts    map[string]*hostState

	// observe is called with the time spent waiting in Acquire
	observe func(host string, waited time.Duration)
}

type hostState struct {
	sem      *semaphore.Weighted
	pacer    *rate.Limiter
	inFlight int

	// refs counts callers holding or waiting for this host; idle entries
	// with no refs are dropped once the pacing interval has passed.
	refs int
	last time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWaitObserver registers a callback receiving every successful
// acquisition's wait time. Used for metrics.
func WithWaitObserver(fn func(host string, waited time.Duration)) Option {
	return func(l *Limiter) {
		l.observe = fn
	}
}

// New creates a limiter. Non-positive limits fall back to the defaults.
func New(cfg Config, opts ...Option) *Limiter {
	if cfg.GlobalLimit <= 0 {
		cfg.GlobalLimit = DefaultGlobalLimit
	}
	if cfg.HostLimit <= 0 {
		cfg.HostLimit = DefaultHostLimit
	}
	if cfg.HostDelay < 0 {
		cfg.HostDelay = 0
	}
	l := &Limiter{
		cfg:    cfg,
		global: semaphore.NewWeighted(int64(cfg.GlobalLimit)),
		hosts:  make(map[string]*hostState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the configured limits.
func (l *Limiter) Config() Config {
	return l.cfg
}

func (l *Limiter) host(key string) *hostState {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.hosts[key]
	if !ok {
		l.evictIdle(time.Now())
		limit := rate.Inf
		if l.cfg.HostDelay > 0 {
			limit = rate.Every(l.cfg.HostDelay)
		}
		h = &hostState{
			sem:   semaphore.NewWeighted(int64(l.cfg.HostLimit)),
			pacer: rate.NewLimiter(limit, 1),
		}
		l.hosts[key] = h
	}
	h.refs++
	return h
}

// unref drops a caller's reference and evicts the entry when nothing holds
// or waits on it and its pacing interval has elapsed. Callers hold l.mu.
func (l *Limiter) unref(key string, h *hostState, now time.Time) {
	h.refs--
	if h.refs > 0 || h.inFlight > 0 {
		return
	}
	if l.cfg.HostDelay > 0 && now.Sub(h.last) < l.cfg.HostDelay {
		return
	}
	if l.hosts[key] == h {
		delete(l.hosts, key)
	}
}

// evictIdle drops entries left behind by unref because they were still
// pacing. Callers hold l.mu.
func (l *Limiter) evictIdle(now time.Time) {
	for key, h := range l.hosts {
		if h.refs == 0 && h.inFlight == 0 && now.Sub(h.last) >= l.cfg.HostDelay {
			delete(l.hosts, key)
		}
	}
}

// Acquire blocks until a request to host may be dispatched, or ctx is done.
// The returned Guard must be released when the request finishes.
//
// The host budget is taken first so a saturated host does not sit on global
// slots. Pacing is checked last, once the global slot is held, so the
// interval is measured between actual dispatches to the host.
func (l *Limiter) Acquire(ctx context.Context, host string) (*Guard, error) {
	if host == "" {
		host = DefaultHost
	}
	start := time.Now()
	h := l.host(host)

	fail := func(err error, global bool) (*Guard, error) {
		if global {
			l.global.Release(1)
		}
		h.sem.Release(1)
		l.mu.Lock()
		l.unref(host, h, time.Now())
		l.mu.Unlock()
		return nil, err
	}

	if err := h.sem.Acquire(ctx, 1); err != nil {
		l.mu.Lock()
		l.unref(host, h, time.Now())
		l.mu.Unlock()
		return nil, err
	}
	if err := l.global.Acquire(ctx, 1); err != nil {
		return fail(err, false)
	}
	r := h.pacer.Reserve()
	if d := r.Delay(); d > 0 {
		timer := time.NewTimer(d)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			r.Cancel()
			return fail(ctx.Err(), true)
		}
	}

	now := time.Now()
	l.mu.Lock()
	l.inFlight++
	h.inFlight++
	h.last = now
	l.mu.Unlock()

	if l.observe != nil {
		l.observe(host, now.Sub(start))
	}
	return &Guard{limiter: l, host: host, state: h}, nil
}

// Guard holds one global and one host slot.
type Guard struct {
	limiter *Limiter
	host    string
	state   *hostState
	once    sync.Once
}

// Host returns the host key the guard was acquired for.
func (g *Guard) Host() string {
	return g.host
}

// Release returns both budgets. Calling it more than once is harmless.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		l := g.limiter
		l.global.Release(1)
		g.state.sem.Release(1)
		now := time.Now()
		l.mu.Lock()
		l.inFlight--
		g.state.inFlight--
		l.unref(g.host, g.state, now)
		l.mu.Unlock()
	})
}

// HostStats describes one host's budget.
type HostStats struct {
	Host      string `json:"host"`
	Available int    `json:"available"`
	Limit     int    `json:"limit"`
}

// Stats is a point-in-time snapshot of the limiter. Hosts lists only the
// hosts currently tracked: busy, waited on or still pacing.
type Stats struct {
	GlobalAvailable int         `json:"global_available"`
	GlobalLimit     int         `json:"global_limit"`
	HostLimit       int         `json:"host_limit"`
	HostDelayMillis int64       `json:"host_delay_ms"`
	Hosts           []HostStats `json:"hosts"`
}

// Stats returns a snapshot for observers. It is not needed for correctness.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Stats{
		GlobalAvailable: l.cfg.GlobalLimit - l.inFlight,
		GlobalLimit:     l.cfg.GlobalLimit,
		HostLimit:       l.cfg.HostLimit,
		HostDelayMillis: l.cfg.HostDelay.Milliseconds(),
		Hosts:           make([]HostStats, 0, len(l.hosts)),
	}
	for name, h := range l.hosts {
		s.Hosts = append(s.Hosts, HostStats{
			Host:      name,
			Available: l.cfg.HostLimit - h.inFlight,
			Limit:     l.cfg.HostLimit,
		})
	}
	sort.Slice(s.Hosts, func(i, j int) bool { return s.Hosts[i].Host < s.Hosts[j].Host })
	return s
}
