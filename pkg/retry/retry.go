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

// Package retry wraps a unit of work with a bounded attempt count and a
// fixed or exponential backoff.
//
// Plugins are not assumed to be idempotent. The controller retries at most
// MaxAttempts times and performs no deduplication of side effects; a plugin
// that partially succeeded before failing may repeat that work.
package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"time"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// BackoffType selects how the delay grows between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Config configures retries.
type Config struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts"`

	Backoff BackoffType `yaml:"backoff"`

	// BaseDelay is the wait after the first failure.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the computed delay.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Jitter spreads each delay by up to ±Jitter of its value (0.0-1.0).
	Jitter float64 `yaml:"jitter"`

	// RetryableErrors are case-insensitive substrings that force a retry.
	RetryableErrors []string `yaml:"retryable_errors"`

	// NonRetryableErrors are case-insensitive substrings that stop retrying.
	NonRetryableErrors []string `yaml:"non_retryable_errors"`
}

var (
	defaultRetryable    = []string{"timeout", "connection refused", "connection reset", "temporary failure", "rate limit", "429", "503", "504"}
	defaultNonRetryable = []string{"invalid argument", "not found", "unauthorized", "forbidden", "400", "401", "403", "404"}
)

// DefaultConfig returns three exponential attempts starting at one second.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:        3,
		Backoff:            BackoffExponential,
		BaseDelay:          time.Second,
		MaxDelay:           30 * time.Second,
		Jitter:             0.1,
		RetryableErrors:    append([]string(nil), defaultRetryable...),
		NonRetryableErrors: append([]string(nil), defaultNonRetryable...),
	}
}

// NetworkConfig is tuned for flaky remote targets: more attempts, longer waits.
func NetworkConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 5
	cfg.BaseDelay = 2 * time.Second
	cfg.MaxDelay = time.Minute
	cfg.Jitter = 0.2
	return cfg
}

// FastConfig is tuned for cheap local plugins.
func FastConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxAttempts = 2
	cfg.Backoff = BackoffFixed
	cfg.BaseDelay = 500 * time.Millisecond
	cfg.MaxDelay = 5 * time.Second
	return cfg
}

// Normalize fills zero values with the defaults.
func (c Config) Normalize() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff == "" {
		c.Backoff = d.Backoff
	}
	if c.BaseDelay < 0 {
		c.BaseDelay = 0
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	return c
}

// Validate reports configuration mistakes.
func (c Config) Validate() error {
	switch c.Backoff {
	case "", BackoffFixed, BackoffExponential:
	default:
		return &sentinelerrors.ValidationError{
			Field:      "backoff",
			Message:    fmt.Sprintf("unknown backoff type %q", c.Backoff),
			Suggestion: "use fixed or exponential",
		}
	}
	if c.MaxAttempts < 0 {
		return &sentinelerrors.ValidationError{Field: "max_attempts", Message: "must be >= 0"}
	}
	if c.MaxDelay > 0 && c.BaseDelay > c.MaxDelay {
		return &sentinelerrors.ValidationError{Field: "base_delay", Message: "must not exceed max_delay"}
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based), before jitter.
// Exponential: BaseDelay * 2^(attempt-1), capped at MaxDelay.
func (c Config) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.BaseDelay)
	if c.Backoff == BackoffExponential {
		d *= math.Pow(2, float64(attempt-1))
	}
	if c.MaxDelay > 0 && d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	return time.Duration(d)
}

type configJSON struct {
	MaxAttempts        int         `json:"max_attempts"`
	Backoff            BackoffType `json:"backoff_type"`
	BaseDelayMillis    int64       `json:"base_delay_ms"`
	MaxDelayMillis     int64       `json:"max_delay_ms"`
	Jitter             float64     `json:"jitter"`
	RetryableErrors    []string    `json:"retryable_errors,omitempty"`
	NonRetryableErrors []string    `json:"non_retryable_errors,omitempty"`
}

// MarshalJSON renders delays in milliseconds.
func (c Config) MarshalJSON() ([]byte, error) {
	return json.Marshal(configJSON{
		MaxAttempts:        c.MaxAttempts,
		Backoff:            c.Backoff,
		BaseDelayMillis:    c.BaseDelay.Milliseconds(),
		MaxDelayMillis:     c.MaxDelay.Milliseconds(),
		Jitter:             c.Jitter,
		RetryableErrors:    c.RetryableErrors,
		NonRetryableErrors: c.NonRetryableErrors,
	})
}

// UnmarshalJSON accepts the MarshalJSON shape.
func (c *Config) UnmarshalJSON(data []byte) error {
	var v configJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*c = Config{
		MaxAttempts:        v.MaxAttempts,
		Backoff:            v.Backoff,
		BaseDelay:          time.Duration(v.BaseDelayMillis) * time.Millisecond,
		MaxDelay:           time.Duration(v.MaxDelayMillis) * time.Millisecond,
		Jitter:             v.Jitter,
		RetryableErrors:    v.RetryableErrors,
		NonRetryableErrors: v.NonRetryableErrors,
	}
	return nil
}

// Retryable decides whether err deserves another attempt.
func (c Config) Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var classified sentinelerrors.ErrorClassifier
	if errors.As(err, &classified) && !classified.IsRetryable() {
		return false
	}
	msg := strings.ToLower(err.Error())
	if containsAny(msg, c.RetryableErrors) {
		return true
	}
	return !containsAny(msg, c.NonRetryableErrors)
}

func containsAny(msg string, patterns []string) bool {
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// Func is one attempt. attempt starts at 1.
type Func func(ctx context.Context, attempt int) error

// Controller runs Funcs under a Config.
type Controller struct {
	cfg    Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
	rand   func() float64

	// onRetry is called before each backoff wait
	onRetry func(attempt int, delay time.Duration, err error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithSleep replaces the backoff wait. Tests use it to record delays.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) {
		c.sleep = fn
	}
}

// WithRetryHook registers a callback fired before every backoff wait.
func WithRetryHook(fn func(attempt int, delay time.Duration, err error)) Option {
	return func(c *Controller) {
		c.onRetry = fn
	}
}

// New creates a Controller. Zero fields in cfg take their defaults.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:    cfg.Normalize(),
		logger: slog.Default(),
		sleep:  sleepCtx,
		rand:   rand.Float64,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.cfg
}

// WithConfig returns a copy of c using cfg instead.
func (c *Controller) WithConfig(cfg Config) *Controller {
	cp := *c
	cp.cfg = cfg.Normalize()
	return &cp
}

// Do runs fn until it succeeds, returns a non-retryable error, or MaxAttempts
// is reached. It returns the number of attempts made and, on failure, the
// error of the last attempt unchanged.
func (c *Controller) Do(ctx context.Context, fn Func) (int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		lastErr = fn(ctx, attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if attempt == c.cfg.MaxAttempts || !c.cfg.Retryable(lastErr) {
			return attempt, lastErr
		}

		delay := c.jittered(c.cfg.Delay(attempt))
		if c.onRetry != nil {
			c.onRetry(attempt, delay, lastErr)
		}
		c.logger.Debug("retrying after failure",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
			slog.Int64("delay_ms", delay.Milliseconds()),
			slog.Any("error", lastErr))

		if err := c.sleep(ctx, delay); err != nil {
			return attempt, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
	}
	return c.cfg.MaxAttempts, lastErr
}

func (c *Controller) jittered(d time.Duration) time.Duration {
	if c.cfg.Jitter <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * c.cfg.Jitter
	j := time.Duration(float64(d) + (c.rand()*2-1)*spread)
	if c.cfg.MaxDelay > 0 && j > c.cfg.MaxDelay {
		j = c.cfg.MaxDelay
	}
	return j
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
