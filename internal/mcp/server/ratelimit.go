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

package server

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter bounds MCP tool calls with token buckets: one for workflow
// runs and one for every call.
type RateLimiter struct {
	runs  *rate.Limiter
	calls *rate.Limiter
}

// NewRateLimiter creates a rate limiter with the given per-minute budgets.
// Each bucket starts full.
func NewRateLimiter(runsPerMinute, callsPerMinute int) *RateLimiter {
	return &RateLimiter{
		runs:  perMinute(runsPerMinute),
		calls: perMinute(callsPerMinute),
	}
}

func perMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(0, 0)
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(n)), n)
}

// AllowRun checks if a workflow run is allowed
func (rl *RateLimiter) AllowRun() bool {
	return rl.runs.Allow()
}

// AllowCall checks if any tool call is allowed
func (rl *RateLimiter) AllowCall() bool {
	return rl.calls.Allow()
}
