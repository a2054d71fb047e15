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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// ExecPlugin runs a subprocess per invocation. The input is written to stdin
// as a JSON object and the process must print a JSON reply on stdout.
type ExecPlugin struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
	Dir     string

	// Timeout bounds a single invocation. Zero means no limit beyond ctx.
	Timeout time.Duration

	Logger *slog.Logger
}

// Invoke implements Plugin.
func (p *ExecPlugin) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	payload, err := encodeInput(p.ID, input)
	if err != nil {
		return nil, err
	}

	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.Command, p.Args...)
	cmd.Dir = p.Dir
	cmd.Stdin = bytes.NewReader(payload)
	if len(p.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range p.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// grandchildren holding the output pipes must not block Wait forever
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	runErr := cmd.Run()
	p.logger().Debug("plugin process finished",
		slog.String("plugin_id", p.ID),
		slog.Int64("duration_ms", time.Since(start).Milliseconds()),
		slog.Bool("ok", runErr == nil))

	if runErr != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &sentinelerrors.TimeoutError{Operation: "plugin " + p.ID, Duration: time.Since(start), Cause: runErr}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		perr := &sentinelerrors.PluginInvocationError{PluginID: p.ID, Message: snippet(stderr.Bytes()), Cause: runErr}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			perr.StatusCode = exitErr.ExitCode()
		} else {
			// the binary could not be started at all
			perr.Permanent = true
		}
		return nil, perr
	}

	return decodeOutput(p.ID, stdout.Bytes())
}

func (p *ExecPlugin) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}
