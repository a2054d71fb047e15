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

package shared

import (
	"context"
	"time"

	"github.com/tombee/sentinel/internal/config"
	"github.com/tombee/sentinel/internal/log"
	"github.com/tombee/sentinel/internal/service"
)

var testOptions service.Options

// SetServiceOptionsForTest makes OpenService use opts, typically to inject a
// plugin registry. Pass the zero value to reset.
func SetServiceOptionsForTest(opts service.Options) {
	testOptions = opts
}

// LoadConfig loads configuration from --config, SENTINEL_CONFIG or the
// default file, in that order.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.ResolvePath(GetConfigPath()))
	if err != nil {
		return nil, NewConfigError("loading config", err)
	}
	return cfg, nil
}

// OpenService builds a service for a one-shot command. The monitor scheduler
// and the plugin watcher stay off; commands drive tasks explicitly. Logs go
// to stderr as text, at warn unless --verbose is set.
func OpenService(cfg *config.Config) (*service.Service, error) {
	cfg.Monitor.Enabled = false
	cfg.Plugins.Watch = false

	lc := cfg.LoggerConfig()
	lc.Format = log.FormatText
	switch {
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "error"
	case lc.Level == "info":
		lc.Level = "warn"
	}
	return newService(cfg, lc)
}

// StartService builds and starts a long-running service that honours the
// monitor and watcher settings in cfg. Logs follow the log config section.
func StartService(ctx context.Context, cfg *config.Config) (*service.Service, error) {
	lc := cfg.LoggerConfig()
	if GetVerbose() {
		lc.Level = "debug"
	}
	svc, err := newService(cfg, lc)
	if err != nil {
		return nil, err
	}
	if err := svc.Start(ctx); err != nil {
		CloseService(svc)
		return nil, NewExecutionError("starting sentinel", err)
	}
	return svc, nil
}

func newService(cfg *config.Config, lc *log.Config) (*service.Service, error) {
	opts := testOptions
	opts.Version = build.version
	if opts.Logger == nil {
		opts.Logger = log.New(lc)
	}
	svc, err := service.New(cfg, opts)
	if err != nil {
		return nil, Classify("starting sentinel", err)
	}
	return svc, nil
}

// CloseService shuts svc down with a bounded grace period.
func CloseService(svc *service.Service) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = svc.Shutdown(ctx)
}

// WithService loads config, opens a service, runs fn and shuts it down.
func WithService(fn func(svc *service.Service) error) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	svc, err := OpenService(cfg)
	if err != nil {
		return err
	}
	defer CloseService(svc)
	return fn(svc)
}
