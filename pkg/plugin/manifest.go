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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// ManifestPattern matches plugin manifest files below a plugin directory.
const ManifestPattern = "**/*.plugin.{yaml,yml}"

// Manifest is the on-disk description of a plugin.
//
//	id: subdomain_enumerator
//	name: Subdomain enumerator
//	category: dns
//	input:
//	  type: object
//	  required: [domain]
//	  properties:
//	    domain: {type: string}
//	exec:
//	  command: ./subenum
//	  timeout: 5m
type Manifest struct {
	ID          string  `yaml:"id"`
	Name        string  `yaml:"name"`
	Description string  `yaml:"description"`
	Category    string  `yaml:"category"`
	Input       *Schema `yaml:"input"`
	Output      *Schema `yaml:"output"`

	Exec *ExecSpec `yaml:"exec"`
	HTTP *HTTPSpec `yaml:"http"`
	MCP  *MCPSpec  `yaml:"mcp"`
}

// ExecSpec configures a subprocess plugin.
type ExecSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Timeout time.Duration     `yaml:"timeout"`
}

// HTTPSpec configures a remote plugin.
type HTTPSpec struct {
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// MCPSpec configures a plugin served by a tool on a stdio MCP server.
// Tool defaults to the plugin id.
type MCPSpec struct {
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	Tool    string            `yaml:"tool"`
	Timeout time.Duration     `yaml:"timeout"`
}

// ParseManifest decodes a manifest and builds its descriptor. Relative exec
// commands are resolved against baseDir.
func ParseManifest(data []byte, baseDir string, logger *slog.Logger) (*Descriptor, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if m.ID == "" {
		return nil, &sentinelerrors.ValidationError{Field: "id", Message: "manifest has no id"}
	}
	transports := 0
	for _, set := range []bool{m.Exec != nil, m.HTTP != nil, m.MCP != nil} {
		if set {
			transports++
		}
	}
	if transports != 1 {
		return nil, &sentinelerrors.ValidationError{
			Field:      "transport",
			Message:    fmt.Sprintf("plugin %q must declare exactly one of exec, http or mcp", m.ID),
			Suggestion: "add an exec: {command: ...}, http: {url: ...} or mcp: {command: ...} block",
		}
	}

	d := &Descriptor{
		ID:          m.ID,
		Name:        m.Name,
		Description: m.Description,
		Category:    m.Category,
		Input:       m.Input,
		Output:      m.Output,
	}
	if d.Name == "" {
		d.Name = m.ID
	}

	switch {
	case m.Exec != nil:
		if m.Exec.Command == "" {
			return nil, &sentinelerrors.ValidationError{Field: "exec.command", Message: fmt.Sprintf("plugin %q has an empty command", m.ID)}
		}
		command := m.Exec.Command
		if !filepath.IsAbs(command) && filepath.Base(command) != command {
			command = filepath.Join(baseDir, command)
		}
		d.Plugin = &ExecPlugin{
			ID:      m.ID,
			Command: command,
			Args:    m.Exec.Args,
			Env:     m.Exec.Env,
			Dir:     baseDir,
			Timeout: m.Exec.Timeout,
			Logger:  logger,
		}
	case m.HTTP != nil:
		if m.HTTP.URL == "" {
			return nil, &sentinelerrors.ValidationError{Field: "http.url", Message: fmt.Sprintf("plugin %q has an empty url", m.ID)}
		}
		timeout := m.HTTP.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		d.Plugin = &HTTPPlugin{
			ID:      m.ID,
			URL:     m.HTTP.URL,
			Headers: m.HTTP.Headers,
			Client:  NewHTTPClient(timeout),
		}
	case m.MCP != nil:
		if m.MCP.Command == "" {
			return nil, &sentinelerrors.ValidationError{Field: "mcp.command", Message: fmt.Sprintf("plugin %q has an empty MCP server command", m.ID)}
		}
		command := m.MCP.Command
		if !filepath.IsAbs(command) && filepath.Base(command) != command {
			command = filepath.Join(baseDir, command)
		}
		tool := m.MCP.Tool
		if tool == "" {
			tool = m.ID
		}
		d.Plugin = &MCPPlugin{
			ID:      m.ID,
			Command: command,
			Args:    m.MCP.Args,
			Env:     m.MCP.Env,
			Tool:    tool,
			Timeout: m.MCP.Timeout,
			Logger:  logger,
		}
	}
	return d, nil
}

// LoadManifests parses every manifest under dir. A broken manifest is logged
// and skipped so one bad file does not take the whole set down. Duplicate ids
// are an error.
func LoadManifests(dir string, logger *slog.Logger) ([]*Descriptor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsys := os.DirFS(dir)
	matches, err := doublestar.Glob(fsys, ManifestPattern)
	if err != nil {
		return nil, fmt.Errorf("glob manifests in %s: %w", dir, err)
	}

	seen := make(map[string]string)
	var out []*Descriptor
	for _, rel := range matches {
		data, err := fs.ReadFile(fsys, rel)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", rel, err)
		}
		path := filepath.Join(dir, filepath.FromSlash(rel))
		d, err := ParseManifest(data, filepath.Dir(path), logger)
		if err != nil {
			logger.Warn("skipping plugin manifest", slog.String("path", path), slog.Any("error", err))
			continue
		}
		if prev, dup := seen[d.ID]; dup {
			return nil, &sentinelerrors.ValidationError{
				Field:   "id",
				Message: fmt.Sprintf("plugin %q declared in both %s and %s", d.ID, prev, path),
			}
		}
		seen[d.ID] = path
		d.Source = ManifestSource(dir) + path
		out = append(out, d)
	}
	return out, nil
}

// ManifestSource is the Source prefix given to descriptors loaded from dir.
func ManifestSource(dir string) string {
	return "manifest:" + filepath.Clean(dir) + ":"
}

// LoadInto loads manifests from dir and swaps them into the registry.
func LoadInto(r *MemoryRegistry, dir string, logger *slog.Logger) (int, error) {
	ds, err := LoadManifests(dir, logger)
	if err != nil {
		return 0, err
	}
	r.ReplaceSource(ManifestSource(dir), ds)
	return len(ds), nil
}
