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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadManifests(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "dns", "subenum.plugin.yaml"), `
id: subdomain_enumerator
category: dns
input:
  type: object
  required: [domain]
  properties:
    domain: {type: string}
exec:
  command: ./subenum
  timeout: 2m
`)
	writeFile(t, filepath.Join(dir, "probe.plugin.yml"), `
id: web_prober
name: Web prober
http:
  url: http://127.0.0.1:9/invoke
`)
	writeFile(t, filepath.Join(dir, "broken.plugin.yaml"), "id: broken\n")
	writeFile(t, filepath.Join(dir, "notes.yaml"), "id: ignored\n")

	ds, err := LoadManifests(dir, nil)
	require.NoError(t, err)
	require.Len(t, ds, 2)

	byID := map[string]*Descriptor{}
	for _, d := range ds {
		byID[d.ID] = d
	}

	sub := byID["subdomain_enumerator"]
	require.NotNil(t, sub)
	assert.Equal(t, "subdomain_enumerator", sub.Name)
	assert.True(t, sub.Input.IsRequired("domain"))
	execPlugin, ok := sub.Plugin.(*ExecPlugin)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "dns", "subenum"), execPlugin.Command)
	assert.Equal(t, 2*time.Minute, execPlugin.Timeout)

	probe := byID["web_prober"]
	require.NotNil(t, probe)
	_, ok = probe.Plugin.(*HTTPPlugin)
	assert.True(t, ok)

	r := NewMemoryRegistry()
	n, err := LoadInto(r, dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = r.Get("web_prober")
	assert.NoError(t, err)
}

func TestLoadManifests_DuplicateID(t *testing.T) {
	dir := t.TempDir()
	manifest := "id: dup\nhttp:\n  url: http://localhost/x\n"
	writeFile(t, filepath.Join(dir, "a.plugin.yaml"), manifest)
	writeFile(t, filepath.Join(dir, "b.plugin.yaml"), manifest)

	_, err := LoadManifests(dir, nil)
	var verr *sentinelerrors.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestParseManifest_Transport(t *testing.T) {
	_, err := ParseManifest([]byte("id: x\n"), ".", nil)
	assert.Error(t, err)

	_, err = ParseManifest([]byte("id: x\nexec: {command: a}\nhttp: {url: http://b}\n"), ".", nil)
	assert.Error(t, err)

	d, err := ParseManifest([]byte("id: x\nexec: {command: nmap}\n"), "/plugins", nil)
	require.NoError(t, err)
	assert.Equal(t, "nmap", d.Plugin.(*ExecPlugin).Command)

	_, err = ParseManifest([]byte("id: x\nexec: {command: a}\nmcp: {command: b}\n"), ".", nil)
	assert.Error(t, err)

	d, err = ParseManifest([]byte("id: nuclei_scan\nmcp: {command: ./bin/nuclei-mcp, timeout: 2m}\n"), "/plugins", nil)
	require.NoError(t, err)
	mp := d.Plugin.(*MCPPlugin)
	assert.Equal(t, filepath.Join("/plugins", "bin/nuclei-mcp"), mp.Command)
	assert.Equal(t, "nuclei_scan", mp.Tool)
	assert.Equal(t, 2*time.Minute, mp.Timeout)
}

func TestHTTPPlugin_Invoke(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		assert.Equal(t, "secret", r.Header.Get("X-Token"))

		var in map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&in)
		switch in["mode"] {
		case "fail":
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("overloaded"))
		case "reject":
			w.WriteHeader(http.StatusBadRequest)
		case "envelope":
			_, _ = w.Write([]byte(`{"success": false, "error": "no targets"}`))
		default:
			_, _ = w.Write([]byte(`{"hosts": [{"url": "https://a.com", "status_code": 200}]}`))
		}
	}))
	defer srv.Close()

	p := &HTTPPlugin{ID: "web_prober", URL: srv.URL, Headers: map[string]string{"X-Token": "secret"}, Client: NewHTTPClient(5 * time.Second)}
	ctx := context.Background()

	out, err := p.Invoke(ctx, map[string]interface{}{"mode": "ok"})
	require.NoError(t, err)
	hosts := out["hosts"].([]interface{})
	assert.Equal(t, int64(200), hosts[0].(map[string]interface{})["status_code"])

	_, err = p.Invoke(ctx, map[string]interface{}{"mode": "fail"})
	var perr *sentinelerrors.PluginInvocationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 503, perr.StatusCode)
	assert.True(t, perr.IsRetryable())
	assert.Contains(t, err.Error(), "overloaded")

	_, err = p.Invoke(ctx, map[string]interface{}{"mode": "reject"})
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.IsRetryable())

	_, err = p.Invoke(ctx, map[string]interface{}{"mode": "envelope"})
	require.ErrorAs(t, err, &perr)
	assert.Contains(t, err.Error(), "no targets")

	assert.Equal(t, int32(4), atomic.LoadInt32(&calls))
}

func TestExecPlugin_Invoke(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
	ctx := context.Background()

	echo := &ExecPlugin{ID: "echo", Command: "sh", Args: []string{"-c", "cat"}}
	out, err := echo.Invoke(ctx, map[string]interface{}{"domain": "a.com"})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"domain": "a.com"}, out)

	list := &ExecPlugin{ID: "list", Command: "sh", Args: []string{"-c", `echo '["a.com","b.com"]'`}}
	out, err = list.Invoke(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a.com", "b.com"}, out["result"])

	failing := &ExecPlugin{ID: "failing", Command: "sh", Args: []string{"-c", "echo 'connection refused' >&2; exit 3"}}
	_, err = failing.Invoke(ctx, nil)
	var perr *sentinelerrors.PluginInvocationError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 3, perr.StatusCode)
	assert.Contains(t, err.Error(), "connection refused")

	slow := &ExecPlugin{ID: "slow", Command: "sh", Args: []string{"-c", "sleep 5"}, Timeout: 50 * time.Millisecond}
	_, err = slow.Invoke(ctx, nil)
	var terr *sentinelerrors.TimeoutError
	assert.ErrorAs(t, err, &terr)

	missing := &ExecPlugin{ID: "missing", Command: "/nonexistent/sentinel-plugin"}
	_, err = missing.Invoke(ctx, nil)
	require.ErrorAs(t, err, &perr)
	assert.False(t, perr.IsRetryable())
}
