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
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	sentinelerrors "github.com/tombee/sentinel/pkg/errors"
)

// DefaultUserAgent is sent by HTTP plugins unless a header overrides it.
const DefaultUserAgent = "sentinel-plugin/1.0"

// maxResponseBytes caps how much of a plugin reply is read.
const maxResponseBytes = 32 << 20

// HTTPPlugin invokes a remote plugin by POSTing the input as JSON.
type HTTPPlugin struct {
	ID      string
	URL     string
	Headers map[string]string

	// Client defaults to NewHTTPClient(30s).
	Client *http.Client
}

// NewHTTPClient builds the client used for HTTP plugins: TLS 1.2 minimum,
// pooled connections, and a transport that logs every request with a
// sanitized URL. Retries are left to the retry controller.
func NewHTTPClient(timeout time.Duration) *http.Client {
	base := &http.Transport{
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: &loggingTransport{base: base},
	}
}

// Invoke implements Plugin.
func (p *HTTPPlugin) Invoke(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
	payload, err := encodeInput(p.ID, input)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(payload))
	if err != nil {
		return nil, &sentinelerrors.PluginInvocationError{PluginID: p.ID, Message: "build request", Permanent: true, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = NewHTTPClient(30 * time.Second)
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, &sentinelerrors.TimeoutError{Operation: "plugin " + p.ID, Duration: time.Since(start), Cause: err}
		}
		return nil, &sentinelerrors.PluginInvocationError{PluginID: p.ID, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &sentinelerrors.PluginInvocationError{PluginID: p.ID, Message: "read response", Cause: err}
	}

	if resp.StatusCode >= 400 {
		return nil, &sentinelerrors.PluginInvocationError{
			PluginID:   p.ID,
			StatusCode: resp.StatusCode,
			Message:    snippet(body),
			Permanent:  permanentStatus(resp.StatusCode),
		}
	}
	return decodeOutput(p.ID, body)
}

// permanentStatus reports 4xx codes other than timeouts and throttling.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}

type loggingTransport struct {
	base http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}

	resp, err := t.base.RoundTrip(req)
	attrs := []any{
		"method", req.Method,
		"url", sanitizeURL(req.URL),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		slog.Warn("plugin request failed", append(attrs, "error", err)...)
		return nil, err
	}
	slog.Debug("plugin request", append(attrs, "status", resp.StatusCode)...)
	return resp, nil
}

// sanitizeURL drops credentials and query values from a URL before logging.
func sanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	clean := *u
	clean.User = nil
	if clean.RawQuery != "" {
		q := clean.Query()
		for k := range q {
			q.Set(k, "REDACTED")
		}
		clean.RawQuery = q.Encode()
	}
	return clean.String()
}
