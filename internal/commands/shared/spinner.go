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
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const spinnerInterval = 100 * time.Millisecond

// Spinner shows an animated status line on stderr while a workflow runs.
// Off a terminal it prints the message once and then one line per detail
// change, so CI logs still show step progress.
type Spinner struct {
	out   io.Writer
	isTTY bool

	mu      sync.Mutex
	message string
	detail  string
	started time.Time
	frame   int
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewSpinner creates a spinner writing to stderr.
func NewSpinner() *Spinner {
	return &Spinner{out: os.Stderr, isTTY: IsTerminal(os.Stderr)}
}

// Start begins the animation with the given message. It does nothing under
// --quiet or when already running.
func (s *Spinner) Start(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil || GetQuiet() {
		return
	}

	s.message = message
	s.detail = ""
	s.frame = 0
	s.started = time.Now()
	s.stop = make(chan struct{})

	if !s.isTTY {
		fmt.Fprintln(s.out, message)
		return
	}
	s.draw()
	s.wg.Add(1)
	go s.loop(s.stop)
}

// SetDetail replaces the trailing detail, e.g. a step counter.
func (s *Spinner) SetDetail(detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detail == s.detail {
		return
	}
	s.detail = detail
	if s.stop != nil && !s.isTTY && detail != "" {
		fmt.Fprintf(s.out, "  %s\n", detail)
	}
}

// Stop halts the animation, clears the line and returns the time since
// Start. The drawing goroutine has exited when Stop returns.
func (s *Spinner) Stop() time.Duration {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return 0
	}
	close(s.stop)
	s.stop = nil
	elapsed := time.Since(s.started)
	s.mu.Unlock()

	s.wg.Wait()
	if s.isTTY {
		fmt.Fprint(s.out, "\r\033[K")
	}
	return elapsed
}

func (s *Spinner) loop(stop <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			s.frame = (s.frame + 1) % len(spinnerFrames)
			s.draw()
			s.mu.Unlock()
		}
	}
}

// draw is called with mu held.
func (s *Spinner) draw() {
	indicator := "..."
	if ColorEnabled() {
		indicator = spinnerFrames[s.frame]
	}
	line := s.message + " " + Muted.Render(indicator)
	if s.detail != "" {
		line += " " + s.detail
	}
	elapsed := Muted.Render("(" + FormatElapsed(time.Since(s.started)) + ")")
	fmt.Fprintf(s.out, "\r\033[K%s %s", line, elapsed)
}

// FormatElapsed renders a duration as "850ms", "12s", "3m" or "1m 23s".
func FormatElapsed(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	m, sec := int(d/time.Minute), int((d%time.Minute)/time.Second)
	if sec == 0 {
		return fmt.Sprintf("%dm", m)
	}
	return fmt.Sprintf("%dm %ds", m, sec)
}
