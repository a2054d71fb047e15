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

package monitor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tombee/sentinel/pkg/artifact"
)

// Snapshot is the normalized result of observing one asset in one category.
type Snapshot struct {
	ProgramID string    `json:"program_id"`
	AssetID   string    `json:"asset_id"`
	Category  Category  `json:"category"`
	PluginID  string    `json:"plugin_id,omitempty"`
	Items     []string  `json:"items"`
	Hash      string    `json:"hash"`
	TakenAt   time.Time `json:"taken_at"`
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = append([]string(nil), s.Items...)
	return &c
}

// Normalize turns plugin output into a sorted, duplicate-free item list.
// Each item is "<artifact type>:<value>", with non-string values rendered as
// JSON so map keys are ordered.
func Normalize(pluginID string, output map[string]any) []string {
	seen := make(map[string]bool)
	var items []string
	for _, a := range artifact.Classify(pluginID, output) {
		for _, v := range a.Items() {
			item := string(a.Type) + ":" + render(v)
			if !seen[item] {
				seen[item] = true
				items = append(items, item)
			}
		}
	}
	sort.Strings(items)
	return items
}

func render(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// HashItems fingerprints a normalized item list.
func HashItems(items []string) string {
	sum := sha256.Sum256([]byte(strings.Join(items, "\n")))
	return hex.EncodeToString(sum[:])
}

// DiffItems returns what was added to and removed from old. Both inputs
// must be sorted.
func DiffItems(old, cur []string) Diff {
	var d Diff
	i, j := 0, 0
	for i < len(old) && j < len(cur) {
		switch {
		case old[i] == cur[j]:
			i++
			j++
		case old[i] < cur[j]:
			d.Removed = append(d.Removed, old[i])
			i++
		default:
			d.Added = append(d.Added, cur[j])
			j++
		}
	}
	d.Removed = append(d.Removed, old[i:]...)
	d.Added = append(d.Added, cur[j:]...)
	return d
}

// keyedMutex serializes work per key. Entries are dropped once unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock acquires the lock for key and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
