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


package lifecycle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquire(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "sentineld.pid")

	p, err := Acquire(path)
	require.NoError(t, err)
	assert.Equal(t, path, p.Path())

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, p.Release())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.NoError(t, p.Release())
}

func TestAcquire_Locked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentineld.pid")

	p, err := Acquire(path)
	require.NoError(t, err)
	defer p.Release()

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrLocked)
}

func TestAcquire_StaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sentineld.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999999\n"), 0o600))

	p, err := Acquire(path)
	require.NoError(t, err)
	defer p.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestReadPID_Invalid(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{"text": "abc", "negative": "-4"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		_, err := ReadPID(path)
		assert.ErrorIs(t, err, ErrInvalidPID, name)
	}
}

func TestAcquire_UnsafeDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "open")
	require.NoError(t, os.Mkdir(dir, 0o700))
	require.NoError(t, os.Chmod(dir, 0o777))

	_, err := Acquire(filepath.Join(dir, "sentineld.pid"))
	assert.ErrorIs(t, err, ErrUnsafeDirectory)
}
