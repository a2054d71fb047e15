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


// Package lifecycle guards a single running sentineld per state directory.
package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

var (
	// ErrLocked is returned when another live process holds the PID file.
	ErrLocked = errors.New("PID file is locked by another process")

	// ErrInvalidPID is returned when the PID file contains invalid data.
	ErrInvalidPID = errors.New("invalid PID in file")

	// ErrUnsafeDirectory is returned when the PID file parent is world-writable.
	ErrUnsafeDirectory = errors.New("PID file directory is world-writable")
)

// PIDFile is a held, flock-ed PID file. A file left behind by a crashed
// daemon is not locked and is taken over.
type PIDFile struct {
	path string
	f    *os.File
}

// Acquire locks path and writes the current process id to it.
func Acquire(path string) (*PIDFile, error) {
	dir := filepath.Dir(path)
	if err := checkDirectory(dir); err != nil {
		return nil, fmt.Errorf("unsafe PID file location: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create PID file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|syscall.O_NOFOLLOW, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open PID file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, rerr := ReadPID(path); rerr == nil {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to lock PID file: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		release(f)
		return nil, fmt.Errorf("failed to truncate PID file: %w", err)
	}
	if _, err := f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0); err != nil {
		release(f)
		return nil, fmt.Errorf("failed to write PID: %w", err)
	}
	if err := f.Sync(); err != nil {
		release(f)
		return nil, fmt.Errorf("failed to sync PID file: %w", err)
	}
	return &PIDFile{path: path, f: f}, nil
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Release removes the file and drops the lock. It is safe to call twice.
func (p *PIDFile) Release() error {
	if p == nil || p.f == nil {
		return nil
	}
	// unlink before unlocking
	err := os.Remove(p.path)
	release(p.f)
	p.f = nil
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	return nil
}

func release(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// ReadPID reads the process id stored at path.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(data))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: PID must be positive, got %d", ErrInvalidPID, pid)
	}
	return pid, nil
}

func checkDirectory(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat directory: %w", err)
	}
	if mode := info.Mode(); mode&0o002 != 0 && mode&os.ModeSticky == 0 {
		return fmt.Errorf("%w: %s has mode %04o", ErrUnsafeDirectory, dir, mode&os.ModePerm)
	}
	return nil
}
