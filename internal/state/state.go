package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Package state owns on-host persistence for the engine: atomic file writes
// for config edits and the last-run summary, plus per-backend advisory locks
// so two reconciliation runs never mutate the same external system at once.

// WriteFileAtomic writes data to path via tmp+fsync+rename so a crash never
// leaves a half-written file. Config files the daemons read (nova.conf and
// friends) must only ever be observed whole.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := fsyncDir(filepath.Dir(path)); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return fsyncDir(filepath.Dir(path))
}

// SaveJSON atomically writes v as indented JSON.
func SaveJSON(path string, v any, perm os.FileMode) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return WriteFileAtomic(path, b, perm)
}

// LoadJSON loads JSON from path into v. Returns exists=false when the file is
// missing. A stale .tmp crash artifact is removed.
func LoadJSON(path string, v any) (bool, error) {
	_ = os.Remove(path + ".tmp")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if len(data) == 0 {
		return true, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// ErrLocked reports that another run holds a backend lock.
var ErrLocked = errors.New("target system locked by another run")

// Unlock releases one acquired lock.
type Unlock func()

// AcquireSystemLock takes a non-blocking exclusive flock for one external
// system (ceph, keystone, ovn, ...) and records the holder's run ID in the
// lock file for diagnostics. It fails fast with ErrLocked rather than queue:
// a second converge run against the same backend is an operator error.
func AcquireSystemLock(lockDir, system, runID string) (Unlock, error) {
	if err := os.MkdirAll(lockDir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(lockDir, "aioctl."+sanitize(system)+".lock")
	unlock, err := flockExclusiveNB(path)
	if err != nil {
		if errors.Is(err, errWouldBlock) {
			holder, _ := os.ReadFile(path)
			return nil, fmt.Errorf("%w: %s (held by run %s)", ErrLocked, system, string(holder))
		}
		return nil, err
	}
	_ = os.WriteFile(path, []byte(runID), 0o644)
	return unlock, nil
}

func sanitize(id string) string {
	out := make([]rune, 0, len(id))
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			out = append(out, r)
		}
	}
	if len(out) == 0 {
		return "unknown"
	}
	return string(out)
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
