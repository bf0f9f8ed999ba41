package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/example/wodsched/internal/booking"
)

// fileVersion guards against loading state written by an incompatible build.
const fileVersion = 1

type fileState struct {
	Version  int               `json:"version"`
	Booked   []booking.Booked  `json:"booked"`
	Attempts []booking.Attempt `json:"attempts"`
}

// File is a ledger persisted as one JSON document, rewritten atomically on
// every change. Good enough for a handful of users and a weekly schedule.
type File struct {
	path string

	mu       sync.Mutex
	booked   map[string]booking.Booked
	attempts []booking.Attempt
}

// OpenFile loads the ledger at path, starting empty if the file does not
// exist yet. A file that exists but cannot be parsed is an error: clobbering
// booking history silently would resurrect duplicate attempts.
func OpenFile(path string) (*File, error) {
	f := &File{path: path, booked: make(map[string]booking.Booked)}

	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return f, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state fileState
	if err := json.Unmarshal(b, &state); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if state.Version != fileVersion {
		return nil, fmt.Errorf("state file %s has version %d, want %d", path, state.Version, fileVersion)
	}
	for _, bk := range state.Booked {
		f.booked[ledgerKey(bk.Login, bk.Date)] = bk
	}
	f.attempts = state.Attempts
	return f, nil
}

func (f *File) IsBooked(_ context.Context, login string, date time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.booked[ledgerKey(login, date)]
	return ok, nil
}

func (f *File) MarkBooked(_ context.Context, b booking.Booked) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.booked[ledgerKey(b.Login, b.Date)] = b
	return f.save()
}

func (f *File) RecordAttempt(_ context.Context, a booking.Attempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	if len(f.attempts) > maxAttempts {
		f.attempts = f.attempts[len(f.attempts)-maxAttempts:]
	}
	return f.save()
}

func (f *File) RecentAttempts(_ context.Context, limit int) ([]booking.Attempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := len(f.attempts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]booking.Attempt, n)
	for i := 0; i < n; i++ {
		out[i] = f.attempts[len(f.attempts)-1-i]
	}
	return out, nil
}

// save writes the state via a temp file and rename; callers hold f.mu.
func (f *File) save() error {
	state := fileState{Version: fileVersion, Attempts: f.attempts}
	for _, b := range f.booked {
		state.Booked = append(state.Booked, b)
	}
	sort.Slice(state.Booked, func(i, j int) bool {
		if !state.Booked[i].Date.Equal(state.Booked[j].Date) {
			return state.Booked[i].Date.Before(state.Booked[j].Date)
		}
		return state.Booked[i].Login < state.Booked[j].Login
	})

	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), filepath.Base(f.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
