// Package store provides the booking ledger implementations: in-memory for
// one-shot runs, a JSON state file for serve mode, and Postgres when a
// database is available.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/example/wodsched/internal/booking"
	"github.com/example/wodsched/internal/schedule"
)

// maxAttempts bounds retained attempt history in non-database ledgers.
const maxAttempts = 200

func ledgerKey(login string, date time.Time) string {
	return login + ":" + schedule.DateKey(date)
}

// Memory keeps the ledger in process memory.
type Memory struct {
	mu       sync.Mutex
	booked   map[string]booking.Booked
	attempts []booking.Attempt
}

func NewMemory() *Memory {
	return &Memory{booked: make(map[string]booking.Booked)}
}

func (m *Memory) IsBooked(_ context.Context, login string, date time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.booked[ledgerKey(login, date)]
	return ok, nil
}

func (m *Memory) MarkBooked(_ context.Context, b booking.Booked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.booked[ledgerKey(b.Login, b.Date)] = b
	return nil
}

func (m *Memory) RecordAttempt(_ context.Context, a booking.Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
	if len(m.attempts) > maxAttempts {
		m.attempts = m.attempts[len(m.attempts)-maxAttempts:]
	}
	return nil
}

func (m *Memory) RecentAttempts(_ context.Context, limit int) ([]booking.Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.attempts)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]booking.Attempt, n)
	for i := 0; i < n; i++ {
		out[i] = m.attempts[len(m.attempts)-1-i]
	}
	return out, nil
}
