package idempotency

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryInbox is an in-process Processor with the same status rules as Inbox
type MemoryInbox struct {
	mu      sync.Mutex
	config  Config
	entries map[string]*Entry
	now     func() time.Time
}

var _ Processor = (*MemoryInbox)(nil)

// NewMemoryInbox creates an in-memory inbox
func NewMemoryInbox(cfg Config) *MemoryInbox {
	return &MemoryInbox{config: cfg, entries: make(map[string]*Entry), now: time.Now}
}

// Process executes fn at most once for key
func (m *MemoryInbox) Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	entry, recovered, res, err := m.claim(key, handlerName, payload)
	if res != nil || err != nil {
		return res, err
	}

	result, err := fn(ctx, payload)

	m.mu.Lock()
	defer m.mu.Unlock()
	entry.UpdatedAt = m.now()
	if err != nil {
		entry.Status = m.config.failureStatus(err)
		return nil, err
	}
	entry.Status = StatusFinished
	entry.Result = result
	return &ProcessResult{IsNew: !recovered, WasRecovered: recovered, Result: result}, nil
}

// claim returns the entry to run under, or the outcome of an earlier run
func (m *MemoryInbox) claim(key, handlerName string, payload json.RawMessage) (*Entry, bool, *ProcessResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if e, ok := m.entries[key]; ok && !e.expired(now) {
		if res, err := admit(e, key, now, m.config.RecoveryTimeout); res != nil || err != nil {
			return nil, false, res, err
		}
		e.Status = StatusStarted
		e.UpdatedAt = now
		return e, true, nil, nil
	}

	expires := now.Add(m.config.DefaultTTL)
	e := &Entry{
		IdempotencyKey: key,
		HandlerName:    handlerName,
		Status:         StatusStarted,
		Payload:        payload,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expires,
	}
	m.entries[key] = e
	return e, false, nil, nil
}

// Len returns the number of retained entries
func (m *MemoryInbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
