// Package idempotency implements the inbox pattern: a handler runs at most
// once per idempotency key and later calls replay the stored result.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

var (
	// ErrDuplicateMessage indicates another caller claimed the key first
	ErrDuplicateMessage = errors.New("duplicate message: already processed")
	// ErrMessageInProgress indicates the key is being processed right now
	ErrMessageInProgress = errors.New("message in progress by another handler")
	// ErrPreviouslyFailed indicates the key failed with a terminal error before
	ErrPreviouslyFailed = errors.New("message previously failed permanently")
)

// Entry is an inbox record
type Entry struct {
	IdempotencyKey string          `db:"idempotency_key"`
	HandlerName    string          `db:"handler_name"`
	Status         Status          `db:"status"`
	Payload        json.RawMessage `db:"payload"`
	Result         json.RawMessage `db:"result"`
	CreatedAt      time.Time       `db:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at"`
	ExpiresAt      *time.Time      `db:"expires_at"`
}

// ProcessResult is the outcome of an idempotent call
type ProcessResult struct {
	// IsNew is false when Result is a replay of an earlier run
	IsNew        bool
	WasRecovered bool
	Result       json.RawMessage
}

// ProcessFunc is an idempotent handler body
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Processor runs handlers under idempotency keys
type Processor interface {
	Process(ctx context.Context, key, handlerName string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error)
}

// Config holds inbox configuration
type Config struct {
	// DefaultTTL is how long entries are kept
	DefaultTTL time.Duration
	// CleanupInterval is how often expired entries are removed
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// TerminalErrors are handler errors that are not worth retrying; matched with errors.Is
	TerminalErrors []error
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		DefaultTTL:      7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

// IsTerminal reports whether err matches one of the configured terminal errors
func (c Config) IsTerminal(err error) bool {
	for _, target := range c.TerminalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// failureStatus is the status recorded for a handler error
func (c Config) failureStatus(err error) Status {
	if c.IsTerminal(err) {
		return StatusFailed
	}
	return StatusRecoverable
}

// Key derives a deterministic idempotency key scoped to a handler
func Key(handlerName string, parts ...string) string {
	sum := sha256.Sum256([]byte(handlerName + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// admit decides what an existing entry means for a new call. A nil result
// with a nil error means the caller may claim the key and run the handler.
func admit(e *Entry, key string, now time.Time, recoveryTimeout time.Duration) (*ProcessResult, error) {
	switch e.Status {
	case StatusFinished:
		return &ProcessResult{IsNew: false, Result: e.Result}, nil
	case StatusFailed:
		return nil, fmt.Errorf("%w: %s", ErrPreviouslyFailed, key)
	case StatusStarted:
		if now.Sub(e.UpdatedAt) <= recoveryTimeout {
			return nil, ErrMessageInProgress
		}
	}
	return nil, nil
}

// expired reports whether e has outlived its TTL
func (e *Entry) expired(now time.Time) bool {
	return e.ExpiresAt != nil && now.After(*e.ExpiresAt)
}
