package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBadInput = errors.New("bad input")

func TestKey(t *testing.T) {
	a := Key("create_prescription", "client-1", "abc")
	assert.Len(t, a, 64)
	assert.Equal(t, a, Key("create_prescription", "client-1", "abc"))
	assert.NotEqual(t, a, Key("create_prescription", "client-2", "abc"))
	assert.NotEqual(t, a, Key("reconcile", "client-1", "abc"))
}

func TestIsTerminal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TerminalErrors = []error{errBadInput}

	assert.True(t, cfg.IsTerminal(fmt.Errorf("parse: %w", errBadInput)))
	assert.False(t, cfg.IsTerminal(errors.New("invalid but transient")))
}

func TestMemoryInboxReplaysFinishedResult(t *testing.T) {
	inbox := NewMemoryInbox(DefaultConfig())
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"ui_token":"` + fmt.Sprint(calls) + `"}`), nil
	}

	first, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestMemoryInboxRetriesRecoverableErrors(t *testing.T) {
	inbox := NewMemoryInbox(DefaultConfig())
	fail := true
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		if fail {
			return nil, errors.New("store unavailable")
		}
		return json.RawMessage(`{}`), nil
	}

	_, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.Error(t, err)

	fail = false
	res, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.NoError(t, err)
	assert.True(t, res.WasRecovered)
	assert.False(t, res.IsNew)
}

func TestMemoryInboxTerminalErrorsStick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TerminalErrors = []error{errBadInput}
	inbox := NewMemoryInbox(cfg)

	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, fmt.Errorf("medicine list: %w", errBadInput)
	}
	_, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.ErrorIs(t, err, errBadInput)

	_, err = inbox.Process(context.Background(), "k", "create", nil, fn)
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestMemoryInboxInProgressAndRecovery(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RecoveryTimeout = time.Minute
	inbox := NewMemoryInbox(cfg)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inbox.now = func() time.Time { return clock }

	inside := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_, _ = inbox.Process(context.Background(), "k", "create", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			close(inside)
			<-release
			return json.RawMessage(`{}`), nil
		})
	}()
	<-inside

	_, err := inbox.Process(context.Background(), "k", "create", nil, func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrMessageInProgress)
	close(release)
}

func TestMemoryInboxExpiry(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DefaultTTL = time.Hour
	inbox := NewMemoryInbox(cfg)
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	inbox.now = func() time.Time { return clock }

	calls := 0
	fn := func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{}`), nil
	}
	_, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	res, err := inbox.Process(context.Background(), "k", "create", nil, fn)
	require.NoError(t, err)
	assert.True(t, res.IsNew)
	assert.Equal(t, 2, calls)
}

func TestAdmit(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		entry   Entry
		replay  bool
		wantErr error
	}{
		{"finished replays", Entry{Status: StatusFinished, Result: json.RawMessage(`{}`)}, true, nil},
		{"failed sticks", Entry{Status: StatusFailed}, false, ErrPreviouslyFailed},
		{"fresh start in progress", Entry{Status: StatusStarted, UpdatedAt: now.Add(-time.Second)}, false, ErrMessageInProgress},
		{"stale start recovered", Entry{Status: StatusStarted, UpdatedAt: now.Add(-time.Hour)}, false, nil},
		{"recoverable runs again", Entry{Status: StatusRecoverable}, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := admit(&tt.entry, "k", now, time.Minute)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.replay, res != nil)
		})
	}
}
