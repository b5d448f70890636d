package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")
var errBenign = errors.New("benign")

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultConfig("ledger-direct")
	cfg.FailureThreshold = 2
	cfg.Timeout = time.Minute
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx := context.Background()
	fail := func(context.Context) (string, error) { return "", errBoom }
	for i := 0; i < 2; i++ {
		if _, err := Do(ctx, cb, fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}

	called := false
	_, err = Do(ctx, cb, func(context.Context) (string, error) {
		called = true
		return "ok", nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen, got %v", err)
	}
	if called {
		t.Error("open breaker must not run the call")
	}
}

func TestBreakerIgnoresSuccessfulErrors(t *testing.T) {
	cfg := DefaultConfig("ledger-direct")
	cfg.FailureThreshold = 1
	cfg.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errBenign) }
	cb, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 0; i < 5; i++ {
		if _, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 0, errBenign }); !errors.Is(err, errBenign) {
			t.Fatalf("got %v", err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %s, want closed", cb.State())
	}
}

func TestDoReturnsTypedResult(t *testing.T) {
	cb, err := New(DefaultConfig("typed"), nil)
	if err != nil {
		t.Fatal(err)
	}
	got, err := Do(context.Background(), cb, func(context.Context) (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("got %d, %v", got, err)
	}
}

func TestManagerGetOrCreate(t *testing.T) {
	m := NewManager(nil)
	a, err := m.GetOrCreate(DefaultConfig("ledger-backend"))
	if err != nil {
		t.Fatal(err)
	}
	b, _ := m.GetOrCreate(DefaultConfig("ledger-backend"))
	if a != b {
		t.Error("expected the same breaker instance")
	}
	statuses := m.Snapshot()
	if len(statuses) != 1 || !statuses[0].Healthy() {
		t.Errorf("unexpected health: %+v", statuses)
	}
}

func TestSnapshotOrderedByName(t *testing.T) {
	m := NewManager(nil)
	for _, name := range []string{"ledger-direct", "ledger-backend"} {
		if _, err := m.GetOrCreate(DefaultConfig(name)); err != nil {
			t.Fatal(err)
		}
	}
	got := m.Snapshot()
	if len(got) != 2 || got[0].Name != "ledger-backend" || got[1].Name != "ledger-direct" {
		t.Errorf("unexpected snapshot: %+v", got)
	}
}
