package ledger_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/ledger/memchain"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/pkg/circuitbreaker"
)

var errNetwork = errors.New("connection refused")

// failingContract fails every call with err and counts calls
type failingContract struct {
	err   error
	calls atomic.Int32
	delay time.Duration
}

func (f *failingContract) wait(ctx context.Context) error {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *failingContract) CreatePrescription(ctx context.Context, _ ledger.CreateCall) (*ledger.TxResult, error) {
	return nil, f.wait(ctx)
}

func (f *failingContract) Dispense(ctx context.Context, _ ledger.Token) (*ledger.TxResult, error) {
	return nil, f.wait(ctx)
}

func (f *failingContract) GetPrescription(ctx context.Context, _ ledger.Token) (*ledger.OnChainRecord, error) {
	return nil, f.wait(ctx)
}

type failingSession struct {
	failingContract
}

func (s *failingSession) Connected() bool  { return true }
func (s *failingSession) Address() string { return "0xbroken" }

func testToken(n int) string {
	return "0x" + strings.Repeat("0", 62) + string("0123456789"[n%10]) + "1"
}

func fact(n int) ledger.CreationFact {
	return ledger.CreationFact{
		LedgerToken:     testToken(n),
		PatientAddress:  "0xpatient",
		Disease:         "asthma",
		Drug:            "Salbutamol",
		Quantity:        2,
		IntervalSeconds: 604800,
	}
}

func newRecorder(t *testing.T, session ledger.Session, backend ledger.Contract, m *metrics.Metrics) *ledger.Recorder {
	t.Helper()
	cfg := ledger.DefaultRecorderConfig()
	cfg.Timeout = 200 * time.Millisecond
	r, err := ledger.NewRecorder(session, backend, cfg, circuitbreaker.NewManager(nil), m, nil)
	require.NoError(t, err)
	return r
}

func TestRecordCreationDirect(t *testing.T) {
	chain := memchain.New("0xdoctor")
	session := memchain.NewSession(chain, "0xsigner")
	backend := &failingContract{err: errNetwork}
	r := newRecorder(t, session, backend, nil)

	rec, err := r.RecordCreation(context.Background(), fact(1))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathDirect, rec.Path)
	assert.Equal(t, "0xsigner", rec.Address)
	assert.NotEmpty(t, rec.TxHash)
	assert.Zero(t, backend.calls.Load(), "backend must not be called when direct succeeds")
}

func TestRecordCreationFallsBackWhenDisconnected(t *testing.T) {
	direct := memchain.NewSession(memchain.New("0xdoctor"), "0xsigner")
	direct.SetConnected(false)
	backendChain := memchain.New("0xgateway")
	r := newRecorder(t, direct, backendChain, nil)

	rec, err := r.RecordCreation(context.Background(), fact(2))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathBackend, rec.Path)
	assert.Equal(t, "0xgateway", rec.Address)
	assert.Equal(t, 1, backendChain.Len())
	assert.Zero(t, direct.Len())
}

func TestRecordCreationFallsBackOnDirectError(t *testing.T) {
	session := &failingSession{failingContract{err: errNetwork}}
	backendChain := memchain.New("0xgateway")
	r := newRecorder(t, session, backendChain, nil)

	rec, err := r.RecordCreation(context.Background(), fact(3))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathBackend, rec.Path)
	assert.Equal(t, int32(1), session.calls.Load(), "direct path is tried exactly once")
}

func TestRecordFailsWhenBothPathsFail(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	session := &failingSession{failingContract{err: errNetwork}}
	backend := &failingContract{err: errNetwork}
	r := newRecorder(t, session, backend, m)

	_, err := r.RecordDispensation(context.Background(), testToken(4))
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrLedgerCommitFailed)
	assert.ErrorIs(t, err, errNetwork)

	var cerr *ledger.CommitError
	require.True(t, errors.As(err, &cerr))
	assert.ErrorIs(t, cerr.Direct, ledger.ErrLedgerUnavailable)
	assert.Equal(t, int32(1), session.calls.Load())
	assert.Equal(t, int32(1), backend.calls.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerCommits.WithLabelValues("dispense", "direct", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LedgerCommits.WithLabelValues("dispense", "backend", "error")))
}

func TestRecordWithoutAnyPath(t *testing.T) {
	r := newRecorder(t, nil, nil, nil)
	_, err := r.RecordCreation(context.Background(), fact(5))
	assert.ErrorIs(t, err, ledger.ErrLedgerCommitFailed)
	assert.ErrorIs(t, err, ledger.ErrLedgerUnavailable)
}

func TestRecordTimesOutEachPath(t *testing.T) {
	session := &failingSession{failingContract{delay: time.Second}}
	backend := &failingContract{delay: time.Second}
	r := newRecorder(t, session, backend, nil)

	start := time.Now()
	_, err := r.RecordCreation(context.Background(), fact(6))
	assert.ErrorIs(t, err, ledger.ErrLedgerCommitFailed)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRecordFallsBackAfterDirectTimeout(t *testing.T) {
	session := &failingSession{failingContract{delay: time.Second}}
	backendChain := memchain.New("0xgateway")
	r := newRecorder(t, session, backendChain, nil)

	start := time.Now()
	rec, err := r.RecordCreation(context.Background(), fact(6))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathBackend, rec.Path)
	assert.Equal(t, "0xgateway", rec.Address)
	assert.Equal(t, 1, backendChain.Len())
	assert.Equal(t, int32(1), session.calls.Load())
	assert.Less(t, time.Since(start), 900*time.Millisecond)
}

func TestRevertDoesNotOpenDirectBreaker(t *testing.T) {
	chain := memchain.New("0xdoctor")
	session := memchain.NewSession(chain, "0xsigner")
	r := newRecorder(t, session, chain, nil)

	// every dispense of an unknown token reverts on both paths
	for i := 0; i < 10; i++ {
		_, err := r.RecordDispensation(context.Background(), testToken(7))
		assert.ErrorIs(t, err, ledger.ErrReverted)
	}

	rec, err := r.RecordCreation(context.Background(), fact(8))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathDirect, rec.Path)
}

func TestInspect(t *testing.T) {
	chain := memchain.New("0xdoctor")
	session := memchain.NewSession(chain, "0xsigner")
	r := newRecorder(t, session, chain, nil)
	ctx := context.Background()

	_, err := r.RecordCreation(ctx, fact(9))
	require.NoError(t, err)
	_, err = r.RecordDispensation(ctx, testToken(9))
	require.NoError(t, err)

	rec, path, err := r.Inspect(ctx, testToken(9))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathDirect, path)
	assert.Zero(t, rec.Remaining)
	assert.NotZero(t, rec.LastDispensedUnix)

	session.SetConnected(false)
	_, path, err = r.Inspect(ctx, testToken(9))
	require.NoError(t, err)
	assert.Equal(t, ledger.PathBackend, path)
}

func TestInvalidLedgerToken(t *testing.T) {
	r := newRecorder(t, nil, nil, nil)
	_, err := r.RecordDispensation(context.Background(), "RX-NOTHEX")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ledger.ErrLedgerCommitFailed)
}
