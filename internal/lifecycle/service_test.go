package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/ledger/memchain"
	"github.com/drfirst/go-rxledger/internal/reconcile"
	"github.com/drfirst/go-rxledger/internal/store"
	"github.com/drfirst/go-rxledger/internal/token"
	"github.com/drfirst/go-rxledger/pkg/circuitbreaker"
)

var testNow = time.Date(2026, 10, 19, 10, 30, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *store.Memory
	chain   *memchain.Chain
	session *memchain.Session
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st := store.NewMemory(nil, nil)
	require.NoError(t, st.UpsertMedicine(context.Background(), &prescription.Medicine{ID: "amox", Name: "Amoxicillin", Quantity: 150}))
	require.NoError(t, st.UpsertMedicine(context.Background(), &prescription.Medicine{ID: "para", Name: "Paracetamol", Quantity: 10}))

	chain := memchain.New("0xdoctor")
	session := memchain.NewSession(chain, "0xsigner")
	rcfg := ledger.DefaultRecorderConfig()
	rcfg.Timeout = time.Second
	rec, err := ledger.NewRecorder(session, nil, rcfg, circuitbreaker.NewManager(nil), nil, nil)
	require.NoError(t, err)

	svc := NewService(st, rec, cfg, nil, nil).WithClock(func() time.Time { return testNow })
	return &fixture{svc: svc, store: st, chain: chain, session: session}
}

// unavailableRecorder returns a recorder with no direct session and no backend
func unavailableRecorder(t *testing.T) *ledger.Recorder {
	t.Helper()
	rec, err := ledger.NewRecorder(nil, nil, ledger.DefaultRecorderConfig(), circuitbreaker.NewManager(nil), nil, nil)
	require.NoError(t, err)
	return rec
}

func request() CreateRequest {
	return CreateRequest{
		PatientID:      "patient-1",
		PatientName:    "Ada",
		PatientAge:     42,
		PatientAddress: "0xpatient",
		DoctorID:       "doctor-1",
		DoctorName:     "Dr. Grey",
		Disease:        "sinusitis",
		Medicines:      []prescription.Line{{MedicineID: "amox", Quantity: 30, Dosage: "500mg three times daily"}},
		DoseInterval:   prescription.IntervalDaily,
		DoseValidity:   testNow.Add(14 * 24 * time.Hour),
	}
}

func quantity(t *testing.T, st store.Catalog, id string) *prescription.Medicine {
	t.Helper()
	m, err := st.GetMedicine(context.Background(), id)
	require.NoError(t, err)
	return m
}

func TestCreateAnchorsPrescription(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)
	require.NoError(t, res.AnchorErr)
	assert.True(t, res.Anchored())

	p := res.Prescription
	assert.Regexp(t, `^RX-[0-9A-Z]{8}$`, p.UIToken)
	assert.Len(t, p.LedgerToken, 66)
	assert.Equal(t, prescription.StatusActive, p.Status)
	assert.Equal(t, string(ledger.PathDirect), p.Anchoring.Path)
	assert.Equal(t, "0xsigner", p.Anchoring.Address)

	rec, err := f.chain.GetPrescription(context.Background(), mustToken(t, p.LedgerToken))
	require.NoError(t, err)
	assert.Equal(t, "Amoxicillin", rec.Drug)
	assert.Equal(t, uint64(30), rec.Quantity)
	assert.Equal(t, uint64(86400), rec.IntervalSeconds)
}

func mustToken(t *testing.T, s string) ledger.Token {
	t.Helper()
	tok, err := ledger.ParseToken(s)
	require.NoError(t, err)
	return tok
}

func TestCreateRejectsInvalidRequestsBeforeStoring(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	cases := map[string]func(r *CreateRequest){
		"no medicines":     func(r *CreateRequest) { r.Medicines = nil },
		"unknown medicine": func(r *CreateRequest) { r.Medicines[0].MedicineID = "nope" },
		"zero quantity":    func(r *CreateRequest) { r.Medicines[0].Quantity = 0 },
		"bad interval":     func(r *CreateRequest) { r.DoseInterval = "hourly" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := request()
			mutate(&req)
			_, err := f.svc.Create(context.Background(), req)
			assert.ErrorIs(t, err, prescription.ErrValidation)
		})
	}

	all, err := f.svc.List(context.Background(), store.Filter{Kind: store.FilterAll})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, f.chain.Len())
}

func TestLookupRoundTrip(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)

	got, err := f.svc.Lookup(context.Background(), "  "+res.Prescription.UIToken+"\n")
	require.NoError(t, err)
	assert.Equal(t, res.Prescription, got)

	_, err = f.svc.Lookup(context.Background(), "RX-00000000")
	assert.ErrorIs(t, err, prescription.ErrNotFound)
}

func TestScenarioADispenseDecrementsCatalog(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)

	p, err := f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusDispensed, p.Status)
	assert.Nil(t, p.NextValidDose)
	assert.Equal(t, []time.Time{testNow}, p.DispensedDates)

	med := quantity(t, f.store, "amox")
	assert.Equal(t, 120, med.Quantity)
	assert.True(t, med.Available)

	rec, err := f.chain.GetPrescription(context.Background(), mustToken(t, p.LedgerToken))
	require.NoError(t, err)
	assert.Zero(t, rec.Remaining)
}

func TestScenarioBLockedToday(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	req := request()
	req.LockDates = []prescription.Date{prescription.DateOf(testNow, time.UTC)}
	res, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	assert.ErrorIs(t, err, prescription.ErrLocked)
	assert.Equal(t, 150, quantity(t, f.store, "amox").Quantity)

	// locked wins even when the prescription has also expired
	req.DoseValidity = testNow.Add(-time.Hour)
	res, err = f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	_, err = f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	assert.ErrorIs(t, err, prescription.ErrLocked)
}

func TestScenarioCAlreadyDispensed(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)
	tok := res.Prescription.UIToken

	_, err = f.svc.Dispense(context.Background(), tok)
	require.NoError(t, err)
	_, err = f.svc.Dispense(context.Background(), tok)
	assert.ErrorIs(t, err, prescription.ErrAlreadyDispensed)

	p, err := f.svc.Lookup(context.Background(), tok)
	require.NoError(t, err)
	assert.Len(t, p.DispensedDates, 1)
	assert.Equal(t, 120, quantity(t, f.store, "amox").Quantity)
}

func TestDispenseExpired(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	req := request()
	req.DoseValidity = testNow.Add(-time.Second)
	res, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)

	_, err = f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	assert.ErrorIs(t, err, prescription.ErrExpired)

	p, err := f.svc.Lookup(context.Background(), res.Prescription.UIToken)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, p.Status)
}

func TestDispenseLedgerFailureLeavesStateUntouched(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)

	f.session.SetConnected(false)
	_, err = f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	require.ErrorIs(t, err, ledger.ErrLedgerCommitFailed)

	p, err := f.svc.Lookup(context.Background(), res.Prescription.UIToken)
	require.NoError(t, err)
	assert.Equal(t, prescription.StatusActive, p.Status)
	assert.Empty(t, p.DispensedDates)
	assert.Equal(t, 150, quantity(t, f.store, "amox").Quantity)

	// once the signer is back the same prescription dispenses normally
	f.session.SetConnected(true)
	_, err = f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	require.NoError(t, err)
}

func TestScenarioDUnanchoredCreation(t *testing.T) {
	st := store.NewMemory(nil, nil)
	require.NoError(t, st.UpsertMedicine(context.Background(), &prescription.Medicine{ID: "amox", Name: "Amoxicillin", Quantity: 150}))

	t.Run("strict", func(t *testing.T) {
		svc := NewService(st, unavailableRecorder(t), DefaultConfig(), nil, nil).WithClock(func() time.Time { return testNow })
		res, err := svc.Create(context.Background(), request())
		require.NoError(t, err)
		assert.ErrorIs(t, res.AnchorErr, ledger.ErrLedgerCommitFailed)
		assert.False(t, res.Anchored())
		assert.Equal(t, prescription.StatusActive, res.Prescription.Status)

		stored, err := svc.Lookup(context.Background(), res.Prescription.UIToken)
		require.NoError(t, err)
		assert.Nil(t, stored.Anchoring)

		_, err = svc.Dispense(context.Background(), res.Prescription.UIToken)
		assert.ErrorIs(t, err, ledger.ErrLedgerCommitFailed)
		assert.Equal(t, 150, quantity(t, st, "amox").Quantity)
	})

	t.Run("ledger optional", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.LedgerOptional = true
		svc := NewService(st, unavailableRecorder(t), cfg, nil, nil).WithClock(func() time.Time { return testNow })
		res, err := svc.Create(context.Background(), request())
		require.NoError(t, err)
		require.Error(t, res.AnchorErr)

		p, err := svc.Dispense(context.Background(), res.Prescription.UIToken)
		require.NoError(t, err)
		assert.Equal(t, prescription.StatusDispensed, p.Status)
		assert.Equal(t, 120, quantity(t, st, "amox").Quantity)

		_, err = svc.Dispense(context.Background(), res.Prescription.UIToken)
		assert.ErrorIs(t, err, prescription.ErrAlreadyDispensed)
	})
}

func TestLedgerOptionalStillHonoursRevertForAnchored(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LedgerOptional = true
	f := newFixture(t, cfg)
	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)

	// the ledger already consumed this prescription elsewhere
	_, err = f.chain.Dispense(context.Background(), mustToken(t, res.Prescription.LedgerToken))
	require.NoError(t, err)

	_, err = f.svc.Dispense(context.Background(), res.Prescription.UIToken)
	assert.ErrorIs(t, err, ledger.ErrReverted)
	assert.Equal(t, 150, quantity(t, f.store, "amox").Quantity)
}

// countingRecorder delays dispensations so concurrent callers overlap
type countingRecorder struct {
	Recorder
	dispenses atomic.Int32
}

func (c *countingRecorder) RecordDispensation(ctx context.Context, ledgerToken string) (*ledger.Receipt, error) {
	c.dispenses.Add(1)
	time.Sleep(20 * time.Millisecond)
	return c.Recorder.RecordDispensation(ctx, ledgerToken)
}

func TestConcurrentDispenseSucceedsOnce(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	res, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)

	rec := &countingRecorder{Recorder: f.svc.recorder}
	f.svc.recorder = rec

	const callers = 8
	var wg sync.WaitGroup
	var ok, already atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Dispense(context.Background(), res.Prescription.UIToken)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, prescription.ErrAlreadyDispensed):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), already.Load())
	assert.Equal(t, int32(1), rec.dispenses.Load(), "only the winner reaches the ledger")
	assert.Equal(t, 120, quantity(t, f.store, "amox").Quantity)
	assert.Zero(t, f.svc.locks.size())
}

func TestDispenseDoesNotBlockOtherTokens(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	a, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)
	b, err := f.svc.Create(context.Background(), request())
	require.NoError(t, err)

	release := f.svc.locks.Lock(a.Prescription.UIToken)
	defer release()

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Dispense(context.Background(), b.Prescription.UIToken)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispense of an unrelated token blocked")
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	ctx := context.Background()
	_, err := f.svc.Create(ctx, request())
	require.NoError(t, err)
	other := request()
	other.DoctorID = "doctor-2"
	other.PatientID = "patient-2"
	_, err = f.svc.Create(ctx, other)
	require.NoError(t, err)

	all, err := f.svc.List(ctx, store.Filter{Kind: store.FilterAll})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	byDoctor, err := f.svc.List(ctx, store.Filter{Kind: store.FilterByDoctor, ID: "doctor-2"})
	require.NoError(t, err)
	require.Len(t, byDoctor, 1)
	assert.Equal(t, "patient-2", byDoctor[0].PatientID)

	byPatient, err := f.svc.List(ctx, store.Filter{Kind: store.FilterByPatient, ID: "patient-1"})
	require.NoError(t, err)
	assert.Len(t, byPatient, 1)
}

// blindStore never reports a token as taken, like a second writer racing the insert
type blindStore struct {
	*store.Memory
}

func (blindStore) TokenExists(context.Context, string) (bool, error) { return false, nil }

// scriptedRandom yields the ui token bytes and ledger token bytes of each mint in order
func scriptedRandom(uiChars ...byte) *bytes.Reader {
	var script []byte
	for i, c := range uiChars {
		script = append(script, bytes.Repeat([]byte{c}, token.UILength)...)
		script = append(script, bytes.Repeat([]byte{byte(0xa0 + i)}, token.LedgerTokenBytes)...)
	}
	return bytes.NewReader(script)
}

func TestCreateRemintsOnInsertCollision(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	st := blindStore{f.store}
	svc := NewService(st, f.svc.recorder, DefaultConfig(), nil, nil).
		WithClock(func() time.Time { return testNow }).
		WithTokens(token.NewGeneratorFrom(scriptedRandom(1, 1, 2)))
	ctx := context.Background()

	first, err := svc.Create(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, "RX-11111111", first.Prescription.UIToken)

	second, err := svc.Create(ctx, request())
	require.NoError(t, err)
	assert.Equal(t, "RX-22222222", second.Prescription.UIToken)
	assert.True(t, second.Anchored())

	for _, tok := range []string{"RX-11111111", "RX-22222222"} {
		_, err := f.store.Get(ctx, tok)
		assert.NoError(t, err, tok)
	}
}

func TestCreateGivesUpAfterRepeatedCollisions(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	chars := make([]byte, token.MaxAttempts+1)
	for i := range chars {
		chars[i] = 1
	}
	svc := NewService(blindStore{f.store}, f.svc.recorder, DefaultConfig(), nil, nil).
		WithClock(func() time.Time { return testNow }).
		WithTokens(token.NewGeneratorFrom(scriptedRandom(chars...)))
	ctx := context.Background()

	_, err := svc.Create(ctx, request())
	require.NoError(t, err)
	_, err = svc.Create(ctx, request())
	assert.ErrorIs(t, err, prescription.ErrDuplicateToken)
}

type recordingSink struct {
	mu     sync.Mutex
	events []*prescription.Event
}

func (s *recordingSink) Publish(_ context.Context, evt *prescription.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return nil
}

func (s *recordingSink) last(typ prescription.EventType) *prescription.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].EventType == typ {
			return s.events[i]
		}
	}
	return nil
}

// A catalog rename after anchoring must not make the ledger look divergent:
// the dispensed event carries the drug name that was anchored.
func TestDispensedEventCarriesAnchoredDrug(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	st := store.NewMemory(sink, nil)
	require.NoError(t, st.UpsertMedicine(ctx, &prescription.Medicine{ID: "amox", Name: "Amoxicillin", Quantity: 150}))

	chain := memchain.New("0xdoctor")
	rec, err := ledger.NewRecorder(memchain.NewSession(chain, "0xsigner"), nil,
		ledger.DefaultRecorderConfig(), circuitbreaker.NewManager(nil), nil, nil)
	require.NoError(t, err)
	svc := NewService(st, rec, DefaultConfig(), nil, nil).WithClock(func() time.Time { return testNow })

	res, err := svc.Create(ctx, request())
	require.NoError(t, err)
	require.True(t, res.Anchored())
	assert.Equal(t, "Amoxicillin", res.Prescription.Anchoring.Drug)

	require.NoError(t, st.UpsertMedicine(ctx, &prescription.Medicine{ID: "amox", Name: "Amoxicillin 500mg", Quantity: 150}))
	_, err = svc.Dispense(ctx, res.Prescription.UIToken)
	require.NoError(t, err)

	evt := sink.last(prescription.EventPrescriptionDispensed)
	require.NotNil(t, evt)
	var data prescription.DispensedData
	require.NoError(t, evt.Decode(&data))
	assert.Equal(t, "Amoxicillin", data.Drug)

	r, err := reconcile.New(rec, nil, reconcile.DefaultConfig(), nil, nil)
	require.NoError(t, err)
	findings, err := r.Check(ctx, evt)
	require.NoError(t, err)
	assert.Empty(t, findings)
}
