package prescription

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func testPrescription(now time.Time) *Prescription {
	return &Prescription{
		ID:           "p-1",
		UIToken:      "RX-ABCD1234",
		PatientID:    "patient-1",
		DoctorID:     "doctor-1",
		Disease:      "hypertension",
		Medicines:    []Line{{MedicineID: "med-1", Quantity: 30, Dosage: "1 tablet daily"}},
		DoseInterval: IntervalDaily,
		DoseValidity: now.Add(30 * 24 * time.Hour),
		CreatedAt:    now,
		Status:       StatusActive,
	}
}

func TestCanDispense(t *testing.T) {
	now := time.Date(2026, 10, 19, 14, 30, 0, 0, time.UTC)
	today := DateOf(now, time.UTC)
	tomorrow := DateOf(now.Add(24*time.Hour), time.UTC)

	tests := []struct {
		name   string
		mutate func(p *Prescription)
		want   error
	}{
		{"eligible", func(p *Prescription) {}, nil},
		{"already dispensed", func(p *Prescription) { p.Status = StatusDispensed }, ErrAlreadyDispensed},
		{"locked today", func(p *Prescription) { p.LockDates = []Date{today} }, ErrLocked},
		{"locked other day", func(p *Prescription) { p.LockDates = []Date{tomorrow} }, nil},
		{"expired", func(p *Prescription) { p.DoseValidity = now.Add(-time.Minute) }, ErrExpired},
		{"validity equal to now", func(p *Prescription) { p.DoseValidity = now }, nil},
		{"locked wins over expired", func(p *Prescription) {
			p.LockDates = []Date{today}
			p.DoseValidity = now.Add(-time.Hour)
		}, ErrLocked},
		{"dispensed wins over locked", func(p *Prescription) {
			p.Status = StatusDispensed
			p.LockDates = []Date{today}
		}, ErrAlreadyDispensed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := testPrescription(now)
			tt.mutate(p)
			if got := CanDispense(p, now, time.UTC); !errors.Is(got, tt.want) {
				t.Errorf("CanDispense() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLockDateIgnoresTimeOfDay(t *testing.T) {
	p := testPrescription(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	p.LockDates = []Date{{Year: 2026, Month: time.October, Day: 19}}

	for _, hour := range []int{0, 9, 23} {
		now := time.Date(2026, 10, 19, hour, 59, 0, 0, time.UTC)
		if err := CanDispense(p, now, time.UTC); !errors.Is(err, ErrLocked) {
			t.Errorf("hour %d: expected ErrLocked, got %v", hour, err)
		}
	}
}

func TestLockDateUsesCanonicalLocation(t *testing.T) {
	kolkata := time.FixedZone("IST", 5*3600+1800)
	p := testPrescription(time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC))
	p.LockDates = []Date{{Year: 2026, Month: time.October, Day: 20}}

	// 20:00 UTC on the 19th is already the 20th in IST
	now := time.Date(2026, 10, 19, 20, 0, 0, 0, time.UTC)
	if err := CanDispense(p, now, time.UTC); err != nil {
		t.Errorf("UTC evaluation: expected eligible, got %v", err)
	}
	if err := CanDispense(p, now, kolkata); !errors.Is(err, ErrLocked) {
		t.Errorf("IST evaluation: expected ErrLocked, got %v", err)
	}
}

func TestMarkDispensed(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	p := testPrescription(now)
	next := now
	p.NextValidDose = &next

	if err := p.MarkDispensed(now); err != nil {
		t.Fatalf("MarkDispensed: %v", err)
	}
	if p.Status != StatusDispensed {
		t.Errorf("status = %s, want dispensed", p.Status)
	}
	if p.NextValidDose != nil {
		t.Error("expected next valid dose to be cleared")
	}
	if len(p.DispensedDates) != 1 || !p.DispensedDates[0].Equal(now) {
		t.Errorf("dispensed dates = %v", p.DispensedDates)
	}

	if err := p.MarkDispensed(now.Add(time.Hour)); !errors.Is(err, ErrAlreadyDispensed) {
		t.Errorf("second MarkDispensed = %v, want ErrAlreadyDispensed", err)
	}
	if len(p.DispensedDates) != 1 {
		t.Errorf("dispensed dates grew on rejected transition: %v", p.DispensedDates)
	}
}

func TestStatusAt(t *testing.T) {
	now := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	p := testPrescription(now)
	if s := p.StatusAt(now, time.UTC); s != StatusActive {
		t.Errorf("got %s, want active", s)
	}
	p.LockDates = []Date{DateOf(now, time.UTC)}
	if s := p.StatusAt(now, time.UTC); s != StatusLocked {
		t.Errorf("got %s, want locked", s)
	}
	p.LockDates = nil
	if s := p.StatusAt(p.DoseValidity.Add(time.Second), time.UTC); s != StatusExpired {
		t.Errorf("got %s, want expired", s)
	}
	if p.Status != StatusActive {
		t.Error("StatusAt must not persist derived states")
	}
}

func TestValidate(t *testing.T) {
	now := time.Now()
	p := testPrescription(now)
	if err := p.Validate(); err != nil {
		t.Fatalf("valid prescription rejected: %v", err)
	}

	p.Medicines = nil
	if err := p.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("empty medicines: got %v", err)
	}

	p = testPrescription(now)
	p.Medicines[0].Quantity = 0
	p.DoseInterval = "hourly"
	err := p.Validate()
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIntervalSeconds(t *testing.T) {
	cases := map[DoseInterval]uint64{
		IntervalDaily:   86400,
		IntervalWeekly:  604800,
		IntervalMonthly: 2592000,
		IntervalOneTime: 0,
	}
	for in, want := range cases {
		if got := in.Seconds(); got != want {
			t.Errorf("%s: got %d, want %d", in, got, want)
		}
	}
}

func TestNormalizeToken(t *testing.T) {
	if got := NormalizeToken("  rx-ab12cd34\n"); got != "RX-AB12CD34" {
		t.Errorf("got %q", got)
	}
}

func TestDateJSON(t *testing.T) {
	var dates []Date
	if err := json.Unmarshal([]byte(`["2026-10-19","2027-01-02"]`), &dates); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if dates[0] != (Date{2026, time.October, 19}) {
		t.Errorf("got %v", dates[0])
	}
	out, err := json.Marshal(dates)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `["2026-10-19","2027-01-02"]` {
		t.Errorf("got %s", out)
	}
	if err := json.Unmarshal([]byte(`["19/10/2026"]`), &dates); err == nil {
		t.Error("expected error for malformed date")
	}
}

func TestMedicineDecrementClampsAtZero(t *testing.T) {
	m, err := NewMedicine("med-1", "Amoxicillin", 150)
	if err != nil {
		t.Fatal(err)
	}
	m.Decrement(30)
	if m.Quantity != 120 || !m.Available {
		t.Errorf("after 30: %+v", m)
	}
	m.Decrement(500)
	if m.Quantity != 0 || m.Available {
		t.Errorf("after clamp: %+v", m)
	}
	if _, err := NewMedicine("med-2", "x", -1); !errors.Is(err, ErrValidation) {
		t.Errorf("negative quantity: got %v", err)
	}
}
