package prescription

import (
	"time"
)

// CanDispense evaluates whether p may be dispensed at now. Lock dates are
// compared by calendar day in loc. When a prescription is both locked and
// expired, ErrLocked is reported.
func CanDispense(p *Prescription, now time.Time, loc *time.Location) error {
	// Rule 1: dispensed is terminal
	if p.Status == StatusDispensed {
		return ErrAlreadyDispensed
	}

	// Rule 2: no dispensation on a lock date
	if p.IsLockedOn(now, loc) {
		return ErrLocked
	}

	// Rule 3: validity window
	if now.After(p.DoseValidity) {
		return ErrExpired
	}

	return nil
}

// IsLockedOn reports whether now falls on one of the lock dates
func (p *Prescription) IsLockedOn(now time.Time, loc *time.Location) bool {
	today := DateOf(now, loc)
	for _, d := range p.LockDates {
		if d == today {
			return true
		}
	}
	return false
}

// StatusAt returns the status a caller should see at now
func (p *Prescription) StatusAt(now time.Time, loc *time.Location) Status {
	switch err := CanDispense(p, now, loc); err {
	case ErrAlreadyDispensed:
		return StatusDispensed
	case ErrLocked:
		return StatusLocked
	case ErrExpired:
		return StatusExpired
	default:
		return StatusActive
	}
}

// MarkDispensed applies the active -> dispensed transition
func (p *Prescription) MarkDispensed(now time.Time) error {
	if p.Status == StatusDispensed {
		return ErrAlreadyDispensed
	}
	p.DispensedDates = append(p.DispensedDates, now)
	p.NextValidDose = nil
	p.Status = StatusDispensed
	return nil
}
