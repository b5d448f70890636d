package prescription

import "errors"

var (
	ErrNotFound         = errors.New("prescription not found")
	ErrAlreadyDispensed = errors.New("prescription already dispensed")
	ErrLocked           = errors.New("prescription is locked today")
	ErrExpired          = errors.New("prescription dose validity has expired")
	ErrValidation       = errors.New("invalid prescription")
	ErrDuplicateToken   = errors.New("prescription token already issued")
	ErrMedicineNotFound = errors.New("medicine not found")
)
