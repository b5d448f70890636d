package prescription

import "fmt"

// Medicine is a catalog entry. Available always mirrors Quantity > 0.
type Medicine struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Available bool   `json:"available"`
	Quantity  int    `json:"quantity"`
}

// NewMedicine builds a catalog entry with a consistent availability flag
func NewMedicine(id, name string, quantity int) (*Medicine, error) {
	m := &Medicine{ID: id, Name: name}
	if err := m.SetQuantity(quantity); err != nil {
		return nil, err
	}
	return m, nil
}

// SetQuantity replaces the stock level
func (m *Medicine) SetQuantity(quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("%w: medicine %s quantity must not be negative", ErrValidation, m.ID)
	}
	m.Quantity = quantity
	m.Available = quantity > 0
	return nil
}

// Decrement removes n units, clamping at zero
func (m *Medicine) Decrement(n int) {
	q := m.Quantity - n
	if q < 0 {
		q = 0
	}
	m.Quantity = q
	m.Available = q > 0
}
