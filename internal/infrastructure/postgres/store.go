package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/domain/prescription"
	"github.com/drfirst/go-rxledger/internal/store"
)

const uniqueViolation = "23505"

// Store persists prescriptions and the catalog in PostgreSQL. Events passed to
// mutations are written to the outbox in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// NewStore creates a store writing outbox entries for topic
func NewStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, topic: topic, logger: logger}
}

// Insert stores a new prescription
func (s *Store) Insert(ctx context.Context, p *prescription.Prescription, evt *prescription.Event) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prescription: %w", err)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO prescriptions (ui_token, ledger_token, id, doctor_id, patient_id, status, document, created_at)
			VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6, $7, $8)
		`, p.UIToken, p.LedgerToken, p.ID, p.DoctorID, p.PatientID, string(p.Status), doc, p.CreatedAt)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
				return prescription.ErrDuplicateToken
			}
			return fmt.Errorf("insert prescription: %w", err)
		}
		return s.writeEvent(ctx, tx, evt)
	})
}

// Get loads a prescription by UI token
func (s *Store) Get(ctx context.Context, uiToken string) (*prescription.Prescription, error) {
	return s.load(ctx, s.pool, uiToken, false)
}

// TokenExists reports whether the UI token is issued
func (s *Store) TokenExists(ctx context.Context, uiToken string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM prescriptions WHERE ui_token = $1)`, uiToken).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check token: %w", err)
	}
	return exists, nil
}

// LedgerToken resolves the ledger token mapped to a UI token
func (s *Store) LedgerToken(ctx context.Context, uiToken string) (string, error) {
	var lt *string
	err := s.pool.QueryRow(ctx, `SELECT ledger_token FROM prescriptions WHERE ui_token = $1`, uiToken).Scan(&lt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", prescription.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load ledger token: %w", err)
	}
	if lt == nil {
		return "", nil
	}
	return *lt, nil
}

// Anchor attaches a ledger anchoring record
func (s *Store) Anchor(ctx context.Context, uiToken string, a *prescription.Anchoring, evt *prescription.Event) (*prescription.Prescription, error) {
	var out *prescription.Prescription
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := s.load(ctx, tx, uiToken, true)
		if err != nil {
			return err
		}
		anchoring := *a
		p.Anchoring = &anchoring
		if err := s.save(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return s.writeEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CommitDispensation applies the transition and decrements the catalog in one
// transaction. The row lock serializes concurrent commits across processes.
func (s *Store) CommitDispensation(ctx context.Context, d store.Dispensation, evt *prescription.Event) (*prescription.Prescription, error) {
	var out *prescription.Prescription
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		p, err := s.load(ctx, tx, d.UIToken, true)
		if err != nil {
			return err
		}
		if err := p.MarkDispensed(d.At); err != nil {
			return err
		}
		if err := s.save(ctx, tx, p); err != nil {
			return err
		}

		for _, line := range p.Medicines {
			tag, err := tx.Exec(ctx, `
				UPDATE medicines
				SET quantity = GREATEST(quantity - $2, 0),
				    available = GREATEST(quantity - $2, 0) > 0,
				    updated_at = NOW()
				WHERE id = $1
			`, line.MedicineID, line.Quantity)
			if err != nil {
				return fmt.Errorf("decrement medicine %s: %w", line.MedicineID, err)
			}
			if tag.RowsAffected() == 0 {
				s.logger.Warn("dispensed medicine missing from catalog",
					zap.String("token", d.UIToken),
					zap.String("medicine_id", line.MedicineID))
			}
		}

		out = p
		return s.writeEvent(ctx, tx, evt)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List returns prescriptions in issue order
func (s *Store) List(ctx context.Context, f store.Filter) ([]*prescription.Prescription, error) {
	query := `SELECT document FROM prescriptions`
	var args []any
	switch f.Kind {
	case store.FilterByDoctor:
		query += ` WHERE doctor_id = $1`
		args = append(args, f.ID)
	case store.FilterByPatient:
		query += ` WHERE patient_id = $1`
		args = append(args, f.ID)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	out := []*prescription.Prescription{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		p := &prescription.Prescription{}
		if err := json.Unmarshal(doc, p); err != nil {
			return nil, fmt.Errorf("decode prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetMedicine returns a catalog entry
func (s *Store) GetMedicine(ctx context.Context, id string) (*prescription.Medicine, error) {
	m := &prescription.Medicine{}
	err := s.pool.QueryRow(ctx, `SELECT id, name, available, quantity FROM medicines WHERE id = $1`, id).
		Scan(&m.ID, &m.Name, &m.Available, &m.Quantity)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrMedicineNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load medicine: %w", err)
	}
	return m, nil
}

// ListMedicines returns the catalog sorted by ID
func (s *Store) ListMedicines(ctx context.Context) ([]*prescription.Medicine, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, available, quantity FROM medicines ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list medicines: %w", err)
	}
	defer rows.Close()

	out := []*prescription.Medicine{}
	for rows.Next() {
		m := &prescription.Medicine{}
		if err := rows.Scan(&m.ID, &m.Name, &m.Available, &m.Quantity); err != nil {
			return nil, fmt.Errorf("scan medicine: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertMedicine creates or replaces a catalog entry
func (s *Store) UpsertMedicine(ctx context.Context, m *prescription.Medicine) error {
	c := *m
	if err := c.SetQuantity(c.Quantity); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO medicines (id, name, available, quantity)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name, available = EXCLUDED.available,
		    quantity = EXCLUDED.quantity, updated_at = NOW()
	`, c.ID, c.Name, c.Available, c.Quantity)
	if err != nil {
		return fmt.Errorf("upsert medicine: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) load(ctx context.Context, q querier, uiToken string, forUpdate bool) (*prescription.Prescription, error) {
	query := `SELECT document FROM prescriptions WHERE ui_token = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var doc []byte
	err := q.QueryRow(ctx, query, uiToken).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, prescription.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load prescription: %w", err)
	}
	p := &prescription.Prescription{}
	if err := json.Unmarshal(doc, p); err != nil {
		return nil, fmt.Errorf("decode prescription: %w", err)
	}
	return p, nil
}

func (s *Store) save(ctx context.Context, tx pgx.Tx, p *prescription.Prescription) error {
	doc, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode prescription: %w", err)
	}
	_, err = tx.Exec(ctx, `
		UPDATE prescriptions SET status = $2, document = $3, updated_at = NOW()
		WHERE ui_token = $1
	`, p.UIToken, string(p.Status), doc)
	if err != nil {
		return fmt.Errorf("update prescription: %w", err)
	}
	return nil
}

func (s *Store) writeEvent(ctx context.Context, tx pgx.Tx, evt *prescription.Event) error {
	if evt == nil {
		return nil
	}
	entry, err := EntryFromEvent(evt, s.topic)
	if err != nil {
		return err
	}
	return WriteEntry(ctx, tx, entry)
}

func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
