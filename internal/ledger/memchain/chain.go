// Package memchain is an in-process stand-in for the prescription contract.
// It reverts on the same conditions the deployed contract does and is used by
// the ledger gateway in development and by tests.
package memchain

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/drfirst/go-rxledger/internal/ledger"
)

type record struct {
	ledger.OnChainRecord
}

// Chain is an in-memory contract
type Chain struct {
	mu      sync.Mutex
	records map[ledger.Token]*record
	nonce   uint64
	sender  string
	now     func() time.Time
}

// New creates a chain whose transactions are sent from sender
func New(sender string) *Chain {
	return &Chain{
		records: make(map[ledger.Token]*record),
		sender:  sender,
		now:     time.Now,
	}
}

// WithClock overrides the clock used for last-dispensed timestamps
func (c *Chain) WithClock(now func() time.Time) *Chain {
	c.now = now
	return c
}

// CreatePrescription implements ledger.Contract
func (c *Chain) CreatePrescription(ctx context.Context, call ledger.CreateCall) (*ledger.TxResult, error) {
	return c.create(ctx, c.sender, call)
}

// Dispense implements ledger.Contract
func (c *Chain) Dispense(ctx context.Context, token ledger.Token) (*ledger.TxResult, error) {
	return c.dispense(ctx, c.sender, token)
}

// Signer returns a view of the chain whose transactions are sent from addr
func (c *Chain) Signer(addr string) ledger.Contract {
	return signer{chain: c, addr: addr}
}

type signer struct {
	chain *Chain
	addr  string
}

func (s signer) CreatePrescription(ctx context.Context, call ledger.CreateCall) (*ledger.TxResult, error) {
	return s.chain.create(ctx, s.addr, call)
}

func (s signer) Dispense(ctx context.Context, token ledger.Token) (*ledger.TxResult, error) {
	return s.chain.dispense(ctx, s.addr, token)
}

func (s signer) GetPrescription(ctx context.Context, token ledger.Token) (*ledger.OnChainRecord, error) {
	return s.chain.GetPrescription(ctx, token)
}

func (c *Chain) create(ctx context.Context, sender string, call ledger.CreateCall) (*ledger.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if call.Quantity == 0 {
		return nil, fmt.Errorf("%w: quantity must be positive", ledger.ErrReverted)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[call.Token]; ok {
		return nil, fmt.Errorf("%w: prescription %s already exists", ledger.ErrReverted, call.Token)
	}
	c.records[call.Token] = &record{ledger.OnChainRecord{
		Doctor:          sender,
		Patient:         call.Patient,
		Disease:         call.Disease,
		Drug:            call.Drug,
		Quantity:        call.Quantity,
		IntervalSeconds: call.IntervalSeconds,
		Remaining:       call.Quantity,
	}}
	return c.receipt("create", sender, call.Token), nil
}

func (c *Chain) dispense(ctx context.Context, sender string, token ledger.Token) (*ledger.TxResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown prescription %s", ledger.ErrReverted, token)
	}
	if rec.Remaining == 0 {
		return nil, fmt.Errorf("%w: prescription %s fully dispensed", ledger.ErrReverted, token)
	}
	rec.Remaining = 0
	rec.LastDispensedUnix = c.now().Unix()
	return c.receipt("dispense", sender, token), nil
}

// GetPrescription implements ledger.Contract
func (c *Chain) GetPrescription(ctx context.Context, token ledger.Token) (*ledger.OnChainRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[token]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ledger.ErrNotOnLedger, token)
	}
	out := rec.OnChainRecord
	return &out, nil
}

// Len returns the number of recorded prescriptions
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// receipt must be called with mu held
func (c *Chain) receipt(method, sender string, token ledger.Token) *ledger.TxResult {
	c.nonce++
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], c.nonce)

	h := sha256.New()
	h.Write([]byte(method))
	h.Write(token[:])
	h.Write(n[:])
	return &ledger.TxResult{
		TxHash: "0x" + hex.EncodeToString(h.Sum(nil)),
		Status: "confirmed",
		From:   sender,
	}
}

// Session is a direct session backed by a Chain
type Session struct {
	*Chain
	address   string
	connected atomic.Bool
}

// NewSession creates a connected session signing as address
func NewSession(chain *Chain, address string) *Session {
	s := &Session{Chain: chain, address: address}
	s.connected.Store(true)
	return s
}

// Connected implements ledger.Session
func (s *Session) Connected() bool { return s.connected.Load() }

// Address implements ledger.Session
func (s *Session) Address() string { return s.address }

// SetConnected simulates the signer connecting or disconnecting
func (s *Session) SetConnected(v bool) { s.connected.Store(v) }
