// Package ledger commits prescription facts to a distributed ledger, directly
// through a connected signer session or through the backend fallback API.
package ledger

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrLedgerUnavailable means the direct path could not be used
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	// ErrLedgerCommitFailed means neither path committed the fact
	ErrLedgerCommitFailed = errors.New("ledger commit failed")
	// ErrReverted means the contract rejected the call
	ErrReverted = errors.New("ledger call reverted")
	// ErrNotOnLedger means the contract has no record for the token
	ErrNotOnLedger = errors.New("token not recorded on ledger")
)

// Token is a ledger-native prescription identifier
type Token [32]byte

// ParseToken decodes a 0x-prefixed hex token
func ParseToken(s string) (Token, error) {
	var t Token
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		s = s[2:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("decode token: %w", err)
	}
	if len(b) != len(t) {
		return t, fmt.Errorf("token must be %d bytes, got %d", len(t), len(b))
	}
	copy(t[:], b)
	return t, nil
}

// String returns the 0x-prefixed hex form
func (t Token) String() string {
	return "0x" + hex.EncodeToString(t[:])
}

// CreateCall is the create_prescription argument list
type CreateCall struct {
	Token           Token
	Patient         string
	Disease         string
	Drug            string
	Quantity        uint64
	IntervalSeconds uint64
}

// TxResult is what a contract call returns once confirmed
type TxResult struct {
	TxHash string `json:"tx"`
	Status string `json:"status"`
	From   string `json:"from,omitempty"`
}

// OnChainRecord is the get_prescription tuple
type OnChainRecord struct {
	Doctor            string `json:"doctor"`
	Patient           string `json:"patient"`
	Disease           string `json:"disease"`
	Drug              string `json:"drug"`
	Quantity          uint64 `json:"quantity"`
	IntervalSeconds   uint64 `json:"interval_seconds"`
	LastDispensedUnix int64  `json:"last_dispensed"`
	Remaining         uint64 `json:"remaining"`
}

// Contract is the ledger contract surface
type Contract interface {
	CreatePrescription(ctx context.Context, call CreateCall) (*TxResult, error)
	Dispense(ctx context.Context, token Token) (*TxResult, error)
	GetPrescription(ctx context.Context, token Token) (*OnChainRecord, error)
}

// Session is a direct ledger connection. Connected is queried at call time.
type Session interface {
	Contract
	Connected() bool
	Address() string
}
