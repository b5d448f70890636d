package memchain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxledger/internal/ledger"
)

func token(t *testing.T, b byte) ledger.Token {
	t.Helper()
	var tok ledger.Token
	tok[31] = b
	return tok
}

func TestCreateAndDispense(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	c := New("0xdoctor").WithClock(func() time.Time { return at })
	tok := token(t, 1)

	res, err := c.CreatePrescription(ctx, ledger.CreateCall{Token: tok, Patient: "0xpatient", Drug: "Amoxicillin", Quantity: 30, IntervalSeconds: 86400})
	require.NoError(t, err)
	assert.Len(t, res.TxHash, 66)
	assert.Equal(t, "0xdoctor", res.From)

	_, err = c.CreatePrescription(ctx, ledger.CreateCall{Token: tok, Quantity: 1})
	assert.ErrorIs(t, err, ledger.ErrReverted)

	rec, err := c.GetPrescription(ctx, tok)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), rec.Remaining)

	res2, err := c.Dispense(ctx, tok)
	require.NoError(t, err)
	assert.NotEqual(t, res.TxHash, res2.TxHash)

	rec, err = c.GetPrescription(ctx, tok)
	require.NoError(t, err)
	assert.Zero(t, rec.Remaining)
	assert.Equal(t, at.Unix(), rec.LastDispensedUnix)

	_, err = c.Dispense(ctx, tok)
	assert.ErrorIs(t, err, ledger.ErrReverted)
}

func TestUnknownToken(t *testing.T) {
	c := New("0xdoctor")
	_, err := c.Dispense(context.Background(), token(t, 9))
	assert.ErrorIs(t, err, ledger.ErrReverted)

	_, err = c.GetPrescription(context.Background(), token(t, 9))
	assert.ErrorIs(t, err, ledger.ErrNotOnLedger)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New("0xdoctor").CreatePrescription(ctx, ledger.CreateCall{Token: token(t, 1), Quantity: 1})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestSessionConnected(t *testing.T) {
	s := NewSession(New("0xdoctor"), "0xsigner")
	assert.True(t, s.Connected())
	assert.Equal(t, "0xsigner", s.Address())
	s.SetConnected(false)
	assert.False(t, s.Connected())
}
