package ledger

import (
	"context"
	"sync"
	"time"
)

// NodeSession is a direct session that submits signed calls through a ledger
// node. Every process configured with the same node sees the same ledger.
type NodeSession struct {
	*BackendClient
	address string

	checkTimeout time.Duration
	ttl          time.Duration

	mu        sync.Mutex
	checkedAt time.Time
	connected bool
}

// NewNodeSession creates a session signing as address through client
func NewNodeSession(client *BackendClient, address string) *NodeSession {
	return &NodeSession{
		BackendClient: client.WithSigner(address),
		address:       address,
		checkTimeout:  2 * time.Second,
		ttl:           5 * time.Second,
	}
}

// Connected implements Session. The node's health is cached for a few
// seconds so the hot path does not check on every call.
func (s *NodeSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.checkedAt.IsZero() && time.Since(s.checkedAt) < s.ttl {
		return s.connected
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.checkTimeout)
	defer cancel()
	s.connected = s.Health(ctx) == nil
	s.checkedAt = time.Now()
	return s.connected
}

// Address implements Session
func (s *NodeSession) Address() string { return s.address }
