package credit

import (
	"context"
	"sync"
)

// Mock always succeeds. When Apply is set the credit is forwarded to it, so a
// mock-mode bot still sees premium units arrive.
type Mock struct {
	Apply func(ctx context.Context, userID, purchaseID string, units int) error

	mu    sync.Mutex
	calls []Request
}

func (m *Mock) Credit(ctx context.Context, userID, purchaseID string, units int) error {
	m.mu.Lock()
	m.calls = append(m.calls, Request{UserID: userID, Tokens: units, PurchaseID: purchaseID})
	m.mu.Unlock()

	if m.Apply != nil {
		return m.Apply(ctx, userID, purchaseID, units)
	}
	return nil
}

// Calls returns the credits seen so far.
func (m *Mock) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.calls...)
}
