package billing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/digkill/TGDeckBot/internal/models"
)

// Mock is an in-memory provider. Every product can be held once; ids
// containing "monthly" or "yearly" are reported as active subscriptions.
type Mock struct {
	mu       sync.Mutex
	catalog  map[string]models.Product
	active   map[string]map[string]bool
	owned    map[string]map[string]bool
	cancelOn map[string]bool
	failWith error
}

func NewMock(productIDs []string) *Mock {
	m := &Mock{
		catalog:  make(map[string]models.Product),
		active:   make(map[string]map[string]bool),
		owned:    make(map[string]map[string]bool),
		cancelOn: make(map[string]bool),
	}
	for _, id := range productIDs {
		m.catalog[id] = models.Product{ID: id, Title: mockTitle(id)}
	}
	return m
}

func mockTitle(id string) string {
	return strings.TrimSpace(strings.ReplaceAll(strings.TrimPrefix(id, "deck_"), "_", " "))
}

// AddProduct replaces the catalogue entry for p.ID.
func (m *Mock) AddProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.catalog[p.ID] = p
}

// CancelNext makes the next purchase of productID report a user cancel.
func (m *Mock) CancelNext(productID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelOn[productID] = true
}

// FailWith makes every call return err until reset with nil.
func (m *Mock) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

func (m *Mock) CustomerInfo(_ context.Context, userID string) (models.CustomerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return models.CustomerInfo{}, m.failWith
	}
	info := models.CustomerInfo{UserID: userID}
	for id := range m.active[userID] {
		info.ActiveSubscriptions = append(info.ActiveSubscriptions, id)
		info.ActiveEntitlements = append(info.ActiveEntitlements, "pro")
	}
	for id := range m.owned[userID] {
		info.OwnedProducts = append(info.OwnedProducts, id)
	}
	return info, nil
}

func (m *Mock) Product(_ context.Context, productID string) (models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return models.Product{}, m.failWith
	}
	p, ok := m.catalog[productID]
	if !ok {
		return models.Product{}, fmt.Errorf("unknown product %q", productID)
	}
	return p, nil
}

func (m *Mock) Purchase(_ context.Context, userID, productID string) (models.PurchaseReceipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return models.PurchaseReceipt{}, m.failWith
	}
	if _, ok := m.catalog[productID]; !ok {
		return models.PurchaseReceipt{}, fmt.Errorf("unknown product %q", productID)
	}
	if m.cancelOn[productID] {
		delete(m.cancelOn, productID)
		return models.PurchaseReceipt{}, models.ErrPurchaseCancelled
	}

	if m.active[userID][productID] || m.owned[userID][productID] {
		return models.PurchaseReceipt{}, models.ErrAlreadyOwned
	}
	if isSubscription(productID) {
		if m.active[userID] == nil {
			m.active[userID] = make(map[string]bool)
		}
		m.active[userID][productID] = true
	} else {
		if m.owned[userID] == nil {
			m.owned[userID] = make(map[string]bool)
		}
		m.owned[userID][productID] = true
	}

	return models.PurchaseReceipt{
		TransactionID: "mock-tx-" + uuid.NewString(),
		ProductID:     productID,
		PurchasedAt:   time.Now().UTC(),
	}, nil
}

func isSubscription(productID string) bool {
	id := strings.ToLower(productID)
	return strings.Contains(id, "monthly") || strings.Contains(id, "yearly")
}
