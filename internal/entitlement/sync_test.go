package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGDeckBot/internal/billing"
	"github.com/digkill/TGDeckBot/internal/models"
	"github.com/digkill/TGDeckBot/pkg/logger"
)

type fakeLedger struct {
	userID  string
	fail    error
	credits map[string]int
	total   int
}

func newFakeLedger(userID string) *fakeLedger {
	return &fakeLedger{userID: userID, credits: make(map[string]int)}
}

func (l *fakeLedger) UserID() string { return l.userID }

func (l *fakeLedger) Credit(_ context.Context, units int, purchaseID string) (bool, error) {
	if l.fail != nil {
		return false, l.fail
	}
	if _, seen := l.credits[purchaseID]; seen {
		return true, nil
	}
	l.credits[purchaseID] = units
	l.total += units
	return true, nil
}

type memPending struct {
	mu     sync.Mutex
	nextID int64
	items  map[int64]models.PendingCredit
}

func newMemPending() *memPending {
	return &memPending{items: make(map[int64]models.PendingCredit)}
}

func (p *memPending) Enqueue(_ context.Context, pc models.PendingCredit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	pc.ID = p.nextID
	p.items[pc.ID] = pc
	return nil
}

func (p *memPending) ListByUser(_ context.Context, userID string) ([]models.PendingCredit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.PendingCredit
	for _, pc := range p.items {
		if pc.UserID == userID {
			out = append(out, pc)
		}
	}
	return out, nil
}

func (p *memPending) MarkAttempt(_ context.Context, id int64, lastError string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pc := p.items[id]
	pc.Attempts++
	pc.LastError = lastError
	p.items[id] = pc
	return nil
}

func (p *memPending) Delete(_ context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, id)
	return nil
}

func (p *memPending) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.items)
}

type fixture struct {
	sync     *Sync
	provider *billing.Mock
	ledger   *fakeLedger
	pending  *memPending
}

func newFixture() *fixture {
	f := &fixture{
		provider: billing.NewMock([]string{"deck_3_presentations", "deck_10_presentations", "premium_monthly", "mystery"}),
		ledger:   newFakeLedger("u1"),
		pending:  newMemPending(),
	}
	f.sync = New(Options{
		Provider: f.provider,
		Ledger:   f.ledger,
		Pending:  f.pending,
		Logger:   logger.Discard(),
	})
	return f
}

func TestPurchaseCreditsOnceThenAlreadyOwned(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ok, err := f.sync.Purchase(ctx, "deck_3_presentations")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, f.ledger.total)

	ok, err = f.sync.Purchase(ctx, "deck_3_presentations")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 3, f.ledger.total)
	assert.Len(t, f.ledger.credits, 1)
}

func TestPurchaseCancelledDoesNotCredit(t *testing.T) {
	f := newFixture()
	f.provider.CancelNext("deck_10_presentations")

	ok, err := f.sync.Purchase(context.Background(), "deck_10_presentations")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.ledger.total)
}

func TestPurchaseProviderErrorFailsClosed(t *testing.T) {
	f := newFixture()
	f.provider.FailWith(errors.New("provider down"))

	ok, err := f.sync.Purchase(context.Background(), "deck_10_presentations")
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Zero(t, f.ledger.total)
}

// lookupFailing fails catalogue lookups while purchases still go through.
type lookupFailing struct {
	*billing.Mock
}

func (p lookupFailing) Product(context.Context, string) (models.Product, error) {
	return models.Product{}, errors.New("catalogue unavailable")
}

func TestPurchaseWithoutProductMetadata(t *testing.T) {
	tests := []struct {
		name      string
		productID string
		wantOK    bool
		wantUnits int
	}{
		{name: "units only in title", productID: "pro_access", wantOK: false, wantUnits: 0},
		{name: "units in id", productID: "deck_10_presentations", wantOK: true, wantUnits: 10},
		{name: "legacy id", productID: "premium_monthly", wantOK: true, wantUnits: 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			f.provider.AddProduct(models.Product{ID: "pro_access", Title: "Access 50 AI-powered presentations"})
			f.sync = New(Options{
				Provider: lookupFailing{f.provider},
				Ledger:   f.ledger,
				Pending:  f.pending,
				Logger:   logger.Discard(),
			})

			ok, err := f.sync.Purchase(context.Background(), tt.productID)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantUnits, f.ledger.total)
			assert.Zero(t, f.pending.len())
			if !tt.wantOK {
				assert.ErrorContains(t, err, "catalogue unavailable")
				info, infoErr := f.provider.CustomerInfo(context.Background(), "u1")
				require.NoError(t, infoErr)
				assert.NotContains(t, info.OwnedProducts, tt.productID)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestPurchaseWithoutUnitsStillSucceeds(t *testing.T) {
	f := newFixture()

	ok, err := f.sync.Purchase(context.Background(), "mystery")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.ledger.total)
}

func TestPurchaseSubscriptionUsesLegacyUnitsAndMarksPro(t *testing.T) {
	f := newFixture()

	ok, err := f.sync.Purchase(context.Background(), "premium_monthly")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 30, f.ledger.total)
	assert.True(t, f.sync.IsPayingUser())
	assert.Equal(t, "premium_monthly", f.sync.Current().ActiveProductID)
}

func TestCreditFailureIsQueuedAndReplayed(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.ledger.fail = models.ErrCreditFailed

	ok, err := f.sync.Purchase(ctx, "deck_10_presentations")
	assert.True(t, ok)
	assert.ErrorIs(t, err, models.ErrCreditFailed)
	assert.Equal(t, 1, f.pending.len())

	_, err = f.sync.Refresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.pending.len(), "still failing, stays queued")
	queued, _ := f.pending.ListByUser(ctx, "u1")
	require.Len(t, queued, 1)
	assert.Equal(t, 1, queued[0].Attempts)
	assert.Equal(t, 10, queued[0].Tokens)

	f.ledger.fail = nil
	_, err = f.sync.Refresh(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.pending.len())
	assert.Equal(t, 10, f.ledger.total)
}

func TestRefreshFailOpenKeepsLastKnown(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.sync.Purchase(ctx, "premium_monthly")
	require.NoError(t, err)
	require.True(t, f.sync.IsPayingUser())

	f.provider.FailWith(errors.New("timeout"))
	ent, err := f.sync.Refresh(ctx)
	assert.Error(t, err)
	assert.True(t, ent.IsPro)
	assert.True(t, f.sync.IsPayingUser())
}

func TestRefreshFreeUser(t *testing.T) {
	f := newFixture()

	ent, err := f.sync.Refresh(context.Background())
	require.NoError(t, err)
	assert.False(t, ent.IsPro)
	assert.False(t, f.sync.IsPayingUser())
	assert.False(t, ent.RefreshedAt.IsZero())
}

func TestSignedOutSyncIsRejected(t *testing.T) {
	f := newFixture()
	f.ledger.userID = ""

	_, err := f.sync.Refresh(context.Background())
	assert.ErrorIs(t, err, ErrNotSignedIn)

	ok, err := f.sync.Purchase(context.Background(), "deck_3_presentations")
	assert.ErrorIs(t, err, ErrNotSignedIn)
	assert.False(t, ok)
}
