// Package entitlement reconciles the purchase provider with the token ledger.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/TGDeckBot/internal/billing"
	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
)

var ErrNotSignedIn = errors.New("entitlement: no signed-in user")

// Creditor is the slice of the ledger used to grant purchased units.
type Creditor interface {
	UserID() string
	Credit(ctx context.Context, units int, purchaseID string) (bool, error)
}

// PendingStore keeps credits that failed after the provider took payment.
type PendingStore interface {
	Enqueue(ctx context.Context, pc models.PendingCredit) error
	ListByUser(ctx context.Context, userID string) ([]models.PendingCredit, error)
	MarkAttempt(ctx context.Context, id int64, lastError string) error
	Delete(ctx context.Context, id int64) error
}

type Options struct {
	Provider billing.Provider
	Ledger   Creditor
	Pending  PendingStore
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Sync struct {
	provider billing.Provider
	ledger   Creditor
	pending  PendingStore
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu      sync.RWMutex
	current models.Entitlement
}

func New(opts Options) *Sync {
	return &Sync{
		provider: opts.Provider,
		ledger:   opts.Ledger,
		pending:  opts.Pending,
		metrics:  opts.Metrics,
		log:      opts.Logger,
	}
}

// Current returns the last known entitlement.
func (s *Sync) Current() models.Entitlement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// IsPayingUser reports whether the user holds any active entitlement or
// subscription.
func (s *Sync) IsPayingUser() bool {
	return s.Current().IsPro
}

// Refresh pulls the provider's view. On failure the last known entitlement is
// kept and returned together with the error. Queued credits are replayed on
// every successful refresh.
func (s *Sync) Refresh(ctx context.Context) (models.Entitlement, error) {
	return s.refresh(ctx, true)
}

func (s *Sync) refresh(ctx context.Context, replay bool) (models.Entitlement, error) {
	userID := s.ledger.UserID()
	if userID == "" {
		return s.Current(), ErrNotSignedIn
	}

	info, err := s.provider.CustomerInfo(ctx, userID)
	if err != nil {
		s.metrics.Refresh("error")
		s.log.Warn("refresh entitlement, keeping last known", "user_id", userID, "err", err)
		return s.Current(), fmt.Errorf("refresh entitlement: %w", err)
	}
	s.metrics.Refresh("ok")

	ent := models.Entitlement{
		IsPro:       len(info.ActiveEntitlements) > 0 || len(info.ActiveSubscriptions) > 0,
		RefreshedAt: time.Now().UTC(),
	}
	if len(info.ActiveSubscriptions) > 0 {
		ent.ActiveProductID = info.ActiveSubscriptions[0]
		ent.CreditableUnits = CreditableUnits(models.Product{ID: ent.ActiveProductID})
	}

	s.mu.Lock()
	s.current = ent
	s.mu.Unlock()

	if replay {
		s.replayPending(ctx, userID)
	}
	return ent, nil
}

// Purchase buys productID and credits its units. A user cancel returns false
// with no error. An already-held product returns true without crediting
// again. When the provider took payment but the credit failed, the credit is
// queued for the next Refresh and the result is true with an error wrapping
// models.ErrCreditFailed.
func (s *Sync) Purchase(ctx context.Context, productID string) (bool, error) {
	userID := s.ledger.UserID()
	if userID == "" {
		return false, ErrNotSignedIn
	}

	// Without metadata the id alone must name the units, or nothing is charged.
	product, err := s.provider.Product(ctx, productID)
	if err != nil {
		product = models.Product{ID: productID}
		if CreditableUnits(product) == 0 {
			s.metrics.Purchase("error")
			return false, fmt.Errorf("resolve units for %s: %w", productID, err)
		}
		s.log.Warn("product metadata unavailable, using id only", "product_id", productID, "err", err)
	}

	receipt, err := s.provider.Purchase(ctx, userID, productID)
	switch {
	case errors.Is(err, models.ErrPurchaseCancelled):
		s.metrics.Purchase("cancelled")
		s.log.Info("purchase cancelled", "user_id", userID, "product_id", productID)
		return false, nil
	case errors.Is(err, models.ErrAlreadyOwned):
		s.metrics.Purchase("already_owned")
		s.refreshQuietly(ctx)
		return true, nil
	case err != nil:
		s.metrics.Purchase("error")
		return false, fmt.Errorf("purchase %s: %w", productID, err)
	}
	s.metrics.Purchase("ok")

	units := CreditableUnits(product)
	if units == 0 {
		s.log.Warn("purchased product grants no units", "user_id", userID, "product_id", productID)
		s.refreshQuietly(ctx)
		return true, nil
	}

	ok, err := s.ledger.Credit(ctx, units, receipt.TransactionID)
	if err != nil || !ok {
		if err == nil {
			err = models.ErrCreditFailed
		}
		s.log.Error("credit after purchase", "user_id", userID, "purchase_id", receipt.TransactionID, "units", units, "err", err)
		queueErr := s.enqueue(ctx, models.PendingCredit{
			UserID:     userID,
			PurchaseID: receipt.TransactionID,
			ProductID:  productID,
			Tokens:     units,
			LastError:  err.Error(),
		})
		_, _ = s.refresh(ctx, false)
		if queueErr != nil {
			return true, errors.Join(err, queueErr)
		}
		return true, err
	}

	s.log.Info("purchase credited", "user_id", userID, "product_id", productID, "units", units)
	s.refreshQuietly(ctx)
	return true, nil
}

func (s *Sync) refreshQuietly(ctx context.Context) {
	_, _ = s.Refresh(ctx)
}

func (s *Sync) enqueue(ctx context.Context, pc models.PendingCredit) error {
	if s.pending == nil {
		return fmt.Errorf("queue pending credit: no store")
	}
	if err := s.pending.Enqueue(ctx, pc); err != nil {
		s.log.Error("queue pending credit", "user_id", pc.UserID, "purchase_id", pc.PurchaseID, "err", err)
		return fmt.Errorf("queue pending credit: %w", err)
	}
	s.metrics.PendingCredit("enqueued")
	return nil
}

func (s *Sync) replayPending(ctx context.Context, userID string) {
	if s.pending == nil {
		return
	}
	queued, err := s.pending.ListByUser(ctx, userID)
	if err != nil {
		s.log.Warn("list pending credits", "user_id", userID, "err", err)
		return
	}

	for _, pc := range queued {
		ok, err := s.ledger.Credit(ctx, pc.Tokens, pc.PurchaseID)
		if err != nil || !ok {
			if err == nil {
				err = models.ErrCreditFailed
			}
			s.metrics.PendingCredit("retry_failed")
			if markErr := s.pending.MarkAttempt(ctx, pc.ID, err.Error()); markErr != nil {
				s.log.Warn("mark pending credit attempt", "id", pc.ID, "err", markErr)
			}
			continue
		}
		s.metrics.PendingCredit("replayed")
		s.log.Info("pending credit replayed", "user_id", userID, "purchase_id", pc.PurchaseID, "units", pc.Tokens)
		if err := s.pending.Delete(ctx, pc.ID); err != nil {
			s.log.Warn("delete replayed pending credit", "id", pc.ID, "err", err)
		}
	}
}
