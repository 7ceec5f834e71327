package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/digkill/TGDeckBot/internal/ledger"
	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
)

var ErrInvalidCredit = errors.New("credit requires user id, purchase id and positive tokens")

type BalanceStore interface {
	Get(ctx context.Context, userID string) (models.TokenBalance, error)
	Credit(ctx context.Context, userID, purchaseID string, units int) (models.TokenBalance, bool, error)
}

type BalancePublisher interface {
	Publish(ctx context.Context, userID string, balance models.TokenBalance) error
}

// BalanceService is the trusted side of the ledger: the only code path that
// adds premium units.
type BalanceService struct {
	balances BalanceStore
	feed     BalancePublisher
	journal  ledger.Journal
	metrics  *metrics.Metrics
	log      *slog.Logger
}

func NewBalanceService(balances BalanceStore, feed BalancePublisher, journal ledger.Journal, m *metrics.Metrics, log *slog.Logger) *BalanceService {
	return &BalanceService{
		balances: balances,
		feed:     feed,
		journal:  journal,
		metrics:  m,
		log:      log,
	}
}

func (s *BalanceService) Get(ctx context.Context, userID string) (models.TokenBalance, error) {
	balance, err := s.balances.Get(ctx, userID)
	if err != nil {
		return models.TokenBalance{}, fmt.Errorf("get balance: %w", err)
	}
	return balance, nil
}

// ApplyCredit adds units to userID once per purchaseID. applied is false when
// the purchase was already credited; the current balance is returned either way.
func (s *BalanceService) ApplyCredit(ctx context.Context, userID, purchaseID string, units int) (models.TokenBalance, bool, error) {
	userID = strings.TrimSpace(userID)
	purchaseID = strings.TrimSpace(purchaseID)
	if userID == "" || purchaseID == "" || units <= 0 {
		return models.TokenBalance{}, false, ErrInvalidCredit
	}

	balance, applied, err := s.balances.Credit(ctx, userID, purchaseID, units)
	if err != nil {
		s.metrics.LedgerOp("credit_apply", "error")
		return models.TokenBalance{}, false, fmt.Errorf("apply credit: %w", err)
	}
	if !applied {
		s.metrics.LedgerOp("credit_apply", "duplicate")
		s.log.Info("credit already applied", "user_id", userID, "purchase_id", purchaseID)
		return balance, false, nil
	}
	s.metrics.LedgerOp("credit_apply", "ok")
	s.log.Info("credit applied", "user_id", userID, "purchase_id", purchaseID, "units", units)

	if s.feed != nil {
		if err := s.feed.Publish(ctx, userID, balance); err != nil {
			s.log.Warn("publish balance after credit", "user_id", userID, "err", err)
		}
	}
	if s.journal != nil {
		receipt := models.LedgerReceipt{
			Kind:       models.ReceiptCredit,
			UserID:     userID,
			Units:      units,
			PurchaseID: purchaseID,
			Balance:    balance,
			At:         time.Now().UTC(),
		}
		if err := s.journal.Record(ctx, receipt); err != nil {
			s.log.Warn("archive credit receipt", "user_id", userID, "err", err)
		}
	}
	return balance, true, nil
}
