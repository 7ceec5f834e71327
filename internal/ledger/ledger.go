// Package ledger is the per-session view of one user's prepaid token balance.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/digkill/TGDeckBot/internal/metrics"
	"github.com/digkill/TGDeckBot/internal/models"
)

var (
	ErrNotSignedIn  = errors.New("ledger: no signed-in user")
	ErrInvalidUnits = errors.New("ledger: units must be positive")
)

// Store persists balances. Debit must re-check sufficiency inside the same
// transaction that mutates the row.
type Store interface {
	Ensure(ctx context.Context, userID string) (models.TokenBalance, error)
	Debit(ctx context.Context, userID string, units int) (models.TokenBalance, bool, error)
}

// Feed carries balance changes between processes.
type Feed interface {
	Publish(ctx context.Context, userID string, balance models.TokenBalance) error
	Watch(ctx context.Context, userID string, onChange func(models.TokenBalance)) (func(), error)
}

// Creditor is the trusted credit endpoint.
type Creditor interface {
	Credit(ctx context.Context, userID, purchaseID string, units int) error
}

// Journal archives successful mutations. Optional.
type Journal interface {
	Record(ctx context.Context, receipt models.LedgerReceipt) error
}

type Options struct {
	Store    Store
	Feed     Feed
	Creditor Creditor
	Journal  Journal
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Ledger struct {
	store    Store
	feed     Feed
	creditor Creditor
	journal  Journal
	metrics  *metrics.Metrics
	log      *slog.Logger

	mu        sync.RWMutex
	userID    string
	balance   models.TokenBalance
	observers map[int]func(models.TokenBalance)
	nextObs   int
	stopWatch func()
}

func New(opts Options) *Ledger {
	return &Ledger{
		store:     opts.Store,
		feed:      opts.Feed,
		creditor:  opts.Creditor,
		journal:   opts.Journal,
		metrics:   opts.Metrics,
		log:       opts.Logger,
		balance:   models.DefaultBalance(),
		observers: make(map[int]func(models.TokenBalance)),
	}
}

// Balance returns the last known balance without blocking on I/O.
func (l *Ledger) Balance() models.TokenBalance {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balance
}

// UserID returns the signed-in identity, or "".
func (l *Ledger) UserID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.userID
}

// Subscribe registers onChange for every balance change. The returned func
// removes it.
func (l *Ledger) Subscribe(onChange func(models.TokenBalance)) func() {
	l.mu.Lock()
	id := l.nextObs
	l.nextObs++
	l.observers[id] = onChange
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.observers, id)
			l.mu.Unlock()
		})
	}
}

// SignIn loads userID's balance, creating the default row when absent, and
// attaches the live feed. Signing in as the current user only reloads.
func (l *Ledger) SignIn(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNotSignedIn
	}

	balance, err := l.store.Ensure(ctx, userID)
	if err != nil {
		return fmt.Errorf("load balance: %w", err)
	}

	l.mu.Lock()
	sameUser := l.userID == userID
	previousStop := l.stopWatch
	if !sameUser {
		l.stopWatch = nil
	}
	l.userID = userID
	l.mu.Unlock()

	// The loaded snapshot goes in before the feed attaches so a push received
	// on subscribe is never overwritten by the older read.
	l.apply(userID, balance)

	if !sameUser {
		if previousStop != nil {
			previousStop()
		}
		l.attachFeed(userID)
	}
	return nil
}

func (l *Ledger) attachFeed(userID string) {
	if l.feed == nil {
		return
	}
	stop, err := l.feed.Watch(context.Background(), userID, func(b models.TokenBalance) {
		l.apply(userID, b)
	})
	if err != nil {
		l.log.Warn("balance feed unavailable, using polled balance", "user_id", userID, "err", err)
		return
	}

	l.mu.Lock()
	if l.userID != userID {
		l.mu.Unlock()
		stop()
		return
	}
	l.stopWatch = stop
	l.mu.Unlock()
}

// SignOut detaches the feed and resets the view to the default balance.
func (l *Ledger) SignOut() {
	l.mu.Lock()
	stop := l.stopWatch
	l.stopWatch = nil
	l.userID = ""
	l.balance = models.DefaultBalance()
	observers := l.snapshotObservers()
	balance := l.balance
	l.mu.Unlock()

	if stop != nil {
		stop()
	}
	notify(observers, balance)
}

// Debit withdraws units, free units first. It returns false without error when
// the balance does not cover units; the store re-checks under its row lock.
func (l *Ledger) Debit(ctx context.Context, units int) (bool, error) {
	if units <= 0 {
		return false, ErrInvalidUnits
	}
	userID := l.UserID()
	if userID == "" {
		return false, ErrNotSignedIn
	}

	balance, ok, err := l.store.Debit(ctx, userID, units)
	if err != nil {
		l.metrics.LedgerOp("debit", "error")
		return false, fmt.Errorf("debit balance: %w", err)
	}
	if !ok {
		l.metrics.LedgerOp("debit", "insufficient")
		l.apply(userID, balance)
		return false, nil
	}

	l.metrics.LedgerOp("debit", "ok")
	l.apply(userID, balance)
	l.publish(ctx, userID, balance)
	l.record(ctx, models.LedgerReceipt{
		Kind:    models.ReceiptDebit,
		UserID:  userID,
		Units:   units,
		Balance: balance,
		At:      time.Now().UTC(),
	})
	return true, nil
}

// DebitErr is Debit with an insufficient balance reported as
// models.ErrInsufficientBalance.
func (l *Ledger) DebitErr(ctx context.Context, units int) error {
	ok, err := l.Debit(ctx, units)
	if err != nil {
		return err
	}
	if !ok {
		return models.ErrInsufficientBalance
	}
	return nil
}

// Credit adds premium units through the trusted credit endpoint and then
// reloads the authoritative balance.
func (l *Ledger) Credit(ctx context.Context, units int, purchaseID string) (bool, error) {
	if units <= 0 {
		return false, ErrInvalidUnits
	}
	userID := l.UserID()
	if userID == "" {
		return false, ErrNotSignedIn
	}

	if err := l.creditor.Credit(ctx, userID, purchaseID, units); err != nil {
		l.metrics.LedgerOp("credit", "error")
		return false, fmt.Errorf("%w: %w", models.ErrCreditFailed, err)
	}
	l.metrics.LedgerOp("credit", "ok")

	balance, err := l.store.Ensure(ctx, userID)
	if err != nil {
		l.log.Warn("reload balance after credit", "user_id", userID, "err", err)
		return true, nil
	}
	l.apply(userID, balance)
	return true, nil
}

// apply installs balance when it still belongs to the signed-in user.
func (l *Ledger) apply(userID string, balance models.TokenBalance) {
	l.mu.Lock()
	if l.userID != userID {
		l.mu.Unlock()
		return
	}
	changed := l.balance != balance
	l.balance = balance
	observers := l.snapshotObservers()
	l.mu.Unlock()

	if changed {
		notify(observers, balance)
	}
}

func (l *Ledger) publish(ctx context.Context, userID string, balance models.TokenBalance) {
	if l.feed == nil {
		return
	}
	if err := l.feed.Publish(ctx, userID, balance); err != nil {
		l.log.Warn("publish balance", "user_id", userID, "err", err)
	}
}

func (l *Ledger) record(ctx context.Context, receipt models.LedgerReceipt) {
	if l.journal == nil {
		return
	}
	if err := l.journal.Record(ctx, receipt); err != nil {
		l.log.Warn("archive ledger receipt", "user_id", receipt.UserID, "kind", receipt.Kind, "err", err)
	}
}

// snapshotObservers must be called with l.mu held.
func (l *Ledger) snapshotObservers() []func(models.TokenBalance) {
	out := make([]func(models.TokenBalance), 0, len(l.observers))
	for _, fn := range l.observers {
		out = append(out, fn)
	}
	return out
}

func notify(observers []func(models.TokenBalance), balance models.TokenBalance) {
	for _, fn := range observers {
		fn(balance)
	}
}
