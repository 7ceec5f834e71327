package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/digkill/TGDeckBot/internal/models"
)

var ErrBalanceNotFound = errors.New("token balance not found")

type BalanceRepository struct {
	db *sql.DB
}

func NewBalanceRepository(db *sql.DB) *BalanceRepository {
	return &BalanceRepository{db: db}
}

// Ensure returns the user's balance, creating the default row on first sight.
func (r *BalanceRepository) Ensure(ctx context.Context, userID string) (models.TokenBalance, error) {
	const insert = `
INSERT IGNORE INTO token_balances (user_id, free_tokens, premium_tokens)
VALUES (?, ?, 0)`
	if _, err := r.db.ExecContext(ctx, insert, userID, models.DefaultFreeUnits); err != nil {
		return models.TokenBalance{}, fmt.Errorf("ensure token balance: %w", err)
	}
	return r.Get(ctx, userID)
}

func (r *BalanceRepository) Get(ctx context.Context, userID string) (models.TokenBalance, error) {
	const query = `SELECT free_tokens, premium_tokens FROM token_balances WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var b models.TokenBalance
	if err := row.Scan(&b.FreeUnits, &b.PremiumUnits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenBalance{}, ErrBalanceNotFound
		}
		return models.TokenBalance{}, fmt.Errorf("scan token balance: %w", err)
	}
	return b, nil
}

// Debit takes units from the balance inside a locking transaction, free units
// first. ok is false (and nothing is written) when the balance is too small.
func (r *BalanceRepository) Debit(ctx context.Context, userID string, units int) (models.TokenBalance, bool, error) {
	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current models.TokenBalance
	row := tx.QueryRowContext(ctx, `SELECT free_tokens, premium_tokens FROM token_balances WHERE user_id = ? FOR UPDATE`, userID)
	if err := row.Scan(&current.FreeUnits, &current.PremiumUnits); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.TokenBalance{}, false, ErrBalanceNotFound
		}
		return models.TokenBalance{}, false, fmt.Errorf("lock token balance: %w", err)
	}

	next, ok := current.Withdraw(units)
	if !ok {
		return current, false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE token_balances SET free_tokens = ?, premium_tokens = ?, updated_at = NOW() WHERE user_id = ?`, next.FreeUnits, next.PremiumUnits, userID); err != nil {
		return current, false, fmt.Errorf("debit token balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return current, false, fmt.Errorf("commit debit tx: %w", err)
	}
	return next, true, nil
}

// Credit adds premium units once per (userID, purchaseID). applied is false when
// the purchase was already credited; the balance is returned either way.
func (r *BalanceRepository) Credit(ctx context.Context, userID, purchaseID string, units int) (models.TokenBalance, bool, error) {
	if units < 0 {
		return models.TokenBalance{}, false, fmt.Errorf("credit units must not be negative, got %d", units)
	}

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT IGNORE INTO token_balances (user_id, free_tokens, premium_tokens) VALUES (?, ?, 0)`, userID, models.DefaultFreeUnits); err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("ensure token balance: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT IGNORE INTO token_credits (user_id, purchase_id, tokens) VALUES (?, ?, ?)`, userID, purchaseID, units)
	if err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("record token credit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("token credit rows affected: %w", err)
	}
	applied := affected > 0

	if applied {
		if _, err := tx.ExecContext(ctx, `UPDATE token_balances SET premium_tokens = premium_tokens + ?, updated_at = NOW() WHERE user_id = ?`, units, userID); err != nil {
			return models.TokenBalance{}, false, fmt.Errorf("credit token balance: %w", err)
		}
	}

	var b models.TokenBalance
	row := tx.QueryRowContext(ctx, `SELECT free_tokens, premium_tokens FROM token_balances WHERE user_id = ?`, userID)
	if err := row.Scan(&b.FreeUnits, &b.PremiumUnits); err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("scan credited balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.TokenBalance{}, false, fmt.Errorf("commit credit tx: %w", err)
	}
	return b, applied, nil
}
