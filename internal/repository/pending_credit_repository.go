package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/TGDeckBot/internal/models"
)

// PendingCreditRepository stores purchases whose credit call failed so they
// can be replayed later.
type PendingCreditRepository struct {
	db *sql.DB
}

func NewPendingCreditRepository(db *sql.DB) *PendingCreditRepository {
	return &PendingCreditRepository{db: db}
}

func (r *PendingCreditRepository) Enqueue(ctx context.Context, pc models.PendingCredit) error {
	const query = `
INSERT INTO pending_credits (user_id, purchase_id, product_id, tokens, attempts, last_error)
VALUES (?, ?, ?, ?, 1, NULLIF(?, ''))
ON DUPLICATE KEY UPDATE attempts = attempts + 1, last_error = VALUES(last_error), updated_at = NOW()`
	if _, err := r.db.ExecContext(ctx, query, pc.UserID, pc.PurchaseID, pc.ProductID, pc.Tokens, pc.LastError); err != nil {
		return fmt.Errorf("enqueue pending credit: %w", err)
	}
	return nil
}

func (r *PendingCreditRepository) ListByUser(ctx context.Context, userID string) ([]models.PendingCredit, error) {
	const query = `
SELECT id, user_id, purchase_id, product_id, tokens, attempts, COALESCE(last_error, ''), created_at, updated_at
FROM pending_credits WHERE user_id = ?
ORDER BY id ASC`
	return r.list(ctx, query, userID)
}

func (r *PendingCreditRepository) List(ctx context.Context, limit int) ([]models.PendingCredit, error) {
	const query = `
SELECT id, user_id, purchase_id, product_id, tokens, attempts, COALESCE(last_error, ''), created_at, updated_at
FROM pending_credits
ORDER BY id ASC LIMIT ?`
	return r.list(ctx, query, limit)
}

func (r *PendingCreditRepository) list(ctx context.Context, query string, args ...any) ([]models.PendingCredit, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list pending credits: %w", err)
	}
	defer rows.Close()

	var out []models.PendingCredit
	for rows.Next() {
		var pc models.PendingCredit
		if err := rows.Scan(&pc.ID, &pc.UserID, &pc.PurchaseID, &pc.ProductID, &pc.Tokens, &pc.Attempts, &pc.LastError, &pc.CreatedAt, &pc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan pending credit: %w", err)
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (r *PendingCreditRepository) MarkAttempt(ctx context.Context, id int64, lastError string) error {
	const query = `UPDATE pending_credits SET attempts = attempts + 1, last_error = ?, updated_at = NOW() WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, lastError, id); err != nil {
		return fmt.Errorf("mark pending credit attempt: %w", err)
	}
	return nil
}

func (r *PendingCreditRepository) Delete(ctx context.Context, id int64) error {
	const query = `DELETE FROM pending_credits WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("delete pending credit: %w", err)
	}
	return nil
}
