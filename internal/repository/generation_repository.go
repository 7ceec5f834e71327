package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/digkill/TGDeckBot/internal/models"
)

type GenerationRepository struct {
	db *sql.DB
}

func NewGenerationRepository(db *sql.DB) *GenerationRepository {
	return &GenerationRepository{db: db}
}

func (r *GenerationRepository) Log(ctx context.Context, entry models.GenerationLog) error {
	const query = `
INSERT INTO generation_logs (user_id, task_id, prompt, title, slide_count)
VALUES (?, ?, ?, NULLIF(?, ''), ?)`
	if _, err := r.db.ExecContext(ctx, query, entry.UserID, entry.TaskID, entry.Prompt, entry.Title, entry.SlideCount); err != nil {
		return fmt.Errorf("insert generation log: %w", err)
	}
	return nil
}

func (r *GenerationRepository) CountForUser(ctx context.Context, userID string) (int, error) {
	const query = `SELECT COUNT(*) FROM generation_logs WHERE user_id = ?`
	row := r.db.QueryRowContext(ctx, query, userID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count generations: %w", err)
	}
	return count, nil
}

func (r *GenerationRepository) Recent(ctx context.Context, userID string, limit int) ([]models.GenerationLog, error) {
	const query = `
SELECT id, user_id, task_id, prompt, COALESCE(title, ''), slide_count, created_at
FROM generation_logs WHERE user_id = ?
ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var logs []models.GenerationLog
	for rows.Next() {
		var l models.GenerationLog
		if err := rows.Scan(&l.ID, &l.UserID, &l.TaskID, &l.Prompt, &l.Title, &l.SlideCount, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan generation log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
