package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGDeckBot/internal/models"
)

func TestPendingCreditRepository(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewPendingCreditRepository(db)
	ctx := context.Background()

	t.Run("enqueue", func(t *testing.T) {
		mock.ExpectExec("INSERT INTO pending_credits").
			WithArgs("u1", "txn-9", "deck_10_presentations", 10, "credit endpoint: 502").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := repo.Enqueue(ctx, models.PendingCredit{
			UserID:     "u1",
			PurchaseID: "txn-9",
			ProductID:  "deck_10_presentations",
			Tokens:     10,
			LastError:  "credit endpoint: 502",
		})
		require.NoError(t, err)
	})

	t.Run("list by user", func(t *testing.T) {
		now := time.Now()
		rows := sqlmock.NewRows([]string{"id", "user_id", "purchase_id", "product_id", "tokens", "attempts", "last_error", "created_at", "updated_at"}).
			AddRow(7, "u1", "txn-9", "deck_10_presentations", 10, 2, "boom", now, now)
		mock.ExpectQuery("SELECT id, user_id, purchase_id").
			WithArgs("u1").
			WillReturnRows(rows)

		pending, err := repo.ListByUser(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, int64(7), pending[0].ID)
		assert.Equal(t, 10, pending[0].Tokens)
		assert.Equal(t, 2, pending[0].Attempts)
	})

	t.Run("mark attempt and delete", func(t *testing.T) {
		mock.ExpectExec("UPDATE pending_credits SET attempts").
			WithArgs("timeout", int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec("DELETE FROM pending_credits").
			WithArgs(int64(7)).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.MarkAttempt(ctx, 7, "timeout"))
		require.NoError(t, repo.Delete(ctx, 7))
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGenerationRepositoryLog(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewGenerationRepository(db)

	mock.ExpectExec("INSERT INTO generation_logs").
		WithArgs("u1", "job-1", "Solar power", "Solar Power 101", 12).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("SELECT COUNT").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	err = repo.Log(context.Background(), models.GenerationLog{
		UserID:     "u1",
		TaskID:     "job-1",
		Prompt:     "Solar power",
		Title:      "Solar Power 101",
		SlideCount: 12,
	})
	require.NoError(t, err)

	count, err := repo.CountForUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}
