package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/TGDeckBot/internal/models"
)

func newBalanceRepo(t *testing.T) (*BalanceRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBalanceRepository(db), mock
}

func TestBalanceRepositoryEnsureCreatesDefault(t *testing.T) {
	repo, mock := newBalanceRepo(t)

	mock.ExpectExec("INSERT IGNORE INTO token_balances").
		WithArgs("u1", models.DefaultFreeUnits).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT free_tokens, premium_tokens FROM token_balances").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}).AddRow(1, 0))

	b, err := repo.Ensure(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, models.TokenBalance{FreeUnits: 1}, b)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBalanceRepositoryGetNotFound(t *testing.T) {
	repo, mock := newBalanceRepo(t)

	mock.ExpectQuery("SELECT free_tokens, premium_tokens FROM token_balances").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}))

	_, err := repo.Get(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrBalanceNotFound)
}

func TestBalanceRepositoryDebit(t *testing.T) {
	lock := regexp.QuoteMeta("SELECT free_tokens, premium_tokens FROM token_balances WHERE user_id = ? FOR UPDATE")

	t.Run("takes free units first", func(t *testing.T) {
		repo, mock := newBalanceRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lock).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}).AddRow(1, 4))
		mock.ExpectExec("UPDATE token_balances SET free_tokens").
			WithArgs(0, 3, "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		b, ok, err := repo.Debit(context.Background(), "u1", 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, models.TokenBalance{FreeUnits: 0, PremiumUnits: 3}, b)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insufficient balance writes nothing", func(t *testing.T) {
		repo, mock := newBalanceRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lock).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}).AddRow(0, 0))
		mock.ExpectRollback()

		b, ok, err := repo.Debit(context.Background(), "u1", 1)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, models.TokenBalance{}, b)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("write failure reports error", func(t *testing.T) {
		repo, mock := newBalanceRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lock).WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}).AddRow(1, 0))
		mock.ExpectExec("UPDATE token_balances SET free_tokens").
			WillReturnError(errors.New("deadlock"))
		mock.ExpectRollback()

		_, ok, err := repo.Debit(context.Background(), "u1", 1)
		require.Error(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown user", func(t *testing.T) {
		repo, mock := newBalanceRepo(t)
		mock.ExpectBegin()
		mock.ExpectQuery(lock).WithArgs("ghost").
			WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}))
		mock.ExpectRollback()

		_, _, err := repo.Debit(context.Background(), "ghost", 1)
		assert.ErrorIs(t, err, ErrBalanceNotFound)
	})
}

func TestBalanceRepositoryCredit(t *testing.T) {
	t.Run("new purchase is applied", func(t *testing.T) {
		repo, mock := newBalanceRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT IGNORE INTO token_balances").
			WithArgs("u1", models.DefaultFreeUnits).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT IGNORE INTO token_credits").
			WithArgs("u1", "txn-1", 10).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectExec("UPDATE token_balances SET premium_tokens = premium_tokens").
			WithArgs(10, "u1").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery("SELECT free_tokens, premium_tokens FROM token_balances").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}).AddRow(1, 10))
		mock.ExpectCommit()

		b, applied, err := repo.Credit(context.Background(), "u1", "txn-1", 10)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, models.TokenBalance{FreeUnits: 1, PremiumUnits: 10}, b)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("replayed purchase is not applied twice", func(t *testing.T) {
		repo, mock := newBalanceRepo(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT IGNORE INTO token_balances").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec("INSERT IGNORE INTO token_credits").
			WithArgs("u1", "txn-1", 10).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT free_tokens, premium_tokens FROM token_balances").
			WithArgs("u1").
			WillReturnRows(sqlmock.NewRows([]string{"free_tokens", "premium_tokens"}).AddRow(1, 10))
		mock.ExpectCommit()

		b, applied, err := repo.Credit(context.Background(), "u1", "txn-1", 10)
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, 10, b.PremiumUnits)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("negative units rejected", func(t *testing.T) {
		repo, _ := newBalanceRepo(t)
		_, _, err := repo.Credit(context.Background(), "u1", "txn-1", -1)
		assert.Error(t, err)
	})
}
