package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
	"github.com/xiaohaiyan/shoebox/internal/service"
)

const transactionColumns = `id, user_id, amount, vendor, category, transaction_date, description, image_url, created_at, updated_at`

// CreateTransaction inserts a committed transaction and returns its id.
func (s *SQLiteStorage) CreateTransaction(ctx context.Context, txn *model.Transaction) (int64, error) {
	return s.createTransaction(ctx, s.db, txn)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStorage) createTransaction(ctx context.Context, db execer, txn *model.Transaction) (int64, error) {
	if txn == nil {
		return 0, fmt.Errorf("transaction cannot be nil")
	}
	if txn.UserID == "" {
		return 0, fmt.Errorf("transaction user id cannot be empty")
	}

	result, err := db.ExecContext(ctx, `
		INSERT INTO transactions (user_id, amount, vendor, category, transaction_date, description, image_url)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		txn.UserID, txn.Amount, txn.Vendor, txn.Category, txn.TransactionDate, txn.Description, txn.ImageURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	return id, nil
}

func (s *SQLiteStorage) createTransactionTx(ctx context.Context, tx *sql.Tx, txn *model.Transaction) (int64, error) {
	return s.createTransaction(ctx, tx, txn)
}

// GetTransactionByID fetches a transaction scoped to its owner.
func (s *SQLiteStorage) GetTransactionByID(ctx context.Context, id int64, userID string) (*model.Transaction, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE id = ? AND user_id = ?`, id, userID)

	txn, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return txn, nil
}

// ListTransactionsByUser returns a user's transactions, newest first.
func (s *SQLiteStorage) ListTransactionsByUser(ctx context.Context, userID string, filter service.TransactionFilter) ([]model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}

	if filter.StartDate != nil {
		query += ` AND transaction_date >= ?`
		args = append(args, *filter.StartDate)
	}
	if filter.EndDate != nil {
		query += ` AND transaction_date <= ?`
		args = append(args, *filter.EndDate)
	}

	query += ` ORDER BY transaction_date DESC, id DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return s.queryTransactions(ctx, query, args...)
}

// ListTransactionsSince returns all transactions committed on or after the
// given date, across users. Used by the export command.
func (s *SQLiteStorage) ListTransactionsSince(ctx context.Context, since time.Time) ([]model.Transaction, error) {
	return s.queryTransactions(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE transaction_date >= ?
		ORDER BY transaction_date ASC, id ASC`, since)
}

// UpdateTransaction applies the non-nil fields of update to a transaction
// the user owns and returns the updated record.
func (s *SQLiteStorage) UpdateTransaction(ctx context.Context, id int64, userID string, update model.TransactionUpdate) (*model.Transaction, error) {
	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if update.Amount != nil {
		sets = append(sets, "amount = ?")
		args = append(args, *update.Amount)
	}
	if update.Vendor != nil {
		sets = append(sets, "vendor = ?")
		args = append(args, *update.Vendor)
	}
	if update.Category != nil {
		sets = append(sets, "category = ?")
		args = append(args, *update.Category)
	}
	if update.TransactionDate != nil {
		sets = append(sets, "transaction_date = ?")
		args = append(args, *update.TransactionDate)
	}
	if update.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *update.Description)
	}

	if len(sets) == 0 {
		return s.GetTransactionByID(ctx, id, userID)
	}

	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id, userID)

	result, err := s.db.ExecContext(ctx,
		`UPDATE transactions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND user_id = ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if affected == 0 {
		return nil, common.ErrNotFound
	}

	return s.GetTransactionByID(ctx, id, userID)
}

// DeleteTransaction removes a transaction the user owns.
func (s *SQLiteStorage) DeleteTransaction(ctx context.Context, id int64, userID string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM transactions WHERE id = ? AND user_id = ?`, id, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if affected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) queryTransactions(ctx context.Context, query string, args ...any) ([]model.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var transactions []model.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, *txn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transactions: %w", err)
	}

	return transactions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*model.Transaction, error) {
	var txn model.Transaction
	var description, imageURL sql.NullString

	err := row.Scan(
		&txn.ID,
		&txn.UserID,
		&txn.Amount,
		&txn.Vendor,
		&txn.Category,
		&txn.TransactionDate,
		&description,
		&imageURL,
		&txn.CreatedAt,
		&txn.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	txn.Description = description.String
	txn.ImageURL = imageURL.String
	return &txn, nil
}
