// Package service defines the interfaces for all application services.
package service

import (
	"context"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/model"
)

// TransactionFilter defines filtering options for transaction queries.
type TransactionFilter struct {
	StartDate *time.Time
	EndDate   *time.Time
	Limit     int
	Offset    int
}

// Storage defines the contract for the persistence layer. Committed
// transactions are the only durable state; pending candidates live with the
// session manager.
type Storage interface {
	CreateTransaction(ctx context.Context, txn *model.Transaction) (int64, error)
	GetTransactionByID(ctx context.Context, id int64, userID string) (*model.Transaction, error)
	ListTransactionsByUser(ctx context.Context, userID string, filter TransactionFilter) ([]model.Transaction, error)
	ListTransactionsSince(ctx context.Context, since time.Time) ([]model.Transaction, error)
	UpdateTransaction(ctx context.Context, id int64, userID string, update model.TransactionUpdate) (*model.Transaction, error)
	DeleteTransaction(ctx context.Context, id int64, userID string) error

	Migrate(ctx context.Context) error
	BeginTx(ctx context.Context) (Tx, error)
	Close() error
}

// Tx represents a database transaction.
type Tx interface {
	Commit() error
	Rollback() error
	CreateTransaction(ctx context.Context, txn *model.Transaction) (int64, error)
}

// Sender is the outbound messaging capability: pushing text and confirmation
// cards back to the originating user, and fetching media they sent us.
type Sender interface {
	SendText(ctx context.Context, userID, text string) error
	SendCard(ctx context.Context, userID, sessionID string, fields model.CandidateFields) error
	DownloadMedia(ctx context.Context, mediaID string) ([]byte, error)
}

// Extractor turns receipt image bytes into candidate transaction fields.
type Extractor interface {
	ExtractReceipt(ctx context.Context, image []byte) (model.CandidateFields, error)
}

// Sessions is the confirmation workflow surface consumed by the callback
// handler and the extraction orchestrator.
type Sessions interface {
	Create(ctx context.Context, userID string, fields model.CandidateFields, imageURL string) (*model.Candidate, error)
	Approve(ctx context.Context, sessionID string, edits model.CandidateFields) (*model.Transaction, error)
	Reject(ctx context.Context, sessionID string) error
	Get(sessionID string) (*model.Candidate, bool)
	LatestPending(userID string) (*model.Candidate, bool)
}

// RetryOptions configures retry behavior for operations.
type RetryOptions struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}
