package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/xiaohaiyan/shoebox/internal/model"
	"github.com/xiaohaiyan/shoebox/internal/service"
)

// fakeStorage implements service.Storage in memory for workflow tests.
type fakeStorage struct {
	mu           sync.Mutex
	transactions []model.Transaction
	nextID       int64
	failCreates  int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{nextID: 1}
}

func (f *fakeStorage) CreateTransaction(_ context.Context, txn *model.Transaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreates > 0 {
		f.failCreates--
		return 0, errors.New("disk full")
	}

	stored := *txn
	stored.ID = f.nextID
	f.nextID++
	f.transactions = append(f.transactions, stored)
	return stored.ID, nil
}

func (f *fakeStorage) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transactions)
}

func (f *fakeStorage) last() model.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transactions[len(f.transactions)-1]
}

func (f *fakeStorage) GetTransactionByID(context.Context, int64, string) (*model.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStorage) ListTransactionsByUser(context.Context, string, service.TransactionFilter) ([]model.Transaction, error) {
	return nil, nil
}

func (f *fakeStorage) ListTransactionsSince(context.Context, time.Time) ([]model.Transaction, error) {
	return nil, nil
}

func (f *fakeStorage) UpdateTransaction(context.Context, int64, string, model.TransactionUpdate) (*model.Transaction, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeStorage) DeleteTransaction(context.Context, int64, string) error {
	return errors.New("not implemented")
}

func (f *fakeStorage) Migrate(context.Context) error { return nil }
func (f *fakeStorage) Close() error                  { return nil }

func (f *fakeStorage) BeginTx(context.Context) (service.Tx, error) {
	return &fakeTx{storage: f}, nil
}

// fakeTx applies creates immediately and deletes them again on rollback,
// which is enough to observe the approve atomicity contract.
type fakeTx struct {
	storage *fakeStorage
	created []int64
}

func (t *fakeTx) CreateTransaction(ctx context.Context, txn *model.Transaction) (int64, error) {
	id, err := t.storage.CreateTransaction(ctx, txn)
	if err != nil {
		return 0, err
	}
	t.created = append(t.created, id)
	return id, nil
}

func (t *fakeTx) Commit() error { return nil }

func (t *fakeTx) Rollback() error {
	t.storage.mu.Lock()
	defer t.storage.mu.Unlock()
	for _, id := range t.created {
		for i, txn := range t.storage.transactions {
			if txn.ID == id {
				t.storage.transactions = append(t.storage.transactions[:i], t.storage.transactions[i+1:]...)
				break
			}
		}
	}
	return nil
}

// fakeSender records outbound messages.
type fakeSender struct {
	mu    sync.Mutex
	texts []string
	cards []string // session ids
	media map[string][]byte
	fail  bool
}

func newFakeSender() *fakeSender {
	return &fakeSender{media: make(map[string][]byte)}
}

func (f *fakeSender) SendText(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("platform unavailable")
	}
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendCard(_ context.Context, _, sessionID string, _ model.CandidateFields) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("platform unavailable")
	}
	f.cards = append(f.cards, sessionID)
	return nil
}

func (f *fakeSender) DownloadMedia(_ context.Context, mediaID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.media[mediaID]
	if !ok {
		return nil, errors.New("unknown media")
	}
	return data, nil
}

func (f *fakeSender) textCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}
