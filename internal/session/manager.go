// Package session implements the confirmation workflow state machine: it
// owns pending candidate transactions, correlates confirmation cards with
// user responses, and commits approved candidates exactly once.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
	"github.com/xiaohaiyan/shoebox/internal/service"
)

// DefaultTTL is how long a pending session waits for a response before the
// sweeper expires it.
const DefaultTTL = 30 * time.Minute

// Terminal sessions are kept around for this long so duplicate card
// responses can be recognized and ignored instead of looking like unknown
// sessions.
const terminalRetention = 24 * time.Hour

// Manager is the confirmation session state machine. All mutations funnel
// through Create/Approve/Reject and the expiry sweep; transitions are
// serialized per user so card responses always match the most recent
// pending session.
type Manager struct {
	store  service.Storage
	sender service.Sender
	ttl    time.Duration
	now    func() time.Time

	mu            sync.Mutex
	sessions      map[string]*model.Candidate
	pendingByUser map[string]string
	userLocks     map[string]*sync.Mutex
}

// NewManager creates a session manager. A ttl of zero selects DefaultTTL.
func NewManager(store service.Storage, sender service.Sender, ttl time.Duration) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		store:         store,
		sender:        sender,
		ttl:           ttl,
		now:           time.Now,
		sessions:      make(map[string]*model.Candidate),
		pendingByUser: make(map[string]string),
		userLocks:     make(map[string]*sync.Mutex),
	}
}

// userLock returns the serialization lock for a user, creating it on first
// use. Locks are never removed; the per-user footprint is one mutex.
func (m *Manager) userLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// Create allocates a new pending session for the user. An existing pending
// session is superseded: it transitions to expired and the user is told the
// earlier confirmation timed out, so the next response is unambiguous.
func (m *Manager) Create(ctx context.Context, userID string, fields model.CandidateFields, imageURL string) (*model.Candidate, error) {
	if userID == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	superseded := m.supersedePending(userID)

	candidate := &model.Candidate{
		SessionID: uuid.NewString(),
		UserID:    userID,
		ImageURL:  imageURL,
		Fields:    fields,
		Status:    model.StatusPending,
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	m.sessions[candidate.SessionID] = candidate
	m.pendingByUser[userID] = candidate.SessionID
	m.mu.Unlock()

	if superseded != "" {
		slog.Info("Superseded pending session",
			"user_id", userID,
			"old_session_id", superseded,
			"new_session_id", candidate.SessionID)
		if err := m.sender.SendText(ctx, userID, "您有一笔未确认的记账已超时失效，请处理最新的确认请求。"); err != nil {
			slog.Warn("Failed to send supersession notice", "user_id", userID, "error", err)
		}
	}

	return candidate, nil
}

// supersedePending expires the user's current pending session, if any, and
// returns its id. Caller must hold the user lock.
func (m *Manager) supersedePending(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.pendingByUser[userID]
	if !ok {
		return ""
	}
	if candidate, ok := m.sessions[sessionID]; ok && candidate.Status == model.StatusPending {
		candidate.Status = model.StatusExpired
	}
	delete(m.pendingByUser, userID)
	return sessionID
}

// Approve transitions a pending session to approved, persisting the
// transaction atomically: either the record is committed and the session is
// approved, or the session stays pending and the error is retryable.
func (m *Manager) Approve(ctx context.Context, sessionID string, edits model.CandidateFields) (*model.Transaction, error) {
	candidate, err := m.lookup(sessionID)
	if err != nil {
		return nil, err
	}

	lock := m.userLock(candidate.UserID)
	lock.Lock()
	defer lock.Unlock()

	if candidate.Status != model.StatusPending {
		slog.Info("Ignoring approve on terminal session",
			"session_id", sessionID, "status", candidate.Status)
		return nil, fmt.Errorf("%w: session %s is %s", common.ErrStateConflict, sessionID, candidate.Status)
	}

	fields := candidate.Fields.Merge(edits)
	txn, err := m.buildTransaction(candidate, fields)
	if err != nil {
		return nil, err
	}

	tx, err := m.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	id, err := tx.CreateTransaction(ctx, txn)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrPersistence, err)
	}

	txn.ID = id
	m.transition(candidate, model.StatusApproved)
	candidate.Fields = fields

	slog.Info("Session approved",
		"session_id", sessionID,
		"user_id", candidate.UserID,
		"transaction_id", id)

	return txn, nil
}

// Reject transitions a pending session to rejected. No persistence side
// effects.
func (m *Manager) Reject(_ context.Context, sessionID string) error {
	candidate, err := m.lookup(sessionID)
	if err != nil {
		return err
	}

	lock := m.userLock(candidate.UserID)
	lock.Lock()
	defer lock.Unlock()

	if candidate.Status != model.StatusPending {
		slog.Info("Ignoring reject on terminal session",
			"session_id", sessionID, "status", candidate.Status)
		return fmt.Errorf("%w: session %s is %s", common.ErrStateConflict, sessionID, candidate.Status)
	}

	m.transition(candidate, model.StatusRejected)

	slog.Info("Session rejected", "session_id", sessionID, "user_id", candidate.UserID)
	return nil
}

// LatestPending returns the user's current pending session. Text-command
// responses correlate by user, not session.
func (m *Manager) LatestPending(userID string) (*model.Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessionID, ok := m.pendingByUser[userID]
	if !ok {
		return nil, false
	}
	candidate, ok := m.sessions[sessionID]
	if !ok || candidate.Status != model.StatusPending {
		return nil, false
	}
	return candidate, true
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*model.Candidate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidate, ok := m.sessions[sessionID]
	return candidate, ok
}

// Run drives the expiry sweeper until the context is canceled.
func (m *Manager) Run(ctx context.Context) {
	interval := m.ttl / 10
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

// Sweep expires pending sessions older than the TTL and drops terminal
// sessions past the retention window. The state transition itself is the
// serialization point: a concurrent approve that got there first leaves the
// session terminal and the sweep skips it.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	expired := make([]*model.Candidate, 0)
	for id, candidate := range m.sessions {
		switch {
		case candidate.Status == model.StatusPending && now.Sub(candidate.CreatedAt) > m.ttl:
			expired = append(expired, candidate)
		case candidate.Status.Terminal() && now.Sub(candidate.CreatedAt) > terminalRetention:
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, candidate := range expired {
		m.expire(candidate)
	}
}

func (m *Manager) expire(candidate *model.Candidate) {
	lock := m.userLock(candidate.UserID)
	lock.Lock()
	defer lock.Unlock()

	if candidate.Status != model.StatusPending {
		return
	}
	m.transition(candidate, model.StatusExpired)

	slog.Info("Session expired",
		"session_id", candidate.SessionID,
		"user_id", candidate.UserID)
}

func (m *Manager) lookup(sessionID string) (*model.Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	candidate, ok := m.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrSessionMissing, sessionID)
	}
	return candidate, nil
}

// transition moves a session into a terminal state and drops the user's
// pending pointer if it still refers to this session. Caller must hold the
// user lock; the map mutex guards readers that don't.
func (m *Manager) transition(candidate *model.Candidate, status model.SessionStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	candidate.Status = status
	if m.pendingByUser[candidate.UserID] == candidate.SessionID {
		delete(m.pendingByUser, candidate.UserID)
	}
}

// buildTransaction materializes the durable record from confirmed fields.
// The amount must be present; the other fields fall back to the same
// defaults the confirmation card displayed.
func (m *Manager) buildTransaction(candidate *model.Candidate, fields model.CandidateFields) (*model.Transaction, error) {
	if fields.Amount == nil {
		return nil, common.NewUserError("无法记账：缺少金额，请补充金额后重新确认。", nil)
	}

	vendor := "未知商家"
	if fields.Vendor != nil {
		vendor = *fields.Vendor
	}
	category := "其他"
	if fields.Category != nil {
		category = *fields.Category
	}
	date := m.now().Truncate(24 * time.Hour)
	if fields.TransactionDate != nil {
		date = *fields.TransactionDate
	}
	description := ""
	if fields.Description != nil {
		description = *fields.Description
	}

	return &model.Transaction{
		UserID:          candidate.UserID,
		Amount:          *fields.Amount,
		Vendor:          vendor,
		Category:        category,
		TransactionDate: date,
		Description:     description,
		ImageURL:        candidate.ImageURL,
	}, nil
}
