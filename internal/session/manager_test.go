package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaohaiyan/shoebox/internal/common"
	"github.com/xiaohaiyan/shoebox/internal/model"
)

func floatPtr(f float64) *float64 { return &f }
func strPtr(s string) *string     { return &s }

func testFields() model.CandidateFields {
	date := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	return model.CandidateFields{
		Amount:          floatPtr(42.50),
		Vendor:          strPtr("Cafe"),
		TransactionDate: &date,
	}
}

func newTestManager(t *testing.T) (*Manager, *fakeStorage, *fakeSender) {
	t.Helper()
	store := newFakeStorage()
	sender := newFakeSender()
	return NewManager(store, sender, time.Minute), store, sender
}

func TestManager_CreatePendingCandidate(t *testing.T) {
	m, _, _ := newTestManager(t)

	candidate, err := m.Create(context.Background(), "U1", testFields(), "http://img")
	require.NoError(t, err)

	assert.NotEmpty(t, candidate.SessionID)
	assert.Equal(t, model.StatusPending, candidate.Status)
	require.NotNil(t, candidate.Fields.Amount)
	assert.InDelta(t, 42.50, *candidate.Fields.Amount, 0.001)

	latest, ok := m.LatestPending("U1")
	require.True(t, ok)
	assert.Equal(t, candidate.SessionID, latest.SessionID)
}

func TestManager_ApproveCommitsOnce(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	candidate, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)

	txn, err := m.Approve(ctx, candidate.SessionID, model.CandidateFields{Category: strPtr("Food")})
	require.NoError(t, err)
	assert.Equal(t, "Food", txn.Category)
	assert.Equal(t, "Cafe", txn.Vendor)
	assert.InDelta(t, 42.50, txn.Amount, 0.001)
	assert.Equal(t, 1, store.count())

	// Duplicate card responses must not create a second record.
	_, err = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
	assert.ErrorIs(t, err, common.ErrStateConflict)
	assert.Equal(t, 1, store.count())

	_, ok := m.LatestPending("U1")
	assert.False(t, ok)
}

func TestManager_ApproveRequiresAmount(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	candidate, err := m.Create(ctx, "U1", model.CandidateFields{Vendor: strPtr("Cafe")}, "")
	require.NoError(t, err)

	_, err = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
	require.Error(t, err)
	var userErr *common.UserError
	assert.ErrorAs(t, err, &userErr)
	assert.Equal(t, 0, store.count())

	// The session survives for a corrected approve.
	txn, err := m.Approve(ctx, candidate.SessionID, model.CandidateFields{Amount: floatPtr(9.99)})
	require.NoError(t, err)
	assert.InDelta(t, 9.99, txn.Amount, 0.001)
}

func TestManager_ApproveStaysPendingOnPersistenceFailure(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	candidate, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)

	store.failCreates = 1
	_, err = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
	assert.ErrorIs(t, err, common.ErrPersistence)
	assert.Equal(t, 0, store.count())

	got, ok := m.Get(candidate.SessionID)
	require.True(t, ok)
	assert.Equal(t, model.StatusPending, got.Status)

	// Retry succeeds.
	_, err = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
	require.NoError(t, err)
	assert.Equal(t, 1, store.count())
}

func TestManager_Reject(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	candidate, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)

	require.NoError(t, m.Reject(ctx, candidate.SessionID))
	assert.Equal(t, 0, store.count())

	got, _ := m.Get(candidate.SessionID)
	assert.Equal(t, model.StatusRejected, got.Status)

	// Idempotent under replay.
	assert.ErrorIs(t, m.Reject(ctx, candidate.SessionID), common.ErrStateConflict)
	_, err = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
	assert.ErrorIs(t, err, common.ErrStateConflict)
}

func TestManager_Supersession(t *testing.T) {
	m, store, sender := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)
	s2, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)

	got1, _ := m.Get(s1.SessionID)
	assert.Equal(t, model.StatusExpired, got1.Status)
	got2, _ := m.Get(s2.SessionID)
	assert.Equal(t, model.StatusPending, got2.Status)

	// The user was told the earlier request timed out.
	assert.Equal(t, 1, sender.textCount())

	latest, ok := m.LatestPending("U1")
	require.True(t, ok)
	assert.Equal(t, s2.SessionID, latest.SessionID)

	// Approving the superseded session is a no-op.
	_, err = m.Approve(ctx, s1.SessionID, model.CandidateFields{})
	assert.ErrorIs(t, err, common.ErrStateConflict)
	assert.Equal(t, 0, store.count())
}

func TestManager_SupersessionIsPerUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	s1, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)
	_, err = m.Create(ctx, "U2", testFields(), "")
	require.NoError(t, err)

	got1, _ := m.Get(s1.SessionID)
	assert.Equal(t, model.StatusPending, got1.Status)
}

func TestManager_Expiry(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	candidate, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)

	// Move the clock past the TTL.
	m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	m.Sweep()

	got, _ := m.Get(candidate.SessionID)
	assert.Equal(t, model.StatusExpired, got.Status)

	_, ok := m.LatestPending("U1")
	assert.False(t, ok)

	_, err = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
	assert.ErrorIs(t, err, common.ErrStateConflict)
}

func TestManager_SweepDropsOldTerminalSessions(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	candidate, err := m.Create(ctx, "U1", testFields(), "")
	require.NoError(t, err)
	require.NoError(t, m.Reject(ctx, candidate.SessionID))

	m.now = func() time.Time { return time.Now().Add(terminalRetention + time.Hour) }
	m.Sweep()

	_, ok := m.Get(candidate.SessionID)
	assert.False(t, ok)
}

func TestManager_UnknownSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Approve(context.Background(), "nope", model.CandidateFields{})
	assert.ErrorIs(t, err, common.ErrSessionMissing)
	assert.ErrorIs(t, m.Reject(context.Background(), "nope"), common.ErrSessionMissing)
}

func TestManager_ConcurrentApproveAndExpire(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	approvals := 0
	for i := 0; i < 20; i++ {
		candidate, err := m.Create(ctx, "U1", testFields(), "")
		require.NoError(t, err)

		m.now = func() time.Time { return time.Now().Add(2 * time.Minute) }

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = m.Approve(ctx, candidate.SessionID, model.CandidateFields{})
		}()
		go func() {
			defer wg.Done()
			m.Sweep()
		}()
		wg.Wait()

		// First transition out of Pending wins; the loser observed a
		// terminal state and did nothing.
		got, _ := m.Get(candidate.SessionID)
		require.True(t, got.Status.Terminal())
		if got.Status == model.StatusApproved {
			approvals++
		}
		m.now = time.Now
	}

	assert.Equal(t, approvals, store.count())
}

func TestBuildQianjiURL(t *testing.T) {
	fields := testFields()
	fields.Description = strPtr("午餐")
	fields.Category = strPtr("餐饮")

	url := BuildQianjiURL(fields, QianjiOptions{Enabled: true})
	assert.Contains(t, url, "qianji://publicapi/addbill?")
	assert.Contains(t, url, "type=0")
	assert.Contains(t, url, "money=42.50")
	assert.Contains(t, url, "time=2024-01-01+12%3A00%3A00")
	assert.Contains(t, url, "catename=")
	assert.NotContains(t, url, "catechoose")

	// CateChoose swaps the preset category for the app's chooser panel.
	url = BuildQianjiURL(fields, QianjiOptions{Enabled: true, CateChoose: true})
	assert.NotContains(t, url, "catename=")
	assert.Contains(t, url, "catechoose=1")

	// No amount, no link.
	fields.Amount = nil
	assert.Empty(t, BuildQianjiURL(fields, QianjiOptions{Enabled: true}))
}
