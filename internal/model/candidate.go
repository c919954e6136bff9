package model

import "time"

// SessionStatus tracks a candidate through the confirmation workflow.
type SessionStatus string

// Valid session statuses. Pending is the only non-terminal state.
const (
	StatusPending  SessionStatus = "pending"
	StatusApproved SessionStatus = "approved"
	StatusRejected SessionStatus = "rejected"
	StatusExpired  SessionStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// CandidateFields holds the business fields extracted from a receipt image.
// Absent fields stay nil and are surfaced to the user for manual completion
// on the confirmation card.
type CandidateFields struct {
	Amount          *float64
	Vendor          *string
	Category        *string
	TransactionDate *time.Time
	Description     *string
}

// Empty reports whether extraction produced no fields at all, which
// distinguishes a non-receipt image from a partial read.
func (f CandidateFields) Empty() bool {
	return f.Amount == nil && f.Vendor == nil && f.Category == nil &&
		f.TransactionDate == nil && f.Description == nil
}

// Merge overlays non-nil fields from edits onto a copy of f.
func (f CandidateFields) Merge(edits CandidateFields) CandidateFields {
	out := f
	if edits.Amount != nil {
		out.Amount = edits.Amount
	}
	if edits.Vendor != nil {
		out.Vendor = edits.Vendor
	}
	if edits.Category != nil {
		out.Category = edits.Category
	}
	if edits.TransactionDate != nil {
		out.TransactionDate = edits.TransactionDate
	}
	if edits.Description != nil {
		out.Description = edits.Description
	}
	return out
}

// Candidate is an extracted transaction awaiting user confirmation. It is
// owned by the session manager while pending and is never persisted.
type Candidate struct {
	CreatedAt time.Time
	SessionID string
	UserID    string
	ImageURL  string
	Fields    CandidateFields
	Status    SessionStatus
}
