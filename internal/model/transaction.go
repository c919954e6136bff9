// Package model defines the core domain types shared across the application.
package model

import "time"

// Transaction represents a committed bookkeeping record.
type Transaction struct {
	CreatedAt       time.Time
	UpdatedAt       time.Time
	TransactionDate time.Time
	UserID          string
	Vendor          string
	Category        string
	Description     string
	ImageURL        string
	Amount          float64
	ID              int64
}

// TransactionUpdate carries the editable fields of a committed record.
// Nil pointers mean "leave unchanged".
type TransactionUpdate struct {
	Amount          *float64
	Vendor          *string
	Category        *string
	TransactionDate *time.Time
	Description     *string
}
