package models

import "time"

// CreditAccount holds a user's spendable credit balance. Balance is never negative.
type CreditAccount struct {
	UserID    string    `db:"user_id" json:"user_id"`
	Balance   int64     `db:"balance" json:"balance"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
