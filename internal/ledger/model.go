package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntryType enumerates the causes of a point movement.
type EntryType string

const (
	// EntryTypeEarnedListing credits points for listing a book.
	EntryTypeEarnedListing EntryType = "earned_listing"
	// EntryTypeEarnedExchange credits the giver when an exchange completes.
	EntryTypeEarnedExchange EntryType = "earned_exchange"
	// EntryTypeSpentRequest debits the requester when a request is created.
	EntryTypeSpentRequest EntryType = "spent_request"
	// EntryTypeRefund credits points back after a decline or cancellation.
	EntryTypeRefund EntryType = "refund"
	// EntryTypeBonus credits promotional or signup points.
	EntryTypeBonus EntryType = "bonus"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("ledger: invalid user id")
	// ErrInvalidAmount indicates a zero entry amount.
	ErrInvalidAmount = errors.New("ledger: entry amount must be non-zero")
	// ErrInvalidEntryType indicates an unrecognized entry type.
	ErrInvalidEntryType = errors.New("ledger: invalid entry type")
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
)

// ParseEntryType validates raw input and returns an EntryType.
func ParseEntryType(raw string) (EntryType, error) {
	switch EntryType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntryTypeEarnedListing:
		return EntryTypeEarnedListing, nil
	case EntryTypeEarnedExchange:
		return EntryTypeEarnedExchange, nil
	case EntryTypeSpentRequest:
		return EntryTypeSpentRequest, nil
	case EntryTypeRefund:
		return EntryTypeRefund, nil
	case EntryTypeBonus:
		return EntryTypeBonus, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, raw)
	}
}

// Account carries the denormalized running balance for one user.
// The points column is mutated exclusively through Service.Apply.
type Account struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	Points      int64     `gorm:"column:points;not null;default:0"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Account) TableName() string {
	return "accounts"
}

// Transaction is an immutable ledger row. Rows are never updated or
// deleted; corrections are new offsetting refund rows.
type Transaction struct {
	TxID             string    `gorm:"column:tx_id;primaryKey;size:190;not null"`
	UserID           string    `gorm:"column:user_id;size:190;not null;index:idx_ledger_user_tx,priority:1"`
	Amount           int64     `gorm:"column:amount;not null"`
	Type             EntryType `gorm:"column:entry_type;size:32;not null"`
	Description      string    `gorm:"column:description;type:text;not null"`
	BookID           string    `gorm:"column:book_id;size:190;not null;default:''"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Transaction) TableName() string {
	return "point_transactions"
}

// Entry describes one point movement to record.
type Entry struct {
	UserID      string
	Amount      int64
	Type        EntryType
	Description string
	BookID      string
}

func (e Entry) validate() error {
	trimmed := strings.TrimSpace(e.UserID)
	if trimmed == "" || len(trimmed) > maxIdentifierLength {
		return ErrInvalidUserID
	}
	if e.Amount == 0 {
		return ErrInvalidAmount
	}
	if _, err := ParseEntryType(string(e.Type)); err != nil {
		return err
	}
	return nil
}

// InsufficientPointsError reports a debit that would push a balance negative.
type InsufficientPointsError struct {
	UserID    string
	Required  int64
	Available int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("ledger: insufficient points for user %s: required %d, available %d", e.UserID, e.Required, e.Available)
}
