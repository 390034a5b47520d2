package ledger

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type sequentialIDProvider struct {
	next int
}

func (p *sequentialIDProvider) NewID() (string, error) {
	p.next++
	return fmt.Sprintf("tx-%04d", p.next), nil
}

func newTestDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("database handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Account{}, &Transaction{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newTestService(t *testing.T, db *gorm.DB) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1750000000, 0) },
		IDProvider: &sequentialIDProvider{},
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func seedAccount(t *testing.T, db *gorm.DB, userID string, points int64) {
	t.Helper()
	if err := db.Create(&Account{UserID: userID, Points: points}).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: &sequentialIDProvider{}}); err == nil {
		t.Fatal("expected missing database error")
	}
	if _, err := NewService(ServiceConfig{Database: newTestDatabase(t)}); err == nil {
		t.Fatal("expected missing id provider error")
	}
}

func TestApplyMaintainsBalanceAndLog(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)
	seedAccount(t, db, "user-a", 0)

	entries := []Entry{
		{UserID: "user-a", Amount: 100, Type: EntryTypeBonus, Description: "signup bonus"},
		{UserID: "user-a", Amount: 10, Type: EntryTypeEarnedListing, Description: "listed a book", BookID: "book-1"},
		{UserID: "user-a", Amount: -75, Type: EntryTypeSpentRequest, Description: "requested a book", BookID: "book-2"},
		{UserID: "user-a", Amount: 75, Type: EntryTypeRefund, Description: "request declined", BookID: "book-2"},
	}
	for _, entry := range entries {
		if _, err := service.Apply(db, entry); err != nil {
			t.Fatalf("apply %+v: %v", entry, err)
		}
	}

	balance, err := service.Balance(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 110 {
		t.Fatalf("expected balance 110, got %d", balance)
	}

	sum, err := service.SumForUser(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if sum != balance {
		t.Fatalf("transaction log sums to %d but balance is %d", sum, balance)
	}
}

func TestApplyRejectsOverdraft(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)
	seedAccount(t, db, "user-a", 40)

	_, err := service.Apply(db, Entry{UserID: "user-a", Amount: -75, Type: EntryTypeSpentRequest, Description: "too expensive"})
	if err == nil {
		t.Fatal("expected insufficient points error")
	}
	var insufficient *InsufficientPointsError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientPointsError, got %v", err)
	}
	if insufficient.Required != 75 || insufficient.Available != 40 {
		t.Fatalf("unexpected shortfall detail: %+v", insufficient)
	}

	balance, err := service.Balance(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 40 {
		t.Fatalf("failed debit must not move the balance, got %d", balance)
	}

	var count int64
	if err := db.Model(&Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("failed debit must not append a transaction row, found %d", count)
	}
}

func TestApplyUnknownAccount(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)

	_, err := service.Apply(db, Entry{UserID: "ghost", Amount: 5, Type: EntryTypeBonus, Description: "bonus"})
	if !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestApplyValidatesEntries(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)
	seedAccount(t, db, "user-a", 10)

	tests := []struct {
		name  string
		entry Entry
	}{
		{name: "empty-user", entry: Entry{Amount: 5, Type: EntryTypeBonus}},
		{name: "zero-amount", entry: Entry{UserID: "user-a", Type: EntryTypeBonus}},
		{name: "unknown-type", entry: Entry{UserID: "user-a", Amount: 5, Type: EntryType("jackpot")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := service.Apply(db, tt.entry); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestApplyRollsBackWithEnclosingTransaction(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)
	seedAccount(t, db, "user-a", 100)

	sentinel := errors.New("business rule failed")
	err := db.Transaction(func(tx *gorm.DB) error {
		if _, err := service.Apply(tx, Entry{UserID: "user-a", Amount: -60, Type: EntryTypeSpentRequest, Description: "reserved"}); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	balance, err := service.Balance(context.Background(), "user-a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 100 {
		t.Fatalf("rolled-back debit must restore the balance, got %d", balance)
	}
	var count int64
	if err := db.Model(&Transaction{}).Count(&count).Error; err != nil {
		t.Fatalf("count transactions: %v", err)
	}
	if count != 0 {
		t.Fatalf("rolled-back debit must remove the transaction row, found %d", count)
	}
}

func TestHistoryPaginatesNewestFirst(t *testing.T) {
	db := newTestDatabase(t)
	service := newTestService(t, db)
	seedAccount(t, db, "user-a", 0)
	seedAccount(t, db, "user-b", 0)

	for i := 0; i < 5; i++ {
		entry := Entry{UserID: "user-a", Amount: 10, Type: EntryTypeBonus, Description: fmt.Sprintf("bonus %d", i)}
		if _, err := service.Apply(db, entry); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	if _, err := service.Apply(db, Entry{UserID: "user-b", Amount: 10, Type: EntryTypeBonus, Description: "other user"}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	first, err := service.History(context.Background(), "user-a", "", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(first.Transactions) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(first.Transactions))
	}
	if first.Transactions[0].TxID < first.Transactions[1].TxID {
		t.Fatal("expected newest-first ordering")
	}
	if first.NextCursor == "" {
		t.Fatal("expected a next cursor on a partial page")
	}

	second, err := service.History(context.Background(), "user-a", first.NextCursor, 2)
	if err != nil {
		t.Fatalf("history page two: %v", err)
	}
	if len(second.Transactions) != 2 {
		t.Fatalf("expected 2 rows on page two, got %d", len(second.Transactions))
	}
	if second.Transactions[0].TxID >= first.Transactions[1].TxID {
		t.Fatal("page two must start strictly after the cursor")
	}

	third, err := service.History(context.Background(), "user-a", second.NextCursor, 2)
	if err != nil {
		t.Fatalf("history page three: %v", err)
	}
	if len(third.Transactions) != 1 {
		t.Fatalf("expected final page of 1 row, got %d", len(third.Transactions))
	}
	if third.NextCursor != "" {
		t.Fatal("final page must not carry a cursor")
	}

	for _, row := range append(append(first.Transactions, second.Transactions...), third.Transactions...) {
		if row.UserID != "user-a" {
			t.Fatalf("history leaked a foreign row: %+v", row)
		}
	}
}

func TestParseEntryType(t *testing.T) {
	parsed, err := ParseEntryType("  Earned_Exchange ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if parsed != EntryTypeEarnedExchange {
		t.Fatalf("unexpected entry type %q", parsed)
	}
	if _, err := ParseEntryType("windfall"); !errors.Is(err, ErrInvalidEntryType) {
		t.Fatalf("expected ErrInvalidEntryType, got %v", err)
	}
}
