package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "ledger.service.new"
	opApply      = "ledger.apply"
	opBalance    = "ledger.balance"
	opHistory    = "ledger.history"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for ledger rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the ledger service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service appends immutable point transactions and maintains the paired
// running balance. Every Apply call mutates the balance and inserts exactly
// one transaction row inside the transaction handle supplied by the caller.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the ledger service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Apply mutates the account balance and appends the paired transaction row.
// It must be called with the enclosing business transaction handle so both
// writes commit or roll back together. The balance update is conditional on
// the result remaining non-negative, which both serializes concurrent debits
// against the same account and makes a negative balance unreachable.
func (s *Service) Apply(tx *gorm.DB, entry Entry) (*Transaction, error) {
	if tx == nil {
		return nil, newServiceError(opApply, "missing_transaction_handle", errMissingDatabase)
	}
	if err := entry.validate(); err != nil {
		return nil, newServiceError(opApply, "invalid_entry", err)
	}

	result := tx.Model(&Account{}).
		Where("user_id = ? AND points + ? >= 0", entry.UserID, entry.Amount).
		UpdateColumn("points", gorm.Expr("points + ?", entry.Amount))
	if result.Error != nil {
		return nil, newServiceError(opApply, "balance_update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		var account Account
		err := tx.Where("user_id = ?", entry.UserID).Take(&account).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opApply, "account_not_found", ErrAccountNotFound)
		}
		if err != nil {
			return nil, newServiceError(opApply, "account_lookup_failed", err)
		}
		return nil, newServiceError(opApply, "insufficient_points", &InsufficientPointsError{
			UserID:    entry.UserID,
			Required:  -entry.Amount,
			Available: account.Points,
		})
	}

	txID, err := s.idProvider.NewID()
	if err != nil {
		return nil, newServiceError(opApply, "id_generation_failed", err)
	}

	row := Transaction{
		TxID:             txID,
		UserID:           entry.UserID,
		Amount:           entry.Amount,
		Type:             entry.Type,
		Description:      entry.Description,
		BookID:           entry.BookID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if err := tx.Create(&row).Error; err != nil {
		return nil, newServiceError(opApply, "transaction_insert_failed", err)
	}

	return &row, nil
}

// Balance returns the current running balance for the user.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var account Account
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, newServiceError(opBalance, "account_not_found", ErrAccountNotFound)
	}
	if err != nil {
		s.logError(opBalance, "query_failed", err, zap.String("user_id", userID))
		return 0, newServiceError(opBalance, "query_failed", err)
	}
	return account.Points, nil
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryPage is one cursor-delimited slice of a user's transaction log.
type HistoryPage struct {
	Transactions []Transaction
	NextCursor   string
}

// History returns the user's transactions newest first. Transaction ids are
// UUIDv7, so ordering by id matches ordering by creation time and the id of
// the last row doubles as the cursor token.
func (s *Service) History(ctx context.Context, userID, cursor string, limit int) (HistoryPage, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if cursor != "" {
		query = query.Where("tx_id < ?", cursor)
	}

	var rows []Transaction
	if err := query.Order("tx_id DESC").Limit(limit + 1).Find(&rows).Error; err != nil {
		s.logError(opHistory, "query_failed", err, zap.String("user_id", userID))
		return HistoryPage{}, newServiceError(opHistory, "query_failed", err)
	}

	page := HistoryPage{Transactions: rows}
	if len(rows) > limit {
		page.Transactions = rows[:limit]
		page.NextCursor = rows[limit-1].TxID
	}
	return page, nil
}

// SumForUser totals every transaction amount recorded for the user. The sum
// must equal the account balance at all times.
func (s *Service) SumForUser(ctx context.Context, userID string) (int64, error) {
	var total struct {
		Sum int64
	}
	err := s.db.WithContext(ctx).Model(&Transaction{}).
		Select("COALESCE(SUM(amount), 0) AS sum").
		Where("user_id = ?", userID).
		Scan(&total).Error
	if err != nil {
		return 0, newServiceError(opHistory, "sum_failed", err)
	}
	return total.Sum, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("ledger service error", attrs...)
}
