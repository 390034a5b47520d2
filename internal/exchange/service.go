package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"github.com/bookswap-hq/bookswap/backend/internal/ledger"
	"github.com/bookswap-hq/bookswap/backend/internal/valuation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opServiceNew       = "exchange.service.new"
	opCreateRequest    = "exchange.create_request"
	opAcceptRequest    = "exchange.accept_request"
	opDeclineRequest   = "exchange.decline_request"
	opCancelRequest    = "exchange.cancel_request"
	opCompleteExchange = "exchange.complete_exchange"
	opListRequests     = "exchange.list_requests"
	opRequestCounts    = "exchange.request_counts"
)

const (
	siblingRefundAttempts = 3
	siblingRefundBackoff  = 50 * time.Millisecond
)

var noOpLogger = zap.NewNop()

// IDProvider issues identifiers for request rows.
type IDProvider interface {
	NewID() (string, error)
}

// Appraiser values a book at request-creation time.
type Appraiser interface {
	Appraise(ctx context.Context, book catalog.Book) (valuation.Appraisal, error)
}

// NameResolver supplies display names for notification payloads.
type NameResolver interface {
	DisplayName(ctx context.Context, userID string) string
}

// Notifier receives fire-and-forget exchange events. Publish must not block;
// delivery failures never affect ledger state.
type Notifier interface {
	Publish(event Event)
}

// ServiceConfig describes the dependencies of the exchange state machine.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Ledger     *ledger.Service
	Catalog    *catalog.Service
	Appraiser  Appraiser
	Names      NameResolver
	Notifier   Notifier
	Logger     *zap.Logger
}

// Service drives book requests through the exchange state machine. Every
// transition that moves points pairs the status write, the balance mutation,
// and the ledger row in one database transaction; status writes are
// compare-and-swap updates guarded on the current status, so concurrent
// transitions on the same request resolve to exactly one winner.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	ledger     *ledger.Service
	catalog    *catalog.Service
	appraiser  Appraiser
	names      NameResolver
	notifier   Notifier
	logger     *zap.Logger
}

// NewService constructs the exchange service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newError(KindInternal, opServiceNew, "missing_database", "", errors.New("database handle is required"))
	}
	if cfg.IDProvider == nil {
		return nil, newError(KindInternal, opServiceNew, "missing_id_provider", "", errors.New("id provider is required"))
	}
	if cfg.Ledger == nil {
		return nil, newError(KindInternal, opServiceNew, "missing_ledger", "", errors.New("ledger service is required"))
	}
	if cfg.Catalog == nil {
		return nil, newError(KindInternal, opServiceNew, "missing_catalog", "", errors.New("catalog service is required"))
	}
	if cfg.Appraiser == nil {
		return nil, newError(KindInternal, opServiceNew, "missing_appraiser", "", errors.New("appraiser is required"))
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
		ledger:     cfg.Ledger,
		catalog:    cfg.Catalog,
		appraiser:  cfg.Appraiser,
		names:      cfg.Names,
		notifier:   cfg.Notifier,
		logger:     logger,
	}, nil
}

// CreateRequest reserves the current appraisal from the requester's balance
// and opens a pending request. Farming checks run before the balance check:
// farming is a hard block regardless of how many points the requester holds.
func (s *Service) CreateRequest(ctx context.Context, bookID, requesterID, message string) (Request, error) {
	const operation = opCreateRequest

	book, err := s.catalog.Get(ctx, bookID)
	if errors.Is(err, catalog.ErrBookNotFound) {
		return Request{}, newError(KindNotFound, operation, "book_not_found", "book not found", err)
	}
	if err != nil {
		return Request{}, newError(KindInternal, operation, "book_lookup_failed", "", err)
	}
	if !book.Available {
		return Request{}, newError(KindBadRequest, operation, "book_unavailable", "this book is not available for exchange", nil)
	}
	if book.OwnerID == requesterID {
		return Request{}, newError(KindBadRequest, operation, "self_request", "you cannot request your own book", nil)
	}

	active, err := s.countActive(ctx, s.db, bookID, requesterID)
	if err != nil {
		return Request{}, newError(KindInternal, operation, "duplicate_check_failed", "", err)
	}
	if active > 0 {
		return Request{}, newError(KindBadRequest, operation, "duplicate_request", "you already have an open request for this book", nil)
	}

	if err := s.guardAgainstFarming(ctx, book, requesterID); err != nil {
		return Request{}, err
	}

	appraisal, err := s.appraiser.Appraise(ctx, book)
	if err != nil {
		return Request{}, newError(KindInternal, operation, "appraisal_failed", "", err)
	}

	balance, err := s.ledger.Balance(ctx, requesterID)
	if err != nil {
		return Request{}, newError(KindInternal, operation, "balance_lookup_failed", "", err)
	}
	if balance < appraisal.Points {
		return Request{}, newError(KindBadRequest, operation, "insufficient_points",
			fmt.Sprintf("insufficient points: required %d, available %d", appraisal.Points, balance), nil)
	}

	requestID, err := s.idProvider.NewID()
	if err != nil {
		return Request{}, newError(KindInternal, operation, "id_generation_failed", "", err)
	}

	request := Request{
		RequestID:        requestID,
		BookID:           book.BookID,
		RequesterID:      requesterID,
		OwnerID:          book.OwnerID,
		PointsOffered:    appraisal.Points,
		Message:          strings.TrimSpace(message),
		Status:           StatusPending,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Re-check inside the transaction: two concurrent creates for the
		// same (book, requester) pair must not both pass the pre-check.
		active, err := s.countActive(ctx, tx, bookID, requesterID)
		if err != nil {
			return newError(KindInternal, operation, "duplicate_check_failed", "", err)
		}
		if active > 0 {
			return newError(KindBadRequest, operation, "duplicate_request", "you already have an open request for this book", nil)
		}

		if err := tx.Create(&request).Error; err != nil {
			return newError(KindInternal, operation, "request_insert_failed", "", err)
		}

		if _, err := s.ledger.Apply(tx, ledger.Entry{
			UserID:      requesterID,
			Amount:      -appraisal.Points,
			Type:        ledger.EntryTypeSpentRequest,
			Description: fmt.Sprintf("Requested %q", book.Title),
			BookID:      book.BookID,
		}); err != nil {
			var insufficient *ledger.InsufficientPointsError
			if errors.As(err, &insufficient) {
				return newError(KindBadRequest, operation, "insufficient_points",
					fmt.Sprintf("insufficient points: required %d, available %d", insufficient.Required, insufficient.Available), err)
			}
			return newError(KindInternal, operation, "debit_failed", "", err)
		}
		return nil
	})
	if txErr != nil {
		return Request{}, txErr
	}

	s.publish(Event{
		TargetUserID: book.OwnerID,
		Type:         EventTypeBookRequest,
		RequestID:    request.RequestID,
		BookID:       book.BookID,
		BookTitle:    book.Title,
		ActorName:    s.displayName(ctx, requesterID),
		Points:       appraisal.Points,
	})

	return request, nil
}

// AcceptRequest moves the request to ACCEPTED and declines every other
// pending request on the same book with a refund. Each sibling refund is its
// own transaction with bounded retries; a sibling failure is logged and does
// not roll back the acceptance.
func (s *Service) AcceptRequest(ctx context.Context, requestID, actingUserID string) (Request, error) {
	const operation = opAcceptRequest

	request, err := s.getRequest(ctx, operation, requestID)
	if err != nil {
		return Request{}, err
	}
	if request.OwnerID != actingUserID {
		return Request{}, newError(KindForbidden, operation, "not_owner", "only the book owner can accept a request", nil)
	}
	if request.Status != StatusPending {
		return Request{}, newError(KindBadRequest, operation, "invalid_status",
			fmt.Sprintf("request is %s, not pending", request.Status), nil)
	}

	result := s.db.WithContext(ctx).Model(&Request{}).
		Where("request_id = ? AND status = ?", requestID, StatusPending).
		UpdateColumn("status", StatusAccepted)
	if result.Error != nil {
		return Request{}, newError(KindInternal, operation, "status_update_failed", "", result.Error)
	}
	if result.RowsAffected == 0 {
		// Lost a concurrent transition; only the first PENDING->ACCEPTED wins.
		return Request{}, newError(KindBadRequest, operation, "invalid_status", "request is no longer pending", nil)
	}
	request.Status = StatusAccepted

	book, bookErr := s.catalog.Get(ctx, request.BookID)
	bookTitle := ""
	if bookErr == nil {
		bookTitle = book.Title
	}

	var siblings []Request
	err = s.db.WithContext(ctx).
		Where("book_id = ? AND status = ? AND request_id <> ?", request.BookID, StatusPending, requestID).
		Find(&siblings).Error
	if err != nil {
		s.logError(operation, "sibling_query_failed", err, zap.String("request_id", requestID))
	}

	for _, sibling := range siblings {
		if err := s.declineWithRefund(ctx, sibling, "Refund: another request was accepted"); err != nil {
			s.logError(operation, "sibling_refund_failed", err,
				zap.String("request_id", sibling.RequestID),
				zap.String("requester_id", sibling.RequesterID))
			continue
		}
		s.publish(Event{
			TargetUserID: sibling.RequesterID,
			Type:         EventTypeRequestUpdate,
			RequestID:    sibling.RequestID,
			BookID:       sibling.BookID,
			BookTitle:    bookTitle,
			Status:       StatusDeclined,
			ActorName:    s.displayName(ctx, actingUserID),
			Points:       sibling.PointsOffered,
		})
	}

	s.publish(Event{
		TargetUserID: request.RequesterID,
		Type:         EventTypeRequestUpdate,
		RequestID:    request.RequestID,
		BookID:       request.BookID,
		BookTitle:    bookTitle,
		Status:       StatusAccepted,
		ActorName:    s.displayName(ctx, actingUserID),
		Points:       request.PointsOffered,
	})

	return request, nil
}

// DeclineRequest terminates a pending request from the owner's side and
// refunds the reserved points.
func (s *Service) DeclineRequest(ctx context.Context, requestID, actingUserID string) (Request, error) {
	const operation = opDeclineRequest

	request, err := s.getRequest(ctx, operation, requestID)
	if err != nil {
		return Request{}, err
	}
	if request.OwnerID != actingUserID {
		return Request{}, newError(KindForbidden, operation, "not_owner", "only the book owner can decline a request", nil)
	}
	if request.Status != StatusPending {
		return Request{}, newError(KindBadRequest, operation, "invalid_status",
			fmt.Sprintf("request is %s, not pending", request.Status), nil)
	}

	if err := s.terminateWithRefund(ctx, operation, request, StatusDeclined, "Refund: request declined"); err != nil {
		return Request{}, err
	}
	request.Status = StatusDeclined

	s.publish(Event{
		TargetUserID: request.RequesterID,
		Type:         EventTypeRequestUpdate,
		RequestID:    request.RequestID,
		BookID:       request.BookID,
		BookTitle:    s.bookTitle(ctx, request.BookID),
		Status:       StatusDeclined,
		ActorName:    s.displayName(ctx, actingUserID),
		Points:       request.PointsOffered,
	})

	return request, nil
}

// CancelRequest terminates a pending request from the requester's side and
// refunds the reserved points.
func (s *Service) CancelRequest(ctx context.Context, requestID, actingUserID string) (Request, error) {
	const operation = opCancelRequest

	request, err := s.getRequest(ctx, operation, requestID)
	if err != nil {
		return Request{}, err
	}
	if request.RequesterID != actingUserID {
		return Request{}, newError(KindForbidden, operation, "not_requester", "only the requester can cancel a request", nil)
	}
	if request.Status != StatusPending {
		return Request{}, newError(KindBadRequest, operation, "invalid_status",
			fmt.Sprintf("request is %s, not pending", request.Status), nil)
	}

	if err := s.terminateWithRefund(ctx, operation, request, StatusCancelled, "Refund: request cancelled"); err != nil {
		return Request{}, err
	}
	request.Status = StatusCancelled

	return request, nil
}

// CompleteExchange confirms the physical handover. In one transaction the
// request moves to COMPLETED, ownership transfers to the requester, and the
// original owner is paid the reserved points. The giver is credited only
// here, never at acceptance, so points cannot be paid out before the book
// changes hands.
func (s *Service) CompleteExchange(ctx context.Context, requestID, actingUserID string) (Request, error) {
	const operation = opCompleteExchange

	request, err := s.getRequest(ctx, operation, requestID)
	if err != nil {
		return Request{}, err
	}
	if request.OwnerID != actingUserID {
		return Request{}, newError(KindForbidden, operation, "not_owner", "only the book owner can complete an exchange", nil)
	}
	if request.Status != StatusAccepted {
		return Request{}, newError(KindBadRequest, operation, "invalid_status",
			fmt.Sprintf("request is %s, not accepted", request.Status), nil)
	}

	bookTitle := s.bookTitle(ctx, request.BookID)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Request{}).
			Where("request_id = ? AND status = ?", requestID, StatusAccepted).
			UpdateColumn("status", StatusCompleted)
		if result.Error != nil {
			return newError(KindInternal, operation, "status_update_failed", "", result.Error)
		}
		if result.RowsAffected == 0 {
			// Second completion of the same request lands here: no double payout.
			return newError(KindBadRequest, operation, "invalid_status", "request is no longer accepted", nil)
		}

		if err := s.catalog.TransferOwnership(tx, request.BookID, request.RequesterID); err != nil {
			return newError(KindInternal, operation, "ownership_transfer_failed", "", err)
		}

		if _, err := s.ledger.Apply(tx, ledger.Entry{
			UserID:      request.OwnerID,
			Amount:      request.PointsOffered,
			Type:        ledger.EntryTypeEarnedExchange,
			Description: fmt.Sprintf("Exchanged %q", bookTitle),
			BookID:      request.BookID,
		}); err != nil {
			return newError(KindInternal, operation, "payout_failed", "", err)
		}
		return nil
	})
	if txErr != nil {
		return Request{}, txErr
	}
	request.Status = StatusCompleted

	s.publish(Event{
		TargetUserID: request.RequesterID,
		Type:         EventTypeRequestUpdate,
		RequestID:    request.RequestID,
		BookID:       request.BookID,
		BookTitle:    bookTitle,
		Status:       StatusCompleted,
		ActorName:    s.displayName(ctx, actingUserID),
		Points:       request.PointsOffered,
	})

	return request, nil
}

// Incoming returns requests against the user's books, newest first.
func (s *Service) Incoming(ctx context.Context, ownerID string, filter *Status) ([]Request, error) {
	return s.listRequests(ctx, "owner_id", ownerID, filter)
}

// Outgoing returns requests the user has made, newest first.
func (s *Service) Outgoing(ctx context.Context, requesterID string, filter *Status) ([]Request, error) {
	return s.listRequests(ctx, "requester_id", requesterID, filter)
}

// RequestCounts summarizes the user's pending requests on both sides.
func (s *Service) RequestCounts(ctx context.Context, userID string) (Counts, error) {
	var counts Counts
	err := s.db.WithContext(ctx).Model(&Request{}).
		Where("owner_id = ? AND status = ?", userID, StatusPending).
		Count(&counts.IncomingPending).Error
	if err != nil {
		return Counts{}, newError(KindInternal, opRequestCounts, "query_failed", "", err)
	}
	err = s.db.WithContext(ctx).Model(&Request{}).
		Where("requester_id = ? AND status = ?", userID, StatusPending).
		Count(&counts.OutgoingPending).Error
	if err != nil {
		return Counts{}, newError(KindInternal, opRequestCounts, "query_failed", "", err)
	}
	return counts, nil
}

func (s *Service) listRequests(ctx context.Context, column, userID string, filter *Status) ([]Request, error) {
	query := s.db.WithContext(ctx).Where(column+" = ?", userID)
	if filter != nil {
		query = query.Where("status = ?", *filter)
	}
	var requests []Request
	if err := query.Order("request_id DESC").Find(&requests).Error; err != nil {
		return nil, newError(KindInternal, opListRequests, "query_failed", "", err)
	}
	return requests, nil
}

func (s *Service) getRequest(ctx context.Context, operation, requestID string) (Request, error) {
	var request Request
	err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Take(&request).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Request{}, newError(KindNotFound, operation, "request_not_found", "request not found", err)
	}
	if err != nil {
		return Request{}, newError(KindInternal, operation, "request_lookup_failed", "", err)
	}
	return request, nil
}

func (s *Service) countActive(ctx context.Context, db *gorm.DB, bookID, requesterID string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Model(&Request{}).
		Where("book_id = ? AND requester_id = ?", bookID, requesterID).
		Where("status IN ?", []Status{StatusPending, StatusAccepted}).
		Count(&count).Error
	return count, err
}

// terminateWithRefund moves a pending request to the provided terminal
// status and refunds the requester, atomically.
func (s *Service) terminateWithRefund(ctx context.Context, operation string, request Request, terminal Status, description string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Request{}).
			Where("request_id = ? AND status = ?", request.RequestID, StatusPending).
			UpdateColumn("status", terminal)
		if result.Error != nil {
			return newError(KindInternal, operation, "status_update_failed", "", result.Error)
		}
		if result.RowsAffected == 0 {
			return newError(KindBadRequest, operation, "invalid_status", "request is no longer pending", nil)
		}

		if _, err := s.ledger.Apply(tx, ledger.Entry{
			UserID:      request.RequesterID,
			Amount:      request.PointsOffered,
			Type:        ledger.EntryTypeRefund,
			Description: description,
			BookID:      request.BookID,
		}); err != nil {
			return newError(KindInternal, operation, "refund_failed", "", err)
		}
		return nil
	})
}

// declineWithRefund terminates one sibling during the accept fan-out,
// retrying with backoff on storage failure. A sibling that already left
// PENDING concurrently is skipped, not an error.
func (s *Service) declineWithRefund(ctx context.Context, sibling Request, description string) error {
	var lastErr error
	for attempt := 0; attempt < siblingRefundAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(siblingRefundBackoff * time.Duration(attempt))
		}
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			result := tx.Model(&Request{}).
				Where("request_id = ? AND status = ?", sibling.RequestID, StatusPending).
				UpdateColumn("status", StatusDeclined)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return nil
			}
			_, err := s.ledger.Apply(tx, ledger.Entry{
				UserID:      sibling.RequesterID,
				Amount:      sibling.PointsOffered,
				Type:        ledger.EntryTypeRefund,
				Description: description,
				BookID:      sibling.BookID,
			})
			return err
		})
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (s *Service) publish(event Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(event)
}

func (s *Service) displayName(ctx context.Context, userID string) string {
	if s.names == nil {
		return userID
	}
	return s.names.DisplayName(ctx, userID)
}

func (s *Service) bookTitle(ctx context.Context, bookID string) string {
	book, err := s.catalog.Get(ctx, bookID)
	if err != nil {
		return ""
	}
	return book.Title
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
	s.logger.Error("exchange service error", attrs...)
}
