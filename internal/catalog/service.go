package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bookswap-hq/bookswap/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

// IDProvider issues identifiers for catalog rows.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the catalog service.
type ServiceConfig struct {
	Database     *gorm.DB
	Clock        func() time.Time
	IDProvider   IDProvider
	Ledger       *ledger.Service
	ListingBonus int64
	Logger       *zap.Logger
}

// Service manages book listings, similarity counts for valuation, and
// ownership transfer during exchange completion.
type Service struct {
	db           *gorm.DB
	clock        func() time.Time
	idProvider   IDProvider
	ledger       *ledger.Service
	listingBonus int64
	logger       *zap.Logger
}

// NewService constructs the catalog service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("catalog: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("catalog: id provider required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("catalog: ledger service required")
	}
	if cfg.ListingBonus < 0 {
		return nil, fmt.Errorf("catalog: listing bonus must not be negative")
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
		db:           cfg.Database,
		clock:        clock,
		idProvider:   cfg.IDProvider,
		ledger:       cfg.Ledger,
		listingBonus: cfg.ListingBonus,
		logger:       logger,
	}, nil
}

// ListBook adds a listing to the catalog and credits the listing reward in
// the same transaction. A copy new to the platform receives a fresh digital
// id; a re-listed copy keeps the digital id it has carried since its first
// listing.
func (s *Service) ListBook(ctx context.Context, input ListingInput) (Book, error) {
	if err := input.validate(); err != nil {
		return Book{}, err
	}

	bookID, err := s.idProvider.NewID()
	if err != nil {
		return Book{}, err
	}
	digitalID := strings.TrimSpace(input.DigitalID)
	if digitalID == "" {
		digitalID = bookID
	}

	book := Book{
		BookID:           bookID,
		DigitalID:        digitalID,
		Title:            strings.TrimSpace(input.Title),
		Author:           strings.TrimSpace(input.Author),
		Condition:        input.Condition,
		OwnerID:          strings.TrimSpace(input.OwnerID),
		Available:        true,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&book).Error; err != nil {
			return err
		}
		if s.listingBonus > 0 {
			if _, err := s.ledger.Apply(tx, ledger.Entry{
				UserID:      book.OwnerID,
				Amount:      s.listingBonus,
				Type:        ledger.EntryTypeEarnedListing,
				Description: fmt.Sprintf("Listed %q", book.Title),
				BookID:      book.BookID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return Book{}, txErr
	}

	return book, nil
}

// Get returns the book with the provided identifier.
func (s *Service) Get(ctx context.Context, bookID string) (Book, error) {
	var book Book
	err := s.db.WithContext(ctx).Where("book_id = ?", bookID).Take(&book).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Book{}, ErrBookNotFound
	}
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

const (
	defaultBrowseLimit = 20
	maxBrowseLimit     = 100
)

// BrowsePage is one cursor-delimited slice of available listings.
type BrowsePage struct {
	Books      []Book
	NextCursor string
}

// ListAvailable returns available listings newest first, cursor-paginated by
// book id (UUIDv7, so id order matches creation order).
func (s *Service) ListAvailable(ctx context.Context, cursor string, limit int) (BrowsePage, error) {
	if limit <= 0 {
		limit = defaultBrowseLimit
	}
	if limit > maxBrowseLimit {
		limit = maxBrowseLimit
	}

	query := s.db.WithContext(ctx).Where("is_available = ?", true)
	if cursor != "" {
		query = query.Where("book_id < ?", cursor)
	}

	var books []Book
	if err := query.Order("book_id DESC").Limit(limit + 1).Find(&books).Error; err != nil {
		return BrowsePage{}, err
	}

	page := BrowsePage{Books: books}
	if len(books) > limit {
		page.Books = books[:limit]
		page.NextCursor = books[limit-1].BookID
	}
	return page, nil
}

// CountSimilarAvailable counts available listings whose title and author both
// contain the provided values, case-insensitively. Substring matching keeps
// editions with subtitle or initials variations in the same rarity bucket.
func (s *Service) CountSimilarAvailable(ctx context.Context, title, author string) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Book{}).
		Where("is_available = ?", true).
		Where("LOWER(title) LIKE ?", likePattern(title)).
		Where("LOWER(author) LIKE ?", likePattern(author)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// SimilarBookIDs returns ids of books whose title and author both match the
// provided values, for demand counting against pending requests.
func (s *Service) SimilarBookIDs(ctx context.Context, title, author string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Book{}).
		Where("LOWER(title) LIKE ?", likePattern(title)).
		Where("LOWER(author) LIKE ?", likePattern(author)).
		Pluck("book_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// LineageBookIDs returns every listing id sharing the given digital id, i.e.
// the full provenance chain of one physical copy.
func (s *Service) LineageBookIDs(ctx context.Context, digitalID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&Book{}).
		Where("digital_id = ?", digitalID).
		Pluck("book_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// RefreshCachedValue updates the advisory cached valuation on the book row.
// The cache is never authoritative; in-flight requests always use the points
// reserved at creation time.
func (s *Service) RefreshCachedValue(ctx context.Context, bookID string, points int64) error {
	return s.db.WithContext(ctx).Model(&Book{}).
		Where("book_id = ?", bookID).
		UpdateColumn("point_value", points).Error
}

// TransferOwnership reassigns the book to a new owner inside the caller's
// transaction. The listing stays available so the new owner can immediately
// offer it for exchange again.
func (s *Service) TransferOwnership(tx *gorm.DB, bookID, newOwnerID string) error {
	result := tx.Model(&Book{}).
		Where("book_id = ?", bookID).
		UpdateColumn("owner_id", newOwnerID)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrBookNotFound
	}
	return nil
}

func likePattern(value string) string {
	return "%" + strings.ToLower(strings.TrimSpace(value)) + "%"
}
