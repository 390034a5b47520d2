package exchange

import (
	"context"
	"fmt"

	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"gorm.io/gorm"
)

// DemandCounter answers the valuation engine's demand queries from the
// request table. It is deliberately independent of Service so the engine and
// the state machine can be wired without a construction cycle.
type DemandCounter struct {
	db      *gorm.DB
	catalog *catalog.Service
}

// NewDemandCounter constructs a demand counter.
func NewDemandCounter(db *gorm.DB, catalogService *catalog.Service) (*DemandCounter, error) {
	if db == nil {
		return nil, fmt.Errorf("exchange: database connection required")
	}
	if catalogService == nil {
		return nil, fmt.Errorf("exchange: catalog service required")
	}
	return &DemandCounter{db: db, catalog: catalogService}, nil
}

// CountPendingSimilar counts pending requests against books matching the
// provided title and author.
func (c *DemandCounter) CountPendingSimilar(ctx context.Context, title, author string) (int64, error) {
	ids, err := c.catalog.SimilarBookIDs(ctx, title, author)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var count int64
	err = c.db.WithContext(ctx).Model(&Request{}).
		Where("book_id IN ? AND status = ?", ids, StatusPending).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}
