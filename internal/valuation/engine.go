package valuation

import (
	"context"
	"fmt"
	"math"

	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"go.uber.org/zap"
)

// baseValue is the starting point valuation for every book before
// condition, rarity, and demand adjustments.
const baseValue = 50

var conditionMultipliers = map[catalog.Condition]float64{
	catalog.ConditionNew:        1.5,
	catalog.ConditionLikeNew:    1.3,
	catalog.ConditionVeryGood:   1.1,
	catalog.ConditionGood:       1.0,
	catalog.ConditionAcceptable: 0.7,
}

// Breakdown itemizes how a valuation was computed.
type Breakdown struct {
	Base                int64   `json:"base"`
	ConditionMultiplier float64 `json:"condition_multiplier"`
	RarityMultiplier    float64 `json:"rarity_multiplier"`
	DemandMultiplier    float64 `json:"demand_multiplier"`
	SimilarAvailable    int64   `json:"similar_available"`
	PendingRequests     int64   `json:"pending_requests"`
}

// Appraisal is the point price of a book with its breakdown.
type Appraisal struct {
	Points    int64     `json:"points"`
	Breakdown Breakdown `json:"breakdown"`
}

// Compute derives the point price from the condition grade and the current
// rarity and demand counts. It is deterministic: identical inputs always
// produce identical appraisals.
func Compute(condition catalog.Condition, similarAvailable, pendingRequests int64) Appraisal {
	conditionMult, ok := conditionMultipliers[condition]
	if !ok {
		conditionMult = 1.0
	}
	rarityMult := rarityMultiplier(similarAvailable)
	demandMult := demandMultiplier(pendingRequests)

	points := int64(math.Round(baseValue * conditionMult * rarityMult * demandMult))

	return Appraisal{
		Points: points,
		Breakdown: Breakdown{
			Base:                baseValue,
			ConditionMultiplier: conditionMult,
			RarityMultiplier:    rarityMult,
			DemandMultiplier:    demandMult,
			SimilarAvailable:    similarAvailable,
			PendingRequests:     pendingRequests,
		},
	}
}

// Fewer available copies of the same title raise the price.
func rarityMultiplier(similarAvailable int64) float64 {
	switch {
	case similarAvailable <= 1:
		return 1.5
	case similarAvailable <= 3:
		return 1.3
	case similarAvailable <= 5:
		return 1.15
	case similarAvailable <= 10:
		return 1.0
	default:
		return 0.85
	}
}

// More pending requests against the same title raise the price.
func demandMultiplier(pendingRequests int64) float64 {
	switch {
	case pendingRequests >= 10:
		return 1.5
	case pendingRequests >= 5:
		return 1.3
	case pendingRequests >= 3:
		return 1.15
	case pendingRequests >= 1:
		return 1.05
	default:
		return 1.0
	}
}

// CatalogStats supplies the rarity input.
type CatalogStats interface {
	CountSimilarAvailable(ctx context.Context, title, author string) (int64, error)
}

// DemandStats supplies the demand input.
type DemandStats interface {
	CountPendingSimilar(ctx context.Context, title, author string) (int64, error)
}

// CacheRefresher receives best-effort cached valuation updates.
type CacheRefresher interface {
	RefreshCachedValue(ctx context.Context, bookID string, points int64) error
}

// EngineConfig describes the collaborators of the valuation engine.
type EngineConfig struct {
	Catalog CatalogStats
	Demand  DemandStats
	Cache   CacheRefresher
	Logger  *zap.Logger
}

// Engine appraises books against live catalog and demand counts. The cached
// point_value on the book row is refreshed opportunistically on read; the
// authoritative price for an in-flight request is always the amount reserved
// when the request was created.
type Engine struct {
	catalog CatalogStats
	demand  DemandStats
	cache   CacheRefresher
	logger  *zap.Logger
}

// NewEngine constructs the valuation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Catalog == nil {
		return nil, fmt.Errorf("valuation: catalog stats required")
	}
	if cfg.Demand == nil {
		return nil, fmt.Errorf("valuation: demand stats required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		catalog: cfg.Catalog,
		demand:  cfg.Demand,
		cache:   cfg.Cache,
		logger:  logger,
	}, nil
}

// Appraise computes the current point price of the provided book.
func (e *Engine) Appraise(ctx context.Context, book catalog.Book) (Appraisal, error) {
	similar, err := e.catalog.CountSimilarAvailable(ctx, book.Title, book.Author)
	if err != nil {
		return Appraisal{}, fmt.Errorf("valuation: rarity count failed: %w", err)
	}
	pending, err := e.demand.CountPendingSimilar(ctx, book.Title, book.Author)
	if err != nil {
		return Appraisal{}, fmt.Errorf("valuation: demand count failed: %w", err)
	}

	appraisal := Compute(book.Condition, similar, pending)

	if e.cache != nil && appraisal.Points != book.PointValue {
		if err := e.cache.RefreshCachedValue(ctx, book.BookID, appraisal.Points); err != nil {
			e.logger.Warn("cached valuation refresh failed",
				zap.String("book_id", book.BookID),
				zap.Error(err))
		}
	}

	return appraisal, nil
}
