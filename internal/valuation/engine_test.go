package valuation

import (
	"context"
	"errors"
	"testing"

	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"go.uber.org/zap"
)

func TestComputeMultiplierTables(t *testing.T) {
	tests := []struct {
		name             string
		condition        catalog.Condition
		similarAvailable int64
		pendingRequests  int64
		expectedPoints   int64
	}{
		{name: "dune-good-single-copy", condition: catalog.ConditionGood, similarAvailable: 1, pendingRequests: 0, expectedPoints: 75},
		{name: "new-single-copy", condition: catalog.ConditionNew, similarAvailable: 1, pendingRequests: 0, expectedPoints: 113},
		{name: "acceptable-common", condition: catalog.ConditionAcceptable, similarAvailable: 12, pendingRequests: 0, expectedPoints: 30},
		{name: "like-new-three-copies", condition: catalog.ConditionLikeNew, similarAvailable: 3, pendingRequests: 0, expectedPoints: 85},
		{name: "very-good-five-copies-one-pending", condition: catalog.ConditionVeryGood, similarAvailable: 5, pendingRequests: 1, expectedPoints: 66},
		{name: "good-ten-copies", condition: catalog.ConditionGood, similarAvailable: 10, pendingRequests: 0, expectedPoints: 50},
		{name: "good-high-demand", condition: catalog.ConditionGood, similarAvailable: 10, pendingRequests: 10, expectedPoints: 75},
		{name: "good-medium-demand", condition: catalog.ConditionGood, similarAvailable: 10, pendingRequests: 5, expectedPoints: 65},
		{name: "good-low-demand", condition: catalog.ConditionGood, similarAvailable: 10, pendingRequests: 3, expectedPoints: 58},
		{name: "unknown-condition-defaults", condition: catalog.Condition("mint"), similarAvailable: 10, pendingRequests: 0, expectedPoints: 50},
		{name: "zero-copies-treated-as-rare", condition: catalog.ConditionGood, similarAvailable: 0, pendingRequests: 0, expectedPoints: 75},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appraisal := Compute(tt.condition, tt.similarAvailable, tt.pendingRequests)
			if appraisal.Points != tt.expectedPoints {
				t.Fatalf("expected %d points, got %d (breakdown %+v)", tt.expectedPoints, appraisal.Points, appraisal.Breakdown)
			}
			if appraisal.Breakdown.Base != 50 {
				t.Fatalf("unexpected base value %d", appraisal.Breakdown.Base)
			}
			if appraisal.Breakdown.SimilarAvailable != tt.similarAvailable {
				t.Fatalf("breakdown should echo the rarity input")
			}
			if appraisal.Breakdown.PendingRequests != tt.pendingRequests {
				t.Fatalf("breakdown should echo the demand input")
			}
		})
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	first := Compute(catalog.ConditionVeryGood, 4, 6)
	for i := 0; i < 10; i++ {
		repeat := Compute(catalog.ConditionVeryGood, 4, 6)
		if repeat != first {
			t.Fatalf("expected identical appraisal on repeated call, got %+v and %+v", first, repeat)
		}
	}
}

type stubCatalogStats struct {
	count int64
	err   error
}

func (s stubCatalogStats) CountSimilarAvailable(_ context.Context, _, _ string) (int64, error) {
	return s.count, s.err
}

type stubDemandStats struct {
	count int64
	err   error
}

func (s stubDemandStats) CountPendingSimilar(_ context.Context, _, _ string) (int64, error) {
	return s.count, s.err
}

type recordingCache struct {
	bookID string
	points int64
	calls  int
	err    error
}

func (c *recordingCache) RefreshCachedValue(_ context.Context, bookID string, points int64) error {
	c.calls++
	c.bookID = bookID
	c.points = points
	return c.err
}

func TestAppraiseRefreshesStaleCache(t *testing.T) {
	cache := &recordingCache{}
	engine, err := NewEngine(EngineConfig{
		Catalog: stubCatalogStats{count: 1},
		Demand:  stubDemandStats{count: 0},
		Cache:   cache,
		Logger:  zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	book := catalog.Book{BookID: "book-1", Title: "Dune", Author: "Frank Herbert", Condition: catalog.ConditionGood, PointValue: 10}
	appraisal, err := engine.Appraise(context.Background(), book)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if appraisal.Points != 75 {
		t.Fatalf("expected 75 points, got %d", appraisal.Points)
	}
	if cache.calls != 1 || cache.bookID != "book-1" || cache.points != 75 {
		t.Fatalf("expected one cache refresh with 75 points, got %+v", cache)
	}
}

func TestAppraiseSkipsFreshCache(t *testing.T) {
	cache := &recordingCache{}
	engine, err := NewEngine(EngineConfig{
		Catalog: stubCatalogStats{count: 1},
		Demand:  stubDemandStats{count: 0},
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	book := catalog.Book{BookID: "book-1", Title: "Dune", Author: "Frank Herbert", Condition: catalog.ConditionGood, PointValue: 75}
	if _, err := engine.Appraise(context.Background(), book); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cache.calls != 0 {
		t.Fatalf("expected no cache refresh for an up-to-date value, got %d", cache.calls)
	}
}

func TestAppraiseToleratesCacheFailure(t *testing.T) {
	cache := &recordingCache{err: errors.New("disk full")}
	engine, err := NewEngine(EngineConfig{
		Catalog: stubCatalogStats{count: 1},
		Demand:  stubDemandStats{count: 0},
		Cache:   cache,
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	book := catalog.Book{BookID: "book-1", Condition: catalog.ConditionGood}
	appraisal, err := engine.Appraise(context.Background(), book)
	if err != nil {
		t.Fatalf("cache failure must not fail the appraisal: %v", err)
	}
	if appraisal.Points != 75 {
		t.Fatalf("expected 75 points, got %d", appraisal.Points)
	}
}

func TestAppraisePropagatesStatsFailure(t *testing.T) {
	engine, err := NewEngine(EngineConfig{
		Catalog: stubCatalogStats{err: errors.New("catalog down")},
		Demand:  stubDemandStats{},
	})
	if err != nil {
		t.Fatalf("unexpected engine error: %v", err)
	}

	if _, err := engine.Appraise(context.Background(), catalog.Book{Condition: catalog.ConditionGood}); err == nil {
		t.Fatal("expected rarity count failure to propagate")
	}
}
