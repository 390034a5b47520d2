package exchange

import (
	"context"

	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
)

// Farming is the abuse pattern of trading a book back and forth to mint
// points from the exchange rewards. Both rules reject the request before any
// points are reserved, so a match has no side effects.
//
// Rule 1 blocks the direct swap-back: the current owner received this exact
// listing from the current requester in a completed exchange, so letting the
// requester take it back would complete a free round trip.
//
// Rule 2 blocks longer chains through intermediaries: the requester already
// received this physical copy (same digital id) at some point in its
// lineage, and cannot re-claim a copy they once held.
func (s *Service) guardAgainstFarming(ctx context.Context, book catalog.Book, requesterID string) error {
	const operation = opCreateRequest

	var circular int64
	err := s.db.WithContext(ctx).Model(&Request{}).
		Where("book_id = ? AND status = ?", book.BookID, StatusCompleted).
		Where("requester_id = ? AND owner_id = ?", book.OwnerID, requesterID).
		Count(&circular).Error
	if err != nil {
		return newError(KindInternal, operation, "farming_check_failed", "", err)
	}
	if circular > 0 {
		return newError(KindBadRequest, operation, "circular_exchange",
			"this exchange would hand the book back to a previous owner; circular exchanges are not allowed", nil)
	}

	lineage, err := s.catalog.LineageBookIDs(ctx, book.DigitalID)
	if err != nil {
		return newError(KindInternal, operation, "farming_check_failed", "", err)
	}
	if len(lineage) == 0 {
		return nil
	}

	var repeat int64
	err = s.db.WithContext(ctx).Model(&Request{}).
		Where("book_id IN ? AND status = ?", lineage, StatusCompleted).
		Where("requester_id = ?", requesterID).
		Count(&repeat).Error
	if err != nil {
		return newError(KindInternal, operation, "farming_check_failed", "", err)
	}
	if repeat > 0 {
		return newError(KindBadRequest, operation, "repeat_ownership",
			"you have already received this copy in a past exchange and cannot request it again", nil)
	}

	return nil
}
