package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/cloudx-io/sealedbid/core"
)

// AdmitBid is the atomic validate-and-insert primitive of the open-bid lane.
// Inside one transaction it locks the auction row, reads the current highest bid,
// checks the increment rule and inserts the bid (or updates the bidder's earlier bid).
// A *core.BidTooLowError is returned untouched so callers can report the minimum.
func (s *Store) AdmitBid(ctx context.Context, bid *core.OpenBid, schedule core.IncrementSchedule) (*core.OpenBid, error) {
	var admitted core.OpenBid
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var auction core.Auction
		if err := forUpdate(tx).Where("id = ?", bid.AuctionID).First(&auction).Error; err != nil {
			return err
		}

		highest, err := highestBid(tx, bid.AuctionID)
		if err != nil {
			return err
		}
		current := decimal.Zero
		if highest != nil {
			current = highest.Amount.Decimal
		}
		if err := schedule.CheckBid(current, bid.Amount.Decimal); err != nil {
			return err
		}

		var existing core.OpenBid
		err = tx.Where("auction_id = ? AND bidder_address = ?", bid.AuctionID, bid.BidderAddress).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			admitted = *bid
			if admitted.ID == "" {
				admitted.ID = uuid.NewString()
			}
			return tx.Create(&admitted).Error
		case err != nil:
			return err
		}

		// Re-bid by the same bidder merges into the existing row
		existing.Amount = bid.Amount
		existing.AmountUSD = bid.AmountUSD
		existing.Encrypted = bid.Encrypted
		existing.Signature = bid.Signature
		if err := tx.Save(&existing).Error; err != nil {
			return err
		}
		admitted = existing
		return nil
	})
	if err != nil {
		var tooLow *core.BidTooLowError
		if errors.As(err, &tooLow) {
			return nil, tooLow
		}
		return nil, translate(err)
	}
	return &admitted, nil
}

// HighestBid returns the current highest open bid of an auction, or ErrNotFound.
func (s *Store) HighestBid(ctx context.Context, auctionID string) (*core.OpenBid, error) {
	highest, err := highestBid(s.db.WithContext(ctx), auctionID)
	if err != nil {
		return nil, translate(err)
	}
	if highest == nil {
		return nil, ErrNotFound
	}
	return highest, nil
}

// highestBid compares amounts in Go so SQLite's numeric affinity cannot reorder them.
// Ties go to the earliest bid.
func highestBid(tx *gorm.DB, auctionID string) (*core.OpenBid, error) {
	var bids []core.OpenBid
	if err := tx.Where("auction_id = ?", auctionID).Order("created_at ASC").Find(&bids).Error; err != nil {
		return nil, err
	}
	var highest *core.OpenBid
	for i := range bids {
		if highest == nil || bids[i].Amount.GreaterThan(highest.Amount.Decimal) {
			highest = &bids[i]
		}
	}
	return highest, nil
}
