package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/cloudx-io/sealedbid/core"
)

// InsertCommitment stores a sealed bid. A second commitment from the same bidder on the
// same auction fails with ErrDuplicate.
func (s *Store) InsertCommitment(ctx context.Context, c *core.Commitment) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Revealed = false
	return translate(s.db.WithContext(ctx).Create(c).Error)
}

// Reveal describes an opening of a commitment.
type Reveal struct {
	AuctionID      string
	BidderAddress  string
	CommitmentHash string
	Amount         decimal.Decimal
	Secret         string
	RevealedAt     time.Time
}

// RevealCommitment flips the matching unrevealed, unexpired commitment to revealed.
// ErrNotFound covers a missing row, a wrong hash and an earlier reveal alike.
func (s *Store) RevealCommitment(ctx context.Context, r Reveal) (*core.Commitment, error) {
	var revealed core.Commitment
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		result := tx.Model(&core.Commitment{}).
			Where(
				"auction_id = ? AND bidder_address = ? AND commitment_hash = ? AND revealed = ? AND expires_at > ?",
				r.AuctionID, r.BidderAddress, r.CommitmentHash, false, r.RevealedAt,
			).
			Updates(map[string]any{
				"revealed":        true,
				"revealed_amount": core.NewNullAmount(r.Amount),
				"reveal_secret":   r.Secret,
				"revealed_at":     r.RevealedAt,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Where(
			"auction_id = ? AND bidder_address = ? AND commitment_hash = ?",
			r.AuctionID, r.BidderAddress, r.CommitmentHash,
		).First(&revealed).Error
	})
	if err != nil {
		return nil, translate(err)
	}
	return &revealed, nil
}

// RankRemainingBidders ranks an auction's revealed bids and returns up to limit of
// them, skipping every address in exclude.
func (s *Store) RankRemainingBidders(ctx context.Context, auctionID string, exclude []string, limit int) ([]core.RankedBid, error) {
	return rankRemaining(s.db.WithContext(ctx), auctionID, exclude, limit)
}

func rankRemaining(tx *gorm.DB, auctionID string, exclude []string, limit int) ([]core.RankedBid, error) {
	var revealed []core.Commitment
	err := tx.Where("auction_id = ? AND revealed = ?", auctionID, true).Find(&revealed).Error
	if err != nil {
		return nil, translate(err)
	}
	return core.RemainingCandidates(core.RankRevealedBids(revealed), exclude, limit), nil
}
