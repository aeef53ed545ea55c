package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/cloudx-io/sealedbid/core"
)

// CreateAuction inserts a new active auction. An empty ID is generated.
func (s *Store) CreateAuction(ctx context.Context, auction *core.Auction) error {
	if auction.ID == "" {
		auction.ID = uuid.NewString()
	}
	if auction.Status == "" {
		auction.Status = core.AuctionStatusActive
	}
	return translate(s.db.WithContext(ctx).Create(auction).Error)
}

func (s *Store) GetAuction(ctx context.Context, id string) (*core.Auction, error) {
	var auction core.Auction
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&auction).Error; err != nil {
		return nil, translate(err)
	}
	return &auction, nil
}

// DueAuctions returns active auctions whose cutoff is before now, oldest cutoff first.
func (s *Store) DueAuctions(ctx context.Context, now time.Time) ([]core.Auction, error) {
	var auctions []core.Auction
	err := s.db.WithContext(ctx).
		Where("status = ? AND cutoff_time < ?", core.AuctionStatusActive, now).
		Order("cutoff_time ASC").
		Order("id ASC").
		Find(&auctions).Error
	if err != nil {
		return nil, translate(err)
	}
	return auctions, nil
}
