package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/cloudx-io/sealedbid/core"
)

// CloseDueAuctions closes every active auction whose cutoff has passed. Each auction
// that had revealed bids gets exactly one settlement result in pending_payment; the
// rest close with no winner. Re-running the sweep never creates a second result.
func (s *Service) CloseDueAuctions(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	defer func() { s.metrics.observeSweep("close", time.Since(start).Seconds()) }()

	now := s.now()
	auctions, err := s.repo.DueAuctions(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due auctions: %w", err)
	}

	report := &SweepReport{Items: make([]SweepItem, 0, len(auctions))}
	for _, auction := range auctions {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		item := SweepItem{AuctionID: auction.ID}
		var result *core.SettlementResult
		status, err := isolate(func() (string, error) {
			var status string
			var err error
			result, status, err = s.closeAuction(ctx, auction.ID, now)
			return status, err
		})
		item.Status = status
		if result != nil {
			item.ResultID = result.ID
		}
		if err != nil {
			item.Status = ItemError
			item.Error = err.Error()
			s.logger.Error("failed to close auction",
				"component", "closer",
				"auction_id", auction.ID,
				"error", err,
			)
		}
		s.metrics.auctionClosed(item.Status)
		report.add(item)
	}
	return report, nil
}

func (s *Service) closeAuction(ctx context.Context, auctionID string, now time.Time) (*core.SettlementResult, string, error) {
	ranked, err := s.repo.RankRemainingBidders(ctx, auctionID, nil, 1)
	if err != nil {
		return nil, ItemError, fmt.Errorf("failed to rank bids: %w", err)
	}
	var winner *core.RankedBid
	if len(ranked) > 0 {
		winner = &ranked[0]
	}

	result, created, err := s.repo.CloseAuction(ctx, auctionID, winner, now.Add(s.cfg.PaymentWindow), now)
	if err != nil {
		return nil, ItemError, fmt.Errorf("failed to close auction: %w", err)
	}

	switch {
	case created:
		s.metrics.transition(string(core.StatusPendingPayment))
		s.logger.Info("auction settled",
			"component", "closer",
			"auction_id", auctionID,
			"result_id", result.ID,
			"bidder", result.WinnerAddress,
			"amount", result.WinningAmount.String(),
			"payment_deadline", result.PaymentDeadline,
		)
		return result, ItemSettled, nil
	case result != nil:
		return result, ItemAlreadySettled, nil
	default:
		s.logger.Info("auction closed with no winner", "component", "closer", "auction_id", auctionID)
		return nil, ItemNoWinner, nil
	}
}
