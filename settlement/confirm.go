package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/store"
)

// ConfirmPayment marks a settlement paid. Confirming an already paid settlement
// succeeds and changes nothing.
func (s *Service) ConfirmPayment(ctx context.Context, resultID string) (*core.SettlementResult, error) {
	result, err := s.repo.GetSettlement(ctx, resultID)
	if err != nil {
		return nil, notFound(err)
	}
	if result.Status == core.StatusPaid {
		return result, nil
	}
	if !result.Status.Confirmable() {
		return nil, fmt.Errorf("%w: cannot confirm payment from %s", ErrInvalidState, result.Status)
	}

	err = s.repo.MarkPaid(ctx, resultID, result.Status, s.now())
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("failed to mark paid: %w", err)
	}

	updated, getErr := s.repo.GetSettlement(ctx, resultID)
	if getErr != nil {
		return nil, fmt.Errorf("failed to reload settlement: %w", getErr)
	}
	if err != nil {
		// Lost a race: fine if the winner of the race also confirmed payment
		if updated.Status == core.StatusPaid {
			return updated, nil
		}
		return nil, fmt.Errorf("%w: settlement moved to %s", ErrInvalidState, updated.Status)
	}

	s.metrics.transition(string(core.StatusPaid))
	s.logger.Info("payment confirmed",
		"component", "settlement",
		"auction_id", updated.AuctionID,
		"result_id", updated.ID,
		"bidder", updated.WinnerAddress,
		"fallback_winner", updated.IsFallbackWinner,
	)
	return updated, nil
}
