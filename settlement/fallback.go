package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/store"
)

// RunFallbackSweep drives the payment fallback cascade. In one pass it:
//  1. fails pending_payment and fallback_accepted results whose payment deadline passed
//  2. expires fallback offers that were never answered
//  3. resumes results left in failed_payment by an interrupted step
//
// and offers each failed result to the next-ranked bidder. Errors are recorded per item.
func (s *Service) RunFallbackSweep(ctx context.Context) (*SweepReport, error) {
	start := time.Now()
	defer func() { s.metrics.observeSweep("fallback", time.Since(start).Seconds()) }()

	now := s.now()
	report := &SweepReport{}
	processed := make(map[string]struct{})

	overdue, err := s.repo.OverduePayments(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list overdue payments: %w", err)
	}
	for _, result := range overdue {
		s.sweepItem(ctx, report, processed, result, func() (string, error) {
			return s.failAndCascade(ctx, result, now)
		})
	}

	unanswered, err := s.repo.UnansweredOffers(ctx, now)
	if err != nil {
		return report, fmt.Errorf("failed to list unanswered offers: %w", err)
	}
	for _, result := range unanswered {
		s.sweepItem(ctx, report, processed, result, func() (string, error) {
			return s.expireAndCascade(ctx, result, now)
		})
	}

	stalled, err := s.repo.StalledCascades(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list stalled cascades: %w", err)
	}
	for _, result := range stalled {
		s.sweepItem(ctx, report, processed, result, func() (string, error) {
			return s.cascade(ctx, result.ID, now)
		})
	}
	return report, nil
}

func (s *Service) sweepItem(ctx context.Context, report *SweepReport, processed map[string]struct{}, result core.SettlementResult, fn func() (string, error)) {
	if _, done := processed[result.ID]; done || ctx.Err() != nil {
		return
	}
	processed[result.ID] = struct{}{}

	item := SweepItem{AuctionID: result.AuctionID, ResultID: result.ID}
	status, err := isolate(fn)
	item.Status = status
	if err != nil {
		item.Status = ItemError
		item.Error = err.Error()
		s.logger.Error("fallback step failed",
			"component", "fallback",
			"auction_id", result.AuctionID,
			"result_id", result.ID,
			"error", err,
		)
	}
	report.add(item)
}

// failAndCascade marks an overdue result failed_payment and offers it onwards.
func (s *Service) failAndCascade(ctx context.Context, result core.SettlementResult, now time.Time) (string, error) {
	err := s.repo.FailPayment(ctx, result.ID, result.Status, core.ReasonPaymentTimeout, now)
	if errors.Is(err, store.ErrConflict) {
		return ItemSkipped, nil
	}
	if err != nil {
		return ItemError, fmt.Errorf("failed to mark payment failed: %w", err)
	}
	s.metrics.transition(string(core.StatusFailedPayment))
	s.logger.Info("payment deadline missed",
		"component", "fallback",
		"auction_id", result.AuctionID,
		"result_id", result.ID,
		"bidder", result.WinnerAddress,
	)
	return s.cascade(ctx, result.ID, now)
}

// expireAndCascade closes the current unanswered offer as expired and offers onwards.
func (s *Service) expireAndCascade(ctx context.Context, result core.SettlementResult, now time.Time) (string, error) {
	entry, err := s.currentOffer(ctx, &result)
	if err != nil {
		return ItemError, err
	}
	return s.decline(ctx, &result, entry, core.ResponseExpired, core.ReasonFallbackOfferExpired, now)
}

// currentOffer returns the log entry of the result's current cascade attempt.
func (s *Service) currentOffer(ctx context.Context, result *core.SettlementResult) (*core.FallbackLogEntry, error) {
	entries, err := s.repo.FallbackLog(ctx, result.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback log: %w", err)
	}
	for i := range entries {
		if entries[i].Attempt == result.FallbackCount {
			return &entries[i], nil
		}
	}
	return nil, fmt.Errorf("no fallback log entry for attempt %d", result.FallbackCount)
}

// decline records a rejected or expired offer and runs the next cascade step.
func (s *Service) decline(ctx context.Context, result *core.SettlementResult, entry *core.FallbackLogEntry, response core.ResponseStatus, reason string, now time.Time) (string, error) {
	err := s.repo.DeclineFallback(ctx, result.ID, entry.ID, response, reason, now)
	if errors.Is(err, store.ErrConflict) {
		return ItemSkipped, nil
	}
	if err != nil {
		return ItemError, fmt.Errorf("failed to record %s offer: %w", response, err)
	}
	s.metrics.transition(string(core.StatusFailedPayment))
	s.logger.Info("fallback offer declined",
		"component", "fallback",
		"auction_id", result.AuctionID,
		"result_id", result.ID,
		"bidder", entry.FallbackBidderAddress,
		"response", string(response),
	)
	return s.cascade(ctx, result.ID, now)
}

// cascade performs one step on a failed_payment result: offer the sale to the best
// remaining bidder, or mark it failed_all_fallbacks when attempts or bidders run out.
// Results in any other status are left alone.
func (s *Service) cascade(ctx context.Context, resultID string, now time.Time) (string, error) {
	result, err := s.repo.GetSettlement(ctx, resultID)
	if err != nil {
		return ItemError, fmt.Errorf("failed to load settlement: %w", err)
	}
	if result.Status != core.StatusFailedPayment {
		return ItemSkipped, nil
	}

	maxAttempts := s.cfg.MaxFallbackAttempts
	if result.FallbackCount >= maxAttempts {
		return s.exhaust(ctx, result, core.ReasonMaxAttemptsReached, now)
	}

	exclude, err := s.excludedBidders(ctx, result)
	if err != nil {
		return ItemError, err
	}
	candidates, err := s.repo.RankRemainingBidders(ctx, result.AuctionID, exclude, maxAttempts)
	if err != nil {
		return ItemError, fmt.Errorf("failed to rank remaining bidders: %w", err)
	}
	if len(candidates) == 0 {
		return s.exhaust(ctx, result, core.ReasonNoEligibleBidders, now)
	}

	// The store re-checks the attempt limit inside the offer transaction
	candidate := candidates[0]
	entry, err := s.repo.OfferFallback(ctx, store.Offer{
		ResultID:        result.ID,
		ExpectedCount:   result.FallbackCount,
		MaxAttempts:     maxAttempts,
		Candidate:       candidate,
		OfferExpiresAt:  now.Add(s.cfg.FallbackOfferWindow),
		PaymentDeadline: now.Add(s.cfg.FallbackPaymentWindow),
	})
	if errors.Is(err, store.ErrAttemptLimit) {
		return s.exhaust(ctx, result, core.ReasonMaxAttemptsReached, now)
	}
	if errors.Is(err, store.ErrConflict) {
		return ItemSkipped, nil
	}
	if err != nil {
		return ItemError, fmt.Errorf("failed to offer fallback: %w", err)
	}

	s.metrics.offerMade()
	s.metrics.transition(string(core.StatusFallbackOffered))
	s.logger.Info("fallback offered",
		"component", "fallback",
		"auction_id", result.AuctionID,
		"result_id", result.ID,
		"bidder", candidate.BidderAddress,
		"amount", candidate.Amount.String(),
		"attempt", entry.Attempt,
	)

	offer := core.FallbackOffer{
		AuctionID:       result.AuctionID,
		AuctionResultID: result.ID,
		FallbackLogID:   entry.ID,
		BidderAddress:   entry.FallbackBidderAddress,
		Amount:          entry.FallbackAmount.Decimal,
		Attempt:         entry.Attempt,
		OfferExpiresAt:  entry.OfferExpiresAt,
		PaymentDeadline: entry.PaymentDeadline,
	}
	if err := s.notifier.NotifyFallbackOffer(ctx, offer); err != nil {
		s.metrics.notifyFailed()
		s.logger.Warn("failed to notify fallback bidder",
			"component", "fallback",
			"auction_id", result.AuctionID,
			"result_id", result.ID,
			"bidder", offer.BidderAddress,
			"error", err,
		)
	}
	return string(core.StatusFallbackOffered), nil
}

func (s *Service) exhaust(ctx context.Context, result *core.SettlementResult, reason string, now time.Time) (string, error) {
	err := s.repo.ExhaustFallbacks(ctx, result.ID, reason, now)
	if errors.Is(err, store.ErrConflict) {
		return ItemSkipped, nil
	}
	if err != nil {
		return ItemError, fmt.Errorf("failed to mark fallbacks exhausted: %w", err)
	}
	s.metrics.transition(string(core.StatusFailedAllFallbacks))
	s.logger.Info("fallbacks exhausted",
		"component", "fallback",
		"auction_id", result.AuctionID,
		"result_id", result.ID,
		"reason", reason,
		"fallback_count", result.FallbackCount,
	)
	return string(core.StatusFailedAllFallbacks), nil
}

// excludedBidders returns the original winner and every bidder already offered the sale.
func (s *Service) excludedBidders(ctx context.Context, result *core.SettlementResult) ([]string, error) {
	entries, err := s.repo.FallbackLog(ctx, result.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback log: %w", err)
	}
	exclude := make([]string, 0, 2*len(entries)+2)
	exclude = append(exclude, result.WinnerAddress, result.PreviousWinnerAddress)
	for _, entry := range entries {
		exclude = append(exclude, entry.PreviousWinnerAddress, entry.FallbackBidderAddress)
	}
	return exclude, nil
}
