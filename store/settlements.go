package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/cloudx-io/sealedbid/core"
)

// CloseAuction closes an auction and, when winner is non-nil, creates its settlement
// result in pending_payment. The auction is marked closed on every path. If a result
// already exists it is returned with created=false and no row is inserted.
func (s *Store) CloseAuction(ctx context.Context, auctionID string, winner *core.RankedBid, paymentDeadline, now time.Time) (result *core.SettlementResult, created bool, err error) {
	err = s.transaction(ctx, func(tx *gorm.DB) error {
		var auction core.Auction
		if err := forUpdate(tx).Where("id = ?", auctionID).First(&auction).Error; err != nil {
			return err
		}

		var existing core.SettlementResult
		err := tx.Where("auction_id = ?", auctionID).First(&existing).Error
		switch {
		case err == nil:
			result = &existing
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		case winner != nil:
			result = &core.SettlementResult{
				ID:              uuid.NewString(),
				AuctionID:       auctionID,
				WinnerAddress:   winner.BidderAddress,
				WinningAmount:   core.NewAmount(winner.Amount),
				CommitmentID:    winner.CommitmentID,
				Status:          core.StatusPendingPayment,
				PaymentDeadline: paymentDeadline,
			}
			if err := tx.Create(result).Error; err != nil {
				return err
			}
			created = true
		}

		if auction.Status == core.AuctionStatusClosed {
			return nil
		}
		return tx.Model(&core.Auction{}).
			Where("id = ?", auctionID).
			Updates(map[string]any{"status": core.AuctionStatusClosed, "closed_at": now}).Error
	})
	if err != nil {
		return nil, false, translate(err)
	}
	return result, created, nil
}

func (s *Store) GetSettlement(ctx context.Context, id string) (*core.SettlementResult, error) {
	var result core.SettlementResult
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&result).Error; err != nil {
		return nil, translate(err)
	}
	return &result, nil
}

func (s *Store) GetSettlementByAuction(ctx context.Context, auctionID string) (*core.SettlementResult, error) {
	var result core.SettlementResult
	if err := s.db.WithContext(ctx).Where("auction_id = ?", auctionID).First(&result).Error; err != nil {
		return nil, translate(err)
	}
	return &result, nil
}

// OverduePayments returns results awaiting payment whose deadline is before now.
func (s *Store) OverduePayments(ctx context.Context, now time.Time) ([]core.SettlementResult, error) {
	var results []core.SettlementResult
	err := s.db.WithContext(ctx).
		Where("status IN ? AND payment_deadline < ?",
			[]core.SettlementStatus{core.StatusPendingPayment, core.StatusFallbackAccepted}, now).
		Order("payment_deadline ASC").
		Find(&results).Error
	return results, translate(err)
}

// StalledCascades returns results left in failed_payment by an interrupted cascade.
func (s *Store) StalledCascades(ctx context.Context) ([]core.SettlementResult, error) {
	var results []core.SettlementResult
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusFailedPayment).
		Order("updated_at ASC").
		Find(&results).Error
	return results, translate(err)
}

// UnansweredOffers returns fallback_offered results whose current offer expired with no response.
func (s *Store) UnansweredOffers(ctx context.Context, now time.Time) ([]core.SettlementResult, error) {
	var results []core.SettlementResult
	err := s.db.WithContext(ctx).
		Joins("JOIN auction_fallback_log ON auction_fallback_log.auction_result_id = auction_results.id AND auction_fallback_log.attempt = auction_results.fallback_count").
		Where("auction_results.status = ? AND auction_fallback_log.response_status = ? AND auction_fallback_log.offer_expires_at < ?",
			core.StatusFallbackOffered, core.ResponsePending, now).
		Order("auction_fallback_log.offer_expires_at ASC").
		Find(&results).Error
	return results, translate(err)
}

// FailPayment moves a result from the given status to failed_payment. When the result
// was fallback_accepted, the accepted offer's log entry is closed as failed.
func (s *Store) FailPayment(ctx context.Context, resultID string, from core.SettlementStatus, reason string, now time.Time) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		update := tx.Model(&core.SettlementResult{}).
			Where("id = ? AND status = ?", resultID, from).
			Updates(map[string]any{
				"status":             core.StatusFailedPayment,
				"fallback_reason":    reason,
				"fallback_timestamp": now,
			})
		if err := expectOne(update); err != nil {
			return err
		}
		if from != core.StatusFallbackAccepted {
			return nil
		}
		return tx.Model(&core.FallbackLogEntry{}).
			Where("auction_result_id = ? AND final_status = ?", resultID, core.FinalPending).
			Update("final_status", core.FinalFailed).Error
	})
}

// ExhaustFallbacks marks a failed_payment result terminal.
func (s *Store) ExhaustFallbacks(ctx context.Context, resultID, reason string, now time.Time) error {
	update := s.db.WithContext(ctx).Model(&core.SettlementResult{}).
		Where("id = ? AND status = ?", resultID, core.StatusFailedPayment).
		Updates(map[string]any{
			"status":             core.StatusFailedAllFallbacks,
			"fallback_reason":    reason,
			"fallback_timestamp": now,
		})
	return expectOne(update)
}

// Offer is one cascade step: the candidate to offer and the deadlines attached to it.
type Offer struct {
	ResultID        string
	ExpectedCount   int
	MaxAttempts     int
	Candidate       core.RankedBid
	OfferExpiresAt  time.Time
	PaymentDeadline time.Time
}

// OfferFallback writes a cascade step atomically: it inserts the log entry for attempt
// ExpectedCount+1 and moves the result to the candidate in fallback_offered. The result
// must still be failed_payment with fallback_count == ExpectedCount, otherwise ErrConflict.
// ErrAttemptLimit is returned when the step would exceed MaxAttempts.
func (s *Store) OfferFallback(ctx context.Context, offer Offer) (*core.FallbackLogEntry, error) {
	var entry core.FallbackLogEntry
	err := s.transaction(ctx, func(tx *gorm.DB) error {
		var result core.SettlementResult
		if err := forUpdate(tx).Where("id = ?", offer.ResultID).First(&result).Error; err != nil {
			return err
		}
		if result.Status != core.StatusFailedPayment || result.FallbackCount != offer.ExpectedCount {
			return ErrConflict
		}
		if result.FallbackCount >= offer.MaxAttempts {
			return ErrAttemptLimit
		}

		entry = core.FallbackLogEntry{
			ID:                    uuid.NewString(),
			AuctionID:             result.AuctionID,
			AuctionResultID:       result.ID,
			Attempt:               result.FallbackCount + 1,
			PreviousWinnerAddress: result.WinnerAddress,
			FallbackBidderAddress: offer.Candidate.BidderAddress,
			FallbackAmount:        core.NewAmount(offer.Candidate.Amount),
			FallbackCommitmentID:  offer.Candidate.CommitmentID,
			OfferExpiresAt:        offer.OfferExpiresAt,
			PaymentDeadline:       offer.PaymentDeadline,
			ResponseStatus:        core.ResponsePending,
			FinalStatus:           core.FinalPending,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		update := tx.Model(&core.SettlementResult{}).
			Where("id = ? AND status = ? AND fallback_count = ?", result.ID, core.StatusFailedPayment, offer.ExpectedCount).
			Updates(map[string]any{
				"winner_address":          offer.Candidate.BidderAddress,
				"winning_amount":          offer.Candidate.Amount,
				"commitment_id":           offer.Candidate.CommitmentID,
				"fallback_count":          offer.ExpectedCount + 1,
				"is_fallback_winner":      true,
				"previous_winner_address": result.WinnerAddress,
				"status":                  core.StatusFallbackOffered,
				"payment_deadline":        offer.PaymentDeadline,
			})
		return expectOne(update)
	})
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}

// AcceptFallback records an acceptance of the pending offer.
func (s *Store) AcceptFallback(ctx context.Context, resultID, logID string, now time.Time) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		logUpdate := tx.Model(&core.FallbackLogEntry{}).
			Where("id = ? AND auction_result_id = ? AND response_status = ?", logID, resultID, core.ResponsePending).
			Updates(map[string]any{
				"response_status":    core.ResponseAccepted,
				"response_timestamp": now,
			})
		if err := expectOne(logUpdate); err != nil {
			return err
		}
		return expectOne(tx.Model(&core.SettlementResult{}).
			Where("id = ? AND status = ?", resultID, core.StatusFallbackOffered).
			Update("status", core.StatusFallbackAccepted))
	})
}

// DeclineFallback closes the pending offer as rejected or expired and moves the
// result back to failed_payment so the next cascade step can run.
func (s *Store) DeclineFallback(ctx context.Context, resultID, logID string, response core.ResponseStatus, reason string, now time.Time) error {
	final := core.FinalRejected
	if response == core.ResponseExpired {
		final = core.FinalExpired
	}
	return s.transaction(ctx, func(tx *gorm.DB) error {
		logUpdate := tx.Model(&core.FallbackLogEntry{}).
			Where("id = ? AND auction_result_id = ? AND response_status = ?", logID, resultID, core.ResponsePending).
			Updates(map[string]any{
				"response_status":    response,
				"response_timestamp": now,
				"final_status":       final,
			})
		if err := expectOne(logUpdate); err != nil {
			return err
		}
		return expectOne(tx.Model(&core.SettlementResult{}).
			Where("id = ? AND status = ?", resultID, core.StatusFallbackOffered).
			Updates(map[string]any{
				"status":             core.StatusFailedPayment,
				"fallback_reason":    reason,
				"fallback_timestamp": now,
			}))
	})
}

// MarkPaid moves a result from the given status to paid. For fallback winners the most
// recent pending log entry is closed as paid in the same transaction.
func (s *Store) MarkPaid(ctx context.Context, resultID string, from core.SettlementStatus, now time.Time) error {
	return s.transaction(ctx, func(tx *gorm.DB) error {
		var result core.SettlementResult
		if err := forUpdate(tx).Where("id = ?", resultID).First(&result).Error; err != nil {
			return err
		}
		update := tx.Model(&core.SettlementResult{}).
			Where("id = ? AND status = ?", resultID, from).
			Updates(map[string]any{
				"status":              core.StatusPaid,
				"payment_received_at": now,
			})
		if err := expectOne(update); err != nil {
			return err
		}
		if !result.IsFallbackWinner {
			return nil
		}

		var entry core.FallbackLogEntry
		err := tx.Where("auction_result_id = ? AND final_status = ?", resultID, core.FinalPending).
			Order("attempt DESC").
			First(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.Model(&entry).Updates(map[string]any{
			"payment_received_at": now,
			"final_status":        core.FinalPaid,
			"response_status":     core.ResponseAccepted,
		}).Error
	})
}

// FallbackLog returns a result's cascade attempts in order.
func (s *Store) FallbackLog(ctx context.Context, resultID string) ([]core.FallbackLogEntry, error) {
	var entries []core.FallbackLogEntry
	err := s.db.WithContext(ctx).
		Where("auction_result_id = ?", resultID).
		Order("attempt ASC").
		Find(&entries).Error
	return entries, translate(err)
}

func (s *Store) GetFallbackLogEntry(ctx context.Context, resultID, logID string) (*core.FallbackLogEntry, error) {
	var entry core.FallbackLogEntry
	err := s.db.WithContext(ctx).
		Where("id = ? AND auction_result_id = ?", logID, resultID).
		First(&entry).Error
	if err != nil {
		return nil, translate(err)
	}
	return &entry, nil
}
