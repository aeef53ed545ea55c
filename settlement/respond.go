package settlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/signing"
	"github.com/cloudx-io/sealedbid/store"
)

// Response values a fallback bidder may send.
const (
	ResponseAccept = "accepted"
	ResponseReject = "rejected"
)

// RespondRequest is a fallback bidder's answer to an offer.
type RespondRequest struct {
	ResultID      string
	FallbackLogID string
	Response      string
	BidderAddress string
	// Signature is an EIP-712 FallbackResponse signature by BidderAddress.
	Signature []byte
}

// RespondOutcome is the settlement state after a response was applied.
type RespondOutcome struct {
	Result *core.SettlementResult
	Entry  *core.FallbackLogEntry
	// Cascade is the status reached by the follow-up cascade step of a rejection or expiry.
	Cascade string
}

// Respond applies an offered bidder's answer. A response after the offer expired is
// handled like a rejection and reported as ErrOfferExpired along with the outcome.
func (s *Service) Respond(ctx context.Context, req RespondRequest) (*RespondOutcome, error) {
	if req.Response != ResponseAccept && req.Response != ResponseReject {
		return nil, ErrInvalidResponse
	}
	bidder := common.HexToAddress(req.BidderAddress)
	err := s.verifier.VerifySigner(signing.FallbackResponseMessage{
		ResultID:      req.ResultID,
		FallbackLogID: req.FallbackLogID,
		Response:      req.Response,
		Bidder:        bidder,
	}, req.Signature, bidder)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	result, err := s.repo.GetSettlement(ctx, req.ResultID)
	if err != nil {
		return nil, notFound(err)
	}
	entry, err := s.repo.GetFallbackLogEntry(ctx, req.ResultID, req.FallbackLogID)
	if err != nil {
		return nil, notFound(err)
	}
	if !signing.SameAddress(req.BidderAddress, result.WinnerAddress) ||
		!signing.SameAddress(req.BidderAddress, entry.FallbackBidderAddress) {
		return nil, ErrForbidden
	}
	if result.Status != core.StatusFallbackOffered || entry.ResponseStatus != core.ResponsePending {
		return nil, fmt.Errorf("%w: offer already answered (settlement %s)", ErrInvalidState, result.Status)
	}

	now := s.now()
	if now.After(entry.OfferExpiresAt) {
		status, err := s.decline(ctx, result, entry, core.ResponseExpired, core.ReasonFallbackOfferExpired, now)
		if err != nil {
			return nil, err
		}
		outcome, err := s.respondOutcome(ctx, req, status)
		if err != nil {
			return nil, err
		}
		return outcome, ErrOfferExpired
	}

	if req.Response == ResponseAccept {
		err := s.repo.AcceptFallback(ctx, result.ID, entry.ID, now)
		if errors.Is(err, store.ErrConflict) {
			return nil, fmt.Errorf("%w: offer no longer pending", ErrInvalidState)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to accept fallback: %w", err)
		}
		s.metrics.transition(string(core.StatusFallbackAccepted))
		s.logger.Info("fallback accepted",
			"component", "fallback",
			"auction_id", result.AuctionID,
			"result_id", result.ID,
			"bidder", entry.FallbackBidderAddress,
		)
		return s.respondOutcome(ctx, req, "")
	}

	status, err := s.decline(ctx, result, entry, core.ResponseRejected, core.ReasonFallbackRejected, now)
	if err != nil {
		return nil, err
	}
	if status == ItemSkipped {
		return nil, fmt.Errorf("%w: offer no longer pending", ErrInvalidState)
	}
	return s.respondOutcome(ctx, req, status)
}

func (s *Service) respondOutcome(ctx context.Context, req RespondRequest, cascade string) (*RespondOutcome, error) {
	result, err := s.repo.GetSettlement(ctx, req.ResultID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload settlement: %w", err)
	}
	entry, err := s.repo.GetFallbackLogEntry(ctx, req.ResultID, req.FallbackLogID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload fallback log: %w", err)
	}
	return &RespondOutcome{Result: result, Entry: entry, Cascade: cascade}, nil
}
