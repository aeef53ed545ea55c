package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/signing"
)

// BidRequest is an open bid as signed by the bidder.
type BidRequest struct {
	AuctionID     string
	BidderAddress common.Address
	Amount        decimal.Decimal
	AmountUSD     decimal.Decimal
	Encrypted     bool
	Timestamp     time.Time
	Signature     []byte
}

// PlaceBid admits an open bid through the atomic ledger. There is no non-atomic
// fallback: if the ledger fails the bid is refused with ErrValidationUnavailable.
func (s *Service) PlaceBid(ctx context.Context, req BidRequest) (*core.OpenBid, error) {
	now := s.now()
	if _, err := s.openAuction(ctx, req.AuctionID, now); err != nil {
		s.metrics.bidOutcome("rejected")
		return nil, err
	}

	age := now.Sub(req.Timestamp)
	if age > s.cfg.BidSignatureTTL || age < -s.cfg.BidSignatureTTL {
		s.metrics.bidOutcome("invalid_signature")
		return nil, fmt.Errorf("%w: signed timestamp outside %s window", ErrInvalidSignature, s.cfg.BidSignatureTTL)
	}

	err := s.verifier.VerifySigner(signing.BidMessage{
		AuctionID:     req.AuctionID,
		BidderAddress: req.BidderAddress,
		Amount:        req.Amount,
		AmountUSD:     req.AmountUSD,
		Encrypted:     req.Encrypted,
		Timestamp:     req.Timestamp,
	}, req.Signature, req.BidderAddress)
	if err != nil {
		s.metrics.bidOutcome("invalid_signature")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	admitted, err := s.ledger.AdmitBid(ctx, &core.OpenBid{
		AuctionID:     req.AuctionID,
		BidderAddress: req.BidderAddress.Hex(),
		Amount:        core.NewAmount(req.Amount),
		AmountUSD:     core.NewAmount(req.AmountUSD),
		Encrypted:     req.Encrypted,
		Signature:     hexutil.Encode(req.Signature),
	}, s.cfg.Increments)
	if err != nil {
		var tooLow *core.BidTooLowError
		if errors.As(err, &tooLow) {
			s.metrics.bidOutcome("too_low")
			return nil, tooLow
		}
		s.metrics.bidOutcome("unavailable")
		s.logger.Error("bid admission failed",
			"component", "settlement",
			"auction_id", req.AuctionID,
			"error", err,
		)
		return nil, fmt.Errorf("%w: %v", ErrValidationUnavailable, err)
	}

	s.metrics.bidOutcome("admitted")
	return admitted, nil
}

// MinimumNextBid returns the smallest admissible bid over current.
func (s *Service) MinimumNextBid(current decimal.Decimal) decimal.Decimal {
	return s.cfg.Increments.MinimumNextBid(current)
}
