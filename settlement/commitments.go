package settlement

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/signing"
	"github.com/cloudx-io/sealedbid/store"
)

// CommitRequest is a sealed bid as signed by the bidder.
type CommitRequest struct {
	AuctionID  string
	Commitment common.Hash
	Nonce      *big.Int
	ExpiresAt  time.Time
	Signature  []byte
}

// RevealRequest opens a commitment.
type RevealRequest struct {
	AuctionID string
	BidAmount decimal.Decimal
	Secret    common.Hash
	Nonce     *big.Int
	Signature []byte
}

// openAuction loads an auction and checks that it still takes bids at now.
func (s *Service) openAuction(ctx context.Context, auctionID string, now time.Time) (*core.Auction, error) {
	auction, err := s.repo.GetAuction(ctx, auctionID)
	if err != nil {
		return nil, notFound(err)
	}
	if !auction.AcceptsBids(now) {
		return nil, ErrAuctionClosed
	}
	return auction, nil
}

// Commit records a sealed bid. The bidder is the recovered signer of the Commit message.
func (s *Service) Commit(ctx context.Context, req CommitRequest) (*core.Commitment, error) {
	now := s.now()
	if _, err := s.openAuction(ctx, req.AuctionID, now); err != nil {
		s.metrics.commitOutcome("rejected")
		return nil, err
	}
	if req.Nonce == nil {
		return nil, fmt.Errorf("%w: nonce is required", ErrInvalidSignature)
	}
	if !req.ExpiresAt.After(now) {
		s.metrics.commitOutcome("invalid_signature")
		return nil, fmt.Errorf("%w: commitment already expired", ErrInvalidSignature)
	}

	signer, err := s.verifier.Recover(signing.CommitMessage{
		Commitment: req.Commitment,
		AuctionID:  req.AuctionID,
		Nonce:      req.Nonce,
		ExpiresAt:  req.ExpiresAt,
	}, req.Signature)
	if err != nil {
		s.metrics.commitOutcome("invalid_signature")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	commitment := &core.Commitment{
		AuctionID:      req.AuctionID,
		BidderAddress:  signer.Hex(),
		CommitmentHash: req.Commitment.Hex(),
		Signature:      hexutil.Encode(req.Signature),
		Nonce:          req.Nonce.String(),
		ExpiresAt:      req.ExpiresAt.UTC(),
	}
	if err := s.repo.InsertCommitment(ctx, commitment); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			s.metrics.commitOutcome("duplicate")
			return nil, ErrDuplicateCommitment
		}
		return nil, fmt.Errorf("failed to store commitment: %w", err)
	}

	s.metrics.commitOutcome("accepted")
	s.logger.Debug("commitment stored",
		"component", "settlement",
		"auction_id", req.AuctionID,
		"bidder", commitment.BidderAddress,
	)
	return commitment, nil
}

// Reveal opens the signer's unrevealed commitment. Every mismatch is reported as
// ErrNoMatchingCommitment so callers cannot tell which check failed.
func (s *Service) Reveal(ctx context.Context, req RevealRequest) (*core.Commitment, error) {
	now := s.now()
	if _, err := s.openAuction(ctx, req.AuctionID, now); err != nil {
		s.metrics.revealOutcome("rejected")
		return nil, err
	}
	if req.Nonce == nil {
		return nil, fmt.Errorf("%w: nonce is required", ErrInvalidSignature)
	}

	signer, err := s.verifier.Recover(signing.RevealMessage{
		AuctionID: req.AuctionID,
		BidAmount: req.BidAmount,
		Secret:    req.Secret,
		Nonce:     req.Nonce,
	}, req.Signature)
	if err != nil {
		s.metrics.revealOutcome("invalid_signature")
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	hash, err := core.ComputeCommitmentHash(req.BidAmount, req.Secret, req.Nonce)
	if err != nil {
		s.metrics.revealOutcome("no_match")
		return nil, ErrNoMatchingCommitment
	}

	revealed, err := s.repo.RevealCommitment(ctx, store.Reveal{
		AuctionID:      req.AuctionID,
		BidderAddress:  signer.Hex(),
		CommitmentHash: hash.Hex(),
		Amount:         req.BidAmount,
		Secret:         req.Secret.Hex(),
		RevealedAt:     now,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.metrics.revealOutcome("no_match")
			return nil, ErrNoMatchingCommitment
		}
		return nil, fmt.Errorf("failed to reveal commitment: %w", err)
	}

	s.metrics.revealOutcome("revealed")
	s.logger.Info("commitment revealed",
		"component", "settlement",
		"auction_id", req.AuctionID,
		"bidder", revealed.BidderAddress,
	)
	return revealed, nil
}
