// Package parsing converts settlementapi wire values into typed settlement requests.
package parsing

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/settlement"
	"github.com/cloudx-io/sealedbid/settlementapi"
)

// ErrMalformed marks a request field that could not be parsed.
var ErrMalformed = errors.New("malformed request")

func malformed(field string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrMalformed, field, err)
}

// Hash parses a 0x-prefixed 32-byte hex value.
func Hash(field, s string) (common.Hash, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, malformed(field, err)
	}
	if len(raw) != common.HashLength {
		return common.Hash{}, malformed(field, fmt.Errorf("expected %d bytes, got %d", common.HashLength, len(raw)))
	}
	return common.BytesToHash(raw), nil
}

// Address parses a 0x-prefixed Ethereum address in any letter case.
func Address(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, malformed(field, fmt.Errorf("invalid address %q", s))
	}
	return common.HexToAddress(s), nil
}

// Uint256 parses a non-negative decimal integer that fits in 256 bits.
func Uint256(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, malformed(field, fmt.Errorf("invalid integer %q", s))
	}
	if n.Sign() < 0 || n.BitLen() > 256 {
		return nil, malformed(field, fmt.Errorf("%q is out of uint256 range", s))
	}
	return n, nil
}

// Amount parses a non-negative decimal amount.
func Amount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, malformed(field, err)
	}
	if d.IsNegative() {
		return decimal.Decimal{}, malformed(field, errors.New("must not be negative"))
	}
	return d, nil
}

// Signature parses a 0x-prefixed 65-byte signature.
func Signature(s string) ([]byte, error) {
	raw, err := hexutil.Decode(s)
	if err != nil {
		return nil, malformed("signature", err)
	}
	if len(raw) != 65 {
		return nil, malformed("signature", fmt.Errorf("expected 65 bytes, got %d", len(raw)))
	}
	return raw, nil
}

// Unix converts positive unix seconds to a UTC time.
func Unix(field string, seconds int64) (time.Time, error) {
	if seconds <= 0 {
		return time.Time{}, malformed(field, errors.New("must be positive unix seconds"))
	}
	return time.Unix(seconds, 0).UTC(), nil
}

// CommitRequest builds the typed commit for auctionID.
func CommitRequest(auctionID string, req settlementapi.CommitRequest) (settlement.CommitRequest, error) {
	var out settlement.CommitRequest
	var err error
	out.AuctionID = auctionID
	if out.Commitment, err = Hash("commitment", req.Commitment); err != nil {
		return out, err
	}
	if out.Nonce, err = Uint256("nonce", req.Nonce); err != nil {
		return out, err
	}
	if out.ExpiresAt, err = Unix("expires_at", req.ExpiresAt); err != nil {
		return out, err
	}
	out.Signature, err = Signature(req.Signature)
	return out, err
}

// RevealRequest builds the typed reveal for auctionID.
func RevealRequest(auctionID string, req settlementapi.RevealRequest) (settlement.RevealRequest, error) {
	var out settlement.RevealRequest
	var err error
	out.AuctionID = auctionID
	if out.BidAmount, err = Amount("bid_amount", req.BidAmount); err != nil {
		return out, err
	}
	if out.Secret, err = Hash("secret", req.Secret); err != nil {
		return out, err
	}
	if out.Nonce, err = Uint256("nonce", req.Nonce); err != nil {
		return out, err
	}
	out.Signature, err = Signature(req.Signature)
	return out, err
}

// BidRequest builds the typed open bid for auctionID.
func BidRequest(auctionID string, req settlementapi.BidRequest) (settlement.BidRequest, error) {
	var out settlement.BidRequest
	var err error
	out.AuctionID = auctionID
	out.Encrypted = req.Encrypted
	if out.BidderAddress, err = Address("bidder_address", req.BidderAddress); err != nil {
		return out, err
	}
	if out.Amount, err = Amount("amount", req.Amount); err != nil {
		return out, err
	}
	if out.AmountUSD, err = Amount("amount_usd", req.AmountUSD); err != nil {
		return out, err
	}
	if out.Timestamp, err = Unix("timestamp", req.Timestamp); err != nil {
		return out, err
	}
	out.Signature, err = Signature(req.Signature)
	return out, err
}

// RespondRequest builds the typed fallback response.
func RespondRequest(resultID, logID string, req settlementapi.RespondRequest) (settlement.RespondRequest, error) {
	addr, err := Address("bidder_address", req.BidderAddress)
	if err != nil {
		return settlement.RespondRequest{}, err
	}
	sig, err := Signature(req.Signature)
	if err != nil {
		return settlement.RespondRequest{}, err
	}
	return settlement.RespondRequest{
		ResultID:      resultID,
		FallbackLogID: logID,
		Response:      req.Response,
		BidderAddress: addr.Hex(),
		Signature:     sig,
	}, nil
}
