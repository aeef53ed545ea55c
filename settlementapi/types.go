// Package settlementapi holds the JSON wire types of the settlement HTTP API and the
// encodings of signed settlement receipts.
package settlementapi

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/core"
)

// CreateAuctionRequest registers a ticket sale.
type CreateAuctionRequest struct {
	TicketID   string    `json:"ticket_id"`
	CutoffTime time.Time `json:"cutoff_time"`
}

// CommitRequest carries a sealed bid. Hex fields are 0x-prefixed; Nonce is a decimal
// uint256 and ExpiresAt unix seconds, exactly as signed.
type CommitRequest struct {
	Commitment string `json:"commitment"`
	Nonce      string `json:"nonce"`
	ExpiresAt  int64  `json:"expires_at"`
	Signature  string `json:"signature"`
}

// RevealRequest opens a commitment. BidAmount is a decimal ETH amount.
type RevealRequest struct {
	BidAmount string `json:"bid_amount"`
	Secret    string `json:"secret"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// BidRequest is an open bid. Timestamp is unix seconds, as signed.
type BidRequest struct {
	BidderAddress string `json:"bidder_address"`
	Amount        string `json:"amount"`
	AmountUSD     string `json:"amount_usd"`
	Encrypted     bool   `json:"encrypted"`
	Timestamp     int64  `json:"timestamp"`
	Signature     string `json:"signature"`
}

// BidResponse reports an admitted bid and the next admissible amount.
type BidResponse struct {
	Bid        *core.OpenBid   `json:"bid"`
	MinimumBid decimal.Decimal `json:"minimum_bid"`
}

// CommitmentResponse is returned by commit and reveal.
type CommitmentResponse struct {
	Commitment *core.Commitment `json:"commitment"`
}

// RespondRequest is a fallback bidder's answer, "accepted" or "rejected", signed as
// an EIP-712 FallbackResponse over the settlement ID, fallback log ID, response and bidder.
type RespondRequest struct {
	Response      string `json:"response"`
	BidderAddress string `json:"bidder_address"`
	Signature     string `json:"signature"`
}

// RespondResponse is the settlement state after a fallback response.
type RespondResponse struct {
	Result  *core.SettlementResult `json:"result"`
	Entry   *core.FallbackLogEntry `json:"fallback_entry"`
	Cascade string                 `json:"cascade,omitempty"`
	Expired bool                   `json:"expired,omitempty"`
}

// SettlementResponse is a settlement result with its fallback history.
type SettlementResponse struct {
	Result      *core.SettlementResult  `json:"result"`
	FallbackLog []core.FallbackLogEntry `json:"fallback_log"`
	// Final is set once the settlement can no longer change.
	Final bool `json:"final"`
}

// ReceiptResponse carries a signed receipt and the key that verifies it.
type ReceiptResponse struct {
	ReceiptCOSEBase64 ReceiptCOSEBase64 `json:"receipt_cose_base64"`
	ReceiptGzip       ReceiptCOSEGzip   `json:"receipt_gzip"`
	PublicKey         string            `json:"public_key"`
}

// ErrorResponse is the body of failed requests. An expired fallback offer answers
// 410 with a RespondResponse instead.
type ErrorResponse struct {
	Error      string           `json:"error"`
	Code       string           `json:"code"`
	MinimumBid *decimal.Decimal `json:"minimum_bid,omitempty"`
}

// HealthResponse is returned by the liveness endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}
