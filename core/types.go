package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// AuctionStatus is the lifecycle state of an auction.
type AuctionStatus string

const (
	AuctionStatusActive AuctionStatus = "active"
	AuctionStatusClosed AuctionStatus = "closed"
)

// SettlementStatus is the state of a SettlementResult. See transitions.go for the allowed moves.
type SettlementStatus string

const (
	StatusPendingPayment     SettlementStatus = "pending_payment"
	StatusPaid               SettlementStatus = "paid"
	StatusFailedPayment      SettlementStatus = "failed_payment"
	StatusFallbackOffered    SettlementStatus = "fallback_offered"
	StatusFallbackAccepted   SettlementStatus = "fallback_accepted"
	StatusFailedAllFallbacks SettlementStatus = "failed_all_fallbacks"
)

// ResponseStatus records how an offered fallback bidder answered.
type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "pending"
	ResponseAccepted ResponseStatus = "accepted"
	ResponseRejected ResponseStatus = "rejected"
	ResponseExpired  ResponseStatus = "expired"
)

// FinalStatus is the outcome of a single cascade attempt.
type FinalStatus string

const (
	FinalPending  FinalStatus = "pending"
	FinalPaid     FinalStatus = "paid"
	FinalRejected FinalStatus = "rejected"
	FinalExpired  FinalStatus = "expired"
	FinalFailed   FinalStatus = "failed"
)

// Fallback reasons recorded on SettlementResult.FallbackReason.
const (
	ReasonPaymentTimeout       = "payment_timeout"
	ReasonFallbackRejected     = "fallback_rejected"
	ReasonFallbackOfferExpired = "fallback_offer_expired"
	ReasonNoEligibleBidders    = "no_eligible_bidders"
	ReasonMaxAttemptsReached   = "max_fallback_attempts_reached"
)

// Auction is a single ticket sale. Status moves active -> closed exactly once, via the closer.
type Auction struct {
	ID         string        `json:"id" gorm:"primaryKey;size:36"`
	TicketID   string        `json:"ticket_id" gorm:"size:128;not null"`
	CutoffTime time.Time     `json:"cutoff_time" gorm:"not null;index:idx_auction_status_cutoff,priority:2"`
	Status     AuctionStatus `json:"status" gorm:"size:16;not null;index:idx_auction_status_cutoff,priority:1"`
	ClosedAt   *time.Time    `json:"closed_at,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

func (Auction) TableName() string {
	return "auctions"
}

// AcceptsBids reports whether commits, reveals and open bids may still be recorded at now.
func (a *Auction) AcceptsBids(now time.Time) bool {
	return a.Status == AuctionStatusActive && now.Before(a.CutoffTime)
}

// Commitment is a sealed bid. It is mutated once, on reveal.
type Commitment struct {
	ID             string     `json:"id" gorm:"primaryKey;size:36"`
	AuctionID      string     `json:"auction_id" gorm:"size:36;not null;uniqueIndex:idx_commitment_bidder,priority:1"`
	BidderAddress  string     `json:"bidder_address" gorm:"size:42;not null;uniqueIndex:idx_commitment_bidder,priority:2"`
	CommitmentHash string     `json:"commitment" gorm:"size:66;not null;index"`
	Signature      string     `json:"signature" gorm:"size:132;not null"`
	Nonce          string     `json:"nonce" gorm:"size:78;not null"`
	ExpiresAt      time.Time  `json:"expires_at" gorm:"not null"`
	Revealed       bool       `json:"revealed" gorm:"not null;default:false"`
	RevealedAmount NullAmount `json:"revealed_amount"`
	RevealSecret   string     `json:"reveal_secret,omitempty" gorm:"size:66"`
	RevealedAt     *time.Time `json:"revealed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func (Commitment) TableName() string {
	return "bid_commitments"
}

// OpenBid is a bid in the non-blind lane. A re-bid by the same bidder updates the row in place.
type OpenBid struct {
	ID            string    `json:"id" gorm:"primaryKey;size:36"`
	AuctionID     string    `json:"auction_id" gorm:"size:36;not null;uniqueIndex:idx_open_bid_bidder,priority:1"`
	BidderAddress string    `json:"bidder_address" gorm:"size:42;not null;uniqueIndex:idx_open_bid_bidder,priority:2"`
	Amount        Amount    `json:"amount" gorm:"not null"`
	AmountUSD     Amount    `json:"amount_usd" gorm:"not null"`
	Encrypted     bool      `json:"encrypted" gorm:"not null;default:false"`
	Signature     string    `json:"signature" gorm:"size:132"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (OpenBid) TableName() string {
	return "bids"
}

// SettlementResult is the single mutable aggregate per auction. Winner changes happen in place.
type SettlementResult struct {
	ID                    string           `json:"id" gorm:"primaryKey;size:36"`
	AuctionID             string           `json:"auction_id" gorm:"size:36;not null;uniqueIndex"`
	WinnerAddress         string           `json:"winner_address" gorm:"size:42;not null"`
	WinningAmount         Amount           `json:"winning_amount" gorm:"not null"`
	CommitmentID          string           `json:"commitment_id" gorm:"size:36"`
	Status                SettlementStatus `json:"status" gorm:"size:32;not null;index"`
	PaymentDeadline       time.Time        `json:"payment_deadline" gorm:"not null;index"`
	PaymentReceivedAt     *time.Time       `json:"payment_received_at,omitempty"`
	FallbackCount         int              `json:"fallback_count" gorm:"not null;default:0"`
	IsFallbackWinner      bool             `json:"is_fallback_winner" gorm:"not null;default:false"`
	PreviousWinnerAddress string           `json:"previous_winner_address,omitempty" gorm:"size:42"`
	FallbackReason        string           `json:"fallback_reason,omitempty" gorm:"size:64"`
	FallbackTimestamp     *time.Time       `json:"fallback_timestamp,omitempty"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

func (SettlementResult) TableName() string {
	return "auction_results"
}

// FallbackLogEntry is the audit row written for each cascade attempt.
type FallbackLogEntry struct {
	ID                    string         `json:"id" gorm:"primaryKey;size:36"`
	AuctionID             string         `json:"auction_id" gorm:"size:36;not null;index"`
	AuctionResultID       string         `json:"auction_result_id" gorm:"size:36;not null;uniqueIndex:idx_fallback_attempt,priority:1"`
	Attempt               int            `json:"attempt" gorm:"not null;uniqueIndex:idx_fallback_attempt,priority:2"`
	PreviousWinnerAddress string         `json:"previous_winner_address" gorm:"size:42"`
	FallbackBidderAddress string         `json:"fallback_bidder_address" gorm:"size:42;not null"`
	FallbackAmount        Amount         `json:"fallback_amount" gorm:"not null"`
	FallbackCommitmentID  string         `json:"fallback_commitment_id" gorm:"size:36"`
	OfferExpiresAt        time.Time      `json:"offer_expires_at" gorm:"not null"`
	PaymentDeadline       time.Time      `json:"payment_deadline" gorm:"not null"`
	ResponseStatus        ResponseStatus `json:"response_status" gorm:"size:16;not null"`
	ResponseTimestamp     *time.Time     `json:"response_timestamp,omitempty"`
	FinalStatus           FinalStatus    `json:"final_status" gorm:"size:16;not null"`
	PaymentReceivedAt     *time.Time     `json:"payment_received_at,omitempty"`
	CreatedAt             time.Time      `json:"created_at"`
}

func (FallbackLogEntry) TableName() string {
	return "auction_fallback_log"
}

// RankedBid is a revealed bid placed in settlement order.
type RankedBid struct {
	Rank          int             `json:"rank"`
	CommitmentID  string          `json:"commitment_id"`
	BidderAddress string          `json:"bidder_address"`
	Amount        decimal.Decimal `json:"amount"`
	RevealedAt    time.Time       `json:"revealed_at"`
}

// FallbackOffer is what the notifier tells an offered bidder.
type FallbackOffer struct {
	AuctionID       string          `json:"auction_id"`
	AuctionResultID string          `json:"auction_result_id"`
	FallbackLogID   string          `json:"fallback_log_id"`
	BidderAddress   string          `json:"bidder_address"`
	Amount          decimal.Decimal `json:"amount"`
	Attempt         int             `json:"attempt"`
	OfferExpiresAt  time.Time       `json:"offer_expires_at"`
	PaymentDeadline time.Time       `json:"payment_deadline"`
}
