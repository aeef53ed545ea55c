package settlement

import (
	"errors"

	"github.com/cloudx-io/sealedbid/core"
)

// Error kinds surfaced to callers. Handlers map each to a distinct response.
var (
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrNoMatchingCommitment does not say whether the commitment is missing, the opening
	// is wrong or it was already revealed.
	ErrNoMatchingCommitment = errors.New("no matching commitment")

	// ErrBidTooLow is matched by *core.BidTooLowError, which carries the required minimum.
	ErrBidTooLow             = core.ErrBidTooLow
	ErrValidationUnavailable = errors.New("bid validation unavailable")
	ErrNotFound              = errors.New("not found")
	ErrForbidden             = errors.New("forbidden")
	ErrOfferExpired          = errors.New("fallback offer expired")
	ErrInvalidState          = errors.New("invalid settlement state")
	ErrInvalidResponse       = errors.New("response must be accepted or rejected")
	ErrAuctionClosed         = errors.New("auction is closed")
	ErrDuplicateCommitment   = errors.New("bidder already committed to this auction")
)
