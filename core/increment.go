package core

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const bidPrecision int32 = 6 // minimum next bid is rounded to 6 decimal places

var (
	// ErrBidTooLow is matched by *BidTooLowError via errors.Is.
	ErrBidTooLow = errors.New("bid too low")

	ErrEmptySchedule = errors.New("increment schedule has no tiers")
)

// BidTooLowError reports the minimum bid the client must meet to be admitted.
type BidTooLowError struct {
	Current decimal.Decimal
	Minimum decimal.Decimal
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low: minimum next bid is %s", e.Minimum.String())
}

func (e *BidTooLowError) Is(target error) bool {
	return target == ErrBidTooLow
}

// IncrementTier defines the minimum raise for current bids at or above Floor.
// The required increment is the larger of Absolute and Percent*current.
type IncrementTier struct {
	Floor    decimal.Decimal
	Absolute decimal.Decimal
	Percent  decimal.Decimal // fraction of the current bid, zero disables
}

// IncrementSchedule is a list of tiers ordered by ascending Floor. The first Floor must be zero.
type IncrementSchedule []IncrementTier

// DefaultIncrementSchedule returns the tiers used when configuration provides none.
// Brackets: [0,0.1), [0.1,1), [1,10), [10,inf).
func DefaultIncrementSchedule() IncrementSchedule {
	return IncrementSchedule{
		{Floor: decimal.Zero, Absolute: decimal.RequireFromString("0.0001")},
		{Floor: decimal.RequireFromString("0.1"), Absolute: decimal.RequireFromString("0.001"), Percent: decimal.RequireFromString("0.01")},
		{Floor: decimal.NewFromInt(1), Absolute: decimal.RequireFromString("0.01"), Percent: decimal.RequireFromString("0.005")},
		{Floor: decimal.NewFromInt(10), Absolute: decimal.RequireFromString("0.1"), Percent: decimal.RequireFromString("0.0025")},
	}
}

// Validate checks that tiers are ordered, start at zero and carry positive increments.
func (s IncrementSchedule) Validate() error {
	if len(s) == 0 {
		return ErrEmptySchedule
	}
	if !s[0].Floor.IsZero() {
		return fmt.Errorf("first increment tier must start at 0, got %s", s[0].Floor)
	}
	for i, tier := range s {
		if !tier.Absolute.IsPositive() {
			return fmt.Errorf("increment tier %d: absolute increment must be positive", i)
		}
		if tier.Percent.IsNegative() {
			return fmt.Errorf("increment tier %d: percent must not be negative", i)
		}
		if i > 0 && !tier.Floor.GreaterThan(s[i-1].Floor) {
			return fmt.Errorf("increment tier %d: floors must be strictly ascending", i)
		}
	}
	return nil
}

// tierFor returns the highest tier whose Floor is <= current.
func (s IncrementSchedule) tierFor(current decimal.Decimal) IncrementTier {
	tier := s[0]
	for _, t := range s[1:] {
		if current.LessThan(t.Floor) {
			break
		}
		tier = t
	}
	return tier
}

// MinimumIncrement returns the raise required over current.
func (s IncrementSchedule) MinimumIncrement(current decimal.Decimal) decimal.Decimal {
	if len(s) == 0 {
		s = DefaultIncrementSchedule()
	}
	tier := s.tierFor(current)
	increment := tier.Absolute
	if tier.Percent.IsPositive() {
		if pct := current.Mul(tier.Percent); pct.GreaterThan(increment) {
			increment = pct
		}
	}
	return increment
}

// MinimumNextBid returns current plus the required increment, rounded to 6 decimal places.
// With no bid on record, current is zero.
func (s IncrementSchedule) MinimumNextBid(current decimal.Decimal) decimal.Decimal {
	return current.Add(s.MinimumIncrement(current)).Round(bidPrecision)
}

// CheckBid returns a *BidTooLowError when proposed does not meet the minimum over current.
func (s IncrementSchedule) CheckBid(current, proposed decimal.Decimal) error {
	minimum := s.MinimumNextBid(current)
	if proposed.LessThan(minimum) {
		return &BidTooLowError{Current: current, Minimum: minimum}
	}
	return nil
}
