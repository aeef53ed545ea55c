package core

import (
	"sort"
	"strings"
	"time"
)

// RankRevealedBids orders revealed commitments for settlement.
// Unrevealed commitments are skipped and only the highest reveal per bidder is kept.
//
// Ordering: amount descending, then earliest reveal, then lowest commitment ID.
// Equal amounts therefore always settle the same way regardless of storage order.
func RankRevealedBids(commitments []Commitment) []RankedBid {
	if len(commitments) == 0 {
		return []RankedBid{}
	}

	// Keep highest revealed bid per bidder
	best := make(map[string]*Commitment, len(commitments))
	for i := range commitments {
		c := &commitments[i]
		if !c.Revealed || !c.RevealedAmount.Valid {
			continue
		}
		bidder := strings.ToLower(c.BidderAddress)
		existing, exists := best[bidder]
		if !exists || rankedBefore(c, existing) {
			best[bidder] = c
		}
	}

	entries := make([]*Commitment, 0, len(best))
	for _, c := range best {
		entries = append(entries, c)
	}
	sort.Slice(entries, func(i, j int) bool {
		return rankedBefore(entries[i], entries[j])
	})

	ranked := make([]RankedBid, len(entries))
	for i, c := range entries {
		ranked[i] = RankedBid{
			Rank:          i + 1,
			CommitmentID:  c.ID,
			BidderAddress: c.BidderAddress,
			Amount:        c.RevealedAmount.Decimal,
			RevealedAt:    revealTime(c),
		}
	}
	return ranked
}

// rankedBefore reports whether a settles ahead of b.
func rankedBefore(a, b *Commitment) bool {
	if cmp := a.RevealedAmount.Decimal.Cmp(b.RevealedAmount.Decimal); cmp != 0 {
		return cmp > 0
	}
	ta, tb := revealTime(a), revealTime(b)
	if !ta.Equal(tb) {
		return ta.Before(tb)
	}
	return a.ID < b.ID
}

func revealTime(c *Commitment) time.Time {
	if c.RevealedAt == nil {
		return time.Time{}
	}
	return *c.RevealedAt
}

// RemainingCandidates returns up to limit ranked bids whose bidder is not in exclude.
// Address comparison is case-insensitive. A limit <= 0 returns nothing.
func RemainingCandidates(ranked []RankedBid, exclude []string, limit int) []RankedBid {
	if limit <= 0 {
		return []RankedBid{}
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, addr := range exclude {
		if addr != "" {
			excluded[strings.ToLower(addr)] = struct{}{}
		}
	}
	out := make([]RankedBid, 0, limit)
	for _, bid := range ranked {
		if _, skip := excluded[strings.ToLower(bid.BidderAddress)]; skip {
			continue
		}
		out = append(out, bid)
		if len(out) == limit {
			break
		}
	}
	return out
}
