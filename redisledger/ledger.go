// Package redisledger is a Redis-backed bid admission primitive for the open-bid lane.
// The highest bid of each auction is swapped with a Lua compare-and-set, so two bids
// validated against the same snapshot can never both become the highest.
package redisledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/core"
)

const defaultMaxRetries = 5

// ErrContention is returned when the compare-and-set kept losing to concurrent bids.
var ErrContention = errors.New("bid admission contention: retries exhausted")

// admitScript swaps the highest bid only if it still equals the snapshot the caller
// validated against and the bidder's stored entry is the one the caller read.
//
// KEYS[1]: auction:{id}:highest  hash {amount, bidder}
// KEYS[2]: auction:{id}:bids     hash bidder -> bid JSON
// ARGV[1]: expected current amount ("" when no bid exists)
// ARGV[2]: new amount
// ARGV[3]: bidder address
// ARGV[4]: bid JSON
// ARGV[5]: expected stored bid JSON of the bidder ("" when none)
var admitScript = redis.NewScript(`
	local current = redis.call('HGET', KEYS[1], 'amount')
	if not current then
		current = ''
	end
	if current ~= ARGV[1] then
		return 0
	end
	local previous = redis.call('HGET', KEYS[2], ARGV[3])
	if not previous then
		previous = ''
	end
	if previous ~= ARGV[5] then
		return 0
	end
	redis.call('HSET', KEYS[1], 'amount', ARGV[2], 'bidder', ARGV[3])
	redis.call('HSET', KEYS[2], ARGV[3], ARGV[4])
	return 1
`)

// Ledger admits open bids against Redis.
type Ledger struct {
	client     *redis.Client
	maxRetries int
	now        func() time.Time
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*Ledger, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return New(rdb), nil
}

// New wraps an existing client.
func New(client *redis.Client) *Ledger {
	return &Ledger{
		client:     client,
		maxRetries: defaultMaxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func highestKey(auctionID string) string {
	return fmt.Sprintf("auction:%s:highest", auctionID)
}

func bidsKey(auctionID string) string {
	return fmt.Sprintf("auction:%s:bids", auctionID)
}

// AdmitBid validates bid against the current highest bid and swaps it in atomically.
// A re-bid by the same bidder replaces that bidder's entry and keeps its ID.
func (l *Ledger) AdmitBid(ctx context.Context, bid *core.OpenBid, schedule core.IncrementSchedule) (*core.OpenBid, error) {
	keys := []string{highestKey(bid.AuctionID), bidsKey(bid.AuctionID)}
	amount := core.NewAmount(bid.Amount.Truncate(core.AmountDecimals))

	for attempt := 0; attempt < l.maxRetries; attempt++ {
		expected, err := l.client.HGet(ctx, keys[0], "amount").Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("failed to read highest bid: %w", err)
		}

		current := decimal.Zero
		if expected != "" {
			if current, err = decimal.NewFromString(expected); err != nil {
				return nil, fmt.Errorf("corrupt highest bid %q: %w", expected, err)
			}
		}
		if err := schedule.CheckBid(current, amount.Decimal); err != nil {
			return nil, err
		}

		raw, previous, err := l.storedBid(ctx, bid.AuctionID, bid.BidderAddress)
		if err != nil {
			return nil, err
		}
		admitted := *bid
		admitted.Amount = amount
		admitted.CreatedAt = l.now()
		admitted.UpdatedAt = admitted.CreatedAt
		if previous != nil {
			admitted.ID = previous.ID
			admitted.CreatedAt = previous.CreatedAt
		}
		if admitted.ID == "" {
			admitted.ID = uuid.NewString()
		}
		payload, err := json.Marshal(&admitted)
		if err != nil {
			return nil, fmt.Errorf("failed to encode bid: %w", err)
		}

		swapped, err := admitScript.Run(ctx, l.client, keys, expected, amount.String(), admitted.BidderAddress, string(payload), raw).Int()
		if err != nil {
			return nil, fmt.Errorf("failed to execute admission script: %w", err)
		}
		if swapped == 1 {
			return &admitted, nil
		}
	}
	return nil, ErrContention
}

// HighestBid returns the current highest bid, or nil when the auction has none.
func (l *Ledger) HighestBid(ctx context.Context, auctionID string) (*core.OpenBid, error) {
	bidder, err := l.client.HGet(ctx, highestKey(auctionID), "bidder").Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read highest bidder: %w", err)
	}
	_, bid, err := l.storedBid(ctx, auctionID, bidder)
	return bid, err
}

// storedBid returns the bidder's entry both raw and decoded. A missing entry is ("", nil, nil).
func (l *Ledger) storedBid(ctx context.Context, auctionID, bidder string) (string, *core.OpenBid, error) {
	raw, err := l.client.HGet(ctx, bidsKey(auctionID), bidder).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to read bid: %w", err)
	}
	var bid core.OpenBid
	if err := json.Unmarshal([]byte(raw), &bid); err != nil {
		return "", nil, fmt.Errorf("failed to decode bid: %w", err)
	}
	return raw, &bid, nil
}

func (l *Ledger) Close() error {
	return l.client.Close()
}
