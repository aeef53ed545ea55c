package settlement

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/peterldowns/testy/assert"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/signing"
	"github.com/cloudx-io/sealedbid/store"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingNotifier struct {
	mu     sync.Mutex
	offers []core.FallbackOffer
	err    error
}

func (n *recordingNotifier) NotifyFallbackOffer(_ context.Context, offer core.FallbackOffer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offers = append(n.offers, offer)
	return n.err
}

func (n *recordingNotifier) Offers() []core.FallbackOffer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.FallbackOffer(nil), n.offers...)
}

type harness struct {
	svc      *Service
	store    *store.Store
	clock    *fakeClock
	notifier *recordingNotifier
	verifier *signing.Verifier
}

func newHarness(t *testing.T, opts ...func(*Config)) *harness {
	t.Helper()
	return newHarnessWithRepo(t, nil, opts...)
}

// newHarnessWithRepo builds a service over an in-memory store. wrap, when set, may
// decorate the store to inject failures.
func newHarnessWithRepo(t *testing.T, wrap func(*store.Store) Repository, opts ...func(*Config)) *harness {
	t.Helper()
	st, err := store.New(store.DriverSQLite, "", nil)
	assert.NoError(t, err)
	assert.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	var repo Repository = st
	if wrap != nil {
		repo = wrap(st)
	}

	h := &harness{
		store:    st,
		clock:    &fakeClock{now: t0},
		notifier: &recordingNotifier{},
		verifier: signing.NewVerifier(signing.DefaultDomain()),
	}
	h.svc, err = New(repo, h.verifier, cfg,
		WithClock(h.clock),
		WithNotifier(h.notifier),
		WithMetrics(&Metrics{}),
	)
	assert.NoError(t, err)
	return h
}

func (h *harness) createAuction(t *testing.T, cutoffIn time.Duration) *core.Auction {
	t.Helper()
	auction, err := h.svc.CreateAuction(context.Background(), "ticket-1", h.clock.Now().Add(cutoffIn))
	assert.NoError(t, err)
	return auction
}

type bidder struct {
	key  *ecdsa.PrivateKey
	addr common.Address
}

func newBidder(t *testing.T) *bidder {
	t.Helper()
	key, err := crypto.GenerateKey()
	assert.NoError(t, err)
	return &bidder{key: key, addr: crypto.PubkeyToAddress(key.PublicKey)}
}

// sealed is a commitment opening kept by the bidder until reveal.
type sealed struct {
	amount decimal.Decimal
	secret common.Hash
	nonce  *big.Int
}

func (b *bidder) commitRequest(t *testing.T, h *harness, auctionID, amount string) (CommitRequest, sealed) {
	t.Helper()
	opening := sealed{
		amount: decimal.RequireFromString(amount),
		secret: crypto.Keccak256Hash(b.addr.Bytes(), []byte(amount)),
		nonce:  big.NewInt(h.clock.Now().UnixNano()),
	}
	hash, err := core.ComputeCommitmentHash(opening.amount, opening.secret, opening.nonce)
	assert.NoError(t, err)

	req := CommitRequest{
		AuctionID:  auctionID,
		Commitment: hash,
		Nonce:      opening.nonce,
		ExpiresAt:  h.clock.Now().Add(24 * time.Hour).Truncate(time.Second),
	}
	req.Signature, err = h.verifier.Sign(signing.CommitMessage{
		Commitment: req.Commitment,
		AuctionID:  req.AuctionID,
		Nonce:      req.Nonce,
		ExpiresAt:  req.ExpiresAt,
	}, b.key)
	assert.NoError(t, err)
	return req, opening
}

func (b *bidder) revealRequest(t *testing.T, h *harness, auctionID string, opening sealed) RevealRequest {
	t.Helper()
	req := RevealRequest{
		AuctionID: auctionID,
		BidAmount: opening.amount,
		Secret:    opening.secret,
		Nonce:     opening.nonce,
	}
	var err error
	req.Signature, err = h.verifier.Sign(signing.RevealMessage{
		AuctionID: req.AuctionID,
		BidAmount: req.BidAmount,
		Secret:    req.Secret,
		Nonce:     req.Nonce,
	}, b.key)
	assert.NoError(t, err)
	return req
}

// sealAndReveal commits and reveals amount for b.
func (b *bidder) sealAndReveal(t *testing.T, h *harness, auctionID, amount string) {
	t.Helper()
	ctx := context.Background()
	commitReq, opening := b.commitRequest(t, h, auctionID, amount)
	_, err := h.svc.Commit(ctx, commitReq)
	assert.NoError(t, err)
	h.clock.Advance(time.Second)
	_, err = h.svc.Reveal(ctx, b.revealRequest(t, h, auctionID, opening))
	assert.NoError(t, err)
}

func (b *bidder) bidRequest(t *testing.T, h *harness, auctionID, amount string) BidRequest {
	t.Helper()
	req := BidRequest{
		AuctionID:     auctionID,
		BidderAddress: b.addr,
		Amount:        decimal.RequireFromString(amount),
		AmountUSD:     decimal.RequireFromString(amount).Mul(decimal.NewFromInt(2500)),
		Timestamp:     h.clock.Now().Truncate(time.Second),
	}
	var err error
	req.Signature, err = h.verifier.Sign(signing.BidMessage{
		AuctionID:     req.AuctionID,
		BidderAddress: req.BidderAddress,
		Amount:        req.Amount,
		AmountUSD:     req.AmountUSD,
		Encrypted:     req.Encrypted,
		Timestamp:     req.Timestamp,
	}, b.key)
	assert.NoError(t, err)
	return req
}

// settledAuction creates an auction, reveals one bid per amount and closes it.
// Bidders are returned in the order of amounts.
func (h *harness) settledAuction(t *testing.T, amounts ...string) (*core.SettlementResult, []*bidder) {
	t.Helper()
	auction := h.createAuction(t, time.Hour)
	bidders := make([]*bidder, len(amounts))
	for i, amount := range amounts {
		bidders[i] = newBidder(t)
		bidders[i].sealAndReveal(t, h, auction.ID, amount)
	}

	h.clock.Advance(time.Hour)
	report, err := h.svc.CloseDueAuctions(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Items))
	assert.Equal(t, ItemSettled, report.Items[0].Status)

	view, err := h.svc.GetSettlementByAuction(context.Background(), auction.ID)
	assert.NoError(t, err)
	return view.Result, bidders
}

// currentEntry returns the log entry of the result's current attempt.
func (h *harness) currentEntry(t *testing.T, resultID string) *core.FallbackLogEntry {
	t.Helper()
	view, err := h.svc.GetSettlement(context.Background(), resultID)
	assert.NoError(t, err)
	assert.Equal(t, view.Result.FallbackCount, len(view.Fallback))
	return &view.Fallback[len(view.Fallback)-1]
}
