package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/receipt"
	"github.com/cloudx-io/sealedbid/settlement"
	"github.com/cloudx-io/sealedbid/settlementapi"
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

type ledgerFunc func(ctx context.Context, bid *core.OpenBid, schedule core.IncrementSchedule) (*core.OpenBid, error)

func (f ledgerFunc) AdmitBid(ctx context.Context, bid *core.OpenBid, schedule core.IncrementSchedule) (*core.OpenBid, error) {
	return f(ctx, bid, schedule)
}

type testServer struct {
	handler  http.Handler
	svc      *settlement.Service
	clock    *fakeClock
	verifier *signing.Verifier
	keys     *receipt.KeyManager
}

func newTestServer(t *testing.T, opts ...settlement.Option) *testServer {
	t.Helper()
	st, err := store.New(store.DriverSQLite, "", nil)
	assert.NoError(t, err)
	assert.NoError(t, st.Migrate())
	t.Cleanup(func() { _ = st.Close() })

	ts := &testServer{
		clock:    &fakeClock{now: t0},
		verifier: signing.NewVerifier(signing.DefaultDomain()),
	}
	ts.keys, err = receipt.NewKeyManager()
	assert.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := &settlement.Metrics{}
	metrics.Register(registry)

	opts = append([]settlement.Option{settlement.WithClock(ts.clock), settlement.WithMetrics(metrics)}, opts...)
	ts.svc, err = settlement.New(st, ts.verifier, settlement.DefaultConfig(), opts...)
	assert.NoError(t, err)

	ts.handler = New(ts.svc,
		WithIssuer(receipt.NewIssuer(ts.keys, nil)),
		WithGatherer(registry),
	)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			assert.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (ts *testServer) createAuction(t *testing.T) *core.Auction {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/v1/auctions", settlementapi.CreateAuctionRequest{
		TicketID:   "ticket-7",
		CutoffTime: ts.clock.Now().Add(time.Hour),
	})
	assert.Equal(t, http.StatusCreated, rec.Code)
	return decode[*core.Auction](t, rec)
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

type opening struct {
	amount decimal.Decimal
	secret common.Hash
	nonce  *big.Int
}

func (b *bidder) commit(t *testing.T, ts *testServer, auctionID, amount string) (settlementapi.CommitRequest, opening) {
	t.Helper()
	o := opening{
		amount: decimal.RequireFromString(amount),
		secret: crypto.Keccak256Hash(b.addr.Bytes(), []byte("secret")),
		nonce:  big.NewInt(7),
	}
	hash, err := core.ComputeCommitmentHash(o.amount, o.secret, o.nonce)
	assert.NoError(t, err)
	expiresAt := ts.clock.Now().Add(24 * time.Hour).Truncate(time.Second)

	sig, err := ts.verifier.Sign(signing.CommitMessage{
		Commitment: hash,
		AuctionID:  auctionID,
		Nonce:      o.nonce,
		ExpiresAt:  expiresAt,
	}, b.key)
	assert.NoError(t, err)
	return settlementapi.CommitRequest{
		Commitment: hash.Hex(),
		Nonce:      o.nonce.String(),
		ExpiresAt:  expiresAt.Unix(),
		Signature:  hexutil.Encode(sig),
	}, o
}

func (b *bidder) reveal(t *testing.T, ts *testServer, auctionID string, o opening) settlementapi.RevealRequest {
	t.Helper()
	sig, err := ts.verifier.Sign(signing.RevealMessage{
		AuctionID: auctionID,
		BidAmount: o.amount,
		Secret:    o.secret,
		Nonce:     o.nonce,
	}, b.key)
	assert.NoError(t, err)
	return settlementapi.RevealRequest{
		BidAmount: o.amount.String(),
		Secret:    o.secret.Hex(),
		Nonce:     o.nonce.String(),
		Signature: hexutil.Encode(sig),
	}
}

func (b *bidder) bid(t *testing.T, ts *testServer, auctionID, amount string) settlementapi.BidRequest {
	t.Helper()
	ts0 := ts.clock.Now().Truncate(time.Second)
	sig, err := ts.verifier.Sign(signing.BidMessage{
		AuctionID:     auctionID,
		BidderAddress: b.addr,
		Amount:        decimal.RequireFromString(amount),
		AmountUSD:     decimal.RequireFromString("100"),
		Timestamp:     ts0,
	}, b.key)
	assert.NoError(t, err)
	return settlementapi.BidRequest{
		BidderAddress: b.addr.Hex(),
		Amount:        amount,
		AmountUSD:     "100",
		Timestamp:     ts0.Unix(),
		Signature:     hexutil.Encode(sig),
	}
}

func (b *bidder) respond(t *testing.T, ts *testServer, resultID, logID, response string) settlementapi.RespondRequest {
	t.Helper()
	sig, err := ts.verifier.Sign(signing.FallbackResponseMessage{
		ResultID:      resultID,
		FallbackLogID: logID,
		Response:      response,
		Bidder:        b.addr,
	}, b.key)
	assert.NoError(t, err)
	return settlementapi.RespondRequest{
		Response:      response,
		BidderAddress: b.addr.Hex(),
		Signature:     hexutil.Encode(sig),
	}
}

func (b *bidder) sealAndReveal(t *testing.T, ts *testServer, auctionID, amount string) {
	t.Helper()
	body, o := b.commit(t, ts, auctionID, amount)
	rec := ts.do(t, http.MethodPost, "/api/v1/auctions/"+auctionID+"/commitments", body)
	assert.Equal(t, http.StatusCreated, rec.Code)
	rec = ts.do(t, http.MethodPost, "/api/v1/auctions/"+auctionID+"/reveals", b.reveal(t, ts, auctionID, o))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// settle reveals one bid per amount, closes the auction and returns its settlement.
func (ts *testServer) settle(t *testing.T, amounts ...string) (settlementapi.SettlementResponse, []*bidder) {
	t.Helper()
	auction := ts.createAuction(t)
	bidders := make([]*bidder, len(amounts))
	for i, amount := range amounts {
		bidders[i] = newBidder(t)
		bidders[i].sealAndReveal(t, ts, auction.ID, amount)
	}
	ts.clock.Advance(time.Hour + time.Second)
	rec := ts.do(t, http.MethodPost, "/api/v1/admin/sweeps/close", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodGet, "/api/v1/auctions/"+auction.ID+"/settlement", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	return decode[settlementapi.SettlementResponse](t, rec), bidders
}

func (ts *testServer) expirePayment(t *testing.T) settlement.SweepReport {
	t.Helper()
	ts.clock.Advance(ts.svc.Config().PaymentWindow + time.Minute)
	rec := ts.do(t, http.MethodPost, "/api/v1/admin/sweeps/fallback", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	return decode[settlement.SweepReport](t, rec)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	check.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, "healthy", decode[settlementapi.HealthResponse](t, rec).Status)

	ts.createAuction(t)
	ts.do(t, http.MethodPost, "/api/v1/admin/sweeps/close", nil)

	rec = ts.do(t, http.MethodGet, "/metrics", nil)
	check.Equal(t, http.StatusOK, rec.Code)
	check.True(t, strings.Contains(rec.Body.String(), "sealedbid_sweep_duration_seconds"))
}

func TestHealthCheckFailing(t *testing.T) {
	ts := newTestServer(t)
	handler := New(ts.svc, WithHealthCheck(func(context.Context) error {
		return errors.New("database is locked")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	check.Equal(t, http.StatusServiceUnavailable, rec.Code)
	check.Equal(t, "unhealthy", decode[settlementapi.HealthResponse](t, rec).Status)
}

func TestSettlementOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	view, bidders := ts.settle(t, "2.5", "2.25", "2.0")
	check.Equal(t, core.StatusPendingPayment, view.Result.Status)
	check.Equal(t, bidders[0].addr.Hex(), view.Result.WinnerAddress)
	check.Equal(t, "2.5", view.Result.WinningAmount.String())
	resultID := view.Result.ID

	report := ts.expirePayment(t)
	assert.Equal(t, 1, len(report.Items))
	check.Equal(t, resultID, report.Items[0].ResultID)

	rec := ts.do(t, http.MethodGet, "/api/v1/settlements/"+resultID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	view = decode[settlementapi.SettlementResponse](t, rec)
	check.Equal(t, core.StatusFallbackOffered, view.Result.Status)
	check.False(t, view.Final)
	assert.Equal(t, 1, len(view.FallbackLog))
	offer := view.FallbackLog[0]
	check.Equal(t, bidders[1].addr.Hex(), offer.FallbackBidderAddress)

	respondPath := "/api/v1/settlements/" + resultID + "/fallbacks/" + offer.ID + "/respond"
	accept := bidders[1].respond(t, ts, resultID, offer.ID, settlement.ResponseAccept)
	accept.BidderAddress = strings.ToLower(accept.BidderAddress)
	rec = ts.do(t, http.MethodPost, respondPath, accept)
	assert.Equal(t, http.StatusOK, rec.Code)
	responded := decode[settlementapi.RespondResponse](t, rec)
	check.Equal(t, core.StatusFallbackAccepted, responded.Result.Status)
	check.Equal(t, core.ResponseAccepted, responded.Entry.ResponseStatus)
	check.False(t, responded.Expired)

	rec = ts.do(t, http.MethodGet, "/api/v1/settlements/"+resultID+"/receipt", nil)
	check.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/settlements/"+resultID+"/confirm-payment", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	paid := decode[*core.SettlementResult](t, rec)
	check.Equal(t, core.StatusPaid, paid.Status)
	check.NotNil(t, paid.PaymentReceivedAt)

	rec = ts.do(t, http.MethodGet, "/api/v1/settlements/"+resultID, nil)
	check.True(t, decode[settlementapi.SettlementResponse](t, rec).Final)

	rec = ts.do(t, http.MethodGet, "/api/v1/settlements/"+resultID+"/receipt", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	receiptResp := decode[settlementapi.ReceiptResponse](t, rec)

	coseBytes, err := receiptResp.ReceiptCOSEBase64.Decode()
	assert.NoError(t, err)
	unzipped, err := receiptResp.ReceiptGzip.Decompress()
	assert.NoError(t, err)
	check.Equal(t, coseBytes, unzipped)

	publicKey, err := receipt.ParsePublicKeyPEM(receiptResp.PublicKey)
	assert.NoError(t, err)
	verifier, err := cose.NewVerifier(cose.AlgorithmES256, publicKey)
	assert.NoError(t, err)
	var msg cose.Sign1Message
	assert.NoError(t, msg.UnmarshalCBOR(coseBytes))
	check.NoError(t, msg.Verify(nil, verifier))
}

func TestRespondAfterOfferExpiry(t *testing.T) {
	ts := newTestServer(t)
	view, bidders := ts.settle(t, "1.5", "1.4", "1.3")
	ts.expirePayment(t)

	rec := ts.do(t, http.MethodGet, "/api/v1/settlements/"+view.Result.ID, nil)
	offer := decode[settlementapi.SettlementResponse](t, rec).FallbackLog[0]

	ts.clock.Advance(ts.svc.Config().FallbackOfferWindow + time.Minute)
	rec = ts.do(t, http.MethodPost, "/api/v1/settlements/"+view.Result.ID+"/fallbacks/"+offer.ID+"/respond",
		bidders[1].respond(t, ts, view.Result.ID, offer.ID, settlement.ResponseAccept))
	assert.Equal(t, http.StatusGone, rec.Code)
	outcome := decode[settlementapi.RespondResponse](t, rec)
	check.True(t, outcome.Expired)
	check.Equal(t, core.ResponseExpired, outcome.Entry.ResponseStatus)
	check.Equal(t, core.StatusFallbackOffered, outcome.Result.Status)
	check.Equal(t, 2, outcome.Result.FallbackCount)
	check.Equal(t, bidders[2].addr.Hex(), outcome.Result.WinnerAddress)
}

func TestErrorStatusCodes(t *testing.T) {
	ts := newTestServer(t)
	auction := ts.createAuction(t)
	base := "/api/v1/auctions/" + auction.ID
	alice := newBidder(t)
	bob := newBidder(t)

	commitBody, o := alice.commit(t, ts, auction.ID, "1.0")
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, base+"/commitments", commitBody).Code)

	badSig := commitBody
	badSig.Signature = "0x" + strings.Repeat("ab", 65)

	forged := alice.bid(t, ts, auction.ID, "2")
	forged.BidderAddress = bob.addr.Hex()

	wrongReveal := alice.reveal(t, ts, auction.ID, opening{amount: decimal.RequireFromString("0.9"), secret: o.secret, nonce: o.nonce})

	tooLow := bob.bid(t, ts, auction.ID, "0.05")
	assert.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, base+"/bids", tooLow).Code)
	underbid := alice.bid(t, ts, auction.ID, "0.05005")

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"invalid json", http.MethodPost, base + "/commitments", "{not json", http.StatusBadRequest, CodeMalformed},
		{"unknown field", http.MethodPost, "/api/v1/auctions", `{"ticket_id":"x","cutoff":1}`, http.StatusBadRequest, CodeMalformed},
		{"malformed commitment", http.MethodPost, base + "/commitments", settlementapi.CommitRequest{Commitment: "0x12", Nonce: "1", ExpiresAt: 1, Signature: commitBody.Signature}, http.StatusBadRequest, CodeMalformed},
		{"unknown auction", http.MethodGet, "/api/v1/auctions/missing", nil, http.StatusNotFound, CodeNotFound},
		{"unknown settlement", http.MethodGet, "/api/v1/settlements/missing", nil, http.StatusNotFound, CodeNotFound},
		{"unknown receipt", http.MethodGet, "/api/v1/settlements/missing/receipt", nil, http.StatusNotFound, CodeNotFound},
		{"no settlement yet", http.MethodGet, base + "/settlement", nil, http.StatusNotFound, CodeNotFound},
		{"unrecoverable signature", http.MethodPost, base + "/commitments", badSig, http.StatusUnauthorized, CodeInvalidSignature},
		{"bid signed by someone else", http.MethodPost, base + "/bids", forged, http.StatusUnauthorized, CodeInvalidSignature},
		{"duplicate commitment", http.MethodPost, base + "/commitments", commitBody, http.StatusConflict, CodeDuplicateCommitment},
		{"reveal mismatch", http.MethodPost, base + "/reveals", wrongReveal, http.StatusUnprocessableEntity, CodeNoMatchingCommitment},
		{"bid too low", http.MethodPost, base + "/bids", underbid, http.StatusUnprocessableEntity, CodeBidTooLow},
		{"bad response", http.MethodPost, "/api/v1/settlements/x/fallbacks/y/respond", settlementapi.RespondRequest{Response: "maybe", BidderAddress: bob.addr.Hex()}, http.StatusBadRequest, CodeMalformed},
		{"confirm unknown", http.MethodPost, "/api/v1/settlements/missing/confirm-payment", nil, http.StatusNotFound, CodeNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code)
			body := decode[settlementapi.ErrorResponse](t, rec)
			check.Equal(t, tt.code, body.Code)
			check.NotEqual(t, "", body.Error)
		})
	}

	t.Run("minimum bid reported", func(t *testing.T) {
		rec := ts.do(t, http.MethodPost, base+"/bids", underbid)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
		body := decode[settlementapi.ErrorResponse](t, rec)
		assert.NotNil(t, body.MinimumBid)
		check.Equal(t, "0.0501", body.MinimumBid.String())
	})

	t.Run("closed auction", func(t *testing.T) {
		ts.clock.Advance(2 * time.Hour)
		rec := ts.do(t, http.MethodPost, base+"/bids", alice.bid(t, ts, auction.ID, "1"))
		check.Equal(t, http.StatusConflict, rec.Code)
		check.Equal(t, CodeAuctionClosed, decode[settlementapi.ErrorResponse](t, rec).Code)
	})
}

func TestRespondAndConfirmStateErrors(t *testing.T) {
	ts := newTestServer(t)
	view, bidders := ts.settle(t, "3", "2")
	resultID := view.Result.ID

	rec := ts.do(t, http.MethodPost, "/api/v1/settlements/"+resultID+"/fallbacks/none/respond",
		bidders[1].respond(t, ts, resultID, "none", settlement.ResponseAccept))
	check.Equal(t, http.StatusNotFound, rec.Code)

	ts.expirePayment(t)
	rec = ts.do(t, http.MethodGet, "/api/v1/settlements/"+resultID, nil)
	offer := decode[settlementapi.SettlementResponse](t, rec).FallbackLog[0]
	respondPath := "/api/v1/settlements/" + resultID + "/fallbacks/" + offer.ID + "/respond"

	rec = ts.do(t, http.MethodPost, respondPath,
		bidders[0].respond(t, ts, resultID, offer.ID, settlement.ResponseAccept))
	check.Equal(t, http.StatusForbidden, rec.Code)

	forged := bidders[0].respond(t, ts, resultID, offer.ID, settlement.ResponseAccept)
	forged.BidderAddress = bidders[1].addr.Hex()
	rec = ts.do(t, http.MethodPost, respondPath, forged)
	check.Equal(t, http.StatusUnauthorized, rec.Code)
	check.Equal(t, CodeInvalidSignature, decode[settlementapi.ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, respondPath,
		bidders[1].respond(t, ts, resultID, offer.ID, settlement.ResponseReject))
	assert.Equal(t, http.StatusOK, rec.Code)
	check.Equal(t, core.StatusFailedAllFallbacks, decode[settlementapi.RespondResponse](t, rec).Result.Status)

	rec = ts.do(t, http.MethodPost, respondPath,
		bidders[1].respond(t, ts, resultID, offer.ID, settlement.ResponseReject))
	check.Equal(t, http.StatusConflict, rec.Code)
	check.Equal(t, CodeInvalidState, decode[settlementapi.ErrorResponse](t, rec).Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/settlements/"+resultID+"/confirm-payment", nil)
	check.Equal(t, http.StatusConflict, rec.Code)
	check.Equal(t, CodeInvalidState, decode[settlementapi.ErrorResponse](t, rec).Code)
}

func TestPlaceBidLedgerUnavailable(t *testing.T) {
	ts := newTestServer(t, settlement.WithLedger(ledgerFunc(func(context.Context, *core.OpenBid, core.IncrementSchedule) (*core.OpenBid, error) {
		return nil, errors.New("connection refused")
	})))
	auction := ts.createAuction(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/auctions/"+auction.ID+"/bids", newBidder(t).bid(t, ts, auction.ID, "1"))
	check.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[settlementapi.ErrorResponse](t, rec)
	check.Equal(t, CodeValidationUnavailable, body.Code)
	check.Nil(t, body.MinimumBid)
}

func TestPlaceBidOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	auction := ts.createAuction(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/auctions/"+auction.ID+"/bids", newBidder(t).bid(t, ts, auction.ID, "5"))
	assert.Equal(t, http.StatusCreated, rec.Code)
	resp := decode[settlementapi.BidResponse](t, rec)
	check.Equal(t, "5", resp.Bid.Amount.String())
	check.Equal(t, "5.025", resp.MinimumBid.String())
}

func TestCreateAuctionValidation(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/v1/auctions", settlementapi.CreateAuctionRequest{CutoffTime: t0.Add(time.Hour)})
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auctions", settlementapi.CreateAuctionRequest{TicketID: "t"})
	check.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/api/v1/auctions", settlementapi.CreateAuctionRequest{TicketID: "t", CutoffTime: t0.Add(-time.Hour)})
	check.Equal(t, http.StatusConflict, rec.Code)

	auction := ts.createAuction(t)
	rec = ts.do(t, http.MethodGet, "/api/v1/auctions/"+auction.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	got := decode[*core.Auction](t, rec)
	check.Equal(t, "ticket-7", got.TicketID)
	check.Equal(t, core.AuctionStatusActive, got.Status)
}
