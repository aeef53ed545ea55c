package settlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/signing"
)

func respond(h *harness, resultID, logID, response string, b *bidder) (*RespondOutcome, error) {
	req := RespondRequest{
		ResultID:      resultID,
		FallbackLogID: logID,
		Response:      response,
		BidderAddress: b.addr.Hex(),
	}
	sig, err := h.verifier.Sign(signing.FallbackResponseMessage{
		ResultID:      resultID,
		FallbackLogID: logID,
		Response:      response,
		Bidder:        b.addr,
	}, b.key)
	if err != nil {
		return nil, err
	}
	req.Signature = sig
	return h.svc.Respond(context.Background(), req)
}

// expirePayment moves the clock past the original payment window and runs a fallback sweep.
func expirePayment(t *testing.T, h *harness) *SweepReport {
	t.Helper()
	h.clock.Advance(h.svc.Config().PaymentWindow + time.Minute)
	report, err := h.svc.RunFallbackSweep(context.Background())
	assert.NoError(t, err)
	return report
}

func TestSettlementWalkthrough(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	result, bidders := h.settledAuction(t, "2.5", "2.25", "2.0")
	b1, b2, b3 := bidders[0], bidders[1], bidders[2]

	check.Equal(t, core.StatusPendingPayment, result.Status)
	check.True(t, signing.SameAddress(b1.addr.Hex(), result.WinnerAddress))
	check.Equal(t, "2.5", result.WinningAmount.String())
	check.Equal(t, 0, result.FallbackCount)
	check.False(t, result.IsFallbackWinner)
	check.True(t, result.PaymentDeadline.Equal(h.clock.Now().Add(time.Hour)))

	// Winner misses the payment deadline
	report := expirePayment(t, h)
	assert.Equal(t, 1, len(report.Items))
	check.Equal(t, string(core.StatusFallbackOffered), report.Items[0].Status)

	view, err := h.svc.GetSettlement(ctx, result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusFallbackOffered, view.Result.Status)
	check.True(t, signing.SameAddress(b2.addr.Hex(), view.Result.WinnerAddress))
	check.True(t, signing.SameAddress(b1.addr.Hex(), view.Result.PreviousWinnerAddress))
	check.Equal(t, "2.25", view.Result.WinningAmount.String())
	check.Equal(t, 1, view.Result.FallbackCount)
	check.True(t, view.Result.IsFallbackWinner)
	check.Equal(t, core.ReasonPaymentTimeout, view.Result.FallbackReason)

	offers := h.notifier.Offers()
	assert.Equal(t, 1, len(offers))
	check.Equal(t, 1, offers[0].Attempt)
	check.True(t, signing.SameAddress(b2.addr.Hex(), offers[0].BidderAddress))
	check.True(t, offers[0].OfferExpiresAt.Equal(h.clock.Now().Add(24*time.Hour)))
	check.True(t, offers[0].PaymentDeadline.Equal(h.clock.Now().Add(48*time.Hour)))

	// Second bidder declines
	outcome, err := respond(h, result.ID, offers[0].FallbackLogID, ResponseReject, b2)
	assert.NoError(t, err)
	check.Equal(t, string(core.StatusFallbackOffered), outcome.Cascade)
	check.Equal(t, core.ResponseRejected, outcome.Entry.ResponseStatus)
	check.Equal(t, core.FinalRejected, outcome.Entry.FinalStatus)
	check.True(t, signing.SameAddress(b3.addr.Hex(), outcome.Result.WinnerAddress))
	check.True(t, signing.SameAddress(b2.addr.Hex(), outcome.Result.PreviousWinnerAddress))
	check.Equal(t, 2, outcome.Result.FallbackCount)
	check.Equal(t, core.ReasonFallbackRejected, outcome.Result.FallbackReason)

	// Third bidder accepts and pays
	offers = h.notifier.Offers()
	assert.Equal(t, 2, len(offers))
	outcome, err = respond(h, result.ID, offers[1].FallbackLogID, ResponseAccept, b3)
	assert.NoError(t, err)
	check.Equal(t, core.StatusFallbackAccepted, outcome.Result.Status)
	check.Equal(t, core.ResponseAccepted, outcome.Entry.ResponseStatus)
	check.Equal(t, core.FinalPending, outcome.Entry.FinalStatus)

	paid, err := h.svc.ConfirmPayment(ctx, result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusPaid, paid.Status)
	check.Equal(t, "2", paid.WinningAmount.String())
	assert.NotNil(t, paid.PaymentReceivedAt)

	view, err = h.svc.GetSettlement(ctx, result.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(view.Fallback))
	first, second := view.Fallback[0], view.Fallback[1]
	check.Equal(t, 1, first.Attempt)
	check.True(t, signing.SameAddress(b1.addr.Hex(), first.PreviousWinnerAddress))
	check.True(t, signing.SameAddress(b2.addr.Hex(), first.FallbackBidderAddress))
	check.Equal(t, core.FinalRejected, first.FinalStatus)
	check.Nil(t, first.PaymentReceivedAt)
	check.Equal(t, 2, second.Attempt)
	check.True(t, signing.SameAddress(b2.addr.Hex(), second.PreviousWinnerAddress))
	check.True(t, signing.SameAddress(b3.addr.Hex(), second.FallbackBidderAddress))
	check.Equal(t, core.FinalPaid, second.FinalStatus)
	check.NotNil(t, second.PaymentReceivedAt)
}

func TestCascadeStopsAtMaxAttempts(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, bidders := h.settledAuction(t, "5", "4", "3", "2", "1")
	expirePayment(t, h)

	var outcome *RespondOutcome
	for i := 1; i <= 3; i++ {
		entry := h.currentEntry(t, result.ID)
		check.Equal(t, i, entry.Attempt)
		var err error
		outcome, err = respond(h, result.ID, entry.ID, ResponseReject, bidders[i])
		assert.NoError(t, err)
	}

	check.Equal(t, string(core.StatusFailedAllFallbacks), outcome.Cascade)
	check.Equal(t, core.StatusFailedAllFallbacks, outcome.Result.Status)
	check.Equal(t, core.ReasonMaxAttemptsReached, outcome.Result.FallbackReason)
	check.Equal(t, 3, outcome.Result.FallbackCount)

	view, err := h.svc.GetSettlement(context.Background(), result.ID)
	assert.NoError(t, err)
	check.Equal(t, 3, len(view.Fallback))
	check.Equal(t, 3, len(h.notifier.Offers()))

	// A later sweep leaves the terminal result alone
	report, err := h.svc.RunFallbackSweep(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, len(report.Items))
}

func TestCascadeRunsOutOfBidders(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, bidders := h.settledAuction(t, "1.5", "1.2")
	expirePayment(t, h)

	entry := h.currentEntry(t, result.ID)
	outcome, err := respond(h, result.ID, entry.ID, ResponseReject, bidders[1])
	assert.NoError(t, err)
	check.Equal(t, core.StatusFailedAllFallbacks, outcome.Result.Status)
	check.Equal(t, core.ReasonNoEligibleBidders, outcome.Result.FallbackReason)
	check.Equal(t, 1, outcome.Result.FallbackCount)
}

func TestCascadeDisabled(t *testing.T) {
	t.Parallel()
	h := newHarness(t, func(c *Config) { c.MaxFallbackAttempts = 0 })

	result, _ := h.settledAuction(t, "1.5", "1.2")
	report := expirePayment(t, h)
	assert.Equal(t, 1, len(report.Items))
	check.Equal(t, string(core.StatusFailedAllFallbacks), report.Items[0].Status)

	view, err := h.svc.GetSettlement(context.Background(), result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.ReasonMaxAttemptsReached, view.Result.FallbackReason)
	check.Equal(t, 0, len(view.Fallback))
	check.Equal(t, 0, len(h.notifier.Offers()))
}

func TestSoleBidderMissesPayment(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, _ := h.settledAuction(t, "3")
	expirePayment(t, h)

	view, err := h.svc.GetSettlement(context.Background(), result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusFailedAllFallbacks, view.Result.Status)
	check.Equal(t, core.ReasonNoEligibleBidders, view.Result.FallbackReason)
}

func TestLateResponseExpiresOffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, bidders := h.settledAuction(t, "2.5", "2.25", "2.0")
	expirePayment(t, h)
	entry := h.currentEntry(t, result.ID)

	h.clock.Advance(25 * time.Hour)
	outcome, err := respond(h, result.ID, entry.ID, ResponseAccept, bidders[1])
	check.True(t, errors.Is(err, ErrOfferExpired))
	assert.NotNil(t, outcome)
	check.Equal(t, core.ResponseExpired, outcome.Entry.ResponseStatus)
	check.Equal(t, core.FinalExpired, outcome.Entry.FinalStatus)
	check.Equal(t, core.StatusFallbackOffered, outcome.Result.Status)
	check.Equal(t, core.ReasonFallbackOfferExpired, outcome.Result.FallbackReason)
	check.True(t, signing.SameAddress(bidders[2].addr.Hex(), outcome.Result.WinnerAddress))
	check.Equal(t, 2, outcome.Result.FallbackCount)
}

func TestSweepExpiresUnansweredOffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, bidders := h.settledAuction(t, "2.5", "2.25", "2.0")
	expirePayment(t, h)

	// Before the offer window closes nothing happens
	h.clock.Advance(23 * time.Hour)
	report, err := h.svc.RunFallbackSweep(context.Background())
	assert.NoError(t, err)
	check.Equal(t, 0, len(report.Items))

	h.clock.Advance(2 * time.Hour)
	report, err = h.svc.RunFallbackSweep(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Items))
	check.Equal(t, string(core.StatusFallbackOffered), report.Items[0].Status)

	view, err := h.svc.GetSettlement(context.Background(), result.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(view.Fallback))
	check.Equal(t, core.FinalExpired, view.Fallback[0].FinalStatus)
	check.True(t, signing.SameAddress(bidders[2].addr.Hex(), view.Result.WinnerAddress))
}

func TestAcceptedFallbackMissesPayment(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, bidders := h.settledAuction(t, "2.5", "2.25", "2.0")
	expirePayment(t, h)
	entry := h.currentEntry(t, result.ID)
	_, err := respond(h, result.ID, entry.ID, ResponseAccept, bidders[1])
	assert.NoError(t, err)

	h.clock.Advance(49 * time.Hour)
	report, err := h.svc.RunFallbackSweep(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Items))

	view, err := h.svc.GetSettlement(context.Background(), result.ID)
	assert.NoError(t, err)
	assert.Equal(t, 2, len(view.Fallback))
	check.Equal(t, core.ResponseAccepted, view.Fallback[0].ResponseStatus)
	check.Equal(t, core.FinalFailed, view.Fallback[0].FinalStatus)
	check.Equal(t, core.StatusFallbackOffered, view.Result.Status)
	check.True(t, signing.SameAddress(bidders[2].addr.Hex(), view.Result.WinnerAddress))
}

func TestSweepResumesStalledCascade(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	result, bidders := h.settledAuction(t, "2.5", "2.25")

	// A crash between marking the payment failed and offering leaves failed_payment behind
	h.clock.Advance(2 * time.Hour)
	err := h.store.FailPayment(ctx, result.ID, core.StatusPendingPayment, core.ReasonPaymentTimeout, h.clock.Now())
	assert.NoError(t, err)

	report, err := h.svc.RunFallbackSweep(ctx)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(report.Items))
	check.Equal(t, string(core.StatusFallbackOffered), report.Items[0].Status)

	view, err := h.svc.GetSettlement(ctx, result.ID)
	assert.NoError(t, err)
	check.True(t, signing.SameAddress(bidders[1].addr.Hex(), view.Result.WinnerAddress))
}

func TestNotifyFailureKeepsOffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	h.notifier.err = errors.New("broker unreachable")

	result, _ := h.settledAuction(t, "2.5", "2.25")
	report := expirePayment(t, h)
	assert.Equal(t, 1, len(report.Items))
	check.Equal(t, string(core.StatusFallbackOffered), report.Items[0].Status)
	check.Equal(t, 0, report.Errors())

	view, err := h.svc.GetSettlement(context.Background(), result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusFallbackOffered, view.Result.Status)
}

func TestRespondRejectsBadRequests(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, bidders := h.settledAuction(t, "2.5", "2.25", "2.0")
	expirePayment(t, h)
	entry := h.currentEntry(t, result.ID)

	_, err := respond(h, result.ID, entry.ID, "maybe", bidders[1])
	check.True(t, errors.Is(err, ErrInvalidResponse))

	_, err = respond(h, "missing", entry.ID, ResponseAccept, bidders[1])
	check.True(t, errors.Is(err, ErrNotFound))

	_, err = respond(h, result.ID, "missing", ResponseAccept, bidders[1])
	check.True(t, errors.Is(err, ErrNotFound))

	_, err = respond(h, result.ID, entry.ID, ResponseAccept, bidders[0])
	check.True(t, errors.Is(err, ErrForbidden))

	_, err = respond(h, result.ID, entry.ID, ResponseAccept, bidders[2])
	check.True(t, errors.Is(err, ErrForbidden))

	// Anyone can name the offered bidder, only their key can answer for them
	forged, err := h.verifier.Sign(signing.FallbackResponseMessage{
		ResultID:      result.ID,
		FallbackLogID: entry.ID,
		Response:      ResponseAccept,
		Bidder:        bidders[1].addr,
	}, bidders[2].key)
	assert.NoError(t, err)
	_, err = h.svc.Respond(context.Background(), RespondRequest{
		ResultID:      result.ID,
		FallbackLogID: entry.ID,
		Response:      ResponseAccept,
		BidderAddress: bidders[1].addr.Hex(),
		Signature:     forged,
	})
	check.True(t, errors.Is(err, ErrInvalidSignature))

	// A signed rejection cannot be replayed as an acceptance
	rejection, err := h.verifier.Sign(signing.FallbackResponseMessage{
		ResultID:      result.ID,
		FallbackLogID: entry.ID,
		Response:      ResponseReject,
		Bidder:        bidders[1].addr,
	}, bidders[1].key)
	assert.NoError(t, err)
	_, err = h.svc.Respond(context.Background(), RespondRequest{
		ResultID:      result.ID,
		FallbackLogID: entry.ID,
		Response:      ResponseAccept,
		BidderAddress: bidders[1].addr.Hex(),
		Signature:     rejection,
	})
	check.True(t, errors.Is(err, ErrInvalidSignature))

	_, err = respond(h, result.ID, entry.ID, ResponseAccept, bidders[1])
	assert.NoError(t, err)

	_, err = respond(h, result.ID, entry.ID, ResponseReject, bidders[1])
	check.True(t, errors.Is(err, ErrInvalidState))
}

func TestConfirmPayment(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	result, _ := h.settledAuction(t, "2.5", "2.25")

	paid, err := h.svc.ConfirmPayment(ctx, result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusPaid, paid.Status)
	assert.NotNil(t, paid.PaymentReceivedAt)
	receivedAt := *paid.PaymentReceivedAt

	h.clock.Advance(time.Hour)
	again, err := h.svc.ConfirmPayment(ctx, result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusPaid, again.Status)
	assert.NotNil(t, again.PaymentReceivedAt)
	check.True(t, receivedAt.Equal(*again.PaymentReceivedAt))

	// Paid results are never swept
	h.clock.Advance(2 * time.Hour)
	report, err := h.svc.RunFallbackSweep(ctx)
	assert.NoError(t, err)
	check.Equal(t, 0, len(report.Items))

	_, err = h.svc.ConfirmPayment(ctx, "missing")
	check.True(t, errors.Is(err, ErrNotFound))
}

func TestConfirmPaymentFromTerminalFailure(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, _ := h.settledAuction(t, "3")
	expirePayment(t, h)

	_, err := h.svc.ConfirmPayment(context.Background(), result.ID)
	check.True(t, errors.Is(err, ErrInvalidState))
}

func TestConfirmPaymentWhileOffered(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	result, _ := h.settledAuction(t, "2.5", "2.25")
	expirePayment(t, h)

	paid, err := h.svc.ConfirmPayment(context.Background(), result.ID)
	assert.NoError(t, err)
	check.Equal(t, core.StatusPaid, paid.Status)

	entry := h.currentEntry(t, result.ID)
	check.Equal(t, core.FinalPaid, entry.FinalStatus)
	check.Equal(t, core.ResponseAccepted, entry.ResponseStatus)
}
