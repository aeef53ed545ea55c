package receipt

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/settlementapi"
)

// ContentType is the protected content type of every receipt.
const ContentType = "application/cbor"

// ErrNotPaid is returned when a receipt is requested for an unpaid settlement.
var ErrNotPaid = errors.New("settlement is not paid")

// Issuer signs settlement receipts.
type Issuer struct {
	keys   *KeyManager
	logger *slog.Logger
	now    func() time.Time
}

func NewIssuer(keys *KeyManager, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Issuer{
		keys:   keys,
		logger: logger,
		now:    time.Now,
	}
}

// Keys returns the signing key manager.
func (i *Issuer) Keys() *KeyManager {
	return i.keys
}

// Issue signs a receipt for a paid settlement and its fallback log.
func (i *Issuer) Issue(result *core.SettlementResult, log []core.FallbackLogEntry) (settlementapi.ReceiptCOSE, error) {
	if result == nil {
		return nil, errors.New("settlement result is nil")
	}
	if result.Status != core.StatusPaid || result.PaymentReceivedAt == nil {
		return nil, ErrNotPaid
	}

	nonce, err := generateNonce()
	if err != nil {
		return nil, err
	}
	payload := BuildPayload(result, log)
	payload.Nonce = nonce
	payload.IssuedAt = i.now().Unix()

	payloadBytes, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt payload: %w", err)
	}

	keyID, err := i.keys.KeyID()
	if err != nil {
		return nil, err
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, i.keys.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Headers.Protected[cose.HeaderLabelContentType] = ContentType
	msg.Headers.Unprotected[cose.HeaderLabelKeyID] = keyID
	msg.Payload = payloadBytes
	if err := msg.Sign(rand.Reader, nil, signer); err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}

	coseBytes, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal receipt: %w", err)
	}

	i.logger.Debug("settlement receipt issued",
		"component", "receipt",
		"auction_id", result.AuctionID,
		"result_id", result.ID,
		"bytes", len(coseBytes),
	)
	return settlementapi.ReceiptCOSE(coseBytes), nil
}

// BuildPayload maps a settlement onto the receipt document, without nonce or issue time.
func BuildPayload(result *core.SettlementResult, log []core.FallbackLogEntry) *settlementapi.ReceiptPayload {
	payload := &settlementapi.ReceiptPayload{
		ResultID:         result.ID,
		AuctionID:        result.AuctionID,
		WinnerAddress:    result.WinnerAddress,
		WinningAmount:    result.WinningAmount.String(),
		CommitmentID:     result.CommitmentID,
		Status:           string(result.Status),
		IsFallbackWinner: result.IsFallbackWinner,
		FallbackCount:    result.FallbackCount,
	}
	if result.PaymentReceivedAt != nil {
		payload.PaymentReceivedAt = result.PaymentReceivedAt.Unix()
	}
	for _, entry := range log {
		payload.Attempts = append(payload.Attempts, settlementapi.ReceiptAttempt{
			Attempt:        entry.Attempt,
			PreviousWinner: entry.PreviousWinnerAddress,
			Bidder:         entry.FallbackBidderAddress,
			Amount:         entry.FallbackAmount.String(),
			Response:       string(entry.ResponseStatus),
			Final:          string(entry.FinalStatus),
		})
	}
	return payload
}

func generateNonce() (string, error) {
	randomBytes := make([]byte, 32) // 256 bits of entropy
	if _, err := rand.Read(randomBytes); err != nil {
		return "", fmt.Errorf("failed to generate secure nonce: %w", err)
	}
	return hex.EncodeToString(randomBytes), nil
}
