package validation

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/shopspring/decimal"
	"github.com/veraison/go-cose"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/receipt"
	"github.com/cloudx-io/sealedbid/settlementapi"
	"github.com/cloudx-io/sealedbid/signing"
)

// ReceiptValidationInput contains all inputs needed for settlement receipt validation.
// Exactly one receipt encoding must be set. Empty expectations are not checked.
type ReceiptValidationInput struct {
	ReceiptCOSEBase64 settlementapi.ReceiptCOSEBase64
	ReceiptURLBase64  settlementapi.ReceiptCOSEURLBase64
	ReceiptGzip       settlementapi.ReceiptCOSEGzip
	PublicKeyPEM      string
	ResultID          string
	WinnerAddress     string
	WinningAmount     string
}

func (in *ReceiptValidationInput) receiptBytes() (settlementapi.ReceiptCOSE, error) {
	set := 0
	for _, v := range []string{string(in.ReceiptCOSEBase64), string(in.ReceiptURLBase64), string(in.ReceiptGzip)} {
		if v != "" {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("provide exactly one receipt encoding")
	}

	switch {
	case in.ReceiptCOSEBase64 != "":
		return in.ReceiptCOSEBase64.Decode()
	case in.ReceiptURLBase64 != "":
		return in.ReceiptURLBase64.Decode()
	case in.ReceiptGzip != "":
		return in.ReceiptGzip.Decompress()
	default:
		return nil, errors.New("receipt is required")
	}
}

// ValidateSettlementReceipt verifies a receipt's signature and checks its payload
// against the caller's expectations.
//
// Returns:
//   - ReceiptValidationResult with detailed results (call result.IsValid() to check overall status)
//   - error if validation cannot be performed (e.g., malformed receipt or public key)
func ValidateSettlementReceipt(input *ReceiptValidationInput) (*ReceiptValidationResult, error) {
	coseBytes, err := input.receiptBytes()
	if err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	publicKey, err := receipt.ParsePublicKeyPEM(input.PublicKeyPEM)
	if err != nil {
		return nil, err
	}
	msg, err := DecodeSign1(coseBytes)
	if err != nil {
		return nil, err
	}

	var payload settlementapi.ReceiptPayload
	if err := cbor.Unmarshal(msg.Payload, &payload); err != nil {
		return nil, fmt.Errorf("parse receipt payload: %w", err)
	}

	result := &ReceiptValidationResult{}
	result.SignatureValid = validateSignature(msg, publicKey, result)
	result.KeyIDValid = validateKeyID(msg, publicKey, result)
	result.PaidValid = validatePaid(&payload, result)
	result.ResultIDValid = validateResultID(&payload, input, result)
	result.WinnerValid = validateWinner(&payload, input, result)
	result.AmountValid = validateAmount(&payload, input, result)
	return result, nil
}

func validateSignature(msg *cose.Sign1Message, publicKey *ecdsa.PublicKey, result *ReceiptValidationResult) bool {
	if err := VerifyCOSESignature(msg, publicKey); err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Signature verification failed: %v", err))
		return false
	}
	result.ValidationDetails = append(result.ValidationDetails, "Signature verified with provided public key")
	return true
}

func validateKeyID(msg *cose.Sign1Message, publicKey *ecdsa.PublicKey, result *ReceiptValidationResult) bool {
	expected, err := receipt.KeyIDFor(publicKey)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Key ID could not be computed: %v", err))
		return false
	}
	kid, ok := msg.Headers.Unprotected[cose.HeaderLabelKeyID].([]byte)
	if !ok {
		result.ValidationDetails = append(result.ValidationDetails, "Key ID missing from receipt headers")
		return false
	}
	if !bytes.Equal(kid, expected) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Key ID mismatch: receipt has %x, public key is %x", kid, expected))
		return false
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Key ID matches public key: %x", kid))
	return true
}

func validatePaid(payload *settlementapi.ReceiptPayload, result *ReceiptValidationResult) bool {
	if payload.Status != string(core.StatusPaid) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Receipt status is %q, expected paid", payload.Status))
		return false
	}
	if payload.PaymentReceivedAt <= 0 {
		result.ValidationDetails = append(result.ValidationDetails, "Payment time missing from receipt")
		return false
	}
	result.ValidationDetails = append(result.ValidationDetails, "Receipt records a paid settlement")
	return true
}

func validateResultID(payload *settlementapi.ReceiptPayload, input *ReceiptValidationInput, result *ReceiptValidationResult) bool {
	if input.ResultID == "" {
		return true
	}
	if payload.ResultID != input.ResultID {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement ID mismatch: expected %s, receipt has %s", input.ResultID, payload.ResultID))
		return false
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Settlement ID validation passed: %s", payload.ResultID))
	return true
}

func validateWinner(payload *settlementapi.ReceiptPayload, input *ReceiptValidationInput, result *ReceiptValidationResult) bool {
	if input.WinnerAddress == "" {
		return true
	}
	if !signing.SameAddress(payload.WinnerAddress, input.WinnerAddress) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winner mismatch: expected %s, receipt has %s", input.WinnerAddress, payload.WinnerAddress))
		return false
	}
	detail := fmt.Sprintf("Winner validation passed: %s", payload.WinnerAddress)
	if payload.IsFallbackWinner {
		detail += fmt.Sprintf(" (fallback winner after %d attempts)", payload.FallbackCount)
	}
	result.ValidationDetails = append(result.ValidationDetails, detail)
	return true
}

func validateAmount(payload *settlementapi.ReceiptPayload, input *ReceiptValidationInput, result *ReceiptValidationResult) bool {
	if input.WinningAmount == "" {
		return true
	}
	expected, err := decimal.NewFromString(strings.TrimSpace(input.WinningAmount))
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Expected amount is not a number: %q", input.WinningAmount))
		return false
	}
	attested, err := decimal.NewFromString(payload.WinningAmount)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Receipt amount is not a number: %q", payload.WinningAmount))
		return false
	}
	if !expected.Equal(attested) {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winning amount mismatch: expected %s, receipt has %s", expected, attested))
		return false
	}
	result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Winning amount validation passed: %s", attested))
	return true
}
