package settlementapi

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
)

// MaxReceiptSize bounds a decompressed receipt. Real receipts are a few hundred bytes.
const MaxReceiptSize = 64 << 10

// ReceiptCOSE is a raw COSE_Sign1 settlement receipt.
type ReceiptCOSE []byte

// ReceiptCOSEBase64 is a receipt in standard base64, as carried in JSON bodies.
type ReceiptCOSEBase64 string

// ReceiptCOSEURLBase64 is a receipt in unpadded base64url, for query strings.
type ReceiptCOSEURLBase64 string

// ReceiptCOSEGzip is a gzip-compressed receipt in unpadded base64url, for compact links.
type ReceiptCOSEGzip string

func (r ReceiptCOSE) EncodeBase64() ReceiptCOSEBase64 {
	return ReceiptCOSEBase64(base64.StdEncoding.EncodeToString(r))
}

func (r ReceiptCOSE) EncodeURLSafe() ReceiptCOSEURLBase64 {
	return ReceiptCOSEURLBase64(base64.RawURLEncoding.EncodeToString(r))
}

// CompressGzip compresses the receipt. Output is deterministic for the same input.
func (r ReceiptCOSE) CompressGzip() (ReceiptCOSEGzip, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(r); err != nil {
		return "", fmt.Errorf("gzip write: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("gzip close: %w", err)
	}
	return ReceiptCOSEGzip(base64.RawURLEncoding.EncodeToString(buf.Bytes())), nil
}

func (b ReceiptCOSEBase64) Decode() (ReceiptCOSE, error) {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64: %w", err)
	}
	return ReceiptCOSE(raw), nil
}

func (b ReceiptCOSEBase64) String() string {
	return string(b)
}

// Decode accepts padded or unpadded base64url.
func (u ReceiptCOSEURLBase64) Decode() (ReceiptCOSE, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(u), "="))
	if err != nil {
		return nil, fmt.Errorf("decode COSE base64url: %w", err)
	}
	return ReceiptCOSE(raw), nil
}

func (u ReceiptCOSEURLBase64) String() string {
	return string(u)
}

func (g ReceiptCOSEGzip) Decompress() (ReceiptCOSE, error) {
	compressed, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(string(g), "="))
	if err != nil {
		return nil, fmt.Errorf("decode base64url: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip reader: %w", err)
	}
	defer zr.Close()

	raw, err := io.ReadAll(io.LimitReader(zr, MaxReceiptSize+1))
	if err != nil {
		return nil, fmt.Errorf("read gzip data: %w", err)
	}
	if len(raw) > MaxReceiptSize {
		return nil, fmt.Errorf("decompressed receipt exceeds %d bytes", MaxReceiptSize)
	}
	return ReceiptCOSE(raw), nil
}

func (g ReceiptCOSEGzip) String() string {
	return string(g)
}

// ReceiptPayload is the CBOR document signed into a settlement receipt.
type ReceiptPayload struct {
	ResultID          string           `cbor:"result_id" json:"result_id"`
	AuctionID         string           `cbor:"auction_id" json:"auction_id"`
	WinnerAddress     string           `cbor:"winner_address" json:"winner_address"`
	WinningAmount     string           `cbor:"winning_amount" json:"winning_amount"`
	CommitmentID      string           `cbor:"commitment_id,omitempty" json:"commitment_id,omitempty"`
	Status            string           `cbor:"status" json:"status"`
	IsFallbackWinner  bool             `cbor:"is_fallback_winner" json:"is_fallback_winner"`
	FallbackCount     int              `cbor:"fallback_count" json:"fallback_count"`
	PaymentReceivedAt int64            `cbor:"payment_received_at" json:"payment_received_at"`
	Attempts          []ReceiptAttempt `cbor:"attempts,omitempty" json:"attempts,omitempty"`
	Nonce             string           `cbor:"nonce" json:"nonce"`
	IssuedAt          int64            `cbor:"issued_at" json:"issued_at"`
}

// ReceiptAttempt summarizes one fallback cascade attempt inside a receipt.
type ReceiptAttempt struct {
	Attempt        int    `cbor:"attempt" json:"attempt"`
	PreviousWinner string `cbor:"previous_winner" json:"previous_winner"`
	Bidder         string `cbor:"bidder" json:"bidder"`
	Amount         string `cbor:"amount" json:"amount"`
	Response       string `cbor:"response" json:"response"`
	Final          string `cbor:"final" json:"final"`
}
