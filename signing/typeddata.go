// Package signing implements EIP-712 typed-data signatures for the commit, reveal,
// open-bid and fallback response messages. Field names, order and Solidity types below are part of the
// wire contract with wallets: changing any of them invalidates every client signature.
package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"

	"github.com/cloudx-io/sealedbid/core"
)

var (
	ErrSignatureLength = errors.New("signature must be 65 bytes")
	ErrSignatureValues = errors.New("signature has invalid r, s or v")
	ErrSignerMismatch  = errors.New("recovered signer does not match claimed address")
)

// Domain is the EIP-712 domain separator input.
type Domain struct {
	Name              string
	Version           string
	ChainID           int64
	VerifyingContract string
}

// DefaultDomain is used when configuration does not override the domain.
func DefaultDomain() Domain {
	return Domain{
		Name:    "SealedBidTicketAuction",
		Version: "1",
		ChainID: 1,
	}
}

// Message is a typed-data struct that can be hashed under a Domain.
type Message interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Values() apitypes.TypedDataMessage
}

// CommitMessage binds a bidder to a sealed commitment.
type CommitMessage struct {
	Commitment common.Hash
	AuctionID  string
	Nonce      *big.Int
	ExpiresAt  time.Time
}

func (CommitMessage) PrimaryType() string { return "Commit" }

func (CommitMessage) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "commitment", Type: "bytes32"},
		{Name: "auctionId", Type: "string"},
		{Name: "nonce", Type: "uint256"},
		{Name: "expiresAt", Type: "uint256"},
	}
}

func (m CommitMessage) Values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"commitment": m.Commitment.Hex(),
		"auctionId":  m.AuctionID,
		"nonce":      bigString(m.Nonce),
		"expiresAt":  big.NewInt(m.ExpiresAt.Unix()).String(),
	}
}

// RevealMessage opens a commitment. BidAmount is signed in base units (wei).
type RevealMessage struct {
	AuctionID string
	BidAmount decimal.Decimal
	Secret    common.Hash
	Nonce     *big.Int
}

func (RevealMessage) PrimaryType() string { return "Reveal" }

func (RevealMessage) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "auctionId", Type: "string"},
		{Name: "bidAmount", Type: "uint256"},
		{Name: "secret", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	}
}

func (m RevealMessage) Values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"auctionId": m.AuctionID,
		"bidAmount": weiString(m.BidAmount),
		"secret":    m.Secret.Hex(),
		"nonce":     bigString(m.Nonce),
	}
}

// BidMessage binds a bidder to an open bid.
type BidMessage struct {
	AuctionID     string
	BidderAddress common.Address
	Amount        decimal.Decimal
	AmountUSD     decimal.Decimal
	Encrypted     bool
	Timestamp     time.Time
}

func (BidMessage) PrimaryType() string { return "Bid" }

func (BidMessage) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "auctionId", Type: "string"},
		{Name: "bidderAddress", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "amountUsd", Type: "string"},
		{Name: "encrypted", Type: "bool"},
		{Name: "timestamp", Type: "uint256"},
	}
}

func (m BidMessage) Values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"auctionId":     m.AuctionID,
		"bidderAddress": m.BidderAddress.Hex(),
		"amount":        weiString(m.Amount),
		"amountUsd":     m.AmountUSD.String(),
		"encrypted":     m.Encrypted,
		"timestamp":     big.NewInt(m.Timestamp.Unix()).String(),
	}
}

// FallbackResponseMessage is an offered bidder's answer to one fallback offer.
type FallbackResponseMessage struct {
	ResultID      string
	FallbackLogID string
	Response      string
	Bidder        common.Address
}

func (FallbackResponseMessage) PrimaryType() string { return "FallbackResponse" }

func (FallbackResponseMessage) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "resultId", Type: "string"},
		{Name: "fallbackLogId", Type: "string"},
		{Name: "response", Type: "string"},
		{Name: "bidder", Type: "address"},
	}
}

func (m FallbackResponseMessage) Values() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"resultId":      m.ResultID,
		"fallbackLogId": m.FallbackLogID,
		"response":      m.Response,
		"bidder":        m.Bidder.Hex(),
	}
}

func bigString(n *big.Int) string {
	if n == nil {
		return "0"
	}
	return n.String()
}

// weiString renders an amount in base units. Amounts that cannot be represented
// are rendered as an invalid integer so that hashing fails instead of truncating.
func weiString(amount decimal.Decimal) string {
	wei, err := core.ToWei(amount)
	if err != nil {
		return "invalid"
	}
	return wei.String()
}

// Verifier hashes typed-data messages under a fixed domain and recovers their signers.
type Verifier struct {
	domain      apitypes.TypedDataDomain
	domainTypes []apitypes.Type
}

// NewVerifier builds a Verifier for the given domain.
func NewVerifier(d Domain) *Verifier {
	domain := apitypes.TypedDataDomain{
		Name:    d.Name,
		Version: d.Version,
		ChainId: math.NewHexOrDecimal256(d.ChainID),
	}
	domainTypes := []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
	}
	if d.VerifyingContract != "" {
		domain.VerifyingContract = common.HexToAddress(d.VerifyingContract).Hex()
		domainTypes = append(domainTypes, apitypes.Type{Name: "verifyingContract", Type: "address"})
	}
	return &Verifier{domain: domain, domainTypes: domainTypes}
}

// TypedData returns the full EIP-712 document for a message, as a wallet would sign it.
func (v *Verifier) TypedData(msg Message) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    v.domainTypes,
			msg.PrimaryType(): msg.Fields(),
		},
		PrimaryType: msg.PrimaryType(),
		Domain:      v.domain,
		Message:     msg.Values(),
	}
}

// Hash returns the EIP-712 digest of a message.
func (v *Verifier) Hash(msg Message) ([]byte, error) {
	digest, _, err := apitypes.TypedDataAndHash(v.TypedData(msg))
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s typed data: %w", msg.PrimaryType(), err)
	}
	return digest, nil
}

// Recover returns the address that signed msg.
// Signatures use the 65-byte R || S || V layout; V may be 0/1 or 27/28.
func (v *Verifier) Recover(msg Message, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, ErrSignatureLength
	}
	digest, err := v.Hash(msg)
	if err != nil {
		return common.Address{}, err
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	if !crypto.ValidateSignatureValues(sig[crypto.RecoveryIDOffset], r, s, true) {
		return common.Address{}, ErrSignatureValues
	}

	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// VerifySigner checks that msg was signed by expected.
func (v *Verifier) VerifySigner(msg Message, signature []byte, expected common.Address) error {
	signer, err := v.Recover(msg, signature)
	if err != nil {
		return err
	}
	if signer != expected {
		return ErrSignerMismatch
	}
	return nil
}

// Sign produces a 65-byte signature with V in {27, 28}, matching eth_signTypedData_v4 output.
func (v *Verifier) Sign(msg Message, key *ecdsa.PrivateKey) ([]byte, error) {
	digest, err := v.Hash(msg)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(digest, key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", msg.PrimaryType(), err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// NormalizeAddress returns the checksummed form of a hex address, or "" if it is not one.
func NormalizeAddress(addr string) string {
	if !common.IsHexAddress(addr) {
		return ""
	}
	return common.HexToAddress(addr).Hex()
}

// SameAddress compares two hex addresses case-insensitively.
func SameAddress(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
