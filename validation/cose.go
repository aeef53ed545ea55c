package validation

import (
	"bytes"
	"crypto/ecdsa"
	"fmt"

	"github.com/veraison/go-cose"

	"github.com/cloudx-io/sealedbid/settlementapi"
)

// coseSign1TagPrefix is the CBOR encoding of tag 18 that starts a tagged COSE_Sign1.
var coseSign1TagPrefix = []byte{0xd2}

// DecodeSign1 parses a COSE_Sign1 message, tagged or untagged.
func DecodeSign1(coseBytes settlementapi.ReceiptCOSE) (*cose.Sign1Message, error) {
	var msg cose.Sign1Message
	if bytes.HasPrefix(coseBytes, coseSign1TagPrefix) {
		if err := msg.UnmarshalCBOR(coseBytes); err != nil {
			return nil, fmt.Errorf("parse COSE_Sign1: %w", err)
		}
		return &msg, nil
	}

	var untagged cose.UntaggedSign1Message
	if err := untagged.UnmarshalCBOR(coseBytes); err != nil {
		return nil, fmt.Errorf("parse untagged COSE_Sign1: %w", err)
	}
	msg = cose.Sign1Message(untagged)
	return &msg, nil
}

// VerifyCOSESignature verifies an ES256 COSE_Sign1 signature against publicKey
func VerifyCOSESignature(msg *cose.Sign1Message, publicKey *ecdsa.PublicKey) error {
	alg, err := msg.Headers.Protected.Algorithm()
	if err != nil {
		return fmt.Errorf("read algorithm: %w", err)
	}
	if alg != cose.AlgorithmES256 {
		return fmt.Errorf("unexpected algorithm %v, want ES256", alg)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, publicKey)
	if err != nil {
		return fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return fmt.Errorf("COSE signature verification failed: %w", err)
	}
	return nil
}
