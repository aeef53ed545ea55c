package parsing

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/cloudx-io/sealedbid/settlementapi"
)

// coseSign1Tag is the CBOR tag of a tagged COSE_Sign1 message.
const coseSign1Tag = 18

// ExtractCOSEPayload extracts the payload from a COSE_Sign1 message, tagged or not.
// COSE_Sign1 structure: [protected, unprotected, payload, signature]
func ExtractCOSEPayload(coseBytes []byte) ([]byte, error) {
	var decoded any
	if err := cbor.Unmarshal(coseBytes, &decoded); err != nil {
		return nil, fmt.Errorf("parse COSE array: %w", err)
	}

	if tag, ok := decoded.(cbor.Tag); ok {
		if tag.Number != coseSign1Tag {
			return nil, fmt.Errorf("unexpected CBOR tag %d", tag.Number)
		}
		decoded = tag.Content
	}

	coseArray, ok := decoded.([]any)
	if !ok {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: not an array")
	}
	if len(coseArray) != 4 {
		return nil, fmt.Errorf("invalid COSE_Sign1 structure: expected 4 elements, got %d", len(coseArray))
	}

	payload, ok := coseArray[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid payload in COSE structure")
	}
	return payload, nil
}

// ReceiptPayload decodes the signed document of a receipt without verifying it.
func ReceiptPayload(receipt settlementapi.ReceiptCOSE) (*settlementapi.ReceiptPayload, error) {
	payload, err := ExtractCOSEPayload(receipt)
	if err != nil {
		return nil, err
	}
	var doc settlementapi.ReceiptPayload
	if err := cbor.Unmarshal(payload, &doc); err != nil {
		return nil, fmt.Errorf("parse receipt payload: %w", err)
	}
	return &doc, nil
}
