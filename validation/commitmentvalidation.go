package validation

import (
	"fmt"

	"github.com/cloudx-io/sealedbid/core"
	"github.com/cloudx-io/sealedbid/settlementapi/parsing"
)

// CommitmentValidationInput is a commitment and the opening a bidder claims for it.
// Hex values are 0x-prefixed, Nonce is a decimal uint256 and BidAmount a decimal ETH amount.
type CommitmentValidationInput struct {
	Commitment string
	BidAmount  string
	Secret     string
	Nonce      string
}

// ValidateCommitmentOpening recomputes the commitment hash from an opening, the same
// check the service performs on reveal.
//
// Returns:
//   - CommitmentValidationResult (call result.IsValid() to check overall status)
//   - error if an input cannot be parsed
func ValidateCommitmentOpening(input *CommitmentValidationInput) (*CommitmentValidationResult, error) {
	commitment, err := parsing.Hash("commitment", input.Commitment)
	if err != nil {
		return nil, err
	}
	amount, err := parsing.Amount("bid_amount", input.BidAmount)
	if err != nil {
		return nil, err
	}
	secret, err := parsing.Hash("secret", input.Secret)
	if err != nil {
		return nil, err
	}
	nonce, err := parsing.Uint256("nonce", input.Nonce)
	if err != nil {
		return nil, err
	}

	result := &CommitmentValidationResult{}
	computed, err := core.ComputeCommitmentHash(amount, secret, nonce)
	if err != nil {
		result.ValidationDetails = append(result.ValidationDetails, fmt.Sprintf("Opening cannot be hashed: %v", err))
		return result, nil
	}
	result.ComputedHash = computed.Hex()

	if computed != commitment {
		result.ValidationDetails = append(result.ValidationDetails,
			fmt.Sprintf("Commitment mismatch: computed %s, expected %s", computed.Hex(), commitment.Hex()))
		return result, nil
	}
	wei, _ := core.ToWei(amount)
	result.HashValid = true
	result.ValidationDetails = append(result.ValidationDetails,
		fmt.Sprintf("Commitment matches keccak256(%s wei, secret, nonce %s)", wei, nonce))
	return result, nil
}
