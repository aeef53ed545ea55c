package core

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
)

// AmountDecimals is the number of fractional digits in one currency unit (wei per ether).
const AmountDecimals int32 = 18

var (
	ErrNegativeAmount  = errors.New("amount must not be negative")
	ErrAmountPrecision = errors.New("amount has more than 18 fractional digits")
	ErrNonceRange      = errors.New("nonce must fit in uint256")
)

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// ToWei converts a currency amount into its integer base-unit representation.
func ToWei(amount decimal.Decimal) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	shifted := amount.Shift(AmountDecimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, ErrAmountPrecision
	}
	return shifted.BigInt(), nil
}

// ComputeCommitmentHash computes the sealed-bid commitment.
// Commit and reveal both go through this function so the encoding cannot drift.
//
// Formula: keccak256(uint256(amount in wei) || bytes32(secret) || uint256(nonce)),
// i.e. Solidity abi.encodePacked of the three values.
func ComputeCommitmentHash(amount decimal.Decimal, secret common.Hash, nonce *big.Int) (common.Hash, error) {
	wei, err := ToWei(amount)
	if err != nil {
		return common.Hash{}, fmt.Errorf("invalid bid amount: %w", err)
	}
	if nonce == nil || nonce.Sign() < 0 || nonce.Cmp(maxUint256) > 0 {
		return common.Hash{}, ErrNonceRange
	}
	return crypto.Keccak256Hash(
		common.LeftPadBytes(wei.Bytes(), 32),
		secret.Bytes(),
		common.LeftPadBytes(nonce.Bytes(), 32),
	), nil
}
