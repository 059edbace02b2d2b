package trade

import (
	"errors"
	"fmt"
	"math/big"
)

// Fee schedule: fee = (200 + 10 - manner) * cost / 100, quoted in the
// nano-unit of the settlement currency and scaled by 1e9 into wei when
// attached to a transaction. A higher manner score earns a larger discount;
// the floor is 10% of cost at manner 200.
const (
	mannerBase = 200
	mannerGift = 10
	MannerMax  = mannerBase + mannerGift
)

// weiPerNano converts the nano-unit fee figure into the contract's smallest
// value unit. 1 nano-unit = 1e-9 of the settlement currency = 1e9 wei.
var weiPerNano = big.NewInt(1_000_000_000)

// ErrMannerOutOfRange flags a reputation read outside [0, 210]. Such a value
// indicates a corrupted source and is rejected, never clamped: clamping would
// silently turn a bad read into a real fee.
var ErrMannerOutOfRange = errors.New("trade: manner score out of range")

// Fee returns the escrow fee in nano-units as an exact rational.
func Fee(manner, cost uint64) (*big.Rat, error) {
	if manner > MannerMax {
		return nil, fmt.Errorf("%w: %d", ErrMannerOutOfRange, manner)
	}
	num := new(big.Int).Mul(
		new(big.Int).SetUint64(MannerMax-manner),
		new(big.Int).SetUint64(cost),
	)
	return new(big.Rat).SetFrac(num, big.NewInt(100)), nil
}

// FeeWei returns the fee scaled into wei. The scaling cancels the division by
// 100 exactly: (210-manner)*cost*1e7 wei.
func FeeWei(manner, cost uint64) (*big.Int, error) {
	if manner > MannerMax {
		return nil, fmt.Errorf("%w: %d", ErrMannerOutOfRange, manner)
	}
	wei := new(big.Int).Mul(
		new(big.Int).SetUint64(MannerMax-manner),
		new(big.Int).SetUint64(cost),
	)
	return wei.Mul(wei, big.NewInt(10_000_000)), nil
}

// DepositWei returns the value attached to the buyer's deposit transaction:
// the fee plus the full product cost, both in wei.
func DepositWei(manner, cost uint64) (*big.Int, error) {
	fee, err := FeeWei(manner, cost)
	if err != nil {
		return nil, err
	}
	principal := new(big.Int).Mul(new(big.Int).SetUint64(cost), weiPerNano)
	return fee.Add(fee, principal), nil
}
