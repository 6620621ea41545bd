package assets

import "math/big"

// RiskFactorUnit is the fixed-point unit for collateral, liquidation and
// protocol risk factors: 10_000 basis points = 100.00%.
const RiskFactorUnit uint64 = 10_000

// ValueUnit is the 18-decimals fixed-point unit shared by oracle rates and
// USD valuations.
var ValueUnit = big.NewInt(1_000_000_000_000_000_000)

var (
	// MaxAssetExposure bounds unit exposures and their ceilings (2^128 - 1).
	MaxAssetExposure = maxUint(128)
	// MaxUsdExposure bounds USD exposures and their ceilings (2^112 - 1).
	MaxUsdExposure = maxUint(112)
)

func maxUint(bits uint) *big.Int {
	v := new(big.Int).Lsh(big.NewInt(1), bits)
	return v.Sub(v, big.NewInt(1))
}

// Value is the result of pricing an asset amount: its USD valuation at
// 18-decimals precision together with the creditor-specific risk factors.
type Value struct {
	USD               *big.Int
	CollateralFactor  uint64
	LiquidationFactor uint64
}

// ZeroValue is returned for assets unknown to the queried module.
func ZeroValue() Value {
	return Value{USD: big.NewInt(0)}
}

// ApplyDelta folds a signed exposure delta into the last recorded exposure.
// Non-negative deltas add; negative deltas subtract with a clamp at zero. The
// clamp never wraps and never fails: withdrawing more than the recorded
// exposure leaves the ledger at exactly zero.
func ApplyDelta(last, delta *big.Int) *big.Int {
	if last == nil {
		last = big.NewInt(0)
	}
	if delta == nil || delta.Sign() == 0 {
		return new(big.Int).Set(last)
	}
	next := new(big.Int).Add(last, delta)
	if next.Sign() < 0 {
		return big.NewInt(0)
	}
	return next
}

// ClampSub subtracts b from a, clamping at zero.
func ClampSub(a, b *big.Int) *big.Int {
	if a == nil {
		return big.NewInt(0)
	}
	if b == nil || b.Sign() == 0 {
		return new(big.Int).Set(a)
	}
	next := new(big.Int).Sub(a, b)
	if next.Sign() < 0 {
		return big.NewInt(0)
	}
	return next
}

// MinFactor returns the smaller of two risk factors.
func MinFactor(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
