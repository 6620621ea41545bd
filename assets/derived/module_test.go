package derived

import (
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kishansudani/accounts-v2/assets"
	"github.com/kishansudani/accounts-v2/storage"
)

var (
	creditor = common.HexToAddress("0xc0ffee00000000000000000000000000000000cc")
	lpAddr   = common.HexToAddress("0x5555555555555555555555555555555555555555")
	tokenA   = common.HexToAddress("0xaaaa000000000000000000000000000000000001")
	tokenB   = common.HexToAddress("0xbbbb000000000000000000000000000000000002")
	oneUnit  = big.NewInt(1_000_000_000_000_000_000)
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneUnit)
}

// fakeRouter prices each underlying at a fixed USD rate per 1e18 units and
// records the deltas propagated down.
type fakeRouter struct {
	prices  map[assets.AssetKey]*big.Int
	factors map[assets.AssetKey][2]uint64
	deltas  []*big.Int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		prices:  make(map[assets.AssetKey]*big.Int),
		factors: make(map[assets.AssetKey][2]uint64),
	}
}

func (r *fakeRouter) price(key assets.AssetKey, amount *big.Int) *big.Int {
	rate, ok := r.prices[key]
	if !ok || amount == nil {
		return big.NewInt(0)
	}
	usd := new(big.Int).Mul(amount, rate)
	return usd.Quo(usd, oneUnit)
}

func (r *fakeRouter) ValueOf(_ common.Address, key assets.AssetKey, amount *big.Int) (assets.Value, error) {
	factors := r.factors[key]
	return assets.Value{
		USD:               r.price(key, amount),
		CollateralFactor:  factors[0],
		LiquidationFactor: factors[1],
	}, nil
}

func (r *fakeRouter) ProcessUnderlyingDeposit(_ common.Address, key assets.AssetKey, exposure, delta *big.Int) (*big.Int, error) {
	r.deltas = append(r.deltas, new(big.Int).Set(delta))
	return r.price(key, exposure), nil
}

func (r *fakeRouter) ProcessUnderlyingWithdrawal(_ common.Address, key assets.AssetKey, exposure, delta *big.Int) (*big.Int, error) {
	r.deltas = append(r.deltas, new(big.Int).Set(delta))
	return r.price(key, exposure), nil
}

// halfSplit decomposes any amount evenly across two underlyings.
type halfSplit struct {
	keys []assets.AssetKey
}

func (d halfSplit) UnderlyingKeys(key assets.AssetKey) ([]assets.AssetKey, error) {
	if key != assets.Key(lpAddr, 0) {
		return nil, assets.ErrUnknownAsset
	}
	return d.keys, nil
}

func (d halfSplit) UnderlyingAmounts(_ common.Address, _ assets.AssetKey, amount *big.Int) ([]*big.Int, error) {
	half := new(big.Int).Quo(amount, big.NewInt(2))
	return []*big.Int{half, new(big.Int).Sub(amount, half)}, nil
}

func newTestModule(t *testing.T) (*Module, *fakeRouter) {
	t.Helper()
	router := newFakeRouter()
	keyA := assets.Key(tokenA, 0)
	keyB := assets.Key(tokenB, 0)
	router.prices[keyA] = units(1)
	router.prices[keyB] = units(3)
	router.factors[keyA] = [2]uint64{7000, 8000}
	router.factors[keyB] = [2]uint64{4000, 6000}

	mod := NewModule("pool-positions", storage.NewManager(storage.NewMemDB()), halfSplit{keys: []assets.AssetKey{keyA, keyB}})
	mod.SetRouter(router)
	return mod, router
}

func TestValueSumsUnderlyings(t *testing.T) {
	mod, _ := newTestModule(t)
	if err := mod.SetRiskParameters(creditor, assets.MaxUsdExposure, 5000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	// 100 units decompose into 50 of A ($1) and 50 of B ($3): $200 total.
	value, err := mod.Value(creditor, lpAddr, 0, units(100))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.USD.Cmp(units(200)) != 0 {
		t.Fatalf("usd = %s, want 200e18", value.USD)
	}
	// min(7000, 4000) dampened by 50%: 20.00% and min(8000, 6000) -> 30.00%.
	if value.CollateralFactor != 2000 {
		t.Fatalf("collateral factor = %d, want 2000", value.CollateralFactor)
	}
	if value.LiquidationFactor != 3000 {
		t.Fatalf("liquidation factor = %d, want 3000", value.LiquidationFactor)
	}
}

func TestValueUnknownAssetIsZero(t *testing.T) {
	mod, _ := newTestModule(t)
	value, err := mod.Value(creditor, common.HexToAddress("0x99"), 0, units(1))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.USD.Sign() != 0 {
		t.Fatalf("expected zero value, got %s", value.USD)
	}
}

func TestDepositPropagatesDeltasAndTracksProtocol(t *testing.T) {
	mod, router := newTestModule(t)
	if err := mod.SetRiskParameters(creditor, assets.MaxUsdExposure, 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}

	if err := mod.ProcessDirectDeposit(creditor, lpAddr, 0, units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	last, usd, err := mod.Exposures(creditor, lpAddr, 0)
	if err != nil {
		t.Fatalf("exposures: %v", err)
	}
	if last.Cmp(units(100)) != 0 || usd.Cmp(units(200)) != 0 {
		t.Fatalf("exposures = %s/%s, want 100e18/200e18", last, usd)
	}
	protocol, _, _, err := mod.ProtocolExposure(creditor)
	if err != nil {
		t.Fatalf("protocol exposure: %v", err)
	}
	if protocol.Cmp(units(200)) != 0 {
		t.Fatalf("protocol = %s, want 200e18", protocol)
	}

	// A second deposit propagates only the underlying growth.
	router.deltas = nil
	if err := mod.ProcessDirectDeposit(creditor, lpAddr, 0, units(100)); err != nil {
		t.Fatalf("second deposit: %v", err)
	}
	if len(router.deltas) != 2 {
		t.Fatalf("expected 2 underlying updates, got %d", len(router.deltas))
	}
	for _, delta := range router.deltas {
		if delta.Cmp(units(50)) != 0 {
			t.Fatalf("delta = %s, want 50e18", delta)
		}
	}
	protocol, _, _, _ = mod.ProtocolExposure(creditor)
	if protocol.Cmp(units(400)) != 0 {
		t.Fatalf("protocol = %s, want 400e18", protocol)
	}
}

func TestProtocolCeilingStrict(t *testing.T) {
	mod, _ := newTestModule(t)
	// Depositing 100 units yields exactly $200 of protocol exposure; a
	// ceiling of $200 must reject it, $200 + 1 must admit it.
	if err := mod.SetRiskParameters(creditor, units(200), 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	err := mod.ProcessDirectDeposit(creditor, lpAddr, 0, units(100))
	if !errors.Is(err, assets.ErrExposureExceeded) {
		t.Fatalf("exposure reaching ceiling must fail, got %v", err)
	}
	if err := mod.SetRiskParameters(creditor, new(big.Int).Add(units(200), big.NewInt(1)), 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	if err := mod.ProcessDirectDeposit(creditor, lpAddr, 0, units(100)); err != nil {
		t.Fatalf("exposure below ceiling must pass: %v", err)
	}
}

func TestZeroProtocolCeilingBlocksZeroDeposit(t *testing.T) {
	mod, _ := newTestModule(t)
	// No parameters set: the protocol ceiling defaults to zero and acts as
	// a kill switch for all activity, including zero-amount deposits.
	err := mod.ProcessDirectDeposit(creditor, lpAddr, 0, big.NewInt(0))
	if !errors.Is(err, assets.ErrExposureExceeded) {
		t.Fatalf("expected kill-switch rejection, got %v", err)
	}
}

func TestWithdrawalClampsAndSkipsCeiling(t *testing.T) {
	mod, _ := newTestModule(t)
	if err := mod.SetRiskParameters(creditor, assets.MaxUsdExposure, 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	if err := mod.ProcessDirectDeposit(creditor, lpAddr, 0, units(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Shrink the ceiling below current exposure; withdrawal must still pass.
	if err := mod.SetRiskParameters(creditor, big.NewInt(1), 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	if err := mod.ProcessDirectWithdrawal(creditor, lpAddr, 0, units(150)); err != nil {
		t.Fatalf("withdrawal: %v", err)
	}
	last, usd, _ := mod.Exposures(creditor, lpAddr, 0)
	if last.Sign() != 0 || usd.Sign() != 0 {
		t.Fatalf("exposures = %s/%s, want 0/0", last, usd)
	}
	protocol, _, _, _ := mod.ProtocolExposure(creditor)
	if protocol.Sign() != 0 {
		t.Fatalf("protocol = %s, want 0", protocol)
	}
}

func TestIndirectDepositReturnsProportionalShare(t *testing.T) {
	mod, _ := newTestModule(t)
	if err := mod.SetRiskParameters(creditor, assets.MaxUsdExposure, 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	// New total exposure 100 units worth $200; the caller holds 25 units.
	usd, err := mod.ProcessIndirectDeposit(creditor, lpAddr, 0, units(25), units(100))
	if err != nil {
		t.Fatalf("indirect deposit: %v", err)
	}
	if usd.Cmp(units(50)) != 0 {
		t.Fatalf("share = %s, want 50e18", usd)
	}
}

func TestIndirectDepositZeroDivisorsYieldZero(t *testing.T) {
	mod, _ := newTestModule(t)
	if err := mod.SetRiskParameters(creditor, assets.MaxUsdExposure, 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	usd, err := mod.ProcessIndirectDeposit(creditor, lpAddr, 0, big.NewInt(0), big.NewInt(0))
	if err != nil {
		t.Fatalf("indirect deposit: %v", err)
	}
	if usd.Sign() != 0 {
		t.Fatalf("share = %s, want 0", usd)
	}
}

// overflowRouter reports an underlying valuation beyond the 112-bit USD
// bound, as a buggy or compromised downstream module would.
type overflowRouter struct{ fakeRouter }

func (r *overflowRouter) ProcessUnderlyingWithdrawal(common.Address, assets.AssetKey, *big.Int, *big.Int) (*big.Int, error) {
	return new(big.Int).Add(assets.MaxUsdExposure, big.NewInt(1)), nil
}

func TestWithdrawalProtocolOverflowIsFatal(t *testing.T) {
	router := &overflowRouter{}
	keyA := assets.Key(tokenA, 0)
	mod := NewModule("pool-positions", storage.NewManager(storage.NewMemDB()), halfSplit{keys: []assets.AssetKey{keyA, keyA}})
	mod.SetRouter(router)
	if err := mod.SetRiskParameters(creditor, assets.MaxUsdExposure, 10000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	err := mod.ProcessDirectWithdrawal(creditor, lpAddr, 0, big.NewInt(0))
	if !errors.Is(err, assets.ErrOverflow) {
		t.Fatalf("protocol counter overflow on withdrawal must be fatal, got %v", err)
	}
}
