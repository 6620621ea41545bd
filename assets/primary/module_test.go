package primary

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kishansudani/accounts-v2/assets"
	"github.com/kishansudani/accounts-v2/oracle"
	"github.com/kishansudani/accounts-v2/storage"
)

var (
	creditor  = common.HexToAddress("0xc0ffee00000000000000000000000000000000cc")
	tokenAddr = common.HexToAddress("0x1111111111111111111111111111111111111111")
	oneToken  = big.NewInt(1_000_000_000_000_000_000)
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Unix(1_700_000_000, 0) }
}

func newTestModule(t *testing.T) (*Module, *oracle.ManualFeed) {
	t.Helper()
	hub := oracle.NewHub(0)
	hub.SetClock(fixedClock())
	feed := oracle.NewManualFeed()
	feed.SetClock(fixedClock())
	if err := hub.Register("token-usd", feed); err != nil {
		t.Fatalf("register feed: %v", err)
	}
	// $2 per token at 18 decimals.
	if err := feed.SetRate(new(big.Int).Mul(big.NewInt(2), oneToken)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	mod := NewTokenModule("erc20", storage.NewManager(storage.NewMemDB()), hub)
	if err := mod.AddAsset(tokenAddr, 0, 18, oracle.Sequence{"token-usd"}); err != nil {
		t.Fatalf("add asset: %v", err)
	}
	return mod, feed
}

func tokens(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), oneToken)
}

func setRisk(t *testing.T, mod *Module, max *big.Int, coll, liq uint64) {
	t.Helper()
	if err := mod.SetRiskParameters(creditor, tokenAddr, 0, max, coll, liq); err != nil {
		t.Fatalf("set risk parameters: %v", err)
	}
}

func TestValuePricesFromOracle(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, tokens(1000), 7000, 8000)

	value, err := mod.Value(creditor, tokenAddr, 0, tokens(100))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.USD.Cmp(tokens(200)) != 0 {
		t.Fatalf("usd = %s, want 200e18", value.USD)
	}
	if value.CollateralFactor != 7000 || value.LiquidationFactor != 8000 {
		t.Fatalf("factors = %d/%d", value.CollateralFactor, value.LiquidationFactor)
	}
}

func TestValueUnknownAssetIsZero(t *testing.T) {
	mod, _ := newTestModule(t)
	value, err := mod.Value(creditor, common.HexToAddress("0x9999999999999999999999999999999999999999"), 0, tokens(1))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.USD.Sign() != 0 || value.CollateralFactor != 0 || value.LiquidationFactor != 0 {
		t.Fatalf("expected zero value, got %+v", value)
	}
}

func TestDirectDepositCeilingStrict(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, big.NewInt(1000), 0, 0)

	if err := mod.ProcessDirectDeposit(creditor, tokenAddr, 0, big.NewInt(999)); err != nil {
		t.Fatalf("deposit below ceiling: %v", err)
	}
	err := mod.ProcessDirectDeposit(creditor, tokenAddr, 0, big.NewInt(1))
	if !errors.Is(err, assets.ErrExposureExceeded) {
		t.Fatalf("cumulative deposit reaching ceiling must fail, got %v", err)
	}
	last, _, err := mod.Exposure(creditor, tokenAddr, 0)
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if last.Cmp(big.NewInt(999)) != 0 {
		t.Fatalf("exposure = %s, want 999", last)
	}
}

func TestZeroCeilingBlocksZeroDeposit(t *testing.T) {
	mod, _ := newTestModule(t)
	// No risk parameters set: ceiling defaults to zero.
	err := mod.ProcessDirectDeposit(creditor, tokenAddr, 0, big.NewInt(0))
	if !errors.Is(err, assets.ErrExposureExceeded) {
		t.Fatalf("zero ceiling must block zero-amount deposits, got %v", err)
	}
}

func TestWithdrawalClampsNeverBlocks(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, big.NewInt(1000), 0, 0)
	if err := mod.ProcessDirectDeposit(creditor, tokenAddr, 0, big.NewInt(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	// Ceiling dropped below current exposure: withdrawals must still pass.
	setRisk(t, mod, big.NewInt(1), 0, 0)
	if err := mod.ProcessDirectWithdrawal(creditor, tokenAddr, 0, big.NewInt(150)); err != nil {
		t.Fatalf("withdrawal must never be ceiling-blocked: %v", err)
	}
	last, _, err := mod.Exposure(creditor, tokenAddr, 0)
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if last.Sign() != 0 {
		t.Fatalf("exposure = %s, want clamp to 0", last)
	}
}

func TestIndirectDepositAppliesDeltaAndPricesUpperExposure(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, tokens(1000), 0, 0)

	usd, err := mod.ProcessIndirectDeposit(creditor, tokenAddr, 0, tokens(50), tokens(50))
	if err != nil {
		t.Fatalf("indirect deposit: %v", err)
	}
	if usd.Cmp(tokens(100)) != 0 {
		t.Fatalf("usd = %s, want 100e18", usd)
	}
	last, _, _ := mod.Exposure(creditor, tokenAddr, 0)
	if last.Cmp(tokens(50)) != 0 {
		t.Fatalf("exposure = %s, want 50e18", last)
	}

	// Negative delta during a deposit clamps rather than wrapping.
	usd, err = mod.ProcessIndirectDeposit(creditor, tokenAddr, 0, big.NewInt(0), new(big.Int).Neg(tokens(80)))
	if err != nil {
		t.Fatalf("indirect deposit with negative delta: %v", err)
	}
	if usd.Sign() != 0 {
		t.Fatalf("usd = %s, want 0", usd)
	}
	last, _, _ = mod.Exposure(creditor, tokenAddr, 0)
	if last.Sign() != 0 {
		t.Fatalf("exposure = %s, want 0", last)
	}
}

func TestIndirectDepositEnforcesCeilingOnResult(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, big.NewInt(100), 0, 0)
	_, err := mod.ProcessIndirectDeposit(creditor, tokenAddr, 0, big.NewInt(100), big.NewInt(100))
	if !errors.Is(err, assets.ErrExposureExceeded) {
		t.Fatalf("expected ceiling rejection, got %v", err)
	}
}

func TestIndirectWithdrawalSkipsCeiling(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, tokens(1000), 0, 0)
	if err := mod.ProcessDirectDeposit(creditor, tokenAddr, 0, tokens(10)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	setRisk(t, mod, big.NewInt(1), 0, 0)
	usd, err := mod.ProcessIndirectWithdrawal(creditor, tokenAddr, 0, tokens(5), new(big.Int).Neg(tokens(5)))
	if err != nil {
		t.Fatalf("indirect withdrawal: %v", err)
	}
	if usd.Cmp(tokens(10)) != 0 {
		t.Fatalf("usd = %s, want 10e18", usd)
	}
	last, _, _ := mod.Exposure(creditor, tokenAddr, 0)
	if last.Cmp(tokens(5)) != 0 {
		t.Fatalf("exposure = %s, want 5e18", last)
	}
}

func TestIndirectWithdrawalExposureBound(t *testing.T) {
	mod, _ := newTestModule(t)
	setRisk(t, mod, tokens(1000), 0, 0)

	// Positive deltas during withdrawals skip the ceiling but must still
	// respect the 128-bit ledger bound.
	if _, err := mod.ProcessIndirectWithdrawal(creditor, tokenAddr, 0, big.NewInt(0), new(big.Int).Set(assets.MaxAssetExposure)); err != nil {
		t.Fatalf("withdrawal up to the bound: %v", err)
	}
	_, err := mod.ProcessIndirectWithdrawal(creditor, tokenAddr, 0, big.NewInt(0), big.NewInt(1))
	if !errors.Is(err, assets.ErrOverflow) {
		t.Fatalf("exposure beyond 128 bits must fail, got %v", err)
	}
	last, _, err := mod.Exposure(creditor, tokenAddr, 0)
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if last.Cmp(assets.MaxAssetExposure) != 0 {
		t.Fatalf("exposure = %s, want the 128-bit bound", last)
	}
}

func TestSetRiskParametersBounds(t *testing.T) {
	mod, _ := newTestModule(t)
	err := mod.SetRiskParameters(creditor, tokenAddr, 0, big.NewInt(1), assets.RiskFactorUnit+1, 0)
	if !errors.Is(err, assets.ErrOutOfRange) {
		t.Fatalf("collateral factor above unit must fail, got %v", err)
	}
	err = mod.SetRiskParameters(creditor, tokenAddr, 0, big.NewInt(1), 0, assets.RiskFactorUnit+1)
	if !errors.Is(err, assets.ErrOutOfRange) {
		t.Fatalf("liquidation factor above unit must fail, got %v", err)
	}
	tooBig := new(big.Int).Add(assets.MaxAssetExposure, big.NewInt(1))
	err = mod.SetRiskParameters(creditor, tokenAddr, 0, tooBig, 0, 0)
	if !errors.Is(err, assets.ErrOutOfRange) {
		t.Fatalf("ceiling beyond 128 bits must fail, got %v", err)
	}
}

func TestSetOraclesGating(t *testing.T) {
	hub := oracle.NewHub(0)
	hub.SetClock(fixedClock())
	oldFeed := oracle.NewManualFeed()
	oldFeed.SetClock(fixedClock())
	newFeed := oracle.NewManualFeed()
	newFeed.SetClock(fixedClock())
	hub.Register("old", oldFeed)
	hub.Register("new", newFeed)
	oldFeed.SetRate(oneToken)
	newFeed.SetRate(new(big.Int).Mul(big.NewInt(3), oneToken))

	mod := NewTokenModule("erc20", storage.NewManager(storage.NewMemDB()), hub)
	if err := mod.AddAsset(tokenAddr, 0, 18, oracle.Sequence{"old"}); err != nil {
		t.Fatalf("add asset: %v", err)
	}

	err := mod.SetOracles(tokenAddr, 0, oracle.Sequence{"new"})
	if !errors.Is(err, assets.ErrOracleStillActive) {
		t.Fatalf("active sequence must block re-pointing, got %v", err)
	}

	hub.Decommission("old")
	err = mod.SetOracles(tokenAddr, 0, oracle.Sequence{"missing"})
	if !errors.Is(err, assets.ErrBadOracleSequence) {
		t.Fatalf("invalid new sequence must fail, got %v", err)
	}
	if err := mod.SetOracles(tokenAddr, 0, oracle.Sequence{"new"}); err != nil {
		t.Fatalf("re-point: %v", err)
	}
	value, err := mod.Value(creditor, tokenAddr, 0, tokens(1))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.USD.Cmp(tokens(3)) != 0 {
		t.Fatalf("usd = %s, want 3e18 from the new feed", value.USD)
	}
}

func TestFloorModuleCollapsesIds(t *testing.T) {
	hub := oracle.NewHub(0)
	hub.SetClock(fixedClock())
	feed := oracle.NewManualFeed()
	feed.SetClock(fixedClock())
	hub.Register("floor", feed)
	feed.SetRate(new(big.Int).Mul(big.NewInt(5), oneToken))

	collection := common.HexToAddress("0x4444444444444444444444444444444444444444")
	mod := NewFloorModule("floor-collections", storage.NewManager(storage.NewMemDB()), hub)
	if err := mod.AddAsset(collection, 12, 0, oracle.Sequence{"floor"}); err != nil {
		t.Fatalf("add asset: %v", err)
	}
	if err := mod.SetRiskParameters(creditor, collection, 77, big.NewInt(100), 5000, 6000); err != nil {
		t.Fatalf("set risk: %v", err)
	}
	if err := mod.ProcessDirectDeposit(creditor, collection, 3, big.NewInt(2)); err != nil {
		t.Fatalf("deposit id 3: %v", err)
	}
	if err := mod.ProcessDirectDeposit(creditor, collection, 9, big.NewInt(1)); err != nil {
		t.Fatalf("deposit id 9: %v", err)
	}
	// Every id shares one exposure bucket.
	last, _, err := mod.Exposure(creditor, collection, 555)
	if err != nil {
		t.Fatalf("exposure: %v", err)
	}
	if last.Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("exposure = %s, want 3 across all ids", last)
	}
	// Floor pricing uses whole-token units.
	value, err := mod.Value(creditor, collection, 3, big.NewInt(2))
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	if value.USD.Cmp(tokens(10)) != 0 {
		t.Fatalf("usd = %s, want 10e18", value.USD)
	}
}
