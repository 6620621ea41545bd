package derived

import (
	"errors"
	"math/big"
	"testing"

	"github.com/kishansudani/accounts-v2/assets"
	"github.com/kishansudani/accounts-v2/storage"
)

func newTestPool(t *testing.T) (*PoolModule, *ManualReserves) {
	t.Helper()
	reserves := NewManualReserves()
	pool := NewPoolModule("pool-positions", storage.NewManager(storage.NewMemDB()), reserves)
	if err := pool.AddAsset(lpAddr, 1, assets.Key(tokenA, 0), assets.Key(tokenB, 0)); err != nil {
		t.Fatalf("add asset: %v", err)
	}
	return pool, reserves
}

func TestPoolAddAssetOnce(t *testing.T) {
	pool, _ := newTestPool(t)
	err := pool.AddAsset(lpAddr, 1, assets.Key(tokenA, 0), assets.Key(tokenB, 0))
	if err == nil {
		t.Fatal("relisting a pool position must fail")
	}
}

func TestPoolUnderlyingKeys(t *testing.T) {
	pool, _ := newTestPool(t)
	keys, err := pool.UnderlyingKeys(assets.Key(lpAddr, 1))
	if err != nil {
		t.Fatalf("underlying keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != assets.Key(tokenA, 0) || keys[1] != assets.Key(tokenB, 0) {
		t.Fatalf("unexpected underlying keys: %v", keys)
	}

	_, err = pool.UnderlyingKeys(assets.Key(lpAddr, 2))
	if !errors.Is(err, assets.ErrUnknownAsset) {
		t.Fatalf("unlisted position must resolve to ErrUnknownAsset, got %v", err)
	}
}

func TestPoolDecomposesProRata(t *testing.T) {
	pool, reserves := newTestPool(t)
	// Reserves 1000/2000 over a supply of 100: 10 position units back
	// 100 of token0 and 200 of token1.
	if err := reserves.SetReserves(lpAddr, 1, big.NewInt(1000), big.NewInt(2000), big.NewInt(100)); err != nil {
		t.Fatalf("set reserves: %v", err)
	}
	amounts, err := pool.UnderlyingAmounts(creditor, assets.Key(lpAddr, 1), big.NewInt(10))
	if err != nil {
		t.Fatalf("underlying amounts: %v", err)
	}
	if amounts[0].Cmp(big.NewInt(100)) != 0 || amounts[1].Cmp(big.NewInt(200)) != 0 {
		t.Fatalf("amounts = %s/%s, want 100/200", amounts[0], amounts[1])
	}
}

func TestPoolDecompositionFloors(t *testing.T) {
	pool, reserves := newTestPool(t)
	if err := reserves.SetReserves(lpAddr, 1, big.NewInt(10), big.NewInt(10), big.NewInt(3)); err != nil {
		t.Fatalf("set reserves: %v", err)
	}
	amounts, err := pool.UnderlyingAmounts(creditor, assets.Key(lpAddr, 1), big.NewInt(1))
	if err != nil {
		t.Fatalf("underlying amounts: %v", err)
	}
	// 1 * 10 / 3 floors to 3.
	if amounts[0].Cmp(big.NewInt(3)) != 0 {
		t.Fatalf("amount = %s, want 3", amounts[0])
	}
}

func TestPoolZeroSupplyDecomposesToZero(t *testing.T) {
	pool, _ := newTestPool(t)
	amounts, err := pool.UnderlyingAmounts(creditor, assets.Key(lpAddr, 1), big.NewInt(10))
	if err != nil {
		t.Fatalf("underlying amounts: %v", err)
	}
	if amounts[0].Sign() != 0 || amounts[1].Sign() != 0 {
		t.Fatalf("amounts = %s/%s, want 0/0", amounts[0], amounts[1])
	}
}

func TestManualReservesRejectsNegative(t *testing.T) {
	reserves := NewManualReserves()
	if err := reserves.SetReserves(lpAddr, 1, big.NewInt(-1), big.NewInt(0), big.NewInt(0)); err == nil {
		t.Fatal("negative reserves must be rejected")
	}
}
