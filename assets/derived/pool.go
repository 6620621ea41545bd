package derived

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kishansudani/accounts-v2/assets"
)

var pairPrefix = []byte("assets/derived/pair/")

var errPairListed = errors.New("derived module: pool already registered")

// ReserveSource reports the current reserves and total supply of a pool
// position asset. Implementations range from the manual source administered
// through the service to adapters over live pool state.
type ReserveSource interface {
	Reserves(asset common.Address, id uint64) (reserve0, reserve1, totalSupply *big.Int, err error)
}

// PoolModule is the concrete derived module for two-token pool positions.
// An amount of the position decomposes pro-rata into the pool's reserves:
// amount * reserve_i / totalSupply, floor division.
type PoolModule struct {
	*Module
	reserves ReserveSource
}

type pairRecord struct {
	Token0 [32]byte
	Token1 [32]byte
}

// NewPoolModule constructs a pool position module backed by the provided
// reserve source. The module acts as its own decomposer.
func NewPoolModule(name string, store Storage, reserves ReserveSource) *PoolModule {
	pm := &PoolModule{reserves: reserves}
	pm.Module = NewModule(name, store, pm)
	return pm
}

// AddAsset lists a pool position with its two underlying asset keys.
func (p *PoolModule) AddAsset(asset common.Address, id uint64, token0, token1 assets.AssetKey) error {
	if p == nil || p.store == nil {
		return errNilStore
	}
	key := assets.Key(asset, id)
	var existing pairRecord
	ok, err := p.store.KVGet(p.pairKey(key), &existing)
	if err != nil {
		return err
	}
	if ok {
		return errPairListed
	}
	return p.store.KVPut(p.pairKey(key), pairRecord{Token0: token0, Token1: token1})
}

// UnderlyingKeys resolves the two tokens backing a listed pool position.
func (p *PoolModule) UnderlyingKeys(key assets.AssetKey) ([]assets.AssetKey, error) {
	var record pairRecord
	ok, err := p.store.KVGet(p.pairKey(key), &record)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, assets.ErrUnknownAsset
	}
	return []assets.AssetKey{record.Token0, record.Token1}, nil
}

// UnderlyingAmounts converts a position amount into token amounts using the
// pool's current reserves. A zero total supply decomposes to zero amounts.
func (p *PoolModule) UnderlyingAmounts(_ common.Address, key assets.AssetKey, amount *big.Int) ([]*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	asset, id := key.Asset()
	reserve0, reserve1, supply, err := p.reserves.Reserves(asset, id)
	if err != nil {
		return nil, fmt.Errorf("derived module: reserves for %s/%d: %w", asset.Hex(), id, err)
	}
	if supply == nil || supply.Sign() == 0 {
		return []*big.Int{big.NewInt(0), big.NewInt(0)}, nil
	}
	amount0 := new(big.Int).Mul(amount, reserve0)
	amount0.Quo(amount0, supply)
	amount1 := new(big.Int).Mul(amount, reserve1)
	amount1.Quo(amount1, supply)
	return []*big.Int{amount0, amount1}, nil
}

func (p *PoolModule) pairKey(key assets.AssetKey) []byte {
	suffix := p.name + "/" + key.Hex()
	buf := make([]byte, len(pairPrefix)+len(suffix))
	copy(buf, pairPrefix)
	copy(buf[len(pairPrefix):], suffix)
	return buf
}

// ManualReserves is an operator-administered ReserveSource whose pool state
// is pushed through the admin surface.
type ManualReserves struct {
	mu    sync.RWMutex
	pools map[assets.AssetKey]manualPool
}

type manualPool struct {
	reserve0 *big.Int
	reserve1 *big.Int
	supply   *big.Int
}

// NewManualReserves constructs an empty reserve source.
func NewManualReserves() *ManualReserves {
	return &ManualReserves{pools: make(map[assets.AssetKey]manualPool)}
}

// SetReserves records the pool state for a position asset.
func (r *ManualReserves) SetReserves(asset common.Address, id uint64, reserve0, reserve1, supply *big.Int) error {
	if reserve0 == nil || reserve1 == nil || supply == nil ||
		reserve0.Sign() < 0 || reserve1.Sign() < 0 || supply.Sign() < 0 {
		return fmt.Errorf("derived module: reserves must be non-negative")
	}
	r.mu.Lock()
	r.pools[assets.Key(asset, id)] = manualPool{
		reserve0: new(big.Int).Set(reserve0),
		reserve1: new(big.Int).Set(reserve1),
		supply:   new(big.Int).Set(supply),
	}
	r.mu.Unlock()
	return nil
}

// Reserves returns the recorded pool state, or zeroes when the pool has
// never been pushed.
func (r *ManualReserves) Reserves(asset common.Address, id uint64) (*big.Int, *big.Int, *big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pool, ok := r.pools[assets.Key(asset, id)]
	if !ok {
		return big.NewInt(0), big.NewInt(0), big.NewInt(0), nil
	}
	return new(big.Int).Set(pool.reserve0), new(big.Int).Set(pool.reserve1), new(big.Int).Set(pool.supply), nil
}
