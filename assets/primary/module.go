// Package primary implements the asset module for assets priced directly
// from an oracle sequence, with no underlying decomposition. Two flavours
// exist: fungible-token modules with injective asset keys, and
// floor-collection modules that collapse every token of a collection onto a
// single key priced by the collection's floor feed.
package primary

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kishansudani/accounts-v2/assets"
	"github.com/kishansudani/accounts-v2/oracle"
)

var (
	errNilStore      = errors.New("primary module: storage not configured")
	errNilRates      = errors.New("primary module: rate source not configured")
	errInvalidAmount = errors.New("primary module: amount must be non-negative")
	errAlreadyListed = errors.New("primary module: asset already registered")
	errBadDecimals   = errors.New("primary module: decimals exceed 18")
)

// Storage abstracts the subset of state manager functionality required by
// the module's ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// RateSource resolves oracle sequences to 18-decimals USD rates and
// validates sequence liveness. The oracle hub satisfies it.
type RateSource interface {
	RateInUsd(seq oracle.Sequence) (*big.Int, error)
	CheckSequence(seq oracle.Sequence) bool
}

// Module prices and tracks exposure for directly-quoted assets. All mutating
// methods are invoked by the registry inside a storage snapshot, so a
// returned error unwinds every write of the enclosing operation.
type Module struct {
	name   string
	store  Storage
	rates  RateSource
	keyFor func(common.Address, uint64) assets.AssetKey
	floor  bool
}

// NewTokenModule constructs a module for fungible tokens. Keys are injective
// per (address, id) pair and asset units derive from token decimals.
func NewTokenModule(name string, store Storage, rates RateSource) *Module {
	return &Module{name: name, store: store, rates: rates, keyFor: assets.Key}
}

// NewFloorModule constructs a module for floor-price collections. The key
// codec collapses every sub-id of a collection onto one key, so exposure and
// risk parameters are tracked per collection rather than per token. Asset
// units are pinned to 1: floor feeds quote whole tokens.
func NewFloorModule(name string, store Storage, rates RateSource) *Module {
	return &Module{
		name:  name,
		store: store,
		rates: rates,
		keyFor: func(addr common.Address, _ uint64) assets.AssetKey {
			return assets.FloorKey(addr)
		},
		floor: true,
	}
}

// Name returns the module identifier used in routing tables and logs.
func (m *Module) Name() string { return m.name }

// AddAsset lists an asset with its decimals and oracle sequence. Listing is
// one-shot; re-pointing the oracle afterwards goes through SetOracles.
func (m *Module) AddAsset(asset common.Address, id uint64, decimals uint8, seq oracle.Sequence) error {
	if err := m.ready(); err != nil {
		return err
	}
	if decimals > 18 {
		return errBadDecimals
	}
	if !m.rates.CheckSequence(seq) {
		return assets.ErrBadOracleSequence
	}
	key := m.keyFor(asset, id)
	if _, ok, err := m.loadInfo(key); err != nil {
		return err
	} else if ok {
		return errAlreadyListed
	}
	unit := uint64(1)
	if !m.floor {
		for i := uint8(0); i < decimals; i++ {
			unit *= 10
		}
	}
	return m.saveInfo(key, assetInfoRecord{AssetUnit: unit, Sequence: seq})
}

// SetOracles re-points a listed asset at a new oracle sequence. The previous
// sequence must be decommissioned first and the new one must pass the
// sequence-validity check.
func (m *Module) SetOracles(asset common.Address, id uint64, seq oracle.Sequence) error {
	if err := m.ready(); err != nil {
		return err
	}
	key := m.keyFor(asset, id)
	info, ok, err := m.loadInfo(key)
	if err != nil {
		return err
	}
	if !ok {
		return assets.ErrUnknownAsset
	}
	if m.rates.CheckSequence(oracle.Sequence(info.Sequence)) {
		return assets.ErrOracleStillActive
	}
	if !m.rates.CheckSequence(seq) {
		return assets.ErrBadOracleSequence
	}
	info.Sequence = seq
	return m.saveInfo(key, info)
}

// SetRiskParameters records the creditor-specific ceiling and risk factors
// for a listed asset. Factors above RiskFactorUnit and ceilings above the
// 128-bit exposure bound are rejected.
func (m *Module) SetRiskParameters(creditor, asset common.Address, id uint64, maxExposure *big.Int, collateralFactor, liquidationFactor uint64) error {
	if err := m.ready(); err != nil {
		return err
	}
	if collateralFactor > assets.RiskFactorUnit || liquidationFactor > assets.RiskFactorUnit {
		return assets.ErrOutOfRange
	}
	if maxExposure == nil || maxExposure.Sign() < 0 || maxExposure.Cmp(assets.MaxAssetExposure) > 0 {
		return assets.ErrOutOfRange
	}
	key := m.keyFor(asset, id)
	if _, ok, err := m.loadInfo(key); err != nil {
		return err
	} else if !ok {
		return assets.ErrUnknownAsset
	}
	risk, _, err := m.loadRisk(creditor, key)
	if err != nil {
		return err
	}
	risk.MaxExposure = maxExposure
	risk.CollateralFactor = collateralFactor
	risk.LiquidationFactor = liquidationFactor
	return m.saveRisk(creditor, key, risk)
}

// Value prices an amount of the asset for a creditor. Unknown assets
// resolve to a zero value without error; the registry guards routing, so an
// unknown asset here means the caller asked for something never listed.
func (m *Module) Value(creditor, asset common.Address, id uint64, amount *big.Int) (assets.Value, error) {
	if err := m.ready(); err != nil {
		return assets.Value{}, err
	}
	key := m.keyFor(asset, id)
	info, ok, err := m.loadInfo(key)
	if err != nil {
		return assets.Value{}, err
	}
	if !ok {
		return assets.ZeroValue(), nil
	}
	usd, err := m.usdValue(info, amount)
	if err != nil {
		return assets.Value{}, err
	}
	risk, _, err := m.loadRisk(creditor, key)
	if err != nil {
		return assets.Value{}, err
	}
	return assets.Value{
		USD:               usd,
		CollateralFactor:  risk.CollateralFactor,
		LiquidationFactor: risk.LiquidationFactor,
	}, nil
}

// ProcessDirectDeposit applies a first-party deposit to the creditor's
// exposure ledger. The resulting exposure must stay strictly below the
// ceiling: a ceiling of zero blocks every deposit, including zero-amount
// ones.
func (m *Module) ProcessDirectDeposit(creditor, asset common.Address, id uint64, amount *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	key := m.keyFor(asset, id)
	if _, ok, err := m.loadInfo(key); err != nil {
		return err
	} else if !ok {
		return assets.ErrUnknownAsset
	}
	risk, _, err := m.loadRisk(creditor, key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(risk.LastExposure, amount)
	if next.Cmp(risk.MaxExposure) >= 0 {
		return assets.ErrExposureExceeded
	}
	risk.LastExposure = next
	return m.saveRisk(creditor, key, risk)
}

// ProcessIndirectDeposit folds in a signed exposure delta propagated down
// from a derived asset holding this asset as an underlying. The delta is
// applied with the clamp rule, the ceiling is enforced on the resulting
// absolute exposure, and the USD value of the upper asset's whole exposure
// to this asset is returned.
func (m *Module) ProcessIndirectDeposit(creditor, asset common.Address, id uint64, exposureUpper, deltaUpper *big.Int) (*big.Int, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	key := m.keyFor(asset, id)
	info, ok, err := m.loadInfo(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, assets.ErrUnknownAsset
	}
	risk, _, err := m.loadRisk(creditor, key)
	if err != nil {
		return nil, err
	}
	next := assets.ApplyDelta(risk.LastExposure, deltaUpper)
	if next.Cmp(risk.MaxExposure) >= 0 {
		return nil, assets.ErrExposureExceeded
	}
	risk.LastExposure = next
	if err := m.saveRisk(creditor, key, risk); err != nil {
		return nil, err
	}
	return m.usdValue(info, exposureUpper)
}

// ProcessDirectWithdrawal reduces the creditor's exposure with the clamp
// rule. Withdrawals never check ceilings: reducing exposure cannot increase
// risk.
func (m *Module) ProcessDirectWithdrawal(creditor, asset common.Address, id uint64, amount *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	key := m.keyFor(asset, id)
	if _, ok, err := m.loadInfo(key); err != nil {
		return err
	} else if !ok {
		return assets.ErrUnknownAsset
	}
	risk, _, err := m.loadRisk(creditor, key)
	if err != nil {
		return err
	}
	risk.LastExposure = assets.ClampSub(risk.LastExposure, amount)
	return m.saveRisk(creditor, key, risk)
}

// ProcessIndirectWithdrawal applies a signed delta during an upper-level
// withdrawal and returns the USD value of the remaining upper exposure. No
// ceiling is enforced.
func (m *Module) ProcessIndirectWithdrawal(creditor, asset common.Address, id uint64, exposureUpper, deltaUpper *big.Int) (*big.Int, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	key := m.keyFor(asset, id)
	info, ok, err := m.loadInfo(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, assets.ErrUnknownAsset
	}
	risk, _, err := m.loadRisk(creditor, key)
	if err != nil {
		return nil, err
	}
	risk.LastExposure = assets.ApplyDelta(risk.LastExposure, deltaUpper)
	if err := m.saveRisk(creditor, key, risk); err != nil {
		return nil, err
	}
	return m.usdValue(info, exposureUpper)
}

// Exposure reports the last recorded exposure and ceiling for a creditor.
func (m *Module) Exposure(creditor, asset common.Address, id uint64) (last, max *big.Int, err error) {
	if err := m.ready(); err != nil {
		return nil, nil, err
	}
	risk, _, err := m.loadRisk(creditor, m.keyFor(asset, id))
	if err != nil {
		return nil, nil, err
	}
	return risk.LastExposure, risk.MaxExposure, nil
}

func (m *Module) usdValue(info assetInfoRecord, amount *big.Int) (*big.Int, error) {
	if amount == nil || amount.Sign() < 0 {
		return nil, errInvalidAmount
	}
	rate, err := m.rates.RateInUsd(oracle.Sequence(info.Sequence))
	if err != nil {
		return nil, fmt.Errorf("primary module: resolve rate: %w", err)
	}
	unit := new(big.Int).SetUint64(info.AssetUnit)
	usd := new(big.Int).Mul(amount, rate)
	// Floor division keeps the valuation conservative.
	return usd.Quo(usd, unit), nil
}

func (m *Module) ready() error {
	if m == nil || m.store == nil {
		return errNilStore
	}
	if m.rates == nil {
		return errNilRates
	}
	return nil
}
