// Package derived implements the asset module for composable assets priced
// by recursive decomposition into underlying asset amounts. Concrete asset
// classes plug in a Decomposer; valuation and exposure propagation recurse
// one level down through the registry, which routes each underlying to its
// own module.
package derived

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kishansudani/accounts-v2/assets"
)

var (
	errNilStore      = errors.New("derived module: storage not configured")
	errNilRouter     = errors.New("derived module: router not configured")
	errNilDecomposer = errors.New("derived module: decomposer not configured")
	errInvalidAmount = errors.New("derived module: amount must be non-negative")
)

// Storage abstracts the subset of state manager functionality required by
// the module's ledger.
type Storage interface {
	KVGet(key []byte, out interface{}) (bool, error)
	KVPut(key []byte, value interface{}) error
}

// Router is the recursion seam back into the registry. Each call routes a
// single underlying asset key to the module that owns it, which may itself
// be primary or derived.
type Router interface {
	ValueOf(creditor common.Address, key assets.AssetKey, amount *big.Int) (assets.Value, error)
	ProcessUnderlyingDeposit(creditor common.Address, key assets.AssetKey, exposure, delta *big.Int) (*big.Int, error)
	ProcessUnderlyingWithdrawal(creditor common.Address, key assets.AssetKey, exposure, delta *big.Int) (*big.Int, error)
}

// Decomposer supplies the asset-class-specific geometry: which underlying
// assets a derived asset is built from, and how an asset amount converts
// into underlying amounts. Underlying amounts are a function of the total
// exposure, not of deltas; pool curves are nonlinear.
type Decomposer interface {
	UnderlyingKeys(key assets.AssetKey) ([]assets.AssetKey, error)
	UnderlyingAmounts(creditor common.Address, key assets.AssetKey, amount *big.Int) ([]*big.Int, error)
}

// Module prices and tracks exposure for decomposable assets. Mutating
// methods run inside the registry's storage snapshot: any error unwinds the
// whole recursive update chain.
type Module struct {
	name   string
	store  Storage
	router Router
	dec    Decomposer
}

// NewModule constructs a derived module around the provided decomposer. The
// router is wired afterwards via SetRouter when the module is registered.
func NewModule(name string, store Storage, dec Decomposer) *Module {
	return &Module{name: name, store: store, dec: dec}
}

// SetRouter wires the module to the registry's recursion seam.
func (m *Module) SetRouter(router Router) {
	if m == nil {
		return
	}
	m.router = router
}

// Name returns the module identifier used in routing tables and logs.
func (m *Module) Name() string { return m.name }

// SetRiskParameters records the creditor's protocol-wide USD ceiling and the
// multiplicative risk dampener applied on top of underlying risk factors.
func (m *Module) SetRiskParameters(creditor common.Address, maxUsdExposureProtocol *big.Int, riskFactor uint64) error {
	if err := m.ready(); err != nil {
		return err
	}
	if riskFactor > assets.RiskFactorUnit {
		return assets.ErrRiskFactorNotInLimits
	}
	if maxUsdExposureProtocol == nil || maxUsdExposureProtocol.Sign() < 0 || maxUsdExposureProtocol.Cmp(assets.MaxUsdExposure) > 0 {
		return assets.ErrOutOfRange
	}
	params, _, err := m.loadProtocol(creditor)
	if err != nil {
		return err
	}
	params.MaxUsdExposureProtocol = maxUsdExposureProtocol
	params.RiskFactor = riskFactor
	return m.saveProtocol(creditor, params)
}

// Value prices an amount of the derived asset by decomposing it, pricing
// each underlying through the registry, summing the USD values and combining
// risk factors conservatively: the minimum across underlyings, dampened by
// the creditor's protocol risk factor. The portfolio is only as safe as its
// weakest underlying.
func (m *Module) Value(creditor, asset common.Address, id uint64, amount *big.Int) (assets.Value, error) {
	if err := m.ready(); err != nil {
		return assets.Value{}, err
	}
	if amount == nil || amount.Sign() < 0 {
		return assets.Value{}, errInvalidAmount
	}
	key := assets.Key(asset, id)
	ukeys, err := m.dec.UnderlyingKeys(key)
	if err != nil {
		if errors.Is(err, assets.ErrUnknownAsset) {
			return assets.ZeroValue(), nil
		}
		return assets.Value{}, err
	}
	amounts, err := m.dec.UnderlyingAmounts(creditor, key, amount)
	if err != nil {
		return assets.Value{}, err
	}
	if len(amounts) != len(ukeys) {
		return assets.Value{}, fmt.Errorf("derived module: decomposer returned %d amounts for %d underlyings", len(amounts), len(ukeys))
	}
	usd := big.NewInt(0)
	minColl := assets.RiskFactorUnit
	minLiq := assets.RiskFactorUnit
	for i, ukey := range ukeys {
		value, err := m.router.ValueOf(creditor, ukey, amounts[i])
		if err != nil {
			return assets.Value{}, err
		}
		if value.USD != nil {
			usd.Add(usd, value.USD)
		}
		minColl = assets.MinFactor(minColl, value.CollateralFactor)
		minLiq = assets.MinFactor(minLiq, value.LiquidationFactor)
	}
	params, _, err := m.loadProtocol(creditor)
	if err != nil {
		return assets.Value{}, err
	}
	return assets.Value{
		USD:               usd,
		CollateralFactor:  params.RiskFactor * minColl / assets.RiskFactorUnit,
		LiquidationFactor: params.RiskFactor * minLiq / assets.RiskFactorUnit,
	}, nil
}

// ProcessDirectDeposit applies a first-party deposit: the unit exposure
// grows by the amount and the full recursive update runs against the new
// total. The protocol ceiling is enforced even for zero amounts, so a
// ceiling of zero acts as a kill switch.
func (m *Module) ProcessDirectDeposit(creditor, asset common.Address, id uint64, amount *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	key := assets.Key(asset, id)
	exp, _, err := m.loadExposures(creditor, key)
	if err != nil {
		return err
	}
	next := new(big.Int).Add(exp.LastExposureAsset, amount)
	if next.Cmp(assets.MaxAssetExposure) > 0 {
		return fmt.Errorf("derived module: %w", assets.ErrOverflow)
	}
	_, err = m.processDeposit(creditor, key, next)
	return err
}

// ProcessIndirectDeposit folds in a signed delta propagated from an upper
// derived asset, runs the recursive update, and returns the USD value
// attributable to the caller's exposure share.
func (m *Module) ProcessIndirectDeposit(creditor, asset common.Address, id uint64, exposureUpper, deltaUpper *big.Int) (*big.Int, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	key := assets.Key(asset, id)
	exp, _, err := m.loadExposures(creditor, key)
	if err != nil {
		return nil, err
	}
	next := assets.ApplyDelta(exp.LastExposureAsset, deltaUpper)
	usdAsset, err := m.processDeposit(creditor, key, next)
	if err != nil {
		return nil, err
	}
	return shareOf(usdAsset, exposureUpper, next), nil
}

// ProcessDirectWithdrawal reduces the unit exposure with the clamp rule and
// runs the recursive update. Withdrawals never enforce the protocol ceiling.
func (m *Module) ProcessDirectWithdrawal(creditor, asset common.Address, id uint64, amount *big.Int) error {
	if err := m.ready(); err != nil {
		return err
	}
	if amount == nil || amount.Sign() < 0 {
		return errInvalidAmount
	}
	key := assets.Key(asset, id)
	exp, _, err := m.loadExposures(creditor, key)
	if err != nil {
		return err
	}
	next := assets.ClampSub(exp.LastExposureAsset, amount)
	_, err = m.processWithdrawal(creditor, key, next)
	return err
}

// ProcessIndirectWithdrawal applies a signed delta during an upper-level
// withdrawal. The delta may still be positive in a multi-level
// decomposition, which is why the overflow guard on the protocol counter is
// retained here while the business ceiling is not.
func (m *Module) ProcessIndirectWithdrawal(creditor, asset common.Address, id uint64, exposureUpper, deltaUpper *big.Int) (*big.Int, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	key := assets.Key(asset, id)
	exp, _, err := m.loadExposures(creditor, key)
	if err != nil {
		return nil, err
	}
	next := assets.ApplyDelta(exp.LastExposureAsset, deltaUpper)
	usdAsset, err := m.processWithdrawal(creditor, key, next)
	if err != nil {
		return nil, err
	}
	return shareOf(usdAsset, exposureUpper, next), nil
}

// Exposures reports the last recorded unit and USD exposure for a creditor's
// position in the asset.
func (m *Module) Exposures(creditor, asset common.Address, id uint64) (lastExposure, lastUsdExposure *big.Int, err error) {
	if err := m.ready(); err != nil {
		return nil, nil, err
	}
	exp, _, err := m.loadExposures(creditor, assets.Key(asset, id))
	if err != nil {
		return nil, nil, err
	}
	return exp.LastExposureAsset, exp.LastUsdExposureAsset, nil
}

// ProtocolExposure reports the creditor's protocol-wide USD exposure, its
// ceiling and the protocol risk factor.
func (m *Module) ProtocolExposure(creditor common.Address) (last, max *big.Int, riskFactor uint64, err error) {
	if err := m.ready(); err != nil {
		return nil, nil, 0, err
	}
	params, _, err := m.loadProtocol(creditor)
	if err != nil {
		return nil, nil, 0, err
	}
	return params.LastUsdExposureProtocol, params.MaxUsdExposureProtocol, params.RiskFactor, nil
}

// processDeposit runs the recursive update for a new total unit exposure and
// returns the asset's resulting USD exposure.
func (m *Module) processDeposit(creditor common.Address, key assets.AssetKey, newExposure *big.Int) (*big.Int, error) {
	usdAsset, err := m.propagate(creditor, key, newExposure, m.router.ProcessUnderlyingDeposit)
	if err != nil {
		return nil, err
	}
	exp, _, err := m.loadExposures(creditor, key)
	if err != nil {
		return nil, err
	}
	params, _, err := m.loadProtocol(creditor)
	if err != nil {
		return nil, err
	}
	prev := exp.LastUsdExposureAsset
	if usdAsset.Cmp(prev) >= 0 {
		grow := new(big.Int).Sub(usdAsset, prev)
		params.LastUsdExposureProtocol = new(big.Int).Add(params.LastUsdExposureProtocol, grow)
	} else {
		shrink := new(big.Int).Sub(prev, usdAsset)
		params.LastUsdExposureProtocol = assets.ClampSub(params.LastUsdExposureProtocol, shrink)
	}
	// Strict less-than, checked even for zero-amount deposits: a ceiling of
	// exactly zero blocks all activity.
	if params.LastUsdExposureProtocol.Cmp(params.MaxUsdExposureProtocol) >= 0 {
		return nil, assets.ErrExposureExceeded
	}
	exp.LastExposureAsset = newExposure
	exp.LastUsdExposureAsset = usdAsset
	if err := m.saveExposures(creditor, key, exp); err != nil {
		return nil, err
	}
	if err := m.saveProtocol(creditor, params); err != nil {
		return nil, err
	}
	return usdAsset, nil
}

// processWithdrawal mirrors processDeposit without the ceiling check. A
// protocol counter increase past its fixed-width bound is surfaced as a
// fatal overflow instead of being clamped: a withdrawal growing protocol
// exposure beyond recorded levels is an invariant violation worth surfacing.
func (m *Module) processWithdrawal(creditor common.Address, key assets.AssetKey, newExposure *big.Int) (*big.Int, error) {
	usdAsset, err := m.propagate(creditor, key, newExposure, m.router.ProcessUnderlyingWithdrawal)
	if err != nil {
		return nil, err
	}
	exp, _, err := m.loadExposures(creditor, key)
	if err != nil {
		return nil, err
	}
	params, _, err := m.loadProtocol(creditor)
	if err != nil {
		return nil, err
	}
	prev := exp.LastUsdExposureAsset
	if usdAsset.Cmp(prev) >= 0 {
		grow := new(big.Int).Sub(usdAsset, prev)
		next := new(big.Int).Add(params.LastUsdExposureProtocol, grow)
		if next.Cmp(assets.MaxUsdExposure) > 0 {
			return nil, fmt.Errorf("derived module: protocol exposure: %w", assets.ErrOverflow)
		}
		params.LastUsdExposureProtocol = next
	} else {
		shrink := new(big.Int).Sub(prev, usdAsset)
		params.LastUsdExposureProtocol = assets.ClampSub(params.LastUsdExposureProtocol, shrink)
	}
	exp.LastExposureAsset = newExposure
	exp.LastUsdExposureAsset = usdAsset
	if err := m.saveExposures(creditor, key, exp); err != nil {
		return nil, err
	}
	if err := m.saveProtocol(creditor, params); err != nil {
		return nil, err
	}
	return usdAsset, nil
}

// propagate recomputes underlying amounts for the new total exposure and
// pushes the per-underlying deltas one level down, accumulating the returned
// USD values. Underlying amounts cannot be derived incrementally from the
// deposit amount alone.
func (m *Module) propagate(creditor common.Address, key assets.AssetKey, newExposure *big.Int,
	process func(common.Address, assets.AssetKey, *big.Int, *big.Int) (*big.Int, error)) (*big.Int, error) {
	ukeys, err := m.dec.UnderlyingKeys(key)
	if err != nil {
		return nil, err
	}
	amounts, err := m.dec.UnderlyingAmounts(creditor, key, newExposure)
	if err != nil {
		return nil, err
	}
	if len(amounts) != len(ukeys) {
		return nil, fmt.Errorf("derived module: decomposer returned %d amounts for %d underlyings", len(amounts), len(ukeys))
	}
	total := big.NewInt(0)
	for i, ukey := range ukeys {
		last, err := m.loadUnderlying(creditor, key, ukey)
		if err != nil {
			return nil, err
		}
		delta := new(big.Int).Sub(amounts[i], last)
		if err := m.saveUnderlying(creditor, key, ukey, amounts[i]); err != nil {
			return nil, err
		}
		usd, err := process(creditor, ukey, amounts[i], delta)
		if err != nil {
			return nil, err
		}
		if usd != nil {
			total.Add(total, usd)
		}
	}
	return total, nil
}

// shareOf returns usdAsset * exposureUpper / totalExposure with zero-divisor
// guards: the proportional USD value attributable to the caller's share.
func shareOf(usdAsset, exposureUpper, totalExposure *big.Int) *big.Int {
	if usdAsset == nil || usdAsset.Sign() == 0 {
		return big.NewInt(0)
	}
	if exposureUpper == nil || exposureUpper.Sign() == 0 {
		return big.NewInt(0)
	}
	if totalExposure == nil || totalExposure.Sign() == 0 {
		return big.NewInt(0)
	}
	share := new(big.Int).Mul(usdAsset, exposureUpper)
	return share.Quo(share, totalExposure)
}

func (m *Module) ready() error {
	if m == nil || m.store == nil {
		return errNilStore
	}
	if m.dec == nil {
		return errNilDecomposer
	}
	if m.router == nil {
		return errNilRouter
	}
	return nil
}
