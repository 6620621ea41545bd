package derived

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/kishansudani/accounts-v2/assets"
)

var (
	protocolPrefix   = []byte("assets/derived/protocol/")
	exposuresPrefix  = []byte("assets/derived/exposure/")
	underlyingPrefix = []byte("assets/derived/underlying/")
)

// derivedRiskParameters is the creditor's protocol-wide ledger entry: the
// running USD exposure across every derived asset, its ceiling, and the
// multiplicative risk dampener.
type derivedRiskParameters struct {
	LastUsdExposureProtocol *big.Int
	MaxUsdExposureProtocol  *big.Int
	RiskFactor              uint64
}

type storedDerivedRiskParameters struct {
	LastUsdExposureProtocol *uint256.Int
	MaxUsdExposureProtocol  *uint256.Int
	RiskFactor              uint64
}

// exposuresPerAsset tracks a creditor's position in one derived asset: the
// unit exposure and its last known USD valuation.
type exposuresPerAsset struct {
	LastExposureAsset    *big.Int
	LastUsdExposureAsset *big.Int
}

type storedExposuresPerAsset struct {
	LastExposureAsset    *uint256.Int
	LastUsdExposureAsset *uint256.Int
}

type storedUnderlyingExposure struct {
	Exposure *uint256.Int
}

func (m *Module) protocolKey(creditor common.Address) []byte {
	suffix := m.name + "/" + creditor.Hex()
	buf := make([]byte, len(protocolPrefix)+len(suffix))
	copy(buf, protocolPrefix)
	copy(buf[len(protocolPrefix):], suffix)
	return buf
}

func (m *Module) exposuresKey(creditor common.Address, key assets.AssetKey) []byte {
	suffix := m.name + "/" + creditor.Hex() + "/" + key.Hex()
	buf := make([]byte, len(exposuresPrefix)+len(suffix))
	copy(buf, exposuresPrefix)
	copy(buf[len(exposuresPrefix):], suffix)
	return buf
}

func (m *Module) underlyingKey(creditor common.Address, key, underlying assets.AssetKey) []byte {
	suffix := m.name + "/" + creditor.Hex() + "/" + key.Hex() + "/" + underlying.Hex()
	buf := make([]byte, len(underlyingPrefix)+len(suffix))
	copy(buf, underlyingPrefix)
	copy(buf[len(underlyingPrefix):], suffix)
	return buf
}

func (m *Module) loadProtocol(creditor common.Address) (derivedRiskParameters, bool, error) {
	var stored storedDerivedRiskParameters
	ok, err := m.store.KVGet(m.protocolKey(creditor), &stored)
	if err != nil {
		return derivedRiskParameters{}, false, err
	}
	params := derivedRiskParameters{
		LastUsdExposureProtocol: big.NewInt(0),
		MaxUsdExposureProtocol:  big.NewInt(0),
	}
	if !ok {
		return params, false, nil
	}
	params.RiskFactor = stored.RiskFactor
	if stored.LastUsdExposureProtocol != nil {
		params.LastUsdExposureProtocol = stored.LastUsdExposureProtocol.ToBig()
	}
	if stored.MaxUsdExposureProtocol != nil {
		params.MaxUsdExposureProtocol = stored.MaxUsdExposureProtocol.ToBig()
	}
	return params, true, nil
}

func (m *Module) saveProtocol(creditor common.Address, params derivedRiskParameters) error {
	if params.LastUsdExposureProtocol.Cmp(assets.MaxUsdExposure) > 0 {
		return fmt.Errorf("derived module: protocol exposure: %w", assets.ErrOverflow)
	}
	stored := storedDerivedRiskParameters{
		LastUsdExposureProtocol: uint256.MustFromBig(params.LastUsdExposureProtocol),
		MaxUsdExposureProtocol:  uint256.MustFromBig(params.MaxUsdExposureProtocol),
		RiskFactor:              params.RiskFactor,
	}
	return m.store.KVPut(m.protocolKey(creditor), stored)
}

func (m *Module) loadExposures(creditor common.Address, key assets.AssetKey) (exposuresPerAsset, bool, error) {
	var stored storedExposuresPerAsset
	ok, err := m.store.KVGet(m.exposuresKey(creditor, key), &stored)
	if err != nil {
		return exposuresPerAsset{}, false, err
	}
	exp := exposuresPerAsset{
		LastExposureAsset:    big.NewInt(0),
		LastUsdExposureAsset: big.NewInt(0),
	}
	if !ok {
		return exp, false, nil
	}
	if stored.LastExposureAsset != nil {
		exp.LastExposureAsset = stored.LastExposureAsset.ToBig()
	}
	if stored.LastUsdExposureAsset != nil {
		exp.LastUsdExposureAsset = stored.LastUsdExposureAsset.ToBig()
	}
	return exp, true, nil
}

func (m *Module) saveExposures(creditor common.Address, key assets.AssetKey, exp exposuresPerAsset) error {
	if exp.LastExposureAsset.Cmp(assets.MaxAssetExposure) > 0 {
		return fmt.Errorf("derived module: unit exposure: %w", assets.ErrOverflow)
	}
	if exp.LastUsdExposureAsset.Cmp(assets.MaxUsdExposure) > 0 {
		return fmt.Errorf("derived module: usd exposure: %w", assets.ErrOverflow)
	}
	stored := storedExposuresPerAsset{
		LastExposureAsset:    uint256.MustFromBig(exp.LastExposureAsset),
		LastUsdExposureAsset: uint256.MustFromBig(exp.LastUsdExposureAsset),
	}
	return m.store.KVPut(m.exposuresKey(creditor, key), stored)
}

func (m *Module) loadUnderlying(creditor common.Address, key, underlying assets.AssetKey) (*big.Int, error) {
	var stored storedUnderlyingExposure
	ok, err := m.store.KVGet(m.underlyingKey(creditor, key, underlying), &stored)
	if err != nil {
		return nil, err
	}
	if !ok || stored.Exposure == nil {
		return big.NewInt(0), nil
	}
	return stored.Exposure.ToBig(), nil
}

func (m *Module) saveUnderlying(creditor common.Address, key, underlying assets.AssetKey, exposure *big.Int) error {
	value, overflow := uint256.FromBig(exposure)
	if overflow {
		return fmt.Errorf("derived module: underlying exposure: %w", assets.ErrOverflow)
	}
	return m.store.KVPut(m.underlyingKey(creditor, key, underlying), storedUnderlyingExposure{Exposure: value})
}
