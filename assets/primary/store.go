package primary

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/kishansudani/accounts-v2/assets"
)

var (
	assetInfoPrefix  = []byte("assets/primary/info/")
	riskParamsPrefix = []byte("assets/primary/risk/")
)

// assetInfoRecord is set once when an asset is listed. AssetUnit normalizes
// raw amounts before USD conversion (10^decimals, or 1 for floor
// collections); Sequence is the oracle chain to reach USD.
type assetInfoRecord struct {
	AssetUnit uint64
	Sequence  []string
}

// riskParameters is the in-memory form of the per-(creditor, asset) ledger
// entry. Exposures are bounded by assets.MaxAssetExposure.
type riskParameters struct {
	LastExposure      *big.Int
	MaxExposure       *big.Int
	CollateralFactor  uint64
	LiquidationFactor uint64
}

type storedRiskParameters struct {
	LastExposure      *uint256.Int
	MaxExposure       *uint256.Int
	CollateralFactor  uint64
	LiquidationFactor uint64
}

func (m *Module) infoKey(key assets.AssetKey) []byte {
	suffix := m.name + "/" + key.Hex()
	buf := make([]byte, len(assetInfoPrefix)+len(suffix))
	copy(buf, assetInfoPrefix)
	copy(buf[len(assetInfoPrefix):], suffix)
	return buf
}

func (m *Module) riskKey(creditor common.Address, key assets.AssetKey) []byte {
	suffix := m.name + "/" + creditor.Hex() + "/" + key.Hex()
	buf := make([]byte, len(riskParamsPrefix)+len(suffix))
	copy(buf, riskParamsPrefix)
	copy(buf[len(riskParamsPrefix):], suffix)
	return buf
}

func (m *Module) loadInfo(key assets.AssetKey) (assetInfoRecord, bool, error) {
	var record assetInfoRecord
	ok, err := m.store.KVGet(m.infoKey(key), &record)
	if err != nil {
		return assetInfoRecord{}, false, err
	}
	return record, ok, nil
}

func (m *Module) saveInfo(key assets.AssetKey, record assetInfoRecord) error {
	return m.store.KVPut(m.infoKey(key), record)
}

// loadRisk returns a zero-valued entry when the pair has never been touched,
// matching the never-destroyed, zero-when-unset ledger semantics.
func (m *Module) loadRisk(creditor common.Address, key assets.AssetKey) (riskParameters, bool, error) {
	var stored storedRiskParameters
	ok, err := m.store.KVGet(m.riskKey(creditor, key), &stored)
	if err != nil {
		return riskParameters{}, false, err
	}
	if !ok {
		return riskParameters{LastExposure: big.NewInt(0), MaxExposure: big.NewInt(0)}, false, nil
	}
	params := riskParameters{
		LastExposure:      big.NewInt(0),
		MaxExposure:       big.NewInt(0),
		CollateralFactor:  stored.CollateralFactor,
		LiquidationFactor: stored.LiquidationFactor,
	}
	if stored.LastExposure != nil {
		params.LastExposure = stored.LastExposure.ToBig()
	}
	if stored.MaxExposure != nil {
		params.MaxExposure = stored.MaxExposure.ToBig()
	}
	return params, true, nil
}

func (m *Module) saveRisk(creditor common.Address, key assets.AssetKey, params riskParameters) error {
	if params.LastExposure.Cmp(assets.MaxAssetExposure) > 0 {
		return fmt.Errorf("primary module: exposure: %w", assets.ErrOverflow)
	}
	if params.MaxExposure.Cmp(assets.MaxAssetExposure) > 0 {
		return fmt.Errorf("primary module: ceiling: %w", assets.ErrOverflow)
	}
	stored := storedRiskParameters{
		LastExposure:      uint256.MustFromBig(params.LastExposure),
		MaxExposure:       uint256.MustFromBig(params.MaxExposure),
		CollateralFactor:  params.CollateralFactor,
		LiquidationFactor: params.LiquidationFactor,
	}
	return m.store.KVPut(m.riskKey(creditor, key), stored)
}
