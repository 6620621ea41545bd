// Package registry routes deposits, withdrawals and valuations to the asset
// module owning each asset, and owns the transactional discipline around
// them: every top-level state mutation runs serialized inside a storage
// snapshot and is committed only when the full recursive update chain
// succeeds.
package registry

import (
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/kishansudani/accounts-v2/assets"
	"github.com/kishansudani/accounts-v2/observability"
	"github.com/kishansudani/accounts-v2/observability/logging"
	"github.com/kishansudani/accounts-v2/storage"
)

var (
	// ErrAssetNotRouted indicates no module owns the requested asset.
	ErrAssetNotRouted = errors.New("registry: asset not routed to a module")
	// ErrAssetAlreadyRouted rejects routing one asset address to two modules.
	ErrAssetAlreadyRouted = errors.New("registry: asset already routed")
	// ErrCyclicDependency rejects a derived asset whose underlying graph
	// would reach back to itself. Unchecked, a cycle recurses unboundedly.
	ErrCyclicDependency = errors.New("registry: cyclic underlying-asset graph")

	errNilState  = errors.New("registry: state not configured")
	errNilModule = errors.New("registry: module must not be nil")
)

// Module is the capability every asset module exposes to the registry. Both
// the primary and derived engines satisfy it.
type Module interface {
	Name() string
	Value(creditor, asset common.Address, id uint64, amount *big.Int) (assets.Value, error)
	ProcessDirectDeposit(creditor, asset common.Address, id uint64, amount *big.Int) error
	ProcessIndirectDeposit(creditor, asset common.Address, id uint64, exposureUpper, deltaUpper *big.Int) (*big.Int, error)
	ProcessDirectWithdrawal(creditor, asset common.Address, id uint64, amount *big.Int) error
	ProcessIndirectWithdrawal(creditor, asset common.Address, id uint64, exposureUpper, deltaUpper *big.Int) (*big.Int, error)
}

// AssetAmount names one portfolio entry for batch valuation.
type AssetAmount struct {
	Asset  common.Address
	ID     uint64
	Amount *big.Int
}

// Registry is the orchestrator. opMu serializes every state-mutating
// operation at whole-engine granularity: an asset update can touch every
// ancestor up to the protocol counter, so per-asset locking would be
// insufficient.
type Registry struct {
	mu     sync.RWMutex
	opMu   sync.RWMutex
	state  *storage.Manager
	logger *slog.Logger
	routes map[common.Address]Module
	edges  map[common.Address][]common.Address
}

// New constructs a registry over the provided state manager.
func New(state *storage.Manager, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		state:  state,
		logger: logger,
		routes: make(map[common.Address]Module),
		edges:  make(map[common.Address][]common.Address),
	}
}

// AddAsset routes an asset address to the module that owns it.
func (r *Registry) AddAsset(asset common.Address, mod Module) error {
	if mod == nil {
		return errNilModule
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[asset]; ok {
		return ErrAssetAlreadyRouted
	}
	r.routes[asset] = mod
	return nil
}

// AddDerivedAsset routes a derived asset and records its underlying edges.
// Every underlying must already be routed, and the resulting graph must stay
// acyclic; both are checked here, at registration time, so the recursive
// pricing walk can never loop.
func (r *Registry) AddDerivedAsset(asset common.Address, mod Module, underlying []assets.AssetKey) error {
	if mod == nil {
		return errNilModule
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.routes[asset]; ok {
		return ErrAssetAlreadyRouted
	}
	targets := make([]common.Address, 0, len(underlying))
	for _, ukey := range underlying {
		addr := ukey.Address()
		if _, ok := r.routes[addr]; !ok {
			return ErrAssetNotRouted
		}
		targets = append(targets, addr)
	}
	r.edges[asset] = targets
	if r.hasCycle(asset, asset, make(map[common.Address]bool)) {
		delete(r.edges, asset)
		return ErrCyclicDependency
	}
	r.routes[asset] = mod
	return nil
}

func (r *Registry) hasCycle(origin, current common.Address, visited map[common.Address]bool) bool {
	if visited[current] {
		return false
	}
	visited[current] = true
	for _, next := range r.edges[current] {
		if next == origin {
			return true
		}
		if r.hasCycle(origin, next, visited) {
			return true
		}
	}
	return false
}

// Deposit applies a direct deposit through the owning module. The whole
// recursive update commits or none of it does.
func (r *Registry) Deposit(creditor, asset common.Address, id uint64, amount *big.Int) error {
	return r.execute("deposit", creditor, asset, id, func(mod Module) error {
		return mod.ProcessDirectDeposit(creditor, asset, id, amount)
	})
}

// Withdraw applies a direct withdrawal through the owning module.
func (r *Registry) Withdraw(creditor, asset common.Address, id uint64, amount *big.Int) error {
	return r.execute("withdrawal", creditor, asset, id, func(mod Module) error {
		return mod.ProcessDirectWithdrawal(creditor, asset, id, amount)
	})
}

// Execute runs an administrative mutation (risk parameters, oracle
// re-pointing, asset listing) under the same serialization and atomicity
// discipline as deposits and withdrawals.
func (r *Registry) Execute(fn func() error) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	r.opMu.Lock()
	defer r.opMu.Unlock()
	snapshot := r.state.Snapshot()
	if err := fn(); err != nil {
		r.state.RevertToSnapshot(snapshot)
		return err
	}
	return r.state.Commit()
}

func (r *Registry) execute(op string, creditor, asset common.Address, id uint64, fn func(Module) error) error {
	if r == nil || r.state == nil {
		return errNilState
	}
	mod, err := r.route(asset)
	if err != nil {
		return err
	}
	start := time.Now()
	r.opMu.Lock()
	defer r.opMu.Unlock()
	snapshot := r.state.Snapshot()
	if err := fn(mod); err != nil {
		r.state.RevertToSnapshot(snapshot)
		observability.Engine().Observe(op, mod.Name(), start, err)
		r.logger.Debug("operation rejected",
			"op", op, "module", mod.Name(),
			logging.MaskField("creditor", creditor.Hex()),
			logging.MaskField("asset", asset.Hex()),
			"id", id, "error", err)
		return err
	}
	if err := r.state.Commit(); err != nil {
		observability.Engine().Observe(op, mod.Name(), start, err)
		return err
	}
	observability.Engine().Observe(op, mod.Name(), start, nil)
	return nil
}

// Value prices one asset amount for a creditor.
func (r *Registry) Value(creditor, asset common.Address, id uint64, amount *big.Int) (assets.Value, error) {
	mod, err := r.route(asset)
	if err != nil {
		return assets.Value{}, err
	}
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	return mod.Value(creditor, asset, id, amount)
}

// TotalValue sums the USD valuation of a portfolio.
func (r *Registry) TotalValue(creditor common.Address, entries []AssetAmount) (*big.Int, error) {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	total := big.NewInt(0)
	for _, entry := range entries {
		mod, err := r.route(entry.Asset)
		if err != nil {
			return nil, err
		}
		value, err := mod.Value(creditor, entry.Asset, entry.ID, entry.Amount)
		if err != nil {
			return nil, err
		}
		if value.USD != nil {
			total.Add(total, value.USD)
		}
	}
	return total, nil
}

// CollateralValue sums the portfolio's USD valuation after applying each
// asset's collateral factor haircut.
func (r *Registry) CollateralValue(creditor common.Address, entries []AssetAmount) (*big.Int, error) {
	return r.haircutValue(creditor, entries, func(v assets.Value) uint64 { return v.CollateralFactor })
}

// LiquidationValue sums the portfolio's USD valuation after applying each
// asset's liquidation factor haircut.
func (r *Registry) LiquidationValue(creditor common.Address, entries []AssetAmount) (*big.Int, error) {
	return r.haircutValue(creditor, entries, func(v assets.Value) uint64 { return v.LiquidationFactor })
}

func (r *Registry) haircutValue(creditor common.Address, entries []AssetAmount, factor func(assets.Value) uint64) (*big.Int, error) {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	unit := new(big.Int).SetUint64(assets.RiskFactorUnit)
	total := big.NewInt(0)
	for _, entry := range entries {
		mod, err := r.route(entry.Asset)
		if err != nil {
			return nil, err
		}
		value, err := mod.Value(creditor, entry.Asset, entry.ID, entry.Amount)
		if err != nil {
			return nil, err
		}
		if value.USD == nil {
			continue
		}
		cut := new(big.Int).Mul(value.USD, new(big.Int).SetUint64(factor(value)))
		total.Add(total, cut.Quo(cut, unit))
	}
	return total, nil
}

// ValueOf prices an underlying asset key during a derived module's recursive
// valuation walk.
func (r *Registry) ValueOf(creditor common.Address, key assets.AssetKey, amount *big.Int) (assets.Value, error) {
	asset, id := key.Asset()
	mod, err := r.route(asset)
	if err != nil {
		return assets.Value{}, err
	}
	return mod.Value(creditor, asset, id, amount)
}

// ProcessUnderlyingDeposit propagates a deposit one level down the asset
// graph. Called by derived modules while the enclosing operation holds the
// registry's operation lock.
func (r *Registry) ProcessUnderlyingDeposit(creditor common.Address, key assets.AssetKey, exposure, delta *big.Int) (*big.Int, error) {
	asset, id := key.Asset()
	mod, err := r.route(asset)
	if err != nil {
		return nil, err
	}
	return mod.ProcessIndirectDeposit(creditor, asset, id, exposure, delta)
}

// ProcessUnderlyingWithdrawal propagates a withdrawal one level down the
// asset graph.
func (r *Registry) ProcessUnderlyingWithdrawal(creditor common.Address, key assets.AssetKey, exposure, delta *big.Int) (*big.Int, error) {
	asset, id := key.Asset()
	mod, err := r.route(asset)
	if err != nil {
		return nil, err
	}
	return mod.ProcessIndirectWithdrawal(creditor, asset, id, exposure, delta)
}

// ModuleOf returns the module owning an asset.
func (r *Registry) ModuleOf(asset common.Address) (Module, error) {
	return r.route(asset)
}

func (r *Registry) route(asset common.Address) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mod, ok := r.routes[asset]
	if !ok {
		return nil, ErrAssetNotRouted
	}
	return mod, nil
}
