package assets

import "errors"

var (
	// ErrExposureExceeded rejects a deposit that would push an exposure to
	// or above its configured ceiling. The triggering operation is reverted
	// in full, including every recursive sub-update.
	ErrExposureExceeded = errors.New("assets: max exposure exceeded")

	// ErrOutOfRange rejects a risk parameter outside its fixed bounds.
	ErrOutOfRange = errors.New("assets: risk parameter out of range")

	// ErrRiskFactorNotInLimits rejects a protocol risk factor above
	// RiskFactorUnit.
	ErrRiskFactorNotInLimits = errors.New("assets: risk factor not in limits")

	// ErrBadOracleSequence rejects an oracle sequence that fails the
	// registry's validity check.
	ErrBadOracleSequence = errors.New("assets: invalid oracle sequence")

	// ErrOracleStillActive rejects re-pointing an asset whose current oracle
	// sequence has not been decommissioned.
	ErrOracleStillActive = errors.New("assets: oracle sequence still active")

	// ErrUnknownAsset indicates a state mutation was attempted on an asset
	// the targeted module has never listed.
	ErrUnknownAsset = errors.New("assets: asset not registered")

	// ErrOverflow indicates an exposure counter left its fixed-width bound
	// where the clamp policy does not apply. It signals an invariant
	// violation and is never masked.
	ErrOverflow = errors.New("assets: exposure counter overflow")
)
