// Package assets holds the shared vocabulary of the risk engine: asset keys,
// exposure arithmetic, fixed-point risk factor units and the error taxonomy
// used across the primary and derived asset modules.
package assets

import (
	"encoding/binary"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// FloorID is the sentinel sub-id that floor-collection keys collapse onto.
const FloorID uint64 = 0

// AssetKey is the opaque fixed-width identifier for a (asset address, sub-id)
// pair. The layout packs a 12-byte big-endian sub-id followed by the 20-byte
// asset address, mirroring the storage keys used by the exposure ledger.
type AssetKey [32]byte

// Key encodes an asset address and sub-id into an AssetKey. The encoding is
// injective: distinct (address, id) pairs always yield distinct keys, and
// Asset inverts it exactly.
func Key(addr common.Address, id uint64) AssetKey {
	var key AssetKey
	binary.BigEndian.PutUint64(key[4:12], id)
	copy(key[12:], addr.Bytes())
	return key
}

// FloorKey encodes a floor-price collection. Every sub-id of the collection
// maps onto the same key, as if the id were FloorID. This deliberately trades
// per-token precision for storage efficiency when all tokens in a collection
// share identical risk characteristics (a single floor price feed).
func FloorKey(addr common.Address) AssetKey {
	return Key(addr, FloorID)
}

// Asset decodes the key back into its address and sub-id. For keys produced
// by FloorKey the returned id is the FloorID sentinel.
func (k AssetKey) Asset() (common.Address, uint64) {
	id := binary.BigEndian.Uint64(k[4:12])
	return common.BytesToAddress(k[12:]), id
}

// Address returns only the asset address portion of the key.
func (k AssetKey) Address() common.Address {
	return common.BytesToAddress(k[12:])
}

// Hex renders the key as a lowercase hex string for storage key suffixes and
// log output.
func (k AssetKey) Hex() string {
	return hex.EncodeToString(k[:])
}
