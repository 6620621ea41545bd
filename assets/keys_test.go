package assets

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestKeyRoundTrip(t *testing.T) {
	cases := []struct {
		addr common.Address
		id   uint64
	}{
		{common.HexToAddress("0x0000000000000000000000000000000000000001"), 0},
		{common.HexToAddress("0xdeadbeef00000000000000000000000000000000"), 1},
		{common.HexToAddress("0xffffffffffffffffffffffffffffffffffffffff"), 42},
		{common.HexToAddress("0x00000000000000000000000000000000000000aa"), 1<<63 + 17},
	}
	for _, tc := range cases {
		key := Key(tc.addr, tc.id)
		addr, id := key.Asset()
		if addr != tc.addr || id != tc.id {
			t.Fatalf("round trip (%s, %d) -> (%s, %d)", tc.addr.Hex(), tc.id, addr.Hex(), id)
		}
	}
}

func TestKeyInjective(t *testing.T) {
	addr := common.HexToAddress("0x1000000000000000000000000000000000000001")
	other := common.HexToAddress("0x1000000000000000000000000000000000000002")
	seen := map[AssetKey]bool{
		Key(addr, 0):  true,
		Key(addr, 1):  true,
		Key(other, 0): true,
		Key(other, 1): true,
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct keys, got %d", len(seen))
	}
}

func TestFloorKeyCollapses(t *testing.T) {
	addr := common.HexToAddress("0x2000000000000000000000000000000000000002")
	if FloorKey(addr) != Key(addr, FloorID) {
		t.Fatal("floor key must encode the sentinel id")
	}
	_, id := FloorKey(addr).Asset()
	if id != FloorID {
		t.Fatalf("floor key decoded id = %d, want sentinel", id)
	}
}

func TestApplyDeltaClampsAtZero(t *testing.T) {
	last := big.NewInt(100)
	next := ApplyDelta(last, big.NewInt(-150))
	if next.Sign() != 0 {
		t.Fatalf("expected clamp to zero, got %s", next)
	}
	next = ApplyDelta(last, big.NewInt(-100))
	if next.Sign() != 0 {
		t.Fatalf("expected exact zero, got %s", next)
	}
	next = ApplyDelta(last, big.NewInt(25))
	if next.Cmp(big.NewInt(125)) != 0 {
		t.Fatalf("expected 125, got %s", next)
	}
	if ApplyDelta(nil, nil).Sign() != 0 {
		t.Fatal("nil inputs must resolve to zero")
	}
}

func TestClampSub(t *testing.T) {
	if ClampSub(big.NewInt(10), big.NewInt(30)).Sign() != 0 {
		t.Fatal("expected clamp to zero")
	}
	if ClampSub(big.NewInt(30), big.NewInt(10)).Cmp(big.NewInt(20)) != 0 {
		t.Fatal("expected 20")
	}
}
