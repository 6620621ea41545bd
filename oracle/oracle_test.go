package oracle

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/kishansudani/accounts-v2/assets"
)

func fixedClock(ts int64) func() time.Time {
	return func() time.Time { return time.Unix(ts, 0) }
}

func newTestHub(t *testing.T, maxAge time.Duration) (*Hub, *ManualFeed, *ManualFeed) {
	t.Helper()
	hub := NewHub(maxAge)
	hub.SetClock(fixedClock(1_700_000_000))
	ethUsd := NewManualFeed()
	ethUsd.SetClock(fixedClock(1_700_000_000))
	tokenEth := NewManualFeed()
	tokenEth.SetClock(fixedClock(1_700_000_000))
	if err := hub.Register("eth-usd", ethUsd); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := hub.Register("token-eth", tokenEth); err != nil {
		t.Fatalf("register: %v", err)
	}
	return hub, ethUsd, tokenEth
}

func TestRateInUsdSingleHop(t *testing.T) {
	hub, ethUsd, _ := newTestHub(t, 0)
	if err := ethUsd.SetRate(big.NewInt(2_000_000_000_000_000_000)); err != nil {
		t.Fatalf("set rate: %v", err)
	}
	rate, err := hub.RateInUsd(Sequence{"eth-usd"})
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	if rate.Cmp(big.NewInt(2_000_000_000_000_000_000)) != 0 {
		t.Fatalf("rate = %s, want 2e18", rate)
	}
}

func TestRateInUsdChainsHops(t *testing.T) {
	hub, ethUsd, tokenEth := newTestHub(t, 0)
	// token/ETH = 0.5, ETH/USD = 2000 -> token/USD = 1000.
	tokenEth.SetRate(big.NewInt(500_000_000_000_000_000))
	ethUsd.SetRate(new(big.Int).Mul(big.NewInt(2000), assets.ValueUnit))
	rate, err := hub.RateInUsd(Sequence{"token-eth", "eth-usd"})
	if err != nil {
		t.Fatalf("rate: %v", err)
	}
	want := new(big.Int).Mul(big.NewInt(1000), assets.ValueUnit)
	if rate.Cmp(want) != 0 {
		t.Fatalf("rate = %s, want %s", rate, want)
	}
}

func TestRateInUsdStaleness(t *testing.T) {
	hub, ethUsd, _ := newTestHub(t, time.Hour)
	ethUsd.SetClock(fixedClock(1_700_000_000 - 7200))
	ethUsd.SetRate(big.NewInt(1))
	if _, err := hub.RateInUsd(Sequence{"eth-usd"}); !errors.Is(err, ErrStaleRate) {
		t.Fatalf("expected stale rate error, got %v", err)
	}
}

func TestRateInUsdUnknownAndEmpty(t *testing.T) {
	hub, _, _ := newTestHub(t, 0)
	if _, err := hub.RateInUsd(Sequence{}); !errors.Is(err, ErrEmptySequence) {
		t.Fatalf("expected empty sequence error, got %v", err)
	}
	if _, err := hub.RateInUsd(Sequence{"missing"}); !errors.Is(err, ErrUnknownFeed) {
		t.Fatalf("expected unknown feed error, got %v", err)
	}
}

func TestCheckSequenceAndDecommission(t *testing.T) {
	hub, ethUsd, _ := newTestHub(t, 0)
	ethUsd.SetRate(big.NewInt(1))
	if !hub.CheckSequence(Sequence{"eth-usd"}) {
		t.Fatal("active sequence must pass")
	}
	if hub.CheckSequence(Sequence{}) {
		t.Fatal("empty sequence must fail")
	}
	if hub.CheckSequence(Sequence{"missing"}) {
		t.Fatal("unknown feed must fail")
	}
	hub.Decommission("eth-usd")
	if hub.CheckSequence(Sequence{"eth-usd"}) {
		t.Fatal("decommissioned sequence must fail")
	}
	if _, err := hub.RateInUsd(Sequence{"eth-usd"}); !errors.Is(err, ErrInactiveFeed) {
		t.Fatalf("expected inactive feed error, got %v", err)
	}
}
