// Package oracle supplies USD exchange rates to the asset modules. Rates are
// resolved through sequences: ordered chains of feeds whose 18-decimals rates
// are multiplied together to reach a USD quote for the source asset.
package oracle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/kishansudani/accounts-v2/assets"
)

var (
	// ErrStaleRate indicates a feed's last observation is older than the
	// hub's freshness window.
	ErrStaleRate = errors.New("oracle: rate is stale")
	// ErrUnknownFeed indicates a sequence references a feed identifier that
	// was never registered.
	ErrUnknownFeed = errors.New("oracle: feed not registered")
	// ErrInactiveFeed indicates a sequence hop has been decommissioned.
	ErrInactiveFeed = errors.New("oracle: feed decommissioned")
	// ErrEmptySequence indicates a rate was requested for a zero-length
	// sequence.
	ErrEmptySequence = errors.New("oracle: empty sequence")
)

// Sequence is an ordered chain of feed identifiers. The first hop quotes the
// source asset against an intermediate currency, the last hop must quote
// against USD. Sequences are opaque to the asset modules that store them.
type Sequence []string

// Equal reports whether two sequences reference the same hops in order.
func (s Sequence) Equal(other Sequence) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Quote carries a single observation from a feed.
type Quote struct {
	Rate      *big.Int
	Timestamp time.Time
}

// Feed exposes the latest rate observation for one hop. Rates are 18-decimals
// fixed point per whole unit of the hop's source currency: a token feed
// quotes per assetUnit raw units (one whole token), whatever the token's
// decimals.
type Feed interface {
	Latest() (Quote, error)
}

type feedEntry struct {
	feed   Feed
	active bool
}

// Hub tracks registered feeds and resolves sequence rates with a freshness
// window. A zero maxAge disables staleness checks.
type Hub struct {
	mu     sync.RWMutex
	feeds  map[string]*feedEntry
	maxAge time.Duration
	clock  func() time.Time
}

// NewHub constructs a hub with the provided freshness window.
func NewHub(maxAge time.Duration) *Hub {
	return &Hub{
		feeds:  make(map[string]*feedEntry),
		maxAge: maxAge,
		clock:  time.Now,
	}
}

// SetClock overrides the time source, enabling deterministic unit tests.
func (h *Hub) SetClock(clock func() time.Time) {
	if h == nil || clock == nil {
		return
	}
	h.mu.Lock()
	h.clock = clock
	h.mu.Unlock()
}

// Register adds or replaces a feed under the given identifier and marks it
// active.
func (h *Hub) Register(id string, feed Feed) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("oracle: feed id must not be empty")
	}
	if feed == nil {
		return fmt.Errorf("oracle: feed must not be nil")
	}
	h.mu.Lock()
	h.feeds[trimmed] = &feedEntry{feed: feed, active: true}
	h.mu.Unlock()
	return nil
}

// Decommission marks a feed inactive. Sequences referencing it stop passing
// CheckSequence, which is what allows an asset to be re-pointed at a new
// sequence.
func (h *Hub) Decommission(id string) {
	h.mu.Lock()
	if entry, ok := h.feeds[strings.TrimSpace(id)]; ok {
		entry.active = false
	}
	h.mu.Unlock()
}

// CheckSequence reports whether a sequence is well formed: non-empty, with
// every hop registered and currently active.
func (h *Hub) CheckSequence(seq Sequence) bool {
	if len(seq) == 0 {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, id := range seq {
		entry, ok := h.feeds[id]
		if !ok || !entry.active {
			return false
		}
	}
	return true
}

// RateInUsd resolves the USD rate per whole unit (assetUnit raw units) of the
// sequence's source asset by chaining hop rates with 18-decimals fixed-point
// multiplication. Stale or unknown hops fail the whole resolution.
func (h *Hub) RateInUsd(seq Sequence) (*big.Int, error) {
	if len(seq) == 0 {
		return nil, ErrEmptySequence
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	now := h.clock()
	rate := new(big.Int).Set(assets.ValueUnit)
	for _, id := range seq {
		entry, ok := h.feeds[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownFeed, id)
		}
		if !entry.active {
			return nil, fmt.Errorf("%w: %s", ErrInactiveFeed, id)
		}
		quote, err := entry.feed.Latest()
		if err != nil {
			return nil, fmt.Errorf("oracle: feed %s: %w", id, err)
		}
		if quote.Rate == nil || quote.Rate.Sign() < 0 {
			return nil, fmt.Errorf("oracle: feed %s returned invalid rate", id)
		}
		if h.maxAge > 0 && now.Sub(quote.Timestamp) > h.maxAge {
			return nil, fmt.Errorf("%w: %s", ErrStaleRate, id)
		}
		rate.Mul(rate, quote.Rate)
		rate.Quo(rate, assets.ValueUnit)
	}
	return rate, nil
}

// ManualFeed is an operator-administered feed whose rate is pushed through
// the admin surface rather than pulled from an upstream source.
type ManualFeed struct {
	mu    sync.RWMutex
	quote Quote
	clock func() time.Time
}

// NewManualFeed constructs an empty manual feed.
func NewManualFeed() *ManualFeed {
	return &ManualFeed{clock: time.Now}
}

// SetClock overrides the time source used to stamp observations.
func (f *ManualFeed) SetClock(clock func() time.Time) {
	if f == nil || clock == nil {
		return
	}
	f.mu.Lock()
	f.clock = clock
	f.mu.Unlock()
}

// SetRate records a new observation at the current time.
func (f *ManualFeed) SetRate(rate *big.Int) error {
	if rate == nil || rate.Sign() < 0 {
		return fmt.Errorf("oracle: rate must be non-negative")
	}
	f.mu.Lock()
	f.quote = Quote{Rate: new(big.Int).Set(rate), Timestamp: f.clock()}
	f.mu.Unlock()
	return nil
}

// Latest returns the most recent observation.
func (f *ManualFeed) Latest() (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.quote.Rate == nil {
		return Quote{}, fmt.Errorf("oracle: no observation recorded")
	}
	return Quote{Rate: new(big.Int).Set(f.quote.Rate), Timestamp: f.quote.Timestamp}, nil
}
