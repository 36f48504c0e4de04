package reconcile

import (
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/coachpo/ordersync/internal/domain/venue"
)

// BalanceBook holds the latest total and frozen amount per asset. No history is kept.
type BalanceBook struct {
	mu     sync.RWMutex
	assets map[string]venue.Balance
}

// NewBalanceBook returns an empty book.
func NewBalanceBook() *BalanceBook {
	return &BalanceBook{assets: make(map[string]venue.Balance)}
}

// Upsert replaces the entry for b.Asset.
func (b *BalanceBook) Upsert(bal venue.Balance) {
	asset := normaliseAsset(bal.Asset)
	if asset == "" {
		return
	}
	bal.Asset = asset
	b.mu.Lock()
	b.assets[asset] = bal
	b.mu.Unlock()
}

// ApplySnapshot upserts every entry of a full account snapshot and removes assets the snapshot no
// longer lists. It returns the removed assets in sorted order.
func (b *BalanceBook) ApplySnapshot(snapshot []venue.Balance) []string {
	seen := make(map[string]venue.Balance, len(snapshot))
	for _, bal := range snapshot {
		asset := normaliseAsset(bal.Asset)
		if asset == "" {
			continue
		}
		bal.Asset = asset
		seen[asset] = bal
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	var removed []string
	for asset := range b.assets {
		if _, ok := seen[asset]; !ok {
			delete(b.assets, asset)
			removed = append(removed, asset)
		}
	}
	for asset, bal := range seen {
		b.assets[asset] = bal
	}
	sort.Strings(removed)
	return removed
}

// Get returns the entry for asset.
func (b *BalanceBook) Get(asset string) (venue.Balance, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	bal, ok := b.assets[normaliseAsset(asset)]
	return bal, ok
}

// Free returns total minus frozen for asset, zero when unknown.
func (b *BalanceBook) Free(asset string) decimal.Decimal {
	bal, ok := b.Get(asset)
	if !ok {
		return decimal.Zero
	}
	return bal.Free()
}

// Snapshot copies the book.
func (b *BalanceBook) Snapshot() map[string]venue.Balance {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]venue.Balance, len(b.assets))
	for k, v := range b.assets {
		out[k] = v
	}
	return out
}

func normaliseAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
