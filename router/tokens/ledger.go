package tokens

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// NonceLedger records which token nonces have been consumed.
//
// TryConsume is the linearization point of token verification: it must insert
// the nonce only if it is absent and report whether this call inserted it.
// Implementations backed by a single process only protect that process, every
// instance serving the tunnel must share one ledger.
type NonceLedger interface {
	// Has reports whether the nonce has already been consumed.
	Has(ctx context.Context, nonce string) (bool, error)
	// TryConsume atomically marks the nonce as consumed at the given time and
	// returns true, or returns false if it was already consumed.
	TryConsume(ctx context.Context, nonce string, at time.Time) (bool, error)
	// Prune removes entries consumed more than retention before now and
	// returns the number removed. Pruning only bounds storage; a stale entry
	// that survives simply keeps blocking reuse.
	Prune(ctx context.Context, retention time.Duration, now time.Time) (int, error)
}

// MemoryLedger is an in-process NonceLedger. Consumed nonces are kept in a
// go-cache instance without expiration; removal happens through Prune so that
// retention follows the caller's clock.
type MemoryLedger struct {
	cache *cache.Cache
}

var _ NonceLedger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{cache: cache.New(cache.NoExpiration, 0)}
}

func (l *MemoryLedger) Has(_ context.Context, nonce string) (bool, error) {
	_, ok := l.cache.Get(nonce)
	return ok, nil
}

// TryConsume relies on cache.Add, which only stores the value if the key is
// not already present and does so under the cache lock.
func (l *MemoryLedger) TryConsume(_ context.Context, nonce string, at time.Time) (bool, error) {
	if err := l.cache.Add(nonce, at, cache.NoExpiration); err != nil {
		return false, nil
	}
	return true, nil
}

func (l *MemoryLedger) Prune(_ context.Context, retention time.Duration, now time.Time) (int, error) {
	var n int
	for k, item := range l.cache.Items() {
		at, ok := item.Object.(time.Time)
		if !ok || now.Sub(at) > retention {
			l.cache.Delete(k)
			n++
		}
	}
	return n, nil
}

// Len returns the number of nonces currently tracked.
func (l *MemoryLedger) Len() int {
	return l.cache.ItemCount()
}
