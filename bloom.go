// Bloom-filter acceleration of primary-key lookups (supplemented
// feature, SPEC_FULL.md "DOMAIN STACK"): an optional in-memory Bloom
// filter over a collection's primary keys lets find_by_id short-circuit
// a definite miss without walking the B+-tree, at the cost of occasional
// false positives that fall through to the real lookup. It is advisory
// only — never a source of truth, and it is never persisted: opening an
// existing collection rebuilds it from scratch, while a handle returned
// by CreateCollection leaves it unbuilt, so every key reads as maybe
// present.
package blite

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	bloomEstimatedItems = 100_000
	bloomFalsePositive  = 0.01
)

// primaryKeyBloom is a thread-safe wrapper around a bloom.BloomFilter
// sized for bloomEstimatedItems keys at bloomFalsePositive.
type primaryKeyBloom struct {
	mu     sync.RWMutex
	filter *bloom.BloomFilter
	built  bool
}

func newPrimaryKeyBloom() *primaryKeyBloom {
	return &primaryKeyBloom{filter: bloom.NewWithEstimates(bloomEstimatedItems, bloomFalsePositive)}
}

// Add records key as present.
func (b *primaryKeyBloom) Add(key []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter.Add(key)
}

// MaybeContains reports false only when key is definitely absent; true
// means "maybe present, check the real index".
func (b *primaryKeyBloom) MaybeContains(key []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.built {
		return true
	}
	return b.filter.Test(key)
}

// rebuild repopulates the filter from every live key in the primary
// index; DB.Collection calls it when loading an existing collection.
func (b *primaryKeyBloom) rebuild(keys [][]byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filter = bloom.NewWithEstimates(uint(max(len(keys), 1)), bloomFalsePositive)
	for _, k := range keys {
		b.filter.Add(k)
	}
	b.built = true
}
