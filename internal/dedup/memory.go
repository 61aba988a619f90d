package dedup

import (
	"context"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SeenSet is the shared rolling set of exact fingerprints. Mark records
// fingerprint as owned by itemID unless another item already owns it, in
// which case that owner is returned with dup=true.
type SeenSet interface {
	Mark(ctx context.Context, fingerprint, itemID string) (owner string, dup bool, err error)
}

// Window is the bounded recent window of near-duplicate signatures.
// CheckAndAdd compares sig against every entry not owned by itemID and
// records it only when no entry is within threshold.
type Window interface {
	CheckAndAdd(ctx context.Context, sig uint64, itemID string, threshold int) (nearest int, owner string, dup bool, err error)
}

// MemorySeen is a bounded in-process SeenSet for single-node runs.
type MemorySeen struct{ cache *lru.Cache[string, string] }

// NewMemorySeen returns an in-process seen set holding up to capacity fingerprints.
func NewMemorySeen(capacity int) *MemorySeen {
	if capacity <= 0 {
		capacity = 100000
	}
	c, _ := lru.New[string, string](capacity)
	return &MemorySeen{cache: c}
}

func (m *MemorySeen) Mark(_ context.Context, fingerprint, itemID string) (string, bool, error) {
	prev, ok, _ := m.cache.PeekOrAdd(fingerprint, itemID)
	if !ok || prev == itemID {
		return itemID, false, nil
	}
	return prev, true, nil
}

type windowEntry struct {
	sig   uint64
	owner string
}

// MemoryWindow is a mutex guarded ring of the most recent accepted signatures.
type MemoryWindow struct {
	mu   sync.Mutex
	ring []windowEntry
	next int
	size int
}

// NewMemoryWindow returns an in-process window of the last size signatures.
func NewMemoryWindow(size int) *MemoryWindow {
	if size <= 0 {
		size = 2000
	}
	return &MemoryWindow{ring: make([]windowEntry, 0, size), size: size}
}

func (w *MemoryWindow) CheckAndAdd(_ context.Context, sig uint64, itemID string, threshold int) (int, string, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	best, bestOwner, self := 65, "", false
	for _, e := range w.ring {
		if e.owner == itemID {
			self = true
			continue
		}
		if d := Hamming(sig, e.sig); d < best {
			best, bestOwner = d, e.owner
		}
	}
	if best <= threshold {
		return best, bestOwner, true, nil
	}
	if !self {
		if len(w.ring) < w.size {
			w.ring = append(w.ring, windowEntry{sig: sig, owner: itemID})
		} else {
			w.ring[w.next] = windowEntry{sig: sig, owner: itemID}
		}
		w.next = (w.next + 1) % w.size
	}
	return best, "", false, nil
}

// Len reports how many signatures the window holds.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ring)
}
