package loadbalancer

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// hashRing is a 32-bit consistent-hash ring with 150 virtual nodes per
// runner, used only when the LoadBalancer's Algorithm is ConsistentHash (§4.2).
type hashRing struct {
	mu         sync.RWMutex
	vnodes     int
	sortedKeys []uint32
	keyToRunner map[uint32]string
}

func newHashRing(vnodes int) *hashRing {
	if vnodes <= 0 {
		vnodes = 150
	}
	return &hashRing{vnodes: vnodes, keyToRunner: make(map[uint32]string)}
}

// rebuild replaces the ring membership with runnerIDs.
func (h *hashRing) rebuild(runnerIDs []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.keyToRunner = make(map[uint32]string, len(runnerIDs)*h.vnodes)
	h.sortedKeys = h.sortedKeys[:0]
	for _, id := range runnerIDs {
		for i := 0; i < h.vnodes; i++ {
			key := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", id, i)))
			h.keyToRunner[key] = id
			h.sortedKeys = append(h.sortedKeys, key)
		}
	}
	sort.Slice(h.sortedKeys, func(i, j int) bool { return h.sortedKeys[i] < h.sortedKeys[j] })
}

// Lookup returns the runner owning key's point on the ring: the first key
// at or after hash(key), wrapping at the end.
func (h *hashRing) Lookup(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.sortedKeys) == 0 {
		return "", false
	}
	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(h.sortedKeys), func(i int) bool { return h.sortedKeys[i] >= hash })
	if idx == len(h.sortedKeys) {
		idx = 0
	}
	return h.keyToRunner[h.sortedKeys[idx]], true
}
