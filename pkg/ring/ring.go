// Package ring is a consistent-hash ring, adapted from the teacher's
// pkg/cluster partition-owner ring. The replicated state store this repo
// builds has no shards to own, so the ring is repurposed as the backend
// router's load-splitting primitive: internal/telemetry.BackendRouter keys
// on a hex-encoded NodeId, internal/ota.backendRouter keys on a firmware or
// update id — both just need "the same key always lands on the same
// backend", which is the only property callers rely on. GetNodes/
// GetAllNodes (the teacher's replica-fanout helpers, confirmed unused by
// grepping both routers) are dropped: a backend URL has no replicas to fan
// out to — there is exactly one owner per key, never N.
package ring

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"
)

// ConsistentHashRing maps NodeIds onto a fixed set of backend URLs.
type ConsistentHashRing struct {
	ring         map[uint32]string
	sortedHashes []uint32
	virtualNodes int
	nodes        map[string]bool
	mu           sync.RWMutex
}

// NewConsistentHashRing builds a ring with virtualNodes replicas per added
// backend (150 if virtualNodes <= 0), smoothing the hash distribution.
func NewConsistentHashRing(virtualNodes int) *ConsistentHashRing {
	if virtualNodes <= 0 {
		virtualNodes = 150
	}

	return &ConsistentHashRing{
		ring:         make(map[uint32]string),
		sortedHashes: make([]uint32, 0),
		virtualNodes: virtualNodes,
		nodes:        make(map[string]bool),
	}
}

// AddNode adds a backend (typically a base URL) to the ring, a no-op if
// already present.
func (chr *ConsistentHashRing) AddNode(nodeID string) {
	chr.mu.Lock()
	defer chr.mu.Unlock()

	if chr.nodes[nodeID] {
		return
	}

	chr.nodes[nodeID] = true

	for i := 0; i < chr.virtualNodes; i++ {
		virtualKey := fmt.Sprintf("%s#%d", nodeID, i)
		hash := chr.hashKey(virtualKey)
		chr.ring[hash] = nodeID
		chr.sortedHashes = append(chr.sortedHashes, hash)
	}

	sort.Slice(chr.sortedHashes, func(i, j int) bool {
		return chr.sortedHashes[i] < chr.sortedHashes[j]
	})
}

// RemoveNode drops a backend from the ring, a no-op if absent.
func (chr *ConsistentHashRing) RemoveNode(nodeID string) {
	chr.mu.Lock()
	defer chr.mu.Unlock()

	if !chr.nodes[nodeID] {
		return
	}

	delete(chr.nodes, nodeID)

	newHashes := make([]uint32, 0)
	for _, hash := range chr.sortedHashes {
		if chr.ring[hash] != nodeID {
			newHashes = append(newHashes, hash)
		} else {
			delete(chr.ring, hash)
		}
	}

	chr.sortedHashes = newHashes
}

// GetNode returns the backend the given key should route to.
func (chr *ConsistentHashRing) GetNode(key string) (string, error) {
	chr.mu.RLock()
	defer chr.mu.RUnlock()

	if len(chr.ring) == 0 {
		return "", fmt.Errorf("no backends in ring")
	}

	hash := chr.hashKey(key)

	idx := sort.Search(len(chr.sortedHashes), func(i int) bool {
		return chr.sortedHashes[i] >= hash
	})

	if idx == len(chr.sortedHashes) {
		idx = 0
	}

	return chr.ring[chr.sortedHashes[idx]], nil
}

func (chr *ConsistentHashRing) hashKey(key string) uint32 {
	return crc32.ChecksumIEEE([]byte(key))
}

// Size reports the number of distinct backends in the ring.
func (chr *ConsistentHashRing) Size() int {
	chr.mu.RLock()
	defer chr.mu.RUnlock()
	return len(chr.nodes)
}
