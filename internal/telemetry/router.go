package telemetry

import (
	"fmt"

	"github.com/meshswarm/meshswarm/pkg/ring"
)

// BackendRouter picks a stable control-plane base URL among several
// configured ones, keyed by NodeId — the teacher's consistent-hash ring
// repurposed from data-shard ownership to control-plane HA routing
// (SPEC_FULL.md's domain-stack decision), since this repo's state store has
// no shards left for the ring to partition.
type BackendRouter struct {
	urls []string
	ring *ring.ConsistentHashRing
}

// NewBackendRouter builds a router over baseURLs. A single configured URL
// is the common case and skips the ring entirely.
func NewBackendRouter(baseURLs []string) *BackendRouter {
	r := &BackendRouter{urls: baseURLs}
	if len(baseURLs) > 1 {
		r.ring = ring.NewConsistentHashRing(100)
		for _, u := range baseURLs {
			r.ring.AddNode(u)
		}
	}
	return r
}

// Pick returns the base URL this NodeId should talk to. An empty router
// (no URLs configured) returns "".
func (r *BackendRouter) Pick(nodeID uint32) string {
	if len(r.urls) == 0 {
		return ""
	}
	if r.ring == nil {
		return r.urls[0]
	}
	node, err := r.ring.GetNode(fmt.Sprintf("%08x", nodeID))
	if err != nil {
		return r.urls[0]
	}
	return node
}
