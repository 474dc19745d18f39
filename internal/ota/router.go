package ota

import (
	"fmt"

	"github.com/meshswarm/meshswarm/pkg/ring"
)

// backendRouter mirrors internal/telemetry.BackendRouter for the OTA
// control plane — spec.md §6's OTA HTTP surface is a distinct base URL set
// from telemetry's (SPEC_FULL.md's domain-stack table), so it gets its own
// small consistent-hash router rather than sharing telemetry's instance.
type backendRouter struct {
	urls []string
	ring *ring.ConsistentHashRing
}

func newBackendRouter(baseURLs []string) *backendRouter {
	r := &backendRouter{urls: baseURLs}
	if len(baseURLs) > 1 {
		r.ring = ring.NewConsistentHashRing(100)
		for _, u := range baseURLs {
			r.ring.AddNode(u)
		}
	}
	return r
}

func (r *backendRouter) pick(key string) string {
	if len(r.urls) == 0 {
		return ""
	}
	if r.ring == nil {
		return r.urls[0]
	}
	node, err := r.ring.GetNode(key)
	if err != nil {
		return r.urls[0]
	}
	return node
}

func hexKey(id uint32) string { return fmt.Sprintf("%08x", id) }
