// Package telemetry implements the telemetry relay (C5): node-mode
// broadcast and gateway-mode HTTP push of the same JSON shape, with the
// debounce-skew behavior spec.md §9 directs be preserved rather than fixed.
package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/history"
	"github.com/meshswarm/meshswarm/internal/transport"
	"github.com/meshswarm/meshswarm/internal/wire"
)

const httpTimeout = 5 * time.Second

// Snapshot is the data a Relay push needs; the caller (internal/swarm)
// supplies a fresh one on every push.
type Snapshot struct {
	Name      string
	UptimeS   uint64
	HeapFree  uint64
	PeerCount int
	Role      string
	Firmware  string
	State     map[string]string
}

// SnapshotFunc defers snapshot construction until a push is actually about
// to happen, matching the teacher's lazy telemetry-payload assembly.
type SnapshotFunc func() Snapshot

// Relay implements spec.md §4.5's two modes.
type Relay struct {
	clk         clock.Clock
	mesh        transport.Mesh
	localID     uint32
	gatewayMode bool

	router  *BackendRouter
	apiKey  string
	client  *http.Client
	archive *history.Archive

	intervalMS    uint64
	minIntervalMS uint64

	lastPush            uint64
	lastStateChangePush uint64
}

// Options configures a Relay. BaseURLs is ignored in node mode. Archive is
// nil unless the gateway was built with a telemetry archive, in which case
// every sample the relay sees (pushed or relayed) is also persisted there.
type Options struct {
	GatewayMode   bool
	BaseURLs      []string
	APIKey        string
	IntervalMS    uint64
	MinIntervalMS uint64
	Archive       *history.Archive
}

// New builds a Relay bound to clk and mesh for pushing/broadcasting.
func New(clk clock.Clock, mesh transport.Mesh, opts Options) *Relay {
	return &Relay{
		clk:           clk,
		mesh:          mesh,
		localID:       mesh.LocalNodeID(),
		gatewayMode:   opts.GatewayMode,
		router:        NewBackendRouter(opts.BaseURLs),
		apiKey:        opts.APIKey,
		client:        &http.Client{Timeout: httpTimeout},
		archive:       opts.Archive,
		intervalMS:    opts.IntervalMS,
		minIntervalMS: opts.MinIntervalMS,
	}
}

// Tick runs the interval-triggered push check; call once per scheduler tick.
// lastPush/lastStateChangePush advance unconditionally on attempt, not on
// success — spec.md §7's "no retry queue — relies on the next scheduled
// push" means a failed push waits for the next scheduled interval rather
// than retrying on every following tick, matching
// internal/ota.Gateway.Tick's lastPollMS handling of the same shape.
func (r *Relay) Tick(nowMS uint64, snap SnapshotFunc) {
	if clock.ElapsedSince(nowMS, r.lastPush) >= r.intervalMS {
		r.lastPush = nowMS
		r.lastStateChangePush = nowMS
		r.push(snap())
	}
}

// NotifyStateChange runs the debounced state-change push check, per spec.md
// §4.5's debounce rule. lastPush and lastStateChangePush are only advanced
// together, on an actual attempt — never on a debounce-skip — so bursts of
// state changes deliberately skew the next periodic push too, per spec.md §9.
func (r *Relay) NotifyStateChange(nowMS uint64, snap SnapshotFunc) {
	if clock.ElapsedSince(nowMS, r.lastStateChangePush) < r.minIntervalMS {
		return
	}
	r.lastPush = nowMS
	r.lastStateChangePush = nowMS
	r.push(snap())
}

func (r *Relay) push(s Snapshot) {
	payload := wire.TelemetryPayload{
		Name:      s.Name,
		UptimeS:   s.UptimeS,
		HeapFree:  s.HeapFree,
		PeerCount: s.PeerCount,
		Role:      s.Role,
		Firmware:  s.Firmware,
		State:     s.State,
	}

	if r.gatewayMode {
		r.record(r.localID, payload)
		r.postTelemetry(r.localID, payload)
	} else {
		r.broadcast(s.Name, payload)
	}
}

// broadcast emits a node-mode TELEMETRY envelope via the mesh transport.
func (r *Relay) broadcast(senderName string, payload wire.TelemetryPayload) bool {
	data, err := wire.Encode(wire.MsgTelemetry, senderName, payload)
	if err != nil {
		log.Printf("[ERR] telemetry encode: %v", err)
		return false
	}
	if err := r.mesh.Broadcast(data); err != nil {
		log.Printf("[ERR] telemetry broadcast: %v", err)
		return false
	}
	return true
}

// RelayInbound handles an inbound TELEMETRY envelope in gateway mode,
// POSTing it verbatim to the backend under the originating peer's id, per
// spec.md §4.5. No-op in node mode.
func (r *Relay) RelayInbound(fromID uint32, payload wire.TelemetryPayload) {
	if !r.gatewayMode {
		return
	}
	r.record(fromID, payload)
	r.postTelemetry(fromID, payload)
}

// record persists payload's numeric fields into the archive under nodeID's
// hex id, so internal/queryapi's history endpoints have samples to serve.
// A State value that doesn't parse as a number is skipped; the state store
// holds arbitrary strings, not just telemetry readings.
func (r *Relay) record(nodeID uint32, payload wire.TelemetryPayload) {
	if r.archive == nil {
		return
	}
	nodeHex := fmt.Sprintf("%08x", nodeID)
	now := int64(r.clk.NowMS())

	r.archive.Record(nodeHex, "uptime", now, float64(payload.UptimeS))
	r.archive.Record(nodeHex, "heap_free", now, float64(payload.HeapFree))
	r.archive.Record(nodeHex, "peer_count", now, float64(payload.PeerCount))

	for key, value := range payload.State {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			r.archive.Record(nodeHex, key, now, f)
		}
	}
}

func (r *Relay) postTelemetry(nodeID uint32, payload wire.TelemetryPayload) bool {
	base := r.router.Pick(nodeID)
	if base == "" {
		return false
	}
	url := fmt.Sprintf("%s/api/v1/nodes/%08x/telemetry", base, nodeID)

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[ERR] telemetry marshal: %v", err)
		return false
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		log.Printf("[ERR] telemetry request: %v", err)
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("X-API-Key", r.apiKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		log.Printf("[ERR] telemetry post %s: %v", url, err)
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[TELEM] push to %s rejected: %s", url, resp.Status)
		return false
	}
	return true
}
