// Package swarm hosts the Node/Scheduler that sequences C1-C6 (internal/
// clock, wire, state, membership, telemetry, ota, transport) exactly in
// spec.md §5's normative tick order: drain inbound, heartbeat+prune, state
// anti-entropy, telemetry, OTA poll, user loop hooks.
package swarm

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/config"
	"github.com/meshswarm/meshswarm/internal/history"
	"github.com/meshswarm/meshswarm/internal/membership"
	"github.com/meshswarm/meshswarm/internal/ota"
	"github.com/meshswarm/meshswarm/internal/state"
	"github.com/meshswarm/meshswarm/internal/telemetry"
	"github.com/meshswarm/meshswarm/internal/transport"
	"github.com/meshswarm/meshswarm/internal/wire"
)

// Hooks are user-supplied callbacks invoked from the Node's own tick
// context, the Go-idiomatic replacement for the firmware's captured-self
// onLoop/onSerialCommand closures (spec.md §9's "Callback lifetimes" note).
// Only OnLoop is implemented; serial/display hooks are out of scope.
type Hooks struct {
	OnLoop func(nowMS uint64)
}

// Option configures optional components at construction time, replacing
// the firmware's compile-time MESHSWARM_ENABLE_* flags (SPEC_FULL.md's
// supplemented-features section) with composable functional options.
type Option func(*Node)

// WithTelemetry enables the telemetry relay (C5), built from cfg's
// telemetry fields.
func WithTelemetry() Option { return func(n *Node) { n.telemetryEnabled = true } }

// WithOTA enables the gateway OTA distribution state machine (C6). Only
// meaningful alongside WithGatewayMode.
func WithOTA() Option { return func(n *Node) { n.otaEnabled = true } }

// WithGatewayMode switches the telemetry relay into gateway (HTTP push)
// mode and permits OTA to run.
func WithGatewayMode() Option { return func(n *Node) { n.cfg.GatewayMode = true } }

// WithHooks installs user loop callbacks.
func WithHooks(h Hooks) Option { return func(n *Node) { n.hooks = h } }

// WithHistoryArchive gives the telemetry relay a place to persist every
// sample it sees (its own, in gateway mode, plus every relayed peer's),
// making internal/queryapi's history endpoints actually have data to
// serve. Only meaningful alongside WithTelemetry.
func WithHistoryArchive(a *history.Archive) Option {
	return func(n *Node) { n.historyArchive = a }
}

type inboundMsg struct {
	from uint32
	data []byte
}

// Node is the scheduler's execution context: it owns the state store, the
// membership table, and the optional telemetry/OTA components, and is the
// sole caller of every method on them (spec.md §3's "Ownership" rule — no
// concurrent reader exists because every callback funnels through here).
type Node struct {
	cfg  config.Config
	clk  clock.Clock
	mesh transport.Mesh

	store *state.Store
	table *membership.Table

	telemetryEnabled bool
	relay            *telemetry.Relay
	historyArchive   *history.Archive

	otaEnabled bool
	gateway    *ota.Gateway
	reporter   ota.ProgressReporter

	hooks Hooks
	name  string

	inbound chan inboundMsg

	lastHeartbeatMS uint64
	lastStateSyncMS uint64
}

// New builds a Node bound to cfg, clk, and mesh, wiring every inbound
// transport callback onto a queue drained on Tick (spec.md §5's "inbound
// callbacks must be delivered on the scheduler context" rule).
func New(cfg config.Config, clk clock.Clock, mesh transport.Mesh, opts ...Option) *Node {
	n := &Node{
		cfg:     cfg,
		clk:     clk,
		mesh:    mesh,
		store:   state.New(mesh.LocalNodeID()),
		table:   membership.New(mesh.LocalNodeID(), cfg.PeerDeadMS, mesh.ListNodes),
		inbound: make(chan inboundMsg, 256),
		name:    cfg.NodeName,
	}
	if n.name == "" {
		n.name = defaultName(mesh.LocalNodeID())
	}

	for _, opt := range opts {
		opt(n)
	}

	if n.telemetryEnabled {
		n.relay = telemetry.New(clk, mesh, telemetry.Options{
			GatewayMode:   cfg.GatewayMode,
			BaseURLs:      cfg.TelemetryBaseURLs,
			APIKey:        cfg.TelemetryAPIKey,
			IntervalMS:    cfg.TelemetryIntervalMS,
			MinIntervalMS: cfg.StateTelemetryMinIntervalMS,
			Archive:       n.historyArchive,
		})
	}
	if n.otaEnabled && cfg.GatewayMode {
		n.gateway = ota.New(clk, mesh, ota.Options{
			BaseURLs:       cfg.OTABaseURLs,
			PollIntervalMS: cfg.OTAPollIntervalMS,
			PartSize:       cfg.OTAPartSize,
		})
		n.reporter = ota.NewHTTPProgressReporter(cfg.OTABaseURLs)
	}

	mesh.OnReceive(func(from uint32, data []byte) {
		select {
		case n.inbound <- inboundMsg{from: from, data: data}:
		default:
			log.Printf("[ERR] inbound queue full, dropping message from %d", from)
		}
	})
	mesh.OnNewConnection(func(nodeID uint32) {
		now := n.clk.NowMS()
		n.sendHeartbeat(now)
		n.broadcastFull()
	})
	mesh.OnDroppedConnection(n.table.OnDroppedConnection)
	mesh.OnTopologyChanged(n.table.OnTopologyChanged)

	return n
}

// defaultName implements spec.md §3's "N" + uppercase-hex(low 16 bits) rule.
func defaultName(id uint32) string {
	return fmt.Sprintf("N%04X", id&0xFFFF)
}

// Store exposes the replicated state store for application code driving
// Set/SetMany/Get/Watch directly.
func (n *Node) Store() *state.Store { return n.store }

// Table exposes the membership table for display/telemetry use.
func (n *Node) Table() *membership.Table { return n.table }

// LocalID returns the mesh-assigned id of this node.
func (n *Node) LocalID() uint32 { return n.mesh.LocalNodeID() }

// Name returns this node's display name (cfg.NodeName, or the default
// N+hex form when unset).
func (n *Node) Name() string { return n.name }

// Gateway exposes the OTA distribution state machine for the query API's
// status endpoint, or nil when WithOTA was not used.
func (n *Node) Gateway() *ota.Gateway { return n.gateway }

// Tick runs one scheduler iteration in spec.md §5's normative order.
func (n *Node) Tick() {
	now := n.clk.NowMS()

	n.drainInbound(now)

	if clock.ElapsedSince(now, n.lastHeartbeatMS) >= n.cfg.HeartbeatIntervalMS {
		n.sendHeartbeat(now)
		n.lastHeartbeatMS = now
		n.table.Prune(now)
	}

	if clock.ElapsedSince(now, n.lastStateSyncMS) >= n.cfg.StateSyncIntervalMS {
		n.broadcastFull()
		n.lastStateSyncMS = now
		if d := n.store.Digest(); d != "" {
			log.Printf("[STATE] anti-entropy sync, digest=%s", d)
		}
	}

	if n.relay != nil {
		n.relay.Tick(now, n.snapshot)
	}
	if n.gateway != nil {
		n.gateway.Tick(now, n.reporter)
	}

	if n.hooks.OnLoop != nil {
		n.hooks.OnLoop(now)
	}
}

func (n *Node) drainInbound(now uint64) {
	for {
		select {
		case msg := <-n.inbound:
			n.dispatch(msg.from, msg.data, now)
		default:
			return
		}
	}
}

func (n *Node) dispatch(from uint32, data []byte, now uint64) {
	env, err := wire.Decode(data)
	if err != nil {
		log.Printf("[ERR] decode from %d: %v", from, err)
		return
	}

	switch env.T {
	case wire.MsgHeartbeat:
		var p wire.HeartbeatPayload
		if err := decode(env, &p); err != nil {
			log.Printf("[ERR] decode HEARTBEAT from %d: %v", from, err)
			return
		}
		n.table.Ingest(from, env.N, p.Role, now)

	case wire.MsgStateSet:
		var p wire.StateSetPayload
		if err := decode(env, &p); err != nil {
			log.Printf("[ERR] decode STATE_SET from %d: %v", from, err)
			return
		}
		n.store.ApplyRemoteSet(p.Key, state.Entry{Value: p.Value, Version: p.Version, Origin: p.Origin})

	case wire.MsgStateSync:
		var p wire.StateSyncPayload
		if err := decode(env, &p); err != nil {
			log.Printf("[ERR] decode STATE_SYNC from %d: %v", from, err)
			return
		}
		entries := make(map[string]state.Entry, len(p.Entries))
		for _, e := range p.Entries {
			entries[e.Key] = state.Entry{Value: e.Value, Version: e.Version, Origin: e.Origin}
		}
		n.store.ApplyRemoteSync(entries)

	case wire.MsgStateReq:
		n.broadcastFull()

	case wire.MsgCommand:
		var p wire.CommandPayload
		if err := decode(env, &p); err != nil {
			log.Printf("[ERR] decode COMMAND from %d: %v", from, err)
			return
		}
		if p.Cmd == "set" {
			n.Set(p.Key, p.Value)
		}

	case wire.MsgTelemetry:
		var p wire.TelemetryPayload
		if err := decode(env, &p); err != nil {
			log.Printf("[ERR] decode TELEMETRY from %d: %v", from, err)
			return
		}
		if n.relay != nil {
			n.relay.RelayInbound(from, p)
		}

	default:
		// Unknown MsgType: dropped silently per spec.md §4.2.
	}
}

func decode(env wire.Envelope, v any) error {
	return json.Unmarshal(env.D, v)
}

// Set writes a local value and, if it actually changed, eagerly broadcasts
// STATE_SET and notifies the telemetry relay's debounced state-change path,
// per spec.md §4.3/§4.5.
func (n *Node) Set(key, value string) {
	if !n.store.Set(key, value) {
		return
	}
	n.broadcastSet(key)
	if n.relay != nil {
		n.relay.NotifyStateChange(n.clk.NowMS(), n.snapshot)
	}
}

// SetMany batches several local writes, broadcasting one STATE_SET per
// changed key and triggering at most one telemetry push for the batch.
func (n *Node) SetMany(kv map[string]string) {
	before := n.store.Snapshot()
	n.store.SetMany(kv)
	changed := false
	for k := range kv {
		if after, ok := n.store.GetEntry(k); ok {
			if prior, existed := before[k]; !existed || prior.Value != after.Value {
				n.broadcastSet(k)
				changed = true
			}
		}
	}
	if changed && n.relay != nil {
		n.relay.NotifyStateChange(n.clk.NowMS(), n.snapshot)
	}
}

func (n *Node) broadcastSet(key string) {
	entry, ok := n.store.GetEntry(key)
	if !ok {
		return
	}
	data, err := wire.Encode(wire.MsgStateSet, n.name, wire.StateSetPayload{
		Key: key, Value: entry.Value, Version: entry.Version, Origin: entry.Origin,
	})
	if err != nil {
		log.Printf("[ERR] encode STATE_SET: %v", err)
		return
	}
	if err := n.mesh.Broadcast(data); err != nil {
		log.Printf("[ERR] broadcast STATE_SET: %v", err)
	}
}

// broadcastFull emits a STATE_SYNC anti-entropy snapshot, skipped when the
// store is empty, per spec.md §4.3's broadcast_full.
func (n *Node) broadcastFull() {
	snap := n.store.Snapshot()
	if len(snap) == 0 {
		return
	}
	entries := make([]wire.StateSetPayload, 0, len(snap))
	for k, e := range snap {
		entries = append(entries, wire.StateSetPayload{Key: k, Value: e.Value, Version: e.Version, Origin: e.Origin})
	}
	data, err := wire.Encode(wire.MsgStateSync, n.name, wire.StateSyncPayload{Entries: entries})
	if err != nil {
		log.Printf("[ERR] encode STATE_SYNC: %v", err)
		return
	}
	if err := n.mesh.Broadcast(data); err != nil {
		log.Printf("[ERR] broadcast STATE_SYNC: %v", err)
	}
}

// RequestSync emits a STATE_REQ; any recipient answers with a full
// STATE_SYNC broadcast, per spec.md §4.3.
func (n *Node) RequestSync() {
	data, err := wire.Encode(wire.MsgStateReq, n.name, wire.StateReqPayload{Req: 1})
	if err != nil {
		log.Printf("[ERR] encode STATE_REQ: %v", err)
		return
	}
	if err := n.mesh.Broadcast(data); err != nil {
		log.Printf("[ERR] broadcast STATE_REQ: %v", err)
	}
}

func (n *Node) sendHeartbeat(now uint64) {
	role := "PEER"
	if n.table.IsCoordinator() {
		role = "COORD"
	}
	payload := wire.HeartbeatPayload{
		Role:    role,
		UptimeS: now / 1000,
		States:  len(n.store.Snapshot()),
		Extras:  map[string]int{},
	}
	data, err := wire.Encode(wire.MsgHeartbeat, n.name, payload)
	if err != nil {
		log.Printf("[ERR] encode HEARTBEAT: %v", err)
		return
	}
	if err := n.mesh.Broadcast(data); err != nil {
		log.Printf("[ERR] broadcast HEARTBEAT: %v", err)
	}
}

func (n *Node) snapshot() telemetry.Snapshot {
	now := n.clk.NowMS()
	role := "PEER"
	if n.table.IsCoordinator() {
		role = "COORD"
	}

	stateMap := make(map[string]string)
	for k, e := range n.store.Snapshot() {
		stateMap[k] = e.Value
	}

	return telemetry.Snapshot{
		Name:      n.name,
		UptimeS:   now / 1000,
		PeerCount: n.table.Count(),
		Role:      role,
		Firmware:  n.cfg.FirmwareVersion,
		State:     stateMap,
	}
}

// String renders a one-line status summary for debug logging.
func (n *Node) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s role=%s peers=%d", n.name, coordRole(n.table), n.table.Count())
	return b.String()
}

func coordRole(t *membership.Table) string {
	if t.IsCoordinator() {
		return "COORD"
	}
	return "PEER"
}
