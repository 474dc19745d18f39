// Package membership implements peer liveness and coordinator election
// (C4), adapted from the teacher's pkg/cluster gossip protocol. Unlike the
// teacher's gossip, there is no periodic random-fanout merge and no suspect
// state: liveness tracking is driven by heartbeat ingest and the mesh
// transport's connection callbacks, per spec.md §5, but election itself is
// computed only from the transport's own live node list, per spec.md §4.4
// — the two are deliberately separate views of the mesh.
package membership

import (
	"sort"
	"sync"

	"github.com/meshswarm/meshswarm/internal/clock"
)

// Peer is one entry in the membership table. LastSeenMS is the local clock
// reading at the moment the peer's last heartbeat was ingested, not a value
// carried on the wire. Alive reflects the transport's connection state: a
// dropped connection flips it false without erasing the record, so a peer
// is only ever destroyed by Prune's PEER_DEAD_MS timeout.
type Peer struct {
	ID         uint32
	Name       string
	Role       string
	LastSeenMS uint64
	Alive      bool
}

// Table tracks peer liveness and the deterministically elected coordinator.
// It holds no goroutines; every method is called from the scheduler's tick.
type Table struct {
	mu          sync.RWMutex
	localID     uint32
	peerDeadMS  uint64
	listNodes   func() []uint32
	peers       map[uint32]*Peer
	coordinator uint32
}

// New creates a Table for localID that prunes peers silent for longer than
// peerDeadMS (spec.md §6's PEER_DEAD_MS, default 15000). listNodes is the
// transport's live connection list, polled on every election — spec.md
// §4.4's candidate set is {local_id} ∪ transport.list_nodes(), which is
// deliberately a different set than the heartbeat-ingested peers map below:
// a connection can exist before its first heartbeat lands, or a heartbeat
// can go stale before the connection drops.
func New(localID uint32, peerDeadMS uint64, listNodes func() []uint32) *Table {
	t := &Table{
		localID:    localID,
		peerDeadMS: peerDeadMS,
		listNodes:  listNodes,
		peers:      make(map[uint32]*Peer),
	}
	t.electLocked()
	return t
}

// Ingest upserts a peer's liveness on a received heartbeat and re-runs
// election, per spec.md §4.4's "re-run on heartbeat ingest" rule.
func (t *Table) Ingest(id uint32, name, role string, nowMS uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.peers[id]; ok {
		p.Name = name
		p.Role = role
		p.LastSeenMS = nowMS
		p.Alive = true
	} else {
		t.peers[id] = &Peer{ID: id, Name: name, Role: role, LastSeenMS: nowMS, Alive: true}
	}
	t.electLocked()
}

// Prune drops every peer whose last heartbeat is older than peerDeadMS,
// using wraparound-safe elapsed-time arithmetic. Call this immediately
// after sending the local heartbeat, per spec.md §4.4/§5.
func (t *Table) Prune(nowMS uint64) (dropped []uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.peers {
		if clock.ElapsedSince(nowMS, p.LastSeenMS) > t.peerDeadMS {
			delete(t.peers, id)
			dropped = append(dropped, id)
		}
	}
	if len(dropped) > 0 {
		t.electLocked()
	}
	return dropped
}

// OnDroppedConnection marks a peer not alive when its transport connection
// closes, independent of heartbeat timing, and re-runs election. The
// record itself survives until Prune's PEER_DEAD_MS timeout erases it, per
// spec.md §3 — a dropped connection is a liveness signal, not a deletion.
func (t *Table) OnDroppedConnection(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[id]; ok {
		p.Alive = false
		t.electLocked()
	}
}

// OnTopologyChanged re-runs election without altering peer liveness state,
// for transport.Mesh.OnTopologyChanged callers that don't carry a node ID.
func (t *Table) OnTopologyChanged() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.electLocked()
}

// electLocked implements spec.md §4.4's coordinator rule exactly:
// coordinator_id = min({local_id} ∪ transport.list_nodes()). No consensus
// round, and no dependency on heartbeat-ingested liveness state.
func (t *Table) electLocked() {
	min := t.localID
	if t.listNodes != nil {
		for _, id := range t.listNodes() {
			if id < min {
				min = id
			}
		}
	}
	t.coordinator = min
}

// Coordinator returns the currently elected coordinator's NodeId.
func (t *Table) Coordinator() uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.coordinator
}

// IsCoordinator reports whether the local node is currently the coordinator.
func (t *Table) IsCoordinator() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.coordinator == t.localID
}

// Peers returns a stable, ID-sorted snapshot for display or telemetry; it
// never aliases internal state.
func (t *Table) Peers() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of currently alive peers, excluding the local
// node and any peer whose connection has dropped but not yet been pruned.
func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, p := range t.peers {
		if p.Alive {
			n++
		}
	}
	return n
}
