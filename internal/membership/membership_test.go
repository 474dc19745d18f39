package membership

import "testing"

// nodeListStub is a mutable transport.Mesh.ListNodes stand-in: tests mutate
// ids directly, then call a Table method that re-runs election (Ingest,
// OnTopologyChanged, OnDroppedConnection, Prune) to observe the effect,
// mirroring how tcpmesh actually drives election off its own connection set.
type nodeListStub struct {
	ids []uint32
}

func (s *nodeListStub) list() []uint32 { return s.ids }

func TestElectsLowestID(t *testing.T) {
	nodes := &nodeListStub{}
	tbl := New(10, 15000, nodes.list)
	if got := tbl.Coordinator(); got != 10 {
		t.Fatalf("expected local node 10 to self-elect, got %d", got)
	}

	nodes.ids = []uint32{5}
	tbl.OnTopologyChanged()
	if got := tbl.Coordinator(); got != 5 {
		t.Errorf("expected 5 to be elected, got %d", got)
	}
	if tbl.IsCoordinator() {
		t.Error("local node 10 should not see itself as coordinator once 5 joins")
	}

	nodes.ids = []uint32{5, 2}
	tbl.OnTopologyChanged()
	if got := tbl.Coordinator(); got != 2 {
		t.Errorf("expected 2 to be elected, got %d", got)
	}
}

func TestElectionIgnoresHeartbeatPeerMapByItself(t *testing.T) {
	nodes := &nodeListStub{}
	tbl := New(10, 15000, nodes.list)

	// A heartbeat with no matching transport connection must not move the
	// coordinator: spec.md §4.4's candidate set is {local_id} ∪
	// transport.list_nodes(), not the heartbeat-ingested peers map.
	tbl.Ingest(3, "N0003", "node", 0)
	if got := tbl.Coordinator(); got != 10 {
		t.Errorf("expected heartbeat-only peer to not affect election, got coordinator=%d", got)
	}

	nodes.ids = []uint32{3}
	tbl.OnTopologyChanged()
	if got := tbl.Coordinator(); got != 3 {
		t.Errorf("expected 3 to be elected once it is a live transport connection, got %d", got)
	}
}

func TestDroppedConnectionReElects(t *testing.T) {
	nodes := &nodeListStub{ids: []uint32{2, 5}}
	tbl := New(10, 15000, nodes.list)
	tbl.Ingest(2, "N0002", "node", 0)
	tbl.Ingest(5, "N0005", "node", 0)

	if got := tbl.Coordinator(); got != 2 {
		t.Fatalf("expected 2 elected, got %d", got)
	}

	nodes.ids = []uint32{5}
	tbl.OnDroppedConnection(2)
	if got := tbl.Coordinator(); got != 5 {
		t.Errorf("expected 5 elected after 2 drops, got %d", got)
	}
}

func TestPruneDeadPeers(t *testing.T) {
	nodes := &nodeListStub{ids: []uint32{3}}
	tbl := New(10, 1000, nodes.list)
	tbl.Ingest(3, "N0003", "node", 0)

	dropped := tbl.Prune(500)
	if len(dropped) != 0 {
		t.Fatalf("peer should still be alive at 500ms, got dropped=%v", dropped)
	}

	dropped = tbl.Prune(1501)
	if len(dropped) != 1 || dropped[0] != 3 {
		t.Fatalf("expected peer 3 pruned at 1501ms, got %v", dropped)
	}
	if tbl.Count() != 0 {
		t.Errorf("expected 0 peers after prune, got %d", tbl.Count())
	}
	// Pruning drops heartbeat liveness only; node 3 is still a live
	// transport connection, so it remains the elected coordinator.
	if got := tbl.Coordinator(); got != 3 {
		t.Errorf("expected 3 to remain coordinator after heartbeat prune, got %d", got)
	}
}

func TestDroppedConnectionMarksNotAliveWithoutErasing(t *testing.T) {
	nodes := &nodeListStub{ids: []uint32{2, 5}}
	tbl := New(10, 15000, nodes.list)
	tbl.Ingest(2, "N0002", "node", 0)
	tbl.Ingest(5, "N0005", "node", 0)

	if tbl.Count() != 2 {
		t.Fatalf("expected 2 alive peers, got %d", tbl.Count())
	}

	nodes.ids = []uint32{5}
	tbl.OnDroppedConnection(2)

	if tbl.Count() != 1 {
		t.Errorf("expected dropped peer to stop counting as alive, got count=%d", tbl.Count())
	}

	peers := tbl.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected the dropped peer's record to survive until pruned, got %d peers", len(peers))
	}
	for _, p := range peers {
		if p.ID == 2 && p.Alive {
			t.Error("expected peer 2 to be marked not alive after its connection dropped")
		}
		if p.ID == 5 && !p.Alive {
			t.Error("expected peer 5 to remain alive")
		}
	}

	tbl.Ingest(2, "N0002", "node", 100)
	peers = tbl.Peers()
	for _, p := range peers {
		if p.ID == 2 && !p.Alive {
			t.Error("expected a fresh heartbeat to mark the peer alive again")
		}
	}
}

func TestPeersSnapshotSorted(t *testing.T) {
	nodes := &nodeListStub{ids: []uint32{7, 3}}
	tbl := New(10, 15000, nodes.list)
	tbl.Ingest(7, "N0007", "node", 100)
	tbl.Ingest(3, "N0003", "gateway", 200)

	peers := tbl.Peers()
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(peers))
	}
	if peers[0].ID != 3 || peers[1].ID != 7 {
		t.Errorf("expected sorted [3,7], got [%d,%d]", peers[0].ID, peers[1].ID)
	}
}
