package swarm

import (
	"testing"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/config"
	"github.com/meshswarm/meshswarm/internal/transport"
	"github.com/meshswarm/meshswarm/internal/wire"
)

// fakeMesh is a local transport.Mesh stub: broadcasts are captured and can
// be hand-delivered to other fakeMesh instances via deliver, simulating a
// fully connected mesh without a real tcpmesh listener.
type fakeMesh struct {
	id            uint32
	peers         []uint32
	broadcasts    [][]byte
	onReceive     func(from uint32, data []byte)
	onNewConn     func(nodeID uint32)
	onDroppedConn func(nodeID uint32)
}

func (m *fakeMesh) LocalNodeID() uint32 { return m.id }
func (m *fakeMesh) ListNodes() []uint32 { return m.peers }

func (m *fakeMesh) Broadcast(data []byte) error {
	m.broadcasts = append(m.broadcasts, data)
	return nil
}

func (m *fakeMesh) OnReceive(fn func(from uint32, data []byte)) { m.onReceive = fn }
func (m *fakeMesh) OnNewConnection(fn func(nodeID uint32))      { m.onNewConn = fn }
func (m *fakeMesh) OnDroppedConnection(fn func(nodeID uint32))  { m.onDroppedConn = fn }
func (m *fakeMesh) OnTopologyChanged(fn func())                 {}
func (m *fakeMesh) InitOTASend(producer transport.ChunkProducer, partSize int) {}

func (m *fakeMesh) OfferOTA(offer transport.OTAOffer) (transport.OTAHandle, bool) {
	return nil, false
}

func (m *fakeMesh) SetDebugChannels(channels transport.DebugChannel) {}

func (m *fakeMesh) deliver(from uint32, data []byte) {
	if m.onReceive != nil {
		m.onReceive(from, data)
	}
}

// connect simulates a fresh transport connection: the node id becomes a
// live list_nodes() entry and OnNewConnection fires, same as tcpmesh would
// on accept/dial.
func (m *fakeMesh) connect(id uint32) {
	m.peers = append(m.peers, id)
	if m.onNewConn != nil {
		m.onNewConn(id)
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.HeartbeatIntervalMS = 1000
	cfg.StateSyncIntervalMS = 10000
	return cfg
}

func TestLocalSetBroadcastsStateSet(t *testing.T) {
	mesh := &fakeMesh{id: 1}
	n := New(testConfig(), clock.NewFake(), mesh)

	n.Set("mode", "on")

	if len(mesh.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(mesh.broadcasts))
	}
	env, err := wire.Decode(mesh.broadcasts[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.T != wire.MsgStateSet {
		t.Fatalf("expected STATE_SET, got %v", env.T)
	}

	n.Set("mode", "on")
	if len(mesh.broadcasts) != 1 {
		t.Errorf("expected no-op set to skip broadcast, got %d total", len(mesh.broadcasts))
	}
}

func TestTwoNodesConverge(t *testing.T) {
	clk := clock.NewFake()
	meshA := &fakeMesh{id: 1}
	meshB := &fakeMesh{id: 2}

	a := New(testConfig(), clk, meshA)
	b := New(testConfig(), clk, meshB)

	a.Set("mode", "on")
	if len(meshA.broadcasts) != 1 {
		t.Fatalf("expected A to broadcast once, got %d", len(meshA.broadcasts))
	}

	meshB.deliver(1, meshA.broadcasts[0])
	b.Tick()

	v, ok := b.Store().Get("mode")
	if !ok || v != "on" {
		t.Fatalf("expected B to have converged mode=on, got %q ok=%v", v, ok)
	}

	entry, _ := b.Store().GetEntry("mode")
	if entry.Origin != 1 {
		t.Errorf("expected origin 1, got %d", entry.Origin)
	}
}

func TestHeartbeatElectsCoordinator(t *testing.T) {
	clk := clock.NewFake()
	mesh := &fakeMesh{id: 10}
	n := New(testConfig(), clk, mesh)

	if !n.Table().IsCoordinator() {
		t.Fatal("expected solo node to self-elect")
	}

	mesh.connect(2)
	hb, _ := wire.Encode(wire.MsgHeartbeat, "N0002", wire.HeartbeatPayload{Role: "PEER"})
	mesh.deliver(2, hb)
	n.Tick()

	if n.Table().IsCoordinator() {
		t.Error("expected node 10 to defer to lower id 2")
	}
	if got := n.Table().Coordinator(); got != 2 {
		t.Errorf("expected coordinator 2, got %d", got)
	}
}

func TestElectionFollowsTransportNotHeartbeat(t *testing.T) {
	clk := clock.NewFake()
	mesh := &fakeMesh{id: 10}
	n := New(testConfig(), clk, mesh)

	// A heartbeat from an id with no matching live connection must not
	// move the coordinator: spec.md §4.4's candidate set is {local_id} ∪
	// transport.list_nodes(), not the heartbeat-ingested peer map.
	hb, _ := wire.Encode(wire.MsgHeartbeat, "N0002", wire.HeartbeatPayload{Role: "PEER"})
	mesh.deliver(2, hb)
	n.Tick()

	if got := n.Table().Coordinator(); got != 10 {
		t.Errorf("expected heartbeat-only peer to not affect election, got coordinator=%d", got)
	}
}

func TestNewConnectionSendsHeartbeatAndFullState(t *testing.T) {
	clk := clock.NewFake()
	mesh := &fakeMesh{id: 1}
	n := New(testConfig(), clk, mesh)
	n.Set("mode", "on")

	before := len(mesh.broadcasts)
	mesh.connect(2)

	if len(mesh.broadcasts) <= before {
		t.Fatal("expected OnNewConnection to trigger at least one broadcast")
	}

	var sawHeartbeat, sawStateSync bool
	for _, b := range mesh.broadcasts[before:] {
		env, err := wire.Decode(b)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		switch env.T {
		case wire.MsgHeartbeat:
			sawHeartbeat = true
		case wire.MsgStateSync:
			sawStateSync = true
		}
	}
	if !sawHeartbeat {
		t.Error("expected a HEARTBEAT broadcast on new connection")
	}
	if !sawStateSync {
		t.Error("expected a STATE_SYNC broadcast on new connection")
	}
}

func TestCommandAppliesLocalSet(t *testing.T) {
	clk := clock.NewFake()
	mesh := &fakeMesh{id: 1}
	n := New(testConfig(), clk, mesh)

	cmd, _ := wire.Encode(wire.MsgCommand, "ops", wire.CommandPayload{Cmd: "set", Key: "relay", Value: "closed"})
	mesh.deliver(99, cmd)
	n.Tick()

	v, ok := n.Store().Get("relay")
	if !ok || v != "closed" {
		t.Fatalf("expected COMMAND to apply local set, got %q ok=%v", v, ok)
	}
}

func TestStateReqAnswersWithFullSync(t *testing.T) {
	clk := clock.NewFake()
	mesh := &fakeMesh{id: 1}
	n := New(testConfig(), clk, mesh)
	n.Set("a", "1")

	req, _ := wire.Encode(wire.MsgStateReq, "N0002", wire.StateReqPayload{Req: 1})
	mesh.deliver(2, req)
	n.Tick()

	last := mesh.broadcasts[len(mesh.broadcasts)-1]
	env, err := wire.Decode(last)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.T != wire.MsgStateSync {
		t.Fatalf("expected STATE_SYNC reply, got %v", env.T)
	}
}

func TestUnknownMsgTypeDroppedSilently(t *testing.T) {
	clk := clock.NewFake()
	mesh := &fakeMesh{id: 1}
	n := New(testConfig(), clk, mesh)

	raw := []byte(`{"t":99,"n":"x","d":{}}`)
	mesh.deliver(2, raw)
	n.Tick() // must not panic
}
