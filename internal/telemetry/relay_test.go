package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/history"
	"github.com/meshswarm/meshswarm/internal/transport"
	"github.com/meshswarm/meshswarm/internal/wire"
)

// fakeMesh is a minimal transport.Mesh stub recording broadcasts.
type fakeMesh struct {
	id         uint32
	broadcasts [][]byte
}

func (m *fakeMesh) LocalNodeID() uint32 { return m.id }
func (m *fakeMesh) ListNodes() []uint32 { return nil }

func (m *fakeMesh) Broadcast(data []byte) error {
	m.broadcasts = append(m.broadcasts, data)
	return nil
}

func (m *fakeMesh) OnReceive(fn func(from uint32, data []byte))    {}
func (m *fakeMesh) OnNewConnection(fn func(nodeID uint32))         {}
func (m *fakeMesh) OnDroppedConnection(fn func(nodeID uint32))     {}
func (m *fakeMesh) OnTopologyChanged(fn func())                    {}
func (m *fakeMesh) InitOTASend(producer transport.ChunkProducer, partSize int) {}

func (m *fakeMesh) OfferOTA(offer transport.OTAOffer) (transport.OTAHandle, bool) {
	return nil, false
}

func (m *fakeMesh) SetDebugChannels(channels transport.DebugChannel) {}

func TestNodeModeBroadcasts(t *testing.T) {
	mesh := &fakeMesh{id: 1}
	clk := clock.NewFake()
	r := New(clk, mesh, Options{IntervalMS: 1000})

	r.Tick(1000, func() Snapshot { return Snapshot{Name: "N0001"} })

	if len(mesh.broadcasts) != 1 {
		t.Fatalf("expected 1 broadcast, got %d", len(mesh.broadcasts))
	}
	env, err := wire.Decode(mesh.broadcasts[0])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.T != wire.MsgTelemetry {
		t.Errorf("expected MsgTelemetry, got %v", env.T)
	}
}

func TestDebounceSkipsWithinWindow(t *testing.T) {
	mesh := &fakeMesh{id: 1}
	clk := clock.NewFake()
	r := New(clk, mesh, Options{IntervalMS: 100000, MinIntervalMS: 2000})

	r.NotifyStateChange(0, func() Snapshot { return Snapshot{Name: "N0001"} })
	if len(mesh.broadcasts) != 1 {
		t.Fatalf("expected first state-change push to fire, got %d", len(mesh.broadcasts))
	}

	r.NotifyStateChange(500, func() Snapshot { return Snapshot{Name: "N0001"} })
	if len(mesh.broadcasts) != 1 {
		t.Fatalf("expected second push within debounce window to be skipped, got %d", len(mesh.broadcasts))
	}

	r.NotifyStateChange(2001, func() Snapshot { return Snapshot{Name: "N0001"} })
	if len(mesh.broadcasts) != 2 {
		t.Fatalf("expected push past debounce window, got %d", len(mesh.broadcasts))
	}
}

func TestGatewayModePostsWithAPIKey(t *testing.T) {
	var gotKey string
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&hits, 1)
		gotKey = req.Header.Get("X-API-Key")
		var p wire.TelemetryPayload
		json.NewDecoder(req.Body).Decode(&p)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	mesh := &fakeMesh{id: 0x2a}
	clk := clock.NewFake()
	r := New(clk, mesh, Options{
		GatewayMode: true,
		BaseURLs:    []string{srv.URL},
		APIKey:      "secret",
		IntervalMS:  1000,
	})

	r.Tick(1000, func() Snapshot { return Snapshot{Name: "N002A"} })

	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("expected 1 HTTP push, got %d", hits)
	}
	if gotKey != "secret" {
		t.Errorf("expected X-API-Key 'secret', got %q", gotKey)
	}
}

func TestGatewayModeRecordsToArchive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	archive := history.NewArchive(t.TempDir())
	mesh := &fakeMesh{id: 1}
	clk := clock.NewFake()
	r := New(clk, mesh, Options{
		GatewayMode: true,
		BaseURLs:    []string{srv.URL},
		IntervalMS:  1000,
		Archive:     archive,
	})

	r.Tick(1000, func() Snapshot {
		return Snapshot{Name: "N0001", HeapFree: 44500, State: map[string]string{"temp": "21.5", "mode": "on"}}
	})

	values, err := archive.Query("00000001", "heap_free", 0, 0)
	if err != nil {
		t.Fatalf("Query heap_free: %v", err)
	}
	if len(values) != 1 || values[0] != 44500 {
		t.Fatalf("expected recorded heap_free sample, got %v", values)
	}

	values, err = archive.Query("00000001", "temp", 0, 0)
	if err != nil {
		t.Fatalf("Query temp: %v", err)
	}
	if len(values) != 1 || values[0] != 21.5 {
		t.Fatalf("expected recorded numeric state sample, got %v", values)
	}

	if values, _ := archive.Query("00000001", "mode", 0, 0); len(values) != 0 {
		t.Errorf("expected non-numeric state value 'mode' to be skipped, got %v", values)
	}
}

func TestRelayInboundRecordsUnderPeerID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	archive := history.NewArchive(t.TempDir())
	mesh := &fakeMesh{id: 1}
	clk := clock.NewFake()
	r := New(clk, mesh, Options{GatewayMode: true, BaseURLs: []string{srv.URL}, Archive: archive})

	r.RelayInbound(7, wire.TelemetryPayload{Name: "N0007", UptimeS: 30})

	values, err := archive.Query("00000007", "uptime", 0, 0)
	if err != nil {
		t.Fatalf("Query uptime: %v", err)
	}
	if len(values) != 1 || values[0] != 30 {
		t.Fatalf("expected relayed sample recorded under peer id, got %v", values)
	}
}

func TestBackendRouterSingleURL(t *testing.T) {
	r := NewBackendRouter([]string{"http://only"})
	if got := r.Pick(123); got != "http://only" {
		t.Errorf("expected single URL passthrough, got %q", got)
	}
}

func TestBackendRouterStablePerNode(t *testing.T) {
	r := NewBackendRouter([]string{"http://a", "http://b", "http://c"})
	first := r.Pick(777)
	for i := 0; i < 10; i++ {
		if got := r.Pick(777); got != first {
			t.Fatalf("expected stable pick for same NodeId, got %q then %q", first, got)
		}
	}
}
