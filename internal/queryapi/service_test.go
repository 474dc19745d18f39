package queryapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/config"
	"github.com/meshswarm/meshswarm/internal/history"
	"github.com/meshswarm/meshswarm/internal/live"
	"github.com/meshswarm/meshswarm/internal/swarm"
	"github.com/meshswarm/meshswarm/internal/transport"
)

type fakeMesh struct {
	id uint32
}

func (m *fakeMesh) LocalNodeID() uint32                                       { return m.id }
func (m *fakeMesh) ListNodes() []uint32                                       { return nil }
func (m *fakeMesh) Broadcast(data []byte) error                               { return nil }
func (m *fakeMesh) OnReceive(fn func(from uint32, data []byte))               {}
func (m *fakeMesh) OnNewConnection(fn func(nodeID uint32))                    {}
func (m *fakeMesh) OnDroppedConnection(fn func(nodeID uint32))                {}
func (m *fakeMesh) OnTopologyChanged(fn func())                               {}
func (m *fakeMesh) InitOTASend(producer transport.ChunkProducer, partSize int) {}
func (m *fakeMesh) OfferOTA(offer transport.OTAOffer) (transport.OTAHandle, bool) {
	return nil, false
}
func (m *fakeMesh) SetDebugChannels(channels transport.DebugChannel) {}

func newTestService(t *testing.T) *Service {
	cfg := config.Default()
	node := swarm.New(cfg, clock.NewFake(), &fakeMesh{id: 1})
	node.Set("mode", "on")

	dir := t.TempDir()
	archive := history.NewArchive(dir)
	archive.Record("00000001", "temp", 1000, 21.5)

	hub := live.NewHub()
	go hub.Run()

	return New(node, nil, archive, hub)
}

func TestHandlePeersIncludesSelf(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(svc.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/peers")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var peers []peerView
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(peers) != 1 || peers[0].ID != 1 || !peers[0].Coordinator {
		t.Fatalf("expected self as sole coordinator peer, got %+v", peers)
	}
}

func TestHandleStateReturnsSnapshot(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(svc.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/state?key=mode")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestHandleOTAStatusWithoutGateway(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(svc.Mux())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/ota/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	if active, _ := out["active"].(bool); active {
		t.Error("expected active=false with no gateway configured")
	}
}

func TestHandleQueryAggregatesRecordedSamples(t *testing.T) {
	svc := newTestService(t)
	srv := httptest.NewServer(svc.Mux())
	defer srv.Close()

	body := `{"node_hex":"00000001","metric_name":"temp","operation":"avg"}`
	resp, err := http.Post(srv.URL+"/api/v1/query", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()

	var out QueryResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Count != 1 || out.Result != 21.5 {
		t.Errorf("expected avg 21.5 over 1 sample, got %+v", out)
	}
}
