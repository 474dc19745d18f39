// Package queryapi is the gateway-only HTTP surface: it exposes the
// membership table, the replicated state snapshot, OTA status, and
// historical telemetry queries, and serves the dashboard websocket feed. It
// is grounded on the teacher's internal/query.Service, adapted from a
// distributed metrics query fan-out (cluster.GetNodesForKey against a
// sharded storage.Storage) to a single gateway's local view, since
// internal/state.Store is already fully replicated to every node by
// anti-entropy — there is nothing left to shard or fan out to.
package queryapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/meshswarm/meshswarm/internal/history"
	"github.com/meshswarm/meshswarm/internal/live"
	"github.com/meshswarm/meshswarm/internal/ota"
	"github.com/meshswarm/meshswarm/internal/swarm"
)

// QueryRequest mirrors the teacher's query shape, keyed by node+metric
// instead of device+metric.
type QueryRequest struct {
	NodeHex    string `json:"node_hex"`
	MetricName string `json:"metric_name"`
	Operation  string `json:"operation"`
	StartTime  int64  `json:"start_time"`
	EndTime    int64  `json:"end_time"`
}

// QueryResult mirrors the teacher's query result shape.
type QueryResult struct {
	NodeHex    string  `json:"node_hex"`
	MetricName string  `json:"metric_name"`
	Operation  string  `json:"operation"`
	Result     float64 `json:"result"`
	Count      int     `json:"count"`
	Duration   int64   `json:"duration_ns"`
}

// Service serves the gateway's HTTP API.
type Service struct {
	node    *swarm.Node
	gateway *ota.Gateway
	archive *history.Archive
	hub     *live.Hub
}

// New builds a Service. gateway and hub may be nil when OTA or the
// dashboard websocket feed is not enabled on this gateway.
func New(node *swarm.Node, gateway *ota.Gateway, archive *history.Archive, hub *live.Hub) *Service {
	return &Service{node: node, gateway: gateway, archive: archive, hub: hub}
}

// Mux builds the HTTP handler, registered by the caller onto whatever
// listener it runs.
func (s *Service) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/peers", s.handlePeers)
	mux.HandleFunc("/api/v1/state", s.handleState)
	mux.HandleFunc("/api/v1/ota/status", s.handleOTAStatus)
	mux.HandleFunc("/api/v1/query", s.handleQuery)
	mux.HandleFunc("/api/v1/query-samples", s.handleQuerySamples)
	if s.hub != nil {
		mux.HandleFunc("/ws", s.handleWebSocket)
		mux.HandleFunc("/ws/stats", s.handleWebSocketStats)
	}
	return mux
}

// ListenAndServe starts the HTTP server on addr, blocking until it fails.
func (s *Service) ListenAndServe(addr string) error {
	log.Printf("[GATEWAY] query API listening on %s", addr)
	return http.ListenAndServe(addr, s.Mux())
}

func cors(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

type peerView struct {
	ID          uint32 `json:"id"`
	Name        string `json:"name"`
	Role        string `json:"role"`
	LastSeenMS  uint64 `json:"last_seen_ms"`
	Alive       bool   `json:"alive"`
	Coordinator bool   `json:"coordinator"`
}

func (s *Service) handlePeers(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	tbl := s.node.Table()
	coord := tbl.Coordinator()

	out := []peerView{{
		ID:          s.node.LocalID(),
		Name:        s.node.Name(),
		Role:        "self",
		Alive:       true,
		Coordinator: s.node.LocalID() == coord,
	}}
	for _, p := range tbl.Peers() {
		out = append(out, peerView{
			ID:          p.ID,
			Name:        p.Name,
			Role:        p.Role,
			LastSeenMS:  p.LastSeenMS,
			Alive:       p.Alive,
			Coordinator: p.ID == coord,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Service) handleState(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	if key := r.URL.Query().Get("key"); key != "" {
		entry, ok := s.node.Store().GetEntry(key)
		if !ok {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(entry)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.node.Store().Snapshot())
}

func (s *Service) handleOTAStatus(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if s.gateway == nil {
		_ = json.NewEncoder(w).Encode(map[string]any{"active": false})
		return
	}
	update, active := s.gateway.Status()
	_ = json.NewEncoder(w).Encode(map[string]any{"active": active, "update": update})
}

func (s *Service) handleQuery(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	start := time.Now()
	qr, err := decodeQueryRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.archive == nil {
		http.Error(w, "history archive not enabled", http.StatusServiceUnavailable)
		return
	}

	stats, err := s.archive.Aggregate(qr.NodeHex, qr.MetricName, qr.StartTime, qr.EndTime)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	var res float64
	count := stats.Count
	if stats.Count > 0 {
		switch qr.Operation {
		case "avg":
			res = stats.Sum / float64(stats.Count)
		case "sum":
			res = stats.Sum
		case "max":
			res = stats.Max
		case "min":
			res = stats.Min
		default:
			http.Error(w, "unsupported operation", http.StatusBadRequest)
			return
		}
	}

	out := QueryResult{
		NodeHex:    qr.NodeHex,
		MetricName: qr.MetricName,
		Operation:  qr.Operation,
		Result:     res,
		Count:      count,
		Duration:   time.Since(start).Nanoseconds(),
	}
	log.Printf("[QUERY] %+v", out)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

func (s *Service) handleQuerySamples(w http.ResponseWriter, r *http.Request) {
	cors(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	qr, err := decodeQueryRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.archive == nil {
		http.Error(w, "history archive not enabled", http.StatusServiceUnavailable)
		return
	}

	samples, err := s.archive.Query(qr.NodeHex, qr.MetricName, qr.StartTime, qr.EndTime)
	if err != nil {
		http.Error(w, "storage error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Samples []float64 `json:"samples"`
	}{Samples: samples})
}

func decodeQueryRequest(r *http.Request) (QueryRequest, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return QueryRequest{}, fmt.Errorf("bad request")
	}
	var qr QueryRequest
	if err := json.Unmarshal(body, &qr); err != nil {
		return QueryRequest{}, fmt.Errorf("invalid json")
	}
	if qr.NodeHex == "" || qr.MetricName == "" {
		return QueryRequest{}, fmt.Errorf("missing fields")
	}
	return qr, nil
}

func (s *Service) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Printf("[GATEWAY] new dashboard websocket connection from %s", r.RemoteAddr)
	s.hub.ServeWS(w, r)
}

func (s *Service) handleWebSocketStats(w http.ResponseWriter, r *http.Request) {
	cors(w)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"connected_clients": s.hub.ClientCount(),
		"timestamp":         time.Now().Unix(),
	})
}
