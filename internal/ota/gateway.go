// Package ota implements the gateway-side OTA distribution state machine
// (C6): poll a control plane, offer firmware to the mesh transport, stream
// chunks on demand via ranged HTTP fetches, and report progress/terminal
// status, per spec.md §4.6.
package ota

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/meshswarm/meshswarm/internal/clock"
	"github.com/meshswarm/meshswarm/internal/transport"
)

const (
	controlPlaneTimeout = 5 * time.Second
	fetchTimeout        = 10 * time.Second
)

// Update is spec.md §3's OTAUpdate, gateway-only.
type Update struct {
	UpdateID        string
	FirmwareID      string
	NodeType        string
	Version         string
	Hardware        string
	MD5             string
	NumParts        int
	SizeBytes       int64
	TargetNodeID    string
	Force           bool
	Active          bool
	LastPartSent    int
	TransferStarted bool
}

type pendingUpdateDTO struct {
	UpdateID     string `json:"update_id"`
	FirmwareID   string `json:"firmware_id"`
	NodeType     string `json:"node_type"`
	Version      string `json:"version"`
	Hardware     string `json:"hardware"`
	MD5          string `json:"md5"`
	NumParts     int    `json:"num_parts"`
	SizeBytes    int64  `json:"size_bytes"`
	TargetNodeID string `json:"target_node_id,omitempty"`
	Force        bool   `json:"force"`
}

// ProgressReporter posts per-node OTA progress; wired to a transport's
// PartAck stream when one is available (SPEC_FULL.md's Open Question
// decision). A nil ProgressReporter simply skips /progress posts, matching
// spec.md §6's "optional" framing.
type ProgressReporter interface {
	ReportProgress(updateID string, nodeID uint32, currentPart, totalParts int, status string)
}

// Gateway drives spec.md §4.6's state machine. It owns no goroutines: Tick
// is called from the scheduler and does all polling/offering/draining
// synchronously, within the bounded timeouts the spec allows.
type Gateway struct {
	clk    clock.Clock
	mesh   transport.Mesh
	client *http.Client
	router *backendRouter

	pollIntervalMS uint64
	partSize       int

	lastPollMS uint64
	current    *Update
	handle     transport.OTAHandle
}

// Options configures a Gateway.
type Options struct {
	BaseURLs       []string
	PollIntervalMS uint64
	PartSize       int
}

// New builds a Gateway bound to clk and mesh.
func New(clk clock.Clock, mesh transport.Mesh, opts Options) *Gateway {
	return &Gateway{
		clk:            clk,
		mesh:           mesh,
		client:         &http.Client{Timeout: controlPlaneTimeout},
		router:         newBackendRouter(opts.BaseURLs),
		pollIntervalMS: opts.PollIntervalMS,
		partSize:       opts.PartSize,
	}
}

// Tick runs one scheduler iteration's worth of OTA work: drain progress
// acks for the in-flight offer, then poll for a new update if none is
// active, per spec.md §4.6's "at most one active update" invariant.
func (g *Gateway) Tick(nowMS uint64, reporter ProgressReporter) {
	g.drainProgress(reporter)

	if g.current != nil && g.current.Active && g.current.TransferStarted {
		return
	}
	if clock.ElapsedSince(nowMS, g.lastPollMS) < g.pollIntervalMS {
		return
	}
	g.lastPollMS = nowMS
	g.poll()
}

// Active reports whether an OTA update is currently in flight.
func (g *Gateway) Active() bool {
	return g.current != nil && g.current.Active
}

// Status returns the current update for display on the gateway's query API,
// and whether one is in flight at all.
func (g *Gateway) Status() (Update, bool) {
	if g.current == nil {
		return Update{}, false
	}
	return *g.current, true
}

func (g *Gateway) poll() {
	base := g.router.pick("ota-control-plane")
	if base == "" {
		return
	}

	req, err := http.NewRequest(http.MethodGet, base+"/api/v1/ota/updates/pending", nil)
	if err != nil {
		log.Printf("[ERR] ota poll request: %v", err)
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[ERR] ota poll %s: %v", base, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("[OTA] poll rejected: %s", resp.Status)
		return
	}

	var pending []pendingUpdateDTO
	if err := json.NewDecoder(resp.Body).Decode(&pending); err != nil {
		log.Printf("[ERR] ota poll decode: %v", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	dto := pending[0]
	g.current = &Update{
		UpdateID:     dto.UpdateID,
		FirmwareID:   dto.FirmwareID,
		NodeType:     dto.NodeType,
		Version:      dto.Version,
		Hardware:     dto.Hardware,
		MD5:          dto.MD5,
		NumParts:     dto.NumParts,
		SizeBytes:    dto.SizeBytes,
		TargetNodeID: dto.TargetNodeID,
		Force:        dto.Force,
		Active:       true,
		LastPartSent: -1,
	}
	log.Printf("[OTA] pending update %s (%d parts, %d bytes)", dto.UpdateID, dto.NumParts, dto.SizeBytes)
	g.offer()
}

func (g *Gateway) offer() {
	u := g.current
	g.reportStart(u.UpdateID)

	g.mesh.InitOTASend(g.chunkProducer(u), g.partSize)
	handle, ok := g.mesh.OfferOTA(transport.OTAOffer{
		NodeType: u.NodeType,
		Hardware: u.Hardware,
		MD5:      u.MD5,
		NumParts: u.NumParts,
		Force:    u.Force,
	})
	if !ok {
		g.reportFail(u.UpdateID, "transport rejected OTA offer")
		u.Active = false
		g.current = nil
		return
	}
	g.handle = handle
	log.Printf("[OTA] offered update %s to role %s", u.UpdateID, u.NodeType)
}

// chunkProducer implements spec.md §4.6's producer contract: idempotent
// per partNo ranged fetch, 0 bytes at or past end of firmware.
func (g *Gateway) chunkProducer(u *Update) transport.ChunkProducer {
	return func(partNo int, buf []byte) int {
		offset := int64(partNo) * int64(g.partSize)
		if offset >= u.SizeBytes {
			return 0
		}
		chunk := int64(g.partSize)
		if remaining := u.SizeBytes - offset; remaining < chunk {
			chunk = remaining
		}

		n := g.fetchRange(u.FirmwareID, offset, offset+chunk-1, buf)
		if n == 0 {
			return 0
		}

		u.TransferStarted = true
		u.LastPartSent = partNo

		if partNo+1 == u.NumParts {
			g.reportComplete(u.UpdateID)
			u.Active = false
		}
		return n
	}
}

func (g *Gateway) fetchRange(firmwareID string, start, end int64, buf []byte) int {
	base := g.router.pick(firmwareID)
	if base == "" {
		return 0
	}
	req, err := http.NewRequest(http.MethodGet, base+"/api/v1/firmware/"+url.PathEscape(firmwareID)+"/download", nil)
	if err != nil {
		log.Printf("[ERR] ota fetch request: %v", err)
		return 0
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))

	client := &http.Client{Timeout: fetchTimeout}
	resp, err := client.Do(req)
	if err != nil {
		log.Printf("[ERR] ota fetch %s: %v", firmwareID, err)
		return 0
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		log.Printf("[OTA] fetch rejected: %s", resp.Status)
		return 0
	}

	want := int(end - start + 1)
	n, err := io.ReadFull(resp.Body, buf[:want])
	if err != nil {
		log.Printf("[ERR] ota fetch short read: %v", err)
		return 0
	}
	return n
}

func (g *Gateway) reportStart(updateID string) {
	g.report(updateID, "start", "")
}

func (g *Gateway) reportComplete(updateID string) {
	g.report(updateID, "complete", "")
}

func (g *Gateway) reportFail(updateID, errMsg string) {
	g.report(updateID, "fail", errMsg)
}

func (g *Gateway) report(updateID, verb, errMsg string) {
	base := g.router.pick(updateID)
	if base == "" {
		return
	}
	target := fmt.Sprintf("%s/api/v1/ota/updates/%s/%s", base, updateID, verb)
	if verb == "fail" && errMsg != "" {
		target += "?error_message=" + url.QueryEscape(errMsg)
	}

	req, err := http.NewRequest(http.MethodPost, target, nil)
	if err != nil {
		log.Printf("[ERR] ota report %s: %v", verb, err)
		return
	}
	resp, err := g.client.Do(req)
	if err != nil {
		log.Printf("[ERR] ota report %s: %v", verb, err)
		return
	}
	resp.Body.Close()
	log.Printf("[OTA] reported %s for %s: %s", verb, updateID, resp.Status)
}

// drainProgress forwards any pending PartAck notifications from the
// transport's OTAHandle into /node/{hex}/progress reports, without
// blocking when none are waiting.
func (g *Gateway) drainProgress(reporter ProgressReporter) {
	if g.handle == nil || reporter == nil || g.current == nil {
		return
	}
	for {
		select {
		case ack := <-g.handle.Acks():
			reporter.ReportProgress(g.current.UpdateID, ack.NodeID, ack.PartNo+1, g.current.NumParts, "in_progress")
		default:
			return
		}
	}
}

// HTTPProgressReporter is the default ProgressReporter, POSTing to the
// gateway control plane's /node/{hex_id}/progress endpoint.
type HTTPProgressReporter struct {
	client *http.Client
	router *backendRouter
}

// NewHTTPProgressReporter builds a ProgressReporter over the same base URLs
// the Gateway's control plane uses.
func NewHTTPProgressReporter(baseURLs []string) *HTTPProgressReporter {
	return &HTTPProgressReporter{
		client: &http.Client{Timeout: controlPlaneTimeout},
		router: newBackendRouter(baseURLs),
	}
}

func (h *HTTPProgressReporter) ReportProgress(updateID string, nodeID uint32, currentPart, totalParts int, status string) {
	base := h.router.pick(updateID)
	if base == "" {
		return
	}
	target := fmt.Sprintf("%s/api/v1/ota/updates/%s/node/%s/progress", base, updateID, hexKey(nodeID))

	body, _ := json.Marshal(map[string]any{
		"current_part": currentPart,
		"total_parts":  totalParts,
		"status":       status,
	})
	req, err := http.NewRequest(http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		log.Printf("[ERR] ota progress request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		log.Printf("[ERR] ota progress post: %v", err)
		return
	}
	resp.Body.Close()
}
