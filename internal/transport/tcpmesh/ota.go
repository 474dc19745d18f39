package tcpmesh

import (
	"encoding/binary"
	"encoding/json"
	"log"

	"github.com/meshswarm/meshswarm/internal/transport"
)

type otaHandle struct {
	acks chan transport.PartAck
	done chan struct{}
}

func (h *otaHandle) Acks() <-chan transport.PartAck { return h.acks }

func (h *otaHandle) Close() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

// otaOfferWire is what gets flooded to announce an offer; role-matched
// peers (out of this repo's scope — see spec.md §1) would reply with
// frameOTARequest per part.
type otaOfferWire struct {
	NodeType string `json:"node_type"`
	Hardware string `json:"hardware"`
	MD5      string `json:"md5"`
	NumParts int    `json:"num_parts"`
	Force    bool   `json:"force"`
}

// InitOTASend implements transport.Mesh: registers the chunk producer the
// transport calls when a peer requests a part.
func (m *TCPMesh) InitOTASend(producer transport.ChunkProducer, partSize int) {
	m.otaMu.Lock()
	defer m.otaMu.Unlock()
	m.producer = producer
	m.partSize = partSize
}

// OfferOTA implements transport.Mesh: floods an offer and returns a handle
// streaming per-part pull acknowledgements for as long as it stays open.
func (m *TCPMesh) OfferOTA(offer transport.OTAOffer) (transport.OTAHandle, bool) {
	m.otaMu.Lock()
	if m.producer == nil {
		m.otaMu.Unlock()
		return nil, false
	}
	if m.handle != nil {
		m.handle.Close()
	}
	h := &otaHandle{acks: make(chan transport.PartAck, 64), done: make(chan struct{})}
	m.handle = h
	m.otaMu.Unlock()

	payload, err := json.Marshal(otaOfferWire{
		NodeType: offer.NodeType,
		Hardware: offer.Hardware,
		MD5:      offer.MD5,
		NumParts: offer.NumParts,
		Force:    offer.Force,
	})
	if err != nil {
		return nil, false
	}

	m.markSeen(payload)
	m.floodExcept(m.localID, frameOTAOffer, payload)
	return h, true
}

// serveOTARequest answers a peer's pulled part by invoking the registered
// chunk producer and unicasting the result back, then records the pull as
// a PartAck for the current offer's progress hook (if any).
func (m *TCPMesh) serveOTARequest(from *peerConn, partNo int) {
	m.otaMu.Lock()
	producer := m.producer
	partSize := m.partSize
	h := m.handle
	m.otaMu.Unlock()

	if producer == nil {
		return
	}

	buf := make([]byte, partSize)
	n := producer(partNo, buf)

	resp := make([]byte, 4+4+n)
	binary.BigEndian.PutUint32(resp[0:4], uint32(partNo))
	binary.BigEndian.PutUint32(resp[4:8], uint32(n))
	copy(resp[8:], buf[:n])

	if err := from.send(frameOTAResponse, resp); err != nil {
		log.Printf("[ERR] tcpmesh: send OTA part %d to %d: %v", partNo, from.id, err)
		return
	}

	if n > 0 && h != nil {
		select {
		case h.acks <- transport.PartAck{NodeID: from.id, PartNo: partNo}:
		default:
		}
	}
}
