// Package transport defines the mesh transport contract the MeshSwarm core
// consumes (spec.md §6): peer discovery, reliable broadcast, per-hop
// topology callbacks, and the OTA chunk-pull extension. Per spec.md §1 the
// mesh transport itself is an external collaborator — this package only
// specifies the interface; internal/transport/tcpmesh supplies one concrete
// implementation so the rest of the repository has something to run against.
package transport

// DebugChannel mirrors painlessMesh's bitmask debug-channel selector
// (spec.md §6's set_debug_channels).
type DebugChannel uint8

const (
	DebugError   DebugChannel = 1 << 0
	DebugStartup DebugChannel = 1 << 1
)

// ChunkProducer supplies OTA_PART_SIZE-sized firmware chunks on demand. It
// returns the number of bytes written into buf; 0 signals "past end of
// firmware" (spec.md §4.6 step 1). The same partNo must always yield the
// same bytes (spec.md §8's idempotence property).
type ChunkProducer func(partNo int, buf []byte) int

// PartAck reports that some peer has pulled part PartNo of the update
// currently being offered — the per-node progress hook SPEC_FULL.md's Open
// Question decision wires to /node/.../progress reporting.
type PartAck struct {
	NodeID uint32
	PartNo int
}

// OTAOffer describes a firmware offer to hand to Mesh.OfferOTA.
type OTAOffer struct {
	NodeType string
	Hardware string
	MD5      string
	NumParts int
	Force    bool
}

// OTAHandle is returned by a successful OfferOTA; Acks streams part-pull
// notifications until Close is called.
type OTAHandle interface {
	Acks() <-chan PartAck
	Close()
}

// Mesh is the contract spec.md §6 specifies the MeshSwarm core against.
type Mesh interface {
	LocalNodeID() uint32
	ListNodes() []uint32

	Broadcast(data []byte) error

	OnReceive(fn func(from uint32, data []byte))
	OnNewConnection(fn func(nodeID uint32))
	OnDroppedConnection(fn func(nodeID uint32))
	OnTopologyChanged(fn func())

	InitOTASend(producer ChunkProducer, partSize int)
	OfferOTA(offer OTAOffer) (OTAHandle, bool)

	SetDebugChannels(channels DebugChannel)
}
