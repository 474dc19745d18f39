// Package wire implements the MeshSwarm message codec (C2): typed envelopes
// carried over the mesh transport's byte-string broadcast primitive.
package wire

import "encoding/json"

// MsgType identifies the payload schema carried in an Envelope's D field.
type MsgType int

const (
	MsgHeartbeat MsgType = 1
	MsgStateSet  MsgType = 2
	MsgStateSync MsgType = 3
	MsgStateReq  MsgType = 4
	MsgCommand   MsgType = 5
	MsgTelemetry MsgType = 6
)

func (t MsgType) String() string {
	switch t {
	case MsgHeartbeat:
		return "HEARTBEAT"
	case MsgStateSet:
		return "STATE_SET"
	case MsgStateSync:
		return "STATE_SYNC"
	case MsgStateReq:
		return "STATE_REQ"
	case MsgCommand:
		return "COMMAND"
	case MsgTelemetry:
		return "TELEMETRY"
	default:
		return "UNKNOWN"
	}
}

// Envelope is the wire-level {t, n, d} object every MeshSwarm message uses.
// D is kept raw so the dispatcher can classify on T before committing to a
// payload shape, and so an unrecognized T still decodes successfully (it is
// the dispatcher's job to drop it, per spec.md §4.2).
type Envelope struct {
	T MsgType         `json:"t"`
	N string          `json:"n"`
	D json.RawMessage `json:"d"`
}

// Encode marshals a typed payload into a {t,n,d} envelope. It never fails on
// a well-formed payload — the only error path is a payload that rejects
// json.Marshal, which never happens for the structs defined in this package.
func Encode(t MsgType, senderName string, payload any) ([]byte, error) {
	d, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{T: t, N: senderName, D: d})
}

// Decode parses a raw transport payload into an Envelope. Decode errors are
// the only error this returns; an unknown MsgType decodes fine and is left
// for the dispatcher to drop.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// HeartbeatPayload is the D schema for MsgHeartbeat.
type HeartbeatPayload struct {
	Role       string         `json:"role"`
	UptimeS    uint64         `json:"up"`
	HeapFree   uint64         `json:"heap"`
	States     int            `json:"states"`
	Extras     map[string]int `json:"-"`
}

// MarshalJSON flattens Extras into the top-level object, matching the
// firmware's "for (auto& kv : heartbeatExtras) data[kv.first] = kv.second;".
func (h HeartbeatPayload) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"role":   h.Role,
		"up":     h.UptimeS,
		"heap":   h.HeapFree,
		"states": h.States,
	}
	for k, v := range h.Extras {
		m[k] = v
	}
	return json.Marshal(m)
}

// UnmarshalJSON recovers Role/UptimeS/HeapFree/States plus whatever extra
// integer fields were flattened in alongside them.
func (h *HeartbeatPayload) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	if raw, ok := m["role"]; ok {
		json.Unmarshal(raw, &h.Role)
	}
	if raw, ok := m["up"]; ok {
		json.Unmarshal(raw, &h.UptimeS)
	}
	if raw, ok := m["heap"]; ok {
		json.Unmarshal(raw, &h.HeapFree)
	}
	if raw, ok := m["states"]; ok {
		json.Unmarshal(raw, &h.States)
	}
	h.Extras = make(map[string]int)
	for k, raw := range m {
		switch k {
		case "role", "up", "heap", "states":
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err == nil {
			h.Extras[k] = n
		}
	}
	return nil
}

// StateSetPayload is the D schema for MsgStateSet, and the per-entry shape
// nested inside MsgStateSync's "s" array.
type StateSetPayload struct {
	Key     string `json:"k"`
	Value   string `json:"v"`
	Version uint32 `json:"ver"`
	Origin  uint32 `json:"org"`
}

// StateSyncPayload is the D schema for MsgStateSync.
type StateSyncPayload struct {
	Entries []StateSetPayload `json:"s"`
}

// StateReqPayload is the D schema for MsgStateReq.
type StateReqPayload struct {
	Req int `json:"req"`
}

// TelemetryPayload is the D schema for MsgTelemetry.
type TelemetryPayload struct {
	Name      string            `json:"name"`
	UptimeS   uint64            `json:"uptime"`
	HeapFree  uint64            `json:"heap_free"`
	PeerCount int               `json:"peer_count"`
	Role      string            `json:"role"`
	Firmware  string            `json:"firmware"`
	State     map[string]string `json:"state"`
}

// CommandPayload is the D schema for MsgCommand. spec.md lists COMMAND=5 in
// the envelope without defining its payload; SPEC_FULL.md resolves this as a
// remote "set" — see SPEC_FULL.md's Open Question decisions.
type CommandPayload struct {
	Cmd   string `json:"cmd"`
	Key   string `json:"key,omitempty"`
	Value string `json:"value,omitempty"`
}
