package wire

import (
	"encoding/json"
	"testing"
)

func TestEncodeDecodeStateSet(t *testing.T) {
	raw, err := Encode(MsgStateSet, "N1A2B", StateSetPayload{Key: "mode", Value: "on", Version: 1, Origin: 0x1A2B})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if env.T != MsgStateSet || env.N != "N1A2B" {
		t.Fatalf("unexpected envelope: %+v", env)
	}

	var got StateSetPayload
	if err := decodePayload(env, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Key != "mode" || got.Value != "on" || got.Version != 1 || got.Origin != 0x1A2B {
		t.Errorf("round-trip mismatch: %+v", got)
	}
}

func TestDecodeUnknownTypeSucceeds(t *testing.T) {
	env, err := Decode([]byte(`{"t":99,"n":"X","d":{}}`))
	if err != nil {
		t.Fatalf("Decode should not fail on unknown type: %v", err)
	}
	if env.T != MsgType(99) {
		t.Errorf("expected type 99, got %v", env.T)
	}
}

func TestDecodeMalformedJSONFails(t *testing.T) {
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error on malformed JSON")
	}
}

func TestHeartbeatPayloadExtrasRoundTrip(t *testing.T) {
	raw, err := Encode(MsgHeartbeat, "N0001", HeartbeatPayload{
		Role: "COORD", UptimeS: 42, HeapFree: 1000, States: 3,
		Extras: map[string]int{"battery": 87},
	})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	env, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	var got HeartbeatPayload
	if err := decodePayload(env, &got); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if got.Role != "COORD" || got.UptimeS != 42 || got.Extras["battery"] != 87 {
		t.Errorf("unexpected payload: %+v", got)
	}
}

func decodePayload(env Envelope, v any) error {
	return json.Unmarshal(env.D, v)
}
