package ring

import "testing"

func TestAddNodeIsIdempotent(t *testing.T) {
	r := NewConsistentHashRing(10)

	r.AddNode("https://backend-a")
	if r.Size() != 1 {
		t.Fatalf("expected 1 backend, got %d", r.Size())
	}

	r.AddNode("https://backend-b")
	if r.Size() != 2 {
		t.Fatalf("expected 2 backends, got %d", r.Size())
	}

	r.AddNode("https://backend-a")
	if r.Size() != 2 {
		t.Errorf("re-adding a backend should not change size, got %d", r.Size())
	}
}

func TestRemoveNode(t *testing.T) {
	r := NewConsistentHashRing(10)
	r.AddNode("https://backend-a")
	r.AddNode("https://backend-b")

	r.RemoveNode("https://backend-a")
	if r.Size() != 1 {
		t.Fatalf("expected 1 backend after removal, got %d", r.Size())
	}

	r.RemoveNode("https://does-not-exist")
	if r.Size() != 1 {
		t.Errorf("removing an absent backend should not change size, got %d", r.Size())
	}
}

func TestGetNodeIsStableForSameKey(t *testing.T) {
	r := NewConsistentHashRing(150)
	r.AddNode("https://backend-a")
	r.AddNode("https://backend-b")
	r.AddNode("https://backend-c")

	a, err := r.GetNode("00000042")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	b, err := r.GetNode("00000042")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if a != b {
		t.Errorf("expected the same NodeId key to route to the same backend: %s vs %s", a, b)
	}
}

func TestGetNodeEmptyRing(t *testing.T) {
	r := NewConsistentHashRing(10)
	if _, err := r.GetNode("00000001"); err == nil {
		t.Error("expected an error routing against an empty ring")
	}
}

func TestGetNodeSingleBackend(t *testing.T) {
	r := NewConsistentHashRing(10)
	r.AddNode("https://only-backend")

	node, err := r.GetNode("update-7")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if node != "https://only-backend" {
		t.Errorf("expected the sole backend, got %q", node)
	}
}

func TestVirtualNodeDefault(t *testing.T) {
	r := NewConsistentHashRing(0)
	r.AddNode("https://backend-a")
	if len(r.sortedHashes) != 150 {
		t.Errorf("expected default 150 virtual nodes, got %d", len(r.sortedHashes))
	}
}
