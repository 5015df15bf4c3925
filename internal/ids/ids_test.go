package ids

import "testing"

func TestDocIsDeterministicAndPrefixed(t *testing.T) {
	a := Doc("hello world")
	b := Doc("hello world")
	if a != b {
		t.Fatalf("expected deterministic id, got %s vs %s", a, b)
	}
	if a[:4] != "doc-" {
		t.Fatalf("expected doc- prefix, got %s", a)
	}
}

func TestDifferentContentYieldsDifferentIds(t *testing.T) {
	if Doc("a") == Doc("b") {
		t.Fatal("expected distinct ids for distinct content")
	}
}

func TestRelationIsOrderSensitive(t *testing.T) {
	if Relation("Acme", "Globex") == Relation("Globex", "Acme") {
		t.Fatal("expected order-sensitive relation ids")
	}
}

func TestTaskIncludesNonce(t *testing.T) {
	first := Task("doc-1", "content", "2026-01-01T00:00:00Z")
	second := Task("doc-1", "content", "2026-01-01T00:00:01Z")
	if first == second {
		t.Fatal("expected distinct task ids for distinct nonces")
	}
}
