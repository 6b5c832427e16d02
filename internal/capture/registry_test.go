package capture

import (
	"errors"
	"testing"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	if _, err := r.CountChunk("c1", "s1"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected invalid session without binding, got %v", err)
	}

	_, previous := r.Bind("c1", "s1")
	if previous != "" {
		t.Fatalf("unexpected previous session %q", previous)
	}
	for i := 1; i <= 3; i++ {
		n, err := r.CountChunk("c1", "s1")
		if err != nil {
			t.Fatalf("count chunk: %v", err)
		}
		if n != i {
			t.Fatalf("expected chunk %d, got %d", i, n)
		}
	}
	if _, err := r.CountChunk("c1", "other"); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected mismatch error, got %v", err)
	}

	_, previous = r.Bind("c1", "s2")
	if previous != "s1" {
		t.Fatalf("expected previous s1, got %q", previous)
	}
	conn, ok := r.Lookup("c1")
	if !ok || conn.SessionID != "s2" || conn.Chunks != 0 {
		t.Fatalf("rebind should reset counters: %+v", conn)
	}

	r.Bind("c2", "s2")
	if ids := r.Connections("s2"); len(ids) != 2 || ids[0] != "c1" || ids[1] != "c2" {
		t.Fatalf("unexpected connections: %v", ids)
	}
	if r.Active() != 2 {
		t.Fatalf("expected 2 active connections, got %d", r.Active())
	}

	if _, ok := r.Unbind("c1"); !ok {
		t.Fatalf("unbind failed")
	}
	if _, ok := r.Unbind("c1"); ok {
		t.Fatalf("second unbind should report idle")
	}
	if r.Active() != 1 {
		t.Fatalf("expected 1 active connection, got %d", r.Active())
	}
}
