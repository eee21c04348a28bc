package soundtrigger

import "testing"

func TestRegistry(t *testing.T) {
	r := newRegistry()
	for _, h := range []SessionHandle{5, 2, 9} {
		if !r.insert(newSession(h, "", nil)) {
			t.Fatalf("insert %d failed", h)
		}
	}
	if r.insert(newSession(2, "", nil)) {
		t.Fatalf("duplicate handle accepted")
	}
	got := r.handles()
	if len(got) != 3 || got[0] != 2 || got[1] != 5 || got[2] != 9 {
		t.Fatalf("expected sorted handles, got %v", got)
	}
	if _, ok := r.remove(5); !ok {
		t.Fatalf("remove 5 failed")
	}
	if _, ok := r.get(5); ok {
		t.Fatalf("handle 5 still present")
	}
	if r.len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", r.len())
	}
}
