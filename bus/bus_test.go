package bus

import (
	"errors"
	"fmt"
	"testing"
)

func TestMatch_Matches(t *testing.T) {
	sig := &Signal{Path: "/a/ses_1", Interface: "x.Session", Name: "DetectionEvent"}

	tests := []struct {
		name  string
		match Match
		want  bool
	}{
		{"empty matches all", Match{}, true},
		{"exact", Match{Interface: "x.Session", Member: "DetectionEvent", Path: "/a/ses_1"}, true},
		{"other member", Match{Member: "StopBufferingDoneEvent"}, false},
		{"other path", Match{Path: "/a/ses_2"}, false},
		{"other interface", Match{Interface: "y"}, false},
		{"path only", Match{Path: "/a/ses_1"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.match.Matches(sig); got != tt.want {
				t.Fatalf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}

	if (Match{}).Matches(nil) {
		t.Fatal("nil signal must never match")
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Fatal("nil in, nil out")
	}

	remote := NewError(ErrorInvalidArgs, "bad %s", "thing")
	wrapped := fmt.Errorf("call: %w", remote)
	if got := AsError(wrapped); got != remote {
		t.Fatalf("expected the wrapped *Error back, got %#v", got)
	}

	plain := errors.New("boom")
	got := AsError(plain)
	if got.Name != ErrorFailed || got.Message != "boom" {
		t.Fatalf("unexpected conversion: %#v", got)
	}
	if got.Error() != ErrorFailed+": boom" {
		t.Fatalf("unexpected message: %q", got.Error())
	}
}

func TestEmptyBody(t *testing.T) {
	if EmptyBody.Len() != 0 {
		t.Fatal("empty body must have no values")
	}
	if err := EmptyBody.Store(); err != nil {
		t.Fatalf("store nothing: %v", err)
	}
	var x int
	if err := EmptyBody.Store(&x); err == nil {
		t.Fatal("expected error storing from empty body")
	}
}
