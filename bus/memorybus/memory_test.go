package memorybus

import (
	"context"
	"testing"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/bus/bustest"
)

func TestMemoryBus(t *testing.T) {
	bustest.RunConnTests(t, func(t *testing.T) (bus.Conn, bus.Exporter) {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b, b
	})
}

func TestEmitDeliversSynchronously(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	var got []string
	match := bus.Match{Interface: "i", Member: "S"}
	if _, err := b.Subscribe(ctx, match, func(sig *bus.Signal) { got = append(got, "first") }); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(ctx, match, func(sig *bus.Signal) { got = append(got, "second") }); err != nil {
		t.Fatal(err)
	}
	if n := b.Subscriptions(); n != 2 {
		t.Fatalf("expected 2 subscriptions, got %d", n)
	}

	if err := b.Emit(ctx, "/p", "i", "S"); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	// No waiting: handlers have already run, in subscription order.
	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("unexpected delivery: %v", got)
	}
}

func TestReplyDoesNotAliasServerMemory(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	shared := []byte{1, 2, 3}
	b.Export("/p", "i", "Get", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) {
		return []any{shared}, nil
	})

	reply, err := b.Call(ctx, "/p", "i", "Get")
	if err != nil {
		t.Fatal(err)
	}
	var out []byte
	if err := reply.Store(&out); err != nil {
		t.Fatal(err)
	}
	out[0] = 9
	if shared[0] != 1 {
		t.Fatal("reply aliases server memory")
	}
}

func TestUnknownObjectVersusMethod(t *testing.T) {
	b := New()
	defer b.Close()
	ctx := context.Background()

	b.Export("/p", "i", "Get", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) { return nil, nil })

	_, err := b.Call(ctx, "/p", "i", "Nope")
	if be := bus.AsError(err); be == nil || be.Name != bus.ErrorUnknownMethod {
		t.Fatalf("expected UnknownMethod, got %v", err)
	}
	_, err = b.Call(ctx, "/q", "i", "Get")
	if be := bus.AsError(err); be == nil || be.Name != bus.ErrorUnknownObject {
		t.Fatalf("expected UnknownObject, got %v", err)
	}
}
