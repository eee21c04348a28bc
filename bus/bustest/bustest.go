// Package bustest holds a conformance suite shared by every bus transport
// that can serve as well as call.
package bustest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus"
)

const (
	testIface = "com.example.BusTest"
	testPath  = bus.ObjectPath("/com/example/bustest")
)

// Factory creates a connected client and the exporter serving it. Cleanup of
// both is the factory's responsibility (typically via t.Cleanup).
type Factory func(t *testing.T) (bus.Conn, bus.Exporter)

// RunConnTests runs the complete transport suite against the provided factory.
func RunConnTests(t *testing.T, factory Factory) {
	t.Run("CallRoundTrip", func(t *testing.T) {
		testCallRoundTrip(t, factory)
	})
	t.Run("StructArguments", func(t *testing.T) {
		testStructArguments(t, factory)
	})
	t.Run("RemoteError", func(t *testing.T) {
		testRemoteError(t, factory)
	})
	t.Run("UnknownMethod", func(t *testing.T) {
		testUnknownMethod(t, factory)
	})
	t.Run("CanceledContext", func(t *testing.T) {
		testCanceledContext(t, factory)
	})
	t.Run("SignalPathFiltering", func(t *testing.T) {
		testSignalPathFiltering(t, factory)
	})
	t.Run("SignalOrdering", func(t *testing.T) {
		testSignalOrdering(t, factory)
	})
	t.Run("Unsubscribe", func(t *testing.T) {
		testUnsubscribe(t, factory)
	})
	t.Run("Close", func(t *testing.T) {
		testClose(t, factory)
	})
}

type pair struct {
	ID     uint32
	Levels []uint32
	Blob   []byte
}

func testCallRoundTrip(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp.Export(testPath, testIface, "Echo", func(ctx context.Context, path bus.ObjectPath, args bus.Body) ([]any, error) {
		var (
			s   string
			n   uint32
			b   []byte
			obj bus.ObjectPath
		)
		if err := args.Store(&s, &n, &b, &obj); err != nil {
			return nil, bus.NewError(bus.ErrorInvalidArgs, "%v", err)
		}
		return []any{s + "!", n + 1, b, obj, path}, nil
	})

	reply, err := conn.Call(ctx, testPath, testIface, "Echo", "hi", uint32(41), []byte{1, 2, 3}, bus.ObjectPath("/x/y_7"))
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if got := reply.Len(); got != 5 {
		t.Fatalf("expected 5 reply values, got %d", got)
	}

	var (
		s        string
		n        uint32
		b        []byte
		obj, src bus.ObjectPath
	)
	if err := reply.Store(&s, &n, &b, &obj, &src); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if s != "hi!" || n != 42 || !bytes.Equal(b, []byte{1, 2, 3}) {
		t.Fatalf("unexpected reply: %q %d %v", s, n, b)
	}
	if obj != "/x/y_7" {
		t.Fatalf("expected object path /x/y_7, got %q", obj)
	}
	if src != testPath {
		t.Fatalf("expected handler to see path %q, got %q", testPath, src)
	}

	// A prefix of the body can be stored on its own.
	var first string
	if err := reply.Store(&first); err != nil || first != "hi!" {
		t.Fatalf("prefix Store: %q, %v", first, err)
	}
}

func testStructArguments(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp.Export(testPath, testIface, "Reverse", func(ctx context.Context, _ bus.ObjectPath, args bus.Body) ([]any, error) {
		var in []pair
		if err := args.Store(&in); err != nil {
			return nil, err
		}
		out := make([]pair, 0, len(in))
		for i := len(in) - 1; i >= 0; i-- {
			out = append(out, in[i])
		}
		return []any{out}, nil
	})

	in := []pair{
		{ID: 1, Levels: []uint32{10, 20}, Blob: []byte("a")},
		{ID: 2, Levels: []uint32{}, Blob: []byte("bc")},
	}
	reply, err := conn.Call(ctx, testPath, testIface, "Reverse", in)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	var out []pair
	if err := reply.Store(&out); err != nil {
		t.Fatalf("Store failed: %v", err)
	}
	if len(out) != 2 || out[0].ID != 2 || out[1].ID != 1 {
		t.Fatalf("unexpected reply: %+v", out)
	}
	if len(out[1].Levels) != 2 || out[1].Levels[1] != 20 || string(out[0].Blob) != "bc" {
		t.Fatalf("nested values not preserved: %+v", out)
	}
}

func testRemoteError(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp.Export(testPath, testIface, "Named", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) {
		return nil, bus.NewError("com.example.Error.Busy", "device busy")
	})
	exp.Export(testPath, testIface, "Plain", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) {
		return nil, errors.New("plain failure")
	})

	_, err := conn.Call(ctx, testPath, testIface, "Named")
	var be *bus.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *bus.Error, got %T: %v", err, err)
	}
	if be.Name != "com.example.Error.Busy" {
		t.Fatalf("expected error name to survive, got %q", be.Name)
	}

	_, err = conn.Call(ctx, testPath, testIface, "Plain")
	if !errors.As(err, &be) {
		t.Fatalf("expected *bus.Error, got %T: %v", err, err)
	}
	if be.Name != bus.ErrorFailed {
		t.Fatalf("expected %s, got %q", bus.ErrorFailed, be.Name)
	}
}

func testUnknownMethod(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp.Export(testPath, testIface, "Known", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) {
		return nil, nil
	})

	_, err := conn.Call(ctx, testPath, testIface, "Unknown")
	var be *bus.Error
	if !errors.As(err, &be) {
		t.Fatalf("expected *bus.Error for unknown method, got %T: %v", err, err)
	}

	_, err = conn.Call(ctx, "/no/such/object", testIface, "Known")
	if !errors.As(err, &be) {
		t.Fatalf("expected *bus.Error for unknown object, got %T: %v", err, err)
	}

	exp.Unexport(testPath)
	_, err = conn.Call(ctx, testPath, testIface, "Known")
	if err == nil {
		t.Fatal("expected call to unexported object to fail")
	}
}

func testCanceledContext(t *testing.T, factory Factory) {
	conn, exp := factory(t)

	exp.Export(testPath, testIface, "Noop", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) {
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := conn.Call(ctx, testPath, testIface, "Noop"); err == nil {
		t.Fatal("expected call with canceled context to fail")
	}
}

// collector gathers signal values delivered to a handler.
type collector struct {
	mu     sync.Mutex
	values []uint32
	paths  []bus.ObjectPath
	notify chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1024)}
}

func (c *collector) handle(sig *bus.Signal) {
	var v uint32
	if err := sig.Body.Store(&v); err != nil {
		return
	}
	c.mu.Lock()
	c.values = append(c.values, v)
	c.paths = append(c.paths, sig.Path)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		got := len(c.values)
		c.mu.Unlock()
		if got >= n {
			return
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d signals, got %d", n, got)
		}
	}
}

func (c *collector) snapshot() ([]uint32, []bus.ObjectPath) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uint32(nil), c.values...), append([]bus.ObjectPath(nil), c.paths...)
}

func testSignalPathFiltering(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	id, err := conn.Subscribe(ctx, bus.Match{Interface: testIface, Member: "Tick", Path: "/a"}, c.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero subscription id")
	}

	if err := exp.Emit(ctx, "/b", testIface, "Tick", uint32(1)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := exp.Emit(ctx, "/a", testIface, "Other", uint32(2)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	if err := exp.Emit(ctx, "/a", testIface, "Tick", uint32(3)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	c.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)

	values, paths := c.snapshot()
	if len(values) != 1 || values[0] != 3 || paths[0] != "/a" {
		t.Fatalf("expected only value 3 from /a, got %v from %v", values, paths)
	}
}

func testSignalOrdering(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newCollector()
	if _, err := conn.Subscribe(ctx, bus.Match{Interface: testIface, Member: "Tick", Path: testPath}, c.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	const count = 20
	for i := uint32(1); i <= count; i++ {
		if err := exp.Emit(ctx, testPath, testIface, "Tick", i); err != nil {
			t.Fatalf("Emit %d failed: %v", i, err)
		}
	}

	c.waitFor(t, count)
	values, _ := c.snapshot()
	for i, v := range values {
		if v != uint32(i+1) {
			t.Fatalf("signal %d out of order: got %d (all: %v)", i, v, values)
		}
	}
}

func testUnsubscribe(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	match := bus.Match{Interface: testIface, Member: "Tick", Path: testPath}
	gone := newCollector()
	kept := newCollector()

	goneID, err := conn.Subscribe(ctx, match, gone.handle)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := conn.Subscribe(ctx, match, kept.handle); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := exp.Emit(ctx, testPath, testIface, "Tick", uint32(1)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	gone.waitFor(t, 1)
	kept.waitFor(t, 1)

	if err := conn.Unsubscribe(goneID); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	// Unknown ids are ignored.
	if err := conn.Unsubscribe(goneID); err != nil {
		t.Fatalf("second Unsubscribe failed: %v", err)
	}

	if err := exp.Emit(ctx, testPath, testIface, "Tick", uint32(2)); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	kept.waitFor(t, 2)
	time.Sleep(50 * time.Millisecond)

	if values, _ := gone.snapshot(); len(values) != 1 {
		t.Fatalf("expected unsubscribed handler to see 1 signal, got %v", values)
	}
}

func testClose(t *testing.T, factory Factory) {
	conn, exp := factory(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	exp.Export(testPath, testIface, "Noop", func(context.Context, bus.ObjectPath, bus.Body) ([]any, error) {
		return nil, nil
	})

	if err := conn.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := conn.Call(ctx, testPath, testIface, "Noop"); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if _, err := conn.Subscribe(ctx, bus.Match{Interface: testIface}, func(*bus.Signal) {}); !errors.Is(err, bus.ErrClosed) {
		t.Fatalf("expected ErrClosed from Subscribe after Close, got %v", err)
	}
	// Closing twice is harmless.
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}
