package redisbus

import (
	"context"
	"testing"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/ggoodman/soundtrigger-go/bus/bustest"
	"github.com/google/uuid"
)

func TestRedisBus(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	c, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis bus tests: %v", err)
		return
	}
	_ = c.Close()

	bustest.RunConnTests(t, func(t *testing.T) (bus.Conn, bus.Exporter) {
		cfg := ConfigFromEnv()
		// A private prefix keeps parallel servers from stealing each other's calls.
		cfg.KeyPrefix = "qsthw:test:" + uuid.NewString() + ":"

		srv, err := NewServer(cfg)
		if err != nil {
			t.Fatalf("NewServer: %v", err)
		}
		conn, err := New(cfg)
		if err != nil {
			t.Fatalf("New: %v", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = srv.Serve(ctx)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
			_ = conn.Close()
			_ = srv.Close()
		})
		return conn, srv
	})
}

func TestPatternEscapesGlobCharacters(t *testing.T) {
	c := &Conn{keys: keys{prefix: "p:"}}

	cases := []struct {
		name  string
		match bus.Match
		want  string
	}{
		{"exact", bus.Match{Interface: "a.B", Member: "Ev", Path: "/x/y_1"}, "p:signal:a.B.Ev:/x/y_1"},
		{"wildcards", bus.Match{}, "p:signal:*.*:*"},
		{"path only", bus.Match{Path: "/x"}, "p:signal:*.*:/x"},
		{"escaped", bus.Match{Interface: "a*", Member: "E?", Path: "/[x]"}, `p:signal:a\*.E\?:/\[x\]`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := c.pattern(tc.match); got != tc.want {
				t.Fatalf("pattern = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSignalKeyMatchesExactPattern(t *testing.T) {
	k := keys{prefix: "p:"}
	c := &Conn{keys: k}
	m := bus.Match{Interface: "org.PulseAudio.Ext.Qsthw.Session", Member: "DetectionEvent", Path: "/org/pulseaudio/ext/qsthw/primary/session_1"}
	if got, want := c.pattern(m), k.signal(m.Interface, m.Member, string(m.Path)); got != want {
		t.Fatalf("pattern %q != channel %q", got, want)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.RedisAddr != defaultAddr || cfg.KeyPrefix != defaultPrefix || cfg.CallTTL != defaultTTL {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}
