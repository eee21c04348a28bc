package soundtrigger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/soundtrigger-go/bus/memorybus"
	"github.com/ggoodman/soundtrigger-go/protocol"
	"github.com/ggoodman/soundtrigger-go/soundtrigger/soundtriggertest"
	"github.com/google/uuid"
)

type harness struct {
	m    *Module
	fake *soundtriggertest.Module
	bus  *memorybus.Bus
	logs *syncBuffer
}

func newHarness(t *testing.T, fakeOpts []soundtriggertest.Option, opts ...Option) *harness {
	t.Helper()
	b := memorybus.New()
	fake := soundtriggertest.NewModule(b, fakeOpts...)
	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	opts = append([]Option{WithConn(b), WithLogger(logger)}, opts...)
	m, err := Init(context.Background(), protocol.ModulePrimary, opts...)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { _ = m.Deinit(context.Background()) })
	return &harness{m: m, fake: fake, bus: b, logs: logs}
}

func (h *harness) load(t *testing.T) SessionHandle {
	t.Helper()
	handle, err := h.m.LoadModel(context.Background(), testModel(), testMedia())
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	return handle
}

func testModel() *protocol.SoundModel {
	return &protocol.SoundModel{
		Type:       protocol.SoundModelTypeKeyphrase,
		UUID:       uuid.MustParse("7c1a8f3e-52b0-4d8e-9a61-0c2f7a4b9d13"),
		VendorUUID: uuid.MustParse("e4b2d0c6-1f3a-4b5c-8d7e-9f0a1b2c3d4e"),
		Phrases: []protocol.SoundModelPhrase{{
			ID:              1,
			RecognitionMode: protocol.RecognitionModeVoiceTrigger,
			Users:           []uint32{1},
			Locale:          "en_US",
			Text:            "hello device",
		}},
		Data: []byte{0xde, 0xad, 0xbe, 0xef},
	}
}

func testMedia() protocol.MediaConfig {
	return protocol.MediaConfig{StreamSampleRate: 16000, StreamChannels: 1, DeviceSampleRate: 48000, DeviceChannels: 2}
}

func testRecognitionConfig() *protocol.RecognitionConfig {
	return &protocol.RecognitionConfig{
		CaptureHandle:    3,
		CaptureDevice:    0x80000004,
		CaptureRequested: true,
		Phrases: []protocol.PhraseRecognitionExtra{{
			ID:               1,
			RecognitionModes: protocol.RecognitionModeVoiceTrigger,
			ConfidenceLevel:  60,
		}},
	}
}

// eventually polls cond until it holds or two seconds pass.
func eventually(t *testing.T, cond func() bool, format string, args ...any) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf(format, args...)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

var _ io.Writer = (*syncBuffer)(nil)

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) count(substr string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Count(b.buf.String(), substr)
}
