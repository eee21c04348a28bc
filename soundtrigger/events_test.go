package soundtrigger

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/soundtrigger-go/protocol"
	"github.com/ggoodman/soundtrigger-go/soundtrigger/soundtriggertest"
)

type delivery struct {
	ev     *protocol.DetectionEvent
	cookie any
}

func detectionEvent() *protocol.DetectionEvent {
	return &protocol.DetectionEvent{
		Header: protocol.EventHeader{
			Status:           protocol.RecognitionStatusSuccess,
			Type:             protocol.SoundModelTypeKeyphrase,
			SessionID:        1,
			CaptureAvailable: true,
			Media:            protocol.MediaFormat{SampleRate: 16000, Channels: 1, Format: 1, FrameCount: 320},
		},
		Phrases: []protocol.PhraseRecognitionExtra{{
			ID:               1,
			RecognitionModes: protocol.RecognitionModeVoiceTrigger,
			ConfidenceLevel:  87,
			Levels:           []protocol.ConfidenceLevel{{UserID: 1, Level: 87}},
		}},
		Timestamp: 123456789,
		Data:      []byte("opaque"),
	}
}

func TestDetectionInvokesCallbackOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	handle := h.load(t)

	got := make(chan delivery, 4)
	cb := func(_ context.Context, ev *protocol.DetectionEvent, cookie any) {
		got <- delivery{ev: ev, cookie: cookie}
	}
	if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, "cookie"); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}
	if err := h.fake.EmitDetection(ctx, int32(handle), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}

	select {
	case d := <-got:
		if d.cookie != "cookie" {
			t.Fatalf("expected cookie, got %v", d.cookie)
		}
		if d.ev.Header.Status != protocol.RecognitionStatusSuccess || d.ev.Header.Media.FrameCount != 320 {
			t.Fatalf("unexpected header: %+v", d.ev.Header)
		}
		if len(d.ev.Phrases) != 1 || d.ev.Phrases[0].ConfidenceLevel != 87 || d.ev.Phrases[0].Levels[0].Level != 87 {
			t.Fatalf("unexpected phrases: %+v", d.ev.Phrases)
		}
		if d.ev.Timestamp != 123456789 || string(d.ev.Data) != "opaque" || d.ev.DataSize() != 6 {
			t.Fatalf("unexpected payload: ts=%d data=%q", d.ev.Timestamp, d.ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}

	select {
	case d := <-got:
		t.Fatalf("callback invoked twice: %+v", d)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDetectionBeforeStartIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	handle := h.load(t)

	if err := h.fake.EmitDetection(ctx, int32(handle), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}
	eventually(t, func() bool { return h.logs.count("session.detection.drop") == 1 }, "early detection not dropped")

	got := make(chan delivery, 1)
	cb := func(_ context.Context, ev *protocol.DetectionEvent, cookie any) { got <- delivery{ev: ev} }
	if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, nil); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}
	if err := h.fake.EmitDetection(ctx, int32(handle), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked after start")
	}
}

func TestDetectionRoutedToEmittingSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	first, second := h.load(t), h.load(t)

	hits := make(chan SessionHandle, 4)
	for _, handle := range []SessionHandle{first, second} {
		cb := func(_ context.Context, _ *protocol.DetectionEvent, cookie any) { hits <- cookie.(SessionHandle) }
		if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, handle); err != nil {
			t.Fatalf("StartRecognition(%d): %v", handle, err)
		}
	}
	if err := h.fake.EmitDetection(ctx, int32(second), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}
	select {
	case got := <-hits:
		if got != second {
			t.Fatalf("event delivered to session %d, expected %d", got, second)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}
	select {
	case got := <-hits:
		t.Fatalf("event also delivered to session %d", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMalformedDetectionIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	handle := h.load(t)

	var calls atomic.Int32
	delivered := make(chan struct{}, 4)
	cb := func(context.Context, *protocol.DetectionEvent, any) {
		calls.Add(1)
		delivered <- struct{}{}
	}
	if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, nil); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}

	rec, _ := h.fake.Session(int32(handle))
	if err := h.bus.Emit(ctx, rec.Path, protocol.SessionInterface, protocol.SignalDetectionEvent, "not a header", uint32(7)); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	eventually(t, func() bool { return h.logs.count("session.detection.decode.fail") == 1 }, "malformed detection not logged")
	if n := calls.Load(); n != 0 {
		t.Fatalf("callback invoked %d times for a malformed event", n)
	}

	if err := h.fake.EmitDetection(ctx, int32(handle), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("valid event after a malformed one not delivered")
	}
	select {
	case <-delivered:
		t.Fatalf("callback invoked twice")
	case <-time.After(50 * time.Millisecond):
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("expected exactly one callback, got %d", n)
	}
}

func TestDetectionTruncatesToBounds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	handle := h.load(t)

	ev := detectionEvent()
	levels := make([]protocol.ConfidenceLevel, protocol.MaxUsers+3)
	ev.Phrases = make([]protocol.PhraseRecognitionExtra, protocol.MaxPhrases+2)
	for i := range ev.Phrases {
		ev.Phrases[i] = protocol.PhraseRecognitionExtra{ID: uint32(i), Levels: levels}
	}

	got := make(chan *protocol.DetectionEvent, 1)
	cb := func(_ context.Context, ev *protocol.DetectionEvent, _ any) { got <- ev }
	if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, nil); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}
	if err := h.fake.EmitDetection(ctx, int32(handle), ev); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}
	select {
	case d := <-got:
		if len(d.Phrases) != protocol.MaxPhrases {
			t.Fatalf("expected %d phrases, got %d", protocol.MaxPhrases, len(d.Phrases))
		}
		for i, p := range d.Phrases {
			if len(p.Levels) != protocol.MaxUsers {
				t.Fatalf("phrase %d: expected %d levels, got %d", i, protocol.MaxUsers, len(p.Levels))
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}
}

func TestCallbackReentrancy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []soundtriggertest.Option{soundtriggertest.WithBufferSize(640)})
	handle := h.load(t)

	type result struct {
		unload  error
		read    error
		size    int
		sizeErr error
	}
	got := make(chan result, 1)
	cb := func(cbCtx context.Context, _ *protocol.DetectionEvent, _ any) {
		var r result
		r.unload = h.m.UnloadModel(cbCtx, handle)
		_, r.read = h.m.ReadBuffer(cbCtx, handle, make([]byte, 4))
		r.size, r.sizeErr = h.m.GetBufferSize(cbCtx, handle)
		got <- r
	}
	if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, nil); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}
	if err := h.fake.EmitDetection(ctx, int32(handle), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}

	select {
	case r := <-got:
		if !errors.Is(r.unload, ErrReentrantCall) {
			t.Fatalf("expected ErrReentrantCall from UnloadModel, got %v", r.unload)
		}
		if !errors.Is(r.read, ErrReentrantCall) {
			t.Fatalf("expected ErrReentrantCall from ReadBuffer, got %v", r.read)
		}
		if r.sizeErr != nil || r.size != 640 {
			t.Fatalf("GetBufferSize from callback: %d, %v", r.size, r.sizeErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}

	if _, err := h.m.SessionState(handle); err != nil {
		t.Fatalf("session gone after rejected unload: %v", err)
	}
}

func TestReadBufferAsync(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, 16)
	h := newHarness(t, []soundtriggertest.Option{
		soundtriggertest.WithAutoReadBuffer(),
		soundtriggertest.WithBufferData(data),
	})
	handle := h.load(t)

	for i := 0; i < 3; i++ {
		dst := make([]byte, 16)
		n, err := h.m.ReadBuffer(context.Background(), handle, dst)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if n != 16 || !bytes.Equal(dst, data) {
			t.Fatalf("read %d: n=%d dst=%v", i, n, dst)
		}
	}
	if got := h.logs.count("session.read.gap"); got != 0 {
		t.Fatalf("unexpected gap warnings: %d", got)
	}
	rec, _ := h.fake.Session(int32(handle))
	if len(rec.ReadSizes) != 3 || rec.ReadSizes[0] != 16 {
		t.Fatalf("unexpected RequestReadBuffer sizes: %v", rec.ReadSizes)
	}
}

func TestReadBufferInsufficientBuffer(t *testing.T) {
	h := newHarness(t, []soundtriggertest.Option{
		soundtriggertest.WithAutoReadBuffer(),
		soundtriggertest.WithBufferData(bytes.Repeat([]byte{0x11}, 16)),
	})
	handle := h.load(t)

	backing := bytes.Repeat([]byte{0xaa}, 12)
	dst := backing[:8]
	n, err := h.m.ReadBuffer(context.Background(), handle, dst)
	if !errors.Is(err, ErrInsufficientBuffer) {
		t.Fatalf("expected ErrInsufficientBuffer, got %v", err)
	}
	if n != 8 || !bytes.Equal(dst, bytes.Repeat([]byte{0x11}, 8)) {
		t.Fatalf("expected destination filled, n=%d dst=%v", n, dst)
	}
	if !bytes.Equal(backing[8:], bytes.Repeat([]byte{0xaa}, 4)) {
		t.Fatalf("wrote past destination: %v", backing)
	}
}

func TestReadBufferRejectsEmptyDestination(t *testing.T) {
	h := newHarness(t, nil)
	handle := h.load(t)
	if _, err := h.m.ReadBuffer(context.Background(), handle, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestReadBufferTimesOut(t *testing.T) {
	const timeout = 100 * time.Millisecond
	h := newHarness(t, nil, WithAsyncTimeout(timeout))
	handle := h.load(t)

	dst := bytes.Repeat([]byte{0xff}, 8)
	start := time.Now()
	n, err := h.m.ReadBuffer(context.Background(), handle, dst)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 bytes, got %d", n)
	}
	if elapsed < timeout || elapsed > 10*timeout {
		t.Fatalf("timed out after %s, expected about %s", elapsed, timeout)
	}
	if !bytes.Equal(dst, make([]byte, 8)) {
		t.Fatalf("destination not zeroed: %v", dst)
	}
}

func TestReadBufferSequenceGapIsLogged(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []soundtriggertest.Option{
		soundtriggertest.WithAutoReadBuffer(),
		soundtriggertest.WithBufferData([]byte("pcm!")),
	})
	handle := h.load(t)

	dst := make([]byte, 4)
	if _, err := h.m.ReadBuffer(ctx, handle, dst); err != nil {
		t.Fatalf("first read: %v", err)
	}

	// Sequence 1 was delivered; 3 skips 2.
	if err := h.fake.EmitReadBuffer(ctx, int32(handle), protocol.ReadBufferAvailable{Sequence: 3, Data: []byte("lost")}); err != nil {
		t.Fatalf("EmitReadBuffer: %v", err)
	}
	eventually(t, func() bool { return h.logs.count("session.read.gap") == 1 }, "sequence gap not logged")

	n, err := h.m.ReadBuffer(ctx, handle, dst)
	if err != nil || n != 4 || string(dst) != "pcm!" {
		t.Fatalf("read after gap: n=%d dst=%q err=%v", n, dst, err)
	}
	if got := h.logs.count("session.read.gap"); got != 1 {
		t.Fatalf("expected exactly one gap warning, got %d", got)
	}
}

type readResult struct {
	n   int
	dst []byte
	err error
}

// startRead begins a ReadBuffer in the background and waits until the
// module has seen the request.
func startRead(t *testing.T, h *harness, handle SessionHandle, size int) <-chan readResult {
	t.Helper()
	rec, _ := h.fake.Session(int32(handle))
	want := len(rec.ReadSizes) + 1

	out := make(chan readResult, 1)
	go func() {
		dst := make([]byte, size)
		n, err := h.m.ReadBuffer(context.Background(), handle, dst)
		out <- readResult{n: n, dst: dst, err: err}
	}()
	eventually(t, func() bool {
		rec, _ := h.fake.Session(int32(handle))
		return len(rec.ReadSizes) == want
	}, "read never requested")
	return out
}

func TestGappedEventCompletesBlockedRead(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, WithAsyncTimeout(time.Minute))
	handle := h.load(t)

	for _, step := range []struct {
		seq  uint32
		data string
	}{
		{seq: 3, data: "aaaa"},
		{seq: 6, data: "bbbb"},
	} {
		gaps := h.logs.count("session.read.gap")
		pending := startRead(t, h, handle, 4)
		ev := protocol.ReadBufferAvailable{Sequence: step.seq, Data: []byte(step.data)}
		if err := h.fake.EmitReadBuffer(ctx, int32(handle), ev); err != nil {
			t.Fatalf("EmitReadBuffer(%d): %v", step.seq, err)
		}

		select {
		case r := <-pending:
			if r.err != nil || r.n != 4 || string(r.dst) != step.data {
				t.Fatalf("seq %d: n=%d dst=%q err=%v", step.seq, r.n, r.dst, r.err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("seq %d did not complete the pending read", step.seq)
		}
		if got := h.logs.count("session.read.gap"); got != gaps+1 {
			t.Fatalf("seq %d: expected one new gap warning, got %d", step.seq, got-gaps)
		}
	}
}

func TestReadBufferFailedStatusReturnsZero(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	handle := h.load(t)

	done := make(chan struct{})
	var (
		n   int
		err error
	)
	go func() {
		defer close(done)
		n, err = h.m.ReadBuffer(ctx, handle, make([]byte, 4))
	}()

	eventually(t, func() bool {
		rec, _ := h.fake.Session(int32(handle))
		return len(rec.ReadSizes) == 1
	}, "read never requested")
	if err := h.fake.EmitReadBuffer(ctx, int32(handle), protocol.ReadBufferAvailable{Sequence: 1, Status: -5}); err != nil {
		t.Fatalf("EmitReadBuffer: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("read not completed")
	}
	if err != nil || n != 0 {
		t.Fatalf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestUnloadWakesBlockedReader(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, WithAsyncTimeout(time.Minute))
	handle := h.load(t)

	done := make(chan error, 1)
	go func() {
		_, err := h.m.ReadBuffer(ctx, handle, make([]byte, 4))
		done <- err
	}()

	eventually(t, func() bool {
		rec, _ := h.fake.Session(int32(handle))
		return len(rec.ReadSizes) == 1
	}, "read never requested")
	if err := h.m.UnloadModel(ctx, handle); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, ErrNoSuchSession) {
			t.Fatalf("expected ErrNoSuchSession, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("reader not woken by unload")
	}
}

func TestReadBufferHonorsContext(t *testing.T) {
	h := newHarness(t, nil, WithAsyncTimeout(time.Minute))
	handle := h.load(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := h.m.ReadBuffer(ctx, handle, make([]byte, 4)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected context deadline, got %v", err)
	}
}

func TestStopBuffering(t *testing.T) {
	t.Run("completion", func(t *testing.T) {
		h := newHarness(t, []soundtriggertest.Option{soundtriggertest.WithAutoStopBuffering(3)})
		handle := h.load(t)

		status, err := h.m.StopBuffering(context.Background(), handle)
		if err != nil || status != 3 {
			t.Fatalf("expected (3, nil), got (%d, %v)", status, err)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		const timeout = 100 * time.Millisecond
		h := newHarness(t, nil, WithAsyncTimeout(timeout))
		handle := h.load(t)

		start := time.Now()
		status, err := h.m.StopBuffering(context.Background(), handle)
		if !errors.Is(err, ErrTimeout) || status != StatusTimedOut {
			t.Fatalf("expected (%d, ErrTimeout), got (%d, %v)", StatusTimedOut, status, err)
		}
		if elapsed := time.Since(start); elapsed < timeout {
			t.Fatalf("returned after %s, before the deadline", elapsed)
		}
	})

	t.Run("remote failure", func(t *testing.T) {
		h := newHarness(t, nil)
		handle := h.load(t)
		h.fake.Fail(protocol.MethodStopBuffering, errors.New("dsp unavailable"))

		if _, err := h.m.StopBuffering(context.Background(), handle); !errors.Is(err, ErrTransport) {
			t.Fatalf("expected ErrTransport, got %v", err)
		}
	})
}

func TestFullSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, []soundtriggertest.Option{
		soundtriggertest.WithAutoReadBuffer(),
		soundtriggertest.WithAutoStopBuffering(0),
		soundtriggertest.WithBufferData([]byte("0123456789abcdef")),
	})
	handle := h.load(t)

	fired := make(chan struct{}, 1)
	cb := func(context.Context, *protocol.DetectionEvent, any) { fired <- struct{}{} }
	if err := h.m.StartRecognition(ctx, handle, testRecognitionConfig(), cb, nil); err != nil {
		t.Fatalf("StartRecognition: %v", err)
	}
	if err := h.fake.EmitDetection(ctx, int32(handle), detectionEvent()); err != nil {
		t.Fatalf("EmitDetection: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("callback not invoked")
	}

	dst := make([]byte, 16)
	if n, err := h.m.ReadBuffer(ctx, handle, dst); err != nil || n != 16 {
		t.Fatalf("ReadBuffer: n=%d err=%v", n, err)
	}
	if status, err := h.m.StopBuffering(ctx, handle); err != nil || status != 0 {
		t.Fatalf("StopBuffering: %d, %v", status, err)
	}
	if err := h.m.StopRecognition(ctx, handle); err != nil {
		t.Fatalf("StopRecognition: %v", err)
	}

	s, _ := h.m.reg.get(handle)
	if err := h.m.UnloadModel(ctx, handle); err != nil {
		t.Fatalf("UnloadModel: %v", err)
	}
	select {
	case <-s.exited:
	default:
		t.Fatalf("event loop leaked")
	}
	if got := h.bus.Subscriptions(); got != 0 {
		t.Fatalf("subscriptions leaked: %d", got)
	}
	select {
	case <-fired:
		t.Fatalf("callback invoked more than once")
	default:
	}
}
