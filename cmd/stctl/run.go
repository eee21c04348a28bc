package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/soundtrigger-go/protocol"
	"github.com/ggoodman/soundtrigger-go/soundtrigger"
	"github.com/spf13/cobra"
)

var (
	runConfigPath string
	runWatch      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Load a model, start recognition and print detections",
	Long: `Load the model described by a session file, start recognition and print
every detection event as a JSON line on stdout. When the session requests
capture, read_count buffers are read after each detection and reported.

With --watch the session is reloaded whenever the session file or one of
its blobs changes.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "session.yaml", "Session file")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload the session when its files change")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, log, err := openModule(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Deinit(context.WithoutCancel(ctx)); err != nil {
			log.Warn("stctl.deinit.fail", slog.String("err", err.Error()))
		}
	}()

	r := &runner{m: m, log: log, out: json.NewEncoder(cmd.OutOrStdout()), detections: make(chan detection, 8)}

	var changes <-chan struct{}
	if runWatch {
		w, err := newSessionWatcher(runConfigPath, log)
		if err != nil {
			return err
		}
		defer w.Close()
		changes = w.changes
		r.watcher = w
	}

	if err := r.start(ctx, runConfigPath); err != nil {
		return err
	}
	// Blob paths are only known once the file is parsed.
	r.watchBlobs()

	for {
		select {
		case <-ctx.Done():
			return r.unload(context.WithoutCancel(ctx))
		case d := <-r.detections:
			if d.handle != r.handle {
				continue
			}
			r.capture(ctx, d)
		case <-changes:
			log.Info("stctl.reload", slog.String("path", runConfigPath))
			if err := r.unload(ctx); err != nil {
				log.Warn("stctl.reload.unload.fail", slog.String("err", err.Error()))
			}
			if err := r.start(ctx, runConfigPath); err != nil {
				// Keep watching; a later edit may fix the file.
				log.Error("stctl.reload.fail", slog.String("err", err.Error()))
				continue
			}
			r.watchBlobs()
		}
	}
}

type detection struct {
	handle soundtrigger.SessionHandle
	ev     *protocol.DetectionEvent
}

type runner struct {
	m          *soundtrigger.Module
	log        *slog.Logger
	out        *json.Encoder
	detections chan detection

	sf      *SessionFile
	handle  soundtrigger.SessionHandle
	loaded  bool
	watcher *sessionWatcher
}

func (r *runner) start(ctx context.Context, path string) error {
	sf, err := loadSessionFile(path)
	if err != nil {
		return err
	}
	h, err := r.m.LoadModel(ctx, &sf.Model.SoundModel, sf.Media)
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	r.sf, r.handle, r.loaded = sf, h, true

	for _, kv := range sf.Params {
		if err := r.m.SetParameters(ctx, h, kv); err != nil {
			return fmt.Errorf("set parameters %q: %w", kv, err)
		}
	}

	cb := func(_ context.Context, ev *protocol.DetectionEvent, cookie any) {
		// Reads must not run on the event loop; hand the event to main.
		select {
		case r.detections <- detection{handle: cookie.(soundtrigger.SessionHandle), ev: ev}:
		default:
			r.log.Warn("stctl.detection.drop", slog.Int("handle", int(h)))
		}
	}
	if err := r.m.StartRecognition(ctx, h, &sf.Recognition.RecognitionConfig, cb, h); err != nil {
		return fmt.Errorf("start recognition: %w", err)
	}
	r.log.Info("stctl.session.started", slog.Int("handle", int(h)), slog.String("model", sf.Model.UUID.String()))
	return nil
}

func (r *runner) unload(ctx context.Context) error {
	if !r.loaded {
		return nil
	}
	r.loaded = false
	if err := r.m.StopRecognition(ctx, r.handle); err != nil {
		r.log.Warn("stctl.stop.fail", slog.String("err", err.Error()))
	}
	return r.m.UnloadModel(ctx, r.handle)
}

type detectionRecord struct {
	Handle    int32                             `json:"handle"`
	Status    string                            `json:"status"`
	Timestamp uint64                            `json:"timestamp"`
	Phrases   []protocol.PhraseRecognitionExtra `json:"phrases"`
	DataSize  int                               `json:"data_size"`
	Capture   bool                              `json:"capture_available"`
}

type captureRecord struct {
	Handle int32  `json:"handle"`
	Read   int    `json:"read"`
	Bytes  int    `json:"bytes"`
	Error  string `json:"error,omitempty"`
	Stop   *int32 `json:"stop_status,omitempty"`
}

// capture prints a detection and reads the configured number of buffers.
func (r *runner) capture(ctx context.Context, d detection) {
	_ = r.out.Encode(detectionRecord{
		Handle:    int32(d.handle),
		Status:    d.ev.Header.Status.String(),
		Timestamp: d.ev.Timestamp,
		Phrases:   d.ev.Phrases,
		DataSize:  d.ev.DataSize(),
		Capture:   d.ev.Header.CaptureAvailable,
	})

	rs := r.sf.Recognition
	if !rs.CaptureRequested || !d.ev.Header.CaptureAvailable || rs.ReadCount == 0 {
		return
	}
	buf := make([]byte, rs.ReadSize)
	for i := 0; i < rs.ReadCount; i++ {
		n, err := r.m.ReadBuffer(ctx, d.handle, buf)
		rec := captureRecord{Handle: int32(d.handle), Read: i, Bytes: n}
		if err != nil {
			rec.Error = err.Error()
		}
		_ = r.out.Encode(rec)
		if err != nil && !errors.Is(err, soundtrigger.ErrInsufficientBuffer) {
			break
		}
	}
	status, err := r.m.StopBuffering(ctx, d.handle)
	rec := captureRecord{Handle: int32(d.handle), Read: rs.ReadCount, Stop: &status}
	if err != nil {
		rec.Error = err.Error()
	}
	_ = r.out.Encode(rec)
}

func (r *runner) watchBlobs() {
	if r.watcher == nil || r.sf == nil {
		return
	}
	for _, p := range r.sf.blobPaths(runConfigPath) {
		if err := r.watcher.add(p); err != nil {
			r.log.Warn("stctl.watch.add.fail", slog.String("path", p), slog.String("err", err.Error()))
		}
	}
}

// sessionWatcher reports debounced changes to a session file and its
// blobs.
type sessionWatcher struct {
	w       *fsnotify.Watcher
	log     *slog.Logger
	changes chan struct{}
	done    chan struct{}

	mu    sync.Mutex
	files map[string]bool
}

const watchDebounce = 200 * time.Millisecond

func newSessionWatcher(path string, log *slog.Logger) (*sessionWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	sw := &sessionWatcher{
		w:       w,
		log:     log,
		files:   make(map[string]bool),
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if err := sw.add(path); err != nil {
		_ = w.Close()
		return nil, err
	}
	go sw.loop()
	return sw, nil
}

// add watches path through its parent directory so replaced files keep
// being seen.
func (sw *sessionWatcher) add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	sw.mu.Lock()
	sw.files[abs] = true
	sw.mu.Unlock()
	return sw.w.Add(filepath.Dir(abs))
}

func (sw *sessionWatcher) loop() {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-sw.done:
			return
		case ev, ok := <-sw.w.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || !sw.watching(name) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(watchDebounce)
			} else {
				timer.Reset(watchDebounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			select {
			case sw.changes <- struct{}{}:
			default:
			}
		case err, ok := <-sw.w.Errors:
			if !ok {
				return
			}
			sw.log.Warn("stctl.watch.fail", slog.String("err", err.Error()))
		}
	}
}

func (sw *sessionWatcher) watching(name string) bool {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return sw.files[name]
}

func (sw *sessionWatcher) Close() error {
	close(sw.done)
	return sw.w.Close()
}

var _ io.Closer = (*sessionWatcher)(nil)
