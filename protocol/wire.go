package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/ggoodman/soundtrigger-go/bus"
	"github.com/google/uuid"
)

// Wire structs mirror the module's positional layout field by field. Field
// order is significant.

type wireMediaConfig struct {
	StreamSampleRate uint32
	StreamChannels   uint32
	DeviceSampleRate uint32
	DeviceChannels   uint32
}

type wireUUID struct {
	TimeLow          uint32
	TimeMid          uint16
	TimeHiAndVersion uint16
	ClockSeq         uint16
	Node             []byte
}

type wireModelCommon struct {
	Type       int32
	Media      wireMediaConfig
	UUID       wireUUID
	VendorUUID wireUUID
}

type wireModelPhrase struct {
	ID              uint32
	RecognitionMode uint32
	Users           []uint32
	Locale          string
	Text            string
}

type wireSoundModel struct {
	Common  wireModelCommon
	Phrases []wireModelPhrase
}

type wireLevel struct {
	UserID uint32
	Level  uint32
}

type wirePhraseExtra struct {
	ID               uint32
	RecognitionModes uint32
	ConfidenceLevel  uint32
	Levels           []wireLevel
}

type wireRecognitionConfig struct {
	CaptureHandle    int32
	CaptureDevice    uint32
	CaptureRequested bool
	Phrases          []wirePhraseExtra
}

type wireMediaFormat struct {
	SampleRate uint32
	Channels   uint32
	Format     uint32
	FrameCount uint32
}

type wireEventHeader struct {
	Status            int32
	Type              int32
	SessionID         int32
	CaptureAvailable  bool
	CaptureSession    int32
	CaptureDelayMs    int32
	CapturePreambleMs int32
	TriggerInData     bool
	Media             wireMediaFormat
}

func uuidToWire(u uuid.UUID) wireUUID {
	return wireUUID{
		TimeLow:          binary.BigEndian.Uint32(u[0:4]),
		TimeMid:          binary.BigEndian.Uint16(u[4:6]),
		TimeHiAndVersion: binary.BigEndian.Uint16(u[6:8]),
		ClockSeq:         binary.BigEndian.Uint16(u[8:10]),
		Node:             append([]byte(nil), u[10:16]...),
	}
}

func uuidFromWire(w wireUUID) (uuid.UUID, error) {
	var u uuid.UUID
	if len(w.Node) != 6 {
		return u, fmt.Errorf("uuid node has %d bytes, want 6", len(w.Node))
	}
	binary.BigEndian.PutUint32(u[0:4], w.TimeLow)
	binary.BigEndian.PutUint16(u[4:6], w.TimeMid)
	binary.BigEndian.PutUint16(u[6:8], w.TimeHiAndVersion)
	binary.BigEndian.PutUint16(u[8:10], w.ClockSeq)
	copy(u[10:16], w.Node)
	return u, nil
}

func phrasesToWire(in []PhraseRecognitionExtra) []wirePhraseExtra {
	out := make([]wirePhraseExtra, len(in))
	for i, p := range in {
		levels := make([]wireLevel, len(p.Levels))
		for j, l := range p.Levels {
			levels[j] = wireLevel(l)
		}
		out[i] = wirePhraseExtra{
			ID:               p.ID,
			RecognitionModes: uint32(p.RecognitionModes),
			ConfidenceLevel:  p.ConfidenceLevel,
			Levels:           levels,
		}
	}
	return out
}

// phrasesFromWire converts and truncates to MaxPhrases and MaxUsers.
func phrasesFromWire(in []wirePhraseExtra) []PhraseRecognitionExtra {
	n := min(len(in), MaxPhrases)
	out := make([]PhraseRecognitionExtra, n)
	for i := range n {
		p := in[i]
		m := min(len(p.Levels), MaxUsers)
		levels := make([]ConfidenceLevel, m)
		for j := range m {
			levels[j] = ConfidenceLevel(p.Levels[j])
		}
		out[i] = PhraseRecognitionExtra{
			ID:               p.ID,
			RecognitionModes: RecognitionMode(p.RecognitionModes),
			ConfidenceLevel:  p.ConfidenceLevel,
			Levels:           levels,
		}
	}
	return out
}

// LoadSoundModelArgs returns the LoadSoundModel call arguments.
func LoadSoundModelArgs(m *SoundModel, media MediaConfig) ([]any, error) {
	if m == nil {
		return nil, fmt.Errorf("protocol: nil sound model")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	phrases := make([]wireModelPhrase, len(m.Phrases))
	for i, p := range m.Phrases {
		users := make([]uint32, len(p.Users))
		copy(users, p.Users)
		phrases[i] = wireModelPhrase{
			ID:              p.ID,
			RecognitionMode: uint32(p.RecognitionMode),
			Users:           users,
			Locale:          p.Locale,
			Text:            p.Text,
		}
	}
	model := wireSoundModel{
		Common: wireModelCommon{
			Type:       int32(m.Type),
			Media:      wireMediaConfig(media),
			UUID:       uuidToWire(m.UUID),
			VendorUUID: uuidToWire(m.VendorUUID),
		},
		Phrases: phrases,
	}
	return []any{model, nonNil(m.Data)}, nil
}

// DecodeLoadSoundModel is the server-side inverse of LoadSoundModelArgs.
func DecodeLoadSoundModel(body bus.Body) (*SoundModel, MediaConfig, error) {
	var (
		model wireSoundModel
		data  []byte
	)
	if err := body.Store(&model, &data); err != nil {
		return nil, MediaConfig{}, fmt.Errorf("decoding %s: %w", MethodLoadSoundModel, err)
	}
	id, err := uuidFromWire(model.Common.UUID)
	if err != nil {
		return nil, MediaConfig{}, fmt.Errorf("decoding %s: %w", MethodLoadSoundModel, err)
	}
	vendor, err := uuidFromWire(model.Common.VendorUUID)
	if err != nil {
		return nil, MediaConfig{}, fmt.Errorf("decoding %s: %w", MethodLoadSoundModel, err)
	}
	m := &SoundModel{
		Type:       SoundModelType(model.Common.Type),
		UUID:       id,
		VendorUUID: vendor,
		Data:       data,
	}
	for _, p := range model.Phrases {
		m.Phrases = append(m.Phrases, SoundModelPhrase{
			ID:              p.ID,
			RecognitionMode: RecognitionMode(p.RecognitionMode),
			Users:           p.Users,
			Locale:          p.Locale,
			Text:            p.Text,
		})
	}
	return m, MediaConfig(model.Common.Media), nil
}

// StartRecognitionArgs returns the StartRecognition call arguments.
func StartRecognitionArgs(c *RecognitionConfig) ([]any, error) {
	if c == nil {
		return nil, fmt.Errorf("protocol: nil recognition config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cfg := wireRecognitionConfig{
		CaptureHandle:    c.CaptureHandle,
		CaptureDevice:    c.CaptureDevice,
		CaptureRequested: c.CaptureRequested,
		Phrases:          phrasesToWire(c.Phrases),
	}
	return []any{cfg, nonNil(c.Data)}, nil
}

// DecodeStartRecognition is the server-side inverse of StartRecognitionArgs.
func DecodeStartRecognition(body bus.Body) (*RecognitionConfig, error) {
	var (
		cfg  wireRecognitionConfig
		data []byte
	)
	if err := body.Store(&cfg, &data); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", MethodStartRecognition, err)
	}
	return &RecognitionConfig{
		CaptureHandle:    cfg.CaptureHandle,
		CaptureDevice:    cfg.CaptureDevice,
		CaptureRequested: cfg.CaptureRequested,
		Phrases:          phrasesFromWire(cfg.Phrases),
		Data:             data,
	}, nil
}

// DetectionEventArgs returns the DetectionEvent signal arguments. Phrases
// and levels are sent as given, including any beyond the bounds.
func DetectionEventArgs(ev *DetectionEvent) []any {
	h := ev.Header
	header := wireEventHeader{
		Status:            int32(h.Status),
		Type:              int32(h.Type),
		SessionID:         h.SessionID,
		CaptureAvailable:  h.CaptureAvailable,
		CaptureSession:    h.CaptureSession,
		CaptureDelayMs:    h.CaptureDelayMs,
		CapturePreambleMs: h.CapturePreambleMs,
		TriggerInData:     h.TriggerInData,
		Media:             wireMediaFormat(h.Media),
	}
	return []any{header, phrasesToWire(ev.Phrases), ev.Timestamp, nonNil(ev.Data)}
}

// ReadBufferAvailableArgs returns the ReadBufferAvailableEvent signal
// arguments.
func ReadBufferAvailableArgs(ev ReadBufferAvailable) []any {
	return []any{ev.Sequence, ev.Status, nonNil(ev.Data)}
}

// StopBufferingDoneArgs returns the StopBufferingDoneEvent signal arguments.
func StopBufferingDoneArgs(status int32) []any {
	return []any{status}
}

// nonNil keeps byte arrays explicit on transports that distinguish nil.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
