package protocol

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// SoundModelType identifies the kind of model being loaded.
type SoundModelType int32

const (
	SoundModelTypeUnknown   SoundModelType = -1
	SoundModelTypeKeyphrase SoundModelType = 0
	SoundModelTypeGeneric   SoundModelType = 1
)

func (t SoundModelType) String() string {
	switch t {
	case SoundModelTypeKeyphrase:
		return "keyphrase"
	case SoundModelTypeGeneric:
		return "generic"
	case SoundModelTypeUnknown:
		return "unknown"
	}
	return fmt.Sprintf("SoundModelType(%d)", int32(t))
}

// RecognitionMode is a bit set of recognition modes.
type RecognitionMode uint32

const (
	RecognitionModeVoiceTrigger       RecognitionMode = 0x1
	RecognitionModeUserIdentification RecognitionMode = 0x2
	RecognitionModeUserAuthentication RecognitionMode = 0x4
	RecognitionModeGenericTrigger     RecognitionMode = 0x8
)

// RecognitionStatus is the outcome reported by a detection event.
type RecognitionStatus int32

const (
	RecognitionStatusSuccess           RecognitionStatus = 0
	RecognitionStatusAbort             RecognitionStatus = 1
	RecognitionStatusFailure           RecognitionStatus = 2
	RecognitionStatusGetStatusResponse RecognitionStatus = 3
)

func (s RecognitionStatus) String() string {
	switch s {
	case RecognitionStatusSuccess:
		return "success"
	case RecognitionStatusAbort:
		return "abort"
	case RecognitionStatusFailure:
		return "failure"
	case RecognitionStatusGetStatusResponse:
		return "get_status_response"
	}
	return fmt.Sprintf("RecognitionStatus(%d)", int32(s))
}

// SoundModel is a detection model and its keyphrases.
type SoundModel struct {
	Type       SoundModelType     `json:"type" yaml:"type"`
	UUID       uuid.UUID          `json:"uuid" yaml:"uuid"`
	VendorUUID uuid.UUID          `json:"vendor_uuid" yaml:"vendor_uuid"`
	Phrases    []SoundModelPhrase `json:"phrases,omitempty" yaml:"phrases,omitempty"`
	// Data is the opaque model blob.
	Data []byte `json:"-" yaml:"-"`
}

// SoundModelPhrase describes one keyphrase of a model.
type SoundModelPhrase struct {
	ID              uint32          `json:"id" yaml:"id"`
	RecognitionMode RecognitionMode `json:"recognition_mode" yaml:"recognition_mode"`
	Users           []uint32        `json:"users,omitempty" yaml:"users,omitempty"`
	Locale          string          `json:"locale" yaml:"locale"`
	Text            string          `json:"text" yaml:"text"`
}

// MediaConfig carries the capture stream and device formats.
type MediaConfig struct {
	StreamSampleRate uint32 `json:"stream_sample_rate" yaml:"stream_sample_rate"`
	StreamChannels   uint32 `json:"stream_channels" yaml:"stream_channels"`
	DeviceSampleRate uint32 `json:"device_sample_rate" yaml:"device_sample_rate"`
	DeviceChannels   uint32 `json:"device_channels" yaml:"device_channels"`
}

// RecognitionConfig is passed to StartRecognition.
type RecognitionConfig struct {
	CaptureHandle    int32                    `json:"capture_handle" yaml:"capture_handle"`
	CaptureDevice    uint32                   `json:"capture_device" yaml:"capture_device"`
	CaptureRequested bool                     `json:"capture_requested" yaml:"capture_requested"`
	Phrases          []PhraseRecognitionExtra `json:"phrases,omitempty" yaml:"phrases,omitempty"`
	// Data is the opaque vendor configuration blob.
	Data []byte `json:"-" yaml:"-"`
}

// PhraseRecognitionExtra carries per-phrase recognition parameters in a
// config, or per-phrase results in an event.
type PhraseRecognitionExtra struct {
	ID               uint32            `json:"id" yaml:"id"`
	RecognitionModes RecognitionMode   `json:"recognition_modes" yaml:"recognition_modes"`
	ConfidenceLevel  uint32            `json:"confidence_level" yaml:"confidence_level"`
	Levels           []ConfidenceLevel `json:"levels,omitempty" yaml:"levels,omitempty"`
}

// ConfidenceLevel is a per-user confidence.
type ConfidenceLevel struct {
	UserID uint32 `json:"user_id" yaml:"user_id"`
	Level  uint32 `json:"level" yaml:"level"`
}

// MediaFormat describes captured audio attached to an event.
type MediaFormat struct {
	SampleRate uint32
	Channels   uint32
	Format     uint32
	FrameCount uint32
}

// EventHeader is the common part of a detection event.
type EventHeader struct {
	Status            RecognitionStatus
	Type              SoundModelType
	SessionID         int32
	CaptureAvailable  bool
	CaptureSession    int32
	CaptureDelayMs    int32
	CapturePreambleMs int32
	TriggerInData     bool
	Media             MediaFormat
}

// DetectionEvent is a decoded DetectionEvent signal. Data is owned by the
// event.
type DetectionEvent struct {
	Header    EventHeader
	Phrases   []PhraseRecognitionExtra
	Timestamp uint64
	Data      []byte
}

// DataSize returns the length of the trailing payload.
func (e *DetectionEvent) DataSize() int { return len(e.Data) }

// ReadBufferAvailable is a decoded ReadBufferAvailableEvent signal. Data is
// nil unless Status is non-negative.
type ReadBufferAvailable struct {
	Sequence uint32
	Status   int32
	Data     []byte
}

var (
	ErrTooManyPhrases = errors.New("protocol: too many phrases")
	ErrTooManyUsers   = errors.New("protocol: too many users")
)

// Validate checks collection bounds.
func (m *SoundModel) Validate() error {
	if len(m.Phrases) > MaxPhrases {
		return fmt.Errorf("%w: %d > %d", ErrTooManyPhrases, len(m.Phrases), MaxPhrases)
	}
	for i, p := range m.Phrases {
		if len(p.Users) > MaxUsers {
			return fmt.Errorf("%w: phrase %d has %d > %d", ErrTooManyUsers, i, len(p.Users), MaxUsers)
		}
	}
	return nil
}

// Validate checks collection bounds.
func (c *RecognitionConfig) Validate() error {
	if len(c.Phrases) > MaxPhrases {
		return fmt.Errorf("%w: %d > %d", ErrTooManyPhrases, len(c.Phrases), MaxPhrases)
	}
	for i, p := range c.Phrases {
		if len(p.Levels) > MaxUsers {
			return fmt.Errorf("%w: phrase %d has %d levels > %d", ErrTooManyUsers, i, len(p.Levels), MaxUsers)
		}
	}
	return nil
}
