package protocol

import (
	"fmt"

	"github.com/ggoodman/soundtrigger-go/bus"
)

// DecodeDetectionEvent decodes a DetectionEvent signal body of layout
// ((iiibiiib(uuuu)) a(uuua(uu)) t ay). Phrases beyond MaxPhrases and levels
// beyond MaxUsers are dropped.
func DecodeDetectionEvent(body bus.Body) (*DetectionEvent, error) {
	if body == nil || body.Len() < 4 {
		return nil, fmt.Errorf("decoding %s: want 4 values, got %d", SignalDetectionEvent, bodyLen(body))
	}
	var (
		header    wireEventHeader
		phrases   []wirePhraseExtra
		timestamp uint64
		data      []byte
	)
	if err := body.Store(&header, &phrases, &timestamp, &data); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", SignalDetectionEvent, err)
	}
	return &DetectionEvent{
		Header: EventHeader{
			Status:            RecognitionStatus(header.Status),
			Type:              SoundModelType(header.Type),
			SessionID:         header.SessionID,
			CaptureAvailable:  header.CaptureAvailable,
			CaptureSession:    header.CaptureSession,
			CaptureDelayMs:    header.CaptureDelayMs,
			CapturePreambleMs: header.CapturePreambleMs,
			TriggerInData:     header.TriggerInData,
			Media:             MediaFormat(header.Media),
		},
		Phrases:   phrasesFromWire(phrases),
		Timestamp: timestamp,
		Data:      append([]byte(nil), data...),
	}, nil
}

// DecodeReadBufferAvailable decodes a ReadBufferAvailableEvent signal body
// of layout (u i ay). The payload is only decoded when status is
// non-negative; a missing payload decodes as nil.
func DecodeReadBufferAvailable(body bus.Body) (ReadBufferAvailable, error) {
	var ev ReadBufferAvailable
	if body == nil || body.Len() < 2 {
		return ev, fmt.Errorf("decoding %s: want at least 2 values, got %d", SignalReadBufferAvailableEvent, bodyLen(body))
	}
	if err := body.Store(&ev.Sequence, &ev.Status); err != nil {
		return ev, fmt.Errorf("decoding %s: %w", SignalReadBufferAvailableEvent, err)
	}
	if ev.Status < 0 || body.Len() < 3 {
		return ev, nil
	}
	var seq uint32
	var status int32
	if err := body.Store(&seq, &status, &ev.Data); err != nil {
		return ev, fmt.Errorf("decoding %s payload: %w", SignalReadBufferAvailableEvent, err)
	}
	return ev, nil
}

// DecodeStopBufferingDone decodes a StopBufferingDoneEvent signal body of
// layout (i).
func DecodeStopBufferingDone(body bus.Body) (int32, error) {
	if body == nil || body.Len() < 1 {
		return 0, fmt.Errorf("decoding %s: want 1 value, got %d", SignalStopBufferingDoneEvent, bodyLen(body))
	}
	var status int32
	if err := body.Store(&status); err != nil {
		return 0, fmt.Errorf("decoding %s: %w", SignalStopBufferingDoneEvent, err)
	}
	return status, nil
}

func bodyLen(b bus.Body) int {
	if b == nil {
		return 0
	}
	return b.Len()
}
