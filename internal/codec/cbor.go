package codec

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical values always
// produce identical bytes on the wire.
var encMode cbor.EncMode

// decMode accepts standard CBOR. Unknown struct fields are ignored.
var decMode cbor.DecMode

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// RawMessage is a single encoded value.
type RawMessage = cbor.RawMessage

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// EncodeValues encodes each value separately, preserving positions.
func EncodeValues(values ...any) ([]RawMessage, error) {
	out := make([]RawMessage, 0, len(values))
	for i, v := range values {
		b, err := encMode.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encoding value %d (%T): %w", i, v, err)
		}
		out = append(out, RawMessage(b))
	}
	return out, nil
}
