package codec

import "fmt"

// Body is a positional sequence of CBOR values. It satisfies bus.Body.
type Body []RawMessage

// Len returns the number of values in the body.
func (b Body) Len() int { return len(b) }

// Store decodes the first len(dst) values into dst. Each destination must be
// a non-nil pointer.
func (b Body) Store(dst ...any) error {
	if len(dst) > len(b) {
		return fmt.Errorf("body has %d values, %d requested", len(b), len(dst))
	}
	for i, d := range dst {
		if d == nil {
			return fmt.Errorf("destination %d is nil", i)
		}
		if err := decMode.Unmarshal(b[i], d); err != nil {
			return fmt.Errorf("decoding value %d into %T: %w", i, d, err)
		}
	}
	return nil
}
