// Package codec holds the CBOR configuration shared by the in-process and
// Redis bus transports.
//
// Method arguments, replies and signal payloads are encoded value by value so
// a receiver can decode each position into its own typed destination, the
// same way a D-Bus body is a sequence of independently typed values:
//
//	raw, err := codec.EncodeValues(uint32(7), []byte("pcm"))
//	body := codec.Body(raw)
//	var seq uint32
//	err = body.Store(&seq)
package codec
