// Package protocol defines the remote sound-trigger module's object layout,
// its method and signal names, and the typed values carried by each call.
//
// Layers & Roles
//
//	Constants : object paths, interface names, methods, signals, version gates
//	Types     : SoundModel, MediaConfig, RecognitionConfig, DetectionEvent
//	Wire      : argument marshalling for calls (client side) and signals
//	            (server side), in the positional layout the module expects
//	Decoders  : DecodeDetectionEvent, DecodeReadBufferAvailable and
//	            DecodeStopBufferingDone turn signal bodies into typed values
//
// Decoders never fail on oversized collections: phrase lists longer than
// MaxPhrases and level lists longer than MaxUsers are truncated.
package protocol
