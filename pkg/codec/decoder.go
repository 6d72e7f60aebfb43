// ABOUTME: Decoder contract shared by the PCM/Opus/FLAC codec adapters
// ABOUTME: Generation-scoped Configure/Decode/Flush/Release lifecycle
package codec

import (
	"errors"

	"github.com/sendspin/sendspin-go/pkg/wire"
)

// ErrDecodeFailed marks a decode failure that has exhausted its retries and
// should trigger a stream generation bump and reconfiguration.
var ErrDecodeFailed = errors.New("codec: decode failed")

// ErrUnsupportedTag is returned by New for a codec_tag this build has no
// adapter for.
var ErrUnsupportedTag = errors.New("codec: unsupported codec tag")

// Decoder is configured once per stream generation and decodes a sequence
// of audio records into interleaved 16-bit PCM. The Configure and Flush
// steps exist so stateful codecs (Opus) can be reset cleanly between
// generations without re-allocating.
type Decoder interface {
	// Configure prepares the decoder for a new generation. Called exactly
	// once per generation before the first Decode.
	Configure(sampleRateHz, channels int, codecSpecificData []byte) error

	// Decode converts one record's payload into interleaved int16 PCM. May
	// return an empty slice (e.g. a codec-internal priming frame). Returning
	// (nil, ErrDecodeFailed) signals a decode the caller should retry; the
	// caller (pkg/sendspinplayer) owns the retry-count policy so it can
	// surface an error to the generation-bump path only after exhausting it.
	Decode(payload []byte) ([]int16, error)

	// Flush resets internal decoder state without tearing down the
	// underlying codec instance. Not legal to call on a codec that forbids
	// restarting mid-generation (Opus does not forbid this; PCM is
	// stateless and ignores it).
	Flush() error

	// Release tears down the decoder at the end of its generation.
	Release() error
}

// New returns a fresh Decoder for the given wire codec_tag (wire.CodecTagPCM
// /Opus/FLAC). decoderReady-style callers must not treat the returned
// Decoder as usable until Configure has succeeded.
func New(codecTag uint8) (Decoder, error) {
	switch codecTag {
	case wire.CodecTagPCM:
		return &PCMCodec{}, nil
	case wire.CodecTagOpus:
		return &OpusCodec{}, nil
	case wire.CodecTagFLAC:
		return &FLACCodec{}, nil
	default:
		return nil, ErrUnsupportedTag
	}
}
