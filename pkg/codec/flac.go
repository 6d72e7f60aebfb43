// ABOUTME: FLAC decoder adapter over github.com/mewkiz/flac
// ABOUTME: Decodes self-contained FLAC payloads to interleaved int16 PCM
package codec

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mewkiz/flac"
)

// FLACCodec decodes audio records whose payload is a self-contained FLAC
// stream (STREAMINFO header plus one or more frames). Each record carries its
// own header so chunks stay independently decodable after packet loss; the
// decoder itself holds no cross-record state beyond the configured format.
type FLACCodec struct {
	sampleRateHz int
	channels     int
	configured   bool
}

func (c *FLACCodec) Configure(sampleRateHz, channels int, _ []byte) error {
	if channels < 1 || channels > 2 {
		return fmt.Errorf("codec: flac configure: unsupported channel count %d", channels)
	}
	c.sampleRateHz = sampleRateHz
	c.channels = channels
	c.configured = true
	return nil
}

// Decode parses every frame in the payload and returns the concatenated
// interleaved samples, shifted to 16-bit range when the source bit depth
// differs.
func (c *FLACCodec) Decode(payload []byte) ([]int16, error) {
	if !c.configured {
		return nil, fmt.Errorf("codec: flac decode before configure: %w", ErrDecodeFailed)
	}
	if len(payload) == 0 {
		return nil, nil
	}

	stream, err := flac.New(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("codec: flac parse header: %v: %w", err, ErrDecodeFailed)
	}
	defer stream.Close()

	if int(stream.Info.NChannels) != c.channels {
		return nil, fmt.Errorf("codec: flac channel count %d does not match configured %d: %w",
			stream.Info.NChannels, c.channels, ErrDecodeFailed)
	}
	bitDepth := int(stream.Info.BitsPerSample)

	var out []int16
	for {
		frame, err := stream.ParseNext()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("codec: flac parse frame: %v: %w", err, ErrDecodeFailed)
		}

		blockSize := int(frame.BlockSize)
		for i := 0; i < blockSize; i++ {
			for ch := 0; ch < c.channels; ch++ {
				out = append(out, sampleToInt16(frame.Subframes[ch].Samples[i], bitDepth))
			}
		}
	}
	return out, nil
}

func (c *FLACCodec) Flush() error { return nil }

func (c *FLACCodec) Release() error {
	c.configured = false
	return nil
}

// sampleToInt16 shifts a FLAC sample of the given bit depth into 16-bit range.
func sampleToInt16(sample int32, bitDepth int) int16 {
	switch {
	case bitDepth == 16:
		return int16(sample)
	case bitDepth > 16:
		return int16(sample >> (bitDepth - 16))
	default:
		return int16(sample << (16 - bitDepth))
	}
}
