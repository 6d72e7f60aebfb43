// ABOUTME: Opus decoder adapter over gopkg.in/hraban/opus.v2
// ABOUTME: Stateful per-generation instance; fallback and decode retry are left to the caller
package codec

import (
	"errors"
	"fmt"

	"gopkg.in/hraban/opus.v2"
)

// maxOpusFrameSamples bounds the per-channel PCM buffer opus.Decode writes
// into; 5760 samples is libopus's own maximum frame size at 48kHz (120ms).
const maxOpusFrameSamples = 5760

// OpusCodec wraps a stateful *opus.Decoder for the life of one stream
// generation. Opus decode state (the history buffer used for packet loss
// concealment) must not be discarded between records within a generation,
// so the *opus.Decoder is created once in Configure and reused across every
// Decode call until Release.
type OpusCodec struct {
	decoder  *opus.Decoder
	channels int
}

func (c *OpusCodec) Configure(sampleRateHz, channels int, _ []byte) error {
	dec, err := opus.NewDecoder(sampleRateHz, channels)
	if err != nil {
		return fmt.Errorf("codec: opus configure: %w", err)
	}
	c.decoder = dec
	c.channels = channels
	return nil
}

// Decode feeds one Opus packet to the underlying libopus decoder. A nil
// payload is a valid "packet loss" signal to opus.Decode's PLC path and
// produces concealment samples rather than an error; the caller (player
// facade) owns the retry-then-reconfigure policy when this returns
// ErrDecodeFailed, so packets are never silently dropped.
func (c *OpusCodec) Decode(payload []byte) ([]int16, error) {
	if c.decoder == nil {
		return nil, fmt.Errorf("codec: opus decode before configure: %w", ErrDecodeFailed)
	}

	pcm := make([]int16, maxOpusFrameSamples*c.channels)
	n, err := c.decoder.Decode(payload, pcm)
	if err != nil {
		if errors.Is(err, opus.ErrInvalidPacket) || errors.Is(err, opus.ErrBufferTooSmall) {
			return nil, fmt.Errorf("codec: opus decode: %v: %w", err, ErrDecodeFailed)
		}
		return nil, fmt.Errorf("codec: opus decode: %w", err)
	}
	return pcm[:n*c.channels], nil
}

// Flush resets the decoder's packet-loss-concealment history without
// tearing down the instance; legal mid-generation for Opus.
func (c *OpusCodec) Flush() error {
	if c.decoder == nil {
		return nil
	}
	return c.decoder.ResetState()
}

func (c *OpusCodec) Release() error {
	c.decoder = nil
	return nil
}
