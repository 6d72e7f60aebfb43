// ABOUTME: PCM-S16LE passthrough decoder
// ABOUTME: Unpacks little-endian int16 payloads with no codec state
package codec

import "encoding/binary"

// PCMCodec unpacks little-endian 16-bit PCM payloads directly. Stateless:
// Configure only records the channel count (Decode does not check it), Flush
// and Release are no-ops.
type PCMCodec struct {
	channels int
}

func (c *PCMCodec) Configure(sampleRateHz, channels int, _ []byte) error {
	c.channels = channels
	return nil
}

// Decode unpacks data as little-endian int16 samples. A trailing odd byte
// (a truncated sample) is dropped rather than erroring.
func (c *PCMCodec) Decode(payload []byte) ([]int16, error) {
	n := len(payload) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(payload[i*2:]))
	}
	return out, nil
}

func (c *PCMCodec) Flush() error   { return nil }
func (c *PCMCodec) Release() error { return nil }
