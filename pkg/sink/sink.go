// ABOUTME: Audio sink contract for the playback scheduler
// ABOUTME: Write path plus the DAC frame-position query drift correction needs
package sink

// Sink is an opened audio output device. Write blocks until the device has
// accepted the samples; FramePosition reports how far the device has actually
// rendered, in its own clock domain, so the scheduler can measure drift
// between the DAC and the server clock.
type Sink interface {
	// Open initializes the device. bitDepth is advisory; devices that only
	// support 16-bit output accept 16 and log a warning for anything else.
	Open(sampleRateHz, channels, bitDepth int) error

	// Write outputs interleaved int16 samples, blocking until accepted.
	Write(samples []int16) error

	// FramePosition returns the index of the frame the device most recently
	// presented and the client-monotonic microsecond instant it was
	// presented at. ok is false when the device cannot answer this tick
	// (position counter wrapped, device restarting); callers treat that as
	// a no-op rather than re-anchoring.
	FramePosition() (frames int64, presentationUs int64, ok bool)

	// Close releases the device. Idempotent.
	Close() error
}
