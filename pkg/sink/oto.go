// ABOUTME: Oto-backed audio sink with software volume control
// ABOUTME: Persistent pipe feeding one long-lived oto player
package sink

import (
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Oto plays PCM through the platform audio device via the oto library. A
// persistent io.Pipe feeds one long-lived *oto.Player so playback never
// stutters across Write calls.
//
// oto exposes no hardware DAC position, so FramePosition is derived from the
// running count of frames written and the wall clock at Open; good enough for
// drift correction at the tens-of-microseconds scale, logged once per Open so
// the limitation is visible.
type Oto struct {
	mu         sync.Mutex
	otoCtx     *oto.Context
	player     *oto.Player
	pipeReader *io.PipeReader
	pipeWriter *io.PipeWriter
	byteBuf    []byte
	sampleRate int
	channels   int
	ready      bool

	framesWritten atomic.Int64
	openedAtUs    atomic.Int64

	volumeBits atomic.Uint32 // volume as integer thousandths of full scale
	muted      atomic.Bool

	logger *log.Logger
}

// NewOto constructs an unopened Oto sink.
func NewOto(logger *log.Logger) *Oto {
	o := &Oto{logger: logger}
	o.volumeBits.Store(1000) // volume stored as thousandths of full scale
	return o
}

// Open initializes the output device. oto permits only one context per
// process, so a format change after first Open keeps the existing context
// and logs the mismatch.
func (o *Oto) Open(sampleRateHz, channels, bitDepth int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if bitDepth != 16 && o.logger != nil {
		o.logger.Printf("sink: oto only supports 16-bit output, ignoring requested bitDepth=%d", bitDepth)
	}

	if o.otoCtx != nil {
		if o.sampleRate != sampleRateHz || o.channels != channels {
			if o.logger != nil {
				o.logger.Printf("sink: format change %dHz/%dch -> %dHz/%dch not supported by oto, keeping existing context",
					o.sampleRate, o.channels, sampleRateHz, channels)
			}
		}
		return nil
	}

	op := &oto.NewContextOptions{
		SampleRate:   sampleRateHz,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	ctx, readyChan, err := oto.NewContext(op)
	if err != nil {
		return fmt.Errorf("sink: create oto context: %w", err)
	}
	<-readyChan

	o.otoCtx = ctx
	o.sampleRate = sampleRateHz
	o.channels = channels
	o.pipeReader, o.pipeWriter = io.Pipe()
	o.player = o.otoCtx.NewPlayer(o.pipeReader)
	o.player.Play()
	o.ready = true
	o.framesWritten.Store(0)
	o.openedAtUs.Store(time.Now().UnixMicro())

	if o.logger != nil {
		o.logger.Printf("sink: oto output opened: %dHz, %d channels (frame position derived from write count, no hardware DAC query)",
			sampleRateHz, channels)
	}
	return nil
}

// Write scales samples by the current volume and feeds them to the persistent
// pipe, blocking until the player has consumed them.
func (o *Oto) Write(samples []int16) error {
	o.mu.Lock()
	if !o.ready {
		o.mu.Unlock()
		return fmt.Errorf("sink: output not initialized")
	}
	if cap(o.byteBuf) < len(samples)*2 {
		o.byteBuf = make([]byte, len(samples)*2)
	}
	buf := o.byteBuf[:len(samples)*2]
	w := o.pipeWriter
	channels := o.channels
	o.mu.Unlock()

	mult := o.volumeMultiplier()
	for i, s := range samples {
		scaled := int32(float64(s) * mult)
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(scaled)))
	}

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("sink: pipe write: %w", err)
	}
	o.framesWritten.Add(int64(len(samples) / channels))
	return nil
}

// FramePosition reports the last written frame index and the instant the DAC
// is presumed to have presented it, extrapolated from the write counter.
func (o *Oto) FramePosition() (int64, int64, bool) {
	o.mu.Lock()
	ready := o.ready
	rate := o.sampleRate
	o.mu.Unlock()
	if !ready || rate == 0 {
		return 0, 0, false
	}

	frames := o.framesWritten.Load()
	presentedUs := o.openedAtUs.Load() + frames*1_000_000/int64(rate)
	nowUs := time.Now().UnixMicro()
	if presentedUs > nowUs {
		// The device is buffering ahead of real time; report the frame that
		// is playing right now instead of the newest one written.
		aheadFrames := (presentedUs - nowUs) * int64(rate) / 1_000_000
		frames -= aheadFrames
		presentedUs = nowUs
		if frames < 0 {
			return 0, 0, false
		}
	}
	return frames, presentedUs, true
}

// SetVolume sets output volume in [0,1].
func (o *Oto) SetVolume(v float32) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	o.volumeBits.Store(uint32(v * 1000))
}

// SetMuted sets the mute state without losing the volume setting.
func (o *Oto) SetMuted(muted bool) { o.muted.Store(muted) }

func (o *Oto) volumeMultiplier() float64 {
	if o.muted.Load() {
		return 0
	}
	return float64(o.volumeBits.Load()) / 1000
}

// Close releases the player and pipe. Idempotent; oto contexts cannot be
// destroyed, so the context is suspended instead.
func (o *Oto) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.pipeWriter != nil {
		o.pipeWriter.Close()
		o.pipeWriter = nil
	}
	if o.player != nil {
		o.player.Close()
		o.player = nil
	}
	if o.pipeReader != nil {
		o.pipeReader.Close()
		o.pipeReader = nil
	}
	if o.otoCtx != nil {
		o.otoCtx.Suspend()
	}
	o.ready = false
	return nil
}
