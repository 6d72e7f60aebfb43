// ABOUTME: Sync audio scheduler state machine driving the audio sink
// ABOUTME: Anchors a stream to server time and corrects drift via sample insert/drop
package scheduler

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// State is the scheduler's observable state.
type State int32

const (
	StateIdle State = iota
	StateWaitForSync
	StateWaitForStart
	StatePlaying
	StatePaused
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitForSync:
		return "wait_for_sync"
	case StateWaitForStart:
		return "wait_for_start"
	case StatePlaying:
		return "playing"
	case StatePaused:
		return "paused"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}

// Action is the drift-correction decision made on a single tick.
type Action int

const (
	ActionHold Action = iota
	ActionInsert
	ActionDrop
)

func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionDrop:
		return "drop"
	default:
		return "hold"
	}
}

// SyncEvent is one drift-correction telemetry sample.
type SyncEvent struct {
	ClientUs            int64
	PredictedServerUs   int64
	DacObservedServerUs int64
	ErrorUs             int64
	Action              Action
	AdjustFrames        int
	AdaptiveThresholdUs int64
}

// Anchor defines the mapping between an output frame index and server time,
// established the moment the scheduler first transitions into Playing.
type Anchor struct {
	ServerUsOfFrameZero     int64
	FramesAtAnchor          int64
	LastCalibrationClientUs int64
}

// ClockFilter is the subset of clocksync.Filter the scheduler depends on.
type ClockFilter interface {
	IsReady() bool
	PredictAt(tClientUs int64) int64
	OffsetErrorUs() int64
}

// Clock abstracts the monotonic client-side microsecond source so tests can
// drive the scheduler deterministically.
type Clock interface {
	NowUs() int64
}

// SystemClock reads time.Now().
type SystemClock struct{}

func (SystemClock) NowUs() int64 { return time.Now().UnixMicro() }

// Sink is the minimal audio device contract the scheduler drives. Real
// implementations live in pkg/sink.
type Sink interface {
	Write(samples []int16) error
}

// Chunk is one decoded, server-stamped block of interleaved PCM samples
// handed to the scheduler once codec decode has completed.
type Chunk struct {
	TargetServerUs int64
	PCM            []int16
	FrameCount     int
}

type chunkEntry struct {
	Chunk
	generation uint64
	consumed   int // frames already written from this entry's PCM
}

// SyncStats holds the atomic drift-correction counters surfaced as telemetry.
type SyncStats struct {
	FramesInserted atomic.Int64
	FramesDropped  atomic.Int64
	Corrections    atomic.Int64
}

// Config bounds and tunables for one Scheduler instance.
type Config struct {
	SampleRateHz int
	Channels     int

	// MaxBufferedFrames bounds the chunk queue; EnqueueChunk drops the
	// oldest queued chunk when a new one would exceed it.
	MaxBufferedFrames int64

	// TickIntervalUs is the nominal audio-callback period.
	TickIntervalUs int64

	LateThresholdUs   int64 // chunks this far in the past are dropped (200ms)
	FutureThresholdUs int64 // chunks this far in the future are dropped as corrupt (10s)

	MaxCorrectionFramesPerTick int // per-tick insert/drop cap

	// AdaptiveThresholdFloorUs is the minimum correction deadband; never
	// smaller than one audio frame's duration.
	AdaptiveThresholdFloorUs int64
}

// DefaultConfig fills in working defaults for the given format.
func DefaultConfig(sampleRateHz, channels int) Config {
	frameUs := int64(1_000_000) / int64(sampleRateHz)
	return Config{
		SampleRateHz:               sampleRateHz,
		Channels:                   channels,
		MaxBufferedFrames:          int64(sampleRateHz) * 2, // 2s of audio
		TickIntervalUs:             10_000,
		LateThresholdUs:            200_000,
		FutureThresholdUs:          10_000_000,
		MaxCorrectionFramesPerTick: sampleRateHz / 100, // one tick's worth
		AdaptiveThresholdFloorUs:   frameUs,
	}
}

// Scheduler is the playback state machine: Idle, WaitForSync, WaitForStart,
// Playing, Paused, Draining. EnqueueChunk runs on
// the network thread and touches only the queue lock; Tick runs on the audio
// callback thread and takes the state and queue locks only for short critical
// sections, never across a sink write; Pause/Resume/Flush
// run on a controller goroutine and release the state lock before awaiting
// anything the audio thread might also be waiting on.
type Scheduler struct {
	logger *log.Logger
	cfg    Config
	filter ClockFilter
	clock  Clock
	sink   Sink

	queueMu      sync.Mutex
	queue        []chunkEntry
	queuedFrames int64

	stateMu           sync.Mutex
	state             State
	anchor            *Anchor
	pausePositionUs   *int64
	endOfStreamSignal bool

	currentGeneration atomic.Uint64
	volumeBits        atomic.Uint32 // math.Float32bits(volume)

	// Preallocated hot-path buffers; never resized inside Tick.
	silence       []int16
	insertScratch []int16

	// Audio-thread-only state (Tick is never called concurrently with
	// itself): RMS error history for the adaptive threshold, and the last
	// frame written so insert corrections can fade from it.
	errHistory    [32]int64
	errHistoryPos int
	errHistoryLen int
	lastFrame     []int16

	totalFramesWritten  atomic.Int64
	framesPlayed        atomic.Int64
	framesPending       atomic.Int64
	underrunFrames      atomic.Int64
	lateDroppedChunks   atomic.Int64
	futureDroppedChunks atomic.Int64

	stats SyncStats

	lastEventMu sync.Mutex
	lastEvent   SyncEvent

	onEvent func(SyncEvent)
}

// New constructs a Scheduler in the Idle state.
func New(cfg Config, filter ClockFilter, sink Sink, clock Clock, logger *log.Logger) *Scheduler {
	if cfg.TickIntervalUs == 0 {
		def := DefaultConfig(cfg.SampleRateHz, cfg.Channels)
		cfg.TickIntervalUs = def.TickIntervalUs
		if cfg.MaxBufferedFrames == 0 {
			cfg.MaxBufferedFrames = def.MaxBufferedFrames
		}
		if cfg.LateThresholdUs == 0 {
			cfg.LateThresholdUs = def.LateThresholdUs
		}
		if cfg.FutureThresholdUs == 0 {
			cfg.FutureThresholdUs = def.FutureThresholdUs
		}
		if cfg.MaxCorrectionFramesPerTick == 0 {
			cfg.MaxCorrectionFramesPerTick = def.MaxCorrectionFramesPerTick
		}
		if cfg.AdaptiveThresholdFloorUs == 0 {
			cfg.AdaptiveThresholdFloorUs = def.AdaptiveThresholdFloorUs
		}
	}
	if clock == nil {
		clock = SystemClock{}
	}

	framesPerTick := int(int64(cfg.SampleRateHz) * cfg.TickIntervalUs / 1_000_000)
	if framesPerTick < 1 {
		framesPerTick = 1
	}
	silenceFrames := framesPerTick
	if cfg.MaxCorrectionFramesPerTick > silenceFrames {
		silenceFrames = cfg.MaxCorrectionFramesPerTick
	}

	s := &Scheduler{
		logger:        logger,
		cfg:           cfg,
		filter:        filter,
		sink:          sink,
		clock:         clock,
		silence:       make([]int16, silenceFrames*cfg.Channels),
		insertScratch: make([]int16, cfg.MaxCorrectionFramesPerTick*cfg.Channels),
		lastFrame:     make([]int16, cfg.Channels),
	}
	s.volumeBits.Store(math.Float32bits(1.0))
	return s
}

// OnEvent registers a telemetry callback invoked from the audio thread after
// every tick. Must not block or allocate; intended for a lock-free counter
// bump or a non-blocking channel send.
func (s *Scheduler) OnEvent(fn func(SyncEvent)) { s.onEvent = fn }

// State returns the current scheduler state.
func (s *Scheduler) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// CurrentGeneration returns the stream generation counter.
func (s *Scheduler) CurrentGeneration() uint64 { return s.currentGeneration.Load() }

// TotalFramesWritten, UnderrunFrames, and Stats expose telemetry counters.
func (s *Scheduler) TotalFramesWritten() int64  { return s.totalFramesWritten.Load() }
func (s *Scheduler) FramesPlayed() int64        { return s.framesPlayed.Load() }
func (s *Scheduler) FramesPending() int64       { return s.framesPending.Load() }
func (s *Scheduler) UnderrunFrames() int64      { return s.underrunFrames.Load() }
func (s *Scheduler) LateDroppedChunks() int64   { return s.lateDroppedChunks.Load() }
func (s *Scheduler) FutureDroppedChunks() int64 { return s.futureDroppedChunks.Load() }
func (s *Scheduler) Stats() *SyncStats          { return &s.stats }

// LastEvent returns the most recent drift-correction telemetry sample.
func (s *Scheduler) LastEvent() SyncEvent {
	s.lastEventMu.Lock()
	defer s.lastEventMu.Unlock()
	return s.lastEvent
}

// SetVolume sets playback volume in [0,1]. The scheduler itself does not
// scale samples; volume is applied in the sink/output layer. The value lives
// here so telemetry can report it alongside the rest of playback state.
func (s *Scheduler) SetVolume(v float32) {
	if v < 0 {
		v = 0
	}
	if v > 1 {
		v = 1
	}
	s.volumeBits.Store(math.Float32bits(v))
}

func (s *Scheduler) Volume() float32 { return math.Float32frombits(s.volumeBits.Load()) }

// EnqueueChunk appends a decoded chunk to the queue. Runs on the network
// thread; takes only the queue's producer lock, never stateMu. Drops the
// oldest queued chunk when capacity is exceeded, so a stalled consumer
// loses the stalest audio instead of the freshest.
func (s *Scheduler) EnqueueChunk(c Chunk) {
	entry := chunkEntry{Chunk: c, generation: s.currentGeneration.Load()}

	s.queueMu.Lock()
	s.queue = append(s.queue, entry)
	s.queuedFrames += int64(c.FrameCount)
	for s.queuedFrames > s.cfg.MaxBufferedFrames && len(s.queue) > 1 {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedFrames -= int64(dropped.FrameCount - dropped.consumed)
	}
	s.queueMu.Unlock()

	s.framesPending.Add(int64(c.FrameCount))
}

// SignalEndOfStream marks that no further chunks will arrive for the current
// generation; once the queue drains, Playing transitions to Draining and
// then to Idle.
func (s *Scheduler) SignalEndOfStream() {
	s.stateMu.Lock()
	s.endOfStreamSignal = true
	s.stateMu.Unlock()
}

// Flush discards all queued audio and returns to Idle with a fresh
// generation. Runs on the controller thread.
func (s *Scheduler) Flush() {
	s.stateMu.Lock()
	s.state = StateIdle
	s.anchor = nil
	s.pausePositionUs = nil
	s.endOfStreamSignal = false
	s.currentGeneration.Add(1)
	s.stateMu.Unlock()

	s.queueMu.Lock()
	s.queue = nil
	s.queuedFrames = 0
	s.queueMu.Unlock()
	s.framesPending.Store(0)
}

// Pause mutes output without discarding the queue or changing generation.
func (s *Scheduler) Pause() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StatePlaying {
		return
	}
	now := s.clock.NowUs()
	pos := s.filter.PredictAt(now)
	s.pausePositionUs = &pos
	s.state = StatePaused
}

// Resume re-anchors the stream and bumps the generation, discarding anything
// still queued from before the pause under the old generation tag.
func (s *Scheduler) Resume() {
	s.stateMu.Lock()
	if s.state != StatePaused {
		s.stateMu.Unlock()
		return
	}
	s.currentGeneration.Add(1)
	s.anchor = nil
	s.pausePositionUs = nil
	s.state = StateWaitForStart
	s.stateMu.Unlock()
}

// Stop idempotently halts the scheduler, equivalent to Flush followed by
// marking the current generation retired.
func (s *Scheduler) Stop() {
	s.Flush()
}

// Tick is the audio-callback-thread entry point, called once per
// cfg.TickIntervalUs. dacPresentationUs is the client-monotonic instant the
// DAC most recently presented a sample at frame index dacFramePosition,
// already converted from whatever hardware clock domain the sink uses; ok
// is false on a sink position wraparound, in which case this tick skips
// drift correction rather than re-anchoring on a bogus position.
func (s *Scheduler) Tick(dacFramePosition int64, dacPresentationUs int64, ok bool) {
	state, anchor := s.snapshotState()

	switch state {
	case StateIdle:
		if s.queueLen() > 0 {
			s.transitionFromIdle()
		}
		s.writeSilence(s.framesPerTick())

	case StateWaitForSync:
		if s.filter.IsReady() {
			s.setState(StateWaitForStart)
		}
		s.writeSilence(s.framesPerTick())

	case StateWaitForStart:
		s.tryStart()
		if st, _ := s.snapshotState(); st == StatePlaying {
			// The anchor maps the next frame written to the head chunk's
			// target, so real audio starts on this very tick.
			written := s.drainQueue(s.framesPerTick())
			if written < s.framesPerTick() {
				s.writeSilence(s.framesPerTick() - written)
			}
		} else {
			s.writeSilence(s.framesPerTick())
		}

	case StatePlaying:
		s.tickPlaying(dacFramePosition, dacPresentationUs, ok, anchor)

	case StatePaused:
		s.writeSilence(s.framesPerTick())

	case StateDraining:
		written := s.drainQueue(s.framesPerTick())
		if written < s.framesPerTick() {
			s.writeSilence(s.framesPerTick() - written)
		}
		if s.queueLen() == 0 {
			s.stateMu.Lock()
			s.state = StateIdle
			s.anchor = nil
			s.endOfStreamSignal = false
			s.currentGeneration.Add(1)
			s.stateMu.Unlock()
		}
	}
}

func (s *Scheduler) framesPerTick() int {
	n := int(int64(s.cfg.SampleRateHz) * s.cfg.TickIntervalUs / 1_000_000)
	if n < 1 {
		n = 1
	}
	return n
}

func (s *Scheduler) snapshotState() (State, *Anchor) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state, s.anchor
}

func (s *Scheduler) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

func (s *Scheduler) queueLen() int {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return len(s.queue)
}

// transitionFromIdle handles the two Idle outgoing edges on first enqueue.
func (s *Scheduler) transitionFromIdle() {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateIdle {
		return
	}
	if s.filter.IsReady() {
		s.state = StateWaitForStart
	} else {
		s.state = StateWaitForSync
	}
}

// tryStart transitions WaitForStart -> Playing once the filter's predicted
// server time has reached the head chunk's target, establishing the anchor.
func (s *Scheduler) tryStart() {
	head, ok := s.peekHead()
	if !ok {
		return
	}
	now := s.clock.NowUs()
	predicted := s.filter.PredictAt(now)
	if predicted < head.TargetServerUs {
		return
	}

	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if s.state != StateWaitForStart {
		return
	}
	s.anchor = &Anchor{
		ServerUsOfFrameZero:     head.TargetServerUs,
		FramesAtAnchor:          s.totalFramesWritten.Load(),
		LastCalibrationClientUs: now,
	}
	s.state = StatePlaying
	if s.logger != nil {
		s.logger.Printf("scheduler: anchored generation=%d server_us_of_frame_zero=%d frames_at_anchor=%d",
			s.currentGeneration.Load(), s.anchor.ServerUsOfFrameZero, s.anchor.FramesAtAnchor)
	}
}

func (s *Scheduler) peekHead() (Chunk, bool) {
	gen := s.currentGeneration.Load()
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	for len(s.queue) > 0 && s.queue[0].generation != gen {
		s.queue = s.queue[1:]
	}
	if len(s.queue) == 0 {
		return Chunk{}, false
	}
	return s.queue[0].Chunk, true
}

// targetServerUsAtFrame maps an output frame index to its target server time
// through the anchor.
func targetServerUsAtFrame(a *Anchor, f int64, sampleRateHz int) int64 {
	return a.ServerUsOfFrameZero + (f-a.FramesAtAnchor)*1_000_000/int64(sampleRateHz)
}

func (s *Scheduler) tickPlaying(dacFramePosition, dacPresentationUs int64, dacOK bool, anchor *Anchor) {
	framesWanted := s.framesPerTick()

	if anchor != nil && dacOK {
		s.correctDrift(dacFramePosition, dacPresentationUs, anchor)
	}

	written := s.drainQueue(framesWanted)
	if written < framesWanted {
		s.underrunFrames.Add(int64(framesWanted - written))
		s.writeSilence(framesWanted - written)
	}

	s.stateMu.Lock()
	eos := s.endOfStreamSignal
	s.stateMu.Unlock()
	if eos {
		s.setState(StateDraining)
	}
}

// correctDrift makes the per-tick Hold/Insert/Drop decision.
// Drop silently discards n queued frames (without writing them) so the
// remaining content catches up to the DAC; Insert writes n extra frames of
// interpolated silence ahead of the normal write so playback falls back in
// step. Neither changes this tick's normal write amount.
func (s *Scheduler) correctDrift(dacFramePosition, dacPresentationUs int64, anchor *Anchor) {
	observedServerUs := s.filter.PredictAt(dacPresentationUs)
	targetUs := targetServerUsAtFrame(anchor, dacFramePosition, s.cfg.SampleRateHz)
	errUs := observedServerUs - targetUs

	s.pushErrHistory(errUs)
	threshold := s.adaptiveThreshold()

	event := SyncEvent{
		ClientUs:            dacPresentationUs,
		PredictedServerUs:   targetUs,
		DacObservedServerUs: observedServerUs,
		ErrorUs:             errUs,
		AdaptiveThresholdUs: threshold,
		Action:              ActionHold,
	}

	if errUs > threshold {
		n := int(errUs * int64(s.cfg.SampleRateHz) / 1_000_000)
		n = clampCorrection(n, s.cfg.MaxCorrectionFramesPerTick, s.queueLen2Frames())
		if n > 0 {
			event.Action = ActionDrop
			event.AdjustFrames = n
			s.discardFrames(n)
			s.stats.FramesDropped.Add(int64(n))
			s.stats.Corrections.Add(1)
		}
	} else if errUs < -threshold {
		n := int(-errUs * int64(s.cfg.SampleRateHz) / 1_000_000)
		n = clampCorrection(n, s.cfg.MaxCorrectionFramesPerTick, s.cfg.MaxCorrectionFramesPerTick)
		if n > 0 {
			event.Action = ActionInsert
			event.AdjustFrames = n
			s.writeInterpolatedSilence(n)
			s.stats.FramesInserted.Add(int64(n))
			s.stats.Corrections.Add(1)
		}
	}

	s.lastEventMu.Lock()
	s.lastEvent = event
	s.lastEventMu.Unlock()
	if s.onEvent != nil {
		s.onEvent(event)
	}
}

// queueLen2Frames returns the number of frames currently queued for the
// active generation, used to cap how much a Drop can discard.
func (s *Scheduler) queueLen2Frames() int {
	gen := s.currentGeneration.Load()
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	var frames int64
	for _, e := range s.queue {
		if e.generation == gen {
			frames += int64(e.FrameCount - e.consumed)
		}
	}
	if frames > int64(^uint(0)>>1) {
		return int(^uint(0) >> 1)
	}
	return int(frames)
}

// discardFrames drops up to n frames from the head of the current
// generation's queue without writing them to the sink, advancing playback
// position to catch up to a DAC running ahead of the target.
func (s *Scheduler) discardFrames(n int) {
	gen := s.currentGeneration.Load()
	for n > 0 {
		entry, ok := s.popReadyHead(gen)
		if !ok {
			return
		}
		remaining := entry.FrameCount - entry.consumed
		take := n
		if take > remaining {
			take = remaining
		}
		entry.consumed += take
		n -= take
		s.framesPending.Add(-int64(take))
		if entry.consumed < entry.FrameCount {
			s.pushBackHead(entry, gen)
			return
		}
	}
}

func clampCorrection(n, perTickMax, available int) int {
	if n < 0 {
		n = 0
	}
	if n > perTickMax {
		n = perTickMax
	}
	if n > available {
		n = available
	}
	return n
}

func (s *Scheduler) pushErrHistory(errUs int64) {
	s.errHistory[s.errHistoryPos] = errUs
	s.errHistoryPos = (s.errHistoryPos + 1) % len(s.errHistory)
	if s.errHistoryLen < len(s.errHistory) {
		s.errHistoryLen++
	}
}

// adaptiveThreshold blends the filter's own uncertainty with the recent RMS
// scheduling error, floored at one audio frame's duration.
func (s *Scheduler) adaptiveThreshold() int64 {
	var sumSq float64
	for i := 0; i < s.errHistoryLen; i++ {
		e := float64(s.errHistory[i])
		sumSq += e * e
	}
	rms := int64(0)
	if s.errHistoryLen > 0 {
		rms = int64(isqrt(sumSq / float64(s.errHistoryLen)))
	}

	filterErr := s.filter.OffsetErrorUs()
	threshold := filterErr/2 + rms/4
	if threshold < s.cfg.AdaptiveThresholdFloorUs {
		threshold = s.cfg.AdaptiveThresholdFloorUs
	}
	return threshold
}

func isqrt(v float64) float64 {
	if v <= 0 {
		return 0
	}
	x := v
	for i := 0; i < 20; i++ {
		x = 0.5 * (x + v/x)
	}
	return x
}

// drainQueue writes up to framesWanted frames from the head of the queue
// (current generation only) to the sink, dropping stale/corrupt chunks and
// advancing past exhausted ones. Returns frames actually written.
func (s *Scheduler) drainQueue(framesWanted int) int {
	if framesWanted <= 0 {
		return 0
	}
	gen := s.currentGeneration.Load()
	channels := s.cfg.Channels
	written := 0

	for written < framesWanted {
		entry, ok := s.popReadyHead(gen)
		if !ok {
			break
		}

		remaining := entry.FrameCount - entry.consumed
		take := framesWanted - written
		if take > remaining {
			take = remaining
		}

		start := entry.consumed * channels
		end := (entry.consumed + take) * channels
		if err := s.sink.Write(entry.PCM[start:end]); err != nil && s.logger != nil {
			s.logger.Printf("scheduler: sink write error: %v", err)
		}

		written += take
		s.totalFramesWritten.Add(int64(take))
		s.framesPlayed.Add(int64(take))
		s.framesPending.Add(-int64(take))
		entry.consumed += take
		copy(s.lastFrame, entry.PCM[(entry.consumed-1)*channels:entry.consumed*channels])

		if entry.consumed < entry.FrameCount {
			s.pushBackHead(entry, gen)
			break
		}
	}
	return written
}

// popReadyHead pops the head chunk, applying the late/future drop policy.
// Chunks tagged with a stale generation are discarded silently.
func (s *Scheduler) popReadyHead(gen uint64) (chunkEntry, bool) {
	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.queueMu.Unlock()
			return chunkEntry{}, false
		}
		entry := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedFrames -= int64(entry.FrameCount - entry.consumed)
		s.queueMu.Unlock()

		if entry.generation != gen {
			continue
		}

		now := s.clock.NowUs()
		predictedNow := s.filter.PredictAt(now)
		age := predictedNow - entry.TargetServerUs
		if entry.consumed == 0 {
			if age > s.cfg.LateThresholdUs {
				s.lateDroppedChunks.Add(1)
				s.framesPending.Add(-int64(entry.FrameCount))
				continue
			}
			if -age > s.cfg.FutureThresholdUs {
				s.futureDroppedChunks.Add(1)
				s.framesPending.Add(-int64(entry.FrameCount))
				continue
			}
		}
		return entry, true
	}
}

func (s *Scheduler) pushBackHead(entry chunkEntry, gen uint64) {
	if entry.generation != gen {
		return
	}
	s.queueMu.Lock()
	s.queue = append([]chunkEntry{entry}, s.queue...)
	s.queuedFrames += int64(entry.FrameCount - entry.consumed)
	s.queueMu.Unlock()
}

// writeSilence feeds preallocated silence to the sink in chunks no larger
// than the preallocated buffer, never allocating. Silence frames count
// toward totalFramesWritten/framesPlayed like any other rendered frame;
// frame accounting covers what the sink has accepted, not just real content.
func (s *Scheduler) writeSilence(frames int) {
	channels := s.cfg.Channels
	maxFrames := len(s.silence) / channels
	if maxFrames == 0 {
		return
	}
	for frames > 0 {
		n := frames
		if n > maxFrames {
			n = maxFrames
		}
		if err := s.sink.Write(s.silence[:n*channels]); err != nil && s.logger != nil {
			s.logger.Printf("scheduler: silence write error: %v", err)
		}
		s.totalFramesWritten.Add(int64(n))
		s.framesPlayed.Add(int64(n))
		frames -= n
	}
}

// writeInterpolatedSilence writes n frames of a linear fade between the
// scheduler's last-written sample and zero, so an insert correction does not
// click. Uses the preallocated scratch buffer.
func (s *Scheduler) writeInterpolatedSilence(n int) {
	channels := s.cfg.Channels
	maxFrames := len(s.insertScratch) / channels
	if maxFrames == 0 {
		return
	}
	if n > maxFrames {
		n = maxFrames
	}
	buf := s.insertScratch[:n*channels]
	for f := 0; f < n; f++ {
		// Linear fade from the last written frame toward zero.
		gain := int32(n - 1 - f)
		for ch := 0; ch < channels; ch++ {
			buf[f*channels+ch] = int16(int32(s.lastFrame[ch]) * gain / int32(n))
		}
	}
	if err := s.sink.Write(buf); err != nil && s.logger != nil {
		s.logger.Printf("scheduler: insert write error: %v", err)
	}
	for i := range s.lastFrame {
		s.lastFrame[i] = 0
	}
	s.totalFramesWritten.Add(int64(n))
	s.framesPlayed.Add(int64(n))
}
