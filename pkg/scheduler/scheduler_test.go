// ABOUTME: Tests for the sync audio scheduler state machine
// ABOUTME: Covers state transitions, generation monotonicity, ordering, and drift correction
package scheduler

import (
	"sync"
	"testing"
)

// fakeFilter is a deterministic ClockFilter double for scheduler tests. It
// models a perfect server clock (offset 0, drift 0) unless configured
// otherwise, so PredictAt(t) == t by default.
type fakeFilter struct {
	mu       sync.Mutex
	ready    bool
	offsetUs int64
	errUs    int64
}

func (f *fakeFilter) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready
}

func (f *fakeFilter) PredictAt(tClientUs int64) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return tClientUs + f.offsetUs
}

func (f *fakeFilter) OffsetErrorUs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.errUs
}

func (f *fakeFilter) setReady(v bool) {
	f.mu.Lock()
	f.ready = v
	f.mu.Unlock()
}

// fakeClock lets tests advance the monotonic client clock explicitly.
type fakeClock struct {
	mu  sync.Mutex
	now int64
}

func (c *fakeClock) NowUs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(us int64) {
	c.mu.Lock()
	c.now += us
	c.mu.Unlock()
}

// fakeSink records every Write call's sample count without touching any
// real device.
type fakeSink struct {
	mu      sync.Mutex
	writes  [][]int16
	samples int64
}

func (s *fakeSink) Write(samples []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := append([]int16(nil), samples...)
	s.writes = append(s.writes, cp)
	s.samples += int64(len(samples))
	return nil
}

func (s *fakeSink) totalSamples() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.samples
}

func newTestScheduler(t *testing.T) (*Scheduler, *fakeFilter, *fakeClock, *fakeSink) {
	t.Helper()
	filter := &fakeFilter{}
	clock := &fakeClock{now: 0}
	sink := &fakeSink{}
	cfg := DefaultConfig(48000, 2)
	s := New(cfg, filter, sink, clock, nil)
	return s, filter, clock, sink
}

func TestIdleToWaitForSyncWhenFilterNotReady(t *testing.T) {
	s, _, _, _ := newTestScheduler(t)

	s.EnqueueChunk(Chunk{TargetServerUs: 500_000, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)

	if got := s.State(); got != StateWaitForSync {
		t.Fatalf("state = %v, want WaitForSync", got)
	}
}

func TestIdleToWaitForStartWhenFilterReady(t *testing.T) {
	s, filter, _, _ := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 500_000, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)

	if got := s.State(); got != StateWaitForStart {
		t.Fatalf("state = %v, want WaitForStart", got)
	}
}

func TestWaitForSyncAdvancesToWaitForStartOnReady(t *testing.T) {
	s, filter, _, _ := newTestScheduler(t)

	s.EnqueueChunk(Chunk{TargetServerUs: 500_000, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)
	if s.State() != StateWaitForSync {
		t.Fatal("expected WaitForSync before filter ready")
	}

	filter.setReady(true)
	s.Tick(0, 0, true)
	if s.State() != StateWaitForStart {
		t.Fatalf("state = %v, want WaitForStart", s.State())
	}
}

// S4 — audio anchor and first-sample accuracy.
func TestAnchorEstablishedAtTargetTime(t *testing.T) {
	s, filter, clock, sink := newTestScheduler(t)
	filter.setReady(true)

	const target = int64(500_000) // 500ms in the future
	s.EnqueueChunk(Chunk{TargetServerUs: target, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true) // Idle -> WaitForStart

	// Before the target time: still waiting, no anchor yet.
	clock.advance(100_000)
	s.Tick(0, clock.NowUs(), true)
	if s.State() != StateWaitForStart {
		t.Fatalf("state = %v, want WaitForStart before target", s.State())
	}

	// Advance past the target.
	clock.advance(450_000)
	s.Tick(0, clock.NowUs(), true)
	if s.State() != StatePlaying {
		t.Fatalf("state = %v, want Playing once target reached", s.State())
	}

	s.Tick(0, clock.NowUs(), true)
	if sink.totalSamples() == 0 {
		t.Fatal("expected audio written once playing")
	}
	if s.TotalFramesWritten() == 0 {
		t.Fatal("expected total_frames_written > 0")
	}
}

func TestGenerationMonotonicAcrossFlush(t *testing.T) {
	s, filter, _, _ := newTestScheduler(t)
	filter.setReady(true)

	gen0 := s.CurrentGeneration()
	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)

	s.Flush()
	gen1 := s.CurrentGeneration()
	if gen1 <= gen0 {
		t.Fatalf("generation did not increase on flush: %d -> %d", gen0, gen1)
	}
	if s.State() != StateIdle {
		t.Fatalf("state after flush = %v, want Idle", s.State())
	}

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)
	gen2 := s.CurrentGeneration()
	if gen2 < gen1 {
		t.Fatal("generation must be non-decreasing")
	}
}

// S6 — flush during playback discards stale-generation chunks.
func TestFlushDuringPlaybackDiscardsQueuedChunks(t *testing.T) {
	s, filter, clock, sink := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true)
	if s.State() != StatePlaying {
		t.Fatalf("state = %v, want Playing", s.State())
	}

	staleGen := s.CurrentGeneration()
	s.EnqueueChunk(Chunk{TargetServerUs: 1_000, PCM: make([]int16, 960), FrameCount: 480})

	s.Flush()
	if s.CurrentGeneration() == staleGen {
		t.Fatal("expected generation bump on flush")
	}

	before := sink.totalSamples()
	s.Tick(0, clock.NowUs(), true)
	// In Idle after flush, nothing from the stale generation should play.
	after := sink.totalSamples()
	if after <= before {
		t.Fatal("expected silence writes even in idle")
	}
	if s.State() != StateIdle && s.State() != StateWaitForStart {
		t.Fatalf("unexpected state after flush tick: %v", s.State())
	}
}

func TestChunkOrderingWithinGenerationIsNonDecreasing(t *testing.T) {
	s, filter, _, _ := newTestScheduler(t)
	filter.setReady(true)

	targets := []int64{0, 10_000, 20_000, 30_000}
	for _, tgt := range targets {
		s.EnqueueChunk(Chunk{TargetServerUs: tgt, PCM: make([]int16, 960), FrameCount: 480})
	}

	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	last := int64(-1)
	for _, e := range s.queue {
		if e.TargetServerUs < last {
			t.Fatalf("chunk ordering violated: %d after %d", e.TargetServerUs, last)
		}
		last = e.TargetServerUs
	}
}

func TestUnderrunWritesSilenceWithoutStalling(t *testing.T) {
	s, filter, clock, sink := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true) // consumes the one chunk, transitions to Playing

	before := sink.totalSamples()
	s.Tick(480, clock.NowUs(), true) // queue now empty
	if sink.totalSamples() <= before {
		t.Fatal("expected silence written on underrun")
	}
	if s.UnderrunFrames() == 0 {
		t.Fatal("expected underrun_frames to increment")
	}
	if s.State() != StatePlaying {
		t.Fatal("scheduler must not stall on underrun")
	}
}

func TestPauseResumeBumpsGenerationAndReanchors(t *testing.T) {
	s, filter, clock, _ := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true)
	if s.State() != StatePlaying {
		t.Fatalf("state = %v, want Playing", s.State())
	}

	s.Pause()
	if s.State() != StatePaused {
		t.Fatalf("state = %v, want Paused", s.State())
	}
	genBeforeResume := s.CurrentGeneration()

	s.Resume()
	if s.State() != StateWaitForStart {
		t.Fatalf("state = %v, want WaitForStart after resume", s.State())
	}
	if s.CurrentGeneration() <= genBeforeResume {
		t.Fatal("expected generation bump on resume")
	}
}

func TestIdempotentDoubleFlushAndDoubleStop(t *testing.T) {
	s, filter, _, _ := newTestScheduler(t)
	filter.setReady(true)
	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 960), FrameCount: 480})
	s.Tick(0, 0, true)

	s.Flush()
	g1 := s.CurrentGeneration()
	s.Flush()
	g2 := s.CurrentGeneration()
	if g2 <= g1 {
		t.Fatal("double flush should still only move generation forward, never backward")
	}
	if s.State() != StateIdle {
		t.Fatal("double flush must remain idempotent at Idle")
	}

	s.Stop()
	s.Stop()
	if s.State() != StateIdle {
		t.Fatal("double stop must remain idempotent at Idle")
	}
}

// S5 (directional check) — a DAC observed ahead of target drops samples,
// a DAC observed behind target inserts samples; net correction moves the
// error back toward zero.
func TestDriftCorrectionDropsWhenDacAhead(t *testing.T) {
	s, filter, clock, _ := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 96000), FrameCount: 48000})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true)
	if s.State() != StatePlaying {
		t.Fatalf("state = %v, want Playing", s.State())
	}

	// Simulate a DAC that is running far ahead of the target: observed
	// server time (via filter.PredictAt) exceeds target_server_us(f) by a
	// large margin, which must trigger a Drop.
	filter.mu.Lock()
	filter.offsetUs = 50_000 // 50ms ahead
	filter.mu.Unlock()
	// The anchor frame is 480 (the Idle tick wrote 480 frames of silence
	// first), so frame 960 nominally lands 10ms after the anchor.
	clock.advance(10_000)

	s.Tick(960, clock.NowUs(), true)
	ev := s.LastEvent()
	if ev.Action != ActionDrop {
		t.Fatalf("action = %v, want Drop when DAC observed far ahead of target", ev.Action)
	}
	if s.Stats().FramesDropped.Load() == 0 {
		t.Fatal("expected frames_dropped to increment")
	}
}

func TestDriftCorrectionInsertsWhenDacBehind(t *testing.T) {
	s, filter, clock, _ := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 96000), FrameCount: 48000})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true)

	filter.mu.Lock()
	filter.offsetUs = -50_000 // 50ms behind
	filter.mu.Unlock()
	clock.advance(10_000)

	s.Tick(480, clock.NowUs(), true)
	ev := s.LastEvent()
	if ev.Action != ActionInsert {
		t.Fatalf("action = %v, want Insert when DAC observed far behind target", ev.Action)
	}
	if s.Stats().FramesInserted.Load() == 0 {
		t.Fatal("expected frames_inserted to increment")
	}
}

func TestHoldWithinAdaptiveThreshold(t *testing.T) {
	s, filter, clock, _ := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 96000), FrameCount: 48000})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true)
	// The anchor frame is 480 (the Idle tick wrote 480 frames of silence
	// first), so frame 960 nominally lands 10ms after the anchor.
	clock.advance(10_000)

	s.Tick(960, clock.NowUs(), true)
	ev := s.LastEvent()
	if ev.Action != ActionHold {
		t.Fatalf("action = %v, want Hold when error is within threshold", ev.Action)
	}
}

func TestWraparoundSkipsDriftCorrection(t *testing.T) {
	s, filter, clock, _ := newTestScheduler(t)
	filter.setReady(true)

	s.EnqueueChunk(Chunk{TargetServerUs: 0, PCM: make([]int16, 96000), FrameCount: 48000})
	s.Tick(0, 0, true)
	clock.advance(1)
	s.Tick(0, clock.NowUs(), true)

	filter.mu.Lock()
	filter.offsetUs = 50_000
	filter.mu.Unlock()

	// ok=false signals a DAC position wraparound; no correction should run.
	s.Tick(480, clock.NowUs(), false)
	ev := s.LastEvent()
	if ev != (SyncEvent{}) {
		t.Fatalf("expected no correction event on wraparound, got %+v", ev)
	}
}
