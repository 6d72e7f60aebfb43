// ABOUTME: High-level SendSpin player wiring transport, time sync, clock filter, and scheduler
// ABOUTME: Owns one session per connection attempt and reconnects with bounded backoff
package sendspinplayer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sendspin/sendspin-go/pkg/clocksync"
	"github.com/sendspin/sendspin-go/pkg/codec"
	"github.com/sendspin/sendspin-go/pkg/scheduler"
	"github.com/sendspin/sendspin-go/pkg/sink"
	"github.com/sendspin/sendspin-go/pkg/timesync"
	"github.com/sendspin/sendspin-go/pkg/transport"
	"github.com/sendspin/sendspin-go/pkg/wire"
)

const (
	maxSyncOffsetMs   = 5000
	maxDecodeRetries  = 3
	telemetryInterval = time.Second
	maxReconnectWait  = 30 * time.Second
)

// Config holds player configuration. Zero values get sensible defaults in
// NewPlayer.
type Config struct {
	// ServerAddr is the WebSocket URL of the SendSpin server
	// (ws://host:port/sendspin).
	ServerAddr string

	// ClientID is the stable player id sent in client/hello. A fresh UUID is
	// generated (and kept for the player's lifetime) when empty.
	ClientID string

	// PlayerName is the display name for this player.
	PlayerName string

	// PreferredCodec is "opus", "flac" or "pcm".
	PreferredCodec string

	// AuthToken, if set, is sent as the first frame after the socket opens
	// (proxy transports).
	AuthToken string

	// Volume is the initial volume in [0,1]; defaults to 1.
	Volume float64

	// SyncOffsetMs is a manual listener-tuned offset added to every chunk's
	// target time, clamped to +-5000ms.
	SyncOffsetMs int

	// OnStateChange is called when the reported playback state changes.
	OnStateChange func(state string)

	// OnError is called for errors the player absorbs (decode failures,
	// recoverable disconnects). Never called after Close.
	OnError func(error)
}

// Telemetry is a point-in-time snapshot of the player's counters, for
// dashboards and debugging.
type Telemetry struct {
	State              string
	FilterReady        bool
	OffsetErrorUs      int64
	DriftRate          float64
	TotalFramesWritten int64
	UnderrunFrames     int64
	FramesInserted     int64
	FramesDropped      int64
	LateDroppedChunks  int64
	LastSync           scheduler.SyncEvent
	DroppedSends       uint64
}

// streamFormat identifies the decoder configuration a stream generation was
// opened with.
type streamFormat struct {
	streamID     uint32
	codecTag     uint8
	sampleRateHz uint32
	channels     uint8
}

// Player connects to one SendSpin server and renders its stream in sync with
// every other player on the network.
type Player struct {
	cfg    Config
	logger *log.Logger

	filter *clocksync.Filter
	engine *timesync.Engine
	sched  *scheduler.Scheduler
	out    sink.Sink

	mu            sync.Mutex
	session       *transport.Session
	sessionCancel context.CancelFunc
	decoder       codec.Decoder
	decoderReady  bool
	format        streamFormat
	lastState     string

	closed atomic.Bool

	syncOffsetUs int64

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

// NewPlayer constructs a Player. The sink must be unopened; it is opened
// lazily when the first audio record announces the stream format.
func NewPlayer(cfg Config, out sink.Sink, logger *log.Logger) (*Player, error) {
	if cfg.ServerAddr == "" {
		return nil, fmt.Errorf("sendspinplayer: ServerAddr is required")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.New().String()
	}
	if cfg.PlayerName == "" {
		cfg.PlayerName = "SendSpin Player"
	}
	switch cfg.PreferredCodec {
	case "opus", "flac", "pcm":
	case "":
		cfg.PreferredCodec = "opus"
	default:
		return nil, fmt.Errorf("sendspinplayer: unknown codec preference %q", cfg.PreferredCodec)
	}
	if cfg.Volume == 0 {
		cfg.Volume = 1
	}
	if cfg.SyncOffsetMs > maxSyncOffsetMs {
		cfg.SyncOffsetMs = maxSyncOffsetMs
	}
	if cfg.SyncOffsetMs < -maxSyncOffsetMs {
		cfg.SyncOffsetMs = -maxSyncOffsetMs
	}

	p := &Player{
		cfg:          cfg,
		logger:       logger,
		filter:       clocksync.New(logger),
		out:          out,
		syncOffsetUs: int64(cfg.SyncOffsetMs) * 1000,
		lastState:    "idle",
	}
	p.engine = timesync.NewEngine(p.sendTimeReq, p.filter, nil, logger)
	return p, nil
}

// Run connects to the server and keeps the player alive until ctx is
// cancelled or Close is called, reconnecting with bounded exponential backoff
// after recoverable failures. Fatal failures end Run with the error.
func (p *Player) Run(ctx context.Context) error {
	if p.closed.Load() {
		return fmt.Errorf("sendspinplayer: player already closed")
	}
	p.mu.Lock()
	runCtx, cancel := context.WithCancel(ctx)
	p.runCtx = runCtx
	p.runCancel = cancel
	p.mu.Unlock()

	backoff := time.Second
	for {
		err := p.runOneSession(runCtx)
		if err == nil || runCtx.Err() != nil {
			return runCtx.Err()
		}
		if errors.Is(err, transport.ErrFatal) {
			return err
		}
		p.reportError(fmt.Errorf("sendspinplayer: session ended: %w", err))

		select {
		case <-runCtx.Done():
			return runCtx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// runOneSession owns one connection attempt end to end: a fresh Session, a
// fresh cancellation scope, and a fresh time-sync task. Nothing from one
// attempt is shared with the next.
func (p *Player) runOneSession(ctx context.Context) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sess := transport.New(p.logger)
	failed := make(chan error, 1)

	listener := &sessionListener{player: p, failed: failed}

	hello := wire.ClientHello{
		ClientID:        p.cfg.ClientID,
		DeviceName:      p.cfg.PlayerName,
		CodecPreference: p.cfg.PreferredCodec,
		Roles:           []string{"player"},
	}

	if err := sess.Connect(ctx, p.cfg.ServerAddr, hello, p.cfg.AuthToken, listener); err != nil {
		return err
	}

	p.mu.Lock()
	p.session = sess
	p.sessionCancel = cancel
	p.mu.Unlock()

	p.filter.Reset()

	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		p.engine.Start(sessCtx)
	}()
	go func() {
		defer p.wg.Done()
		p.telemetryLoop(sessCtx, sess)
	}()

	var sessionErr error
	select {
	case <-ctx.Done():
		sess.Close(wire.CloseGoingAway, "player shutting down")
		sessionErr = nil
	case err := <-failed:
		sessionErr = err
	}

	cancel()
	p.engine.Stop()
	p.teardownSession(sess)
	return sessionErr
}

func (p *Player) teardownSession(sess *transport.Session) {
	p.mu.Lock()
	if p.session == sess {
		p.session = nil
		p.sessionCancel = nil
	}
	if p.decoder != nil {
		p.decoder.Release()
		p.decoder = nil
	}
	p.decoderReady = false
	p.format = streamFormat{}
	p.mu.Unlock()

	if sched := p.scheduler(); sched != nil {
		sched.Stop()
	}
}

// scheduler returns the lazily created Scheduler, or nil before the first
// stream has opened.
func (p *Player) scheduler() *scheduler.Scheduler {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sched
}

// Close stops the player permanently. Idempotent.
func (p *Player) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.mu.Lock()
	cancel := p.runCancel
	sess := p.session
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sess != nil {
		sess.Close(wire.CloseNormal, "player closed")
	}
	p.engine.Stop()
	p.wg.Wait()
	if sched := p.scheduler(); sched != nil {
		sched.Stop()
	}
	p.out.Close()
}

// SetVolume sets the playback volume in [0,1].
func (p *Player) SetVolume(v float64) {
	if s, ok := p.out.(interface{ SetVolume(float32) }); ok {
		s.SetVolume(float32(v))
	}
	if sched := p.scheduler(); sched != nil {
		sched.SetVolume(float32(v))
	}
}

// Pause and Resume forward to the scheduler. Safe before the first stream.
func (p *Player) Pause() {
	if sched := p.scheduler(); sched != nil {
		sched.Pause()
	}
}

func (p *Player) Resume() {
	if sched := p.scheduler(); sched != nil {
		sched.Resume()
	}
}

// Telemetry returns a snapshot of the player's counters.
func (p *Player) Telemetry() Telemetry {
	t := Telemetry{
		State:         p.reportedState(),
		FilterReady:   p.filter.IsReady(),
		OffsetErrorUs: p.filter.OffsetErrorUs(),
		DriftRate:     p.filter.DriftRate(),
	}
	if sched := p.scheduler(); sched != nil {
		t.TotalFramesWritten = sched.TotalFramesWritten()
		t.UnderrunFrames = sched.UnderrunFrames()
		t.FramesInserted = sched.Stats().FramesInserted.Load()
		t.FramesDropped = sched.Stats().FramesDropped.Load()
		t.LateDroppedChunks = sched.LateDroppedChunks()
		t.LastSync = sched.LastEvent()
	}
	p.mu.Lock()
	if p.session != nil {
		t.DroppedSends = p.session.DroppedSendCount()
	}
	p.mu.Unlock()
	return t
}

// sendTimeReq is the timesync engine's transmit hook.
func (p *Player) sendTimeReq(req wire.TimeReq) error {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess == nil || !sess.Send(wire.TypeTimeReq, req) {
		return fmt.Errorf("sendspinplayer: time/req not sent")
	}
	return nil
}

// handleText routes inbound text messages.
func (p *Player) handleText(env wire.Envelope) {
	switch env.Type {
	case wire.TypeTimeResp:
		resp, err := wire.DecodeTimeResp(env)
		if err != nil {
			p.reportError(err)
			return
		}
		p.engine.HandleResponse(resp, time.Now().UnixMicro())

	case wire.TypeClose:
		msg, err := wire.DecodeClose(env)
		if err != nil {
			return
		}
		if p.logger != nil {
			p.logger.Printf("player: server close: code=%d reason=%q", msg.Code, msg.Reason)
		}

	default:
		// Unknown types are ignored for forward compatibility.
	}
}

// handleBinary decodes one audio record and hands the PCM to the scheduler.
// Runs on the transport's read goroutine, which doubles as the chunk-queue
// producer.
func (p *Player) handleBinary(data []byte) {
	rec, err := wire.DecodeAudioRecord(data)
	if err != nil {
		if errors.Is(err, wire.ErrUnsupportedBinaryVersion) {
			p.failSession(fmt.Errorf("%v: %w", err, transport.ErrFatal))
			return
		}
		p.reportError(err)
		return
	}

	dec, sched, ok := p.decoderFor(rec)
	if !ok {
		return
	}

	pcm, err := p.decodeWithRetry(dec, rec.Payload)
	if err != nil {
		// Exhausted retries: retire this generation and reconfigure on the
		// next record rather than tearing down the session.
		p.reportError(err)
		p.mu.Lock()
		p.decoderReady = false
		p.mu.Unlock()
		sched.Flush()
		return
	}
	if len(pcm) == 0 {
		return
	}

	channels := int(rec.Channels)
	sched.EnqueueChunk(scheduler.Chunk{
		TargetServerUs: rec.TargetServerUs + p.syncOffsetUs,
		PCM:            pcm,
		FrameCount:     len(pcm) / channels,
	})
}

// decoderFor returns a configured decoder and scheduler for the record's
// stream format, creating or reconfiguring them when the format changes.
func (p *Player) decoderFor(rec wire.AudioRecord) (codec.Decoder, *scheduler.Scheduler, bool) {
	fmtKey := streamFormat{
		streamID:     rec.StreamID,
		codecTag:     rec.CodecTag,
		sampleRateHz: rec.SampleRateHz,
		channels:     rec.Channels,
	}

	p.mu.Lock()
	if p.decoderReady && p.format == fmtKey {
		dec := p.decoder
		sched := p.sched
		p.mu.Unlock()
		return dec, sched, true
	}
	p.mu.Unlock()

	return p.openStream(fmtKey)
}

// openStream configures a decoder and scheduler for a new stream format. A
// format change mid-stream is a new generation: the old queue is flushed and
// the old decoder released.
func (p *Player) openStream(f streamFormat) (codec.Decoder, *scheduler.Scheduler, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.decoder != nil {
		p.decoder.Release()
		p.decoder = nil
		p.decoderReady = false
	}
	if p.sched != nil {
		p.sched.Flush()
	}

	dec, err := codec.New(f.codecTag)
	if err != nil {
		p.reportError(fmt.Errorf("sendspinplayer: stream %d: %w", f.streamID, err))
		return nil, nil, false
	}

	if err := dec.Configure(int(f.sampleRateHz), int(f.channels), nil); err != nil {
		p.reportError(fmt.Errorf("sendspinplayer: configure codec %d: %w", f.codecTag, err))
		// Best-effort fallback: a PCM decoder needs no codec state, so it
		// can salvage a stream whose real decoder will not start.
		dec = &codec.PCMCodec{}
		if err := dec.Configure(int(f.sampleRateHz), int(f.channels), nil); err != nil {
			return nil, nil, false
		}
	}

	if err := p.out.Open(int(f.sampleRateHz), int(f.channels), 16); err != nil {
		p.reportError(fmt.Errorf("sendspinplayer: open sink: %w", err))
		return nil, nil, false
	}

	if p.sched == nil {
		cfg := scheduler.DefaultConfig(int(f.sampleRateHz), int(f.channels))
		p.sched = scheduler.New(cfg, p.filter, p.out, nil, p.logger)
		p.sched.SetVolume(float32(p.cfg.Volume))
		p.startAudioLoop(p.sched, cfg.TickIntervalUs)
	}

	p.decoder = dec
	p.decoderReady = true
	p.format = f
	if p.logger != nil {
		p.logger.Printf("player: stream %d opened: codec=%d %dHz %dch",
			f.streamID, f.codecTag, f.sampleRateHz, f.channels)
	}
	return dec, p.sched, true
}

// startAudioLoop drives scheduler ticks from a dedicated goroutine at the
// configured tick interval, feeding it the sink's frame position. Caller
// holds p.mu; the loop itself takes no player locks.
func (p *Player) startAudioLoop(sched *scheduler.Scheduler, tickIntervalUs int64) {
	ctx := p.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	out := p.out
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(time.Duration(tickIntervalUs) * time.Microsecond)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frames, presentedUs, ok := out.FramePosition()
				sched.Tick(frames, presentedUs, ok)
			}
		}
	}()
}

// decodeWithRetry retries transient decode failures so stateful codecs never
// silently lose a packet, surfacing an error only after retries run out.
func (p *Player) decodeWithRetry(dec codec.Decoder, payload []byte) ([]int16, error) {
	var lastErr error
	for attempt := 0; attempt < maxDecodeRetries; attempt++ {
		pcm, err := dec.Decode(payload)
		if err == nil {
			return pcm, nil
		}
		lastErr = err
		if !errors.Is(err, codec.ErrDecodeFailed) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("sendspinplayer: decode retries exhausted: %w", lastErr)
}

// reportedState maps scheduler state to the wire player/state vocabulary.
// WaitForSync and WaitForStart report "buffering": the stream exists but no
// audible sample has been scheduled yet.
func (p *Player) reportedState() string {
	sched := p.scheduler()
	if sched == nil {
		return "idle"
	}
	switch sched.State() {
	case scheduler.StatePlaying, scheduler.StateDraining:
		return "playing"
	case scheduler.StatePaused:
		return "paused"
	case scheduler.StateWaitForSync, scheduler.StateWaitForStart:
		return "buffering"
	default:
		return "idle"
	}
}

// telemetryLoop periodically reports player/state to the server.
func (p *Player) telemetryLoop(ctx context.Context, sess *transport.Session) {
	ticker := time.NewTicker(telemetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		state := p.reportedState()
		var positionUs, underruns int64
		var volume float64 = p.cfg.Volume
		if sched := p.scheduler(); sched != nil {
			underruns = sched.UnderrunFrames()
			volume = float64(sched.Volume())
			ev := sched.LastEvent()
			positionUs = ev.DacObservedServerUs
		}

		sess.Send(wire.TypePlayerState, wire.PlayerState{
			State:          state,
			PositionUs:     positionUs,
			Volume:         volume,
			UnderrunFrames: underruns,
		})

		p.mu.Lock()
		changed := state != p.lastState
		p.lastState = state
		cb := p.cfg.OnStateChange
		p.mu.Unlock()
		if changed && cb != nil {
			cb(state)
		}
	}
}

func (p *Player) failSession(err error) {
	p.mu.Lock()
	sess := p.session
	p.mu.Unlock()
	if sess != nil {
		sess.Close(wire.CloseProtocolError, err.Error())
	}
	p.reportError(err)
}

// reportError never takes p.mu, so it is safe to call from any path,
// including ones already holding the lock.
func (p *Player) reportError(err error) {
	if p.closed.Load() {
		return
	}
	if cb := p.cfg.OnError; cb != nil {
		cb(err)
	} else if p.logger != nil {
		p.logger.Printf("player: %v", err)
	}
}

// sessionListener adapts transport callbacks onto the player. A fresh
// listener is created per connection attempt so a late callback from a dead
// session cannot touch the new one.
type sessionListener struct {
	player *Player
	failed chan error
	once   sync.Once
}

func (l *sessionListener) OnConnected() {
	if l.player.logger != nil {
		l.player.logger.Printf("player: connected")
	}
}

func (l *sessionListener) OnText(env wire.Envelope) { l.player.handleText(env) }
func (l *sessionListener) OnBinary(data []byte)     { l.player.handleBinary(data) }

func (l *sessionListener) OnClosed(code uint16, reason string) {
	l.once.Do(func() {
		l.failed <- fmt.Errorf("session closed: code=%d reason=%q: %w", code, reason, transport.ErrRecoverable)
	})
}

func (l *sessionListener) OnFailed(err error) {
	l.once.Do(func() { l.failed <- err })
}
