// ABOUTME: Two-state Kalman filter fusing noisy time-sync offset samples
// ABOUTME: into a continuous, monotonic server_time <-> client_time mapping
package clocksync

import (
	"log"
	"math"
	"sync"
	"sync/atomic"
)

// Filter maintains a two-dimensional Kalman estimate of (offset_us, drift)
// where drift is the dimensionless rate d(offset)/dt. Single writer (the
// time-sync engine), many readers (the audio scheduler, telemetry).
//
// The two hot-read fields, offset and drift, are mirrored into atomic.Uint64
// bit-casts of their float64 values so PredictAt is callable lock-free from
// any goroutine, including the audio callback thread. Update takes mu.
type Filter struct {
	mu sync.Mutex

	// Guarded by mu; source of truth.
	offsetUs float64
	drift    float64
	p        [2][2]float64

	lastUpdateClientUs int64 // mirrored atomically; see lastUpdateAt
	measurementCount   uint32
	ready              atomic.Bool

	// Lock-free mirrors of offsetUs/drift/lastUpdateClientUs for PredictAt.
	offsetBits   atomic.Uint64
	driftBits    atomic.Uint64
	lastUpdateAt atomic.Int64

	// Tunables, exported for tests; defaults set in New.
	ProcessNoiseOffset float64
	ProcessNoiseDrift  float64
	OutlierSigma       float64 // normalized-innovation threshold before inflating Q

	logger *log.Logger
}

// New constructs a Filter in the "not ready" state.
func New(logger *log.Logger) *Filter {
	f := &Filter{
		ProcessNoiseOffset: 0.1,   // (us)^2 per us of dt -- tuned for LAN jitter
		ProcessNoiseDrift:  1e-20, // dimensionless^2 per us of dt
		OutlierSigma:       3.5,
		logger:             logger,
	}
	f.p = initialCovariance()
	return f
}

// initialCovariance is the bootstrap P: offset uncertain by ~10ms, drift
// prior tight around zero so early noisy innovations cannot kick the drift
// estimate before the offset has settled.
func initialCovariance() [2][2]float64 {
	return [2][2]float64{{1e8, 0}, {0, 1e-12}}
}

// IsReady reports whether the filter has produced a stable estimate. Once
// true it remains true until Reset.
func (f *Filter) IsReady() bool {
	return f.ready.Load()
}

// OffsetErrorUs returns a non-negative uncertainty estimate for the current
// offset, derived from the covariance diagonal.
func (f *Filter) OffsetErrorUs() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	v := f.p[0][0]
	if v < 0 {
		v = 0
	}
	return int64(math.Sqrt(v))
}

// DriftRate returns the current drift estimate (dimensionless, 1e-6 scale).
func (f *Filter) DriftRate() float64 {
	return math.Float64frombits(f.driftBits.Load())
}

// MeasurementCount returns the number of measurements accepted so far.
func (f *Filter) MeasurementCount() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.measurementCount
}

// PredictAt returns offset + drift*(t - last_update), callable from any
// goroutine without blocking the writer.
func (f *Filter) PredictAt(tClientUs int64) int64 {
	offset := math.Float64frombits(f.offsetBits.Load())
	drift := math.Float64frombits(f.driftBits.Load())
	last := f.lastUpdateAt.Load()
	dt := float64(tClientUs - last)
	return int64(offset + drift*dt)
}

// Reset clears the filter to the not-ready bootstrap state.
func (f *Filter) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.offsetUs = 0
	f.drift = 0
	f.p = initialCovariance()
	f.lastUpdateClientUs = 0
	f.measurementCount = 0
	f.ready.Store(false)
	f.offsetBits.Store(0)
	f.driftBits.Store(0)
	f.lastUpdateAt.Store(0)
}

// Update feeds one survivor offset sample (see pkg/timesync) into the
// filter. rttUs is used to derive the measurement variance R.
func (f *Filter) Update(rawOffsetUs float64, clientMidUs int64, rttUs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.measurementCount == 0 {
		// Bootstrap: seed the state directly from the first sample.
		f.offsetUs = rawOffsetUs
		f.drift = 0
		f.lastUpdateClientUs = clientMidUs
		f.measurementCount = 1
		f.publishLocked()
		return
	}

	dt := float64(clientMidUs - f.lastUpdateClientUs)
	if dt < 0 {
		dt = 0
	}

	// --- Predict ---
	// The process-noise matrix is fully symmetric: the off-diagonals carry
	// the geometric mean of the two diagonal noise densities so offset and
	// drift uncertainty grow in a dimensionally consistent ratio.
	qCross := math.Sqrt(f.ProcessNoiseOffset * f.ProcessNoiseDrift)
	predictedOffset := f.offsetUs + f.drift*dt
	p00 := f.p[0][0] + dt*(f.p[0][1]+f.p[1][0]) + dt*dt*f.p[1][1] + f.ProcessNoiseOffset*dt
	p01 := f.p[0][1] + dt*f.p[1][1] + qCross*dt
	p10 := f.p[1][0] + dt*f.p[1][1] + qCross*dt
	p11 := f.p[1][1] + f.ProcessNoiseDrift*dt

	// --- Outlier check, using the post-prediction P[0][0] for S ---
	r := measurementVariance(rttUs)
	s := p00 + r
	innov := rawOffsetUs - predictedOffset

	if f.ready.Load() && s > 0 {
		normalized := math.Abs(innov) / math.Sqrt(s)
		if normalized > f.OutlierSigma {
			// Inflate all four elements of the process-noise contribution,
			// each at its own scale, rather than discarding the sample, so a
			// genuine step change (server clock jump) is absorbed instead of
			// masked while drift adaptation keeps pace with offset adaptation.
			inflate := normalized*normalized - 1
			p00 += f.ProcessNoiseOffset * dt * inflate
			p01 += qCross * dt * inflate
			p10 += qCross * dt * inflate
			p11 += f.ProcessNoiseDrift * dt * inflate
			s = p00 + r
		}
	}

	// --- Measurement update (Joseph form) ---
	k0 := p00 / s
	k1 := p10 / s

	newOffset := predictedOffset + k0*innov
	newDrift := f.drift + k1*innov

	// Joseph form: P = (I-KH) P (I-KH)^T + K R K^T, H = [1 0].
	ikh00 := 1 - k0
	ikh01 := 0.0
	ikh10 := -k1
	ikh11 := 1.0

	// (I-KH) P
	a00 := ikh00*p00 + ikh01*p10
	a01 := ikh00*p01 + ikh01*p11
	a10 := ikh10*p00 + ikh11*p10
	a11 := ikh10*p01 + ikh11*p11

	// ((I-KH) P) (I-KH)^T
	n00 := a00*ikh00 + a01*ikh01
	n01 := a00*ikh10 + a01*ikh11
	n10 := a10*ikh00 + a11*ikh01
	n11 := a10*ikh10 + a11*ikh11

	// + K R K^T
	n00 += k0 * k0 * r
	n01 += k0 * k1 * r
	n10 += k1 * k0 * r
	n11 += k1 * k1 * r

	f.offsetUs = newOffset
	f.drift = newDrift
	f.p = [2][2]float64{{n00, n01}, {n10, n11}}
	f.lastUpdateClientUs = clientMidUs
	f.measurementCount++

	if f.measurementCount == 2 {
		f.ready.Store(true)
	}

	if f.logger != nil && f.measurementCount <= 3 {
		f.logger.Printf("clocksync: measurement #%d raw_offset=%.1fus rtt=%dus offset=%.1fus drift=%.3e",
			f.measurementCount, rawOffsetUs, rttUs, f.offsetUs, f.drift)
	}

	f.publishLocked()
}

// publishLocked mirrors offsetUs/drift into the atomic hot-read fields.
// Caller must hold mu.
func (f *Filter) publishLocked() {
	f.offsetBits.Store(math.Float64bits(f.offsetUs))
	f.driftBits.Store(math.Float64bits(f.drift))
	f.lastUpdateAt.Store(f.lastUpdateClientUs)
}

// measurementVariance derives R from RTT: quadratic, so long round trips are
// trusted much less than short ones.
func measurementVariance(rttUs int64) float64 {
	halfRTT := float64(rttUs) / 2
	if halfRTT < 100 {
		halfRTT = 100
	}
	return halfRTT * halfRTT
}
