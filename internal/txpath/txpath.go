// Package txpath implements the TX streaming path of spec §4.6: energize
// float IQ to 12-bit integers with per-channel scale and optional
// amplifier pre-distortion, group into frames, submit minimum-buffer
// batches.
package txpath

import (
	"context"
	"sync"
	"time"

	"github.com/wk3x/hsdr/internal/frame"
	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/syncstate"
)

// Submitter is the USB bulk submission primitive txpath needs; in
// production it's a thin adapter over usbtransport.Device.BulkXferSync on
// EndpointTXSamples.
type Submitter interface {
	SubmitTX(ctx context.Context, buffers [][]byte, timeout time.Duration) error
}

// Pattern supplies samples cyclically when a TX pattern generator is
// active instead of caller-provided IQ (spec §4.6 step 4).
type Pattern interface {
	Next() complex128
}

// DistortionTable is the 4096-entry complex pre-distortion table from
// calibration (spec §4.10d); nil disables pre-distortion. Entries are
// already normalized so that multiplying a raw (pre-clamp) IQ sample by
// the looked-up gain yields the corrected sample.
type DistortionTable [4096]complex128

// Stats are the running clamp/timestamp counters exposed for the `show
// statistics` control message (spec §6.5, §4.13).
type Stats struct {
	ClampedSamples uint64
	TotalSamples   uint64
}

// Path is one direction's TX streaming state. Send, the setters and
// GetStats each hold the Path's own mutex, so concurrent calls are
// serialized.
type Path struct {
	mu sync.Mutex

	SamplesPerBuffer int
	TXMinBuffers     int
	SampleMax        int32

	submit  Submitter
	timeout time.Duration

	frames         []*frame.Buffer
	frameStartTS   []uint64 // timestamp of sample 0 in each frame buffer
	curFrame       int
	curSample      int
	runningTS      uint64
	started        bool

	scaleI, scaleQ float64 // power_balance derived scales
	distortion     *DistortionTable

	pattern     Pattern
	patternGain float64

	warnClampedPercent float64
	stats              Stats

	log hostif.LogSink

	lastTSMismatchLog time.Time

	syncState *syncstate.Bridge
}

// New allocates a Path with nFrames fixed-size frame buffers.
func New(submit Submitter, samplesPerBuffer, txMinBuffers, nFrames int, sampleMax int32, log hostif.LogSink) *Path {
	p := &Path{
		SamplesPerBuffer:   samplesPerBuffer,
		TXMinBuffers:       txMinBuffers,
		SampleMax:          sampleMax,
		submit:             submit,
		timeout:            500 * time.Millisecond,
		scaleI:             1, scaleQ: 1,
		warnClampedPercent: 5,
		log:                log,
	}
	for i := 0; i < nFrames; i++ {
		p.frames = append(p.frames, frame.NewBuffer(samplesPerBuffer))
	}
	p.frameStartTS = make([]uint64, nFrames)
	return p
}

func (p *Path) SetPowerBalance(balance float64) {
	if balance <= 0 {
		balance = 1
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scaleI = minF(1, balance)
	p.scaleQ = minF(1, 1/balance)
}

func (p *Path) SetDistortion(t *DistortionTable) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.distortion = t
}

func (p *Path) SetPattern(pat Pattern, gain float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pattern = pat
	p.patternGain = gain
}

func (p *Path) SetSyncStateBridge(b *syncstate.Bridge) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.syncState = b
}

// SetWarnClampedPercent configures the clamped-sample percentage (spec
// §6.4 "warn_clamped") above which Send logs a warning.
func (p *Path) SetWarnClampedPercent(pct float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.warnClampedPercent = pct
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Send accepts caller IQ for timestamp ts and submits any full batches that
// accumulate, per spec §4.6. Returns the number of samples consumed.
func (p *Path) Send(ctx context.Context, ts uint64, iq []complex128, powerScale *float64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started && ts != p.runningTS {
		if time.Since(p.lastTSMismatchLog) > time.Second {
			p.log.Debugf("tx: timestamps don't match, got %d want %d, resetting buffer", ts, p.runningTS)
			p.lastTSMismatchLog = time.Now()
		}
		p.curFrame = 0
		p.curSample = 0
	}
	if p.curSample == 0 {
		p.frameStartTS[p.curFrame] = ts
	}
	p.runningTS = ts
	p.started = true

	scaleI := p.scaleI * float64(p.SampleMax)
	scaleQ := p.scaleQ * float64(p.SampleMax)
	if powerScale != nil {
		scaleI *= *powerScale
		scaleQ *= *powerScale
	}

	var clamped uint64
	n := len(iq)
	for k := 0; k < n; k++ {
		var sample complex128
		if p.pattern != nil {
			sample = p.pattern.Next() * complex(p.patternGain, 0)
		} else {
			sample = iq[k]
		}

		iRaw := real(sample) * scaleI
		qRaw := imag(sample) * scaleQ

		if p.distortion != nil {
			iRaw, qRaw = p.applyDistortion(iRaw, qRaw)
		}

		iVal, qVal := int32(iRaw), int32(qRaw)
		if iVal > p.SampleMax || iVal < -p.SampleMax || qVal > p.SampleMax || qVal < -p.SampleMax {
			clamped++
		}

		buf := p.frames[p.curFrame]
		buf.SetIQ(p.curSample, iVal, qVal)
		p.curSample++

		if p.curSample == p.SamplesPerBuffer {
			buf.SetHeader(frame.Header{Timestamp: p.frameStartTS[p.curFrame]})
			p.curSample = 0
			p.curFrame++

			p.checkSyncState(ctx)

			if p.curFrame == p.TXMinBuffers {
				if err := p.flush(ctx); err != nil {
					return k + 1, err
				}
			} else {
				p.frameStartTS[p.curFrame] = p.frameStartTS[p.curFrame-1] + uint64(p.SamplesPerBuffer)
			}
		}
	}

	p.stats.TotalSamples += uint64(n)
	p.stats.ClampedSamples += clamped
	if p.stats.TotalSamples > 0 && clamped > 0 {
		pct := float64(p.stats.ClampedSamples) / float64(p.stats.TotalSamples) * 100
		if pct > p.warnClampedPercent {
			p.log.Warnf("tx: %d samples clamped (%.1f%% of total)", clamped, pct)
		}
	}

	p.runningTS = ts + uint64(n)
	return n, nil
}

// checkSyncState implements spec §4.9: when the first partial buffer
// finishes, check for a pending sync-set-state request and, if present,
// apply it stamped at the realized timestamp.
func (p *Path) checkSyncState(ctx context.Context) {
	if p.syncState == nil {
		return
	}
	realizedTS := p.frameStartTS[0] + uint64(p.curFrame)*uint64(p.SamplesPerBuffer)
	p.syncState.MaybeApply(ctx, realizedTS)
}

// flush submits TXMinBuffers full frames as one bulk transfer, then resets
// to frame 0 so the (now empty) partial tail starts there, per spec §4.6
// step 6.
func (p *Path) flush(ctx context.Context) error {
	bufs := make([][]byte, p.curFrame)
	for i, f := range p.frames[:p.curFrame] {
		bufs[i] = f.Bytes()
	}
	if err := p.submit.SubmitTX(ctx, bufs, p.timeout); err != nil {
		return radioerr.Wrap(radioerr.HardwareIOError, "tx: bulk submit", err)
	}
	nextTS := p.frameStartTS[p.curFrame-1] + uint64(p.SamplesPerBuffer)
	p.curFrame = 0
	p.frameStartTS[0] = nextTS
	return nil
}

// applyDistortion looks up the complex correction for the instantaneous
// sample power, per spec §4.10d / §4.6 step 3: index a 4096-entry table by
// normalized power (xRe²+xIm²)>>10, representing 0..2.
func (p *Path) applyDistortion(iRaw, qRaw float64) (float64, float64) {
	norm := (iRaw*iRaw + qRaw*qRaw) / (float64(p.SampleMax) * float64(p.SampleMax))
	idx := int(norm / 2 * 4096)
	if idx < 0 {
		idx = 0
	}
	if idx > 4095 {
		idx = 4095
	}
	g := p.distortion[idx]
	if g == 0 {
		return iRaw, qRaw
	}
	corrected := complex(iRaw, qRaw) * g
	return real(corrected), imag(corrected)
}

// GetStats returns a copy of the running clamp/sample counters.
func (p *Path) GetStats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
