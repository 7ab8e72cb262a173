// Package rxpath implements the RX streaming path of spec §4.7: pull bulk
// frames, validate/reconcile timestamps, convert 12-bit IQ to float,
// optional running DC-offset autocorrection (§4.7a).
package rxpath

import (
	"context"
	"sync"
	"time"

	"github.com/wk3x/hsdr/internal/capture"
	"github.com/wk3x/hsdr/internal/frame"
	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Puller is the USB bulk receive primitive rxpath needs.
type Puller interface {
	PullRX(ctx context.Context, buf []byte, timeout time.Duration) (n int, err error)
}

// DCBackend applies ±1 DC-offset register steps, per spec §4.7a.
type DCBackend interface {
	StepDCOffset(ctx context.Context, deltaI, deltaQ int) (i, q int, err error)
}

// AlterFunc optionally mutates a just-read frame before it is processed,
// supporting the scripted "alter data" test injections of spec §4.7 step 2.
type AlterFunc func(frameTS uint64, iq []complex128)

// Path is one RX streaming direction's state.
type Path struct {
	mu sync.Mutex

	SamplesPerBuffer int
	SampleMax        float64

	puller  Puller
	timeout time.Duration

	rawFrame *frame.Buffer

	runningTS       uint64
	started         bool
	resyncCandidate *uint64

	pastThresholdSamples uint64
	sampleRateHz         float64

	dcAuto     bool
	dcBackend  DCBackend
	dcAvgI     float64
	dcAvgQ     float64
	rxVGA2Gain int

	capture *capture.Mailbox
	alter   AlterFunc
	log     hostif.LogSink
}

func New(puller Puller, samplesPerBuffer int, sampleMax float64, log hostif.LogSink) *Path {
	return &Path{
		SamplesPerBuffer: samplesPerBuffer,
		SampleMax:        sampleMax,
		puller:           puller,
		timeout:          500 * time.Millisecond,
		rawFrame:         frame.NewBuffer(samplesPerBuffer),
		capture:          capture.NewMailbox(),
		log:              log,
	}
}

func (p *Path) SetDCAuto(enabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dcAuto = enabled
}

func (p *Path) SetDCBackend(b DCBackend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dcBackend = b
}

// SetManualDCOffset disables autocorrection the moment a caller manually
// sets a DC offset while auto is on; per spec §4.7a "disabling
// auto-correction is sticky".
func (p *Path) SetManualDCOffset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dcAuto = false
}

func (p *Path) SetRXVGA2Gain(gain int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rxVGA2Gain = gain
}

func (p *Path) SetPastThreshold(pastIntervalMS int, sampleRateHz float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sampleRateHz = sampleRateHz
	p.pastThresholdSamples = uint64(float64(pastIntervalMS) * sampleRateHz / 1000)
}

func (p *Path) Capture() *capture.Mailbox { return p.capture }

// Recv fills out with up to len(out) IQ samples starting at caller
// timestamp ts, per spec §4.7. It returns the number of samples written,
// which can be less than len(out) on a past-threshold short read.
func (p *Path) Recv(ctx context.Context, ts uint64, out []complex128) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		p.runningTS = ts
		p.started = true
	}

	produced := 0
	for produced < len(out) {
		n, err := p.puller.PullRX(ctx, p.rawFrame.Bytes(), p.timeout)
		if err != nil {
			if produced > 0 {
				return produced, nil
			}
			return 0, radioerr.Wrap(radioerr.HardwareIOError, "rx: bulk read", err)
		}
		if n < len(p.rawFrame.Bytes()) {
			if produced > 0 {
				return produced, nil
			}
			return 0, radioerr.New(radioerr.HardwareIOError, "rx: short bulk read")
		}

		hdr, err := p.rawFrame.Header()
		if err != nil {
			if produced > 0 {
				return produced, nil
			}
			return 0, err
		}

		iq := p.decodeFrame()
		p.autocorrectDC(ctx, iq)
		if p.alter != nil {
			p.alter(hdr.Timestamp, iq)
		}
		p.capture.Feed(hdr.Timestamp, iq)

		n2, done, err := p.reconcile(hdr.Timestamp, iq, out[produced:], produced == 0)
		produced += n2
		if err != nil {
			if produced > 0 {
				return produced, nil
			}
			return 0, err
		}
		if done {
			break
		}
	}
	return produced, nil
}

// decodeFrame converts the raw frame's signed 12-bit IQ to descaled
// complex128, per spec §4.7 step 1 "scale by 1/2048".
func (p *Path) decodeFrame() []complex128 {
	n := p.rawFrame.SamplesPerBuffer()
	out := make([]complex128, n)
	for i := 0; i < n; i++ {
		iVal, qVal := p.rawFrame.IQ(i)
		out[i] = complex(float64(iVal)/2048, float64(qVal)/2048)
	}
	return out
}

// reconcile applies the timestamp reconciliation of spec §4.7/§8 for one
// just-read frame (frameTS, frameIQ) against the caller's still-open
// output window out (already offset by what's been produced so far).
// firstCall indicates whether this is the first frame pulled during this
// Recv invocation, governing the "short read vs. fail" choice on a
// too-far-in-the-past frame.
func (p *Path) reconcile(frameTS uint64, frameIQ []complex128, out []complex128, firstCall bool) (written int, done bool, err error) {
	frameLen := uint64(len(frameIQ))

	switch {
	case frameTS == p.runningTS:
		// Exact match: copy directly.
	case frameTS > p.runningTS:
		gap := frameTS - p.runningTS
		if gap <= 1000 || (p.resyncCandidate != nil && *p.resyncCandidate == frameTS) {
			p.log.Infof("rx: accepting forward timestamp jump of %d samples", gap)
			p.resyncCandidate = nil
		} else {
			p.resyncCandidate = &frameTS
		}
		// Zero-pad the gap, capped by the remaining output space.
		padN := gap
		if padN > uint64(len(out)) {
			padN = uint64(len(out))
		}
		for i := uint64(0); i < padN; i++ {
			out[i] = 0
		}
		written += int(padN)
		p.runningTS += padN
		if written == len(out) {
			return written, true, nil
		}
		out = out[padN:]
		// Fall through: reached only when the whole gap fit in the output
		// window (otherwise the window is now full and we returned above),
		// so frameTS now equals p.runningTS.
	case frameTS < p.runningTS:
		behind := p.runningTS - frameTS
		if behind <= frameLen {
			// Within one buffer: the shared copy below skips the stale
			// head by aligning on p.runningTS.
		} else if p.pastThresholdSamples > 0 && behind > p.pastThresholdSamples {
			if !firstCall {
				return written, true, nil
			}
			return written, true, radioerr.New(radioerr.Failure, "rx: too much data in past")
		} else {
			// Behind by more than one buffer but within the tolerated
			// window: drop this whole frame and let the caller retry.
			return written, false, nil
		}
	}

	// Copy whatever remains of frameIQ against the caller's ts, aligning on
	// p.runningTS (skipping any stale head when frameTS < p.runningTS).
	startInFrame := uint64(0)
	if p.runningTS > frameTS {
		startInFrame = p.runningTS - frameTS
	}
	if startInFrame > uint64(len(frameIQ)) {
		startInFrame = uint64(len(frameIQ))
	}
	avail := frameIQ[startInFrame:]
	n := len(avail)
	if n > len(out) {
		n = len(out)
	}
	copy(out[:n], avail[:n])
	written += n
	p.runningTS += uint64(n)

	return written, false, nil
}

// autocorrectDC implements spec §4.7a: running mean, EMA with damping
// 1024, nudging the hardware offset register by ±1 toward zero DC when the
// average exceeds a threshold derived from RXVGA2 gain.
func (p *Path) autocorrectDC(ctx context.Context, iq []complex128) {
	if !p.dcAuto || p.dcBackend == nil || len(iq) == 0 {
		return
	}
	var sumI, sumQ float64
	for _, s := range iq {
		sumI += real(s)
		sumQ += imag(s)
	}
	meanI := sumI / float64(len(iq))
	meanQ := sumQ / float64(len(iq))

	const damping = 1024
	p.dcAvgI += (meanI*2048 - p.dcAvgI) / damping
	p.dcAvgQ += (meanQ*2048 - p.dcAvgQ) / damping

	threshold := 1.5*float64(p.rxVGA2Gain) + 10
	var di, dq int
	if p.dcAvgI > threshold {
		di = -1
	} else if p.dcAvgI < -threshold {
		di = 1
	}
	if p.dcAvgQ > threshold {
		dq = -1
	} else if p.dcAvgQ < -threshold {
		dq = 1
	}
	if di == 0 && dq == 0 {
		return
	}
	if _, _, err := p.dcBackend.StepDCOffset(ctx, di, dq); err != nil {
		p.log.Warnf("rx: DC autocorrection step failed: %v", err)
	}
}
