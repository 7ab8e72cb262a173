package calibration

import (
	"context"
	"math"

	"github.com/wk3x/hsdr/internal/devstate"
	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/transceiver"
)

// Capturer is the capture-mailbox primitive baseband calibration needs from
// whichever I/O path it is correcting (spec §4.12 "any caller may request
// capture").
type Capturer interface {
	Request(ctx context.Context, buf []complex128, n int, ts uint64) (int, error)
}

// SampleOutOfRangeLimit is the bound on the absolute value of a captured
// sample's I or Q component above which the sample is considered invalid
// input (a clipping or overflow artifact), spec §4.10b
// step 6.
const SampleOutOfRangeLimit = 1.0

const maxToleratedBadCaptures = 3

// Point is one sweep measurement, kept for diagnostics/logging.
type Point struct {
	Value   int
	Cal     float64
	Test    float64
	Total   float64
	Ok      bool
	CalOK   bool
}

// BasebandResult is the outcome of one full baseband calibration run: the
// corrected TX DC offsets and FPGA IQ-imbalance correction values.
type BasebandResult struct {
	DCI, DCQ           int
	FPGAPhase, FPGAGain int
}

// Engine drives the calibration procedures of spec §4.10 against a
// transceiver backend and a capture source.
type Engine struct {
	Backend    devstate.Backend
	Capture    Capturer
	RXLatency  uint64 // sample-clock latency of the RX path, added to capture ts
	TXLatency  uint64 // additional latency for imbalance captures
	Loops      int    // default 2, spec §4.10b step 3
	BadReads   int    // running count of out-of-range captures this run
}

func NewEngine(backend devstate.Backend, capture Capturer) *Engine {
	return &Engine{Backend: backend, Capture: capture, Loops: 2}
}

// calTone generates a unit tone at omega; it builds both reference tones of
// spec §4.10b step 2, offset by π/2 (DC calibration) or π (imbalance
// calibration).
func calTone(n int, omega float64) []complex128 {
	out := make([]complex128, n)
	for k := range out {
		out[k] = complex(math.Cos(omega*float64(k)), math.Sin(omega*float64(k)))
	}
	return out
}

// correlate computes cal, test and total per spec §4.10b step 4.
func correlate(buf, calT, testT []complex128) (cal, test, total float64) {
	var sumCal, sumTest complex128
	for k, s := range buf {
		sumCal += calT[k] * complex(real(s), -imag(s))
		sumTest += testT[k] * complex(real(s), -imag(s))
		total += real(s)*real(s) + imag(s)*imag(s)
	}
	n := float64(len(buf))
	cal = (real(sumCal)*real(sumCal) + imag(sumCal)*imag(sumCal)) / n
	test = (real(sumTest)*real(sumTest) + imag(sumTest)*imag(sumTest)) / n
	return
}

// probeFunc measures cal/test/total for one trial value of the correction
// under sweep, via a sync capture at the stated timestamp.
type probeFunc func(ctx context.Context, value int) (Point, error)

// sweepAxis implements the coarse-to-fine binary sweep of spec §4.10b
// step 3: across `loops` passes, sweep the current range at `steps` evenly
// spaced points, keep the minimum accepted `cal`, then halve the range
// around the winner for the next pass.
func (e *Engine) sweepAxis(ctx context.Context, initRange, steps int, probe probeFunc) (best int, bestCal float64, err error) {
	rng := initRange
	best = 0
	bestCal = math.MaxFloat64
	found := false

	for pass := 0; pass < e.Loops; pass++ {
		if rng < 1 {
			rng = 1
		}
		for s := 0; s < steps; s++ {
			frac := float64(s)/float64(steps-1)*2 - 1 // -1..1
			value := best + int(frac*float64(rng))
			pt, perr := probe(ctx, value)
			if perr != nil {
				return best, bestCal, perr
			}
			if pt.Total > 0 && pt.Test/pt.Total > 0.5 && pt.Test/pt.Total <= 1.0 {
				if pt.Cal < bestCal {
					bestCal = pt.Cal
					best = value
					found = true
				}
			}
		}
		rng /= 2
	}
	if !found {
		return best, bestCal, radioerr.New(radioerr.NotCalibrated, "baseband cal: no accepted sweep point")
	}
	return best, bestCal, nil
}

// checkBuffer enforces spec §4.10b step 6: abort after too many out-of-range
// captures.
func (e *Engine) checkBuffer(buf []complex128) error {
	for _, s := range buf {
		if math.Abs(real(s)) > SampleOutOfRangeLimit || math.Abs(imag(s)) > SampleOutOfRangeLimit {
			e.BadReads++
			if e.BadReads > maxToleratedBadCaptures {
				return radioerr.New(radioerr.OutOfRange, "baseband cal: too many out-of-range captures")
			}
			return nil
		}
	}
	return nil
}

// RunLoopbackVerification implements spec §4.10c: before baseband
// calibration, sweep the configured loopback path, generate a test tone,
// capture nBuffers buffers, and verify each passes the 0.5·total < test
// bound, tolerating a few failures.
func (e *Engine) RunLoopbackVerification(ctx context.Context, mode transceiver.LoopbackMode, n, nBuffers int, omegaTest float64, startTS uint64) error {
	if err := e.Backend.SetLoopback(ctx, mode); err != nil {
		return err
	}
	testT := calTone(n, omegaTest)

	failures := 0
	for i := 0; i < nBuffers; i++ {
		buf := make([]complex128, n)
		ts := startTS + uint64(i*n) + e.RXLatency
		if _, err := e.Capture.Request(ctx, buf, n, ts); err != nil {
			return radioerr.Wrap(radioerr.HardwareIOError, "loopback verify: capture", err)
		}
		var total float64
		var sumTest complex128
		for k, s := range buf {
			total += real(s)*real(s) + imag(s)*imag(s)
			sumTest += testT[k] * complex(real(s), -imag(s))
		}
		test := (real(sumTest)*real(sumTest) + imag(sumTest)*imag(sumTest)) / float64(n)
		if !(0.5*total < test && test <= total) {
			failures++
			if failures > maxToleratedBadCaptures {
				return radioerr.New(radioerr.Failure, "loopback verify: test tone not detected")
			}
		}
	}
	return nil
}

// RunBasebandCal implements spec §4.10b: two DC rounds and two imbalance
// rounds. On return it sets the RX frequency back to backup.RX.FrequencyHz;
// no other part of backup is restored.
func (e *Engine) RunBasebandCal(ctx context.Context, txFreqHz, sampleRateHz float64, n int, startTS uint64, backup devstate.DevState) (BasebandResult, error) {
	rxOffset := sampleRateHz / 4
	rxState := devstate.DirState{
		FrequencyHz: txFreqHz - rxOffset, // DC leakage probe: negative offset
		SampleRateHz: maxF(sampleRateHz, 4_001_000),
	}
	if err := e.Backend.SetFrequency(ctx, transceiver.RX, rxState.FrequencyHz); err != nil {
		return BasebandResult{}, err
	}
	defer e.Backend.SetFrequency(ctx, transceiver.RX, backup.RX.FrequencyHz)

	const omegaCalDC = math.Pi / 2
	const omegaTestDC = 0
	const omegaCalImb = math.Pi
	const omegaTestImb = 0

	calT := calTone(n, omegaCalDC)
	testT := calTone(n, omegaTestDC)

	var result BasebandResult

	probeDC := func(axis int) probeFunc {
		return func(ctx context.Context, value int) (Point, error) {
			var i, q int
			if axis == 0 {
				i, q = value, result.DCQ
			} else {
				i, q = result.DCI, value
			}
			if err := e.Backend.SetDCOffset(ctx, transceiver.TX, i, q); err != nil {
				return Point{}, err
			}
			ts := startTS + e.RXLatency
			buf := make([]complex128, n)
			if _, err := e.Capture.Request(ctx, buf, n, ts); err != nil {
				return Point{}, err
			}
			if err := e.checkBuffer(buf); err != nil {
				return Point{}, err
			}
			cal, test, total := correlate(buf, calT, testT)
			return Point{Value: value, Cal: cal, Test: test, Total: total,
				Ok: total > 0 && test/total > 0.5 && test/total <= 1,
				CalOK: test > 0 && cal/test <= 0.001}, nil
		}
	}
	for round := 0; round < 2; round++ {
		bestI, _, err := e.sweepAxis(ctx, 128, 9, probeDC(0))
		if err != nil {
			return result, err
		}
		result.DCI = bestI
		bestQ, _, err := e.sweepAxis(ctx, 128, 9, probeDC(1))
		if err != nil {
			return result, err
		}
		result.DCQ = bestQ
	}
	if err := e.Backend.SetDCOffset(ctx, transceiver.TX, result.DCI, result.DCQ); err != nil {
		return result, err
	}

	calTImb := calTone(n, omegaCalImb)
	testTImb := calTone(n, omegaTestImb)
	probeImb := func(axis int) probeFunc {
		return func(ctx context.Context, value int) (Point, error) {
			var perr error
			if axis == 0 {
				perr = e.Backend.SetFPGACorrPhase(ctx, transceiver.TX, value)
			} else {
				perr = e.Backend.SetFPGACorrGain(ctx, transceiver.TX, value)
			}
			if perr != nil {
				return Point{}, perr
			}
			ts := startTS + e.RXLatency + e.TXLatency
			buf := make([]complex128, n)
			if _, err := e.Capture.Request(ctx, buf, n, ts); err != nil {
				return Point{}, err
			}
			if err := e.checkBuffer(buf); err != nil {
				return Point{}, err
			}
			cal, test, total := correlate(buf, calTImb, testTImb)
			return Point{Value: value, Cal: cal, Test: test, Total: total,
				Ok: total > 0 && test/total > 0.5 && test/total <= 1,
				CalOK: test > 0 && cal/test <= 0.001}, nil
		}
	}
	for round := 0; round < 2; round++ {
		bestPhase, _, err := e.sweepAxis(ctx, 4096, 9, probeImb(0))
		if err != nil {
			return result, err
		}
		result.FPGAPhase = bestPhase
		bestGain, _, err := e.sweepAxis(ctx, 4096, 9, probeImb(1))
		if err != nil {
			return result, err
		}
		result.FPGAGain = bestGain
	}
	if err := e.Backend.SetFPGACorrPhase(ctx, transceiver.TX, result.FPGAPhase); err != nil {
		return result, err
	}
	if err := e.Backend.SetFPGACorrGain(ctx, transceiver.TX, result.FPGAGain); err != nil {
		return result, err
	}

	return result, nil
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
