package calibration

import (
	"context"
	"math"
	"math/cmplx"

	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/txpath"
)

// TXEmitter is the TX-side primitive amplifier pre-distortion needs: emit a
// unit "circle" tone at the given power scale and report the timestamp the
// first sample landed at, so the matching capture can be requested.
type TXEmitter interface {
	EmitToneAt(ctx context.Context, powerScale float64, n int) (ts uint64, err error)
}

// PredistortionStep is one power-sweep measurement, kept for diagnostics.
type PredistortionStep struct {
	PowerDB float64
	Gain    complex128
}

// RunPredistortion implements spec §4.10d: sweep TX power from startDB to
// stopDB in stepDB steps emitting a unit circle tone, capture RX, compute
// per-step mean complex gain, fit the gain/phase expansion breakpoints, and
// build the 4096-entry pre-distortion table.
func (e *Engine) RunPredistortion(ctx context.Context, emitter TXEmitter, n int, startDB, stopDB, stepDB float64) (*txpath.DistortionTable, []PredistortionStep, error) {
	if stepDB <= 0 {
		return nil, nil, radioerr.New(radioerr.MissingMandatoryIE, "predistortion: stepDB must be positive")
	}

	var steps []PredistortionStep
	for db := startDB; db <= stopDB+1e-9; db += stepDB {
		scale := math.Pow(10, db/20)
		ts, err := emitter.EmitToneAt(ctx, scale, n)
		if err != nil {
			return nil, steps, radioerr.Wrap(radioerr.HardwareIOError, "predistortion: emit tone", err)
		}
		rxBuf := make([]complex128, n)
		if _, err := e.Capture.Request(ctx, rxBuf, n, ts+e.RXLatency); err != nil {
			return nil, steps, radioerr.Wrap(radioerr.HardwareIOError, "predistortion: capture", err)
		}
		gain := meanComplexGain(rxBuf, scale, n)
		steps = append(steps, PredistortionStep{PowerDB: db, Gain: gain})
	}
	if len(steps) < 2 {
		return nil, steps, radioerr.New(radioerr.Failure, "predistortion: sweep produced too few points")
	}

	gainBreak, gainSlope := fitGainExpansion(steps)
	phaseBreak, phaseSlope := fitPhaseExpansion(steps)

	return buildTable(gainBreak, gainSlope, phaseBreak, phaseSlope), steps, nil
}

// meanComplexGain computes mean(rx/tx) for a circle tone of constant unit
// magnitude scaled by scale, per spec §4.10d.
func meanComplexGain(rx []complex128, scale float64, n int) complex128 {
	var sum complex128
	for k, s := range rx {
		tx := complex(math.Cos(2*math.Pi*float64(k)/float64(n)), math.Sin(2*math.Pi*float64(k)/float64(n))) * complex(scale, 0)
		if cmplx.Abs(tx) == 0 {
			continue
		}
		sum += s / tx
	}
	return sum / complex(float64(len(rx)), 0)
}

// fitGainExpansion derives (breakpoint, slope) from the first and last
// sweep steps, per spec §4.10d: the breakpoint is the first step's power
// and the slope is the change in gain magnitude per dB between the two.
func fitGainExpansion(steps []PredistortionStep) (breakpoint, slope float64) {
	last := steps[len(steps)-1]
	first := steps[0]
	gLast := cmplx.Abs(last.Gain)
	gFirst := cmplx.Abs(first.Gain)
	breakpoint = first.PowerDB
	denom := last.PowerDB - first.PowerDB
	if denom == 0 {
		return breakpoint, 0
	}
	slope = (gLast - gFirst) / denom
	return breakpoint, slope
}

// fitPhaseExpansion derives (breakpoint, slope) from the phase of the last
// two sweep points, per spec §4.10d.
func fitPhaseExpansion(steps []PredistortionStep) (breakpoint, slope float64) {
	n := len(steps)
	last := steps[n-1]
	prev := steps[n-2]
	pLast := cmplx.Phase(last.Gain)
	pPrev := cmplx.Phase(prev.Gain)
	breakpoint = prev.PowerDB
	denom := last.PowerDB - prev.PowerDB
	if denom == 0 {
		return breakpoint, 0
	}
	slope = (pLast - pPrev) / denom
	return breakpoint, slope
}

// BuildDistortionTable is the exported form of buildTable, letting a
// caller (internal/device, servicing the "gainexp"/"phaseexp" control
// messages) rebuild the table directly from operator-supplied breakpoint
// and slope values instead of running a full predistortion sweep.
func BuildDistortionTable(gainBreak, gainSlope, phaseBreak, phaseSlope float64) *txpath.DistortionTable {
	return buildTable(gainBreak, gainSlope, phaseBreak, phaseSlope)
}

// buildTable constructs the 4096-entry complex correction table keyed by
// normalized instantaneous power (spec §4.10d, §4.6 step 3's "0..2"
// normalization), inverting the fitted gain/phase expansion so that
// multiplying a raw sample by the table entry pre-compensates the
// amplifier's AM/AM and AM/PM distortion.
func buildTable(gainBreak, gainSlope, phaseBreak, phaseSlope float64) *txpath.DistortionTable {
	var t txpath.DistortionTable
	for i := range t {
		norm := float64(i) / 4096 * 2 // 0..2
		db := 10 * math.Log10(norm+1e-9)

		gainDev := gainSlope * (db - gainBreak)
		phaseDev := phaseSlope * (db - phaseBreak)

		mag := 1.0 / (1.0 + gainDev)
		if mag < 0.25 {
			mag = 0.25
		}
		if mag > 4 {
			mag = 4
		}
		t[i] = complex(mag*math.Cos(-phaseDev), mag*math.Sin(-phaseDev))
	}
	return &t
}
