// Package devstate holds DevState (spec §3/§4.8): two DirStates plus global
// flags, three change bitmasks, and the reconciler's set_state operation.
package devstate

import (
	"context"

	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/transceiver"
)

// FieldBit is one bit of a change bitmask, per spec §4.8's enumeration.
type FieldBit uint32

const (
	FieldFrequency FieldBit = 1 << iota
	FieldVGA1
	FieldVGA2
	FieldLPFMode
	FieldLPFBandwidth
	FieldSampleRate
	FieldDCI
	FieldDCQ
	FieldFPGAPhase
	FieldFPGAGain
	FieldLoopback
	FieldRXDCAuto
	FieldTXPattern
	FieldTimestamp
	FieldPowerBalance
	// FieldAbortOnFail is a sentinel, not a hardware field: when set on
	// DevState.Changed, SetState aborts on the first apply failure
	// instead of recording it and continuing.
	FieldAbortOnFail
)

// DirState is one direction's (TX or RX) configuration, spec §3.
type DirState struct {
	RFEnabled      bool
	FrequencyHz    float64
	VGA1, VGA2     int
	LPFMode        transceiver.LPFMode
	LPFBandwidthHz float64
	DCOffsetI      int
	DCOffsetQ      int
	FPGACorrPhase  int
	FPGACorrGain   int
	PowerBalance   float64 // TX only; ignored for RX
	SampleRateHz   float64
	Timestamp      uint64 // 62-bit sample counter
}

// DevState is the full desired-state record the reconciler applies.
type DevState struct {
	TX, RX DirState

	LoopbackMode   transceiver.LoopbackMode
	LoopbackParams string
	TXPattern      string
	TXPatternGain  float64
	RXDCAuto       bool

	Changed   FieldBit
	TXChanged FieldBit
	RXChanged FieldBit
}

// Diff computes the bitmasks that must be pushed to move from prev to
// next, so repeated SetState(next) calls are idempotent (spec §8
// "Reconciler idempotence").
func Diff(prev, next DevState) DevState {
	out := next
	out.TXChanged = diffDir(prev.TX, next.TX)
	out.RXChanged = diffDir(prev.RX, next.RX)
	out.Changed = 0
	if prev.LoopbackMode != next.LoopbackMode {
		out.Changed |= FieldLoopback
	}
	if prev.RXDCAuto != next.RXDCAuto {
		out.Changed |= FieldRXDCAuto
	}
	if prev.TXPattern != next.TXPattern || prev.TXPatternGain != next.TXPatternGain {
		out.Changed |= FieldTXPattern
	}
	return out
}

func diffDir(a, b DirState) FieldBit {
	var m FieldBit
	if a.FrequencyHz != b.FrequencyHz {
		m |= FieldFrequency
	}
	if a.VGA1 != b.VGA1 {
		m |= FieldVGA1
	}
	if a.VGA2 != b.VGA2 {
		m |= FieldVGA2
	}
	if a.LPFMode != b.LPFMode {
		m |= FieldLPFMode
	}
	if a.LPFBandwidthHz != b.LPFBandwidthHz {
		m |= FieldLPFBandwidth
	}
	if a.SampleRateHz != b.SampleRateHz {
		m |= FieldSampleRate
	}
	if a.DCOffsetI != b.DCOffsetI {
		m |= FieldDCI
	}
	if a.DCOffsetQ != b.DCOffsetQ {
		m |= FieldDCQ
	}
	if a.FPGACorrPhase != b.FPGACorrPhase {
		m |= FieldFPGAPhase
	}
	if a.FPGACorrGain != b.FPGACorrGain {
		m |= FieldFPGAGain
	}
	if a.PowerBalance != b.PowerBalance {
		m |= FieldPowerBalance
	}
	if a.Timestamp != b.Timestamp {
		m |= FieldTimestamp
	}
	return m
}

// Backend is everything the reconciler needs from the hardware layer to
// apply one field. SampleRate is applied through SetSampleRate like the
// other fields; devstate passes the value through without validating it.
type Backend interface {
	SetFrequency(ctx context.Context, dir transceiver.Direction, hz float64) error
	SetVGA(ctx context.Context, dir transceiver.Direction, stage, value int) error
	SetLPFMode(ctx context.Context, dir transceiver.Direction, mode transceiver.LPFMode) error
	SetLPFBandwidth(ctx context.Context, dir transceiver.Direction, hz float64) (float64, error)
	SetSampleRate(ctx context.Context, dir transceiver.Direction, hz float64) error
	SetDCOffset(ctx context.Context, dir transceiver.Direction, i, q int) error
	SetFPGACorrPhase(ctx context.Context, dir transceiver.Direction, value int) error
	SetFPGACorrGain(ctx context.Context, dir transceiver.Direction, value int) error
	SetLoopback(ctx context.Context, mode transceiver.LoopbackMode) error
}

// perFieldOrder fixes the traversal order of per-direction bits: frequency
// before gains before filter before DC/FPGA correction, sample rate last
// (so a rate change that also requires retuning something else sees
// consistent state). Spec doesn't mandate an order beyond "per-direction
// then global"; this order is chosen so dependent fields (e.g. VCOCAP
// requiring a settled LO) apply in a sensible sequence.
var perFieldOrder = []FieldBit{
	FieldFrequency, FieldVGA1, FieldVGA2, FieldLPFMode, FieldLPFBandwidth,
	FieldDCI, FieldDCQ, FieldFPGAPhase, FieldFPGAGain, FieldSampleRate,
}

// SetState applies only the fields marked as changed in desired, honoring
// abort-on-fail (spec §4.8). It returns the first error encountered; when
// FieldAbortOnFail is not set, later fields are still attempted and only
// the first error is reported.
func SetState(ctx context.Context, backend Backend, desired *DevState) error {
	var firstErr error
	abort := desired.Changed&FieldAbortOnFail != 0

	applyDir := func(dir transceiver.Direction, mask *FieldBit, ds *DirState) bool {
		for _, bit := range perFieldOrder {
			if *mask&bit == 0 {
				continue
			}
			var err error
			switch bit {
			case FieldFrequency:
				err = backend.SetFrequency(ctx, dir, ds.FrequencyHz)
			case FieldVGA1:
				err = backend.SetVGA(ctx, dir, 1, ds.VGA1)
			case FieldVGA2:
				err = backend.SetVGA(ctx, dir, 2, ds.VGA2)
			case FieldLPFMode:
				err = backend.SetLPFMode(ctx, dir, ds.LPFMode)
			case FieldLPFBandwidth:
				_, err = backend.SetLPFBandwidth(ctx, dir, ds.LPFBandwidthHz)
			case FieldDCI, FieldDCQ:
				err = backend.SetDCOffset(ctx, dir, ds.DCOffsetI, ds.DCOffsetQ)
				*mask &^= FieldDCI | FieldDCQ
			case FieldFPGAPhase:
				err = backend.SetFPGACorrPhase(ctx, dir, ds.FPGACorrPhase)
			case FieldFPGAGain:
				err = backend.SetFPGACorrGain(ctx, dir, ds.FPGACorrGain)
			case FieldSampleRate:
				err = backend.SetSampleRate(ctx, dir, ds.SampleRateHz)
			}
			*mask &^= bit
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				if abort {
					return false
				}
			}
		}
		return true
	}

	if !applyDir(transceiver.TX, &desired.TXChanged, &desired.TX) {
		return firstErr
	}
	if !applyDir(transceiver.RX, &desired.RXChanged, &desired.RX) {
		return firstErr
	}

	for _, bit := range []FieldBit{FieldLoopback} {
		if desired.Changed&bit == 0 {
			continue
		}
		var err error
		switch bit {
		case FieldLoopback:
			err = backend.SetLoopback(ctx, desired.LoopbackMode)
		}
		desired.Changed &^= bit
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			if abort {
				return firstErr
			}
		}
	}
	// RXDCAuto and TXPattern are applied by the owning I/O paths directly
	// (rxpath/txpath), not through the transceiver Backend; the reconciler
	// only clears their bits here once the caller has copied the new
	// values out of DevState.
	desired.Changed &^= FieldRXDCAuto | FieldTXPattern

	leftover := desired.TXChanged | desired.RXChanged | (desired.Changed &^ FieldAbortOnFail)
	if leftover != 0 {
		return radioerr.New(radioerr.Failure, "set_state: unhandled change bits remained, driver bug")
	}
	return firstErr
}
