// Package discipline implements the VCTCXO clock discipliner of spec §4.11:
// pair host time with the device's sample counter at low measurement
// delay, compute ppb drift, trim the VCTCXO DAC, and reschedule the next
// measurement from the configured required accuracy.
package discipline

import (
	"context"
	"time"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Pinner returns one (device sample counter, host wall-clock time) pair and
// the round-trip delay incurred obtaining it, spec §4.11 "samples+host_time".
type Pinner interface {
	SamplesAndHostTime(ctx context.Context) (samples uint64, hostTime time.Time, delay time.Duration, err error)
}

// DACWriter commits a new VCTCXO trim value, spec GLOSSARY "DAC trim",
// range [64, 192].
type DACWriter interface {
	WriteDAC(ctx context.Context, value float64) error
}

const (
	pinAttempts       = 20
	ppbPerUnit        = 92.77
	maxDACStepUnits   = 12
	dacMin, dacMax    = 64.0, 192.0
	defaultSystemAccuracyUS = 300
)

// pinning is one reference (samples, host time) point.
type pinning struct {
	samples  uint64
	hostTime time.Time
	delay    time.Duration
}

// State is one discipliner's mutable record, spec §3 "VCTCXO discipliner
// state".
type State struct {
	pinner Pinner
	dac    DACWriter
	log    hostif.LogSink
	notify func(freqOffset float64)

	ConfiguredRateHz float64
	AccuracyPPB      float64 // required accuracy
	SystemAccuracyUS float64
	BestDelay        time.Duration
	KnownDelay       time.Duration // baseline round-trip delay used by interval's schedule, distinct from BestDelay's pin-search cutoff
	MaxDelay         time.Duration // noise budget: measurements slower than this are discarded

	freqOffset    float64 // current DAC trim
	trimsLeft     int     // 0 = idle, -1 = run until disabled, >0 = counts down
	pendingDriftPPB *float64

	ref           *pinning
	nextMeasurement time.Time
	resumePoint     time.Time
	configVersion   int
	lastConfigVersion int
}

func New(pinner Pinner, dac DACWriter, log hostif.LogSink, notify func(freqOffset float64)) *State {
	return &State{
		pinner:           pinner,
		dac:              dac,
		log:              log,
		notify:           notify,
		AccuracyPPB:      50,
		SystemAccuracyUS: defaultSystemAccuracyUS,
		MaxDelay:         50 * time.Millisecond,
		freqOffset:       128,
	}
}

// Enable starts (or restarts) disciplining. trims < 0 means run until
// explicitly disabled.
func (s *State) Enable(trims int) {
	s.trimsLeft = trims
	s.Postpone(true)
}

func (s *State) Disable() {
	s.trimsLeft = 0
	s.ref = nil
}

// Postpone bumps resume_point, optionally dropping the current pinning,
// spec §4.11 "Activity is postponed ... on configuration changes, read-time
// failures, or explicit command".
func (s *State) Postpone(dropPinning bool) {
	s.resumePoint = time.Now().Add(time.Second)
	if dropPinning {
		s.ref = nil
	}
}

// NotifyConfigChanged marks the configuration as changed, which Cycle
// treats as a postponement trigger until OnConfigApplied is called.
func (s *State) NotifyConfigChanged() {
	s.configVersion++
	s.Postpone(true)
}

func (s *State) OnConfigApplied() {
	s.lastConfigVersion = s.configVersion
}

// ForceDrift supplies an operator-requested one-shot drift correction
// (ppb), applied on the next Cycle instead of a measured value, spec §4.11
// "A forced drift value can be supplied by an operator command".
func (s *State) ForceDrift(ppb float64) {
	s.pendingDriftPPB = &ppb
}

// Cycle runs one discipliner tick, spec §4.11 steps 1-3.
func (s *State) Cycle(ctx context.Context, now time.Time) error {
	if s.pendingDriftPPB != nil {
		return s.applyDrift(ctx, *s.pendingDriftPPB)
	}

	if s.trimsLeft == 0 {
		return nil
	}
	if s.configVersion != s.lastConfigVersion {
		return nil // postponed until the new configuration is applied
	}
	if now.Before(s.resumePoint) {
		return nil
	}

	if s.ref == nil {
		p, err := s.takePinning(ctx)
		if err != nil {
			s.Postpone(true)
			return err
		}
		s.ref = p
		s.nextMeasurement = p.hostTime.Add(s.interval(p.delay))
		return nil
	}

	if now.Before(s.nextMeasurement) {
		return nil
	}

	samples, hostTime, delay, err := s.pinner.SamplesAndHostTime(ctx)
	if err != nil {
		s.Postpone(true)
		return err
	}

	if s.MaxDelay > 0 && delay > s.MaxDelay {
		s.nextMeasurement = hostTime.Add(s.interval(delay))
		s.log.Debugf("discipline: measurement delay %s exceeds noise budget, rescheduling", delay)
		return nil
	}

	dt := hostTime.Sub(s.ref.hostTime).Seconds()
	if dt <= 0 {
		return radioerr.New(radioerr.Failure, "discipline: non-positive measurement interval")
	}
	dSamples := float64(samples - s.ref.samples)
	rate := dSamples / dt
	driftPPB := 1e9 * (rate/s.ConfiguredRateHz - 1)

	s.ref = &pinning{samples: samples, hostTime: hostTime, delay: delay}
	s.nextMeasurement = hostTime.Add(s.interval(delay))
	s.pendingDriftPPB = &driftPPB
	return nil
}

// takePinning implements spec §4.11 step 2's initial-pin search: up to 20
// attempts, keeping the pair with smallest delay below BestDelay, or
// failing that the smallest observed.
func (s *State) takePinning(ctx context.Context) (*pinning, error) {
	var best *pinning
	for i := 0; i < pinAttempts; i++ {
		samples, hostTime, delay, err := s.pinner.SamplesAndHostTime(ctx)
		if err != nil {
			continue
		}
		if s.BestDelay > 0 && delay < s.BestDelay {
			return &pinning{samples: samples, hostTime: hostTime, delay: delay}, nil
		}
		if best == nil || delay < best.delay {
			best = &pinning{samples: samples, hostTime: hostTime, delay: delay}
		}
	}
	if best == nil {
		return nil, radioerr.New(radioerr.HardwareIOError, "discipline: could not obtain a samples+host_time pinning")
	}
	return best, nil
}

// interval implements spec §4.11 step 3's next-measurement schedule.
func (s *State) interval(delay time.Duration) time.Duration {
	delayUS := float64(delay.Microseconds())
	knownUS := float64(s.KnownDelay.Microseconds())
	extra := 0.0
	if delayUS > knownUS {
		extra = (delayUS - knownUS) * 2
	}
	us := (s.SystemAccuracyUS + extra)
	secs := us * 1e-6 * 1e9 / s.AccuracyPPB // matches spec's 1e9/accuracy_ppb scaling
	return time.Duration(secs * float64(time.Second))
}

// applyDrift implements spec §4.11 step 1.
func (s *State) applyDrift(ctx context.Context, driftPPB float64) error {
	s.pendingDriftPPB = nil

	delta := driftPPB / ppbPerUnit
	if delta > maxDACStepUnits {
		delta = maxDACStepUnits
	}
	if delta < -maxDACStepUnits {
		delta = -maxDACStepUnits
	}

	newOffset := s.freqOffset - delta
	if newOffset < dacMin {
		newOffset = dacMin
	}
	if newOffset > dacMax {
		newOffset = dacMax
	}
	newOffset = float64(int(newOffset + 0.5)) // round to nearest integer DAC code

	if err := s.dac.WriteDAC(ctx, newOffset); err != nil {
		return radioerr.Wrap(radioerr.HardwareIOError, "discipline: DAC write", err)
	}
	s.freqOffset = newOffset
	if s.notify != nil {
		s.notify(newOffset)
	}
	if s.trimsLeft > 0 {
		s.trimsLeft--
	}
	return nil
}

// FreqOffset returns the discipliner's current DAC trim value.
func (s *State) FreqOffset() float64 { return s.freqOffset }

// SeedFreqOffset records value as the discipliner's current DAC trim
// without writing it to hardware, for Open-time initialization from a
// value (calibration cache, or its configured fallback) that already
// reflects the board's actual trim.
func (s *State) SeedFreqOffset(value float64) {
	if value < dacMin {
		value = dacMin
	}
	if value > dacMax {
		value = dacMax
	}
	s.freqOffset = value
}

// SetFreqOffset writes an absolute DAC trim value directly, bypassing the
// drift-based trim path, for the operator-issued "freqoffs" control
// message (spec §6.5) rather than a measured correction.
func (s *State) SetFreqOffset(ctx context.Context, value float64) error {
	if value < dacMin {
		value = dacMin
	}
	if value > dacMax {
		value = dacMax
	}
	if err := s.dac.WriteDAC(ctx, value); err != nil {
		return radioerr.Wrap(radioerr.HardwareIOError, "discipline: DAC write", err)
	}
	s.freqOffset = value
	if s.notify != nil {
		s.notify(value)
	}
	return nil
}
