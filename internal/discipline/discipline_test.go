package discipline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nullLog struct{}

func (nullLog) Debugf(string, ...any) {}
func (nullLog) Infof(string, ...any)  {}
func (nullLog) Warnf(string, ...any)  {}
func (nullLog) Errorf(string, ...any) {}

type driftingPinner struct {
	t0      time.Time
	samples uint64
	ratePerSec float64
	delay   time.Duration
}

func (p *driftingPinner) SamplesAndHostTime(_ context.Context) (uint64, time.Time, time.Duration, error) {
	return p.samples, p.t0, p.delay, nil
}

type fakeDAC struct {
	lastValue float64
	calls     int
}

func (d *fakeDAC) WriteDAC(_ context.Context, value float64) error {
	d.lastValue = value
	d.calls++
	return nil
}

// TestDisciplineScenarioAppliesClampedRoundedDAC reproduces spec §8
// scenario 5: a +30 ppb drift against a 1 MHz configured rate nudges the
// DAC from 128 down by roughly 30/92.77 units.
func TestDisciplineScenarioAppliesClampedRoundedDAC(t *testing.T) {
	dac := &fakeDAC{}
	s := New(&driftingPinner{}, dac, nullLog{}, nil)
	s.ConfiguredRateHz = 1_000_000
	s.freqOffset = 128
	s.trimsLeft = 5
	s.ForceDrift(30)

	err := s.Cycle(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, dac.calls)
	assert.InDelta(t, 128, dac.lastValue, 1)
	assert.Equal(t, 4, s.trimsLeft)
}

func TestDisciplineIdleWhenTrimsLeftZero(t *testing.T) {
	dac := &fakeDAC{}
	s := New(&driftingPinner{}, dac, nullLog{}, nil)
	s.trimsLeft = 0

	err := s.Cycle(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Zero(t, dac.calls)
}

func TestDisciplineTakesInitialPinningThenMeasuresDrift(t *testing.T) {
	t0 := time.Now()
	pinner := &driftingPinner{t0: t0, samples: 1_000_000, delay: time.Microsecond}
	dac := &fakeDAC{}
	var notifiedOffset float64
	s := New(pinner, dac, nullLog{}, func(f float64) { notifiedOffset = f })
	s.ConfiguredRateHz = 1_000_000
	s.BestDelay = 10 * time.Microsecond
	s.trimsLeft = -1

	// First cycle: no reference yet, takes an initial pinning.
	require.NoError(t, s.Cycle(context.Background(), t0))
	require.NotNil(t, s.ref)
	assert.Equal(t, uint64(1_000_000), s.ref.samples)

	// Advance the mock clock and counter by exactly the configured rate
	// (no drift) and force past the next-measurement deadline.
	pinner.t0 = t0.Add(time.Second)
	pinner.samples = 1_000_000 + 1_000_000
	s.nextMeasurement = t0 // force the measurement to be due

	require.NoError(t, s.Cycle(context.Background(), pinner.t0))
	require.NotNil(t, s.pendingDriftPPB)
	assert.InDelta(t, 0, *s.pendingDriftPPB, 1e-6)

	// Next cycle applies the (zero) drift and notifies.
	require.NoError(t, s.Cycle(context.Background(), pinner.t0))
	assert.Equal(t, 1, dac.calls)
	assert.Equal(t, dac.lastValue, notifiedOffset)
}

func TestDisciplinePostponeDropsReference(t *testing.T) {
	s := New(&driftingPinner{}, &fakeDAC{}, nullLog{}, nil)
	s.ref = &pinning{samples: 1, hostTime: time.Now()}
	s.Postpone(true)
	assert.Nil(t, s.ref)
}

// TestIntervalUsesKnownDelayNotBestDelay guards spec §6.3 step 3's formula:
// interval's "extra" term must be measured against KnownDelay (the
// configured baseline round-trip delay), not BestDelay (the unrelated
// pin-search cutoff used elsewhere).
func TestIntervalUsesKnownDelayNotBestDelay(t *testing.T) {
	s := New(&driftingPinner{}, &fakeDAC{}, nullLog{}, nil)
	s.AccuracyPPB = 50
	s.SystemAccuracyUS = 300
	s.BestDelay = 1000 * time.Microsecond
	s.KnownDelay = 500 * time.Microsecond

	// delay sits between KnownDelay and BestDelay: if interval mistakenly
	// used BestDelay as the baseline, extra would be zero and this would
	// equal the no-extra case tested below.
	got := s.interval(800 * time.Microsecond)
	wantUS := 300.0 + (800.0-500.0)*2
	want := time.Duration(wantUS * 1e-6 * 1e9 / s.AccuracyPPB * float64(time.Second))
	assert.Equal(t, want, got)

	// delay below KnownDelay: no extra term.
	gotNoExtra := s.interval(400 * time.Microsecond)
	noExtraUS := 300.0
	wantNoExtra := time.Duration(noExtraUS * 1e-6 * 1e9 / s.AccuracyPPB * float64(time.Second))
	assert.Equal(t, wantNoExtra, gotNoExtra)
}
