package calibration

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// linearAmp simulates a perfectly linear amplifier: the RX capture always
// equals the last emitted tone exactly (gain 1, phase 0 at every power
// level), so the fitted gain/phase slopes should be ~0 and the resulting
// table should leave samples essentially unchanged.
type linearAmp struct {
	nextTS    uint64
	lastScale float64
}

func (a *linearAmp) EmitToneAt(_ context.Context, scale float64, _ int) (uint64, error) {
	a.lastScale = scale
	ts := a.nextTS
	a.nextTS++
	return ts, nil
}

func (a *linearAmp) Request(_ context.Context, buf []complex128, n int, _ uint64) (int, error) {
	for k := range buf {
		buf[k] = complex(a.lastScale, 0) * complex(math.Cos(2*math.Pi*float64(k)/float64(n)), math.Sin(2*math.Pi*float64(k)/float64(n)))
	}
	return n, nil
}

func TestRunPredistortionOnLinearAmpYieldsNearUnityTable(t *testing.T) {
	amp := &linearAmp{}
	e := NewEngine(nil, amp)
	table, steps, err := e.RunPredistortion(context.Background(), amp, 16, -10, 0, 2)
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	for i := 0; i < len(table); i += 512 {
		assert.InDelta(t, 1.0, real(table[i]), 1.0, "entry %d magnitude should stay near unity for a linear amp", i)
	}
}

func TestRunPredistortionRejectsNonPositiveStep(t *testing.T) {
	amp := &linearAmp{}
	e := NewEngine(nil, amp)
	_, _, err := e.RunPredistortion(context.Background(), amp, 16, -10, 0, 0)
	require.Error(t, err)
}
