package device

import (
	"context"
	"math"
	"math/rand"
	"sync"

	"github.com/wk3x/hsdr/internal/txpath"
)

// circlePattern emits a unit-magnitude rotating tone, spec §4.10d's "unit
// circle tone" used both for the operator-selectable "circle" TX pattern
// (spec §6.5 txpattern) and internally to drive amplifier pre-distortion
// sweeps.
type circlePattern struct {
	mu    sync.Mutex
	phase float64
	step  float64
}

func newCirclePattern(cyclesPerSample float64) *circlePattern {
	return &circlePattern{step: 2 * math.Pi * cyclesPerSample}
}

func (p *circlePattern) Next() complex128 {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := complex(math.Cos(p.phase), math.Sin(p.phase))
	p.phase += p.step
	if p.phase > 2*math.Pi {
		p.phase -= 2 * math.Pi
	}
	return s
}

// noisePattern emits uniform random IQ in [-1,1], spec §6.5 txpattern
// alternative generator for exercising the clamp/energize path.
type noisePattern struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newNoisePattern() *noisePattern {
	return &noisePattern{rng: rand.New(rand.NewSource(1))}
}

func (p *noisePattern) Next() complex128 {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.rng.Float64()*2 - 1
	q := p.rng.Float64()*2 - 1
	return complex(i, q)
}

// lookupPattern resolves a spec §6.5 txpattern name to a generator, or
// (nil, true) for "off"/"" to disable pattern generation and return to
// caller-supplied IQ.
func lookupPattern(name string) (txpath.Pattern, bool) {
	switch name {
	case "", "off":
		return nil, true
	case "circle":
		return newCirclePattern(1.0 / 64), true
	case "noise":
		return newNoisePattern(), true
	default:
		return nil, false
	}
}

// toneEmitter implements calibration.TXEmitter over the device's TX path,
// emitting a circle tone at a scaled power for a predistortion sweep step
// (spec §4.10d). It owns a private timestamp counter since calibration
// holds pauseGate's write lock and so never races the streaming caller's
// own timestamps.
type toneEmitter struct {
	d  *Device
	ts uint64
}

func (e *toneEmitter) EmitToneAt(ctx context.Context, powerScale float64, n int) (uint64, error) {
	e.d.tx.SetPattern(newCirclePattern(1.0/64), 1.0)
	defer e.d.tx.SetPattern(nil, 0)

	ts := e.ts
	iq := make([]complex128, n)
	if _, err := e.d.tx.Send(ctx, ts, iq, &powerScale); err != nil {
		return 0, err
	}
	e.ts += uint64(n)
	return ts, nil
}
