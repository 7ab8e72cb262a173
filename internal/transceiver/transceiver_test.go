package transceiver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/wk3x/hsdr/internal/peripheral"
)

// fakeBus is an in-memory register file plus a VTUNE model: it reports
// "normal" for any VCOCAP code within [vtuneLo,vtuneHi] and "high"/"low"
// outside it, so tuneVCOCAP's binary search has something to converge on.
type fakeBus struct {
	regs           map[byte]byte
	vtuneLo, vtuneHi int
}

func newFakeBus(lo, hi int) *fakeBus {
	return &fakeBus{regs: map[byte]byte{}, vtuneLo: lo, vtuneHi: hi}
}

func (b *fakeBus) decode(frame []byte) (write bool, addrs, values []byte) {
	b1 := frame[1]
	write = b1&0x40 != 0
	n := int((b1 >> 3) & 0x07)
	for i := 0; i < n; i++ {
		addrs = append(addrs, frame[2+2*i])
		values = append(values, frame[3+2*i])
	}
	return
}

func (b *fakeBus) CtrlWrite(_ context.Context, frame []byte, _ time.Duration) error {
	write, addrs, values := b.decode(frame)
	if !write {
		return nil
	}
	for i, a := range addrs {
		b.regs[a] = values[i]
		if a == regVCOCAP {
			cap := int(values[i] & 0x3f)
			switch {
			case cap < b.vtuneLo:
				b.regs[regVTUNE] = 0b01 // high
			case cap > b.vtuneHi:
				b.regs[regVTUNE] = 0b10 // low
			default:
				b.regs[regVTUNE] = 0b00 // normal
			}
		}
	}
	return nil
}

func (b *fakeBus) CtrlRead(_ context.Context, frame []byte, _ time.Duration) ([]byte, error) {
	_, addrs, _ := b.decode(frame)
	out := make([]byte, len(addrs))
	for i, a := range addrs {
		out[i] = b.regs[a]
	}
	return out, nil
}

func newTestChip(lo, hi int) *Chip {
	return New(peripheral.NewAccess(newFakeBus(lo, hi), nil))
}

func TestSetGetVGARoundTrip(t *testing.T) {
	c := newTestChip(0, 63)
	ctx := context.Background()
	require.NoError(t, c.SetVGA(ctx, TX, 1, -10))
	v, err := c.GetVGA(ctx, TX, 1)
	require.NoError(t, err)
	assert.Equal(t, -10, v)

	require.NoError(t, c.SetVGA(ctx, RX, 2, 15))
	v, err = c.GetVGA(ctx, RX, 2)
	require.NoError(t, err)
	assert.Equal(t, 15, v)
}

func TestSetVGAClampsToRange(t *testing.T) {
	c := newTestChip(0, 63)
	ctx := context.Background()
	require.NoError(t, c.SetVGA(ctx, RX, 2, 1000))
	v, err := c.GetVGA(ctx, RX, 2)
	require.NoError(t, err)
	assert.Equal(t, 30, v)
}

func TestSetGetLPFRoundTrip(t *testing.T) {
	c := newTestChip(0, 63)
	ctx := context.Background()
	require.NoError(t, c.SetLPF(ctx, TX, LPFBypass))
	require.NoError(t, c.SetLPF(ctx, RX, LPFNormal))

	mode, err := c.GetLPF(ctx, TX)
	require.NoError(t, err)
	assert.Equal(t, LPFBypass, mode)

	mode, err = c.GetLPF(ctx, RX)
	require.NoError(t, err)
	assert.Equal(t, LPFNormal, mode)
}

func TestDCOffsetEncodeDecodeRoundTripTX(t *testing.T) {
	for _, v := range []int{-128, -1, 0, 1, 127} {
		raw := EncodeDCOffset(TX, v)
		assert.Equal(t, v, DecodeDCOffset(TX, raw))
	}
}

func TestDCOffsetEncodeDecodeRoundTripRX(t *testing.T) {
	for _, v := range []int{-63, -1, 0, 1, 63} {
		raw := EncodeDCOffset(RX, v)
		assert.Equal(t, v, DecodeDCOffset(RX, raw))
	}
}

// TestDCOffsetRoundTripProperty is spec §8's DC-offset round-trip property.
func TestDCOffsetRoundTripProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		dir := TX
		if rapid.Bool().Draw(rt, "rx") {
			dir = RX
		}
		lo, hi := -128, 127
		if dir == RX {
			lo, hi = -63, 63
		}
		v := rapid.IntRange(lo, hi).Draw(rt, "v")
		raw := EncodeDCOffset(dir, v)
		assert.Equal(rt, v, DecodeDCOffset(dir, raw))
	})
}

func TestSetGetDCOffsetThroughChip(t *testing.T) {
	c := newTestChip(0, 63)
	ctx := context.Background()
	require.NoError(t, c.SetDCOffset(ctx, TX, 10, -20))
	i, q, err := c.GetDCOffset(ctx, TX)
	require.NoError(t, err)
	assert.Equal(t, 10, i)
	assert.Equal(t, -20, q)
}

func TestSetFPGACorrGainSoftwareOverrideSkipsRegisterWrite(t *testing.T) {
	c := newTestChip(0, 63)
	c.TXGainCorrSoftware = true
	ctx := context.Background()
	require.NoError(t, c.SetFPGACorr(ctx, TX, CorrGain, 2048))
	assert.InDelta(t, 1.5, c.TXSoftwareGainScale(), 1e-9)
}

func TestTuneVCOCAPConvergesWithinBounds(t *testing.T) {
	c := newTestChip(20, 25)
	cap, err := c.tuneVCOCAP(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cap, 0)
	assert.LessOrEqual(t, cap, 63)
}

// TestTuneVCOCAPTerminationBoundProperty is spec §8's VCOCAP termination
// bound property: for any normal-range window within [0,63], tuneVCOCAP
// always returns a code inside [0,63] and never loops unboundedly (the
// fake bus has no iteration cap of its own, so a hang here would block
// the test until the suite's own timeout).
func TestTuneVCOCAPTerminationBoundProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		lo := rapid.IntRange(0, 60).Draw(rt, "lo")
		hi := rapid.IntRange(lo, 63).Draw(rt, "hi")
		c := newTestChip(lo, hi)
		cap, err := c.tuneVCOCAP(context.Background())
		require.NoError(rt, err)
		assert.GreaterOrEqual(rt, cap, 0)
		assert.LessOrEqual(rt, cap, 63)
		assert.GreaterOrEqual(rt, cap, lo)
		assert.LessOrEqual(rt, cap, hi)
	})
}
