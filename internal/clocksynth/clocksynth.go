// Package clocksynth computes and writes the multi-synth register group
// that realizes a requested sample rate as a rational fraction of a fixed
// VCO (spec §4.4, GLOSSARY "multisynth").
package clocksynth

import (
	"context"

	"github.com/wk3x/hsdr/internal/peripheral"
	"github.com/wk3x/hsdr/internal/radioerr"
)

const (
	vcoHz       = 800_000_000.0
	maxFracTerm = (1 << 30) - 1
)

// Synth is one multisynth instance: {index, base_addr, a, b, c, r, enable,
// p1..p3, 10 packed regs}, spec §4.4.
type Synth struct {
	Index    int
	BaseAddr byte
	A, B, C  int64
	R        int // power of two divider, 1..32
	Enabled  bool

	access *peripheral.Access
}

func New(access *peripheral.Access, index int, baseAddr byte) *Synth {
	return &Synth{Index: index, BaseAddr: baseAddr, access: access}
}

// SetSampleRate realizes rateHz, per spec §4.4 steps 1-6.
func (s *Synth) SetSampleRate(ctx context.Context, rateHz float64) error {
	clockHz := rateHz * 2 // transceiver needs 2:1 clock:sample

	r := 1
	for clockHz*float64(r) < 5_000_000 {
		r *= 2
		if r > 32 {
			return radioerr.New(radioerr.OutOfRange, "clocksynth: cannot tune, rate too low")
		}
	}

	divTarget := vcoHz / (clockHz * float64(r))
	a, b, c := rationalize(divTarget)

	if a < 8 || a > 567 {
		return radioerr.New(radioerr.OutOfRange, "clocksynth: multisynth integer part out of range")
	}

	s.A, s.B, s.C, s.R = a, b, c, r

	p1 := 128*a + 128*b/c - 512
	p2 := (128 * b) % c
	p3 := c

	regs := packRegs(p1, p2, p3)

	addrs := make([]byte, 0, 11)
	vals := make([]byte, 0, 11)
	for i, v := range regs {
		addrs = append(addrs, s.BaseAddr+byte(i))
		vals = append(vals, v)
	}
	rPowerReg := byte(log2(r))<<2 | 0xc0
	addrs = append(addrs, s.BaseAddr+10)
	vals = append(vals, rPowerReg)

	if err := s.access.Write(ctx, peripheral.DevClockSynth, addrs, vals); err != nil {
		return err
	}
	s.Enabled = true
	return nil
}

// GetSampleRate reads the register group back and inverts the computation.
func (s *Synth) GetSampleRate(ctx context.Context) (float64, error) {
	addrs := make([]byte, 11)
	for i := range addrs {
		addrs[i] = s.BaseAddr + byte(i)
	}
	vals, err := s.access.Read(ctx, peripheral.DevClockSynth, addrs)
	if err != nil {
		return 0, err
	}
	p1, p2, p3 := unpackRegs(vals[:10])
	rPower := (vals[10] >> 2) & 0x1f
	r := int64(1) << rPower

	c := int64(p3)
	if c == 0 {
		c = 1
	}
	a := (p1 + 512) / 128
	b := ((p1+512)%128*c + p2) / 128

	divisor := float64(a) + float64(b)/float64(c)
	clockHz := vcoHz / (divisor * float64(r))
	return clockHz / 2, nil
}

// rationalize reduces target = a + b/c with Euclid's algorithm, halving
// both terms while either exceeds maxFracTerm (documented precision loss,
// spec §4.4 step 3).
func rationalize(target float64) (a, b, c int64) {
	a = int64(target)
	frac := target - float64(a)
	c = maxFracTerm
	b = int64(frac * float64(c))
	b, c = reduce(b, c)
	for b > maxFracTerm || c > maxFracTerm {
		b /= 2
		c /= 2
	}
	if c == 0 {
		c = 1
	}
	return a, b, c
}

func reduce(b, c int64) (int64, int64) {
	if b == 0 {
		return 0, 1
	}
	g := gcd(b, c)
	return b / g, c / g
}

func gcd(a, b int64) int64 {
	for b != 0 {
		a, b = b, a%b
	}
	if a == 0 {
		return 1
	}
	return a
}

func log2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}

// packRegs packs {p1,p2,p3} into the 10 little-endian-packed bytes of the
// datasheet layout, spec §4.4 step 5.
func packRegs(p1, p2, p3 int64) [10]byte {
	var r [10]byte
	r[0] = byte(p3 >> 8)
	r[1] = byte(p3)
	r[2] = byte(p1 >> 16 & 0x03)
	r[3] = byte(p1 >> 8)
	r[4] = byte(p1)
	r[5] = byte(p3>>16&0x0f)<<4 | byte(p2>>16&0x0f)
	r[6] = byte(p2 >> 8)
	r[7] = byte(p2)
	r[8] = 0
	r[9] = 0
	return r
}

func unpackRegs(r []byte) (p1, p2, p3 int64) {
	p3 = int64(r[0])<<8 | int64(r[1]) | int64(r[5]>>4&0x0f)<<16
	p1 = int64(r[2]&0x03)<<16 | int64(r[3])<<8 | int64(r[4])
	p2 = int64(r[5]&0x0f)<<16 | int64(r[6])<<8 | int64(r[7])
	return
}
