// Package transceiver implements the named register-model operations over
// the on-board transceiver IC (spec §4.3): VGA gains, DC-offset registers,
// LPF bandwidth, PLL tuning, LNA/PA selection, loopback path switches.
package transceiver

import (
	"context"
	"math"

	"github.com/wk3x/hsdr/internal/peripheral"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Direction distinguishes TX and RX register sets.
type Direction int

const (
	TX Direction = iota
	RX
)

// LPFMode is the three user-visible low-pass-filter states.
type LPFMode int

const (
	LPFDisabled LPFMode = iota
	LPFBypass
	LPFNormal
)

// LoopbackMode enumerates the loopback paths spec §4.3 "loopback_path"
// selects among: none, 3 RF paths, 5 baseband paths.
type LoopbackMode int

const (
	LoopbackNone LoopbackMode = iota
	LoopbackRFLNA1
	LoopbackRFLNA2
	LoopbackRFLNA3
	LoopbackBBLPFToRXOut
	LoopbackBBLPFToVGA2
	LoopbackBBVGA1ToVGA2
	LoopbackBBLPFToLPF
	LoopbackBBVGA1ToLPF
)

// register addresses, named the way a datasheet-driven driver would.
const (
	regTXVGA1     = 0x0a
	regTXVGA2     = 0x0b
	regRXVGA1     = 0x0c
	regRXVGA2     = 0x0d
	regLPFMode    = 0x10
	regLPFBW      = 0x11
	regTXDCOffset = 0x14
	regRXDCOffset = 0x15
	regPLLNInt    = 0x20
	regPLLNFrac   = 0x21 // 3 bytes, 0x21-0x23
	regVTUNE      = 0x24
	regVCOCAP     = 0x25
	regLNASelect  = 0x30
	regLNAGain    = 0x31
	regPASelect   = 0x32
	regLoopback1  = 0x40
	regLoopback2  = 0x41
	regGPIOCorrPhase = 0x50
	regGPIOCorrGain  = 0x51
)

// gain ranges, spec §3 invariants.
var vgaRange = map[Direction]map[int][2]int{
	TX: {1: {-35, -4}, 2: {0, 25}},
	RX: {1: {5, 30}, 2: {0, 30}},
}

// bandwidths, ascending, spec §4.3 "16 fixed bandwidths".
var lpfBandwidthsHz = [16]float64{
	1_500_000, 1_750_000, 2_500_000, 2_750_000,
	3_000_000, 3_840_000, 5_000_000, 5_500_000,
	6_000_000, 7_000_000, 8_000_000, 9_000_000,
	10_000_000, 12_000_000, 14_000_000, 28_000_000,
}

// band table: low frequency bound (Hz) -> PLL prescaler index + low/high
// band flag used for PA/LNA selection, spec §4.3 "16-entry table".
type band struct {
	loHz, hiHz float64
	prescaler  int
	lowBand    bool
}

var bands = buildBandTable()

func buildBandTable() [16]band {
	var bt [16]band
	step := (3_800_000_000.0 - 232_500_000.0) / 16
	for i := range bt {
		lo := 232_500_000.0 + float64(i)*step
		hi := lo + step
		bt[i] = band{loHz: lo, hiHz: hi, prescaler: i % 4, lowBand: lo < 1_500_000_000}
	}
	return bt
}

func bandFor(hz float64) (band, int, bool) {
	for i, b := range bands {
		if hz >= b.loHz && hz < b.hiHz {
			return b, i, true
		}
	}
	return band{}, 0, false
}

const (
	vcoRefHz = 40_000_000.0 // fixed crystal reference, spec GLOSSARY "PLL N-integer/fractional"
)

// Chip is the register-model handle over one transceiver IC.
type Chip struct {
	access *peripheral.Access
	// TXGainCorrSoftware mirrors "tx_fpga_corr_gain_software": when true,
	// SetFPGACorr(TX, gain, ...) scales TX IQ in software instead of
	// writing the FPGA gain-correction register.
	TXGainCorrSoftware bool
	// txScaleOverride is the software gain-correction scalar applied by
	// txpath when TXGainCorrSoftware is set.
	txScaleOverride float64
	// vcoX caches the prescaler used by the last SetFrequency call per
	// direction, since the PLL N/frac words alone don't carry it.
	vcoX [2]float64
}

func New(access *peripheral.Access) *Chip {
	return &Chip{access: access, txScaleOverride: 1.0, vcoX: [2]float64{1, 1}}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// SetVGA sets the named VGA stage (1 or 2) on direction dir, clamping to
// the ranges in spec §3.
func (c *Chip) SetVGA(ctx context.Context, dir Direction, stage, value int) error {
	rng, ok := vgaRange[dir][stage]
	if !ok {
		return radioerr.New(radioerr.InvalidPort, "unknown VGA stage")
	}
	value = clamp(value, rng[0], rng[1])
	addr := vgaAddr(dir, stage)
	return c.access.WriteByte(ctx, peripheral.DevTransceiver, addr, byte(int8(value)))
}

func (c *Chip) GetVGA(ctx context.Context, dir Direction, stage int) (int, error) {
	addr := vgaAddr(dir, stage)
	v, err := c.access.ReadByte(ctx, peripheral.DevTransceiver, addr)
	if err != nil {
		return 0, err
	}
	return int(int8(v)), nil
}

func vgaAddr(dir Direction, stage int) byte {
	switch {
	case dir == TX && stage == 1:
		return regTXVGA1
	case dir == TX && stage == 2:
		return regTXVGA2
	case dir == RX && stage == 1:
		return regRXVGA1
	default:
		return regRXVGA2
	}
}

// SetLPF writes the 2-bit (enable, bypass) mode code for direction dir.
func (c *Chip) SetLPF(ctx context.Context, dir Direction, mode LPFMode) error {
	var bits byte
	switch mode {
	case LPFDisabled:
		bits = 0b00
	case LPFBypass:
		bits = 0b01
	case LPFNormal:
		bits = 0b11
	}
	shift := byte(0)
	if dir == RX {
		shift = 2
	}
	return c.access.ChangeBits(ctx, peripheral.DevTransceiver, regLPFMode, 0b11<<shift, bits<<shift)
}

func (c *Chip) GetLPF(ctx context.Context, dir Direction) (LPFMode, error) {
	v, err := c.access.ReadByte(ctx, peripheral.DevTransceiver, regLPFMode)
	if err != nil {
		return 0, err
	}
	shift := byte(0)
	if dir == RX {
		shift = 2
	}
	bits := (v >> shift) & 0b11
	switch bits {
	case 0b01:
		return LPFBypass, nil
	case 0b11:
		return LPFNormal, nil
	default:
		return LPFDisabled, nil
	}
}

// SetLPFBandwidth picks the closest of the 16 fixed bandwidths not below
// hz, writing its 4-bit code to direction dir's bandwidth register.
func (c *Chip) SetLPFBandwidth(ctx context.Context, dir Direction, hz float64) (float64, error) {
	idx := 0
	for i, bw := range lpfBandwidthsHz {
		idx = i
		if bw >= hz {
			break
		}
	}
	if err := c.access.WriteByte(ctx, peripheral.DevTransceiver, lpfBWAddr(dir), byte(idx)); err != nil {
		return 0, err
	}
	return lpfBandwidthsHz[idx], nil
}

func (c *Chip) GetLPFBandwidth(ctx context.Context, dir Direction) (float64, error) {
	v, err := c.access.ReadByte(ctx, peripheral.DevTransceiver, lpfBWAddr(dir))
	if err != nil {
		return 0, err
	}
	idx := clamp(int(v&0x0f), 0, 15)
	return lpfBandwidthsHz[idx], nil
}

func lpfBWAddr(dir Direction) byte {
	if dir == RX {
		return regLPFBW + 1
	}
	return regLPFBW
}

// EncodeDCOffset/DecodeDCOffset implement the direction-specific wire
// encodings of spec §3: TX is 8-bit biased unsigned over [-128,127]; RX is
// sign+magnitude in 7 bits (bit 7 unrelated to the value) over [-63,63].
func EncodeDCOffset(dir Direction, d int) byte {
	if dir == TX {
		d = clamp(d, -128, 127)
		return byte(int8(d))
	}
	d = clamp(d, -63, 63)
	mag := d
	sign := byte(0)
	if mag < 0 {
		sign = 0x40
		mag = -mag
	}
	return sign | byte(mag&0x3f)
}

func DecodeDCOffset(dir Direction, raw byte) int {
	if dir == TX {
		return int(int8(raw))
	}
	mag := int(raw & 0x3f)
	if raw&0x40 != 0 {
		return -mag
	}
	return mag
}

func (c *Chip) SetDCOffset(ctx context.Context, dir Direction, i, q int) error {
	addr := regTXDCOffset
	if dir == RX {
		addr = regRXDCOffset
	}
	return c.access.Write(ctx, peripheral.DevTransceiver,
		[]byte{byte(addr), byte(addr + 1)},
		[]byte{EncodeDCOffset(dir, i), EncodeDCOffset(dir, q)})
}

func (c *Chip) GetDCOffset(ctx context.Context, dir Direction) (i, q int, err error) {
	addr := byte(regTXDCOffset)
	if dir == RX {
		addr = regRXDCOffset
	}
	vals, err := c.access.Read(ctx, peripheral.DevTransceiver, []byte{addr, addr + 1})
	if err != nil {
		return 0, 0, err
	}
	return DecodeDCOffset(dir, vals[0]), DecodeDCOffset(dir, vals[1]), nil
}

// FPGACorrKind distinguishes phase vs gain correction.
type FPGACorrKind int

const (
	CorrPhase FPGACorrKind = iota
	CorrGain
)

// SetFPGACorr writes the FPGA phase/gain correction GPIO registers, per
// spec §4.3 "via GPIO registers at fixed addresses"; when dir is TX and
// kind is gain and TXGainCorrSoftware is set, it instead records a
// software scalar for txpath to apply.
func (c *Chip) SetFPGACorr(ctx context.Context, dir Direction, kind FPGACorrKind, value int) error {
	value = clamp(value, -4096, 4096)
	if dir == TX && kind == CorrGain && c.TXGainCorrSoftware {
		c.txScaleOverride = 1.0 + float64(value)/4096.0
		return nil
	}
	addr := byte(regGPIOCorrPhase)
	if kind == CorrGain {
		addr = regGPIOCorrGain
	}
	hi, lo := byte(value>>8), byte(value)
	return c.access.Write(ctx, peripheral.DevGPIO, []byte{addr, addr + 1}, []byte{hi, lo})
}

func (c *Chip) GetFPGACorr(ctx context.Context, dir Direction, kind FPGACorrKind) (int, error) {
	if dir == TX && kind == CorrGain && c.TXGainCorrSoftware {
		return int((c.txScaleOverride - 1.0) * 4096.0), nil
	}
	addr := byte(regGPIOCorrPhase)
	if kind == CorrGain {
		addr = regGPIOCorrGain
	}
	vals, err := c.access.Read(ctx, peripheral.DevGPIO, []byte{addr, addr + 1})
	if err != nil {
		return 0, err
	}
	v := int(int16(uint16(vals[0])<<8 | uint16(vals[1])))
	return clamp(v, -4096, 4096), nil
}

// TXSoftwareGainScale returns the scalar txpath should multiply TX IQ by
// when FPGA gain correction is implemented in software.
func (c *Chip) TXSoftwareGainScale() float64 { return c.txScaleOverride }

// SetFrequency picks a band, writes the PLL N/frac words, tunes VCOCAP and
// selects PA/LNA, per spec §4.3 and §4.3a.
func (c *Chip) SetFrequency(ctx context.Context, dir Direction, hz float64) error {
	if hz < 232_500_000 || hz > 3_800_000_000 {
		return radioerr.New(radioerr.OutOfRange, "frequency out of range")
	}
	b, _, ok := bandFor(hz)
	if !ok {
		return radioerr.New(radioerr.OutOfRange, "no band for frequency")
	}
	vcoX := float64(int(1) << uint(b.prescaler))
	c.vcoX[dir] = vcoX
	n := math.Floor(vcoX * hz / vcoRefHz)
	frac := math.Round(math.Pow(2, 23) * (vcoX*hz - n*vcoRefHz) / vcoRefHz)

	nInt := byte(int(n))
	fracBytes := []byte{
		byte(int(frac) >> 16),
		byte(int(frac) >> 8),
		byte(int(frac)),
	}
	addrBase := byte(regPLLNInt)
	if dir == RX {
		addrBase = regPLLNInt + 0x08
	}
	addrs := []byte{addrBase, addrBase + 1, addrBase + 2, addrBase + 3}
	vals := []byte{nInt, fracBytes[0], fracBytes[1], fracBytes[2]}
	if err := c.access.Write(ctx, peripheral.DevTransceiver, addrs, vals); err != nil {
		return err
	}

	if _, err := c.tuneVCOCAP(ctx); err != nil {
		return err
	}

	if b.lowBand {
		if dir == TX {
			return c.PASelect(ctx, PANone)
		}
		return c.LNASelect(ctx, LNA1)
	}
	if dir == TX {
		return c.PASelect(ctx, PAHighBand)
	}
	return c.LNASelect(ctx, LNA2)
}

func (c *Chip) GetFrequency(ctx context.Context, dir Direction) (float64, error) {
	addrBase := byte(regPLLNInt)
	if dir == RX {
		addrBase = regPLLNInt + 0x08
	}
	vals, err := c.access.Read(ctx, peripheral.DevTransceiver,
		[]byte{addrBase, addrBase + 1, addrBase + 2, addrBase + 3})
	if err != nil {
		return 0, err
	}
	n := float64(vals[0])
	frac := float64(int(vals[1])<<16 | int(vals[2])<<8 | int(vals[3]))
	vcoX := c.vcoX[dir]
	if vcoX == 0 {
		vcoX = 1
	}
	return (n + frac/math.Pow(2, 23)) * vcoRefHz / vcoX, nil
}

// vtuneState is the VTUNE readback, spec §4.3a.
type vtuneState int

const (
	vtuneLow vtuneState = iota
	vtuneNormal
	vtuneHigh
)

func (c *Chip) readVTUNE(ctx context.Context) (vtuneState, error) {
	v, err := c.access.ReadByte(ctx, peripheral.DevTransceiver, regVTUNE)
	if err != nil {
		return 0, err
	}
	switch v & 0b11 {
	case 0b01:
		return vtuneHigh, nil
	case 0b10:
		return vtuneLow, nil
	default:
		return vtuneNormal, nil
	}
}

func (c *Chip) writeVCOCAP(ctx context.Context, cap int) error {
	return c.access.WriteByte(ctx, peripheral.DevTransceiver, regVCOCAP, byte(cap&0x3f))
}

// tuneVCOCAP implements the §4.3a binary search + dual linear walk.
func (c *Chip) tuneVCOCAP(ctx context.Context) (int, error) {
	lo, hi := 0, 63
	cand := 32
	for i := 0; i < 6; i++ {
		if err := c.writeVCOCAP(ctx, cand); err != nil {
			return 0, err
		}
		vt, err := c.readVTUNE(ctx)
		if err != nil {
			return 0, err
		}
		if vt == vtuneNormal {
			break
		}
		if vt == vtuneHigh {
			lo = cand
		} else {
			hi = cand
		}
		cand = (lo + hi) / 2
	}
	center := cand
	lowerLimit := center
	for lowerLimit > 0 {
		if err := c.writeVCOCAP(ctx, lowerLimit-1); err != nil {
			return 0, err
		}
		vt, err := c.readVTUNE(ctx)
		if err != nil {
			return 0, err
		}
		if vt != vtuneNormal {
			break
		}
		lowerLimit--
	}
	upperLimit := center
	for upperLimit < 63 {
		if err := c.writeVCOCAP(ctx, upperLimit+1); err != nil {
			return 0, err
		}
		vt, err := c.readVTUNE(ctx)
		if err != nil {
			return 0, err
		}
		if vt != vtuneNormal {
			break
		}
		upperLimit++
	}
	mid := (lowerLimit + upperLimit) / 2
	if err := c.writeVCOCAP(ctx, mid); err != nil {
		return 0, err
	}
	vt, err := c.readVTUNE(ctx)
	if err != nil {
		return 0, err
	}
	if vt != vtuneNormal {
		return mid, radioerr.New(radioerr.Failure, "VCOCAP tuning did not converge")
	}
	return mid, nil
}

// LNASelect/LNAEnable/LNAGain, PASelect are simple register-backed
// selectors, spec §4.3.
type LNAPort int

const (
	LNA1 LNAPort = iota + 1
	LNA2
	LNA3
)

type PAPort int

const (
	PANone PAPort = iota
	PALowBand
	PAHighBand
)

func (c *Chip) LNASelect(ctx context.Context, port LNAPort) error {
	return c.access.WriteByte(ctx, peripheral.DevTransceiver, regLNASelect, byte(port))
}

func (c *Chip) LNAEnable(ctx context.Context, enable bool) error {
	if enable {
		return c.access.SetBits(ctx, peripheral.DevTransceiver, regLNASelect, 0x80)
	}
	return c.access.ClearBits(ctx, peripheral.DevTransceiver, regLNASelect, 0x80)
}

// LNAGainSet/Get use a 3-level gain: 0 (min), 1 (mid), 2 (max).
func (c *Chip) LNAGainSet(ctx context.Context, level int) error {
	level = clamp(level, 0, 2)
	return c.access.WriteByte(ctx, peripheral.DevTransceiver, regLNAGain, byte(level))
}

func (c *Chip) LNAGainGet(ctx context.Context) (int, error) {
	v, err := c.access.ReadByte(ctx, peripheral.DevTransceiver, regLNAGain)
	if err != nil {
		return 0, err
	}
	return clamp(int(v), 0, 2), nil
}

func (c *Chip) PASelect(ctx context.Context, port PAPort) error {
	return c.access.WriteByte(ctx, peripheral.DevTransceiver, regPASelect, byte(port))
}

// loopbackRegs maps each mode to the two-register bit patterns that route
// it, spec §4.3 "mutates two specific transceiver registers".
var loopbackRegs = map[LoopbackMode][2]byte{
	LoopbackNone:         {0x00, 0x00},
	LoopbackRFLNA1:       {0x01, 0x00},
	LoopbackRFLNA2:       {0x02, 0x00},
	LoopbackRFLNA3:       {0x03, 0x00},
	LoopbackBBLPFToRXOut: {0x00, 0x01},
	LoopbackBBLPFToVGA2:  {0x00, 0x02},
	LoopbackBBVGA1ToVGA2: {0x00, 0x03},
	LoopbackBBLPFToLPF:   {0x00, 0x04},
	LoopbackBBVGA1ToLPF:  {0x00, 0x05},
}

// LoopbackPath transitions to mode, always routing through LoopbackNone
// first (disabling PA/LNA) per spec §3 invariant "loopback transitions
// always go through none".
func (c *Chip) LoopbackPath(ctx context.Context, mode LoopbackMode) error {
	if mode != LoopbackNone {
		if err := c.applyLoopbackRegs(ctx, LoopbackNone); err != nil {
			return err
		}
		if err := c.PASelect(ctx, PANone); err != nil {
			return err
		}
		if err := c.LNAEnable(ctx, false); err != nil {
			return err
		}
	}
	return c.applyLoopbackRegs(ctx, mode)
}

func (c *Chip) applyLoopbackRegs(ctx context.Context, mode LoopbackMode) error {
	regs := loopbackRegs[mode]
	return c.access.Write(ctx, peripheral.DevTransceiver,
		[]byte{regLoopback1, regLoopback2}, []byte{regs[0], regs[1]})
}
