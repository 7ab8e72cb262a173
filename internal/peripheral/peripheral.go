// Package peripheral packs/unpacks the device's 16-byte command frame and
// exposes a uniform Peripheral interface over the four on-board devices
// (spec §4.2, §9 "deep polymorphic peripheral family").
package peripheral

import (
	"context"
	"time"

	"github.com/wk3x/hsdr/internal/radioerr"
)

// DevID identifies one of the four addressable peripherals.
type DevID byte

const (
	DevGPIO DevID = iota
	DevTransceiver
	DevDAC
	DevClockSynth
)

const (
	frameSize   = 16
	maxPerFrame = 7
	dirWrite    = 0x40
)

// Bus is the minimal control-transfer primitive the peripheral layer needs
// from the USB transport: one request/response round trip per command
// frame.
type Bus interface {
	// CtrlWrite issues the TX ctrl transfer carrying a command frame.
	CtrlWrite(ctx context.Context, frame []byte, timeout time.Duration) error
	// CtrlRead issues the TX ctrl transfer then reads back values on RX
	// ctrl, per spec: "read issues TX ctrl then RX ctrl".
	CtrlRead(ctx context.Context, frame []byte, timeout time.Duration) ([]byte, error)
}

// Tracer receives (addr, value) pairs for selective per-peripheral logging
// (spec §4.2 "per-peripheral tracing policy").
type Tracer interface {
	Trace(dev DevID, write bool, addr, value byte)
}

// NopTracer discards every trace call.
type NopTracer struct{}

func (NopTracer) Trace(DevID, bool, byte, byte) {}

// Access is the shared packed-frame peripheral accessor. All four
// concrete peripherals (GPIO, transceiver, DAC, clock synth) are built on
// top of one Access value, per spec's "pull the frame packer out as a
// stand-alone function".
type Access struct {
	Bus     Bus
	Tracer  Tracer
	Timeout time.Duration
}

func NewAccess(bus Bus, tracer Tracer) *Access {
	if tracer == nil {
		tracer = NopTracer{}
	}
	return &Access{Bus: bus, Tracer: tracer, Timeout: 500 * time.Millisecond}
}

// packFrame builds one 16-byte command frame for up to maxPerFrame
// (addr, value) pairs, per spec §4.2: byte0='N', byte1=dir|dev|count, then
// 7 address/value pairs, unused pairs zeroed.
func packFrame(dev DevID, write bool, addrs, values []byte) []byte {
	frame := make([]byte, frameSize)
	frame[0] = 'N'
	b1 := byte(dev) & 0x0f
	if write {
		b1 |= dirWrite
	}
	b1 |= byte(len(addrs)&0x07) << 3
	frame[1] = b1
	for i := range addrs {
		frame[2+2*i] = addrs[i]
		if write {
			frame[3+2*i] = values[i]
		}
	}
	return frame
}

func (a *Access) trace(dev DevID, write bool, addrs, values []byte) {
	for i, addr := range addrs {
		v := byte(0)
		if i < len(values) {
			v = values[i]
		}
		a.Tracer.Trace(dev, write, addr, v)
	}
}

// Write pushes len(addrs) (addr,value) pairs to dev, splitting spans
// longer than 7 items into full frames plus a remainder frame, addresses
// incrementing per item as spec §4.2 describes for "spans >7 items".
func (a *Access) Write(ctx context.Context, dev DevID, addrs, values []byte) error {
	if len(addrs) != len(values) {
		return radioerr.New(radioerr.MissingMandatoryIE, "peripheral write: addrs/values length mismatch")
	}
	for off := 0; off < len(addrs); off += maxPerFrame {
		end := off + maxPerFrame
		if end > len(addrs) {
			end = len(addrs)
		}
		frame := packFrame(dev, true, addrs[off:end], values[off:end])
		if err := a.Bus.CtrlWrite(ctx, frame, a.Timeout); err != nil {
			return radioerr.Wrap(radioerr.HardwareIOError, "peripheral write", err)
		}
		a.trace(dev, true, addrs[off:end], values[off:end])
	}
	return nil
}

// Read fetches len(addrs) values from dev.
func (a *Access) Read(ctx context.Context, dev DevID, addrs []byte) ([]byte, error) {
	out := make([]byte, 0, len(addrs))
	for off := 0; off < len(addrs); off += maxPerFrame {
		end := off + maxPerFrame
		if end > len(addrs) {
			end = len(addrs)
		}
		frame := packFrame(dev, false, addrs[off:end], nil)
		resp, err := a.Bus.CtrlRead(ctx, frame, a.Timeout)
		if err != nil {
			return nil, radioerr.Wrap(radioerr.HardwareIOError, "peripheral read", err)
		}
		n := end - off
		if len(resp) < n {
			return nil, radioerr.New(radioerr.HardwareIOError, "peripheral read: short response")
		}
		out = append(out, resp[:n]...)
		a.trace(dev, false, addrs[off:end], out[off:end])
	}
	return out, nil
}

// ReadByte/WriteByte are convenience single-address wrappers.
func (a *Access) ReadByte(ctx context.Context, dev DevID, addr byte) (byte, error) {
	v, err := a.Read(ctx, dev, []byte{addr})
	if err != nil {
		return 0, err
	}
	return v[0], nil
}

func (a *Access) WriteByte(ctx context.Context, dev DevID, addr, value byte) error {
	return a.Write(ctx, dev, []byte{addr}, []byte{value})
}

// SetBits, ClearBits and ChangeBits are the read-modify-write helpers spec
// §4.2 calls out for the transceiver (but usable against any peripheral).
func (a *Access) SetBits(ctx context.Context, dev DevID, addr, mask byte) error {
	return a.ChangeBits(ctx, dev, addr, 0, mask)
}

func (a *Access) ClearBits(ctx context.Context, dev DevID, addr, mask byte) error {
	return a.ChangeBits(ctx, dev, addr, mask, 0)
}

func (a *Access) ChangeBits(ctx context.Context, dev DevID, addr, resetMask, setMask byte) error {
	cur, err := a.ReadByte(ctx, dev, addr)
	if err != nil {
		return err
	}
	next := (cur &^ resetMask) | setMask
	if next == cur {
		return nil
	}
	return a.WriteByte(ctx, dev, addr, next)
}
