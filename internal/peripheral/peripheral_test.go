package peripheral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBus emulates the device side of the command-frame protocol: it
// decodes the same packed frame packFrame builds and answers reads/writes
// against an in-memory register file per DevID.
type fakeBus struct {
	regs map[DevID]map[byte]byte
	fail bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{regs: map[DevID]map[byte]byte{
		DevGPIO: {}, DevTransceiver: {}, DevDAC: {}, DevClockSynth: {},
	}}
}

func (b *fakeBus) decode(frame []byte) (dev DevID, write bool, addrs, values []byte) {
	b1 := frame[1]
	dev = DevID(b1 & 0x0f)
	write = b1&dirWrite != 0
	n := int((b1 >> 3) & 0x07)
	for i := 0; i < n; i++ {
		addrs = append(addrs, frame[2+2*i])
		values = append(values, frame[3+2*i])
	}
	return
}

func (b *fakeBus) CtrlWrite(_ context.Context, frame []byte, _ time.Duration) error {
	if b.fail {
		return assertError
	}
	dev, write, addrs, values := b.decode(frame)
	if !write {
		return nil
	}
	for i, a := range addrs {
		b.regs[dev][a] = values[i]
	}
	return nil
}

func (b *fakeBus) CtrlRead(_ context.Context, frame []byte, _ time.Duration) ([]byte, error) {
	if b.fail {
		return nil, assertError
	}
	dev, _, addrs, _ := b.decode(frame)
	out := make([]byte, len(addrs))
	for i, a := range addrs {
		out[i] = b.regs[dev][a]
	}
	return out, nil
}

var assertError = errors.New("fake bus failure")

func TestWriteReadByteRoundTrip(t *testing.T) {
	a := NewAccess(newFakeBus(), nil)
	require.NoError(t, a.WriteByte(context.Background(), DevTransceiver, 0x10, 0x42))
	v, err := a.ReadByte(context.Background(), DevTransceiver, 0x10)
	require.NoError(t, err)
	assert.Equal(t, byte(0x42), v)
}

func TestWriteReadSpanLongerThanOneFrame(t *testing.T) {
	a := NewAccess(newFakeBus(), nil)
	addrs := make([]byte, 12)
	values := make([]byte, 12)
	for i := range addrs {
		addrs[i] = byte(i)
		values[i] = byte(200 + i)
	}
	require.NoError(t, a.Write(context.Background(), DevGPIO, addrs, values))

	got, err := a.Read(context.Background(), DevGPIO, addrs)
	require.NoError(t, err)
	assert.Equal(t, values, got)
}

func TestSetClearChangeBits(t *testing.T) {
	a := NewAccess(newFakeBus(), nil)
	ctx := context.Background()
	require.NoError(t, a.WriteByte(ctx, DevDAC, 0x00, 0x00))

	require.NoError(t, a.SetBits(ctx, DevDAC, 0x00, 0x0f))
	v, err := a.ReadByte(ctx, DevDAC, 0x00)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0f), v)

	require.NoError(t, a.ClearBits(ctx, DevDAC, 0x00, 0x01))
	v, err = a.ReadByte(ctx, DevDAC, 0x00)
	require.NoError(t, err)
	assert.Equal(t, byte(0x0e), v)
}

func TestWriteAddrsValuesLengthMismatch(t *testing.T) {
	a := NewAccess(newFakeBus(), nil)
	err := a.Write(context.Background(), DevGPIO, []byte{1, 2}, []byte{1})
	require.Error(t, err)
}

func TestWriteErrorPropagatesAsHardwareIOError(t *testing.T) {
	bus := newFakeBus()
	bus.fail = true
	a := NewAccess(bus, nil)
	err := a.WriteByte(context.Background(), DevGPIO, 0, 1)
	require.Error(t, err)
}

type spyTracer struct {
	calls int
}

func (s *spyTracer) Trace(DevID, bool, byte, byte) { s.calls++ }

func TestTracerInvokedPerAddress(t *testing.T) {
	tracer := &spyTracer{}
	a := NewAccess(newFakeBus(), tracer)
	require.NoError(t, a.Write(context.Background(), DevGPIO, []byte{1, 2, 3}, []byte{1, 2, 3}))
	assert.Equal(t, 3, tracer.calls)
}
