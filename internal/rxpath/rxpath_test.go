package rxpath

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wk3x/hsdr/internal/frame"
)

var errPullerExhausted = errors.New("scriptedPuller: no more frames")

type nullLog struct{}

func (nullLog) Debugf(string, ...any) {}
func (nullLog) Infof(string, ...any)  {}
func (nullLog) Warnf(string, ...any)  {}
func (nullLog) Errorf(string, ...any) {}

// scriptedPuller hands out a fixed sequence of frames (by timestamp) on each
// PullRX call, mirroring the teacher's table-driven fixture style.
type scriptedPuller struct {
	samplesPerBuffer int
	frames           []uint64 // timestamp of each scripted frame
	idx              int
}

func (s *scriptedPuller) PullRX(_ context.Context, buf []byte, _ time.Duration) (int, error) {
	if s.idx >= len(s.frames) {
		return 0, errPullerExhausted
	}
	fb := frame.NewBuffer(s.samplesPerBuffer)
	fb.SetHeader(frame.Header{Timestamp: s.frames[s.idx]})
	for i := 0; i < s.samplesPerBuffer; i++ {
		fb.SetIQ(i, int32(s.frames[s.idx]%4096)-2048, int32(s.idx))
	}
	copy(buf, fb.Bytes())
	s.idx++
	return len(buf), nil
}

func TestRecvExactMatch(t *testing.T) {
	const spb = 16
	puller := &scriptedPuller{samplesPerBuffer: spb, frames: []uint64{1000, 1016}}
	p := New(puller, spb, frame.SampleMax, nullLog{})

	out := make([]complex128, 32)
	n, err := p.Recv(context.Background(), 1000, out)
	require.NoError(t, err)
	assert.Equal(t, 32, n)
	assert.Equal(t, uint64(1032), p.runningTS)
}

func TestRecvForwardGapZeroFilled(t *testing.T) {
	const spb = 16
	// Second frame jumps ahead by 8 samples past where frame 1 ends.
	puller := &scriptedPuller{samplesPerBuffer: spb, frames: []uint64{2000, 2024}}
	p := New(puller, spb, frame.SampleMax, nullLog{})

	out := make([]complex128, 32)
	n, err := p.Recv(context.Background(), 2000, out)
	require.NoError(t, err)
	assert.Equal(t, 32, n)

	// Samples 16..23 (the gap) must be zero.
	for i := 16; i < 24; i++ {
		assert.Equal(t, complex(0, 0), out[i], "sample %d should be zero-padded", i)
	}
}

func TestRecvBehindWithinBufferDiscardsStaleHead(t *testing.T) {
	const spb = 16
	// Frame arrives 4 samples behind running_rx_ts; the first 4 samples of
	// that frame must be dropped, not double-counted.
	puller := &scriptedPuller{samplesPerBuffer: spb, frames: []uint64{996}}
	p := New(puller, spb, frame.SampleMax, nullLog{})

	out := make([]complex128, 12)
	n, err := p.Recv(context.Background(), 1000, out)
	require.NoError(t, err)
	assert.Equal(t, 12, n)
	assert.Equal(t, uint64(1012), p.runningTS)
}

func TestRecvTooFarInPastFailsOnFirstFrame(t *testing.T) {
	const spb = 16
	puller := &scriptedPuller{samplesPerBuffer: spb, frames: []uint64{0}}
	p := New(puller, spb, frame.SampleMax, nullLog{})
	p.SetPastThreshold(1, 1_000_000) // 1000-sample tolerance

	out := make([]complex128, 16)
	_, err := p.Recv(context.Background(), 100_000, out)
	require.Error(t, err)
}

func TestRecvShortReadOnErrorAfterSomeProgress(t *testing.T) {
	const spb = 16
	puller := &scriptedPuller{samplesPerBuffer: spb, frames: []uint64{5000}}
	p := New(puller, spb, frame.SampleMax, nullLog{})

	out := make([]complex128, 32) // wants 2 frames but only 1 is scripted
	n, err := p.Recv(context.Background(), 5000, out)
	require.NoError(t, err) // short read reported as partial success, not error
	assert.Equal(t, 16, n)
}

func TestAutocorrectDCStepsTowardZero(t *testing.T) {
	const spb = 8
	fake := &fakeDCBackend{}
	puller := &scriptedPuller{samplesPerBuffer: spb, frames: []uint64{0}}
	p := New(puller, spb, frame.SampleMax, nullLog{})
	p.SetDCAuto(true)
	p.SetDCBackend(fake)
	p.SetRXVGA2Gain(0)
	p.dcAvgI = 1000 // well past threshold

	p.autocorrectDC(context.Background(), []complex128{complex(0.5, 0)})
	assert.Equal(t, 1, fake.calls)
	assert.Equal(t, -1, fake.lastDI)
}

type fakeDCBackend struct {
	calls          int
	lastDI, lastDQ int
}

func (f *fakeDCBackend) StepDCOffset(_ context.Context, di, dq int) (int, int, error) {
	f.calls++
	f.lastDI, f.lastDQ = di, dq
	return 0, 0, nil
}
