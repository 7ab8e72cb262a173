package txpath

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSubmitter struct {
	calls [][][]byte
	err   error
}

func (f *fakeSubmitter) SubmitTX(ctx context.Context, buffers [][]byte, timeout time.Duration) error {
	cp := make([][]byte, len(buffers))
	for i, b := range buffers {
		dup := make([]byte, len(b))
		copy(dup, b)
		cp[i] = dup
	}
	f.calls = append(f.calls, cp)
	return f.err
}

type fakeLog struct {
	warns []string
}

func (f *fakeLog) Debugf(format string, args ...any) {}
func (f *fakeLog) Infof(format string, args ...any)  {}
func (f *fakeLog) Warnf(format string, args ...any) {
	f.warns = append(f.warns, format)
}
func (f *fakeLog) Errorf(format string, args ...any) {}

func TestSendFlushesOnceMinBuffersFill(t *testing.T) {
	sub := &fakeSubmitter{}
	log := &fakeLog{}
	p := New(sub, 4, 2, 4, 2047, log)

	iq := make([]complex128, 8)
	for i := range iq {
		iq[i] = complex(0.1, -0.1)
	}
	n, err := p.Send(context.Background(), 0, iq, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, n)
	require.Len(t, sub.calls, 1)
	assert.Len(t, sub.calls[0], 2)
}

func TestSendResetsBufferOnTimestampMismatch(t *testing.T) {
	sub := &fakeSubmitter{}
	log := &fakeLog{}
	p := New(sub, 4, 2, 4, 2047, log)

	iq := []complex128{1, 1}
	_, err := p.Send(context.Background(), 0, iq, nil)
	require.NoError(t, err)

	_, err = p.Send(context.Background(), 999, []complex128{1, 1}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, p.curFrame)
}

func TestSendClampsOutOfRangeSamples(t *testing.T) {
	sub := &fakeSubmitter{}
	log := &fakeLog{}
	p := New(sub, 4, 2, 4, 2047, log)
	p.SetWarnClampedPercent(0)

	iq := []complex128{complex(2, 2), complex(2, 2)}
	_, err := p.Send(context.Background(), 0, iq, nil)
	require.NoError(t, err)

	stats := p.GetStats()
	assert.Equal(t, uint64(2), stats.ClampedSamples)
	require.NotEmpty(t, log.warns)
}

func TestSendSkipsWarnBelowThreshold(t *testing.T) {
	sub := &fakeSubmitter{}
	log := &fakeLog{}
	p := New(sub, 16, 2, 4, 2047, log)
	p.SetWarnClampedPercent(50)

	iq := []complex128{complex(2, 2), complex(0.01, 0.01)}
	_, err := p.Send(context.Background(), 0, iq, nil)
	require.NoError(t, err)
	assert.Empty(t, log.warns)
}

func TestSetPowerBalanceClampsBothScalesToUnity(t *testing.T) {
	p := New(&fakeSubmitter{}, 4, 2, 4, 2047, &fakeLog{})
	p.SetPowerBalance(2)
	assert.LessOrEqual(t, p.scaleI, 1.0)
	assert.LessOrEqual(t, p.scaleQ, 1.0)
}

func TestSetPowerBalanceNonPositiveResetsToUnity(t *testing.T) {
	p := New(&fakeSubmitter{}, 4, 2, 4, 2047, &fakeLog{})
	p.SetPowerBalance(0)
	assert.Equal(t, 1.0, p.scaleI)
	assert.Equal(t, 1.0, p.scaleQ)
}

func TestFlushPropagatesSubmitterError(t *testing.T) {
	sub := &fakeSubmitter{err: assertError("usb gone")}
	p := New(sub, 2, 1, 4, 2047, &fakeLog{})

	_, err := p.Send(context.Background(), 0, []complex128{1, 1}, nil)
	assert.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }
