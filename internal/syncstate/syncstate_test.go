package syncstate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wk3x/hsdr/internal/devstate"
	"github.com/wk3x/hsdr/internal/radioerr"
	"github.com/wk3x/hsdr/internal/transceiver"
)

type fakeBackend struct {
	freqCalls []float64
	err       error
}

func (f *fakeBackend) SetFrequency(_ context.Context, _ transceiver.Direction, hz float64) error {
	f.freqCalls = append(f.freqCalls, hz)
	return f.err
}
func (f *fakeBackend) SetVGA(context.Context, transceiver.Direction, int, int) error { return nil }
func (f *fakeBackend) SetLPFMode(context.Context, transceiver.Direction, transceiver.LPFMode) error {
	return nil
}
func (f *fakeBackend) SetLPFBandwidth(_ context.Context, _ transceiver.Direction, hz float64) (float64, error) {
	return hz, nil
}
func (f *fakeBackend) SetSampleRate(context.Context, transceiver.Direction, float64) error { return nil }
func (f *fakeBackend) SetDCOffset(context.Context, transceiver.Direction, int, int) error   { return nil }
func (f *fakeBackend) SetFPGACorrPhase(context.Context, transceiver.Direction, int) error   { return nil }
func (f *fakeBackend) SetFPGACorrGain(context.Context, transceiver.Direction, int) error    { return nil }
func (f *fakeBackend) SetLoopback(context.Context, transceiver.LoopbackMode) error          { return nil }

func TestRequestAppliedByMaybeApplyStampsTimestamp(t *testing.T) {
	backend := &fakeBackend{}
	b := NewBridge(backend, time.Second)

	desired := devstate.DevState{
		TX:        devstate.DirState{FrequencyHz: 915e6},
		TXChanged: devstate.FieldFrequency,
	}

	done := make(chan struct{})
	var applied devstate.DevState
	var reqErr error
	go func() {
		applied, reqErr = b.Request(context.Background(), desired)
		close(done)
	}()

	// Give the goroutine time to register its pending request.
	for i := 0; i < 100 && b.pending == nil; i++ {
		time.Sleep(time.Millisecond)
	}
	require.NotNil(t, b.pending)

	b.MaybeApply(context.Background(), 4096)
	<-done

	require.NoError(t, reqErr)
	assert.Equal(t, uint64(4096), applied.TX.Timestamp)
	assert.Equal(t, []float64{915e6}, backend.freqCalls)
}

func TestMaybeApplyWithNoPendingRequestIsNoop(t *testing.T) {
	backend := &fakeBackend{}
	b := NewBridge(backend, time.Second)
	b.MaybeApply(context.Background(), 123)
	assert.Empty(t, backend.freqCalls)
}

func TestRequestTimesOutAndAbandons(t *testing.T) {
	backend := &fakeBackend{}
	b := NewBridge(backend, 10*time.Millisecond)

	_, err := b.Request(context.Background(), devstate.DevState{})
	assert.ErrorIs(t, err, radioerr.Sentinel(radioerr.Timeout))
	assert.Nil(t, b.pending)
}

func TestRequestCancelledByContext(t *testing.T) {
	backend := &fakeBackend{}
	b := NewBridge(backend, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, devstate.DevState{})
		done <- err
	}()

	for i := 0; i < 100 && b.pending == nil; i++ {
		time.Sleep(time.Millisecond)
	}
	cancel()

	err := <-done
	assert.ErrorIs(t, err, radioerr.Sentinel(radioerr.Cancelled))
}

func TestNewBridgeDefaultsNonPositiveTimeout(t *testing.T) {
	b := NewBridge(&fakeBackend{}, 0)
	assert.Equal(t, DefaultTimeout, b.timeout)
	b2 := NewBridge(&fakeBackend{}, -time.Second)
	assert.Equal(t, DefaultTimeout, b2.timeout)
}
