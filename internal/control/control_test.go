package control

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/transceiver"
)

// recordingHandler captures every call so tests can assert on routing
// without a real device.
type recordingHandler struct {
	gainDir   transceiver.Direction
	gainStage int
	gainValue int

	dcDir   transceiver.Direction
	dcIVal  int
	dcQVal  int
	dcICall bool
	dcQCall bool

	txFPGAPhase, txFPGAGain int
	balance                 float64
	gainExpBP, gainExpSlope float64
	lmsAddr, lmsValue       byte
	bufOutput, rxDCOutput   bool
	patternName             string
	patternGain             float64
	showWhat                string
	freqOffset              float64
	freqCalAccuracy, freqCalCount int
	stopped, aborted, calStopped  bool
}

func (h *recordingHandler) SetGain(_ context.Context, dir transceiver.Direction, stage, value int) error {
	h.gainDir, h.gainStage, h.gainValue = dir, stage, value
	return nil
}
func (h *recordingHandler) SetDCOffsetI(_ context.Context, dir transceiver.Direction, value int) error {
	h.dcDir, h.dcIVal, h.dcICall = dir, value, true
	return nil
}
func (h *recordingHandler) SetDCOffsetQ(_ context.Context, dir transceiver.Direction, value int) error {
	h.dcDir, h.dcQVal, h.dcQCall = dir, value, true
	return nil
}
func (h *recordingHandler) SetTXFPGAPhase(_ context.Context, v int) error { h.txFPGAPhase = v; return nil }
func (h *recordingHandler) SetTXFPGAGain(_ context.Context, v int) error  { h.txFPGAGain = v; return nil }
func (h *recordingHandler) SetBalance(_ context.Context, v float64) error { h.balance = v; return nil }
func (h *recordingHandler) SetGainExpansion(_ context.Context, bp, slope float64) error {
	h.gainExpBP, h.gainExpSlope = bp, slope
	return nil
}
func (h *recordingHandler) SetPhaseExpansion(_ context.Context, bp, slope float64) error { return nil }
func (h *recordingHandler) LMSWrite(_ context.Context, addr, value byte) error {
	h.lmsAddr, h.lmsValue = addr, value
	return nil
}
func (h *recordingHandler) SetBufOutput(_ context.Context, v bool) error  { h.bufOutput = v; return nil }
func (h *recordingHandler) SetRXDCOutput(_ context.Context, v bool) error { h.rxDCOutput = v; return nil }
func (h *recordingHandler) SetTXPattern(_ context.Context, name string, gain float64) error {
	h.patternName, h.patternGain = name, gain
	return nil
}
func (h *recordingHandler) Show(_ context.Context, what string) (map[string]string, error) {
	h.showWhat = what
	return map[string]string{"what": what}, nil
}
func (h *recordingHandler) SetFreqOffset(_ context.Context, v float64) error { h.freqOffset = v; return nil }
func (h *recordingHandler) FreqCalStart(_ context.Context, accuracy, count int) error {
	h.freqCalAccuracy, h.freqCalCount = accuracy, count
	return nil
}
func (h *recordingHandler) FreqCalStop(context.Context) error { h.stopped = true; return nil }
func (h *recordingHandler) CalStop(context.Context) error     { h.calStopped = true; return nil }
func (h *recordingHandler) CalAbort(context.Context) error    { h.aborted = true; return nil }

func TestDispatchTXGainRoutesDirectionAndStage(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "txgain2", Params: map[string]string{"value": "5"}})
	require.NoError(t, err)
	assert.Equal(t, transceiver.TX, h.gainDir)
	assert.Equal(t, 2, h.gainStage)
	assert.Equal(t, 5, h.gainValue)
}

func TestDispatchRXGainRoutesDirection(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "rxgain1", Params: map[string]string{"value": "-3"}})
	require.NoError(t, err)
	assert.Equal(t, transceiver.RX, h.gainDir)
	assert.Equal(t, 1, h.gainStage)
	assert.Equal(t, -3, h.gainValue)
}

func TestDispatchTXDCISetsOnlyIComponent(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "txdci", Params: map[string]string{"value": "10"}})
	require.NoError(t, err)
	assert.True(t, h.dcICall)
	assert.False(t, h.dcQCall)
	assert.Equal(t, 10, h.dcIVal)
	assert.Equal(t, transceiver.TX, h.dcDir)
}

func TestDispatchRXDCQSetsOnlyQComponent(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "rxdcq", Params: map[string]string{"value": "-7"}})
	require.NoError(t, err)
	assert.True(t, h.dcQCall)
	assert.False(t, h.dcICall)
	assert.Equal(t, -7, h.dcQVal)
	assert.Equal(t, transceiver.RX, h.dcDir)
}

func TestDispatchShowReturnsHandlerResult(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	res, err := d.Dispatch(context.Background(), hostif.Message{Op: "show", Params: map[string]string{"what": "statistics"}})
	require.NoError(t, err)
	assert.Equal(t, "statistics", res["what"])
}

func TestDispatchFreqCalStartParsesIntParams(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "freqcalstart", Params: map[string]string{"system_accuracy": "300", "count": "20"}})
	require.NoError(t, err)
	assert.Equal(t, 300, h.freqCalAccuracy)
	assert.Equal(t, 20, h.freqCalCount)
}

func TestDispatchMissingParamIsError(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "txgain1", Params: map[string]string{}})
	assert.Error(t, err)
}

func TestDispatchUnknownOpIsError(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "nonsense"})
	assert.Error(t, err)
}

func TestDispatchCalAbortAndStop(t *testing.T) {
	h := &recordingHandler{}
	d := New(h, nil)
	_, err := d.Dispatch(context.Background(), hostif.Message{Op: "cal_abort"})
	require.NoError(t, err)
	assert.True(t, h.aborted)

	_, err = d.Dispatch(context.Background(), hostif.Message{Op: "cal_stop"})
	require.NoError(t, err)
	assert.True(t, h.calStopped)
}
