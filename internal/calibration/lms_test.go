package calibration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wk3x/hsdr/internal/peripheral"
)

// fakeLMSBus simulates the transceiver's LMS auto-cal registers: DC_REG
// converges to a fixed per-submodule-index value once DC_START_CLBR has
// been pulsed, and DC_CLBR_DONE clears immediately.
type fakeLMSBus struct {
	regs map[byte]byte
}

func newFakeLMSBus() *fakeLMSBus {
	return &fakeLMSBus{regs: map[byte]byte{}}
}

func (b *fakeLMSBus) CtrlWrite(_ context.Context, frame []byte, _ time.Duration) error {
	write := frame[1]&0x40 != 0
	n := int((frame[1] >> 3) & 0x07)
	for i := 0; write && i < n; i++ {
		addr, value := frame[2+2*i], frame[3+2*i]
		b.regs[addr] = value
		if addr == regDCStartClbr && value == 1 {
			b.regs[regDCReg] = 0x10
		}
	}
	return nil
}

func (b *fakeLMSBus) CtrlRead(_ context.Context, frame []byte, _ time.Duration) ([]byte, error) {
	n := int((frame[1] >> 3) & 0x07)
	out := make([]byte, n)
	for i := range out {
		out[i] = b.regs[frame[2+2*i]]
	}
	return out, nil
}

func TestRunLMSConvergesAndRestoresBackup(t *testing.T) {
	bus := newFakeLMSBus()
	bus.regs[regLMSPowerMode] = 0xAA // pre-existing value, must survive the run
	bus.regs[regRCCALLPFCAL] = 0x07  // lpf_bandwidth's distinct readback register
	access := peripheral.NewAccess(bus, nil)

	results, err := RunLMS(context.Background(), access)
	require.NoError(t, err)
	assert.Len(t, results, len(lmsSubmodules))
	for _, r := range results {
		assert.NotZero(t, r.DC, "submodule %s should converge to a nonzero DC_REG", r.Name)
	}

	restored, err := access.ReadByte(context.Background(), peripheral.DevTransceiver, regLMSPowerMode)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), restored, "backed-up power-mode register should be restored")
}
