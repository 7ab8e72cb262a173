// Package calibration implements the tuning/calibration engine of spec
// §4.10: on-chip LMS auto-calibration, baseband TX DC/IQ-imbalance
// calibration against a loopback tone, a loopback sanity sweep, and
// amplifier pre-distortion table generation.
package calibration

import (
	"context"
	"time"

	"github.com/wk3x/hsdr/internal/peripheral"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// lmsSubmodule is one entry of the ordered LMS submodule list, spec §4.10a.
type lmsSubmodule struct {
	name          string
	addr          byte // the submodule's index+status register group base
	powerModeMask byte // bits set in the preconditions step for this submodule
}

var lmsSubmodules = []lmsSubmodule{
	{name: "lpf_tuning", addr: 0x60, powerModeMask: 0x01},
	{name: "lpf_bandwidth", addr: 0x61, powerModeMask: 0x02},
	{name: "tx_lpf_i", addr: 0x62, powerModeMask: 0x04},
	{name: "tx_lpf_q", addr: 0x63, powerModeMask: 0x04},
	{name: "rx_lpf_i", addr: 0x64, powerModeMask: 0x08},
	{name: "rx_lpf_q", addr: 0x65, powerModeMask: 0x08},
	{name: "rx_vga2_1", addr: 0x66, powerModeMask: 0x10},
	{name: "rx_vga2_2", addr: 0x67, powerModeMask: 0x10},
	{name: "rx_vga2_3", addr: 0x68, powerModeMask: 0x10},
	{name: "rx_vga2_4", addr: 0x69, powerModeMask: 0x10},
	{name: "rx_vga2_5", addr: 0x6a, powerModeMask: 0x10},
}

const (
	regLMSPowerMode = 0x6e
	regLMSClockGate = 0x6f
	regCNTVAL       = 0x70
	regDCLoad       = 0x71
	regDCStartClbr  = 0x72
	regDCClbrDone   = 0x73
	regDCReg        = 0x74
	regTxPLLFreq    = 0x75
	regLPFCALEnable = 0x76
	regLPFCALReset  = 0x77
	regRCCALLPFCAL  = 0x78
	regLPFBWControl = 0x79
)

const dcClbrPollLimit = 30

// LMSResult records the converged DC_REG value for one submodule.
type LMSResult struct {
	Name string
	DC   byte
}

// RunLMS runs the ordered LMS auto-calibration of spec §4.10a over every
// submodule. It backs up the power-mode, clock-gate, CNTVAL, DC_LOAD and
// DC_START_CLBR registers and restores them on return; the other registers
// it writes (submodule select, TxPLL, LPFCAL, bandwidth control) are not
// restored.
func RunLMS(ctx context.Context, access *peripheral.Access) ([]LMSResult, error) {
	backupAddrs := []byte{regLMSPowerMode, regLMSClockGate, regCNTVAL, regDCLoad, regDCStartClbr}
	backup, err := access.Read(ctx, peripheral.DevTransceiver, backupAddrs)
	if err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "lms: backup registers", err)
	}
	defer access.Write(ctx, peripheral.DevTransceiver, backupAddrs, backup)

	var results []LMSResult
	for _, sm := range lmsSubmodules {
		if sm.name == "lpf_bandwidth" {
			dc, err := runLPFBandwidthCal(ctx, access)
			if err != nil {
				return results, err
			}
			results = append(results, LMSResult{Name: sm.name, DC: dc})
			continue
		}
		dc, err := runLMSSubmodule(ctx, access, sm)
		if err != nil {
			return results, err
		}
		results = append(results, LMSResult{Name: sm.name, DC: dc})
	}
	return results, nil
}

// runLMSSubmodule implements the five per-submodule steps of spec §4.10a.
func runLMSSubmodule(ctx context.Context, access *peripheral.Access, sm lmsSubmodule) (byte, error) {
	if err := access.SetBits(ctx, peripheral.DevTransceiver, regLMSPowerMode, sm.powerModeMask); err != nil {
		return 0, err
	}
	if err := access.WriteByte(ctx, peripheral.DevTransceiver, sm.addr+3, sm.addr); err != nil {
		return 0, err
	}

	var dc byte
	var firstTry = true
	for attempt := 0; attempt < 2; attempt++ {
		if err := access.WriteByte(ctx, peripheral.DevTransceiver, regCNTVAL, 31); err != nil {
			return 0, err
		}
		if err := pulse(ctx, access, regDCLoad); err != nil {
			return 0, err
		}
		if err := pulse(ctx, access, regDCStartClbr); err != nil {
			return 0, err
		}
		if err := pollClbrDone(ctx, access); err != nil {
			return 0, err
		}
		v, err := access.ReadByte(ctx, peripheral.DevTransceiver, regDCReg)
		if err != nil {
			return 0, err
		}
		dc = v

		if firstTry && dc == 31 {
			firstTry = false
			continue // retry once per spec step 5
		}
		if dc == 0 {
			return 0, radioerr.New(radioerr.NotCalibrated, "lms: "+sm.name+" does not converge")
		}
		break
	}
	return dc, nil
}

// runLPFBandwidthCal implements the distinct lpf_bandwidth procedure, spec
// §4.10a.
func runLPFBandwidthCal(ctx context.Context, access *peripheral.Access) (byte, error) {
	if err := access.Write(ctx, peripheral.DevTransceiver,
		[]byte{regTxPLLFreq, regTxPLLFreq + 1}, []byte{0x01, 0x40}); err != nil { // 320 MHz code
		return 0, err
	}
	if err := access.SetBits(ctx, peripheral.DevTransceiver, regLPFCALEnable, 0x01); err != nil {
		return 0, err
	}
	if err := pulse(ctx, access, regLPFCALReset); err != nil {
		return 0, err
	}
	v, err := access.ReadByte(ctx, peripheral.DevTransceiver, regRCCALLPFCAL)
	if err != nil {
		return 0, err
	}
	if err := access.WriteByte(ctx, peripheral.DevTransceiver, regLPFBWControl, v); err != nil {
		return 0, err
	}
	return v, nil
}

func pulse(ctx context.Context, access *peripheral.Access, addr byte) error {
	if err := access.WriteByte(ctx, peripheral.DevTransceiver, addr, 1); err != nil {
		return err
	}
	return access.WriteByte(ctx, peripheral.DevTransceiver, addr, 0)
}

func pollClbrDone(ctx context.Context, access *peripheral.Access) error {
	for i := 0; i < dcClbrPollLimit; i++ {
		v, err := access.ReadByte(ctx, peripheral.DevTransceiver, regDCClbrDone)
		if err != nil {
			return err
		}
		if v == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return radioerr.Sentinel(radioerr.Cancelled)
		case <-time.After(time.Millisecond):
		}
	}
	return radioerr.New(radioerr.Timeout, "lms: DC_CLBR_DONE did not clear")
}
