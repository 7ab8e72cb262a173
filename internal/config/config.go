// Package config holds the options enumerated in spec §6.4 and the
// generic clamp-from-string helper that replaces the teacher's many
// hand-rolled "read option, parse, clamp, log" blocks in config.go with one
// generic function (§9 design note).
package config

import (
	"fmt"
	"strconv"

	"github.com/wk3x/hsdr/internal/hostif"
)

// SampleRateBuffers maps a sample rate to a buffered-sample total and the
// minimum number of full TX buffers batched per bulk submission. It backs
// the "srate_buffered_samples" option (§4.5).
type SampleRateBuffers struct {
	RateHz           float64
	TotalSamples     int
	TXMinBuffers     int
}

// Config is the fully resolved, clamped configuration for one device
// instance. It is built by Load and then never mutated; runtime-adjustable
// fields (TX pattern, frequency offset, debug flags) live in the device's
// own mutex-guarded state instead.
type Config struct {
	Serial string

	BufferedSamples int
	TXMinBuffers    int
	SrateBuffers    []SampleRateBuffers

	RXLatencySuperUS int
	RXLatencyHighUS  int
	TXLatencySuperUS int
	TXLatencyHighUS  int

	MaxSampleRateSuper float64
	MaxSampleRateHigh  float64

	RadioFrequencyOffset float64
	TXFPGACorrGainSW     bool

	MaxDelayUS      int
	BestDelayUS     int
	KnownDelayUS    int
	SystemAccuracyUS int
	AccuracyPPB     float64

	RXDCAutocorrect bool
	RXDCShowInfo    bool

	WarnClampedPercent float64
	RXTSPastErrorMS    int

	TXVGA1 int
	TXVGA2 int
	RXVGA1 int
	RXVGA2 int

	SampleEnergize int

	PeripheralDebug map[string]bool
}

// Default returns the factory defaults from spec §6.4, §4.5, §4.11.
func Default() Config {
	return Config{
		BufferedSamples: 2048,
		TXMinBuffers:    4,
		SrateBuffers: []SampleRateBuffers{
			{RateHz: 1_000_000, TotalSamples: 2048, TXMinBuffers: 4},
			{RateHz: 4_000_000, TotalSamples: 4096, TXMinBuffers: 8},
			{RateHz: 8_000_000, TotalSamples: 8192, TXMinBuffers: 16},
		},
		RXLatencySuperUS:     400,
		RXLatencyHighUS:      600,
		TXLatencySuperUS:     400,
		TXLatencyHighUS:      600,
		MaxSampleRateSuper:   40_000_000,
		MaxSampleRateHigh:    4_100_000,
		RadioFrequencyOffset: 128,
		TXFPGACorrGainSW:     false,
		MaxDelayUS:           5000,
		BestDelayUS:          1000,
		KnownDelayUS:         500,
		SystemAccuracyUS:     300,
		AccuracyPPB:          1,
		RXDCAutocorrect:      true,
		WarnClampedPercent:   5,
		RXTSPastErrorMS:      500,
		TXVGA1:               -14,
		TXVGA2:               0,
		RXVGA1:               20,
		RXVGA2:               0,
		SampleEnergize:       2047,
		PeripheralDebug:      map[string]bool{},
	}
}

// Load resolves a Config from a host ConfigSource, applying defaults for
// anything the source does not carry and clamping every bounded field.
func Load(src hostif.ConfigSource) (Config, []string) {
	cfg := Default()
	var warnings []string
	warn := func(format string, args ...any) {
		warnings = append(warnings, fmt.Sprintf(format, args...))
	}

	cfg.Serial, _ = src.GetOption("serial")

	cfg.BufferedSamples = clampFromConfig(src, warn, "buffered_samples", cfg.BufferedSamples, 1024, 16384)
	cfg.RadioFrequencyOffset = clampFromConfig(src, warn, "RadioFrequencyOffset", cfg.RadioFrequencyOffset, 64, 192)
	cfg.MaxDelayUS = clampFromConfig(src, warn, "max_delay", cfg.MaxDelayUS, 0, 1<<30)
	cfg.BestDelayUS = clampFromConfig(src, warn, "best_delay", cfg.BestDelayUS, 0, 1<<30)
	cfg.KnownDelayUS = clampFromConfig(src, warn, "known_delay", cfg.KnownDelayUS, 0, 1<<30)
	cfg.SystemAccuracyUS = clampFromConfig(src, warn, "system_accuracy", cfg.SystemAccuracyUS, 1, 1<<30)
	cfg.AccuracyPPB = clampFromConfig(src, warn, "accuracy_ppb", cfg.AccuracyPPB, 0.001, 1e6)
	cfg.WarnClampedPercent = clampFromConfig(src, warn, "warn_clamped", cfg.WarnClampedPercent, 0, 100)
	cfg.RXTSPastErrorMS = clampFromConfig(src, warn, "rx_ts_past_error_interval", cfg.RXTSPastErrorMS, 50, 10000)
	cfg.SampleEnergize = clampFromConfig(src, warn, "sampleenergize", cfg.SampleEnergize, 1, 2047)

	if v, ok := src.GetOption("tx_fpga_corr_gain_software"); ok {
		cfg.TXFPGACorrGainSW = v == "1" || v == "true"
	}
	if v, ok := src.GetOption("rx_dc_autocorrect"); ok {
		cfg.RXDCAutocorrect = v != "0" && v != "false"
	}
	if v, ok := src.GetOption("rx_dc_showinfo"); ok {
		cfg.RXDCShowInfo = v == "1" || v == "true"
	}

	return cfg, warnings
}

type numeric interface {
	~int | ~float64
}

// clampFromConfig is the one generic replacement for the teacher's
// per-option "read string, parse, compare against bounds, log and fall
// back to default" blocks (§9: "Mass use of runtime reflection on
// configuration").
func clampFromConfig[T numeric](src hostif.ConfigSource, warn func(string, ...any), key string, def, min, max T) T {
	raw, ok := src.GetOption(key)
	if !ok || raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		warn("option %q: invalid value %q, using default %v", key, raw, def)
		return def
	}
	v := T(f)
	if v < min {
		warn("option %q: %v below minimum %v, clamping", key, v, min)
		return min
	}
	if v > max {
		warn("option %q: %v above maximum %v, clamping", key, v, max)
		return max
	}
	return v
}

// BuffersFor looks up the (total samples, tx min buffers) pair for a
// sample rate by taking the highest table entry whose rate is <= rateHz,
// per spec §4.5 "threshold table".
func (c Config) BuffersFor(rateHz float64) (totalSamples, txMinBuffers int) {
	total, min := c.BufferedSamples, c.TXMinBuffers
	for _, e := range c.SrateBuffers {
		if rateHz >= e.RateHz {
			total, min = e.TotalSamples, e.TXMinBuffers
		}
	}
	if total < 1024 {
		total = 1024
	}
	if total > 16384 {
		total = 16384
	}
	return total, min
}
