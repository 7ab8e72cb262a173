// Package bandrelay drives host GPIO lines that select an external
// antenna/band relay bank, gated on RF enable and on the 16-entry band
// table of spec §4.3 crossing a boundary. Grounded on the teacher's
// ptt.go, which drives a GPIO line (or parallel-port bit) for push-to-talk
// through github.com/warthog618/go-gpiocdev on Linux; this generalizes the
// same "one GPIO line per logical output" idiom from a single PTT bit to
// an N-bit band-select bus plus a PTT-equivalent RF-enable bit.
package bandrelay

import (
	"fmt"
	"math"

	"github.com/warthog618/go-gpiocdev"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Line is the minimal GPIO output primitive bandrelay needs, satisfied by
// *gpiocdev.Line. Abstracted so tests can substitute a fake without a
// real gpiochip.
type Line interface {
	SetValue(value int) error
	Close() error
}

// BandTable maps the transceiver's 16 band-table entries (spec §4.3) to
// the frequency boundary that selects them, ascending.
type BandTable struct {
	Boundaries []float64 // len 15: boundary[i] separates band i from band i+1
}

// DefaultBandTable spans spec §4.2's tunable range [232.5MHz, 3.8GHz] in
// 16 roughly log-spaced bands; the real board's exact breakpoints are a
// calibration-cache detail outside this package's concern (see
// internal/transceiver for PLL prescaler selection, which owns the
// authoritative table).
func DefaultBandTable() BandTable {
	const lo, hi = 232_500_000.0, 3_800_000_000.0
	b := BandTable{Boundaries: make([]float64, 15)}
	ratio := hi / lo
	for i := range b.Boundaries {
		frac := float64(i+1) / 16
		b.Boundaries[i] = lo * math.Pow(ratio, frac)
	}
	return b
}

// BandIndex returns which of the 16 bands hz falls into.
func (t BandTable) BandIndex(hz float64) int {
	idx := 0
	for _, boundary := range t.Boundaries {
		if hz < boundary {
			break
		}
		idx++
	}
	return idx
}

// Relay owns the GPIO lines selecting the band-relay bank plus an RF-enable
// line, spec's "gated on RF enable or the PLL crosses a band-table
// boundary".
type Relay struct {
	table     BandTable
	bandLines []Line // one per bit of a binary-encoded band index (4 bits for 16 bands)
	rfEnable  Line
	log       hostif.LogSink

	currentBand int
	rfOn        bool
}

// Open requests chipName's bandLineOffsets (low to high bit) plus
// rfEnableOffset as outputs, initially RF-disabled.
func Open(chipName string, bandLineOffsets []int, rfEnableOffset int, table BandTable, log hostif.LogSink) (*Relay, error) {
	r := &Relay{table: table, log: log}

	for _, off := range bandLineOffsets {
		line, err := gpiocdev.RequestLine(chipName, off, gpiocdev.AsOutput(0))
		if err != nil {
			r.Close()
			return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, fmt.Sprintf("bandrelay: request line %d", off), err)
		}
		r.bandLines = append(r.bandLines, line)
	}

	rfLine, err := gpiocdev.RequestLine(chipName, rfEnableOffset, gpiocdev.AsOutput(0))
	if err != nil {
		r.Close()
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "bandrelay: request RF-enable line", err)
	}
	r.rfEnable = rfLine

	return r, nil
}

// SetFrequency selects the band-relay bank for hz, writing the binary-
// encoded band index across the band lines. It is a no-op if the band
// index hasn't changed, per spec's "band-table boundary" gating.
func (r *Relay) SetFrequency(hz float64) error {
	band := r.table.BandIndex(hz)
	if band == r.currentBand {
		return nil
	}
	for bit, line := range r.bandLines {
		v := 0
		if band&(1<<bit) != 0 {
			v = 1
		}
		if err := line.SetValue(v); err != nil {
			return radioerr.Wrap(radioerr.HardwareIOError, "bandrelay: set band line", err)
		}
	}
	r.currentBand = band
	if r.log != nil {
		r.log.Debugf("bandrelay: switched to band %d for %.0f Hz", band, hz)
	}
	return nil
}

// SetRFEnabled gates the relay bank's RF-enable line, spec's "gated on RF
// enable".
func (r *Relay) SetRFEnabled(enabled bool) error {
	if r.rfEnable == nil {
		return radioerr.New(radioerr.NotInitialized, "bandrelay: not opened")
	}
	v := 0
	if enabled {
		v = 1
	}
	if err := r.rfEnable.SetValue(v); err != nil {
		return radioerr.Wrap(radioerr.HardwareIOError, "bandrelay: set RF-enable line", err)
	}
	r.rfOn = enabled
	return nil
}

// Close releases every requested GPIO line.
func (r *Relay) Close() error {
	var firstErr error
	for _, line := range r.bandLines {
		if err := line.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.bandLines = nil
	if r.rfEnable != nil {
		if err := r.rfEnable.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.rfEnable = nil
	}
	return firstErr
}
