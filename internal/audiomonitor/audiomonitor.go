// Package audiomonitor is an optional debug tap that feeds a cheap
// envelope or FM-discriminator demodulation of live RX IQ to the host
// sound card, spec SPEC_FULL.md supplemented feature "host-audio debug
// monitor tap on the RX path". Grounded on the teacher's audio.go, whose
// full-duplex PortAudio/ALSA/OSS abstraction is repurposed here as a
// one-way monitor instead of a modem front end.
package audiomonitor

import (
	"math"
	"math/cmplx"
	"sync"

	"github.com/gordonklaus/portaudio"

	"github.com/wk3x/hsdr/internal/hostif"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// Mode selects the demodulation applied to fed IQ before it reaches the
// sound card.
type Mode int

const (
	// ModeEnvelope plays |iq|, useful for monitoring AM/ASK or just
	// confirming RF presence.
	ModeEnvelope Mode = iota
	// ModeFM plays the instantaneous phase derivative (a crude FM
	// discriminator), useful for monitoring narrowband FM traffic.
	ModeFM
)

const ringCapacity = 1 << 16

// Monitor owns one PortAudio output-only stream and a small ring buffer
// bridging the RX path's producer goroutine to PortAudio's realtime
// callback.
type Monitor struct {
	mode   Mode
	gain   float32
	stream *portaudio.Stream
	log    hostif.LogSink

	mu       sync.Mutex
	ring     []float32
	head     int
	tail     int
	count    int
	lastIQ   complex128
	haveLast bool
}

// Open initializes PortAudio and starts an output-only stream at
// outSampleRateHz. framesPerBuffer 0 lets PortAudio choose a default.
func Open(outSampleRateHz float64, framesPerBuffer int, mode Mode, log hostif.LogSink) (*Monitor, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "audiomonitor: portaudio init", err)
	}

	m := &Monitor{mode: mode, gain: 1, log: log, ring: make([]float32, ringCapacity)}

	stream, err := portaudio.OpenDefaultStream(0, 1, outSampleRateHz, framesPerBuffer, m.callback)
	if err != nil {
		portaudio.Terminate()
		return nil, radioerr.Wrap(radioerr.HardwareNotAvailable, "audiomonitor: open output stream", err)
	}
	m.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close()
		portaudio.Terminate()
		return nil, radioerr.Wrap(radioerr.HardwareIOError, "audiomonitor: start stream", err)
	}
	return m, nil
}

// callback is PortAudio's realtime pull: drain the ring buffer into out,
// zero-filling when the producer has fallen behind rather than blocking.
func (m *Monitor) callback(out []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range out {
		if m.count == 0 {
			out[i] = 0
			continue
		}
		out[i] = m.ring[m.head]
		m.head = (m.head + 1) % len(m.ring)
		m.count--
	}
}

// SetGain scales fed samples before they reach the ring buffer.
func (m *Monitor) SetGain(gain float32) {
	m.mu.Lock()
	m.gain = gain
	m.mu.Unlock()
}

// FeedIQ demodulates buf per Mode and enqueues the result, dropping the
// oldest unplayed samples if the ring is full rather than blocking the RX
// path's hot loop.
func (m *Monitor) FeedIQ(buf []complex128) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range buf {
		var v float32
		switch m.mode {
		case ModeEnvelope:
			v = float32(cmplx.Abs(s))
		case ModeFM:
			if m.haveLast {
				v = float32(phaseDelta(m.lastIQ, s) / math.Pi)
			}
			m.lastIQ = s
			m.haveLast = true
		}
		m.push(v * m.gain)
	}
}

func (m *Monitor) push(v float32) {
	if m.count == len(m.ring) {
		// ring full: drop the oldest sample to make room, favoring
		// recency for a live debug monitor over completeness.
		m.head = (m.head + 1) % len(m.ring)
		m.count--
	}
	m.ring[m.tail] = v
	m.tail = (m.tail + 1) % len(m.ring)
	m.count++
}

// phaseDelta returns the wrapped phase difference between consecutive IQ
// samples, the discrete FM discriminator.
func phaseDelta(prev, cur complex128) float64 {
	return cmplx.Phase(cur * cmplx.Conj(prev))
}

// Close stops the stream, releases it, and terminates PortAudio.
func (m *Monitor) Close() error {
	if m.stream == nil {
		return nil
	}
	var firstErr error
	if err := m.stream.Stop(); err != nil {
		firstErr = radioerr.Wrap(radioerr.HardwareIOError, "audiomonitor: stop stream", err)
	}
	if err := m.stream.Close(); err != nil && firstErr == nil {
		firstErr = radioerr.Wrap(radioerr.HardwareIOError, "audiomonitor: close stream", err)
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = radioerr.Wrap(radioerr.Failure, "audiomonitor: portaudio terminate", err)
	}
	return firstErr
}
