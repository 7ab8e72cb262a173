// Package capture implements the debug/calibration capture mailbox of spec
// §4.12: a caller requests samples starting at a timestamp; the owning I/O
// path copies matching samples out of the frames it already reads/writes
// and signals completion.
package capture

import (
	"context"
	"sync"
	"time"

	"github.com/wk3x/hsdr/internal/radioerr"
)

type request struct {
	buf    []complex128
	n      int
	ts     uint64
	filled int
	done   chan error
}

// Mailbox holds at most one pending request for one direction.
type Mailbox struct {
	mu  sync.Mutex
	req *request
}

func NewMailbox() *Mailbox { return &Mailbox{} }

// Request blocks until n samples starting at ts have been captured, the
// capture errors out, or the per-spec timeout (20*ceil(samples/1000) ms)
// elapses. Only one capture may be pending at a time; a second concurrent
// call fails with "duplicate capture".
func (m *Mailbox) Request(ctx context.Context, buf []complex128, n int, ts uint64) (int, error) {
	m.mu.Lock()
	if m.req != nil {
		m.mu.Unlock()
		return 0, radioerr.New(radioerr.Failure, "duplicate capture")
	}
	req := &request{buf: buf, n: n, ts: ts, done: make(chan error, 1)}
	m.req = req
	m.mu.Unlock()

	timeout := time.Duration(20*((n+999)/1000)) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-req.done:
		return req.filled, err
	case <-timer.C:
		m.clear(req)
		return req.filled, radioerr.Sentinel(radioerr.Timeout)
	case <-ctx.Done():
		m.clear(req)
		return req.filled, radioerr.Sentinel(radioerr.Cancelled)
	}
}

func (m *Mailbox) clear(req *request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.req == req {
		m.req = nil
	}
}

// Feed is called by the owning I/O path once per frame it reads/writes.
// frameTS is the frame's first-sample timestamp; frameIQ holds
// frameSamples de-scaled complex samples. Feed copies whatever portion of
// frameIQ overlaps the pending request's window, possibly spanning
// multiple Feed calls, and completes the request when full.
func (m *Mailbox) Feed(frameTS uint64, frameIQ []complex128) {
	m.mu.Lock()
	req := m.req
	m.mu.Unlock()
	if req == nil {
		return
	}

	frameLen := uint64(len(frameIQ))
	winStart := req.ts + uint64(req.filled)
	winEnd := req.ts + uint64(req.n)
	frameEnd := frameTS + frameLen

	if frameEnd <= winStart || frameTS >= winEnd {
		return // no overlap with the still-open portion of the window
	}

	// Copy the overlapping span.
	var srcStart uint64
	if winStart > frameTS {
		srcStart = winStart - frameTS
	}
	srcEnd := frameLen
	if frameEnd > winEnd {
		srcEnd = winEnd - frameTS
	}

	dstOff := req.filled
	for i := srcStart; i < srcEnd; i++ {
		if dstOff >= len(req.buf) || dstOff >= req.n {
			break
		}
		req.buf[dstOff] = frameIQ[i]
		dstOff++
	}
	req.filled = dstOff

	if req.filled >= req.n {
		m.clear(req)
		req.done <- nil
	}
}

// Fail completes the pending request, if any, with err (e.g. a hardware
// read error or an out-of-range sample detected during calibration).
func (m *Mailbox) Fail(err error) {
	m.mu.Lock()
	req := m.req
	m.req = nil
	m.mu.Unlock()
	if req != nil {
		req.done <- err
	}
}
