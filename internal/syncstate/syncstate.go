// Package syncstate implements the sync-set-state bridge of spec §4.9: a
// one-shot mailbox letting a foreign caller request a state change applied
// at a precise TX timestamp boundary, returning status.
//
// Modeled as a single-slot oneshot channel rather than the source's
// bespoke semaphore+flag+response-fields protocol (§9 design note).
package syncstate

import (
	"context"
	"sync"
	"time"

	"github.com/wk3x/hsdr/internal/devstate"
	"github.com/wk3x/hsdr/internal/radioerr"
)

// DefaultTimeout is the producer's default wait, spec §4.9/§5.
const DefaultTimeout = 12 * time.Second

type result struct {
	applied devstate.DevState
	err     error
}

type request struct {
	desired devstate.DevState
	reply   chan result
}

// Bridge is owned by the device and shared between the TX path (consumer)
// and any foreign caller thread (producer).
type Bridge struct {
	backend devstate.Backend
	timeout time.Duration

	mu      sync.Mutex
	pending *request
}

func NewBridge(backend devstate.Backend, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Bridge{backend: backend, timeout: timeout}
}

// Request blocks until the TX path applies desired at a frame boundary, the
// configured timeout elapses, or ctx is cancelled. On timeout or
// cancellation the request is abandoned (spec §4.9: "the producer returns
// and abandons the request").
func (b *Bridge) Request(ctx context.Context, desired devstate.DevState) (devstate.DevState, error) {
	req := &request{desired: desired, reply: make(chan result, 1)}

	b.mu.Lock()
	b.pending = req
	b.mu.Unlock()

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case res := <-req.reply:
		return res.applied, res.err
	case <-timer.C:
		b.clearIfStillPending(req)
		return devstate.DevState{}, radioerr.Sentinel(radioerr.Timeout)
	case <-ctx.Done():
		b.clearIfStillPending(req)
		return devstate.DevState{}, radioerr.Sentinel(radioerr.Cancelled)
	}
}

func (b *Bridge) clearIfStillPending(req *request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pending == req {
		b.pending = nil
	}
}

// MaybeApply is called by the TX path between frames (spec §4.9). If a
// request is pending, it stamps the TX timestamp, applies the state, and
// wakes the producer.
func (b *Bridge) MaybeApply(ctx context.Context, realizedTS uint64) {
	b.mu.Lock()
	req := b.pending
	b.pending = nil
	b.mu.Unlock()

	if req == nil {
		return
	}

	req.desired.TX.Timestamp = realizedTS
	err := devstate.SetState(ctx, b.backend, &req.desired)
	req.reply <- result{applied: req.desired, err: err}
}
