package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wk3x/hsdr/internal/radioerr"
)

func TestFeedFillsExactlyMatchingWindow(t *testing.T) {
	m := NewMailbox()
	buf := make([]complex128, 4)

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = m.Request(context.Background(), buf, 4, 100)
		close(done)
	}()
	waitForPending(t, m)

	frame := []complex128{1, 2, 3, 4}
	m.Feed(100, frame)
	<-done

	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.Equal(t, frame, buf)
}

func TestFeedSpansMultipleFrames(t *testing.T) {
	m := NewMailbox()
	buf := make([]complex128, 6)

	done := make(chan struct{})
	var n int
	var err error
	go func() {
		n, err = m.Request(context.Background(), buf, 6, 10)
		close(done)
	}()
	waitForPending(t, m)

	m.Feed(10, []complex128{1, 2, 3})
	m.Feed(13, []complex128{4, 5, 6})
	<-done

	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, []complex128{1, 2, 3, 4, 5, 6}, buf)
}

func TestFeedIgnoresNonOverlappingFrames(t *testing.T) {
	m := NewMailbox()
	buf := make([]complex128, 2)

	done := make(chan struct{})
	go func() {
		_, _ = m.Request(context.Background(), buf, 2, 1000)
		close(done)
	}()
	waitForPending(t, m)

	m.Feed(0, []complex128{1, 2, 3})
	select {
	case <-done:
		t.Fatal("request completed from a non-overlapping frame")
	case <-time.After(5 * time.Millisecond): // well inside the 20 ms capture timeout
	}

	m.Feed(1000, []complex128{9, 9})
	<-done
	assert.Equal(t, []complex128{9, 9}, buf)
}

func TestDuplicateRequestFailsImmediately(t *testing.T) {
	m := NewMailbox()
	buf := make([]complex128, 2)

	done := make(chan struct{})
	go func() {
		_, _ = m.Request(context.Background(), buf, 2, 0)
		close(done)
	}()
	waitForPending(t, m)

	_, err := m.Request(context.Background(), make([]complex128, 1), 1, 0)
	assert.Error(t, err)

	m.Feed(0, []complex128{1, 2})
	<-done
}

func TestFailCompletesPendingRequestWithError(t *testing.T) {
	m := NewMailbox()
	buf := make([]complex128, 2)

	done := make(chan error, 1)
	go func() {
		_, err := m.Request(context.Background(), buf, 2, 0)
		done <- err
	}()
	waitForPending(t, m)

	cause := errors.New("usb unplugged")
	m.Fail(cause)
	assert.Equal(t, cause, <-done)
}

func TestRequestCancelledByContext(t *testing.T) {
	m := NewMailbox()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Request(ctx, make([]complex128, 2), 2, 0)
		done <- err
	}()
	waitForPending(t, m)
	cancel()
	assert.ErrorIs(t, <-done, radioerr.Sentinel(radioerr.Cancelled))
}

func waitForPending(t *testing.T, m *Mailbox) {
	t.Helper()
	for i := 0; i < 200; i++ {
		m.mu.Lock()
		pending := m.req != nil
		m.mu.Unlock()
		if pending {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("request never registered as pending")
}
