package dfu

import (
	"context"
	"strings"
	"time"
)

const (
	writeMaxAttempts = 15
	writeRetryDelay  = 150 * time.Millisecond
)

// writeSerializer enforces the single-writer discipline spec §4.4
// requires: at most one GATT write (control or packet, across both
// characteristics) is outstanding at any moment, and a transient
// "in progress" busy response is retried transparently, for at most
// writeMaxAttempts attempts in all, spaced by writeRetryDelay.
//
// A single mutex is enough to model the queue because the engine is
// single-threaded cooperative (spec §5); the mutex exists only to make the
// "no two overlapping writes" invariant explicit and to give disconnect a
// place to reset state from whatever goroutine delivers the event.
type writeSerializer struct {
	mu        chan struct{} // 1-buffered: holder owns the slot
	resetOnce chan struct{}
}

func newWriteSerializer() *writeSerializer {
	s := &writeSerializer{mu: make(chan struct{}, 1)}
	s.mu <- struct{}{}
	return s
}

// submit writes b to char, retrying transparently on busy responses.
func (s *writeSerializer) submit(ctx context.Context, char GattCharacteristic, b []byte) error {
	select {
	case <-s.mu:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { s.mu <- struct{}{} }()

	var lastErr error
	for attempt := 1; attempt <= writeMaxAttempts; attempt++ {
		err := char.WriteValue(ctx, b)
		if err == nil {
			return nil
		}
		if !isBusy(err) {
			return err
		}
		lastErr = err
		if attempt == writeMaxAttempts {
			break
		}
		select {
		case <-time.After(writeRetryDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	_ = lastErr
	return &TransportBusyError{Attempts: writeMaxAttempts}
}

// reset drops any state associated with a disconnected link. Because the
// mutex-style slot is always either held by an in-flight submit or free, a
// disconnect doesn't need to forcibly reclaim it: the in-flight submit will
// observe the transport error on its own and return. reset exists as the
// named hook spec §4.4/§4.8 call for ("reset the write serializer") and as
// the place future queueing state would be cleared.
func (s *writeSerializer) reset() {}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "in progress")
}
