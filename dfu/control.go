package dfu

import (
	"context"
	"sync"
	"time"
)

// controlResult is delivered to a pending waiter when its correlated
// response notification (or a disconnect) arrives.
type controlResult struct {
	payload []byte
	err     error
}

// controlDialog implements C5: it sends opcodes over a write characteristic
// and correlates the next notification with a matching response opcode to
// the caller that is waiting for it. At most one waiter may be live per
// opcode[0] at a time, per spec §3 (PendingResponse).
type controlDialog struct {
	sink              *EventSink
	serializer        *writeSerializer
	postResponseDelay time.Duration

	writeChar  GattCharacteristic
	notifyChar GattCharacteristic

	mu      sync.Mutex
	waiters map[byte]chan controlResult

	prnMu      sync.Mutex
	prnWaiting bool
	prnCh      chan uint32

	// onPRN is invoked for every PRN notification, whether or not anything
	// is waiting on it, so the driver can keep validatedBytes/progress up
	// to date per spec §4.6 ("spurious PRN notifications ... simply update
	// validatedBytes and emit progress").
	onPRN func(offset uint32)
}

func newControlDialog(sink *EventSink, serializer *writeSerializer, postResponseDelay time.Duration) *controlDialog {
	return &controlDialog{
		sink:              sink,
		serializer:        serializer,
		postResponseDelay: postResponseDelay,
		waiters:           make(map[byte]chan controlResult),
	}
}

// attach binds the dialog to the characteristics it writes to and listens
// on, and enables notifications on the listen side.
func (d *controlDialog) attach(ctx context.Context, writeChar, notifyChar GattCharacteristic) error {
	d.writeChar = writeChar
	d.notifyChar = notifyChar
	notifyChar.OnValueChanged(d.onNotification)
	return notifyChar.StartNotifications(ctx)
}

// send issues opcode[0..] concatenated with params, and blocks until the
// matching response notification (or a disconnect, or ctx) resolves it.
func (d *controlDialog) send(ctx context.Context, request []byte) ([]byte, error) {
	opcode := request[0]

	result := make(chan controlResult, 1)
	d.mu.Lock()
	d.waiters[opcode] = result
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		delete(d.waiters, opcode)
		d.mu.Unlock()
	}()

	if err := d.serializer.submit(ctx, d.writeChar, request); err != nil {
		return nil, err
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		if d.postResponseDelay > 0 {
			select {
			case <-time.After(d.postResponseDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return res.payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// waitForPRN blocks for the next PRN notification, or returns nil (soft
// timeout, proceed per spec §4.6) after timeout elapses.
func (d *controlDialog) waitForPRN(ctx context.Context, timeout time.Duration) error {
	ch := make(chan uint32, 1)
	d.prnMu.Lock()
	d.prnCh = ch
	d.prnWaiting = true
	d.prnMu.Unlock()

	defer func() {
		d.prnMu.Lock()
		if d.prnCh == ch {
			d.prnWaiting = false
			d.prnCh = nil
		}
		d.prnMu.Unlock()
	}()

	select {
	case <-ch:
		return nil
	case <-time.After(timeout):
		d.sink.log("PRN wait timed out after %s, proceeding without flow control ack", timeout)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onNotification is the single handler attached to every notify
// characteristic the dialog drives (Control, and the Buttonless
// characteristic during the DFU-mode switch).
func (d *controlDialog) onNotification(b []byte) {
	if len(b) == 0 {
		d.raiseProtocolViolation("Unrecognised control response")
		return
	}

	if b[0] == notifyPacketReceipt {
		offset, err := decodePRNNotification(b)
		if err != nil {
			d.sink.log("%s", err.Error())
			return
		}
		if d.onPRN != nil {
			d.onPRN(offset)
		}
		d.prnMu.Lock()
		if d.prnWaiting && d.prnCh != nil {
			ch := d.prnCh
			d.prnWaiting = false
			d.prnCh = nil
			d.prnMu.Unlock()
			ch <- offset
			return
		}
		d.prnMu.Unlock()
		return
	}

	if b[0] == responseHeader {
		d.handleResponse(b)
		return
	}

	d.raiseProtocolViolation("Unrecognised control response")
}

func (d *controlDialog) handleResponse(b []byte) {
	if len(b) < 3 {
		d.raiseProtocolViolation("Unrecognised control response")
		return
	}
	opcode := b[1]
	result := b[2]

	d.mu.Lock()
	waiter, ok := d.waiters[opcode]
	d.mu.Unlock()
	if !ok {
		d.sink.log("received response for opcode 0x%02X with no pending waiter", opcode)
		return
	}

	if result == resultSuccess {
		payload := b[3:]
		waiter <- controlResult{payload: payload}
		return
	}

	dfuErr := &DfuError{Opcode: opcode, Result: result}
	if result == resultExtendedError && len(b) >= 4 {
		dfuErr.HasExtended = true
		dfuErr.ExtendedCode = b[3]
	}
	waiter <- controlResult{err: dfuErr}
}

// failAll resolves every pending control waiter with err, used on disconnect
// and on a protocol violation, when there's no single opcode to correlate
// the failure to. A pending PRN wait is detached but not woken: it ends at
// its own timeout and returns nil.
func (d *controlDialog) failAll(err error) {
	d.mu.Lock()
	waiters := d.waiters
	d.waiters = make(map[byte]chan controlResult)
	d.mu.Unlock()

	for _, w := range waiters {
		w <- controlResult{err: err}
	}

	d.prnMu.Lock()
	if d.prnWaiting && d.prnCh != nil {
		d.prnWaiting = false
		d.prnCh = nil
	}
	d.prnMu.Unlock()
}

// raiseProtocolViolation logs and fails every pending control waiter with a
// *ProtocolViolationError, per spec §4.5/§7: a notification that doesn't
// match any recognised framing fails a pending control request at once
// instead of leaving it to hang until the caller's context times out. A
// pending PRN wait is not failed (see failAll).
func (d *controlDialog) raiseProtocolViolation(reason string) {
	d.sink.log(reason)
	d.failAll(&ProtocolViolationError{Reason: reason})
}
