package dfu

import "context"

// smartSpeedTransfer drives the Smart Speed Controller (C8): it walks the
// image window by window, invoking the Object Transfer Engine (C6) once per
// window and deciding, on failure, whether to retry the same window with
// the same parameters, degrade speed and retry, or give up. A retry
// restarts the current window with a new CREATE; SELECT is not re-run, even
// after the packet size or PRN interval has changed mid-image.
func (d *Driver) smartSpeedTransfer(ctx context.Context, kind ImageKind, image []byte, maxObjectSize, start uint32) error {
	total := uint32(len(image))
	pos := start
	for pos < total {
		end := pos + maxObjectSize
		if maxObjectSize == 0 || end > total {
			end = total
		}
		if err := d.attemptWindow(ctx, kind, image, pos, end); err != nil {
			return err
		}
		pos = end
	}
	return nil
}

// attemptWindow wraps one window's transferWindow call with the retry and
// degradation policy of spec §4.8.
func (d *Driver) attemptWindow(ctx context.Context, kind ImageKind, image []byte, start, end uint32) error {
	for {
		err := d.transferWindow(ctx, kind, image, start, end)
		if err == nil {
			d.retriesAtCurrentSpeed = 0
			return nil
		}

		if !d.cfg.smartSpeed || !recoverableBySmartSpeed(err) {
			return err
		}

		d.retriesAtCurrentSpeed++
		if d.retriesAtCurrentSpeed <= 3 {
			d.sink.log("Retrying with same parameters (Attempt %d/3)", d.retriesAtCurrentSpeed)
			if err := d.prepareRetry(ctx, d.prnInterval); err != nil {
				return err
			}
			continue
		}

		d.retriesAtCurrentSpeed = 0
		newPacketSize, newPRN, changed := d.degrade(err.Error())
		if !changed {
			return err
		}
		d.sink.log("degrading speed after repeated failures: packetSize=%d prnInterval=%d", newPacketSize, newPRN)
		oldPRN := d.prnInterval
		d.packetSize = newPacketSize
		d.prnInterval = newPRN
		reissuePRN := d.prnInterval
		if d.prnInterval == oldPRN {
			reissuePRN = 0 // no change, skip re-sending SET_PRN
		}
		if err := d.prepareRetry(ctx, reissuePRN); err != nil {
			return err
		}
	}
}

// prepareRetry resets the write serializer and, if prnInterval > 0,
// re-issues SET_PRN, per spec §4.8.
func (d *Driver) prepareRetry(ctx context.Context, prnInterval int) error {
	d.resetSerializer()
	if prnInterval > 0 {
		if _, err := d.control.send(ctx, setPRNCommand(uint16(prnInterval))); err != nil {
			return err
		}
	}
	d.state.packetsSentSincePRN = 0
	return nil
}

func recoverableBySmartSpeed(err error) bool {
	switch err.(type) {
	case *CrcMismatchError, *DfuError:
		return true
	default:
		return false
	}
}

func (d *Driver) degrade(errMessage string) (newPacketSize, newPRNInterval int, changed bool) {
	if d.cfg.smartSpeedPolicy != nil {
		newPRN, newSize, ok := d.cfg.smartSpeedPolicy(errMessage, d.prnInterval, d.packetSize)
		if !ok {
			return d.packetSize, d.prnInterval, false
		}
		return newSize, newPRN, newSize != d.packetSize || newPRN != d.prnInterval
	}
	return defaultDegrade(d.packetSize, d.prnInterval)
}

// defaultDegrade implements spec §4.8's default policy: shrink packetSize
// first, then prnInterval, then enable flow control if it was disabled.
func defaultDegrade(packetSize, prnInterval int) (newPacketSize, newPRNInterval int, changed bool) {
	if packetSize > 20 {
		size := ceilDiv(packetSize, 2)
		if size < 20 {
			size = 20
		}
		return size, prnInterval, true
	}
	if prnInterval > 1 {
		return packetSize, ceilDiv(prnInterval, 2), true
	}
	if prnInterval == 0 {
		return packetSize, 12, true
	}
	return packetSize, prnInterval, false
}

func ceilDiv(n, d int) int {
	return (n + d - 1) / d
}
