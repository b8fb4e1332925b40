package dfu

import (
	"context"
	"time"
)

// transferWindow is the Object Transfer Engine (C6) for a single object
// window [start, end) of image: CREATE, stream packets with PRN pacing,
// CALCULATE_CHECKSUM + verify, EXECUTE. It does not retry on failure and
// does not advance to the next window — that's the Smart Speed
// Controller's (C8) job, which invokes this once per window and decides
// whether/how to retry the same window on error (spec §4.6, §4.8, §9).
func (d *Driver) transferWindow(ctx context.Context, kind ImageKind, image []byte, start, end uint32) error {
	if _, err := d.control.send(ctx, createCommand(kind, end-start)); err != nil {
		return err
	}

	d.state.packetsSentSincePRN = 0
	if err := d.streamWindow(ctx, image, start, end); err != nil {
		return err
	}

	resp, err := d.control.send(ctx, calculateChecksumCommand())
	if err != nil {
		return err
	}
	checksum, err := decodeChecksumResponse(resp)
	if err != nil {
		return err
	}

	expected := d.cfg.crc(image[:checksum.Offset])
	if checksum.Crc != expected {
		return &CrcMismatchError{Offset: checksum.Offset, Expected: expected, Actual: checksum.Crc}
	}

	d.state.validatedBytes = checksum.Offset
	d.emitProgress()

	if _, err := d.control.send(ctx, executeCommand()); err != nil {
		return err
	}
	return nil
}

func (d *Driver) streamWindow(ctx context.Context, image []byte, start, end uint32) error {
	packetSize := uint32(d.packetSize)
	for pos := start; pos < end; {
		if d.prnInterval > 0 && d.state.packetsSentSincePRN >= d.prnInterval {
			if err := d.control.waitForPRN(ctx, d.cfg.prnWaitTimeout); err != nil {
				return err
			}
			d.state.packetsSentSincePRN = 0
		}

		chunkEnd := pos + packetSize
		if chunkEnd > end {
			chunkEnd = end
		}
		chunk := image[pos:chunkEnd]

		if err := d.serializer.submit(ctx, d.packetChar, chunk); err != nil {
			return err
		}
		d.state.packetsSentSincePRN++

		pos = chunkEnd
		d.state.sentBytes = pos
		if d.cfg.delay > 0 {
			select {
			case <-time.After(d.cfg.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		d.emitProgress()
	}
	return nil
}
