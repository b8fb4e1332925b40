package dfu

import "context"

// runImage is the Image Driver (C7): SELECT, decide restart-or-resume,
// then delegate to the Smart Speed Controller (C8) to drive the Object
// Transfer Engine (C6) across the image.
func (d *Driver) runImage(ctx context.Context, kind ImageKind, image []byte) error {
	resp, err := d.control.send(ctx, selectCommand(kind))
	if err != nil {
		return err
	}
	sel, err := decodeSelectResponse(resp)
	if err != nil {
		return err
	}

	offset := sel.Offset

	switch {
	case d.cfg.forceRestart && sel.Offset > 0:
		d.sink.log("force-restart enabled, re-uploading %s image from byte 0", kind)
		offset = 0

	case kind == ImageInit && sel.Offset == uint32(len(image)) && sel.Crc == d.cfg.crc(image):
		d.sink.log("init packet already available, skipping transfer")
		d.state = transferState{
			totalBytes:        uint32(len(image)),
			sentBytes:         uint32(len(image)),
			validatedBytes:    uint32(len(image)),
			currentObjectKind: kind.String(),
		}
		d.emitProgress()
		return nil

	case sel.Offset == 0:
		d.sink.log("starting fresh transfer of %s image (%d bytes)", kind, len(image))

	default:
		d.sink.log("resuming %s image transfer at offset %d of %d", kind, sel.Offset, len(image))
	}

	total := uint32(len(image))
	if total == 0 {
		total = 1
	}
	d.state = transferState{
		totalBytes:        total,
		sentBytes:         offset,
		validatedBytes:    offset,
		currentObjectKind: kind.String(),
	}
	if len(image) > 0 {
		d.state.totalBytes = uint32(len(image))
	}
	d.emitProgress()

	if len(image) == 0 {
		return nil
	}

	// Align to the device's pages when resuming, per spec §4.6.
	start := offset
	if sel.MaxObjectSize > 0 {
		start = offset - offset%sel.MaxObjectSize
	}

	return d.smartSpeedTransfer(ctx, kind, image, sel.MaxObjectSize, start)
}
