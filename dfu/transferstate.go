package dfu

// transferState is the per-run counters owned by the Driver, reset at each
// image boundary (spec §3).
type transferState struct {
	totalBytes          uint32
	sentBytes           uint32
	validatedBytes      uint32
	currentObjectKind   string
	packetsSentSincePRN int
}

func (d *Driver) emitProgress() {
	d.sink.progress(ProgressEvent{
		Object:         d.state.currentObjectKind,
		TotalBytes:     d.state.totalBytes,
		SentBytes:      d.state.sentBytes,
		ValidatedBytes: d.state.validatedBytes,
	})
}
