package dfu

import (
	"context"
	"time"
)

// Scanner locates a peer advertising as described by filter and returns a
// Transport bound to it, not yet connected. It is the one discovery seam
// the core calls through; the core itself never scans (spec §1 Non-goals).
type Scanner interface {
	Scan(ctx context.Context, filter DeviceFilter) (Transport, error)
}

// Driver is the Session Orchestrator (C9). It is configured once via New
// and its Options, then drives at most one Update at a time; concurrent
// Update calls on the same Driver are unsupported (spec §5).
type Driver struct {
	cfg  config
	sink *EventSink

	transport  Transport
	serializer *writeSerializer
	control    *controlDialog

	controlChar GattCharacteristic
	packetChar  GattCharacteristic
	buttonChar  GattCharacteristic

	packetSize            int
	prnInterval           int
	retriesAtCurrentSpeed int

	state transferState
}

// New creates a Driver. The driver does not own a Transport until Update or
// SetDfuMode is called with one.
func New(opts ...Option) *Driver {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Driver{
		cfg:  cfg,
		sink: NewEventSink(),
	}
}

// Events returns the Driver's Event Sink (C2). Register listeners before
// calling Update.
func (d *Driver) Events() *EventSink {
	return d.sink
}

// RequestDevice asks scanner for a peer matching filter. If buttonless is
// true, it then performs the buttonless DFU-mode switch (spec §4.9); the
// returned Transport may be nil if the switch completed by disconnecting a
// buttonless peer that must be rediscovered in bootloader mode.
func (d *Driver) RequestDevice(ctx context.Context, scanner Scanner, buttonless bool, filter DeviceFilter) (Transport, error) {
	t, err := scanner.Scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if !buttonless {
		return t, nil
	}
	return d.SetDfuMode(ctx, t)
}

// SetDfuMode connects to device and determines whether it is already in
// DFU (bootloader) mode. If it exposes a buttonless characteristic (whether
// or not Control and Packet are also present), it triggers the mode switch
// and returns nil once the peer disconnects to reboot. Otherwise, if it
// exposes Control and Packet, it is returned unchanged. Otherwise it fails
// with *UnsupportedDeviceError.
func (d *Driver) SetDfuMode(ctx context.Context, device Transport) (Transport, error) {
	if err := device.Connect(ctx); err != nil {
		return nil, err
	}

	controlChar, packetChar, buttonChar, err := discoverCharacteristics(ctx, device)
	if err != nil {
		return nil, err
	}

	if buttonChar != nil {
		return d.switchViaButton(ctx, device, buttonChar)
	}
	if controlChar != nil && packetChar != nil {
		return device, nil
	}
	return nil, &UnsupportedDeviceError{Reason: "neither buttonless nor Control/Packet characteristics present"}
}

func (d *Driver) switchViaButton(ctx context.Context, device Transport, buttonChar GattCharacteristic) (Transport, error) {
	disconnected := make(chan struct{})
	device.OnDisconnect(func() { close(disconnected) })

	serializer := newWriteSerializer()
	dialog := newControlDialog(d.sink, serializer, 0)
	if err := dialog.attach(ctx, buttonChar, buttonChar); err != nil {
		return nil, err
	}

	d.sink.log("sending buttonless DFU-mode switch command")
	if err := serializer.submit(ctx, buttonChar, buttonCommand()); err != nil {
		return nil, err
	}

	select {
	case <-disconnected:
		d.sink.log("peer disconnected after buttonless switch, now rebooting into bootloader mode")
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Update runs SELECT -> stream -> CHECKSUM -> EXECUTE for the init packet,
// then the firmware image, against device, per spec §4.9.
func (d *Driver) Update(ctx context.Context, device Transport, initBytes, firmwareBytes []byte) error {
	d.transport = device
	d.packetSize = d.cfg.packetSize
	d.prnInterval = d.cfg.prnInterval
	d.retriesAtCurrentSpeed = 0

	d.control = newControlDialog(d.sink, nil, d.cfg.postResponseDelay)
	d.control.onPRN = func(offset uint32) {
		if offset > d.state.validatedBytes {
			d.state.validatedBytes = offset
			d.emitProgress()
		}
	}

	if err := device.Connect(ctx); err != nil {
		return err
	}
	// Registered once connected: OnDisconnect runs fn at once on a peer that
	// is not connected yet.
	device.OnDisconnect(func() { d.handleDisconnect() })

	controlChar, packetChar, _, err := discoverCharacteristics(ctx, device)
	if err != nil {
		return err
	}
	if controlChar == nil || packetChar == nil {
		missing := []string{}
		if controlChar == nil {
			missing = append(missing, "control")
		}
		if packetChar == nil {
			missing = append(missing, "packet")
		}
		return &MissingCharacteristicsError{Missing: missing}
	}
	d.controlChar = controlChar
	d.packetChar = packetChar

	d.resetSerializer()
	if err := d.control.attach(ctx, d.controlChar, d.controlChar); err != nil {
		return err
	}

	if d.prnInterval > 0 {
		if _, err := d.control.send(ctx, setPRNCommand(uint16(d.prnInterval))); err != nil {
			return err
		}
		d.sink.log("set PRN interval to %d", d.prnInterval)
	}

	if err := d.runImage(ctx, ImageInit, initBytes); err != nil {
		return err
	}

	select {
	case <-time.After(d.cfg.initPause):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := d.runImage(ctx, ImageFirmware, firmwareBytes); err != nil {
		return err
	}

	return d.finish(ctx)
}

func (d *Driver) finish(ctx context.Context) error {
	disconnected := make(chan struct{})
	var once bool
	d.transport.OnDisconnect(func() {
		if !once {
			once = true
			close(disconnected)
		}
	})

	if err := d.transport.Disconnect(ctx); err != nil {
		d.sink.log("disconnect request failed: %s", err.Error())
	}

	select {
	case <-disconnected:
	case <-time.After(d.cfg.disconnectTimeout):
		d.sink.log("timed out waiting for disconnect after %s, treating update as complete", d.cfg.disconnectTimeout)
	case <-ctx.Done():
	}
	return nil
}

func (d *Driver) resetSerializer() {
	d.serializer = newWriteSerializer()
	d.control.serializer = d.serializer
}

func (d *Driver) handleDisconnect() {
	if d.control != nil {
		d.control.failAll(&DisconnectedError{})
	}
	d.controlChar = nil
	d.packetChar = nil
	d.buttonChar = nil
	if d.serializer != nil {
		d.serializer.reset()
	}
}

func discoverCharacteristics(ctx context.Context, device Transport) (control, packet, button GattCharacteristic, err error) {
	svc, err := device.GetService(ctx, ServiceUUID)
	if err != nil {
		return nil, nil, nil, err
	}
	chars, err := svc.GetCharacteristics(ctx)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, c := range chars {
		switch c.UUID() {
		case ControlCharUUID:
			control = c
		case PacketCharUUID:
			packet = c
		case ButtonlessCharUUID:
			button = c
		}
	}
	return control, packet, button, nil
}
