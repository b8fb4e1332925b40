// Package dfutest provides an in-memory fake Secure DFU bootloader peer,
// the way gdnatest provides fakes for gdragon's network-facing interfaces
// and moffa90-go-cyacd's bootloader_test.go stands up a scripted device to
// drive the programmer against. It implements dfu.Transport end to end
// over encoded wire frames, not a shortcut mock of the Driver's internal
// calls, so it exercises the same parsing and correlation logic a real
// bootloader would.
package dfutest

import (
	"context"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/bledfu/securedfu/dfu"
)

const (
	opCreate            byte = 0x01
	opSetPRN            byte = 0x02
	opCalculateChecksum byte = 0x03
	opExecute           byte = 0x04
	opSelect            byte = 0x06

	subCommand byte = 0x01
	subData    byte = 0x02

	responseHeader      byte = 0x60
	notifyPacketReceipt byte = 0x03
	resultSuccess       byte = 0x01
	resultExtendedError byte = 0x0B
)

// ExtendedError codes a test can script a FakeBootloader to report. Values
// match the Secure DFU bootloader's own extended error table.
const (
	ExtendedErrorFirmwareVersion byte = 0x05
	ExtendedErrorCrcMismatch     byte = 0x0C
	ExtendedErrorInsufficientRAM byte = 0x0D
)

type pendingObject struct {
	kind dfu.ImageKind
	size uint32
	data []byte
}

// FakeBootloader simulates one Secure DFU peer: a Control and a Packet
// characteristic backed by the real CREATE/SELECT/SET_PRN/CHECKSUM/EXECUTE
// state machine, with hooks a test can use to script flakiness, MTU
// limits, checksum disagreements, and device-side rejections.
type FakeBootloader struct {
	mu sync.Mutex

	maxObjectSize uint32
	mtu           int

	// PacketWriteHook is called before every packet write that passes the
	// MTU check, with a 0-based sequence number (oversize writes use up a
	// sequence number too); returning a non-nil error fails that
	// write instead of accepting the chunk. Use an error whose message
	// contains "in progress" to simulate a transient busy response the
	// write serializer retries; any other error is fatal to the write.
	PacketWriteHook func(seq int, chunk []byte) error

	// CreateHook is called on every CREATE for kind with a 0-based
	// per-kind attempt counter; returning rejected true rejects the
	// CREATE with extendedCode as the extended error code.
	CreateHook func(kind dfu.ImageKind, attempt int) (rejected bool, extendedCode byte)

	// ChecksumHook is called on every CALCULATE_CHECKSUM for kind with
	// a 0-based per-kind attempt counter and the CRC-32 the bootloader
	// actually computed over the bytes received so far; returning
	// mismatch true substitutes reported in the response instead.
	ChecksumHook func(kind dfu.ImageKind, attempt int, actual int32) (reported int32, mismatch bool)

	packetSeq       int
	createAttempt   map[dfu.ImageKind]int
	checksumAttempt map[dfu.ImageKind]int
	prnInterval     uint16
	sinceNotify     int

	pending  *pendingObject
	received map[dfu.ImageKind][]byte

	notifyHandler func([]byte)
	connected     bool
	disconnect    []func()
}

// NewFakeBootloader returns a fake with the protocol's usual defaults:
// a 4096-byte max object size and the default 23-byte ATT MTU, which
// limits packet writes to 20 bytes.
func NewFakeBootloader() *FakeBootloader {
	return &FakeBootloader{
		maxObjectSize:   4096,
		mtu:             23,
		createAttempt:   make(map[dfu.ImageKind]int),
		checksumAttempt: make(map[dfu.ImageKind]int),
		received:        make(map[dfu.ImageKind][]byte),
	}
}

// SetMaxObjectSize overrides the object window size reported by SELECT.
func (f *FakeBootloader) SetMaxObjectSize(n uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.maxObjectSize = n
}

// SetMTU overrides the link MTU; packets larger than MTU-3 bytes are
// rejected, mirroring a real controller's ATT_MTU enforcement.
func (f *FakeBootloader) SetMTU(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mtu = n
}

// SeedComplete pre-populates kind as if a prior session had already
// uploaded and validated data in full, so a subsequent SELECT reports an
// offset and CRC matching it — the precondition for the init-skip path.
func (f *FakeBootloader) SeedComplete(kind dfu.ImageKind, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received[kind] = append([]byte{}, data...)
}

// Received returns the bytes committed (via EXECUTE) for kind so far.
func (f *FakeBootloader) Received(kind dfu.ImageKind) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte{}, f.received[kind]...)
}

// --- dfu.Transport ---

func (f *FakeBootloader) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *FakeBootloader) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = true
	f.mu.Unlock()
	return nil
}

func (f *FakeBootloader) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.connected = false
	handlers := f.disconnect
	f.disconnect = nil
	f.mu.Unlock()
	for _, h := range handlers {
		h()
	}
	return nil
}

func (f *FakeBootloader) OnDisconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		fn()
		return
	}
	f.disconnect = append(f.disconnect, fn)
}

func (f *FakeBootloader) GetService(ctx context.Context, uuid string) (dfu.GattService, error) {
	if uuid != dfu.ServiceUUID {
		return nil, fmt.Errorf("fake bootloader: no such service %q", uuid)
	}
	return &fakeService{bootloader: f}, nil
}

type fakeService struct{ bootloader *FakeBootloader }

func (s *fakeService) GetCharacteristics(ctx context.Context) ([]dfu.GattCharacteristic, error) {
	return []dfu.GattCharacteristic{
		&controlCharacteristic{bootloader: s.bootloader},
		&packetCharacteristic{bootloader: s.bootloader},
	}, nil
}

type controlCharacteristic struct{ bootloader *FakeBootloader }

func (c *controlCharacteristic) UUID() string { return dfu.ControlCharUUID }

func (c *controlCharacteristic) WriteValue(ctx context.Context, b []byte) error {
	return c.bootloader.handleControlWrite(b)
}

func (c *controlCharacteristic) StartNotifications(ctx context.Context) error { return nil }

func (c *controlCharacteristic) OnValueChanged(handler func([]byte)) {
	c.bootloader.mu.Lock()
	c.bootloader.notifyHandler = handler
	c.bootloader.mu.Unlock()
}

type packetCharacteristic struct{ bootloader *FakeBootloader }

func (c *packetCharacteristic) UUID() string { return dfu.PacketCharUUID }

func (c *packetCharacteristic) WriteValue(ctx context.Context, b []byte) error {
	return c.bootloader.handlePacketWrite(b)
}

func (c *packetCharacteristic) StartNotifications(ctx context.Context) error { return nil }

func (c *packetCharacteristic) OnValueChanged(handler func([]byte)) {}

// --- protocol state machine ---

func kindFromSub(sub byte) dfu.ImageKind {
	if sub == subCommand {
		return dfu.ImageInit
	}
	return dfu.ImageFirmware
}

func subFromKind(kind dfu.ImageKind) byte {
	if kind == dfu.ImageInit {
		return subCommand
	}
	return subData
}

func (f *FakeBootloader) notify(frame []byte) {
	f.mu.Lock()
	handler := f.notifyHandler
	f.mu.Unlock()
	if handler != nil {
		handler(frame)
	}
}

func (f *FakeBootloader) handleControlWrite(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("fake bootloader: empty control write")
	}

	switch b[0] {
	case opCreate:
		f.handleCreate(b)
	case opSetPRN:
		f.mu.Lock()
		f.prnInterval = binary.LittleEndian.Uint16(b[1:3])
		f.mu.Unlock()
		f.notify([]byte{responseHeader, opSetPRN, resultSuccess})
	case opCalculateChecksum:
		f.handleChecksum()
	case opExecute:
		f.handleExecute()
	case opSelect:
		f.handleSelect(b)
	default:
		f.notify([]byte{responseHeader, b[0], 0x02}) // opcode not supported
	}
	return nil
}

func (f *FakeBootloader) handleCreate(b []byte) {
	kind := kindFromSub(b[1])
	size := binary.LittleEndian.Uint32(b[2:6])

	f.mu.Lock()
	attempt := f.createAttempt[kind]
	f.createAttempt[kind] = attempt + 1
	hook := f.CreateHook
	f.mu.Unlock()

	if hook != nil {
		if rejected, code := hook(kind, attempt); rejected {
			f.notify([]byte{responseHeader, opCreate, resultExtendedError, code})
			return
		}
	}

	f.mu.Lock()
	f.pending = &pendingObject{kind: kind, size: size}
	f.sinceNotify = 0
	f.mu.Unlock()

	f.notify([]byte{responseHeader, opCreate, resultSuccess})
}

func (f *FakeBootloader) handleSelect(b []byte) {
	kind := kindFromSub(b[1])

	f.mu.Lock()
	committed := f.received[kind]
	maxObjectSize := f.maxObjectSize
	f.mu.Unlock()

	resp := make([]byte, 3+12)
	resp[0] = responseHeader
	resp[1] = opSelect
	resp[2] = resultSuccess
	binary.LittleEndian.PutUint32(resp[3:7], maxObjectSize)
	binary.LittleEndian.PutUint32(resp[7:11], uint32(len(committed)))
	binary.LittleEndian.PutUint32(resp[11:15], uint32(crc32.ChecksumIEEE(committed)))
	f.notify(resp)
}

func (f *FakeBootloader) handleChecksum() {
	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()
	if pending == nil {
		f.notify([]byte{responseHeader, opCalculateChecksum, 0x08}) // wrong state
		return
	}

	f.mu.Lock()
	combined := append(append([]byte{}, f.received[pending.kind]...), pending.data...)
	actual := int32(crc32.ChecksumIEEE(combined))
	attempt := f.checksumAttempt[pending.kind]
	f.checksumAttempt[pending.kind] = attempt + 1
	hook := f.ChecksumHook
	f.mu.Unlock()

	reported := actual
	if hook != nil {
		if r, mismatch := hook(pending.kind, attempt, actual); mismatch {
			reported = r
		}
	}

	resp := make([]byte, 3+8)
	resp[0] = responseHeader
	resp[1] = opCalculateChecksum
	resp[2] = resultSuccess
	binary.LittleEndian.PutUint32(resp[3:7], uint32(len(combined)))
	binary.LittleEndian.PutUint32(resp[7:11], uint32(reported))
	f.notify(resp)
}

func (f *FakeBootloader) handleExecute() {
	f.mu.Lock()
	pending := f.pending
	f.mu.Unlock()
	if pending == nil {
		f.notify([]byte{responseHeader, opExecute, 0x08}) // wrong state
		return
	}

	f.mu.Lock()
	f.received[pending.kind] = append(f.received[pending.kind], pending.data...)
	f.pending = nil
	f.mu.Unlock()

	f.notify([]byte{responseHeader, opExecute, resultSuccess})
}

func (f *FakeBootloader) handlePacketWrite(b []byte) error {
	f.mu.Lock()
	mtu := f.mtu
	seq := f.packetSeq
	f.packetSeq++
	hook := f.PacketWriteHook
	f.mu.Unlock()

	if len(b) > mtu-3 {
		return fmt.Errorf("value longer than maximum length of %d for characteristic", mtu-3)
	}

	if hook != nil {
		if err := hook(seq, b); err != nil {
			return err
		}
	}

	f.mu.Lock()
	if f.pending == nil {
		f.mu.Unlock()
		return fmt.Errorf("fake bootloader: packet write with no object created")
	}
	f.pending.data = append(f.pending.data, b...)
	f.sinceNotify++
	notifyDue := f.prnInterval > 0 && f.sinceNotify >= int(f.prnInterval)
	if notifyDue {
		f.sinceNotify = 0
	}
	offset := uint32(len(f.received[f.pending.kind]) + len(f.pending.data))
	f.mu.Unlock()

	if notifyDue {
		frame := make([]byte, 5)
		frame[0] = notifyPacketReceipt
		binary.LittleEndian.PutUint32(frame[1:5], offset)
		f.notify(frame)
	}
	return nil
}
