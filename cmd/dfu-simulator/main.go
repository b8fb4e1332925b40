// Command dfu-simulator advertises a BLE peripheral that behaves like a
// Nordic Secure DFU bootloader, for exercising dfu-cli (or any other
// dfu.Transport implementation) without real hardware. It mirrors
// peripheral/main.go's shape: a gatt.Service built from
// HandleWriteFunc/HandleNotifyFunc callbacks, advertised once the radio
// powers on.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"hash/crc32"
	"os"
	"sync"
	"time"

	"github.com/bledfu/securedfu/dfu"

	"github.com/paypal/gatt"
	"github.com/paypal/gatt/examples/option"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	opCreate            byte = 0x01
	opSetPRN            byte = 0x02
	opCalculateChecksum byte = 0x03
	opExecute           byte = 0x04
	opSelect            byte = 0x06

	subCommand byte = 0x01

	responseHeader      byte = 0x60
	notifyPacketReceipt byte = 0x03
	resultSuccess       byte = 0x01
	resultWrongState    byte = 0x08
)

var (
	deviceName    = flag.String("name", "dfu-simulator", "Device name to advertise")
	mtu           = flag.Int("mtu", 23, "Simulated ATT_MTU; packets larger than mtu-3 bytes are rejected")
	maxObjectSize = flag.Uint("max-object-size", 4096, "Object window size reported by SELECT")
	level         = flag.String("level", "info", "Logging level, eg: panic, fatal, error, warn, info, debug, trace")
	consoleLog    = flag.Bool("console-log", true, "Pass true to enable colorized console logging, false for JSON style logging")
)

type pendingObject struct {
	kind dfu.ImageKind
	data []byte
}

// bootloader holds the simulated flash and protocol state shared across
// the Control and Packet characteristic callbacks.
type bootloader struct {
	mu sync.Mutex

	maxObjectSize uint32
	mtu           int

	prnInterval uint16
	sinceNotify int

	pending  *pendingObject
	received map[dfu.ImageKind][]byte

	outbox chan []byte
}

func newBootloader() *bootloader {
	return &bootloader{
		maxObjectSize: uint32(*maxObjectSize),
		mtu:           *mtu,
		received:      make(map[dfu.ImageKind][]byte),
		outbox:        make(chan []byte, 16),
	}
}

func kindFromSub(sub byte) dfu.ImageKind {
	if sub == subCommand {
		return dfu.ImageInit
	}
	return dfu.ImageFirmware
}

func (b *bootloader) handleControlWrite(r gatt.Request, data []byte) byte {
	if len(data) == 0 {
		return gatt.StatusUnexpectedError
	}

	switch data[0] {
	case opCreate:
		b.handleCreate(data)
	case opSetPRN:
		b.mu.Lock()
		b.prnInterval = binary.LittleEndian.Uint16(data[1:3])
		b.mu.Unlock()
		b.outbox <- []byte{responseHeader, opSetPRN, resultSuccess}
	case opCalculateChecksum:
		b.handleChecksum()
	case opExecute:
		b.handleExecute()
	case opSelect:
		b.handleSelect(data)
	default:
		log.Warn().Uint8("opcode", data[0]).Msg("unsupported control opcode")
		b.outbox <- []byte{responseHeader, data[0], 0x02}
	}
	return gatt.StatusSuccess
}

func (b *bootloader) handleCreate(data []byte) {
	kind := kindFromSub(data[1])
	b.mu.Lock()
	b.pending = &pendingObject{kind: kind}
	b.sinceNotify = 0
	b.mu.Unlock()
	log.Debug().Str("kind", kind.String()).Msg("CREATE")
	b.outbox <- []byte{responseHeader, opCreate, resultSuccess}
}

func (b *bootloader) handleSelect(data []byte) {
	kind := kindFromSub(data[1])
	b.mu.Lock()
	committed := b.received[kind]
	maxObjectSize := b.maxObjectSize
	b.mu.Unlock()

	resp := make([]byte, 3+12)
	resp[0] = responseHeader
	resp[1] = opSelect
	resp[2] = resultSuccess
	binary.LittleEndian.PutUint32(resp[3:7], maxObjectSize)
	binary.LittleEndian.PutUint32(resp[7:11], uint32(len(committed)))
	binary.LittleEndian.PutUint32(resp[11:15], crc32.ChecksumIEEE(committed))
	log.Debug().Str("kind", kind.String()).Int("offset", len(committed)).Msg("SELECT")
	b.outbox <- resp
}

func (b *bootloader) handleChecksum() {
	b.mu.Lock()
	pending := b.pending
	b.mu.Unlock()
	if pending == nil {
		b.outbox <- []byte{responseHeader, opCalculateChecksum, resultWrongState}
		return
	}

	b.mu.Lock()
	combined := append(append([]byte{}, b.received[pending.kind]...), pending.data...)
	b.mu.Unlock()

	resp := make([]byte, 3+8)
	resp[0] = responseHeader
	resp[1] = opCalculateChecksum
	resp[2] = resultSuccess
	binary.LittleEndian.PutUint32(resp[3:7], uint32(len(combined)))
	binary.LittleEndian.PutUint32(resp[7:11], crc32.ChecksumIEEE(combined))
	b.outbox <- resp
}

func (b *bootloader) handleExecute() {
	b.mu.Lock()
	pending := b.pending
	b.mu.Unlock()
	if pending == nil {
		b.outbox <- []byte{responseHeader, opExecute, resultWrongState}
		return
	}

	b.mu.Lock()
	b.received[pending.kind] = append(b.received[pending.kind], pending.data...)
	total := len(b.received[pending.kind])
	b.pending = nil
	b.mu.Unlock()

	log.Info().Str("kind", pending.kind.String()).Int("total_bytes", total).Msg("EXECUTE")
	b.outbox <- []byte{responseHeader, opExecute, resultSuccess}
}

func (b *bootloader) handlePacketWrite(r gatt.Request, data []byte) byte {
	b.mu.Lock()
	mtu := b.mtu
	b.mu.Unlock()
	if len(data) > mtu-3 {
		log.Warn().Int("len", len(data)).Int("mtu", mtu).Msg("packet exceeds MTU-3, rejecting")
		return gatt.StatusUnexpectedError
	}

	b.mu.Lock()
	if b.pending == nil {
		b.mu.Unlock()
		return gatt.StatusUnexpectedError
	}
	b.pending.data = append(b.pending.data, data...)
	b.sinceNotify++
	notifyDue := b.prnInterval > 0 && b.sinceNotify >= int(b.prnInterval)
	if notifyDue {
		b.sinceNotify = 0
	}
	offset := uint32(len(b.received[b.pending.kind]) + len(b.pending.data))
	b.mu.Unlock()

	if notifyDue {
		frame := make([]byte, 5)
		frame[0] = notifyPacketReceipt
		binary.LittleEndian.PutUint32(frame[1:5], offset)
		b.outbox <- frame
	}
	return gatt.StatusSuccess
}

func newSecureDfuService(b *bootloader) *gatt.Service {
	s := gatt.NewService(gatt.UUID16(0xFE59))

	controlChar := s.AddCharacteristic(gatt.MustParseUUID(dfu.ControlCharUUID))
	controlChar.HandleWriteFunc(
		func(r gatt.Request, data []byte) byte { return b.handleControlWrite(r, data) },
	)
	s.AddCharacteristic(gatt.MustParseUUID(dfu.PacketCharUUID)).HandleWriteFunc(
		func(r gatt.Request, data []byte) byte { return b.handlePacketWrite(r, data) },
	)

	controlChar.HandleNotifyFunc(func(r gatt.Request, n gatt.Notifier) {
		for !n.Done() {
			select {
			case frame := <-b.outbox:
				if _, err := n.Write(frame); err != nil {
					log.Err(err).Msg("notify write failed")
				}
			case <-time.After(100 * time.Millisecond):
			}
		}
	})

	return s
}

var poweredOn bool

func main() {
	flag.Parse()
	if *consoleLog {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	lvl, err := zerolog.ParseLevel(*level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	b := newBootloader()

	d, err := gatt.NewDevice(option.DefaultServerOptions...)
	if err != nil {
		log.Fatal().Err(err).Msg("creating device")
	}

	d.Handle(
		gatt.CentralConnected(func(c gatt.Central) {
			log.Info().Str("central_id", c.ID()).Msg("central connected")
		}),
		gatt.CentralDisconnected(func(c gatt.Central) {
			log.Info().Str("central_id", c.ID()).Msg("central disconnected")
		}),
	)

	onStateChanged := func(d gatt.Device, s gatt.State) {
		log.Info().Str("state", s.String()).Msg("state changed")
		switch s {
		case gatt.StatePoweredOn:
			poweredOn = true
			svc := newSecureDfuService(b)
			d.AddService(svc)
			go advertisePeriodically(d, *deviceName, []gatt.UUID{svc.UUID()})
		default:
			poweredOn = false
		}
	}

	d.Init(onStateChanged)
	fmt.Fprintf(os.Stderr, "dfu-simulator advertising as %q\n", *deviceName)
	select {}
}

func advertisePeriodically(d gatt.Device, name string, services []gatt.UUID) {
	log.Info().Msg("start advertising")
	for poweredOn {
		d.AdvertiseNameAndServices(name, services)
		time.Sleep(100 * time.Millisecond)
	}
	log.Info().Msg("stop advertising")
}
