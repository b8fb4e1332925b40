// Package gatt adapts github.com/paypal/gatt's BLE central stack to the
// dfu.Transport/dfu.GattService/dfu.GattCharacteristic interfaces, the way
// central/connection.go and hps/connection.go adapt the same library to the
// HPS client's needs: one gatt.Device per scan, handlers registered for
// peripheral discovery/connection/disconnection, characteristics resolved
// by UUID match after DiscoverCharacteristics.
package gatt

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bledfu/securedfu/dfu"

	ppgatt "github.com/paypal/gatt"
	gattoption "github.com/paypal/gatt/examples/option"
	"github.com/rs/zerolog/log"
)

// CentralScanner implements dfu.Scanner over a fresh gatt.Device per scan,
// the same way hps.Client.Do creates a new gatt.Device per call.
type CentralScanner struct{}

// NewCentralScanner returns a ready-to-use scanner.
func NewCentralScanner() *CentralScanner {
	return &CentralScanner{}
}

// Scan powers on a new BLE central, scans until a peripheral matching
// filter advertises, and returns a Transport bound to it (not yet
// connected).
func (s *CentralScanner) Scan(ctx context.Context, filter dfu.DeviceFilter) (dfu.Transport, error) {
	found := make(chan ppgatt.Peripheral, 1)

	device, err := ppgatt.NewDevice(gattoption.DefaultClientOptions...)
	if err != nil {
		return nil, err
	}

	device.Handle(
		ppgatt.PeripheralDiscovered(func(p ppgatt.Peripheral, a *ppgatt.Advertisement, rssi int) {
			if !filter.Matches(p.Name(), advertisedServiceUUIDs(a)) {
				log.Debug().Str("peripheral_id", p.ID()).Str("name", p.Name()).Msg("skipping peripheral")
				return
			}
			log.Info().Str("peripheral_id", p.ID()).Str("name", p.Name()).Msg("found matching peripheral")
			p.Device().StopScanning()
			select {
			case found <- p:
			default:
			}
		}),
	)

	device.Init(func(d ppgatt.Device, st ppgatt.State) {
		log.Info().Str("state", st.String()).Msg("gatt state changed")
		switch st {
		case ppgatt.StatePoweredOn:
			d.Scan([]ppgatt.UUID{}, false)
		default:
			d.StopScanning()
		}
	})

	select {
	case p := <-found:
		return &peripheralTransport{device: device, peripheral: p}, nil
	case <-ctx.Done():
		device.StopScanning()
		return nil, ctx.Err()
	}
}

func advertisedServiceUUIDs(a *ppgatt.Advertisement) []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Services))
	for _, u := range a.Services {
		out = append(out, u.String())
	}
	return out
}

// peripheralTransport implements dfu.Transport over one gatt.Peripheral.
type peripheralTransport struct {
	device     ppgatt.Device
	peripheral ppgatt.Peripheral

	mu                  sync.Mutex
	connected           bool
	disconnectHandlers  []func()
	connectResult       chan error
}

func (t *peripheralTransport) Connect(ctx context.Context) error {
	t.connectResult = make(chan error, 1)
	t.device.Handle(
		ppgatt.PeripheralConnected(t.onConnected),
		ppgatt.PeripheralDisconnected(t.onDisconnected),
	)
	t.device.Connect(t.peripheral)

	select {
	case err := <-t.connectResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *peripheralTransport) onConnected(p ppgatt.Peripheral, err error) {
	log.Info().Str("peripheral_id", p.ID()).Err(err).Msg("peripheral connected")
	t.mu.Lock()
	t.connected = err == nil
	t.mu.Unlock()
	select {
	case t.connectResult <- err:
	default:
	}
}

func (t *peripheralTransport) onDisconnected(p ppgatt.Peripheral, err error) {
	log.Info().Str("peripheral_id", p.ID()).Msg("peripheral disconnected")
	t.mu.Lock()
	t.connected = false
	handlers := t.disconnectHandlers
	t.disconnectHandlers = nil
	t.mu.Unlock()

	for _, h := range handlers {
		h()
	}
}

func (t *peripheralTransport) OnDisconnect(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		fn()
		return
	}
	t.disconnectHandlers = append(t.disconnectHandlers, fn)
}

func (t *peripheralTransport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *peripheralTransport) Disconnect(ctx context.Context) error {
	t.peripheral.Device().CancelConnection(t.peripheral)
	return nil
}

func (t *peripheralTransport) GetService(ctx context.Context, uuid string) (dfu.GattService, error) {
	services, err := t.peripheral.DiscoverServices(nil)
	if err != nil {
		return nil, err
	}
	target := parseUUID(uuid)
	for _, svc := range services {
		if svc.UUID().Equal(target) {
			return &gattService{peripheral: t.peripheral, svc: svc}, nil
		}
	}
	return nil, fmt.Errorf("service %s not found", uuid)
}

type gattService struct {
	peripheral ppgatt.Peripheral
	svc        *ppgatt.Service
}

func (s *gattService) GetCharacteristics(ctx context.Context) ([]dfu.GattCharacteristic, error) {
	cs, err := s.peripheral.DiscoverCharacteristics(nil, s.svc)
	if err != nil {
		return nil, err
	}
	out := make([]dfu.GattCharacteristic, 0, len(cs))
	for _, c := range cs {
		out = append(out, &gattCharacteristic{peripheral: s.peripheral, ch: c, uuid: canonicalUUID(c.UUID())})
	}
	return out, nil
}

type gattCharacteristic struct {
	peripheral ppgatt.Peripheral
	ch         *ppgatt.Characteristic
	uuid       string

	mu      sync.Mutex
	handler func([]byte)
}

func (c *gattCharacteristic) UUID() string { return c.uuid }

func (c *gattCharacteristic) WriteValue(ctx context.Context, b []byte) error {
	noResponse := c.ch.UUID().Equal(parseUUID(dfu.PacketCharUUID))
	return c.peripheral.WriteCharacteristic(c.ch, b, noResponse)
}

func (c *gattCharacteristic) StartNotifications(ctx context.Context) error {
	return c.peripheral.SetNotifyValue(c.ch, func(ch *ppgatt.Characteristic, b []byte, err error) {
		if err != nil {
			log.Err(err).Str("name", ch.Name()).Msg("notification error")
			return
		}
		c.mu.Lock()
		h := c.handler
		c.mu.Unlock()
		if h != nil {
			h(b)
		}
	})
}

func (c *gattCharacteristic) OnValueChanged(handler func(b []byte)) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

// parseUUID builds a gatt.UUID from either a bare 16-bit hex string (e.g.
// "fe59") or a full 128-bit dashed UUID string, the way the teacher's code
// picks between gatt.UUID16 and gatt.MustParseUUID depending on which kind
// of identifier it has in hand.
func parseUUID(s string) ppgatt.UUID {
	if len(s) == 4 {
		if v, err := strconv.ParseUint(s, 16, 16); err == nil {
			return ppgatt.UUID16(uint16(v))
		}
	}
	return ppgatt.MustParseUUID(s)
}

// canonicalUUID maps a discovered characteristic's UUID back to one of our
// own string constants when it matches a known Secure DFU characteristic,
// so dfu.session's UUID-string switch works regardless of how the gatt
// library formats UUID.String() internally.
func canonicalUUID(u ppgatt.UUID) string {
	switch {
	case u.Equal(parseUUID(dfu.ControlCharUUID)):
		return dfu.ControlCharUUID
	case u.Equal(parseUUID(dfu.PacketCharUUID)):
		return dfu.PacketCharUUID
	case u.Equal(parseUUID(dfu.ButtonlessCharUUID)):
		return dfu.ButtonlessCharUUID
	default:
		return u.String()
	}
}
