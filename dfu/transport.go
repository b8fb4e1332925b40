package dfu

import "context"

// Transport is the abstraction the engine requires over a connected GATT
// peer. It is implemented by transport/gatt for a real BLE central stack,
// and by dfutest for tests. The engine never talks to a BLE library
// directly; it only ever holds a Transport.
type Transport interface {
	// IsConnected reports whether the peer link is currently up.
	IsConnected() bool

	// Connect establishes (or confirms) the link to the peer, blocking
	// until connected, the peer is found to be unsupported, or ctx is
	// done.
	Connect(ctx context.Context) error

	// Disconnect requests the link be torn down. It does not block for
	// the disconnect event to arrive; callers wait on OnDisconnect.
	Disconnect(ctx context.Context) error

	// GetService resolves a service by UUID (a bare 16-bit hex string such
	// as "fe59", or a full 128-bit UUID string).
	GetService(ctx context.Context, uuid string) (GattService, error)

	// OnDisconnect registers fn to be called exactly once when the peer
	// disconnects. Registering while already disconnected invokes fn
	// immediately.
	OnDisconnect(fn func())
}

// GattService resolves the characteristics it exposes.
type GattService interface {
	GetCharacteristics(ctx context.Context) ([]GattCharacteristic, error)
}

// GattCharacteristic is a single read/write/notify attribute.
type GattCharacteristic interface {
	// UUID returns the characteristic's UUID string, in the same format
	// GetService accepts.
	UUID() string

	// WriteValue writes b to the characteristic. Implementations report a
	// transient "busy" condition as an error whose message contains
	// "in progress", and an oversize write as an error whose message
	// contains "longer than maximum length" (or similar). The engine retries
	// only errors containing "in progress" (spec §4.4); any other error,
	// an oversize write included, is returned to the caller.
	WriteValue(ctx context.Context, b []byte) error

	// StartNotifications enables value-changed notifications; handler is
	// set via OnValueChanged before or after this call.
	StartNotifications(ctx context.Context) error

	// OnValueChanged registers the single handler invoked for every
	// notification received on this characteristic.
	OnValueChanged(handler func(b []byte))
}

// DeviceFilter selects which advertising peripheral to connect to.
// Name, if non-empty, must exactly match the advertised local name.
// ServiceUUIDs, if non-empty, must be a subset of the advertised service
// UUID list.
type DeviceFilter struct {
	Name         string
	ServiceUUIDs []string
}

// Matches reports whether an advertisement described by name and
// advertisedServices satisfies the filter.
func (f DeviceFilter) Matches(name string, advertisedServices []string) bool {
	if f.Name != "" && f.Name != name {
		return false
	}
	for _, want := range f.ServiceUUIDs {
		found := false
		for _, have := range advertisedServices {
			if have == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
