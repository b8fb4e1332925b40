package dfu

import "time"

// SmartSpeedPolicy decides how to degrade transfer parameters after a
// retry budget is exhausted (spec §4.8). Returning ok=false means "stop
// retrying" and the error propagates to the caller of Update.
type SmartSpeedPolicy func(errMessage string, prnInterval, packetSize int) (newPRN, newPacketSize int, ok bool)

// config holds the driver's tunable parameters. Unexported: callers shape
// it only through functional options, the way moffa90-go-cyacd's
// bootloader.Config is only ever touched via bootloader.Option.
type config struct {
	crc               CRCFunc
	delay             time.Duration
	postResponseDelay time.Duration
	packetSize        int
	prnInterval       int
	forceRestart      bool
	smartSpeed        bool
	smartSpeedPolicy  SmartSpeedPolicy
	prnWaitTimeout    time.Duration
	disconnectTimeout time.Duration
	initPause         time.Duration
}

func defaultConfig() config {
	return config{
		crc:               defaultCRC,
		delay:             0,
		postResponseDelay: 0,
		packetSize:        20,
		prnInterval:       12,
		forceRestart:      false,
		smartSpeed:        true,
		smartSpeedPolicy:  nil,
		prnWaitTimeout:    3 * time.Second,
		disconnectTimeout: 5 * time.Second,
		initPause:         500 * time.Millisecond,
	}
}

// Option configures a Driver.
type Option func(*config)

// WithCRC substitutes a host-provided CRC-32 implementation for the
// stdlib default.
func WithCRC(fn CRCFunc) Option {
	return func(c *config) {
		if fn != nil {
			c.crc = fn
		}
	}
}

// WithDelay sets the pause applied after each packet write, in case the
// peer needs settle time between writes.
func WithDelay(d time.Duration) Option {
	return func(c *config) { c.delay = d }
}

// WithPostResponseDelay sets the pause applied after every successful
// control response, before it is returned to the caller.
func WithPostResponseDelay(d time.Duration) Option {
	return func(c *config) { c.postResponseDelay = d }
}

// WithPacketSize sets the initial packet chunk size written to the Packet
// characteristic. Smart Speed may shrink it at runtime.
func WithPacketSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.packetSize = n
		}
	}
}

// WithPRNInterval sets the initial Packet Receipt Notification interval.
// Zero disables flow control pacing.
func WithPRNInterval(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.prnInterval = n
		}
	}
}

// WithForceRestart makes every image upload start from byte 0 regardless
// of what the device reports as its resume offset.
func WithForceRestart(force bool) Option {
	return func(c *config) { c.forceRestart = force }
}

// WithSmartSpeed enables or disables the retry/degrade controller (C8).
// Disabled, any C6 failure propagates immediately.
func WithSmartSpeed(enabled bool) Option {
	return func(c *config) { c.smartSpeed = enabled }
}

// WithSmartSpeedPolicy overrides the default degradation policy (spec
// §4.8). The policy is only consulted once the built-in 3-retry budget at
// the current speed is exhausted.
func WithSmartSpeedPolicy(policy SmartSpeedPolicy) Option {
	return func(c *config) { c.smartSpeedPolicy = policy }
}

// WithPRNWaitTimeout overrides the 3-second default timeout for waiting on
// a PRN notification mid-stream.
func WithPRNWaitTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.prnWaitTimeout = d
		}
	}
}

// WithDisconnectTimeout overrides the 5-second default for waiting on the
// final disconnect event after a successful Update.
func WithDisconnectTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.disconnectTimeout = d
		}
	}
}
