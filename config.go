package modbus

import (
	"fmt"
	"net/url"
	"time"
)

// Transport selects exactly one way to reach the SystemAIR device: a
// streaming TCP endpoint, a stateless HTTP/JSON endpoint, or a reserved
// (currently rejected) serial device path.
type Transport struct {
	// TCPAddress, if non-empty, connects over the proprietary Modbus TCP
	// dialect described in codec.go.
	TCPAddress string

	// StatelessBaseURL, if non-nil, connects over the HTTP/JSON API
	// described in stateless_worker.go.
	StatelessBaseURL *url.URL

	// SerialDevice, if non-empty, selects the reserved RTU-over-serial
	// transport. Always rejected today, see ErrNotImplemented.
	SerialDevice string
}

func (t Transport) kind() (string, error) {
	set := 0
	kind := ""
	if t.TCPAddress != "" {
		set++
		kind = "tcp"
	}
	if t.StatelessBaseURL != nil {
		set++
		kind = "stateless"
	}
	if t.SerialDevice != "" {
		set++
		kind = "serial"
	}
	if set != 1 {
		return "", fmt.Errorf("modbus: exactly one of TCPAddress, StatelessBaseURL or SerialDevice must be set, got %d", set)
	}
	return kind, nil
}

// Config is the runtime configuration consumed by the connection core. It
// mirrors the option set of the original Args/ConnectionGroup, minus the
// CLI-flag-parsing concern which is out of scope for this package.
type Config struct {
	// How carries the transport selector (exactly one variant set).
	How Transport

	// DeviceID is placed in every request.
	DeviceID byte

	// ReadTimeout is added to the pacing estimate to produce the
	// per-request deadline.
	ReadTimeout time.Duration

	// SendTimeout bounds the time between staging a request and it being
	// written to the wire; exceeding it forces a reconnect.
	SendTimeout time.Duration

	// ReconnectAfterTimeouts is the number of consecutive head-of-window
	// timeouts tolerated before the streaming worker reconnects.
	ReconnectAfterTimeouts int

	// Baudrate is the serial baud rate configured on the physical bus
	// behind the gateway, used to estimate response pacing.
	Baudrate uint32

	// TCPSendDelay adds extra spacing between successive sends on the
	// streaming transport.
	TCPSendDelay time.Duration

	// ServerBusyRetryDelay is the sleep SendRetrying inserts between busy
	// retries.
	ServerBusyRetryDelay time.Duration
}

// DefaultConfig returns the option defaults observed in the original
// tooling's CLI (now just plain defaults, since CLI parsing is out of
// scope here).
func DefaultConfig() Config {
	return Config{
		ReadTimeout:            time.Second,
		SendTimeout:            3 * time.Second,
		ReconnectAfterTimeouts: 3,
		Baudrate:               9600,
		TCPSendDelay:           100 * time.Millisecond,
		ServerBusyRetryDelay:   25 * time.Millisecond,
	}
}

// Validate checks the configuration is internally consistent before a
// Connection is created from it.
func (c Config) Validate() error {
	if _, err := c.How.kind(); err != nil {
		return err
	}
	if c.Baudrate == 0 {
		return fmt.Errorf("modbus: baudrate must be nonzero")
	}
	if c.ReconnectAfterTimeouts == 0 {
		return fmt.Errorf("modbus: reconnect-after-timeouts must be nonzero")
	}
	return nil
}
