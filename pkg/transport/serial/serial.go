// Package serial provides the hardware serial port implementation
// for RS485/TTL communication with the meter.
package serial

import (
	"errors"
	"sync"
	"time"

	"github.com/commatea/pzem-bridge/pkg/transport"
	"go.bug.st/serial"
)

// ErrInvalidConfig is returned for an unusable serial configuration.
var ErrInvalidConfig = errors.New("invalid serial configuration")

// pollInterval bounds how long a single ReadByte call may block. It has
// to stay well below the exchange read timeout so the engine keeps
// control of the overall deadline.
const pollInterval = 5 * time.Millisecond

// Config holds serial-specific configuration.
type Config struct {
	// Device is the serial port path (e.g., "/dev/ttyUSB0", "COM3").
	Device string `yaml:"device" json:"device"`

	// BaudRate is the baud rate. The PZEM004T V3.0 is fixed at 9600 8N1.
	BaudRate int `yaml:"baudrate" json:"baudrate"`

	// DataBits is the number of data bits (5, 6, 7, 8).
	DataBits int `yaml:"databits" json:"databits"`

	// Parity is the parity mode ("none", "odd", "even").
	Parity string `yaml:"parity" json:"parity"`

	// StopBits is the number of stop bits (1, 1.5, 2).
	StopBits float64 `yaml:"stopbits" json:"stopbits"`
}

// DefaultConfig returns a default serial configuration.
func DefaultConfig() Config {
	return Config{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   "none",
		StopBits: 1,
	}
}

// Port implements transport.Port on top of go.bug.st/serial.
type Port struct {
	mu sync.Mutex

	config Config
	port   serial.Port

	one [1]byte
}

// New creates a new serial port from a transport config.
func New(config transport.Config) (*Port, error) {
	serialConfig := DefaultConfig()
	serialConfig.Device = config.Device
	if config.BaudRate > 0 {
		serialConfig.BaudRate = config.BaudRate
	}

	if opts := config.Options; opts != nil {
		if v, ok := opts["databits"].(int); ok {
			serialConfig.DataBits = v
		}
		if v, ok := opts["parity"].(string); ok {
			serialConfig.Parity = v
		}
		if v, ok := opts["stopbits"].(float64); ok {
			serialConfig.StopBits = v
		}
	}

	if serialConfig.Device == "" {
		return nil, ErrInvalidConfig
	}

	return &Port{config: serialConfig}, nil
}

// Begin opens the serial device at the given baud rate.
func (p *Port) Begin(baudRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != nil {
		return nil
	}
	if baudRate > 0 {
		p.config.BaudRate = baudRate
	}

	mode := &serial.Mode{
		BaudRate: p.config.BaudRate,
		DataBits: p.config.DataBits,
		Parity:   p.parseParity(),
		StopBits: p.parseStopBits(),
	}

	port, err := serial.Open(p.config.Device, mode)
	if err != nil {
		return err
	}

	if err := port.SetReadTimeout(pollInterval); err != nil {
		port.Close()
		return err
	}

	p.port = port
	return nil
}

// Write transmits data to the device.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return 0, transport.ErrPortNotOpen
	}
	return p.port.Write(data)
}

// ReadByte returns the next received byte. It waits at most pollInterval
// and reports false when nothing arrived in that window.
func (p *Port) ReadByte() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return 0, false
	}

	n, err := p.port.Read(p.one[:])
	if err != nil || n == 0 {
		return 0, false
	}
	return p.one[0], true
}

// Flush discards everything in the receive buffer.
func (p *Port) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port != nil {
		p.port.ResetInputBuffer()
	}
}

// Tag identifies the port variant for diagnostics.
func (p *Port) Tag() string {
	return "serial"
}

// Close closes the serial device.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.port == nil {
		return nil
	}
	err := p.port.Close()
	p.port = nil
	return err
}

// parseParity converts the parity string to serial.Parity.
func (p *Port) parseParity() serial.Parity {
	switch p.config.Parity {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	default:
		return serial.NoParity
	}
}

// parseStopBits converts the stopbits value to serial.StopBits.
func (p *Port) parseStopBits() serial.StopBits {
	switch p.config.StopBits {
	case 1.5:
		return serial.OnePointFiveStopBits
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// Factory creates serial port instances.
type Factory struct{}

// NewFactory creates a new serial port factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the port type.
func (f *Factory) Type() string {
	return "serial"
}

// Create creates a new serial port.
func (f *Factory) Create(config transport.Config) (transport.Port, error) {
	return New(config)
}

// Validate validates the configuration.
func (f *Factory) Validate(config transport.Config) error {
	if config.Device == "" {
		return errors.New("serial device path is required")
	}
	return nil
}
