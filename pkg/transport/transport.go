// Package transport defines the serial byte-stream capability consumed by
// the Modbus exchange engine. The engine only ever needs to write a frame,
// poll for single bytes without blocking, and identify the port in logs,
// so the interface is deliberately small.
package transport

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrPortNotOpen is returned when reading or writing a port that has not
// been opened with Begin.
var ErrPortNotOpen = errors.New("port not open")

// Port is a half-duplex serial byte stream.
//
// ReadByte is non-blocking: it returns (0, false) when no byte is
// available, which the exchange engine treats as "retry until timeout",
// not as an error.
type Port interface {
	// Begin opens the port at the given baud rate.
	Begin(baudRate int) error

	// Write transmits the full buffer.
	Write(p []byte) (int, error)

	// ReadByte returns the next received byte, if any.
	ReadByte() (byte, bool)

	// Flush discards any bytes sitting in the receive buffer.
	Flush()

	// Tag identifies the port variant for diagnostics (e.g. "serial", "mem").
	Tag() string

	// Close releases the port.
	Close() error
}

// Config holds the configuration for a port.
type Config struct {
	// Type is the port type ("serial", "tcp", "mem").
	Type string `yaml:"type" json:"type"`

	// Device is the port path (e.g. "/dev/ttyUSB0", "COM3") or, for TCP
	// gateway ports, the endpoint (host:port). Unused by in-memory ports.
	Device string `yaml:"device" json:"device"`

	// BaudRate is the line speed. The PZEM004T V3.0 talks at 9600 only.
	BaudRate int `yaml:"baudrate" json:"baudrate"`

	// Options contains port-specific options.
	Options map[string]interface{} `yaml:"options" json:"options"`
}

// Factory creates port instances.
type Factory interface {
	// Type returns the port type this factory creates.
	Type() string

	// Create creates a new port with the given config.
	Create(config Config) (Port, error)

	// Validate validates the configuration for this port type.
	Validate(config Config) error
}

// Registry manages port factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty port registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory to the registry.
func (r *Registry) Register(factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if factory == nil {
		return fmt.Errorf("factory is nil")
	}

	r.factories[factory.Type()] = factory
	return nil
}

// Get retrieves a factory by type.
func (r *Registry) Get(portType string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	f, ok := r.factories[portType]
	if !ok {
		return nil, fmt.Errorf("port factory not found: %s", portType)
	}
	return f, nil
}

// List returns all registered port types.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Create creates a port using the appropriate factory.
func (r *Registry) Create(config Config) (Port, error) {
	f, err := r.Get(config.Type)
	if err != nil {
		return nil, err
	}

	if err := f.Validate(config); err != nil {
		return nil, err
	}

	return f.Create(config)
}
