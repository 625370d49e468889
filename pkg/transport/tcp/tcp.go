// Package tcp provides a transport.Port backed by a TCP connection to an
// RS485-to-Ethernet gateway (e.g. an Elfin EW11 or USR-TCP232). The
// gateway bridges the socket onto the serial line, so the meter protocol
// runs unchanged over it; the configured baud rate applies to the
// gateway's serial side and is ignored here.
package tcp

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/commatea/pzem-bridge/pkg/transport"
)

var ErrNotConnected = errors.New("not connected")

// pollInterval bounds how long a ReadByte probe waits on the socket, so
// the exchange engine keeps control of the overall timeout.
const pollInterval = 5 * time.Millisecond

// Config holds gateway-specific configuration.
type Config struct {
	// Address is the gateway endpoint (host:port).
	Address string

	// KeepAlive enables TCP keepalive.
	KeepAlive bool

	// KeepAlivePeriod is the keepalive interval.
	KeepAlivePeriod time.Duration

	// NoDelay disables Nagle's algorithm. Request frames are small and
	// latency-bound, so it defaults to on.
	NoDelay bool

	// ConnectTimeout is the dial timeout.
	ConnectTimeout time.Duration

	// WriteTimeout is the per-frame write timeout.
	WriteTimeout time.Duration
}

// DefaultConfig returns a default gateway configuration.
func DefaultConfig() Config {
	return Config{
		KeepAlive:       true,
		KeepAlivePeriod: 30 * time.Second,
		NoDelay:         true,
		ConnectTimeout:  10 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Port implements transport.Port over a TCP socket.
type Port struct {
	mu     sync.Mutex
	config Config
	conn   net.Conn
	rx     []byte
	buf    [64]byte
}

// New creates a TCP port for the given gateway configuration.
func New(config Config) *Port {
	return &Port{config: config}
}

// Begin dials the gateway. baudRate is accepted for interface parity but
// the line speed is fixed on the gateway's serial side.
func (p *Port) Begin(baudRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn != nil {
		return nil
	}

	dialer := &net.Dialer{Timeout: p.config.ConnectTimeout}
	if p.config.KeepAlive {
		dialer.KeepAlive = p.config.KeepAlivePeriod
	}

	conn, err := dialer.Dial("tcp", p.config.Address)
	if err != nil {
		return fmt.Errorf("dial gateway %s: %w", p.config.Address, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		tcpConn.SetNoDelay(p.config.NoDelay)
	}

	p.conn = conn
	return nil
}

// Write transmits the full frame.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return 0, ErrNotConnected
	}
	if p.config.WriteTimeout > 0 {
		p.conn.SetWriteDeadline(time.Now().Add(p.config.WriteTimeout))
	}
	return p.conn.Write(data)
}

// ReadByte returns the next received byte, if any. A probe waits at most
// pollInterval before reporting that nothing arrived.
func (p *Port) ReadByte() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.rx) == 0 {
		p.fill(pollInterval)
	}
	if len(p.rx) == 0 {
		return 0, false
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b, true
}

// Flush discards everything already buffered or sitting in the socket.
func (p *Port) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rx = nil
	for p.fill(time.Millisecond) {
		p.rx = nil
	}
}

// fill reads whatever the socket has within the deadline into the receive
// buffer and reports whether anything arrived. Callers hold the mutex.
func (p *Port) fill(deadline time.Duration) bool {
	if p.conn == nil {
		return false
	}
	p.conn.SetReadDeadline(time.Now().Add(deadline))
	n, err := p.conn.Read(p.buf[:])
	if n > 0 {
		p.rx = append(p.rx, p.buf[:n]...)
	}
	return err == nil && n > 0
}

// Tag identifies the port variant for diagnostics.
func (p *Port) Tag() string {
	return "tcp"
}

// Close closes the socket.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	p.rx = nil
	return err
}

// Factory creates TCP gateway port instances.
type Factory struct{}

// NewFactory creates a new TCP port factory.
func NewFactory() *Factory {
	return &Factory{}
}

// Type returns the port type.
func (f *Factory) Type() string {
	return "tcp"
}

// Create creates a new TCP port. The port config's Device field carries
// the gateway endpoint.
func (f *Factory) Create(config transport.Config) (transport.Port, error) {
	tcpConfig := DefaultConfig()
	tcpConfig.Address = config.Device

	if opts := config.Options; opts != nil {
		if v, ok := opts["keepalive"].(bool); ok {
			tcpConfig.KeepAlive = v
		}
		if v, ok := opts["no_delay"].(bool); ok {
			tcpConfig.NoDelay = v
		}
		if v, ok := opts["connect_timeout"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				tcpConfig.ConnectTimeout = d
			}
		}
	}

	return New(tcpConfig), nil
}

// Validate validates the configuration.
func (f *Factory) Validate(config transport.Config) error {
	if config.Device == "" {
		return errors.New("gateway endpoint is required (host:port)")
	}
	if _, _, err := net.SplitHostPort(config.Device); err != nil {
		return fmt.Errorf("invalid gateway endpoint: %w", err)
	}
	return nil
}
