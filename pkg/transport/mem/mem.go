// Package mem provides an in-memory transport.Port. It stands in for the
// real line during tests and demos: a Responder plays the peer and turns
// every written request into the byte stream the port will hand back.
package mem

import (
	"sync"

	"github.com/commatea/pzem-bridge/pkg/transport"
)

// Responder produces the peer's reply for a written request. Returning
// nil means the peer stays silent.
type Responder func(request []byte) []byte

// Port implements transport.Port backed by in-memory queues.
type Port struct {
	mu sync.Mutex

	responder Responder
	rx        []byte
	written   [][]byte
	opened    bool
	baudRate  int
}

// New creates an in-memory port. responder may be nil.
func New(responder Responder) *Port {
	return &Port{responder: responder}
}

// Begin marks the port as open.
func (p *Port) Begin(baudRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = true
	p.baudRate = baudRate
	return nil
}

// Write records the request and queues the responder's reply.
func (p *Port) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.opened {
		return 0, transport.ErrPortNotOpen
	}

	req := make([]byte, len(data))
	copy(req, data)
	p.written = append(p.written, req)

	if p.responder != nil {
		if reply := p.responder(req); len(reply) > 0 {
			p.rx = append(p.rx, reply...)
		}
	}
	return len(data), nil
}

// ReadByte pops the next queued byte.
func (p *Port) ReadByte() (byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.rx) == 0 {
		return 0, false
	}
	b := p.rx[0]
	p.rx = p.rx[1:]
	return b, true
}

// Flush drops all queued bytes.
func (p *Port) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = nil
}

// Tag identifies the port variant for diagnostics.
func (p *Port) Tag() string {
	return "mem"
}

// Close marks the port as closed.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opened = false
	return nil
}

// Inject queues bytes as if the peer had sent them unsolicited.
func (p *Port) Inject(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rx = append(p.rx, data...)
}

// Written returns every frame written so far, oldest first.
func (p *Port) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([][]byte, len(p.written))
	copy(out, p.written)
	return out
}

// Factory creates in-memory port instances.
type Factory struct {
	// Responder is attached to every created port.
	Responder Responder
}

// NewFactory creates a new in-memory port factory.
func NewFactory(responder Responder) *Factory {
	return &Factory{Responder: responder}
}

// Type returns the port type.
func (f *Factory) Type() string {
	return "mem"
}

// Create creates a new in-memory port.
func (f *Factory) Create(config transport.Config) (transport.Port, error) {
	return New(f.Responder), nil
}

// Validate validates the configuration.
func (f *Factory) Validate(config transport.Config) error {
	return nil
}
