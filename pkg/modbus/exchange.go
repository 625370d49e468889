package modbus

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/commatea/pzem-bridge/pkg/metrics"
	"github.com/commatea/pzem-bridge/pkg/transport"
	"github.com/commatea/pzem-bridge/pkg/utils/crc"
)

// DefaultReadTimeout bounds one exchange. The PZEM manual does not
// specify a reply deadline; this value is inherited from field use.
const DefaultReadTimeout = 200 * time.Millisecond

// Clock provides monotonic time to the exchange loop. Injected so the
// collection loop is testable without sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall Clock used outside of tests.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}

// readState names the phases of response collection. Resynchronization
// on the address byte and the exception-length switch live in explicit
// states instead of ad hoc counters.
type readState int

const (
	// stateScanAddress discards bytes until the device address shows up.
	stateScanAddress readState = iota
	// stateScanFunction checks the function code or its exception form.
	stateScanFunction
	// stateAccumulate collects the remainder of the frame.
	stateAccumulate
	// stateDone means the expected byte count has been reached.
	stateDone
)

// frameReader is the finite-state response collector for one exchange.
type frameReader struct {
	address byte
	code    byte
	expect  int
	state   readState
	buf     [BufferSize]byte
	n       int
}

func newFrameReader(address, code byte, expect int) *frameReader {
	return &frameReader{
		address: address,
		code:    code,
		expect:  expect,
	}
}

// feed consumes one received byte and advances the state machine.
func (r *frameReader) feed(b byte) {
	switch r.state {
	case stateScanAddress:
		// Anything that is not our address is another device's traffic
		// or noise; keep scanning for a frame start.
		if b != r.address {
			return
		}
		r.buf[0] = b
		r.n = 1
		r.state = stateScanFunction

	case stateScanFunction:
		switch b {
		case r.code | ExceptionMask:
			r.expect = exceptionFrameLen
		case r.code:
		default:
			// A matching address byte followed by the wrong function
			// code was not our reply. Drop the partial frame and this
			// byte with it.
			r.n = 0
			r.state = stateScanAddress
			return
		}
		r.buf[1] = b
		r.n = 2
		r.state = stateAccumulate

	case stateAccumulate:
		r.buf[r.n] = b
		r.n++
		if r.n == r.expect {
			r.state = stateDone
		}
	}
}

// done reports whether a full frame has been collected.
func (r *frameReader) done() bool {
	return r.state == stateDone
}

// Exchanger performs single request/response cycles against one device.
// The collection loop busy-polls the port and deliberately does not yield
// to other work; the read timeout is the only bound on its duration.
type Exchanger struct {
	port    transport.Port
	clock   Clock
	timeout time.Duration
	log     *logger.Logger
}

// NewExchanger creates an exchanger over port. A zero timeout selects
// DefaultReadTimeout; a nil clock selects SystemClock.
func NewExchanger(port transport.Port, timeout time.Duration, clock Clock, log *logger.Logger) *Exchanger {
	if timeout <= 0 {
		timeout = DefaultReadTimeout
	}
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logger.Global()
	}
	return &Exchanger{
		port:    port,
		clock:   clock,
		timeout: timeout,
		log:     log,
	}
}

// Exchange writes the finalized request, collects the reply within the
// read timeout, validates it, and hands the verified frame to consume.
//
// Failures are classified in order: byte count short of expectation
// (ErrTimeout), checksum mismatch (ErrCRC), peer exception
// (*ExceptionError). A request whose function code expects no reply
// completes after the write.
func (e *Exchanger) Exchange(req *Builder, consume func(reply []byte)) error {
	if !req.Locked() {
		return ErrNotFinalized
	}

	function := fmt.Sprintf("0x%02x", req.Function())

	if _, err := e.port.Write(req.Bytes()); err != nil {
		metrics.IncExchange(function, metrics.StatusFailed)
		metrics.IncError(metrics.ErrorTypeWrite)
		return fmt.Errorf("write request: %w", err)
	}
	e.log.Debug("frame sent",
		"port", e.port.Tag(),
		"data", hex.EncodeToString(req.Bytes()),
		"len", req.Len())

	expect := req.ExpectedReplyLen()
	if expect == 0 {
		metrics.IncExchange(function, metrics.StatusSuccess)
		return nil
	}
	if expect > BufferSize {
		metrics.IncExchange(function, metrics.StatusFailed)
		return ErrBufferFull
	}

	reader := newFrameReader(req.Address(), req.Function(), expect)

	start := e.clock.Now()
	for !reader.done() && e.clock.Now().Sub(start) < e.timeout {
		b, ok := e.port.ReadByte()
		if !ok {
			continue
		}
		reader.feed(b)
	}

	if reader.n > 0 {
		e.log.Debug("frame received",
			"port", e.port.Tag(),
			"data", hex.EncodeToString(reader.buf[:reader.n]),
			"len", reader.n)
	}

	if reader.n != reader.expect {
		e.log.Debug("short response", "expected", reader.expect, "got", reader.n)
		metrics.IncExchange(function, metrics.StatusFailed)
		metrics.IncError(metrics.ErrorTypeTimeout)
		return ErrTimeout
	}

	frame := reader.buf[:reader.n]
	received := binary.LittleEndian.Uint16(frame[reader.n-2:])
	calc := crc.CalculateCRC16(frame[:reader.n-2])
	if received != calc {
		e.log.Debug("crc mismatch",
			"calculated", fmt.Sprintf("%04X", calc),
			"received", fmt.Sprintf("%04X", received))
		metrics.IncExchange(function, metrics.StatusFailed)
		metrics.IncError(metrics.ErrorTypeCRC)
		return ErrCRC
	}

	if frame[1]&ExceptionMask != 0 {
		excErr := &ExceptionError{Code: frame[2]}
		e.log.Debug("peer exception", "reason", ExceptionMessage(frame[2]), "code", frame[2])
		metrics.IncExchange(function, metrics.StatusFailed)
		metrics.IncError(metrics.ErrorTypeException)
		return excErr
	}

	metrics.IncExchange(function, metrics.StatusSuccess)
	consume(frame)
	return nil
}
