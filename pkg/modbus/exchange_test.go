package modbus

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/commatea/pzem-bridge/pkg/transport/mem"
	"github.com/commatea/pzem-bridge/pkg/utils/crc"
)

// fakeClock advances a fixed step on every Now() call so exchange
// timeouts elapse without sleeping.
type fakeClock struct {
	now  time.Time
	step time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(0, 0), step: time.Millisecond}
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(c.step)
	return c.now
}

// withCRC appends the Modbus CRC to a frame body, low byte first.
func withCRC(body []byte) []byte {
	sum := crc.CalculateCRC16(body)
	return append(append([]byte{}, body...), byte(sum), byte(sum>>8))
}

func resetRequest(t *testing.T) *Builder {
	t.Helper()
	return NewBuilder(0xF8, FuncResetEnergy).Finalize()
}

func TestExchangeEcho(t *testing.T) {
	port := mem.New(func(request []byte) []byte {
		return append([]byte{}, request...)
	})
	port.Begin(9600)

	ex := NewExchanger(port, 0, newFakeClock(), nil)

	req := resetRequest(t)
	var reply []byte
	err := ex.Exchange(req, func(frame []byte) {
		reply = append([]byte{}, frame...)
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !bytes.Equal(reply, req.Bytes()) {
		t.Errorf("reply = % X, want echo % X", reply, req.Bytes())
	}
}

func TestExchangeResynchronization(t *testing.T) {
	// The line carries an unrelated byte, then a false frame start
	// (our address followed by the wrong function code), then the
	// real reply. The reader must discard the partial match and
	// deliver the second frame.
	echo := withCRC([]byte{0xF8, FuncResetEnergy})
	stream := append([]byte{0x3B, 0xF8, 0x11}, echo...)

	port := mem.New(nil)
	port.Begin(9600)
	port.Inject(stream)

	ex := NewExchanger(port, 0, newFakeClock(), nil)

	var reply []byte
	err := ex.Exchange(resetRequest(t), func(frame []byte) {
		reply = append([]byte{}, frame...)
	})
	if err != nil {
		t.Fatalf("Exchange() error = %v", err)
	}
	if !bytes.Equal(reply, echo) {
		t.Errorf("reply = % X, want % X", reply, echo)
	}
}

func TestExchangeException(t *testing.T) {
	port := mem.New(func(request []byte) []byte {
		return withCRC([]byte{request[0], request[1] | ExceptionMask, ExceptionIllegalDataAddress})
	})
	port.Begin(9600)

	ex := NewExchanger(port, 0, newFakeClock(), nil)

	consumed := false
	err := ex.Exchange(resetRequest(t), func([]byte) { consumed = true })

	var excErr *ExceptionError
	if !errors.As(err, &excErr) {
		t.Fatalf("Exchange() error = %v, want *ExceptionError", err)
	}
	if excErr.Code != ExceptionIllegalDataAddress {
		t.Errorf("exception code = 0x%02X, want 0x%02X", excErr.Code, ExceptionIllegalDataAddress)
	}
	if got := ExceptionMessage(excErr.Code); got != "illegal data address" {
		t.Errorf("ExceptionMessage() = %q, want %q", got, "illegal data address")
	}
	if consumed {
		t.Error("consumer ran for an exception reply")
	}
}

func TestExchangeTimeout(t *testing.T) {
	port := mem.New(nil) // peer stays silent
	port.Begin(9600)

	ex := NewExchanger(port, 50*time.Millisecond, newFakeClock(), nil)

	err := ex.Exchange(resetRequest(t), func([]byte) {
		t.Error("consumer ran without a reply")
	})
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("Exchange() error = %v, want ErrTimeout", err)
	}
}

func TestExchangeCRCError(t *testing.T) {
	port := mem.New(func(request []byte) []byte {
		bad := append([]byte{}, request...)
		bad[len(bad)-1] ^= 0xFF
		return bad
	})
	port.Begin(9600)

	ex := NewExchanger(port, 0, newFakeClock(), nil)

	err := ex.Exchange(resetRequest(t), func([]byte) {
		t.Error("consumer ran for a corrupt reply")
	})
	if !errors.Is(err, ErrCRC) {
		t.Errorf("Exchange() error = %v, want ErrCRC", err)
	}
}

func TestExchangeNoReplyExpected(t *testing.T) {
	port := mem.New(nil)
	port.Begin(9600)

	ex := NewExchanger(port, 0, newFakeClock(), nil)

	// Unsupported function code: write only, nothing to read.
	req := NewBuilder(0xF8, 0x03).Finalize()
	if err := ex.Exchange(req, func([]byte) {
		t.Error("consumer ran for a no-reply exchange")
	}); err != nil {
		t.Errorf("Exchange() error = %v, want nil", err)
	}

	written := port.Written()
	if len(written) != 1 || !bytes.Equal(written[0], req.Bytes()) {
		t.Errorf("written = %v, want the request frame", written)
	}
}

func TestExchangeRequiresFinalizedRequest(t *testing.T) {
	port := mem.New(nil)
	port.Begin(9600)

	ex := NewExchanger(port, 0, newFakeClock(), nil)

	req := NewBuilder(0xF8, FuncReadInputRegisters)
	if err := ex.Exchange(req, func([]byte) {}); !errors.Is(err, ErrNotFinalized) {
		t.Errorf("Exchange() error = %v, want ErrNotFinalized", err)
	}
	if len(port.Written()) != 0 {
		t.Error("an unfinalized request reached the wire")
	}
}

func TestFrameReaderExceptionRedefinesLength(t *testing.T) {
	r := newFrameReader(0xF8, FuncReadInputRegisters, 25)
	for _, b := range withCRC([]byte{0xF8, FuncReadInputRegisters | ExceptionMask, ExceptionBusy}) {
		r.feed(b)
	}
	if !r.done() {
		t.Fatal("reader did not finish the exception frame")
	}
	if r.expect != 5 {
		t.Errorf("expect = %d, want 5", r.expect)
	}
}
