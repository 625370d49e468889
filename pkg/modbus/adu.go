package modbus

import "github.com/commatea/pzem-bridge/pkg/utils/crc"

// BufferSize caps requests and replies. The Modbus serial ADU maximum is
// 256 bytes, but the meter never exchanges more than 10 registers at
// once, so 25 bytes covers the largest frame either way.
const BufferSize = 25

// Builder incrementally constructs a request ADU:
//
//	[address, function, payload..., crc_lo, crc_hi]
//
// Payload fields are big-endian; the trailing CRC is the one value on the
// wire stored low byte first. Once Finalize has run the builder is locked
// and rejects further appends.
type Builder struct {
	buf    [BufferSize]byte
	size   int
	locked bool
}

// NewBuilder starts a request for the given device address and function
// code.
func NewBuilder(address, function byte) *Builder {
	b := &Builder{size: 2}
	b.buf[0] = address
	b.buf[1] = function
	return b
}

// AddByte appends a single byte to the payload.
func (b *Builder) AddByte(value byte) error {
	if b.locked {
		return ErrLocked
	}
	// Two bytes stay reserved for the CRC.
	if b.size+1 > BufferSize-2 {
		return ErrBufferFull
	}
	b.buf[b.size] = value
	b.size++
	return nil
}

// AddUint16 appends a 16-bit value, high byte first.
func (b *Builder) AddUint16(value uint16) error {
	if b.locked {
		return ErrLocked
	}
	if b.size+2 > BufferSize-2 {
		return ErrBufferFull
	}
	b.buf[b.size] = byte(value >> 8)
	b.buf[b.size+1] = byte(value)
	b.size += 2
	return nil
}

// Finalize appends the CRC16 over everything written so far, low byte
// first, and locks the builder. Calling it again is a no-op.
func (b *Builder) Finalize() *Builder {
	if b.locked {
		return b
	}
	sum := crc.CalculateCRC16(b.buf[:b.size])
	b.buf[b.size] = byte(sum)
	b.buf[b.size+1] = byte(sum >> 8)
	b.size += 2
	b.locked = true
	return b
}

// Locked reports whether Finalize has run.
func (b *Builder) Locked() bool {
	return b.locked
}

// Len returns the number of bytes written so far, CRC included once
// finalized.
func (b *Builder) Len() int {
	return b.size
}

// Bytes returns the frame written so far. The slice aliases the
// builder's buffer; callers must not modify it.
func (b *Builder) Bytes() []byte {
	return b.buf[:b.size]
}

// Address returns the device address byte the request was built with.
func (b *Builder) Address() byte {
	return b.buf[0]
}

// Function returns the request's function code.
func (b *Builder) Function() byte {
	return b.buf[1]
}

// ExpectedReplyLen computes how many bytes a well-formed reply to this
// request must contain. It returns 0 for an unfinalized request or an
// unsupported function code, which the exchange engine treats as "nothing
// to read".
func (b *Builder) ExpectedReplyLen() int {
	if !b.locked {
		return 0
	}

	switch b.buf[1] {
	case FuncReadInputRegisters:
		// Reply: address, function, byte count, 2 bytes per register, CRC.
		// The register count is read back out of our own request payload.
		if b.size >= 6 {
			return 3 + 2*(int(b.buf[4])<<8|int(b.buf[5])) + 2
		}
		return 0
	case FuncWriteSingleRegister, FuncResetEnergy:
		// The meter echoes these requests verbatim.
		return b.size
	default:
		return 0
	}
}
