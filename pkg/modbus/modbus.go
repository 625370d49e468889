// Package modbus implements the Modbus RTU request/response engine used to
// talk to the PZEM004T V3.0 power meter: frame construction, CRC
// validation, and the timing-bounded response collection loop.
//
// The meter implements only a slice of Modbus:
//   - 0x04 Read Input Registers (measurement readout)
//   - 0x06 Write Single Register (set device address)
//   - 0x42 Reset Energy (vendor extension, no parameters)
//
// Other function codes (0x03 Read Holding Registers, 0x41 Calibration,
// alarm threshold writes) are not issued by this driver.
package modbus

import (
	"errors"
	"fmt"
)

// Function codes issued by the driver.
const (
	FuncReadInputRegisters  = 0x04
	FuncWriteSingleRegister = 0x06
	FuncResetEnergy         = 0x42
)

// ExceptionMask is the high bit the peer ORs into the function code to
// signal an error reply.
const ExceptionMask = 0x80

// exceptionFrameLen is the fixed size of an exception reply:
// address + function|0x80 + exception code + two CRC bytes.
const exceptionFrameLen = 5

// Exception codes per the Modbus application protocol specification,
// "7 MODBUS Exception Responses".
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
	ExceptionDeviceFailure      = 0x04
	ExceptionAcknowledged       = 0x05
	ExceptionBusy               = 0x06
	ExceptionMemoryParityError  = 0x08
)

// Error definitions. ErrTimeout and ErrCRC are reported distinctly so
// diagnostics can tell a truncated transfer from line noise.
var (
	ErrTimeout      = errors.New("response timeout")
	ErrCRC          = errors.New("invalid crc")
	ErrNotFinalized = errors.New("request not finalized")
	ErrBufferFull   = errors.New("request buffer full")
	ErrLocked       = errors.New("request already finalized")
)

// ExceptionError is a protocol-level error reply from the peer. It is a
// recoverable per-exchange failure, not a transport fault.
type ExceptionError struct {
	Code byte
}

func (e *ExceptionError) Error() string {
	return fmt.Sprintf("modbus exception: %s (0x%02X)", ExceptionMessage(e.Code), e.Code)
}

// ExceptionMessage maps an exception code to a human-readable reason.
func ExceptionMessage(code byte) string {
	switch code {
	case ExceptionIllegalFunction:
		return "illegal function"
	case ExceptionIllegalDataAddress:
		return "illegal data address"
	case ExceptionIllegalDataValue:
		return "illegal data value"
	case ExceptionDeviceFailure:
		return "device failure"
	case ExceptionAcknowledged:
		return "acknowledged"
	case ExceptionBusy:
		return "busy"
	case ExceptionMemoryParityError:
		return "memory parity error"
	default:
		return "unknown"
	}
}
