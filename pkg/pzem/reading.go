// Package pzem implements the driver for the PZEM004T V3.0 power meter:
// measurement decoding, wraparound-aware energy accounting, and the poll
// orchestration on top of the Modbus exchange engine.
package pzem

import "encoding/binary"

// InputRegisterCount is how many input registers one measurement readout
// covers. The meter's register map is fixed at ten.
const InputRegisterCount = 10

// ReadingFrameLen is the exact reply length of a measurement readout:
// address + function + byte count + 2*InputRegisterCount data + CRC.
const ReadingFrameLen = 3 + 2*InputRegisterCount + 2

// Reading is one decoded measurement snapshot.
//
// Measuring ranges per the datasheet: voltage 80-260 V at 0.1 V
// resolution, current 0-10 A (or 0-100 A with the external CT) at
// 0.001 A, active power at 0.1 W, energy 0-9999.99 kWh at 1 Wh,
// frequency 45-65 Hz at 0.1 Hz, power factor 0.00-1.00 at 0.01.
type Reading struct {
	Voltage      float64 `json:"voltage"`       // V
	Current      float64 `json:"current"`       // A
	PowerActive  float64 `json:"power_active"`  // W
	EnergyActive float64 `json:"energy_active"` // kWh
	Frequency    float64 `json:"frequency"`     // Hz
	PowerFactor  float64 `json:"power_factor"`  // 0-100
	Alarm        bool    `json:"alarm"`
	OK           bool    `json:"-"`
}

// ParseReading decodes a verified measurement reply. Any frame that is
// not exactly ReadingFrameLen bytes yields a zero Reading with OK false;
// none of its fields may be trusted.
func ParseReading(frame []byte) Reading {
	var out Reading

	if len(frame) != ReadingFrameLen {
		return out
	}

	// Skip address, function code and byte count; drop the CRC.
	data := frame[3 : len(frame)-2]

	u16 := func(off int) uint32 {
		return uint32(binary.BigEndian.Uint16(data[off:]))
	}
	// 4-byte quantities arrive as two big-endian registers with the low
	// 16 bits first on the wire, not as one big-endian 32-bit value.
	u32 := func(off int) uint32 {
		return u16(off+2)<<16 | u16(off)
	}

	out.OK = true

	out.Voltage = float64(u16(0)) / 10.0       // 0.1 V units
	out.Current = float64(u32(2)) / 1000.0     // 0.001 A units
	out.PowerActive = float64(u32(6)) / 10.0   // 0.1 W units
	out.EnergyActive = float64(u32(10)) / 1000.0 // Wh units
	out.Frequency = float64(u16(14)) / 10.0    // 0.1 Hz units
	out.PowerFactor = float64(u16(16))         // already 0-100

	// The alarm word is either 0xFFFF or 0x0000.
	out.Alarm = data[18] == 0xFF && data[19] == 0xFF

	return out
}
