package crc

import "testing"

func TestCalculateCRC16(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want uint16
	}{
		{
			name: "Modbus Example",
			data: []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x01},
			want: 0x0A84, // 84 0A in little endian wire format
		},
		{
			name: "PZEM Read Input Registers",
			data: []byte{0xF8, 0x04, 0x00, 0x00, 0x00, 0x0A},
			want: 0x6464, // full frame on the wire: F8 04 00 00 00 0A 64 64
		},
		{
			name: "PZEM Reset Energy",
			data: []byte{0xF8, 0x42},
			want: 0x41C2, // full frame on the wire: F8 42 C2 41
		},
		{
			name: "Empty Data",
			data: []byte{},
			want: 0xFFFF,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CalculateCRC16(tt.data); got != tt.want {
				t.Errorf("CalculateCRC16() = %04X, want %04X", got, tt.want)
			}
		})
	}
}

func TestCalculateCRC16Deterministic(t *testing.T) {
	data := []byte{0xF8, 0x06, 0x00, 0x02, 0x00, 0x10}
	first := CalculateCRC16(data)
	for i := 0; i < 10; i++ {
		if got := CalculateCRC16(data); got != first {
			t.Fatalf("CalculateCRC16() not stable: got %04X, want %04X", got, first)
		}
	}
}
