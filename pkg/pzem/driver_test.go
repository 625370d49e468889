package pzem

import (
	"errors"
	"testing"
	"time"

	"github.com/commatea/pzem-bridge/pkg/modbus"
	"github.com/commatea/pzem-bridge/pkg/transport/mem"
	"github.com/commatea/pzem-bridge/pkg/utils/crc"
)

// fakeClock advances a fixed step on every Now() call.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.now = c.now.Add(time.Millisecond)
	return c.now
}

// meterSim plays the PZEM side of the line: it answers measurement
// readouts from its state and echoes writes and resets.
type meterSim struct {
	address   byte
	voltage   uint16
	currentMA uint32
	powerDW   uint32
	energyWh  uint32
	frequency uint16
	pf        uint16
	alarm     bool

	failReads bool
	ignoreAll bool
	exception byte
	funcsSeen []byte
}

func newMeterSim() *meterSim {
	return &meterSim{
		address:   DefaultAddress,
		voltage:   2300,
		currentMA: 1500,
		powerDW:   3450,
		energyWh:  12345,
		frequency: 500,
		pf:        98,
	}
}

func (m *meterSim) respond(request []byte) []byte {
	if m.ignoreAll || len(request) < 4 || request[0] != m.address {
		return nil
	}

	function := request[1]
	m.funcsSeen = append(m.funcsSeen, function)

	switch function {
	case modbus.FuncReadInputRegisters:
		if m.exception != 0 {
			return withCRC([]byte{m.address, function | modbus.ExceptionMask, m.exception})
		}
		if m.failReads {
			return nil
		}
		return measurementFrame(m.address, m.voltage, m.currentMA, m.powerDW, m.energyWh, m.frequency, m.pf, m.alarm)
	case modbus.FuncResetEnergy:
		m.energyWh = 0
		return append([]byte{}, request...)
	case modbus.FuncWriteSingleRegister:
		// Register 2 carries the device address.
		if request[2] == 0x00 && request[3] == 0x02 {
			m.address = request[5]
		}
		return append([]byte{}, request...)
	}
	return nil
}

func withCRC(body []byte) []byte {
	sum := crc.CalculateCRC16(body)
	return append(append([]byte{}, body...), byte(sum), byte(sum>>8))
}

func newTestDriver(t *testing.T, sim *meterSim) *Driver {
	t.Helper()

	port := mem.New(sim.respond)
	// The interval sits below the clock step so every Poll runs an
	// exchange instead of waiting out the schedule.
	driver, err := New(port, Options{
		UpdateInterval: time.Microsecond,
		Clock:          &fakeClock{now: time.Unix(0, 0)},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := driver.Begin(); err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return driver
}

func TestNewRequiresPort(t *testing.T) {
	if _, err := New(nil, Options{}); !errors.Is(err, ErrNoPort) {
		t.Errorf("New(nil) error = %v, want ErrNoPort", err)
	}
}

func TestPollUpdatesReading(t *testing.T) {
	driver := newTestDriver(t, newMeterSim())

	reading, err := driver.Poll()
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if !reading.OK {
		t.Fatal("Poll() produced no reading")
	}

	values := map[Magnitude]float64{
		MagnitudeVoltage:     230.0,
		MagnitudeFrequency:   50.0,
		MagnitudeCurrent:     1.5,
		MagnitudePowerActive: 345.0,
		MagnitudePowerFactor: 98.0,
		MagnitudeEnergy:      12.345,
	}
	for magnitude, want := range values {
		if got := driver.Value(int(magnitude)); !almostEqual(got, want) {
			t.Errorf("Value(%s) = %v, want %v", magnitude, got, want)
		}
	}
	if got := driver.Value(len(Magnitudes)); got != 0 {
		t.Errorf("Value(out of range) = %v, want 0", got)
	}
	if got := driver.TotalEnergy(int(MagnitudeEnergy)); !almostEqual(got, 12.345) {
		t.Errorf("TotalEnergy() = %v, want 12.345", got)
	}
}

func TestPollComputesEnergyDelta(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	if _, err := driver.Poll(); err != nil {
		t.Fatalf("first Poll() error = %v", err)
	}
	if got := driver.Value(int(MagnitudeEnergyDelta)); got != 0 {
		t.Errorf("energy delta after first poll = %v, want 0", got)
	}

	sim.energyWh += 500 // 0.5 kWh consumed
	if _, err := driver.Poll(); err != nil {
		t.Fatalf("second Poll() error = %v", err)
	}
	if got := driver.Value(int(MagnitudeEnergyDelta)); !almostEqual(got, 1.8e6) {
		t.Errorf("energy delta = %v Ws, want 1.8e6", got)
	}
}

func TestPollIssuesPendingResetFirst(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	driver.RequestEnergyReset()
	if _, err := driver.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}

	if len(sim.funcsSeen) < 2 ||
		sim.funcsSeen[0] != modbus.FuncResetEnergy ||
		sim.funcsSeen[1] != modbus.FuncReadInputRegisters {
		t.Fatalf("functions seen = %v, want reset then read", sim.funcsSeen)
	}
	if sim.energyWh != 0 {
		t.Errorf("simulated counter = %d, want 0", sim.energyWh)
	}

	// The pending flag is cleared: the next poll reads only.
	sim.funcsSeen = nil
	if _, err := driver.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	for _, f := range sim.funcsSeen {
		if f == modbus.FuncResetEnergy {
			t.Error("reset issued again without a new request")
		}
	}
}

func TestPendingResetClearedOnFailure(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	sim.ignoreAll = true
	driver.RequestEnergyReset()
	driver.Poll()

	sim.ignoreAll = false
	sim.funcsSeen = nil
	driver.Poll()
	for _, f := range sim.funcsSeen {
		if f == modbus.FuncResetEnergy {
			t.Error("failed reset was retried without a new request")
		}
	}
}

func TestChangeAddressConfirmed(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	if err := driver.ChangeAddress(0x10); err != nil {
		t.Fatalf("ChangeAddress() error = %v", err)
	}
	if driver.Address() != 0x10 {
		t.Errorf("Address() = 0x%02x, want 0x10", driver.Address())
	}
	if sim.address != 0x10 {
		t.Errorf("simulated device address = 0x%02x, want 0x10", sim.address)
	}

	// Subsequent polls must reach the meter at its new address.
	reading, err := driver.Poll()
	if err != nil {
		t.Fatalf("Poll() after re-address error = %v", err)
	}
	if !reading.OK {
		t.Fatal("Poll() after re-address produced no reading")
	}
}

func TestChangeAddressKeepsLocalOnFailure(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	sim.ignoreAll = true
	if err := driver.ChangeAddress(0x10); err == nil {
		t.Fatal("ChangeAddress() succeeded without a confirming echo")
	}
	if driver.Address() != DefaultAddress {
		t.Errorf("Address() = 0x%02x, want the unchanged 0x%02x", driver.Address(), DefaultAddress)
	}
}

func TestChangeAddressNoopWhenSame(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	if err := driver.ChangeAddress(DefaultAddress); err != nil {
		t.Fatalf("ChangeAddress(same) error = %v", err)
	}
	if len(sim.funcsSeen) != 0 {
		t.Errorf("functions seen = %v, want none", sim.funcsSeen)
	}
}

func TestExceptionLeavesReadingUnchanged(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	if _, err := driver.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	before := driver.LastReading()

	sim.exception = modbus.ExceptionIllegalDataAddress
	_, err := driver.Poll()

	var excErr *modbus.ExceptionError
	if !errors.As(err, &excErr) {
		t.Fatalf("Poll() error = %v, want *ExceptionError", err)
	}
	if driver.LastReading() != before {
		t.Error("exception reply modified the retained reading")
	}
	if driver.LastError() == nil {
		t.Error("LastError() = nil after a failed exchange")
	}
}

func TestTimeoutLeavesReadingUnchanged(t *testing.T) {
	sim := newMeterSim()
	driver := newTestDriver(t, sim)

	if _, err := driver.Poll(); err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	before := driver.LastReading()

	sim.failReads = true
	if _, err := driver.Poll(); !errors.Is(err, modbus.ErrTimeout) {
		t.Fatalf("Poll() error = %v, want ErrTimeout", err)
	}
	if driver.LastReading() != before {
		t.Error("failed poll modified the retained reading")
	}
}

func TestDescription(t *testing.T) {
	driver := newTestDriver(t, newMeterSim())

	want := "PZEM004T V3.0 @ mem, 0xf8"
	if got := driver.Description(); got != want {
		t.Errorf("Description() = %q, want %q", got, want)
	}
	if got := driver.AddressString(); got != "0xf8" {
		t.Errorf("AddressString() = %q, want %q", got, "0xf8")
	}
	if got := driver.Count(); got != len(Magnitudes) {
		t.Errorf("Count() = %d, want %d", got, len(Magnitudes))
	}
}

func TestRatioAndInitialEnergyAreNoops(t *testing.T) {
	driver := newTestDriver(t, newMeterSim())

	if got := driver.Ratio(MagnitudeCurrent, 1.5, 2.0); got != DefaultRatio {
		t.Errorf("Ratio() = %v, want %v", got, DefaultRatio)
	}

	// Boot-time restore requests are ignored by design.
	driver.InitialEnergy(MagnitudeEnergy, 99.9)
	if got := driver.TotalEnergy(int(MagnitudeEnergy)); got != 0 {
		t.Errorf("TotalEnergy() after InitialEnergy = %v, want 0", got)
	}
}
