package pzem

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/commatea/pzem-bridge/pkg/metrics"
	"github.com/commatea/pzem-bridge/pkg/modbus"
	"github.com/commatea/pzem-bridge/pkg/transport"
)

// Driver defaults. The broadcast-style address 0xF8 is the factory
// setting and only works with a single meter on the line.
const (
	DefaultAddress        = 0xF8
	DefaultBaudRate       = 9600
	DefaultUpdateInterval = 200 * time.Millisecond

	// addressRegister is the holding register carrying the device
	// address, written via function 0x06 to re-address a meter.
	addressRegister = 0x0002

	// DefaultRatio is returned by the ratio hook; the meter's
	// calibration cannot be adjusted externally.
	DefaultRatio = 1.0
)

// Driver errors.
var (
	ErrNoPort       = errors.New("driver requires a port")
	ErrBadReading   = errors.New("unreadable measurement reply")
	ErrEchoMismatch = errors.New("peer did not echo the request")
)

// Magnitude indexes the values the driver exposes, in declaration order.
type Magnitude int

const (
	MagnitudeVoltage Magnitude = iota
	MagnitudeFrequency
	MagnitudeCurrent
	MagnitudePowerActive
	MagnitudePowerFactor
	MagnitudeEnergyDelta
	MagnitudeEnergy
)

// Magnitudes lists every exposed magnitude in index order.
var Magnitudes = [...]Magnitude{
	MagnitudeVoltage,
	MagnitudeFrequency,
	MagnitudeCurrent,
	MagnitudePowerActive,
	MagnitudePowerFactor,
	MagnitudeEnergyDelta,
	MagnitudeEnergy,
}

func (m Magnitude) String() string {
	switch m {
	case MagnitudeVoltage:
		return "voltage"
	case MagnitudeFrequency:
		return "frequency"
	case MagnitudeCurrent:
		return "current"
	case MagnitudePowerActive:
		return "power_active"
	case MagnitudePowerFactor:
		return "power_factor"
	case MagnitudeEnergyDelta:
		return "energy_delta"
	case MagnitudeEnergy:
		return "energy"
	default:
		return "none"
	}
}

// Options configures a Driver. Zero values select the defaults above.
type Options struct {
	Address        byte
	BaudRate       int
	ReadTimeout    time.Duration
	UpdateInterval time.Duration
	Clock          modbus.Clock
	Logger         *logger.Logger
}

// Driver owns one meter on one exclusively held port. It is not safe for
// concurrent use; state moves only inside Poll and the two externally
// triggered commands, and the composing component serializes those.
type Driver struct {
	port  transport.Port
	ex    *modbus.Exchanger
	clock modbus.Clock
	log   *logger.Logger

	address        byte
	baudRate       int
	updateInterval time.Duration

	resetPending bool
	lastUpdate   time.Time

	lastReading   Reading
	energyDeltaWs float64
	lastErr       error
}

// New composes a driver over port. Exactly one driver may own a port;
// callers compose the single instance instead of relying on a global.
func New(port transport.Port, opts Options) (*Driver, error) {
	if port == nil {
		return nil, ErrNoPort
	}
	if opts.Address == 0 {
		opts.Address = DefaultAddress
	}
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = DefaultUpdateInterval
	}
	if opts.Clock == nil {
		opts.Clock = modbus.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Global()
	}

	return &Driver{
		port:           port,
		ex:             modbus.NewExchanger(port, opts.ReadTimeout, opts.Clock, opts.Logger),
		clock:          opts.Clock,
		log:            opts.Logger,
		address:        opts.Address,
		baudRate:       opts.BaudRate,
		updateInterval: opts.UpdateInterval,
	}, nil
}

// Begin opens the port and arms the poll scheduler so the first Poll
// fires immediately.
func (d *Driver) Begin() error {
	if err := d.port.Begin(d.baudRate); err != nil {
		return fmt.Errorf("open port: %w", err)
	}
	d.lastUpdate = d.clock.Now().Add(-d.updateInterval)
	return nil
}

// Poll is the per-tick entry point. A pending energy reset is issued
// first and cleared win or lose. Then, once the update interval has
// elapsed, one measurement exchange runs; the last-poll stamp advances
// regardless of the outcome so a failing meter cannot cause a retry
// storm. The returned Reading has OK set only when this tick produced a
// new decoded measurement.
func (d *Driver) Poll() (Reading, error) {
	d.port.Flush()

	if d.resetPending {
		ok, err := d.resetEnergyExchange()
		if ok {
			d.log.Info("energy reset accepted")
		} else {
			d.log.Warn("energy reset failed", "err", err)
		}
		d.resetPending = false
		d.port.Flush()
	}

	if d.clock.Now().Sub(d.lastUpdate) <= d.updateInterval {
		return Reading{}, nil
	}

	reading, err := d.readValues()
	d.lastUpdate = d.clock.Now()
	return reading, err
}

// readValues performs one measurement exchange and folds the result into
// driver state. On any failure the retained Reading stays unchanged.
func (d *Driver) readValues() (Reading, error) {
	req := modbus.NewBuilder(d.address, modbus.FuncReadInputRegisters)
	if err := req.AddUint16(0); err != nil {
		return Reading{}, err
	}
	if err := req.AddUint16(InputRegisterCount); err != nil {
		return Reading{}, err
	}
	req.Finalize()

	var reading Reading
	err := d.ex.Exchange(req, func(reply []byte) {
		reading = ParseReading(reply)
	})
	if err != nil {
		d.lastErr = err
		metrics.IncPoll(metrics.StatusFailed)
		return Reading{}, err
	}
	if !reading.OK {
		d.lastErr = ErrBadReading
		d.log.Warn("could not parse latest reading")
		metrics.IncError(metrics.ErrorTypeDecode)
		metrics.IncPoll(metrics.StatusFailed)
		return Reading{}, ErrBadReading
	}

	if d.lastReading.OK {
		d.energyDeltaWs = EnergyDeltaWattSeconds(d.lastReading.EnergyActive, reading.EnergyActive)
	}
	d.lastReading = reading
	d.lastErr = nil

	metrics.IncPoll(metrics.StatusSuccess)
	metrics.ObserveReading(
		reading.Voltage,
		reading.Current,
		reading.PowerActive,
		reading.EnergyActive,
		reading.Frequency,
		reading.PowerFactor,
		d.energyDeltaWs)

	return reading, nil
}

// RequestEnergyReset schedules a counter reset for the next Poll. The
// meter can only restart from zero, not from an arbitrary value.
func (d *Driver) RequestEnergyReset() {
	d.resetPending = true
}

// InitialEnergy ignores boot-time counter restore requests: the counter
// lives in the meter, not in the host.
func (d *Driver) InitialEnergy(Magnitude, float64) {
}

// Ratio is a fixed no-op hook; the meter's calibration is internal.
func (d *Driver) Ratio(Magnitude, float64, float64) float64 {
	return DefaultRatio
}

// resetEnergyExchange issues the vendor reset function. The meter echoes
// the request when it accepted the reset.
func (d *Driver) resetEnergyExchange() (bool, error) {
	req := modbus.NewBuilder(d.address, modbus.FuncResetEnergy).Finalize()
	return d.echoExchange(req)
}

// ChangeAddress re-addresses the meter. Only valid with a single device
// on the line. The locally stored address moves only after the peer
// confirmed the write by echoing it; on any failure the stored address
// stays put so the driver does not lose sync with the bus.
func (d *Driver) ChangeAddress(to byte) error {
	if to == d.address {
		return nil
	}

	req := modbus.NewBuilder(d.address, modbus.FuncWriteSingleRegister)
	if err := req.AddUint16(addressRegister); err != nil {
		return err
	}
	if err := req.AddUint16(uint16(to)); err != nil {
		return err
	}
	req.Finalize()

	d.port.Flush()
	ok, err := d.echoExchange(req)
	if err != nil {
		return err
	}
	if !ok {
		return ErrEchoMismatch
	}

	d.address = to
	d.log.Info("device address changed", "address", fmt.Sprintf("0x%02x", to))
	return nil
}

// echoExchange runs req and reports whether the peer echoed it verbatim.
func (d *Driver) echoExchange(req *modbus.Builder) (bool, error) {
	var echoed bool
	err := d.ex.Exchange(req, func(reply []byte) {
		echoed = bytes.Equal(reply, req.Bytes())
	})
	if err != nil {
		return false, err
	}
	return echoed, nil
}

// Count returns the number of exposed magnitudes.
func (d *Driver) Count() int {
	return len(Magnitudes)
}

// Value returns the current value for a magnitude index, in declaration
// order. Out-of-range indexes read as zero.
func (d *Driver) Value(index int) float64 {
	switch Magnitude(index) {
	case MagnitudeVoltage:
		return d.lastReading.Voltage
	case MagnitudeFrequency:
		return d.lastReading.Frequency
	case MagnitudeCurrent:
		return d.lastReading.Current
	case MagnitudePowerActive:
		return d.lastReading.PowerActive
	case MagnitudePowerFactor:
		return d.lastReading.PowerFactor
	case MagnitudeEnergyDelta:
		return d.energyDeltaWs
	case MagnitudeEnergy:
		return d.lastReading.EnergyActive
	}
	return 0
}

// TotalEnergy returns the cumulative energy in kWh for the energy
// magnitude, zero for any other index.
func (d *Driver) TotalEnergy(index int) float64 {
	if Magnitude(index) == MagnitudeEnergy {
		return d.lastReading.EnergyActive
	}
	return 0
}

// LastReading returns the retained measurement snapshot.
func (d *Driver) LastReading() Reading {
	return d.lastReading
}

// EnergyDeltaWs returns the energy consumed between the last two
// successful polls, in watt-seconds.
func (d *Driver) EnergyDeltaWs() float64 {
	return d.energyDeltaWs
}

// LastError returns the classification of the most recent failed
// exchange, nil after a successful one.
func (d *Driver) LastError() error {
	return d.lastErr
}

// Address returns the device address used on the wire.
func (d *Driver) Address() byte {
	return d.address
}

// AddressString returns the device address as hex for display.
func (d *Driver) AddressString() string {
	return fmt.Sprintf("0x%02x", d.address)
}

// Description identifies the meter and its port for diagnostics.
func (d *Driver) Description() string {
	return fmt.Sprintf("PZEM004T V3.0 @ %s, %s", d.port.Tag(), d.AddressString())
}

// UpdateInterval returns the configured poll interval.
func (d *Driver) UpdateInterval() time.Duration {
	return d.updateInterval
}

// SetUpdateInterval adjusts the poll interval.
func (d *Driver) SetUpdateInterval(interval time.Duration) {
	if interval > 0 {
		d.updateInterval = interval
	}
}

// Close releases the port.
func (d *Driver) Close() error {
	return d.port.Close()
}
