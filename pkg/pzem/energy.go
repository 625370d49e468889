package pzem

// EnergyMax is the ceiling of the meter's cumulative energy counter in
// kWh; the counter wraps back to zero past it.
const EnergyMax = 10000.0

// wattSecondsPerKWh converts the meter's kWh unit to the watt-seconds
// reported for the energy-delta magnitude.
const wattSecondsPerKWh = 3600.0 * 1000.0

// EnergyDelta returns the energy consumed between two cumulative counter
// samples in kWh, accounting for a single counter wrap.
func EnergyDelta(last, current float64) float64 {
	if last > current {
		return current + (EnergyMax - last)
	}
	return current - last
}

// EnergyDeltaWattSeconds is EnergyDelta converted to watt-seconds.
func EnergyDeltaWattSeconds(last, current float64) float64 {
	return EnergyDelta(last, current) * wattSecondsPerKWh
}
