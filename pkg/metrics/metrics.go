// Package metrics exposes Prometheus instrumentation for the bridge.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	ExchangeCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pzem_exchanges_total",
		Help: "The total number of Modbus exchanges, by function code and outcome",
	}, []string{"function", "status"})

	ErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pzem_exchange_errors_total",
		Help: "The total number of failed Modbus exchanges, by failure class",
	}, []string{"type"})

	PollCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pzem_polls_total",
		Help: "The total number of driver poll cycles, by outcome",
	}, []string{"status"})

	// Gauges for the last successful reading
	Voltage = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_voltage_volts",
		Help: "Last measured RMS voltage",
	})
	Current = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_current_amperes",
		Help: "Last measured RMS current",
	})
	PowerActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_power_watts",
		Help: "Last measured active power",
	})
	EnergyActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_energy_kwh",
		Help: "Cumulative active energy reported by the meter",
	})
	Frequency = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_frequency_hertz",
		Help: "Last measured line frequency",
	})
	PowerFactor = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_power_factor",
		Help: "Last measured power factor (0-100)",
	})
	EnergyDelta = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pzem_energy_delta_wattseconds",
		Help: "Energy consumed between the last two successful polls",
	})
)

// Status constants
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Failure classes
const (
	ErrorTypeWrite     = "write"
	ErrorTypeTimeout   = "timeout"
	ErrorTypeCRC       = "crc"
	ErrorTypeException = "exception"
	ErrorTypeDecode    = "decode"
)

// IncExchange increments the exchange counter.
func IncExchange(function, status string) {
	ExchangeCount.WithLabelValues(function, status).Inc()
}

// IncError increments the error counter.
func IncError(errType string) {
	ErrorCount.WithLabelValues(errType).Inc()
}

// IncPoll increments the poll counter.
func IncPoll(status string) {
	PollCount.WithLabelValues(status).Inc()
}

// ObserveReading updates the measurement gauges after a successful poll.
func ObserveReading(voltage, current, power, energy, frequency, powerFactor, energyDeltaWs float64) {
	Voltage.Set(voltage)
	Current.Set(current)
	PowerActive.Set(power)
	EnergyActive.Set(energy)
	Frequency.Set(frequency)
	PowerFactor.Set(powerFactor)
	EnergyDelta.Set(energyDeltaWs)
}
