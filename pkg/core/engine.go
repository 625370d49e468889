// Package core provides the engine that owns the meter driver and fans
// successful readings out to the reporting subsystems (store, MQTT,
// WebSocket clients).
package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/commatea/pzem-bridge/pkg/config"
	"github.com/commatea/pzem-bridge/pkg/logger"
	"github.com/commatea/pzem-bridge/pkg/persistence"
	"github.com/commatea/pzem-bridge/pkg/pzem"
	"github.com/google/uuid"
)

// Common errors.
var (
	ErrEngineNotStarted = errors.New("engine not started")
	ErrEngineStarted    = errors.New("engine already started")
)

// Sample is one successful measurement with identity and time attached,
// the unit every reporting subsystem consumes.
type Sample struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	pzem.Reading
	EnergyDeltaWs float64 `json:"energy_delta_ws"`
}

// Stats counts engine activity since start.
type Stats struct {
	Polls       uint64     `json:"polls"`
	PollsFailed uint64     `json:"polls_failed"`
	Samples     uint64     `json:"samples"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
}

// Status is a point-in-time snapshot for diagnostics surfaces.
type Status struct {
	Started     bool         `json:"started"`
	Description string       `json:"description"`
	Address     string       `json:"address"`
	LastReading pzem.Reading `json:"last_reading"`
	LastError   string       `json:"last_error,omitempty"`
	Stats       Stats        `json:"stats"`
}

// Engine drives the poll loop. The driver itself is single-threaded by
// design; the engine is the one place that serializes access to it, so
// REST and CLI commands and the tick loop never overlap on the wire.
type Engine struct {
	mu sync.Mutex

	cfg    *config.Config
	driver *pzem.Driver
	store  persistence.Store
	log    *logger.Logger

	subMu       sync.RWMutex
	subscribers []chan Sample

	stats   Stats
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine composes an engine around the single driver instance.
// store may be nil when history is disabled.
func NewEngine(cfg *config.Config, driver *pzem.Driver, store persistence.Store, log *logger.Logger) (*Engine, error) {
	if driver == nil {
		return nil, errors.New("engine requires a driver")
	}
	if log == nil {
		log = logger.Global()
	}
	return &Engine{
		cfg:    cfg,
		driver: driver,
		store:  store,
		log:    log,
	}, nil
}

// Start opens the port and launches the tick loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return ErrEngineStarted
	}

	if err := e.driver.Begin(); err != nil {
		return err
	}

	e.ctx, e.cancel = context.WithCancel(ctx)

	now := time.Now()
	e.stats.StartedAt = &now
	e.started = true

	e.wg.Add(1)
	go e.pollLoop()

	e.log.Info("engine started", "device", e.driver.Description())
	return nil
}

// Stop halts the tick loop and closes the port.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.cancel()
	e.started = false
	e.mu.Unlock()

	e.wg.Wait()

	e.mu.Lock()
	defer e.mu.Unlock()

	e.subMu.Lock()
	for _, ch := range e.subscribers {
		close(ch)
	}
	e.subscribers = nil
	e.subMu.Unlock()

	return e.driver.Close()
}

// pollLoop offers the driver a chance to poll at the tick cadence; the
// driver gates actual exchanges by its update interval.
func (e *Engine) pollLoop() {
	defer e.wg.Done()

	tick := e.cfg.Driver.TickInterval
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick runs one driver poll and publishes any new reading.
func (e *Engine) tick() {
	e.mu.Lock()
	reading, err := e.driver.Poll()
	deltaWs := e.driver.EnergyDeltaWs()
	e.mu.Unlock()

	if err != nil {
		e.mu.Lock()
		e.stats.Polls++
		e.stats.PollsFailed++
		e.mu.Unlock()
		e.log.Warn("poll failed", "err", err)
		return
	}
	if !reading.OK {
		// Interval not elapsed yet; nothing happened this tick.
		return
	}

	sample := Sample{
		ID:            uuid.NewString(),
		Timestamp:     time.Now(),
		Reading:       reading,
		EnergyDeltaWs: deltaWs,
	}

	e.mu.Lock()
	e.stats.Polls++
	e.stats.Samples++
	e.mu.Unlock()

	e.publish(sample)
}

// publish stores the sample and hands it to every subscriber. Slow
// subscribers lose samples rather than stalling the poll loop.
func (e *Engine) publish(sample Sample) {
	if e.store != nil {
		if err := e.store.Save(toStored(sample)); err != nil {
			e.log.Warn("store sample", "err", err)
		}
	}

	e.subMu.RLock()
	defer e.subMu.RUnlock()
	for _, ch := range e.subscribers {
		select {
		case ch <- sample:
		default:
		}
	}
}

// Subscribe returns a channel of future samples. The channel closes on
// Stop.
func (e *Engine) Subscribe() <-chan Sample {
	ch := make(chan Sample, 16)
	e.subMu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.subMu.Unlock()
	return ch
}

// ResetEnergy schedules a meter counter reset for the next poll.
func (e *Engine) ResetEnergy() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.driver.RequestEnergyReset()
	e.log.Info("energy reset scheduled")
}

// ChangeAddress re-addresses the meter on the wire. Serialized against
// the poll loop so the two never share the line.
func (e *Engine) ChangeAddress(to byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver.ChangeAddress(to)
}

// Status returns a diagnostics snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		Started:     e.started,
		Description: e.driver.Description(),
		Address:     e.driver.AddressString(),
		LastReading: e.driver.LastReading(),
		Stats:       e.stats,
	}
	if err := e.driver.LastError(); err != nil {
		st.LastError = err.Error()
	}
	return st
}

// LastReading returns the retained measurement snapshot.
func (e *Engine) LastReading() pzem.Reading {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.driver.LastReading()
}

// Store exposes the history store to the API layer; nil when disabled.
func (e *Engine) Store() persistence.Store {
	return e.store
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// toStored flattens a sample for persistence.
func toStored(sample Sample) *persistence.Sample {
	return &persistence.Sample{
		ID:            sample.ID,
		Timestamp:     sample.Timestamp,
		Voltage:       sample.Voltage,
		Current:       sample.Current,
		PowerActive:   sample.PowerActive,
		EnergyActive:  sample.EnergyActive,
		Frequency:     sample.Frequency,
		PowerFactor:   sample.PowerFactor,
		EnergyDeltaWs: sample.EnergyDeltaWs,
		Alarm:         sample.Alarm,
	}
}
