// Package manager coordinates one firmware-update state machine per target
// endpoint: it starts sessions, receives completion callbacks, persists the
// outcome, and broadcasts progress to observers.
package manager

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"pldmd/internal/allocator"
	"pldmd/internal/fwupdate"
	"pldmd/internal/history"
	"pldmd/internal/pipeline"
	"pldmd/internal/sseb"
)

var (
	// ErrSessionActive is returned by StartUpdate when the endpoint already
	// has a running session.
	ErrSessionActive = errors.New("manager: session already active for endpoint")

	// ErrUnknownEndpoint is returned when a device-initiated request arrives
	// for an endpoint with no active session.
	ErrUnknownEndpoint = errors.New("manager: no active session for endpoint")
)

// Recorder is the slice of the history store the manager writes to.
type Recorder interface {
	RecordSession(rec history.SessionRecord) error
	RecordSensorEvent(rec history.SensorEventRecord) error
}

// SessionStatus is a live snapshot of one active session for observers.
type SessionStatus struct {
	EID             uint8        `json:"eid"`
	Phase           string       `json:"phase"`
	StartedAt       time.Time    `json:"started_at"`
	ComponentStatus map[int]bool `json:"component_status,omitempty"`
}

// Manager owns the per-endpoint device updaters.
type Manager struct {
	deps            fwupdate.Deps
	recorder        Recorder
	events          *EventBus
	logger          *slog.Logger
	maxTransferSize uint32
	timeout         time.Duration

	mu       sync.Mutex
	updaters map[uint8]*fwupdate.DeviceUpdater
	started  map[uint8]time.Time
}

// New creates a Manager. recorder may be nil (no persistence).
func New(loop *pipeline.EventLoop, alloc *allocator.Allocator, pl *pipeline.Pipeline, transport pipeline.Transport, recorder Recorder, events *EventBus, maxTransferSize uint32, timeout time.Duration, logger *slog.Logger) *Manager {
	return &Manager{
		deps: fwupdate.Deps{
			Loop:      loop,
			Alloc:     alloc,
			Pipeline:  pl,
			Transport: transport,
			Logger:    logger,
		},
		recorder:        recorder,
		events:          events,
		logger:          logger.With("component", "manager"),
		maxTransferSize: maxTransferSize,
		timeout:         timeout,
		updaters:        make(map[uint8]*fwupdate.DeviceUpdater),
		started:         make(map[uint8]time.Time),
	}
}

// Events returns the manager's event bus.
func (m *Manager) Events() *EventBus {
	return m.events
}

// StartUpdate begins a firmware-update session for eid. A second session for
// the same endpoint is refused until the first reports completion.
func (m *Manager) StartUpdate(eid uint8, record fwupdate.DeviceIDRecord, components []fwupdate.ComponentImageInfo, infoMap map[fwupdate.ComponentKey]uint8, pkg io.ReaderAt) error {
	m.mu.Lock()
	if _, ok := m.updaters[eid]; ok {
		m.mu.Unlock()
		return fmt.Errorf("eid %d: %w", eid, ErrSessionActive)
	}
	updater := fwupdate.New(eid, record, components, infoMap, pkg, m.maxTransferSize, m.timeout, m.deps,
		m.updateDeviceCompletion, m.updateActivationProgress)
	m.updaters[eid] = updater
	m.started[eid] = time.Now()
	m.mu.Unlock()

	if err := updater.StartFwUpdateFlow(); err != nil {
		m.mu.Lock()
		delete(m.updaters, eid)
		delete(m.started, eid)
		m.mu.Unlock()
		return err
	}

	m.logger.Info("update session started", "eid", eid, "components", len(record.ApplicableComponents))
	m.events.Emit(Event{Type: EventSessionStarted, EID: eid})
	return nil
}

// HandleDeviceRequest routes a device-initiated firmware-update request to
// the endpoint's active updater. Called from the transport's receive path
// (already on the event loop).
func (m *Manager) HandleDeviceRequest(eid, instanceID, command uint8, payload []byte) error {
	m.mu.Lock()
	updater, ok := m.updaters[eid]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("eid %d: %w", eid, ErrUnknownEndpoint)
	}
	updater.HandleDeviceRequest(instanceID, command, payload)
	return nil
}

// ActiveSessions returns a snapshot of all running sessions.
func (m *Manager) ActiveSessions() []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SessionStatus, 0, len(m.updaters))
	for eid, u := range m.updaters {
		out = append(out, SessionStatus{
			EID:             eid,
			Phase:           u.Phase().String(),
			StartedAt:       m.started[eid],
			ComponentStatus: u.ComponentStatus(),
		})
	}
	return out
}

// RecordSensorEvent persists and broadcasts an event the sensor bridge
// emitted. Wired as the bridge's onEmit hook.
func (m *Manager) RecordSensorEvent(ev sseb.EmittedEvent) {
	if m.recorder != nil {
		rec := history.SensorEventRecord{
			SensorID:      ev.SensorID,
			Offset:        ev.Offset,
			State:         ev.State,
			PreviousState: ev.PreviousState,
			At:            time.Now(),
		}
		if err := m.recorder.RecordSensorEvent(rec); err != nil {
			m.logger.Warn("record sensor event", "sensor_id", ev.SensorID, "err", err)
		}
	}
	m.events.Emit(Event{Type: EventSensorEvent, Sensor: &ev})
}

// updateDeviceCompletion is the terminal callback every updater reports
// through. It drops the updater (tearing down its timer), persists the
// session record, and broadcasts the outcome.
func (m *Manager) updateDeviceCompletion(eid uint8, ok bool) {
	m.mu.Lock()
	updater, found := m.updaters[eid]
	startedAt := m.started[eid]
	delete(m.updaters, eid)
	delete(m.started, eid)
	m.mu.Unlock()
	if !found {
		m.logger.Warn("completion for unknown session", "eid", eid)
		return
	}

	rec := history.SessionRecord{
		EID:             eid,
		StartedAt:       startedAt,
		EndedAt:         time.Now(),
		Success:         ok,
		FinalPhase:      updater.Phase().String(),
		ComponentStatus: updater.ComponentStatus(),
	}
	if m.recorder != nil {
		if err := m.recorder.RecordSession(rec); err != nil {
			m.logger.Warn("record session", "eid", eid, "err", err)
		}
	}

	m.logger.Info("update session completed", "eid", eid, "success", ok)
	m.events.Emit(Event{Type: EventSessionCompleted, EID: eid, Session: &rec})
}

// updateActivationProgress forwards the low-information activation tick.
func (m *Manager) updateActivationProgress(eid uint8) {
	m.events.Emit(Event{Type: EventActivationProgress, EID: eid})
}
