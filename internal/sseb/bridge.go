package sseb

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"pldmd/internal/allocator"
	"pldmd/internal/pdr"
	"pldmd/internal/pipeline"
	"pldmd/internal/pldm"
)

// terminusID identifies this responder in outbound PlatformEventMessage
// requests.
const terminusID = 1

// EmittedEvent describes one sensor event the bridge sent, for observers
// (history store, status dashboard).
type EmittedEvent struct {
	SensorID      uint16 `json:"sensor_id"`
	Offset        uint8  `json:"offset"`
	State         uint8  `json:"state"`
	PreviousState uint8  `json:"previous_state"`
}

// Bridge maps PropertiesChanged signals into PLDM sensor events for one
// endpoint. All matching and cache mutation run on the shared event loop, so
// the cache is single-writer by construction.
type Bridge struct {
	eid      uint8
	bus      Bus
	loop     *pipeline.EventLoop
	alloc    *allocator.Allocator
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	// onEmit, if set, observes every event successfully handed to the
	// pipeline. Called on the event loop.
	onEmit func(EmittedEvent)

	mu    sync.Mutex
	cache map[uint16][]uint8 // sensor id -> per-offset last reported-as-previous state

	unsubs []func()
}

// NewBridge creates a Bridge that sends sensor events to eid.
func NewBridge(eid uint8, bus Bus, loop *pipeline.EventLoop, alloc *allocator.Allocator, pl *pipeline.Pipeline, onEmit func(EmittedEvent), logger *slog.Logger) *Bridge {
	return &Bridge{
		eid:      eid,
		bus:      bus,
		loop:     loop,
		alloc:    alloc,
		pipeline: pl,
		onEmit:   onEmit,
		logger:   logger.With("component", "sseb"),
		cache:    make(map[uint16][]uint8),
	}
}

// Listen walks the PDR repository for state sensor records and subscribes to
// the bus for every sensor that has a dbus-map entry. A sensor id absent
// from dbusMaps is skipped silently: such sensors have custom or OEM event
// behaviour outside this bridge.
func (b *Bridge) Listen(repo *pdr.Repo, dbusMaps map[uint16]SensorMapEntry) error {
	for _, rec := range repo.GetByType(pldm.StateSensorPDRType) {
		sensorID, err := pdr.StateSensorID(rec)
		if err != nil {
			return fmt.Errorf("sseb: bad state sensor record: %w", err)
		}
		entry, ok := dbusMaps[sensorID]
		if !ok {
			continue
		}
		if err := b.subscribeSensor(sensorID, entry); err != nil {
			return fmt.Errorf("sseb: subscribe sensor %d: %w", sensorID, err)
		}
	}
	return nil
}

// Close releases every bus subscription.
func (b *Bridge) Close() {
	for _, unsub := range b.unsubs {
		unsub()
	}
	b.unsubs = nil
}

// States returns a snapshot of the sensor state cache for observers. Offsets
// never observed hold pldm.SensorUnknown.
func (b *Bridge) States() map[uint16][]uint8 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint16][]uint8, len(b.cache))
	for id, states := range b.cache {
		cp := make([]uint8, len(states))
		copy(cp, states)
		out[id] = cp
	}
	return out
}

func (b *Bridge) subscribeSensor(sensorID uint16, entry SensorMapEntry) error {
	b.mu.Lock()
	if _, ok := b.cache[sensorID]; !ok {
		states := make([]uint8, len(entry.Offsets))
		for i := range states {
			states[i] = pldm.SensorUnknown
		}
		b.cache[sensorID] = states
	}
	b.mu.Unlock()

	for offset, om := range entry.Offsets {
		ch, unsub, err := b.bus.Subscribe(om.DBus.ObjectPath, om.DBus.Interface)
		if err != nil {
			return err
		}
		b.unsubs = append(b.unsubs, unsub)

		offset, om := uint8(offset), om
		go func() {
			for change := range ch {
				change := change
				b.loop.Post(func() { b.handleChange(sensorID, offset, om, change) })
			}
		}()
	}
	return nil
}

// handleChange runs on the event loop: match the changed property against
// the value mapping in declaration order and emit on the first hit.
func (b *Bridge) handleChange(sensorID uint16, offset uint8, om OffsetMapping, change PropertyChange) {
	value, ok := change.Properties[om.DBus.Property]
	if !ok {
		return
	}

	for _, vm := range om.Values {
		if !b.matches(om.DBus.PropertyType, vm.Value, value) {
			continue
		}

		// The cache stores the state reported as "previous" in the last
		// emission, not the newly matched state. Second and later emissions
		// therefore report a previous state that lags the actual transition
		// history; this is deliberate, see DESIGN.md.
		previous := vm.State
		b.mu.Lock()
		if states, ok := b.cache[sensorID]; ok && int(offset) < len(states) && states[offset] != pldm.SensorUnknown {
			previous = states[offset]
		}
		b.mu.Unlock()

		if err := b.sendSensorEvent(sensorID, offset, vm.State, previous); err != nil {
			b.logger.Warn("send sensor event failed", "sensor_id", sensorID, "offset", offset, "err", err)
			return
		}

		b.mu.Lock()
		if states, ok := b.cache[sensorID]; ok && int(offset) < len(states) {
			states[offset] = previous
		}
		b.mu.Unlock()

		if b.onEmit != nil {
			b.onEmit(EmittedEvent{SensorID: sensorID, Offset: offset, State: vm.State, PreviousState: previous})
		}
		return
	}
}

// matches compares a mapping candidate against the incoming property value.
// For string properties the candidate is a "||"-separated list of accepted
// strings, each trimmed before comparison.
func (b *Bridge) matches(propertyType string, candidate, incoming interface{}) bool {
	if propertyType == "string" {
		src, ok1 := candidate.(string)
		dst, ok2 := incoming.(string)
		if !ok1 || !ok2 {
			return false
		}
		for _, alt := range strings.Split(src, "||") {
			if strings.Trim(alt, " ") == dst {
				return true
			}
		}
		return false
	}
	return candidate == incoming
}

func (b *Bridge) sendSensorEvent(sensorID uint16, offset, state, previous uint8) error {
	iid, err := b.alloc.Next(b.eid)
	if err != nil {
		return fmt.Errorf("instance id: %w", err)
	}

	eventData := pldm.SensorEventData{
		SensorID:      sensorID,
		EventClass:    pldm.StateSensorState,
		Offset:        offset,
		State:         state,
		PreviousState: previous,
	}
	msg, err := pldm.EncodePlatformEventMessageReq(iid, 1, terminusID, pldm.SensorEvent, eventData.Encode())
	if err != nil {
		b.alloc.Free(b.eid, iid)
		return fmt.Errorf("encode: %w", err)
	}

	onResp := func(eid uint8, resp []byte, ok bool) {
		if !ok || resp == nil {
			b.logger.Warn("no response for platform event message", "sensor_id", sensorID)
			return
		}
		cc, _, err := pldm.DecodePlatformEventMessageResp(resp)
		if err != nil || cc != pldm.Success {
			b.logger.Warn("platform event message rejected", "sensor_id", sensorID, "cc", cc, "err", err)
		}
	}
	if err := b.pipeline.RegisterRequest(b.eid, iid, pldm.TypePlatform, pldm.CmdPlatformEventMessage, msg, onResp); err != nil {
		return fmt.Errorf("register: %w", err)
	}
	return nil
}
