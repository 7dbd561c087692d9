package fwupdate

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"pldmd/internal/allocator"
	"pldmd/internal/pipeline"
	"pldmd/internal/pldm"
)

// CompletionFunc reports a terminal outcome for eid to the Update Manager.
type CompletionFunc func(eid uint8, ok bool)

// ActivationProgressFunc forwards the low-information progress tick the
// Manager exposes as update_activation_progress().
type ActivationProgressFunc func(eid uint8)

// Deps collects the shared collaborators a DeviceUpdater needs from its
// owning Update Manager: the event loop, the instance-id allocator, the
// request pipeline, and the raw transport (for device-initiated requests
// this daemon responds to directly, outside the outbound pipeline).
type Deps struct {
	Loop      *pipeline.EventLoop
	Alloc     *allocator.Allocator
	Pipeline  *pipeline.Pipeline
	Transport pipeline.Transport
	Logger    *slog.Logger
}

// DeviceUpdater is the per-endpoint FUD-SM. One instance drives exactly one
// target endpoint through a single firmware-update session.
type DeviceUpdater struct {
	eid             uint8
	deps            Deps
	record          DeviceIDRecord
	components      []ComponentImageInfo
	infoMap         map[ComponentKey]uint8
	pkg             io.ReaderAt
	maxTransferSize uint32
	timeout         time.Duration

	onCompletion         CompletionFunc
	onActivationProgress ActivationProgressFunc

	mu              sync.Mutex
	phase           Phase
	componentIndex  int
	componentStatus map[int]bool
	deferredGen     uint64
	timer           *pipeline.Timer
	firstDataServed bool
}

// New constructs a DeviceUpdater for eid. components is the full component
// image table; record.ApplicableComponents indexes into it. infoMap maps
// (classification, identifier) to the classification index the device
// expects back in PassComponentTable/UpdateComponent. pkg is the
// random-access byte source backing the firmware package.
func New(eid uint8, record DeviceIDRecord, components []ComponentImageInfo, infoMap map[ComponentKey]uint8, pkg io.ReaderAt, maxTransferSize uint32, timeout time.Duration, deps Deps, onCompletion CompletionFunc, onActivationProgress ActivationProgressFunc) *DeviceUpdater {
	return &DeviceUpdater{
		eid:                  eid,
		deps:                 deps,
		record:               record,
		components:           components,
		infoMap:              infoMap,
		pkg:                  pkg,
		maxTransferSize:      maxTransferSize,
		timeout:              timeout,
		onCompletion:         onCompletion,
		onActivationProgress: onActivationProgress,
		phase:                PhaseIdle,
		componentStatus:      make(map[int]bool),
	}
}

// Phase reports the current state. Safe to call from any goroutine (e.g.
// the status dashboard), guarded by the internal mutex.
func (d *DeviceUpdater) Phase() Phase {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phase
}

// ComponentStatus returns a snapshot of per-component success tracking.
func (d *DeviceUpdater) ComponentStatus() map[int]bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]bool, len(d.componentStatus))
	for k, v := range d.componentStatus {
		out[k] = v
	}
	return out
}

// scheduleDeferred posts fn onto the event loop as a continuation, atomically
// replacing any previously-scheduled-but-not-yet-run continuation: bumping
// the generation counter makes a stale closure a no-op when it runs. By
// construction of the state machine a prior deferred task has always
// already fired by the time a new one is scheduled; the generation check
// exists to make that invariant cheap to enforce rather than assumed.
func (d *DeviceUpdater) scheduleDeferred(fn func()) {
	d.mu.Lock()
	d.deferredGen++
	gen := d.deferredGen
	d.mu.Unlock()
	d.deps.Loop.Post(func() {
		d.mu.Lock()
		stale := gen != d.deferredGen
		d.mu.Unlock()
		if stale {
			return
		}
		fn()
	})
}

// armOrRestartTimer arms the AwaitingData timer on the first valid data
// serve of a component and restarts it on every subsequent one.
func (d *DeviceUpdater) armOrRestartTimer() {
	if d.timer == nil {
		d.timer = d.deps.Loop.NewTimer(d.timeout, d.onDataTimeout)
		return
	}
	d.timer.Reset(d.timeout)
}

// teardownTimer disarms the AwaitingData timer, if any. Idempotent.
func (d *DeviceUpdater) teardownTimer() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// StartFwUpdateFlow begins the update session: Idle -> RequestUpdate.
func (d *DeviceUpdater) StartFwUpdateFlow() error {
	d.mu.Lock()
	if d.phase != PhaseIdle {
		d.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	d.phase = PhaseRequestUpdate
	d.mu.Unlock()

	d.sendRequestUpdate()
	return nil
}

func (d *DeviceUpdater) log() *slog.Logger {
	return d.deps.Logger.With("eid", d.eid)
}

// abandon drops an outbound attempt without advancing state or reporting
// completion: encode failures and instance-id exhaustion leave the machine
// where it was, with no deferred task, and recovery is the Manager's
// business (restart).
func (d *DeviceUpdater) abandon(reason string, err error) {
	d.log().Warn(reason, "err", err)
}

// fail terminates the session and reports failure to the Manager; every
// terminal error path reports completion through this one code path.
func (d *DeviceUpdater) fail(reason string, err error) {
	if err != nil {
		d.log().Warn(reason, "err", err)
	} else {
		d.log().Warn(reason)
	}
	d.teardownTimer()
	d.mu.Lock()
	d.phase = PhaseDone
	d.mu.Unlock()
	d.onCompletion(d.eid, false)
}

func (d *DeviceUpdater) succeed() {
	d.teardownTimer()
	d.mu.Lock()
	d.phase = PhaseDone
	d.mu.Unlock()
	d.onCompletion(d.eid, true)
}

// --- RequestUpdate ---

func (d *DeviceUpdater) sendRequestUpdate() {
	iid, err := d.deps.Alloc.Next(d.eid)
	if err != nil {
		d.abandon("request update: instance id exhausted", err)
		return
	}

	msg, err := pldm.EncodeRequestUpdateReq(pldm.RequestUpdateReq{
		InstanceID:        iid,
		MaxTransferSize:   d.maxTransferSize,
		NumComponents:     uint16(len(d.record.ApplicableComponents)),
		MaxOutstandingReq: pldm.FWUPMinOutstandingReq,
		PackageDataLength: uint16(len(d.record.PackageData)),
		VersionStringType: pldm.StrTypeASCII,
		VersionString:     []byte(d.record.ComponentImageSetVersion),
	})
	if err != nil {
		d.deps.Alloc.Free(d.eid, iid)
		d.abandon("request update: encode failed", err)
		return
	}

	// On register failure the pipeline has already freed the id and will
	// invoke the callback with a nil response; that callback drives the
	// failure transition, so only log here.
	if err := d.deps.Pipeline.RegisterRequest(d.eid, iid, pldm.TypeFWUP, pldm.CmdRequestUpdate, msg, d.onRequestUpdateResp); err != nil {
		d.log().Warn("request update: register failed", "err", err)
	}
}

func (d *DeviceUpdater) onRequestUpdateResp(eid uint8, resp []byte, ok bool) {
	if !ok || resp == nil {
		d.fail("request update: no response", nil)
		return
	}
	decoded, err := pldm.DecodeRequestUpdateResp(resp)
	if err != nil {
		d.log().Warn("request update: decode failed", "err", err)
		return
	}
	if decoded.CompletionCode != pldm.Success {
		d.fail(fmt.Sprintf("request update: device returned completion code 0x%02X", decoded.CompletionCode), nil)
		return
	}

	d.mu.Lock()
	d.componentIndex = 0
	d.phase = PhasePassCompTable
	d.mu.Unlock()

	d.scheduleDeferred(func() { d.sendPassComponentTable(0) })
}

// --- PassComponentTable ---

func (d *DeviceUpdater) transferFlagFor(i, n int) uint8 {
	switch {
	case n == 1:
		return pldm.TransferFlagStartAndEnd
	case i == 0:
		return pldm.TransferFlagStart
	case i == n-1:
		return pldm.TransferFlagEnd
	default:
		return pldm.TransferFlagMiddle
	}
}

func (d *DeviceUpdater) componentAt(i int) (ComponentImageInfo, bool) {
	if i < 0 || i >= len(d.record.ApplicableComponents) {
		return ComponentImageInfo{}, false
	}
	idx := d.record.ApplicableComponents[i]
	if idx < 0 || idx >= len(d.components) {
		return ComponentImageInfo{}, false
	}
	return d.components[idx], true
}

func (d *DeviceUpdater) classificationIndexFor(c ComponentImageInfo) uint8 {
	return d.infoMap[ComponentKey{Classification: c.Classification, Identifier: c.Identifier}]
}

func (d *DeviceUpdater) sendPassComponentTable(i int) {
	n := len(d.record.ApplicableComponents)
	comp, ok := d.componentAt(i)
	if !ok {
		d.fail(fmt.Sprintf("pass component table: component index %d out of range", i), nil)
		return
	}

	iid, err := d.deps.Alloc.Next(d.eid)
	if err != nil {
		d.abandon("pass component table: instance id exhausted", err)
		return
	}

	msg, err := pldm.EncodePassComponentTableReq(pldm.PassComponentTableReq{
		InstanceID:              iid,
		TransferFlag:            d.transferFlagFor(i, n),
		ComponentClassification: comp.Classification,
		ComponentIdentifier:     comp.Identifier,
		ClassificationIndex:     d.classificationIndexFor(comp),
		ComparisonStamp:         comp.ComparisonStamp,
		VersionStringType:       pldm.StrTypeASCII,
		VersionString:           []byte(comp.Version),
	})
	if err != nil {
		d.deps.Alloc.Free(d.eid, iid)
		d.abandon("pass component table: encode failed", err)
		return
	}

	onResp := func(eid uint8, resp []byte, ok bool) { d.onPassComponentTableResp(i, resp, ok) }
	if err := d.deps.Pipeline.RegisterRequest(d.eid, iid, pldm.TypeFWUP, pldm.CmdPassComponentTable, msg, onResp); err != nil {
		d.log().Warn("pass component table: register failed", "err", err)
	}
}

func (d *DeviceUpdater) onPassComponentTableResp(i int, resp []byte, ok bool) {
	if !ok || resp == nil {
		d.fail(fmt.Sprintf("pass component table %d: no response", i), nil)
		return
	}
	decoded, err := pldm.DecodePassComponentTableResp(resp)
	if err != nil {
		d.log().Warn("pass component table: decode failed", "err", err)
		return
	}
	if decoded.CompletionCode != pldm.Success {
		d.fail(fmt.Sprintf("pass component table %d: completion code 0x%02X", i, decoded.CompletionCode), nil)
		return
	}

	n := len(d.record.ApplicableComponents)
	if i < n-1 {
		next := i + 1
		d.mu.Lock()
		d.componentIndex = next
		d.mu.Unlock()
		d.scheduleDeferred(func() { d.sendPassComponentTable(next) })
		return
	}

	d.mu.Lock()
	d.componentIndex = 0
	d.phase = PhaseUpdateComponent
	d.mu.Unlock()
	d.scheduleDeferred(func() { d.sendUpdateComponent(0) })
}

// --- UpdateComponent ---

func (d *DeviceUpdater) sendUpdateComponent(i int) {
	comp, ok := d.componentAt(i)
	if !ok {
		d.fail(fmt.Sprintf("update component: component index %d out of range", i), nil)
		return
	}

	iid, err := d.deps.Alloc.Next(d.eid)
	if err != nil {
		d.abandon("update component: instance id exhausted", err)
		return
	}

	var updateOptionFlags uint32
	if comp.UpdateOptionFlagBit0() {
		updateOptionFlags |= 0x1
	}

	msg, err := pldm.EncodeUpdateComponentReq(pldm.UpdateComponentReq{
		InstanceID:              iid,
		ComponentClassification: comp.Classification,
		ComponentIdentifier:     comp.Identifier,
		ClassificationIndex:     d.classificationIndexFor(comp),
		ComparisonStamp:         comp.ComparisonStamp,
		ComponentSize:           comp.Size,
		UpdateOptionFlags:       updateOptionFlags,
		VersionStringType:       pldm.StrTypeASCII,
		VersionString:           []byte(comp.Version),
	})
	if err != nil {
		d.deps.Alloc.Free(d.eid, iid)
		d.abandon("update component: encode failed", err)
		return
	}

	onResp := func(eid uint8, resp []byte, ok bool) { d.onUpdateComponentResp(i, resp, ok) }
	if err := d.deps.Pipeline.RegisterRequest(d.eid, iid, pldm.TypeFWUP, pldm.CmdUpdateComponent, msg, onResp); err != nil {
		d.log().Warn("update component: register failed", "err", err)
	}
}

func (d *DeviceUpdater) onUpdateComponentResp(i int, resp []byte, ok bool) {
	if !ok || resp == nil {
		d.fail(fmt.Sprintf("update component %d: no response", i), nil)
		return
	}
	decoded, err := pldm.DecodeUpdateComponentResp(resp)
	if err != nil {
		d.log().Warn("update component: decode failed", "err", err)
		return
	}
	if decoded.CompletionCode != pldm.Success {
		// A refused component terminates the session with a failure report;
		// see DESIGN.md on why this branch reports completion.
		d.fail(fmt.Sprintf("update component %d: completion code 0x%02X", i, decoded.CompletionCode), nil)
		return
	}

	d.mu.Lock()
	d.componentIndex = i
	d.phase = PhaseAwaitingData
	d.firstDataServed = false
	d.mu.Unlock()
	// The device drives data pulls from here; no deferred action to schedule.
}

// --- AwaitingData / RequestFirmwareData ---

// HandleDeviceRequest routes a device-initiated request (RequestFirmwareData,
// TransferComplete, VerifyComplete, ApplyComplete) to the matching handler.
// These arrive outside the outbound pipeline, so the daemon responds
// directly over the transport rather than through Pipeline.RegisterRequest.
func (d *DeviceUpdater) HandleDeviceRequest(instanceID, command uint8, payload []byte) {
	switch command {
	case pldm.CmdRequestFirmwareData:
		d.handleRequestFirmwareData(instanceID, payload)
	case pldm.CmdTransferComplete:
		d.handleTransferComplete(instanceID, payload)
	case pldm.CmdVerifyComplete:
		d.handleVerifyComplete(instanceID, payload)
	case pldm.CmdApplyComplete:
		d.handleApplyComplete(instanceID, payload)
	default:
		d.log().Warn("unexpected device-initiated command", "command", command)
	}
}

func (d *DeviceUpdater) respond(instanceID, command uint8, msg []byte, err error) {
	if err != nil {
		d.log().Error("encode response failed", "command", command, "err", err)
		return
	}
	if sendErr := d.deps.Transport.Send(d.eid, msg); sendErr != nil {
		d.log().Warn("send response failed", "command", command, "err", sendErr)
	}
}

func (d *DeviceUpdater) handleRequestFirmwareData(instanceID uint8, payload []byte) {
	d.mu.Lock()
	phase := d.phase
	i := d.componentIndex
	firstServe := !d.firstDataServed
	d.mu.Unlock()
	if phase != PhaseAwaitingData {
		d.log().Debug("request firmware data outside AwaitingData, ignoring", "phase", phase)
		return
	}

	offset, length, err := pldm.DecodeRequestFirmwareDataReq(payload)
	if err != nil {
		d.log().Warn("request firmware data: decode failed", "err", err)
		return
	}

	comp, ok := d.componentAt(i)
	if !ok {
		d.fail(fmt.Sprintf("request firmware data: component index %d out of range", i), nil)
		return
	}

	if length < pldm.BaselineTransferSize || length > d.maxTransferSize {
		msg, encErr := pldm.EncodeRequestFirmwareDataResp(instanceID, pldm.FWUPInvalidTransferLength, nil)
		d.respond(instanceID, pldm.CmdRequestFirmwareData, msg, encErr)
		return
	}
	if uint64(offset)+uint64(length) > uint64(comp.Size)+pldm.BaselineTransferSize {
		msg, encErr := pldm.EncodeRequestFirmwareDataResp(instanceID, pldm.FWUPDataOutOfRange, nil)
		d.respond(instanceID, pldm.CmdRequestFirmwareData, msg, encErr)
		return
	}

	if firstServe && offset != 0 {
		d.log().Warn("first firmware data request has nonzero offset", "offset", offset)
	}

	buf := make([]byte, length)
	var n uint32
	if offset < comp.Size {
		n = comp.Size - offset
		if n > length {
			n = length
		}
	}
	if n > 0 {
		pkgOffset := int64(comp.Offset) + int64(offset)
		if _, err := d.pkg.ReadAt(buf[:n], pkgOffset); err != nil && err != io.EOF {
			d.log().Error("read package data failed", "err", err)
		}
	}

	msg, encErr := pldm.EncodeRequestFirmwareDataResp(instanceID, pldm.Success, buf)
	d.respond(instanceID, pldm.CmdRequestFirmwareData, msg, encErr)

	d.mu.Lock()
	d.firstDataServed = true
	d.mu.Unlock()
	d.armOrRestartTimer()
}

func (d *DeviceUpdater) onDataTimeout() {
	d.mu.Lock()
	phase := d.phase
	i := d.componentIndex
	d.mu.Unlock()
	if phase != PhaseAwaitingData {
		return // stale fire racing a transition already handled
	}
	d.log().Warn("data transfer timed out", "component", i)
	d.teardownTimer()
	d.mu.Lock()
	d.componentStatus[i] = false
	d.mu.Unlock()
	d.startCancelComponent(i)
}

func (d *DeviceUpdater) handleTransferComplete(instanceID uint8, payload []byte) {
	d.mu.Lock()
	phase := d.phase
	i := d.componentIndex
	d.mu.Unlock()
	if phase != PhaseAwaitingData {
		d.log().Debug("transfer complete outside AwaitingData, ignoring", "phase", phase)
		return
	}
	d.teardownTimer()

	result, err := pldm.DecodeTransferCompleteReq(payload)
	if err != nil {
		d.log().Warn("transfer complete: decode failed", "err", err)
		msg, encErr := pldm.EncodeTransferCompleteResp(instanceID, pldm.ErrorInvalidData)
		d.respond(instanceID, pldm.CmdTransferComplete, msg, encErr)
		return
	}

	msg, encErr := pldm.EncodeTransferCompleteResp(instanceID, pldm.Success)
	d.respond(instanceID, pldm.CmdTransferComplete, msg, encErr)

	if result != pldm.TransferSuccess {
		d.mu.Lock()
		d.componentStatus[i] = false
		d.mu.Unlock()
		d.startCancelComponent(i)
		return
	}

	d.mu.Lock()
	d.phase = PhaseVerifyComplete
	d.mu.Unlock()
}

func (d *DeviceUpdater) handleVerifyComplete(instanceID uint8, payload []byte) {
	d.mu.Lock()
	phase := d.phase
	i := d.componentIndex
	d.mu.Unlock()
	if phase != PhaseVerifyComplete {
		d.log().Debug("verify complete outside VerifyComplete, ignoring", "phase", phase)
		return
	}

	result, err := pldm.DecodeVerifyCompleteReq(payload)
	if err != nil {
		d.log().Warn("verify complete: decode failed", "err", err)
		msg, encErr := pldm.EncodeVerifyCompleteResp(instanceID, pldm.ErrorInvalidData)
		d.respond(instanceID, pldm.CmdVerifyComplete, msg, encErr)
		return
	}

	msg, encErr := pldm.EncodeVerifyCompleteResp(instanceID, pldm.Success)
	d.respond(instanceID, pldm.CmdVerifyComplete, msg, encErr)

	if result != pldm.VerifySuccess {
		d.mu.Lock()
		d.componentStatus[i] = false
		d.mu.Unlock()
		d.startCancelComponent(i)
		return
	}

	d.mu.Lock()
	d.phase = PhaseApplyComplete
	d.mu.Unlock()
}

func (d *DeviceUpdater) handleApplyComplete(instanceID uint8, payload []byte) {
	d.mu.Lock()
	phase := d.phase
	i := d.componentIndex
	n := len(d.record.ApplicableComponents)
	d.mu.Unlock()
	if phase != PhaseApplyComplete {
		d.log().Debug("apply complete outside ApplyComplete, ignoring", "phase", phase)
		return
	}

	result, _, err := pldm.DecodeApplyCompleteReq(payload)
	if err != nil {
		d.log().Warn("apply complete: decode failed", "err", err)
		msg, encErr := pldm.EncodeApplyCompleteResp(instanceID, pldm.ErrorInvalidData)
		d.respond(instanceID, pldm.CmdApplyComplete, msg, encErr)
		return
	}

	msg, encErr := pldm.EncodeApplyCompleteResp(instanceID, pldm.Success)
	d.respond(instanceID, pldm.CmdApplyComplete, msg, encErr)

	if result != pldm.ApplySuccess && result != pldm.ApplySuccessWithActivation {
		d.mu.Lock()
		d.componentStatus[i] = false
		d.mu.Unlock()
		d.startCancelComponent(i)
		return
	}

	d.mu.Lock()
	d.componentStatus[i] = true
	d.mu.Unlock()

	// The next component goes straight to UpdateComponent; the component
	// table is not resent between components (see DESIGN.md).
	if i < n-1 {
		next := i + 1
		d.mu.Lock()
		d.componentIndex = next
		d.phase = PhaseUpdateComponent
		d.mu.Unlock()
		d.scheduleDeferred(func() { d.sendUpdateComponent(next) })
		return
	}

	d.mu.Lock()
	d.phase = PhaseActivating
	d.mu.Unlock()
	d.scheduleDeferred(func() { d.sendActivateFirmware() })
}

// --- CancelComponent ---

func (d *DeviceUpdater) startCancelComponent(i int) {
	d.mu.Lock()
	d.phase = PhaseCancelComponent
	d.componentIndex = i
	d.mu.Unlock()
	d.scheduleDeferred(func() { d.sendCancelUpdateComponent(i) })
}

func (d *DeviceUpdater) sendCancelUpdateComponent(i int) {
	iid, err := d.deps.Alloc.Next(d.eid)
	if err != nil {
		d.abandon("cancel update component: instance id exhausted", err)
		return
	}

	msg, err := pldm.EncodeCancelUpdateComponentReq(iid)
	if err != nil {
		d.deps.Alloc.Free(d.eid, iid)
		d.abandon("cancel update component: encode failed", err)
		return
	}

	onResp := func(eid uint8, resp []byte, ok bool) { d.onCancelUpdateComponentResp(i, resp, ok) }
	if err := d.deps.Pipeline.RegisterRequest(d.eid, iid, pldm.TypeFWUP, pldm.CmdCancelUpdateComponent, msg, onResp); err != nil {
		d.log().Warn("cancel update component: register failed", "err", err)
	}
}

func (d *DeviceUpdater) onCancelUpdateComponentResp(i int, resp []byte, ok bool) {
	// A failed cancel response is logged but treated the same as success:
	// per the state diagram, CancelComponent's error branch "records,
	// continues like ok" rather than diverging into a different path.
	if !ok || resp == nil {
		d.log().Warn("cancel update component: no response, continuing", "component", i)
	} else if cc, err := pldm.DecodeCancelUpdateComponentResp(resp); err != nil {
		d.log().Warn("cancel update component: decode failed, continuing", "err", err)
	} else if cc != pldm.Success {
		d.log().Warn("cancel update component: device returned failure, continuing", "completion_code", cc)
	}

	n := len(d.record.ApplicableComponents)
	if i < n-1 {
		next := i + 1
		d.mu.Lock()
		d.componentIndex = next
		d.componentStatus[next] = false // pending, per the state diagram's "mark status[i+1]=pending"
		d.phase = PhaseUpdateComponent
		d.mu.Unlock()
		d.scheduleDeferred(func() { d.sendUpdateComponent(next) })
		return
	}

	if d.anyComponentSucceeded() {
		d.mu.Lock()
		d.phase = PhaseActivating
		d.mu.Unlock()
		d.scheduleDeferred(func() { d.sendActivateFirmware() })
		return
	}
	d.fail("cancel update component: no component succeeded", nil)
}

func (d *DeviceUpdater) anyComponentSucceeded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ok := range d.componentStatus {
		if ok {
			return true
		}
	}
	return false
}

// --- ActivateFirmware ---

func (d *DeviceUpdater) sendActivateFirmware() {
	iid, err := d.deps.Alloc.Next(d.eid)
	if err != nil {
		d.abandon("activate firmware: instance id exhausted", err)
		return
	}

	msg, err := pldm.EncodeActivateFirmwareReq(iid, false)
	if err != nil {
		d.deps.Alloc.Free(d.eid, iid)
		d.abandon("activate firmware: encode failed", err)
		return
	}

	if err := d.deps.Pipeline.RegisterRequest(d.eid, iid, pldm.TypeFWUP, pldm.CmdActivateFirmware, msg, d.onActivateFirmwareResp); err != nil {
		d.log().Warn("activate firmware: register failed", "err", err)
	}
}

func (d *DeviceUpdater) onActivateFirmwareResp(eid uint8, resp []byte, ok bool) {
	if !ok || resp == nil {
		d.fail("activate firmware: no response", nil)
		return
	}
	decoded, err := pldm.DecodeActivateFirmwareResp(resp)
	if err != nil {
		d.log().Warn("activate firmware: decode failed", "err", err)
		return
	}
	if decoded.CompletionCode != pldm.Success {
		d.fail(fmt.Sprintf("activate firmware: completion code 0x%02X", decoded.CompletionCode), nil)
		return
	}
	if d.onActivationProgress != nil {
		d.onActivationProgress(d.eid)
	}
	d.succeed()
}
