package fwupdate

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"pldmd/internal/allocator"
	"pldmd/internal/pipeline"
	"pldmd/internal/pldm"
)

// harness wires a DeviceUpdater to an in-process fake device that answers
// each outbound request synchronously from its own driver goroutine-free
// callback, and lets the test inject device-initiated requests
// (RequestFirmwareData/TransferComplete/VerifyComplete/ApplyComplete).
type harness struct {
	t       *testing.T
	loop    *pipeline.EventLoop
	alloc   *allocator.Allocator
	pl      *pipeline.Pipeline
	updater *DeviceUpdater
	cancel  context.CancelFunc

	mu       sync.Mutex
	sentLog  []string // command names of requests the updater sent to the device
	respHook func(msgType, command uint8, payload []byte) (resp []byte, ok bool)
}

func (h *harness) Send(eid uint8, msg []byte) error {
	hdr, err := pldm.DecodeHeader(msg)
	if err != nil {
		h.t.Fatalf("decode header of sent message: %v", err)
	}
	body := msg[pldm.HeaderSize:]

	if hdr.Request {
		h.mu.Lock()
		h.sentLog = append(h.sentLog, commandName(hdr.Command))
		hook := h.respHook
		h.mu.Unlock()

		if hook == nil {
			return nil
		}
		resp, ok := hook(hdr.Type, hdr.Command, body)
		if resp == nil && ok {
			return nil
		}
		// Deliver the response back through the pipeline, as the transport's
		// receive side would after decoding an incoming frame.
		h.loop.Post(func() {
			h.pl.Dispatch(eid, hdr.InstanceID, hdr.Type, hdr.Command, resp, ok)
		})
	}
	return nil
}

func commandName(c uint8) string {
	switch c {
	case pldm.CmdRequestUpdate:
		return "RequestUpdate"
	case pldm.CmdPassComponentTable:
		return "PassComponentTable"
	case pldm.CmdUpdateComponent:
		return "UpdateComponent"
	case pldm.CmdActivateFirmware:
		return "ActivateFirmware"
	case pldm.CmdCancelUpdateComponent:
		return "CancelUpdateComponent"
	default:
		return "?"
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, components []ComponentImageInfo, record DeviceIDRecord, pkg io.ReaderAt, maxTransferSize uint32, timeout time.Duration) (*harness, chan bool) {
	t.Helper()
	loop := pipeline.NewEventLoop(64)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	alloc := allocator.New()
	h := &harness{t: t, loop: loop, alloc: alloc, cancel: cancel}
	h.pl = pipeline.New(h, alloc, loop, discardLogger())

	infoMap := map[ComponentKey]uint8{}
	for idx, c := range components {
		infoMap[ComponentKey{Classification: c.Classification, Identifier: c.Identifier}] = uint8(idx)
	}

	completion := make(chan bool, 1)
	deps := Deps{Loop: loop, Alloc: alloc, Pipeline: h.pl, Transport: h, Logger: discardLogger()}
	h.updater = New(1, record, components, infoMap, pkg, maxTransferSize, timeout, deps,
		func(eid uint8, ok bool) { completion <- ok },
		func(eid uint8) {},
	)
	return h, completion
}

func waitCompletion(t *testing.T, ch chan bool) bool {
	t.Helper()
	select {
	case ok := <-ch:
		return ok
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return false
	}
}

// deliverFromDevice posts a device-initiated request into the updater as if
// the transport had just received it.
func (h *harness) deliverFromDevice(instanceID, command uint8, payload []byte) {
	h.loop.Post(func() {
		h.updater.HandleDeviceRequest(instanceID, command, payload)
	})
}

func okResponse(completionCode uint8, rest []byte) []byte {
	buf := make([]byte, pldm.HeaderSize+1+len(rest))
	buf[pldm.HeaderSize] = completionCode
	copy(buf[pldm.HeaderSize+1:], rest)
	return buf[pldm.HeaderSize:]
}

func TestHappyPathTwoComponents(t *testing.T) {
	pkgData := make([]byte, 64+96)
	for i := range pkgData {
		pkgData[i] = byte(i)
	}
	components := []ComponentImageInfo{
		{Classification: 1, Identifier: 1, Size: 64, Offset: 0, Version: "v1"},
		{Classification: 1, Identifier: 2, Size: 96, Offset: 64, Version: "v2"},
	}
	record := DeviceIDRecord{ApplicableComponents: []int{0, 1}, ComponentImageSetVersion: "set1"}

	h, completion := newHarness(t, components, record, bytes.NewReader(pkgData), 64, 50*time.Millisecond)

	var mu sync.Mutex
	var compIdx int
	h.respHook = func(msgType, command uint8, payload []byte) ([]byte, bool) {
		switch command {
		case pldm.CmdRequestUpdate:
			return okResponse(pldm.Success, []byte{0, 0, 0}), true
		case pldm.CmdPassComponentTable:
			return okResponse(pldm.Success, []byte{0, 0}), true
		case pldm.CmdUpdateComponent:
			mu.Lock()
			compIdx = int(payload[0]) // not reliable ordering; tracked via test state instead
			mu.Unlock()
			return okResponse(pldm.Success, []byte{0, 0, 0, 0, 0, 0, 0, 0}), true
		case pldm.CmdActivateFirmware:
			return okResponse(pldm.Success, []byte{0, 0}), true
		}
		return nil, true
	}
	_ = compIdx

	if err := h.updater.StartFwUpdateFlow(); err != nil {
		t.Fatalf("StartFwUpdateFlow: %v", err)
	}

	// Drive component 0's data transfer: single 64-byte chunk fits in one request.
	waitForSent(t, h, "UpdateComponent", 1)
	h.deliverFromDevice(5, pldm.CmdRequestFirmwareData, encodeOffsetLength(0, 64))
	waitForPhase(t, h.updater, PhaseAwaitingData)
	h.deliverFromDevice(5, pldm.CmdTransferComplete, []byte{pldm.TransferSuccess})
	h.deliverFromDevice(5, pldm.CmdVerifyComplete, []byte{pldm.VerifySuccess})
	h.deliverFromDevice(5, pldm.CmdApplyComplete, append([]byte{pldm.ApplySuccess}, 0, 0))

	// Drive component 1's data transfer: 96 bytes over two 64/32 chunks.
	waitForSent(t, h, "UpdateComponent", 2)
	h.deliverFromDevice(6, pldm.CmdRequestFirmwareData, encodeOffsetLength(0, 64))
	h.deliverFromDevice(6, pldm.CmdRequestFirmwareData, encodeOffsetLength(64, 32))
	h.deliverFromDevice(6, pldm.CmdTransferComplete, []byte{pldm.TransferSuccess})
	h.deliverFromDevice(6, pldm.CmdVerifyComplete, []byte{pldm.VerifySuccess})
	h.deliverFromDevice(6, pldm.CmdApplyComplete, append([]byte{pldm.ApplySuccess}, 0, 0))

	ok := waitCompletion(t, completion)
	if !ok {
		t.Fatal("expected successful completion")
	}

	expected := []string{"RequestUpdate", "PassComponentTable", "PassComponentTable", "UpdateComponent", "UpdateComponent", "ActivateFirmware"}
	h.mu.Lock()
	got := append([]string(nil), h.sentLog...)
	h.mu.Unlock()
	if len(got) != len(expected) {
		t.Fatalf("sent log = %v, want %v", got, expected)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("sent log[%d] = %s, want %s (full: %v)", i, got[i], expected[i], got)
		}
	}
}

func TestTimeoutMidTransferCancelsAndFails(t *testing.T) {
	pkgData := make([]byte, 64)
	components := []ComponentImageInfo{{Classification: 1, Identifier: 1, Size: 64, Version: "v1"}}
	record := DeviceIDRecord{ApplicableComponents: []int{0}, ComponentImageSetVersion: "v"}

	h, completion := newHarness(t, components, record, bytes.NewReader(pkgData), 64, 30*time.Millisecond)
	h.respHook = func(msgType, command uint8, payload []byte) ([]byte, bool) {
		switch command {
		case pldm.CmdRequestUpdate:
			return okResponse(pldm.Success, []byte{0, 0, 0}), true
		case pldm.CmdPassComponentTable:
			return okResponse(pldm.Success, []byte{0, 0}), true
		case pldm.CmdUpdateComponent:
			return okResponse(pldm.Success, []byte{0, 0, 0, 0, 0, 0, 0, 0}), true
		case pldm.CmdCancelUpdateComponent:
			return okResponse(pldm.Success, nil), true
		}
		return nil, true
	}

	if err := h.updater.StartFwUpdateFlow(); err != nil {
		t.Fatalf("StartFwUpdateFlow: %v", err)
	}
	waitForSent(t, h, "UpdateComponent", 1)
	h.deliverFromDevice(1, pldm.CmdRequestFirmwareData, encodeOffsetLength(0, 32))
	// Device goes silent; the timer should fire and cancel the component.

	ok := waitCompletion(t, completion)
	if ok {
		t.Fatal("expected failure completion after timeout with single component")
	}
	waitForSent(t, h, "CancelUpdateComponent", 1)
}

func TestDataLengthViolationReturnsErrorWithoutAdvancing(t *testing.T) {
	pkgData := make([]byte, 64)
	components := []ComponentImageInfo{{Classification: 1, Identifier: 1, Size: 64, Version: "v1"}}
	record := DeviceIDRecord{ApplicableComponents: []int{0}, ComponentImageSetVersion: "v"}

	h, _ := newHarness(t, components, record, bytes.NewReader(pkgData), 64, time.Second)
	h.respHook = func(msgType, command uint8, payload []byte) ([]byte, bool) {
		switch command {
		case pldm.CmdRequestUpdate:
			return okResponse(pldm.Success, []byte{0, 0, 0}), true
		case pldm.CmdPassComponentTable:
			return okResponse(pldm.Success, []byte{0, 0}), true
		case pldm.CmdUpdateComponent:
			return okResponse(pldm.Success, []byte{0, 0, 0, 0, 0, 0, 0, 0}), true
		}
		return nil, true
	}

	if err := h.updater.StartFwUpdateFlow(); err != nil {
		t.Fatalf("StartFwUpdateFlow: %v", err)
	}
	waitForSent(t, h, "UpdateComponent", 1)

	var respCode uint8 = 0xFF
	var gotResp bool
	var mu sync.Mutex
	done := make(chan struct{})
	origTransport := h.updater.deps.Transport
	h.updater.deps.Transport = transportFunc(func(eid uint8, msg []byte) error {
		hdr, err := pldm.DecodeHeader(msg)
		if err == nil && hdr.Command == pldm.CmdRequestFirmwareData {
			mu.Lock()
			respCode = msg[pldm.HeaderSize]
			gotResp = true
			mu.Unlock()
			close(done)
			return nil
		}
		return origTransport.Send(eid, msg)
	})

	h.deliverFromDevice(1, pldm.CmdRequestFirmwareData, encodeOffsetLength(0, 16)) // below baseline

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for invalid-length response")
	}

	mu.Lock()
	defer mu.Unlock()
	if !gotResp || respCode != pldm.FWUPInvalidTransferLength {
		t.Fatalf("expected FWUPInvalidTransferLength, got code=0x%02X gotResp=%v", respCode, gotResp)
	}
	if h.updater.Phase() != PhaseAwaitingData {
		t.Fatalf("expected to remain in AwaitingData, got %v", h.updater.Phase())
	}
}

type transportFunc func(eid uint8, msg []byte) error

func (f transportFunc) Send(eid uint8, msg []byte) error { return f(eid, msg) }

func encodeOffsetLength(offset, length uint32) []byte {
	buf := make([]byte, 8)
	putU32(buf[0:4], offset)
	putU32(buf[4:8], length)
	return buf
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

func waitForSent(t *testing.T, h *harness, command string, count int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.Lock()
		n := 0
		for _, c := range h.sentLog {
			if c == command {
				n++
			}
		}
		h.mu.Unlock()
		if n >= count {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sends of %s", count, command)
}

func waitForPhase(t *testing.T, u *DeviceUpdater, phase Phase) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if u.Phase() == phase {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for phase %v, currently %v", phase, u.Phase())
}

// TestVerifyFailureCancelsThenSucceedsOnSecondComponent exercises the
// CancelComponent convergence path: component 0 fails verification, gets
// cancelled, and the session still completes successfully on component 1.
func TestVerifyFailureCancelsThenSucceedsOnSecondComponent(t *testing.T) {
	pkgData := make([]byte, 32+32)
	components := []ComponentImageInfo{
		{Classification: 1, Identifier: 1, Size: 32, Offset: 0, Version: "v1"},
		{Classification: 1, Identifier: 2, Size: 32, Offset: 32, Version: "v2"},
	}
	record := DeviceIDRecord{ApplicableComponents: []int{0, 1}, ComponentImageSetVersion: "set"}

	h, completion := newHarness(t, components, record, bytes.NewReader(pkgData), 32, time.Second)
	h.respHook = func(msgType, command uint8, payload []byte) ([]byte, bool) {
		switch command {
		case pldm.CmdRequestUpdate:
			return okResponse(pldm.Success, []byte{0, 0, 0}), true
		case pldm.CmdPassComponentTable:
			return okResponse(pldm.Success, []byte{0, 0}), true
		case pldm.CmdUpdateComponent:
			return okResponse(pldm.Success, []byte{0, 0, 0, 0, 0, 0, 0, 0}), true
		case pldm.CmdCancelUpdateComponent:
			return okResponse(pldm.Success, nil), true
		case pldm.CmdActivateFirmware:
			return okResponse(pldm.Success, []byte{0, 0}), true
		}
		return nil, true
	}

	if err := h.updater.StartFwUpdateFlow(); err != nil {
		t.Fatalf("StartFwUpdateFlow: %v", err)
	}

	waitForSent(t, h, "UpdateComponent", 1)
	h.deliverFromDevice(1, pldm.CmdRequestFirmwareData, encodeOffsetLength(0, 32))
	h.deliverFromDevice(1, pldm.CmdTransferComplete, []byte{pldm.TransferSuccess})
	// Verification fails for component 0: nonzero verify result.
	h.deliverFromDevice(1, pldm.CmdVerifyComplete, []byte{0x01})
	waitForSent(t, h, "CancelUpdateComponent", 1)

	waitForSent(t, h, "UpdateComponent", 2)
	h.deliverFromDevice(2, pldm.CmdRequestFirmwareData, encodeOffsetLength(0, 32))
	h.deliverFromDevice(2, pldm.CmdTransferComplete, []byte{pldm.TransferSuccess})
	h.deliverFromDevice(2, pldm.CmdVerifyComplete, []byte{pldm.VerifySuccess})
	h.deliverFromDevice(2, pldm.CmdApplyComplete, append([]byte{pldm.ApplySuccess}, 0, 0))

	ok := waitCompletion(t, completion)
	if !ok {
		t.Fatal("expected overall success: component 1 succeeded even though component 0 was cancelled")
	}

	status := h.updater.ComponentStatus()
	if status[0] {
		t.Fatalf("expected component 0 status false after cancel, got %v", status)
	}
	if !status[1] {
		t.Fatalf("expected component 1 status true, got %v", status)
	}
}

// TestDataLengthBoundaries checks the exact accept/reject boundaries on
// RequestFirmwareData.length and offset+length against the component size.
func TestDataLengthBoundaries(t *testing.T) {
	const compSize = 64
	const maxTransferSize = 64
	pkgData := make([]byte, compSize)
	components := []ComponentImageInfo{{Classification: 1, Identifier: 1, Size: compSize, Version: "v1"}}
	record := DeviceIDRecord{ApplicableComponents: []int{0}, ComponentImageSetVersion: "v"}

	cases := []struct {
		name       string
		offset     uint32
		length     uint32
		wantReject bool
	}{
		{"length_below_baseline_rejected", 0, pldm.BaselineTransferSize - 1, true},
		{"length_equal_baseline_accepted", 0, pldm.BaselineTransferSize, false},
		{"length_equal_max_accepted", 0, maxTransferSize, false},
		{"length_above_max_rejected", 0, maxTransferSize + 1, true},
		{"offset_plus_length_at_limit_accepted", compSize - pldm.BaselineTransferSize + pldm.BaselineTransferSize, pldm.BaselineTransferSize, false},
		{"offset_plus_length_over_limit_rejected", compSize + 1, pldm.BaselineTransferSize, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h, _ := newHarness(t, components, record, bytes.NewReader(pkgData), maxTransferSize, time.Second)
			h.respHook = func(msgType, command uint8, payload []byte) ([]byte, bool) {
				switch command {
				case pldm.CmdRequestUpdate:
					return okResponse(pldm.Success, []byte{0, 0, 0}), true
				case pldm.CmdPassComponentTable:
					return okResponse(pldm.Success, []byte{0, 0}), true
				case pldm.CmdUpdateComponent:
					return okResponse(pldm.Success, []byte{0, 0, 0, 0, 0, 0, 0, 0}), true
				}
				return nil, true
			}
			if err := h.updater.StartFwUpdateFlow(); err != nil {
				t.Fatalf("StartFwUpdateFlow: %v", err)
			}
			waitForSent(t, h, "UpdateComponent", 1)
			waitForPhase(t, h.updater, PhaseAwaitingData)

			var mu sync.Mutex
			var gotCode uint8
			var gotResp bool
			done := make(chan struct{})
			origTransport := h.updater.deps.Transport
			h.updater.deps.Transport = transportFunc(func(eid uint8, msg []byte) error {
				hdr, err := pldm.DecodeHeader(msg)
				if err == nil && hdr.Command == pldm.CmdRequestFirmwareData {
					mu.Lock()
					if !gotResp {
						gotCode = msg[pldm.HeaderSize]
						gotResp = true
						close(done)
					}
					mu.Unlock()
					return nil
				}
				return origTransport.Send(eid, msg)
			})

			h.deliverFromDevice(9, pldm.CmdRequestFirmwareData, encodeOffsetLength(tc.offset, tc.length))

			select {
			case <-done:
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for RequestFirmwareData response")
			}

			mu.Lock()
			defer mu.Unlock()
			if tc.wantReject {
				if gotCode != pldm.FWUPInvalidTransferLength && gotCode != pldm.FWUPDataOutOfRange {
					t.Fatalf("expected a rejection completion code, got 0x%02X", gotCode)
				}
			} else if gotCode != pldm.Success {
				t.Fatalf("expected Success, got 0x%02X", gotCode)
			}
		})
	}
}
