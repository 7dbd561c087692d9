package pipeline

import (
	"fmt"
	"log/slog"
	"sync"

	"pldmd/internal/allocator"
)

// Transport is the abstract send side of the MCTP contract (§6): send a
// request tagged (eid, instance id, type, command) and report whether
// delivery succeeded. Matching responses arrive out-of-band through
// Pipeline.Dispatch, called by whatever reads the transport's receive side.
type Transport interface {
	Send(eid uint8, msg []byte) error
}

// ResponseFunc is invoked exactly once per registered request, always on
// the event loop goroutine, with ok=false and resp=nil on transport failure
// or an unmatched timeout-driven abandonment.
type ResponseFunc func(eid uint8, resp []byte, ok bool)

type txKey struct {
	eid        uint8
	instanceID uint8
	pldmType   uint8
	command    uint8
}

// Pipeline registers outbound PLDM requests and dispatches their matching
// responses. It owns freeing the instance id once a transaction completes
// (by response or by failure), so callers never free an id they handed to
// RegisterRequest successfully.
type Pipeline struct {
	transport Transport
	alloc     *allocator.Allocator
	loop      *EventLoop
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[txKey]ResponseFunc
}

// New creates a Pipeline bound to transport and alloc, running callbacks on loop.
func New(transport Transport, alloc *allocator.Allocator, loop *EventLoop, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		transport: transport,
		alloc:     alloc,
		loop:      loop,
		logger:    logger,
		pending:   make(map[txKey]ResponseFunc),
	}
}

// RegisterRequest records the pending transaction and hands reqBytes to the
// transport. instanceID must already have been allocated by the caller
// (typically via the shared Allocator) for eid; RegisterRequest takes
// ownership of freeing it. If the transport rejects the send, onResponse is
// invoked immediately (via Post, so it still runs on the loop) with a nil
// response and the instance id is freed before RegisterRequest returns
// control to the loop.
func (p *Pipeline) RegisterRequest(eid, instanceID, pldmType, command uint8, reqBytes []byte, onResponse ResponseFunc) error {
	key := txKey{eid: eid, instanceID: instanceID, pldmType: pldmType, command: command}

	p.mu.Lock()
	p.pending[key] = onResponse
	p.mu.Unlock()

	if err := p.transport.Send(eid, reqBytes); err != nil {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
		p.alloc.Free(eid, instanceID)
		p.logger.Warn("transport register failed", "eid", eid, "instance_id", instanceID, "type", pldmType, "command", command, "err", err)
		p.loop.Post(func() { onResponse(eid, nil, false) })
		return fmt.Errorf("pipeline: register request eid=%d iid=%d: %w", eid, instanceID, err)
	}
	return nil
}

// Dispatch delivers a response received from the transport. It must be
// called from the transport's receive side (typically posted onto the
// loop already by that caller); Dispatch itself runs the matched callback
// synchronously rather than re-posting, since by contract it is only ever
// invoked from loop-owned code.
//
// If no matching pending transaction exists (unsolicited or already-timed-
// out response), the response is logged and dropped.
func (p *Pipeline) Dispatch(eid, instanceID, pldmType, command uint8, resp []byte, ok bool) {
	key := txKey{eid: eid, instanceID: instanceID, pldmType: pldmType, command: command}

	p.mu.Lock()
	onResponse, found := p.pending[key]
	if found {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !found {
		p.logger.Debug("dispatch: no pending transaction", "eid", eid, "instance_id", instanceID, "type", pldmType, "command", command)
		return
	}

	p.alloc.Free(eid, instanceID)
	onResponse(eid, resp, ok)
}

// Abandon cancels a pending transaction without a response ever arriving
// (used by timeout-driven cancellation paths that give up on a request
// rather than waiting indefinitely). It frees the instance id and invokes
// onResponse with ok=false, matching the "exactly once" contract.
func (p *Pipeline) Abandon(eid, instanceID, pldmType, command uint8) {
	key := txKey{eid: eid, instanceID: instanceID, pldmType: pldmType, command: command}

	p.mu.Lock()
	onResponse, found := p.pending[key]
	if found {
		delete(p.pending, key)
	}
	p.mu.Unlock()

	if !found {
		return
	}
	p.alloc.Free(eid, instanceID)
	onResponse(eid, nil, false)
}

// Pending reports the number of outstanding transactions, for tests. The
// pipeline itself places no per-endpoint limit on them.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
