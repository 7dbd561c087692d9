package transport

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"pldmd/internal/pipeline"
	"pldmd/internal/pldm"
)

// DeviceRequestHandler receives device-initiated PLDM requests (the
// firmware-update data-pull commands) decoded off the wire.
type DeviceRequestHandler interface {
	HandleDeviceRequest(eid, instanceID, command uint8, payload []byte) error
}

// Serial implements the pipeline's transport contract over a serial port.
// One dedicated goroutine reads frames off the port; everything it decodes
// is posted onto the shared event loop, never handled inline.
type Serial struct {
	port    serial.Port
	reader  *bufio.Reader
	loop    *pipeline.EventLoop
	pl      *pipeline.Pipeline
	handler DeviceRequestHandler
	logger  *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// OpenSerial opens portName at baudRate and returns an unstarted Serial.
// Wire the pipeline and device handler with Attach, then call Start.
func OpenSerial(portName string, baudRate int, loop *pipeline.EventLoop, logger *slog.Logger) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return &Serial{
		port:   port,
		reader: bufio.NewReader(port),
		loop:   loop,
		logger: logger.With("component", "transport"),
		done:   make(chan struct{}),
	}, nil
}

// Attach wires the response pipeline and the device-request handler. Must be
// called before Start; it exists because the pipeline itself needs the
// transport at construction time.
func (s *Serial) Attach(pl *pipeline.Pipeline, handler DeviceRequestHandler) {
	s.pl = pl
	s.handler = handler
}

// Start launches the read loop.
func (s *Serial) Start() {
	s.wg.Add(1)
	go s.readLoop()
}

// Send implements pipeline.Transport.
func (s *Serial) Send(eid uint8, msg []byte) error {
	frame, err := encodeFrame(eid, msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	_, err = s.port.Write(frame)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// Close stops the read loop and closes the port.
func (s *Serial) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		// Closing the port unblocks the read loop's blocking read.
		err = s.port.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		eid, msg, err := readFrame(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if err != io.EOF && !strings.Contains(err.Error(), "closed") {
					s.logger.Error("read error", "err", err)
				}
				select {
				case <-time.After(backoff):
				case <-s.done:
					return
				}
				if backoff < maxBackoff {
					backoff *= 2
					if backoff > maxBackoff {
						backoff = maxBackoff
					}
				}
				continue
			}
		}
		backoff = 10 * time.Millisecond

		s.dispatch(eid, msg)
	}
}

// dispatch routes one decoded frame: responses complete pipeline
// transactions, requests go to the device handler. Both run on the event
// loop, keeping the single-writer model intact.
func (s *Serial) dispatch(eid uint8, msg []byte) {
	hdr, err := pldm.DecodeHeader(msg)
	if err != nil {
		s.logger.Warn("bad frame header", "eid", eid, "err", err)
		return
	}
	payload := msg[pldm.HeaderSize:]

	if hdr.Request {
		s.loop.Post(func() {
			if err := s.handler.HandleDeviceRequest(eid, hdr.InstanceID, hdr.Command, payload); err != nil {
				s.logger.Warn("device request dropped", "eid", eid, "command", hdr.Command, "err", err)
			}
		})
		return
	}

	s.loop.Post(func() {
		s.pl.Dispatch(eid, hdr.InstanceID, hdr.Type, hdr.Command, payload, true)
	})
}
