package web

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pldmd/internal/allocator"
	"pldmd/internal/history"
	"pldmd/internal/manager"
	"pldmd/internal/pipeline"
)

type nullTransport struct{}

func (nullTransport) Send(eid uint8, msg []byte) error { return nil }

// memSessions is an in-memory SessionSource.
type memSessions struct {
	sessions []history.SessionRecord
	events   []history.SensorEventRecord
}

func (m *memSessions) ListSessions() ([]history.SessionRecord, error) {
	return m.sessions, nil
}

func (m *memSessions) ListSessionsByEID(eid uint8) ([]history.SessionRecord, error) {
	var out []history.SessionRecord
	for _, rec := range m.sessions {
		if rec.EID == eid {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		return nil, history.ErrNotFound
	}
	return out, nil
}

func (m *memSessions) ListSensorEvents() ([]history.SensorEventRecord, error) {
	return m.events, nil
}

type fixedStates map[uint16][]uint8

func (f fixedStates) States() map[uint16][]uint8 { return f }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupServer(t *testing.T, apiKey string) (*Server, *memSessions) {
	t.Helper()
	loop := pipeline.NewEventLoop(8)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(cancel)

	alloc := allocator.New()
	pl := pipeline.New(nullTransport{}, alloc, loop, testLogger())
	mgr := manager.New(loop, alloc, pl, nullTransport{}, nil, manager.NewEventBus(testLogger()), 64, time.Minute, testLogger())

	sessions := &memSessions{
		sessions: []history.SessionRecord{
			{EID: 9, Success: true, FinalPhase: "Done"},
			{EID: 12, Success: false, FinalPhase: "Done"},
		},
		events: []history.SensorEventRecord{
			{SensorID: 66, Offset: 0, State: 3, PreviousState: 3},
		},
	}

	opts := []ServerOption{
		WithVersion("test"),
		WithSensorStates(fixedStates{66: {3}}),
	}
	if apiKey != "" {
		opts = append(opts, WithAPIKey(apiKey))
	}
	srv := NewServer(mgr, sessions, testLogger(), opts...)
	t.Cleanup(srv.Stop)
	return srv, sessions
}

func TestListSessions(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		Active    []manager.SessionStatus `json:"active"`
		Completed []history.SessionRecord `json:"completed"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Completed) != 2 || len(resp.Active) != 0 {
		t.Errorf("completed=%d active=%d, want 2/0", len(resp.Completed), len(resp.Active))
	}
}

func TestSessionsByEID(t *testing.T) {
	srv, _ := setupServer(t, "")

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/9", nil)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var recs []history.SessionRecord
	if err := json.NewDecoder(rec.Body).Decode(&recs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recs) != 1 || recs[0].EID != 9 {
		t.Errorf("records = %+v", recs)
	}

	// Unknown endpoint -> 404; garbage eid -> 400.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/200", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown eid status = %d, want 404", rec.Code)
	}
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions/bogus", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad eid status = %d, want 400", rec.Code)
	}
}

func TestSensorsEndpoint(t *testing.T) {
	srv, _ := setupServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sensors", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp struct {
		States map[string][]uint8          `json:"states"`
		Recent []history.SensorEventRecord `json:"recent"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Recent) != 1 || resp.Recent[0].SensorID != 66 {
		t.Errorf("recent = %+v", resp.Recent)
	}
	if states, ok := resp.States["66"]; !ok || len(states) != 1 || states[0] != 3 {
		t.Errorf("states = %+v", resp.States)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _ := setupServer(t, "sekrit")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("X-API-Key", "sekrit")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("right key: status = %d, want 200", rec.Code)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, _ := setupServer(t, "")

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/version", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["version"] != "test" {
		t.Errorf("version = %q, want test", resp["version"])
	}
}
