package web

import (
	"errors"
	"net/http"
	"strconv"

	"pldmd/internal/history"
	"pldmd/internal/manager"
)

type sessionsResponse struct {
	Active    []manager.SessionStatus `json:"active"`
	Completed []history.SessionRecord `json:"completed"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	completed, err := s.sessions.ListSessions()
	if err != nil {
		s.logger.Error("list sessions", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, sessionsResponse{
		Active:    s.mgr.ActiveSessions(),
		Completed: completed,
	})
}

func (s *Server) handleSessionsByEID(w http.ResponseWriter, r *http.Request) {
	eid64, err := strconv.ParseUint(r.PathValue("eid"), 10, 8)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid eid"})
		return
	}
	eid := uint8(eid64)

	recs, err := s.sessions.ListSessionsByEID(eid)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			s.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no sessions for endpoint"})
			return
		}
		s.logger.Error("list sessions by eid", "eid", eid, "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	s.writeJSON(w, http.StatusOK, recs)
}

type sensorsResponse struct {
	States map[uint16][]uint8          `json:"states,omitempty"`
	Recent []history.SensorEventRecord `json:"recent"`
}

func (s *Server) handleSensors(w http.ResponseWriter, r *http.Request) {
	recent, err := s.sessions.ListSensorEvents()
	if err != nil {
		s.logger.Error("list sensor events", "err", err)
		s.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
		return
	}
	resp := sensorsResponse{Recent: recent}
	if s.sensors != nil {
		resp.States = s.sensors.States()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}
