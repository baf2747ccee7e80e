package cachegen

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"cachegen/internal/faults"
	"cachegen/internal/lifecycle"
)

const eventsKeepAlive = 15 * time.Second

func (s *Service) controlRoutes(r chi.Router) {
	r.Use(chimw.RequestID)
	r.Use(chimw.NoCache)
	r.Post("/messages", s.handleMessage)
	r.Get("/status", s.handleStatus)
	r.Post("/clients", s.handleRegisterClient)
	r.Delete("/clients/{clientID}", s.handleUnregisterClient)
	r.Post("/claim", s.handleClaim)
	r.Get("/events", s.handleEvents)
}

func (s *Service) handleMessage(w http.ResponseWriter, r *http.Request) {
	var msg lifecycle.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&msg); err != nil {
		s.writeError(w, r, faults.Invalid("malformed message: %v", err))
		return
	}
	rep, err := s.ctl.Ask(r.Context(), msg)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctl.Status())
}

func (s *Service) handleRegisterClient(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusCreated, map[string]string{"id": s.ctl.RegisterClient()})
}

func (s *Service) handleUnregisterClient(w http.ResponseWriter, r *http.Request) {
	s.ctl.UnregisterClient(chi.URLParam(r, "clientID"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleClaim(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]int{"claimed": s.ctl.ClaimControlOfAllClients()})
}

// handleEvents streams lifecycle events as text/event-stream until the client
// goes away or the service stops.
func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, cancel := s.ctl.Subscribe(64)
	defer cancel()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	ping := time.NewTicker(eventsKeepAlive)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.stopCh:
			return
		case <-ping.C:
			_, _ = fmt.Fprint(w, ": ping\n\n")
			fl.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
				return
			}
			fl.Flush()
		}
	}
}

func (s *Service) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch faults.Code(err) {
	case faults.CodeInvalidInput:
		status = http.StatusBadRequest
	case faults.CodeNotFound:
		status = http.StatusNotFound
	}
	if status == http.StatusInternalServerError {
		s.log.Error("control request failed", zap.String("path", r.URL.Path), zap.String("requestID", chimw.GetReqID(r.Context())), zap.Error(err))
	}
	writeJSON(w, status, faults.JSON(err))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
