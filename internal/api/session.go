package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/airvinyl/internal/device"
	"github.com/nerrad567/airvinyl/internal/session"
)

// SessionView is the body of GET /api and the payload of "state" events.
type SessionView struct {
	// Device is the ID of the registered device being streamed to, if any.
	Device *string `json:"device"`

	// Volume is the last requested volume, kept across reconnects.
	Volume *int `json:"volume"`

	Devices []device.Device `json:"devices"`

	// Phase and Error expose the controller's state machine.
	Phase session.Phase `json:"phase"`
	Error string        `json:"error,omitempty"`
}

// view assembles the current session and registry into one response.
// Device is reported only while a pipeline is live and the target is
// still registered.
func (s *Server) view() SessionView {
	st := s.session.State()
	v := SessionView{
		Volume:  st.Volume,
		Devices: s.registry.Snapshot(),
		Phase:   st.Phase,
		Error:   st.LastError,
	}
	if t := st.ActiveTarget(); t != nil {
		if d, ok := s.registry.FindByAddr(t.Addr); ok {
			id := d.ID
			v.Device = &id
		}
	}
	return v
}

// handleGetSession returns the active device, volume and known devices.
func (s *Server) handleGetSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.view())
}

// handlePutSession sets the target device and volume.
//
// A missing or null device stops streaming. An unknown device ID is
// rejected without touching the session.
func (s *Server) handlePutSession(w http.ResponseWriter, r *http.Request) {
	var req session.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeTooLarge, "request body too large")
			return
		}
		writeBadRequest(w, "invalid JSON body")
		return
	}

	s.logger.Info("PUT /api", "device", deref(req.Device), "volume", deref(req.Volume))

	err := s.session.Apply(r.Context(), s.registry, req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, s.view())
	case errors.Is(err, device.ErrDeviceNotFound):
		writeNotFound(w, err.Error())
	case errors.Is(err, session.ErrInvalidVolume):
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
	default:
		writeError(w, http.StatusBadGateway, ErrCodeUpstream, err.Error())
	}
}

// deref returns *p for logging, or nil.
func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
