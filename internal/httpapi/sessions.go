package httpapi

import (
	"net/http"
	"strconv"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/internal/grading"
	"github.com/MrWong99/speakwell/internal/navguard"
	"github.com/MrWong99/speakwell/internal/permission"
	"github.com/MrWong99/speakwell/internal/recorder"
	"github.com/MrWong99/speakwell/internal/results"
)

type startRequest struct {
	Mode  grading.Mode `json:"mode"`
	Topic string       `json:"topic"`
}

// sessionView is what the client polls while a test page is open. Notices
// and navigations are handed out once.
type sessionView struct {
	recorder.Snapshot
	Page        string            `json:"page"`
	Pending     *navguard.Intent  `json:"pendingNavigation,omitempty"`
	Notices     []recorder.Notice `json:"notices"`
	Navigations []navguard.Intent `json:"navigations"`
	Microphone  permission.State  `json:"microphone"`
	Bridged     bool              `json:"bridged"`
}

func view(rt *app.Runtime) sessionView {
	v := sessionView{
		Snapshot:    rt.Controller.Snapshot(),
		Page:        rt.Guard.Current(),
		Notices:     rt.Notices.Drain(),
		Navigations: rt.Outbox.Drain(),
		Microphone:  rt.Preflight.Cached(),
		Bridged:     rt.Bridged(),
	}
	if in, ok := rt.Guard.Pending(); ok {
		v.Pending = &in
	}
	if v.Notices == nil {
		v.Notices = []recorder.Notice{}
	}
	if v.Navigations == nil {
		v.Navigations = []navguard.Intent{}
	}
	return v
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	var req startRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Mode == "" {
		req.Mode = grading.ModeFull
	}
	if err := rt.Controller.Start(r.Context(), req.Mode, req.Topic); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, view(rt))
}

func (s *Server) currentSession(w http.ResponseWriter, _ *http.Request, rt *app.Runtime) {
	writeJSON(w, http.StatusOK, view(rt))
}

func (s *Server) stopSession(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	if err := rt.Controller.Stop(r.Context()); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view(rt))
}

type finalizeResponse struct {
	ResultID string `json:"resultId"`
	Path     string `json:"path"`
}

func (s *Server) finalizeSession(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	id, err := rt.Controller.Finalize(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, finalizeResponse{ResultID: id, Path: recorder.ResultPath(id)})
}

type volumeRequest struct {
	Level *float64 `json:"level"`
}

func (s *Server) setVolume(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	var req volumeRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Level == nil {
		s.writeError(w, r, badRequest("level is required"))
		return
	}
	if err := rt.Controller.SetVolume(*req.Level); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type permissionRequest struct {
	State string `json:"state"`
}

type permissionResponse struct {
	State permission.State `json:"state"`
}

func (s *Server) reportPermission(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	var req permissionRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	st := permission.ParseState(req.State)
	if st == permission.StateUnknown {
		s.writeError(w, r, badRequest("unknown permission state "+strconv.Quote(req.State)))
		return
	}
	rt.ReportPermission(st)
	writeJSON(w, http.StatusOK, permissionResponse{State: rt.Preflight.Cached()})
}

// unload is sent by the page as it goes away. A live call ends, but the
// test stays restorable.
func (s *Server) unload(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	if rt.Live() {
		if err := rt.Controller.Unload(r.Context()); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Results ──────────────────────────────────────────────────────────────────

const defaultResultLimit = 20

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	limit := defaultResultLimit
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			s.writeError(w, r, badRequest("limit must be a positive integer"))
			return
		}
		limit = n
	}
	recs, err := s.results.ListByUser(r.Context(), r.PathValue("user"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []results.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) getResult(w http.ResponseWriter, r *http.Request) {
	rec, err := s.results.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// Records of other users are reported as missing.
	if rec.UserID != r.PathValue("user") {
		s.writeError(w, r, results.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
