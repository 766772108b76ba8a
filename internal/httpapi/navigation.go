package httpapi

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/MrWong99/speakwell/internal/app"
	"github.com/MrWong99/speakwell/internal/navguard"
)

// navigationRequest is one navigation attempt of the page. Element is set
// for link clicks; Path for push and replace.
type navigationRequest struct {
	Kind    navguard.Kind     `json:"kind"`
	Path    string            `json:"path,omitempty"`
	Element *navguard.Element `json:"element,omitempty"`
}

type navigationResponse struct {
	Outcome string           `json:"outcome"`
	Pending *navguard.Intent `json:"pendingNavigation,omitempty"`

	// Prompt is set for unload requests: the page should ask before leaving.
	Prompt bool `json:"prompt,omitempty"`
}

func (s *Server) navigate(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	var req navigationRequest
	if err := decode(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx := r.Context()
	var (
		out navguard.Outcome
		err error
	)
	switch req.Kind {
	case navguard.KindPush:
		out, err = rt.Guard.Push(ctx, req.Path)
	case navguard.KindReplace:
		out, err = rt.Guard.Replace(ctx, req.Path)
	case navguard.KindBack:
		out, err = rt.Guard.PopState(ctx)
	case navguard.KindLink:
		if req.Element == nil {
			s.writeError(w, r, badRequest("element is required for link navigation"))
			return
		}
		out, err = rt.Guard.ClickLink(ctx, req.Element)
	case navguard.KindUnload:
		writeJSON(w, http.StatusOK, navigationResponse{
			Outcome: navguard.Ignored.String(),
			Prompt:  rt.Guard.BeforeUnload(ctx),
		})
		return
	default:
		s.writeError(w, r, badRequest(fmt.Sprintf("unknown navigation kind %q", req.Kind)))
		return
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := navigationResponse{Outcome: out.String()}
	if in, ok := rt.Guard.Pending(); ok {
		resp.Pending = &in
	}
	writeJSON(w, http.StatusOK, resp)
}

type confirmResponse struct {
	Navigation navguard.Intent `json:"navigation"`
	Warning    string          `json:"warning,omitempty"`
}

// confirmNavigation performs the held navigation. Failing to stop the
// session does not block it; the failure is reported as a warning.
func (s *Server) confirmNavigation(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	in, err := rt.Guard.Confirm(r.Context())
	if errors.Is(err, navguard.ErrNoPendingNavigation) {
		s.writeError(w, r, err)
		return
	}
	resp := confirmResponse{Navigation: in}
	if err != nil {
		s.log.Warn("httpapi: confirm navigation", "user_id", rt.UserID, "err", err)
		resp.Warning = "The test could not be ended cleanly."
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) cancelNavigation(w http.ResponseWriter, r *http.Request, rt *app.Runtime) {
	if err := rt.Guard.Cancel(); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func badRequest(msg string) error {
	return fmt.Errorf("%w: %s", errBadRequest, msg)
}
