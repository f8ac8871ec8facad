package httpapi

import (
	"net/http"

	"github.com/floegence/skillrunner/internal/authflow"
	"github.com/floegence/skillrunner/internal/events"
)

type engineInfo struct {
	Name             string  `json:"name"`
	CLI              string  `json:"cli"`
	InteractiveKind  string  `json:"interactive_kind"`
	ParserProfile    string  `json:"parser_profile,omitempty"`
	ParserConfidence float64 `json:"parser_confidence,omitempty"`
}

func (s *Server) handleEngines(w http.ResponseWriter, r *http.Request) {
	names := s.reg.Names()
	out := make([]engineInfo, 0, len(names))
	for _, name := range names {
		adapter, ok := s.reg.Lookup(name)
		if !ok {
			continue
		}
		info := engineInfo{
			Name:            adapter.Name,
			CLI:             adapter.CLI,
			InteractiveKind: string(adapter.Profile.Kind),
		}
		if p := events.ProfileFor(adapter.Name); p.Name != "" {
			info.ParserProfile = p.Name
			info.ParserConfidence = p.Confidence
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"engines": out})
}

// handleEngineModels probes the installed CLI version and returns the pinned
// model snapshot matching it. An unprobeable CLI still answers, with the
// fallback reason explaining the choice.
func (s *Server) handleEngineModels(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("engine")
	adapter, ok := s.reg.Lookup(name)
	if !ok {
		notFound(w, "engine %q is not registered", name)
		return
	}

	detected, probeErr := s.probeVersion(adapter.CLI)
	sel, err := s.catalog.Select(adapter.Name, detected)
	if err != nil {
		notFound(w, "%s", err.Error())
		return
	}
	if probeErr != nil && sel.FallbackReason == "" {
		sel.FallbackReason = probeErr.Error()
	}
	writeJSON(w, http.StatusOK, sel)
}

type authStartBody struct {
	Engine     string `json:"engine"`
	Transport  string `json:"transport"`
	AuthMethod string `json:"auth_method,omitempty"`
	ProviderID string `json:"provider_id,omitempty"`
	APIKey     string `json:"api_key,omitempty"`
	TTLSec     int    `json:"ttl_sec,omitempty"`
}

func (s *Server) handleAuthStart(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		notFound(w, "auth sessions are disabled")
		return
	}
	var body authStartBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.auth.Start(r.Context(), authflow.StartInput{
		Engine:     body.Engine,
		Transport:  body.Transport,
		AuthMethod: body.AuthMethod,
		ProviderID: body.ProviderID,
		APIKey:     body.APIKey,
		TTLSec:     body.TTLSec,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAuthGet(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		notFound(w, "auth sessions are disabled")
		return
	}
	view, err := s.auth.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type authInputBody struct {
	Value string `json:"value"`
}

func (s *Server) handleAuthInput(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		notFound(w, "auth sessions are disabled")
		return
	}
	var body authInputBody
	if err := decodeBody(r, &body); err != nil {
		writeError(w, err)
		return
	}
	view, err := s.auth.SubmitInput(r.Context(), r.PathValue("id"), body.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAuthCancel(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		notFound(w, "auth sessions are disabled")
		return
	}
	accepted, err := s.auth.Cancel(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": accepted})
}

// handleAuthCallback serves redirect callbacks when the per-channel loopback
// listeners are disabled and the browser is pointed at the main API instead.
func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.auth == nil {
		notFound(w, "auth sessions are disabled")
		return
	}
	q := r.URL.Query()
	html, status := s.auth.HandleCallback(r.Context(), r.PathValue("channel"),
		q.Get("state"), q.Get("code"), q.Get("error"))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(html))
}
