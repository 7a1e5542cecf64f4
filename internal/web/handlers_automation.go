package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"lorawan-node/internal/automation"
)

const maxScriptBody = 1 << 20

type saveAutomationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Enabled     bool   `json:"enabled"`
}

// requireScripts answers 503 while no script manager is configured.
func (s *Server) requireScripts(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.scriptMgr == nil {
			s.writeError(w, http.StatusServiceUnavailable, "automations not available")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loadScript fetches the script named by the {id} URL parameter. It writes
// the error response itself and returns nil on failure.
func (s *Server) loadScript(w http.ResponseWriter, r *http.Request) *automation.Script {
	script, err := s.scriptMgr.Get(chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return nil
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	return script
}

func (s *Server) decodeScriptRequest(w http.ResponseWriter, r *http.Request) (saveAutomationRequest, bool) {
	var req saveAutomationRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return req, false
	}
	return req, true
}

// saveScript stores the script, then starts or stops it to match its
// enabled flag.
func (s *Server) saveScript(w http.ResponseWriter, script *automation.Script, status int) {
	saved, err := s.scriptMgr.Save(script)
	if errors.Is(err, automation.ErrInvalidScript) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("save script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if s.autoEngine != nil {
		if saved.Meta.Enabled {
			if err := s.autoEngine.ReloadScript(saved.ID); err != nil {
				s.logger.Error("reload script", "id", saved.ID, "err", err)
			}
		} else {
			s.autoEngine.StopScript(saved.ID)
		}
	}
	s.writeJSON(w, status, saved)
}

func (s *Server) handleAPIListAutomations(w http.ResponseWriter, r *http.Request) {
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetAutomation(w http.ResponseWriter, r *http.Request) {
	if script := s.loadScript(w, r); script != nil {
		s.writeJSON(w, http.StatusOK, script)
	}
}

func (s *Server) handleAPICreateAutomation(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeScriptRequest(w, r)
	if !ok {
		return
	}
	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	s.saveScript(w, &automation.Script{
		Meta:    automation.ScriptMeta{Name: req.Name, Description: req.Description, Enabled: req.Enabled},
		LuaCode: req.LuaCode,
	}, http.StatusCreated)
}

func (s *Server) handleAPIUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	script := s.loadScript(w, r)
	if script == nil {
		return
	}
	req, ok := s.decodeScriptRequest(w, r)
	if !ok {
		return
	}
	if req.Name != "" {
		script.Meta.Name = req.Name
	}
	script.Meta.Description = req.Description
	script.Meta.Enabled = req.Enabled
	script.LuaCode = req.LuaCode
	s.saveScript(w, script, http.StatusOK)
}

func (s *Server) handleAPIToggleAutomation(w http.ResponseWriter, r *http.Request) {
	script := s.loadScript(w, r)
	if script == nil {
		return
	}
	script.Meta.Enabled = !script.Meta.Enabled
	s.saveScript(w, script, http.StatusOK)
}

func (s *Server) handleAPIDeleteAutomation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.scriptMgr.Delete(id)
	switch {
	case errors.Is(err, automation.ErrScriptNotFound):
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	case err != nil:
		s.logger.Error("delete script", "id", id, "err", err)
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.autoEngine != nil {
		s.autoEngine.StopScript(id)
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunAutomation runs a stored script once, or the posted code
// when the id is "_inline".
func (s *Server) handleAPIRunAutomation(w http.ResponseWriter, r *http.Request) {
	if s.autoEngine == nil {
		s.writeError(w, http.StatusServiceUnavailable, "automation engine not available")
		return
	}
	id := chi.URLParam(r, "id")
	if id != "_inline" {
		s.writeJSON(w, http.StatusOK, s.autoEngine.RunScript(id))
		return
	}

	var req struct {
		LuaCode string `json:"lua_code"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxScriptBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.writeJSON(w, http.StatusOK, s.autoEngine.RunLuaCode(req.LuaCode))
}
