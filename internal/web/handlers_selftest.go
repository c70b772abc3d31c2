package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"ota-device/internal/selftest"
)

func (s *Server) handleAPIListScripts(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeJSON(w, http.StatusOK, []interface{}{})
		return
	}
	scripts, err := s.scriptMgr.List()
	if err != nil {
		s.logger.Error("list scripts", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if scripts == nil {
		scripts = []*selftest.Script{}
	}
	s.writeJSON(w, http.StatusOK, scripts)
}

func (s *Server) handleAPIGetScript(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	script, err := s.scriptMgr.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, script)
}

type saveScriptRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	LuaCode     string `json:"lua_code"`
	Disabled    bool   `json:"disabled"`
}

func (s *Server) handleAPISaveScript(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "self test not available")
		return
	}

	var req saveScriptRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	script := &selftest.Script{
		ID: r.PathValue("id"),
		Meta: selftest.ScriptMeta{
			Name:        req.Name,
			Description: req.Description,
			Disabled:    req.Disabled,
		},
		LuaCode: req.LuaCode,
	}
	saved, err := s.scriptMgr.Save(script)
	if err != nil {
		if errors.Is(err, selftest.ErrInvalidID) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("save script", "err", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, saved)
}

func (s *Server) handleAPIDeleteScript(w http.ResponseWriter, r *http.Request) {
	if s.scriptMgr == nil {
		s.writeError(w, http.StatusNotFound, "self test not available")
		return
	}
	if err := s.scriptMgr.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, http.StatusNotFound, "script not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAPIRunSelfTest runs the checks and reports the result. It does not
// change the image state.
func (s *Server) handleAPIRunSelfTest(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		s.writeError(w, http.StatusNotFound, "self test not available")
		return
	}
	s.writeJSON(w, http.StatusOK, s.runner.Run(r.Context()))
}
