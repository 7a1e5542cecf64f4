package web

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"lorawan-node/internal/mac"
)

// maxInputKeys bounds one injected key sequence.
const maxInputKeys = 64

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.currentStatus())
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

type inputRequest struct {
	Keys string `json:"keys"`
}

func (s *Server) handleAPIInput(w http.ResponseWriter, r *http.Request) {
	var req inputRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Keys == "" {
		s.writeError(w, http.StatusBadRequest, "keys must not be empty")
		return
	}
	if len(req.Keys) > maxInputKeys {
		s.writeError(w, http.StatusBadRequest, "keys limited to 64 bytes")
		return
	}

	n := s.input.Feed([]byte(req.Keys)...)
	s.logger.Debug("input injected", "keys", req.Keys, "accepted", n)
	s.writeJSON(w, http.StatusOK, map[string]int{"accepted": n})
}

type downlinkRequest struct {
	Port       uint8  `json:"port"`
	PayloadHex string `json:"payload_hex"`
}

func (s *Server) handleAPIDownlink(w http.ResponseWriter, r *http.Request) {
	if s.injector == nil {
		s.writeError(w, http.StatusNotImplemented, "downlink injection requires the simulator backend")
		return
	}

	var req downlinkRequest
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Port == 0 || req.Port > 224 {
		s.writeError(w, http.StatusBadRequest, "port must be 1..224")
		return
	}
	payload, err := hex.DecodeString(strings.ReplaceAll(req.PayloadHex, " ", ""))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "payload_hex is not valid hex")
		return
	}
	if len(payload) > 242 {
		s.writeError(w, http.StatusBadRequest, "payload limited to 242 bytes")
		return
	}

	if err := s.injector.Inject(req.Port, payload); err != nil {
		s.logger.Warn("inject downlink", "port", req.Port, "err", err)
		s.writeError(w, http.StatusConflict, mac.StatusOf(err).String())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "queued", "port": req.Port, "length": len(payload)})
}
