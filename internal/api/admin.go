package api

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/pquerna/otp/totp"
)

const totpHeader = "X-Admin-TOTP"

// admin guards next with a TOTP code from the X-Admin-TOTP header.
func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminTOTPSecret == "" {
			s.writeError(w, http.StatusForbidden, "admin endpoints disabled")
			return
		}
		code := r.Header.Get(totpHeader)
		if code == "" || !totp.Validate(code, s.cfg.AdminTOTPSecret) {
			s.log.Warn().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin request rejected")
			s.writeError(w, http.StatusUnauthorized, "invalid or missing TOTP code")
			return
		}
		if s.controller() == nil {
			s.writeError(w, http.StatusServiceUnavailable, "pipeline not attached")
			return
		}
		s.log.Info().Str("path", r.URL.Path).Str("remote", r.RemoteAddr).Msg("admin request")
		next(w, r)
	}
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.controller().RestartIngestion(r.Context()); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.controller().FlushConsumer(r.Context()); err != nil {
		s.internalError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "flushed",
		"queue":  s.controller().Health().Queue,
	})
}

// handleEmergencyStop answers before the stop runs; the stop shuts this
// server down and would otherwise wait on its own request.
func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if body.Reason == "" {
		body.Reason = "manual emergency stop"
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping", "reason": body.Reason})
	s.controller().EmergencyStop(body.Reason)
}
