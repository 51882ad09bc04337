package http

import (
	"net"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/tableside/floor-core/internal/session"
)

type SessionsHandler struct {
	sessions SessionService
	log      *logrus.Logger
}

func NewSessionsHandler(sessions SessionService, log *logrus.Logger) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, log: log}
}

type RedeemRequestDTO struct {
	Token string `json:"token"`
}

// POST /api/v1/sessions
func (h *SessionsHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequestDTO
	if !decodeJSON(w, r, h.log, &req) {
		return
	}

	sess, err := h.sessions.ValidateOrCreate(r.Context(), req.Token, session.ClientContext{
		ClientID:  clientID(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		respondError(w, r, h.log, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

// clientID prefers an explicit device id and falls back to the caller IP,
// which RealIP has already resolved.
func clientID(r *http.Request) string {
	if id := r.Header.Get(HeaderClientID); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
