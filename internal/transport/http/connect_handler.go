// Package http exposes the panel over HTTP: the legacy /connect
// endpoint consumed by game clients and the JSON admin API consumed by
// the chat-control surface.
package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"keypanel/internal/license"
	"keypanel/internal/services"
)

// ConnectHandler serves the /connect endpoint. The request and
// response shapes are a wire contract with deployed game clients and
// must not change.
type ConnectHandler struct {
	service *services.ConnectService
	logger  *slog.Logger
}

// NewConnectHandler creates the connect handler.
func NewConnectHandler(service *services.ConnectService, logger *slog.Logger) *ConnectHandler {
	return &ConnectHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "connect")),
	}
}

type connectData struct {
	Token string `json:"token"`
	RNG   int64  `json:"rng"`
	EXP   string `json:"EXP"`
}

type connectSuccess struct {
	Status bool        `json:"status"`
	Data   connectData `json:"data"`
}

type connectFailure struct {
	Status bool   `json:"status"`
	Reason string `json:"reason"`
}

// Handle accepts either verb with parameters in the query string or a
// form body.
func (h *ConnectHandler) Handle(w http.ResponseWriter, r *http.Request) {
	game := r.FormValue("game")
	userKey := r.FormValue("user_key")
	serial := r.FormValue("serial")

	grant, err := h.service.Connect(r.Context(), game, userKey, serial)
	if err != nil {
		status, reason := rejectionFor(err)
		render.Status(r, status)
		render.JSON(w, r, connectFailure{Status: false, Reason: reason})
		return
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, connectSuccess{
		Status: true,
		Data: connectData{
			Token: grant.Token,
			RNG:   grant.Nonce,
			EXP:   grant.Expiry,
		},
	})
}

// rejectionFor maps engine errors onto the client-visible reason
// strings. The strings are part of the wire contract.
func rejectionFor(err error) (int, string) {
	switch {
	case errors.Is(err, license.ErrMissingParameters):
		return http.StatusBadRequest, "Missing Parameters"
	case errors.Is(err, license.ErrInvalidKey):
		return http.StatusForbidden, "Invalid or expired key"
	case errors.Is(err, license.ErrAccessExpired):
		return http.StatusForbidden, "Your access key is expired. Please contact your admin."
	case errors.Is(err, license.ErrOwnerBlocked):
		return http.StatusForbidden, "Your admin is blocked by the panel owner. Please contact your admin."
	case errors.Is(err, license.ErrAccessDenied):
		return http.StatusForbidden, "Access denied. Invalid user."
	case errors.Is(err, license.ErrKeyBlocked):
		return http.StatusForbidden, "Key is blocked"
	case errors.Is(err, license.ErrKeyExpired):
		return http.StatusForbidden, "Key has expired"
	case errors.Is(err, license.ErrDeviceLimitReached):
		return http.StatusForbidden, "Device limit reached"
	case errors.Is(err, license.ErrMalformedExpiry):
		return http.StatusInternalServerError, "Invalid expiry format"
	default:
		return http.StatusInternalServerError, "Internal error"
	}
}
