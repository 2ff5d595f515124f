package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "keypanel/internal/errors"
	"keypanel/internal/license"
	"keypanel/internal/services"
	"keypanel/internal/store"
)

// actorHeader carries the acting principal's id. The chat surface
// authenticates its users and forwards the id; transport auth between
// the surface and the panel is out of scope here.
const actorHeader = "X-Actor-ID"

type actorContextKey struct{}

// AdminHandler serves the /api/admin surface.
type AdminHandler struct {
	service  *services.AdminService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewAdminHandler creates the admin handler.
func NewAdminHandler(service *services.AdminService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "admin")),
		validate: validator.New(),
	}
}

// Routes returns the chi router for the admin API.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(h.requireActor)

	r.Route("/license-keys", func(r chi.Router) {
		r.Post("/", h.CreateLicenseKey)
		r.Get("/", h.ListLicenseKeys)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", h.GetLicenseKey)
			r.Post("/toggle-block", h.ToggleLicenseKeyBlock)
			r.Post("/extend", h.ExtendLicenseKey)
			r.Post("/reset-devices", h.ResetLicenseKeyDevices)
			r.Delete("/", h.DeleteLicenseKey)
		})
	})

	r.Route("/access-keys", func(r chi.Router) {
		r.Post("/", h.CreateAccessKey)
		r.Get("/", h.ListAccessKeys)
		r.Route("/{key}", func(r chi.Router) {
			r.Get("/", h.GetAccessKey)
			r.Post("/toggle-block", h.ToggleAccessKeyBlock)
			r.Delete("/", h.DeleteAccessKey)
		})
	})

	r.Route("/principals/{id}", func(r chi.Router) {
		r.Post("/block", h.BlockPrincipal)
		r.Post("/unblock", h.UnblockPrincipal)
		r.Delete("/", h.DeletePrincipal)
	})

	r.Post("/redeem", h.Redeem)
	r.Get("/membership", h.Membership)

	return r
}

// requireActor rejects requests lacking the actor header and stashes
// the id in the request context.
func (h *AdminHandler) requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := r.Header.Get(actorHeader)
		if actor == "" {
			render.Render(w, r, apierrors.ErrMissingActor)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorContextKey{}, actor)))
	})
}

func actorFrom(r *http.Request) string {
	actor, _ := r.Context().Value(actorContextKey{}).(string)
	return actor
}

// createKeyRequest issues a key either from the fixed option sets or
// from a custom spec line. Exactly one of the two forms is used.
type createKeyRequest struct {
	Custom   string `json:"custom,omitempty"`
	Devices  int    `json:"devices,omitempty" validate:"required_without=Custom"`
	Duration string `json:"duration,omitempty" validate:"required_without=Custom"`
}

type extendRequest struct {
	Days int `json:"days" validate:"required,gt=0"`
}

type redeemRequest struct {
	Key string `json:"key" validate:"required"`
}

// licenseKeyResponse mirrors a license-key record on the wire.
type licenseKeyResponse struct {
	Key        string   `json:"key"`
	Devices    []string `json:"devices"`
	MaxDevices int      `json:"max_devices"`
	Expiry     string   `json:"expiry,omitempty"`
	Blocked    bool     `json:"blocked"`
}

// accessKeyResponse mirrors an access-key record plus its partition.
type accessKeyResponse struct {
	Key        string   `json:"key"`
	Devices    []string `json:"devices"`
	MaxDevices int      `json:"max_devices"`
	Expiry     string   `json:"expiry,omitempty"`
	Blocked    bool     `json:"blocked"`
	Owner      string   `json:"owner"`
	Partition  string   `json:"partition"`
}

func licenseResponse(key string, rec *license.LicenseKeyRecord) licenseKeyResponse {
	devices := rec.Devices
	if devices == nil {
		devices = []string{}
	}
	return licenseKeyResponse{
		Key:        key,
		Devices:    devices,
		MaxDevices: rec.MaxDevices,
		Expiry:     rec.Expiry,
		Blocked:    rec.Blocked,
	}
}

func accessResponse(key string, rec *license.AccessKeyRecord, p store.Partition) accessKeyResponse {
	devices := rec.Devices
	if devices == nil {
		devices = []string{}
	}
	return accessKeyResponse{
		Key:        key,
		Devices:    devices,
		MaxDevices: rec.MaxDevices,
		Expiry:     rec.Expiry,
		Blocked:    rec.Blocked,
		Owner:      rec.Owner,
		Partition:  p.String(),
	}
}

func (h *AdminHandler) decodeAndValidate(r *http.Request, v interface{}) error {
	if err := render.DecodeJSON(r.Body, v); err != nil {
		return err
	}
	return h.validate.Struct(v)
}

// renderError maps service errors onto the structured API error
// surface.
func (h *AdminHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apierrors.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.Is(err, services.ErrNotAuthorized):
		apiErr = apierrors.ErrForbidden
	case errors.Is(err, license.ErrNotFound):
		apiErr = apierrors.NotFoundError("key")
	case errors.Is(err, license.ErrDuplicateKey):
		apiErr = apierrors.ConflictError("key already exists")
	case errors.Is(err, license.ErrKeyBlocked):
		apiErr = apierrors.New(http.StatusForbidden, "KEY_BLOCKED", "key is blocked")
	case errors.Is(err, license.ErrKeyExpired):
		apiErr = apierrors.New(http.StatusForbidden, "KEY_EXPIRED", "key has expired")
	case errors.Is(err, license.ErrDeviceLimitReached):
		apiErr = apierrors.ConflictError("key is at capacity")
	case errors.Is(err, license.ErrMalformedExpiry):
		apiErr = apierrors.ErrInternalServer
	default:
		apiErr = apierrors.InvalidRequestWithError(err)
	}
	if apiErr.StatusCode >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "admin request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
	}
	render.Render(w, r, apiErr)
}

// CreateLicenseKey issues a license key owned by the actor.
func (h *AdminHandler) CreateLicenseKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	actor := actorFrom(r)
	var (
		key string
		rec *license.LicenseKeyRecord
		err error
	)
	if req.Custom != "" {
		key, rec, err = h.service.CustomLicenseKey(r.Context(), actor, req.Custom)
	} else {
		key, rec, err = h.service.GenerateLicenseKey(r.Context(), actor, req.Devices, req.Duration)
	}
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, licenseResponse(key, rec))
}

// ListLicenseKeys returns the actor's collection.
func (h *AdminHandler) ListLicenseKeys(w http.ResponseWriter, r *http.Request) {
	keys := h.service.ListLicenseKeys(r.Context(), actorFrom(r))
	out := make([]licenseKeyResponse, 0, len(keys))
	for key, rec := range keys {
		out = append(out, licenseResponse(key, rec))
	}
	render.JSON(w, r, map[string]interface{}{"keys": out, "count": len(out)})
}

// GetLicenseKey returns one of the actor's keys.
func (h *AdminHandler) GetLicenseKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, err := h.service.GetLicenseKey(r.Context(), actorFrom(r), key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, licenseResponse(key, rec))
}

// ToggleLicenseKeyBlock flips the key's blocked flag.
func (h *AdminHandler) ToggleLicenseKeyBlock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	blocked, err := h.service.ToggleLicenseKeyBlock(r.Context(), actorFrom(r), key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"key": key, "blocked": blocked})
}

// ExtendLicenseKey adds days to the key's expiry.
func (h *AdminHandler) ExtendLicenseKey(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	key := chi.URLParam(r, "key")
	expiry, err := h.service.ExtendLicenseKey(r.Context(), actorFrom(r), key, req.Days)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"key": key, "expiry": expiry})
}

// ResetLicenseKeyDevices clears the key's device set.
func (h *AdminHandler) ResetLicenseKeyDevices(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.service.ResetLicenseKeyDevices(r.Context(), actorFrom(r), key); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"key": key, "devices": []string{}})
}

// DeleteLicenseKey removes one of the actor's keys.
func (h *AdminHandler) DeleteLicenseKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.service.DeleteLicenseKey(r.Context(), actorFrom(r), key); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// CreateAccessKey issues an access key owned by the actor. Root only.
func (h *AdminHandler) CreateAccessKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}

	actor := actorFrom(r)
	var (
		key string
		rec *license.AccessKeyRecord
		err error
	)
	if req.Custom != "" {
		key, rec, err = h.service.CustomAccessKey(r.Context(), actor, req.Custom)
	} else {
		key, rec, err = h.service.GenerateAccessKey(r.Context(), actor, req.Devices, req.Duration)
	}
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, accessResponse(key, rec, store.PartitionActive))
}

// ListAccessKeys returns both partitions. Root only.
func (h *AdminHandler) ListAccessKeys(w http.ResponseWriter, r *http.Request) {
	active, blocked, err := h.service.ListAccessKeys(r.Context(), actorFrom(r))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	out := make([]accessKeyResponse, 0, len(active)+len(blocked))
	for key, rec := range active {
		out = append(out, accessResponse(key, rec, store.PartitionActive))
	}
	for key, rec := range blocked {
		out = append(out, accessResponse(key, rec, store.PartitionBlocked))
	}
	render.JSON(w, r, map[string]interface{}{"keys": out, "count": len(out)})
}

// GetAccessKey returns one access key with its partition. Root only.
func (h *AdminHandler) GetAccessKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	rec, p, err := h.service.GetAccessKey(r.Context(), actorFrom(r), key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, accessResponse(key, rec, p))
}

// ToggleAccessKeyBlock blocks or unblocks the key's owner. Root only.
func (h *AdminHandler) ToggleAccessKeyBlock(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	blocked, err := h.service.ToggleAccessKeyBlock(r.Context(), actorFrom(r), key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"key": key, "blocked": blocked})
}

// DeleteAccessKey removes the key with its cascade. Root only.
func (h *AdminHandler) DeleteAccessKey(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if err := h.service.DeleteAccessKey(r.Context(), actorFrom(r), key); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.NoContent(w, r)
}

// BlockPrincipal cascades a block over the principal's access keys.
// Root only.
func (h *AdminHandler) BlockPrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	moved, err := h.service.BlockPrincipal(r.Context(), actorFrom(r), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"principal": id, "moved": moved})
}

// UnblockPrincipal reverses a block. Root only.
func (h *AdminHandler) UnblockPrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	moved, err := h.service.UnblockPrincipal(r.Context(), actorFrom(r), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{"principal": id, "moved": moved})
}

// DeletePrincipal removes every credential the principal owns. Root
// only.
func (h *AdminHandler) DeletePrincipal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	nLicense, nAccess, err := h.service.DeletePrincipal(r.Context(), actorFrom(r), id)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"principal":    id,
		"license_keys": nLicense,
		"access_keys":  nAccess,
	})
}

// Redeem appends the actor to an access key's device set.
func (h *AdminHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := h.decodeAndValidate(r, &req); err != nil {
		render.Render(w, r, apierrors.InvalidRequestWithError(err))
		return
	}
	rec, err := h.service.RedeemAccessKey(r.Context(), actorFrom(r), req.Key)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, accessResponse(req.Key, rec, store.PartitionActive))
}

// Membership reports the actor's admission state.
func (h *AdminHandler) Membership(w http.ResponseWriter, r *http.Request) {
	actor := actorFrom(r)
	status := h.service.Membership(r.Context(), actor)
	render.JSON(w, r, map[string]interface{}{
		"principal": actor,
		"status":    status.String(),
	})
}
