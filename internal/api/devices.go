package api

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fleetglass/fleetglass/internal/store"
)

// DeviceHandler manages the push device registry for the authenticated user.
type DeviceHandler struct {
	store  store.Store
	logger *zap.Logger
}

// NewDeviceHandler creates a DeviceHandler.
func NewDeviceHandler(s store.Store, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		store:  s,
		logger: logger.Named("device_handler"),
	}
}

// registerDeviceRequest is the body of POST /api/devices.
type registerDeviceRequest struct {
	Token      string `json:"token"`
	DeviceName string `json:"device_name"`
	OSName     string `json:"os_name"`
}

// Register handles POST /api/devices. Registering a token the user already
// has is an upsert; an inactive device comes back active.
func (h *DeviceHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Token == "" {
		ErrBadRequest(w, "token is required")
		return
	}

	userID := userIDFromCtx(r.Context())
	device, err := h.store.RegisterDevice(r.Context(), userID, req.Token, req.DeviceName, req.OSName)
	if err != nil {
		h.logger.Error("registering device", zap.Error(err))
		ErrInternal(w)
		return
	}

	JSON(w, http.StatusCreated, map[string]any{
		"id":          device.ID,
		"device_name": device.DeviceName,
		"os_name":     device.OSName,
		"status":      device.Status,
	})
}

// Remove handles DELETE /api/devices/{token}. The token arrives URL-escaped;
// push tokens routinely contain characters chi would otherwise split on.
func (h *DeviceHandler) Remove(w http.ResponseWriter, r *http.Request) {
	token, err := url.PathUnescape(chi.URLParam(r, "token"))
	if err != nil || token == "" {
		ErrNotFound(w)
		return
	}

	userID := userIDFromCtx(r.Context())
	if err := h.store.RemoveDevice(r.Context(), userID, token); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return
		}
		h.logger.Error("removing device", zap.Error(err))
		ErrInternal(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
