// Package api holds the authenticated HTTP handlers: device registration and
// topic membership.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
	"github.com/tinywideclouds/go-microservice-base/pkg/response"
	urn "github.com/tinywideclouds/go-platform/pkg/net/v1"
	platform "github.com/tinywideclouds/go-platform/pkg/notification/v1"

	"github.com/tinywideclouds/go-marketplace-notifications/internal/platform/web"
	"github.com/tinywideclouds/go-marketplace-notifications/pkg/dispatch"
)

type DeviceAPI struct {
	Registry dispatch.DeviceRegistry
	Logger   *slog.Logger
}

func NewDeviceAPI(registry dispatch.DeviceRegistry, logger *slog.Logger) *DeviceAPI {
	return &DeviceAPI{
		Registry: registry,
		Logger:   logger.With("component", "DeviceAPI"),
	}
}

// DeviceRequest carries either a native push token (FCM/APNs) or a browser
// Web Push subscription.
type DeviceRequest struct {
	Token        string                        `json:"token,omitempty"`
	Subscription *platform.WebPushSubscription `json:"subscription,omitempty"`
}

func (req DeviceRequest) deviceToken() (string, bool) {
	if sub := req.Subscription; sub != nil {
		if sub.Endpoint == "" || len(sub.Keys.P256dh) == 0 || len(sub.Keys.Auth) == 0 {
			return "", false
		}
		token, err := web.EncodeToken(*sub)
		return token, err == nil
	}
	token := strings.TrimSpace(req.Token)
	return token, token != ""
}

func (api *DeviceAPI) Register(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Error("Register: JSON Decode failed", "err", err)
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	token, ok := req.deviceToken()
	if !ok {
		api.Logger.Warn("Register: Validation failed", "reason", "missing token")
		response.WriteJSONError(w, http.StatusBadRequest, "missing or incomplete device token")
		return
	}

	if err := api.Registry.Register(ctx, userURN, token); err != nil {
		api.Logger.Error("failed to register device", "err", err)
		response.WriteJSONError(w, http.StatusInternalServerError, "storage failed")
		return
	}
	api.Logger.Info("Register: Device registered", "user", userURN.String())
	w.WriteHeader(http.StatusNoContent)
}

func (api *DeviceAPI) Unregister(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userURN, ok := userFromRequest(w, r)
	if !ok {
		return
	}

	var req DeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteJSONError(w, http.StatusBadRequest, "invalid json")
		return
	}
	token, ok := req.deviceToken()
	if !ok {
		response.WriteJSONError(w, http.StatusBadRequest, "missing or incomplete device token")
		return
	}

	if err := api.Registry.Unregister(ctx, userURN, token); err != nil {
		// Idempotency is preferred for unregister
		api.Logger.Warn("failed to unregister device", "err", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// userFromRequest resolves the authenticated user or writes 401.
func userFromRequest(w http.ResponseWriter, r *http.Request) (user urn.URN, ok bool) {
	userID, ok := middleware.GetUserHandleFromContext(r.Context())
	if !ok {
		response.WriteJSONError(w, http.StatusUnauthorized, "unauthorized")
		return user, false
	}
	user, err := urn.Parse(userID)
	if err != nil {
		response.WriteJSONError(w, http.StatusUnauthorized, "invalid user identity")
		return user, false
	}
	return user, true
}
