package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/model"
)

// HandleEnsureUser returns a handler for POST /api/v1/users. Creation is
// idempotent on user_id.
func HandleEnsureUser(deps Deps) http.HandlerFunc {
	type request struct {
		UserID int64 `json:"user_id"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if req.UserID <= 0 {
			writeInvalidArgument(w, "user_id: must be a positive integer")
			return
		}
		user, err := deps.Store.EnsureUser(r.Context(), req.UserID, time.Now().UnixNano())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, user)
	}
}

// HandleListUsers returns a handler for GET /api/v1/users.
func HandleListUsers(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := deps.Store.ListUsers(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, users)
	}
}

// HandleGetUser returns a handler for GET /api/v1/users/{id}.
func HandleGetUser(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64PathParam(w, r, "id")
		if !ok {
			return
		}
		user, err := deps.Store.GetUser(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, user)
	}
}

// HandleUpdateEntitlement returns a handler for
// PATCH /api/v1/users/{id}/entitlement.
func HandleUpdateEntitlement(deps Deps) http.HandlerFunc {
	type request struct {
		Entitlement  string `json:"entitlement"`
		GraceUntilNs int64  `json:"grace_until_ns"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64PathParam(w, r, "id")
		if !ok {
			return
		}
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		switch req.Entitlement {
		case model.EntitlementActive, model.EntitlementGrace, model.EntitlementBlocked:
		default:
			writeInvalidArgument(w, "entitlement: must be ACTIVE, GRACE or BLOCKED")
			return
		}
		if req.Entitlement == model.EntitlementGrace && req.GraceUntilNs <= 0 {
			writeInvalidArgument(w, "grace_until_ns: required for GRACE")
			return
		}

		ctx := r.Context()
		if err := deps.Store.UpdateUserEntitlement(ctx, id, req.Entitlement, req.GraceUntilNs, time.Now().UnixNano()); err != nil {
			writeServiceError(w, err)
			return
		}
		user, err := deps.Store.GetUser(ctx, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, user)
	}
}

// HandleUpdateQuota returns a handler for PATCH /api/v1/users/{id}/quota.
func HandleUpdateQuota(deps Deps) http.HandlerFunc {
	type request struct {
		DeviceQuota int `json:"device_quota"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64PathParam(w, r, "id")
		if !ok {
			return
		}
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if req.DeviceQuota <= 0 {
			writeInvalidArgument(w, "device_quota: must be a positive integer")
			return
		}

		ctx := r.Context()
		if err := deps.Store.UpdateUserQuota(ctx, id, req.DeviceQuota, time.Now().UnixNano()); err != nil {
			writeServiceError(w, err)
			return
		}
		user, err := deps.Store.GetUser(ctx, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, user)
	}
}

// HandleCreateDevice returns a handler for POST /api/v1/users/{id}/devices.
// Creation fails with CONFLICT when the user is at quota.
func HandleCreateDevice(deps Deps) http.HandlerFunc {
	type request struct {
		Name string `json:"name"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := int64PathParam(w, r, "id")
		if !ok {
			return
		}
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if req.Name == "" {
			writeInvalidArgument(w, "name: must be non-empty")
			return
		}

		ctx := r.Context()
		user, err := deps.Store.GetUser(ctx, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		active, err := deps.Store.CountActiveDevices(ctx, userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if active >= user.DeviceQuota {
			writeServiceError(w, conflict(fmt.Sprintf(
				"device quota reached: %d of %d active", active, user.DeviceQuota)))
			return
		}

		nowNs := time.Now().UnixNano()
		device := model.Device{
			ID:          uuid.NewString(),
			UserID:      userID,
			Name:        req.Name,
			Status:      model.StatusActive,
			CreatedAtNs: nowNs,
			UpdatedAtNs: nowNs,
		}
		if err := deps.Store.InsertDevice(ctx, device); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, device)
	}
}

// HandleListDevices returns a handler for GET /api/v1/users/{id}/devices.
func HandleListDevices(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := int64PathParam(w, r, "id")
		if !ok {
			return
		}
		devices, err := deps.Store.ListDevicesByUser(r.Context(), userID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, devices)
	}
}

// HandleRevokeDevice returns a handler for
// POST /api/v1/devices/{id}/actions/revoke. All of the device's connections
// and their active revisions are revoked too.
func HandleRevokeDevice(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		ctx := r.Context()
		device, err := deps.Store.GetDevice(ctx, deviceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		conns, err := deps.Store.ListConnectionsByDevice(ctx, deviceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		for _, conn := range conns {
			if conn.Status != model.StatusActive {
				continue
			}
			if err := revokeConnectionCascade(ctx, deps, conn.ID); err != nil {
				writeServiceError(w, err)
				return
			}
		}

		nowNs := time.Now().UnixNano()
		if err := deps.Store.SetDeviceStatus(ctx, deviceID, model.StatusRevoked, nowNs); err != nil {
			writeServiceError(w, err)
			return
		}
		device.Status = model.StatusRevoked
		device.UpdatedAtNs = nowNs
		WriteJSON(w, http.StatusOK, device)
	}
}
