package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/tracegate/tracegate/internal/model"
	"github.com/tracegate/tracegate/internal/revision"
)

// HandleCreateConnection returns a handler for
// POST /api/v1/devices/{id}/connections.
func HandleCreateConnection(deps Deps) http.HandlerFunc {
	type request struct {
		Protocol  string         `json:"protocol"`
		Mode      string         `json:"mode"`
		Variant   string         `json:"variant"`
		Overrides map[string]any `json:"overrides"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if !model.ValidTriple(model.Protocol(req.Protocol), model.Mode(req.Mode), model.Variant(req.Variant)) {
			writeInvalidArgument(w, fmt.Sprintf(
				"(%s, %s, %s) is not an allowed protocol/mode/variant combination",
				req.Protocol, req.Mode, req.Variant))
			return
		}
		if err := revision.ValidateOverrides(model.Protocol(req.Protocol), req.Overrides); err != nil {
			writeServiceError(w, err)
			return
		}

		ctx := r.Context()
		device, err := deps.Store.GetDevice(ctx, deviceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if device.Status != model.StatusActive {
			writeServiceError(w, conflict("device "+deviceID+" is revoked"))
			return
		}

		overridesJSON := ""
		if len(req.Overrides) > 0 {
			raw, err := json.Marshal(req.Overrides)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			overridesJSON = string(raw)
		}

		nowNs := time.Now().UnixNano()
		conn := model.Connection{
			ID:            uuid.NewString(),
			DeviceID:      deviceID,
			Protocol:      req.Protocol,
			Mode:          req.Mode,
			Variant:       req.Variant,
			OverridesJSON: overridesJSON,
			Status:        model.StatusActive,
			CreatedAtNs:   nowNs,
			UpdatedAtNs:   nowNs,
		}
		if err := deps.Store.InsertConnection(ctx, conn); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, conn)
	}
}

// HandleListConnections returns a handler for
// GET /api/v1/devices/{id}/connections.
func HandleListConnections(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deviceID, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		conns, err := deps.Store.ListConnectionsByDevice(r.Context(), deviceID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, conns)
	}
}

// HandleGetConnection returns a handler for GET /api/v1/connections/{id}.
func HandleGetConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		conn, err := deps.Store.GetConnection(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, conn)
	}
}

// HandleUpdateOverrides returns a handler for
// PATCH /api/v1/connections/{id}/overrides. The new map replaces the old one
// and takes effect with the next revision.
func HandleUpdateOverrides(deps Deps) http.HandlerFunc {
	type request struct {
		Overrides map[string]any `json:"overrides"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		ctx := r.Context()
		conn, err := deps.Store.GetConnection(ctx, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if err := revision.ValidateOverrides(model.Protocol(conn.Protocol), req.Overrides); err != nil {
			writeServiceError(w, err)
			return
		}

		overridesJSON := ""
		if len(req.Overrides) > 0 {
			raw, err := json.Marshal(req.Overrides)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			overridesJSON = string(raw)
		}
		if err := deps.Store.UpdateConnectionOverrides(ctx, id, overridesJSON, time.Now().UnixNano()); err != nil {
			writeServiceError(w, err)
			return
		}
		conn.OverridesJSON = overridesJSON
		WriteJSON(w, http.StatusOK, conn)
	}
}

// HandleRevokeConnection returns a handler for
// POST /api/v1/connections/{id}/actions/revoke.
func HandleRevokeConnection(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		ctx := r.Context()
		if err := revokeConnectionCascade(ctx, deps, id); err != nil {
			writeServiceError(w, err)
			return
		}
		conn, err := deps.Store.GetConnection(ctx, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, conn)
	}
}

// revokeConnectionCascade revokes every ACTIVE revision of the connection
// (emitting the removal events) and then marks the connection REVOKED.
func revokeConnectionCascade(ctx context.Context, deps Deps, connectionID string) error {
	revs, err := deps.Store.ListActiveRevisions(ctx, connectionID)
	if err != nil {
		return err
	}
	for _, rev := range revs {
		if _, err := deps.Engine.RevokeRevision(ctx, rev.ID); err != nil {
			return err
		}
	}
	return deps.Store.SetConnectionStatus(ctx, connectionID, model.StatusRevoked, time.Now().UnixNano())
}
