package api

import (
	"net/http"

	"github.com/tracegate/tracegate/internal/model"
)

const defaultEventListLimit = 100

// HandleListEvents returns a handler for GET /api/v1/outbox/events.
// Optional filters: ?status=PENDING|SENT|FAILED, ?limit=N.
func HandleListEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		switch status {
		case "", model.EventPending, model.EventSent, model.EventFailed:
		default:
			writeInvalidArgument(w, "status: must be PENDING, SENT or FAILED")
			return
		}
		limit, err := parseLimit(r, defaultEventListLimit)
		if err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}

		events, err := deps.Store.ListEvents(r.Context(), status, limit)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, events)
	}
}

// HandleGetEvent returns a handler for GET /api/v1/outbox/events/{id}.
func HandleGetEvent(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		event, err := deps.Store.GetEvent(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, event)
	}
}

// HandleListDeliveries returns a handler for
// GET /api/v1/outbox/events/{id}/deliveries.
func HandleListDeliveries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		ctx := r.Context()
		if _, err := deps.Store.GetEvent(ctx, id); err != nil {
			writeServiceError(w, err)
			return
		}
		deliveries, err := deps.Store.ListDeliveriesByEvent(ctx, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, deliveries)
	}
}
