package api

import (
	"net/http"
)

// HandleCreateRevision returns a handler for
// POST /api/v1/connections/{id}/revisions.
func HandleCreateRevision(deps Deps) http.HandlerFunc {
	type request struct {
		CamouflageSNIID int64 `json:"camouflage_sni_id"`
		Force           bool  `json:"force"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		req := request{}
		if r.ContentLength != 0 {
			if err := DecodeBody(r, &req); err != nil {
				writeInvalidArgument(w, err.Error())
				return
			}
		}

		rev, err := deps.Engine.CreateRevision(r.Context(), connectionID, req.CamouflageSNIID, req.Force)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, rev)
	}
}

// HandleListRevisions returns a handler for
// GET /api/v1/connections/{id}/revisions. Pass ?active=true for the live
// slot window only.
func HandleListRevisions(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connectionID, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		ctx := r.Context()
		if r.URL.Query().Get("active") == "true" {
			revs, err := deps.Store.ListActiveRevisions(ctx, connectionID)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			WriteList(w, http.StatusOK, revs)
			return
		}
		revs, err := deps.Store.ListRevisions(ctx, connectionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, revs)
	}
}

// HandleGetRevision returns a handler for GET /api/v1/revisions/{id}.
func HandleGetRevision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		rev, err := deps.Store.GetRevision(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rev)
	}
}

// HandleActivateRevision returns a handler for
// POST /api/v1/revisions/{id}/actions/activate.
func HandleActivateRevision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		rev, err := deps.Engine.ActivateRevision(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rev)
	}
}

// HandleRevokeRevision returns a handler for
// POST /api/v1/revisions/{id}/actions/revoke.
func HandleRevokeRevision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		rev, err := deps.Engine.RevokeRevision(r.Context(), id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, rev)
	}
}

// HandleExportRevision returns a handler for
// GET /api/v1/revisions/{id}/export: a client-facing share link, or for
// WireGuard the full client .conf body.
func HandleExportRevision(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := stringPathParam(w, r, "id")
		if !ok {
			return
		}
		ctx := r.Context()
		rev, err := deps.Store.GetRevision(ctx, id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		conn, err := deps.Store.GetConnection(ctx, rev.ConnectionID)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		export, err := buildExport(ctx, deps, conn, rev)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, export)
	}
}
