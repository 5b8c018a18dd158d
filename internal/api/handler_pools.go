package api

import (
	"net/http"
	"time"
)

// HandleEnsurePool returns a handler for PUT /api/v1/pools. Idempotent on
// CIDR.
func HandleEnsurePool(deps Deps) http.HandlerFunc {
	type request struct {
		CIDR              string `json:"cidr"`
		Gateway           string `json:"gateway"`
		QuarantineSeconds int64  `json:"quarantine_seconds"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if req.CIDR == "" || req.Gateway == "" {
			writeInvalidArgument(w, "cidr and gateway are required")
			return
		}
		if req.QuarantineSeconds < 0 {
			writeInvalidArgument(w, "quarantine_seconds: must be non-negative")
			return
		}

		pool, err := deps.Alloc.EnsurePool(r.Context(), req.CIDR, req.Gateway,
			time.Duration(req.QuarantineSeconds)*time.Second)
		if err != nil {
			writeServiceError(w, invalidArgument(err.Error()))
			return
		}
		WriteJSON(w, http.StatusOK, pool)
	}
}

// HandleListPools returns a handler for GET /api/v1/pools.
func HandleListPools(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pools, err := deps.Store.ListPools(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, pools)
	}
}

// HandleListLeases returns a handler for GET /api/v1/pools/{id}/leases.
func HandleListLeases(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		poolID, ok := int64PathParam(w, r, "id")
		if !ok {
			return
		}
		ctx := r.Context()
		if _, err := deps.Store.GetPool(ctx, poolID); err != nil {
			writeServiceError(w, err)
			return
		}
		leases, err := deps.Store.ListLeasesByPool(ctx, poolID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, leases)
	}
}

// HandleReapQuarantine returns a handler for
// POST /api/v1/pools/actions/reap: a manual trigger for the sweep the cron
// job runs anyway.
func HandleReapQuarantine(deps Deps) http.HandlerFunc {
	type response struct {
		Released int64 `json:"released"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Alloc.ReapExpired(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, response{Released: n})
	}
}
