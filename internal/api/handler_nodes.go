package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/tracegate/tracegate/internal/model"
)

// HandleUpsertNode returns a handler for PUT /api/v1/nodes/{id}. Nodes are
// provisioned out of band; this registers (or refreshes) the endpoint and
// its per-host key material.
func HandleUpsertNode(deps Deps) http.HandlerFunc {
	type request struct {
		Role             string `json:"role"`
		BaseURL          string `json:"base_url"`
		PublicIP         string `json:"public_ip"`
		FQDN             string `json:"fqdn"`
		ProxyFQDN        string `json:"proxy_fqdn"`
		RealityPublicKey string `json:"reality_public_key"`
		RealityShortID   string `json:"reality_short_id"`
		WgPublicKey      string `json:"wg_public_key"`
		Active           bool   `json:"active"`
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
		if !model.NodeRole(req.Role).IsValid() {
			writeInvalidArgument(w, "role: must be VPS_T or VPS_E")
			return
		}
		if !strings.HasPrefix(req.BaseURL, "http://") && !strings.HasPrefix(req.BaseURL, "https://") {
			writeInvalidArgument(w, "base_url: must be an http(s) URL")
			return
		}

		nowNs := time.Now().UnixNano()
		node := model.NodeEndpoint{
			ID:               id,
			Role:             req.Role,
			BaseURL:          strings.TrimRight(req.BaseURL, "/"),
			PublicIP:         req.PublicIP,
			FQDN:             req.FQDN,
			ProxyFQDN:        req.ProxyFQDN,
			RealityPublicKey: req.RealityPublicKey,
			RealityShortID:   req.RealityShortID,
			WgPublicKey:      req.WgPublicKey,
			Active:           req.Active,
			CreatedAtNs:      nowNs,
			UpdatedAtNs:      nowNs,
		}
		if err := deps.Store.UpsertNodeEndpoint(r.Context(), node); err != nil {
			writeServiceError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, node)
	}
}

// HandleListNodes returns a handler for GET /api/v1/nodes.
func HandleListNodes(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := deps.Store.ListNodeEndpoints(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, nodes)
	}
}

// HandleUpsertSNI returns a handler for PUT /api/v1/snis. Upsert is keyed by
// fqdn.
func HandleUpsertSNI(deps Deps) http.HandlerFunc {
	type request struct {
		FQDN      string `json:"fqdn"`
		Enabled   bool   `json:"enabled"`
		SortOrder int    `json:"sort_order"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := DecodeBody(r, &req); err != nil {
			writeInvalidArgument(w, err.Error())
			return
		}
		if req.FQDN == "" {
			writeInvalidArgument(w, "fqdn: must be non-empty")
			return
		}

		sni := model.CamouflageSNI{
			FQDN:      req.FQDN,
			Enabled:   req.Enabled,
			SortOrder: req.SortOrder,
		}
		id, err := deps.Store.UpsertSNI(r.Context(), sni)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		sni.ID = id
		WriteJSON(w, http.StatusOK, sni)
	}
}

// HandleListSNIs returns a handler for GET /api/v1/snis.
func HandleListSNIs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snis, err := deps.Store.ListEnabledSNIs(r.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		WriteList(w, http.StatusOK, snis)
	}
}
