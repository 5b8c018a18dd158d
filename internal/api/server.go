package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/tracegate/tracegate/internal/ipam"
	"github.com/tracegate/tracegate/internal/revision"
	"github.com/tracegate/tracegate/internal/state"
)

// Deps carries the services the handlers operate on.
type Deps struct {
	Store  *state.Store
	Engine *revision.Engine
	Alloc  *ipam.Allocator
	Logger *slog.Logger
}

// Server wraps the HTTP server and mux for the control-plane API.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates an API server wired with all routes.
func NewServer(listenAddress string, port int, adminToken string, apiMaxBodyBytes int64, deps Deps) *Server {
	mux := http.NewServeMux()

	// Public (no auth)
	mux.Handle("GET /healthz", HandleHealthz())

	authed := http.NewServeMux()

	// Users and devices.
	authed.Handle("POST /api/v1/users", HandleEnsureUser(deps))
	authed.Handle("GET /api/v1/users", HandleListUsers(deps))
	authed.Handle("GET /api/v1/users/{id}", HandleGetUser(deps))
	authed.Handle("PATCH /api/v1/users/{id}/entitlement", HandleUpdateEntitlement(deps))
	authed.Handle("PATCH /api/v1/users/{id}/quota", HandleUpdateQuota(deps))
	authed.Handle("POST /api/v1/users/{id}/devices", HandleCreateDevice(deps))
	authed.Handle("GET /api/v1/users/{id}/devices", HandleListDevices(deps))
	authed.Handle("POST /api/v1/devices/{id}/actions/revoke", HandleRevokeDevice(deps))

	// Connections.
	authed.Handle("POST /api/v1/devices/{id}/connections", HandleCreateConnection(deps))
	authed.Handle("GET /api/v1/devices/{id}/connections", HandleListConnections(deps))
	authed.Handle("GET /api/v1/connections/{id}", HandleGetConnection(deps))
	authed.Handle("PATCH /api/v1/connections/{id}/overrides", HandleUpdateOverrides(deps))
	authed.Handle("POST /api/v1/connections/{id}/actions/revoke", HandleRevokeConnection(deps))

	// Revisions.
	authed.Handle("POST /api/v1/connections/{id}/revisions", HandleCreateRevision(deps))
	authed.Handle("GET /api/v1/connections/{id}/revisions", HandleListRevisions(deps))
	authed.Handle("GET /api/v1/revisions/{id}", HandleGetRevision(deps))
	authed.Handle("POST /api/v1/revisions/{id}/actions/activate", HandleActivateRevision(deps))
	authed.Handle("POST /api/v1/revisions/{id}/actions/revoke", HandleRevokeRevision(deps))
	authed.Handle("GET /api/v1/revisions/{id}/export", HandleExportRevision(deps))

	// Nodes and camouflage SNIs.
	authed.Handle("PUT /api/v1/nodes/{id}", HandleUpsertNode(deps))
	authed.Handle("GET /api/v1/nodes", HandleListNodes(deps))
	authed.Handle("PUT /api/v1/snis", HandleUpsertSNI(deps))
	authed.Handle("GET /api/v1/snis", HandleListSNIs(deps))

	// IPAM.
	authed.Handle("PUT /api/v1/pools", HandleEnsurePool(deps))
	authed.Handle("GET /api/v1/pools", HandleListPools(deps))
	authed.Handle("GET /api/v1/pools/{id}/leases", HandleListLeases(deps))
	authed.Handle("POST /api/v1/pools/actions/reap", HandleReapQuarantine(deps))

	// Outbox inspection.
	authed.Handle("GET /api/v1/outbox/events", HandleListEvents(deps))
	authed.Handle("GET /api/v1/outbox/events/{id}", HandleGetEvent(deps))
	authed.Handle("GET /api/v1/outbox/events/{id}/deliveries", HandleListDeliveries(deps))

	limitedAuthed := RequestBodyLimitMiddleware(apiMaxBodyBytes, authed)
	mux.Handle("/api/", AuthMiddleware(adminToken, limitedAuthed))

	srv := &http.Server{
		Addr:    net.JoinHostPort(listenAddress, strconv.Itoa(port)),
		Handler: mux,
	}
	return &Server{httpServer: srv, mux: mux}
}

// ListenAndServe starts the HTTP server. It blocks until the server stops.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the underlying http.Handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// HandleHealthz returns a liveness handler.
func HandleHealthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
