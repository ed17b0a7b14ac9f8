package rest

import (
	"crypto/rsa"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a configured chi.Router for the dyntrace collector API.
//
// Route layout:
//
//	GET /healthz                                        – liveness probe (no authentication required)
//	GET /api/v1/runs                                     – list recorded runs (JWT required; no scope checked)
//	GET /api/v1/runs/{run_id}/snapshots                  – paginated snapshot metadata query (JWT required; no scope checked)
//	GET /api/v1/runs/{run_id}/snapshots/{sequence}/report.xml – raw report_xml for one snapshot (JWT required; no scope checked)
//	GET /api/v1/runs/{run_id}/audit                      – tamper-evident audit trail (JWT, "audit" scope required)
//
// pubKey is the RSA public key used to verify RS256 Bearer tokens on all
// /api routes.  Pass nil to disable JWT validation (useful in tests that
// cover only request parsing / response formatting, and for collectors
// deployed without a fronting identity provider); with pubKey nil, scope
// checks are skipped too since there are no claims to check.
func NewRouter(srv *Server, pubKey *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()

	// Built-in chi middleware for observability and hygiene.
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Health check – no authentication.
	r.Get("/healthz", srv.handleHealthz)

	// Authenticated API routes.
	r.Route("/api/v1", func(r chi.Router) {
		if pubKey != nil {
			r.Use(JWTMiddleware(pubKey))
		}

		r.Get("/runs", srv.handleListRuns)
		r.Get("/runs/{run_id}/snapshots", srv.handleGetSnapshots)
		r.Get("/runs/{run_id}/snapshots/{sequence}/report.xml", srv.handleGetReport)

		r.Group(func(r chi.Router) {
			if pubKey != nil {
				r.Use(RequireScope(ScopeAudit))
			}
			r.Get("/runs/{run_id}/audit", srv.handleGetAuditEntries)
		})
	})

	return r
}
