package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/fulfillment"
	custommw "github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver/middleware"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/observability"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/rbac"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/worklist"
)

// Config holds runtime options for the console HTTP server.
type Config struct {
	Address        string
	BasePath       string
	Environment    string
	TraceProjectID string
	Authenticator  custommw.Authenticator
	Logger         *zap.Logger
	Lifecycle      *fulfillment.Lifecycle
	Requests       requests.Service
	Catalog        catalog.Service
	Worklist       *worklist.Refresher
	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
}

// New constructs the HTTP server with its middleware stack and the fulfillment API routes.
func New(cfg Config) *http.Server {
	logger := observability.OrNop(cfg.Logger)

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(observability.RequestLogger(logger))
	router.Use(observability.TraceMiddleware(cfg.TraceProjectID))
	router.Use(observability.Recoverer)
	router.Use(chimw.Timeout(durationOr(cfg.RequestTimeout, 60*time.Second)))
	router.Use(custommw.Environment(cfg.Environment))

	basePath := normalizeBasePath(cfg.BasePath)

	authenticator := cfg.Authenticator
	if authenticator == nil {
		authenticator = custommw.DefaultAuthenticator()
	}

	h := &handlers{
		lifecycle: cfg.Lifecycle,
		requests:  cfg.Requests,
		catalog:   cfg.Catalog,
		worklist:  cfg.Worklist,
	}
	mountAPIRoutes(router, basePath, authenticator, h)

	return &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  durationOr(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout: durationOr(cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  durationOr(cfg.IdleTimeout, 60*time.Second),
	}
}

func mountAPIRoutes(router chi.Router, base string, authenticator custommw.Authenticator, h *handlers) {
	router.Get(joinPath(base, "/healthz"), h.health)

	router.Route(joinPath(base, "/api"), func(r chi.Router) {
		r.Use(custommw.Auth(authenticator))

		r.Get("/me", h.me)

		r.With(custommw.RequireCapability(rbac.CapRequestsView)).Get("/requests", h.listRequests)
		r.With(custommw.RequireCapability(rbac.CapRequestsView)).Post("/worklist/search", h.searchRequests)
		r.With(custommw.RequireCapability(rbac.CapProvidersView)).Get("/providers", h.listProviders)

		r.Route("/requests/{requestID}", func(rr chi.Router) {
			rr.With(custommw.RequireCapability(rbac.CapRequestsView)).Get("/", h.getRequest)
			rr.With(custommw.RequireCapability(rbac.CapRequestsAccept)).Post("/accept", h.acceptRequest)
			rr.With(custommw.RequireCapability(rbac.CapRequestsCancel)).Post("/cancel", h.cancelRequest)
			rr.With(custommw.RequireCapability(rbac.CapPaymentsConfirm)).Post("/payment", h.confirmPayment)
			rr.With(custommw.RequireCapability(rbac.CapOrdersAssign)).Post("/assign", h.assignRequest)
			rr.With(custommw.RequireCapability(rbac.CapRequestsView)).Post("/editor", h.openEditor)
		})

		r.Route("/editors/{editorID}", func(er chi.Router) {
			er.Use(custommw.RequireCapability(rbac.CapRequestsView))
			er.Get("/", h.getEditor)
			er.Delete("/", h.closeEditor)
			er.With(custommw.RequireCapability(rbac.CapBillsEdit)).Post("/providers/{providerID}", h.selectProvider)
			er.With(custommw.RequireCapability(rbac.CapBillsEdit)).Delete("/providers/{providerID}", h.deselectProvider)
			er.With(custommw.RequireCapability(rbac.CapBillsEdit)).Post("/lines", h.toggleLine)
			er.With(custommw.RequireCapability(rbac.CapBillsEdit)).Patch("/lines/quantity", h.setQuantity)
			er.With(custommw.RequireCapability(rbac.CapBillsSubmit)).Post("/submit", h.submitBill)
		})
	})
}

func normalizeBasePath(path string) string {
	p := strings.TrimSpace(path)
	if p == "" {
		return "/admin"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}

func joinPath(base, suffix string) string {
	if base == "/" {
		return suffix
	}
	return base + suffix
}

func durationOr(value, fallback time.Duration) time.Duration {
	if value <= 0 {
		return fallback
	}
	return value
}
