package testutil

import (
	"net/http/httptest"
	"testing"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/dispatch"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/fulfillment"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver/middleware"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/worklist"
)

// Stack holds the services behind a test server so tests can inspect their state.
type Stack struct {
	Server    *httptest.Server
	Requests  *requests.StaticService
	Catalog   *catalog.StaticService
	Publisher *dispatch.MemoryPublisher
	Lifecycle *fulfillment.Lifecycle
	Worklist  *worklist.Refresher
}

type serverOptions struct {
	config    httpserver.Config
	requests  []requests.Request
	providers []catalog.Provider
	worklist  bool
}

// ServerOption customises the HTTP server configuration for tests.
type ServerOption func(*serverOptions)

// WithAuthenticator overrides the authenticator used by the console server.
func WithAuthenticator(auth middleware.Authenticator) ServerOption {
	return func(o *serverOptions) {
		o.config.Authenticator = auth
	}
}

// WithBasePath sets a custom base path for the console routes.
func WithBasePath(path string) ServerOption {
	return func(o *serverOptions) {
		o.config.BasePath = path
	}
}

// WithRequests seeds the static request service instead of the sample data.
func WithRequests(reqs ...requests.Request) ServerOption {
	return func(o *serverOptions) {
		o.requests = reqs
	}
}

// WithProviders seeds the static provider directory instead of the sample data.
func WithProviders(providers ...catalog.Provider) ServerOption {
	return func(o *serverOptions) {
		o.providers = providers
	}
}

// WithWorklist serves the request list through a worklist refresher.
func WithWorklist() ServerOption {
	return func(o *serverOptions) {
		o.worklist = true
	}
}

// NewServer constructs an httptest server running the console HTTP stack over static services.
func NewServer(t testing.TB, opts ...ServerOption) *Stack {
	t.Helper()

	o := &serverOptions{
		config: httpserver.Config{
			Address:       ":0",
			BasePath:      "/admin",
			Environment:   "test",
			Authenticator: middleware.DefaultAuthenticator(),
		},
	}
	for _, opt := range opts {
		opt(o)
	}

	stack := &Stack{
		Requests:  requests.NewStaticService(o.requests...),
		Catalog:   catalog.NewStaticService(o.providers...),
		Publisher: dispatch.NewMemoryPublisher(),
	}

	lifecycle, err := fulfillment.New(stack.Requests, stack.Catalog, fulfillment.WithPublisher(stack.Publisher))
	if err != nil {
		t.Fatalf("fulfillment: %v", err)
	}
	stack.Lifecycle = lifecycle

	if o.worklist {
		refresher, err := worklist.New(stack.Requests)
		if err != nil {
			t.Fatalf("worklist: %v", err)
		}
		stack.Requests.SetRefresher(refresher)
		stack.Worklist = refresher
		t.Cleanup(refresher.Stop)
	}

	cfg := o.config
	cfg.Lifecycle = lifecycle
	cfg.Requests = stack.Requests
	cfg.Catalog = stack.Catalog
	cfg.Worklist = stack.Worklist

	srv := httpserver.New(cfg)
	stack.Server = httptest.NewServer(srv.Handler)
	t.Cleanup(stack.Server.Close)
	return stack
}
