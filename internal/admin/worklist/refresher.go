// Package worklist keeps the active request list fresh while the fulfillment screen is open.
package worklist

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
)

const (
	// DefaultInterval is how often the list is re-fetched while running.
	DefaultInterval = 30 * time.Second
	// DefaultDebounce is how long search input must settle before a fetch is issued.
	DefaultDebounce = 500 * time.Millisecond
)

// View is the list as last applied.
type View struct {
	Requests   []requests.Request
	Filters    requests.Filters
	Total      int
	TotalPages int
	Page       int
	Err        error
	UpdatedAt  time.Time
	Seq        uint64
}

// Loading reports whether nothing has been applied yet.
func (v View) Loading() bool {
	return v.Seq == 0
}

// Empty reports whether the last fetch succeeded with no results.
func (v View) Empty() bool {
	return v.Seq > 0 && v.Err == nil && len(v.Requests) == 0
}

// Refresher polls the request service on an interval and debounces search-driven fetches. Results are
// applied in issue order: a response is dropped when a newer fetch was issued after it.
type Refresher struct {
	service  requests.Service
	token    string
	interval time.Duration
	delay    time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	filters  requests.Filters
	pending  *requests.Filters
	searches uint64
	issued   uint64
	view     View
	debounce *time.Timer
	baseCtx  context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	onUpdate []func(View)
}

// Option customises a Refresher.
type Option func(*Refresher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithDebounce sets the search debounce delay.
func WithDebounce(d time.Duration) Option {
	return func(r *Refresher) {
		if d > 0 {
			r.delay = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Refresher) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithToken sets the credential used for background fetches.
func WithToken(token string) Option {
	return func(r *Refresher) {
		r.token = strings.TrimSpace(token)
	}
}

// WithFilters sets the initial filters.
func WithFilters(f requests.Filters) Option {
	return func(r *Refresher) {
		r.filters = f
	}
}

// New constructs a Refresher over svc.
func New(svc requests.Service, opts ...Option) (*Refresher, error) {
	if svc == nil {
		return nil, errors.New("worklist: request service is required")
	}
	r := &Refresher{
		service:  svc,
		interval: DefaultInterval,
		delay:    DefaultDebounce,
		logger:   zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// OnUpdate registers fn to receive every applied view.
func (r *Refresher) OnUpdate(fn func(View)) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.onUpdate = append(r.onUpdate, fn)
	r.mu.Unlock()
}

// Start fetches immediately and then on every interval until ctx ends or Stop is called. Starting a
// running refresher is a no-op.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	if r.cancel != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.baseCtx = ctx
	r.cancel = cancel
	done := make(chan struct{})
	r.done = done
	r.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		r.Refresh(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Refresh(ctx)
			}
		}
	}()
}

// Stop cancels polling and any pending debounced search, and waits for the poller to exit.
func (r *Refresher) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	r.pending = nil
	r.baseCtx = context.Background()
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Refresh re-fetches with the current filters. It satisfies requests.Refresher.
func (r *Refresher) Refresh(ctx context.Context) {
	r.mu.Lock()
	filters := r.filters
	r.mu.Unlock()
	r.fetch(ctx, filters)
}

// Apply replaces the filters and fetches immediately, cancelling any pending search.
func (r *Refresher) Apply(ctx context.Context, filters requests.Filters) View {
	r.mu.Lock()
	if r.debounce != nil {
		r.debounce.Stop()
		r.debounce = nil
	}
	r.pending = nil
	r.searches++
	r.filters = filters
	r.mu.Unlock()
	r.fetch(ctx, filters)
	return r.View()
}

// Search schedules a fetch for query once input has been quiet for the debounce delay. Each call
// restarts the delay; the page resets to the first. Polls and refreshes keep using the applied
// filters until the delay elapses.
func (r *Refresher) Search(query string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	filters := r.filters
	if r.pending != nil {
		filters = *r.pending
	}
	filters.Search = strings.TrimSpace(query)
	filters.Page = 1
	r.pending = &filters

	if r.debounce != nil {
		r.debounce.Stop()
	}
	r.searches++
	gen := r.searches
	ctx := r.baseCtx
	r.debounce = time.AfterFunc(r.delay, func() {
		r.mu.Lock()
		if gen != r.searches || r.pending == nil {
			r.mu.Unlock()
			return
		}
		applied := *r.pending
		r.filters = applied
		r.pending = nil
		r.debounce = nil
		r.mu.Unlock()
		r.fetch(ctx, applied)
	})
}

// View returns the last applied list.
func (r *Refresher) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.view
	v.Requests = append([]requests.Request(nil), r.view.Requests...)
	return v
}

func (r *Refresher) fetch(ctx context.Context, filters requests.Filters) {
	if ctx.Err() != nil {
		return
	}
	r.mu.Lock()
	r.issued++
	seq := r.issued
	r.mu.Unlock()

	result, err := r.service.ListActive(ctx, r.token, filters)

	r.mu.Lock()
	if seq != r.issued {
		r.mu.Unlock()
		r.logger.Debug("stale worklist response dropped", zap.Uint64("seq", seq))
		return
	}
	if err != nil && ctx.Err() != nil {
		r.mu.Unlock()
		return
	}
	next := View{Filters: filters, UpdatedAt: r.now(), Seq: seq}
	if err != nil {
		next.Err = err
		r.logger.Warn("worklist refresh failed", zap.Error(err))
	} else {
		next.Requests = result.Requests
		next.Total = result.Total
		next.TotalPages = result.TotalPages
		next.Page = result.Page
	}
	r.view = next
	listeners := append(([]func(View))(nil), r.onUpdate...)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(next)
	}
}
