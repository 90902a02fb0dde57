// Package fulfillment drives a request from pending through billing, payment and provider assignment.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/dispatch"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/drafts"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
)

const metricNamespace = "github.com/harshu-panchal/healiinn-sub002/internal/admin/fulfillment"

// DefaultEditorTTL is how long an untouched editor session is kept before it is discarded.
const DefaultEditorTTL = 30 * time.Minute

var (
	// ErrAlreadyBilled is returned when a bill is submitted for a request that already has one.
	ErrAlreadyBilled = errors.New("request is already billed")
	// ErrSubmitInFlight is returned while another lifecycle action for the same request is pending.
	ErrSubmitInFlight = errors.New("another action for this request is still in progress")
	// ErrEditorNotFound is returned for unknown or closed editor sessions.
	ErrEditorNotFound = errors.New("editor session not found")
	// ErrNoCommittedBill is returned when assigning a request without a confirmed bill.
	ErrNoCommittedBill = errors.New("request has no confirmed bill to assign")
)

// Lifecycle enforces transition guards on top of a request backend.
type Lifecycle struct {
	requests  requests.Service
	catalog   catalog.Service
	drafts    *drafts.Mirror
	publisher dispatch.Publisher
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	editorTTL time.Duration

	transitions metric.Int64Counter
	rejections  metric.Int64Counter

	mu       sync.Mutex
	inflight map[string]struct{}
	editors  map[string]*Editor
}

// Option customises a Lifecycle.
type Option func(*Lifecycle)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Lifecycle) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithDrafts sets the draft mirror. Without one drafts live in memory only.
func WithDrafts(mirror *drafts.Mirror) Option {
	return func(l *Lifecycle) {
		if mirror != nil {
			l.drafts = mirror
		}
	}
}

// WithPublisher sets where fulfillment orders are delivered on assignment.
func WithPublisher(p dispatch.Publisher) Option {
	return func(l *Lifecycle) {
		if p != nil {
			l.publisher = p
		}
	}
}

// WithMeter overrides the meter used for transition counters.
func WithMeter(m metric.Meter) Option {
	return func(l *Lifecycle) {
		if m != nil {
			l.transitions, l.rejections = counters(m, l.logger)
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Lifecycle) {
		if now != nil {
			l.now = now
		}
	}
}

// WithEditorTTL sets how long an untouched editor session is kept. Zero keeps editors until closed.
func WithEditorTTL(ttl time.Duration) Option {
	return func(l *Lifecycle) {
		if ttl >= 0 {
			l.editorTTL = ttl
		}
	}
}

// WithIDGenerator overrides editor session and order identifiers.
func WithIDGenerator(fn func() string) Option {
	return func(l *Lifecycle) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// New constructs a Lifecycle over the request and catalog services.
func New(reqs requests.Service, cat catalog.Service, opts ...Option) (*Lifecycle, error) {
	if reqs == nil {
		return nil, errors.New("fulfillment: request service is required")
	}
	if cat == nil {
		return nil, errors.New("fulfillment: catalog service is required")
	}
	l := &Lifecycle{
		requests:  reqs,
		catalog:   cat,
		drafts:    drafts.NewMirror(nil),
		publisher: dispatch.NewMemoryPublisher(),
		logger:    zap.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     func() string { return ulid.Make().String() },
		editorTTL: DefaultEditorTTL,
		inflight:  make(map[string]struct{}),
		editors:   make(map[string]*Editor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	if l.transitions == nil {
		l.transitions, l.rejections = counters(otel.GetMeterProvider().Meter(metricNamespace), l.logger)
	}
	return l, nil
}

func counters(meter metric.Meter, logger *zap.Logger) (metric.Int64Counter, metric.Int64Counter) {
	transitions, err := meter.Int64Counter(
		"fulfillment.transitions",
		metric.WithDescription("Lifecycle transitions accepted by the backend"),
	)
	if err != nil && logger != nil {
		logger.Warn("fulfillment: unable to register transition metric", zap.Error(err))
	}
	rejections, err := meter.Int64Counter(
		"fulfillment.rejections",
		metric.WithDescription("Lifecycle actions refused before or by the backend"),
	)
	if err != nil && logger != nil {
		logger.Warn("fulfillment: unable to register rejection metric", zap.Error(err))
	}
	return transitions, rejections
}

// Accept moves a pending request to accepted.
func (l *Lifecycle) Accept(ctx context.Context, token, requestID string) (requests.Request, error) {
	release, err := l.begin(requestID)
	if err != nil {
		return requests.Request{}, err
	}
	defer release()

	req, err := l.requests.Get(ctx, token, requestID)
	if err != nil {
		return requests.Request{}, err
	}
	if err := l.guard(ctx, "accept", req.Status, requests.StatusAccepted); err != nil {
		return req, err
	}
	if err := l.requests.Accept(ctx, token, req.ID); err != nil {
		l.rejected(ctx, "accept", req.Status, err)
		return req, err
	}
	l.record(ctx, "accept", req.Status, requests.StatusAccepted)
	req.Status = requests.StatusAccepted
	return req, nil
}

// Respond commits the editor's selection as the request's bill. The draft is cleared on success and
// the editor becomes read-only. On failure the selection is left intact.
func (l *Lifecycle) Respond(ctx context.Context, token string, editor *Editor, message string) (requests.Request, error) {
	if editor == nil {
		return requests.Request{}, ErrEditorNotFound
	}
	release, err := l.begin(editor.RequestID())
	if err != nil {
		return requests.Request{}, err
	}
	defer release()

	req, err := l.requests.Get(ctx, token, editor.RequestID())
	if err != nil {
		return requests.Request{}, err
	}
	if req.HasCommittedBill() {
		l.rejected(ctx, "respond", req.Status, ErrAlreadyBilled)
		return req, ErrAlreadyBilled
	}
	if err := l.guard(ctx, "respond", req.Status, requests.StatusBillGenerated); err != nil {
		return req, err
	}

	snap := editor.Snapshot()
	if err := validateBill(req.Kind, snap.ProviderIDs(), len(snap.SelectedLines)); err != nil {
		l.rejected(ctx, "respond", req.Status, err)
		return req, err
	}

	updated, err := l.requests.Respond(ctx, token, req.ID, requests.RespondPayload{
		ProviderIDs: snap.ProviderIDs(),
		LineItems:   snap.SelectedLines,
		Message:     strings.TrimSpace(message),
		TotalAmount: snap.TotalAmount,
	})
	if err != nil {
		l.rejected(ctx, "respond", req.Status, err)
		return req, err
	}
	l.record(ctx, "respond", req.Status, requests.StatusBillGenerated)

	l.drafts.Clear(ctx, editor.DraftKey())
	editor.commit(updated)
	l.logger.Info("bill committed",
		zap.String("request_id", req.ID),
		zap.Int("providers", len(snap.SelectedProviders)),
		zap.Int("lines", len(snap.SelectedLines)),
		zap.String("total", snap.TotalAmount.String()),
	)
	return updated, nil
}

// Cancel terminates a pending or accepted request.
func (l *Lifecycle) Cancel(ctx context.Context, token, requestID, reason string) (requests.Request, error) {
	reason = strings.TrimSpace(reason)
	release, err := l.begin(requestID)
	if err != nil {
		return requests.Request{}, err
	}
	defer release()

	req, err := l.requests.Get(ctx, token, requestID)
	if err != nil {
		return requests.Request{}, err
	}
	if err := l.guard(ctx, "cancel", req.Status, requests.StatusCancelled); err != nil {
		return req, err
	}
	if reason == "" {
		err := &requests.ValidationError{FieldErrors: map[string]string{"reason": "a cancellation reason is required"}}
		l.rejected(ctx, "cancel", req.Status, err)
		return req, err
	}
	if err := l.requests.Cancel(ctx, token, req.ID, reason); err != nil {
		l.rejected(ctx, "cancel", req.Status, err)
		return req, err
	}
	l.record(ctx, "cancel", req.Status, requests.StatusCancelled)
	req.Status = requests.StatusCancelled
	req.Cancellation = &requests.Cancellation{Reason: reason, At: l.now()}
	return req, nil
}

// ConfirmPayment records the payment event for a billed request.
func (l *Lifecycle) ConfirmPayment(ctx context.Context, token, requestID string) (requests.Request, error) {
	release, err := l.begin(requestID)
	if err != nil {
		return requests.Request{}, err
	}
	defer release()

	req, err := l.requests.Get(ctx, token, requestID)
	if err != nil {
		return requests.Request{}, err
	}
	if err := l.guard(ctx, "confirm_payment", req.Status, requests.StatusPaymentConfirmed); err != nil {
		return req, err
	}
	updated, err := l.requests.ConfirmPayment(ctx, token, req.ID)
	if err != nil {
		l.rejected(ctx, "confirm_payment", req.Status, err)
		return req, err
	}
	l.record(ctx, "confirm_payment", req.Status, requests.StatusPaymentConfirmed)
	return updated, nil
}

// Assign completes a paid request by deriving one fulfillment order per provider from the confirmed
// bill, recording the assignment with the backend and publishing each order.
func (l *Lifecycle) Assign(ctx context.Context, token, requestID string) (requests.Request, []dispatch.Order, error) {
	release, err := l.begin(requestID)
	if err != nil {
		return requests.Request{}, nil, err
	}
	defer release()

	req, err := l.requests.Get(ctx, token, requestID)
	if err != nil {
		return requests.Request{}, nil, err
	}
	if err := l.guard(ctx, "assign", req.Status, requests.StatusCompleted); err != nil {
		return req, nil, err
	}
	orders := DeriveOrders(req, l.now(), l.newID)
	if len(orders) == 0 {
		l.rejected(ctx, "assign", req.Status, ErrNoCommittedBill)
		return req, nil, ErrNoCommittedBill
	}

	payload := requests.AssignPayload{Assignments: make([]requests.Assignment, 0, len(orders))}
	for _, o := range orders {
		payload.Assignments = append(payload.Assignments, requests.Assignment{
			OrderID:     o.ID,
			Provider:    o.Provider,
			LineItems:   o.LineItems,
			TotalAmount: o.TotalAmount,
		})
	}
	updated, err := l.requests.Assign(ctx, token, req.ID, payload)
	if err != nil {
		l.rejected(ctx, "assign", req.Status, err)
		return req, nil, err
	}
	l.record(ctx, "assign", req.Status, requests.StatusCompleted)

	var failed []string
	for _, o := range orders {
		msgID, err := l.publisher.Publish(ctx, o)
		if err != nil {
			failed = append(failed, o.ID)
			l.logger.Error("fulfillment order not dispatched",
				zap.String("request_id", req.ID),
				zap.String("order_id", o.ID),
				zap.String("provider_id", o.Provider.ID),
				zap.Error(err),
			)
			continue
		}
		l.logger.Info("fulfillment order dispatched",
			zap.String("request_id", req.ID),
			zap.String("order_id", o.ID),
			zap.String("message_id", msgID),
		)
	}
	if len(failed) > 0 {
		return updated, orders, &DispatchError{RequestID: req.ID, OrderIDs: failed}
	}
	return updated, orders, nil
}

// DispatchError reports orders that were assigned but could not be published.
type DispatchError struct {
	RequestID string
	OrderIDs  []string
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("request %s: %d fulfillment order(s) not dispatched: %s", e.RequestID, len(e.OrderIDs), strings.Join(e.OrderIDs, ", "))
}

// InFlight reports whether an action for requestID is pending.
func (l *Lifecycle) InFlight(requestID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.inflight[strings.TrimSpace(requestID)]
	return ok
}

func (l *Lifecycle) begin(requestID string) (func(), error) {
	id := strings.TrimSpace(requestID)
	if id == "" {
		return nil, requests.ErrRequestNotFound
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.inflight[id]; busy {
		return nil, ErrSubmitInFlight
	}
	l.inflight[id] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.inflight, id)
		l.mu.Unlock()
	}, nil
}

func (l *Lifecycle) guard(ctx context.Context, op string, from, to requests.Status) error {
	if err := requests.CheckTransition(from, to); err != nil {
		l.logger.Warn("illegal lifecycle action", zap.String("op", op), zap.String("from", string(from)), zap.String("to", string(to)))
		l.rejected(ctx, op, from, err)
		return err
	}
	return nil
}

func (l *Lifecycle) record(ctx context.Context, op string, from, to requests.Status) {
	if l.transitions == nil {
		return
	}
	l.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("from", string(from)),
		attribute.String("to", string(to)),
	))
}

func (l *Lifecycle) rejected(ctx context.Context, op string, from requests.Status, err error) {
	if l.rejections == nil {
		return
	}
	l.rejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("from", string(from)),
		attribute.String("reason", rejectionReason(err)),
	))
}

func rejectionReason(err error) string {
	var stateErr *requests.StateError
	var validationErr *requests.ValidationError
	switch {
	case errors.As(err, &stateErr):
		return "state"
	case errors.As(err, &validationErr):
		return "validation"
	case errors.Is(err, ErrAlreadyBilled):
		return "already_billed"
	case errors.Is(err, ErrNoCommittedBill):
		return "no_bill"
	default:
		return "backend"
	}
}

func validateBill(kind requests.Kind, providerIDs []string, lines int) error {
	fieldErrors := make(map[string]string)
	switch {
	case len(providerIDs) == 0:
		fieldErrors["providerIds"] = "select at least one provider"
	case kind == requests.KindLabTestOrder && len(providerIDs) != 1:
		fieldErrors["providerIds"] = "lab requests are fulfilled by exactly one laboratory"
	}
	if lines == 0 {
		fieldErrors["lineItems"] = "select at least one item"
	}
	if len(fieldErrors) > 0 {
		return &requests.ValidationError{FieldErrors: fieldErrors}
	}
	return nil
}
