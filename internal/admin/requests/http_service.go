package requests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
)

// HTTPService implements Service against the marketplace REST backend.
type HTTPService struct {
	client    *backend.Client
	logger    *zap.Logger
	refresher Refresher
}

// HTTPOption customises HTTPService construction.
type HTTPOption func(*HTTPService)

// WithLogger sets the logger used for skipped documents.
func WithLogger(logger *zap.Logger) HTTPOption {
	return func(s *HTTPService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewHTTPService constructs a request repository on top of client.
func NewHTTPService(client *backend.Client, opts ...HTTPOption) (*HTTPService, error) {
	if client == nil {
		return nil, errors.New("requests: backend client is required")
	}
	s := &HTTPService{client: client, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// SetRefresher registers the hook invoked after every successful mutation.
func (s *HTTPService) SetRefresher(r Refresher) {
	s.refresher = r
}

// ListActive implements Service.
func (s *HTTPService) ListActive(ctx context.Context, token string, filters Filters) (ListResult, error) {
	query := url.Values{}
	if search := strings.TrimSpace(filters.Search); search != "" {
		query.Set("search", search)
	}
	if filters.Status != "" {
		query.Set("status", string(filters.Status))
	}
	if filters.Kind != "" {
		query.Set("type", string(filters.Kind))
	}
	page := filters.Page
	if page < 1 {
		page = 1
	}
	query.Set("page", strconv.Itoa(page))
	if filters.Limit > 0 {
		query.Set("limit", strconv.Itoa(filters.Limit))
	}

	list, err := s.client.GetList(ctx, "list requests", "fulfillment-requests", query, token, "requests")
	if err != nil {
		return ListResult{}, fmt.Errorf("requests: %w", err)
	}

	out := ListResult{
		Requests:   make([]Request, 0, len(list.Items)),
		Total:      list.Total,
		TotalPages: list.TotalPages,
		Page:       page,
	}
	for _, raw := range list.Items {
		req, err := normalizeRequest(raw)
		if err != nil {
			s.logger.Warn("skipping malformed request document", zap.Error(err))
			continue
		}
		out.Requests = append(out.Requests, req)
	}
	return out, nil
}

// Get implements Service.
func (s *HTTPService) Get(ctx context.Context, token, requestID string) (Request, error) {
	if strings.TrimSpace(requestID) == "" {
		return Request{}, ErrRequestNotFound
	}
	raw, err := s.client.GetObject(ctx, "get request", backend.PathEscape("fulfillment-requests", requestID), token)
	if err != nil {
		if backend.IsNotFound(err) {
			return Request{}, ErrRequestNotFound
		}
		return Request{}, fmt.Errorf("requests: %w", err)
	}
	return decodeRequest(raw)
}

// Accept implements Service.
func (s *HTTPService) Accept(ctx context.Context, token, requestID string) error {
	if _, err := s.post(ctx, token, "accept request", requestID, "accept", nil); err != nil {
		return err
	}
	return nil
}

// Respond implements Service. Empty provider or line selections are rejected without a backend call.
func (s *HTTPService) Respond(ctx context.Context, token, requestID string, payload RespondPayload) (Request, error) {
	if err := payload.Validate(); err != nil {
		return Request{}, err
	}
	if payload.TotalAmount.IsZero() {
		payload.TotalAmount = billing.Total(payload.LineItems)
	}
	result, err := s.post(ctx, token, "respond to request", requestID, "respond", payload)
	if err != nil {
		return Request{}, err
	}
	return s.requestFromResult(ctx, token, requestID, result)
}

// Cancel implements Service.
func (s *HTTPService) Cancel(ctx context.Context, token, requestID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{FieldErrors: map[string]string{"reason": "a cancellation reason is required"}}
	}
	_, err := s.post(ctx, token, "cancel request", requestID, "cancel", map[string]string{"reason": reason})
	return err
}

// ConfirmPayment implements Service.
func (s *HTTPService) ConfirmPayment(ctx context.Context, token, requestID string) (Request, error) {
	result, err := s.post(ctx, token, "confirm payment", requestID, "confirm-payment", nil)
	if err != nil {
		return Request{}, err
	}
	return s.requestFromResult(ctx, token, requestID, result)
}

// Assign implements Service.
func (s *HTTPService) Assign(ctx context.Context, token, requestID string, payload AssignPayload) (Request, error) {
	if len(payload.Assignments) == 0 {
		return Request{}, &ValidationError{FieldErrors: map[string]string{"assignments": "at least one provider assignment is required"}}
	}
	result, err := s.post(ctx, token, "assign request", requestID, "assign", payload)
	if err != nil {
		return Request{}, err
	}
	return s.requestFromResult(ctx, token, requestID, result)
}

func (s *HTTPService) post(ctx context.Context, token, op, requestID, action string, payload any) (backend.Result, error) {
	if strings.TrimSpace(requestID) == "" {
		return backend.Result{}, ErrRequestNotFound
	}
	result, err := s.client.Post(ctx, op, backend.PathEscape("fulfillment-requests", requestID, action), payload, token)
	if err != nil {
		if backend.IsNotFound(err) {
			return backend.Result{}, ErrRequestNotFound
		}
		return backend.Result{}, fmt.Errorf("requests: %w", err)
	}
	if s.refresher != nil {
		s.refresher.Refresh(ctx)
	}
	return result, nil
}

// requestFromResult decodes the updated request from a mutation result, re-reading it when the
// backend did not echo the document.
func (s *HTTPService) requestFromResult(ctx context.Context, token, requestID string, result backend.Result) (Request, error) {
	if data := bytes.TrimSpace(result.Data); len(data) > 0 && data[0] == '{' {
		if req, err := decodeRequest(data); err == nil {
			return req, nil
		}
	}
	return s.Get(ctx, token, requestID)
}

func decodeRequest(raw json.RawMessage) (Request, error) {
	f, err := backend.ParseFields(raw)
	if err != nil {
		return Request{}, fmt.Errorf("requests: %w", err)
	}
	if inner := f.Raw("request"); inner != nil && inner[0] == '{' {
		raw = inner
	}
	req, err := normalizeRequest(raw)
	if err != nil {
		return Request{}, fmt.Errorf("requests: %w", err)
	}
	return req, nil
}
