package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/dispatch"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/fulfillment"
	custommw "github.com/harshu-panchal/healiinn-sub002/internal/admin/httpserver/middleware"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/httpx"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/observability"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/rbac"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/selection"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/worklist"
)

const maxRequestBody = 64 * 1024

type handlers struct {
	lifecycle *fulfillment.Lifecycle
	requests  requests.Service
	catalog   catalog.Service
	worklist  *worklist.Refresher
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type meResponse struct {
	UID          string   `json:"uid"`
	Email        string   `json:"email,omitempty"`
	Roles        []string `json:"roles"`
	Capabilities []string `json:"capabilities"`
	Environment  string   `json:"environment"`
}

func (h *handlers) me(w http.ResponseWriter, r *http.Request) {
	user, _ := custommw.UserFromContext(r.Context())
	caps := rbac.CapabilitiesForRoles(user.Roles)
	names := make([]string, 0, len(caps))
	for capability, ok := range caps {
		if ok {
			names = append(names, string(capability))
		}
	}
	sort.Strings(names)
	httpx.WriteJSON(w, http.StatusOK, meResponse{
		UID:          user.UID,
		Email:        user.Email,
		Roles:        user.Roles,
		Capabilities: names,
		Environment:  custommw.EnvironmentFromContext(r.Context()),
	})
}

type worklistResponse struct {
	Requests   []requests.Request `json:"requests"`
	Total      int                `json:"total"`
	TotalPages int                `json:"totalPages"`
	Page       int                `json:"page"`
	Empty      bool               `json:"empty"`
	Error      string             `json:"error,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt,omitempty"`
}

func (h *handlers) listRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	filters, err := parseFilters(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	if h.worklist != nil {
		var view worklist.View
		if hasFilterParams(r) {
			view = h.worklist.Apply(ctx, filters)
		} else {
			view = h.worklist.View()
			if view.Loading() {
				h.worklist.Refresh(ctx)
				view = h.worklist.View()
			}
		}
		resp := worklistResponse{
			Requests:   nonNilRequests(view.Requests),
			Total:      view.Total,
			TotalPages: view.TotalPages,
			Page:       view.Page,
			Empty:      view.Empty(),
			UpdatedAt:  view.UpdatedAt,
		}
		if view.Err != nil {
			resp.Error = "requests could not be loaded; retry shortly"
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
		return
	}

	if h.requests == nil {
		unavailable(ctx, w, "request")
		return
	}
	result, err := h.requests.ListActive(ctx, custommw.TokenFromContext(ctx), filters)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, worklistResponse{
		Requests:   nonNilRequests(result.Requests),
		Total:      result.Total,
		TotalPages: result.TotalPages,
		Page:       result.Page,
		Empty:      len(result.Requests) == 0,
	})
}

type searchRequest struct {
	Query string `json:"query"`
}

func (h *handlers) searchRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.worklist == nil {
		unavailable(ctx, w, "worklist")
		return
	}
	var req searchRequest
	if err := decodeBody(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	h.worklist.Search(req.Query)
	w.WriteHeader(http.StatusAccepted)
}

func (h *handlers) listProviders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		unavailable(ctx, w, "catalog")
		return
	}
	kind, ok := catalog.ParseProviderKind(r.URL.Query().Get("kind"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "kind must be pharmacy or laboratory", http.StatusBadRequest))
		return
	}
	filter := catalog.Filter{
		Search: strings.TrimSpace(r.URL.Query().Get("search")),
		Limit:  atoiOr(r.URL.Query().Get("limit"), 0),
	}
	providers, err := h.catalog.ListProviders(ctx, custommw.TokenFromContext(ctx), kind, filter)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	if providers == nil {
		providers = []catalog.Provider{}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

type requestResponse struct {
	Request  requests.Request `json:"request"`
	InFlight bool             `json:"inFlight"`
}

func (h *handlers) getRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.requests == nil {
		unavailable(ctx, w, "request")
		return
	}
	id := chi.URLParam(r, "requestID")
	req, err := h.requests.Get(ctx, custommw.TokenFromContext(ctx), id)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	resp := requestResponse{Request: req}
	if h.lifecycle != nil {
		resp.InFlight = h.lifecycle.InFlight(req.ID)
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *handlers) acceptRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return
	}
	req, err := h.lifecycle.Accept(ctx, custommw.TokenFromContext(ctx), chi.URLParam(r, "requestID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, requestResponse{Request: req})
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *handlers) cancelRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return
	}
	var body cancelRequest
	if err := decodeBody(r, &body); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	req, err := h.lifecycle.Cancel(ctx, custommw.TokenFromContext(ctx), chi.URLParam(r, "requestID"), body.Reason)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, requestResponse{Request: req})
}

func (h *handlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return
	}
	req, err := h.lifecycle.ConfirmPayment(ctx, custommw.TokenFromContext(ctx), chi.URLParam(r, "requestID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, requestResponse{Request: req})
}

type assignResponse struct {
	Request      requests.Request `json:"request"`
	Orders       []dispatch.Order `json:"orders"`
	Undispatched []string         `json:"undispatched,omitempty"`
}

func (h *handlers) assignRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return
	}
	req, orders, err := h.lifecycle.Assign(ctx, custommw.TokenFromContext(ctx), chi.URLParam(r, "requestID"))
	var dispatchErr *fulfillment.DispatchError
	switch {
	case errors.As(err, &dispatchErr):
		observability.FromContext(ctx).Warn("orders assigned but not dispatched",
			zap.String("request_id", dispatchErr.RequestID),
			zap.Strings("order_ids", dispatchErr.OrderIDs),
		)
		httpx.WriteJSON(w, http.StatusOK, assignResponse{Request: req, Orders: orders, Undispatched: dispatchErr.OrderIDs})
		return
	case err != nil:
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, assignResponse{Request: req, Orders: orders})
}

type editorResponse struct {
	ID             string                     `json:"id"`
	RequestID      string                     `json:"requestId"`
	DraftKey       string                     `json:"draftKey"`
	ReadOnly       bool                       `json:"readOnly"`
	SingleProvider bool                       `json:"singleProvider"`
	OpenedAt       time.Time                  `json:"openedAt"`
	Request        requests.Request           `json:"request"`
	Providers      []catalog.Provider         `json:"providers"`
	Selection      selection.Snapshot         `json:"selection"`
	Subtotals      []billing.ProviderSubtotal `json:"subtotals"`
}

func newEditorResponse(e *fulfillment.Editor) editorResponse {
	snap := e.Snapshot()
	if snap.SelectedProviders == nil {
		snap.SelectedProviders = []catalog.ProviderRef{}
	}
	if snap.SelectedLines == nil {
		snap.SelectedLines = []billing.Line{}
	}
	providers := e.Providers()
	if providers == nil {
		providers = []catalog.Provider{}
	}
	subtotals := e.Subtotals()
	if subtotals == nil {
		subtotals = []billing.ProviderSubtotal{}
	}
	return editorResponse{
		ID:             e.ID(),
		RequestID:      e.RequestID(),
		DraftKey:       e.DraftKey().String(),
		ReadOnly:       e.ReadOnly(),
		SingleProvider: e.SingleProvider(),
		OpenedAt:       e.OpenedAt(),
		Request:        e.Request(),
		Providers:      providers,
		Selection:      snap,
		Subtotals:      subtotals,
	}
}

func (h *handlers) openEditor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return
	}
	editor, err := h.lifecycle.Open(ctx, custommw.TokenFromContext(ctx), chi.URLParam(r, "requestID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, newEditorResponse(editor))
}

func (h *handlers) getEditor(w http.ResponseWriter, r *http.Request) {
	h.withEditor(w, r, func(e *fulfillment.Editor) error { return nil })
}

func (h *handlers) closeEditor(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return
	}
	if err := h.lifecycle.Close(chi.URLParam(r, "editorID")); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) selectProvider(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	h.withEditor(w, r, func(e *fulfillment.Editor) error {
		return e.SelectProvider(providerID)
	})
}

func (h *handlers) deselectProvider(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "providerID")
	h.withEditor(w, r, func(e *fulfillment.Editor) error {
		return e.DeselectProvider(providerID)
	})
}

type itemRef struct {
	Name   string `json:"name"`
	Dosage string `json:"dosage,omitempty"`
}

type lineRequest struct {
	ProviderID string   `json:"providerId"`
	Item       itemRef  `json:"item"`
	Quantity   quantity `json:"quantity"`
}

func (l lineRequest) catalogItem(e *fulfillment.Editor) catalog.Item {
	return catalog.Item{
		Kind:   e.Request().Kind.ProviderKind().ItemKind(),
		Name:   l.Item.Name,
		Dosage: l.Item.Dosage,
	}
}

// quantity accepts either a JSON string or an integer number and keeps the literal text.
type quantity string

func (q *quantity) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*q = ""
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = quantity(s)
		return nil
	}
	if _, err := strconv.ParseInt(raw, 10, 64); err != nil {
		return fmt.Errorf("quantity must be a string or whole number")
	}
	*q = quantity(raw)
	return nil
}

type toggleResponse struct {
	Selected bool           `json:"selected"`
	Editor   editorResponse `json:"editor"`
}

func (h *handlers) toggleLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	editor, ok := h.editor(w, r)
	if !ok {
		return
	}
	var body lineRequest
	if err := decodeBody(r, &body); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	selected, err := editor.ToggleItem(body.ProviderID, body.catalogItem(editor))
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, toggleResponse{Selected: selected, Editor: newEditorResponse(editor)})
}

func (h *handlers) setQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	editor, ok := h.editor(w, r)
	if !ok {
		return
	}
	var body lineRequest
	if err := decodeBody(r, &body); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if err := editor.SetQuantity(body.ProviderID, body.catalogItem(editor), string(body.Quantity)); err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newEditorResponse(editor))
}

type submitRequest struct {
	Message string `json:"message"`
}

type submitResponse struct {
	Request requests.Request `json:"request"`
	Editor  editorResponse   `json:"editor"`
}

func (h *handlers) submitBill(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	editor, ok := h.editor(w, r)
	if !ok {
		return
	}
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	req, err := h.lifecycle.Respond(ctx, custommw.TokenFromContext(ctx), editor, body.Message)
	if err != nil {
		writeServiceError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, submitResponse{Request: req, Editor: newEditorResponse(editor)})
}

func (h *handlers) withEditor(w http.ResponseWriter, r *http.Request, fn func(*fulfillment.Editor) error) {
	editor, ok := h.editor(w, r)
	if !ok {
		return
	}
	if err := fn(editor); err != nil {
		writeServiceError(r.Context(), w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, newEditorResponse(editor))
}

func (h *handlers) editor(w http.ResponseWriter, r *http.Request) (*fulfillment.Editor, bool) {
	ctx := r.Context()
	if h.lifecycle == nil {
		unavailable(ctx, w, "fulfillment")
		return nil, false
	}
	editor, err := h.lifecycle.Editor(chi.URLParam(r, "editorID"))
	if err != nil {
		writeServiceError(ctx, w, err)
		return nil, false
	}
	return editor, true
}

// writeServiceError maps domain errors onto HTTP statuses.
func writeServiceError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		validationErr *requests.ValidationError
		stateErr      *requests.StateError
		singleErr     *selection.SingleProviderError
		backendErr    *backend.Error
	)
	switch {
	case errors.As(err, &validationErr):
		details := map[string]any{}
		if len(validationErr.FieldErrors) > 0 {
			details["fieldErrors"] = validationErr.FieldErrors
		}
		httpx.WriteError(ctx, w, httpx.NewError("validation_failed", validationErr.Error(), http.StatusBadRequest).WithDetails(details))
	case errors.As(err, &stateErr):
		httpx.WriteError(ctx, w, httpx.NewError("action_unavailable", "action not available for a "+stateErr.From.Label()+" request", http.StatusConflict).
			WithDetails(map[string]any{"from": stateErr.From, "to": stateErr.To}))
	case errors.As(err, &singleErr):
		httpx.WriteError(ctx, w, httpx.NewError("single_provider", singleErr.Error(), http.StatusConflict).
			WithDetails(map[string]any{"selectedProvider": singleErr.Selected}))
	case errors.Is(err, fulfillment.ErrAlreadyBilled):
		httpx.WriteError(ctx, w, httpx.NewError("already_billed", err.Error(), http.StatusConflict))
	case errors.Is(err, fulfillment.ErrSubmitInFlight):
		httpx.WriteError(ctx, w, httpx.NewError("in_flight", err.Error(), http.StatusConflict))
	case errors.Is(err, fulfillment.ErrNoCommittedBill):
		httpx.WriteError(ctx, w, httpx.NewError("no_bill", err.Error(), http.StatusConflict))
	case errors.Is(err, fulfillment.ErrEditorNotFound),
		errors.Is(err, requests.ErrRequestNotFound),
		errors.Is(err, catalog.ErrProviderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("not_found", err.Error(), http.StatusNotFound))
	case errors.Is(err, selection.ErrUnknownProvider),
		errors.Is(err, selection.ErrUnknownItem),
		errors.Is(err, selection.ErrLineNotFound),
		errors.Is(err, selection.ErrQuantityNotEditable):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_selection", err.Error(), http.StatusUnprocessableEntity))
	case errors.As(err, &backendErr):
		observability.FromContext(ctx).Error("backend call failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("backend_error", "the marketplace backend rejected the request", http.StatusBadGateway).
			WithDetails(map[string]any{"retryable": backendErr.Retryable()}))
	case errors.Is(err, context.DeadlineExceeded):
		httpx.WriteError(ctx, w, httpx.NewError("timeout", "the request timed out", http.StatusGatewayTimeout))
	default:
		observability.FromContext(ctx).Error("request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal", "unexpected error", http.StatusInternalServerError))
	}
}

func unavailable(ctx context.Context, w http.ResponseWriter, service string) {
	httpx.WriteError(ctx, w, httpx.NewError("service_unavailable", service+" service unavailable", http.StatusServiceUnavailable))
}

func decodeBody(r *http.Request, target any) error {
	limited := io.LimitReader(r.Body, maxRequestBody)
	defer r.Body.Close()
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

var filterParams = []string{"search", "status", "kind", "page", "limit"}

func hasFilterParams(r *http.Request) bool {
	query := r.URL.Query()
	for _, key := range filterParams {
		if query.Has(key) {
			return true
		}
	}
	return false
}

func parseFilters(r *http.Request) (requests.Filters, error) {
	query := r.URL.Query()
	filters := requests.Filters{
		Search: strings.TrimSpace(query.Get("search")),
		Page:   min(atoiOr(query.Get("page"), 1), requests.MaxPage),
		Limit:  min(atoiOr(query.Get("limit"), 0), requests.MaxPageLimit),
	}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		status, ok := requests.ParseStatus(raw)
		if !ok {
			return requests.Filters{}, fmt.Errorf("unknown status %q", raw)
		}
		filters.Status = status
	}
	switch kind := requests.Kind(strings.TrimSpace(query.Get("kind"))); kind {
	case "":
	case requests.KindMedicineOrder, requests.KindLabTestOrder:
		filters.Kind = kind
	default:
		return requests.Filters{}, fmt.Errorf("unknown kind %q", kind)
	}
	return filters, nil
}

func atoiOr(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func nonNilRequests(list []requests.Request) []requests.Request {
	if list == nil {
		return []requests.Request{}
	}
	return list
}
