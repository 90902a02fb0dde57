package requests

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

// StaticService is an in-memory request backend suitable for local development and tests. It applies
// the same lifecycle rules the marketplace backend enforces.
type StaticService struct {
	mu        sync.RWMutex
	requests  []Request
	calls     map[string]int
	refresher Refresher
	now       func() time.Time
	actor     string
}

// NewStaticService returns a StaticService seeded with reqs, or with representative requests when
// none are supplied.
func NewStaticService(reqs ...Request) *StaticService {
	if len(reqs) == 0 {
		reqs = sampleRequests(time.Now().UTC())
	}
	cloned := make([]Request, len(reqs))
	for i, r := range reqs {
		cloned[i] = cloneRequest(r)
	}
	return &StaticService{
		requests: cloned,
		calls:    make(map[string]int),
		now:      func() time.Time { return time.Now().UTC() },
		actor:    "admin",
	}
}

// SetRefresher registers the hook invoked after every successful mutation.
func (s *StaticService) SetRefresher(r Refresher) {
	s.mu.Lock()
	s.refresher = r
	s.mu.Unlock()
}

// Calls returns how many times the named operation reached the backend.
func (s *StaticService) Calls(op string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls[op]
}

// ListActive implements Service.
func (s *StaticService) ListActive(_ context.Context, _ string, filters Filters) (ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["list"]++

	search := strings.TrimSpace(filters.Search)
	matched := make([]Request, 0, len(s.requests))
	for _, r := range s.requests {
		if filters.Status != "" && r.Status != filters.Status {
			continue
		}
		if filters.Kind != "" && r.Kind != filters.Kind {
			continue
		}
		if search != "" && !matchesSearch(r, search) {
			continue
		}
		matched = append(matched, cloneRequest(r))
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page := filters.Page
	if page < 1 {
		page = 1
	}
	limit := filters.Limit
	if limit <= 0 {
		limit = len(matched)
	}
	result := ListResult{Total: len(matched), Page: page, Requests: []Request{}}
	if limit == 0 {
		return result, nil
	}
	result.TotalPages = len(matched) / limit
	if len(matched)%limit != 0 {
		result.TotalPages++
	}
	if page-1 >= result.TotalPages {
		return result, nil
	}
	start := (page - 1) * limit
	end := len(matched)
	if remaining := end - start; remaining > limit {
		end = start + limit
	}
	result.Requests = matched[start:end]
	return result, nil
}

func matchesSearch(r Request, search string) bool {
	fields := []string{r.ID, r.Patient.Name, r.Patient.Phone, r.Prescription.DoctorName, r.Prescription.Diagnosis}
	for _, f := range fields {
		if catalog.ContainsFold(f, search) {
			return true
		}
	}
	return false
}

// Get implements Service.
func (s *StaticService) Get(_ context.Context, _ string, requestID string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOf(requestID)
	if idx < 0 {
		return Request{}, ErrRequestNotFound
	}
	return cloneRequest(s.requests[idx]), nil
}

// Accept implements Service.
func (s *StaticService) Accept(ctx context.Context, _ string, requestID string) error {
	_, err := s.mutate(ctx, "accept", requestID, StatusAccepted, func(r *Request) error {
		return nil
	})
	return err
}

// Respond implements Service.
func (s *StaticService) Respond(ctx context.Context, _ string, requestID string, payload RespondPayload) (Request, error) {
	if err := payload.Validate(); err != nil {
		return Request{}, err
	}
	return s.mutate(ctx, "respond", requestID, StatusBillGenerated, func(r *Request) error {
		r.Response = buildResponse(r.Kind, payload, s.now())
		return nil
	})
}

// Cancel implements Service.
func (s *StaticService) Cancel(ctx context.Context, _ string, requestID, reason string) error {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return &ValidationError{FieldErrors: map[string]string{"reason": "a cancellation reason is required"}}
	}
	_, err := s.mutate(ctx, "cancel", requestID, StatusCancelled, func(r *Request) error {
		r.Cancellation = &Cancellation{Reason: reason, By: s.actor, At: s.now()}
		return nil
	})
	return err
}

// ConfirmPayment implements Service.
func (s *StaticService) ConfirmPayment(ctx context.Context, _ string, requestID string) (Request, error) {
	return s.mutate(ctx, "confirm-payment", requestID, StatusPaymentConfirmed, func(r *Request) error {
		r.PaymentConfirmed = true
		return nil
	})
}

// Assign implements Service.
func (s *StaticService) Assign(ctx context.Context, _ string, requestID string, payload AssignPayload) (Request, error) {
	if len(payload.Assignments) == 0 {
		return Request{}, &ValidationError{FieldErrors: map[string]string{"assignments": "at least one provider assignment is required"}}
	}
	return s.mutate(ctx, "assign", requestID, StatusCompleted, func(r *Request) error {
		return nil
	})
}

func (s *StaticService) mutate(ctx context.Context, op, requestID string, to Status, apply func(*Request) error) (Request, error) {
	s.mu.Lock()
	s.calls[op]++
	idx := s.indexOf(requestID)
	if idx < 0 {
		s.mu.Unlock()
		return Request{}, ErrRequestNotFound
	}
	current := &s.requests[idx]
	if err := CheckTransition(current.Status, to); err != nil {
		s.mu.Unlock()
		return Request{}, err
	}
	next := cloneRequest(*current)
	if err := apply(&next); err != nil {
		s.mu.Unlock()
		return Request{}, err
	}
	next.Status = to
	next.UpdatedAt = s.now()
	s.requests[idx] = next
	refresher := s.refresher
	out := cloneRequest(next)
	s.mu.Unlock()

	if refresher != nil {
		refresher.Refresh(ctx)
	}
	return out, nil
}

func (s *StaticService) indexOf(requestID string) int {
	requestID = strings.TrimSpace(requestID)
	for i, r := range s.requests {
		if r.ID == requestID {
			return i
		}
	}
	return -1
}

func buildResponse(kind Kind, payload RespondPayload, now time.Time) *Response {
	lines := append([]billing.Line(nil), payload.LineItems...)
	names := make(map[string]string)
	for _, l := range lines {
		if _, ok := names[l.ProviderID]; !ok {
			names[l.ProviderID] = l.ProviderName
		}
	}
	providers := make([]catalog.ProviderRef, 0, len(payload.ProviderIDs))
	for _, id := range payload.ProviderIDs {
		providers = append(providers, catalog.ProviderRef{ID: id, Name: names[id], Kind: kind.ProviderKind()})
	}
	return &Response{
		Providers:   providers,
		LineItems:   lines,
		TotalAmount: billing.Total(lines),
		Message:     strings.TrimSpace(payload.Message),
		RespondedAt: now,
	}
}

func cloneRequest(r Request) Request {
	out := r
	out.Prescription.Symptoms = append([]string(nil), r.Prescription.Symptoms...)
	out.Prescription.Medications = append([]Medication(nil), r.Prescription.Medications...)
	out.Prescription.Investigations = append([]Investigation(nil), r.Prescription.Investigations...)
	if r.Response != nil {
		resp := *r.Response
		resp.Providers = append([]catalog.ProviderRef(nil), r.Response.Providers...)
		resp.LineItems = append([]billing.Line(nil), r.Response.LineItems...)
		out.Response = &resp
	}
	if r.Cancellation != nil {
		c := *r.Cancellation
		out.Cancellation = &c
	}
	return out
}

func sampleRequests(now time.Time) []Request {
	return []Request{
		{
			ID:     "req-1001",
			Kind:   KindMedicineOrder,
			Status: StatusPending,
			Patient: Patient{
				Name: "Ananya Kulkarni", Phone: "+91-98111-00001", Email: "ananya@example.com", Address: "42 Koregaon Park, Pune",
			},
			Prescription: Prescription{
				ID: "rx-501", DoctorName: "Dr. Meera Joshi", Specialty: "General Medicine",
				Diagnosis: "Viral fever", Symptoms: []string{"fever", "body ache"},
				Medications: []Medication{
					{Name: "Paracetamol", Dosage: "500mg", Frequency: "1-0-1", Duration: "5 days"},
					{Name: "Cetirizine", Dosage: "10mg", Frequency: "0-0-1", Duration: "3 days"},
				},
				Advice:   "Rest and fluids",
				IssuedAt: now.Add(-3 * time.Hour),
			},
			CreatedAt: now.Add(-2 * time.Hour),
		},
		{
			ID:     "req-1002",
			Kind:   KindLabTestOrder,
			Status: StatusPending,
			Patient: Patient{
				Name: "Rohan Deshpande", Phone: "+91-98111-00002", Address: "7 Kothrud, Pune",
			},
			Prescription: Prescription{
				ID: "rx-502", DoctorName: "Dr. Arjun Rao", Specialty: "Cardiology",
				Diagnosis: "Routine screening",
				Investigations: []Investigation{
					{Name: "CBC"},
					{Name: "Lipid Panel", Notes: "fasting"},
				},
				IssuedAt: now.Add(-5 * time.Hour),
			},
			CreatedAt: now.Add(-4 * time.Hour),
		},
		{
			ID:     "req-1003",
			Kind:   KindMedicineOrder,
			Status: StatusAccepted,
			Patient: Patient{
				Name: "Unknown Patient",
			},
			Prescription: Prescription{
				ID: "rx-503", DoctorName: "Dr. Kavita Shah", Diagnosis: "Gastritis",
				Medications: []Medication{{Name: "Pantoprazole", Dosage: "40mg", Frequency: "1-0-0", Duration: "14 days"}},
				IssuedAt:    now.Add(-26 * time.Hour),
			},
			CreatedAt: now.Add(-25 * time.Hour),
		},
	}
}
