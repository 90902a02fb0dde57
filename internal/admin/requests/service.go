package requests

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

// Service exposes fulfillment requests and the backend calls that move them through their lifecycle.
type Service interface {
	// ListActive returns the requests matching filters, normalized into canonical form.
	ListActive(ctx context.Context, token string, filters Filters) (ListResult, error)

	// Get returns a single request.
	Get(ctx context.Context, token, requestID string) (Request, error)

	// Accept moves a pending request to accepted.
	Accept(ctx context.Context, token, requestID string) error

	// Respond commits a bill for the request and returns the updated request.
	Respond(ctx context.Context, token, requestID string, payload RespondPayload) (Request, error)

	// Cancel terminates a pending or accepted request with a reason.
	Cancel(ctx context.Context, token, requestID, reason string) error

	// ConfirmPayment records the external payment confirmation for a billed request.
	ConfirmPayment(ctx context.Context, token, requestID string) (Request, error)

	// Assign records the final per-provider assignment and completes the request.
	Assign(ctx context.Context, token, requestID string, payload AssignPayload) (Request, error)
}

// Refresher re-fetches the active request list after a mutation.
type Refresher interface {
	Refresh(ctx context.Context)
}

// Kind is fixed at creation.
type Kind string

const (
	// KindMedicineOrder is fulfilled by one or more pharmacies.
	KindMedicineOrder Kind = "medicine_order"
	// KindLabTestOrder is fulfilled by exactly one laboratory.
	KindLabTestOrder Kind = "lab_test_order"
)

// ProviderKind returns the provider kind that fulfills requests of kind k.
func (k Kind) ProviderKind() catalog.ProviderKind {
	if k == KindLabTestOrder {
		return catalog.KindLaboratory
	}
	return catalog.KindPharmacy
}

// Status is the lifecycle state of a request.
type Status string

const (
	// StatusPending is the initial state.
	StatusPending Status = "pending"
	// StatusAccepted marks a request staff have taken on.
	StatusAccepted Status = "accepted"
	// StatusBillGenerated marks a request with a committed bill. The backend calls it admin_responded.
	StatusBillGenerated Status = "admin_responded"
	// StatusPaymentConfirmed marks a billed request the patient has paid.
	StatusPaymentConfirmed Status = "payment_confirmed"
	// StatusCompleted marks a request whose fulfillment orders were assigned.
	StatusCompleted Status = "completed"
	// StatusCancelled is terminal.
	StatusCancelled Status = "cancelled"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusAccepted, StatusBillGenerated, StatusPaymentConfirmed, StatusCompleted, StatusCancelled}
}

// Label returns a human readable label.
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusAccepted:
		return "Accepted"
	case StatusBillGenerated:
		return "Bill generated"
	case StatusPaymentConfirmed:
		return "Payment confirmed"
	case StatusCompleted:
		return "Completed"
	case StatusCancelled:
		return "Cancelled"
	}
	return string(s)
}

// ParseStatus maps backend spellings onto Status.
func ParseStatus(raw string) (Status, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending", "new", "requested":
		return StatusPending, true
	case "accepted", "in_progress":
		return StatusAccepted, true
	case "admin_responded", "bill_generated", "responded", "billed":
		return StatusBillGenerated, true
	case "payment_confirmed", "paid":
		return StatusPaymentConfirmed, true
	case "completed", "assigned", "fulfilled":
		return StatusCompleted, true
	case "cancelled", "canceled", "rejected":
		return StatusCancelled, true
	}
	return "", false
}

var (
	// ErrRequestNotFound is returned when a request does not exist.
	ErrRequestNotFound = errors.New("request not found")
)

// ValidationError describes a payload rejected before any backend call.
type ValidationError struct {
	Message     string
	FieldErrors map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Message) != "" {
		return e.Message
	}
	if len(e.FieldErrors) == 0 {
		return "validation failed"
	}
	fields := make([]string, 0, len(e.FieldErrors))
	for field := range e.FieldErrors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	parts := make([]string, 0, len(fields))
	for _, field := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", field, e.FieldErrors[field]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

const (
	// MaxPageLimit caps the page size a caller may request.
	MaxPageLimit = 100
	// MaxPage caps the page number a caller may request.
	MaxPage = 10_000
)

// Filters narrows the active request listing.
type Filters struct {
	Search string
	Status Status
	Kind   Kind
	Page   int
	Limit  int
}

// ListResult is one page of requests.
type ListResult struct {
	Requests   []Request
	Total      int
	TotalPages int
	Page       int
}

// Patient is the patient snapshot taken when the request was created.
type Patient struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	Address string `json:"address,omitempty"`
	Email   string `json:"email,omitempty"`
}

// Medication is one prescribed medicine.
type Medication struct {
	Name         string `json:"name"`
	Dosage       string `json:"dosage,omitempty"`
	Frequency    string `json:"frequency,omitempty"`
	Duration     string `json:"duration,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// Investigation is one prescribed test.
type Investigation struct {
	Name  string `json:"name"`
	Notes string `json:"notes,omitempty"`
}

// Prescription is the read-only snapshot of the issuing doctor's prescription.
type Prescription struct {
	ID             string          `json:"id,omitempty"`
	DoctorName     string          `json:"doctorName,omitempty"`
	Specialty      string          `json:"specialty,omitempty"`
	Diagnosis      string          `json:"diagnosis,omitempty"`
	Symptoms       []string        `json:"symptoms,omitempty"`
	Medications    []Medication    `json:"medications,omitempty"`
	Investigations []Investigation `json:"investigations,omitempty"`
	Advice         string          `json:"advice,omitempty"`
	IssuedAt       time.Time       `json:"issuedAt,omitempty"`
}

// Response is the committed bill. It is replaced wholesale, never patched.
type Response struct {
	Providers   []catalog.ProviderRef `json:"providers"`
	LineItems   []billing.Line        `json:"lineItems"`
	TotalAmount decimal.Decimal       `json:"totalAmount"`
	Message     string                `json:"message,omitempty"`
	RespondedAt time.Time             `json:"respondedAt,omitempty"`
}

// Cancellation is present only on cancelled requests.
type Cancellation struct {
	Reason string    `json:"reason"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at,omitempty"`
}

// Request is one fulfillment task.
type Request struct {
	ID               string        `json:"id"`
	Kind             Kind          `json:"kind"`
	Patient          Patient       `json:"patient"`
	Prescription     Prescription  `json:"prescription"`
	Status           Status        `json:"status"`
	Response         *Response     `json:"response,omitempty"`
	Cancellation     *Cancellation `json:"cancellation,omitempty"`
	PaymentConfirmed bool          `json:"paymentConfirmed"`
	CreatedAt        time.Time     `json:"createdAt,omitempty"`
	UpdatedAt        time.Time     `json:"updatedAt,omitempty"`
}

// HasCommittedBill reports whether the request's response is server-confirmed.
func (r Request) HasCommittedBill() bool {
	if r.Response == nil {
		return false
	}
	switch r.Status {
	case StatusBillGenerated, StatusPaymentConfirmed, StatusCompleted:
		return true
	}
	return false
}

// RespondPayload is the bill submitted for a request.
type RespondPayload struct {
	ProviderIDs []string        `json:"providerIds"`
	LineItems   []billing.Line  `json:"lineItems"`
	Message     string          `json:"message,omitempty"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
}

// Validate rejects payloads with no providers or no line items.
func (p RespondPayload) Validate() error {
	fieldErrors := make(map[string]string)
	if len(p.ProviderIDs) == 0 {
		fieldErrors["providerIds"] = "select at least one provider"
	}
	if len(p.LineItems) == 0 {
		fieldErrors["lineItems"] = "select at least one item"
	}
	if len(fieldErrors) > 0 {
		return &ValidationError{FieldErrors: fieldErrors}
	}
	return nil
}

// Assignment is the final order for one provider.
type Assignment struct {
	OrderID     string              `json:"orderId"`
	Provider    catalog.ProviderRef `json:"provider"`
	LineItems   []billing.Line      `json:"lineItems"`
	TotalAmount decimal.Decimal     `json:"totalAmount"`
}

// AssignPayload carries one assignment per provider of the confirmed bill.
type AssignPayload struct {
	Assignments []Assignment `json:"assignments"`
}
