package fulfillment

import (
	"strings"
	"time"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/dispatch"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
)

// DeriveOrders splits the request's confirmed bill into one order per provider. Providers keep the
// bill's order; a provider with no lines gets no order. Each order carries a copy of the
// prescription.
func DeriveOrders(req requests.Request, now time.Time, newID func() string) []dispatch.Order {
	if req.Response == nil {
		return nil
	}
	resp := req.Response
	kind := req.Kind.ProviderKind()

	refs := make([]catalog.ProviderRef, 0, len(resp.Providers))
	seen := make(map[string]bool)
	for _, ref := range resp.Providers {
		id := strings.TrimSpace(ref.ID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, ref)
	}
	for _, l := range resp.LineItems {
		id := strings.TrimSpace(l.ProviderID)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		refs = append(refs, catalog.ProviderRef{ID: id, Name: l.ProviderName})
	}

	orders := make([]dispatch.Order, 0, len(refs))
	for _, ref := range refs {
		lines := billing.LinesFor(resp.LineItems, ref.ID)
		if len(lines) == 0 {
			continue
		}
		if ref.Kind == "" {
			ref.Kind = kind
		}
		if ref.Name == "" {
			ref.Name = lines[0].ProviderName
		}
		orders = append(orders, dispatch.Order{
			ID:           newID(),
			RequestID:    req.ID,
			RequestKind:  req.Kind,
			Provider:     ref,
			Patient:      req.Patient,
			Prescription: clonePrescription(req.Prescription),
			LineItems:    lines,
			TotalAmount:  billing.Total(lines),
			CreatedAt:    now,
		})
	}
	return orders
}

func clonePrescription(p requests.Prescription) requests.Prescription {
	p.Symptoms = append([]string(nil), p.Symptoms...)
	p.Medications = append([]requests.Medication(nil), p.Medications...)
	p.Investigations = append([]requests.Investigation(nil), p.Investigations...)
	return p
}
