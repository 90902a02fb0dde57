package requests

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

// UnknownPatient is the patient name used when the backend supplies none.
const UnknownPatient = "Unknown Patient"

// normalizeRequest maps one backend request document onto Request. It fails only when the document
// is not a JSON object or carries no identifier; every other gap falls back to a default.
func normalizeRequest(raw json.RawMessage) (Request, error) {
	f, err := backend.ParseFields(raw)
	if err != nil {
		return Request{}, err
	}
	id := f.String("_id", "id", "requestId")
	if id == "" {
		return Request{}, fmt.Errorf("request has no identifier")
	}

	prescription := normalizePrescription(f)
	kind := kindOf(f, prescription)

	status, ok := ParseStatus(f.String("status"))
	if !ok {
		status = StatusPending
	}

	req := Request{
		ID:           id,
		Kind:         kind,
		Patient:      normalizePatient(f),
		Prescription: prescription,
		Status:       status,
		Response:     normalizeResponse(f, kind),
		CreatedAt:    parseTimestamp(f.Raw("createdAt", "requestedAt", "date")),
		UpdatedAt:    parseTimestamp(f.Raw("updatedAt")),
	}

	paid, _ := f.Bool("paymentConfirmed", "isPaid")
	if !paid {
		switch strings.ToLower(f.String("paymentStatus")) {
		case "paid", "confirmed", "success", "completed":
			paid = true
		}
	}
	req.PaymentConfirmed = paid || status == StatusPaymentConfirmed || status == StatusCompleted

	if status == StatusCancelled {
		req.Cancellation = normalizeCancellation(f)
	}
	return req, nil
}

func kindOf(f backend.Fields, p Prescription) Kind {
	switch strings.ToLower(f.String("kind", "type", "requestType", "orderType")) {
	case "lab", "labs", "laboratory", "lab_test", "lab_test_order", "test", "tests", "investigation":
		return KindLabTestOrder
	case "pharmacy", "medicine", "medicines", "medicine_order", "medication":
		return KindMedicineOrder
	}
	if f.Has("labId", "laboratoryId", "tests") || (len(p.Medications) == 0 && len(p.Investigations) > 0) {
		return KindLabTestOrder
	}
	return KindMedicineOrder
}

// normalizePatient reads the patient snapshot from a nested patient object or from flat fields.
// Name falls back to UnknownPatient.
func normalizePatient(f backend.Fields) Patient {
	src := f.Object("patient", "patientId", "patientDetails")
	if src == nil {
		src = backend.Fields{}
	}

	name := personName(src)
	if name == "" {
		name = f.String("patientName")
	}
	if name == "" {
		name = UnknownPatient
	}

	return Patient{
		Name:    name,
		Phone:   firstNonEmpty(src.String("phone", "mobile", "phoneNumber"), f.String("patientPhone", "phone")),
		Email:   firstNonEmpty(src.String("email"), f.String("patientEmail", "email")),
		Address: firstNonEmpty(addressOf(src), addressOf(backend.Fields{"address": f.Raw("patientAddress", "deliveryAddress")})),
	}
}

// personName joins first and last names or reads a single combined field.
func personName(f backend.Fields) string {
	first := f.String("firstName", "first_name")
	last := f.String("lastName", "last_name")
	if joined := strings.TrimSpace(first + " " + last); joined != "" {
		return joined
	}
	return f.String("name", "fullName")
}

func addressOf(f backend.Fields) string {
	raw := f.Raw("address")
	if raw == nil {
		return ""
	}
	if raw[0] != '{' {
		return f.String("address")
	}
	addr := f.Object("address")
	parts := make([]string, 0, 6)
	for _, key := range []string{"line1", "line2", "street", "city", "state", "postalCode", "pincode", "country"} {
		if v := addr.String(key); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

// normalizePrescription reads the prescription snapshot from a nested object, falling back to
// top-level medicines/tests arrays.
func normalizePrescription(f backend.Fields) Prescription {
	src := f.Object("prescription", "prescriptionId", "prescriptionDetails")
	if src == nil {
		src = backend.Fields{}
	}

	p := Prescription{
		ID:        src.String("_id", "id"),
		Diagnosis: src.String("diagnosis"),
		Symptoms:  src.Strings("symptoms"),
		Advice:    src.String("advice", "notes"),
		IssuedAt:  parseTimestamp(src.Raw("issuedAt", "createdAt", "date")),
	}
	if p.ID == "" {
		p.ID = f.String("prescriptionId")
	}

	doctor := src.Object("doctor", "doctorId")
	if doctor == nil {
		doctor = f.Object("doctor", "doctorId")
	}
	if doctor != nil {
		p.DoctorName = personName(doctor)
		p.Specialty = doctor.String("specialty", "specialization")
	}
	if p.DoctorName == "" {
		p.DoctorName = firstNonEmpty(src.String("doctorName"), f.String("doctorName"))
	}
	if p.Specialty == "" {
		p.Specialty = src.String("specialty", "specialization")
	}

	meds := src.Array("medications", "medicines")
	if meds == nil {
		meds = f.Array("medications", "medicines")
	}
	for _, raw := range meds {
		m, err := backend.ParseFields(raw)
		if err != nil {
			continue
		}
		name := m.String("name", "medicineName")
		if name == "" {
			continue
		}
		p.Medications = append(p.Medications, Medication{
			Name:         name,
			Dosage:       m.String("dosage", "strength"),
			Frequency:    m.String("frequency"),
			Duration:     m.String("duration"),
			Instructions: m.String("instructions", "notes"),
		})
	}

	tests := src.Array("investigations", "tests")
	if tests == nil {
		tests = f.Array("investigations", "tests")
	}
	for _, raw := range tests {
		if len(raw) > 0 && raw[0] == '"' {
			var name string
			if err := json.Unmarshal(raw, &name); err == nil && strings.TrimSpace(name) != "" {
				p.Investigations = append(p.Investigations, Investigation{Name: strings.TrimSpace(name)})
			}
			continue
		}
		t, err := backend.ParseFields(raw)
		if err != nil {
			continue
		}
		name := t.String("name", "testName")
		if name == "" {
			continue
		}
		p.Investigations = append(p.Investigations, Investigation{Name: name, Notes: t.String("notes", "description")})
	}
	return p
}

// normalizeResponse reads the committed bill from either the canonical response object or the
// backend's adminResponse shape. It returns nil when no bill has been generated.
func normalizeResponse(f backend.Fields, kind Kind) *Response {
	src := f.Object("response", "adminResponse")
	if src == nil {
		return nil
	}

	itemKind := kind.ProviderKind().ItemKind()
	providerKind := kind.ProviderKind()
	resp := &Response{
		Message:     src.String("message", "notes"),
		RespondedAt: parseTimestamp(src.Raw("respondedAt", "createdAt")),
	}

	seen := make(map[string]bool)
	addProvider := func(ref catalog.ProviderRef) {
		if ref.ID == "" || seen[ref.ID] {
			return
		}
		seen[ref.ID] = true
		resp.Providers = append(resp.Providers, ref)
	}
	for _, raw := range src.Array("providers", "pharmacies", "labs", "laboratories") {
		if len(raw) > 0 && raw[0] == '"' {
			var id string
			if err := json.Unmarshal(raw, &id); err == nil {
				addProvider(catalog.ProviderRef{ID: strings.TrimSpace(id), Kind: providerKind})
			}
			continue
		}
		pf, err := backend.ParseFields(raw)
		if err != nil {
			continue
		}
		addProvider(providerRef(pf, providerKind))
	}
	if id := src.String("labId", "laboratoryId", "lab"); id != "" {
		ref := catalog.ProviderRef{ID: id, Name: src.String("labName"), Kind: catalog.KindLaboratory}
		if nested := src.Object("labId", "laboratoryId", "lab"); nested != nil && ref.Name == "" {
			ref.Name = nested.String("name", "labName")
		}
		addProvider(ref)
	}

	lineKeys := []string{"lineItems", "items", "medicines", "tests"}
	for _, raw := range src.Array(lineKeys...) {
		lf, err := backend.ParseFields(raw)
		if err != nil {
			continue
		}
		line, ok := normalizeLine(lf, itemKind)
		if !ok {
			continue
		}
		if line.ProviderID == "" && len(resp.Providers) == 1 {
			line.ProviderID, line.ProviderName = resp.Providers[0].ID, resp.Providers[0].Name
		}
		addProvider(catalog.ProviderRef{ID: line.ProviderID, Name: line.ProviderName, Kind: providerKind})
		resp.LineItems = append(resp.LineItems, line)
	}

	if total, ok := src.Decimal("totalAmount", "total", "amount"); ok {
		resp.TotalAmount = total
	} else {
		resp.TotalAmount = billing.Total(resp.LineItems)
	}
	return resp
}

func providerRef(f backend.Fields, kind catalog.ProviderKind) catalog.ProviderRef {
	ref := lineProvider(f)
	if ref.ID == "" {
		ref.ID = f.String("_id", "id")
	}
	if ref.Name == "" {
		ref.Name = f.String("name")
	}
	ref.Kind = kind
	return ref
}

// lineProvider reads the provider reference carried on a bill line or provider entry. Populated
// references ({"_id", "name"}) are accepted in place of plain identifiers.
func lineProvider(f backend.Fields) catalog.ProviderRef {
	ref := catalog.ProviderRef{
		ID:   f.String("providerId", "pharmacyId", "labId"),
		Name: f.String("providerName", "pharmacyName", "labName"),
	}
	if nested := f.Object("providerId", "pharmacyId", "labId"); nested != nil && ref.Name == "" {
		ref.Name = nested.String("name", "pharmacyName", "labName")
	}
	return ref
}

// normalizeLine reads one bill line. Item fields may be flat or nested under "item".
func normalizeLine(f backend.Fields, kind catalog.ItemKind) (billing.Line, bool) {
	item := f.Object("item")
	if item == nil {
		item = f
	}
	name := item.String("name", "medicineName", "testName")
	if name == "" {
		return billing.Line{}, false
	}
	price, ok := f.Decimal("unitPrice", "price")
	if !ok {
		price, _ = item.Decimal("price", "unitPrice")
	}

	switch strings.ToLower(item.String("kind", "type")) {
	case string(catalog.ItemMedicine):
		kind = catalog.ItemMedicine
	case string(catalog.ItemTest):
		kind = catalog.ItemTest
	}

	ref := lineProvider(f)
	line := billing.Line{
		ProviderID:   ref.ID,
		ProviderName: ref.Name,
		Item: catalog.Item{
			Kind:              kind,
			Name:              name,
			Dosage:            item.String("dosage", "strength"),
			Manufacturer:      item.String("manufacturer"),
			AvailableQuantity: item.Int("availableQuantity"),
			Description:       item.String("description"),
			Price:             price,
		},
		UnitPrice: price,
	}
	if kind == catalog.ItemMedicine {
		line.Quantity = f.String("quantity", "qty")
	}
	return line, true
}

func normalizeCancellation(f backend.Fields) *Cancellation {
	c := &Cancellation{}
	if src := f.Object("cancellation"); src != nil {
		c.Reason = src.String("reason")
		c.By = src.String("by", "cancelledBy")
		c.At = parseTimestamp(src.Raw("at", "cancelledAt"))
	}
	if c.Reason == "" {
		c.Reason = f.String("cancellationReason", "cancelReason", "reason")
	}
	if c.By == "" {
		c.By = f.String("cancelledBy")
	}
	if c.At.IsZero() {
		c.At = parseTimestamp(f.Raw("cancelledAt"))
	}
	return c
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"02/01/2006",
}

// parseTimestamp accepts ISO-8601 timestamps, plain YYYY-MM-DD dates and epoch milliseconds.
// Unparseable input yields the zero time.
func parseTimestamp(raw json.RawMessage) time.Time {
	if len(raw) == 0 {
		return time.Time{}
	}
	if raw[0] != '"' {
		ms, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if err != nil || ms <= 0 {
			return time.Time{}
		}
		return time.UnixMilli(ms).UTC()
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
