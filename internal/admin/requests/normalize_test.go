package requests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

func TestNormalizeRequestPopulatedDocument(t *testing.T) {
	t.Parallel()

	raw := json.RawMessage(`{
		"_id": "65f0c0ffee",
		"type": "pharmacy",
		"status": "admin_responded",
		"patientId": {"_id": "pat-1", "firstName": "Ananya", "lastName": "Kulkarni", "phone": "9811100001",
			"address": {"line1": "42 Koregaon Park", "city": "Pune", "pincode": "411001"}},
		"prescriptionId": {
			"_id": "rx-1",
			"doctorId": {"firstName": "Meera", "lastName": "Joshi", "specialization": "General Medicine"},
			"diagnosis": "Viral fever",
			"symptoms": "fever, body ache",
			"medications": [{"name": "Paracetamol", "dosage": "500mg", "frequency": "1-0-1"}],
			"createdAt": "2025-03-01"
		},
		"adminResponse": {
			"pharmacies": [{"pharmacyId": {"_id": "p1", "name": "Apollo"}}],
			"medicines": [{"pharmacyId": "p1", "name": "Paracetamol", "dosage": "500mg", "quantity": "3", "price": 10}],
			"totalAmount": 30,
			"message": "Ready for pickup",
			"respondedAt": "2025-03-01T10:30:00Z"
		},
		"createdAt": "2025-03-01T08:00:00.000Z"
	}`)

	req, err := normalizeRequest(raw)
	require.NoError(t, err)

	require.Equal(t, "65f0c0ffee", req.ID)
	require.Equal(t, KindMedicineOrder, req.Kind)
	require.Equal(t, StatusBillGenerated, req.Status)
	require.Equal(t, "Ananya Kulkarni", req.Patient.Name)
	require.Equal(t, "42 Koregaon Park, Pune, 411001", req.Patient.Address)
	require.Equal(t, "Meera Joshi", req.Prescription.DoctorName)
	require.Equal(t, "General Medicine", req.Prescription.Specialty)
	require.Equal(t, []string{"fever", "body ache"}, req.Prescription.Symptoms)
	require.Len(t, req.Prescription.Medications, 1)
	require.Equal(t, time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC), req.Prescription.IssuedAt)
	require.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), req.CreatedAt)

	require.NotNil(t, req.Response)
	require.True(t, req.HasCommittedBill())
	require.Equal(t, []catalog.ProviderRef{{ID: "p1", Name: "Apollo", Kind: catalog.KindPharmacy}}, req.Response.Providers)
	require.Len(t, req.Response.LineItems, 1)
	line := req.Response.LineItems[0]
	require.Equal(t, "p1", line.ProviderID)
	require.Equal(t, catalog.ItemMedicine, line.Item.Kind)
	require.Equal(t, "3", line.Quantity)
	require.Equal(t, "30", req.Response.TotalAmount.String())
	require.Nil(t, req.Cancellation)
}

func TestNormalizeRequestDefaults(t *testing.T) {
	t.Parallel()

	req, err := normalizeRequest(json.RawMessage(`{"id": "r-9", "status": null, "patient": null, "tests": ["CBC", {"testName": "HbA1c"}]}`))
	require.NoError(t, err)
	require.Equal(t, UnknownPatient, req.Patient.Name)
	require.Equal(t, StatusPending, req.Status)
	require.Equal(t, KindLabTestOrder, req.Kind)
	require.Equal(t, []Investigation{{Name: "CBC"}, {Name: "HbA1c"}}, req.Prescription.Investigations)
	require.Nil(t, req.Response)
	require.False(t, req.HasCommittedBill())

	_, err = normalizeRequest(json.RawMessage(`{"status": "pending"}`))
	require.Error(t, err)

	_, err = normalizeRequest(json.RawMessage(`[1,2]`))
	require.Error(t, err)
}

func TestNormalizeRequestFlatPatientAndCancellation(t *testing.T) {
	t.Parallel()

	req, err := normalizeRequest(json.RawMessage(`{
		"_id": "r-2",
		"requestType": "lab",
		"status": "canceled",
		"patientName": "Rohan Deshpande",
		"patientPhone": "98111",
		"cancellationReason": "patient unreachable",
		"cancelledBy": "admin-7",
		"cancelledAt": 1740816000000
	}`))
	require.NoError(t, err)
	require.Equal(t, "Rohan Deshpande", req.Patient.Name)
	require.Equal(t, "98111", req.Patient.Phone)
	require.Equal(t, KindLabTestOrder, req.Kind)
	require.Equal(t, StatusCancelled, req.Status)
	require.NotNil(t, req.Cancellation)
	require.Equal(t, "patient unreachable", req.Cancellation.Reason)
	require.Equal(t, "admin-7", req.Cancellation.By)
	require.Equal(t, time.UnixMilli(1740816000000).UTC(), req.Cancellation.At)
}

func TestNormalizeResponseCanonicalShape(t *testing.T) {
	t.Parallel()

	// The shape the console itself emits for a committed bill.
	req, err := normalizeRequest(json.RawMessage(`{
		"id": "r-3",
		"kind": "lab_test_order",
		"status": "payment_confirmed",
		"response": {
			"providers": [{"id": "l1", "name": "Metropolis", "kind": "laboratory"}],
			"lineItems": [{"providerId": "l1", "providerName": "Metropolis",
				"item": {"kind": "test", "name": "CBC", "price": "500"}, "unitPrice": "500"}]
		}
	}`))
	require.NoError(t, err)
	require.True(t, req.PaymentConfirmed)
	require.NotNil(t, req.Response)
	require.Len(t, req.Response.LineItems, 1)
	require.Equal(t, catalog.ItemTest, req.Response.LineItems[0].Item.Kind)
	require.Equal(t, "500", req.Response.TotalAmount.String(), "total derived from lines when absent")
}

func TestParseTimestamp(t *testing.T) {
	t.Parallel()

	cases := map[string]time.Time{
		`"2025-03-01T10:30:00Z"`:      time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC),
		`"2025-03-01T10:30:00+05:30"`: time.Date(2025, 3, 1, 5, 0, 0, 0, time.UTC),
		`"2025-03-01"`:                time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
		`"2025-03-01 09:15:00"`:       time.Date(2025, 3, 1, 9, 15, 0, 0, time.UTC),
		`"yesterday"`:                 {},
		`true`:                        {},
		`0`:                           {},
	}
	for raw, want := range cases {
		require.True(t, want.Equal(parseTimestamp(json.RawMessage(raw))), "input %s", raw)
	}
	require.True(t, parseTimestamp(nil).IsZero())
}

func TestParseStatusAliases(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]Status{
		"bill_generated":  StatusBillGenerated,
		"Admin_Responded": StatusBillGenerated,
		"paid":            StatusPaymentConfirmed,
		"canceled":        StatusCancelled,
	} {
		got, ok := ParseStatus(raw)
		require.True(t, ok, raw)
		require.Equal(t, want, got)
	}
	_, ok := ParseStatus("archived")
	require.False(t, ok)
}
