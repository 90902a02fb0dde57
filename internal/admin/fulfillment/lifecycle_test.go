package fulfillment_test

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/dispatch"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/drafts"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/fulfillment"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/selection"
)

var fixedNow = time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)

func medicine(name, dosage string, price int64) catalog.Item {
	return catalog.Item{Kind: catalog.ItemMedicine, Name: name, Dosage: dosage, Price: decimal.NewFromInt(price)}
}

func labTest(name string, price int64) catalog.Item {
	return catalog.Item{Kind: catalog.ItemTest, Name: name, Price: decimal.NewFromInt(price)}
}

func directory() *catalog.StaticService {
	return catalog.NewStaticService(
		catalog.Provider{ID: "P1", Name: "Apollo", Kind: catalog.KindPharmacy, IsApproved: true, Catalog: []catalog.Item{
			medicine("Paracetamol", "500mg", 10),
			medicine("Cetirizine", "10mg", 6),
		}},
		catalog.Provider{ID: "P2", Name: "MedPlus", Kind: catalog.KindPharmacy, IsApproved: true, Catalog: []catalog.Item{
			medicine("Pantoprazole", "40mg", 22),
		}},
		catalog.Provider{ID: "L1", Name: "Metropolis", Kind: catalog.KindLaboratory, IsApproved: true, Catalog: []catalog.Item{
			labTest("CBC", 500),
		}},
		catalog.Provider{ID: "L2", Name: "Thyrocare", Kind: catalog.KindLaboratory, IsApproved: true, Catalog: []catalog.Item{
			labTest("Lipid Panel", 800),
		}},
	)
}

type harness struct {
	lifecycle *fulfillment.Lifecycle
	requests  *requests.StaticService
	durable   *drafts.MemoryStore
	publisher *dispatch.MemoryPublisher
}

func newHarness(t *testing.T, svc requests.Service, static *requests.StaticService, reqs ...requests.Request) *harness {
	t.Helper()
	if static == nil {
		static = requests.NewStaticService(reqs...)
	}
	if svc == nil {
		svc = static
	}
	durable := drafts.NewMemoryStore()
	publisher := dispatch.NewMemoryPublisher()
	var seq atomic.Int32
	lc, err := fulfillment.New(svc, directory(),
		fulfillment.WithDrafts(drafts.NewMirror(durable)),
		fulfillment.WithPublisher(publisher),
		fulfillment.WithMeter(noop.NewMeterProvider().Meter("test")),
		fulfillment.WithClock(func() time.Time { return fixedNow }),
		fulfillment.WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
	)
	require.NoError(t, err)
	return &harness{lifecycle: lc, requests: static, durable: durable, publisher: publisher}
}

func (h *harness) status(t *testing.T, id string) requests.Status {
	t.Helper()
	req, err := h.requests.Get(context.Background(), "", id)
	require.NoError(t, err)
	return req.Status
}

func TestScenarioMedicineBill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil, requests.Request{ID: "R1", Kind: requests.KindMedicineOrder, Status: requests.StatusPending})

	editor, err := h.lifecycle.Open(ctx, "", "R1")
	require.NoError(t, err)
	require.False(t, editor.ReadOnly())
	require.Equal(t, drafts.Key{RequestID: "R1", Section: drafts.SectionPharmacy}, editor.DraftKey())
	require.Len(t, editor.Providers(), 2, "only pharmacies are offered")

	require.NoError(t, editor.SelectProvider("P1"))
	para := medicine("Paracetamol", "500mg", 10)
	_, err = editor.ToggleItem("P1", para)
	require.NoError(t, err)
	require.NoError(t, editor.SetQuantity("P1", para, "3"))
	require.Equal(t, "30", editor.Snapshot().TotalAmount.String())

	_, saved, err := h.durable.Load(ctx, editor.DraftKey())
	require.NoError(t, err)
	require.True(t, saved, "each mutation is mirrored to drafts")

	req, err := h.lifecycle.Respond(ctx, "", editor, "ready by 6pm")
	require.NoError(t, err)
	require.Equal(t, requests.StatusBillGenerated, req.Status)
	require.NotNil(t, req.Response)
	require.Equal(t, "30", req.Response.TotalAmount.String())
	require.Equal(t, "ready by 6pm", req.Response.Message)

	require.Zero(t, h.durable.Len(), "draft cleared after the bill is committed")
	require.True(t, editor.ReadOnly())
	require.ErrorIs(t, editor.SelectProvider("P2"), fulfillment.ErrAlreadyBilled)
	require.Zero(t, h.durable.Len())
}

func TestScenarioSingleLab(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil, requests.Request{ID: "R2", Kind: requests.KindLabTestOrder, Status: requests.StatusPending})

	editor, err := h.lifecycle.Open(ctx, "", "R2")
	require.NoError(t, err)
	require.True(t, editor.SingleProvider())
	require.Equal(t, drafts.SectionLab, editor.DraftKey().Section)

	require.NoError(t, editor.SelectProvider("L1"))
	_, err = editor.ToggleItem("L1", labTest("CBC", 500))
	require.NoError(t, err)

	_, err = editor.ToggleItem("L2", labTest("Lipid Panel", 800))
	var single *selection.SingleProviderError
	require.ErrorAs(t, err, &single)

	snap := editor.Snapshot()
	require.Equal(t, []string{"L1"}, snap.ProviderIDs())
	require.Equal(t, "500", snap.TotalAmount.String())
}

func TestScenarioRespondWithoutSelection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil, requests.Request{ID: "R3", Kind: requests.KindMedicineOrder, Status: requests.StatusPending})

	editor, err := h.lifecycle.Open(ctx, "", "R3")
	require.NoError(t, err)

	_, err = h.lifecycle.Respond(ctx, "", editor, "")
	var verr *requests.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.FieldErrors, "providerIds")
	require.Contains(t, verr.FieldErrors, "lineItems")

	require.Equal(t, requests.StatusPending, h.status(t, "R3"))
	require.Zero(t, h.requests.Calls("respond"))

	// A provider without any line is still refused.
	require.NoError(t, editor.SelectProvider("P1"))
	_, err = h.lifecycle.Respond(ctx, "", editor, "")
	require.ErrorAs(t, err, &verr)
	require.NotContains(t, verr.FieldErrors, "providerIds")
	require.Zero(t, h.requests.Calls("respond"))
}

func TestScenarioCancelAfterBill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	billed := requests.Request{
		ID: "R4", Kind: requests.KindMedicineOrder, Status: requests.StatusBillGenerated,
		Response: &requests.Response{
			Providers:   []catalog.ProviderRef{{ID: "P1", Name: "Apollo", Kind: catalog.KindPharmacy}},
			LineItems:   []billing.Line{{ProviderID: "P1", ProviderName: "Apollo", Item: medicine("Paracetamol", "500mg", 10), Quantity: "2", UnitPrice: decimal.NewFromInt(10)}},
			TotalAmount: decimal.NewFromInt(20),
		},
	}
	h := newHarness(t, nil, nil, billed)

	_, err := h.lifecycle.Cancel(ctx, "", "R4", "out of stock")
	var stateErr *requests.StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, requests.StatusBillGenerated, stateErr.From)
	require.Equal(t, requests.StatusCancelled, stateErr.To)
	require.Equal(t, requests.StatusBillGenerated, h.status(t, "R4"))
	require.Zero(t, h.requests.Calls("cancel"))
}

func TestCancelRequiresReason(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil, requests.Request{ID: "R5", Kind: requests.KindMedicineOrder, Status: requests.StatusAccepted})

	_, err := h.lifecycle.Cancel(ctx, "", "R5", "  ")
	var verr *requests.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Zero(t, h.requests.Calls("cancel"))

	req, err := h.lifecycle.Cancel(ctx, "", "R5", "patient unreachable")
	require.NoError(t, err)
	require.Equal(t, requests.StatusCancelled, req.Status)
	require.Equal(t, requests.StatusCancelled, h.status(t, "R5"))
}

func TestRespondRefusesCommittedBill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	line := billing.Line{ProviderID: "P1", ProviderName: "Apollo", Item: medicine("Paracetamol", "500mg", 10), Quantity: "3", UnitPrice: decimal.NewFromInt(10)}
	billed := requests.Request{
		ID: "R6", Kind: requests.KindMedicineOrder, Status: requests.StatusBillGenerated,
		Response: &requests.Response{
			Providers:   []catalog.ProviderRef{{ID: "P1", Name: "Apollo"}},
			LineItems:   []billing.Line{line},
			TotalAmount: decimal.RequireFromString("31.50"),
		},
	}
	h := newHarness(t, nil, nil, billed)

	stale := selection.Snapshot{
		SelectedProviders: []catalog.ProviderRef{{ID: "P2", Name: "MedPlus", Kind: catalog.KindPharmacy}},
		SelectedLines: []billing.Line{{ProviderID: "P2", ProviderName: "MedPlus", Item: medicine("Pantoprazole", "40mg", 22),
			Quantity: "1", UnitPrice: decimal.NewFromInt(22)}},
		TotalAmount: decimal.NewFromInt(22),
	}
	require.NoError(t, h.durable.Save(ctx, drafts.Key{RequestID: "R6", Section: drafts.SectionPharmacy}, stale))

	editor, err := h.lifecycle.Open(ctx, "", "R6")
	require.NoError(t, err)
	require.True(t, editor.ReadOnly())
	snap := editor.Snapshot()
	require.Equal(t, []string{"P1"}, snap.ProviderIDs(), "committed bill wins over the stale draft")
	require.Equal(t, "31.5", snap.TotalAmount.String(), "backend total is shown")
	require.Equal(t, 1, h.durable.Len(), "stale draft is not cleared")

	_, err = h.lifecycle.Respond(ctx, "", editor, "")
	require.ErrorIs(t, err, fulfillment.ErrAlreadyBilled)
	require.Zero(t, h.requests.Calls("respond"))
}

func TestOpenRestoresDraft(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	h := newHarness(t, nil, nil, requests.Request{ID: "R7", Kind: requests.KindMedicineOrder, Status: requests.StatusPending})

	first, err := h.lifecycle.Open(ctx, "", "R7")
	require.NoError(t, err)
	_, err = first.ToggleItem("P2", medicine("Pantoprazole", "40mg", 0))
	require.NoError(t, err)
	require.NoError(t, first.SetQuantity("P2", medicine("Pantoprazole", "40mg", 0), ""))
	require.NoError(t, h.lifecycle.Close(first.ID()))
	_, err = h.lifecycle.Editor(first.ID())
	require.ErrorIs(t, err, fulfillment.ErrEditorNotFound)

	second, err := h.lifecycle.Open(ctx, "", "R7")
	require.NoError(t, err)
	require.NotEqual(t, first.ID(), second.ID())
	snap := second.Snapshot()
	require.Equal(t, []string{"P2"}, snap.ProviderIDs())
	require.Equal(t, "", snap.SelectedLines[0].Quantity)
	require.True(t, snap.TotalAmount.IsZero())

	got, err := h.lifecycle.Editor(second.ID())
	require.NoError(t, err)
	require.Same(t, second, got)
}

func TestOpenRefusesClosedRequests(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil, nil, requests.Request{ID: "R8", Kind: requests.KindMedicineOrder, Status: requests.StatusCancelled})
	_, err := h.lifecycle.Open(context.Background(), "", "R8")
	var stateErr *requests.StateError
	require.ErrorAs(t, err, &stateErr)

	_, err = h.lifecycle.Open(context.Background(), "", "missing")
	require.ErrorIs(t, err, requests.ErrRequestNotFound)
}

type failingRespond struct {
	*requests.StaticService
	err error
}

func (f failingRespond) Respond(context.Context, string, string, requests.RespondPayload) (requests.Request, error) {
	return requests.Request{}, f.err
}

func TestRespondFailureKeepsSelection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	static := requests.NewStaticService(requests.Request{ID: "R9", Kind: requests.KindMedicineOrder, Status: requests.StatusAccepted})
	backendErr := &backend.Error{Op: "requests.respond", StatusCode: 502, Message: "upstream unavailable"}
	h := newHarness(t, failingRespond{StaticService: static, err: backendErr}, static)

	editor, err := h.lifecycle.Open(ctx, "", "R9")
	require.NoError(t, err)
	_, err = editor.ToggleItem("P1", medicine("Cetirizine", "10mg", 0))
	require.NoError(t, err)
	before := editor.Snapshot()

	_, err = h.lifecycle.Respond(ctx, "", editor, "")
	var be *backend.Error
	require.ErrorAs(t, err, &be)
	require.True(t, be.Retryable())

	require.False(t, editor.ReadOnly())
	require.True(t, before.Equal(editor.Snapshot()))
	require.Equal(t, requests.StatusAccepted, h.status(t, "R9"))
	require.Equal(t, 1, h.durable.Len(), "draft survives a failed submit")
	require.False(t, h.lifecycle.InFlight("R9"))
}

type blockingAccept struct {
	*requests.StaticService
	entered chan struct{}
	release chan struct{}
}

func (b blockingAccept) Accept(ctx context.Context, token, id string) error {
	close(b.entered)
	<-b.release
	return b.StaticService.Accept(ctx, token, id)
}

func TestSecondSubmitWhileInFlightIsRefused(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	static := requests.NewStaticService(requests.Request{ID: "R10", Kind: requests.KindMedicineOrder, Status: requests.StatusPending})
	slow := blockingAccept{StaticService: static, entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, slow, static)

	done := make(chan error, 1)
	go func() {
		_, err := h.lifecycle.Accept(ctx, "", "R10")
		done <- err
	}()
	<-slow.entered

	require.True(t, h.lifecycle.InFlight("R10"))
	_, err := h.lifecycle.Accept(ctx, "", "R10")
	require.ErrorIs(t, err, fulfillment.ErrSubmitInFlight)
	_, err = h.lifecycle.Cancel(ctx, "", "R10", "duplicate")
	require.ErrorIs(t, err, fulfillment.ErrSubmitInFlight)

	close(slow.release)
	require.NoError(t, <-done)
	require.False(t, h.lifecycle.InFlight("R10"))
	require.Equal(t, 1, static.Calls("accept"))
	require.Equal(t, requests.StatusAccepted, h.status(t, "R10"))
}

func TestAssignDerivesOrdersFromConfirmedBill(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lines := []billing.Line{
		{ProviderID: "P1", ProviderName: "Apollo", Item: medicine("Paracetamol", "500mg", 10), Quantity: "3", UnitPrice: decimal.NewFromInt(10)},
		{ProviderID: "P2", ProviderName: "MedPlus", Item: medicine("Pantoprazole", "40mg", 22), Quantity: "2", UnitPrice: decimal.NewFromInt(22)},
		{ProviderID: "P1", ProviderName: "Apollo", Item: medicine("Cetirizine", "10mg", 6), Quantity: "1", UnitPrice: decimal.NewFromInt(6)},
	}
	h := newHarness(t, nil, nil, requests.Request{
		ID: "R11", Kind: requests.KindMedicineOrder, Status: requests.StatusBillGenerated,
		Prescription: requests.Prescription{ID: "rx-1", Diagnosis: "Gastritis", Medications: []requests.Medication{{Name: "Pantoprazole"}}},
		Response: &requests.Response{
			Providers: []catalog.ProviderRef{
				{ID: "P1", Name: "Apollo", Kind: catalog.KindPharmacy},
				{ID: "P2", Name: "MedPlus", Kind: catalog.KindPharmacy},
				{ID: "P3", Name: "Idle", Kind: catalog.KindPharmacy},
			},
			LineItems:   lines,
			TotalAmount: billing.Total(lines),
		},
	})

	_, _, err := h.lifecycle.Assign(ctx, "", "R11")
	var stateErr *requests.StateError
	require.ErrorAs(t, err, &stateErr, "assignment waits for payment")
	require.Empty(t, h.publisher.Orders())

	req, err := h.lifecycle.ConfirmPayment(ctx, "", "R11")
	require.NoError(t, err)
	require.True(t, req.PaymentConfirmed)

	req, orders, err := h.lifecycle.Assign(ctx, "", "R11")
	require.NoError(t, err)
	require.Equal(t, requests.StatusCompleted, req.Status)
	require.Len(t, orders, 2, "providers without lines get no order")

	require.Equal(t, "P1", orders[0].Provider.ID)
	require.Len(t, orders[0].LineItems, 2)
	require.Equal(t, "36", orders[0].TotalAmount.String())
	require.Equal(t, "P2", orders[1].Provider.ID)
	require.Equal(t, "44", orders[1].TotalAmount.String())
	for _, o := range orders {
		require.Equal(t, "R11", o.RequestID)
		require.Equal(t, "Gastritis", o.Prescription.Diagnosis)
		require.Equal(t, fixedNow, o.CreatedAt)
	}
	require.Equal(t, orders, h.publisher.Orders())
}

func TestAssignReportsDispatchFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	lines := []billing.Line{{ProviderID: "L1", ProviderName: "Metropolis", Item: labTest("CBC", 500), UnitPrice: decimal.NewFromInt(500)}}
	h := newHarness(t, nil, nil, requests.Request{
		ID: "R12", Kind: requests.KindLabTestOrder, Status: requests.StatusPaymentConfirmed, PaymentConfirmed: true,
		Response: &requests.Response{LineItems: lines, TotalAmount: decimal.NewFromInt(500)},
	})
	h.publisher.FailWith(errors.New("topic not found"))

	req, orders, err := h.lifecycle.Assign(ctx, "", "R12")
	var dispatchErr *fulfillment.DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	require.Len(t, orders, 1)
	require.Equal(t, []string{orders[0].ID}, dispatchErr.OrderIDs)
	require.Equal(t, catalog.KindLaboratory, orders[0].Provider.Kind)
	require.Equal(t, "Metropolis", orders[0].Provider.Name)
	require.Equal(t, requests.StatusCompleted, req.Status, "assignment is recorded before dispatch")
}

func TestDeriveOrdersWithoutResponse(t *testing.T) {
	t.Parallel()

	orders := fulfillment.DeriveOrders(requests.Request{ID: "R"}, fixedNow, func() string { return "x" })
	require.Nil(t, orders)
}

func TestIdleEditorsAreEvicted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := fixedNow
	var seq atomic.Int32
	lc, err := fulfillment.New(
		requests.NewStaticService(
			requests.Request{ID: "R20", Kind: requests.KindMedicineOrder, Status: requests.StatusPending},
			requests.Request{ID: "R21", Kind: requests.KindMedicineOrder, Status: requests.StatusPending},
		),
		directory(),
		fulfillment.WithMeter(noop.NewMeterProvider().Meter("test")),
		fulfillment.WithClock(func() time.Time { return now }),
		fulfillment.WithIDGenerator(func() string { return fmt.Sprintf("id-%d", seq.Add(1)) }),
		fulfillment.WithEditorTTL(10*time.Minute),
	)
	require.NoError(t, err)

	stale, err := lc.Open(ctx, "", "R20")
	require.NoError(t, err)
	active, err := lc.Open(ctx, "", "R21")
	require.NoError(t, err)

	now = now.Add(8 * time.Minute)
	_, err = lc.Editor(active.ID())
	require.NoError(t, err, "lookup keeps the editor alive")

	now = now.Add(8 * time.Minute)
	_, err = lc.Editor(stale.ID())
	require.ErrorIs(t, err, fulfillment.ErrEditorNotFound)
	got, err := lc.Editor(active.ID())
	require.NoError(t, err)
	require.Same(t, active, got)

	now = now.Add(11 * time.Minute)
	_, err = lc.Open(ctx, "", "R20")
	require.NoError(t, err)
	require.Equal(t, 1, lc.OpenEditors(), "opening sweeps idle sessions")
}

func TestOpenRetriesDraftsAfterEarlierFailure(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	durable := &toggledStore{MemoryStore: drafts.NewMemoryStore()}
	durable.failing.Store(true)
	lc, err := fulfillment.New(
		requests.NewStaticService(requests.Request{ID: "R22", Kind: requests.KindMedicineOrder, Status: requests.StatusPending}),
		directory(),
		fulfillment.WithDrafts(drafts.NewMirror(durable)),
		fulfillment.WithMeter(noop.NewMeterProvider().Meter("test")),
	)
	require.NoError(t, err)

	first, err := lc.Open(ctx, "", "R22")
	require.NoError(t, err)
	_, err = first.ToggleItem("P1", medicine("Cetirizine", "10mg", 0))
	require.NoError(t, err)
	require.Zero(t, durable.Len(), "the durable store is down")
	require.NoError(t, lc.Close(first.ID()))

	durable.failing.Store(false)
	second, err := lc.Open(ctx, "", "R22")
	require.NoError(t, err)
	require.Equal(t, []string{"P1"}, second.Snapshot().ProviderIDs(), "the memory copy is restored")
	_, err = second.ToggleItem("P1", medicine("Paracetamol", "500mg", 0))
	require.NoError(t, err)
	require.Equal(t, 1, durable.Len(), "a new session writes through again")
}

type toggledStore struct {
	*drafts.MemoryStore
	failing atomic.Bool
}

func (s *toggledStore) Save(ctx context.Context, key drafts.Key, snap selection.Snapshot) error {
	if s.failing.Load() {
		return errors.New("unavailable")
	}
	return s.MemoryStore.Save(ctx, key, snap)
}

func (s *toggledStore) Load(ctx context.Context, key drafts.Key) (selection.Snapshot, bool, error) {
	if s.failing.Load() {
		return selection.Snapshot{}, false, errors.New("unavailable")
	}
	return s.MemoryStore.Load(ctx, key)
}
