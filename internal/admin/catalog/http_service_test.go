package catalog_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

func newGateway(t *testing.T, handler http.Handler, opts ...catalog.HTTPOption) *catalog.HTTPService {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	client, err := backend.NewClient(ts.URL, ts.Client())
	require.NoError(t, err)
	svc, err := catalog.NewHTTPService(client, opts...)
	require.NoError(t, err)
	return svc
}

func TestHTTPServiceListProvidersPartialFailure(t *testing.T) {
	t.Parallel()

	var catalogCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/providers", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "pharmacy", r.URL.Query().Get("kind"))
		_, _ = io.WriteString(w, `{"success":true,"data":{"pharmacies":[
			{"_id":"p1","pharmacyName":"Apollo","phone":"111","address":{"line1":"12 MG Road","city":"Pune"},"isApproved":true},
			{"_id":"p2","name":"MedPlus","status":"approved"},
			{"_id":"p3","name":"Pending","status":"pending"},
			{"_id":"p4","name":"Inactive","isApproved":true,"isActive":false}
		],"pagination":{"total":4,"totalPages":1}}}`)
	})
	mux.HandleFunc("/providers/p1/catalog", func(w http.ResponseWriter, r *http.Request) {
		catalogCalls.Add(1)
		_, _ = io.WriteString(w, `{"items":[
			{"name":"Paracetamol","dosage":"500mg","manufacturer":"Cipla","quantity":"40","price":"10"},
			{"name":"Cetirizine","dosage":"10mg","price":6.5}
		]}`)
	})
	mux.HandleFunc("/providers/p2/catalog", func(w http.ResponseWriter, r *http.Request) {
		catalogCalls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	})

	core, logs := observer.New(zap.WarnLevel)
	svc := newGateway(t, mux, catalog.WithLogger(zap.New(core)), catalog.WithConcurrency(2))

	providers, err := svc.ListProviders(context.Background(), "token", catalog.KindPharmacy, catalog.Filter{})
	require.NoError(t, err)
	require.Len(t, providers, 2)
	require.EqualValues(t, 2, catalogCalls.Load())

	require.Equal(t, "p1", providers[0].ID)
	require.Equal(t, "Apollo", providers[0].Name)
	require.Equal(t, "12 MG Road, Pune", providers[0].Contact.Address)
	require.Len(t, providers[0].Catalog, 2)
	require.Equal(t, "Paracetamol", providers[0].Catalog[0].Name)
	require.Equal(t, catalog.ItemMedicine, providers[0].Catalog[0].Kind)
	require.Equal(t, 40, providers[0].Catalog[0].AvailableQuantity)
	require.True(t, decimal.NewFromFloat(6.5).Equal(providers[0].Catalog[1].Price))

	require.Equal(t, "p2", providers[1].ID)
	require.NotNil(t, providers[1].Catalog)
	require.Empty(t, providers[1].Catalog)

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "p2", logs.All()[0].ContextMap()["provider_id"])
}

func TestHTTPServiceLaboratoryItemsAreTests(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/providers", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[{"id":"l1","labName":"Metropolis","isApproved":true}]`)
	})
	mux.HandleFunc("/providers/l1/catalog", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"tests":[{"testName":"CBC","description":"Complete blood count","price":500,"quantity":1}]}`)
	})
	svc := newGateway(t, mux)

	providers, err := svc.ListProviders(context.Background(), "", catalog.KindLaboratory, catalog.Filter{})
	require.NoError(t, err)
	require.Len(t, providers, 1)
	require.Len(t, providers[0].Catalog, 1)
	item := providers[0].Catalog[0]
	require.Equal(t, catalog.ItemTest, item.Kind)
	require.Equal(t, "CBC", item.Name)
	require.Zero(t, item.AvailableQuantity)
	require.True(t, decimal.NewFromInt(500).Equal(item.Price))
}

func TestHTTPServiceListProvidersFailure(t *testing.T) {
	t.Parallel()

	svc := newGateway(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))

	_, err := svc.ListProviders(context.Background(), "", catalog.KindPharmacy, catalog.Filter{})
	var be *backend.Error
	require.True(t, errors.As(err, &be))
	require.True(t, be.Retryable())

	_, err = svc.ListProviders(context.Background(), "", catalog.ProviderKind("clinic"), catalog.Filter{})
	require.Error(t, err)
}

func TestStaticServiceFiltersAndDegrades(t *testing.T) {
	t.Parallel()

	svc := catalog.NewStaticService()
	svc.FailCatalog("pharm-medplus", errors.New("boom"))

	providers, err := svc.ListProviders(context.Background(), "", catalog.KindPharmacy, catalog.Filter{})
	require.NoError(t, err)
	require.Len(t, providers, 2, "unapproved providers are excluded")
	require.Equal(t, "pharm-apollo", providers[0].ID)
	require.NotEmpty(t, providers[0].Catalog)
	require.Empty(t, providers[1].Catalog)

	found, ok := catalog.Find(providers, "pharm-apollo")
	require.True(t, ok)
	require.Equal(t, "Apollo Pharmacy", found.Ref().Name)

	_, err = svc.ListCatalog(context.Background(), "", "missing")
	require.ErrorIs(t, err, catalog.ErrProviderNotFound)
}
