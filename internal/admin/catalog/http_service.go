package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/backend"
)

const defaultFetchConcurrency = 8

// HTTPService implements Service against the marketplace REST backend.
type HTTPService struct {
	client      *backend.Client
	logger      *zap.Logger
	concurrency int
}

// HTTPOption customises HTTPService construction.
type HTTPOption func(*HTTPService)

// WithLogger sets the logger used for degraded catalog fetches.
func WithLogger(logger *zap.Logger) HTTPOption {
	return func(s *HTTPService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithConcurrency bounds the number of catalog fetches in flight.
func WithConcurrency(n int) HTTPOption {
	return func(s *HTTPService) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// NewHTTPService constructs a catalog gateway on top of client.
func NewHTTPService(client *backend.Client, opts ...HTTPOption) (*HTTPService, error) {
	if client == nil {
		return nil, errors.New("catalog: backend client is required")
	}
	s := &HTTPService{client: client, logger: zap.NewNop(), concurrency: defaultFetchConcurrency}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// ListProviders fetches approved providers then fans out one catalog fetch per provider.
func (s *HTTPService) ListProviders(ctx context.Context, token string, kind ProviderKind, filter Filter) ([]Provider, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("catalog: unknown provider kind %q", kind)
	}

	query := url.Values{}
	query.Set("kind", string(kind))
	query.Set("status", "approved")
	if search := strings.TrimSpace(filter.Search); search != "" {
		query.Set("search", search)
	}
	if filter.Limit > 0 {
		query.Set("limit", strconv.Itoa(filter.Limit))
	}

	list, err := s.client.GetList(ctx, "list providers", "providers", query, token, pluralKey(kind), "providers")
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	providers := make([]Provider, 0, len(list.Items))
	for _, raw := range list.Items {
		p, ok := normalizeProvider(raw, kind)
		if !ok {
			continue
		}
		providers = append(providers, p)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i := range providers {
		i := i
		g.Go(func() error {
			items, err := s.ListCatalog(gctx, token, providers[i].ID)
			if err != nil {
				if ctxErr := gctx.Err(); ctxErr != nil {
					return ctxErr
				}
				s.logger.Warn("catalog fetch failed; provider listed with empty catalog",
					zap.String("provider_id", providers[i].ID),
					zap.String("provider_kind", string(kind)),
					zap.Error(err),
				)
				providers[i].Catalog = []Item{}
				return nil
			}
			providers[i].Catalog = coerceKind(items, providers[i].Kind.ItemKind())
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return providers, nil
}

// ListCatalog fetches one provider's items.
func (s *HTTPService) ListCatalog(ctx context.Context, token, providerID string) ([]Item, error) {
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return nil, ErrProviderNotFound
	}
	list, err := s.client.GetList(ctx, "list catalog", backend.PathEscape("providers", providerID, "catalog"), nil, token, "medicines", "tests", "catalog")
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	items := make([]Item, 0, len(list.Items))
	for _, raw := range list.Items {
		if item, ok := normalizeItem(raw); ok {
			items = append(items, item)
		}
	}
	return items, nil
}

// coerceKind aligns item kinds with the kind of provider selling them.
func coerceKind(items []Item, kind ItemKind) []Item {
	for i := range items {
		if items[i].Kind == kind {
			continue
		}
		items[i].Kind = kind
		if kind == ItemTest {
			items[i].Dosage, items[i].Manufacturer, items[i].AvailableQuantity = "", "", 0
		}
	}
	return items
}

func pluralKey(kind ProviderKind) string {
	if kind == KindLaboratory {
		return "laboratories"
	}
	return "pharmacies"
}

// normalizeProvider maps one backend provider document onto Provider. Unapproved or inactive
// providers are rejected.
func normalizeProvider(raw json.RawMessage, kind ProviderKind) (Provider, bool) {
	f, err := backend.ParseFields(raw)
	if err != nil {
		return Provider{}, false
	}
	id := f.String("_id", "id")
	if id == "" {
		return Provider{}, false
	}
	if active, ok := f.Bool("isActive"); ok && !active {
		return Provider{}, false
	}
	approved, ok := f.Bool("isApproved")
	if !ok {
		status := strings.ToLower(f.String("status", "approvalStatus"))
		approved = status == "" || status == "approved" || status == "active"
	}
	if !approved {
		return Provider{}, false
	}

	if parsed, ok := ParseProviderKind(f.String("kind", "type")); ok && parsed != kind {
		return Provider{}, false
	}
	name := f.String("name", "pharmacyName", "labName", "laboratoryName", "businessName")
	if name == "" {
		name = "Unnamed " + string(kind)
	}

	return Provider{
		ID:   id,
		Name: name,
		Kind: kind,
		Contact: Contact{
			Phone:   f.String("phone", "contactNumber", "mobile"),
			Email:   f.String("email"),
			Address: addressOf(f),
		},
		IsApproved: true,
		Catalog:    []Item{},
	}, true
}

func addressOf(f backend.Fields) string {
	if s := f.String("address"); s != "" && !strings.HasPrefix(string(f.Raw("address")), "{") {
		return s
	}
	addr := f.Object("address")
	if addr == nil {
		return ""
	}
	parts := make([]string, 0, 5)
	for _, key := range []string{"line1", "line2", "street", "city", "state", "postalCode", "pincode"} {
		if v := addr.String(key); v != "" {
			parts = append(parts, v)
		}
	}
	return strings.Join(parts, ", ")
}

func normalizeItem(raw json.RawMessage) (Item, bool) {
	f, err := backend.ParseFields(raw)
	if err != nil {
		return Item{}, false
	}
	name := f.String("name", "medicineName", "testName")
	if name == "" {
		return Item{}, false
	}
	price, _ := f.Decimal("price", "unitPrice", "mrp", "cost")

	kind := ItemTest
	switch strings.ToLower(f.String("kind", "type")) {
	case string(ItemMedicine):
		kind = ItemMedicine
	case string(ItemTest):
		kind = ItemTest
	default:
		if f.Has("dosage", "manufacturer", "quantity", "availableQuantity", "stock") {
			kind = ItemMedicine
		}
	}

	item := Item{Kind: kind, Name: name, Price: price, Description: f.String("description", "details")}
	if kind == ItemMedicine {
		item.Dosage = f.String("dosage", "strength")
		item.Manufacturer = f.String("manufacturer", "brand")
		item.AvailableQuantity = f.Int("availableQuantity", "quantity", "stock")
	}
	return item, true
}
