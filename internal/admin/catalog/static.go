package catalog

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// StaticService provides deterministic provider data suitable for local development and tests.
type StaticService struct {
	mu        sync.RWMutex
	providers []Provider
	failures  map[string]error
}

// NewStaticService returns a StaticService seeded with providers, or with a representative
// directory when none are supplied.
func NewStaticService(providers ...Provider) *StaticService {
	if len(providers) == 0 {
		providers = sampleProviders()
	}
	return &StaticService{
		providers: cloneProviders(providers),
		failures:  make(map[string]error),
	}
}

// FailCatalog makes subsequent catalog fetches for providerID fail with err. A nil err clears it.
func (s *StaticService) FailCatalog(providerID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, providerID)
		return
	}
	s.failures[providerID] = err
}

// ListProviders implements Service.
func (s *StaticService) ListProviders(ctx context.Context, token string, kind ProviderKind, filter Filter) ([]Provider, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("catalog: unknown provider kind %q", kind)
	}
	s.mu.RLock()
	matched := make([]Provider, 0, len(s.providers))
	search := strings.TrimSpace(filter.Search)
	for _, p := range s.providers {
		if p.Kind != kind || !p.IsApproved {
			continue
		}
		if search != "" && !ContainsFold(p.Name, search) {
			continue
		}
		matched = append(matched, p)
		if filter.Limit > 0 && len(matched) == filter.Limit {
			break
		}
	}
	s.mu.RUnlock()

	out := cloneProviders(matched)
	for i := range out {
		items, err := s.ListCatalog(ctx, token, out[i].ID)
		if err != nil {
			out[i].Catalog = []Item{}
			continue
		}
		out[i].Catalog = items
	}
	return out, nil
}

// ListCatalog implements Service.
func (s *StaticService) ListCatalog(_ context.Context, _ string, providerID string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failures[providerID]; ok {
		return nil, err
	}
	for _, p := range s.providers {
		if p.ID == providerID {
			return append([]Item(nil), p.Catalog...), nil
		}
	}
	return nil, ErrProviderNotFound
}

func cloneProviders(in []Provider) []Provider {
	out := make([]Provider, len(in))
	for i, p := range in {
		p.Catalog = append([]Item{}, p.Catalog...)
		out[i] = p
	}
	return out
}

func sampleProviders() []Provider {
	medicine := func(name, dosage, manufacturer string, qty int, price int64) Item {
		return Item{Kind: ItemMedicine, Name: name, Dosage: dosage, Manufacturer: manufacturer, AvailableQuantity: qty, Price: decimal.NewFromInt(price)}
	}
	test := func(name, description string, price int64) Item {
		return Item{Kind: ItemTest, Name: name, Description: description, Price: decimal.NewFromInt(price)}
	}
	return []Provider{
		{
			ID: "pharm-apollo", Name: "Apollo Pharmacy", Kind: KindPharmacy, IsApproved: true,
			Contact: Contact{Phone: "+91-98200-00001", Email: "orders@apollo.example.com", Address: "12 MG Road, Pune"},
			Catalog: []Item{
				medicine("Paracetamol", "500mg", "Cipla", 400, 10),
				medicine("Amoxicillin", "250mg", "Sun Pharma", 120, 45),
				medicine("Cetirizine", "10mg", "Dr. Reddy's", 300, 6),
			},
		},
		{
			ID: "pharm-medplus", Name: "MedPlus", Kind: KindPharmacy, IsApproved: true,
			Contact: Contact{Phone: "+91-98200-00002", Email: "desk@medplus.example.com", Address: "4 FC Road, Pune"},
			Catalog: []Item{
				medicine("Paracetamol", "650mg", "GSK", 250, 14),
				medicine("Pantoprazole", "40mg", "Alkem", 90, 22),
			},
		},
		{
			ID: "lab-metropolis", Name: "Metropolis Labs", Kind: KindLaboratory, IsApproved: true,
			Contact: Contact{Phone: "+91-98200-00003", Email: "care@metropolis.example.com", Address: "8 Baner Road, Pune"},
			Catalog: []Item{
				test("CBC", "Complete blood count", 500),
				test("Lipid Panel", "Cholesterol and triglycerides", 800),
			},
		},
		{
			ID: "lab-thyrocare", Name: "Thyrocare", Kind: KindLaboratory, IsApproved: true,
			Contact: Contact{Phone: "+91-98200-00004", Email: "lab@thyrocare.example.com", Address: "21 Aundh, Pune"},
			Catalog: []Item{
				test("Lipid Panel", "Cholesterol and triglycerides", 750),
				test("HbA1c", "Glycated haemoglobin", 450),
			},
		},
		{
			ID: "pharm-pending", Name: "Pending Chemists", Kind: KindPharmacy, IsApproved: false,
		},
	}
}
