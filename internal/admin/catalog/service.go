package catalog

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// Service exposes the approved provider directory together with each provider's sellable items.
type Service interface {
	// ListProviders returns approved providers of the requested kind with their catalogs populated.
	// A provider whose catalog could not be fetched is returned with an empty catalog.
	ListProviders(ctx context.Context, token string, kind ProviderKind, filter Filter) ([]Provider, error)

	// ListCatalog returns the sellable items of one provider in backend order.
	ListCatalog(ctx context.Context, token, providerID string) ([]Item, error)
}

// ProviderKind distinguishes pharmacies from laboratories.
type ProviderKind string

const (
	// KindPharmacy sells medicines.
	KindPharmacy ProviderKind = "pharmacy"
	// KindLaboratory sells diagnostic tests.
	KindLaboratory ProviderKind = "laboratory"
)

// Valid reports whether k is a known provider kind.
func (k ProviderKind) Valid() bool {
	return k == KindPharmacy || k == KindLaboratory
}

// ItemKind returns the kind of item sold by providers of kind k.
func (k ProviderKind) ItemKind() ItemKind {
	if k == KindLaboratory {
		return ItemTest
	}
	return ItemMedicine
}

// ParseProviderKind accepts the canonical names plus the plural and short forms used by the backend.
func ParseProviderKind(raw string) (ProviderKind, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pharmacy", "pharmacies":
		return KindPharmacy, true
	case "laboratory", "laboratories", "lab", "labs":
		return KindLaboratory, true
	}
	return "", false
}

// ItemKind distinguishes medicines from tests.
type ItemKind string

const (
	// ItemMedicine is priced per unit and carries a quantity.
	ItemMedicine ItemKind = "medicine"
	// ItemTest has a fixed price and an implicit quantity of one.
	ItemTest ItemKind = "test"
)

// ErrProviderNotFound is returned when a provider is not part of the approved listing.
var ErrProviderNotFound = errors.New("provider not found")

// Filter narrows the provider listing.
type Filter struct {
	Search string
	Limit  int
}

// Contact holds a provider's reachable details.
type Contact struct {
	Phone   string `json:"phone,omitempty"`
	Email   string `json:"email,omitempty"`
	Address string `json:"address,omitempty"`
}

// Provider is an approved pharmacy or laboratory.
type Provider struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Kind       ProviderKind `json:"kind"`
	Contact    Contact      `json:"contact"`
	IsApproved bool         `json:"isApproved"`
	Catalog    []Item       `json:"catalog"`
}

// Ref returns the identifying fields of the provider.
func (p Provider) Ref() ProviderRef {
	return ProviderRef{ID: p.ID, Name: p.Name, Kind: p.Kind}
}

// ProviderRef is the denormalized provider reference stored on selections and bills.
type ProviderRef struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind ProviderKind `json:"kind,omitempty"`
}

// Item is one sellable unit. Medicines use Dosage, Manufacturer and AvailableQuantity; tests use
// Description. Price is the unit price for medicines and the flat price for tests.
type Item struct {
	Kind              ItemKind        `json:"kind"`
	Name              string          `json:"name"`
	Dosage            string          `json:"dosage,omitempty"`
	Manufacturer      string          `json:"manufacturer,omitempty"`
	AvailableQuantity int             `json:"availableQuantity,omitempty"`
	Description       string          `json:"description,omitempty"`
	Price             decimal.Decimal `json:"price"`
}

// Key identifies an item within a provider catalog: name, plus dosage for medicines.
func (i Item) Key() string {
	name := Fold(i.Name)
	if i.Kind == ItemMedicine {
		return name + "|" + Fold(i.Dosage)
	}
	return name
}

// Find returns the provider with id from providers.
func Find(providers []Provider, id string) (Provider, bool) {
	id = strings.TrimSpace(id)
	for _, p := range providers {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}
