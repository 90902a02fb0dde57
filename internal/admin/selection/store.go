// Package selection holds the working set of providers and line items for one open request editor.
package selection

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
)

var (
	// ErrUnknownProvider is returned when a provider is not part of the approved catalog set.
	ErrUnknownProvider = errors.New("provider is not in the approved catalog")
	// ErrUnknownItem is returned when an item is not sold by the chosen provider.
	ErrUnknownItem = errors.New("item is not in the provider catalog")
	// ErrLineNotFound is returned when editing a line that is not selected.
	ErrLineNotFound = errors.New("line is not selected")
	// ErrQuantityNotEditable is returned when setting a quantity on a flat-priced test line.
	ErrQuantityNotEditable = errors.New("tests do not carry a quantity")
)

// SingleProviderError is returned when a second provider is chosen for a request that allows only one.
type SingleProviderError struct {
	Selected  catalog.ProviderRef
	Attempted string
}

func (e *SingleProviderError) Error() string {
	return fmt.Sprintf("only one provider may be selected; %s is already selected", e.Selected.Name)
}

// Snapshot is the serializable state of a Store.
type Snapshot struct {
	SelectedProviders []catalog.ProviderRef `json:"selectedProviders"`
	SelectedLines     []billing.Line        `json:"selectedLines"`
	TotalAmount       decimal.Decimal       `json:"totalAmount"`
}

// Empty reports whether nothing is selected.
func (s Snapshot) Empty() bool {
	return len(s.SelectedProviders) == 0 && len(s.SelectedLines) == 0
}

// ProviderIDs returns the selected provider identifiers in order.
func (s Snapshot) ProviderIDs() []string {
	ids := make([]string, 0, len(s.SelectedProviders))
	for _, p := range s.SelectedProviders {
		ids = append(ids, p.ID)
	}
	return ids
}

// Equal compares snapshots by value, treating decimals numerically.
func (s Snapshot) Equal(o Snapshot) bool {
	if !s.TotalAmount.Equal(o.TotalAmount) || len(s.SelectedProviders) != len(o.SelectedProviders) || len(s.SelectedLines) != len(o.SelectedLines) {
		return false
	}
	for i := range s.SelectedProviders {
		if s.SelectedProviders[i] != o.SelectedProviders[i] {
			return false
		}
	}
	for i := range s.SelectedLines {
		a, b := s.SelectedLines[i], o.SelectedLines[i]
		if a.ProviderID != b.ProviderID || a.ProviderName != b.ProviderName || a.Quantity != b.Quantity ||
			!a.UnitPrice.Equal(b.UnitPrice) || !a.Item.Price.Equal(b.Item.Price) {
			return false
		}
		ai, bi := a.Item, b.Item
		ai.Price, bi.Price = decimal.Zero, decimal.Zero
		if ai != bi {
			return false
		}
	}
	return true
}

// Store is the in-memory selection for one open request. It is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	kind      catalog.ProviderKind
	available []catalog.Provider
	providers []catalog.ProviderRef
	lines     []billing.Line
	total     decimal.Decimal
	listeners []func(Snapshot)
}

// New returns an empty Store that accepts providers of kind drawn from available.
func New(kind catalog.ProviderKind, available []catalog.Provider) *Store {
	return &Store{
		kind:      kind,
		available: append([]catalog.Provider(nil), available...),
		total:     decimal.Zero,
	}
}

// Kind returns the provider kind the store accepts.
func (s *Store) Kind() catalog.ProviderKind {
	return s.kind
}

// SingleProvider reports whether the store allows only one provider, as lab requests do.
func (s *Store) SingleProvider() bool {
	return s.kind == catalog.KindLaboratory
}

// OnChange registers fn to receive a snapshot after every mutation.
func (s *Store) OnChange(fn func(Snapshot)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// SetCatalog replaces the approved provider set. Selections are left untouched.
func (s *Store) SetCatalog(available []catalog.Provider) {
	s.mu.Lock()
	s.available = append([]catalog.Provider(nil), available...)
	s.mu.Unlock()
}

// Catalog returns the approved provider set.
func (s *Store) Catalog() []catalog.Provider {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]catalog.Provider(nil), s.available...)
}

// SelectProvider adds the provider to the selection. Selecting an already selected provider is a no-op.
func (s *Store) SelectProvider(providerID string) error {
	s.mu.Lock()
	provider, ok := s.lookup(providerID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}
	if err := s.admit(provider.ID); err != nil {
		s.mu.Unlock()
		return err
	}
	changed := s.addProvider(provider.Ref())
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	if changed {
		notify(listeners, snap)
	}
	return nil
}

// DeselectProvider removes the provider and every line it supplies.
func (s *Store) DeselectProvider(providerID string) {
	s.mu.Lock()
	idx := s.providerIndex(providerID)
	if idx < 0 {
		s.mu.Unlock()
		return
	}
	s.providers = append(s.providers[:idx:idx], s.providers[idx+1:]...)
	kept := s.lines[:0:0]
	for _, l := range s.lines {
		if l.ProviderID == providerID {
			s.total = s.total.Sub(billing.LineAmount(l))
			continue
		}
		kept = append(kept, l)
	}
	s.lines = kept
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
}

// ToggleItem adds the item from the provider's catalog, or removes it when already selected.
// The provider is selected implicitly. It reports whether the line is now selected.
func (s *Store) ToggleItem(providerID string, item catalog.Item) (bool, error) {
	s.mu.Lock()
	provider, ok := s.lookup(providerID)
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownProvider, providerID)
	}

	key := item.Key()
	if item.Kind == "" {
		item.Kind = s.kind.ItemKind()
		key = item.Key()
	}
	if idx := s.lineIndex(provider.ID, key); idx >= 0 {
		s.total = s.total.Sub(billing.LineAmount(s.lines[idx]))
		s.lines = append(s.lines[:idx:idx], s.lines[idx+1:]...)
		snap, listeners := s.snapshotLocked(), s.listeners
		s.mu.Unlock()
		notify(listeners, snap)
		return false, nil
	}

	if err := s.admit(provider.ID); err != nil {
		s.mu.Unlock()
		return false, err
	}
	catalogItem, ok := findItem(provider.Catalog, key)
	if !ok {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownItem, strings.TrimSpace(item.Name))
	}

	line := billing.Line{
		ProviderID:   provider.ID,
		ProviderName: provider.Name,
		Item:         catalogItem,
		UnitPrice:    catalogItem.Price,
	}
	if catalogItem.Kind == catalog.ItemMedicine {
		line.Quantity = "1"
	}
	s.addProvider(provider.Ref())
	s.lines = append(s.lines, line)
	s.total = s.total.Add(billing.LineAmount(line))
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
	return true, nil
}

// SetQuantity stores raw exactly as entered on a medicine line. Arithmetic coerces it through
// billing.Quantity, so blank, fractional or malformed input contributes zero.
func (s *Store) SetQuantity(providerID string, item catalog.Item, raw string) error {
	s.mu.Lock()
	if item.Kind == "" {
		item.Kind = s.kind.ItemKind()
	}
	idx := s.lineIndex(providerID, item.Key())
	if idx < 0 {
		s.mu.Unlock()
		return ErrLineNotFound
	}
	line := s.lines[idx]
	if line.IsTest() {
		s.mu.Unlock()
		return ErrQuantityNotEditable
	}
	before := billing.LineAmount(line)
	line.Quantity = raw
	s.lines[idx] = line
	s.total = s.total.Sub(before).Add(billing.LineAmount(line))
	snap, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
	return nil
}

// Restore replaces the selection with snap. Providers outside the approved set are dropped along
// with their lines, and a single-provider store keeps only the first provider.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	s.providers = nil
	s.lines = nil
	s.total = decimal.Zero
	for _, ref := range snap.SelectedProviders {
		provider, ok := s.lookup(ref.ID)
		if !ok {
			continue
		}
		if s.admit(provider.ID) != nil {
			continue
		}
		s.addProvider(provider.Ref())
	}
	for _, l := range snap.SelectedLines {
		provider, ok := s.lookup(l.ProviderID)
		if !ok || s.admit(provider.ID) != nil {
			continue
		}
		s.addProvider(provider.Ref())
		if s.lineIndex(l.ProviderID, l.Item.Key()) >= 0 {
			continue
		}
		s.lines = append(s.lines, l)
		s.total = s.total.Add(billing.LineAmount(l))
	}
	snapshot, listeners := s.snapshotLocked(), s.listeners
	s.mu.Unlock()

	notify(listeners, snapshot)
}

// Clear empties the selection.
func (s *Store) Clear() {
	s.Restore(Snapshot{})
}

// Snapshot returns a copy of the current selection.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Total returns the running total.
func (s *Store) Total() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// Subtotals groups the selected lines by provider for display.
func (s *Store) Subtotals() []billing.ProviderSubtotal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return billing.Subtotals(s.lines)
}

func (s *Store) snapshotLocked() Snapshot {
	return Snapshot{
		SelectedProviders: append([]catalog.ProviderRef{}, s.providers...),
		SelectedLines:     append([]billing.Line{}, s.lines...),
		TotalAmount:       s.total,
	}
}

// admit enforces the single-provider rule before providerID gains a selection.
func (s *Store) admit(providerID string) error {
	if !s.SingleProvider() || len(s.providers) == 0 {
		return nil
	}
	if s.providers[0].ID == providerID {
		return nil
	}
	return &SingleProviderError{Selected: s.providers[0], Attempted: providerID}
}

func (s *Store) addProvider(ref catalog.ProviderRef) bool {
	if s.providerIndex(ref.ID) >= 0 {
		return false
	}
	s.providers = append(s.providers, ref)
	return true
}

func (s *Store) lookup(providerID string) (catalog.Provider, bool) {
	p, ok := catalog.Find(s.available, providerID)
	if !ok || !p.IsApproved || (s.kind != "" && p.Kind != s.kind) {
		return catalog.Provider{}, false
	}
	return p, true
}

func (s *Store) providerIndex(providerID string) int {
	for i, p := range s.providers {
		if p.ID == providerID {
			return i
		}
	}
	return -1
}

func (s *Store) lineIndex(providerID, itemKey string) int {
	for i, l := range s.lines {
		if l.ProviderID == providerID && l.Item.Key() == itemKey {
			return i
		}
	}
	return -1
}

func findItem(items []catalog.Item, key string) (catalog.Item, bool) {
	for _, item := range items {
		if item.Key() == key {
			return item, true
		}
	}
	return catalog.Item{}, false
}

func notify(listeners []func(Snapshot), snap Snapshot) {
	for _, fn := range listeners {
		fn(snap)
	}
}
