package fulfillment

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/billing"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/catalog"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/drafts"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/requests"
	"github.com/harshu-panchal/healiinn-sub002/internal/admin/selection"
)

// Editor is one open bill editor. It owns the selection for its request; closing it discards the
// selection but keeps the draft.
type Editor struct {
	id       string
	key      drafts.Key
	store    *selection.Store
	openedAt time.Time

	mu        sync.RWMutex
	request   requests.Request
	committed bool

	// guarded by Lifecycle.mu
	lastUsed time.Time
}

// SectionFor maps a request kind to its draft section.
func SectionFor(kind requests.Kind) drafts.Section {
	if kind == requests.KindLabTestOrder {
		return drafts.SectionLab
	}
	return drafts.SectionPharmacy
}

// Open loads the request and the approved providers for its kind and returns a new editor. A request
// with a committed bill opens read-only on that bill; otherwise the saved draft, if any, is restored.
func (l *Lifecycle) Open(ctx context.Context, token, requestID string) (*Editor, error) {
	req, err := l.requests.Get(ctx, token, requestID)
	if err != nil {
		return nil, err
	}
	committed := req.HasCommittedBill()
	if !committed && !requests.CanTransition(req.Status, requests.StatusBillGenerated) {
		return nil, &requests.StateError{From: req.Status, To: requests.StatusBillGenerated}
	}

	kind := req.Kind.ProviderKind()
	providers, err := l.catalog.ListProviders(ctx, token, kind, catalog.Filter{})
	if err != nil {
		return nil, err
	}

	editor := &Editor{
		id:        l.newID(),
		key:       drafts.Key{RequestID: req.ID, Section: SectionFor(req.Kind)},
		openedAt:  l.now(),
		request:   req,
		committed: committed,
	}

	if committed {
		providers = withCommitted(providers, kind, req.Response)
		editor.store = selection.New(kind, providers)
		editor.store.Restore(snapshotFromResponse(req.Response))
	} else {
		editor.store = selection.New(kind, providers)
		l.drafts.Resume(editor.key)
		if snap, ok := l.drafts.Load(ctx, editor.key); ok {
			editor.store.Restore(snap)
			l.logger.Debug("draft restored", zap.String("draft_key", editor.key.String()), zap.Int("lines", len(snap.SelectedLines)))
		}
	}

	saveCtx := context.WithoutCancel(ctx)
	editor.store.OnChange(func(snap selection.Snapshot) {
		if editor.ReadOnly() {
			return
		}
		l.drafts.Save(saveCtx, editor.key, snap)
	})

	l.mu.Lock()
	l.evictIdleLocked(editor.openedAt)
	editor.lastUsed = editor.openedAt
	l.editors[editor.id] = editor
	l.mu.Unlock()
	return editor, nil
}

// Editor returns the open editor with id. An editor left idle longer than the editor TTL is
// discarded and reported as not found.
func (l *Lifecycle) Editor(id string) (*Editor, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	id = strings.TrimSpace(id)
	editor, ok := l.editors[id]
	if !ok {
		return nil, ErrEditorNotFound
	}
	if l.idle(editor, now) {
		delete(l.editors, id)
		return nil, ErrEditorNotFound
	}
	editor.lastUsed = now
	return editor, nil
}

// OpenEditors returns how many editor sessions are held.
func (l *Lifecycle) OpenEditors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.editors)
}

func (l *Lifecycle) idle(editor *Editor, now time.Time) bool {
	return l.editorTTL > 0 && now.Sub(editor.lastUsed) > l.editorTTL
}

func (l *Lifecycle) evictIdleLocked(now time.Time) {
	for id, editor := range l.editors {
		if l.idle(editor, now) {
			delete(l.editors, id)
			l.logger.Debug("idle editor evicted", zap.String("editor_id", id), zap.String("request_id", editor.RequestID()))
		}
	}
}

// Close discards the editor. Its draft is kept.
func (l *Lifecycle) Close(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := l.editors[id]; !ok {
		return ErrEditorNotFound
	}
	delete(l.editors, id)
	return nil
}

// ID returns the editor session identifier.
func (e *Editor) ID() string { return e.id }

// RequestID returns the identifier of the request being edited.
func (e *Editor) RequestID() string { return e.key.RequestID }

// DraftKey returns where the editor's draft is stored.
func (e *Editor) DraftKey() drafts.Key { return e.key }

// OpenedAt returns when the editor was opened.
func (e *Editor) OpenedAt() time.Time { return e.openedAt }

// Request returns the request as last seen by the editor.
func (e *Editor) Request() requests.Request {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.request
}

// ReadOnly reports whether the editor shows a committed bill.
func (e *Editor) ReadOnly() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.committed
}

// Providers returns the providers staff may choose from.
func (e *Editor) Providers() []catalog.Provider {
	return e.store.Catalog()
}

// SingleProvider reports whether at most one provider may be selected.
func (e *Editor) SingleProvider() bool {
	return e.store.SingleProvider()
}

// Snapshot returns the current selection. A committed editor reports the backend's total.
func (e *Editor) Snapshot() selection.Snapshot {
	snap := e.store.Snapshot()
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.committed && e.request.Response != nil {
		snap.TotalAmount = e.request.Response.TotalAmount
	}
	return snap
}

// Subtotals groups the selection by provider for display.
func (e *Editor) Subtotals() []billing.ProviderSubtotal {
	return e.store.Subtotals()
}

// SelectProvider adds a provider to the selection.
func (e *Editor) SelectProvider(providerID string) error {
	if e.ReadOnly() {
		return ErrAlreadyBilled
	}
	return e.store.SelectProvider(providerID)
}

// DeselectProvider removes a provider and its lines.
func (e *Editor) DeselectProvider(providerID string) error {
	if e.ReadOnly() {
		return ErrAlreadyBilled
	}
	e.store.DeselectProvider(providerID)
	return nil
}

// ToggleItem adds or removes a catalog item. It reports whether the item is now selected.
func (e *Editor) ToggleItem(providerID string, item catalog.Item) (bool, error) {
	if e.ReadOnly() {
		return false, ErrAlreadyBilled
	}
	return e.store.ToggleItem(providerID, item)
}

// SetQuantity stores the literal quantity typed for a medicine line.
func (e *Editor) SetQuantity(providerID string, item catalog.Item, raw string) error {
	if e.ReadOnly() {
		return ErrAlreadyBilled
	}
	return e.store.SetQuantity(providerID, item, raw)
}

func (e *Editor) commit(req requests.Request) {
	e.mu.Lock()
	e.request = req
	e.committed = req.Response != nil
	e.mu.Unlock()
	if req.Response != nil {
		e.store.SetCatalog(withCommitted(e.store.Catalog(), e.store.Kind(), req.Response))
		e.store.Restore(snapshotFromResponse(req.Response))
	}
}

func snapshotFromResponse(resp *requests.Response) selection.Snapshot {
	if resp == nil {
		return selection.Snapshot{}
	}
	return selection.Snapshot{
		SelectedProviders: resp.Providers,
		SelectedLines:     resp.LineItems,
		TotalAmount:       resp.TotalAmount,
	}
}

// withCommitted adds the providers named by a committed bill that are no longer in the approved
// listing, so the bill can still be shown.
func withCommitted(providers []catalog.Provider, kind catalog.ProviderKind, resp *requests.Response) []catalog.Provider {
	if resp == nil {
		return providers
	}
	out := append([]catalog.Provider(nil), providers...)
	add := func(id, name string) {
		if strings.TrimSpace(id) == "" {
			return
		}
		if _, ok := catalog.Find(out, id); ok {
			return
		}
		p := catalog.Provider{ID: id, Name: name, Kind: kind, IsApproved: true}
		for _, l := range resp.LineItems {
			if l.ProviderID == id {
				p.Catalog = append(p.Catalog, l.Item)
			}
		}
		out = append(out, p)
	}
	for _, ref := range resp.Providers {
		add(ref.ID, ref.Name)
	}
	for _, l := range resp.LineItems {
		add(l.ProviderID, l.ProviderName)
	}
	return out
}
