package drafts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/harshu-panchal/healiinn-sub002/internal/admin/selection"
)

// DefaultCollection holds draft documents when no collection is configured.
const DefaultCollection = "fulfillment_drafts"

// FirestoreConfig tunes the Firestore-backed draft store.
type FirestoreConfig struct {
	Collection string
	Timeout    time.Duration
	Now        func() time.Time
}

// FirestoreStore stores one document per draft key. The selection is kept as a JSON payload so
// decimal amounts survive without float conversion.
type FirestoreStore struct {
	client     *firestore.Client
	collection string
	timeout    time.Duration
	now        func() time.Time
}

type draftDocument struct {
	RequestID string    `firestore:"requestId"`
	Section   string    `firestore:"section"`
	Payload   string    `firestore:"payload"`
	Providers []string  `firestore:"providerIds"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// NewFirestoreStore constructs a FirestoreStore.
func NewFirestoreStore(client *firestore.Client, cfg FirestoreConfig) *FirestoreStore {
	if client == nil {
		panic("drafts: firestore client is required")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		cfg.Collection = DefaultCollection
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FirestoreStore{
		client:     client,
		collection: cfg.Collection,
		timeout:    cfg.Timeout,
		now:        cfg.Now,
	}
}

// Save implements Store.
func (s *FirestoreStore) Save(ctx context.Context, key Key, snap selection.Snapshot) error {
	if err := key.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("drafts: encode %s: %w", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	doc := draftDocument{
		RequestID: key.RequestID,
		Section:   string(key.Section),
		Payload:   string(payload),
		Providers: snap.ProviderIDs(),
		UpdatedAt: s.now().UTC(),
	}
	if _, err := s.doc(key).Set(ctx, doc); err != nil {
		return wrapError("save", key, err)
	}
	return nil
}

// Load implements Store.
func (s *FirestoreStore) Load(ctx context.Context, key Key) (selection.Snapshot, bool, error) {
	if err := key.Validate(); err != nil {
		return selection.Snapshot{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	snapshot, err := s.doc(key).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return selection.Snapshot{}, false, nil
		}
		return selection.Snapshot{}, false, wrapError("load", key, err)
	}
	var doc draftDocument
	if err := snapshot.DataTo(&doc); err != nil {
		return selection.Snapshot{}, false, fmt.Errorf("drafts: decode %s: %w", key, err)
	}
	var snap selection.Snapshot
	if err := json.Unmarshal([]byte(doc.Payload), &snap); err != nil {
		return selection.Snapshot{}, false, fmt.Errorf("drafts: decode %s payload: %w", key, err)
	}
	return snap, true, nil
}

// Clear implements Store. Clearing a missing draft succeeds.
func (s *FirestoreStore) Clear(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.doc(key).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return wrapError("clear", key, err)
	}
	return nil
}

func (s *FirestoreStore) doc(key Key) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(key.String())
}

func wrapError(op string, key Key, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	switch status.Code(err) {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}
	return fmt.Errorf("drafts: %s %s: %w", op, key, err)
}
