// Package memory is a process-local document store. It honours the same
// create-if-absent and collection-missing contract as the networked backends
// and backs tests and single-instance runs.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/racesync/pkg/docstore"
)

var errClosed = errors.New("memory store is closed")

// Adapter keeps documents in maps guarded by a single mutex.
type Adapter struct {
	mu          sync.Mutex
	collections map[string]map[string]docstore.Document
	now         func() time.Time
	closed      bool
}

// Config holds memory adapter configuration.
type Config struct {
	// Collections are provisioned at construction time.
	Collections []string
}

// NewAdapter returns an empty store with cfg.Collections provisioned.
func NewAdapter(cfg Config) *Adapter {
	a := &Adapter{
		collections: make(map[string]map[string]docstore.Document),
		now:         time.Now,
	}
	for _, name := range cfg.Collections {
		name = strings.TrimSpace(name)
		if name != "" {
			a.collections[name] = make(map[string]docstore.Document)
		}
	}
	return a
}

func (a *Adapter) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	if err := a.precheck(ctx, "create", collection, key, body); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	docs, err := a.collectionLocked("create", collection, key)
	if err != nil {
		return nil, err
	}
	if _, exists := docs[key]; exists {
		return nil, docstore.NewError("create", collection, key, docstore.KindAlreadyExists, nil)
	}
	doc := docstore.Document{Collection: collection, Key: key, Body: clone(body), UpdatedAt: a.now().UTC()}
	docs[key] = doc
	return copyOf(doc), nil
}

func (a *Adapter) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	if err := a.precheck(ctx, "get", collection, key, nil); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	docs, err := a.collectionLocked("get", collection, key)
	if err != nil {
		return nil, err
	}
	doc, ok := docs[key]
	if !ok {
		return nil, docstore.NewError("get", collection, key, docstore.KindNotFound, nil)
	}
	return copyOf(doc), nil
}

func (a *Adapter) Update(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	return a.UpdateIf(ctx, collection, key, body, nil)
}

// UpdateIf runs check and the write under the adapter lock.
func (a *Adapter) UpdateIf(ctx context.Context, collection, key string, body []byte, check docstore.Precondition) (*docstore.Document, error) {
	if err := a.precheck(ctx, "update", collection, key, body); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guardLocked("update", collection, key, check); err != nil {
		return nil, err
	}
	doc := docstore.Document{Collection: collection, Key: key, Body: clone(body), UpdatedAt: a.now().UTC()}
	a.collections[collection][key] = doc
	return copyOf(doc), nil
}

func (a *Adapter) Delete(ctx context.Context, collection, key string) error {
	return a.DeleteIf(ctx, collection, key, nil)
}

// DeleteIf runs check and the delete under the adapter lock.
func (a *Adapter) DeleteIf(ctx context.Context, collection, key string, check docstore.Precondition) error {
	if err := a.precheck(ctx, "delete", collection, key, nil); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.guardLocked("delete", collection, key, check); err != nil {
		return err
	}
	delete(a.collections[collection], key)
	return nil
}

// guardLocked must be called with mu held.
func (a *Adapter) guardLocked(op, collection, key string, check docstore.Precondition) error {
	docs, err := a.collectionLocked(op, collection, key)
	if err != nil {
		return err
	}
	current, ok := docs[key]
	if !ok {
		return docstore.NewError(op, collection, key, docstore.KindNotFound, nil)
	}
	if check != nil {
		return check(copyOf(current))
	}
	return nil
}

// Provision creates collection if it does not exist yet.
func (a *Adapter) Provision(ctx context.Context, collection string) error {
	if err := ctx.Err(); err != nil {
		return docstore.NewError("provision", collection, "", docstore.KindUnavailable, err)
	}
	if strings.TrimSpace(collection) == "" {
		return docstore.NewError("provision", collection, "", docstore.KindInvalid, errors.New("collection is required"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return docstore.NewError("provision", collection, "", docstore.KindUnavailable, errClosed)
	}
	if _, ok := a.collections[collection]; !ok {
		a.collections[collection] = make(map[string]docstore.Document)
	}
	return nil
}

// Keys lists the keys stored in collection in lexical order.
func (a *Adapter) Keys(collection string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	keys := make([]string, 0, len(a.collections[collection]))
	for key := range a.collections[collection] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return errClosed
	}
	return nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

func (a *Adapter) precheck(ctx context.Context, op, collection, key string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return docstore.NewError(op, collection, key, docstore.KindUnavailable, err)
	}
	if strings.TrimSpace(collection) == "" || strings.TrimSpace(key) == "" {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("collection and key are required"))
	}
	if body != nil && !json.Valid(body) {
		return docstore.NewError(op, collection, key, docstore.KindInvalid, errors.New("body is not valid JSON"))
	}
	return nil
}

// collectionLocked must be called with mu held.
func (a *Adapter) collectionLocked(op, collection, key string) (map[string]docstore.Document, error) {
	if a.closed {
		return nil, docstore.NewError(op, collection, key, docstore.KindUnavailable, errClosed)
	}
	docs, ok := a.collections[collection]
	if !ok {
		return nil, docstore.NewError(op, collection, key, docstore.KindCollectionMissing, nil)
	}
	return docs, nil
}

func clone(body []byte) json.RawMessage {
	if body == nil {
		return nil
	}
	out := make([]byte, len(body))
	copy(out, body)
	return out
}

func copyOf(doc docstore.Document) *docstore.Document {
	doc.Body = clone(doc.Body)
	return &doc
}
