// Package docstore defines the document store contract the lock coordinator
// and importer depend on.
//
// Backends live under pkg/store. Every backend must make Create an atomic
// create-if-absent: concurrent creators of the same key observe exactly one
// success, and every loser gets an error of KindAlreadyExists. The lock
// coordinator's mutual exclusion rests entirely on that guarantee.
package docstore

import (
	"context"
	"encoding/json"
	"time"
)

// Document is a stored JSON body addressed by collection and key.
type Document struct {
	Collection string
	Key        string
	Body       json.RawMessage
	UpdatedAt  time.Time
}

// Decode unmarshals the document body into out.
func (d *Document) Decode(out any) error {
	if d == nil {
		return NewError("decode", "", "", KindNotFound, nil)
	}
	if err := json.Unmarshal(d.Body, out); err != nil {
		return NewError("decode", d.Collection, d.Key, KindInvalid, err)
	}
	return nil
}

// Store is the document store collaborator.
type Store interface {
	// Create inserts a new document and fails with KindAlreadyExists when the
	// key is taken or KindCollectionMissing when the collection was never provisioned.
	Create(ctx context.Context, collection, key string, body []byte) (*Document, error)
	// Get returns the document or fails with KindNotFound.
	Get(ctx context.Context, collection, key string) (*Document, error)
	// Update replaces the body of an existing document or fails with KindNotFound.
	Update(ctx context.Context, collection, key string, body []byte) (*Document, error)
	// Delete removes the document or fails with KindNotFound.
	Delete(ctx context.Context, collection, key string) error

	HealthCheck(ctx context.Context) error
	Close() error
}

// Provisioner is implemented by backends that can create a collection on demand.
type Provisioner interface {
	Provision(ctx context.Context, collection string) error
}

// Marshal encodes v for storage.
func Marshal(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, NewError("encode", "", "", KindInvalid, err)
	}
	return body, nil
}

// Precondition inspects the stored document before a guarded write. A
// non-nil error aborts the write and is returned to the caller unchanged.
type Precondition func(current *Document) error

// Guarded is implemented by backends that apply a write only while the stored
// document still satisfies a precondition, with no other writer able to land
// between the check and the write.
type Guarded interface {
	UpdateIf(ctx context.Context, collection, key string, body []byte, check Precondition) (*Document, error)
	DeleteIf(ctx context.Context, collection, key string, check Precondition) error
}

// UpdateIf replaces the document body when check accepts the stored one. It
// uses the backend's guarded write when there is one; otherwise it reads,
// checks and overwrites, and a concurrent writer can land in between.
func UpdateIf(ctx context.Context, s Store, collection, key string, body []byte, check Precondition) (*Document, error) {
	if guarded, ok := s.(Guarded); ok {
		return guarded.UpdateIf(ctx, collection, key, body, check)
	}
	current, err := s.Get(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	if check != nil {
		if err := check(current); err != nil {
			return nil, err
		}
	}
	return s.Update(ctx, collection, key, body)
}

// DeleteIf removes the document when check accepts it, with the same
// fallback as UpdateIf.
func DeleteIf(ctx context.Context, s Store, collection, key string, check Precondition) error {
	if guarded, ok := s.(Guarded); ok {
		return guarded.DeleteIf(ctx, collection, key, check)
	}
	current, err := s.Get(ctx, collection, key)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(current); err != nil {
			return err
		}
	}
	return s.Delete(ctx, collection, key)
}
