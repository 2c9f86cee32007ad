// Package testutil holds helpers shared by backend tests.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/nimburion/racesync/pkg/docstore"
)

// StoreContract describes a backend under test.
type StoreContract struct {
	Store      docstore.Store
	Collection string
	// AutoProvisioned backends accept writes to collections never provisioned.
	AutoProvisioned bool
	// Contenders is the number of goroutines racing on Create.
	Contenders int
}

// Run checks the behaviour the lock coordinator relies on: a classified
// missing collection, exclusive create, overwrite, delete, and a single
// winner among concurrent creators.
func (c StoreContract) Run(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	coll := c.Collection
	if coll == "" {
		coll = "contract_locks"
	}
	contenders := c.Contenders
	if contenders <= 0 {
		contenders = 16
	}

	if !c.AutoProvisioned {
		t.Run("CollectionMissing", func(t *testing.T) {
			if _, err := c.Store.Create(ctx, coll, "job", []byte(`{}`)); !docstore.IsKind(err, docstore.KindCollectionMissing) {
				t.Fatalf("expected collection missing, got %v", err)
			}
		})
	}

	if provisioner, ok := c.Store.(docstore.Provisioner); ok {
		if err := provisioner.Provision(ctx, coll); err != nil {
			t.Fatalf("provision: %v", err)
		}
	}

	t.Run("CreateGetUpdateDelete", func(t *testing.T) {
		if _, err := c.Store.Create(ctx, coll, "crud", []byte(`{"v":1}`)); err != nil {
			t.Fatalf("create: %v", err)
		}
		if _, err := c.Store.Create(ctx, coll, "crud", []byte(`{"v":2}`)); !docstore.IsKind(err, docstore.KindAlreadyExists) {
			t.Fatalf("expected already exists, got %v", err)
		}
		if _, err := c.Store.Update(ctx, coll, "crud", []byte(`{"v":3}`)); err != nil {
			t.Fatalf("update: %v", err)
		}
		doc, err := c.Store.Get(ctx, coll, "crud")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var body struct {
			V int `json:"v"`
		}
		if err := doc.Decode(&body); err != nil || body.V != 3 {
			t.Fatalf("unexpected body %s (%v)", doc.Body, err)
		}
		if err := c.Store.Delete(ctx, coll, "crud"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := c.Store.Delete(ctx, coll, "crud"); !docstore.IsKind(err, docstore.KindNotFound) {
			t.Fatalf("expected not found, got %v", err)
		}
		if _, err := c.Store.Get(ctx, coll, "crud"); !docstore.IsKind(err, docstore.KindNotFound) {
			t.Fatalf("expected not found on get, got %v", err)
		}
		if _, err := c.Store.Update(ctx, coll, "crud", []byte(`{}`)); !docstore.IsKind(err, docstore.KindNotFound) {
			t.Fatalf("expected not found on update, got %v", err)
		}
	})

	t.Run("ConcurrentCreateSingleWinner", func(t *testing.T) {
		var wins int32
		var wg sync.WaitGroup
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				body := []byte(fmt.Sprintf(`{"executionId":"exec-%d"}`, i))
				if _, err := c.Store.Create(ctx, coll, "race", body); err == nil {
					atomic.AddInt32(&wins, 1)
				}
			}(i)
		}
		wg.Wait()
		if wins != 1 {
			t.Fatalf("expected one winner, got %d", wins)
		}
	})
}
