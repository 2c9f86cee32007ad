package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/observability/logger"
	"github.com/nimburion/racesync/pkg/testutil"
)

type fakeDoc struct {
	source json.RawMessage
	seqNo  int64
}

// fakeCluster answers the subset of the document API the adapter uses and
// enforces _create and if_seq_no semantics.
type fakeCluster struct {
	mu      sync.Mutex
	indices map[string]map[string]fakeDoc
	seq     int64
	health  string
	// beforeWrite runs before a conditional write is applied.
	beforeWrite func(index, id string)
}

func newFakeCluster() *fakeCluster {
	return &fakeCluster{indices: map[string]map[string]fakeDoc{}, health: "green"}
}

func (c *fakeCluster) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	switch {
	case r.URL.Path == "/":
		writeJSON(w, http.StatusOK, map[string]any{"version": map[string]any{"number": "8.15.0"}})
	case r.URL.Path == "/_cluster/health":
		c.mu.Lock()
		health := c.health
		c.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"status": health})
	case len(parts) == 1:
		c.handleIndex(w, r, parts[0])
	case len(parts) == 3:
		if (r.Method == http.MethodPut || r.Method == http.MethodDelete) && c.beforeWrite != nil && r.URL.Query().Has("if_seq_no") {
			c.beforeWrite(parts[0], parts[2])
		}
		c.handleDoc(w, r, parts[0], parts[1], parts[2])
	default:
		writeJSON(w, http.StatusBadRequest, errBody("illegal_argument_exception", "unexpected path"))
	}
}

func (c *fakeCluster) handleIndex(w http.ResponseWriter, r *http.Request, index string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.indices[index]
	switch r.Method {
	case http.MethodHead:
		if !exists {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		if exists {
			writeJSON(w, http.StatusBadRequest, errBody("resource_already_exists_exception", "index ["+index+"] already exists"))
			return
		}
		c.indices[index] = map[string]fakeDoc{}
		writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true, "index": index})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (c *fakeCluster) handleDoc(w http.ResponseWriter, r *http.Request, index, endpoint, id string) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	defer c.mu.Unlock()
	docs, exists := c.indices[index]
	if !exists {
		writeJSON(w, http.StatusNotFound, errBody("index_not_found_exception", "no such index ["+index+"]"))
		return
	}
	current, found := docs[id]

	switch {
	case r.Method == http.MethodPut && endpoint == "_create":
		if found {
			writeJSON(w, http.StatusConflict, errBody("version_conflict_engine_exception", "document already exists"))
			return
		}
		c.seq++
		docs[id] = fakeDoc{source: body, seqNo: c.seq}
		writeJSON(w, http.StatusCreated, map[string]any{"result": "created"})
	case r.Method == http.MethodPut && endpoint == "_doc":
		if raw := r.URL.Query().Get("if_seq_no"); raw != "" {
			want, _ := strconv.ParseInt(raw, 10, 64)
			if !found || current.seqNo != want {
				writeJSON(w, http.StatusConflict, errBody("version_conflict_engine_exception", "sequence number mismatch"))
				return
			}
		}
		c.seq++
		docs[id] = fakeDoc{source: body, seqNo: c.seq}
		writeJSON(w, http.StatusOK, map[string]any{"result": "updated"})
	case r.Method == http.MethodGet && endpoint == "_doc":
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"_index": index, "_id": id, "found": false})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"_index":        index,
			"_id":           id,
			"found":         true,
			"_seq_no":       current.seqNo,
			"_primary_term": 1,
			"_source":       current.source,
		})
	case r.Method == http.MethodDelete && endpoint == "_doc":
		if !found {
			writeJSON(w, http.StatusNotFound, map[string]any{"result": "not_found"})
			return
		}
		if raw := r.URL.Query().Get("if_seq_no"); raw != "" {
			want, _ := strconv.ParseInt(raw, 10, 64)
			if current.seqNo != want {
				writeJSON(w, http.StatusConflict, errBody("version_conflict_engine_exception", "sequence number mismatch"))
				return
			}
		}
		delete(docs, id)
		writeJSON(w, http.StatusOK, map[string]any{"result": "deleted"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func errBody(kind, reason string) map[string]any {
	return map[string]any{"error": map[string]any{"type": kind, "reason": reason}, "status": 0}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestAdapter(t *testing.T, flavor Flavor) (*Adapter, *fakeCluster) {
	t.Helper()
	cluster := newFakeCluster()
	srv := httptest.NewServer(cluster)
	t.Cleanup(srv.Close)

	adapter, err := NewAdapter(Config{
		Flavor:           flavor,
		URLs:             []string{srv.URL},
		IndexPrefix:      "RaceSync",
		OperationTimeout: 2 * time.Second,
	}, logger.Nop())
	if err != nil {
		t.Fatalf("NewAdapter(%s): %v", flavor, err)
	}
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter, cluster
}

func TestAdapter_DocumentLifecycle(t *testing.T) {
	for _, flavor := range []Flavor{FlavorOpenSearch, FlavorElasticsearch} {
		t.Run(string(flavor), func(t *testing.T) {
			adapter, cluster := newTestAdapter(t, flavor)
			ctx := context.Background()

			if err := adapter.Provision(ctx, "locks"); err != nil {
				t.Fatalf("Provision: %v", err)
			}
			if _, ok := cluster.indices["racesync-locks"]; !ok {
				t.Fatalf("expected prefixed lower-case index, got %v", cluster.indices)
			}

			created, err := adapter.Create(ctx, "locks", "job-1", []byte(`{"owner":"a"}`))
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if created.UpdatedAt.IsZero() {
				t.Fatal("expected UpdatedAt to be set")
			}

			_, err = adapter.Create(ctx, "locks", "job-1", []byte(`{"owner":"b"}`))
			if !errors.Is(err, docstore.ErrAlreadyExists) {
				t.Fatalf("second Create error = %v, want ErrAlreadyExists", err)
			}

			got, err := adapter.Get(ctx, "locks", "job-1")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if string(got.Body) != `{"owner":"a"}` {
				t.Fatalf("Get body = %s", got.Body)
			}

			if _, err := adapter.Update(ctx, "locks", "job-1", []byte(`{"owner":"c"}`)); err != nil {
				t.Fatalf("Update: %v", err)
			}
			got, err = adapter.Get(ctx, "locks", "job-1")
			if err != nil {
				t.Fatalf("Get after update: %v", err)
			}
			if string(got.Body) != `{"owner":"c"}` {
				t.Fatalf("Get body after update = %s", got.Body)
			}

			if err := adapter.Delete(ctx, "locks", "job-1"); err != nil {
				t.Fatalf("Delete: %v", err)
			}
			if _, err := adapter.Get(ctx, "locks", "job-1"); !errors.Is(err, docstore.ErrNotFound) {
				t.Fatalf("Get after delete error = %v, want ErrNotFound", err)
			}
			if err := adapter.Delete(ctx, "locks", "job-1"); !errors.Is(err, docstore.ErrNotFound) {
				t.Fatalf("second Delete error = %v, want ErrNotFound", err)
			}
			if _, err := adapter.Update(ctx, "locks", "job-1", []byte(`{}`)); !errors.Is(err, docstore.ErrNotFound) {
				t.Fatalf("Update missing error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestAdapter_Contract(t *testing.T) {
	adapter, _ := newTestAdapter(t, FlavorElasticsearch)
	testutil.StoreContract{Store: adapter, Collection: "contract_locks"}.Run(t)
}

func TestAdapter_MissingCollection(t *testing.T) {
	adapter, _ := newTestAdapter(t, FlavorOpenSearch)
	ctx := context.Background()

	if _, err := adapter.Create(ctx, "unprovisioned", "k", []byte(`{}`)); !errors.Is(err, docstore.ErrCollectionMissing) {
		t.Fatalf("Create error = %v, want ErrCollectionMissing", err)
	}
	if _, err := adapter.Get(ctx, "unprovisioned", "k"); !errors.Is(err, docstore.ErrCollectionMissing) {
		t.Fatalf("Get error = %v, want ErrCollectionMissing", err)
	}
}

func TestAdapter_ProvisionTwiceIsNoop(t *testing.T) {
	adapter, _ := newTestAdapter(t, FlavorElasticsearch)
	ctx := context.Background()
	if err := adapter.Provision(ctx, "locks"); err != nil {
		t.Fatalf("first Provision: %v", err)
	}
	if err := adapter.Provision(ctx, "locks"); err != nil {
		t.Fatalf("second Provision: %v", err)
	}
}

func TestAdapter_UpdateRetriesOnVersionConflict(t *testing.T) {
	adapter, cluster := newTestAdapter(t, FlavorOpenSearch)
	ctx := context.Background()
	if err := adapter.Provision(ctx, "locks"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := adapter.Create(ctx, "locks", "job", []byte(`{"n":0}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	interfered := false
	cluster.beforeWrite = func(index, id string) {
		if interfered {
			return
		}
		interfered = true
		cluster.mu.Lock()
		defer cluster.mu.Unlock()
		cluster.seq++
		doc := cluster.indices[index][id]
		doc.seqNo = cluster.seq
		cluster.indices[index][id] = doc
	}

	if _, err := adapter.Update(ctx, "locks", "job", []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !interfered {
		t.Fatal("expected a concurrent write to be simulated")
	}
	got, err := adapter.Get(ctx, "locks", "job")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Body) != `{"n":1}` {
		t.Fatalf("body = %s", got.Body)
	}
}

// takeOver replaces the stored body as another writer would.
func (c *fakeCluster) takeOver(index, id string, body json.RawMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	source, _ := json.Marshal(map[string]any{"body": body, "updatedAt": time.Now().UTC()})
	c.indices[index][id] = fakeDoc{source: source, seqNo: c.seq}
}

func ownedBy(owner string) docstore.Precondition {
	return func(current *docstore.Document) error {
		var body struct {
			Owner string `json:"owner"`
		}
		if err := current.Decode(&body); err != nil {
			return err
		}
		if body.Owner != owner {
			return errNotOwner
		}
		return nil
	}
}

var errNotOwner = errors.New("owned by another writer")

func TestAdapter_GuardedWritesSeeConcurrentTakeover(t *testing.T) {
	adapter, cluster := newTestAdapter(t, FlavorOpenSearch)
	ctx := context.Background()
	if err := adapter.Provision(ctx, "locks"); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := adapter.Create(ctx, "locks", "job", []byte(`{"owner":"a"}`)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	cluster.beforeWrite = func(index, id string) {
		cluster.beforeWrite = nil
		cluster.takeOver(index, id, json.RawMessage(`{"owner":"b"}`))
	}
	_, err := adapter.UpdateIf(ctx, "locks", "job", []byte(`{"owner":"a","beat":2}`), ownedBy("a"))
	if !errors.Is(err, errNotOwner) {
		t.Fatalf("UpdateIf error = %v, want errNotOwner", err)
	}

	cluster.beforeWrite = func(index, id string) {
		cluster.beforeWrite = nil
		cluster.takeOver(index, id, json.RawMessage(`{"owner":"c"}`))
	}
	if err := adapter.DeleteIf(ctx, "locks", "job", ownedBy("b")); !errors.Is(err, errNotOwner) {
		t.Fatalf("DeleteIf error = %v, want errNotOwner", err)
	}

	got, err := adapter.Get(ctx, "locks", "job")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Body) != `{"owner":"c"}` {
		t.Fatalf("body = %s, want the last writer's", got.Body)
	}
	if err := adapter.DeleteIf(ctx, "locks", "job", ownedBy("c")); err != nil {
		t.Fatalf("DeleteIf by owner: %v", err)
	}
	if _, err := adapter.Get(ctx, "locks", "job"); !docstore.IsKind(err, docstore.KindNotFound) {
		t.Fatalf("expected not found after owner delete, got %v", err)
	}
}

func TestAdapter_InvalidInput(t *testing.T) {
	adapter, _ := newTestAdapter(t, FlavorOpenSearch)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
	}{
		{"empty key", func() error { _, err := adapter.Create(ctx, "locks", " ", []byte(`{}`)); return err }},
		{"bad body", func() error { _, err := adapter.Create(ctx, "locks", "k", []byte(`{`)); return err }},
		{"bad collection", func() error { _, err := adapter.Get(ctx, "a/b", "k"); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, docstore.ErrInvalid) {
				t.Fatalf("error = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestAdapter_HealthCheck(t *testing.T) {
	adapter, cluster := newTestAdapter(t, FlavorOpenSearch)
	if err := adapter.HealthCheck(context.Background()); err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	cluster.mu.Lock()
	cluster.health = "red"
	cluster.mu.Unlock()
	if err := adapter.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected red cluster to fail the health check")
	}
}

func TestAdapter_Closed(t *testing.T) {
	adapter, _ := newTestAdapter(t, FlavorOpenSearch)
	if err := adapter.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := adapter.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := adapter.Get(context.Background(), "locks", "k"); !errors.Is(err, docstore.ErrUnavailable) {
		t.Fatalf("Get after Close error = %v, want ErrUnavailable", err)
	}
}

func TestNewAdapter_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"no urls", Config{}, "at least one search url"},
		{"bad url", Config{URLs: []string{"localhost:9200"}}, "invalid search url"},
		{"unknown flavor", Config{Flavor: "solr", URLs: []string{"http://localhost:9200"}}, "unsupported search flavor"},
		{"aws without region", Config{URLs: []string{"http://localhost:9200"}, AWSAuthEnabled: true}, "aws region"},
		{"half static credentials", Config{URLs: []string{"http://localhost:9200"}, AWSAuthEnabled: true, AWSRegion: "eu-west-1", AWSAccessKeyID: "AKIA"}, "both aws access key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAdapter(tt.cfg, logger.Nop())
			if err == nil || !strings.Contains(strings.ToLower(err.Error()), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}
}
