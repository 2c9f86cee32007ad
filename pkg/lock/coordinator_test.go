package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/nimburion/racesync/pkg/docstore"
	"github.com/nimburion/racesync/pkg/store/memory"
)

const testJob = "race-schedule-import"

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

func newTestStore() *memory.Adapter {
	return memory.NewAdapter(memory.Config{Collections: []string{DefaultCollection}})
}

func newTestCoordinator(t *testing.T, store docstore.Store, clock *fakeClock, host string) *Coordinator {
	t.Helper()
	c, err := NewCoordinator(store, Config{}, nil,
		WithClock(clock.Now),
		WithIDGenerator(sequentialIDs(host)),
		WithHost(host),
	)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	return c
}

func TestNewCoordinator_Defaults(t *testing.T) {
	c, err := NewCoordinator(newTestStore(), Config{Collection: "  "}, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	cfg := c.Config()
	if cfg.Collection != DefaultCollection ||
		cfg.StaleThreshold != DefaultStaleThreshold ||
		cfg.HeartbeatInterval != DefaultHeartbeatInterval ||
		cfg.OperationTimeout != DefaultOperationTimeout ||
		cfg.ProgressLimit != DefaultProgressLimit {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}

	if _, err := NewCoordinator(nil, Config{}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument without store, got %v", err)
	}
}

func TestAcquire_FreeSlotThenContention(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	a := newTestCoordinator(t, store, clock, "a")
	b := newTestCoordinator(t, store, clock, "b")
	ctx := context.Background()

	handle, err := a.Acquire(ctx, testJob)
	if err != nil || handle == nil {
		t.Fatalf("expected handle, got %v (%v)", handle, err)
	}
	if handle.ExecutionID() != "a-1" || handle.JobKey() != testJob {
		t.Fatalf("unexpected handle: %s %s", handle.ExecutionID(), handle.JobKey())
	}
	if !handle.AcquiredAt().Equal(clock.Now()) {
		t.Fatalf("expected acquiredAt %s, got %s", clock.Now(), handle.AcquiredAt())
	}

	clock.Advance(4 * time.Minute)
	other, err := b.Acquire(ctx, testJob)
	if err != nil {
		t.Fatalf("contention must not be an error: %v", err)
	}
	if other != nil {
		t.Fatalf("expected no handle while a live peer holds the lock, got %s", other.ExecutionID())
	}

	current, err := b.Inspect(ctx, testJob)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if current.ExecutionID != "a-1" || current.Host != "a" || current.Status != StatusRunning ||
		current.SchemaVersion != SchemaVersion {
		t.Fatalf("unexpected lock document: %+v", current)
	}
}

func TestAcquire_ExactlyAtThresholdIsNotStale(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	a := newTestCoordinator(t, store, clock, "a")
	b := newTestCoordinator(t, store, clock, "b")

	if h, _ := a.Acquire(context.Background(), testJob); h == nil {
		t.Fatal("expected first acquire to succeed")
	}
	clock.Advance(DefaultStaleThreshold)
	if h, err := b.Acquire(context.Background(), testJob); h != nil || err != nil {
		t.Fatalf("expected contention at exactly the threshold, got %v (%v)", h, err)
	}
}

func TestAcquire_StaleTakeoverEndToEnd(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	jobA := newTestCoordinator(t, store, clock, "a")
	jobB := newTestCoordinator(t, store, clock, "b")
	ctx := context.Background()

	handleA, err := jobA.Acquire(ctx, testJob)
	if err != nil || handleA == nil {
		t.Fatalf("job A acquire: %v (%v)", handleA, err)
	}
	clock.Advance(time.Minute)
	if err := handleA.Heartbeat(ctx, map[string]int{"written": 10}); err != nil {
		t.Fatalf("job A heartbeat: %v", err)
	}
	// job A crashes here without releasing

	clock.Advance(6 * time.Minute)
	handleB, err := jobB.Acquire(ctx, testJob)
	if err != nil {
		t.Fatalf("job B acquire: %v", err)
	}
	if handleB == nil {
		t.Fatal("expected job B to reclaim the stale lock")
	}
	if handleB.ExecutionID() == handleA.ExecutionID() {
		t.Fatalf("expected a new execution id, got %s", handleB.ExecutionID())
	}
	if keys := store.Keys(DefaultCollection); len(keys) != 1 || keys[0] != testJob {
		t.Fatalf("expected exactly one lock document, got %v", keys)
	}
	current, err := jobB.Inspect(ctx, testJob)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if current.ExecutionID != handleB.ExecutionID() {
		t.Fatalf("store holds %s, expected %s", current.ExecutionID, handleB.ExecutionID())
	}
}

// barrierStore holds both challengers at the start and at the end of their
// stale delete so that neither recreates before the other has deleted.
type barrierStore struct {
	docstore.Store
	before sync.WaitGroup
	after  sync.WaitGroup
}

func newBarrierStore(inner docstore.Store, parties int) *barrierStore {
	s := &barrierStore{Store: inner}
	s.before.Add(parties)
	s.after.Add(parties)
	return s
}

func (s *barrierStore) Delete(ctx context.Context, collection, key string) error {
	s.before.Done()
	s.before.Wait()
	err := s.Store.Delete(ctx, collection, key)
	s.after.Done()
	s.after.Wait()
	return err
}

func TestAcquire_TwoStaleChallengersYieldOneHandle(t *testing.T) {
	inner := newTestStore()
	clock := newFakeClock()
	crashed := newTestCoordinator(t, inner, clock, "crashed")
	if h, err := crashed.Acquire(context.Background(), testJob); h == nil || err != nil {
		t.Fatalf("seed acquire: %v (%v)", h, err)
	}
	clock.Advance(10 * time.Minute)

	store := newBarrierStore(inner, 2)
	challengers := []*Coordinator{
		newTestCoordinator(t, store, clock, "c1"),
		newTestCoordinator(t, store, clock, "c2"),
	}

	handles := make([]*Handle, len(challengers))
	errs := make([]error, len(challengers))
	var wg sync.WaitGroup
	for i, c := range challengers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = c.Acquire(context.Background(), testJob)
		}()
	}
	wg.Wait()

	won := 0
	for i := range challengers {
		if errs[i] != nil {
			t.Fatalf("challenger %d: unexpected error %v", i, errs[i])
		}
		if handles[i] != nil {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
	if keys := inner.Keys(DefaultCollection); len(keys) != 1 {
		t.Fatalf("expected one lock document, got %v", keys)
	}
}

func TestAcquire_NotProvisioned(t *testing.T) {
	store := memory.NewAdapter(memory.Config{})
	c := newTestCoordinator(t, store, newFakeClock(), "a")

	handle, err := c.Acquire(context.Background(), testJob)
	if handle != nil {
		t.Fatal("expected no handle")
	}
	if !errors.Is(err, ErrNotProvisioned) {
		t.Fatalf("expected ErrNotProvisioned, got %v", err)
	}
	if !errors.Is(err, docstore.ErrCollectionMissing) {
		t.Fatalf("expected the store error to stay in the chain, got %v", err)
	}

	if err := c.Provision(context.Background()); err != nil {
		t.Fatalf("provision: %v", err)
	}
	if handle, err := c.Acquire(context.Background(), testJob); handle == nil || err != nil {
		t.Fatalf("expected acquire after provision, got %v (%v)", handle, err)
	}
}

func TestAcquire_StoreUnavailable(t *testing.T) {
	store := newTestStore()
	_ = store.Close()
	c := newTestCoordinator(t, store, newFakeClock(), "a")

	handle, err := c.Acquire(context.Background(), testJob)
	if handle != nil || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v (%v)", handle, err)
	}
}

type slowStore struct {
	docstore.Store
}

func (s slowStore) Create(ctx context.Context, collection, key string, body []byte) (*docstore.Document, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestAcquire_StoreTimeoutIsUnavailable(t *testing.T) {
	c, err := NewCoordinator(slowStore{Store: newTestStore()}, Config{OperationTimeout: 20 * time.Millisecond}, nil)
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	handle, err := c.Acquire(context.Background(), testJob)
	if handle != nil || !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable on timeout, got %v (%v)", handle, err)
	}
}

func TestAcquire_RejectsEmptyJobKey(t *testing.T) {
	c := newTestCoordinator(t, newTestStore(), newFakeClock(), "a")
	if _, err := c.Acquire(context.Background(), " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	var nilCoordinator *Coordinator
	if _, err := nilCoordinator.Acquire(context.Background(), testJob); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestAcquire_UnreadableLockAgesFromStoreTimestamp(t *testing.T) {
	store := newTestStore()
	if _, err := store.Create(context.Background(), DefaultCollection, testJob, []byte(`{"owner":"legacy"}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}
	clock := &fakeClock{now: time.Now().Add(time.Hour)}
	c := newTestCoordinator(t, store, clock, "a")

	handle, err := c.Acquire(context.Background(), testJob)
	if err != nil || handle == nil {
		t.Fatalf("expected takeover of unreadable stale lock, got %v (%v)", handle, err)
	}
}

func TestRelease_DeletesAndIsIdempotent(t *testing.T) {
	store := newTestStore()
	c := newTestCoordinator(t, store, newFakeClock(), "a")
	ctx := context.Background()

	handle, err := c.Acquire(ctx, testJob)
	if err != nil || handle == nil {
		t.Fatalf("acquire: %v (%v)", handle, err)
	}
	if err := handle.Release(ctx, Completion{Status: "completed"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if keys := store.Keys(DefaultCollection); len(keys) != 0 {
		t.Fatalf("expected no lock after release, got %v", keys)
	}
	if err := handle.Release(ctx, Completion{Status: "completed"}); err != nil {
		t.Fatalf("second release must be a no-op, got %v", err)
	}
	if next, err := c.Acquire(ctx, testJob); next == nil || err != nil {
		t.Fatalf("expected slot to be free after release, got %v (%v)", next, err)
	}
}

func TestRelease_LeavesPeerLockAlone(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	a := newTestCoordinator(t, store, clock, "a")
	b := newTestCoordinator(t, store, clock, "b")
	ctx := context.Background()

	handleA, _ := a.Acquire(ctx, testJob)
	clock.Advance(6 * time.Minute)
	handleB, _ := b.Acquire(ctx, testJob)
	if handleA == nil || handleB == nil {
		t.Fatal("expected both acquisitions to succeed")
	}

	if err := handleA.Release(ctx, Completion{Status: "completed"}); err != nil {
		t.Fatalf("late release must not fail: %v", err)
	}
	current, err := b.Inspect(ctx, testJob)
	if err != nil || current == nil || current.ExecutionID != handleB.ExecutionID() {
		t.Fatalf("peer lock must survive, got %+v (%v)", current, err)
	}
}

func TestRelease_IgnoresCallerCancellation(t *testing.T) {
	store := newTestStore()
	c := newTestCoordinator(t, store, newFakeClock(), "a")
	handle, _ := c.Acquire(context.Background(), testJob)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := handle.Release(ctx, Completion{Status: "terminated_by_schedule"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	if keys := store.Keys(DefaultCollection); len(keys) != 0 {
		t.Fatalf("expected lock deleted, got %v", keys)
	}
}

func TestHeartbeat_RefreshesAndStoresProgress(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c := newTestCoordinator(t, store, clock, "a")
	ctx := context.Background()

	handle, _ := c.Acquire(ctx, testJob)
	clock.Advance(2 * time.Minute)
	if err := handle.Heartbeat(ctx, map[string]int{"chunk": 3}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	current, err := c.Inspect(ctx, testJob)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !current.LastHeartbeat.Equal(clock.Now()) {
		t.Fatalf("expected lastHeartbeat %s, got %s", clock.Now(), current.LastHeartbeat)
	}
	if !current.AcquiredAt.Equal(handle.AcquiredAt()) {
		t.Fatalf("heartbeat must not move acquiredAt")
	}
	if string(current.ProgressSnapshot) != `{"chunk":3}` {
		t.Fatalf("unexpected snapshot: %s", current.ProgressSnapshot)
	}

	// a refreshed lock is not stale for another full threshold
	clock.Advance(4 * time.Minute)
	other := newTestCoordinator(t, store, clock, "b")
	if h, err := other.Acquire(ctx, testJob); h != nil || err != nil {
		t.Fatalf("expected contention after heartbeat, got %v (%v)", h, err)
	}
}

func TestHeartbeat_AfterTakeoverReportsLockLost(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	a := newTestCoordinator(t, store, clock, "a")
	b := newTestCoordinator(t, store, clock, "b")
	ctx := context.Background()

	handleA, _ := a.Acquire(ctx, testJob)
	clock.Advance(6 * time.Minute)
	handleB, _ := b.Acquire(ctx, testJob)

	err := handleA.Heartbeat(ctx, nil)
	if !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	select {
	case <-handleA.Lost():
	default:
		t.Fatal("expected Lost channel to be closed")
	}
	current, _ := b.Inspect(ctx, testJob)
	if current.ExecutionID != handleB.ExecutionID() {
		t.Fatalf("heartbeat of a lost handle must not overwrite the new holder")
	}
}

// interleavingStore runs beforeRead once, right before the next guarded
// write reads the document, so a peer can take over between check and write.
type interleavingStore struct {
	*memory.Adapter
	beforeRead func()
}

func (s *interleavingStore) interleave() {
	if fn := s.beforeRead; fn != nil {
		s.beforeRead = nil
		fn()
	}
}

func (s *interleavingStore) Get(ctx context.Context, collection, key string) (*docstore.Document, error) {
	s.interleave()
	return s.Adapter.Get(ctx, collection, key)
}

func (s *interleavingStore) UpdateIf(ctx context.Context, collection, key string, body []byte, check docstore.Precondition) (*docstore.Document, error) {
	s.interleave()
	return s.Adapter.UpdateIf(ctx, collection, key, body, check)
}

func (s *interleavingStore) DeleteIf(ctx context.Context, collection, key string, check docstore.Precondition) error {
	s.interleave()
	return s.Adapter.DeleteIf(ctx, collection, key, check)
}

func TestHeartbeat_TakeoverDuringWriteIsNotReverted(t *testing.T) {
	inner := newTestStore()
	store := &interleavingStore{Adapter: inner}
	clock := newFakeClock()
	a := newTestCoordinator(t, store, clock, "a")
	b := newTestCoordinator(t, inner, clock, "b")
	ctx := context.Background()

	handleA, err := a.Acquire(ctx, testJob)
	if err != nil || handleA == nil {
		t.Fatalf("acquire: %v (%v)", handleA, err)
	}
	var handleB *Handle
	store.beforeRead = func() {
		clock.Advance(6 * time.Minute)
		handleB, _ = b.Acquire(ctx, testJob)
	}

	if err := handleA.Heartbeat(ctx, nil); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
	if handleB == nil {
		t.Fatal("expected the challenger to take over")
	}
	current, err := b.Inspect(ctx, testJob)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if current.ExecutionID != handleB.ExecutionID() {
		t.Fatalf("holder after heartbeat = %s, want %s", current.ExecutionID, handleB.ExecutionID())
	}
}

func TestRelease_TakeoverDuringDeleteIsKept(t *testing.T) {
	inner := newTestStore()
	store := &interleavingStore{Adapter: inner}
	clock := newFakeClock()
	a := newTestCoordinator(t, store, clock, "a")
	b := newTestCoordinator(t, inner, clock, "b")
	ctx := context.Background()

	handleA, _ := a.Acquire(ctx, testJob)
	var handleB *Handle
	store.beforeRead = func() {
		clock.Advance(6 * time.Minute)
		handleB, _ = b.Acquire(ctx, testJob)
	}

	if err := handleA.Release(ctx, Completion{Status: "completed"}); err != nil {
		t.Fatalf("late release must not fail: %v", err)
	}
	if handleB == nil {
		t.Fatal("expected the challenger to take over")
	}
	current, err := b.Inspect(ctx, testJob)
	if err != nil || current == nil || current.ExecutionID != handleB.ExecutionID() {
		t.Fatalf("peer lock must survive release, got %+v (%v)", current, err)
	}
}

func TestHeartbeat_AfterReleaseFails(t *testing.T) {
	c := newTestCoordinator(t, newTestStore(), newFakeClock(), "a")
	handle, _ := c.Acquire(context.Background(), testJob)
	_ = handle.Release(context.Background(), Completion{Status: "completed"})
	if err := handle.Heartbeat(context.Background(), nil); !errors.Is(err, ErrLockLost) {
		t.Fatalf("expected ErrLockLost, got %v", err)
	}
}

func TestStartHeartbeat_RenewsUntilRelease(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c, err := NewCoordinator(store, Config{HeartbeatInterval: 5 * time.Millisecond}, nil,
		WithClock(clock.Now), WithIDGenerator(sequentialIDs("a")))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	ctx := context.Background()
	handle, _ := c.Acquire(ctx, testJob)

	var calls atomic.Int64
	handle.StartHeartbeat(ctx, func() any {
		return map[string]int64{"tick": calls.Add(1)}
	})
	handle.StartHeartbeat(ctx, nil) // second start is ignored

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("heartbeat loop did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := handle.Release(ctx, Completion{Status: "completed"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	stopped := calls.Load()
	time.Sleep(30 * time.Millisecond)
	if calls.Load() != stopped {
		t.Fatal("heartbeat kept running after release")
	}
	if keys := store.Keys(DefaultCollection); len(keys) != 0 {
		t.Fatalf("expected lock deleted, got %v", keys)
	}
}

func TestClear(t *testing.T) {
	store := newTestStore()
	clock := newFakeClock()
	c := newTestCoordinator(t, store, clock, "a")
	ctx := context.Background()

	if cleared, err := c.Clear(ctx, testJob, false); cleared || err != nil {
		t.Fatalf("clearing a free slot: %v (%v)", cleared, err)
	}
	_, _ = c.Acquire(ctx, testJob)
	if cleared, err := c.Clear(ctx, testJob, false); cleared || err != nil {
		t.Fatalf("live lock must survive unforced clear: %v (%v)", cleared, err)
	}
	clock.Advance(6 * time.Minute)
	if cleared, err := c.Clear(ctx, testJob, false); !cleared || err != nil {
		t.Fatalf("stale lock must be cleared: %v (%v)", cleared, err)
	}

	_, _ = c.Acquire(ctx, testJob)
	if cleared, err := c.Clear(ctx, testJob, true); !cleared || err != nil {
		t.Fatalf("forced clear: %v (%v)", cleared, err)
	}
	if keys := store.Keys(DefaultCollection); len(keys) != 0 {
		t.Fatalf("expected no lock, got %v", keys)
	}
}

func TestInspect_FreeSlot(t *testing.T) {
	c := newTestCoordinator(t, newTestStore(), newFakeClock(), "a")
	current, err := c.Inspect(context.Background(), testJob)
	if err != nil || current != nil {
		t.Fatalf("expected nil lock, got %+v (%v)", current, err)
	}
}

func TestHealthChecker(t *testing.T) {
	store := newTestStore()
	c := newTestCoordinator(t, store, newFakeClock(), "a")
	checker := NewHealthChecker("", c, time.Second)
	if checker.Name() != defaultHealthCheckName {
		t.Fatalf("unexpected name %q", checker.Name())
	}
	if err := c.HealthCheck(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	_ = store.Close()
	if err := c.HealthCheck(context.Background()); err == nil {
		t.Fatal("expected closed store to be unhealthy")
	}
}

func TestEncodeProgress(t *testing.T) {
	raw, err := encodeProgress(map[string]string{"k": "v"}, 64)
	if err != nil || string(raw) != `{"k":"v"}` {
		t.Fatalf("unexpected snapshot %s (%v)", raw, err)
	}
	if raw, _ := encodeProgress(nil, 64); raw != nil {
		t.Fatalf("expected nil snapshot for nil progress, got %s", raw)
	}
	if raw, _ := encodeProgress("x", -1); raw != nil {
		t.Fatalf("expected disabled snapshot, got %s", raw)
	}

	big := make([]int, 100)
	raw, err = encodeProgress(big, 16)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var marker struct {
		Truncated bool `json:"truncated"`
		Bytes     int  `json:"bytes"`
	}
	if err := json.Unmarshal(raw, &marker); err != nil {
		t.Fatalf("decode marker: %v", err)
	}
	if !marker.Truncated || marker.Bytes != 201 {
		t.Fatalf("unexpected marker: %+v", marker)
	}

	if _, err := encodeProgress(func() {}, 64); err == nil {
		t.Fatal("expected error for unencodable progress")
	}
}

func TestAcquire_MutualExclusionProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("concurrent acquirers get exactly one handle", prop.ForAll(
		func(contenders int) bool {
			store := newTestStore()
			clock := newFakeClock()
			var wg sync.WaitGroup
			var won atomic.Int64
			var failed atomic.Int64
			for i := 0; i < contenders; i++ {
				c, err := NewCoordinator(store, Config{}, nil,
					WithClock(clock.Now), WithIDGenerator(sequentialIDs(fmt.Sprintf("c%d", i))))
				if err != nil {
					return false
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					handle, err := c.Acquire(context.Background(), testJob)
					if err != nil {
						failed.Add(1)
					}
					if handle != nil {
						won.Add(1)
					}
				}()
			}
			wg.Wait()
			return won.Load() == 1 && failed.Load() == 0 && len(store.Keys(DefaultCollection)) == 1
		},
		gen.IntRange(2, 16),
	))

	properties.TestingRun(t)
}

func TestAcquire_RecordsHolderBuild(t *testing.T) {
	store := newTestStore()
	c, err := NewCoordinator(store, Config{}, nil, WithHost("importer-1"), WithBuild("v1.4.0+3f9c2ab"))
	if err != nil {
		t.Fatalf("new coordinator: %v", err)
	}
	h, err := c.Acquire(context.Background(), testJob)
	if err != nil || h == nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := h.Heartbeat(context.Background(), map[string]int{"processed": 1}); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	current, err := c.Inspect(context.Background(), testJob)
	if err != nil || current == nil {
		t.Fatalf("inspect: %v", err)
	}
	if current.Build != "v1.4.0+3f9c2ab" || current.Host != "importer-1" {
		t.Fatalf("expected holder identity to survive heartbeats, got %+v", current)
	}
}
