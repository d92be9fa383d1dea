package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/cmdb"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "nodepilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func createSubscription(t *testing.T, s *store.Store, category store.SubscriptionCategory, nodeType string) int64 {
	t.Helper()
	id, err := s.CreateSubscription(context.Background(), &store.Subscription{
		Name:       "deploy-processbeat",
		Category:   category,
		ObjectType: "HOST",
		NodeType:   nodeType,
		Scope: fmt.Sprintf(`{"object_type":"HOST","node_type":%q,"bk_biz_id":2,"nodes":[{"bk_obj_id":"set","bk_inst_id":5}]}`,
			nodeType),
		PluginName: "processbeat",
		BizScope:   "[2]",
		Creator:    "admin",
		Enabled:    true,
	}, []store.Step{
		{StepID: "processbeat", Type: store.StepTypePlugin, Config: `{"version":"1.10.32"}`},
	})
	if err != nil {
		t.Fatalf("create subscription: %v", err)
	}
	return id
}

func saveAutoTask(t *testing.T, s *store.Store, subID int64, ready bool, errMsg, treeID string) int64 {
	t.Helper()
	b := &store.TaskBundle{Task: store.Task{
		SubscriptionID: subID,
		IsAutoTrigger:  true,
		IsReady:        ready,
		ErrMsg:         errMsg,
		PipelineID:     treeID,
	}}
	if treeID != "" {
		b.Tree = store.Tree{ID: treeID, Document: "{}"}
	}
	if err := s.SaveTask(context.Background(), b); err != nil {
		t.Fatalf("save task: %v", err)
	}
	return b.Task.ID
}

type fakeEngine struct {
	mu      sync.Mutex
	runs    []string
	revoked []int64
}

func (f *fakeEngine) Run(_ context.Context, treeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, treeID)
	return nil
}

func (f *fakeEngine) RevokeRecord(_ context.Context, recordID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, recordID)
	return nil
}

func TestCollectorPointerAdvancesPastDeferredTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryPolicy, "TOPO")

	readyA := saveAutoTask(t, s, subID, true, "", "tree-a")
	pending := saveAutoTask(t, s, subID, false, "", "")
	readyB := saveAutoTask(t, s, subID, true, "", "tree-b")

	eng := &fakeEngine{}
	c := NewCollector(s, eng, discardLogger())
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	ptr, err := s.GetConfig(ctx, keyLastTaskID)
	if err != nil {
		t.Fatalf("read pointer: %v", err)
	}
	if ptr != strconv.FormatInt(readyB, 10) {
		t.Fatalf("pointer = %s, want %d", ptr, readyB)
	}
	raw, err := s.GetConfig(ctx, keyNotReadyMap)
	if err != nil {
		t.Fatalf("read not-ready map: %v", err)
	}
	want := `{"` + strconv.FormatInt(pending, 10) + `":1}`
	if raw != want {
		t.Fatalf("not-ready map = %s, want %s", raw, want)
	}

	jobs, err := s.ListOpenJobs(ctx, 10)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	var taskIDs []int64
	if err := json.Unmarshal([]byte(jobs[0].TaskIDs), &taskIDs); err != nil {
		t.Fatalf("task ids: %v", err)
	}
	if len(taskIDs) != 2 || taskIDs[0] != readyA || taskIDs[1] != readyB {
		t.Fatalf("job task ids = %v, want [%d %d]", taskIDs, readyA, readyB)
	}
	if jobs[0].JobType != "SUBSCRIPTION_AUTO" || !jobs[0].IsAutoTrigger || jobs[0].Status != store.StatusRunning {
		t.Fatalf("job = %+v", jobs[0])
	}
	if len(eng.runs) != 2 || eng.runs[0] != "tree-a" || eng.runs[1] != "tree-b" {
		t.Fatalf("engine runs = %v", eng.runs)
	}

	// The deferred task becomes ready later and joins a job without the
	// pointer ever rewinding.
	if err := s.MarkTaskReady(ctx, pending); err != nil {
		t.Fatalf("mark ready: %v", err)
	}
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if ptr2, _ := s.GetConfig(ctx, keyLastTaskID); ptr2 != ptr {
		t.Fatalf("pointer moved to %s after deferred pickup", ptr2)
	}
	if raw, _ = s.GetConfig(ctx, keyNotReadyMap); raw != "{}" {
		t.Fatalf("not-ready map after pickup = %s", raw)
	}
	jobs, _ = s.ListOpenJobs(ctx, 10)
	if len(jobs) != 2 {
		t.Fatalf("jobs after pickup = %d, want 2", len(jobs))
	}
}

func saveAutoTaskWithRecord(t *testing.T, s *store.Store, subID int64, treeID, instanceID string) *store.TaskBundle {
	t.Helper()
	b := &store.TaskBundle{
		Task: store.Task{
			SubscriptionID: subID,
			IsAutoTrigger:  true,
			IsReady:        true,
			PipelineID:     treeID,
		},
		Tree: store.Tree{ID: treeID, Document: "{}"},
		Records: []store.InstanceRecord{{
			SubscriptionID: subID,
			InstanceID:     instanceID,
			Status:         store.StatusPending,
			IsLatest:       true,
			PipelineID:     treeID + "-sub0",
		}},
	}
	if err := s.SaveTask(context.Background(), b); err != nil {
		t.Fatalf("save task: %v", err)
	}
	return b
}

func TestCollectorRetiresSupersededRecordsBeforeRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryPolicy, "TOPO")
	const inst = "HOST|TOPO|host|42"

	// Two watcher-triggered rebuilds of the same instance land before the
	// collector's next pass.
	older := saveAutoTaskWithRecord(t, s, subID, "tree-old", inst)
	newer := saveAutoTaskWithRecord(t, s, subID, "tree-new", inst)

	eng := &fakeEngine{}
	c := NewCollector(s, eng, discardLogger())
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}

	latest, err := s.ListInstanceRecords(ctx, store.RecordFilter{
		SubscriptionID: subID, InstanceIDs: []string{inst}, OnlyLatest: true,
	})
	if err != nil {
		t.Fatalf("list latest: %v", err)
	}
	if len(latest) != 1 || latest[0].ID != newer.Records[0].ID {
		t.Fatalf("latest records = %+v, want only record %d", latest, newer.Records[0].ID)
	}
	if len(eng.revoked) != 1 || eng.revoked[0] != older.Records[0].ID {
		t.Fatalf("revoked = %v, want [%d]", eng.revoked, older.Records[0].ID)
	}
	old, err := s.GetRecord(ctx, older.Records[0].ID)
	if err != nil {
		t.Fatalf("get superseded record: %v", err)
	}
	if old.IsLatest {
		t.Fatal("superseded record still marked latest")
	}
}

func TestCollectorDropsErroredTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce, "TOPO")

	broken := saveAutoTask(t, s, subID, false, "cmdb unavailable", "")
	c := NewCollector(s, &fakeEngine{}, discardLogger())
	if err := c.RunOnce(ctx); err != nil {
		t.Fatalf("collect: %v", err)
	}

	if jobs, _ := s.ListOpenJobs(ctx, 10); len(jobs) != 0 {
		t.Fatalf("errored task produced a job: %+v", jobs)
	}
	if raw, _ := s.GetConfig(ctx, keyNotReadyMap); raw != "{}" {
		t.Fatalf("errored task kept in not-ready map: %s", raw)
	}
	ptr, _ := s.GetConfig(ctx, keyLastTaskID)
	if ptr != strconv.FormatInt(broken, 10) {
		t.Fatalf("pointer = %s, want %d", ptr, broken)
	}
}

type fakeFeed struct {
	mu     sync.Mutex
	events []cmdb.ResourceEvent
	cursor string
	calls  int
}

func (f *fakeFeed) push(n int, bizID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := 0; i < n; i++ {
		f.events = append(f.events, cmdb.ResourceEvent{
			Resource: cmdb.ResourceHost, EventType: "update", BizID: bizID,
		})
	}
}

func (f *fakeFeed) ResourceWatch(_ context.Context, resource, cursor string) (*cmdb.WatchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if resource != cmdb.ResourceHost {
		return &cmdb.WatchResult{NextCursor: cursor}, nil
	}
	out := &cmdb.WatchResult{Events: f.events, NextCursor: f.cursor}
	f.events = nil
	return out, nil
}

type fakeCache struct {
	mu            sync.Mutex
	invalidations int
}

func (f *fakeCache) Invalidate() {
	f.mu.Lock()
	f.invalidations++
	f.mu.Unlock()
}

type fakeBuilder struct {
	mu    sync.Mutex
	built []int64
}

func (f *fakeBuilder) Build(_ context.Context, req builder.Request) (*store.TaskBundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, req.Subscription.ID)
	return &store.TaskBundle{}, nil
}

func newTestWatcher(t *testing.T, s *store.Store) (*Watcher, *fakeFeed, *fakeCache, *fakeBuilder, *time.Time) {
	t.Helper()
	feed := &fakeFeed{cursor: "c1"}
	cache := &fakeCache{}
	fb := &fakeBuilder{}
	w := NewWatcher(s, feed, cache, fb, discardLogger(), nil)
	clock := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }
	return w, feed, cache, fb, &clock
}

func TestWatcherDebounceCollapsesEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryPolicy, "TOPO")

	w, feed, cache, fb, clock := newTestWatcher(t, s)
	base := *clock

	// A burst of events opens exactly one short window.
	feed.push(100, 2)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("poll burst: %v", err)
	}
	win := w.windows[2]
	if win == nil || !win.pending {
		t.Fatalf("window = %+v, want pending", win)
	}
	if got := win.deadline.Sub(base); got != 5*time.Second {
		t.Fatalf("countdown = %v, want 5s", got)
	}
	if len(fb.built) != 0 {
		t.Fatalf("built before window fired: %v", fb.built)
	}

	// A straggler inside the window collapses without a second trigger.
	*clock = base.Add(4 * time.Second)
	feed.push(1, 2)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("poll straggler: %v", err)
	}
	if win := w.windows[2]; !win.pending || win.deadline.Sub(base) != 5*time.Second {
		t.Fatalf("straggler changed the window: %+v", win)
	}

	// Past the deadline the window fires once: cache refresh plus one
	// rebuild of the covering subscription.
	*clock = base.Add(6 * time.Second)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if cache.invalidations != 1 {
		t.Fatalf("cache invalidations = %d, want 1", cache.invalidations)
	}
	if len(fb.built) != 1 || fb.built[0] != subID {
		t.Fatalf("built = %v, want [%d]", fb.built, subID)
	}

	// The noisy business escalates: the next window waits the next bucket.
	*clock = base.Add(7 * time.Second)
	feed.push(1, 2)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("poll after fire: %v", err)
	}
	if win := w.windows[2]; win.deadline.Sub(*clock) != 15*time.Second {
		t.Fatalf("escalated countdown = %v, want 15s", win.deadline.Sub(*clock))
	}

	cursor, err := s.GetConfig(ctx, watchCursorKey(cmdb.ResourceHost))
	if err != nil || cursor != "c1" {
		t.Fatalf("cursor = %q (%v), want c1", cursor, err)
	}
}

func TestWatcherKillSwitchStopsConsumption(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetConfig(ctx, keyApplyWatchedEvents, "false"); err != nil {
		t.Fatalf("set kill switch: %v", err)
	}

	w, feed, _, fb, _ := newTestWatcher(t, s)
	feed.push(10, 2)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if feed.calls != 0 {
		t.Fatalf("feed polled %d times with kill switch on", feed.calls)
	}
	if len(fb.built) != 0 || len(w.windows) != 0 {
		t.Fatalf("events applied with kill switch on")
	}
}

func TestWatcherGrayScopeFiltersBusinesses(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.SetConfig(ctx, keyGrayScopeList, "[3]"); err != nil {
		t.Fatalf("set gray scope: %v", err)
	}

	w, feed, _, _, _ := newTestWatcher(t, s)
	feed.push(5, 2)
	if err := w.RunOnce(ctx); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(w.windows) != 0 {
		t.Fatalf("out-of-scope business opened a window: %+v", w.windows)
	}
}

func TestGCDeletesExpiredTreesInResumableBatches(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce, "TOPO")

	for _, treeID := range []string{"tree-a", "tree-b", "tree-c"} {
		saveAutoTask(t, s, subID, true, "", treeID)
	}

	gc := NewGC(s, 30*24*time.Hour, 2, discardLogger(), nil)
	gc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }

	if err := gc.RunOnce(ctx); err != nil {
		t.Fatalf("first batch: %v", err)
	}
	if cursor, _ := s.GetConfig(ctx, keyGCCursor); cursor != "tree-b" {
		t.Fatalf("cursor after first batch = %q, want tree-b", cursor)
	}
	if err := gc.RunOnce(ctx); err != nil {
		t.Fatalf("second batch: %v", err)
	}
	if err := gc.RunOnce(ctx); err != nil {
		t.Fatalf("drain pass: %v", err)
	}
	if cursor, _ := s.GetConfig(ctx, keyGCCursor); cursor != "" {
		t.Fatalf("cursor after drain = %q, want empty", cursor)
	}
	trees, err := s.ListExpiredTrees(ctx, time.Now().Add(time.Hour), "", 10)
	if err != nil {
		t.Fatalf("list after gc: %v", err)
	}
	if len(trees) != 0 {
		t.Fatalf("trees left after gc: %v", trees)
	}
}

func TestLeasePreemptionWaitsFullPeriod(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	period := 60 * time.Second
	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	holderClock, contenderClock := base, base
	holder := NewLease(s, leaseKey("collector"), "replica-a", period, discardLogger())
	holder.now = func() time.Time { return holderClock }
	contender := NewLease(s, leaseKey("collector"), "replica-b", period, discardLogger())
	contender.now = func() time.Time { return contenderClock }

	if !holder.TryAcquire(ctx) {
		t.Fatal("initial acquire failed")
	}
	if contender.TryAcquire(ctx) {
		t.Fatal("contender stole a fresh lease")
	}

	// Holder dies; the record goes stale. First sight of the expiry only
	// starts the contender's waiting period.
	contenderClock = base.Add(period + time.Second)
	if contender.TryAcquire(ctx) {
		t.Fatal("contender preempted on first observation")
	}
	contenderClock = base.Add(period + 30*time.Second)
	if contender.TryAcquire(ctx) {
		t.Fatal("contender preempted before a full period elapsed")
	}
	contenderClock = base.Add(2*period + 2*time.Second)
	if !contender.TryAcquire(ctx) {
		t.Fatal("contender failed to preempt the stale lease")
	}

	// The old holder no longer owns the key.
	holderClock = base.Add(2*period + 3*time.Second)
	if holder.TryAcquire(ctx) {
		t.Fatal("stale holder reacquired without waiting")
	}
}

type fakeAgents struct {
	agents map[int64]gse.AgentState
	procs  map[int64]gse.ProcState
}

func (f *fakeAgents) ListAgentState(_ context.Context, hosts []gse.HostRef) (map[int64]gse.AgentState, error) {
	return f.agents, nil
}

func (f *fakeAgents) ListProcState(_ context.Context, hosts []gse.HostRef, _ string) (map[int64]gse.ProcState, error) {
	return f.procs, nil
}

func TestStateSyncCorrectsDriftedFacts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryPolicy, "TOPO")

	for _, hostID := range []int64{1, 2, 3} {
		err := s.UpsertFact(ctx, &store.PluginFact{
			BkHostID: hostID, PluginName: "processbeat", Version: "1.10.32",
			ProcStatus: "RUNNING", SourceType: store.FactSourceSubscription, SourceID: subID,
		})
		if err != nil {
			t.Fatalf("seed fact host %d: %v", hostID, err)
		}
	}

	ss := NewStateSync(s, &fakeAgents{
		agents: map[int64]gse.AgentState{
			1: {Alive: true}, 2: {Alive: true}, 3: {Alive: false},
		},
		procs: map[int64]gse.ProcState{
			1: {Status: "RUNNING"}, 2: {Status: "TERMINATED"},
		},
	}, discardLogger())
	if err := ss.RunOnce(ctx); err != nil {
		t.Fatalf("sync: %v", err)
	}

	want := map[int64]string{1: "RUNNING", 2: "TERMINATED", 3: "UNKNOWN"}
	for hostID, status := range want {
		fact, err := s.FindLatestFact(ctx, hostID, "processbeat", store.FactSourceSubscription)
		if err != nil {
			t.Fatalf("find fact host %d: %v", hostID, err)
		}
		if fact.ProcStatus != status {
			t.Fatalf("host %d proc status = %s, want %s", hostID, fact.ProcStatus, status)
		}
	}
}
