package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

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

func createSubscription(t *testing.T, s *store.Store, category store.SubscriptionCategory) int64 {
	t.Helper()
	id, err := s.CreateSubscription(context.Background(), &store.Subscription{
		Name:       "deploy-processbeat",
		Category:   category,
		ObjectType: "HOST",
		NodeType:   "TOPO",
		Scope:      `{"object_type":"HOST","node_type":"TOPO","bk_biz_id":2,"nodes":[{"bk_obj_id":"set","bk_inst_id":5}]}`,
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

// recSpec seeds one instance record plus one activity node per state.
type recSpec struct {
	instanceID string
	status     store.InstanceStatus
	nodeStates []store.NodeState
}

func seedTask(t *testing.T, s *store.Store, subID int64, treeID string, specs []recSpec) *store.TaskBundle {
	t.Helper()
	b := &store.TaskBundle{
		Task: store.Task{
			SubscriptionID: subID,
			IsReady:        true,
			PipelineID:     treeID,
		},
		Tree:            store.Tree{ID: treeID, Document: "{}"},
		NodeRecordIndex: map[string]int{},
	}
	for i, spec := range specs {
		b.Records = append(b.Records, store.InstanceRecord{
			SubscriptionID: subID,
			InstanceID:     spec.instanceID,
			Status:         spec.status,
			IsLatest:       true,
			PipelineID:     fmt.Sprintf("%s-sub%d", treeID, i),
		})
		for j, state := range spec.nodeStates {
			nodeID := fmt.Sprintf("%s-n%d-%d", treeID, i, j)
			b.Nodes = append(b.Nodes, store.Node{
				TreeID:    treeID,
				NodeID:    nodeID,
				StepID:    "processbeat",
				Kind:      "activity",
				Component: "run_plugin_command",
				State:     state,
			})
			b.NodeRecordIndex[nodeID] = i
		}
	}
	if err := s.SaveTask(context.Background(), b); err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return b
}

func createJobRow(t *testing.T, s *store.Store, subID int64, taskIDs ...int64) int64 {
	t.Helper()
	if taskIDs == nil {
		taskIDs = []int64{}
	}
	raw, _ := json.Marshal(taskIDs)
	id, err := s.CreateJob(context.Background(), &store.Job{
		JobType:        "SUBSCRIPTION_INSTALL",
		SubscriptionID: subID,
		TaskIDs:        string(raw),
		Status:         store.StatusRunning,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return id
}

type fakeEngine struct {
	mu      sync.Mutex
	runs    []string
	retries [][2]string
	revoked []int64
}

func (f *fakeEngine) Run(_ context.Context, treeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, treeID)
	return nil
}

func (f *fakeEngine) Retry(_ context.Context, treeID, nodeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, [2]string{treeID, nodeID})
	return nil
}

func (f *fakeEngine) RevokeRecord(_ context.Context, recordID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, recordID)
	return nil
}

// seedingBuilder persists a ready single-instance bundle like the real task
// builder would, so Submit exercises the supersede path against the store.
type seedingBuilder struct {
	s          *store.Store
	treeID     string
	instanceID string
	notReady   string // when set, build a failed task with this message
}

func (b *seedingBuilder) Build(ctx context.Context, req builder.Request) (*store.TaskBundle, error) {
	bundle := &store.TaskBundle{Task: store.Task{
		SubscriptionID: req.Subscription.ID,
		IsReady:        b.notReady == "",
		ErrMsg:         b.notReady,
		PipelineID:     b.treeID,
	}}
	if b.notReady == "" {
		bundle.Tree = store.Tree{ID: b.treeID, Document: "{}"}
		bundle.Records = []store.InstanceRecord{{
			SubscriptionID: req.Subscription.ID,
			InstanceID:     b.instanceID,
			Status:         store.StatusPending,
			IsLatest:       true,
			PipelineID:     b.treeID + "-sub0",
		}}
	}
	if err := b.s.SaveTask(ctx, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

// branchlessBuilder persists a ready task that produced no runnable branch,
// the way the real builder does when the scope expands to nothing or every
// instance is suppressed.
type branchlessBuilder struct {
	s        *store.Store
	statuses map[string]store.InstanceStatus
}

func (b *branchlessBuilder) Build(ctx context.Context, req builder.Request) (*store.TaskBundle, error) {
	bundle := &store.TaskBundle{Task: store.Task{
		SubscriptionID: req.Subscription.ID,
		IsReady:        true,
	}}
	for instID, status := range b.statuses {
		bundle.Records = append(bundle.Records, store.InstanceRecord{
			SubscriptionID: req.Subscription.ID,
			InstanceID:     instID,
			Status:         status,
			IsLatest:       true,
		})
	}
	if err := b.s.SaveTask(ctx, bundle); err != nil {
		return nil, err
	}
	return bundle, nil
}

type fakeRegistry struct {
	mu       sync.Mutex
	commands []gse.Command
	hostIDs  []int64
	batch    bool
}

func (f *fakeRegistry) GetPackage(context.Context, string, string, string) (*gse.PackageInfo, error) {
	return nil, errors.New("not implemented")
}

func (f *fakeRegistry) FetchCommands(_ context.Context, hostIDs []int64, batch bool) ([]gse.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hostIDs = hostIDs
	f.batch = batch
	return f.commands, nil
}

type fakeReader struct{}

func (fakeReader) ListHosts(context.Context, int64, []int64) ([]cmdb.HostInfo, error) {
	return nil, nil
}

func (fakeReader) ListTopoHosts(context.Context, cmdb.TopoNode) ([]cmdb.HostInfo, error) {
	return nil, nil
}

func (fakeReader) ListServiceInstances(context.Context, cmdb.TopoNode) ([]cmdb.ServiceInstance, error) {
	return nil, nil
}

func (fakeReader) TopoOrder(context.Context) ([]string, error) {
	return []string{"biz", "set", "module", "host"}, nil
}

func newTestService(t *testing.T, s *store.Store, b Builder, e Engine, reg gse.PluginRegistry) *Service {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, b, e, reg, fakeReader{}, logger)
}

const instanceX = "HOST|INSTANCE|host|1"

func TestSubmitSupersedesAndRevokesPriorWork(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	prior := seedTask(t, s, subID, "tree-old", []recSpec{
		{instanceID: instanceX, status: store.StatusRunning, nodeStates: []store.NodeState{store.NodeRunning}},
	})

	eng := &fakeEngine{}
	svc := newTestService(t, s,
		&seedingBuilder{s: s, treeID: "tree-new", instanceID: instanceX}, eng, &fakeRegistry{})

	res, err := svc.Submit(ctx, SubmitRequest{
		SubscriptionID: subID, Action: "install", RunImmediately: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.TaskID == 0 || res.JobID == 0 {
		t.Fatalf("result = %+v", res)
	}

	if len(eng.revoked) != 1 || eng.revoked[0] != prior.Records[0].ID {
		t.Fatalf("revoked = %v, want [%d]", eng.revoked, prior.Records[0].ID)
	}
	if len(eng.runs) != 1 || eng.runs[0] != "tree-new" {
		t.Fatalf("runs = %v", eng.runs)
	}
	old, err := s.GetRecord(ctx, prior.Records[0].ID)
	if err != nil {
		t.Fatalf("get prior record: %v", err)
	}
	if old.IsLatest {
		t.Fatal("prior record still marked latest")
	}
	j, err := s.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.JobType != "SUBSCRIPTION_INSTALL" || j.Status != store.StatusRunning {
		t.Fatalf("job = %+v", j)
	}
}

func TestSubmitEmptyExpansionSucceedsWithoutRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	eng := &fakeEngine{}
	svc := newTestService(t, s, &branchlessBuilder{s: s}, eng, &fakeRegistry{})

	res, err := svc.Submit(ctx, SubmitRequest{
		SubscriptionID: subID, Action: "install", RunImmediately: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(eng.runs) != 0 {
		t.Fatalf("engine ran %v for a task with no branches", eng.runs)
	}
	j, err := s.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != store.StatusSuccess {
		t.Fatalf("job status = %s, want SUCCESS", j.Status)
	}
	if j.EndTime == nil {
		t.Fatal("vacuous job has no end time")
	}
}

func TestSubmitAllSuppressedSucceedsWithoutRunning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	eng := &fakeEngine{}
	svc := newTestService(t, s, &branchlessBuilder{s: s, statuses: map[string]store.InstanceStatus{
		"HOST|INSTANCE|host|1": store.StatusIgnored,
		"HOST|INSTANCE|host|2": store.StatusIgnored,
	}}, eng, &fakeRegistry{})

	res, err := svc.Submit(ctx, SubmitRequest{
		SubscriptionID: subID, Action: "install", RunImmediately: true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(eng.runs) != 0 {
		t.Fatalf("engine ran %v for an all-suppressed task", eng.runs)
	}
	j, err := s.GetJob(ctx, res.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != store.StatusSuccess {
		t.Fatalf("job status = %s, want SUCCESS", j.Status)
	}
	if !strings.Contains(j.Statistics, `"IGNORED":2`) {
		t.Fatalf("statistics = %s", j.Statistics)
	}
}

func TestSubmitNotReadyReturnsPersistedTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	svc := newTestService(t, s,
		&seedingBuilder{s: s, notReady: "cmdb unavailable"}, &fakeEngine{}, &fakeRegistry{})

	res, err := svc.Submit(ctx, SubmitRequest{SubscriptionID: subID})
	if err == nil || !strings.Contains(err.Error(), "cmdb unavailable") {
		t.Fatalf("submit error = %v", err)
	}
	if res == nil || res.TaskID == 0 {
		t.Fatalf("result = %+v, want persisted task id", res)
	}
	if jobs, _ := s.ListOpenJobs(ctx, 10); len(jobs) != 0 {
		t.Fatalf("not-ready task produced a job: %+v", jobs)
	}
}

func TestRetryTargetsFailedNode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	b := seedTask(t, s, subID, "tree-1", []recSpec{
		{instanceID: instanceX, status: store.StatusFailed,
			nodeStates: []store.NodeState{store.NodeSuccess, store.NodeFailed}},
	})
	jobID := createJobRow(t, s, subID, b.Task.ID)

	eng := &fakeEngine{}
	svc := newTestService(t, s, nil, eng, &fakeRegistry{})
	if err := svc.Retry(ctx, jobID, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(eng.retries) != 1 || eng.retries[0] != [2]string{"tree-1", "tree-1-n0-1"} {
		t.Fatalf("retries = %v", eng.retries)
	}
	rec, _ := s.GetRecord(ctx, b.Records[0].ID)
	if rec.Status != store.StatusRunning {
		t.Fatalf("record status = %s, want RUNNING", rec.Status)
	}

	// A second retry finds nothing failed.
	if err := svc.Retry(ctx, jobID, nil); !errors.Is(err, ErrNotRunnable) {
		t.Fatalf("retry on healthy job: %v, want ErrNotRunnable", err)
	}
}

func TestRevokeSelectsOnlyActiveRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	b := seedTask(t, s, subID, "tree-1", []recSpec{
		{instanceID: instanceX, status: store.StatusRunning, nodeStates: []store.NodeState{store.NodeRunning}},
		{instanceID: "HOST|INSTANCE|host|2", status: store.StatusSuccess, nodeStates: []store.NodeState{store.NodeSuccess}},
	})
	jobID := createJobRow(t, s, subID, b.Task.ID)

	eng := &fakeEngine{}
	svc := newTestService(t, s, nil, eng, &fakeRegistry{})
	if err := svc.Revoke(ctx, jobID, nil); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(eng.revoked) != 1 || eng.revoked[0] != b.Records[0].ID {
		t.Fatalf("revoked = %v, want [%d]", eng.revoked, b.Records[0].ID)
	}
}

func TestStatusAggregatesAndWritesRollup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)

	b := seedTask(t, s, subID, "tree-1", []recSpec{
		{instanceID: "HOST|INSTANCE|host|1", status: store.StatusSuccess, nodeStates: []store.NodeState{store.NodeSuccess}},
		{instanceID: "HOST|INSTANCE|host|2", status: store.StatusFailed, nodeStates: []store.NodeState{store.NodeFailed}},
		{instanceID: "HOST|INSTANCE|host|3", status: store.StatusIgnored, nodeStates: nil},
	})
	jobID := createJobRow(t, s, subID, b.Task.ID)

	svc := newTestService(t, s, nil, &fakeEngine{}, &fakeRegistry{})
	view, err := svc.Status(ctx, jobID, StatusFilter{})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if view.Job.Status != store.StatusPartFailed {
		t.Fatalf("job status = %s, want PART_FAILED", view.Job.Status)
	}
	if len(view.Records) != 3 {
		t.Fatalf("records = %d, want 3", len(view.Records))
	}
	for _, rv := range view.Records {
		if rv.Record.Status == store.StatusFailed && rv.CurrentStep != "processbeat" {
			t.Fatalf("failed record current step = %q", rv.CurrentStep)
		}
	}

	// The roll-up is written back onto the job row.
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if j.Status != store.StatusPartFailed {
		t.Fatalf("persisted status = %s", j.Status)
	}
	if !strings.Contains(j.Statistics, `"FAILED":1`) {
		t.Fatalf("statistics = %s", j.Statistics)
	}
	if !strings.Contains(j.ErrorHosts, "host|2") || !strings.Contains(j.ErrorHosts, "step processbeat failed") {
		t.Fatalf("error hosts = %s", j.ErrorHosts)
	}
}

func TestReduceJobStatus(t *testing.T) {
	cases := []struct {
		name   string
		counts map[store.InstanceStatus]int
		want   store.InstanceStatus
	}{
		{"empty", map[store.InstanceStatus]int{}, store.StatusPending},
		{"all ignored", map[store.InstanceStatus]int{store.StatusIgnored: 3}, store.StatusSuccess},
		{"still running", map[store.InstanceStatus]int{store.StatusSuccess: 2, store.StatusRunning: 1}, store.StatusRunning},
		{"queued counts as active", map[store.InstanceStatus]int{store.StatusFailed: 1, store.StatusQueue: 1}, store.StatusRunning},
		{"all success", map[store.InstanceStatus]int{store.StatusSuccess: 2, store.StatusIgnored: 1}, store.StatusSuccess},
		{"all failed", map[store.InstanceStatus]int{store.StatusFailed: 2, store.StatusTerminated: 1}, store.StatusFailed},
		{"mixed outcome", map[store.InstanceStatus]int{store.StatusSuccess: 1, store.StatusFailed: 1}, store.StatusPartFailed},
	}
	for _, tc := range cases {
		if got := reduceJobStatus(tc.counts); got != tc.want {
			t.Errorf("%s: reduceJobStatus = %s, want %s", tc.name, got, tc.want)
		}
	}
}

func TestGenCommandsDelegatesToRegistry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	subID := createSubscription(t, s, store.CategoryOnce)
	jobID := createJobRow(t, s, subID)

	reg := &fakeRegistry{commands: []gse.Command{
		{HostID: 7, OSType: "linux", Command: "curl -sSL http://ap.example/setup.sh | bash"},
	}}
	svc := newTestService(t, s, nil, &fakeEngine{}, reg)

	cmds, err := svc.GenCommands(ctx, jobID, 7, true)
	if err != nil {
		t.Fatalf("gen commands: %v", err)
	}
	if len(cmds) != 1 || cmds[0].HostID != 7 {
		t.Fatalf("commands = %+v", cmds)
	}
	if len(reg.hostIDs) != 1 || reg.hostIDs[0] != 7 || !reg.batch {
		t.Fatalf("registry call = hosts %v batch %v", reg.hostIDs, reg.batch)
	}
}

func TestRollbackPreviewFallsBackToSecondPriority(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Set-level policy deployed first, then the module-level policy took
	// the host over. Removing the module policy should hand it back.
	setPolicy := createSubscription(t, s, store.CategoryPolicy)
	modulePolicy := createSubscription(t, s, store.CategoryPolicy)

	seed := func(subID int64, hostID int64, objID string) {
		t.Helper()
		err := s.UpsertFact(ctx, &store.PluginFact{
			BkHostID: hostID, PluginName: "processbeat", Version: "1.10.32",
			ProcStatus: "RUNNING", SourceType: store.FactSourceSubscription,
			SourceID: subID, BkObjID: objID,
		})
		if err != nil {
			t.Fatalf("seed fact: %v", err)
		}
	}
	seed(setPolicy, 1, "set")
	seed(modulePolicy, 1, "module")
	// Host 2 is held by the module policy alone.
	seed(modulePolicy, 2, "module")

	svc := newTestService(t, s, nil, &fakeEngine{}, &fakeRegistry{})
	preview, err := svc.RollbackPreview(ctx, modulePolicy)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if got := preview[1]; got == nil || got.SubscriptionID != setPolicy {
		t.Fatalf("host 1 fallback = %+v, want policy %d", got, setPolicy)
	}
	if got := preview[2]; got != nil {
		t.Fatalf("host 2 fallback = %+v, want none", got)
	}
}
