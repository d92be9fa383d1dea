package pluginsteps

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/cmdb"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/pipeline"
	"github.com/basket/nodepilot/internal/scope"
	"github.com/basket/nodepilot/internal/store"
)

type fakeRegistry struct {
	pkg *gse.PackageInfo
	err error
}

func (f *fakeRegistry) GetPackage(context.Context, string, string, string) (*gse.PackageInfo, error) {
	return f.pkg, f.err
}

func (f *fakeRegistry) FetchCommands(context.Context, []int64, bool) ([]gse.Command, error) {
	return nil, nil
}

type fakeJobService struct {
	nextJobID   int64
	lastScript  *gse.ScriptRequest
	lastXfer    *gse.TransferRequest
	status      gse.JobStatus
	statusErr   error
	submitError error
}

func (f *fakeJobService) FastExecuteScript(_ context.Context, req gse.ScriptRequest) (int64, error) {
	f.lastScript = &req
	f.nextJobID++
	return f.nextJobID, f.submitError
}

func (f *fakeJobService) FastTransferFile(_ context.Context, req gse.TransferRequest) (int64, error) {
	f.lastXfer = &req
	f.nextJobID++
	return f.nextJobID, f.submitError
}

func (f *fakeJobService) GetJobInstanceStatus(context.Context, int64) (*gse.JobStatus, error) {
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	st := f.status
	return &st, nil
}

func linuxTarget() scope.Descriptor {
	return scope.Descriptor{
		ObjectType: "HOST", NodeType: "TOPO", MatchedObjID: "module",
		Host: cmdb.HostInfo{BkHostID: 1, InnerIP: "10.0.1.1", BizID: 2, OSType: "linux", CPUArch: "x86_64"},
	}
}

func pluginStep() store.Step {
	return store.Step{
		StepID: "processbeat", Type: store.StepTypePlugin,
		Config: `{"version":"1.10.32","timeout_seconds":300}`,
	}
}

func TestPlannerInstallChain(t *testing.T) {
	p := NewPlanner(&fakeRegistry{pkg: &gse.PackageInfo{
		PluginName: "processbeat", Version: "1.10.32",
		PkgPath: "/data/pkgs/processbeat-1.10.32.tgz", PkgName: "processbeat-1.10.32.tgz",
	}})

	chain, err := p.Plan(context.Background(), pluginStep(), builder.ActionInstall, linuxTarget())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	want := []string{CompChooseAccessPoint, CompRenderConfig, CompPushPackage, CompRunCommand, CompUpdateFact}
	if len(chain) != len(want) {
		t.Fatalf("chain length = %d, want %d", len(chain), len(want))
	}
	for i, c := range want {
		if chain[i].Component != c {
			t.Fatalf("chain[%d] = %s, want %s", i, chain[i].Component, c)
		}
	}
	if chain[2].Inputs["pkg_path"] != "/data/pkgs/processbeat-1.10.32.tgz" {
		t.Fatalf("push inputs = %v", chain[2].Inputs)
	}
	if chain[2].TimeoutSeconds != 300 || chain[3].TimeoutSeconds != 300 {
		t.Fatalf("timeouts = %d / %d", chain[2].TimeoutSeconds, chain[3].TimeoutSeconds)
	}
}

func TestPlannerControlActionSkipsTransfer(t *testing.T) {
	p := NewPlanner(&fakeRegistry{err: errors.New("must not be called")})

	chain, err := p.Plan(context.Background(), pluginStep(), builder.ActionRestart, linuxTarget())
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(chain) != 2 || chain[0].Component != CompRunCommand || chain[1].Component != CompUpdateFact {
		t.Fatalf("chain = %+v", chain)
	}
}

func TestPlannerRejectsUnsupportedHost(t *testing.T) {
	p := NewPlanner(&fakeRegistry{err: errors.New("no matching package")})

	_, err := p.Plan(context.Background(), pluginStep(), builder.ActionInstall, linuxTarget())
	if err == nil || !strings.Contains(err.Error(), "no package for processbeat") {
		t.Fatalf("plan error = %v", err)
	}
}

func newTestActivities(t *testing.T, jobs gse.JobService) (*Activities, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "nodepilot.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewActivities(s, jobs, slog.New(slog.NewTextHandler(io.Discard, nil))), s
}

func newAC(inputs map[string]any, token string) *pipeline.ActivityContext {
	return &pipeline.ActivityContext{
		TreeID: "tree", NodeID: "node", StepID: "processbeat",
		Inputs: inputs, Token: token,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Cancelled: func() bool { return false },
		Log:       func(string, string) {},
	}
}

func hostInputs() map[string]any {
	// Inputs arrive via a JSON round-trip, hence float64 numbers.
	return map[string]any{
		"bk_host_id": float64(1), "inner_ip": "10.0.1.1", "bk_cloud_id": float64(0),
		"os_type": "linux", "plugin_name": "processbeat", "version": "1.10.32",
		"action": builder.ActionInstall, "subscription_id": float64(7), "bk_obj_id": "module",
		"pkg_path": "/data/pkgs/processbeat-1.10.32.tgz",
	}
}

func TestPushPackageSubmitsThenPolls(t *testing.T) {
	jobs := &fakeJobService{}
	a, _ := newTestActivities(t, jobs)
	ctx := context.Background()

	out := a.pushPackage(ctx, newAC(hostInputs(), ""))
	if out.Kind != pipeline.OutcomeSchedule || out.Token != "1" {
		t.Fatalf("submit outcome = %+v", out)
	}
	if jobs.lastXfer == nil || jobs.lastXfer.SourcePath != "/data/pkgs/processbeat-1.10.32.tgz" {
		t.Fatalf("transfer request = %+v", jobs.lastXfer)
	}
	if jobs.lastXfer.TargetPath != linuxSetupPath {
		t.Fatalf("target path = %q", jobs.lastXfer.TargetPath)
	}

	// Still running: park again with the same token.
	out = a.pushPackage(ctx, newAC(hostInputs(), "1"))
	if out.Kind != pipeline.OutcomeSchedule || out.Token != "1" {
		t.Fatalf("pending poll outcome = %+v", out)
	}

	jobs.status = gse.JobStatus{Finished: true, Success: true}
	out = a.pushPackage(ctx, newAC(hostInputs(), "1"))
	if out.Kind != pipeline.OutcomeSuccess {
		t.Fatalf("finished poll outcome = %+v", out)
	}

	jobs.status = gse.JobStatus{Finished: true, Success: false, Message: "disk full"}
	out = a.pushPackage(ctx, newAC(hostInputs(), "1"))
	if out.Kind != pipeline.OutcomeFailed || !strings.Contains(out.Err.Error(), "disk full") {
		t.Fatalf("failed poll outcome = %+v", out)
	}
}

func TestRunCommandBuildsControlScript(t *testing.T) {
	jobs := &fakeJobService{}
	a, _ := newTestActivities(t, jobs)

	in := hostInputs()
	in["action"] = builder.ActionUpgrade
	out := a.runCommand(context.Background(), newAC(in, ""))
	if out.Kind != pipeline.OutcomeSchedule {
		t.Fatalf("outcome = %+v", out)
	}
	raw, err := base64.StdEncoding.DecodeString(jobs.lastScript.ScriptContent)
	if err != nil {
		t.Fatalf("script not base64: %v", err)
	}
	if got := string(raw); got != "/usr/local/gse/plugins/gsectl upgrade processbeat 1.10.32" {
		t.Fatalf("script = %q", got)
	}
	if jobs.lastScript.ScriptType != "shell" {
		t.Fatalf("script type = %q", jobs.lastScript.ScriptType)
	}
}

func TestSubmitErrorIsRetryable(t *testing.T) {
	jobs := &fakeJobService{submitError: errors.New("connection refused")}
	a, _ := newTestActivities(t, jobs)

	out := a.runCommand(context.Background(), newAC(hostInputs(), ""))
	if out.Kind != pipeline.OutcomeFailed || !out.Retryable {
		t.Fatalf("outcome = %+v, want retryable failure", out)
	}
}

func TestUpdateFactPerAction(t *testing.T) {
	a, s := newTestActivities(t, &fakeJobService{})
	ctx := context.Background()

	out := a.updateFact(ctx, newAC(hostInputs(), ""))
	if out.Kind != pipeline.OutcomeSuccess {
		t.Fatalf("install fact outcome = %+v", out)
	}
	fact, err := s.FindLatestFact(ctx, 1, "processbeat", store.FactSourceSubscription)
	if err != nil {
		t.Fatalf("find fact: %v", err)
	}
	if fact.Version != "1.10.32" || fact.ProcStatus != "RUNNING" || fact.SourceID != 7 || fact.BkObjID != "module" {
		t.Fatalf("fact = %+v", fact)
	}

	in := hostInputs()
	in["action"] = builder.ActionStop
	if out := a.updateFact(ctx, newAC(in, "")); out.Kind != pipeline.OutcomeSuccess {
		t.Fatalf("stop fact outcome = %+v", out)
	}
	fact, _ = s.FindLatestFact(ctx, 1, "processbeat", store.FactSourceSubscription)
	if fact.ProcStatus != "TERMINATED" {
		t.Fatalf("proc status after stop = %s", fact.ProcStatus)
	}

	in["action"] = builder.ActionRemove
	if out := a.updateFact(ctx, newAC(in, "")); out.Kind != pipeline.OutcomeSuccess {
		t.Fatalf("remove fact outcome = %+v", out)
	}
	if _, err := s.FindLatestFact(ctx, 1, "processbeat", store.FactSourceSubscription); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("fact after remove: %v, want ErrNotFound", err)
	}
}

func TestCancelledActivityFailsFast(t *testing.T) {
	jobs := &fakeJobService{}
	a, _ := newTestActivities(t, jobs)

	ac := newAC(hostInputs(), "")
	ac.Cancelled = func() bool { return true }
	out := a.pushPackage(context.Background(), ac)
	if out.Kind != pipeline.OutcomeFailed || !errors.Is(out.Err, errRevoked) {
		t.Fatalf("outcome = %+v, want revoked failure", out)
	}
	if jobs.lastXfer != nil {
		t.Fatal("cancelled activity must not submit work")
	}
}
