package pluginsteps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/pipeline"
	"github.com/basket/nodepilot/internal/store"
)

// pollInterval is the wake-up cadence for job-service long polls.
const pollInterval = 5 * time.Second

// errRevoked is returned when an activity observes the cancellation flag.
var errRevoked = errors.New("revoked by operator")

// Access point paths per OS family.
const (
	linuxSetupPath   = "/usr/local/gse/plugins"
	windowsSetupPath = `C:\gse\plugins`
)

// Activities bundles the external collaborators the step chains call out to.
type Activities struct {
	store  *store.Store
	jobs   gse.JobService
	logger *slog.Logger
}

func NewActivities(st *store.Store, jobs gse.JobService, logger *slog.Logger) *Activities {
	return &Activities{store: st, jobs: jobs, logger: logger.With("component", "pluginsteps")}
}

// Register wires every component into the engine's registry.
func (a *Activities) Register(reg *pipeline.Registry) {
	reg.Register(CompChooseAccessPoint, pipeline.ActivityFunc(a.chooseAccessPoint))
	reg.Register(CompRenderConfig, pipeline.ActivityFunc(a.renderConfig))
	reg.Register(CompPushPackage, pipeline.ActivityFunc(a.pushPackage))
	reg.Register(CompRunCommand, pipeline.ActivityFunc(a.runCommand))
	reg.Register(CompUpdateFact, pipeline.ActivityFunc(a.updateFact))
}

// Input coercion. Inputs round-trip through JSON, so numbers arrive as
// float64 and every read needs a tolerant conversion.

func inputString(in map[string]any, key string) string {
	if v, ok := in[key].(string); ok {
		return v
	}
	return ""
}

func inputInt64(in map[string]any, key string) int64 {
	switch v := in[key].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	}
	return 0
}

func hostRef(in map[string]any) gse.HostRef {
	return gse.HostRef{
		BkHostID: inputInt64(in, "bk_host_id"),
		InnerIP:  inputString(in, "inner_ip"),
		CloudID:  inputInt64(in, "bk_cloud_id"),
	}
}

func isWindows(osType string) bool {
	return strings.EqualFold(osType, "windows")
}

// chooseAccessPoint picks the plugin setup path and script flavour for the
// host's OS.
func (a *Activities) chooseAccessPoint(_ context.Context, ac *pipeline.ActivityContext) pipeline.Outcome {
	if ac.Cancelled() {
		return pipeline.Failed(errRevoked, false)
	}
	osType := inputString(ac.Inputs, "os_type")
	setupPath, scriptType := linuxSetupPath, "shell"
	if isWindows(osType) {
		setupPath, scriptType = windowsSetupPath, "bat"
	}
	ac.Log("INFO", fmt.Sprintf("access point: %s (%s)", setupPath, scriptType))
	return pipeline.Success(map[string]any{
		"setup_path":  setupPath,
		"script_type": scriptType,
	})
}

// renderConfig renders the step's config template for this host. The
// rendered content is recorded on the node; the push step re-renders from
// the same inputs, so nothing passes between nodes.
func (a *Activities) renderConfig(_ context.Context, ac *pipeline.ActivityContext) pipeline.Outcome {
	if ac.Cancelled() {
		return pipeline.Failed(errRevoked, false)
	}
	content := renderTemplate(inputString(ac.Inputs, "config_template"), ac.Inputs)
	ac.Log("INFO", fmt.Sprintf("rendered config (%d bytes)", len(content)))
	return pipeline.Success(map[string]any{
		"content": base64.StdEncoding.EncodeToString([]byte(content)),
	})
}

func renderTemplate(tpl string, in map[string]any) string {
	if tpl == "" {
		tpl = "plugin: {{plugin_name}}\nversion: {{version}}\nhost: {{inner_ip}}\n"
	}
	r := strings.NewReplacer(
		"{{plugin_name}}", inputString(in, "plugin_name"),
		"{{version}}", inputString(in, "version"),
		"{{inner_ip}}", inputString(in, "inner_ip"),
		"{{bk_host_id}}", strconv.FormatInt(inputInt64(in, "bk_host_id"), 10),
	)
	return r.Replace(tpl)
}

// pushPackage transfers the plugin package through the job service: submit
// on first entry, then park and poll the job until it finishes.
func (a *Activities) pushPackage(ctx context.Context, ac *pipeline.ActivityContext) pipeline.Outcome {
	if ac.Token != "" {
		return a.pollJob(ctx, ac)
	}
	if ac.Cancelled() {
		return pipeline.Failed(errRevoked, false)
	}

	target := linuxSetupPath
	if isWindows(inputString(ac.Inputs, "os_type")) {
		target = windowsSetupPath
	}
	jobID, err := a.jobs.FastTransferFile(ctx, gse.TransferRequest{
		Hosts:      []gse.HostRef{hostRef(ac.Inputs)},
		SourcePath: inputString(ac.Inputs, "pkg_path"),
		TargetPath: target,
	})
	if err != nil {
		return pipeline.Failed(fmt.Errorf("submit transfer: %w", err), true)
	}
	ac.Log("INFO", fmt.Sprintf("transfer submitted, job instance %d", jobID))
	return pipeline.Schedule(pollInterval, strconv.FormatInt(jobID, 10))
}

// runCommand executes the action's control script on the host through the
// job service. Same submit-then-poll shape as pushPackage.
func (a *Activities) runCommand(ctx context.Context, ac *pipeline.ActivityContext) pipeline.Outcome {
	if ac.Token != "" {
		return a.pollJob(ctx, ac)
	}
	if ac.Cancelled() {
		return pipeline.Failed(errRevoked, false)
	}

	osType := inputString(ac.Inputs, "os_type")
	scriptType := "shell"
	if isWindows(osType) {
		scriptType = "bat"
	}
	script := controlScript(
		inputString(ac.Inputs, "plugin_name"),
		inputString(ac.Inputs, "version"),
		inputString(ac.Inputs, "action"),
		isWindows(osType),
	)
	jobID, err := a.jobs.FastExecuteScript(ctx, gse.ScriptRequest{
		Hosts:         []gse.HostRef{hostRef(ac.Inputs)},
		ScriptContent: base64.StdEncoding.EncodeToString([]byte(script)),
		ScriptType:    scriptType,
	})
	if err != nil {
		return pipeline.Failed(fmt.Errorf("submit script: %w", err), true)
	}
	ac.Log("INFO", fmt.Sprintf("%s submitted, job instance %d",
		strings.ToLower(inputString(ac.Inputs, "action")), jobID))
	return pipeline.Schedule(pollInterval, strconv.FormatInt(jobID, 10))
}

func controlScript(plugin, version, action string, windows bool) string {
	verb := map[string]string{
		builder.ActionInstall:   "setup",
		builder.ActionReinstall: "setup",
		builder.ActionUpgrade:   "upgrade",
		builder.ActionUpdate:    "upgrade",
		builder.ActionStart:     "start",
		builder.ActionStop:      "stop",
		builder.ActionRestart:   "restart",
		builder.ActionRemove:    "remove",
	}[strings.ToUpper(action)]
	if verb == "" {
		verb = "setup"
	}
	if windows {
		return fmt.Sprintf(`%s\gsectl.bat %s %s %s`, windowsSetupPath, verb, plugin, version)
	}
	return fmt.Sprintf("%s/gsectl %s %s %s", linuxSetupPath, verb, plugin, version)
}

// pollJob is the shared wake-up path: the schedule token carries the job
// instance id.
func (a *Activities) pollJob(ctx context.Context, ac *pipeline.ActivityContext) pipeline.Outcome {
	if ac.Cancelled() {
		return pipeline.Failed(errRevoked, false)
	}
	jobID, err := strconv.ParseInt(ac.Token, 10, 64)
	if err != nil {
		return pipeline.Failed(fmt.Errorf("malformed poll token %q", ac.Token), false)
	}
	status, err := a.jobs.GetJobInstanceStatus(ctx, jobID)
	if err != nil {
		// Keep polling; the submitted job is still running server-side.
		ac.Log("WARNING", fmt.Sprintf("poll job %d: %v", jobID, err))
		return pipeline.Schedule(pollInterval, ac.Token)
	}
	if !status.Finished {
		return pipeline.Schedule(pollInterval, ac.Token)
	}
	if !status.Success {
		msg := status.Message
		if msg == "" {
			msg = "job failed"
		}
		return pipeline.Failed(fmt.Errorf("job instance %d: %s", jobID, msg), false)
	}
	ac.Log("INFO", fmt.Sprintf("job instance %d finished", jobID))
	return pipeline.Success(nil)
}

// updateFact records the post-action belief for (host, plugin).
func (a *Activities) updateFact(ctx context.Context, ac *pipeline.ActivityContext) pipeline.Outcome {
	hostID := inputInt64(ac.Inputs, "bk_host_id")
	plugin := inputString(ac.Inputs, "plugin_name")
	action := strings.ToUpper(inputString(ac.Inputs, "action"))

	switch action {
	case builder.ActionStart, builder.ActionRestart:
		if err := a.store.SetFactProcStatus(ctx, hostID, plugin, "RUNNING"); err != nil {
			return pipeline.Failed(fmt.Errorf("update proc status: %w", err), true)
		}
	case builder.ActionStop:
		if err := a.store.SetFactProcStatus(ctx, hostID, plugin, "TERMINATED"); err != nil {
			return pipeline.Failed(fmt.Errorf("update proc status: %w", err), true)
		}
	case builder.ActionRemove:
		if _, err := a.store.RetireFactsBySource(ctx, store.FactSourceSubscription,
			inputInt64(ac.Inputs, "subscription_id"), []int64{hostID}); err != nil {
			return pipeline.Failed(fmt.Errorf("retire fact: %w", err), true)
		}
	default:
		fact := &store.PluginFact{
			BkHostID:   hostID,
			PluginName: plugin,
			Version:    inputString(ac.Inputs, "version"),
			ProcStatus: "RUNNING",
			SourceType: store.FactSourceSubscription,
			SourceID:   inputInt64(ac.Inputs, "subscription_id"),
			BkObjID:    inputString(ac.Inputs, "bk_obj_id"),
		}
		if err := a.store.UpsertFact(ctx, fact); err != nil {
			return pipeline.Failed(fmt.Errorf("upsert fact: %w", err), true)
		}
	}
	ac.Log("INFO", fmt.Sprintf("fact updated: %s on host %d after %s", plugin, hostID, action))
	return pipeline.Success(nil)
}
