// Package job is the operator-facing façade over subscriptions: it submits
// tasks through the builder, steers the pipeline engine, and aggregates
// per-instance records into the job-level view.
package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/basket/nodepilot/internal/arbiter"
	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/cmdb"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/store"
)

// ErrNotRunnable reports an operation against an instance that has no failed
// node to act on.
var ErrNotRunnable = errors.New("no failed node to retry")

// Engine is the slice of the pipeline engine the façade drives.
type Engine interface {
	Run(ctx context.Context, treeID string) error
	Retry(ctx context.Context, treeID, nodeID string) error
	RevokeRecord(ctx context.Context, recordID int64) error
}

// Builder is the task-builder entry point.
type Builder interface {
	Build(ctx context.Context, req builder.Request) (*store.TaskBundle, error)
}

type Service struct {
	store    *store.Store
	builder  Builder
	engine   Engine
	registry gse.PluginRegistry
	reader   cmdb.Reader
	logger   *slog.Logger
}

func New(st *store.Store, b Builder, e Engine, registry gse.PluginRegistry, reader cmdb.Reader, logger *slog.Logger) *Service {
	return &Service{
		store:    st,
		builder:  b,
		engine:   e,
		registry: registry,
		reader:   reader,
		logger:   logger.With("component", "job"),
	}
}

// SubmitRequest is one operator invocation of a subscription.
type SubmitRequest struct {
	SubscriptionID int64
	// Action overrides the operator intent for non-policy subscriptions.
	Action string
	// ScopeRaw overrides the stored scope for this invocation only.
	ScopeRaw string
	// RunImmediately starts the pipeline before returning.
	RunImmediately bool
}

// SubmitResult reports the created task and, when the build succeeded, the
// job wrapping it.
type SubmitResult struct {
	TaskID int64
	JobID  int64
}

// Submit builds a task for the subscription, retires any prior in-flight
// work on the same instances, wraps the task in a job and optionally starts
// the pipeline.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	sub, err := s.store.FindSubscription(ctx, req.SubscriptionID, false)
	if err != nil {
		return nil, fmt.Errorf("find subscription %d: %w", req.SubscriptionID, err)
	}
	steps, err := s.store.ListSteps(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	bundle, err := s.builder.Build(ctx, builder.Request{
		Subscription: sub,
		Steps:        steps,
		Action:       req.Action,
		ScopeRaw:     req.ScopeRaw,
	})
	if err != nil {
		return nil, err
	}
	if !bundle.Task.IsReady {
		// The task is persisted for diagnosis but nothing is runnable.
		return &SubmitResult{TaskID: bundle.Task.ID},
			fmt.Errorf("task %d not ready: %s", bundle.Task.ID, bundle.Task.ErrMsg)
	}

	// A new record supersedes any older one aimed at the same instance;
	// superseded work still in flight is revoked before the new tree runs.
	for i := range bundle.Records {
		rec := &bundle.Records[i]
		prior, err := s.store.SupersedePriorRecords(ctx, sub.ID, rec.InstanceID, rec.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range prior {
			if p.Status.Terminal() {
				continue
			}
			if err := s.engine.RevokeRecord(ctx, p.ID); err != nil {
				s.logger.Warn("revoke superseded record",
					"record_id", p.ID, "instance_id", p.InstanceID, "error", err)
			}
		}
	}

	action := strings.ToUpper(req.Action)
	if action == "" {
		action = "INSTALL"
	}
	idsJSON, _ := json.Marshal([]int64{bundle.Task.ID})
	jobID, err := s.store.CreateJob(ctx, &store.Job{
		JobType:        "SUBSCRIPTION_" + action,
		SubscriptionID: sub.ID,
		TaskIDs:        string(idsJSON),
		Status:         store.StatusQueue,
	})
	if err != nil {
		return nil, err
	}

	if bundle.Task.PipelineID == "" {
		// Nothing expanded into a runnable branch: an empty scope, or every
		// instance suppressed or already in the desired state. The job
		// settles now instead of driving an empty tree.
		counts := make(map[store.InstanceStatus]int, len(bundle.Records))
		for _, rec := range bundle.Records {
			counts[rec.Status]++
		}
		status := reduceJobStatus(counts)
		if len(bundle.Records) == 0 {
			status = store.StatusSuccess
		}
		statsJSON, _ := json.Marshal(counts)
		if err := s.store.UpdateJobProgress(ctx, jobID, status, string(statsJSON), "[]"); err != nil {
			return nil, err
		}
	} else if req.RunImmediately {
		if err := s.engine.Run(ctx, bundle.Task.PipelineID); err != nil {
			return nil, fmt.Errorf("run pipeline %s: %w", bundle.Task.PipelineID, err)
		}
		if err := s.store.UpdateJobProgress(ctx, jobID, store.StatusRunning, "{}", "[]"); err != nil {
			return nil, err
		}
	}

	s.logger.Info("task submitted",
		"job_id", jobID, "task_id", bundle.Task.ID,
		"subscription_id", sub.ID, "instances", len(bundle.Records))
	return &SubmitResult{TaskID: bundle.Task.ID, JobID: jobID}, nil
}

// Retry restarts each selected failed instance from its failed node.
// An empty instance list selects every failed instance of the job.
func (s *Service) Retry(ctx context.Context, jobID int64, instanceIDs []string) error {
	records, err := s.jobRecords(ctx, jobID, instanceIDs, []store.InstanceStatus{store.StatusFailed})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrNotRunnable
	}
	for _, rec := range records {
		nodes, err := s.store.ListNodesByRecord(ctx, rec.ID)
		if err != nil {
			return err
		}
		var failed *store.Node
		for i := range nodes {
			if nodes[i].State == store.NodeFailed {
				failed = &nodes[i]
				break
			}
		}
		if failed == nil {
			return fmt.Errorf("record %d (%s): %w", rec.ID, rec.InstanceID, ErrNotRunnable)
		}
		if err := s.engine.Retry(ctx, failed.TreeID, failed.NodeID); err != nil {
			return fmt.Errorf("retry %s on %s: %w", failed.NodeID, rec.InstanceID, err)
		}
		if err := s.store.UpdateRecordStatus(ctx, rec.ID, store.StatusRunning); err != nil {
			return err
		}
	}
	return nil
}

// Revoke cancels the selected instances. An empty instance list cancels
// everything still active in the job.
func (s *Service) Revoke(ctx context.Context, jobID int64, instanceIDs []string) error {
	records, err := s.jobRecords(ctx, jobID, instanceIDs, []store.InstanceStatus{
		store.StatusPending, store.StatusRunning, store.StatusQueue,
	})
	if err != nil {
		return err
	}
	for _, rec := range records {
		if err := s.engine.RevokeRecord(ctx, rec.ID); err != nil {
			return fmt.Errorf("revoke record %d: %w", rec.ID, err)
		}
	}
	return nil
}

func (s *Service) jobRecords(ctx context.Context, jobID int64, instanceIDs []string, statuses []store.InstanceStatus) ([]store.InstanceRecord, error) {
	taskIDs, _, err := s.jobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.store.ListInstanceRecords(ctx, store.RecordFilter{
		TaskIDs:     taskIDs,
		InstanceIDs: instanceIDs,
		Statuses:    statuses,
		OnlyLatest:  true,
	})
}

func (s *Service) jobTasks(ctx context.Context, jobID int64) ([]int64, *store.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, nil, err
	}
	var taskIDs []int64
	if err := json.Unmarshal([]byte(j.TaskIDs), &taskIDs); err != nil {
		return nil, nil, fmt.Errorf("job %d task ids: %w", jobID, err)
	}
	return taskIDs, j, nil
}

// StatusFilter narrows the record listing of a status query.
type StatusFilter struct {
	Statuses    []store.InstanceStatus
	InstanceIDs []string
	IPContains  string
	Limit       int
	Offset      int
}

// RecordView is one instance's row in the aggregated job view.
type RecordView struct {
	Record      store.InstanceRecord `json:"record"`
	CurrentStep string               `json:"current_step,omitempty"`
}

// StatusView is the aggregated answer for one job.
type StatusView struct {
	Job        store.Job                    `json:"job"`
	Records    []RecordView                 `json:"records"`
	Statistics map[store.InstanceStatus]int `json:"statistics"`
}

// Status aggregates the job's instance records, derives the job status and
// writes the roll-up back onto the job row.
func (s *Service) Status(ctx context.Context, jobID int64, filter StatusFilter) (*StatusView, error) {
	taskIDs, j, err := s.jobTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}

	counts, err := s.store.CountRecordStatuses(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	status := reduceJobStatus(counts)

	records, err := s.store.ListInstanceRecords(ctx, store.RecordFilter{
		TaskIDs:     taskIDs,
		Statuses:    filter.Statuses,
		InstanceIDs: filter.InstanceIDs,
		IPContains:  filter.IPContains,
		OnlyLatest:  true,
		Limit:       filter.Limit,
		Offset:      filter.Offset,
	})
	if err != nil {
		return nil, err
	}

	views := make([]RecordView, 0, len(records))
	var errorHosts []map[string]string
	for _, rec := range records {
		step, err := s.currentStep(ctx, rec)
		if err != nil {
			return nil, err
		}
		views = append(views, RecordView{Record: rec, CurrentStep: step})
		if rec.Status == store.StatusFailed {
			reason := "failed"
			if step != "" {
				reason = fmt.Sprintf("step %s failed", step)
			}
			errorHosts = append(errorHosts, map[string]string{
				"instance_id": rec.InstanceID, "reason": reason,
			})
		}
	}

	statsJSON, _ := json.Marshal(counts)
	hostsJSON := "[]"
	if len(errorHosts) > 0 {
		raw, _ := json.Marshal(errorHosts)
		hostsJSON = string(raw)
	}
	if err := s.store.UpdateJobProgress(ctx, jobID, status, string(statsJSON), hostsJSON); err != nil {
		return nil, err
	}
	j.Status = status
	j.Statistics = string(statsJSON)
	j.ErrorHosts = hostsJSON

	return &StatusView{Job: *j, Records: views, Statistics: counts}, nil
}

// currentStep names where an instance's sub-graph currently is: the active
// node if one runs, otherwise the failed node.
func (s *Service) currentStep(ctx context.Context, rec store.InstanceRecord) (string, error) {
	nodes, err := s.store.ListNodesByRecord(ctx, rec.ID)
	if err != nil {
		return "", err
	}
	var failed string
	for _, n := range nodes {
		if n.StepID == "" {
			continue
		}
		switch n.State {
		case store.NodeRunning, store.NodeSuspended:
			return n.StepID, nil
		case store.NodeFailed:
			if failed == "" {
				failed = n.StepID
			}
		}
	}
	return failed, nil
}

// reduceJobStatus folds per-record counts into one job status: an empty job
// is pending, an all-ignored job succeeded, a settled job is success, failed
// or part-failed, and anything still moving keeps the job running.
func reduceJobStatus(counts map[store.InstanceStatus]int) store.InstanceStatus {
	total := 0
	for _, n := range counts {
		total += n
	}
	if total == 0 {
		return store.StatusPending
	}
	if counts[store.StatusIgnored] == total {
		return store.StatusSuccess
	}
	active := counts[store.StatusRunning] + counts[store.StatusPending] + counts[store.StatusQueue]
	if active > 0 {
		return store.StatusRunning
	}
	succeeded := counts[store.StatusSuccess] + counts[store.StatusIgnored]
	failed := counts[store.StatusFailed] + counts[store.StatusTerminated] + counts[store.StatusManualStop]
	switch {
	case succeeded == total:
		return store.StatusSuccess
	case failed == total:
		return store.StatusFailed
	default:
		return store.StatusPartFailed
	}
}

// GenCommands returns the manual setup commands an operator runs by hand on
// hosts the automation cannot reach.
func (s *Service) GenCommands(ctx context.Context, jobID, hostID int64, batch bool) ([]gse.Command, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.registry.FetchCommands(ctx, []int64{hostID}, batch)
}

// RollbackTarget is the policy a host falls back to when its current owner
// goes away, or nil when no other policy covers the host.
type RollbackTarget struct {
	SubscriptionID int64  `json:"subscription_id"`
	Name           string `json:"name"`
	BkObjID        string `json:"bk_obj_id"`
}

// RollbackPreview reports, per host held by the given policy, which other
// enabled policy would take over if this one were disabled or deleted.
func (s *Service) RollbackPreview(ctx context.Context, subscriptionID int64) (map[int64]*RollbackTarget, error) {
	sub, err := s.store.FindSubscription(ctx, subscriptionID, true)
	if err != nil {
		return nil, err
	}
	facts, err := s.store.ListFactsBySource(ctx, store.FactSourceSubscription, subscriptionID)
	if err != nil {
		return nil, err
	}
	topoOrder, err := s.reader.TopoOrder(ctx)
	if err != nil {
		topoOrder = nil
	}

	hostIDs := make([]int64, 0, len(facts))
	seen := map[int64]bool{}
	for _, f := range facts {
		if !f.IsLatest || seen[f.BkHostID] {
			continue
		}
		seen[f.BkHostID] = true
		hostIDs = append(hostIDs, f.BkHostID)
	}
	sort.Slice(hostIDs, func(i, j int) bool { return hostIDs[i] < hostIDs[j] })

	out := make(map[int64]*RollbackTarget, len(hostIDs))
	subsCache := map[int64]*store.Subscription{}
	for _, hostID := range hostIDs {
		claims, err := s.competingClaims(ctx, hostID, sub, subsCache)
		if err != nil {
			return nil, err
		}
		candidate := arbiter.Claim{
			SubscriptionID: sub.ID,
			Name:           sub.Name,
			Category:       sub.Category,
			BkObjID:        factObjID(facts, hostID),
			CreatedAt:      sub.CreatedAt,
		}
		decision := arbiter.Arbitrate("INSTALL", candidate, topoOrder, claims)
		out[hostID] = fallbackFor(sub.ID, decision.Ordered)
	}
	return out, nil
}

func factObjID(facts []store.PluginFact, hostID int64) string {
	for _, f := range facts {
		if f.BkHostID == hostID && f.IsLatest {
			return f.BkObjID
		}
	}
	return ""
}

// competingClaims assembles the other enabled policies holding a belief
// about (host, plugin), reading demoted fact rows as the claim history of
// prior owners.
func (s *Service) competingClaims(ctx context.Context, hostID int64, sub *store.Subscription, subsCache map[int64]*store.Subscription) ([]arbiter.Claim, error) {
	hostFacts, err := s.store.ListFactClaims(ctx, hostID, sub.PluginName)
	if err != nil {
		return nil, err
	}
	var claims []arbiter.Claim
	claimed := map[int64]bool{}
	for _, f := range hostFacts {
		if f.SourceID == sub.ID || claimed[f.SourceID] {
			continue
		}
		claimed[f.SourceID] = true
		owner, ok := subsCache[f.SourceID]
		if !ok {
			owner, err = s.store.FindSubscription(ctx, f.SourceID, false)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					subsCache[f.SourceID] = nil
					continue
				}
				return nil, err
			}
			subsCache[f.SourceID] = owner
		}
		if owner == nil || !owner.Enabled || owner.Category != store.CategoryPolicy {
			continue
		}
		claims = append(claims, arbiter.Claim{
			SubscriptionID: owner.ID,
			Name:           owner.Name,
			Category:       owner.Category,
			BkObjID:        f.BkObjID,
			CreatedAt:      owner.CreatedAt,
		})
	}
	return claims, nil
}

// fallbackFor picks the successor policy from the priority ordering: the
// second claim when the departing policy ranks first, otherwise the top one.
func fallbackFor(departingSubID int64, ordered []arbiter.Claim) *RollbackTarget {
	if len(ordered) == 0 {
		return nil
	}
	pick := &ordered[0]
	if pick.SubscriptionID == departingSubID {
		pick = arbiter.SecondPriority(ordered)
	}
	if pick == nil || pick.SubscriptionID == departingSubID {
		return nil
	}
	return &RollbackTarget{
		SubscriptionID: pick.SubscriptionID,
		Name:           pick.Name,
		BkObjID:        pick.BkObjID,
	}
}
