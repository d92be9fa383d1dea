// Package builder turns a subscription plus a materialised scope into a
// persisted task: one instance record per target, a pipeline tree with an
// independent sub-process branch per instance, and a per-step action map.
package builder

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/basket/nodepilot/internal/arbiter"
	"github.com/basket/nodepilot/internal/cmdb"
	otelPkg "github.com/basket/nodepilot/internal/otel"
	"github.com/basket/nodepilot/internal/pipeline"
	"github.com/basket/nodepilot/internal/scope"
	"github.com/basket/nodepilot/internal/shared"
	"github.com/basket/nodepilot/internal/store"
)

// Operator intents. Policies derive their own per-step action from plugin
// facts; one-shot subscriptions carry the intent through unchanged.
const (
	ActionInstall   = "INSTALL"
	ActionReinstall = "REINSTALL"
	ActionUpgrade   = "UPGRADE"
	ActionUpdate    = "UPDATE"
	ActionStart     = "START"
	ActionStop      = "STOP"
	ActionRestart   = "RESTART"
	ActionRemove    = "REMOVE"
)

// PlannedActivity is one inner node of a step's chain.
type PlannedActivity struct {
	Component      string
	Inputs         map[string]any
	TimeoutSeconds int
}

// Planner supplies the ordered activity chain for one step on one target.
// The step implementations own the chain; the builder only places it inside
// the instance's sub-process.
type Planner interface {
	Plan(ctx context.Context, step store.Step, action string, target scope.Descriptor) ([]PlannedActivity, error)
}

// Request is one build invocation.
type Request struct {
	Subscription *store.Subscription
	Steps        []store.Step

	// Action is the operator intent. Ignored for policies, which derive
	// actions from plugin facts.
	Action string

	// ScopeRaw overrides the subscription's stored scope when non-empty.
	ScopeRaw string

	IsAutoTrigger bool
}

// stepPlan is the persisted per-step runtime payload on an instance record.
type stepPlan struct {
	StepID string `json:"step_id"`
	Action string `json:"action,omitempty"`
	Reason string `json:"reason,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Builder struct {
	store    *store.Store
	resolver *scope.Resolver
	reader   cmdb.Reader
	planner  Planner
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
}

func New(st *store.Store, resolver *scope.Resolver, reader cmdb.Reader, planner Planner, logger *slog.Logger, metrics *otelPkg.Metrics) *Builder {
	return &Builder{
		store:    st,
		resolver: resolver,
		reader:   reader,
		planner:  planner,
		logger:   logger.With("component", "builder"),
		metrics:  metrics,
	}
}

// Build resolves the scope, derives per-step actions, assembles the pipeline
// tree and persists the whole bundle. Whole-task failures (scope parse,
// CMDB outage) still persist the task, not-ready with an error message, so
// the collector can report them. Per-instance failures exclude only that
// instance.
func (b *Builder) Build(ctx context.Context, req Request) (*store.TaskBundle, error) {
	sub := req.Subscription
	raw := req.ScopeRaw
	if raw == "" {
		raw = sub.Scope
	}

	sc, err := b.resolver.ParseScope(raw)
	if err != nil {
		return b.saveFailed(ctx, req, raw, fmt.Sprintf("invalid scope: %v", err))
	}
	res, err := b.resolver.Resolve(ctx, sc, true)
	if err != nil {
		return b.saveFailed(ctx, req, raw, fmt.Sprintf("scope resolution failed: %v", err))
	}

	topoOrder, err := b.reader.TopoOrder(ctx)
	if err != nil {
		// Arbitration degrades to create-time ordering without it.
		b.logger.Warn("topo order unavailable", "error", err)
		topoOrder = nil
	}

	instanceIDs := make([]string, 0, len(res.Instances))
	for id := range res.Instances {
		instanceIDs = append(instanceIDs, id)
	}
	sort.Strings(instanceIDs)

	bundle := &store.TaskBundle{
		Task: store.Task{
			SubscriptionID: sub.ID,
			Scope:          raw,
			IsAutoTrigger:  req.IsAutoTrigger,
			IsReady:        true,
		},
		NodeRecordIndex: map[string]int{},
	}
	actions := map[string]map[string]string{}
	type branch struct {
		recordIndex int
		target      scope.Descriptor
		chain       []PlannedActivity
		stepOfNode  map[int]string // chain index -> step id
	}
	var branches []branch
	subsCache := map[int64]*store.Subscription{}

	for _, instanceID := range instanceIDs {
		target := res.Instances[instanceID]
		plans := make([]stepPlan, 0, len(req.Steps))
		stepActions := map[string]string{}
		var chain []PlannedActivity
		stepOfNode := map[int]string{}
		buildable := false
		var instanceErr string

		for _, step := range req.Steps {
			action, reason := b.stepAction(ctx, sub, step, req.Action, target)
			if action == "" {
				plans = append(plans, stepPlan{StepID: step.StepID, Reason: reason})
				continue
			}
			if suppressedBy := b.arbitrate(ctx, sub, action, target, topoOrder, subsCache); suppressedBy != nil {
				plans = append(plans, stepPlan{StepID: step.StepID, Reason: fmt.Sprintf(
					"suppressed by %s subscription %q (id=%d) at %s level",
					suppressedBy.Category, suppressedBy.Name, suppressedBy.SubscriptionID, suppressedBy.BkObjID)})
				continue
			}

			acts, err := b.planner.Plan(ctx, step, action, target)
			if err != nil {
				instanceErr = fmt.Sprintf("step %s: %v", step.StepID, err)
				plans = append(plans, stepPlan{StepID: step.StepID, Action: action, Error: instanceErr})
				break
			}
			for _, a := range acts {
				if a.Inputs == nil {
					a.Inputs = map[string]any{}
				}
				if _, ok := a.Inputs["subscription_id"]; !ok {
					a.Inputs["subscription_id"] = sub.ID
				}
				stepOfNode[len(chain)] = step.StepID
				chain = append(chain, a)
			}
			plans = append(plans, stepPlan{StepID: step.StepID, Action: action})
			stepActions[step.StepID] = action
			buildable = true
		}

		stepsJSON, _ := json.Marshal(plans)
		rec := store.InstanceRecord{
			SubscriptionID: sub.ID,
			InstanceID:     instanceID,
			Steps:          string(stepsJSON),
			IsLatest:       true,
		}
		info, _ := json.Marshal(target)
		rec.InstanceInfo = string(info)

		switch {
		case instanceErr != "":
			rec.Status = store.StatusFailed
		case !buildable:
			rec.Status = store.StatusIgnored
			if b.metrics != nil {
				b.metrics.InstancesIgnored.Add(ctx, 1)
			}
		default:
			rec.Status = store.StatusPending
			actions[instanceID] = stepActions
			branches = append(branches, branch{
				recordIndex: len(bundle.Records),
				target:      target,
				chain:       chain,
				stepOfNode:  stepOfNode,
			})
		}
		bundle.Records = append(bundle.Records, rec)
	}

	if len(branches) > 0 {
		treeID := shared.NewNodeID()
		doc := pipeline.Document{
			ID:         treeID,
			StartEvent: shared.NewNodeID(),
			EndEvent:   shared.NewNodeID(),
			Flows:      map[string]pipeline.Flow{},
			Gateways:   map[string]pipeline.GatewayDoc{},
			Activities: map[string]pipeline.ActivityDoc{},
		}
		pg, cg := shared.NewNodeID(), shared.NewNodeID()
		doc.Gateways[pg] = pipeline.GatewayDoc{Type: "parallel"}
		doc.Gateways[cg] = pipeline.GatewayDoc{Type: "converge"}
		doc.Flows[shared.NewNodeID()] = pipeline.Flow{Source: doc.StartEvent, Target: pg}
		doc.Flows[shared.NewNodeID()] = pipeline.Flow{Source: cg, Target: doc.EndEvent}

		bundle.Nodes = append(bundle.Nodes,
			store.Node{TreeID: treeID, NodeID: doc.StartEvent, Kind: pipeline.KindStart},
			store.Node{TreeID: treeID, NodeID: doc.EndEvent, Kind: pipeline.KindEnd},
			store.Node{TreeID: treeID, NodeID: pg, Kind: pipeline.KindParallelGateway},
			store.Node{TreeID: treeID, NodeID: cg, Kind: pipeline.KindConvergeGateway},
		)

		for _, br := range branches {
			subNode := b.addBranch(&doc, bundle, treeID, br.recordIndex, br.chain, br.stepOfNode, pg, cg)
			bundle.Records[br.recordIndex].PipelineID = subNode
		}

		docJSON, err := json.Marshal(doc)
		if err != nil {
			return b.saveFailed(ctx, req, raw, fmt.Sprintf("marshal tree: %v", err))
		}
		bundle.Tree = store.Tree{ID: treeID, Document: string(docJSON)}
		bundle.Task.PipelineID = treeID
	}

	actionsJSON, _ := json.Marshal(actions)
	bundle.Task.Actions = string(actionsJSON)

	if err := b.store.SaveTask(ctx, bundle); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}
	if b.metrics != nil {
		b.metrics.TasksBuilt.Add(ctx, 1)
	}
	b.logger.Info("task built",
		"task_id", bundle.Task.ID, "subscription_id", sub.ID,
		"instances", len(bundle.Records), "branches", len(branches),
		"tree_id", bundle.Task.PipelineID)
	return bundle, nil
}

// addBranch appends one instance's sub-process branch to the document and the
// node rows, returning the sub-process node id.
func (b *Builder) addBranch(doc *pipeline.Document, bundle *store.TaskBundle, treeID string, recordIndex int, chain []PlannedActivity, stepOfNode map[int]string, pg, cg string) string {
	subNode := shared.NewNodeID()
	inner := &pipeline.Document{
		ID:         shared.NewNodeID(),
		StartEvent: shared.NewNodeID(),
		EndEvent:   shared.NewNodeID(),
		Flows:      map[string]pipeline.Flow{},
		Activities: map[string]pipeline.ActivityDoc{},
	}

	bundle.Nodes = append(bundle.Nodes,
		store.Node{TreeID: treeID, NodeID: subNode, Kind: pipeline.KindSubprocess},
		store.Node{TreeID: treeID, NodeID: inner.StartEvent, Kind: pipeline.KindStart},
		store.Node{TreeID: treeID, NodeID: inner.EndEvent, Kind: pipeline.KindEnd},
	)
	bundle.NodeRecordIndex[subNode] = recordIndex
	bundle.NodeRecordIndex[inner.StartEvent] = recordIndex
	bundle.NodeRecordIndex[inner.EndEvent] = recordIndex

	prev := inner.StartEvent
	for i, act := range chain {
		nodeID := shared.NewNodeID()
		inner.Activities[nodeID] = pipeline.ActivityDoc{Component: act.Component, Inputs: act.Inputs}
		inner.Flows[shared.NewNodeID()] = pipeline.Flow{Source: prev, Target: nodeID}
		prev = nodeID

		inputsJSON, _ := json.Marshal(act.Inputs)
		bundle.Nodes = append(bundle.Nodes, store.Node{
			TreeID:         treeID,
			NodeID:         nodeID,
			StepID:         stepOfNode[i],
			Kind:           pipeline.KindActivity,
			Component:      act.Component,
			Inputs:         string(inputsJSON),
			TimeoutSeconds: act.TimeoutSeconds,
		})
		bundle.NodeRecordIndex[nodeID] = recordIndex
	}
	inner.Flows[shared.NewNodeID()] = pipeline.Flow{Source: prev, Target: inner.EndEvent}

	doc.Activities[subNode] = pipeline.ActivityDoc{Pipeline: inner}
	doc.Flows[shared.NewNodeID()] = pipeline.Flow{Source: pg, Target: subNode}
	doc.Flows[shared.NewNodeID()] = pipeline.Flow{Source: subNode, Target: cg}
	return subNode
}

// stepAction derives the action for one step on one target. An empty action
// with a reason means the step is a noop for this instance.
func (b *Builder) stepAction(ctx context.Context, sub *store.Subscription, step store.Step, intent string, target scope.Descriptor) (string, string) {
	if sub.Category != store.CategoryPolicy {
		return strings.ToUpper(intent), ""
	}
	if step.Type != store.StepTypePlugin {
		// Agent steps under a policy follow the operator intent, defaulting
		// to install.
		if intent != "" {
			return strings.ToUpper(intent), ""
		}
		return ActionInstall, ""
	}

	var cfg struct {
		Version string `json:"version"`
	}
	_ = json.Unmarshal([]byte(step.Config), &cfg)

	// The fact is keyed by the same name the step's update activity writes
	// it under, so re-evaluation sees its own prior work.
	pluginName := step.FactPluginName()
	fact, err := b.store.FindLatestFact(ctx, target.Host.BkHostID, pluginName, store.FactSourceSubscription)
	if err != nil {
		fact, err = b.store.FindLatestFact(ctx, target.Host.BkHostID, pluginName, store.FactSourceDefault)
		if err != nil {
			fact = nil
		}
	}
	if fact == nil {
		return ActionInstall, ""
	}
	switch cmp := compareVersions(fact.Version, cfg.Version); {
	case cmp < 0:
		return ActionUpgrade, ""
	case cmp > 0:
		return "", fmt.Sprintf("installed version %s is newer than target %s", fact.Version, cfg.Version)
	case fact.ProcStatus == "RUNNING":
		return "", fmt.Sprintf("already at version %s and running", fact.Version)
	default:
		return ActionStart, ""
	}
}

// arbitrate asks the policy arbiter whether another subscription's claim on
// this host suppresses the action. Returns the suppressing claim or nil.
func (b *Builder) arbitrate(ctx context.Context, sub *store.Subscription, action string, target scope.Descriptor, topoOrder []string, subsCache map[int64]*store.Subscription) *arbiter.Claim {
	candidate := arbiter.Claim{
		SubscriptionID: sub.ID,
		Name:           sub.Name,
		Category:       sub.Category,
		BkObjID:        target.MatchedObjID,
		CreatedAt:      sub.CreatedAt,
	}
	claims := b.hostClaims(ctx, target.Host.BkHostID, sub.PluginName, sub.ID, subsCache)
	decision := arbiter.Arbitrate(action, candidate, topoOrder, claims)
	return decision.By
}

// hostClaims assembles the competing claims on (host, plugin) from the
// latest subscription-sourced plugin facts.
func (b *Builder) hostClaims(ctx context.Context, hostID int64, pluginName string, excludeSubID int64, subsCache map[int64]*store.Subscription) []arbiter.Claim {
	facts, err := b.store.ListHostFacts(ctx, hostID)
	if err != nil {
		b.logger.Warn("list host facts", "bk_host_id", hostID, "error", err)
		return nil
	}
	var claims []arbiter.Claim
	for _, f := range facts {
		if !f.IsLatest || f.PluginName != pluginName || f.SourceType != store.FactSourceSubscription {
			continue
		}
		if f.SourceID == excludeSubID {
			continue
		}
		owner, ok := subsCache[f.SourceID]
		if !ok {
			owner, err = b.store.FindSubscription(ctx, f.SourceID, false)
			if err != nil {
				owner = nil
			}
			subsCache[f.SourceID] = owner
		}
		if owner == nil || !owner.Enabled {
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
	return claims
}

func (b *Builder) saveFailed(ctx context.Context, req Request, raw, errMsg string) (*store.TaskBundle, error) {
	bundle := &store.TaskBundle{
		Task: store.Task{
			SubscriptionID: req.Subscription.ID,
			Scope:          raw,
			IsAutoTrigger:  req.IsAutoTrigger,
			IsReady:        false,
			ErrMsg:         errMsg,
		},
	}
	if err := b.store.SaveTask(ctx, bundle); err != nil {
		return nil, fmt.Errorf("persist failed task: %w", err)
	}
	b.logger.Warn("task build failed",
		"task_id", bundle.Task.ID, "subscription_id", req.Subscription.ID, "error", errMsg)
	return bundle, nil
}

// compareVersions orders dotted version strings numerically per segment,
// falling back to string order for non-numeric segments.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}
