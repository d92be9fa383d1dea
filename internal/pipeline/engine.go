// Package pipeline is the durable DAG runner. Trees and per-node runtime
// live in the store; the engine is a pool of workers pulling runnable nodes,
// with compare-and-set claims making duplicate dispatch (and multi-replica
// operation) a noop.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/basket/nodepilot/internal/config"
	otelPkg "github.com/basket/nodepilot/internal/otel"
	"github.com/basket/nodepilot/internal/store"
)

// ErrInvalidState reports an operation not allowed in the node's current
// state, e.g. retrying a node that has not failed.
var ErrInvalidState = errors.New("invalid state")

// maxAutoRetries caps engine-driven retries of retryable activity failures.
const maxAutoRetries = 3

// structuralLease keeps long-lived structural nodes (sub-processes waiting
// on their inner chain) out of the expired-lease recovery sweep.
const structuralLease = 24 * time.Hour

type work struct {
	treeID string
	nodeID string
	token  string
}

// Engine schedules pipeline trees.
type Engine struct {
	store    *store.Store
	logger   *slog.Logger
	metrics  *otelPkg.Metrics
	registry *Registry
	cfg      config.EngineConfig
	workerID string

	branchSem *semaphore.Weighted
	branches  sync.Map // "tree/node" -> struct{}, live semaphore holds

	queue chan work
	stop  chan struct{}
	wg    sync.WaitGroup

	mu     sync.Mutex
	graphs map[string]*Graph
}

func New(st *store.Store, registry *Registry, cfg config.EngineConfig, logger *slog.Logger, metrics *otelPkg.Metrics) *Engine {
	return &Engine{
		store:     st,
		logger:    logger.With("component", "pipeline"),
		metrics:   metrics,
		registry:  registry,
		cfg:       cfg,
		workerID:  "engine-" + uuid.NewString()[:8],
		branchSem: semaphore.NewWeighted(int64(cfg.JobTaskFanOut)),
		queue:     make(chan work, 4096),
		stop:      make(chan struct{}),
		graphs:    make(map[string]*Graph),
	}
}

// Start launches the worker pool and the timer loops.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.WorkerCount; i++ {
		e.wg.Add(1)
		go e.workerLoop(ctx)
	}
	e.wg.Add(2)
	go e.scheduleLoop(ctx)
	go e.recoveryLoop(ctx)
	e.logger.Info("pipeline engine started",
		"workers", e.cfg.WorkerCount, "fan_out", e.cfg.JobTaskFanOut, "worker_id", e.workerID)
}

// Stop drains the loops. In-flight activities finish their current node.
func (e *Engine) Stop() {
	close(e.stop)
	e.wg.Wait()
}

func (e *Engine) graph(ctx context.Context, treeID string) (*Graph, error) {
	e.mu.Lock()
	if g, ok := e.graphs[treeID]; ok {
		e.mu.Unlock()
		return g, nil
	}
	e.mu.Unlock()

	tree, err := e.store.GetTree(ctx, treeID)
	if err != nil {
		return nil, err
	}
	doc, err := ParseDocument(tree.Document)
	if err != nil {
		return nil, err
	}
	g, err := BuildGraph(doc)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.graphs[treeID] = g
	e.mu.Unlock()
	return g, nil
}

func (e *Engine) forget(treeID string) {
	e.mu.Lock()
	delete(e.graphs, treeID)
	e.mu.Unlock()
}

// Run schedules every currently runnable node of a tree. Idempotent: claims
// are compare-and-set, so concurrent or repeated calls (and calls after
// terminal completion) are noops.
func (e *Engine) Run(ctx context.Context, treeID string) error {
	g, err := e.graph(ctx, treeID)
	if err != nil {
		return err
	}
	states, err := e.nodeStates(ctx, treeID)
	if err != nil {
		return err
	}
	if states[g.Root.EndEvent] == store.NodeSuccess {
		return nil
	}
	for nodeID, st := range states {
		if st != store.NodeReady {
			continue
		}
		if e.predsSatisfied(g, states, nodeID) {
			e.enqueue(work{treeID: treeID, nodeID: nodeID})
		}
	}
	return nil
}

// Retry resets a failed node and everything downstream of it to READY and
// resumes the tree. Upstream successes are preserved.
func (e *Engine) Retry(ctx context.Context, treeID, nodeID string) error {
	g, err := e.graph(ctx, treeID)
	if err != nil {
		return err
	}
	node, err := e.store.GetNode(ctx, treeID, nodeID)
	if err != nil {
		return err
	}
	if node.State != store.NodeFailed {
		return fmt.Errorf("%w: retry requires a failed node, %s is %s", ErrInvalidState, nodeID, node.State)
	}
	reset := append([]string{nodeID}, g.Downstream(nodeID)...)
	if err := e.store.ResetNodesForRetry(ctx, treeID, reset); err != nil {
		return err
	}
	if node.RecordID != 0 {
		if err := e.store.UpdateRecordStatus(ctx, node.RecordID, store.StatusPending); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return e.Run(ctx, treeID)
}

// Revoke cancels the given nodes, or the whole tree when nodeIDs is empty.
// Idle nodes revoke immediately; running activities get the cooperative flag
// and are forced after the grace period.
func (e *Engine) Revoke(ctx context.Context, treeID string, nodeIDs []string) error {
	if err := e.store.RequestCancel(ctx, treeID, nodeIDs); err != nil {
		return err
	}
	grace := time.Duration(e.cfg.RevokeGraceSeconds) * time.Second
	time.AfterFunc(grace, func() {
		fctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		n, err := e.store.ForceRevokeExpired(fctx, treeID, grace)
		if err != nil {
			e.logger.Warn("force revoke failed", "tree_id", treeID, "error", err)
			return
		}
		if n > 0 {
			e.logger.Info("forced revoke of unacknowledged activities", "tree_id", treeID, "nodes", n)
		}
		e.finalizeRevokedRecords(fctx, treeID)
	})
	e.finalizeRevokedRecords(ctx, treeID)
	return nil
}

// RevokeRecord revokes one instance's sub-graph, used when a newer record
// supersedes it.
func (e *Engine) RevokeRecord(ctx context.Context, recordID int64) error {
	nodes, err := e.store.ListNodesByRecord(ctx, recordID)
	if err != nil {
		return err
	}
	if len(nodes) == 0 {
		return nil
	}
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.NodeID)
	}
	return e.Revoke(ctx, nodes[0].TreeID, ids)
}

// Status returns the per-node states of a tree.
func (e *Engine) Status(ctx context.Context, treeID string) (map[string]store.NodeState, error) {
	return e.nodeStates(ctx, treeID)
}

// StatusOfRecord reduces one instance's sub-graph to a roll-up status.
func (e *Engine) StatusOfRecord(ctx context.Context, recordID int64) (store.InstanceStatus, error) {
	nodes, err := e.store.ListNodesByRecord(ctx, recordID)
	if err != nil {
		return "", err
	}
	return reduceNodes(nodes), nil
}

func reduceNodes(nodes []store.Node) store.InstanceStatus {
	if len(nodes) == 0 {
		return store.StatusPending
	}
	var failed, revoked, active, pending int
	for _, n := range nodes {
		switch n.State {
		case store.NodeFailed:
			failed++
		case store.NodeRevoked:
			revoked++
		case store.NodeRunning, store.NodeSuspended:
			active++
		case store.NodeReady:
			pending++
		}
	}
	switch {
	case failed > 0:
		return store.StatusFailed
	case revoked > 0 && active == 0 && pending == 0:
		return store.StatusTerminated
	case active > 0:
		return store.StatusRunning
	case pending > 0:
		return store.StatusPending
	default:
		return store.StatusSuccess
	}
}

func (e *Engine) nodeStates(ctx context.Context, treeID string) (map[string]store.NodeState, error) {
	nodes, err := e.store.ListNodes(ctx, treeID)
	if err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("tree %q: %w", treeID, store.ErrNotFound)
	}
	states := make(map[string]store.NodeState, len(nodes))
	for _, n := range nodes {
		states[n.NodeID] = n.State
	}
	return states, nil
}

func (e *Engine) predsSatisfied(g *Graph, states map[string]store.NodeState, nodeID string) bool {
	if g.Kind[nodeID] == KindStart {
		if parent, ok := g.Parent[nodeID]; ok {
			return states[parent] == store.NodeRunning
		}
		return true
	}
	preds := g.Pred[nodeID]
	if len(preds) == 0 {
		return true
	}
	converge := g.Kind[nodeID] == KindConvergeGateway
	for _, p := range preds {
		st := states[p]
		if converge {
			if !terminalState(st) {
				return false
			}
		} else if st != store.NodeSuccess {
			return false
		}
	}
	return true
}

func terminalState(st store.NodeState) bool {
	switch st {
	case store.NodeSuccess, store.NodeFailed, store.NodeRevoked, store.NodeSkipped:
		return true
	}
	return false
}

func (e *Engine) enqueue(w work) {
	select {
	case e.queue <- w:
	default:
		// Queue full: back off and retry without blocking the caller.
		time.AfterFunc(250*time.Millisecond, func() { e.enqueue(w) })
	}
}

func (e *Engine) workerLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case w := <-e.queue:
			e.dispatch(ctx, w)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, w work) {
	g, err := e.graph(ctx, w.treeID)
	if err != nil {
		e.logger.Error("load graph", "tree_id", w.treeID, "error", err)
		return
	}
	kind := g.Kind[w.nodeID]

	if w.token != "" {
		// A wake-up from ParkNode or an automatic retry; already claimed by
		// the schedule loop.
		token := w.token
		if token == "retry" {
			token = ""
		}
		e.runActivity(ctx, g, w.treeID, w.nodeID, token)
		return
	}

	switch kind {
	case KindSubprocess:
		e.dispatchSubprocess(ctx, g, w)
	case KindStart, KindEnd, KindParallelGateway, KindConvergeGateway:
		e.dispatchStructural(ctx, g, w, kind)
	case KindActivity:
		lease := time.Duration(e.cfg.NodeLeaseSeconds) * time.Second
		claimed, err := e.store.ClaimNode(ctx, w.treeID, w.nodeID, e.workerID, lease)
		if err != nil {
			e.logger.Error("claim node", "tree_id", w.treeID, "node_id", w.nodeID, "error", err)
			return
		}
		if !claimed {
			return
		}
		e.runActivity(ctx, g, w.treeID, w.nodeID, "")
	default:
		e.logger.Error("unknown node kind", "tree_id", w.treeID, "node_id", w.nodeID, "kind", kind)
	}
}

func (e *Engine) dispatchSubprocess(ctx context.Context, g *Graph, w work) {
	key := w.treeID + "/" + w.nodeID
	if _, held := e.branches.Load(key); !held {
		if !e.branchSem.TryAcquire(1) {
			// Fan-out cap reached; the branch waits in READY.
			time.AfterFunc(250*time.Millisecond, func() { e.enqueue(w) })
			return
		}
		e.branches.Store(key, struct{}{})
	}
	claimed, err := e.store.ClaimNode(ctx, w.treeID, w.nodeID, e.workerID, structuralLease)
	if err != nil || !claimed {
		e.releaseBranch(key)
		if err != nil {
			e.logger.Error("claim subprocess", "tree_id", w.treeID, "node_id", w.nodeID, "error", err)
		}
		return
	}
	if e.metrics != nil {
		e.metrics.ActiveBranches.Add(ctx, 1)
	}
	node, err := e.store.GetNode(ctx, w.treeID, w.nodeID)
	if err == nil && node.RecordID != 0 {
		_ = e.store.UpdateRecordStatus(ctx, node.RecordID, store.StatusRunning)
	}
	// A retried branch may have its inner chain already finished by the time
	// the sub-process node is re-claimed.
	if innerEnd, ok := g.InnerEnd[w.nodeID]; ok {
		if n, err := e.store.GetNode(ctx, w.treeID, innerEnd); err == nil && n.State == store.NodeSuccess {
			e.finishSubprocess(ctx, g, w.treeID, w.nodeID)
			return
		}
	}
	e.propagate(ctx, g, w.treeID, w.nodeID)
}

func (e *Engine) dispatchStructural(ctx context.Context, g *Graph, w work, kind string) {
	claimed, err := e.store.ClaimNode(ctx, w.treeID, w.nodeID, e.workerID, structuralLease)
	if err != nil {
		e.logger.Error("claim structural node", "tree_id", w.treeID, "node_id", w.nodeID, "error", err)
		return
	}
	if !claimed {
		return
	}
	if _, err := e.store.CompleteNode(ctx, w.treeID, w.nodeID, store.NodeSuccess, "{}", ""); err != nil {
		e.logger.Error("complete structural node", "tree_id", w.treeID, "node_id", w.nodeID, "error", err)
		return
	}
	if kind == KindEnd && g.Parent[w.nodeID] == "" {
		e.logger.Info("tree finished", "tree_id", w.treeID)
		e.forget(w.treeID)
		return
	}
	e.propagate(ctx, g, w.treeID, w.nodeID)
}

func (e *Engine) runActivity(ctx context.Context, g *Graph, treeID, nodeID, token string) {
	node, err := e.store.GetNode(ctx, treeID, nodeID)
	if err != nil {
		e.logger.Error("load node", "tree_id", treeID, "node_id", nodeID, "error", err)
		return
	}
	if node.State != store.NodeRunning {
		return
	}

	act, err := e.registry.Lookup(node.Component)
	if err != nil {
		e.completeFailed(ctx, g, treeID, node, err)
		return
	}

	var inputs map[string]any
	if node.Inputs != "" {
		_ = json.Unmarshal([]byte(node.Inputs), &inputs)
	}
	ac := &ActivityContext{
		TreeID:   treeID,
		NodeID:   nodeID,
		StepID:   node.StepID,
		RecordID: node.RecordID,
		Inputs:   inputs,
		Token:    token,
		Logger:   e.logger.With("tree_id", treeID, "node_id", nodeID),
		Cancelled: func() bool {
			flagged, err := e.store.CancelRequested(ctx, treeID, nodeID)
			return err == nil && flagged
		},
		Log: func(level, message string) {
			if err := e.store.AppendNodeLog(ctx, node.RecordID, nodeID, level, message); err != nil {
				e.logger.Warn("append node log", "node_id", nodeID, "error", err)
			}
		},
	}

	timeout := time.Duration(node.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(e.cfg.DefaultStepTimeoutSeconds) * time.Second
	}
	actCtx, cancel := context.WithTimeout(ctx, timeout)
	started := time.Now()
	outcome := act.Execute(actCtx, ac)
	cancel()

	if e.metrics != nil {
		e.metrics.ActivityDuration.Record(ctx, time.Since(started).Seconds(),
			metric.WithAttributes(attribute.String("component", node.Component)))
	}
	if outcome.Kind != OutcomeSuccess && errors.Is(actCtx.Err(), context.DeadlineExceeded) {
		outcome = Failed(fmt.Errorf("step timed out after %s", timeout), false)
	}

	switch outcome.Kind {
	case OutcomeSuccess:
		outputs := "{}"
		if len(outcome.Outputs) > 0 {
			if b, err := json.Marshal(outcome.Outputs); err == nil {
				outputs = string(b)
			}
		}
		if _, err := e.store.CompleteNode(ctx, treeID, nodeID, store.NodeSuccess, outputs, ""); err != nil {
			e.logger.Error("complete node", "node_id", nodeID, "error", err)
			return
		}
		e.propagate(ctx, g, treeID, nodeID)

	case OutcomeSchedule:
		wake := time.Now().Add(outcome.After)
		if _, err := e.store.ParkNode(ctx, treeID, nodeID, outcome.Token, wake); err != nil {
			e.logger.Error("park node", "node_id", nodeID, "error", err)
		}

	case OutcomeFailed:
		if outcome.Retryable && node.RetryCount < maxAutoRetries {
			backoff := time.Duration(1<<uint(node.RetryCount)) * time.Second
			ac.Log("WARNING", fmt.Sprintf("retryable failure, attempt %d: %v", node.RetryCount+1, outcome.Err))
			if err := e.store.IncrementNodeRetry(ctx, treeID, nodeID, time.Now().Add(backoff)); err != nil {
				e.logger.Error("schedule auto retry", "node_id", nodeID, "error", err)
			}
			return
		}
		e.completeFailed(ctx, g, treeID, node, outcome.Err)
	}
}

// completeFailed finishes an activity as FAILED and fails its enclosing
// branch: the sub-process node and the instance record, so the root converge
// gateway can proceed while sibling instances continue.
func (e *Engine) completeFailed(ctx context.Context, g *Graph, treeID string, node *store.Node, cause error) {
	msg := "activity failed"
	if cause != nil {
		msg = cause.Error()
	}
	if _, err := e.store.CompleteNode(ctx, treeID, node.NodeID, store.NodeFailed, "{}", msg); err != nil {
		e.logger.Error("complete failed node", "node_id", node.NodeID, "error", err)
		return
	}
	if err := e.store.AppendNodeLog(ctx, node.RecordID, node.NodeID, "ERROR", msg); err != nil {
		e.logger.Warn("append failure log", "node_id", node.NodeID, "error", err)
	}

	// Fail the enclosing sub-process so the outer graph observes a terminal
	// branch. Remaining inner nodes are skipped.
	if sub := e.enclosingSubprocess(g, node.NodeID); sub != "" {
		for _, downstream := range g.Downstream(node.NodeID) {
			if g.Parent[downstream] == sub {
				_, _ = e.store.TransitionNode(ctx, treeID, downstream,
					[]store.NodeState{store.NodeReady}, store.NodeSkipped)
			}
		}
		if _, err := e.store.CompleteNode(ctx, treeID, sub, store.NodeFailed, "{}", msg); err != nil {
			e.logger.Error("fail subprocess", "node_id", sub, "error", err)
		}
		e.releaseBranch(treeID + "/" + sub)
		if e.metrics != nil {
			e.metrics.ActiveBranches.Add(ctx, -1)
		}
		if node.RecordID != 0 {
			_ = e.store.UpdateRecordStatus(ctx, node.RecordID, store.StatusFailed)
		}
		e.propagate(ctx, g, treeID, sub)
		return
	}
	if node.RecordID != 0 {
		_ = e.store.UpdateRecordStatus(ctx, node.RecordID, store.StatusFailed)
	}
	e.propagate(ctx, g, treeID, node.NodeID)
}

func (e *Engine) enclosingSubprocess(g *Graph, nodeID string) string {
	if parent, ok := g.Parent[nodeID]; ok {
		return parent
	}
	return ""
}

// propagate enqueues whatever became runnable after nodeID reached a
// terminal state, completing sub-process nodes whose inner chain finished.
func (e *Engine) propagate(ctx context.Context, g *Graph, treeID, nodeID string) {
	states, err := e.nodeStates(ctx, treeID)
	if err != nil {
		e.logger.Error("reload node states", "tree_id", treeID, "error", err)
		return
	}
	succ := g.EffectiveSuccessors(nodeID)
	if g.Kind[nodeID] == KindSubprocess && terminalState(states[nodeID]) {
		// A finished sub-process continues the outer graph, not its inner
		// chain.
		succ = g.Succ[nodeID]
	}
	for _, next := range succ {
		st := states[next]
		if g.Kind[next] == KindSubprocess && st == store.NodeRunning {
			// The inner end finished; close out the sub-process.
			if innerEnd, ok := g.InnerEnd[next]; ok && states[innerEnd] == store.NodeSuccess {
				e.finishSubprocess(ctx, g, treeID, next)
			}
			continue
		}
		if st != store.NodeReady {
			continue
		}
		if e.predsSatisfied(g, states, next) {
			e.enqueue(work{treeID: treeID, nodeID: next})
		}
	}
}

func (e *Engine) finishSubprocess(ctx context.Context, g *Graph, treeID, subID string) {
	moved, err := e.store.CompleteNode(ctx, treeID, subID, store.NodeSuccess, "{}", "")
	if err != nil {
		e.logger.Error("complete subprocess", "node_id", subID, "error", err)
		return
	}
	if !moved {
		return
	}
	e.releaseBranch(treeID + "/" + subID)
	if e.metrics != nil {
		e.metrics.ActiveBranches.Add(ctx, -1)
	}
	if node, err := e.store.GetNode(ctx, treeID, subID); err == nil && node.RecordID != 0 {
		_ = e.store.UpdateRecordStatus(ctx, node.RecordID, store.StatusSuccess)
	}
	e.propagate(ctx, g, treeID, subID)
}

func (e *Engine) releaseBranch(key string) {
	if _, held := e.branches.LoadAndDelete(key); held {
		e.branchSem.Release(1)
	}
}

// finalizeRevokedRecords rolls up records whose sub-graphs have fully
// revoked after a cancel request.
func (e *Engine) finalizeRevokedRecords(ctx context.Context, treeID string) {
	nodes, err := e.store.ListNodes(ctx, treeID)
	if err != nil {
		e.logger.Warn("list nodes for revoke finalize", "tree_id", treeID, "error", err)
		return
	}
	byRecord := make(map[int64][]store.Node)
	for _, n := range nodes {
		if n.RecordID != 0 {
			byRecord[n.RecordID] = append(byRecord[n.RecordID], n)
		}
	}
	for recordID, recNodes := range byRecord {
		status := reduceNodes(recNodes)
		if status == store.StatusTerminated {
			e.releaseBranchOfRecord(ctx, treeID, recNodes)
			if err := e.store.UpdateRecordStatus(ctx, recordID, store.StatusTerminated); err != nil && !errors.Is(err, store.ErrNotFound) {
				e.logger.Warn("finalize revoked record", "record_id", recordID, "error", err)
			}
		}
	}
}

func (e *Engine) releaseBranchOfRecord(ctx context.Context, treeID string, nodes []store.Node) {
	for _, n := range nodes {
		if n.Kind == KindSubprocess {
			e.releaseBranch(treeID + "/" + n.NodeID)
		}
	}
}

// scheduleLoop wakes parked nodes whose timer elapsed and re-dispatches them.
func (e *Engine) scheduleLoop(ctx context.Context) {
	defer e.wg.Done()
	lease := time.Duration(e.cfg.NodeLeaseSeconds) * time.Second
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := e.store.DueScheduledNodes(ctx, time.Now(), 256)
			if err != nil {
				e.logger.Error("scan due nodes", "error", err)
				continue
			}
			for _, n := range due {
				resumed, err := e.store.ResumeParkedNode(ctx, n.TreeID, n.NodeID, n.ScheduleToken, e.workerID, lease)
				if err != nil {
					e.logger.Error("resume parked node", "node_id", n.NodeID, "error", err)
					continue
				}
				if resumed {
					e.enqueue(work{treeID: n.TreeID, nodeID: n.NodeID, token: n.ScheduleToken})
				}
			}
		}
	}
}

// recoveryLoop reverts RUNNING nodes with expired leases (crashed workers)
// back to READY and re-runs the trees this engine knows about.
func (e *Engine) recoveryLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(time.Duration(e.cfg.NodeLeaseSeconds) * time.Second / 2)
	defer ticker.Stop()
	for {
		select {
		case <-e.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := e.store.RecoverExpiredNodes(ctx, time.Now())
			if err != nil {
				e.logger.Error("recover expired nodes", "error", err)
				continue
			}
			if n == 0 {
				continue
			}
			e.logger.Info("recovered expired node leases", "nodes", n)
			e.mu.Lock()
			trees := make([]string, 0, len(e.graphs))
			for id := range e.graphs {
				trees = append(trees, id)
			}
			e.mu.Unlock()
			for _, id := range trees {
				if err := e.Run(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
					e.logger.Warn("re-run after recovery", "tree_id", id, "error", err)
				}
			}
		}
	}
}
