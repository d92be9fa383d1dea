package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strconv"

	"github.com/basket/nodepilot/internal/store"
)

// Config-store cursor keys of the collector.
const (
	keyLastTaskID  = "LAST_SUB_TASK_ID"
	keyNotReadyMap = "NOT_READY_TASK_INFO_MAP"
)

// maxDeferrals bounds how many passes a not-ready task is carried before it
// is dropped as an error.
const maxDeferrals = 60

// collectorBatch bounds tasks scanned per pass.
const collectorBatch = 500

// pipelineRunner is the slice of the engine the reconcilers need.
type pipelineRunner interface {
	Run(ctx context.Context, treeID string) error
	RevokeRecord(ctx context.Context, recordID int64) error
}

// Collector groups freshly built auto-trigger tasks into user-visible jobs.
// It keeps two cursors: the highest task id ever scanned (monotonic, never
// rewinds across deferred tasks) and a map of not-yet-ready task ids with a
// deferral counter.
type Collector struct {
	store  *store.Store
	engine pipelineRunner
	logger *slog.Logger
}

func NewCollector(st *store.Store, engine pipelineRunner, logger *slog.Logger) *Collector {
	return &Collector{store: st, engine: engine, logger: logger.With("component", "collector")}
}

func (c *Collector) RunOnce(ctx context.Context) error {
	last, err := c.readPointer(ctx)
	if err != nil {
		return err
	}
	notReady, err := c.readNotReadyMap(ctx)
	if err != nil {
		return err
	}

	fresh, err := c.store.ListAutoTriggerTasksAfter(ctx, last, collectorBatch)
	if err != nil {
		return err
	}
	maxScanned := last
	for _, t := range fresh {
		if t.ID > maxScanned {
			maxScanned = t.ID
		}
	}

	// Deferred tasks from earlier passes are re-examined alongside the new
	// batch; the pointer has already moved past them.
	candidates := fresh
	if len(notReady) > 0 {
		deferredIDs := make([]int64, 0, len(notReady))
		for id := range notReady {
			deferredIDs = append(deferredIDs, id)
		}
		sort.Slice(deferredIDs, func(i, j int) bool { return deferredIDs[i] < deferredIDs[j] })
		deferred, err := c.store.ListTasks(ctx, deferredIDs)
		if err != nil {
			return err
		}
		candidates = append(deferred, candidates...)
	}

	readyBySub := map[int64][]int64{}
	for _, t := range candidates {
		switch {
		case t.IsReady:
			readyBySub[t.SubscriptionID] = append(readyBySub[t.SubscriptionID], t.ID)
			delete(notReady, t.ID)
			if t.PipelineID != "" {
				// The tree must not run while an older record still claims
				// the instance. A failed supersede aborts the pass before
				// the cursor moves, so the next pass retries the batch.
				if err := c.supersedePriorWork(ctx, t); err != nil {
					return err
				}
				if err := c.engine.Run(ctx, t.PipelineID); err != nil {
					c.logger.Error("run task pipeline", "task_id", t.ID, "tree_id", t.PipelineID, "error", err)
				}
			}
		case t.ErrMsg != "":
			// Build errors are surfaced, never synced into a job.
			c.logger.Error("auto task failed to build",
				"task_id", t.ID, "subscription_id", t.SubscriptionID, "error", t.ErrMsg)
			delete(notReady, t.ID)
		default:
			notReady[t.ID]++
			if notReady[t.ID] > maxDeferrals {
				c.logger.Error("auto task never became ready, dropping",
					"task_id", t.ID, "deferrals", notReady[t.ID])
				delete(notReady, t.ID)
			}
		}
	}

	subIDs := make([]int64, 0, len(readyBySub))
	for id := range readyBySub {
		subIDs = append(subIDs, id)
	}
	sort.Slice(subIDs, func(i, j int) bool { return subIDs[i] < subIDs[j] })
	for _, subID := range subIDs {
		taskIDs := readyBySub[subID]
		idsJSON, _ := json.Marshal(taskIDs)
		jobID, err := c.store.CreateJob(ctx, &store.Job{
			JobType:        "SUBSCRIPTION_AUTO",
			SubscriptionID: subID,
			TaskIDs:        string(idsJSON),
			Status:         store.StatusRunning,
			Statistics:     "{}",
			IsAutoTrigger:  true,
		})
		if err != nil {
			return err
		}
		c.logger.Info("auto tasks grouped into job",
			"job_id", jobID, "subscription_id", subID, "tasks", len(taskIDs))
	}

	if maxScanned > last {
		if err := c.store.SetConfig(ctx, keyLastTaskID, strconv.FormatInt(maxScanned, 10)); err != nil {
			return err
		}
	}
	return c.writeNotReadyMap(ctx, notReady)
}

// supersedePriorWork flips the is-latest flag off every older record aimed
// at the task's instances and revokes superseded work still in flight, so an
// auto-triggered rebuild retires its predecessor the same way an operator
// submit does.
func (c *Collector) supersedePriorWork(ctx context.Context, t store.Task) error {
	records, err := c.store.ListInstanceRecords(ctx, store.RecordFilter{TaskIDs: []int64{t.ID}})
	if err != nil {
		return err
	}
	for _, rec := range records {
		prior, err := c.store.SupersedePriorRecords(ctx, t.SubscriptionID, rec.InstanceID, rec.ID)
		if err != nil {
			return err
		}
		for _, p := range prior {
			if p.Status.Terminal() {
				continue
			}
			if err := c.engine.RevokeRecord(ctx, p.ID); err != nil {
				c.logger.Warn("revoke superseded record",
					"record_id", p.ID, "instance_id", p.InstanceID, "error", err)
			}
		}
	}
	return nil
}

func (c *Collector) readPointer(ctx context.Context) (int64, error) {
	raw, err := c.store.GetConfig(ctx, keyLastTaskID)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		c.logger.Warn("malformed task pointer, resetting", "value", raw)
		return 0, nil
	}
	return n, nil
}

func (c *Collector) readNotReadyMap(ctx context.Context) (map[int64]int, error) {
	out := map[int64]int{}
	raw, err := c.store.GetConfig(ctx, keyNotReadyMap)
	if errors.Is(err, store.ErrNotFound) {
		return out, nil
	}
	if err != nil {
		return nil, err
	}
	var wire map[string]int
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		c.logger.Warn("malformed not-ready map, resetting", "value", raw)
		return out, nil
	}
	for k, v := range wire {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		out[id] = v
	}
	return out, nil
}

func (c *Collector) writeNotReadyMap(ctx context.Context, m map[int64]int) error {
	wire := make(map[string]int, len(m))
	for id, n := range m {
		wire[strconv.FormatInt(id, 10)] = n
	}
	raw, _ := json.Marshal(wire)
	return c.store.SetConfig(ctx, keyNotReadyMap, string(raw))
}
