package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/cmdb"
	"github.com/basket/nodepilot/internal/otel"
	"github.com/basket/nodepilot/internal/store"
)

// Config-store keys of the watcher.
const (
	// keyApplyWatchedEvents is the kill switch. The literal value "false"
	// stops the watcher from consuming events; anything else means on.
	keyApplyWatchedEvents = "APPLY_RESOURCE_WATCHED_EVENTS_CONTROLLER"

	// keyGrayScopeList holds a JSON array of business ids. When non-empty,
	// only events from those businesses are applied.
	keyGrayScopeList = "GSE2_GRAY_SCOPE_LIST"
)

func watchCursorKey(resource string) string {
	return fmt.Sprintf("RESOURCE_WATCH_%s_CURSOR", strings.ToUpper(resource))
}

// debounceBuckets is the escalating wait per consecutive window. A window
// that saw collapsed events hands the next window the next bucket; quiet
// resets to the start.
var debounceBuckets = []time.Duration{
	0, 5 * time.Second, 15 * time.Second, 60 * time.Second, 300 * time.Second,
}

// debounceQuiet resets a business's escalation level after this much silence.
const debounceQuiet = 10 * time.Minute

var watchedResources = []string{
	cmdb.ResourceHost, cmdb.ResourceHostRelation, cmdb.ResourceProcess,
}

// taskBuilder is the slice of the task builder the watcher needs.
type taskBuilder interface {
	Build(ctx context.Context, req builder.Request) (*store.TaskBundle, error)
}

// cacheInvalidator drops the CMDB read cache so re-evaluation sees fresh
// topology.
type cacheInvalidator interface {
	Invalidate()
}

// bizWindow is the per-business debounce state.
type bizWindow struct {
	level     int
	pending   bool
	deadline  time.Time
	lastEvent time.Time
	collapsed int
}

// Watcher polls the CMDB resource-watch feed, debounces events per business
// and turns each fired window into a host-cache refresh plus a rebuild of
// every enabled topology subscription covering that business. Rebuilt tasks
// are auto-triggered; the collector groups them into jobs.
type Watcher struct {
	store   *store.Store
	feed    cmdb.Watcher
	cache   cacheInvalidator
	builder taskBuilder
	logger  *slog.Logger
	metrics *otel.Metrics
	now     func() time.Time

	windows map[int64]*bizWindow
}

func NewWatcher(st *store.Store, feed cmdb.Watcher, cache cacheInvalidator, b taskBuilder, logger *slog.Logger, metrics *otel.Metrics) *Watcher {
	return &Watcher{
		store:   st,
		feed:    feed,
		cache:   cache,
		builder: b,
		logger:  logger.With("component", "watcher"),
		metrics: metrics,
		now:     time.Now,
		windows: map[int64]*bizWindow{},
	}
}

// RunOnce is one watcher iteration: consume pending events from every
// watched resource, then fire any due debounce windows.
func (w *Watcher) RunOnce(ctx context.Context) error {
	enabled, err := w.applyEnabled(ctx)
	if err != nil {
		return err
	}
	if enabled {
		if err := w.pollOnce(ctx); err != nil {
			return err
		}
	}
	return w.fireDue(ctx)
}

func (w *Watcher) applyEnabled(ctx context.Context) (bool, error) {
	raw, err := w.store.GetConfig(ctx, keyApplyWatchedEvents)
	if errors.Is(err, store.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return raw != "false", nil
}

func (w *Watcher) grayScope(ctx context.Context) (map[int64]bool, error) {
	raw, err := w.store.GetConfig(ctx, keyGrayScopeList)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []int64
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		w.logger.Warn("malformed gray scope list, ignoring", "value", raw)
		return nil, nil
	}
	if len(ids) == 0 {
		return nil, nil
	}
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

func (w *Watcher) pollOnce(ctx context.Context) error {
	gray, err := w.grayScope(ctx)
	if err != nil {
		return err
	}
	for _, resource := range watchedResources {
		cursorKey := watchCursorKey(resource)
		cursor, err := w.store.GetConfig(ctx, cursorKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		res, err := w.feed.ResourceWatch(ctx, resource, cursor)
		if err != nil {
			w.logger.Warn("resource watch", "resource", resource, "error", err)
			continue
		}
		for _, ev := range res.Events {
			bizID := ev.BizID
			if bizID == 0 {
				bizID = bizFromDetail(ev.Detail)
			}
			if bizID == 0 {
				continue
			}
			if gray != nil && !gray[bizID] {
				continue
			}
			if w.metrics != nil {
				w.metrics.WatchEvents.Add(ctx, 1)
			}
			w.observe(bizID, w.now())
		}
		if res.NextCursor != "" && res.NextCursor != cursor {
			if err := w.store.SetConfig(ctx, cursorKey, res.NextCursor); err != nil {
				return err
			}
		}
	}
	return nil
}

func bizFromDetail(detail json.RawMessage) int64 {
	if len(detail) == 0 {
		return 0
	}
	var d struct {
		BizID int64 `json:"bk_biz_id"`
	}
	if json.Unmarshal(detail, &d) != nil {
		return 0
	}
	return d.BizID
}

// observe feeds one event into the business's debounce window. The first
// event of a quiet business opens a short window; events while a window is
// pending are collapsed and escalate the NEXT window one bucket, so a noisy
// business settles into progressively longer waits up to the cap.
func (w *Watcher) observe(bizID int64, now time.Time) {
	win := w.windows[bizID]
	if win == nil {
		win = &bizWindow{}
		w.windows[bizID] = win
	}
	if !win.lastEvent.IsZero() && now.Sub(win.lastEvent) > debounceQuiet {
		win.level = 0
	}
	win.lastEvent = now

	if win.pending {
		win.collapsed++
		return
	}
	if win.level == 0 {
		win.level = 1
	}
	win.pending = true
	win.collapsed = 0
	win.deadline = now.Add(debounceBuckets[win.level])
}

// fireDue triggers every window whose deadline has passed.
func (w *Watcher) fireDue(ctx context.Context) error {
	now := w.now()
	for bizID, win := range w.windows {
		if !win.pending || now.Before(win.deadline) {
			continue
		}
		win.pending = false
		if win.collapsed > 0 && win.level < len(debounceBuckets)-1 {
			win.level++
		}
		if err := w.fire(ctx, bizID, win.collapsed+1); err != nil {
			w.logger.Error("debounce fire", "bk_biz_id", bizID, "error", err)
		}
	}
	return nil
}

// fire refreshes the host cache and rebuilds every topology subscription
// covering the business. Builds only; the collector turns ready auto tasks
// into jobs and runs their trees.
func (w *Watcher) fire(ctx context.Context, bizID int64, events int) error {
	if w.metrics != nil {
		w.metrics.DebounceFires.Add(ctx, 1)
	}
	w.cache.Invalidate()
	w.logger.Info("cmdb change window fired", "bk_biz_id", bizID, "events", events)

	subs, err := w.store.ListEnabledTopologySubscriptions(ctx, bizID)
	if err != nil {
		return err
	}
	for i := range subs {
		sub := subs[i]
		steps, err := w.store.ListSteps(ctx, sub.ID)
		if err != nil {
			return err
		}
		if _, err := w.builder.Build(ctx, builder.Request{
			Subscription:  &sub,
			Steps:         steps,
			IsAutoTrigger: true,
		}); err != nil {
			w.logger.Error("rebuild subscription after cmdb change",
				"subscription_id", sub.ID, "bk_biz_id", bizID, "error", err)
		}
	}
	return nil
}
