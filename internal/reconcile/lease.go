// Package reconcile holds the periodic loops: the auto-trigger collector,
// the CMDB resource watcher, the agent/process state sync and the pipeline
// garbage collector. Each loop runs under a distributed lease in the config
// store so only one replica executes it at a time.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/nodepilot/internal/store"
)

// leaseRecord is the JSON value under a lease key.
type leaseRecord struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Lease is a compare-and-set lease on one config-store key. A record older
// than the period is expired, but a contender waits a further full period
// after first observing the expiry before preempting, so clock skew between
// replicas cannot produce two holders.
type Lease struct {
	store  *store.Store
	key    string
	holder string
	period time.Duration
	logger *slog.Logger
	now    func() time.Time

	observedExpired time.Time
}

func NewLease(st *store.Store, key, holder string, period time.Duration, logger *slog.Logger) *Lease {
	return &Lease{
		store:  st,
		key:    key,
		holder: holder,
		period: period,
		logger: logger,
		now:    time.Now,
	}
}

// TryAcquire takes or refreshes the lease. Callers invoke it at the top of
// every iteration; a false return means another replica runs this loop.
func (l *Lease) TryAcquire(ctx context.Context) bool {
	fresh, err := json.Marshal(leaseRecord{Holder: l.holder, AcquiredAt: l.now().UTC()})
	if err != nil {
		return false
	}

	raw, err := l.store.GetConfig(ctx, l.key)
	if errors.Is(err, store.ErrNotFound) {
		if err := l.store.CompareAndSwapConfig(ctx, l.key, "", string(fresh)); err != nil {
			return false
		}
		l.observedExpired = time.Time{}
		return true
	}
	if err != nil {
		l.logger.Warn("read lease", "key", l.key, "error", err)
		return false
	}

	var rec leaseRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		// Corrupt record: treat as expired and take it over the CAS.
		rec = leaseRecord{}
	}

	now := l.now()
	if rec.Holder == l.holder {
		if err := l.store.CompareAndSwapConfig(ctx, l.key, raw, string(fresh)); err != nil {
			return false
		}
		return true
	}
	if now.Sub(rec.AcquiredAt) < l.period {
		l.observedExpired = time.Time{}
		return false
	}
	if l.observedExpired.IsZero() {
		l.observedExpired = now
		return false
	}
	if now.Sub(l.observedExpired) < l.period {
		return false
	}
	if err := l.store.CompareAndSwapConfig(ctx, l.key, raw, string(fresh)); err != nil {
		return false
	}
	l.logger.Info("preempted expired lease",
		"key", l.key, "previous_holder", rec.Holder, "holder", l.holder)
	l.observedExpired = time.Time{}
	return true
}

// Release drops the lease if this holder still owns it.
func (l *Lease) Release(ctx context.Context) {
	raw, err := l.store.GetConfig(ctx, l.key)
	if err != nil {
		return
	}
	var rec leaseRecord
	if json.Unmarshal([]byte(raw), &rec) != nil || rec.Holder != l.holder {
		return
	}
	if err := l.store.DeleteConfig(ctx, l.key); err != nil {
		l.logger.Warn("release lease", "key", l.key, "error", err)
	}
}

func leaseKey(loop string) string {
	return fmt.Sprintf("RECONCILE_LEASE_%s", loop)
}
