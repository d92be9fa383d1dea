package reconcile

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/store"
)

// stateSyncBatch bounds hosts per liveness query.
const stateSyncBatch = 200

// StateSync reconciles recorded plugin facts against what the agent fleet
// actually reports. A plugin believed RUNNING whose process died, or a host
// whose agent went away entirely, has its fact's proc status corrected so
// the next policy evaluation sees reality.
type StateSync struct {
	store  *store.Store
	agents gse.AgentControl
	logger *slog.Logger
}

func NewStateSync(st *store.Store, agents gse.AgentControl, logger *slog.Logger) *StateSync {
	return &StateSync{store: st, agents: agents, logger: logger.With("component", "statesync")}
}

func (s *StateSync) RunOnce(ctx context.Context) error {
	policies, err := s.store.ListEnabledPolicies(ctx, 0)
	if err != nil {
		return err
	}
	for _, sub := range policies {
		if err := s.syncSubscription(ctx, sub); err != nil {
			s.logger.Error("state sync", "subscription_id", sub.ID, "error", err)
		}
	}
	return nil
}

func (s *StateSync) syncSubscription(ctx context.Context, sub store.Subscription) error {
	facts, err := s.store.ListFactsBySource(ctx, store.FactSourceSubscription, sub.ID)
	if err != nil {
		return err
	}
	byHost := make(map[int64]store.PluginFact, len(facts))
	hostIDs := make([]int64, 0, len(facts))
	for _, f := range facts {
		if !f.IsLatest {
			continue
		}
		if _, seen := byHost[f.BkHostID]; !seen {
			hostIDs = append(hostIDs, f.BkHostID)
		}
		byHost[f.BkHostID] = f
	}
	sort.Slice(hostIDs, func(i, j int) bool { return hostIDs[i] < hostIDs[j] })

	for start := 0; start < len(hostIDs); start += stateSyncBatch {
		end := start + stateSyncBatch
		if end > len(hostIDs) {
			end = len(hostIDs)
		}
		batch := hostIDs[start:end]
		refs := make([]gse.HostRef, len(batch))
		for i, id := range batch {
			refs[i] = gse.HostRef{BkHostID: id}
		}

		var agentStates map[int64]gse.AgentState
		var procStates map[int64]gse.ProcState
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			agentStates, err = s.agents.ListAgentState(gctx, refs)
			return err
		})
		g.Go(func() error {
			var err error
			procStates, err = s.agents.ListProcState(gctx, refs, sub.PluginName)
			return err
		})
		if err := g.Wait(); err != nil {
			return err
		}

		for _, hostID := range batch {
			fact := byHost[hostID]
			observed := observedStatus(agentStates[hostID], procStates[hostID])
			if observed == fact.ProcStatus {
				continue
			}
			if err := s.store.SetFactProcStatus(ctx, hostID, fact.PluginName, observed); err != nil {
				return err
			}
			s.logger.Info("plugin state corrected",
				"bk_host_id", hostID, "plugin", fact.PluginName,
				"recorded", fact.ProcStatus, "observed", observed)
		}
	}
	return nil
}

// observedStatus folds agent liveness and the process report into one fact
// status. A dead agent means nothing about the process is knowable.
func observedStatus(agent gse.AgentState, proc gse.ProcState) string {
	if !agent.Alive {
		return "UNKNOWN"
	}
	switch proc.Status {
	case "RUNNING", "TERMINATED":
		return proc.Status
	default:
		return "UNKNOWN"
	}
}
