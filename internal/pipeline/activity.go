package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// OutcomeKind tags an activity's return.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeFailed
	OutcomeSchedule
)

// Outcome is the tagged return of one activity execution. Activities never
// panic control flow through errors; every result is one of these variants.
type Outcome struct {
	Kind      OutcomeKind
	Outputs   map[string]any
	Err       error
	Retryable bool
	After     time.Duration
	Token     string
}

// Success finishes the node with the given outputs.
func Success(outputs map[string]any) Outcome {
	return Outcome{Kind: OutcomeSuccess, Outputs: outputs}
}

// Failed finishes the node with an error. Retryable failures are retried by
// the engine with exponential backoff up to the per-step cap.
func Failed(err error, retryable bool) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err, Retryable: retryable}
}

// Schedule parks the node and asks for a wake-up after the given delay. The
// token is handed back on resume so the activity can continue a long poll
// without occupying a worker in between.
func Schedule(after time.Duration, token string) Outcome {
	return Outcome{Kind: OutcomeSchedule, After: after, Token: token}
}

// ActivityContext is what one activity execution sees.
type ActivityContext struct {
	TreeID   string
	NodeID   string
	StepID   string
	RecordID int64
	Inputs   map[string]any

	// Token is empty on first entry and carries the Schedule token on a
	// wake-up, letting the activity distinguish submit from poll.
	Token string

	Logger *slog.Logger

	// Cancelled reports whether revocation has been requested. Activities
	// check it at suspension points and return Failed promptly.
	Cancelled func() bool

	// Log appends one line to the node's execution log.
	Log func(level, message string)
}

// Activity is one unit of pipeline work. Implementations must be safe to
// re-execute after a crash: side effects are keyed by node id.
type Activity interface {
	Execute(ctx context.Context, ac *ActivityContext) Outcome
}

// ActivityFunc adapts a function to the Activity interface.
type ActivityFunc func(ctx context.Context, ac *ActivityContext) Outcome

func (f ActivityFunc) Execute(ctx context.Context, ac *ActivityContext) Outcome {
	return f(ctx, ac)
}

// Registry maps component names in tree documents to activity
// implementations.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Activity)}
}

func (r *Registry) Register(component string, a Activity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.activities[component] = a
}

func (r *Registry) Lookup(component string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.activities[component]
	if !ok {
		return nil, fmt.Errorf("no activity registered for component %q", component)
	}
	return a, nil
}
