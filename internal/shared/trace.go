package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type traceKey struct{}
type taskIDKey struct{}
type recordIDKey struct{}
type nodeIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithTaskID attaches a subscription task id to the context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts the subscription task id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithRecordID attaches an instance record id to the context.
func WithRecordID(ctx context.Context, recordID string) context.Context {
	return context.WithValue(ctx, recordIDKey{}, recordID)
}

// RecordID extracts the instance record id from context. Returns "" if absent.
func RecordID(ctx context.Context) string {
	if v, ok := ctx.Value(recordIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithNodeID attaches a pipeline node id to the context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, nodeIDKey{}, nodeID)
}

// NodeID extracts the pipeline node id from context. Returns "" if absent.
func NodeID(ctx context.Context) string {
	if v, ok := ctx.Value(nodeIDKey{}).(string); ok {
		return v
	}
	return ""
}

// NewNodeID returns a 32-character lowercase hex UUIDv4, the id form used
// for every object persisted inside a pipeline tree.
func NewNodeID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
