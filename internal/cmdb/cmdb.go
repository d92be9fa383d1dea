// Package cmdb holds the narrow interfaces the engine needs from the
// configuration-management database, plus an HTTP implementation and a
// short-TTL read cache. Consumers depend on the interfaces; tests swap in
// fakes.
package cmdb

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrUnavailable reports that CMDB could not be reached after the capped
// retry budget. The scope resolver turns this into a not-ready task.
var ErrUnavailable = errors.New("cmdb unavailable")

// HostInfo is the host half of an instance descriptor.
type HostInfo struct {
	BkHostID int64  `json:"bk_host_id"`
	InnerIP  string `json:"bk_host_innerip"`
	CloudID  int64  `json:"bk_cloud_id"`
	BizID    int64  `json:"bk_biz_id"`
	OSType   string `json:"os_type"`
	CPUArch  string `json:"cpu_arch"`
}

// TopoNode references one topology node in a subscription scope.
type TopoNode struct {
	BkObjID  string `json:"bk_obj_id"`
	BkInstID int64  `json:"bk_inst_id"`
	BkBizID  int64  `json:"bk_biz_id,omitempty"`
}

// ServiceInstance is the service half of an instance descriptor.
type ServiceInstance struct {
	ID       int64 `json:"service_instance_id"`
	ModuleID int64 `json:"bk_module_id"`
	HostID   int64 `json:"bk_host_id"`
	BizID    int64 `json:"bk_biz_id"`
}

// ResourceEvent is one entry of a resource_watch page.
type ResourceEvent struct {
	Cursor    string          `json:"bk_cursor"`
	Resource  string          `json:"bk_resource"`
	EventType string          `json:"bk_event_type"` // create, update, delete
	BizID     int64           `json:"bk_biz_id"`
	Detail    json.RawMessage `json:"bk_detail"`
}

// WatchResult is one resource_watch response page.
type WatchResult struct {
	Events     []ResourceEvent `json:"bk_events"`
	NextCursor string          `json:"bk_next_cursor"`
}

// Watched resource names.
const (
	ResourceHost         = "host"
	ResourceHostRelation = "host_relation"
	ResourceProcess      = "process"
)

// Reader is the read side of CMDB the resolver and builder consume.
type Reader interface {
	// ListHosts returns hosts of one business, optionally narrowed to ids.
	ListHosts(ctx context.Context, bizID int64, hostIDs []int64) ([]HostInfo, error)

	// ListTopoHosts expands one topology node to its hosts.
	ListTopoHosts(ctx context.Context, node TopoNode) ([]HostInfo, error)

	// ListServiceInstances expands one topology node to service instances.
	ListServiceInstances(ctx context.Context, node TopoNode) ([]ServiceInstance, error)

	// TopoOrder returns object ids shallow to deep, e.g.
	// ["biz", "set", "module", "host"]. Custom levels appear in between.
	TopoOrder(ctx context.Context) ([]string, error)
}

// Watcher is the poll-based change feed consumed by the resource watcher.
type Watcher interface {
	ResourceWatch(ctx context.Context, resource, cursor string) (*WatchResult, error)
}
