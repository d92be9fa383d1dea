package store

import "time"

// SubscriptionCategory classifies the deployment intent.
type SubscriptionCategory string

const (
	CategoryPolicy SubscriptionCategory = "policy"
	CategoryOnce   SubscriptionCategory = "once"
	CategoryDebug  SubscriptionCategory = "debug"
)

// StepType names what a subscription step manages.
type StepType string

const (
	StepTypeAgent  StepType = "AGENT"
	StepTypePlugin StepType = "PLUGIN"
)

// InstanceStatus is the wire status enum shared by instance records and jobs.
// Uppercase ASCII on the wire.
type InstanceStatus string

const (
	StatusPending    InstanceStatus = "PENDING"
	StatusRunning    InstanceStatus = "RUNNING"
	StatusSuccess    InstanceStatus = "SUCCESS"
	StatusFailed     InstanceStatus = "FAILED"
	StatusPartFailed InstanceStatus = "PART_FAILED"
	StatusIgnored    InstanceStatus = "IGNORED"
	StatusTerminated InstanceStatus = "TERMINATED"
	StatusManualStop InstanceStatus = "MANUAL_STOP"
	StatusQueue      InstanceStatus = "QUEUE"
)

// Terminal reports whether the status can no longer change on its own.
func (s InstanceStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusIgnored, StatusTerminated, StatusManualStop:
		return true
	}
	return false
}

// NodeState is the runtime state of one pipeline node.
type NodeState string

const (
	NodeReady     NodeState = "READY"
	NodeRunning   NodeState = "RUNNING"
	NodeSuccess   NodeState = "SUCCESS"
	NodeFailed    NodeState = "FAILED"
	NodeSuspended NodeState = "SUSPENDED"
	NodeRevoked   NodeState = "REVOKED"
	NodeSkipped   NodeState = "SKIPPED"
)

// FactSourceType says who produced a plugin fact.
type FactSourceType string

const (
	FactSourceDefault      FactSourceType = "default"
	FactSourceSubscription FactSourceType = "subscription"
	FactSourceDebug        FactSourceType = "debug"
)

// Subscription is a deployment intent: what to do, where, under what priority.
type Subscription struct {
	ID         int64                `json:"id"`
	ParentID   int64                `json:"parent_id,omitempty"` // non-zero marks a grayscale child
	Name       string               `json:"name"`
	Category   SubscriptionCategory `json:"category"`
	ObjectType string               `json:"object_type"` // HOST or SERVICE
	NodeType   string               `json:"node_type"`   // INSTANCE, TOPO, SERVICE_TEMPLATE, SET_TEMPLATE
	Scope      string               `json:"scope"`       // JSON scope document
	PluginName string               `json:"plugin_name"`
	BizScope   string               `json:"bk_biz_scope"` // JSON array of business ids
	Creator    string               `json:"creator"`
	Enabled    bool                 `json:"enabled"`
	IsMain     bool                 `json:"is_main"`
	Deleted    bool                 `json:"deleted"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// SubscriptionStep is an ordered child of a subscription.
type Step struct {
	SubscriptionID int64    `json:"subscription_id"`
	StepID         string   `json:"step_id"`
	Index          int      `json:"index"`
	Type           StepType `json:"type"`
	Config         string   `json:"config"` // JSON
	Params         string   `json:"params"` // JSON
}

// AgentPluginName is the pseudo-plugin fact name shared by agent steps.
const AgentPluginName = "gse_agent"

// FactPluginName is the plugin fact name this step reads and writes.
// Plugin steps are keyed by their step id; agent steps share one
// pseudo-plugin fact.
func (st Step) FactPluginName() string {
	if st.Type == StepTypeAgent {
		return AgentPluginName
	}
	return st.StepID
}

// Task is one invocation of a subscription producing work.
type Task struct {
	ID             int64     `json:"id"`
	SubscriptionID int64     `json:"subscription_id"`
	Scope          string    `json:"scope"`   // captured at invocation, JSON
	Actions        string    `json:"actions"` // per-instance per-step action map, JSON
	IsAutoTrigger  bool      `json:"is_auto_trigger"`
	IsReady        bool      `json:"is_ready"`
	ErrMsg         string    `json:"err_msg,omitempty"`
	PipelineID     string    `json:"pipeline_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// InstanceRecord is the work aimed at one target instance within one task.
type InstanceRecord struct {
	ID              int64          `json:"id"`
	TaskID          int64          `json:"task_id"`
	SubscriptionID  int64          `json:"subscription_id"`
	InstanceID      string         `json:"instance_id"`
	InstanceInfo    string         `json:"instance_info"` // descriptor snapshot, JSON
	Steps           string         `json:"steps"`         // per-step runtime payload, JSON
	PipelineID      string         `json:"pipeline_id"`   // root of this instance's sub-graph
	StartPipelineID string         `json:"start_pipeline_id,omitempty"`
	Status          InstanceStatus `json:"status"`
	IsLatest        bool           `json:"is_latest"`
	NeedClean       bool           `json:"need_clean"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Node is the persisted runtime of one pipeline node. Topology (edges,
// gateways) lives in the owning tree's JSON document; this row carries only
// what the scheduler mutates.
type Node struct {
	TreeID          string     `json:"tree_id"`
	NodeID          string     `json:"node_id"`
	RecordID        int64      `json:"record_id,omitempty"`
	StepID          string     `json:"step_id,omitempty"`
	Kind            string     `json:"kind"` // start, end, activity, parallel_gateway, converge_gateway, subprocess
	Component       string     `json:"component,omitempty"`
	State           NodeState  `json:"state"`
	Inputs          string     `json:"inputs"`  // JSON
	Outputs         string     `json:"outputs"` // JSON
	Error           string     `json:"error,omitempty"`
	RetryCount      int        `json:"retry_count"`
	TimeoutSeconds  int        `json:"timeout_seconds"`
	ScheduleToken   string     `json:"schedule_token,omitempty"`
	WakeAt          *time.Time `json:"wake_at,omitempty"`
	LeaseOwner      string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Tree is the durable DAG document.
type Tree struct {
	ID        string    `json:"id"`
	Document  string    `json:"document"` // tree JSON: flows, activities, gateways, start/end events
	CreatedAt time.Time `json:"created_at"`
}

// PluginFact is the per-host, per-plugin belief maintained by the engine.
type PluginFact struct {
	ID         int64          `json:"id"`
	BkHostID   int64          `json:"bk_host_id"`
	PluginName string         `json:"plugin_name"`
	Version    string         `json:"version"`
	ProcStatus string         `json:"proc_status"` // RUNNING, TERMINATED, UNKNOWN
	SourceType FactSourceType `json:"source_type"`
	SourceID   int64          `json:"source_id"` // subscription producing the belief
	BkObjID    string         `json:"bk_obj_id"` // topology level at which the owner matched
	IsLatest   bool           `json:"is_latest"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Job is the user-visible handle over one subscription task set.
type Job struct {
	ID             int64          `json:"id"`
	JobType        string         `json:"job_type"`
	SubscriptionID int64          `json:"subscription_id"`
	TaskIDs        string         `json:"task_ids"`   // JSON array
	Status         InstanceStatus `json:"status"`
	Statistics     string         `json:"statistics"`  // JSON counts by status
	ErrorHosts     string         `json:"error_hosts"` // JSON list of {instance_id, reason}
	IsAutoTrigger  bool           `json:"is_auto_trigger"`
	CreatedAt      time.Time      `json:"created_at"`
	EndTime        *time.Time     `json:"end_time,omitempty"`
}

// NodeLog is one execution log line for a (record, node) pair.
type NodeLog struct {
	ID        int64     `json:"id"`
	RecordID  int64     `json:"record_id"`
	NodeID    string    `json:"node_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskEvent is an audit trail row for task and record transitions.
type TaskEvent struct {
	EventID   int64     `json:"event_id"`
	TaskID    int64     `json:"task_id"`
	RecordID  int64     `json:"record_id,omitempty"`
	EventType string    `json:"event_type"`
	StateFrom string    `json:"state_from,omitempty"`
	StateTo   string    `json:"state_to"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordFilter narrows ListInstanceRecords.
type RecordFilter struct {
	TaskIDs        []int64
	SubscriptionID int64
	Statuses       []InstanceStatus
	InstanceIDs    []string
	IPContains     string
	OnlyLatest     bool
	Limit          int
	Offset         int
}
