// Package gse holds the engine's interfaces to the agent-facing services:
// the fast job service that runs scripts and pushes files on hosts, the
// agent control plane reporting agent/process liveness, and the plugin
// package registry. The engine never connects to hosts itself; these
// services do.
package gse

import "context"

// HostRef addresses one host for agent-facing calls.
type HostRef struct {
	BkHostID int64  `json:"bk_host_id"`
	InnerIP  string `json:"bk_host_innerip"`
	CloudID  int64  `json:"bk_cloud_id"`
}

// ScriptRequest runs a script on a set of hosts.
type ScriptRequest struct {
	Hosts          []HostRef `json:"hosts"`
	ScriptContent  string    `json:"script_content"` // base64
	ScriptType     string    `json:"script_type"`    // shell, powershell, bat
	TimeoutSeconds int       `json:"timeout"`
}

// TransferRequest pushes a file to a set of hosts.
type TransferRequest struct {
	Hosts          []HostRef `json:"hosts"`
	SourcePath     string    `json:"source_path"`
	TargetPath     string    `json:"target_path"`
	TimeoutSeconds int       `json:"timeout"`
}

// JobStatus is one poll result for a job instance.
type JobStatus struct {
	Finished bool   `json:"finished"`
	Success  bool   `json:"success"`
	Message  string `json:"message,omitempty"`
}

// JobService is the fast execute/transfer API. Both submit calls return a
// job-instance id the caller polls with GetJobStatus.
type JobService interface {
	FastExecuteScript(ctx context.Context, req ScriptRequest) (int64, error)
	FastTransferFile(ctx context.Context, req TransferRequest) (int64, error)
	GetJobInstanceStatus(ctx context.Context, jobInstanceID int64) (*JobStatus, error)
}

// AgentState reports one host's agent liveness.
type AgentState struct {
	Alive   bool   `json:"alive"`
	Version string `json:"version"`
}

// ProcState reports one managed process on one host.
type ProcState struct {
	Status  string `json:"status"` // RUNNING, TERMINATED, UNKNOWN
	Version string `json:"version"`
	IsAuto  bool   `json:"is_auto"`
}

// AgentControl is the liveness API consumed by the state sync reconcilers.
type AgentControl interface {
	ListAgentState(ctx context.Context, hosts []HostRef) (map[int64]AgentState, error)
	ListProcState(ctx context.Context, hosts []HostRef, procName string) (map[int64]ProcState, error)
}

// PackageInfo is the registry's metadata for one plugin build.
type PackageInfo struct {
	PluginName string `json:"plugin_name"`
	Version    string `json:"version"`
	OSType     string `json:"os"`
	CPUArch    string `json:"cpu_arch"`
	PkgPath    string `json:"pkg_path"`
	PkgName    string `json:"pkg_name"`
}

// Command is one manual-install command an operator runs on a host.
type Command struct {
	HostID  int64  `json:"bk_host_id"`
	OSType  string `json:"os_type"`
	Command string `json:"command"`
}

// PluginRegistry is the read-only package metadata and manual-command API.
type PluginRegistry interface {
	GetPackage(ctx context.Context, pluginName, osType, cpuArch string) (*PackageInfo, error)
	FetchCommands(ctx context.Context, hostIDs []int64, batch bool) ([]Command, error)
}
