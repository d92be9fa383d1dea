package gse

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/basket/nodepilot/internal/config"
	otelPkg "github.com/basket/nodepilot/internal/otel"
)

// restClient is the shared JSON-over-HTTP plumbing for the agent-facing
// services. Unlike the CMDB client it does not retry: transient failures
// surface to the calling activity, whose own retry budget governs them.
type restClient struct {
	service    string
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *otelPkg.Metrics
}

func newRestClient(service string, cfg config.ServiceConfig, logger *slog.Logger, metrics *otelPkg.Metrics) restClient {
	return restClient{
		service: service,
		baseURL: cfg.BaseURL,
		token:   os.Getenv(cfg.AuthTokenEnv),
		httpClient: &http.Client{
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger:  logger.With("component", service),
		metrics: metrics,
	}
}

type envelope struct {
	Result  bool            `json:"result"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (c *restClient) post(ctx context.Context, path string, req, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	c.record(ctx, path, started, err == nil)
	if err != nil {
		return fmt.Errorf("%s %s: %w", c.service, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: HTTP %d: %s", c.service, path, resp.StatusCode, snippet)
	}
	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	if !env.Result {
		return fmt.Errorf("%s %s: error %d: %s", c.service, path, env.Code, env.Message)
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode %s data: %w", path, err)
		}
	}
	return nil
}

func (c *restClient) record(ctx context.Context, path string, started time.Time, ok bool) {
	if c.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("service", c.service),
		attribute.String("path", path),
	)
	c.metrics.ExternalCallDur.Record(ctx, time.Since(started).Seconds(), attrs)
	if !ok {
		c.metrics.ExternalCallError.Add(ctx, 1, attrs)
	}
}

// JobClient is the HTTP implementation of JobService.
type JobClient struct{ restClient }

var _ JobService = (*JobClient)(nil)

func NewJobClient(cfg config.ServiceConfig, logger *slog.Logger, metrics *otelPkg.Metrics) *JobClient {
	return &JobClient{newRestClient("job_service", cfg, logger, metrics)}
}

func (c *JobClient) FastExecuteScript(ctx context.Context, req ScriptRequest) (int64, error) {
	var out struct {
		JobInstanceID int64 `json:"job_instance_id"`
	}
	if err := c.post(ctx, "/api/job/fast_execute_script", req, &out); err != nil {
		return 0, err
	}
	return out.JobInstanceID, nil
}

func (c *JobClient) FastTransferFile(ctx context.Context, req TransferRequest) (int64, error) {
	var out struct {
		JobInstanceID int64 `json:"job_instance_id"`
	}
	if err := c.post(ctx, "/api/job/fast_transfer_file", req, &out); err != nil {
		return 0, err
	}
	return out.JobInstanceID, nil
}

func (c *JobClient) GetJobInstanceStatus(ctx context.Context, jobInstanceID int64) (*JobStatus, error) {
	req := struct {
		JobInstanceID int64 `json:"job_instance_id"`
	}{jobInstanceID}
	var out JobStatus
	if err := c.post(ctx, "/api/job/get_job_instance_status", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentClient is the HTTP implementation of AgentControl.
type AgentClient struct{ restClient }

var _ AgentControl = (*AgentClient)(nil)

func NewAgentClient(cfg config.ServiceConfig, logger *slog.Logger, metrics *otelPkg.Metrics) *AgentClient {
	return &AgentClient{newRestClient("agent_control", cfg, logger, metrics)}
}

func (c *AgentClient) ListAgentState(ctx context.Context, hosts []HostRef) (map[int64]AgentState, error) {
	req := struct {
		Hosts []HostRef `json:"hosts"`
	}{hosts}
	var out map[int64]AgentState
	if err := c.post(ctx, "/api/gse/list_agent_state", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *AgentClient) ListProcState(ctx context.Context, hosts []HostRef, procName string) (map[int64]ProcState, error) {
	req := struct {
		Hosts    []HostRef `json:"hosts"`
		ProcName string    `json:"proc_name"`
	}{hosts, procName}
	var out map[int64]ProcState
	if err := c.post(ctx, "/api/gse/list_proc_state", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegistryClient is the HTTP implementation of PluginRegistry.
type RegistryClient struct{ restClient }

var _ PluginRegistry = (*RegistryClient)(nil)

func NewRegistryClient(cfg config.ServiceConfig, logger *slog.Logger, metrics *otelPkg.Metrics) *RegistryClient {
	return &RegistryClient{newRestClient("plugin_registry", cfg, logger, metrics)}
}

func (c *RegistryClient) GetPackage(ctx context.Context, pluginName, osType, cpuArch string) (*PackageInfo, error) {
	req := struct {
		PluginName string `json:"plugin_name"`
		OSType     string `json:"os"`
		CPUArch    string `json:"cpu_arch"`
	}{pluginName, osType, cpuArch}
	var out PackageInfo
	if err := c.post(ctx, "/api/plugin/get_package", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RegistryClient) FetchCommands(ctx context.Context, hostIDs []int64, batch bool) ([]Command, error) {
	req := struct {
		HostIDs []int64 `json:"bk_host_ids"`
		Batch   bool    `json:"batch"`
	}{hostIDs, batch}
	var out struct {
		Commands []Command `json:"commands"`
	}
	if err := c.post(ctx, "/api/plugin/fetch_commands", req, &out); err != nil {
		return nil, err
	}
	return out.Commands, nil
}
