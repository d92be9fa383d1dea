// Package doctor runs offline diagnostic checks over a nodepilot
// installation: configuration, database health, filesystem permissions,
// external endpoint wiring and reconcile lease freshness.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/nodepilot/internal/config"
	"github.com/basket/nodepilot/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check ended in FAIL.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkEndpoints,
		checkLeases,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	schedules := map[string]string{
		"collector_schedule":  cfg.Reconcile.CollectorSchedule,
		"state_sync_schedule": cfg.Reconcile.StateSyncSchedule,
		"gc_schedule":         cfg.Reconcile.GCSchedule,
	}
	var bad []string
	for name, expr := range schedules {
		if _, err := cronParser.Parse(expr); err != nil {
			bad = append(bad, fmt.Sprintf("%s %q: %v", name, expr, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name: "Config", Status: "FAIL",
			Message: "Malformed reconcile schedule",
			Detail:  strings.Join(bad, "; "),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	s, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer s.Close()

	var verdict string
	if err := s.DB().QueryRowContext(ctx, "PRAGMA quick_check;").Scan(&verdict); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Integrity query failed: %v", err)}
	}
	if verdict != "ok" {
		return CheckResult{Name: "Database", Status: "FAIL", Message: "Integrity check failed", Detail: verdict}
	}
	if _, err := s.ListOpenJobs(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Schema query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection, schema and integrity valid"}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkEndpoints(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Endpoints", Status: "SKIP", Message: "Config missing"}
	}
	services := map[string]config.ServiceConfig{
		"cmdb":            cfg.External.CMDB,
		"job_service":     cfg.External.JobService,
		"agent_control":   cfg.External.AgentControl,
		"plugin_registry": cfg.External.PluginRegistry,
	}
	var missing []string
	for name, svc := range services {
		if strings.TrimSpace(svc.BaseURL) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return CheckResult{
			Name: "Endpoints", Status: "WARN",
			Message: fmt.Sprintf("%d external endpoints unconfigured", len(missing)),
			Detail:  strings.Join(missing, ", "),
		}
	}
	return CheckResult{Name: "Endpoints", Status: "PASS", Message: "All external endpoints configured"}
}

// checkLeases flags reconcile leases that look abandoned: a holder that
// stopped refreshing more than two periods ago without releasing.
func checkLeases(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Leases", Status: "SKIP", Message: "Config missing"}
	}
	s, err := store.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Leases", Status: "SKIP", Message: fmt.Sprintf("Store unavailable: %v", err)}
	}
	defer s.Close()

	period := time.Duration(cfg.Reconcile.LeaseSeconds) * time.Second
	var stale []string
	for _, loop := range []string{"collector", "watcher", "statesync", "gc"} {
		raw, err := s.GetConfig(ctx, "RECONCILE_LEASE_"+loop)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return CheckResult{Name: "Leases", Status: "FAIL", Message: fmt.Sprintf("Read lease: %v", err)}
		}
		var rec struct {
			Holder     string    `json:"holder"`
			AcquiredAt time.Time `json:"acquired_at"`
		}
		if json.Unmarshal([]byte(raw), &rec) != nil {
			stale = append(stale, loop+": malformed record")
			continue
		}
		if age := time.Since(rec.AcquiredAt); age > 2*period {
			stale = append(stale, fmt.Sprintf("%s: held by %s, stale for %s", loop, rec.Holder, age.Round(time.Second)))
		}
	}
	if len(stale) > 0 {
		return CheckResult{
			Name: "Leases", Status: "WARN",
			Message: fmt.Sprintf("%d stale reconcile leases", len(stale)),
			Detail:  strings.Join(stale, "; "),
		}
	}
	return CheckResult{Name: "Leases", Status: "PASS", Message: "No stale reconcile leases"}
}
