// Package pluginsteps implements the per-step activity chains: choosing an
// access point, rendering config, pushing the package and running commands
// through the job service, and updating the plugin fact afterwards. The
// builder places these chains inside each instance's sub-process.
package pluginsteps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/basket/nodepilot/internal/builder"
	"github.com/basket/nodepilot/internal/gse"
	"github.com/basket/nodepilot/internal/scope"
	"github.com/basket/nodepilot/internal/store"
)

// Component names wired into tree documents.
const (
	CompChooseAccessPoint = "choose_access_point"
	CompRenderConfig      = "render_config"
	CompPushPackage       = "push_package"
	CompRunCommand        = "run_plugin_command"
	CompUpdateFact        = "update_plugin_fact"
)

// stepConfig is the step's JSON config the planner understands.
type stepConfig struct {
	Version        string `json:"version"`
	ConfigTemplate string `json:"config_template"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Planner plans activity chains. It checks package availability at plan time
// so unsupported hosts fail the build of their instance, not the run.
type Planner struct {
	registry gse.PluginRegistry
}

func NewPlanner(registry gse.PluginRegistry) *Planner {
	return &Planner{registry: registry}
}

var installActions = map[string]struct{}{
	builder.ActionInstall:   {},
	builder.ActionReinstall: {},
	builder.ActionUpgrade:   {},
	builder.ActionUpdate:    {},
}

// Plan returns the ordered chain for one step on one target.
func (p *Planner) Plan(ctx context.Context, step store.Step, action string, target scope.Descriptor) ([]builder.PlannedActivity, error) {
	var cfg stepConfig
	if step.Config != "" {
		if err := json.Unmarshal([]byte(step.Config), &cfg); err != nil {
			return nil, fmt.Errorf("step config: %w", err)
		}
	}

	pluginName := step.FactPluginName()

	base := map[string]any{
		"bk_host_id":  target.Host.BkHostID,
		"inner_ip":    target.Host.InnerIP,
		"bk_cloud_id": target.Host.CloudID,
		"os_type":     target.Host.OSType,
		"plugin_name": pluginName,
		"version":     cfg.Version,
		"action":      strings.ToUpper(action),
	}
	inputs := func(extra map[string]any) map[string]any {
		m := make(map[string]any, len(base)+len(extra))
		for k, v := range base {
			m[k] = v
		}
		for k, v := range extra {
			m[k] = v
		}
		return m
	}

	timeout := cfg.TimeoutSeconds
	_, installing := installActions[strings.ToUpper(action)]

	var chain []builder.PlannedActivity
	if installing {
		pkg, err := p.registry.GetPackage(ctx, pluginName, target.Host.OSType, target.Host.CPUArch)
		if err != nil {
			return nil, fmt.Errorf("no package for %s on %s/%s: %w",
				pluginName, target.Host.OSType, target.Host.CPUArch, err)
		}
		chain = append(chain,
			builder.PlannedActivity{Component: CompChooseAccessPoint, Inputs: inputs(nil)},
			builder.PlannedActivity{
				Component: CompRenderConfig,
				Inputs:    inputs(map[string]any{"config_template": cfg.ConfigTemplate}),
			},
			builder.PlannedActivity{
				Component:      CompPushPackage,
				Inputs:         inputs(map[string]any{"pkg_path": pkg.PkgPath, "pkg_name": pkg.PkgName}),
				TimeoutSeconds: timeout,
			},
		)
	}
	chain = append(chain,
		builder.PlannedActivity{Component: CompRunCommand, Inputs: inputs(nil), TimeoutSeconds: timeout},
		builder.PlannedActivity{Component: CompUpdateFact, Inputs: inputs(map[string]any{
			"bk_obj_id": target.MatchedObjID,
		})},
	)
	return chain, nil
}
