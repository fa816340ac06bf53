// Package doctor runs environment diagnostics for the daemon: can the home
// directory be written, does the storage backend open, is the engine binary
// on the PATH, and do the per-agent capability sources parse.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/finchworks/aviary/internal/config"
	"github.com/finchworks/aviary/internal/persistence"
	"github.com/finchworks/aviary/internal/toolsource"
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
		checkHome,
		checkStorage,
		checkEngine,
		checkToolSources,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml found, running on defaults",
			Detail:  fmt.Sprintf("Write %s to customize", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkHome(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Home", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Home", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Home", Status: "PASS", Message: fmt.Sprintf("%s writable", cfg.HomeDir)}
}

func checkStorage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(persistence.Backend(cfg.Backend), cfg.HomeDir, nil)
	if err != nil {
		return CheckResult{Name: "Storage", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer store.Close()

	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Storage", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Storage",
		Status:  "PASS",
		Message: fmt.Sprintf("%s backend ready, %d agent(s) registered", cfg.Backend, len(agents)),
	}
}

func checkEngine(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Engine", Status: "SKIP", Message: "Config missing"}
	}

	command := cfg.Engine.Command
	resolved, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{
			Name:    "Engine",
			Status:  "FAIL",
			Message: fmt.Sprintf("Engine binary %q not found: %v", command, err),
			Detail:  "Set engine.command in config.yaml or AVIARY_ENGINE_COMMAND",
		}
	}

	return CheckResult{Name: "Engine", Status: "PASS", Message: fmt.Sprintf("%s resolves to %s", command, resolved)}
}

func checkToolSources(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Tool Sources", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(persistence.Backend(cfg.Backend), cfg.HomeDir, nil)
	if err != nil {
		return CheckResult{Name: "Tool Sources", Status: "SKIP", Message: "Storage unavailable"}
	}
	defer store.Close()

	agents, err := store.ListAgents(ctx)
	if err != nil {
		return CheckResult{Name: "Tool Sources", Status: "SKIP", Message: fmt.Sprintf("Agent listing failed: %v", err)}
	}

	var invalid []string
	checked := 0
	for _, a := range agents {
		raw, err := os.ReadFile(store.ToolsPath(a.Name))
		if os.IsNotExist(err) {
			continue
		}
		checked++
		if err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %v", a.Name, err))
			continue
		}
		if err := toolsource.Validate(raw); err != nil {
			invalid = append(invalid, fmt.Sprintf("%s: %v", a.Name, err))
		}
	}

	if len(invalid) > 0 {
		// Not fatal for the daemon: a broken tools.json narrows that agent
		// to builtin tools at turn time.
		return CheckResult{
			Name:    "Tool Sources",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d tools.json file(s) invalid", len(invalid), checked),
			Detail:  strings.Join(invalid, "; "),
		}
	}

	return CheckResult{Name: "Tool Sources", Status: "PASS", Message: fmt.Sprintf("%d tools.json file(s) valid", checked)}
}
