// Package doctor runs the environment checks behind `newsgraph doctor`.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/newsgraph/internal/config"
	"github.com/basket/newsgraph/internal/llm"
	"github.com/basket/newsgraph/internal/persistence"
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

// Failed reports whether any check failed.
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
		checkProviders,
		checkDatabase,
		checkPermissions,
		checkSemanticModel,
		checkNetwork,
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
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkProviders(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Providers", Status: "SKIP", Message: "Config missing"}
	}
	specs := cfg.ProviderSpecs()
	if len(specs) == 0 {
		return CheckResult{
			Name:    "Providers",
			Status:  "FAIL",
			Message: "No known providers in llm.order",
			Detail:  fmt.Sprintf("order=%v", cfg.LLM.Order),
		}
	}
	var ready, missing []string
	for _, spec := range specs {
		if llm.HasAPIKey(spec) {
			ready = append(ready, spec.Name)
		} else {
			missing = append(missing, spec.Name)
		}
	}
	switch {
	case len(ready) == 0:
		return CheckResult{
			Name:    "Providers",
			Status:  "FAIL",
			Message: "No provider has an API key",
			Detail:  fmt.Sprintf("missing=%v", missing),
		}
	case len(missing) > 0:
		return CheckResult{
			Name:    "Providers",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d providers ready", len(ready), len(specs)),
			Detail:  fmt.Sprintf("ready=%v missing=%v", ready, missing),
		}
	}
	return CheckResult{Name: "Providers", Status: "PASS", Message: fmt.Sprintf("%d providers ready", len(ready)), Detail: fmt.Sprintf("%v", ready)}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	stats, err := store.QueueStats(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("path=%s queue=%v", cfg.DBPath, stats.StatusCounts),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.DataDir, cfg.Snapshot.Dir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home, data and snapshot directories writable"}
}

func checkSemanticModel(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || !cfg.Candidates.Semantic.Enabled {
		return CheckResult{Name: "Semantic Model", Status: "SKIP", Message: "Semantic matching disabled"}
	}
	dir := cfg.Candidates.Semantic.ModelDir
	if _, err := os.Stat(dir); err != nil {
		return CheckResult{
			Name:    "Semantic Model",
			Status:  "WARN",
			Message: fmt.Sprintf("Model directory %s missing; it is downloaded on first use", dir),
			Detail:  cfg.Candidates.Semantic.Model,
		}
	}
	return CheckResult{Name: "Semantic Model", Status: "PASS", Message: fmt.Sprintf("Model directory %s present", dir)}
}

var kindHosts = map[string]string{
	llm.KindGoogle:    "generativelanguage.googleapis.com",
	llm.KindAnthropic: "api.anthropic.com",
	llm.KindOpenAI:    "api.openai.com",
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}
	specs := cfg.ProviderSpecs()
	if len(specs) == 0 {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "No providers configured"}
	}
	host := providerHost(specs[0])

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", specs[0].Name, latency.Milliseconds()),
		}
	}

	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", specs[0].Name, addrs),
	}
}

func providerHost(spec llm.ProviderSpec) string {
	if spec.BaseURL != "" {
		if u, err := url.Parse(spec.BaseURL); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if h, ok := kindHosts[spec.Kind]; ok {
		return h
	}
	return kindHosts[llm.KindOpenAI]
}
