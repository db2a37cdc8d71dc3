package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
)

// ErrMissingAPIKey is returned when a provider has no key in config or env.
var ErrMissingAPIKey = errors.New("provider API key missing")

// Provider kinds map to genkit plugins.
const (
	KindAnthropic        = "anthropic"
	KindOpenAI           = "openai"
	KindOpenAICompatible = "openai_compatible"
	KindGoogle           = "google"
)

// ProviderSpec describes one configured provider.
type ProviderSpec struct {
	Name    string `yaml:"name" json:"name"`
	Kind    string `yaml:"kind" json:"kind"`
	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"api_key" json:"-"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
	// RatePerSecond paces this provider independently of the shared
	// review limiter. Zero disables it.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second,omitempty"`
}

// DefaultProviderSpecs is the built-in provider table. Keys come from the
// environment unless config overrides them.
func DefaultProviderSpecs() map[string]ProviderSpec {
	return map[string]ProviderSpec{
		"openai":    {Name: "openai", Kind: KindOpenAI, Model: "gpt-4o-mini"},
		"kimi":      {Name: "kimi", Kind: KindOpenAICompatible, Model: "moonshot-v1-8k", BaseURL: "https://api.moonshot.cn/v1"},
		"aliyun":    {Name: "aliyun", Kind: KindOpenAICompatible, Model: "qwen-plus", BaseURL: "https://dashscope.aliyuncs.com/compatible-mode/v1"},
		"anthropic": {Name: "anthropic", Kind: KindAnthropic, Model: "claude-3-5-haiku-latest"},
		"google":    {Name: "google", Kind: KindGoogle, Model: "gemini-2.0-flash"},
	}
}

// GenkitProvider calls one model through a dedicated genkit instance.
type GenkitProvider struct {
	name      string
	kind      string
	model     string
	modelName string
	g         *genkit.Genkit
}

// NewGenkitProvider initializes genkit with the plugin matching spec.Kind.
func NewGenkitProvider(ctx context.Context, spec ProviderSpec) (*GenkitProvider, error) {
	name := strings.TrimSpace(spec.Name)
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	if kind == "" {
		kind = name
	}
	model := strings.TrimSpace(spec.Model)
	if model == "" {
		return nil, fmt.Errorf("provider %s: model is required", name)
	}
	apiKey := strings.TrimSpace(spec.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(name, kind)
	}
	if apiKey == "" {
		return nil, fmt.Errorf("provider %s: %w", name, ErrMissingAPIKey)
	}

	p := &GenkitProvider{name: name, kind: kind, model: model}
	switch kind {
	case KindAnthropic:
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("ANTHROPIC_BASE_URL")
		}
		p.g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{APIKey: apiKey, BaseURL: baseURL}))
		p.modelName = "anthropic/" + model
	case KindOpenAI:
		baseURL := spec.BaseURL
		if baseURL == "" {
			baseURL = os.Getenv("OPENAI_BASE_URL")
		}
		p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: "openai",
			APIKey:   apiKey,
			BaseURL:  baseURL,
		}))
		p.modelName = "openai/" + model
	case KindOpenAICompatible:
		if spec.BaseURL == "" {
			return nil, fmt.Errorf("provider %s: base_url is required for openai_compatible", name)
		}
		p.g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
			Provider: name,
			APIKey:   apiKey,
			BaseURL:  spec.BaseURL,
		}))
		p.modelName = name + "/" + model
	case KindGoogle:
		_ = os.Setenv("GEMINI_API_KEY", apiKey)
		p.modelName = "googleai/" + model
		p.g = genkit.Init(ctx,
			genkit.WithPlugins(&googlegenai.GoogleAI{}),
			genkit.WithDefaultModel(p.modelName),
		)
	default:
		return nil, fmt.Errorf("provider %s: unknown kind %q", name, kind)
	}
	slog.Info("llm provider initialized", "provider", name, "kind", kind, "model", p.modelName)
	return p, nil
}

func (p *GenkitProvider) Name() string { return p.name }

// Generate performs one model call. The caller bounds it with ctx.
func (p *GenkitProvider) Generate(ctx context.Context, req Request) (Response, error) {
	req = req.WithDefaults()
	opts := []ai.GenerateOption{
		ai.WithModelName(p.modelName),
		// genkit formats prompt text with fmt.Sprintf.
		ai.WithPrompt(strings.ReplaceAll(req.Prompt, "%", "%%")),
		ai.WithConfig(&ai.GenerationCommonConfig{
			MaxOutputTokens: req.MaxTokens,
			Temperature:     *req.Temperature,
		}),
	}
	if req.System != "" {
		opts = append(opts, ai.WithSystem(strings.ReplaceAll(req.System, "%", "%%")))
	}

	start := time.Now()
	resp, err := genkit.Generate(ctx, p.g, opts...)
	if err != nil {
		return Response{}, fmt.Errorf("%s generate: %w", p.name, err)
	}
	out := Response{
		Content:   resp.Text(),
		Model:     p.model,
		Provider:  p.name,
		LatencyMs: time.Since(start).Milliseconds(),
	}
	if resp.Usage != nil {
		out.Usage = Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
		}
	}
	return out, nil
}

func envAPIKeyForProvider(name, kind string) string {
	switch name {
	case "kimi":
		return os.Getenv("MOONSHOT_API_KEY")
	case "aliyun":
		return os.Getenv("DASHSCOPE_API_KEY")
	}
	switch kind {
	case KindAnthropic:
		return os.Getenv("ANTHROPIC_API_KEY")
	case KindOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	case KindGoogle:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
	return os.Getenv(strings.ToUpper(name) + "_API_KEY")
}

// HasAPIKey reports whether spec has a key in config or the environment.
func HasAPIKey(spec ProviderSpec) bool {
	if strings.TrimSpace(spec.APIKey) != "" {
		return true
	}
	kind := strings.ToLower(strings.TrimSpace(spec.Kind))
	if kind == "" {
		kind = spec.Name
	}
	return envAPIKeyForProvider(strings.TrimSpace(spec.Name), kind) != ""
}
