// Package config resolves provider credentials and model lists from
// environment variables once at process start. No configuration-file
// framework is introduced: the pack shows nothing beyond os.Getenv for
// per-provider key/value settings this small.
package config

import (
	"os"
	"sort"
	"strings"
)

// ProviderConfig is one provider family's resolved settings.
type ProviderConfig struct {
	Provider string
	APIKey   string
	Models   []string
	ProxyURL string
}

// ModelOption is one selectable provider:model pair, as returned by the
// model-discovery endpoint.
type ModelOption struct {
	Value    string `json:"value"`
	Label    string `json:"label"`
	Provider string `json:"provider"`
}

// Registry is the resolved set of configured providers, keyed by lowercase
// provider name (e.g. "ollama", "openai", "gemini").
type Registry struct {
	providers map[string]ProviderConfig
}

// Load scans the process environment for every <PROVIDER>_API_KEY variable
// and builds a Registry from the matching <PROVIDER>_MODEL_LIST and
// <PROVIDER>_PROXY_URL variables. A provider is recognized only if its key
// is non-empty, except OLLAMA, whose key may literally be "None" (a
// self-hosted Ollama instance commonly has no key at all).
func Load(environ []string) *Registry {
	r := &Registry{providers: make(map[string]ProviderConfig)}

	for _, kv := range environ {
		name, ok := strings.CutSuffix(envName(kv), "_API_KEY")
		if !ok || name == "" {
			continue
		}
		key := envValue(kv)
		if key == "" {
			continue
		}
		if key == "None" && name != "OLLAMA" {
			continue
		}

		provider := strings.ToLower(name)
		models := splitCSV(lookup(environ, name+"_MODEL_LIST"))
		proxyURL := lookup(environ, name+"_PROXY_URL")

		r.providers[provider] = ProviderConfig{
			Provider: provider,
			APIKey:   key,
			Models:   models,
			ProxyURL: proxyURL,
		}
	}

	return r
}

// LoadFromEnviron is a convenience wrapper around Load(os.Environ()).
func LoadFromEnviron() *Registry {
	return Load(os.Environ())
}

// Get returns the resolved configuration for provider, and whether it was
// recognized at all.
func (r *Registry) Get(provider string) (ProviderConfig, bool) {
	cfg, ok := r.providers[strings.ToLower(provider)]
	return cfg, ok
}

// ModelOptions lists every provider:model pair across all recognized
// providers, sorted by provider then model for deterministic output.
func (r *Registry) ModelOptions() []ModelOption {
	var opts []ModelOption
	for _, cfg := range r.providers {
		for _, model := range cfg.Models {
			opts = append(opts, ModelOption{
				Value:    cfg.Provider + ":" + model,
				Label:    cfg.Provider + ":" + model,
				Provider: cfg.Provider,
			})
		}
	}
	sort.Slice(opts, func(i, j int) bool { return opts[i].Value < opts[j].Value })
	return opts
}

func envName(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[:i]
	}
	return kv
}

func envValue(kv string) string {
	if i := strings.IndexByte(kv, '='); i >= 0 {
		return kv[i+1:]
	}
	return ""
}

func lookup(environ []string, name string) string {
	for _, kv := range environ {
		if envName(kv) == name {
			return envValue(kv)
		}
	}
	return ""
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
