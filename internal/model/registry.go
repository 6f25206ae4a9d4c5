// Package model maintains the process-wide registry of model descriptors:
// capability sets, context windows, and latency hints. Unknown model ids
// auto-register with defaults so any client-supplied id is servable.
package model

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Capabilities is the feature set a model advertises.
type Capabilities struct {
	Vision    bool `json:"vision"`
	Reasoning bool `json:"reasoning"`
	Tools     bool `json:"tools"`
	MoE       bool `json:"moe"`
}

// Descriptor describes one servable model.
type Descriptor struct {
	ID            string       `json:"id"`
	Family        string       `json:"family"`
	Capabilities  Capabilities `json:"capabilities"`
	ContextWindow int          `json:"context_window"`
	// Latency hints in milliseconds; zero means "use configured defaults".
	TTFTHintMs float64 `json:"ttft_hint_ms,omitempty"`
	ITLHintMs  float64 `json:"itl_hint_ms,omitempty"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
}

// DefaultContextWindow applies to models with no family entry.
const DefaultContextWindow = 8192

// Registry is a concurrency-safe descriptor store pre-populated at init.
type Registry struct {
	mu     sync.RWMutex
	models map[string]Descriptor
}

// builtins seed the registry. Context windows follow the published model
// limits; the simulator only needs them for overflow validation.
var builtins = []Descriptor{
	{ID: "gpt-4", Family: "gpt-4", ContextWindow: 8192, Capabilities: Capabilities{Tools: true}, OwnedBy: "openai"},
	{ID: "gpt-4-turbo", Family: "gpt-4", ContextWindow: 128_000, Capabilities: Capabilities{Tools: true, Vision: true}, OwnedBy: "openai"},
	{ID: "gpt-4o", Family: "gpt-4o", ContextWindow: 128_000, Capabilities: Capabilities{Tools: true, Vision: true}, OwnedBy: "openai"},
	{ID: "gpt-4o-mini", Family: "gpt-4o", ContextWindow: 128_000, Capabilities: Capabilities{Tools: true, Vision: true}, OwnedBy: "openai"},
	{ID: "gpt-3.5-turbo", Family: "gpt-3.5", ContextWindow: 16_385, Capabilities: Capabilities{Tools: true}, OwnedBy: "openai"},
	{ID: "openai/gpt-oss-120b", Family: "gpt-oss", ContextWindow: 128_000, Capabilities: Capabilities{Tools: true, Reasoning: true, MoE: true}, OwnedBy: "openai"},
	{ID: "openai/gpt-oss-20b", Family: "gpt-oss", ContextWindow: 128_000, Capabilities: Capabilities{Tools: true, Reasoning: true, MoE: true}, OwnedBy: "openai"},
	{ID: "deepseek-ai/DeepSeek-R1", Family: "deepseek-r1", ContextWindow: 64_000, Capabilities: Capabilities{Reasoning: true, MoE: true}, OwnedBy: "deepseek"},
	{ID: "meta-llama/Llama-3.1-8B-Instruct", Family: "llama-3", ContextWindow: 128_000, Capabilities: Capabilities{Tools: true}, OwnedBy: "meta"},
	{ID: "text-embedding-3-small", Family: "embedding", ContextWindow: 8191, OwnedBy: "openai"},
	{ID: "text-embedding-3-large", Family: "embedding", ContextWindow: 8191, OwnedBy: "openai"},
}

// NewRegistry creates a registry seeded with the builtin descriptors.
func NewRegistry() *Registry {
	r := &Registry{models: make(map[string]Descriptor, len(builtins))}
	created := time.Now().Unix()
	for _, d := range builtins {
		d.Created = created
		r.models[d.ID] = d
	}
	return r
}

// Get returns the descriptor for id, auto-registering unknown ids with
// defaults. Fine-tuned ids of the form ft:<base>:<org>::<suffix> resolve
// to the base model's descriptor (under the fine-tuned id).
func (r *Registry) Get(id string) Descriptor {
	r.mu.RLock()
	d, ok := r.models[id]
	r.mu.RUnlock()
	if ok {
		return d
	}

	if base, ftOK := parseFineTuned(id); ftOK {
		baseDesc := r.Get(base)
		d = baseDesc
		d.ID = id
	} else {
		d = Descriptor{
			ID:            id,
			Family:        familyOf(id),
			ContextWindow: DefaultContextWindow,
			Created:       time.Now().Unix(),
			OwnedBy:       "custom",
		}
	}

	r.mu.Lock()
	// Another caller may have registered the id while the lock was free.
	if existing, ok := r.models[id]; ok {
		r.mu.Unlock()
		return existing
	}
	r.models[id] = d
	r.mu.Unlock()
	return d
}

// Lookup returns the descriptor without auto-registration.
func (r *Registry) Lookup(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.models[id]
	return d, ok
}

// Register adds or replaces a descriptor.
func (r *Registry) Register(d Descriptor) {
	if d.ContextWindow <= 0 {
		d.ContextWindow = DefaultContextWindow
	}
	if d.Created == 0 {
		d.Created = time.Now().Unix()
	}
	r.mu.Lock()
	r.models[d.ID] = d
	r.mu.Unlock()
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.models))
	for _, d := range r.models {
		out = append(out, d)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ValidateContext checks prompt + completion budget against the model's
// context window. Returns (window, ok).
func (r *Registry) ValidateContext(id string, promptTokens, maxTokens int) (int, bool) {
	d := r.Get(id)
	return d.ContextWindow, promptTokens+maxTokens <= d.ContextWindow
}

// parseFineTuned splits a ft:<base>:<org>::<suffix> id into its base model.
func parseFineTuned(id string) (base string, ok bool) {
	if !strings.HasPrefix(id, "ft:") {
		return "", false
	}
	rest := strings.TrimPrefix(id, "ft:")
	if i := strings.Index(rest, ":"); i > 0 {
		return rest[:i], true
	}
	if rest != "" {
		return rest, true
	}
	return "", false
}

// familyOf derives a coarse family name from a model id.
func familyOf(id string) string {
	s := id
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.ToLower(s)
	switch {
	case strings.HasPrefix(s, "gpt-4o"):
		return "gpt-4o"
	case strings.HasPrefix(s, "gpt-4"):
		return "gpt-4"
	case strings.HasPrefix(s, "gpt-3.5"):
		return "gpt-3.5"
	case strings.Contains(s, "embedding"):
		return "embedding"
	case strings.Contains(s, "llama"):
		return "llama-3"
	case strings.Contains(s, "deepseek"):
		return "deepseek-r1"
	}
	return "custom"
}
