package metrics

import (
	"strings"
	"sync"
)

// Price is a model's USD price per 1k tokens.
type Price struct {
	InputPer1K  float64
	OutputPer1K float64
}

// cachedDiscount is the price multiplier for input tokens served from the
// KV cache.
const cachedDiscount = 0.5

var priceTable = map[string]Price{
	"gpt-4":                 {InputPer1K: 0.03, OutputPer1K: 0.06},
	"gpt-4-turbo":           {InputPer1K: 0.01, OutputPer1K: 0.03},
	"gpt-4o":                {InputPer1K: 0.005, OutputPer1K: 0.015},
	"gpt-4o-mini":           {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-3.5-turbo":         {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"openai/gpt-oss-120b":   {InputPer1K: 0.00009, OutputPer1K: 0.00045},
	"openai/gpt-oss-20b":    {InputPer1K: 0.00004, OutputPer1K: 0.00016},
	"deepseek-ai/DeepSeek-R1": {InputPer1K: 0.00055, OutputPer1K: 0.00219},
}

var defaultPrice = Price{InputPer1K: 0.001, OutputPer1K: 0.002}

// PriceFor resolves a model's price. Fine-tuned models (ft:<base>:...)
// price as their base model; unknown models use the default price.
func PriceFor(model string) Price {
	if p, ok := priceTable[model]; ok {
		return p
	}
	if strings.HasPrefix(model, "ft:") {
		parts := strings.SplitN(model, ":", 3)
		if len(parts) >= 2 {
			if p, ok := priceTable[parts[1]]; ok {
				return p
			}
		}
	}
	return defaultPrice
}

// Cost computes the USD cost of one request. Cached input tokens are
// billed at the discount rate.
func Cost(model string, input, output, cached int) float64 {
	p := PriceFor(model)
	if cached > input {
		cached = input
	}
	fresh := float64(input - cached)
	return fresh/1000*p.InputPer1K +
		float64(cached)/1000*p.InputPer1K*cachedDiscount +
		float64(output)/1000*p.OutputPer1K
}

// BudgetState classifies a key's spend against its budget.
type BudgetState int

const (
	BudgetOK BudgetState = iota
	BudgetWarning
	BudgetExceeded
)

// budgetWarnFraction is where the warning threshold sits.
const budgetWarnFraction = 0.8

// KeyUsage is one API key's accumulated spend.
type KeyUsage struct {
	CostUSD      float64 `json:"cost_usd"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CachedTokens int64   `json:"cached_tokens"`
	Requests     int64   `json:"requests"`
}

// CostTracker accumulates per-key spend and checks budget thresholds.
// A zero budget disables threshold checks.
type CostTracker struct {
	mu        sync.Mutex
	keys      map[string]*KeyUsage
	budgetUSD float64
	totalUSD  float64
}

func NewCostTracker(budgetUSD float64) *CostTracker {
	return &CostTracker{keys: make(map[string]*KeyUsage), budgetUSD: budgetUSD}
}

// Record charges one request against apiKey. The returned BudgetState is
// only BudgetWarning/BudgetExceeded on the request that crosses the
// threshold, so callers can emit each transition once.
func (t *CostTracker) Record(apiKey, model string, input, output, cached int) (float64, BudgetState) {
	cost := Cost(model, input, output, cached)

	t.mu.Lock()
	defer t.mu.Unlock()
	ku, ok := t.keys[apiKey]
	if !ok {
		ku = &KeyUsage{}
		t.keys[apiKey] = ku
	}
	before := ku.CostUSD
	ku.CostUSD += cost
	ku.InputTokens += int64(input)
	ku.OutputTokens += int64(output)
	ku.CachedTokens += int64(cached)
	ku.Requests++
	t.totalUSD += cost

	if t.budgetUSD <= 0 {
		return cost, BudgetOK
	}
	warn := t.budgetUSD * budgetWarnFraction
	switch {
	case before < t.budgetUSD && ku.CostUSD >= t.budgetUSD:
		return cost, BudgetExceeded
	case before < warn && ku.CostUSD >= warn:
		return cost, BudgetWarning
	}
	return cost, BudgetOK
}

// CostSnapshot is the cost-tracker dump.
type CostSnapshot struct {
	TotalUSD  float64             `json:"total_cost_usd"`
	BudgetUSD float64             `json:"budget_usd,omitempty"`
	ByKey     map[string]KeyUsage `json:"by_api_key"`
}

func (t *CostTracker) Snapshot() CostSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := CostSnapshot{
		TotalUSD:  t.totalUSD,
		BudgetUSD: t.budgetUSD,
		ByKey:     make(map[string]KeyUsage, len(t.keys)),
	}
	for k, ku := range t.keys {
		s.ByKey[k] = *ku
	}
	return s
}
