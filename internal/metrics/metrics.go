// Package metrics exposes the Prometheus counters and gauges the
// AgentController consults to enforce max_iterations/max_budget_per_task
// (spec.md §4.E step 2) and to make the step loop's behavior observable.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter/gauge/histogram the conversation runtime
// plane records. One instance is shared by every AgentController in the
// process; labels carry the conversation id.
type Metrics struct {
	StepIterations   *prometheus.CounterVec
	LLMRequests      *prometheus.CounterVec
	LLMDuration      *prometheus.HistogramVec
	LLMTokens        *prometheus.CounterVec
	LLMCostUSD       *prometheus.CounterVec
	ActionDuration   *prometheus.HistogramVec
	ActionOutcomes   *prometheus.CounterVec
	Condensations    *prometheus.CounterVec
	StuckDetections  *prometheus.CounterVec
	StateTransitions *prometheus.CounterVec
	ActiveLoops      prometheus.Gauge
}

// New creates and registers every metric with Prometheus's default
// registry. Call once per process; tests that need an isolated registry
// (e.g. to construct more than one Metrics in the same binary) should use
// NewWithRegisterer instead.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer creates every metric against the given Registerer.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepIterations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_step_iterations_total",
				Help: "Total AgentController step-loop iterations by conversation.",
			},
			[]string{"conversation_id"},
		),
		LLMRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_llm_requests_total",
				Help: "Total LLM requests issued by the step loop, by outcome.",
			},
			[]string{"conversation_id", "outcome"},
		),
		LLMDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conversation_llm_request_duration_seconds",
				Help:    "LLM request latency observed by the step loop.",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"conversation_id"},
		),
		LLMTokens: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_llm_tokens_total",
				Help: "Tokens consumed, counted against max_budget_per_task.",
			},
			[]string{"conversation_id", "kind"},
		),
		LLMCostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_llm_cost_usd_total",
				Help: "Estimated dollar cost consumed, counted against max_budget_per_task.",
			},
			[]string{"conversation_id"},
		),
		ActionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conversation_action_duration_seconds",
				Help:    "Runtime action execution latency.",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
			},
			[]string{"conversation_id", "action"},
		),
		ActionOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_action_outcomes_total",
				Help: "Runtime action outcomes by action type and result.",
			},
			[]string{"conversation_id", "action", "outcome"},
		),
		Condensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_condensations_total",
				Help: "Condenser-emitted Condensation markers by conversation.",
			},
			[]string{"conversation_id"},
		),
		StuckDetections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_stuck_detections_total",
				Help: "StuckDetector positive detections by conversation.",
			},
			[]string{"conversation_id"},
		),
		StateTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conversation_state_transitions_total",
				Help: "AgentController state transitions by destination state.",
			},
			[]string{"conversation_id", "state"},
		),
		ActiveLoops: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "conversation_active_agent_loops",
				Help: "Currently running AgentControllers across all conversations.",
			},
		),
	}
}

// Budget tracks one conversation's consumption against max_iterations and
// max_budget_per_task (spec.md §4.E step 2, §7 BudgetExceeded). Not
// goroutine-safe: a controller only ever has one step in flight at a time
// (spec.md §5 "Scheduling model"), so callers never need a lock.
type Budget struct {
	MaxIterations int
	MaxCostUSD    float64
	iterations    int
	costUSD       float64
}

// NewBudget constructs a Budget. A zero MaxIterations/MaxCostUSD means
// "unbounded" for that dimension.
func NewBudget(maxIterations int, maxCostUSD float64) *Budget {
	return &Budget{MaxIterations: maxIterations, MaxCostUSD: maxCostUSD}
}

// Iterate increments the iteration counter and reports whether the budget
// is now exceeded.
func (b *Budget) Iterate() (exceeded bool) {
	b.iterations++
	return b.MaxIterations > 0 && b.iterations > b.MaxIterations
}

// AddCost records spend and reports whether the budget is now exceeded.
func (b *Budget) AddCost(usd float64) (exceeded bool) {
	b.costUSD += usd
	return b.MaxCostUSD > 0 && b.costUSD > b.MaxCostUSD
}

// Iterations returns the number of iterations consumed so far.
func (b *Budget) Iterations() int { return b.iterations }

// CostUSD returns the dollar cost consumed so far.
func (b *Budget) CostUSD() float64 { return b.costUSD }
