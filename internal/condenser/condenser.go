// Package condenser implements the Memory+Condenser pipeline (component C):
// a chain of transformations that keeps the LLM prompt within its context
// window while preserving causal fidelity (spec.md §4.C).
package condenser

import (
	"context"
	"fmt"

	"github.com/relay-agent/runtime/internal/conv"
)

// Result is what a single Condenser produces: either a (possibly
// unmodified) View, or a Condensation marking a dropped/summarized range.
// Exactly one of the two fields is non-nil.
type Result struct {
	View         conv.View
	Condensation *conv.Condensation
}

// Condenser transforms a View into a smaller View or a Condensation marker.
type Condenser interface {
	Condense(ctx context.Context, view conv.View) (Result, error)
}

// Summarizer is the black-box LLM collaborator a condenser calls into to
// produce natural-language or structured summaries. It mirrors the
// provider.Provider contract (spec.md §1 Non-goals: concrete LLM clients
// are external) but is scoped to the one operation condensers need.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Pipeline applies a sequence of condensers left to right. The first
// condenser to return a Condensation short-circuits the rest (spec.md
// §4.C "Ordering").
type Pipeline struct {
	stages []Condenser
}

// NewPipeline builds a CondenserPipeline from stages applied in order.
func NewPipeline(stages ...Condenser) *Pipeline {
	return &Pipeline{stages: stages}
}

// Condense runs the full pipeline over view, returning the first
// Condensation produced or the final View if none of the stages condensed
// anything.
func (p *Pipeline) Condense(ctx context.Context, view conv.View) (Result, error) {
	current := view
	for _, stage := range p.stages {
		res, err := stage.Condense(ctx, current)
		if err != nil {
			return Result{}, fmt.Errorf("condenser pipeline: %w", err)
		}
		if res.Condensation != nil {
			return res, nil
		}
		if len(res.View) > len(current) {
			return Result{}, fmt.Errorf("condenser pipeline: stage %T grew the view from %d to %d events", stage, len(current), len(res.View))
		}
		current = res.View
	}
	return Result{View: current}, nil
}
