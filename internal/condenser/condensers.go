package condenser

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/relay-agent/runtime/internal/conv"
)

// NoOpCondenser returns the view unchanged. Useful as the sole stage of a
// pipeline when condensation is disabled, or as a baseline in tests.
type NoOpCondenser struct{}

func (NoOpCondenser) Condense(_ context.Context, view conv.View) (Result, error) {
	return Result{View: view}, nil
}

// RecentEventsCondenser retains the first KeepFirst events (typically the
// system+first-user messages) plus the most recent MaxEvents-KeepFirst
// events, dropping everything in between without emitting a Condensation
// marker — it is a hard truncation, not a summarized one.
type RecentEventsCondenser struct {
	KeepFirst int
	MaxEvents int
}

func (c RecentEventsCondenser) Condense(_ context.Context, view conv.View) (Result, error) {
	if len(view) <= c.MaxEvents {
		return Result{View: view}, nil
	}
	keepFirst := c.KeepFirst
	if keepFirst > len(view) {
		keepFirst = len(view)
	}
	keepRecent := c.MaxEvents - keepFirst
	if keepRecent < 0 {
		keepRecent = 0
	}
	head := view[:keepFirst]
	var tail conv.View
	if keepRecent > 0 {
		start := len(view) - keepRecent
		if start < keepFirst {
			start = keepFirst
		}
		tail = view[start:]
	}
	out := make(conv.View, 0, len(head)+len(tail))
	out = append(out, head...)
	out = append(out, tail...)
	return Result{View: out}, nil
}

// ObservationMaskingCondenser replaces observation content outside the last
// AttentionWindow observations with a placeholder, leaving actions intact.
// It operates in place on cloned Observation values so the EventStore's own
// copy is never mutated.
type ObservationMaskingCondenser struct {
	AttentionWindow int
}

const maskedPlaceholder = "<MASKED>"

func (c ObservationMaskingCondenser) Condense(_ context.Context, view conv.View) (Result, error) {
	obsIndices := make([]int, 0, len(view))
	for i, e := range view {
		if _, ok := e.IsObservation(); ok {
			obsIndices = append(obsIndices, i)
		}
	}
	if len(obsIndices) <= c.AttentionWindow {
		return Result{View: view}, nil
	}
	maskUpTo := len(obsIndices) - c.AttentionWindow
	maskSet := make(map[int]bool, maskUpTo)
	for _, idx := range obsIndices[:maskUpTo] {
		maskSet[idx] = true
	}

	out := make(conv.View, len(view))
	for i, e := range view {
		if !maskSet[i] {
			out[i] = e
			continue
		}
		clone := *e
		clone.Payload = maskObservation(e.Payload)
		out[i] = &clone
	}
	return Result{View: out}, nil
}

func maskObservation(p conv.EventPayload) conv.EventPayload {
	switch o := p.(type) {
	case *conv.CmdOutputObservation:
		masked := *o
		masked.Content = maskedPlaceholder
		return &masked
	case *conv.IPythonRunCellObservation:
		masked := *o
		masked.Content = maskedPlaceholder
		return &masked
	case *conv.FileReadObservation:
		masked := *o
		masked.Content = maskedPlaceholder
		return &masked
	case *conv.FileWriteObservation:
		masked := *o
		masked.Content = maskedPlaceholder
		return &masked
	case *conv.BrowserOutputObservation:
		masked := *o
		masked.Screenshot = ""
		masked.AXTree = maskedPlaceholder
		return &masked
	default:
		return p
	}
}

// BrowserOutputCondenser strips the bulky AXTree/screenshot payload from all
// but the most recent browser observation, keeping the URL/error fields.
type BrowserOutputCondenser struct{}

func (BrowserOutputCondenser) Condense(_ context.Context, view conv.View) (Result, error) {
	lastBrowser := -1
	for i, e := range view {
		if _, ok := e.Payload.(*conv.BrowserOutputObservation); ok {
			lastBrowser = i
		}
	}
	if lastBrowser < 0 {
		return Result{View: view}, nil
	}

	out := make(conv.View, len(view))
	for i, e := range view {
		bo, ok := e.Payload.(*conv.BrowserOutputObservation)
		if !ok || i == lastBrowser {
			out[i] = e
			continue
		}
		clone := *e
		strippedObs := *bo
		strippedObs.Screenshot = ""
		strippedObs.AXTree = ""
		clone.Payload = &strippedObs
		out[i] = &clone
	}
	return Result{View: out}, nil
}

// AmortizedForgettingCondenser drops the middle of the view once it exceeds
// Threshold events, preserving the first and last Keep events and emitting a
// Condensation marker covering the dropped id range. No LLM call is made;
// the "summary" is simply the fact a range was dropped.
type AmortizedForgettingCondenser struct {
	Threshold int
	Keep      int
}

func (c AmortizedForgettingCondenser) Condense(_ context.Context, view conv.View) (Result, error) {
	if len(view) <= c.Threshold {
		return Result{View: view}, nil
	}
	keep := c.Keep
	if 2*keep >= len(view) {
		return Result{View: view}, nil
	}
	dropped := view[keep : len(view)-keep]
	if len(dropped) == 0 {
		return Result{View: view}, nil
	}

	summary := &conv.AgentCondensationObservation{
		Summary: fmt.Sprintf("%d events forgotten (ids %d-%d)", len(dropped), dropped[0].ID, dropped[len(dropped)-1].ID),
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
	}
	return Result{Condensation: &conv.Condensation{
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
		Summary: summary,
	}}, nil
}

// LLMSummarizingCondenser invokes a Summarizer to produce a natural-language
// summary of the dropped range once the view exceeds Threshold events,
// emitting a Condensation wrapping that summary.
type LLMSummarizingCondenser struct {
	Threshold      int
	MaxSummaryTokens int
	Keep           int
	Summarizer     Summarizer
}

func (c LLMSummarizingCondenser) Condense(ctx context.Context, view conv.View) (Result, error) {
	if len(view) <= c.Threshold {
		return Result{View: view}, nil
	}
	keep := c.Keep
	if 2*keep >= len(view) {
		return Result{View: view}, nil
	}
	dropped := view[keep : len(view)-keep]
	if len(dropped) == 0 {
		return Result{View: view}, nil
	}

	prompt := summarizationPrompt(dropped, c.MaxSummaryTokens)
	text, err := c.Summarizer.Summarize(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("llm summarizing condenser: %w", err)
	}

	summary := &conv.AgentCondensationObservation{
		Summary: text,
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
	}
	return Result{Condensation: &conv.Condensation{
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
		Summary: summary,
	}}, nil
}

func summarizationPrompt(events conv.View, maxTokens int) string {
	var b []byte
	b = append(b, "Summarize the following conversation events, focusing on key decisions, "...)
	b = append(b, "files modified, and context needed to continue the work. "...)
	b = append(b, fmt.Sprintf("Keep the summary under roughly %d tokens.\n\n", maxTokens)...)
	for _, e := range events {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		b = append(b, line...)
		b = append(b, '\n')
	}
	return string(b)
}

// LLMAttentionCondenser asks the Summarizer to select the K most important
// event ids to retain from the dropped range, then drops the rest via a
// Condensation. Selector is injected separately from Summarizer because
// picking ids is a structured decision, not free text.
type LLMAttentionCondenser struct {
	Threshold int
	Keep      int
	K         int
	Selector  AttentionSelector
}

// AttentionSelector picks the K most important event ids out of candidates.
type AttentionSelector interface {
	SelectImportant(ctx context.Context, candidates conv.View, k int) ([]int64, error)
}

func (c LLMAttentionCondenser) Condense(ctx context.Context, view conv.View) (Result, error) {
	if len(view) <= c.Threshold {
		return Result{View: view}, nil
	}
	keep := c.Keep
	if 2*keep >= len(view) {
		return Result{View: view}, nil
	}
	dropped := view[keep : len(view)-keep]
	if len(dropped) == 0 {
		return Result{View: view}, nil
	}

	important, err := c.Selector.SelectImportant(ctx, dropped, c.K)
	if err != nil {
		return Result{}, fmt.Errorf("llm attention condenser: %w", err)
	}
	keepSet := make(map[int64]bool, len(important))
	for _, id := range important {
		keepSet[id] = true
	}

	var retained conv.View
	var droppedIDs []int64
	for _, e := range dropped {
		if keepSet[e.ID] {
			retained = append(retained, e)
		} else {
			droppedIDs = append(droppedIDs, e.ID)
		}
	}
	if len(droppedIDs) == 0 {
		return Result{View: view}, nil
	}

	summary := &conv.AgentCondensationObservation{
		Summary: fmt.Sprintf("%d low-attention events dropped, %d retained", len(droppedIDs), len(retained)),
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
	}
	return Result{Condensation: &conv.Condensation{
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
		Summary: summary,
	}}, nil
}

// StructuredSummaryFields is the fixed JSON schema StructuredSummaryCondenser
// asks the LLM to fill in, rather than free text.
type StructuredSummaryFields struct {
	Goals          []string `json:"goals"`
	CompletedSteps []string `json:"completed_steps"`
	OpenQuestions  []string `json:"open_questions"`
}

// StructuredSummarizer is like Summarizer but returns structured fields
// instead of free text, used by StructuredSummaryCondenser.
type StructuredSummarizer interface {
	SummarizeStructured(ctx context.Context, prompt string) (StructuredSummaryFields, error)
}

// StructuredSummaryCondenser behaves like LLMSummarizingCondenser but asks
// for a fixed JSON shape (goals, completed_steps, open_questions) instead of
// free-form prose.
type StructuredSummaryCondenser struct {
	Threshold int
	Keep      int
	Summarizer StructuredSummarizer
}

func (c StructuredSummaryCondenser) Condense(ctx context.Context, view conv.View) (Result, error) {
	if len(view) <= c.Threshold {
		return Result{View: view}, nil
	}
	keep := c.Keep
	if 2*keep >= len(view) {
		return Result{View: view}, nil
	}
	dropped := view[keep : len(view)-keep]
	if len(dropped) == 0 {
		return Result{View: view}, nil
	}

	prompt := summarizationPrompt(dropped, 0)
	fields, err := c.Summarizer.SummarizeStructured(ctx, prompt)
	if err != nil {
		return Result{}, fmt.Errorf("structured summary condenser: %w", err)
	}
	encoded, err := json.Marshal(fields)
	if err != nil {
		return Result{}, fmt.Errorf("structured summary condenser: %w", err)
	}

	summary := &conv.AgentCondensationObservation{
		Summary: string(encoded),
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
	}
	return Result{Condensation: &conv.Condensation{
		StartID: dropped[0].ID,
		EndID:   dropped[len(dropped)-1].ID,
		Summary: summary,
	}}, nil
}
