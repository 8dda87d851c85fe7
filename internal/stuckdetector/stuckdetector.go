// Package stuckdetector inspects a controller's recent event history and
// flags five pathological loop patterns (spec.md §4.D), causing the
// AgentController to transition to STUCK and stop issuing further LLM
// calls.
//
// The sliding-window-over-a-hash idea is the same one
// internal/permission.DoomLoopDetector uses for single-tool-call repeats;
// this package generalizes it to the five scenarios spec.md §4.D names,
// operating over typed Action/Observation events rather than tool-name
// strings.
package stuckdetector

import (
	"reflect"
	"strings"

	"github.com/relay-agent/runtime/internal/conv"
)

const minHistoryLen = 3

// Check implements the spec.md §4.D algorithm. headlessMode selects whether
// history is restricted to events after the last USER MessageAction (the
// normal, interactive case) or considered in full (headless runs have no
// user turns to anchor on).
func Check(history []*conv.Event, headlessMode bool) bool {
	filtered := restrict(history, headlessMode)
	if len(filtered) < minHistoryLen {
		return false
	}

	actions := lastNActions(filtered, 4)
	observations := lastNObservations(filtered, 4)

	if repeatingActionObservation(actions, observations) {
		return true
	}
	if repeatingActionWithErrors(lastNActions(filtered, 3), lastNObservations(filtered, 3)) {
		return true
	}
	if monologue(filtered) {
		return true
	}
	if oscillation(lastNActions(filtered, 6), lastNObservations(filtered, 6)) {
		return true
	}
	if contextWindowDeathSpiral(filtered) {
		return true
	}
	return false
}

// restrict drops events at or before the last USER MessageAction when not
// headless, then filters out USER messages and null events.
func restrict(history []*conv.Event, headlessMode bool) []*conv.Event {
	start := 0
	if !headlessMode {
		for i := len(history) - 1; i >= 0; i-- {
			if a, ok := history[i].Payload.(*conv.MessageAction); ok && history[i].Source == conv.SourceUser && a != nil {
				start = i + 1
				break
			}
		}
	}

	out := make([]*conv.Event, 0, len(history)-start)
	for _, e := range history[start:] {
		if e.Source == conv.SourceUser {
			continue
		}
		switch e.Payload.(type) {
		case *conv.NullAction, *conv.NullObservation:
			continue
		}
		out = append(out, e)
	}
	return out
}

func lastNActions(history []*conv.Event, n int) []conv.Action {
	var out []conv.Action
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if a, ok := history[i].Payload.(conv.Action); ok {
			out = append([]conv.Action{a}, out...)
		}
	}
	return out
}

func lastNObservations(history []*conv.Event, n int) []conv.Observation {
	var out []conv.Observation
	for i := len(history) - 1; i >= 0 && len(out) < n; i-- {
		if o, ok := history[i].Payload.(conv.Observation); ok {
			out = append([]conv.Observation{o}, out...)
		}
	}
	return out
}

// eqNoPid is the equality rule named in spec.md §4.D: CmdOutputObservation
// compares only (command, exit_code); IPythonRunCellAction invoking
// edit_file_by_replace requires code length > 2 lines and compares only
// the first 3 lines; everything else uses structural equality.
func eqNoPid(a, b any) bool {
	switch av := a.(type) {
	case *conv.CmdOutputObservation:
		bv, ok := b.(*conv.CmdOutputObservation)
		return ok && av.Command == bv.Command && av.ExitCode == bv.ExitCode
	case *conv.IPythonRunCellAction:
		bv, ok := b.(*conv.IPythonRunCellAction)
		if !ok {
			return false
		}
		if strings.Contains(av.Code, "edit_file_by_replace(") && strings.Contains(bv.Code, "edit_file_by_replace(") {
			aLines := strings.Split(av.Code, "\n")
			bLines := strings.Split(bv.Code, "\n")
			if len(aLines) <= 2 || len(bLines) <= 2 {
				return false
			}
			return firstNLinesEqual(aLines, bLines, 3)
		}
		return reflect.DeepEqual(av, bv)
	default:
		return reflect.DeepEqual(a, b)
	}
}

func firstNLinesEqual(a, b []string, n int) bool {
	for i := 0; i < n; i++ {
		if i >= len(a) || i >= len(b) || a[i] != b[i] {
			return false
		}
	}
	return true
}

func allEqualNoPid[T any](items []T) bool {
	if len(items) == 0 {
		return false
	}
	first := items[0]
	for _, it := range items[1:] {
		if !eqNoPid(first, it) {
			return false
		}
	}
	return true
}

// scenario 1: last 4 actions all equal (modulo pid) AND last 4 observations
// all equal.
func repeatingActionObservation(actions []conv.Action, observations []conv.Observation) bool {
	if len(actions) < 4 || len(observations) < 4 {
		return false
	}
	return allEqualNoPid(actions) && allEqualNoPid(observations)
}

// scenario 2: last 3 actions equal AND (last 3 observations all
// ErrorObservation) OR (last 3 observations all IPythonRunCellObservation
// with the same SyntaxError signature).
func repeatingActionWithErrors(actions []conv.Action, observations []conv.Observation) bool {
	if len(actions) < 3 || len(observations) < 3 || !allEqualNoPid(actions) {
		return false
	}

	allErrors := true
	for _, o := range observations {
		if _, ok := o.(*conv.ErrorObservation); !ok {
			allErrors = false
			break
		}
	}
	if allErrors {
		return true
	}

	return sameSyntaxErrorSignature(observations)
}

// scenario 3: last 3 AGENT MessageActions identical AND no Observation lies
// between them in the stream.
func monologue(history []*conv.Event) bool {
	var idx []int
	for i, e := range history {
		if e.Source != conv.SourceAgent {
			continue
		}
		if _, ok := e.Payload.(*conv.MessageAction); ok {
			idx = append(idx, i)
		}
	}
	if len(idx) < 3 {
		return false
	}
	last3 := idx[len(idx)-3:]

	msgs := make([]*conv.MessageAction, 3)
	for i, pos := range last3 {
		msgs[i] = history[pos].Payload.(*conv.MessageAction)
	}
	if msgs[0].Text != msgs[1].Text || msgs[1].Text != msgs[2].Text {
		return false
	}

	for i := last3[0]; i <= last3[2]; i++ {
		if _, ok := history[i].Payload.(conv.Observation); ok {
			return false
		}
	}
	return true
}

// scenario 4: last 6 actions satisfy a[0]=a[2]=a[4] and a[1]=a[3]=a[5], and
// likewise for the last 6 observations.
func oscillation(actions []conv.Action, observations []conv.Observation) bool {
	if len(actions) < 6 || len(observations) < 6 {
		return false
	}
	actionsOscillate := eqNoPid(actions[0], actions[2]) && eqNoPid(actions[2], actions[4]) &&
		eqNoPid(actions[1], actions[3]) && eqNoPid(actions[3], actions[5])
	if !actionsOscillate {
		return false
	}
	return eqNoPid(observations[0], observations[2]) && eqNoPid(observations[2], observations[4]) &&
		eqNoPid(observations[1], observations[3]) && eqNoPid(observations[3], observations[5])
}

// scenario 5: last 10 events contain >=10 AgentCondensationObservations with
// no other event types interleaved — i.e. the last 10 events are entirely
// condensation markers.
func contextWindowDeathSpiral(history []*conv.Event) bool {
	if len(history) < 10 {
		return false
	}
	tail := history[len(history)-10:]
	for _, e := range tail {
		if _, ok := e.Payload.(*conv.AgentCondensationObservation); !ok {
			return false
		}
	}
	return true
}

// syntaxErrorLineHeader is the prefix the first line of a Jupyter SyntaxError
// traceback must start with. sameSyntaxErrorSignature also requires the
// third-to-last line to contain "SyntaxError"; the last two lines are not
// examined.
const syntaxErrorLineHeader = "Cell In[1], line"

func sameSyntaxErrorSignature(observations []conv.Observation) bool {
	type sig struct {
		firstLine string
		errorLine string
	}
	var sigs []sig
	for _, o := range observations {
		ipy, ok := o.(*conv.IPythonRunCellObservation)
		if !ok {
			return false
		}
		lines := strings.Split(strings.TrimRight(ipy.Content, "\n"), "\n")
		if len(lines) < 3 {
			return false
		}
		if !strings.HasPrefix(lines[0], syntaxErrorLineHeader) {
			return false
		}
		errorLine := lines[len(lines)-3]
		if !strings.Contains(errorLine, "SyntaxError") {
			return false
		}
		sigs = append(sigs, sig{firstLine: lines[0], errorLine: errorLine})
	}
	if len(sigs) == 0 {
		return false
	}
	first := sigs[0]
	for _, s := range sigs[1:] {
		if s.firstLine != first.firstLine || s.errorLine != first.errorLine {
			return false
		}
	}
	return true
}
