package orchestrator

import (
	"regexp"
	"strings"

	"github.com/basket/agentq/internal/persistence"
)

// Outcome is the classification of a finished attempt.
type Outcome int

const (
	OutcomeDone Outcome = iota
	OutcomeRetry
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRetry:
		return "retry"
	default:
		return "failed"
	}
}

// TaskStatus is the status a running task moves to for this outcome.
func (o Outcome) TaskStatus() persistence.TaskStatus {
	switch o {
	case OutcomeDone:
		return persistence.TaskDone
	case OutcomeRetry:
		return persistence.TaskQueued
	default:
		return persistence.TaskFailed
	}
}

// The pattern families below are heuristics over free text. Tests pin their
// current behaviour; change them only together with those tests.
var (
	recoverablePatterns = compileAll(
		// build, test, lint and typecheck failures
		`\bbuild (has )?failed\b`,
		`\btests? (have |has )?failed\b`,
		`\bfailing tests?\b`,
		`\blint(ing)? (failed|errors?)\b`,
		`\btype ?check(ing)? failed\b`,
		`\btype errors?\b`,
		`\bcompilation failed\b`,
		`\bcompile errors?\b`,
		// generic command failures
		`\bcommand failed\b`,
		`\bexit(ed)? (with )?(code|status) [1-9][0-9]*\b`,
		`\bnon-?zero exit\b`,
		// unresolved edits
		`\bedit failed\b`,
		`\bcould not apply (the )?edits?\b`,
		`\bold_string not found\b`,
		`\bunresolved edits?\b`,
		`\bpatch (failed|does not apply)\b`,
	)
	looksFailedPatterns = compileAll(
		`\bfailed\b`,
		`\bfailures?\b`,
		`\bblocked\b`,
		`\bunable to\b`,
		`\bcould not\b`,
		`\bcouldn't\b`,
		`\bcannot (complete|proceed)\b`,
		`(?m)^\s*error:`,
	)
	looksPassedPatterns = compileAll(
		`\ball (tests|checks) pass(ed)?\b`,
		`\btests? passed\b`,
		`\bno failures\b`,
		`\b0 failed\b`,
		`\bbuild succeeded\b`,
		`\blint clean\b`,
		`\bchecks pass(ed)?\b`,
		`\bpasses\b`,
	)
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?i)` + p)
	}
	return out
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

// IsRecoverableFailure reports whether an executor error describes a failure
// another attempt can plausibly fix.
func IsRecoverableFailure(msg string) bool {
	return matchAny(recoverablePatterns, msg)
}

// LooksFailed reports whether a completion summary describes a failure.
func LooksFailed(summary string) bool {
	return matchAny(looksFailedPatterns, summary)
}

// LooksPassed reports whether a completion summary carries an explicit pass
// signal.
func LooksPassed(summary string) bool {
	return matchAny(looksPassedPatterns, summary)
}

// ClassifyOutcome decides what happens to a task after an attempt. The
// returned message is the failure text recorded on the task and run; it is
// empty for OutcomeDone.
func ClassifyOutcome(summary string, execErr error, retryCount, maxRetries int) (Outcome, string) {
	var msg string
	recoverable := false
	switch {
	case execErr != nil:
		msg = strings.TrimSpace(execErr.Error())
		if msg == "" {
			msg = "executor failed"
		}
		recoverable = IsRecoverableFailure(msg)
	case LooksFailed(summary) && !LooksPassed(summary):
		msg = "completion summary reports failure: " + oneLine(summary)
		recoverable = true
	default:
		return OutcomeDone, ""
	}
	if recoverable && retryCount < maxRetries {
		return OutcomeRetry, msg
	}
	return OutcomeFailed, msg
}
