package orchestrator

import (
	"fmt"
	"strings"

	"github.com/basket/agentq/internal/persistence"
	"github.com/basket/agentq/internal/shared"
)

const (
	contractOpen  = "[task-contract]"
	contractClose = "[/task-contract]"

	executionPolicy = "Work on this task directly with your own tools. Only ask another agent for help when you are blocked."

	// maxExcerpt bounds previous summaries and errors quoted into contracts.
	maxExcerpt = 2000
)

var definitionOfDone = []string{
	"The requested change or answer is complete.",
	"Relevant build, test, and lint checks were run and pass, or the failure is reported explicitly.",
	"The final summary states what changed and how it was verified.",
}

type contractParams struct {
	From      string
	Requested string
	Assigned  string
	Title     string
	Body      string
	// Routing is set only when the router moved the task.
	Routing *RouteDecision
	Brief   string
	// Recall is set for follow-up tasks.
	Recall *recallContext
}

type recallContext struct {
	SourceTaskID   string
	PreviousStatus persistence.TaskStatus
	Summary        string
	Error          string
	Reason         string
}

// buildTaskContract renders the envelope the receiving agent executes
// against. The output is deterministic for a given input.
func buildTaskContract(p contractParams) string {
	var b strings.Builder
	b.WriteString(contractOpen + "\n")
	fmt.Fprintf(&b, "from: %s\n", p.From)
	fmt.Fprintf(&b, "requested-target: %s\n", p.Requested)
	fmt.Fprintf(&b, "assigned-target: %s\n", p.Assigned)
	fmt.Fprintf(&b, "title: %s\n", oneLine(p.Title))
	fmt.Fprintf(&b, "execution-policy: %s\n", executionPolicy)
	b.WriteString("definition-of-done:\n")
	for _, item := range definitionOfDone {
		fmt.Fprintf(&b, "- %s\n", item)
	}
	if p.Routing != nil {
		b.WriteString("[routing]\n")
		if p.Routing.Rationale != "" {
			fmt.Fprintf(&b, "rationale: %s\n", oneLine(p.Routing.Rationale))
		}
		fmt.Fprintf(&b, "confidence: %.2f\n", p.Routing.Confidence)
		b.WriteString("[/routing]\n")
	}
	if brief := strings.TrimSpace(p.Brief); brief != "" {
		b.WriteString("[task-brief]\n")
		b.WriteString(brief)
		b.WriteString("\n[/task-brief]\n")
	}
	if r := p.Recall; r != nil {
		b.WriteString("[recall]\n")
		fmt.Fprintf(&b, "recall-of: %s\n", r.SourceTaskID)
		fmt.Fprintf(&b, "previous-status: %s\n", r.PreviousStatus)
		if r.Summary != "" {
			fmt.Fprintf(&b, "previous-summary: %s\n", shared.Truncate(r.Summary, maxExcerpt))
		}
		if r.Error != "" {
			fmt.Fprintf(&b, "previous-error: %s\n", shared.Truncate(r.Error, maxExcerpt))
		}
		fmt.Fprintf(&b, "reason: %s\n", r.Reason)
		b.WriteString("instructions: Address the reason above on top of the previous attempt. Re-run the relevant checks and report what changed.\n")
		b.WriteString("[/recall]\n")
	}
	b.WriteString(contractClose + "\n")
	if body := strings.TrimSpace(p.Body); body != "" {
		b.WriteString("\n")
		b.WriteString(body)
		b.WriteString("\n")
	}
	return b.String()
}

// retryBlock renders the annotation appended to a task's content before it
// is requeued.
func retryBlock(attempt, max int, previousError string) string {
	return fmt.Sprintf("\n[retry-attempt %d/%d]\nprevious-error: %s\ninstructions: The previous attempt failed. Fix the cause, re-run the relevant checks, and report the result.\n[/retry-attempt]\n",
		attempt, max, shared.Truncate(oneLine(previousError), maxExcerpt))
}

// contractBody extracts the caller's original request from rendered task
// content, dropping the envelope and any retry annotations.
func contractBody(content string) string {
	body := content
	if i := strings.Index(body, contractClose); i >= 0 {
		body = body[i+len(contractClose):]
	}
	if i := strings.Index(body, "\n[retry-attempt "); i >= 0 {
		body = body[:i]
	}
	return strings.TrimSpace(body)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
