// Package router proposes a target agent for a new task by matching the
// task text against each agent's name and responsibility.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode"

	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
)

// minKeywordLen is the shortest responsibility word that counts as a
// keyword. Shorter words ("go", "ui") only match through the agent name.
const minKeywordLen = 3

// nameBonus is added when the task text mentions the agent by name or id.
const nameBonus = 2

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {}, "from": {},
	"into": {}, "all": {}, "any": {}, "are": {}, "was": {}, "will": {}, "should": {},
	"can": {}, "not": {}, "but": {}, "its": {}, "our": {}, "you": {}, "your": {},
	"work": {}, "task": {}, "tasks": {}, "agent": {}, "handles": {}, "owns": {},
}

type Config struct {
	// MinMargin is how many points the best candidate must lead the
	// requested target by before the task is rerouted.
	MinMargin float64
	Logger    *slog.Logger
}

// KeywordRouter implements orchestrator.Router.
type KeywordRouter struct {
	minMargin float64
	logger    *slog.Logger
}

func New(cfg Config) *KeywordRouter {
	if cfg.MinMargin < 0 {
		cfg.MinMargin = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &KeywordRouter{minMargin: cfg.MinMargin, logger: cfg.Logger}
}

type candidate struct {
	agent   persistence.AgentProfile
	score   float64
	matched []string
}

// Route scores every eligible agent. It returns nil when no agent matches
// the task text at all.
func (r *KeywordRouter) Route(ctx context.Context, req orchestrator.RouteRequest) (*orchestrator.RouteDecision, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToLower(req.Title + "\n" + req.Content)

	var cands []candidate
	var requested *candidate
	for _, a := range req.Agents {
		if !eligible(a, req.FromAgentID) {
			continue
		}
		c := score(text, a)
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return nil, nil
	}
	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		// Ties favour the requested target, then a stable id order.
		if (cands[i].agent.ID == req.RequestedToAgentID) != (cands[j].agent.ID == req.RequestedToAgentID) {
			return cands[i].agent.ID == req.RequestedToAgentID
		}
		return cands[i].agent.ID < cands[j].agent.ID
	})
	for i := range cands {
		if cands[i].agent.ID == req.RequestedToAgentID {
			requested = &cands[i]
			break
		}
	}

	best := cands[0]
	if best.score == 0 {
		return nil, nil
	}

	chosen := best
	if requested != nil && best.agent.ID != requested.agent.ID && best.score-requested.score < r.minMargin {
		chosen = *requested
	}
	decision := &orchestrator.RouteDecision{
		ToAgentID:  chosen.agent.ID,
		Confidence: confidence(chosen, cands),
		Rationale:  rationale(chosen, requested),
		TaskBrief:  brief(chosen),
	}
	r.logger.Debug("route scored",
		"requested", req.RequestedToAgentID, "chosen", chosen.agent.ID,
		"score", chosen.score, "candidates", len(cands))
	return decision, nil
}

// eligible excludes the sender and agents that cannot take local work.
func eligible(a persistence.AgentProfile, from string) bool {
	if !a.Enabled || a.ID == from {
		return false
	}
	return a.Kind != persistence.KindConnector
}

func score(text string, a persistence.AgentProfile) candidate {
	c := candidate{agent: a}
	for _, name := range uniq([]string{strings.ToLower(a.ID), strings.ToLower(strings.TrimSpace(a.Name))}) {
		if name != "" && matchesWord(text, name) {
			c.score += nameBonus
			c.matched = append(c.matched, name)
			break
		}
	}
	for _, kw := range Keywords(a.Responsibility) {
		if matchesWord(text, kw) {
			c.score++
			c.matched = append(c.matched, kw)
		}
	}
	return c
}

// Keywords extracts the lowercase words of s that are long enough and not
// stopwords, in first-seen order.
func Keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "-_")
		if len(f) < minKeywordLen {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return uniq(out)
}

func uniq(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := in[:0:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func isWordBoundary(s string, i int) bool {
	if i < 0 || i >= len(s) {
		return true
	}
	ch := s[i]
	if ch >= 'a' && ch <= 'z' || ch >= 'A' && ch <= 'Z' || ch >= '0' && ch <= '9' || ch == '_' {
		return false
	}
	return true
}

// matchesWord reports whether key occurs in lower with word boundaries on
// both sides.
func matchesWord(lower, key string) bool {
	start := 0
	for {
		idx := strings.Index(lower[start:], key)
		if idx < 0 {
			return false
		}
		abs := start + idx
		if isWordBoundary(lower, abs-1) && isWordBoundary(lower, abs+len(key)) {
			return true
		}
		start = abs + 1
	}
}

// confidence is the chosen score's share of the total score, in [0,1].
func confidence(chosen candidate, cands []candidate) float64 {
	total := 0.0
	for _, c := range cands {
		total += c.score
	}
	if total == 0 {
		return 0
	}
	return chosen.score / total
}

func rationale(chosen candidate, requested *candidate) string {
	matched := "no keyword overlap"
	if len(chosen.matched) > 0 {
		matched = "matched " + strings.Join(chosen.matched, ", ")
	}
	if requested == nil || requested.agent.ID == chosen.agent.ID {
		return fmt.Sprintf("%s: %s", chosen.agent.ID, matched)
	}
	return fmt.Sprintf("%s: %s (score %.0f vs %.0f for %s)",
		chosen.agent.ID, matched, chosen.score, requested.score, requested.agent.ID)
}

func brief(chosen candidate) string {
	if len(chosen.matched) == 0 {
		return ""
	}
	return "Relevant expertise: " + strings.Join(chosen.matched, ", ") + "."
}
