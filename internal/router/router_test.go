package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/basket/agentq/internal/orchestrator"
	"github.com/basket/agentq/internal/persistence"
)

func roster() []persistence.AgentProfile {
	return []persistence.AgentProfile{
		{ID: "architect", Name: "Architect", Kind: persistence.KindArchitect, Enabled: true, Responsibility: "planning and delegation"},
		{ID: "backend", Name: "Backend", Kind: persistence.KindWorker, Enabled: true, Responsibility: "Go services, SQL migrations and API handlers"},
		{ID: "frontend", Name: "Frontend", Kind: persistence.KindWorker, Enabled: true, Responsibility: "React components, CSS and accessibility"},
		{ID: "reviewer", Name: "Reviewer", Kind: persistence.KindReviewer, Enabled: true, Responsibility: "code review and security audits"},
		{ID: "slack", Name: "Slack", Kind: persistence.KindConnector, Enabled: true, Responsibility: "React to chat messages"},
		{ID: "retired", Name: "Retired", Kind: persistence.KindWorker, Enabled: false, Responsibility: "React components"},
	}
}

func route(t *testing.T, r *KeywordRouter, to, title, content string) *orchestrator.RouteDecision {
	t.Helper()
	d, err := r.Route(context.Background(), orchestrator.RouteRequest{
		FromAgentID:        "architect",
		RequestedToAgentID: to,
		Title:              title,
		Content:            content,
		Agents:             roster(),
	})
	require.NoError(t, err)
	return d
}

func TestRoute_ReroutesOnClearMargin(t *testing.T) {
	r := New(Config{MinMargin: 1})
	d := route(t, r, "backend", "Fix button layout", "The React components overflow; adjust the CSS.")
	require.NotNil(t, d)
	assert.Equal(t, "frontend", d.ToAgentID)
	assert.Equal(t, "frontend: matched react, components, css (score 3 vs 0 for backend)", d.Rationale)
	assert.InDelta(t, 1.0, d.Confidence, 1e-9)
	assert.Equal(t, "Relevant expertise: react, components, css.", d.TaskBrief)
}

func TestRoute_KeepsRequestedInsideMargin(t *testing.T) {
	r := New(Config{MinMargin: 3})
	d := route(t, r, "backend", "Add API handlers", "Also touch the CSS a bit.")
	require.NotNil(t, d)
	// backend scores 2 (api, handlers), frontend 1 (css): lead of 1 < 3.
	assert.Equal(t, "backend", d.ToAgentID)

	d = route(t, r, "reviewer", "Add API handlers", "Also touch the CSS a bit.")
	require.NotNil(t, d)
	// backend leads reviewer by 2 < 3.
	assert.Equal(t, "reviewer", d.ToAgentID)
	assert.Empty(t, d.TaskBrief)
	assert.Zero(t, d.Confidence)
}

func TestRoute_NameMention(t *testing.T) {
	r := New(Config{MinMargin: 1})
	d := route(t, r, "backend", "Ask the reviewer to look at this", "")
	require.NotNil(t, d)
	assert.Equal(t, "reviewer", d.ToAgentID)
	assert.Contains(t, d.Rationale, "matched reviewer")
}

func TestRoute_NoMatchReturnsNil(t *testing.T) {
	r := New(Config{})
	assert.Nil(t, route(t, r, "backend", "Water the plants", "before Friday"))
}

func TestRoute_Eligibility(t *testing.T) {
	r := New(Config{MinMargin: 1})
	// Only the sender and the connector match; neither is eligible.
	d := route(t, r, "backend", "planning delegation for chat messages", "")
	assert.Nil(t, d)
}

func TestRoute_TieFavoursRequested(t *testing.T) {
	r := New(Config{MinMargin: 0})
	d := route(t, r, "frontend", "sql and css", "")
	require.NotNil(t, d)
	assert.Equal(t, "frontend", d.ToAgentID)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
}

func TestRoute_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{}).Route(ctx, orchestrator.RouteRequest{Agents: roster()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestKeywords(t *testing.T) {
	assert.Equal(t, []string{"services", "sql", "migrations", "api", "handlers"},
		Keywords("Go services, SQL migrations and API handlers; services"))
	assert.Equal(t, []string{"front-end", "ci_cd"}, Keywords("front-end / ci_cd -- ui"))
	assert.Empty(t, Keywords(""))
}

func TestMatchesWord(t *testing.T) {
	assert.True(t, matchesWord("fix the sql query", "sql"))
	assert.False(t, matchesWord("postgresql tuning", "sql"))
	assert.True(t, matchesWord("mysql then sql", "sql"))
	assert.False(t, matchesWord("", "sql"))
}
