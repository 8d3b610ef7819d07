package orgchart

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/d0labs/aof-sub004/internal/task"
)

const sampleChart = `
version: 1
agents:
  - id: agent-backend-1
    role: backend-engineer
    team: platform
    capabilities: [go, postgres]
  - id: agent-backend-2
    role: backend-engineer
    team: platform
    disabled: true
  - id: agent-reviewer-1
    role: reviewer
    team: platform
teams:
  - name: platform
    members: [agent-backend-1, agent-backend-2, agent-reviewer-1]
`

func TestParseAndResolve(t *testing.T) {
	chart, err := Parse([]byte(sampleChart))
	require.NoError(t, err)

	agent, ok := chart.ResolveRole("backend-engineer")
	require.True(t, ok)
	assert.Equal(t, "agent-backend-1", agent.ID, "disabled agent-backend-2 must be skipped")

	_, ok = chart.Agent("agent-backend-2")
	assert.False(t, ok, "disabled agents are not resolvable by id")

	agent, ok = chart.ResolveCapability("postgres")
	require.True(t, ok)
	assert.Equal(t, "agent-backend-1", agent.ID)
}

func TestResolveRoutingPrefersAgentOverRole(t *testing.T) {
	chart, err := Parse([]byte(sampleChart))
	require.NoError(t, err)

	routing := task.Routing{Agent: "agent-reviewer-1", Role: "backend-engineer"}
	agent, ok := chart.ResolveRouting(routing)
	require.True(t, ok)
	assert.Equal(t, "agent-reviewer-1", agent.ID)
}

func TestResolveRoutingFallsBackToTags(t *testing.T) {
	chart, err := Parse([]byte(sampleChart))
	require.NoError(t, err)

	routing := task.Routing{Tags: []string{"go"}}
	agent, ok := chart.ResolveRouting(routing)
	require.True(t, ok)
	assert.Equal(t, "agent-backend-1", agent.ID)
}

func TestValidateRejectsUnknownTeamMember(t *testing.T) {
	doc := Doc{
		Version: 1,
		Agents:  []Agent{{ID: "a1", Role: "r"}},
		Teams:   []Team{{Name: "t1", Members: []string{"ghost"}}},
	}
	errs := Validate(&doc)
	require.NotEmpty(t, errs)
}

func TestValidateRejectsDuplicateAgentID(t *testing.T) {
	doc := Doc{
		Version: 1,
		Agents: []Agent{
			{ID: "a1", Role: "r"},
			{ID: "a1", Role: "r2"},
		},
	}
	errs := Validate(&doc)
	require.NotEmpty(t, errs)
}
