package orgchart

import "github.com/d0labs/aof-sub004/internal/task"

// ResolveRouting resolves a task's routing to a concrete agent id. The first
// of agent, role, team that is set decides the result, with no fallback to
// the later fields if it does not resolve; tags are tried, in order, only
// when none of the three is set. Returns false if nothing resolves.
func (c *Chart) ResolveRouting(r task.Routing) (Agent, bool) {
	if r.Agent != "" {
		return c.Agent(r.Agent)
	}
	if r.Role != "" {
		return c.ResolveRole(r.Role)
	}
	if r.Team != "" {
		return c.ResolveTeam(r.Team)
	}
	for _, tag := range r.Tags {
		if a, ok := c.ResolveCapability(tag); ok {
			return a, true
		}
	}
	return Agent{}, false
}
