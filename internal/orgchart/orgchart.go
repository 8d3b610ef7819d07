// Package orgchart loads the read-only roster of agents, teams, and roles the
// scheduler consults when resolving a task's routing target to a concrete
// agent id.
package orgchart

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Agent describes one dispatchable agent and the capabilities it advertises.
type Agent struct {
	ID           string   `yaml:"id"`
	Role         string   `yaml:"role"`
	Team         string   `yaml:"team,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
	Disabled     bool     `yaml:"disabled,omitempty"`
}

// Team groups agents under a shared name, independent of role.
type Team struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members,omitempty"`
}

// Doc is the on-disk org chart schema (orgchart.yaml).
type Doc struct {
	Version int     `yaml:"version"`
	Agents  []Agent `yaml:"agents"`
	Teams   []Team  `yaml:"teams,omitempty"`
}

// Validate checks the document against the schema invariants: version 1,
// every agent has an id and role, no duplicate agent ids, and every team
// member refers to a declared agent.
func Validate(doc *Doc) []error {
	var errs []error
	if doc == nil {
		return []error{fmt.Errorf("orgchart: document is nil")}
	}
	if doc.Version != 1 {
		errs = append(errs, fmt.Errorf("orgchart: version must be 1"))
	}
	if len(doc.Agents) == 0 {
		errs = append(errs, fmt.Errorf("orgchart: agents list is required"))
	}
	seen := map[string]struct{}{}
	for i, a := range doc.Agents {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("orgchart: agents[%d].id is required", i))
			continue
		}
		if _, dup := seen[a.ID]; dup {
			errs = append(errs, fmt.Errorf("orgchart: agents[%d].id duplicates %q", i, a.ID))
		}
		seen[a.ID] = struct{}{}
		if a.Role == "" {
			errs = append(errs, fmt.Errorf("orgchart: agent %q: role is required", a.ID))
		}
	}
	for i, team := range doc.Teams {
		if team.Name == "" {
			errs = append(errs, fmt.Errorf("orgchart: teams[%d].name is required", i))
		}
		for _, member := range team.Members {
			if _, ok := seen[member]; !ok {
				errs = append(errs, fmt.Errorf("orgchart: team %q references unknown agent %q", team.Name, member))
			}
		}
	}
	return errs
}

// Chart is the loaded, queryable org chart used by the scheduler's routing
// resolver.
type Chart struct {
	agents     map[string]Agent
	byRole     map[string][]Agent
	byTeam     map[string][]Agent
	byCapability map[string][]Agent
}

// Load reads and validates an org chart YAML file from path.
func Load(path string) (*Chart, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("orgchart: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a Chart from raw YAML bytes.
func Parse(data []byte) (*Chart, error) {
	var doc Doc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("orgchart: decode: %w", err)
	}
	if errs := Validate(&doc); len(errs) > 0 {
		return nil, fmt.Errorf("orgchart: invalid document: %w", joinErrors(errs))
	}
	return build(doc), nil
}

func build(doc Doc) *Chart {
	c := &Chart{
		agents:       map[string]Agent{},
		byRole:       map[string][]Agent{},
		byTeam:       map[string][]Agent{},
		byCapability: map[string][]Agent{},
	}
	for _, a := range doc.Agents {
		c.agents[a.ID] = a
		c.byRole[a.Role] = append(c.byRole[a.Role], a)
		if a.Team != "" {
			c.byTeam[a.Team] = append(c.byTeam[a.Team], a)
		}
		for _, capability := range a.Capabilities {
			c.byCapability[capability] = append(c.byCapability[capability], a)
		}
	}
	return c
}

// Agent returns the agent with the given id, if any and not disabled.
func (c *Chart) Agent(id string) (Agent, bool) {
	a, ok := c.agents[id]
	if !ok || a.Disabled {
		return Agent{}, false
	}
	return a, true
}

// ResolveRole returns the first non-disabled agent in role, in declaration
// order. Deterministic ordering matters: the scheduler must produce the same
// assignment given the same chart and the same candidate set.
func (c *Chart) ResolveRole(role string) (Agent, bool) {
	for _, a := range c.byRole[role] {
		if !a.Disabled {
			return a, true
		}
	}
	return Agent{}, false
}

// ResolveTeam returns the first non-disabled agent belonging to team.
func (c *Chart) ResolveTeam(team string) (Agent, bool) {
	for _, a := range c.byTeam[team] {
		if !a.Disabled {
			return a, true
		}
	}
	return Agent{}, false
}

// ResolveCapability returns the first non-disabled agent advertising tag.
func (c *Chart) ResolveCapability(tag string) (Agent, bool) {
	for _, a := range c.byCapability[tag] {
		if !a.Disabled {
			return a, true
		}
	}
	return Agent{}, false
}

func joinErrors(errs []error) error {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.Error()
	}
	return fmt.Errorf("%s", strings.Join(parts, "; "))
}
