package task

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrMissingFrontMatter indicates the document did not start with a YAML fence.
	ErrMissingFrontMatter = errors.New("task: missing frontmatter")
	// ErrMalformedFrontMatter indicates the YAML block could not be parsed or is
	// missing required fields.
	ErrMalformedFrontMatter = errors.New("task: malformed frontmatter")
)

const timeLayout = time.RFC3339

// frontMatter is the on-disk YAML envelope. Field order here drives the
// deterministic re-emission order required by the round-trip law.
type frontMatter struct {
	ID               string              `yaml:"id"`
	SchemaVersion    int                 `yaml:"schemaVersion"`
	Project          string              `yaml:"project"`
	Title            string              `yaml:"title"`
	Status           Status              `yaml:"status"`
	Priority         Priority            `yaml:"priority"`
	Routing          *yamlRouting        `yaml:"routing,omitempty"`
	SLA              *yamlSLA            `yaml:"sla,omitempty"`
	Lease            *Lease              `yaml:"lease,omitempty"`
	DependsOn        []string            `yaml:"dependsOn,omitempty"`
	ParentID         string              `yaml:"parentId,omitempty"`
	Gate             *GateRef            `yaml:"gate,omitempty"`
	GateHistory      []GateHistoryEntry  `yaml:"gateHistory,omitempty"`
	ReviewContext    *ReviewContext      `yaml:"reviewContext,omitempty"`
	Tests            []BDDSpec           `yaml:"tests,omitempty"`
	Resource         string              `yaml:"resource,omitempty"`
	Metadata         map[string]string   `yaml:"metadata,omitempty"`
	CreatedAt        string              `yaml:"createdAt"`
	UpdatedAt        string              `yaml:"updatedAt"`
	LastTransitionAt string              `yaml:"lastTransitionAt,omitempty"`
	CreatedBy        string              `yaml:"createdBy,omitempty"`
	ContentHash      string              `yaml:"contentHash,omitempty"`
	// RequiredRunbook accepts the legacy snake_case alias `required_runbook` on
	// read; it is not otherwise interpreted by the core.
	RequiredRunbook string `yaml:"required_runbook,omitempty"`
}

type yamlRouting struct {
	Agent    string   `yaml:"agent,omitempty"`
	Role     string   `yaml:"role,omitempty"`
	Team     string   `yaml:"team,omitempty"`
	Tags     []string `yaml:"tags,omitempty"`
	Workflow string   `yaml:"workflow,omitempty"`
}

type yamlSLA struct {
	MaxInProgressMs int64              `yaml:"maxInProgressMs,omitempty"`
	OnViolation     SLAViolationPolicy `yaml:"onViolation,omitempty"`
}

// ParseFrontMatter extracts the task metadata block and markdown body from a
// document that starts with `---` YAML fences.
func ParseFrontMatter(content []byte) (Task, error) {
	if len(content) == 0 {
		return Task{}, ErrMissingFrontMatter
	}
	normalized := bytes.ReplaceAll(content, []byte("\r\n"), []byte("\n"))
	if !bytes.HasPrefix(normalized, []byte("---\n")) {
		return Task{}, ErrMissingFrontMatter
	}
	rest := normalized[4:]
	parts := bytes.SplitN(rest, []byte("\n---\n"), 2)
	if len(parts) < 2 {
		return Task{}, ErrMalformedFrontMatter
	}
	var fm frontMatter
	if err := yaml.Unmarshal(parts[0], &fm); err != nil {
		return Task{}, fmt.Errorf("%w: %v", ErrMalformedFrontMatter, err)
	}
	t, err := fm.toTask()
	if err != nil {
		return Task{}, err
	}
	t.Body = string(bytes.TrimPrefix(parts[1], []byte("\n")))
	return t, nil
}

// WriteFrontMatter renders a task's metadata + body with YAML fences, using a
// deterministic key order so Serialize(Deserialize(x)) == x.
func WriteFrontMatter(t Task) ([]byte, error) {
	if t.ID == "" {
		return nil, fmt.Errorf("task: id is required to serialize")
	}
	fm := fromTask(t)
	data, err := yaml.Marshal(fm)
	if err != nil {
		return nil, fmt.Errorf("task: encode frontmatter: %w", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(bytes.TrimRight(data, "\n"))
	buf.WriteString("\n---\n\n")
	buf.WriteString(t.Body)
	return buf.Bytes(), nil
}

func (fm frontMatter) toTask() (Task, error) {
	if fm.ID == "" {
		return Task{}, fmt.Errorf("%w: missing id", ErrMalformedFrontMatter)
	}
	if fm.Project == "" {
		return Task{}, fmt.Errorf("%w: missing project", ErrMalformedFrontMatter)
	}
	if !fm.Status.Valid() {
		return Task{}, fmt.Errorf("%w: unknown status %q", ErrMalformedFrontMatter, fm.Status)
	}
	created, err := parseTimeField(fm.CreatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("%w: createdAt: %v", ErrMalformedFrontMatter, err)
	}
	updated, err := parseTimeField(fm.UpdatedAt)
	if err != nil {
		return Task{}, fmt.Errorf("%w: updatedAt: %v", ErrMalformedFrontMatter, err)
	}
	lastTransition := updated
	if strings.TrimSpace(fm.LastTransitionAt) != "" {
		lastTransition, err = parseTimeField(fm.LastTransitionAt)
		if err != nil {
			return Task{}, fmt.Errorf("%w: lastTransitionAt: %v", ErrMalformedFrontMatter, err)
		}
	}
	t := Task{
		ID:               fm.ID,
		SchemaVersion:    fm.SchemaVersion,
		Project:          fm.Project,
		Title:            fm.Title,
		Status:           fm.Status,
		Priority:         fm.Priority.normalized(),
		SLA:              SLA{},
		Lease:            fm.Lease.clone(),
		DependsOn:        cloneStrings(fm.DependsOn),
		ParentID:         fm.ParentID,
		Gate:             fm.Gate.clone(),
		ReviewContext:    fm.ReviewContext.clone(),
		Resource:         fm.Resource,
		Metadata:         cloneStringMap(fm.Metadata),
		CreatedAt:        created,
		UpdatedAt:        updated,
		LastTransitionAt: lastTransition,
		CreatedBy:        fm.CreatedBy,
		ContentHash:      fm.ContentHash,
	}
	if fm.Routing != nil {
		t.Routing = Routing{
			Agent:    fm.Routing.Agent,
			Role:     fm.Routing.Role,
			Team:     fm.Routing.Team,
			Tags:     cloneStrings(fm.Routing.Tags),
			Workflow: fm.Routing.Workflow,
		}
	}
	if fm.SLA != nil {
		t.SLA = SLA{MaxInProgressMs: fm.SLA.MaxInProgressMs, OnViolation: fm.SLA.OnViolation}
	}
	if len(fm.GateHistory) > 0 {
		t.GateHistory = append([]GateHistoryEntry(nil), fm.GateHistory...)
	}
	if len(fm.Tests) > 0 {
		t.Tests = append([]BDDSpec(nil), fm.Tests...)
	}
	if t.Metadata == nil && strings.TrimSpace(fm.RequiredRunbook) != "" {
		t.Metadata = map[string]string{}
	}
	if strings.TrimSpace(fm.RequiredRunbook) != "" {
		t.Metadata["requiredRunbook"] = fm.RequiredRunbook
	}
	return t, nil
}

func fromTask(t Task) frontMatter {
	fm := frontMatter{
		ID:               t.ID,
		SchemaVersion:    t.SchemaVersion,
		Project:          t.Project,
		Title:            t.Title,
		Status:           t.Status,
		Priority:         t.Priority.normalized(),
		Lease:            t.Lease.clone(),
		DependsOn:        cloneStrings(t.DependsOn),
		ParentID:         t.ParentID,
		Gate:             t.Gate.clone(),
		ReviewContext:    t.ReviewContext.clone(),
		Resource:         t.Resource,
		Metadata:         cloneStringMap(t.Metadata),
		CreatedAt:        t.CreatedAt.UTC().Format(timeLayout),
		UpdatedAt:        t.UpdatedAt.UTC().Format(timeLayout),
		LastTransitionAt: t.LastTransitionAt.UTC().Format(timeLayout),
		CreatedBy:        t.CreatedBy,
		ContentHash:      t.ContentHash,
	}
	if t.Routing.HasTarget() || len(t.Routing.Tags) > 0 || t.Routing.Workflow != "" {
		fm.Routing = &yamlRouting{
			Agent: t.Routing.Agent, Role: t.Routing.Role, Team: t.Routing.Team,
			Tags: cloneStrings(t.Routing.Tags), Workflow: t.Routing.Workflow,
		}
	}
	if t.SLA.MaxInProgressMs > 0 || t.SLA.OnViolation != "" {
		fm.SLA = &yamlSLA{MaxInProgressMs: t.SLA.MaxInProgressMs, OnViolation: t.SLA.OnViolation}
	}
	if len(t.GateHistory) > 0 {
		fm.GateHistory = append([]GateHistoryEntry(nil), t.GateHistory...)
	}
	if len(t.Tests) > 0 {
		fm.Tests = append([]BDDSpec(nil), t.Tests...)
	}
	return fm
}

func parseTimeField(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, err
	}
	return parsed.UTC(), nil
}
