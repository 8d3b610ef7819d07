// Package protocol parses, validates, authorizes, and applies structured
// messages agents send back to the engine: status updates, completion
// reports, and subtask handoffs (§4.6 of the design spec).
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ProtocolName is the only accepted value for Envelope.Protocol.
const ProtocolName = "aof"

// CurrentVersion is the only accepted value for Envelope.Version.
const CurrentVersion = 1

// MessageType enumerates the recognized envelope types.
type MessageType string

const (
	TypeHandoffRequest  MessageType = "handoff.request"
	TypeHandoffAccepted MessageType = "handoff.accepted"
	TypeHandoffRejected MessageType = "handoff.rejected"
	TypeStatusUpdate    MessageType = "status.update"
	TypeCompletionReport MessageType = "completion.report"
)

// Size limits enforced on payload fields (§4.6).
const (
	maxSummaryRefLen = 256
	maxNotesLen      = 10_000
	maxProgressLen   = 1_000
	maxReasonLen     = 512
	maxArrayItemLen  = 256
	maxArrayCount    = 50
	maxBlockersCount = 20
)

// Envelope is the wire message an agent sends to report progress, hand off
// a subtask, or finish its work.
type Envelope struct {
	Protocol    string          `json:"protocol"`
	Version     int             `json:"version"`
	ProjectID   string          `json:"projectId"`
	TaskRelpath string          `json:"taskRelpath,omitempty"`
	TaskID      string          `json:"taskId"`
	FromAgent   string          `json:"fromAgent"`
	ToAgent     string          `json:"toAgent,omitempty"`
	SentAt      time.Time       `json:"sentAt"`
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
}

// envelopeAlias exists purely so UnmarshalJSON can accept project_id as a
// snake_case alias for projectId without recursing into itself.
type envelopeAlias Envelope

type envelopeWire struct {
	envelopeAlias
	ProjectIDSnake string `json:"project_id"`
}

// UnmarshalJSON accepts project_id as an alias for projectId.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*e = Envelope(wire.envelopeAlias)
	if e.ProjectID == "" && wire.ProjectIDSnake != "" {
		e.ProjectID = wire.ProjectIDSnake
	}
	return nil
}

// TestReport is the test outcome summary attached to a completion report.
type TestReport struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
	Total  int `json:"total"`
}

// Validate checks that the report's counts are internally consistent.
func (r TestReport) Validate() error {
	if r.Passed+r.Failed > r.Total {
		return fmt.Errorf("protocol: test report passed+failed (%d) exceeds total (%d)", r.Passed+r.Failed, r.Total)
	}
	return nil
}

// StatusUpdatePayload is the payload shape for status.update.
type StatusUpdatePayload struct {
	Status   string   `json:"status"`
	Progress string   `json:"progress,omitempty"`
	Notes    string   `json:"notes,omitempty"`
	Blockers []string `json:"blockers,omitempty"`
}

// CompletionReportPayload is the payload shape for completion.report.
type CompletionReportPayload struct {
	Outcome      string      `json:"outcome"`
	Summary      string      `json:"summary,omitempty"`
	Notes        string      `json:"notes,omitempty"`
	Deliverables []string    `json:"deliverables,omitempty"`
	ContextRefs  []string    `json:"contextRefs,omitempty"`
	Acceptance   []string    `json:"acceptance,omitempty"`
	Outputs      []string    `json:"outputs,omitempty"`
	Constraints  []string    `json:"constraints,omitempty"`
	Blockers     []string    `json:"blockers,omitempty"`
	TestReport   *TestReport `json:"testReport,omitempty"`
}

// HandoffRequestPayload is the payload shape for handoff.request.
type HandoffRequestPayload struct {
	Title       string   `json:"title"`
	Body        string   `json:"body,omitempty"`
	SummaryRef  string   `json:"summaryRef,omitempty"`
	ContextRefs []string `json:"contextRefs,omitempty"`
}

// HandoffRejectedPayload is the payload shape for handoff.rejected.
type HandoffRejectedPayload struct {
	Reason string `json:"reason,omitempty"`
}

// Normalize trims whitespace and defaults Version before validation.
func (e *Envelope) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = CurrentVersion
	}
	e.Protocol = strings.TrimSpace(e.Protocol)
	e.ProjectID = strings.TrimSpace(e.ProjectID)
	e.TaskID = strings.TrimSpace(e.TaskID)
	e.FromAgent = strings.TrimSpace(e.FromAgent)
	e.ToAgent = strings.TrimSpace(e.ToAgent)
	e.Type = MessageType(strings.TrimSpace(string(e.Type)))
}

// Validate enforces the envelope-level schema requirements (§4.6): protocol,
// version, required ids, and a recognized type. It does not look at the
// payload; payload decoding and size limits are checked during Apply, where
// malformed payloads are rejected per message type.
func (e Envelope) Validate() error {
	if e.Protocol != ProtocolName {
		return fmt.Errorf("protocol %q not supported", e.Protocol)
	}
	if e.Version != CurrentVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.ProjectID == "" {
		return fmt.Errorf("projectId is required")
	}
	if e.TaskID == "" {
		return fmt.Errorf("taskId is required")
	}
	if e.FromAgent == "" {
		return fmt.Errorf("fromAgent is required")
	}
	switch e.Type {
	case TypeHandoffRequest, TypeHandoffAccepted, TypeHandoffRejected, TypeStatusUpdate, TypeCompletionReport:
	default:
		return fmt.Errorf("type %q is not recognized", e.Type)
	}
	return nil
}

func checkLen(field, value string, limit int) error {
	if len(value) > limit {
		return fmt.Errorf("protocol: %s exceeds %d characters", field, limit)
	}
	return nil
}

func checkArray(field string, items []string, maxCount, maxItemLen int) error {
	if len(items) > maxCount {
		return fmt.Errorf("protocol: %s has %d items, limit %d", field, len(items), maxCount)
	}
	for _, item := range items {
		if len(item) > maxItemLen {
			return fmt.Errorf("protocol: %s item exceeds %d characters", field, maxItemLen)
		}
	}
	return nil
}

// ValidateStatusUpdate enforces size limits on a status.update payload.
func ValidateStatusUpdate(p StatusUpdatePayload) error {
	if err := checkLen("progress", p.Progress, maxProgressLen); err != nil {
		return err
	}
	if err := checkLen("notes", p.Notes, maxNotesLen); err != nil {
		return err
	}
	return checkArray("blockers", p.Blockers, maxBlockersCount, maxArrayItemLen)
}

// ValidateCompletionReport enforces size limits on a completion.report
// payload.
func ValidateCompletionReport(p CompletionReportPayload) error {
	if err := checkLen("notes", p.Notes, maxNotesLen); err != nil {
		return err
	}
	for _, check := range []struct {
		name  string
		items []string
	}{
		{"deliverables", p.Deliverables},
		{"contextRefs", p.ContextRefs},
		{"acceptance", p.Acceptance},
		{"outputs", p.Outputs},
		{"constraints", p.Constraints},
	} {
		if err := checkArray(check.name, check.items, maxArrayCount, maxArrayItemLen); err != nil {
			return err
		}
	}
	if err := checkArray("blockers", p.Blockers, maxBlockersCount, maxArrayItemLen); err != nil {
		return err
	}
	if p.TestReport != nil {
		return p.TestReport.Validate()
	}
	return nil
}

// ValidateHandoffRequest enforces size limits on a handoff.request payload.
func ValidateHandoffRequest(p HandoffRequestPayload) error {
	if err := checkLen("summaryRef", p.SummaryRef, maxSummaryRefLen); err != nil {
		return err
	}
	return checkArray("contextRefs", p.ContextRefs, maxArrayCount, maxArrayItemLen)
}

// ValidateHandoffRejected enforces size limits on a handoff.rejected
// payload.
func ValidateHandoffRejected(p HandoffRejectedPayload) error {
	return checkLen("reason", p.Reason, maxReasonLen)
}

// Extract pulls the envelope JSON out of a raw inbound event, trying (in
// order) event.payload, event.message, event.content, then the event
// itself. An event that carries a top-level protocol field is taken as the
// envelope itself, so an envelope's own payload field is not mistaken for a
// wrapper. A string value may carry an optional "AOF/1 " prefix before the
// JSON body.
func Extract(raw map[string]any) ([]byte, error) {
	if _, ok := raw["protocol"]; ok {
		return json.Marshal(raw)
	}
	for _, key := range []string{"payload", "message", "content"} {
		if v, ok := raw[key]; ok {
			return extractValue(v)
		}
	}
	return json.Marshal(raw)
}

func extractValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case string:
		body := strings.TrimSpace(val)
		body = strings.TrimPrefix(body, "AOF/1 ")
		return []byte(strings.TrimSpace(body)), nil
	default:
		return json.Marshal(val)
	}
}

// Parse extracts, unmarshals, normalizes, and validates an envelope from a
// raw inbound event.
func Parse(raw map[string]any) (Envelope, error) {
	body, err := Extract(raw)
	if err != nil {
		return Envelope{}, fmt.Errorf("invalid JSON")
	}
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("invalid JSON")
	}
	env.Normalize()
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}
