package protocol

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Router is the single entry point for inbound agent messages: it extracts
// the envelope from whatever shape the transport handed it, validates,
// authorizes, applies the effect, and emits the resulting event.
type Router struct {
	deps Deps
	log  zerolog.Logger
}

// NewRouter builds a Router over deps. A zero-value logger is fine; it
// simply discards.
func NewRouter(deps Deps, logger zerolog.Logger) *Router {
	return &Router{deps: deps, log: logger}
}

// HandleRaw implements the full parse/validate/authorize/apply pipeline
// over one inbound event, already decoded into a generic map (as a JSON
// HTTP body would be).
func (r *Router) HandleRaw(raw map[string]any) Outcome {
	env, err := Parse(raw)
	if err != nil {
		r.log.Warn().Err(err).Msg("protocol: rejected envelope")
		r.logRejected("", err.Error())
		return Outcome{Event: "protocol.message.rejected", Reason: err.Error()}
	}
	outcome, err := Apply(r.deps, env)
	if err != nil {
		r.log.Error().Err(err).Str("taskId", env.TaskID).Msg("protocol: apply failed")
		return Outcome{Event: "protocol.message.rejected", TaskID: env.TaskID, Reason: "apply_failed"}
	}
	return outcome
}

// HandleBytes decodes raw JSON bytes into the generic map HandleRaw expects.
func (r *Router) HandleBytes(body []byte) Outcome {
	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		r.logRejected("", "invalid JSON")
		return Outcome{Event: "protocol.message.rejected", Reason: "invalid JSON"}
	}
	return r.HandleRaw(raw)
}

func (r *Router) logRejected(taskID, reason string) {
	if r.deps.Log == nil {
		return
	}
	r.deps.logEvent("protocol.message.rejected", taskID, map[string]any{"reason": reason})
}
