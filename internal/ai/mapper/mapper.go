// Package mapper implements the stateful, single-threaded-per-turn
// translator from an RPC engine's raw JSON-RPC notifications and
// responses into the normalized ai.EngineEvent stream.
//
// A Mapper is pure with respect to I/O: every method only returns events
// to emit, never performs a side effect itself. It is not safe for
// concurrent use — each turn constructs its own Mapper so correlation
// state never leaks across turns.
package mapper

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/turncore/turncore-agent/internal/ai"
)

// IDGenerator mints internal action ids. Tests inject a deterministic one;
// production wires uuid.NewString.
type IDGenerator func() string

type Mapper struct {
	newID IDGenerator

	// engineActionID -> internal actionId, populated at first sight
	// ("item/started") and consulted by every later output-delta/completion
	// event for the same engine action id.
	actionsByEngineID map[string]string

	// FIFO queue of internal action ids started without an engine id,
	// resolved in arrival order by the next id-less completion/delta.
	unkeyedQueue []string

	// streamed item ids whose content has already been emitted as deltas;
	// a later "final" payload for the same id is dropped.
	streamedItemIDs map[string]struct{}

	usage ai.UsageLimitsSnapshot
}

func New(newID IDGenerator) *Mapper {
	return &Mapper{
		newID:             newID,
		actionsByEngineID: make(map[string]string),
		streamedItemIDs:   make(map[string]struct{}),
	}
}

// NormalizeMethod folds a raw method name to the mapper's matching form:
// dots and underscores become slashes, case is folded.
func NormalizeMethod(method string) string {
	m := strings.ToLower(strings.TrimSpace(method))
	m = strings.ReplaceAll(m, ".", "/")
	m = strings.ReplaceAll(m, "_", "/")
	return m
}

// resolveActionID implements the action-id correlation algorithm: known
// engine ids map directly; an id-less action is tracked by FIFO position;
// an unseen engine id at completion time gets a freshly synthesized
// internal id (treated as started-and-completed in the same event).
func (m *Mapper) resolveActionID(engineActionID string) string {
	engineActionID = strings.TrimSpace(engineActionID)
	if engineActionID == "" {
		if len(m.unkeyedQueue) > 0 {
			id := m.unkeyedQueue[0]
			m.unkeyedQueue = m.unkeyedQueue[1:]
			return id
		}
		return m.newID()
	}
	if id, ok := m.actionsByEngineID[engineActionID]; ok {
		return id
	}
	id := m.newID()
	m.actionsByEngineID[engineActionID] = id
	return id
}

// MapNotification translates one engine notification into zero or more
// EngineEvents. method is the raw (pre-normalization) method name.
func (m *Mapper) MapNotification(method string, params json.RawMessage) []ai.EngineEvent {
	p := gjson.ParseBytes(params)

	switch NormalizeMethod(method) {
	case "turn/started":
		return []ai.EngineEvent{ai.TurnStarted()}

	case "item/started":
		engineID := firstString(p, "item_id", "id")
		actionType := ai.ActionType(p.Get("type").String())
		if actionType == "" {
			actionType = ai.ActionOther
		}
		internalID := engineID
		if internalID == "" {
			id := m.newID()
			m.unkeyedQueue = append(m.unkeyedQueue, id)
			internalID = id
		} else {
			id := m.newID()
			m.actionsByEngineID[engineID] = id
			internalID = id
		}
		details := detailsMap(p.Get("details"))
		return []ai.EngineEvent{ai.ActionStarted(internalID, engineID, actionType, p.Get("summary").String(), details)}

	case "item/output/delta":
		engineID := firstString(p, "item_id", "id")
		actionID := m.resolveActionID(engineID)
		stream := ai.StreamStdout
		if p.Get("stream").String() == "stderr" {
			stream = ai.StreamStderr
		}
		return []ai.EngineEvent{ai.ActionOutputDelta(actionID, stream, p.Get("content").String())}

	case "item/completed":
		engineID := firstString(p, "item_id", "id")
		actionID := m.resolveActionID(engineID)
		res := ai.ActionResult{
			Success:    p.Get("result.success").Bool(),
			DurationMS: p.Get("result.duration_ms").Int(),
		}
		if v := p.Get("result.output"); v.Exists() {
			s := v.String()
			res.Output = &s
		}
		if v := p.Get("result.error"); v.Exists() {
			s := v.String()
			res.Error = &s
		}
		if v := p.Get("result.diff"); v.Exists() {
			s := v.String()
			res.Diff = &s
		}
		return []ai.EngineEvent{ai.ActionCompleted(actionID, res)}

	case "agent/message/delta":
		itemID := firstString(p, "item_id", "id")
		if itemID != "" {
			m.streamedItemIDs[itemID] = struct{}{}
		}
		return []ai.EngineEvent{ai.TextDelta(p.Get("delta").String())}

	case "agent/message":
		// Final payload for a message: dropped if this item already
		// streamed deltas.
		itemID := firstString(p, "item_id", "id")
		if itemID != "" {
			if _, streamed := m.streamedItemIDs[itemID]; streamed {
				return nil
			}
		}
		return []ai.EngineEvent{ai.TextDelta(p.Get("content").String())}

	case "thinking/delta":
		return []ai.EngineEvent{ai.ThinkingDelta(p.Get("delta").String())}

	case "diff/updated":
		scope := ai.DiffScope(p.Get("scope").String())
		if scope == "" {
			scope = ai.DiffScopeTurn
		}
		return []ai.EngineEvent{ai.DiffUpdated(p.Get("diff").String(), scope)}

	case "usage/snapshot":
		next := parseUsageSnapshot(p)
		merged, changed := m.usage.Merge(next)
		m.usage = merged
		if !changed {
			return nil
		}
		return []ai.EngineEvent{ai.UsageLimitsUpdated(merged)}

	case "transport/eof":
		return []ai.EngineEvent{ai.NewErrorEvent("engine transport closed unexpectedly", false)}

	case "transport/parse/error":
		// The transport logs the malformed line and keeps reading; the
		// turn goes on without an event for it.
		return nil

	default:
		// Unrecognized notifications are logged by the caller and skipped;
		// no event to fold.
		return nil
	}
}

// MapServerRequest handles a server-initiated request (method+id). It
// reports whether the request is a recognized approval-initiating method;
// if not, the caller must send an error RPC response and the returned
// event already carries the user-facing recoverable Error block.
func (m *Mapper) MapServerRequest(method string, params json.RawMessage) (event ai.EngineEvent, approvalID string, recognized bool) {
	p := gjson.ParseBytes(params)

	switch NormalizeMethod(method) {
	case "approval/request", "tool/approval/request", "permission/request":
		id := firstString(p, "approval_id", "item_id", "call_id", "id")
		actionType := ai.ActionType(p.Get("action_type").String())
		if actionType == "" {
			actionType = ai.ActionOther
		}
		details := detailsMap(p.Get("details"))
		return ai.ApprovalRequested(id, actionType, p.Get("summary").String(), details), id, true

	default:
		msg := "unsupported server request: " + method
		return ai.NewErrorEvent(msg, true), "", false
	}
}

// MapTurnResult extracts token usage from a turn/start response payload
// and folds it into the closing TurnCompleted event.
func (m *Mapper) MapTurnResult(outcome ai.TurnOutcome, result json.RawMessage) ai.EngineEvent {
	p := gjson.ParseBytes(result)
	usage := extractTokenUsage(p)
	return ai.TurnCompleted(outcome, usage)
}

func firstString(p gjson.Result, paths ...string) string {
	for _, path := range paths {
		if v := p.Get(path); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func detailsMap(v gjson.Result) map[string]any {
	if !v.Exists() || !v.IsObject() {
		return nil
	}
	var out map[string]any
	_ = json.Unmarshal([]byte(v.Raw), &out)
	return out
}

// extractTokenUsage tries several known wire shapes for usage accounting.
func extractTokenUsage(p gjson.Result) *ai.TokenUsage {
	candidates := [][2]string{
		{"usage.input_tokens", "usage.output_tokens"},
		{"token_usage.input", "token_usage.output"},
		{"usage.prompt_tokens", "usage.completion_tokens"},
	}
	for _, c := range candidates {
		in, out := p.Get(c[0]), p.Get(c[1])
		if in.Exists() || out.Exists() {
			return &ai.TokenUsage{Input: in.Int(), Output: out.Int()}
		}
	}
	return nil
}

func parseUsageSnapshot(p gjson.Result) ai.UsageLimitsSnapshot {
	var out ai.UsageLimitsSnapshot
	if v := p.Get("rate_limit_remaining"); v.Exists() {
		n := v.Int()
		out.RateLimitRemaining = &n
	}
	if v := p.Get("rate_limit_reset_at_unix_ms"); v.Exists() {
		n := v.Int()
		out.RateLimitResetAtUnixMs = &n
	}
	if v := p.Get("context_window_used"); v.Exists() {
		n := v.Int()
		out.ContextWindowUsed = &n
	}
	if v := p.Get("context_window_total"); v.Exists() {
		n := v.Int()
		out.ContextWindowTotal = &n
	}
	return out
}
