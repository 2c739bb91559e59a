package ai

// EngineEvent is the normalized event stream the mapper and every engine
// adapter emit into the supervisor. Kind selects which
// pointer field is populated.
type EngineEvent struct {
	Kind string `json:"kind"`

	TurnCompleted    *TurnCompletedEvent    `json:"turn_completed,omitempty"`
	TextDelta        *TextDeltaEvent        `json:"text_delta,omitempty"`
	ThinkingDelta    *ThinkingDeltaEvent    `json:"thinking_delta,omitempty"`
	ActionStarted    *ActionStartedEvent    `json:"action_started,omitempty"`
	ActionOutputDelta *ActionOutputDeltaEvent `json:"action_output_delta,omitempty"`
	ActionCompleted  *ActionCompletedEvent  `json:"action_completed,omitempty"`
	DiffUpdated      *DiffUpdatedEvent      `json:"diff_updated,omitempty"`
	ApprovalRequested *ApprovalRequestedEvent `json:"approval_requested,omitempty"`
	UsageLimitsUpdated *UsageLimitsUpdatedEvent `json:"usage_limits_updated,omitempty"`
	Error            *ErrorEvent            `json:"error,omitempty"`
}

const (
	EventTurnStarted        = "turn_started"
	EventTurnCompleted      = "turn_completed"
	EventTextDelta          = "text_delta"
	EventThinkingDelta      = "thinking_delta"
	EventActionStarted      = "action_started"
	EventActionOutputDelta  = "action_output_delta"
	EventActionCompleted    = "action_completed"
	EventDiffUpdated        = "diff_updated"
	EventApprovalRequested  = "approval_requested"
	EventUsageLimitsUpdated = "usage_limits_updated"
	EventError              = "error"
)

// TurnOutcome is the terminal status an adapter reports for a turn.
type TurnOutcome string

const (
	TurnOutcomeCompleted   TurnOutcome = "completed"
	TurnOutcomeInterrupted TurnOutcome = "interrupted"
	TurnOutcomeFailed      TurnOutcome = "failed"
)

type TurnCompletedEvent struct {
	Outcome    TurnOutcome `json:"outcome"`
	TokenUsage *TokenUsage `json:"token_usage,omitempty"`
}

type TextDeltaEvent struct {
	Content string `json:"content"`
}

type ThinkingDeltaEvent struct {
	Content string `json:"content"`
}

type ActionStartedEvent struct {
	ActionID       string         `json:"action_id"`
	EngineActionID string         `json:"engine_action_id,omitempty"`
	ActionType     ActionType     `json:"action_type"`
	Summary        string         `json:"summary"`
	Details        map[string]any `json:"details,omitempty"`
}

type ActionOutputDeltaEvent struct {
	ActionID string       `json:"action_id"`
	Stream   OutputStream `json:"stream"`
	Content  string       `json:"content"`
}

type ActionCompletedEvent struct {
	ActionID string       `json:"action_id"`
	Result   ActionResult `json:"result"`
}

type DiffUpdatedEvent struct {
	Diff  string    `json:"diff"`
	Scope DiffScope `json:"scope"`
}

type ApprovalRequestedEvent struct {
	ApprovalID string         `json:"approval_id"`
	ActionType ActionType     `json:"action_type"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
}

type UsageLimitsUpdatedEvent struct {
	Snapshot UsageLimitsSnapshot `json:"snapshot"`
}

type ErrorEvent struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Constructors keep call sites (mapper, adapters, tests) from hand-rolling
// the Kind tag, which is the one thing that must never drift from the
// populated pointer.

func TurnStarted() EngineEvent { return EngineEvent{Kind: EventTurnStarted} }

func TurnCompleted(outcome TurnOutcome, usage *TokenUsage) EngineEvent {
	return EngineEvent{Kind: EventTurnCompleted, TurnCompleted: &TurnCompletedEvent{Outcome: outcome, TokenUsage: usage}}
}

func TextDelta(content string) EngineEvent {
	return EngineEvent{Kind: EventTextDelta, TextDelta: &TextDeltaEvent{Content: content}}
}

func ThinkingDelta(content string) EngineEvent {
	return EngineEvent{Kind: EventThinkingDelta, ThinkingDelta: &ThinkingDeltaEvent{Content: content}}
}

func ActionStarted(actionID, engineActionID string, actionType ActionType, summary string, details map[string]any) EngineEvent {
	return EngineEvent{Kind: EventActionStarted, ActionStarted: &ActionStartedEvent{
		ActionID: actionID, EngineActionID: engineActionID, ActionType: actionType, Summary: summary, Details: details,
	}}
}

func ActionOutputDelta(actionID string, stream OutputStream, content string) EngineEvent {
	return EngineEvent{Kind: EventActionOutputDelta, ActionOutputDelta: &ActionOutputDeltaEvent{ActionID: actionID, Stream: stream, Content: content}}
}

func ActionCompleted(actionID string, result ActionResult) EngineEvent {
	return EngineEvent{Kind: EventActionCompleted, ActionCompleted: &ActionCompletedEvent{ActionID: actionID, Result: result}}
}

func DiffUpdated(diff string, scope DiffScope) EngineEvent {
	return EngineEvent{Kind: EventDiffUpdated, DiffUpdated: &DiffUpdatedEvent{Diff: diff, Scope: scope}}
}

func ApprovalRequested(approvalID string, actionType ActionType, summary string, details map[string]any) EngineEvent {
	return EngineEvent{Kind: EventApprovalRequested, ApprovalRequested: &ApprovalRequestedEvent{
		ApprovalID: approvalID, ActionType: actionType, Summary: summary, Details: details,
	}}
}

func UsageLimitsUpdated(snap UsageLimitsSnapshot) EngineEvent {
	return EngineEvent{Kind: EventUsageLimitsUpdated, UsageLimitsUpdated: &UsageLimitsUpdatedEvent{Snapshot: snap}}
}

func NewErrorEvent(message string, recoverable bool) EngineEvent {
	return EngineEvent{Kind: EventError, Error: &ErrorEvent{Message: message, Recoverable: recoverable}}
}

// coalesce reports whether two events of the supervisor's three
// mergeable kinds can be merged, and if so returns the
// merged event.
func coalesce(pending, next EngineEvent) (merged EngineEvent, ok bool) {
	switch pending.Kind {
	case EventTextDelta:
		if next.Kind != EventTextDelta {
			return EngineEvent{}, false
		}
		return TextDelta(pending.TextDelta.Content + next.TextDelta.Content), true
	case EventThinkingDelta:
		if next.Kind != EventThinkingDelta {
			return EngineEvent{}, false
		}
		return ThinkingDelta(pending.ThinkingDelta.Content + next.ThinkingDelta.Content), true
	case EventActionOutputDelta:
		if next.Kind != EventActionOutputDelta ||
			next.ActionOutputDelta.ActionID != pending.ActionOutputDelta.ActionID ||
			next.ActionOutputDelta.Stream != pending.ActionOutputDelta.Stream {
			return EngineEvent{}, false
		}
		return ActionOutputDelta(pending.ActionOutputDelta.ActionID, pending.ActionOutputDelta.Stream,
			pending.ActionOutputDelta.Content+next.ActionOutputDelta.Content), true
	default:
		return EngineEvent{}, false
	}
}

// isCoalescable reports whether e is one of the three mergeable kinds.
func isCoalescable(e EngineEvent) bool {
	switch e.Kind {
	case EventTextDelta, EventThinkingDelta, EventActionOutputDelta:
		return true
	default:
		return false
	}
}

// coalesceLen returns the current character length of a coalescable
// event's payload, used against the 8192-char flush threshold.
func coalesceLen(e EngineEvent) int {
	switch e.Kind {
	case EventTextDelta:
		return len(e.TextDelta.Content)
	case EventThinkingDelta:
		return len(e.ThinkingDelta.Content)
	case EventActionOutputDelta:
		return len(e.ActionOutputDelta.Content)
	default:
		return 0
	}
}
