// Package ai implements the turn supervisor: the concurrency core that
// drives a single user turn against an external coding-assistant engine,
// folds its streamed output into a durable transcript, and enforces
// cancellation, approval, and sandbox policy around it.
package ai

import "encoding/json"

// TrustLevel classifies a repo's sandbox trust.
type TrustLevel string

const (
	TrustTrusted    TrustLevel = "trusted"
	TrustStandard   TrustLevel = "standard"
	TrustRestricted TrustLevel = "restricted"
)

// ThreadStatus is the thread-level state machine.
type ThreadStatus string

const (
	ThreadIdle             ThreadStatus = "idle"
	ThreadStreaming        ThreadStatus = "streaming"
	ThreadAwaitingApproval ThreadStatus = "awaiting_approval"
	ThreadError            ThreadStatus = "error"
	ThreadCompleted        ThreadStatus = "completed"
)

// MessageStatus is the per-message status.
type MessageStatus string

const (
	MessageCompleted  MessageStatus = "completed"
	MessageStreaming  MessageStatus = "streaming"
	MessageInterrupted MessageStatus = "interrupted"
	MessageError      MessageStatus = "error"
)

// MessageRole distinguishes user vs. assistant messages.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ActionStatus is the lifecycle of an Action content block.
type ActionStatus string

const (
	ActionRunning ActionStatus = "running"
	ActionDone    ActionStatus = "done"
	ActionError   ActionStatus = "error"
)

// ApprovalStatus is the lifecycle of an Approval content block.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalAnswered ApprovalStatus = "answered"
)

// ActionType categorizes an Action block for UI rendering and policy.
type ActionType string

const (
	ActionFileRead  ActionType = "file_read"
	ActionFileWrite ActionType = "file_write"
	ActionFileEdit  ActionType = "file_edit"
	ActionFileDelete ActionType = "file_delete"
	ActionCommand   ActionType = "command"
	ActionGit       ActionType = "git"
	ActionSearch    ActionType = "search"
	ActionOther     ActionType = "other"
)

// OutputStream names which child stream an action output chunk came from.
type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

// DiffScope is the scope a Diff block describes.
type DiffScope string

const (
	DiffScopeTurn      DiffScope = "turn"
	DiffScopeFile      DiffScope = "file"
	DiffScopeWorkspace DiffScope = "workspace"
)

// ThreadScopeKind distinguishes a thread bound to one repo from one
// spanning a whole workspace.
type ThreadScopeKind string

const (
	ScopeRepo      ThreadScopeKind = "repo"
	ScopeWorkspace ThreadScopeKind = "workspace"
)

// ApprovalAnswer is how respond_to_approval reaches a turn already in
// flight: the service layer sends one on the turn's approval-answer
// channel so the supervisor can mutate the embedded Approval block the
// same moment it updates the flat side-record, keeping the two
// projections from diverging.
type ApprovalAnswer struct {
	ApprovalID string
	Decision   string
}

// TokenUsage is input/output token counters for one turn or message.
type TokenUsage struct {
	Input  int64 `json:"input"`
	Output int64 `json:"output"`
}

func (u TokenUsage) Total() int64 { return u.Input + u.Output }

// Add returns the element-wise sum of u and other.
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}

// UsageLimitsSnapshot mirrors an engine's rate-limit / context-window
// reporting. Zero value means "unknown"; the mapper only emits
// UsageLimitsUpdated when a field actually changes.
type UsageLimitsSnapshot struct {
	RateLimitRemaining  *int64 `json:"rate_limit_remaining,omitempty"`
	RateLimitResetAtUnixMs *int64 `json:"rate_limit_reset_at_unix_ms,omitempty"`
	ContextWindowUsed   *int64 `json:"context_window_used,omitempty"`
	ContextWindowTotal  *int64 `json:"context_window_total,omitempty"`
}

// Equal reports whether two snapshots carry the same values.
func (u UsageLimitsSnapshot) Equal(o UsageLimitsSnapshot) bool {
	return equalPtr(u.RateLimitRemaining, o.RateLimitRemaining) &&
		equalPtr(u.RateLimitResetAtUnixMs, o.RateLimitResetAtUnixMs) &&
		equalPtr(u.ContextWindowUsed, o.ContextWindowUsed) &&
		equalPtr(u.ContextWindowTotal, o.ContextWindowTotal)
}

func equalPtr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Merge overlays non-nil fields from next onto u, returning the result and
// whether anything actually changed.
func (u UsageLimitsSnapshot) Merge(next UsageLimitsSnapshot) (UsageLimitsSnapshot, bool) {
	out := u
	if next.RateLimitRemaining != nil {
		out.RateLimitRemaining = next.RateLimitRemaining
	}
	if next.RateLimitResetAtUnixMs != nil {
		out.RateLimitResetAtUnixMs = next.RateLimitResetAtUnixMs
	}
	if next.ContextWindowUsed != nil {
		out.ContextWindowUsed = next.ContextWindowUsed
	}
	if next.ContextWindowTotal != nil {
		out.ContextWindowTotal = next.ContextWindowTotal
	}
	return out, !out.Equal(u)
}

// ActionResult is attached to an Action block on completion.
type ActionResult struct {
	Success    bool    `json:"success"`
	Output     *string `json:"output,omitempty"`
	Error      *string `json:"error,omitempty"`
	Diff       *string `json:"diff,omitempty"`
	DurationMS int64   `json:"duration_ms"`
}

// OutputChunk is one piece of an Action block's captured stdout/stderr.
type OutputChunk struct {
	Stream  OutputStream `json:"stream"`
	Content string       `json:"content"`
}

// ContentBlock is the tagged union stored inline on a Message.
// Kind selects which of the pointer fields is populated; exactly one is
// non-nil at a time.
type ContentBlock struct {
	Kind string `json:"kind"`

	Text       *TextBlock       `json:"text,omitempty"`
	Thinking   *ThinkingBlock   `json:"thinking,omitempty"`
	Action     *ActionBlock     `json:"action,omitempty"`
	Approval   *ApprovalBlock   `json:"approval,omitempty"`
	Diff       *DiffBlock       `json:"diff,omitempty"`
	Attachment *AttachmentBlock `json:"attachment,omitempty"`
	Error      *ErrorBlock      `json:"error,omitempty"`
}

const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockAction     = "action"
	BlockApproval   = "approval"
	BlockDiff       = "diff"
	BlockAttachment = "attachment"
	BlockError      = "error"
)

type TextBlock struct {
	Content  string `json:"content"`
	PlanMode bool   `json:"plan_mode,omitempty"`
}

type ThinkingBlock struct {
	Content string `json:"content"`
}

type ActionBlock struct {
	ActionID       string         `json:"action_id"`
	EngineActionID string         `json:"engine_action_id,omitempty"`
	ActionType     ActionType     `json:"action_type"`
	Summary        string         `json:"summary"`
	Details        map[string]any `json:"details,omitempty"`
	OutputChunks   []OutputChunk  `json:"output_chunks,omitempty"`
	Status         ActionStatus   `json:"status"`
	Result         *ActionResult  `json:"result,omitempty"`
}

type ApprovalBlock struct {
	ApprovalID string         `json:"approval_id"`
	ActionType ActionType     `json:"action_type"`
	Summary    string         `json:"summary"`
	Details    map[string]any `json:"details,omitempty"`
	Status     ApprovalStatus `json:"status"`
	Decision   string         `json:"decision,omitempty"`
}

type DiffBlock struct {
	Diff  string    `json:"diff"`
	Scope DiffScope `json:"scope"`
}

type AttachmentBlock struct {
	FileName  string `json:"file_name"`
	FilePath  string `json:"file_path"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type,omitempty"`
}

type ErrorBlock struct {
	Message string `json:"message"`
}

// MarshalBlocks/UnmarshalBlocks round-trip a block slice through the
// blocks_json column. Kept as free functions (not a Stringer-style
// method) so the supervisor's in-memory slice and the store's on-disk
// encoding share one definition of "round-trip".
func MarshalBlocks(blocks []ContentBlock) ([]byte, error) {
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return json.Marshal(blocks)
}

func UnmarshalBlocks(raw []byte) ([]ContentBlock, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}
