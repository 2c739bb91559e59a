package ai

import "context"

// Persister is the slice of Store behavior the turn supervisor needs to
// write through. It is declared here, not in threadstore, so this package
// has no dependency on the persistence layer (threadstore depends on ai
// for the shared block/status types, not the other way around); the
// service layer wires a concrete threadstore.Store to satisfy it.
type Persister interface {
	// FlushAssistantBlocks is the supervisor's time-budgeted mid-turn
	// write.
	FlushAssistantBlocks(ctx context.Context, messageID string, blocks []ContentBlock, status MessageStatus) error

	// CompleteAssistantMessage is the single terminal-status write per
	// turn.
	CompleteAssistantMessage(ctx context.Context, messageID string, blocks []ContentBlock, status MessageStatus, usage TokenUsage) error

	SetThreadStatus(ctx context.Context, threadID string, status ThreadStatus) error
	SetThreadTitle(ctx context.Context, threadID, title string) error

	// BumpThreadCounters is called exactly once per Completed assistant
	// message.
	BumpThreadCounters(ctx context.Context, threadID string, usage TokenUsage) error

	// UpsertActionRecord/UpsertApprovalRecord maintain the flat
	// side-record projections alongside the embedded blocks.
	UpsertActionRecord(ctx context.Context, threadID, messageID string, block ActionBlock) error
	UpsertApprovalRecord(ctx context.Context, threadID, messageID string, block ApprovalBlock) error

	// AnswerApproval updates the side-record's status/decision; the
	// caller is responsible for also mutating the embedded block so the
	// two projections never diverge.
	AnswerApproval(ctx context.Context, approvalID, decision string) error
}

// UIEmitter fans folded events and thread updates out to the external UI
// topics; best-effort, never blocking the supervisor.
type UIEmitter interface {
	EmitStreamEvent(threadID string, event EngineEvent)
	EmitApprovalRequest(threadID string, event EngineEvent)
	EmitThreadUpdated(threadID, workspaceID string)
}

// EventLogger is the optional debug sink for raw engine events (the
// engine_event_logs table). Best-effort: the supervisor never
// lets a logging failure affect the turn.
type EventLogger interface {
	LogEngineEvent(ctx context.Context, threadID, messageID string, event EngineEvent)
}

// NopUIEmitter discards every emission; useful for tests and headless runs.
type NopUIEmitter struct{}

func (NopUIEmitter) EmitStreamEvent(string, EngineEvent)     {}
func (NopUIEmitter) EmitApprovalRequest(string, EngineEvent) {}
func (NopUIEmitter) EmitThreadUpdated(string, string)        {}
