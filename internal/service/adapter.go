// Package service wires the turn supervisor core to a concrete store and
// engine registry and exposes the caller-facing commands (send_message,
// cancel_turn, respond_to_approval, thread/workspace/repo CRUD, search)
// to whatever transport a cmd/ binary speaks over.
package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/turncore/turncore-agent/internal/ai"
	"github.com/turncore/turncore-agent/internal/ai/threadstore"
)

// storeAdapter satisfies ai.Persister over a threadstore.Store. It lives
// here, not in threadstore or ai, because it is the one place allowed to
// depend on both: threadstore depends on ai for the shared block/status
// types, and ai must stay free of threadstore so the supervisor never
// imports the persistence layer directly (see ai.Persister's doc comment).
type storeAdapter struct {
	store *threadstore.Store
}

var _ ai.Persister = (*storeAdapter)(nil)

func (a *storeAdapter) FlushAssistantBlocks(ctx context.Context, messageID string, blocks []ai.ContentBlock, status ai.MessageStatus) error {
	return a.store.FlushAssistantBlocks(ctx, messageID, blocks, status)
}

func (a *storeAdapter) CompleteAssistantMessage(ctx context.Context, messageID string, blocks []ai.ContentBlock, status ai.MessageStatus, usage ai.TokenUsage) error {
	return a.store.CompleteAssistantMessage(ctx, messageID, blocks, status, usage)
}

func (a *storeAdapter) SetThreadStatus(ctx context.Context, threadID string, status ai.ThreadStatus) error {
	return a.store.SetThreadStatus(ctx, threadID, status)
}

func (a *storeAdapter) SetThreadTitle(ctx context.Context, threadID, title string) error {
	return a.store.SetThreadTitle(ctx, threadID, title)
}

func (a *storeAdapter) BumpThreadCounters(ctx context.Context, threadID string, usage ai.TokenUsage) error {
	return a.store.BumpThreadCounters(ctx, threadID, usage)
}

func (a *storeAdapter) UpsertActionRecord(ctx context.Context, threadID, messageID string, block ai.ActionBlock) error {
	detailsJSON, err := marshalOrEmpty(block.Details)
	if err != nil {
		return err
	}
	rec := threadstore.ActionRecord{
		ID:             block.ActionID,
		ThreadID:       threadID,
		MessageID:      messageID,
		EngineActionID: block.EngineActionID,
		ActionType:     block.ActionType,
		Summary:        block.Summary,
		DetailsJSON:    detailsJSON,
		Status:         block.Status,
	}
	if block.Result != nil {
		resultJSON, err := json.Marshal(block.Result)
		if err != nil {
			return err
		}
		rec.ResultJSON = string(resultJSON)
		dur := block.Result.DurationMS
		rec.DurationMS = &dur
	}
	return a.store.UpsertAction(ctx, rec)
}

func (a *storeAdapter) UpsertApprovalRecord(ctx context.Context, threadID, messageID string, block ai.ApprovalBlock) error {
	detailsJSON, err := marshalOrEmpty(block.Details)
	if err != nil {
		return err
	}
	return a.store.UpsertApproval(ctx, threadstore.ApprovalRecord{
		ID:          block.ApprovalID,
		ThreadID:    threadID,
		MessageID:   messageID,
		ActionType:  block.ActionType,
		Summary:     block.Summary,
		DetailsJSON: detailsJSON,
		Status:      block.Status,
		Decision:    block.Decision,
	})
}

func (a *storeAdapter) AnswerApproval(ctx context.Context, approvalID, decision string) error {
	return a.store.AnswerApproval(ctx, approvalID, decision)
}

// eventLogAdapter satisfies ai.EventLogger over the store's
// engine_event_logs table; wired only when debug event logging is on.
type eventLogAdapter struct {
	store *threadstore.Store
	log   *slog.Logger
}

var _ ai.EventLogger = (*eventLogAdapter)(nil)

func (a *eventLogAdapter) LogEngineEvent(ctx context.Context, threadID, messageID string, event ai.EngineEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		return
	}
	if err := a.store.AppendEngineEventLog(ctx, threadID, messageID, string(raw)); err != nil {
		a.log.Warn("service: event log append failed", "thread_id", threadID, "err", err)
	}
}

func marshalOrEmpty(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
