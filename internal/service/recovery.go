package service

import (
	"context"

	"github.com/turncore/turncore-agent/internal/ai"
)

// Recover runs the startup recovery pass: a process restart
// leaves no live supervisor goroutine for any message that was mid-flush,
// so every assistant message this store still calls Streaming was
// orphaned by the crash, not actually in progress. Recover closes those
// out as Interrupted and idles the threads whose status never got
// reconciled to match.
func (s *Service) Recover(ctx context.Context) error {
	dangling, err := s.store.ListDanglingStreamingMessages(ctx)
	if err != nil {
		return err
	}
	for _, d := range dangling {
		if err := s.store.SetMessageStatus(ctx, d.MessageID, ai.MessageInterrupted); err != nil {
			s.log.Warn("service: recovery failed to mark message interrupted", "message_id", d.MessageID, "err", err)
			continue
		}
		if err := s.store.SetThreadStatus(ctx, d.ThreadID, ai.ThreadIdle); err != nil {
			s.log.Warn("service: recovery failed to idle thread", "thread_id", d.ThreadID, "err", err)
		}
		s.log.Info("service: recovered dangling streaming message", "thread_id", d.ThreadID, "message_id", d.MessageID)
	}

	// A thread can also be left Streaming/Error/Completed with no
	// dangling message (the final persist landed but the thread-status
	// write that follows it did not) — reconcile those too.
	for _, status := range []ai.ThreadStatus{ai.ThreadStreaming, ai.ThreadError, ai.ThreadCompleted} {
		ids, err := s.store.ListThreadIDsByStatus(ctx, status)
		if err != nil {
			return err
		}
		for _, id := range ids {
			msg, ok, err := s.store.LatestAssistantMessage(ctx, id)
			if err != nil || !ok {
				continue
			}
			if !isTerminalMessageStatus(msg.Status) {
				continue
			}
			if err := s.store.SetThreadStatus(ctx, id, ai.ThreadIdle); err != nil {
				s.log.Warn("service: recovery failed to idle thread", "thread_id", id, "err", err)
			}
		}
	}
	return nil
}

func isTerminalMessageStatus(status ai.MessageStatus) bool {
	switch status {
	case ai.MessageCompleted, ai.MessageInterrupted, ai.MessageError:
		return true
	default:
		return false
	}
}
