package ai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/turncore/turncore-agent/internal/config"
)

// TurnParams is everything RunTurn needs to drive one turn to completion.
type TurnParams struct {
	ThreadID            string
	WorkspaceID         string
	EngineThreadID      string
	AssistantMessageID  string
	Input               TurnInput
	Sandbox             SandboxPolicy
	Scope               ThreadScope
	Cancel              *CancellationToken

	// AutotitleEligible/AutotitleFirstUser let the caller precompute the
	// autotitle decision without the supervisor depending on
	// the store for message counts or engine_metadata lookups.
	AutotitleEligible  bool
	AutotitleFirstUser string

	// ApprovalAnswers delivers respond_to_approval decisions for this
	// thread while the turn is in flight. Nil is fine: a
	// turn with no approvals simply never receives on it.
	ApprovalAnswers <-chan ApprovalAnswer
}

// Supervisor orchestrates a single turn: it owns the in-memory mutable
// block vector for the lifetime of the turn, folds incoming EngineEvents
// into it, flushes under a time budget, and finalizes message/thread
// status on adapter completion.
type Supervisor struct {
	log      *slog.Logger
	store    Persister
	engine   Engine
	ui       UIEmitter
	flush    config.FlushTuning
	eventLog EventLogger
}

func NewSupervisor(log *slog.Logger, store Persister, engine Engine, ui UIEmitter, flush config.FlushTuning) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	if ui == nil {
		ui = NopUIEmitter{}
	}
	return &Supervisor{log: log, store: store, engine: engine, ui: ui, flush: flush}
}

// SetEventLog attaches the debug event-log sink; nil (the default) keeps
// the engine_event_logs table untouched.
func (s *Supervisor) SetEventLog(l EventLogger) { s.eventLog = l }

// turnState is the supervisor's mutable working set for one turn.
type turnState struct {
	blocks        []ContentBlock
	actionIndex   map[string]int
	approvalIndex map[string]int

	messageStatus MessageStatus
	threadStatus  ThreadStatus
	tokenUsage    TokenUsage

	dirtyBlocks       bool
	dirtyMessageState bool
	dirtyThreadStatus bool

	lastPersistedThreadStatus ThreadStatus
	lastPersistAt             time.Time

	pending *EngineEvent
}

// RunTurn is the supervisor's entry point. It returns once
// the assistant message is persisted in a terminal state and the thread
// status is reconciled; it never returns an error that the caller must
// act on beyond logging — all failures are folded into the persisted
// transcript as Error blocks.
func (s *Supervisor) RunTurn(ctx context.Context, p TurnParams) error {
	if s.store == nil || s.engine == nil {
		return errors.New("supervisor: missing store or engine")
	}

	st := &turnState{
		actionIndex:               make(map[string]int),
		approvalIndex:             make(map[string]int),
		messageStatus:             MessageStreaming,
		threadStatus:              ThreadStreaming,
		lastPersistedThreadStatus: ThreadIdle,
	}

	events := make(chan EngineEvent, 128)
	adapterDone := make(chan error, 1)
	go func() {
		adapterDone <- s.engine.SendMessage(p.Cancel.Context(), p.EngineThreadID, p.Input, events, p.Cancel)
		close(events)
	}()

	var adapterErr error
	var joined bool

drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			s.ingest(ctx, st, p, ev)

		case ans, ok := <-p.ApprovalAnswers:
			if ok {
				s.applyApprovalAnswer(ctx, st, p, ans)
			}

		case err := <-adapterDone:
			adapterErr = err
			joined = true
			// Keep draining events until the channel itself closes; the
			// adapter closes events right after returning, so this arm
			// mostly exists to capture the error promptly for logging.
		}
	}

	if !joined {
		adapterErr = <-adapterDone
	}

	s.flushPending(ctx, st, p, true)

	if adapterErr != nil && !(p.Cancel.Requested() && errors.Is(adapterErr, context.Canceled)) {
		st.blocks = append(st.blocks, ContentBlock{Kind: BlockError, Error: &ErrorBlock{Message: "engine adapter failed: " + adapterErr.Error()}})
		st.messageStatus = MessageError
		st.threadStatus = ThreadError
		s.ui.EmitStreamEvent(p.ThreadID, NewErrorEvent("engine adapter failed: "+adapterErr.Error(), false))
	}

	if p.Cancel.Requested() && st.messageStatus == MessageStreaming {
		st.messageStatus = MessageInterrupted
		st.threadStatus = ThreadIdle
	}

	if err := s.store.CompleteAssistantMessage(ctx, p.AssistantMessageID, st.blocks, st.messageStatus, st.tokenUsage); err != nil {
		s.log.Warn("supervisor: final persist failed", "thread_id", p.ThreadID, "message_id", p.AssistantMessageID, "err", err)
	}
	if err := s.store.SetThreadStatus(ctx, p.ThreadID, st.threadStatus); err != nil {
		s.log.Warn("supervisor: thread status persist failed", "thread_id", p.ThreadID, "err", err)
	}

	if st.messageStatus == MessageCompleted {
		if err := s.store.BumpThreadCounters(ctx, p.ThreadID, st.tokenUsage); err != nil {
			s.log.Warn("supervisor: counter bump failed", "thread_id", p.ThreadID, "err", err)
		}
		if p.AutotitleEligible {
			s.autotitle(ctx, p, st.blocks)
		}
	}

	return nil
}

// ingest applies coalescing, folds the result into the block vector,
// emits to the UI topics, and runs the budgeted flush for one raw event.
func (s *Supervisor) ingest(ctx context.Context, st *turnState, p TurnParams, ev EngineEvent) {
	if st.pending == nil {
		if isCoalescable(ev) {
			pending := ev
			st.pending = &pending
			return
		}
		s.foldAndEmit(ctx, st, p, ev)
		return
	}

	if merged, ok := coalesce(*st.pending, ev); ok {
		if coalesceLen(merged) >= s.flush.CoalesceMax() {
			s.foldAndEmit(ctx, st, p, merged)
			st.pending = nil
			return
		}
		st.pending = &merged
		return
	}

	pending := *st.pending
	st.pending = nil
	s.foldAndEmit(ctx, st, p, pending)

	if isCoalescable(ev) {
		next := ev
		st.pending = &next
		return
	}
	s.foldAndEmit(ctx, st, p, ev)
}

func (s *Supervisor) flushPending(ctx context.Context, st *turnState, p TurnParams, force bool) {
	if st.pending != nil {
		pending := *st.pending
		st.pending = nil
		s.foldAndEmit(ctx, st, p, pending)
	}
	if force {
		s.persist(ctx, st, p, true)
	}
}

func (s *Supervisor) foldAndEmit(ctx context.Context, st *turnState, p TurnParams, ev EngineEvent) {
	force := s.apply(st, ev)
	s.ui.EmitStreamEvent(p.ThreadID, ev)
	if ev.Kind == EventApprovalRequested {
		s.ui.EmitApprovalRequest(p.ThreadID, ev)
	}
	if s.eventLog != nil {
		s.eventLog.LogEngineEvent(ctx, p.ThreadID, p.AssistantMessageID, ev)
	}
	s.persist(ctx, st, p, force)
}

// apply folds one event into the block vector and status fields. It
// returns whether this event forces an immediate persist.
func (s *Supervisor) apply(st *turnState, ev EngineEvent) bool {
	switch ev.Kind {
	case EventTurnStarted:
		st.threadStatus = ThreadStreaming
		st.dirtyThreadStatus = true
		return false

	case EventTextDelta:
		if i := lastBlockIndex(st.blocks, BlockText); i >= 0 {
			st.blocks[i].Text.Content += ev.TextDelta.Content
		} else {
			st.blocks = append(st.blocks, ContentBlock{Kind: BlockText, Text: &TextBlock{Content: ev.TextDelta.Content}})
		}
		st.dirtyBlocks = true
		return false

	case EventThinkingDelta:
		if i := lastBlockIndex(st.blocks, BlockThinking); i >= 0 {
			st.blocks[i].Thinking.Content += ev.ThinkingDelta.Content
		} else {
			st.blocks = append(st.blocks, ContentBlock{Kind: BlockThinking, Thinking: &ThinkingBlock{Content: ev.ThinkingDelta.Content}})
		}
		st.dirtyBlocks = true
		return false

	case EventActionStarted:
		a := ev.ActionStarted
		if i, ok := st.actionIndex[a.ActionID]; ok {
			st.blocks[i].Action.Status = ActionRunning
		} else {
			st.blocks = append(st.blocks, ContentBlock{Kind: BlockAction, Action: &ActionBlock{
				ActionID: a.ActionID, EngineActionID: a.EngineActionID, ActionType: a.ActionType,
				Summary: a.Summary, Details: a.Details, Status: ActionRunning,
			}})
			st.actionIndex[a.ActionID] = len(st.blocks) - 1
		}
		st.dirtyBlocks = true
		return false

	case EventActionOutputDelta:
		d := ev.ActionOutputDelta
		i, ok := st.actionIndex[d.ActionID]
		if !ok {
			st.blocks = append(st.blocks, ContentBlock{Kind: BlockAction, Action: &ActionBlock{ActionID: d.ActionID, ActionType: ActionOther, Status: ActionRunning}})
			i = len(st.blocks) - 1
			st.actionIndex[d.ActionID] = i
		}
		appendActionOutput(st.blocks[i].Action, d.Stream, d.Content, s.flush.ActionOutputChunkCap(), s.flush.ActionOutputCharCap())
		st.dirtyBlocks = true
		return false

	case EventActionCompleted:
		c := ev.ActionCompleted
		i, ok := st.actionIndex[c.ActionID]
		if !ok {
			st.blocks = append(st.blocks, ContentBlock{Kind: BlockAction, Action: &ActionBlock{ActionID: c.ActionID, ActionType: ActionOther}})
			i = len(st.blocks) - 1
			st.actionIndex[c.ActionID] = i
		}
		result := c.Result
		status := ActionDone
		if !result.Success {
			status = ActionError
		}
		st.blocks[i].Action.Status = status
		st.blocks[i].Action.Result = &result
		st.dirtyBlocks = true
		return false

	case EventDiffUpdated:
		// Diff blocks are never deduplicated by scope; each update appends
		// unconditionally.
		st.blocks = append(st.blocks, ContentBlock{Kind: BlockDiff, Diff: &DiffBlock{Diff: ev.DiffUpdated.Diff, Scope: ev.DiffUpdated.Scope}})
		st.dirtyBlocks = true
		return false

	case EventApprovalRequested:
		a := ev.ApprovalRequested
		if i, ok := st.approvalIndex[a.ApprovalID]; ok {
			st.blocks[i].Approval.Status = ApprovalPending
		} else {
			st.blocks = append(st.blocks, ContentBlock{Kind: BlockApproval, Approval: &ApprovalBlock{
				ApprovalID: a.ApprovalID, ActionType: a.ActionType, Summary: a.Summary, Details: a.Details, Status: ApprovalPending,
			}})
			st.approvalIndex[a.ApprovalID] = len(st.blocks) - 1
		}
		st.threadStatus = ThreadAwaitingApproval
		st.dirtyBlocks = true
		st.dirtyThreadStatus = true
		return true

	case EventUsageLimitsUpdated:
		// Tracked by the caller via the raw stream topic only; no block
		// mutation (rate-limit/context-window snapshots are not part of
		// the transcript).
		return false

	case EventError:
		e := ev.Error
		st.blocks = append(st.blocks, ContentBlock{Kind: BlockError, Error: &ErrorBlock{Message: e.Message}})
		st.dirtyBlocks = true
		if e.Recoverable {
			return false
		}
		st.messageStatus = MessageError
		st.threadStatus = ThreadError
		st.dirtyMessageState = true
		st.dirtyThreadStatus = true
		return true

	case EventTurnCompleted:
		tc := ev.TurnCompleted
		switch tc.Outcome {
		case TurnOutcomeCompleted:
			st.messageStatus, st.threadStatus = MessageCompleted, ThreadCompleted
		case TurnOutcomeInterrupted:
			st.messageStatus, st.threadStatus = MessageInterrupted, ThreadIdle
		case TurnOutcomeFailed:
			st.messageStatus, st.threadStatus = MessageError, ThreadError
		}
		if tc.TokenUsage != nil {
			st.tokenUsage = *tc.TokenUsage
		}
		st.dirtyMessageState = true
		st.dirtyThreadStatus = true
		return true

	default:
		return false
	}
}

func lastBlockIndex(blocks []ContentBlock, kind string) int {
	if len(blocks) == 0 || blocks[len(blocks)-1].Kind != kind {
		return -1
	}
	return len(blocks) - 1
}

// appendActionOutput concatenates onto the last chunk when it shares the
// same stream, caps the chunk count and total character count, and marks
// outputTruncated when trimming occurs.
func appendActionOutput(a *ActionBlock, stream OutputStream, content string, chunkCap, charCap int) {
	if n := len(a.OutputChunks); n > 0 && a.OutputChunks[n-1].Stream == stream {
		a.OutputChunks[n-1].Content += content
	} else {
		a.OutputChunks = append(a.OutputChunks, OutputChunk{Stream: stream, Content: content})
	}

	truncated := false
	for len(a.OutputChunks) > chunkCap {
		a.OutputChunks = a.OutputChunks[1:]
		truncated = true
	}
	total := 0
	for _, c := range a.OutputChunks {
		total += len(c.Content)
	}
	for total > charCap && len(a.OutputChunks) > 0 {
		total -= len(a.OutputChunks[0].Content)
		a.OutputChunks = a.OutputChunks[1:]
		truncated = true
	}
	if truncated {
		if a.Details == nil {
			a.Details = make(map[string]any)
		}
		a.Details["outputTruncated"] = true
	}
}

// persist is the time-budgeted flush.
func (s *Supervisor) persist(ctx context.Context, st *turnState, p TurnParams, force bool) {
	if !st.dirtyBlocks && !st.dirtyMessageState && !st.dirtyThreadStatus {
		return
	}
	due := force || time.Since(st.lastPersistAt) >= s.flush.PersistInterval()
	if !due {
		return
	}

	if st.dirtyBlocks || st.dirtyMessageState {
		if err := s.store.FlushAssistantBlocks(ctx, p.AssistantMessageID, st.blocks, st.messageStatus); err != nil {
			s.log.Warn("supervisor: flush failed", "thread_id", p.ThreadID, "message_id", p.AssistantMessageID, "err", err)
		}
		s.persistSideRecords(ctx, st, p)
	}
	if st.dirtyThreadStatus && st.threadStatus != st.lastPersistedThreadStatus {
		if err := s.store.SetThreadStatus(ctx, p.ThreadID, st.threadStatus); err != nil {
			s.log.Warn("supervisor: thread status flush failed", "thread_id", p.ThreadID, "err", err)
		}
		st.lastPersistedThreadStatus = st.threadStatus
	}

	st.dirtyBlocks, st.dirtyMessageState, st.dirtyThreadStatus = false, false, false
	st.lastPersistAt = time.Now()
}

// persistSideRecords keeps the flat action/approval projections in sync
// with the embedded blocks every time blocks are flushed.
func (s *Supervisor) persistSideRecords(ctx context.Context, st *turnState, p TurnParams) {
	for _, b := range st.blocks {
		switch b.Kind {
		case BlockAction:
			if err := s.store.UpsertActionRecord(ctx, p.ThreadID, p.AssistantMessageID, *b.Action); err != nil {
				s.log.Warn("supervisor: action side-record failed", "action_id", b.Action.ActionID, "err", err)
			}
		case BlockApproval:
			if err := s.store.UpsertApprovalRecord(ctx, p.ThreadID, p.AssistantMessageID, *b.Approval); err != nil {
				s.log.Warn("supervisor: approval side-record failed", "approval_id", b.Approval.ApprovalID, "err", err)
			}
		}
	}
}

// applyApprovalAnswer mutates the embedded Approval block the moment
// respond_to_approval lands, in lockstep with the flat side-record the
// service layer updates on the same call.
// Thread status returns to Streaming since the engine resumes the turn.
func (s *Supervisor) applyApprovalAnswer(ctx context.Context, st *turnState, p TurnParams, ans ApprovalAnswer) {
	i, ok := st.approvalIndex[ans.ApprovalID]
	if !ok {
		return
	}
	st.blocks[i].Approval.Status = ApprovalAnswered
	st.blocks[i].Approval.Decision = ans.Decision
	st.dirtyBlocks = true

	if st.threadStatus == ThreadAwaitingApproval {
		st.threadStatus = ThreadStreaming
		st.dirtyThreadStatus = true
	}
	s.persist(ctx, st, p, true)
}

// autotitle picks and applies a title candidate once a turn completes
// on an eligible thread.
func (s *Supervisor) autotitle(ctx context.Context, p TurnParams, blocks []ContentBlock) {
	var enginePreview string
	for _, b := range blocks {
		if b.Kind == BlockText && b.Text != nil {
			enginePreview = b.Text.Content
			break
		}
	}
	title := AutotitleCandidate(enginePreview, p.AutotitleFirstUser)
	if title == "" {
		return
	}
	if err := s.store.SetThreadTitle(ctx, p.ThreadID, title); err != nil {
		s.log.Warn("supervisor: autotitle failed", "thread_id", p.ThreadID, "err", err)
		return
	}
	s.ui.EmitThreadUpdated(p.ThreadID, p.WorkspaceID)
}
