package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/turncore/turncore-agent/internal/ai"
	"github.com/turncore/turncore-agent/internal/ai/threadstore"
	"github.com/turncore/turncore-agent/internal/config"
)

// Options configures a Service. UI may be nil (defaults to ai.NopUIEmitter).
type Options struct {
	Log     *slog.Logger
	Store   *threadstore.Store
	Engines map[string]ai.Engine
	Flush   config.FlushTuning
	UI      ai.UIEmitter

	// DebugEventLog mirrors every raw engine event into the
	// engine_event_logs table.
	DebugEventLog bool
}

// Service is the single entry point for every caller-facing command.
// It owns the engine registry, the turn registry, and the
// per-thread approval-answer channels that let respond_to_approval reach
// a turn already in flight.
type Service struct {
	log     *slog.Logger
	store   *threadstore.Store
	persist *storeAdapter
	engines map[string]ai.Engine
	flush   config.FlushTuning
	ui      ai.UIEmitter

	eventLog ai.EventLogger

	registry *ai.TurnRegistry

	mu       sync.Mutex
	approval map[string]chan ai.ApprovalAnswer // threadID -> answer channel, present only while a turn is live
}

func New(opts Options) *Service {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	ui := opts.UI
	if ui == nil {
		ui = ai.NopUIEmitter{}
	}
	var eventLog ai.EventLogger
	if opts.DebugEventLog {
		eventLog = &eventLogAdapter{store: opts.Store, log: log}
	}
	return &Service{
		log:      log,
		store:    opts.Store,
		persist:  &storeAdapter{store: opts.Store},
		engines:  opts.Engines,
		flush:    opts.Flush,
		ui:       ui,
		eventLog: eventLog,
		registry: ai.NewTurnRegistry(),
		approval: make(map[string]chan ai.ApprovalAnswer),
	}
}

func (s *Service) engineFor(id string) (ai.Engine, error) {
	e, ok := s.engines[id]
	if !ok {
		return nil, fmt.Errorf("engine %q: %w", id, ai.ErrEngineUnknown)
	}
	return e, nil
}

// --- Workspace / repo / thread CRUD, thin pass-throughs ---

func (s *Service) OpenWorkspace(ctx context.Context, name, rootPath string, scanDepth int) (threadstore.Workspace, error) {
	return s.store.UpsertWorkspace(ctx, name, rootPath, scanDepth)
}

func (s *Service) AddRepo(ctx context.Context, workspaceID, name, path, defaultBranch string) (threadstore.Repo, error) {
	return s.store.UpsertRepo(ctx, workspaceID, name, path, defaultBranch)
}

func (s *Service) SetRepoTrust(ctx context.Context, repoID string, trust ai.TrustLevel) error {
	return s.store.SetRepoTrust(ctx, repoID, trust)
}

func (s *Service) CreateThread(ctx context.Context, workspaceID, repoID, engineID, modelID string) (threadstore.Thread, error) {
	if _, err := s.engineFor(engineID); err != nil {
		return threadstore.Thread{}, err
	}
	return s.store.CreateThread(ctx, threadstore.Thread{
		WorkspaceID: workspaceID,
		RepoID:      repoID,
		EngineID:    engineID,
		ModelID:     modelID,
	})
}

func (s *Service) GetThread(ctx context.Context, threadID string) (threadstore.Thread, error) {
	return s.store.GetThread(ctx, threadID)
}

func (s *Service) GetThreadMessages(ctx context.Context, threadID string) ([]threadstore.Message, error) {
	return s.store.GetThreadMessages(ctx, threadID)
}

func (s *Service) SearchMessages(ctx context.Context, workspaceID, query string) ([]threadstore.SearchResult, error) {
	return s.store.SearchMessages(ctx, workspaceID, query)
}

// --- Sandbox resolution helper, shared by SendMessage ---

func (s *Service) resolveSandbox(ctx context.Context, t threadstore.Thread) (ai.ThreadScope, ai.SandboxPolicy, error) {
	workspace, err := s.store.GetWorkspace(ctx, t.WorkspaceID)
	if err != nil {
		return ai.ThreadScope{}, ai.SandboxPolicy{}, fmt.Errorf("resolve sandbox: %w", err)
	}
	repos, err := s.store.ListRepos(ctx, t.WorkspaceID)
	if err != nil {
		return ai.ThreadScope{}, ai.SandboxPolicy{}, fmt.Errorf("resolve sandbox: %w", err)
	}

	infos := make([]ai.RepoTrustInfo, 0, len(repos))
	for _, r := range repos {
		infos = append(infos, ai.RepoTrustInfo{ID: r.ID, Path: r.Path, IsActive: r.IsActive, Trust: r.TrustLevel})
	}

	scopeKind := ai.ScopeWorkspace
	if t.RepoID != "" {
		scopeKind = ai.ScopeRepo
	}
	optedIn := gjson.Get(t.EngineMetadataJSON, ai.WorkspaceWriteOptInKey).Bool()

	sandbox, err := ai.ResolveSandbox(scopeKind, infos, t.RepoID, workspace.RootPath, optedIn)
	if err != nil {
		return ai.ThreadScope{}, ai.SandboxPolicy{}, err
	}

	scope := ai.ThreadScope{Kind: scopeKind}
	switch scopeKind {
	case ai.ScopeRepo:
		scope.RepoPath = sandbox.WritableRoots[0]
	case ai.ScopeWorkspace:
		scope.WorkspaceRoots = sandbox.WritableRoots
	}
	return scope, sandbox, nil
}

// SendMessageInput is what a caller supplies to send_message.
type SendMessageInput struct {
	ThreadID        string
	Message         string
	ModelID         string // optional override; falls back to the thread's model
	ReasoningEffort string
	PlanMode        bool
	Attachments     []ai.AttachmentInput
}

// SendMessage registers the turn, validates and persists the user
// message, ensures the engine-side thread exists, then spawns the turn
// supervisor in the background and returns the assistant placeholder's
// message id immediately.
func (s *Service) SendMessage(ctx context.Context, in SendMessageInput) (string, error) {
	tok, err := s.registry.TryRegister(context.Background(), in.ThreadID)
	if err != nil {
		return "", err
	}

	thread, err := s.store.GetThread(ctx, in.ThreadID)
	if err != nil {
		s.registry.Finish(in.ThreadID)
		return "", fmt.Errorf("%w", ai.ErrThreadNotFound)
	}

	eng, err := s.engineFor(thread.EngineID)
	if err != nil {
		s.registry.Finish(in.ThreadID)
		return "", err
	}

	modelID := in.ModelID
	if modelID == "" {
		modelID = thread.ModelID
	}
	if !modelSupported(eng.Models(), modelID) {
		s.registry.Finish(in.ThreadID)
		return "", fmt.Errorf("%w: %s", ai.ErrModelUnsupported, modelID)
	}

	attachmentBlocks, err := ai.ValidateAttachments(in.Attachments)
	if err != nil {
		s.registry.Finish(in.ThreadID)
		return "", err
	}

	scope, sandbox, err := s.resolveSandbox(ctx, thread)
	if err != nil {
		s.registry.Finish(in.ThreadID)
		return "", err
	}

	blocks := make([]ai.ContentBlock, 0, len(attachmentBlocks)+1)
	for i := range attachmentBlocks {
		blocks = append(blocks, ai.ContentBlock{Kind: ai.BlockAttachment, Attachment: &attachmentBlocks[i]})
	}
	blocks = append(blocks, ai.ContentBlock{Kind: ai.BlockText, Text: &ai.TextBlock{Content: in.Message, PlanMode: in.PlanMode}})

	if _, err := s.store.InsertUserMessage(ctx, in.ThreadID, in.Message, blocks); err != nil {
		s.registry.Finish(in.ThreadID)
		return "", err
	}

	assistantMsg, err := s.store.CreateAssistantPlaceholder(ctx, in.ThreadID, thread.EngineID, modelID)
	if err != nil {
		s.registry.Finish(in.ThreadID)
		return "", err
	}

	// thread/start or thread/resume is re-issued every turn: the adapter's
	// in-process runtime map (keyed by engine thread id) is empty again
	// after a process restart, even though the store still remembers the
	// engine thread id from a prior turn.
	engineThreadID, err := eng.StartThread(ctx, scope, thread.EngineThreadID, modelID, sandbox)
	if err != nil {
		s.registry.Finish(in.ThreadID)
		return "", fmt.Errorf("start engine thread: %w", err)
	}
	if thread.EngineThreadID == "" {
		if err := s.store.SetEngineThreadID(ctx, in.ThreadID, engineThreadID); err != nil {
			s.log.Warn("service: persisting engine thread id failed", "thread_id", in.ThreadID, "err", err)
		}
	}

	manualTitleLocked := gjson.Get(thread.EngineMetadataJSON, ai.ManualTitleMetadataKey).Bool()
	autotitleEligible := ai.ShouldAutotitle(thread.MessageCount, manualTitleLocked)

	answers := make(chan ai.ApprovalAnswer, 8)
	s.mu.Lock()
	s.approval[in.ThreadID] = answers
	s.mu.Unlock()

	sup := ai.NewSupervisor(s.log, s.persist, eng, s.ui, s.flush)
	if s.eventLog != nil {
		sup.SetEventLog(s.eventLog)
	}
	params := ai.TurnParams{
		ThreadID:           in.ThreadID,
		WorkspaceID:        thread.WorkspaceID,
		EngineThreadID:     engineThreadID,
		AssistantMessageID: assistantMsg.ID,
		Input: ai.TurnInput{
			Message:         in.Message,
			Attachments:     attachmentBlocks,
			PlanMode:        in.PlanMode,
			ModelID:         modelID,
			ReasoningEffort: in.ReasoningEffort,
		},
		Sandbox:            sandbox,
		Scope:              scope,
		Cancel:             tok,
		AutotitleEligible:  autotitleEligible,
		AutotitleFirstUser: in.Message,
		ApprovalAnswers:    answers,
	}

	// ownership of TurnRegistry.Finish now belongs to the goroutine below
	go func() {
		defer s.registry.Finish(in.ThreadID)
		defer func() {
			s.mu.Lock()
			delete(s.approval, in.ThreadID)
			s.mu.Unlock()
		}()
		if err := sup.RunTurn(context.Background(), params); err != nil {
			s.log.Error("service: turn supervisor returned an error", "thread_id", in.ThreadID, "err", err)
		}
	}()

	return assistantMsg.ID, nil
}

func modelSupported(models []string, want string) bool {
	for _, m := range models {
		if m == want {
			return true
		}
	}
	return false
}

// CancelTurn signals the running turn's cancellation token, if any.
// Cancelling a thread with no active turn is a no-op.
func (s *Service) CancelTurn(threadID string) {
	s.registry.Cancel(threadID)
}

// RespondToApproval normalizes and forwards a decision to the engine,
// updates the flat approval side-record, and, in the same logical
// operation, either routes the decision into the live
// turn's block state (if the turn is still running) or patches the
// already-persisted message's embedded block directly (if the turn ended
// before the decision arrived, e.g. the caller answered late).
func (s *Service) RespondToApproval(ctx context.Context, threadID, approvalID string, response map[string]any) error {
	thread, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("%w", ai.ErrThreadNotFound)
	}
	eng, err := s.engineFor(thread.EngineID)
	if err != nil {
		return err
	}

	decisionRaw, _ := response["decision"].(string)
	decision := ai.NormalizeApprovalDecision(decisionRaw)

	if err := eng.RespondToApproval(ctx, approvalID, response); err != nil {
		return fmt.Errorf("engine respond to approval: %w", err)
	}
	if err := s.store.AnswerApproval(ctx, approvalID, decision); err != nil {
		return err
	}

	s.mu.Lock()
	ch, live := s.approval[threadID]
	s.mu.Unlock()

	if live {
		select {
		case ch <- ai.ApprovalAnswer{ApprovalID: approvalID, Decision: decision}:
		default:
			s.log.Warn("service: approval-answer channel full, falling back to direct patch", "thread_id", threadID, "approval_id", approvalID)
			s.patchApprovalBlock(ctx, threadID, approvalID, decision)
		}
		return nil
	}

	s.patchApprovalBlock(ctx, threadID, approvalID, decision)
	return nil
}

// patchApprovalBlock mutates the embedded Approval block on a thread's
// latest assistant message directly, for the case where respond_to_approval
// lands after the turn that raised it has already finalized.
func (s *Service) patchApprovalBlock(ctx context.Context, threadID, approvalID, decision string) {
	msg, ok, err := s.store.LatestAssistantMessage(ctx, threadID)
	if err != nil || !ok {
		return
	}
	changed := false
	for i := range msg.Blocks {
		b := &msg.Blocks[i]
		if b.Kind == ai.BlockApproval && b.Approval != nil && b.Approval.ApprovalID == approvalID {
			b.Approval.Status = ai.ApprovalAnswered
			b.Approval.Decision = decision
			changed = true
			break
		}
	}
	if !changed {
		return
	}
	if err := s.store.FlushAssistantBlocks(ctx, msg.ID, msg.Blocks, msg.Status); err != nil {
		s.log.Warn("service: direct approval patch failed", "thread_id", threadID, "message_id", msg.ID, "err", err)
	}
}
