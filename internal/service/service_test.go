package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/turncore/turncore-agent/internal/ai"
	"github.com/turncore/turncore-agent/internal/ai/threadstore"
	"github.com/turncore/turncore-agent/internal/config"
)

// fakeEngine is a scripted ai.Engine: SendMessage plays back a fixed
// event sequence and, if awaitApproval is set, blocks until an answer
// comes back over RespondToApproval before emitting the final event.
type fakeEngine struct {
	id     string
	models []string

	awaitApproval bool
	approved      chan string

	startThreadCalls int
	interrupted      bool
}

func newFakeEngine(id string, models ...string) *fakeEngine {
	return &fakeEngine{id: id, models: models, approved: make(chan string, 1)}
}

func (f *fakeEngine) ID() string                                    { return f.id }
func (f *fakeEngine) Name() string                                  { return f.id }
func (f *fakeEngine) Models() []string                              { return f.models }
func (f *fakeEngine) IsAvailable(ctx context.Context) bool          { return true }
func (f *fakeEngine) Version(ctx context.Context) (string, error)  { return "test", nil }

func (f *fakeEngine) StartThread(ctx context.Context, scope ai.ThreadScope, resumeID, model string, sandbox ai.SandboxPolicy) (string, error) {
	f.startThreadCalls++
	if resumeID != "" {
		return resumeID, nil
	}
	return "engine-thread-1", nil
}

func (f *fakeEngine) SendMessage(ctx context.Context, engineThreadID string, input ai.TurnInput, events chan<- ai.EngineEvent, cancel *ai.CancellationToken) error {
	events <- ai.TurnStarted()
	events <- ai.TextDelta("hello ")
	events <- ai.TextDelta("world")

	if f.awaitApproval {
		events <- ai.ApprovalRequested("appr-1", ai.ActionCommand, "run rm -rf tmp", nil)
		select {
		case <-f.approved:
		case <-cancel.Done():
			events <- ai.TurnCompleted(ai.TurnOutcomeInterrupted, nil)
			return nil
		case <-time.After(5 * time.Second):
			return context.DeadlineExceeded
		}
	}

	select {
	case <-cancel.Done():
		events <- ai.TurnCompleted(ai.TurnOutcomeInterrupted, nil)
		return nil
	default:
	}

	events <- ai.TurnCompleted(ai.TurnOutcomeCompleted, &ai.TokenUsage{Input: 10, Output: 5})
	return nil
}

func (f *fakeEngine) RespondToApproval(ctx context.Context, approvalID string, response map[string]any) error {
	f.approved <- ai.NormalizeApprovalDecision(decisionOf(response))
	return nil
}

func (f *fakeEngine) Interrupt(ctx context.Context, engineThreadID string) error {
	f.interrupted = true
	return nil
}

func decisionOf(response map[string]any) string {
	d, _ := response["decision"].(string)
	return d
}

func testSvc(t *testing.T, eng *fakeEngine) (*Service, *threadstore.Store) {
	t.Helper()
	dir := t.TempDir()
	store, err := threadstore.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := New(Options{
		Store:   store,
		Engines: map[string]ai.Engine{eng.ID(): eng},
		Flush:   config.FlushTuning{PersistIntervalMS: 1},
	})
	return svc, store
}

func mustCreateThread(t *testing.T, svc *Service, engineID, modelID string) (threadstore.Workspace, threadstore.Thread) {
	t.Helper()
	ctx := context.Background()
	ws, err := svc.OpenWorkspace(ctx, "proj", t.TempDir(), 4)
	if err != nil {
		t.Fatalf("OpenWorkspace: %v", err)
	}
	th, err := svc.CreateThread(ctx, ws.ID, "", engineID, modelID)
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	return ws, th
}

func waitForThreadStatus(t *testing.T, svc *Service, threadID string, want ai.ThreadStatus) threadstore.Thread {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		th, err := svc.GetThread(context.Background(), threadID)
		if err != nil {
			t.Fatalf("GetThread: %v", err)
		}
		if th.Status == want {
			return th
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("thread %s never reached status %s", threadID, want)
	return threadstore.Thread{}
}

func TestSendMessage_HappyPath(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	svc, _ := testSvc(t, eng)
	_, th := mustCreateThread(t, svc, "eng-1", "model-a")

	msgID, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "hi there"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if msgID == "" {
		t.Fatalf("expected a non-empty assistant message id")
	}

	final := waitForThreadStatus(t, svc, th.ID, ai.ThreadCompleted)
	if final.MessageCount != 1 {
		t.Fatalf("expected message_count 1, got %d", final.MessageCount)
	}
	if final.TotalTokens != 15 {
		t.Fatalf("expected total_tokens 15, got %d", final.TotalTokens)
	}

	msg, err := svc.store.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != ai.MessageCompleted {
		t.Fatalf("expected message completed, got %s", msg.Status)
	}
	if len(msg.Blocks) != 1 || msg.Blocks[0].Text == nil || msg.Blocks[0].Text.Content != "hello world" {
		t.Fatalf("expected a single folded text block, got %+v", msg.Blocks)
	}

	if eng.startThreadCalls != 1 {
		t.Fatalf("expected StartThread called once, got %d", eng.startThreadCalls)
	}
}

func TestSendMessage_SecondTurnOnBusyThreadFails(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	eng.awaitApproval = true // keep the first turn alive
	svc, _ := testSvc(t, eng)
	_, th := mustCreateThread(t, svc, "eng-1", "model-a")

	if _, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "hi"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	waitForThreadStatus(t, svc, th.ID, ai.ThreadAwaitingApproval)

	if _, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "again"}); err == nil {
		t.Fatalf("expected ErrThreadBusy, got nil")
	}

	// let the stuck turn settle so t.Cleanup doesn't race the store close.
	eng.approved <- "accept"
	waitForThreadStatus(t, svc, th.ID, ai.ThreadCompleted)
}

func TestSendMessage_UnsupportedModelRejected(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	svc, _ := testSvc(t, eng)
	_, th := mustCreateThread(t, svc, "eng-1", "model-a")

	_, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "hi", ModelID: "not-a-model"})
	if err == nil {
		t.Fatalf("expected an error for an unsupported model")
	}
	if svc.registry.Active(th.ID) {
		t.Fatalf("registry should have released the thread after rejecting the model")
	}
}

func TestRespondToApproval_FeedsLiveTurn(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	eng.awaitApproval = true
	svc, _ := testSvc(t, eng)
	_, th := mustCreateThread(t, svc, "eng-1", "model-a")

	msgID, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "do the risky thing"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	waitForThreadStatus(t, svc, th.ID, ai.ThreadAwaitingApproval)

	if err := svc.RespondToApproval(context.Background(), th.ID, "appr-1", map[string]any{"decision": "allow"}); err != nil {
		t.Fatalf("RespondToApproval: %v", err)
	}

	waitForThreadStatus(t, svc, th.ID, ai.ThreadCompleted)

	msg, err := svc.store.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	var found bool
	for _, b := range msg.Blocks {
		if b.Kind == ai.BlockApproval && b.Approval.ApprovalID == "appr-1" {
			found = true
			if b.Approval.Status != ai.ApprovalAnswered || b.Approval.Decision != "accept" {
				t.Fatalf("expected the embedded approval block answered+accept, got %+v", b.Approval)
			}
		}
	}
	if !found {
		t.Fatalf("expected an approval block in the final message")
	}

	rec, err := svc.store.GetApproval(context.Background(), "appr-1")
	if err != nil {
		t.Fatalf("GetApproval: %v", err)
	}
	if rec.Status != ai.ApprovalAnswered || rec.Decision != "accept" {
		t.Fatalf("expected the side-record answered+accept, got %+v", rec)
	}
}

func TestCancelTurn_MarksMessageInterrupted(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	eng.awaitApproval = true
	svc, _ := testSvc(t, eng)
	_, th := mustCreateThread(t, svc, "eng-1", "model-a")

	msgID, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	waitForThreadStatus(t, svc, th.ID, ai.ThreadAwaitingApproval)
	svc.CancelTurn(th.ID)
	waitForThreadStatus(t, svc, th.ID, ai.ThreadIdle)

	msg, err := svc.store.GetMessage(context.Background(), msgID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.Status != ai.MessageInterrupted {
		t.Fatalf("expected interrupted, got %s", msg.Status)
	}
}

func TestSendMessage_WorkspaceMultiRepoRequiresOptIn(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	svc, _ := testSvc(t, eng)
	ctx := context.Background()

	ws, err := svc.OpenWorkspace(ctx, "proj", t.TempDir(), 4)
	if err != nil {
		t.Fatalf("OpenWorkspace: %v", err)
	}
	if _, err := svc.AddRepo(ctx, ws.ID, "a", t.TempDir(), "main"); err != nil {
		t.Fatalf("AddRepo a: %v", err)
	}
	if _, err := svc.AddRepo(ctx, ws.ID, "b", t.TempDir(), "main"); err != nil {
		t.Fatalf("AddRepo b: %v", err)
	}

	th, err := svc.CreateThread(ctx, ws.ID, "", "eng-1", "model-a")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}

	if _, err := svc.SendMessage(ctx, SendMessageInput{ThreadID: th.ID, Message: "hi"}); err == nil {
		t.Fatalf("expected workspace opt-in error for a multi-repo thread")
	}
	if svc.registry.Active(th.ID) {
		t.Fatalf("registry should have released the thread after the opt-in rejection")
	}
}

func TestSendMessage_DebugEventLogMirrorsRawEvents(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	dir := t.TempDir()
	store, err := threadstore.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	svc := New(Options{
		Store:         store,
		Engines:       map[string]ai.Engine{"eng-1": eng},
		Flush:         config.FlushTuning{PersistIntervalMS: 1},
		DebugEventLog: true,
	})
	_, th := mustCreateThread(t, svc, "eng-1", "model-a")

	msgID, err := svc.SendMessage(context.Background(), SendMessageInput{ThreadID: th.ID, Message: "hi"})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitForThreadStatus(t, svc, th.ID, ai.ThreadCompleted)

	logs, err := store.ListEngineEventLogs(context.Background(), msgID)
	if err != nil {
		t.Fatalf("ListEngineEventLogs: %v", err)
	}
	// TurnStarted, the coalesced text delta, TurnCompleted at minimum.
	if len(logs) < 3 {
		t.Fatalf("expected the raw event stream mirrored into engine_event_logs, got %d rows", len(logs))
	}
}

func TestRecover_ClosesOutDanglingStreamingMessages(t *testing.T) {
	t.Parallel()
	eng := newFakeEngine("eng-1", "model-a")
	svc, store := testSvc(t, eng)
	ctx := context.Background()

	ws, err := svc.OpenWorkspace(ctx, "proj", t.TempDir(), 4)
	if err != nil {
		t.Fatalf("OpenWorkspace: %v", err)
	}
	th, err := svc.CreateThread(ctx, ws.ID, "", "eng-1", "model-a")
	if err != nil {
		t.Fatalf("CreateThread: %v", err)
	}
	if err := store.SetThreadStatus(ctx, th.ID, ai.ThreadStreaming); err != nil {
		t.Fatalf("SetThreadStatus: %v", err)
	}
	msg, err := store.CreateAssistantPlaceholder(ctx, th.ID, "eng-1", "model-a")
	if err != nil {
		t.Fatalf("CreateAssistantPlaceholder: %v", err)
	}

	if err := svc.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	gotMsg, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if gotMsg.Status != ai.MessageInterrupted {
		t.Fatalf("expected the dangling message interrupted, got %s", gotMsg.Status)
	}
	gotThread, err := store.GetThread(ctx, th.ID)
	if err != nil {
		t.Fatalf("GetThread: %v", err)
	}
	if gotThread.Status != ai.ThreadIdle {
		t.Fatalf("expected the thread idled, got %s", gotThread.Status)
	}
}
