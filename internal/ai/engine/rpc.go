// Package engine holds the concrete Engine adapters: RPC-over-transport,
// stream-JSON subprocess, and native API. Each adapter is a thin driver;
// all adapters share the same ai.Engine contract and emit into the same
// ai.EngineEvent stream.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/turncore/turncore-agent/internal/ai"
	"github.com/turncore/turncore-agent/internal/ai/mapper"
	"github.com/turncore/turncore-agent/internal/ai/transport"
)

// Default per-method RPC deadlines.
const (
	defaultRequestTimeout  = 30 * time.Second
	turnStartTimeout       = 10 * time.Minute
	interruptTimeout       = 5 * time.Second
	graceAfterTurnComplete = 600 * time.Millisecond
	graceResponseOnly      = 2 * time.Second
)

// threadRuntime is the per-engine-thread state an RPC adapter must recall
// across turns: the cwd, approval policy, and sandbox policy
// json sent at thread/start, plus the last known active turn id.
type threadRuntime struct {
	mu              sync.Mutex
	cwd             string
	approvalPolicy  string
	sandboxJSON     string
	activeTurnID    string
}

// RPCAdapter drives an engine that speaks line-delimited JSON-RPC over a
// single long-lived transport shared by every thread of that engine.
type RPCAdapter struct {
	log    *slog.Logger
	id     string
	name   string
	models []string
	bin    string
	args   []string

	mu          sync.Mutex
	t           *transport.Transport
	initialized bool

	runtimesMu sync.Mutex
	runtimes   map[string]*threadRuntime

	pendingMu sync.Mutex
	pending   map[string]any // approvalID -> original server-request id

	postCompletionGrace time.Duration
}

// NewRPCAdapter constructs an adapter for an engine driven over bin/args.
// The transport is spawned lazily on first use (StartThread or
// IsAvailable), not at construction time.
func NewRPCAdapter(log *slog.Logger, id, name string, models []string, bin string, args []string) *RPCAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &RPCAdapter{
		log: log, id: id, name: name, models: models, bin: bin, args: args,
		runtimes:            make(map[string]*threadRuntime),
		pending:             make(map[string]any),
		postCompletionGrace: graceAfterTurnComplete,
	}
}

// SetPostCompletionGrace overrides the drain window after TurnCompleted;
// different engines settle their trailing notifications at different
// rates, so the default is a tunable, not a constant.
func (a *RPCAdapter) SetPostCompletionGrace(d time.Duration) {
	if d > 0 {
		a.postCompletionGrace = d
	}
}

func (a *RPCAdapter) ID() string     { return a.id }
func (a *RPCAdapter) Name() string   { return a.name }
func (a *RPCAdapter) Models() []string { return a.models }

func (a *RPCAdapter) IsAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath(a.bin); err != nil {
		return false
	}
	t, err := a.ensureTransport(ctx)
	return err == nil && t.IsAlive() && checkLiveness(ctx, t.PID())
}

func (a *RPCAdapter) Version(ctx context.Context) (string, error) {
	t, err := a.ensureTransport(ctx)
	if err != nil {
		return "", err
	}
	result, err := t.Request(ctx, "version", map[string]any{}, defaultRequestTimeout)
	if err != nil {
		return "", err
	}
	return gjson.GetBytes(result, "version").String(), nil
}

// ensureTransport spawns the child on first call and performs the
// initialize/initialized handshake exactly once.
func (a *RPCAdapter) ensureTransport(ctx context.Context) (*transport.Transport, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.t != nil && a.t.IsAlive() {
		return a.t, nil
	}
	t, err := transport.Spawn(context.Background(), a.log.With("engine", a.id), a.bin, a.args)
	if err != nil {
		return nil, fmt.Errorf("engine %s: spawn: %w", a.id, err)
	}
	if _, err := t.Request(ctx, "initialize", map[string]any{"engine": a.id}, defaultRequestTimeout); err != nil {
		t.Shutdown()
		return nil, fmt.Errorf("engine %s: initialize: %w", a.id, err)
	}
	if err := t.Notify("initialized", map[string]any{}); err != nil {
		t.Shutdown()
		return nil, fmt.Errorf("engine %s: initialized notify: %w", a.id, err)
	}
	a.t = t
	a.initialized = true
	return t, nil
}

func (a *RPCAdapter) StartThread(ctx context.Context, scope ai.ThreadScope, resumeID, model string, sandbox ai.SandboxPolicy) (string, error) {
	t, err := a.ensureTransport(ctx)
	if err != nil {
		return "", err
	}

	method := "thread/start"
	if strings.TrimSpace(resumeID) != "" {
		method = "thread/resume"
	}
	cwd := scope.RepoPath
	if cwd == "" && len(scope.WorkspaceRoots) > 0 {
		cwd = scope.WorkspaceRoots[0]
	}
	sandboxJSON, _ := json.Marshal(map[string]any{
		"writable_roots": sandbox.WritableRoots,
		"allow_network":  sandbox.AllowNetwork,
	})
	params := map[string]any{
		"cwd":             cwd,
		"model":           model,
		"approval_policy": sandbox.ApprovalMode,
		"sandbox_policy":  json.RawMessage(sandboxJSON),
	}
	if method == "thread/resume" {
		params["thread_id"] = resumeID
	}

	result, err := t.Request(ctx, method, params, defaultRequestTimeout)
	if err != nil {
		return "", fmt.Errorf("engine %s: %s: %w", a.id, method, err)
	}
	engineThreadID := gjson.GetBytes(result, "thread_id").String()
	if engineThreadID == "" {
		engineThreadID = resumeID
	}

	rt := &threadRuntime{cwd: cwd, approvalPolicy: sandbox.ApprovalMode, sandboxJSON: string(sandboxJSON)}
	a.runtimesMu.Lock()
	a.runtimes[engineThreadID] = rt
	a.runtimesMu.Unlock()

	return engineThreadID, nil
}

// threadMatches implements the per-thread notification filter: match any
// of {threadId, conversationId, sessionId} at top level or one nested
// level deep.
func threadMatches(params gjson.Result, engineThreadID string) bool {
	keys := []string{"thread_id", "threadId", "conversation_id", "conversationId", "session_id", "sessionId"}
	for _, k := range keys {
		if v := params.Get(k); v.Exists() && v.String() == engineThreadID {
			return true
		}
	}
	// One nested level deep, e.g. {"turn": {"thread_id": "..."}}.
	var match bool
	params.ForEach(func(_, v gjson.Result) bool {
		if !v.IsObject() {
			return true
		}
		for _, k := range keys {
			if nv := v.Get(k); nv.Exists() && nv.String() == engineThreadID {
				match = true
				return false
			}
		}
		return true
	})
	return match
}

// SendMessage implements the RPC-variant turn loop.
func (a *RPCAdapter) SendMessage(ctx context.Context, engineThreadID string, input ai.TurnInput, events chan<- ai.EngineEvent, cancel *ai.CancellationToken) error {
	t, err := a.ensureTransport(ctx)
	if err != nil {
		return err
	}

	a.runtimesMu.Lock()
	rt := a.runtimes[engineThreadID]
	a.runtimesMu.Unlock()
	if rt == nil {
		return fmt.Errorf("engine %s: unknown thread %s (StartThread not called)", a.id, engineThreadID)
	}

	// Subscribe BEFORE issuing turn/start so no notification racing the
	// request/response round trip is missed.
	sub, unsubscribe := t.Subscribe()
	defer unsubscribe()

	m := mapper.New(func() string { return uuid.NewString() })

	turnParams := map[string]any{
		"thread_id": engineThreadID,
		"message":   input.Message,
		"model":     input.ModelID,
		"plan_mode": input.PlanMode,
	}
	if len(input.Attachments) > 0 {
		atts := make([]map[string]any, 0, len(input.Attachments))
		for _, att := range input.Attachments {
			atts = append(atts, map[string]any{"path": att.FilePath, "name": att.FileName})
		}
		turnParams["attachments"] = atts
	}
	raw, _ := json.Marshal(turnParams)
	if input.ReasoningEffort != "" {
		raw, _ = sjson.SetBytes(raw, "reasoning_effort", input.ReasoningEffort)
	}

	type turnResult struct {
		result json.RawMessage
		err    error
	}
	respCh := make(chan turnResult, 1)
	go func() {
		result, err := t.Request(ctx, "turn/start", json.RawMessage(raw), turnStartTimeout)
		respCh <- turnResult{result: result, err: err}
	}()

	var (
		turnCompleted   bool
		responseArrived bool
		responseResult  json.RawMessage
		responseErr     error
		graceTimer      *time.Timer
	)
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	armGrace := func(d time.Duration) <-chan time.Time {
		if graceTimer != nil {
			graceTimer.Stop()
		}
		graceTimer = time.NewTimer(d)
		return graceTimer.C
	}

	var graceCh <-chan time.Time
	interrupted := false

	for {
		select {
		case <-cancel.Done():
			if !interrupted {
				interrupted = true
				a.sendInterrupt(context.Background(), t, rt, engineThreadID)
			}

		case f, ok := <-sub:
			if !ok {
				sub = nil
				continue
			}
			if f.IsNotification() {
				if !threadMatches(gjson.ParseBytes(f.Params), engineThreadID) && f.Method != transport.MethodEOF && f.Method != transport.MethodParseError {
					continue
				}
				if mapper.NormalizeMethod(f.Method) == "turn/started" {
					if id := gjson.ParseBytes(f.Params).Get("turn_id"); id.Exists() {
						rt.mu.Lock()
						rt.activeTurnID = id.String()
						rt.mu.Unlock()
					}
				}
				for _, ev := range m.MapNotification(f.Method, f.Params) {
					if ev.Kind == ai.EventTurnCompleted {
						turnCompleted = true
					}
					emit(events, ev)
				}
			} else if f.IsRequest() {
				ev, approvalID, recognized := m.MapServerRequest(f.Method, f.Params)
				if recognized {
					a.pendingMu.Lock()
					a.pending[approvalID] = f.ID
					a.pendingMu.Unlock()
				} else {
					_ = t.RespondError(f.ID, -32601, "unsupported method: "+f.Method)
				}
				emit(events, ev)
			}

		case r := <-respCh:
			responseArrived = true
			responseResult, responseErr = r.result, r.err
			respCh = nil
			if responseErr != nil && !turnCompleted {
				// No TurnCompleted will follow a failed turn/start.
				goto settle
			}
			if responseErr == nil && !turnCompleted {
				graceCh = armGrace(graceResponseOnly)
			}

		case <-graceCh:
			graceCh = nil
			goto settle

		case <-ctx.Done():
			return ctx.Err()
		}

		if turnCompleted && responseArrived && graceCh == nil {
			graceCh = armGrace(a.postCompletionGrace)
		}
	}

settle:
	rt.mu.Lock()
	rt.activeTurnID = ""
	rt.mu.Unlock()

	if responseErr != nil {
		return fmt.Errorf("engine %s: turn/start: %w", a.id, responseErr)
	}
	if !turnCompleted {
		ev := m.MapTurnResult(ai.TurnOutcomeCompleted, responseResult)
		emit(events, ev)
	}
	return nil
}

func emit(events chan<- ai.EngineEvent, ev ai.EngineEvent) {
	if ev.Kind == "" {
		return
	}
	events <- ev
}

func (a *RPCAdapter) sendInterrupt(ctx context.Context, t *transport.Transport, rt *threadRuntime, engineThreadID string) {
	rt.mu.Lock()
	turnID := rt.activeTurnID
	rt.mu.Unlock()

	params := map[string]any{"thread_id": engineThreadID}
	if turnID != "" {
		params["turn_id"] = turnID
	}
	ictx, cancel := context.WithTimeout(ctx, interruptTimeout)
	defer cancel()
	if _, err := t.Request(ictx, "turn/interrupt", params, interruptTimeout); err != nil {
		// Engine doesn't support the request variant; fall back to a
		// best-effort notification.
		_ = t.Notify("turn/interrupt", params)
	}
}

func (a *RPCAdapter) Interrupt(ctx context.Context, engineThreadID string) error {
	a.mu.Lock()
	t := a.t
	a.mu.Unlock()
	if t == nil {
		return nil
	}
	a.runtimesMu.Lock()
	rt := a.runtimes[engineThreadID]
	a.runtimesMu.Unlock()
	if rt == nil {
		rt = &threadRuntime{}
	}
	a.sendInterrupt(ctx, t, rt, engineThreadID)
	return nil
}

// RespondToApproval sends a successful RPC response to the server's
// original approval request, decision-normalized.
func (a *RPCAdapter) RespondToApproval(ctx context.Context, approvalID string, response map[string]any) error {
	a.pendingMu.Lock()
	reqID, ok := a.pending[approvalID]
	if ok {
		delete(a.pending, approvalID)
	}
	a.pendingMu.Unlock()
	if !ok {
		return fmt.Errorf("approval %s: %w", approvalID, ai.ErrNoSuchApproval)
	}

	a.mu.Lock()
	t := a.t
	a.mu.Unlock()
	if t == nil {
		return fmt.Errorf("engine %s: transport not started", a.id)
	}

	normalized := make(map[string]any, len(response))
	for k, v := range response {
		normalized[k] = v
	}
	if decision, ok := response["decision"].(string); ok {
		normalized["decision"] = ai.NormalizeApprovalDecision(decision)
	}
	return t.Respond(reqID, normalized)
}

var _ ai.Engine = (*RPCAdapter)(nil)

// checkLiveness cross-checks the child pid is still a live OS process
// beyond the bare exec.Cmd bookkeeping.
func checkLiveness(ctx context.Context, pid int32) bool {
	running, err := process.PidExistsWithContext(ctx, pid)
	return err == nil && running
}
