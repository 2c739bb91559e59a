package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/turncore/turncore-agent/internal/ai"
)

// StreamJSONAdapter drives an engine that accepts one prompt per
// invocation and streams JSONL events to stdout: a fresh
// child is spawned per turn, unlike the RPC variant's one shared
// transport.
type StreamJSONAdapter struct {
	log    *slog.Logger
	id     string
	name   string
	models []string
	bin    string
	args   []string

	threadsMu sync.Mutex
	threads   map[string]ai.SandboxPolicy // engineThreadID (== stable sessionId) -> sandbox at StartThread
}

func NewStreamJSONAdapter(log *slog.Logger, id, name string, models []string, bin string, args []string) *StreamJSONAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &StreamJSONAdapter{
		log: log, id: id, name: name, models: models, bin: bin, args: args,
		threads: make(map[string]ai.SandboxPolicy),
	}
}

func (a *StreamJSONAdapter) ID() string       { return a.id }
func (a *StreamJSONAdapter) Name() string     { return a.name }
func (a *StreamJSONAdapter) Models() []string { return a.models }

func (a *StreamJSONAdapter) IsAvailable(ctx context.Context) bool {
	_, err := exec.LookPath(a.bin)
	return err == nil
}

func (a *StreamJSONAdapter) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, a.bin, "--version")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("engine %s: --version: %w", a.id, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// StartThread for a stream-JSON engine only mints the stable session id
// that keeps conversation continuity across per-turn subprocess
// invocations, and records the sandbox policy each subsequent turn's
// fresh child must be launched with.
func (a *StreamJSONAdapter) StartThread(ctx context.Context, scope ai.ThreadScope, resumeID, model string, sandbox ai.SandboxPolicy) (string, error) {
	sessionID := resumeID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	a.threadsMu.Lock()
	a.threads[sessionID] = sandbox
	a.threadsMu.Unlock()
	return sessionID, nil
}

func (a *StreamJSONAdapter) buildArgs(engineThreadID, model string, input ai.TurnInput, sandbox ai.SandboxPolicy) []string {
	args := append([]string{}, a.args...)
	args = append(args, "--session-id", engineThreadID, "--model", model, "--permission-mode", permissionModeFor(sandbox))
	for _, root := range sandbox.WritableRoots {
		args = append(args, "--add-dir", root)
	}
	args = append(args, "--prompt", input.Message)
	return args
}

func permissionModeFor(sandbox ai.SandboxPolicy) string {
	if sandbox.ApprovalMode == ai.ApprovalUntrusted {
		return "untrusted"
	}
	if sandbox.AllowNetwork {
		return "acceptEdits"
	}
	return "default"
}

// toolUseAccumulator tracks one in-progress tool_use content block by its
// stream index while input_json_delta fragments arrive.
type toolUseAccumulator struct {
	actionID string
	name     string
	argsJSON strings.Builder
	started  bool
}

func (a *StreamJSONAdapter) SendMessage(ctx context.Context, engineThreadID string, input ai.TurnInput, events chan<- ai.EngineEvent, cancel *ai.CancellationToken) error {
	a.threadsMu.Lock()
	sandbox := a.threads[engineThreadID]
	a.threadsMu.Unlock()

	cmd := exec.CommandContext(ctx, a.bin, a.buildArgs(engineThreadID, input.ModelID, input, sandbox)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine %s: stdout pipe: %w", a.id, err)
	}
	var stderrBuf strings.Builder
	cmd.Stderr = &stderrWriter{buf: &stderrBuf}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engine %s: start: %w", a.id, err)
	}

	killOnCancel := make(chan struct{})
	go func() {
		select {
		case <-cancel.Done():
			if runtime.GOOS == "windows" {
				a.log.Warn("engine stream-json: no termination signal on this platform, killing child", "engine", a.id, "goos", runtime.GOOS)
			}
			if err := terminateProcess(cmd); err != nil {
				a.log.Warn("engine stream-json: cancel signal unsupported on this platform", "engine", a.id, "goos", runtime.GOOS, "err", err)
			}
		case <-killOnCancel:
		}
	}()
	defer close(killOnCancel)

	events <- ai.TurnStarted()

	tools := make(map[int64]*toolUseAccumulator)
	var usage *ai.TokenUsage

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		a.dispatchLine(line, tools, events, &usage)
	}
	scanErr := scanner.Err()

	waitErr := cmd.Wait()

	if waitErr != nil {
		if cancel.Requested() {
			events <- ai.TurnCompleted(ai.TurnOutcomeInterrupted, usage)
			return nil
		}
		msg := strings.TrimSpace(stderrBuf.String())
		if msg == "" {
			msg = waitErr.Error()
		}
		events <- ai.TurnCompleted(ai.TurnOutcomeFailed, usage)
		return fmt.Errorf("engine %s: exited with error: %s", a.id, msg)
	}
	if scanErr != nil {
		return fmt.Errorf("engine %s: reading stdout: %w", a.id, scanErr)
	}

	events <- ai.TurnCompleted(ai.TurnOutcomeCompleted, usage)
	return nil
}

func (a *StreamJSONAdapter) dispatchLine(line []byte, tools map[int64]*toolUseAccumulator, events chan<- ai.EngineEvent, usage **ai.TokenUsage) {
	p := gjson.ParseBytes(line)
	switch p.Get("type").String() {
	case "content_block_start":
		idx := p.Get("index").Int()
		cb := p.Get("content_block")
		if cb.Get("type").String() != "tool_use" {
			return
		}
		acc := &toolUseAccumulator{actionID: strconv.FormatInt(idx, 10), name: cb.Get("name").String()}
		tools[idx] = acc

	case "content_block_delta":
		idx := p.Get("index").Int()
		delta := p.Get("delta")
		switch delta.Get("type").String() {
		case "text_delta":
			events <- ai.TextDelta(delta.Get("text").String())
		case "thinking_delta":
			events <- ai.ThinkingDelta(delta.Get("thinking").String())
		case "input_json_delta":
			if acc := tools[idx]; acc != nil {
				acc.argsJSON.WriteString(delta.Get("partial_json").String())
				if !acc.started {
					acc.started = true
					events <- ai.ActionStarted(acc.actionID, "", ai.ActionOther, acc.name, nil)
				}
			}
		}

	case "content_block_stop":
		idx := p.Get("index").Int()
		acc := tools[idx]
		if acc == nil {
			return
		}
		events <- ai.ActionOutputDelta(acc.actionID, ai.StreamStdout, acc.argsJSON.String())
		delete(tools, idx)

	case "tool_result":
		actionID := strconv.FormatInt(p.Get("index").Int(), 10)
		res := ai.ActionResult{Success: !p.Get("is_error").Bool()}
		if out := p.Get("content").String(); out != "" {
			res.Output = &out
		}
		events <- ai.ActionCompleted(actionID, res)

	case "assistant":
		if u := p.Get("message.usage"); u.Exists() {
			*usage = &ai.TokenUsage{Input: u.Get("input_tokens").Int(), Output: u.Get("output_tokens").Int()}
		}

	case "result":
		if u := p.Get("usage"); u.Exists() {
			*usage = &ai.TokenUsage{Input: u.Get("input_tokens").Int(), Output: u.Get("output_tokens").Int()}
		}

	case "system":
		// Informational; no event to fold.
	}
}

func (a *StreamJSONAdapter) RespondToApproval(ctx context.Context, approvalID string, response map[string]any) error {
	return errors.New("stream-json engines do not support mid-turn approval round trips")
}

func (a *StreamJSONAdapter) Interrupt(ctx context.Context, engineThreadID string) error {
	// SendMessage's own cancellation watcher performs the termination;
	// nothing further to do here since each turn owns its own child
	// process.
	return nil
}

type stderrWriter struct {
	buf *strings.Builder
}

func (w *stderrWriter) Write(p []byte) (int, error) {
	if w.buf.Len() < 64*1024 {
		w.buf.Write(p)
	}
	return len(p), nil
}

var _ io.Writer = (*stderrWriter)(nil)
var _ ai.Engine = (*StreamJSONAdapter)(nil)
