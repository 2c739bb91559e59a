package engine

import (
	"testing"

	"github.com/turncore/turncore-agent/internal/ai"
)

func dispatchLines(t *testing.T, lines []string) []ai.EngineEvent {
	t.Helper()
	a := NewStreamJSONAdapter(nil, "sj", "stream", []string{"m"}, "true", nil)
	events := make(chan ai.EngineEvent, 64)
	tools := make(map[int64]*toolUseAccumulator)
	var usage *ai.TokenUsage
	for _, line := range lines {
		a.dispatchLine([]byte(line), tools, events, &usage)
	}
	close(events)
	var out []ai.EngineEvent
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

func TestDispatchLine_TextAndThinkingDeltas(t *testing.T) {
	t.Parallel()
	evs := dispatchLines(t, []string{
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"hel"}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"lo"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"thinking_delta","thinking":"hmm"}}`,
	})
	if len(evs) != 3 {
		t.Fatalf("expected 3 events, got %d", len(evs))
	}
	if evs[0].Kind != ai.EventTextDelta || evs[0].TextDelta.Content != "hel" {
		t.Fatalf("unexpected first event %+v", evs[0])
	}
	if evs[2].Kind != ai.EventThinkingDelta || evs[2].ThinkingDelta.Content != "hmm" {
		t.Fatalf("unexpected thinking event %+v", evs[2])
	}
}

func TestDispatchLine_ToolUseAccumulatesInputJSONDelta(t *testing.T) {
	t.Parallel()
	evs := dispatchLines(t, []string{
		`{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","name":"bash"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`,
		`{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`,
		`{"type":"content_block_stop","index":2}`,
	})

	// One ActionStarted at the first fragment, one ActionOutputDelta at stop
	// carrying the fully accumulated arguments.
	if len(evs) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(evs), evs)
	}
	if evs[0].Kind != ai.EventActionStarted || evs[0].ActionStarted.Summary != "bash" {
		t.Fatalf("unexpected start event %+v", evs[0])
	}
	if evs[1].Kind != ai.EventActionOutputDelta {
		t.Fatalf("unexpected second event %+v", evs[1])
	}
	if got := evs[1].ActionOutputDelta.Content; got != `{"cmd":"ls"}` {
		t.Fatalf("fragments not accumulated: %q", got)
	}
	if evs[1].ActionOutputDelta.ActionID != evs[0].ActionStarted.ActionID {
		t.Fatalf("output delta must reference the started action")
	}
}

func TestDispatchLine_ToolResultMapsToActionCompleted(t *testing.T) {
	t.Parallel()
	evs := dispatchLines(t, []string{
		`{"type":"tool_result","index":2,"is_error":true,"content":"command not found"}`,
	})
	if len(evs) != 1 || evs[0].Kind != ai.EventActionCompleted {
		t.Fatalf("expected one ActionCompleted, got %+v", evs)
	}
	res := evs[0].ActionCompleted.Result
	if res.Success {
		t.Fatalf("is_error must map to Success=false")
	}
	if res.Output == nil || *res.Output != "command not found" {
		t.Fatalf("unexpected output %+v", res)
	}
}

func TestDispatchLine_UsageExtractedFromAssistantAndResult(t *testing.T) {
	t.Parallel()
	a := NewStreamJSONAdapter(nil, "sj", "stream", []string{"m"}, "true", nil)
	events := make(chan ai.EngineEvent, 8)
	tools := make(map[int64]*toolUseAccumulator)
	var usage *ai.TokenUsage

	a.dispatchLine([]byte(`{"type":"assistant","message":{"usage":{"input_tokens":11,"output_tokens":3}}}`), tools, events, &usage)
	if usage == nil || usage.Input != 11 || usage.Output != 3 {
		t.Fatalf("assistant usage not captured: %+v", usage)
	}

	// The final result frame wins over the per-message snapshot.
	a.dispatchLine([]byte(`{"type":"result","usage":{"input_tokens":20,"output_tokens":9}}`), tools, events, &usage)
	if usage == nil || usage.Input != 20 || usage.Output != 9 {
		t.Fatalf("result usage not captured: %+v", usage)
	}
}

func TestPermissionModeFor(t *testing.T) {
	t.Parallel()
	if got := permissionModeFor(ai.SandboxPolicy{ApprovalMode: ai.ApprovalUntrusted}); got != "untrusted" {
		t.Fatalf("restricted sandbox: %q", got)
	}
	if got := permissionModeFor(ai.SandboxPolicy{ApprovalMode: ai.ApprovalOnRequest, AllowNetwork: true}); got != "acceptEdits" {
		t.Fatalf("trusted sandbox: %q", got)
	}
	if got := permissionModeFor(ai.SandboxPolicy{ApprovalMode: ai.ApprovalOnRequest}); got != "default" {
		t.Fatalf("standard sandbox: %q", got)
	}
}

func TestBuildArgs_AddsEveryWritableRoot(t *testing.T) {
	t.Parallel()
	a := NewStreamJSONAdapter(nil, "sj", "stream", []string{"m"}, "claude", []string{"--output-format", "stream-json"})
	sandbox := ai.SandboxPolicy{WritableRoots: []string{"/ws/a", "/ws/b"}, ApprovalMode: ai.ApprovalOnRequest}
	args := a.buildArgs("sess-1", "model-x", ai.TurnInput{Message: "hi"}, sandbox)

	var addDirs []string
	for i, arg := range args {
		if arg == "--add-dir" && i+1 < len(args) {
			addDirs = append(addDirs, args[i+1])
		}
	}
	if len(addDirs) != 2 || addDirs[0] != "/ws/a" || addDirs[1] != "/ws/b" {
		t.Fatalf("expected one --add-dir per writable root, got %v", addDirs)
	}
	if args[0] != "--output-format" {
		t.Fatalf("configured base args must come first, got %v", args)
	}
}
