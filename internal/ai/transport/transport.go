// Package transport implements the long-lived, line-delimited JSON-RPC
// duplex over a child process's stdio. It is shared by every
// thread driven by one RPC-variant engine: one Transport per engine
// process, serialized writes, fanned-out reads.
package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tidwall/gjson"
)

// Frame is a decoded line of the wire protocol. Exactly one of the three
// shapes applies:
//   - Method != "" && ID != nil  -> server-initiated Request
//   - Method != "" && ID == nil  -> Notification
//   - Method == "" && ID != nil  -> Response (Result xor Error populated)
type Frame struct {
	Method string
	ID     any
	Params json.RawMessage
	Result json.RawMessage
	Err    *RPCError
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (f Frame) IsRequest() bool      { return f.Method != "" && f.ID != nil }
func (f Frame) IsNotification() bool { return f.Method != "" && f.ID == nil }
func (f Frame) IsResponse() bool     { return f.Method == "" && f.ID != nil }

const (
	// Synthetic notifications the transport broadcasts on its own, never
	// sent by the child.
	MethodEOF        = "transport/eof"
	MethodParseError = "transport/parse_error"
)

// Transport owns one child process and its line-delimited JSON-RPC duplex.
type Transport struct {
	log *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	nextID  int64
	pending sync.Map // id (string) -> chan Frame

	broadcastMu sync.Mutex
	subscribers map[int]chan Frame
	nextSubID   int

	closeOnce sync.Once
	closed    chan struct{}
}

// Spawn starts the child and begins reading its stdout in a background
// goroutine. The caller must call Shutdown when done.
func Spawn(ctx context.Context, log *slog.Logger, name string, args []string) (*Transport, error) {
	if log == nil {
		log = slog.Default()
	}
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error { return cmd.Process.Kill() }

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("transport: start %s: %w", name, err)
	}

	t := &Transport{
		log:         log,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		enc:         json.NewEncoder(stdin),
		subscribers: make(map[int]chan Frame),
		closed:      make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// PID returns the child process id, or 0 if it never started.
func (t *Transport) PID() int32 {
	if t == nil || t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return int32(t.cmd.Process.Pid)
}

// IsAlive non-blockingly checks the child's status.
func (t *Transport) IsAlive() bool {
	if t == nil || t.cmd == nil || t.cmd.Process == nil {
		return false
	}
	select {
	case <-t.closed:
		return false
	default:
	}
	return t.cmd.ProcessState == nil
}

// Shutdown kills and reaps the child, unblocking any pending requests.
func (t *Transport) Shutdown() {
	if t == nil {
		return
	}
	t.closeOnce.Do(func() {
		close(t.closed)
		_ = t.stdin.Close()
		if t.cmd != nil && t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
			_, _ = t.cmd.Process.Wait()
		}
		t.broadcastMu.Lock()
		for id, ch := range t.subscribers {
			close(ch)
			delete(t.subscribers, id)
		}
		t.broadcastMu.Unlock()

		t.pending.Range(func(key, value any) bool {
			close(value.(chan Frame))
			t.pending.Delete(key)
			return true
		})
	})
}

// Subscribe registers a receiver for every Notification and
// server-initiated Request the transport reads (never Responses, which go
// only to their matching Request call). The returned channel is closed on
// Shutdown. The channel buffers 64 frames; while it is full, further
// frames for that subscriber are dropped (with a warning) so the read
// loop never blocks.
func (t *Transport) Subscribe() (ch <-chan Frame, unsubscribe func()) {
	t.broadcastMu.Lock()
	defer t.broadcastMu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	c := make(chan Frame, 64)
	t.subscribers[id] = c
	return c, func() {
		t.broadcastMu.Lock()
		defer t.broadcastMu.Unlock()
		if existing, ok := t.subscribers[id]; ok {
			close(existing)
			delete(t.subscribers, id)
		}
	}
}

// Request assigns an id, registers a waiter, writes the frame, and blocks
// until a matching Response arrives or timeout elapses. On timeout the
// pending entry is removed so a late response is silently dropped.
func (t *Transport) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := fmt.Sprintf("%d", atomic.AddInt64(&t.nextID, 1))
	waiter := make(chan Frame, 1)
	t.pending.Store(id, waiter)
	defer t.pending.Delete(id)

	if err := t.writeFrame(map[string]any{"jsonrpc": "2.0", "id": id, "method": method, "params": params}); err != nil {
		return nil, err
	}

	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case f, ok := <-waiter:
		if !ok {
			return nil, errors.New("transport: shut down while awaiting response")
		}
		if f.Err != nil {
			return nil, f.Err
		}
		return f.Result, nil
	case <-tctx.Done():
		return nil, fmt.Errorf("transport: request %s timed out after %s", method, timeout)
	}
}

// Notify sends a fire-and-forget notification (no id, no response expected).
func (t *Transport) Notify(method string, params any) error {
	return t.writeFrame(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// Respond sends a successful response to a server-initiated request,
// keyed by the original request's id; RespondError sends an error one.
func (t *Transport) Respond(id any, result any) error {
	return t.writeFrame(map[string]any{"jsonrpc": "2.0", "id": id, "result": result})
}

func (t *Transport) RespondError(id any, code int, message string) error {
	return t.writeFrame(map[string]any{"jsonrpc": "2.0", "id": id, "error": map[string]any{"code": code, "message": message}})
}

func (t *Transport) writeFrame(msg map[string]any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := t.enc.Encode(msg); err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

func (t *Transport) readLoop() {
	scanner := bufio.NewScanner(t.stdout)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := parseFrame(line)
		if err != nil {
			t.log.Warn("transport: parse error", "err", err)
			t.broadcast(Frame{Method: MethodParseError})
			continue
		}
		t.dispatch(f)
	}

	t.broadcast(Frame{Method: MethodEOF})
}

func parseFrame(line []byte) (Frame, error) {
	if !gjson.ValidBytes(line) {
		return Frame{}, errors.New("invalid json")
	}
	parsed := gjson.ParseBytes(line)

	var f Frame
	if m := parsed.Get("method"); m.Exists() {
		f.Method = m.String()
	}
	if idv := parsed.Get("id"); idv.Exists() {
		f.ID = idv.Value()
	}
	if p := parsed.Get("params"); p.Exists() {
		f.Params = json.RawMessage(p.Raw)
	}
	if r := parsed.Get("result"); r.Exists() {
		f.Result = json.RawMessage(r.Raw)
	}
	if e := parsed.Get("error"); e.Exists() {
		f.Err = &RPCError{Code: int(e.Get("code").Int()), Message: e.Get("message").String()}
	}
	return f, nil
}

func (t *Transport) dispatch(f Frame) {
	if f.IsResponse() {
		idStr := fmt.Sprintf("%v", f.ID)
		if v, ok := t.pending.LoadAndDelete(idStr); ok {
			v.(chan Frame) <- f
		}
		// A response for an id we no longer have a waiter for (timed out,
		// or a stray duplicate) is dropped, never broadcast.
		return
	}
	t.broadcast(f)
}

func (t *Transport) broadcast(f Frame) {
	t.broadcastMu.Lock()
	defer t.broadcastMu.Unlock()
	for _, ch := range t.subscribers {
		select {
		case ch <- f:
		default:
			// Slow subscriber: drop rather than block the read loop for
			// everyone else. Notifications are best-effort fan-out.
			t.log.Warn("transport: subscriber channel full, dropping frame", "method", f.Method)
		}
	}
}
