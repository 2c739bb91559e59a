// Package uibridge is a loopback debug/dev bridge that fans the turn
// supervisor's stream events and thread updates out to a local UI over a
// websocket, topic-addressed the same way the engine event stream itself
// is addressed: "stream-event-<threadId>", "approval-request-<threadId>",
// and "thread-updated". It implements ai.UIEmitter
// and is wired in as an alternative to ai.NopUIEmitter when a local UI is
// attached; it is never required for correctness of the turn supervisor.
package uibridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turncore/turncore-agent/internal/ai"
)

// Options configures a Server. Port 0 picks 23997, the agent's default
// local debug port.
type Options struct {
	Logger *slog.Logger
	Port   int
}

// Server is a best-effort, loopback-only fan-out of ai.UIEmitter calls to
// any number of subscribed websocket clients. Never returns an error to
// the supervisor: EmitStreamEvent/EmitApprovalRequest/EmitThreadUpdated
// are fire-and-forget.
type Server struct {
	log  *slog.Logger
	port int

	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*conn]struct{}

	ln  net.Listener
	srv *http.Server
}

var _ ai.UIEmitter = (*Server)(nil)

func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	port := opts.Port
	if port == 0 {
		port = 23997
	}
	return &Server{
		log:  log,
		port: port,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") || strings.Contains(origin, "[::1]")
			},
		},
		subs: make(map[string]map[*conn]struct{}),
	}
}

// Start binds a loopback-only listener and begins serving /ws.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("uibridge: listen %s: %w", addr, err)
	}
	s.ln = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("uibridge: server stopped", "error", err)
		}
	}()

	s.log.Info("uibridge listening", "port", s.port)
	return nil
}

func (s *Server) Close() error {
	if s.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(ctx)
	}
	if s.ln != nil {
		_ = s.ln.Close()
	}
	return nil
}

func (s *Server) Port() int { return s.port }

// conn is one subscriber's websocket plus its own send queue, so one slow
// reader can never block another subscriber or the broadcaster.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	topics map[string]struct{}
}

type subscribeMsg struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
}

type envelope struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("uibridge: upgrade failed", "error", err)
		return
	}
	c := &conn{ws: ws, send: make(chan []byte, 64), topics: make(map[string]struct{})}

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) readPump(c *conn) {
	defer s.dropConn(c)
	defer c.ws.Close()
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var msg subscribeMsg
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "subscribe":
			s.addSub(c, msg.Topic)
		case "unsubscribe":
			s.removeSub(c, msg.Topic)
		}
	}
}

func (s *Server) writePump(c *conn) {
	for payload := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
}

func (s *Server) addSub(c *conn, topic string) {
	if topic == "" {
		return
	}
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.subs[topic]
	if !ok {
		set = make(map[*conn]struct{})
		s.subs[topic] = set
	}
	set[c] = struct{}{}
}

func (s *Server) removeSub(c *conn, topic string) {
	c.mu.Lock()
	delete(c.topics, topic)
	c.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if set, ok := s.subs[topic]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(s.subs, topic)
		}
	}
}

// dropConn removes c from every topic it was subscribed to once its
// socket dies.
func (s *Server) dropConn(c *conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.mu.Lock()
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()
	for _, t := range topics {
		if set, ok := s.subs[t]; ok {
			delete(set, c)
			if len(set) == 0 {
				delete(s.subs, t)
			}
		}
	}
	close(c.send)
}

// broadcast marshals payload once and fans it out to every subscriber of
// topic, dropping the message for any subscriber whose send queue is
// already full rather than blocking the caller.
func (s *Server) broadcast(topic string, payload any) {
	raw, err := json.Marshal(envelope{Topic: topic, Payload: payload})
	if err != nil {
		s.log.Warn("uibridge: marshal failed", "topic", topic, "error", err)
		return
	}

	s.mu.Lock()
	subs := s.subs[topic]
	conns := make([]*conn, 0, len(subs))
	for c := range subs {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		select {
		case c.send <- raw:
		default:
			s.log.Debug("uibridge: dropped message, subscriber queue full", "topic", topic)
		}
	}
}

func (s *Server) EmitStreamEvent(threadID string, event ai.EngineEvent) {
	s.broadcast("stream-event-"+threadID, event)
}

func (s *Server) EmitApprovalRequest(threadID string, event ai.EngineEvent) {
	s.broadcast("approval-request-"+threadID, event)
}

func (s *Server) EmitThreadUpdated(threadID, workspaceID string) {
	s.broadcast("thread-updated", map[string]string{"thread_id": threadID, "workspace_id": workspaceID})
}
