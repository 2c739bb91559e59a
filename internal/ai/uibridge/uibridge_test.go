package uibridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/turncore/turncore-agent/internal/ai"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := New(Options{Port: 0})
	s.port = 0
	// Port 0 lets the OS pick a free loopback port; grab it back out of
	// the listener once bound instead of guessing one.
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	s.port = s.ln.Addr().(*net.TCPAddr).Port
	t.Cleanup(func() {
		cancel()
		_ = s.Close()
	})
	return s
}

func dial(t *testing.T, s *Server, topic string) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws://127.0.0.1:%d/ws", s.Port())
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := c.WriteJSON(subscribeMsg{Type: "subscribe", Topic: topic}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEmitStreamEvent_ReachesSubscriber(t *testing.T) {
	t.Parallel()
	s := startTestServer(t)
	c := dial(t, s, "stream-event-th1")

	// give the subscribe message time to register before emitting.
	time.Sleep(50 * time.Millisecond)
	s.EmitStreamEvent("th1", ai.TextDelta("hello"))

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Topic != "stream-event-th1" {
		t.Fatalf("expected topic stream-event-th1, got %s", env.Topic)
	}
}

func TestEmitThreadUpdated_UnrelatedSubscriberNotReached(t *testing.T) {
	t.Parallel()
	s := startTestServer(t)
	c := dial(t, s, "stream-event-other-thread")
	time.Sleep(50 * time.Millisecond)

	s.EmitThreadUpdated("th1", "ws1")

	c.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := c.ReadMessage(); err == nil {
		t.Fatalf("expected a read timeout, subscriber is on an unrelated topic")
	}
}

func TestBroadcast_NoSubscribersDoesNotBlock(t *testing.T) {
	t.Parallel()
	s := startTestServer(t)
	done := make(chan struct{})
	go func() {
		s.EmitStreamEvent("nobody-listening", ai.TextDelta("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("EmitStreamEvent blocked with no subscribers")
	}
}
