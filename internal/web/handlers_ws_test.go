package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"lorawan-node/internal/node"
)

func newTestHub() *WSHub {
	return NewWSHub(testLogger())
}

func joined(t *testing.T, hub *WSHub, queue int) *wsClient {
	t.Helper()
	c := &wsClient{send: make(chan []byte, queue)}
	if !hub.join(c) {
		t.Fatal("join refused")
	}
	return c
}

func TestWSHubJoinLeave(t *testing.T) {
	hub := newTestHub()
	c := joined(t, hub, 4)
	if hub.Len() != 1 {
		t.Fatalf("len = %d, want 1", hub.Len())
	}
	hub.leave(c)
	if hub.Len() != 0 {
		t.Errorf("len after leave = %d", hub.Len())
	}
	if _, ok := <-c.send; ok {
		t.Error("send queue still open after leave")
	}

	// Leaving twice, or without joining, is harmless.
	hub.leave(c)
	stranger := &wsClient{send: make(chan []byte, 1)}
	hub.leave(stranger)
	select {
	case stranger.send <- []byte("x"):
	default:
		t.Error("queue of a client that never joined was closed")
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	c1 := joined(t, hub, 4)
	c2 := joined(t, hub, 4)

	hub.Broadcast(map[string]string{"type": "test"})
	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			if string(msg) != `{"type":"test"}` {
				t.Errorf("client %d got %s", i, msg)
			}
		default:
			t.Errorf("client %d got nothing", i)
		}
	}
}

func TestWSHubEvictsSlowClient(t *testing.T) {
	hub := newTestHub()
	slow := joined(t, hub, 1)
	fast := joined(t, hub, 8)

	hub.Broadcast("msg1")
	hub.Broadcast("msg2")

	if hub.Len() != 1 {
		t.Fatalf("len = %d, want 1", hub.Len())
	}
	hub.mu.Lock()
	_, fastPresent := hub.clients[fast]
	hub.mu.Unlock()
	if !fastPresent {
		t.Error("fast client evicted")
	}
	if len(fast.send) != 2 {
		t.Errorf("fast client queued %d frames, want 2", len(fast.send))
	}
	<-slow.send
	if _, ok := <-slow.send; ok {
		t.Error("slow client queue not closed")
	}
}

func TestWSHubBroadcastUnencodable(t *testing.T) {
	hub := newTestHub()
	c := joined(t, hub, 4)
	hub.Broadcast(func() {})
	if len(c.send) != 0 || hub.Len() != 1 {
		t.Errorf("queued %d frames, len %d", len(c.send), hub.Len())
	}
}

func TestWSHubClose(t *testing.T) {
	hub := newTestHub()
	c := joined(t, hub, 4)

	hub.Close()
	hub.Close()
	if _, ok := <-c.send; ok {
		t.Error("client queue open after close")
	}
	if hub.join(&wsClient{send: make(chan []byte, 1)}) {
		t.Error("join accepted after close")
	}
}

func TestConsoleSinkBroadcasts(t *testing.T) {
	hub := newTestHub()
	c := joined(t, hub, 4)

	n, err := consoleSink{hub: hub}.Write([]byte("Init - Successful\r\n"))
	if err != nil || n != 19 {
		t.Fatalf("Write = %d, %v", n, err)
	}

	var m struct {
		Type string `json:"type"`
		Data string `json:"data"`
	}
	if err := json.Unmarshal(<-c.send, &m); err != nil {
		t.Fatal(err)
	}
	if m.Type != "console" || m.Data != "Init - Successful\r\n" {
		t.Errorf("message = %+v", m)
	}
}

func TestWSStream(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var snapshot struct {
		Type string      `json:"type"`
		Data node.Status `json:"data"`
	}
	if err := json.Unmarshal(data, &snapshot); err != nil {
		t.Fatal(err)
	}
	if snapshot.Type != "status" || snapshot.Data.Band != "EU868" {
		t.Errorf("first frame = %+v", snapshot)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.srv.wsHub.Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.bus.Emit(node.Event{Type: node.EventJoin, Data: node.JoinData{Status: "accepted", DevAddr: 0x26011234}})

	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Type string        `json:"type"`
		Data node.JoinData `json:"data"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got.Type != node.EventJoin || got.Data.DevAddr != 0x26011234 {
		t.Errorf("event = %+v", got)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"keys":"2"}`)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-env.input.fed:
	case <-time.After(2 * time.Second):
		t.Fatal("keys from websocket never reached the input")
	}
	if env.input.String() != "2" {
		t.Errorf("keys = %q, want 2", env.input.String())
	}
}
