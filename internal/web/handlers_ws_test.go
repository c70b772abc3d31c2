package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"ota-device/internal/pal"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func waitClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.Clients(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.unregister <- client
	waitClients(t, hub, 0)
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	waitClients(t, hub, 2)

	hub.Broadcast(pal.Event{Type: pal.EventActivating})

	for i, c := range []*wsClient{c1, c2} {
		select {
		case msg := <-c.send:
			var ev pal.Event
			if err := json.Unmarshal(msg, &ev); err != nil || ev.Type != pal.EventActivating {
				t.Errorf("client %d got %s (%v)", i, msg, err)
			}
		case <-time.After(time.Second):
			t.Errorf("client %d did not receive broadcast", i)
		}
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	waitClients(t, hub, 2)

	hub.Broadcast(pal.Event{Type: pal.EventTransferStarted})
	hub.Broadcast(pal.Event{Type: pal.EventTransferClosed})
	waitClients(t, hub, 1)

	hub.mu.RLock()
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	// Not running: the queue fills up.
	for i := 0; i < 256; i++ {
		hub.Broadcast(pal.Event{Type: pal.EventImageState})
	}
	done := make(chan struct{})
	go func() {
		hub.Broadcast(pal.Event{Type: "overflow"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	waitClients(t, hub, 1)

	hub.Stop()
	hub.Stop()

	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("client.send should be closed after hub stop")
		}
	case <-time.After(time.Second):
		t.Error("client.send not closed")
	}
}

func TestWSStreamsEvents(t *testing.T) {
	f := newTestServer(t)
	ts := httptest.NewServer(f.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	read := func() pal.Event {
		t.Helper()
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatal(err)
		}
		var ev pal.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		return ev
	}

	if ev := read(); ev.Type != "status" {
		t.Fatalf("first message type = %q, want status", ev.Type)
	}

	waitClients(t, f.srv.wsHub, 1)
	f.pal.DiscardImage() // nothing staged: no event
	fc := &pal.FileContext{Size: 4}
	if err := f.pal.CreateFile(fc); err != nil {
		t.Fatal(err)
	}
	if ev := read(); ev.Type != pal.EventTransferStarted {
		t.Errorf("event type = %q, want %q", ev.Type, pal.EventTransferStarted)
	}
	f.pal.Abort(fc)
	if ev := read(); ev.Type != pal.EventTransferAborted {
		t.Errorf("event type = %q, want %q", ev.Type, pal.EventTransferAborted)
	}
}
