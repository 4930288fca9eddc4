package ws_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"illustpub/internal/logging"
	"illustpub/internal/progress"
	"illustpub/internal/ws"
)

func TestHubForwardsTaskUpdates(t *testing.T) {
	hub := ws.NewHub(logging.Discard())
	go hub.Run()
	defer hub.Shutdown()

	tracker := progress.New(logging.Discard(), time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	updates, unsubscribe := tracker.Subscribe(16)
	defer unsubscribe()
	go hub.Forward(ctx, updates)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.HandleWebSocket(hub, w, r)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	token := tracker.Create(progress.KindPublish)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg ws.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != ws.TypeTaskUpdate || msg.Task == nil || msg.Task.Token != token || msg.Task.Status != progress.StatusQueued {
		t.Fatalf("unexpected message %s", data)
	}
}
