package api

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(t *testing.T, hub *WSHub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", hub.clientCount(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return msg
}

func TestWSHub_BroadcastSurvivesDisconnects(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	c1 := wsDial(t, srv)
	c2 := wsDial(t, srv)
	defer c2.Close()
	waitForClients(t, hub, 2)

	hub.NotifyBalance("0xabc", "0xdai", "deposit", big.NewInt(42))
	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readMessage(t, conn)
		if msg.Type != "balance_change" || msg.ScaledDelta != "42" {
			t.Errorf("message = %+v, want balance_change of 42", msg)
		}
	}

	// One client drops mid-stream; the remaining client keeps receiving.
	c1.Close()
	waitForClients(t, hub, 1)

	for i := 0; i < 20; i++ {
		hub.NotifyBalance("0xabc", "0xdai", "withdraw", big.NewInt(int64(i)))
	}
	msg := readMessage(t, c2)
	if msg.EventType != "withdraw" {
		t.Errorf("event type = %s, want withdraw", msg.EventType)
	}
}
