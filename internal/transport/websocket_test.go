package transport

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/andersfylling/rollplay/internal/protocol"
)

func wsLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWebsocketHandshakeAndExchange(t *testing.T) {
	host := NewWebsocket("host", wsLog())
	defer host.Close()
	srv := httptest.NewServer(host.Handler())
	defer srv.Close()

	hostInbox := NewInbox(64)
	host.SetReceiver(func(from protocol.PlayerID, msg protocol.Payload) {
		hostInbox.Push(from, msg)
	})
	connected := make(chan protocol.PlayerID, 1)
	host.OnPeerConnected(func(peer protocol.PlayerID) { connected <- peer })

	client := NewWebsocket("client", wsLog())
	defer client.Close()
	clientInbox := NewInbox(64)
	client.SetReceiver(func(from protocol.PlayerID, msg protocol.Payload) {
		clientInbox.Push(from, msg)
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := client.Dial(url); err != nil {
		t.Fatalf("dial: %v", err)
	}

	select {
	case peer := <-connected:
		if peer != "client" {
			t.Fatalf("host saw peer %q", peer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host never learned the client's identity")
	}

	// Host to client.
	if err := host.SendToPeer("client", protocol.Ping{ID: 7, T0: 100}); err != nil {
		t.Fatalf("send: %v", err)
	}
	var got []Envelope
	waitFor(t, "ping at client", func() bool {
		got = append(got, clientInbox.Drain()...)
		for _, env := range got {
			if p, ok := env.Msg.(protocol.Ping); ok && p.ID == 7 && env.From == "host" {
				return true
			}
		}
		return false
	})

	// Client to host, via broadcast.
	if err := client.Broadcast(protocol.Pong{ID: 7, T0: 100, T1: 110}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}
	waitFor(t, "pong at host", func() bool {
		for _, env := range hostInbox.Drain() {
			if p, ok := env.Msg.(protocol.Pong); ok && p.ID == 7 {
				return true
			}
		}
		return false
	})
}

func TestWebsocketDisconnectNotification(t *testing.T) {
	host := NewWebsocket("host", wsLog())
	defer host.Close()
	srv := httptest.NewServer(host.Handler())
	defer srv.Close()

	gone := make(chan protocol.PlayerID, 1)
	host.OnPeerDisconnected(func(peer protocol.PlayerID) { gone <- peer })
	connected := make(chan protocol.PlayerID, 1)
	host.OnPeerConnected(func(peer protocol.PlayerID) { connected <- peer })

	client := NewWebsocket("client", wsLog())
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := client.Dial(url); err != nil {
		t.Fatalf("dial: %v", err)
	}
	<-connected

	client.Close()

	select {
	case peer := <-gone:
		if peer != "client" {
			t.Fatalf("wrong peer reported gone: %q", peer)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("host never observed the disconnect")
	}

	if err := host.SendToPeer("client", protocol.Ping{ID: 1}); err == nil {
		t.Fatal("sending to a departed peer should fail")
	}
}
