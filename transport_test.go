package gatherly

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// wsTestServer accepts sessions on /ws, echoes every message back and
// closes with closeCode after the first echo when it is set.
func wsTestServer(t *testing.T, closeCode websocket.StatusCode) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ws" {
			http.NotFound(w, r)
			return
		}
		if r.URL.Query().Get("token") != testCreds.Token || r.URL.Query().Get("tenant") != testCreds.TenantID {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusInternalError, "")

		ctx := r.Context()
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if err := conn.Write(ctx, typ, data); err != nil {
			return
		}
		if closeCode != 0 {
			conn.Close(closeCode, "token expired")
			return
		}
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func TestWebSocketTransport(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		server := wsTestServer(t, 0)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := NewWebSocketTransport(server.URL).Dial(ctx, testCreds)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		defer conn.Close(CloseNormal, "")

		if err := conn.Write(ctx, []byte(`{"type":"ping"}`)); err != nil {
			t.Fatalf("Write: %v", err)
		}
		data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if string(data) != `{"type":"ping"}` {
			t.Errorf("echo = %s", data)
		}
	})

	t.Run("handshake rejection is auth", func(t *testing.T) {
		server := wsTestServer(t, 0)
		_, err := NewWebSocketTransport(server.URL).Dial(context.Background(), Credentials{Token: "bad", TenantID: "grace"})

		var ce *CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected *CloseError, got %v", err)
		}
		if ce.HTTPStatus != http.StatusUnauthorized || !ce.AuthRejected() {
			t.Errorf("unexpected close error %+v", ce)
		}
	})

	t.Run("server close code is preserved", func(t *testing.T) {
		server := wsTestServer(t, CloseUnauthorized)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		conn, err := NewWebSocketTransport(server.URL).Dial(ctx, testCreds)
		if err != nil {
			t.Fatalf("Dial: %v", err)
		}
		conn.Write(ctx, []byte(`{"type":"ping"}`))
		if _, err := conn.Read(ctx); err != nil {
			t.Fatalf("Read echo: %v", err)
		}

		_, err = conn.Read(ctx)
		var ce *CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected *CloseError, got %v", err)
		}
		if ce.Code != CloseUnauthorized || !ce.AuthRejected() || ce.Reason != "token expired" {
			t.Errorf("unexpected close error %+v", ce)
		}
	})
}

func TestWebSocketTransport_Endpoint(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"https://api.gatherly.app/", "wss://api.gatherly.app/ws?tenant=grace&token=tok-123"},
		{"http://localhost:8080", "ws://localhost:8080/ws?tenant=grace&token=tok-123"},
		{"wss://rt.gatherly.app", "wss://rt.gatherly.app/ws?tenant=grace&token=tok-123"},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			if got := NewWebSocketTransport(tt.base).endpoint(testCreds); got != tt.want {
				t.Errorf("endpoint = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedisTransport_Channels(t *testing.T) {
	down, up := NewRedisTransport(nil, "").channels("grace")
	if down != "gatherly:grace:down" || up != "gatherly:grace:up" {
		t.Errorf("channels = %q, %q", down, up)
	}
}

func TestManagerOverWebSocket(t *testing.T) {
	server := wsTestServer(t, CloseUnauthorized)
	log := &stateLog{}
	frames := make(chan Frame, 4)
	m := NewConnectionManager(ConnectionConfig{
		Credentials:       testCreds,
		Transport:         NewWebSocketTransport(server.URL),
		HeartbeatInterval: time.Hour,
		OnFrame:           func(f Frame) { frames <- f },
		OnStateChange:     log.record,
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if m.State() != StateConnected {
		t.Fatalf("state = %s, want connected", m.State())
	}
	if err := m.Send(context.Background(), mustFrame(t, FrameTyping, TypingPayload{RoomID: "room-1", IsTyping: true})); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case f := <-frames:
		if f.Type != FrameTyping {
			t.Errorf("echo type = %s", f.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no echo")
	}

	eventually(t, "auth close", func() bool { return log.count(StateDisconnected) == 1 })
	evs := log.all()
	if last := evs[len(evs)-1]; !last.AuthRejected {
		t.Errorf("expected auth rejection, got %+v", last)
	}
}
