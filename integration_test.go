//go:build integration

package gatherly_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	gatherly "github.com/gatherly-app/gatherly/sdk/golang"
)

// helpers ---------------------------------------------------------------

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s environment variable is required", key)
	}
	return v
}

func testCredentials(t *testing.T) gatherly.Credentials {
	t.Helper()
	return gatherly.Credentials{
		Token:    requireEnv(t, "GATHERLY_TOKEN_TEST"),
		TenantID: requireEnv(t, "GATHERLY_TENANT_TEST"),
	}
}

func waitFor(t *testing.T, events <-chan gatherly.Event, timeout time.Duration, match func(gatherly.Event) bool) gatherly.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatal("timed out waiting for event")
			return nil
		}
	}
}

// =======================================================================
// Group 1: WebSocket session
// =======================================================================

func TestIntegration_WebSocket_ConnectAndDisconnect(t *testing.T) {
	base := requireEnv(t, "GATHERLY_BASE_URL_TEST")
	bus := gatherly.NewBus(gatherly.NewLogger("debug", true))
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	m := gatherly.NewConnectionManager(gatherly.ConnectionConfig{
		Credentials: testCredentials(t),
		Transport:   gatherly.NewWebSocketTransport(base),
		Bus:         bus,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, events, 15*time.Second, func(ev gatherly.Event) bool {
		sc, ok := ev.(gatherly.ConnectionStateChanged)
		return ok && sc.State == gatherly.StateConnected
	})
	t.Logf("session: %s", m.Session())

	if err := m.Disconnect(); err != nil {
		t.Logf("Disconnect: %v", err)
	}
	if m.State() != gatherly.StateDisconnected {
		t.Fatalf("state after Disconnect = %s", m.State())
	}
}

func TestIntegration_WebSocket_BadTokenIsRejected(t *testing.T) {
	base := requireEnv(t, "GATHERLY_BASE_URL_TEST")
	creds := testCredentials(t)
	creds.Token = "invalid-" + creds.Token

	bus := gatherly.NewBus(gatherly.NewLogger("warn", true))
	events, unsubscribe := bus.Subscribe(64)
	defer unsubscribe()

	m := gatherly.NewConnectionManager(gatherly.ConnectionConfig{
		Credentials: creds,
		Transport:   gatherly.NewWebSocketTransport(base),
		Bus:         bus,
	})
	defer m.Disconnect()

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ev := waitFor(t, events, 15*time.Second, func(ev gatherly.Event) bool {
		sc, ok := ev.(gatherly.ConnectionStateChanged)
		return ok && sc.State == gatherly.StateDisconnected
	})
	if !ev.(gatherly.ConnectionStateChanged).AuthRejected {
		t.Errorf("expected auth rejection, got %+v", ev)
	}
}

// =======================================================================
// Group 2: Offline queue against a live server
// =======================================================================

func TestIntegration_Queue_SendAndReconcile(t *testing.T) {
	base := requireEnv(t, "GATHERLY_BASE_URL_TEST")
	room := requireEnv(t, "GATHERLY_ROOM_TEST")
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	store, err := gatherly.NewSQLiteQueueStore(ctx, filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	client := gatherly.NewSyncClient(gatherly.SyncConfig{
		BaseURL:     base,
		Credentials: testCredentials(t),
		SelfID:      os.Getenv("GATHERLY_MEMBER_TEST"),
		Store:       store,
		Logger:      gatherly.NewLogger("debug", true),
	})
	defer client.Close()

	tempID, err := client.SendMessage(ctx, room, "integration "+time.Now().Format(time.RFC3339Nano))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	res, err := client.Drain(ctx)
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if res.Succeeded < 1 {
		t.Fatalf("expected at least one replay to succeed: %+v", res)
	}
	for _, m := range client.Cache.View(room) {
		if m.ID == tempID {
			t.Fatalf("optimistic record %s was not reconciled", tempID)
		}
	}
}

// =======================================================================
// Group 3: Redis pub/sub transport
// =======================================================================

func TestIntegration_Redis_RoundTrip(t *testing.T) {
	addr := requireEnv(t, "GATHERLY_REDIS_ADDR_TEST")
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	tr := gatherly.NewRedisTransport(rdb, "gatherly-it")
	conn, err := tr.Dial(ctx, gatherly.Credentials{Token: "unused", TenantID: "it"})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close(gatherly.CloseNormal, "")

	if err := rdb.Publish(ctx, "gatherly-it:it:down", `{"type":"ping"}`).Err(); err != nil {
		t.Fatalf("publish: %v", err)
	}
	data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("received %s", data)
	}

	up := rdb.Subscribe(ctx, "gatherly-it:it:up")
	defer up.Close()
	if _, err := up.Receive(ctx); err != nil {
		t.Fatalf("subscribe up: %v", err)
	}
	if err := conn.Write(ctx, []byte(`{"type":"pong"}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	msg, err := up.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	if msg.Payload != `{"type":"pong"}` {
		t.Errorf("upstream payload %s", msg.Payload)
	}
}
