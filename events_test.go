package gatherly

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestBus(t *testing.T) {
	t.Run("fan out", func(t *testing.T) {
		bus := NewBus(zerolog.Nop())
		a, unsubA := bus.Subscribe(1)
		b, unsubB := bus.Subscribe(1)
		defer unsubA()
		defer unsubB()

		bus.Publish(Typing{RoomID: "room-1", MemberID: "m1", IsTyping: true})
		for _, ch := range []<-chan Event{a, b} {
			ev := <-ch
			if ty, ok := ev.(Typing); !ok || ty.MemberID != "m1" {
				t.Fatalf("unexpected event %#v", ev)
			}
		}
	})

	t.Run("full subscriber misses events without blocking", func(t *testing.T) {
		bus := NewBus(zerolog.Nop())
		ch, unsub := bus.Subscribe(1)
		defer unsub()

		bus.Publish(QueueDrained{Result: DrainResult{Succeeded: 1}})
		bus.Publish(QueueDrained{Result: DrainResult{Succeeded: 2}})

		ev := <-ch
		if ev.(QueueDrained).Result.Succeeded != 1 {
			t.Fatalf("expected the first event, got %#v", ev)
		}
		select {
		case ev := <-ch:
			t.Fatalf("expected the second event to be dropped, got %#v", ev)
		default:
		}
	})

	t.Run("unsubscribe closes channel once", func(t *testing.T) {
		bus := NewBus(zerolog.Nop())
		ch, unsub := bus.Subscribe(0)
		unsub()
		unsub()
		if _, ok := <-ch; ok {
			t.Fatal("expected closed channel")
		}
		bus.Publish(ServerError{Err: &APIError{Code: "X"}})
	})

	t.Run("close ends every subscription", func(t *testing.T) {
		bus := NewBus(zerolog.Nop())
		ch, unsub := bus.Subscribe(4)
		bus.Close()
		if _, ok := <-ch; ok {
			t.Fatal("expected closed channel after Close")
		}
		unsub()

		late, _ := bus.Subscribe(4)
		if _, ok := <-late; ok {
			t.Fatal("expected closed channel for late subscriber")
		}
	})
}

func TestEventKinds(t *testing.T) {
	kinds := map[string]Event{
		"connection_state_changed": ConnectionStateChanged{},
		"presence_update":          PresenceUpdate{},
		"typing":                   Typing{},
		"queue_drained":            QueueDrained{},
		"message_received":         MessageReceived{},
		"mutation_failed":          MutationFailed{},
		"server_error":             ServerError{},
	}
	for want, ev := range kinds {
		if got := ev.Kind(); got != want {
			t.Errorf("%T.Kind() = %q, want %q", ev, got, want)
		}
	}
}
