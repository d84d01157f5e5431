package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	gatherly "github.com/gatherly-app/gatherly/sdk/golang"
)

func init() {
	rootCmd.AddCommand(listenCmd)
}

var stateColors = map[gatherly.ConnectionState]*color.Color{
	gatherly.StateConnected:    color.New(color.FgGreen, color.Bold),
	gatherly.StateConnecting:   color.New(color.FgCyan),
	gatherly.StateReconnecting: color.New(color.FgYellow),
	gatherly.StateDisconnected: color.New(color.FgRed),
}

var (
	dim     = color.New(color.Faint)
	warnClr = color.New(color.FgYellow)
	errClr  = color.New(color.FgRed, color.Bold)
)

var listenCmd = &cobra.Command{
	Use:   "listen [room]",
	Short: "Connect and print live events until interrupted",
	Long:  "Open the realtime session and print messages, typing, presence and queue events. Pass a room id to filter room-scoped events.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var room string
		if len(args) == 1 {
			room = args[0]
		}

		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		client, err := newSyncClient(ctx, cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer client.Close()

		events, unsubscribe := client.Bus.Subscribe(256)
		defer unsubscribe()

		if err := client.Start(ctx); err != nil {
			return err
		}
		if room != "" {
			client.Presence.OpenRoom(room)
		}

		for {
			select {
			case <-ctx.Done():
				fmt.Println()
				dim.Println("Shutting down.")
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				if done := printEvent(client, room, ev); done {
					return fmt.Errorf("session rejected; run 'gatherly init' with a fresh token")
				}
			}
		}
	},
}

// printEvent renders one event and reports whether listening should stop.
func printEvent(client *gatherly.SyncClient, room string, ev gatherly.Event) bool {
	stamp := dim.Sprint(time.Now().Format("15:04:05"))

	switch e := ev.(type) {
	case gatherly.ConnectionStateChanged:
		c := stateColors[e.State]
		line := c.Sprint(string(e.State))
		if e.State == gatherly.StateReconnecting {
			line += dim.Sprintf(" (attempt %d in %s)", e.Attempt, e.Delay)
		}
		if e.Err != nil {
			line += dim.Sprintf(" %v", e.Err)
		}
		fmt.Printf("%s %s\n", stamp, line)
		return e.AuthRejected

	case gatherly.MessageReceived:
		if room != "" && e.Message.RoomID != room {
			return false
		}
		fmt.Printf("%s [%s] %s: %s\n", stamp, e.Message.RoomID, valueOrDefault(e.Message.SenderName, e.Message.SenderID), e.Message.Text)

	case gatherly.Typing:
		if room != "" && e.RoomID != room {
			return false
		}
		names := []string{}
		for _, p := range client.Presence.TypingUsers(e.RoomID) {
			names = append(names, valueOrDefault(p.MemberName, p.MemberID))
		}
		if len(names) > 0 {
			fmt.Printf("%s [%s] %s\n", stamp, e.RoomID, dim.Sprintf("typing: %v", names))
		}

	case gatherly.PresenceUpdate:
		if room != "" && e.RoomID != room {
			return false
		}
		status := "offline"
		if e.Online {
			status = "online"
		}
		fmt.Printf("%s [%s] %s is %s (%d online)\n", stamp, e.RoomID,
			valueOrDefault(e.MemberName, e.MemberID), status, client.Presence.OnlineCount(e.RoomID))

	case gatherly.QueueDrained:
		if e.Result.Succeeded+e.Result.Retried+e.Result.Failed == 0 {
			return false
		}
		fmt.Printf("%s %s\n", stamp, dim.Sprintf("queue: %d sent, %d retrying, %d failed, %d pending",
			e.Result.Succeeded, e.Result.Retried, e.Result.Failed, e.Result.Remaining))

	case gatherly.MutationFailed:
		fmt.Printf("%s %s\n", stamp, warnClr.Sprintf("mutation #%d gave up: %s", e.Mutation.ID, e.Mutation.LastError))

	case gatherly.ServerError:
		if e.Err == nil {
			return false
		}
		fmt.Printf("%s %s\n", stamp, errClr.Sprintf("server error %s: %s", e.Err.Code, e.Err.Message))
	}
	return false
}
