package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <room> <text...>",
	Short: "Send a message, queueing it if the server is unreachable",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, text := args[0], strings.Join(args[1:], " ")

		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		client, err := newSyncClient(ctx, cfg, newLogger(cfg))
		if err != nil {
			return err
		}
		defer client.Close()

		tempID, err := client.SendMessage(ctx, roomID, text)
		if err != nil {
			return fmt.Errorf("failed to queue message: %w", err)
		}
		res, err := client.Drain(ctx)
		if err != nil {
			return fmt.Errorf("drain: %w", err)
		}

		view := client.Cache.View(roomID)
		switch {
		case len(view) > 0 && !view[0].Optimistic:
			fmt.Printf("Message sent to %s\n", roomID)
			fmt.Printf("  Message ID: %s\n", view[0].ID)
		case len(view) == 0:
			fmt.Println("Message rejected by the server; see 'gatherly queue failed'.")
		default:
			fmt.Printf("Server unreachable; message queued (%s, %d pending).\n", tempID, res.Remaining)
		}
		return nil
	},
}
