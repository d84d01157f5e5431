package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	gatherly "github.com/gatherly-app/gatherly/sdk/golang"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueFailedCmd)
	queueCmd.AddCommand(queueDrainCmd)
	queueCmd.AddCommand(queueRetryCmd)
	queueCmd.AddCommand(queueDiscardCmd)
	queueCmd.AddCommand(queueClearCmd)
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and replay the offline mutation queue",
}

// withQueue loads the effective config, opens the queue and runs fn.
func withQueue(fn func(ctx context.Context, cfg *Config, q *gatherly.MutationQueue) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	q, err := openQueue(ctx, cfg, newLogger(cfg))
	if err != nil {
		return fmt.Errorf("failed to open queue: %w", err)
	}
	defer q.Close()
	return fn(ctx, cfg, q)
}

func printMutations(list []gatherly.QueuedMutation) {
	for _, m := range list {
		fmt.Printf("  #%d  %s %s  queued %s  retries %d\n",
			m.ID, m.Method, m.Endpoint, m.CreatedAt.Format(time.RFC3339), m.RetryCount)
		if m.LastError != "" {
			fmt.Printf("        last error: %s\n", m.LastError)
		}
	}
}

func parseMutationID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid mutation id %q", arg)
	}
	return id, nil
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List pending mutations in replay order",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, _ *Config, q *gatherly.MutationQueue) error {
			list, err := q.Pending(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No pending mutations.")
				return nil
			}
			fmt.Printf("Pending (%d):\n", len(list))
			printMutations(list)
			return nil
		})
	},
}

var queueFailedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List mutations that ran out of retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, _ *Config, q *gatherly.MutationQueue) error {
			list, err := q.Failed(ctx)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No failed mutations.")
				return nil
			}
			fmt.Printf("Failed (%d):\n", len(list))
			printMutations(list)
			return nil
		})
	},
}

var queueDrainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Replay pending mutations now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, cfg *Config, q *gatherly.MutationQueue) error {
			if err := requireSession(cfg); err != nil {
				return err
			}
			res, err := q.Drain(ctx, cfg.Auth.Token)
			if err != nil {
				return fmt.Errorf("drain: %w", err)
			}
			fmt.Printf("Replayed: %d succeeded, %d will retry, %d failed, %d remaining\n",
				res.Succeeded, res.Retried, res.Failed, res.Remaining)
			return nil
		})
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <id>",
	Short: "Move a failed mutation back to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMutationID(args[0])
		if err != nil {
			return err
		}
		return withQueue(func(ctx context.Context, _ *Config, q *gatherly.MutationQueue) error {
			if err := q.Retry(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Mutation #%d is pending again.\n", id)
			return nil
		})
	},
}

var queueDiscardCmd = &cobra.Command{
	Use:   "discard <id>",
	Short: "Delete one mutation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseMutationID(args[0])
		if err != nil {
			return err
		}
		return withQueue(func(ctx context.Context, _ *Config, q *gatherly.MutationQueue) error {
			if err := q.Discard(ctx, id); err != nil {
				return err
			}
			fmt.Printf("Mutation #%d discarded.\n", id)
			return nil
		})
	},
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every queued mutation, failed ones included",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(func(ctx context.Context, _ *Config, q *gatherly.MutationQueue) error {
			if err := q.Clear(ctx); err != nil {
				return err
			}
			fmt.Println("Queue cleared.")
			return nil
		})
	},
}
