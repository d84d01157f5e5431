package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and offline queue status",
	Long:  "Display the effective configuration, including environment overrides, and the number of pending and failed mutations in the local queue.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Transport:   %s\n", cfg.Default.Transport)
		if cfg.Default.Transport == "redis" {
			fmt.Printf("  Redis:       %s (prefix %s)\n", valueOrDefault(cfg.Default.RedisAddr, "(not set)"), cfg.Default.RedisPrefix)
		}
		fmt.Printf("  Queue:       %s\n", cfg.Default.QueuePath)

		fmt.Println()
		fmt.Println("Auth:")
		fmt.Printf("  Tenant:      %s\n", valueOrDefault(cfg.Auth.TenantID, "(not set)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:       %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:       (not set)")
		}
		if cfg.Auth.MemberID != "" {
			fmt.Printf("  Member:      %s (%s)\n", cfg.Auth.MemberID, valueOrDefault(cfg.Auth.MemberName, "no name"))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		q, err := openQueue(ctx, cfg, newLogger(cfg))
		if err != nil {
			fmt.Printf("\nQueue unavailable: %v\n", err)
			return nil
		}
		defer q.Close()

		pending, err := q.PendingCount(ctx)
		if err != nil {
			return fmt.Errorf("count pending: %w", err)
		}
		failed, err := q.Failed(ctx)
		if err != nil {
			return fmt.Errorf("list failed: %w", err)
		}
		fmt.Println()
		fmt.Println("Offline queue:")
		fmt.Printf("  Pending:     %d\n", pending)
		fmt.Printf("  Failed:      %d\n", len(failed))
		return nil
	},
}
