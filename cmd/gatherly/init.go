package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL    string
	initMemberID   string
	initMemberName string
)

func init() {
	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Server base URL")
	initCmd.Flags().StringVar(&initMemberID, "member-id", "", "Your member id, used to ignore your own echoes")
	initCmd.Flags().StringVar(&initMemberName, "member-name", "", "Display name sent with typing signals")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init <token> <tenant>",
	Short: "Store credentials in ~/.gatherly/config.toml",
	Long:  "Initialize the Gatherly CLI by storing the session token and tenant id in the local configuration file.",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		cfg.Auth.TenantID = args[1]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initMemberID != "" {
			cfg.Auth.MemberID = initMemberID
		}
		if initMemberName != "" {
			cfg.Auth.MemberName = initMemberName
		}
		if cfg.Default.Transport == "" {
			cfg.Default.Transport = "websocket"
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Credentials for tenant %s saved to %s\n", cfg.Auth.TenantID, path)
		return nil
	},
}
