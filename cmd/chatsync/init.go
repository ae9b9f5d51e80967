package main

import (
	"fmt"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	initUserID   string
	initMemberID string
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().StringVar(&initUserID, "user-id", "", "user id, when the token does not carry one")
	initCmd.Flags().StringVar(&initMemberID, "member-id", "", "member id, when the token does not carry one")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store a session token in ~/.chatsync/config.toml",
	Long:  "Initialize chatsync by storing your session token, plus your user and member ids, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		session := chatsync.NewSession(args[0], initUserID, initMemberID)
		cfg.Auth.Token = session.Token
		cfg.Auth.UserID = session.UserID
		cfg.Auth.MemberID = session.MemberID
		if cfg.Default.BaseURL == "" {
			cfg.Default.BaseURL = chatsync.DefaultBaseURL
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if session.MemberID == "" {
			fmt.Println("Warning: no member id known. Set it with 'chatsync config set auth.member_id <id>' so direct messages route correctly.")
		}
		return nil
	},
}
