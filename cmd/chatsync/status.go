package main

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and account status",
	Long:  "Display the current configuration, check whether the session token is expired, and list conversations with unread counts.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		applyEnv(cfg)

		// Print config summary.
		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:    %s\n", valueOrDefault(cfg.Default.BaseURL, "(not set)"))
		fmt.Printf("  Live URL:    %s\n", valueOrDefault(cfg.Default.WSURL, "(not set, polling)"))

		fmt.Println()
		fmt.Println("Auth:")
		if cfg.Auth.Token == "" {
			fmt.Println("  Token:       (not set)")
			return nil
		}
		fmt.Printf("  Token:       %s\n", maskToken(cfg.Auth.Token))

		e, err := newEngine()
		if err != nil {
			fmt.Printf("  Status:      %v\n", err)
			return nil
		}
		defer e.Close()
		fmt.Printf("  User ID:     %s\n", valueOrDefault(e.session.UserID, "(unknown)"))
		fmt.Printf("  Member ID:   %s\n", valueOrDefault(e.session.MemberID, "(unknown)"))
		if !e.session.ExpiresAt.IsZero() {
			fmt.Printf("  Expires:     %s (%s)\n", e.session.ExpiresAt.Format(time.RFC3339), humanize.Time(e.session.ExpiresAt))
		}

		fmt.Println()
		fmt.Println("Live status:")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.sync.LoadDirectory(ctx); err != nil {
			fmt.Printf("  Error loading directory: %v\n", err)
		}
		convs := e.sync.Conversations()
		fmt.Printf("  Conversations: %s\n", humanize.Comma(int64(len(convs))))
		fmt.Printf("  Unread:        %s\n", humanize.Comma(int64(e.sync.UnreadTracker().Total())))
		for _, c := range convs {
			if c.Unread > 0 {
				fmt.Printf("    %-24s %d unread\n", conversationTitle(c), c.Unread)
			}
		}
		return nil
	},
}
