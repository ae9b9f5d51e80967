package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

var historyJSON bool

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "output raw JSON")
}

var historyCmd = &cobra.Command{
	Use:   "history <conversation>",
	Short: "Print a conversation's recent messages",
	Long:  "Fetch and print a conversation's history. Conversations are named dm:<member-id> or channel:<channel-id>.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := chatsync.ParseKey(args[0])
		if err != nil {
			return err
		}
		e, err := newEngine(chatsync.WithMarkRead(false))
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := e.sync.Open(ctx, k); err != nil {
			return fmt.Errorf("failed to load history: %w", err)
		}

		msgs := e.sync.Messages(k)
		if historyJSON {
			out, err := json.MarshalIndent(msgs, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		now := time.Now()
		for _, m := range msgs {
			fmt.Println(formatMessage(m, now))
		}
		return nil
	},
}
