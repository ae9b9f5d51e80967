package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Prismer-AI/chatsync"
	"github.com/spf13/cobra"
)

var (
	sendFile string
	sendJSON bool
)

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendFile, "file", "", "attach a file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "output raw JSON")
}

var sendCmd = &cobra.Command{
	Use:   "send <conversation> [text...]",
	Short: "Send a message",
	Long:  "Send a message to dm:<member-id> or channel:<channel-id>, optionally with an attachment.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		k, err := chatsync.ParseKey(args[0])
		if err != nil {
			return err
		}
		content := strings.Join(args[1:], " ")

		var att *chatsync.Attachment
		if sendFile != "" {
			if att, err = chatsync.AttachmentFromFile(sendFile); err != nil {
				return err
			}
		}

		e, err := newEngine(chatsync.WithMarkRead(false))
		if err != nil {
			return err
		}
		defer e.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
		defer cancel()
		m, err := e.sync.Send(ctx, k, content, att)
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}

		if sendJSON {
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		}
		fmt.Printf("Sent to %s (id %s, %s)\n", k, m.ID, m.State)
		return nil
	},
}
