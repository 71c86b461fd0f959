package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"text/tabwriter"

	"VLabAssist/internal/chatbot"

	"github.com/spf13/cobra"
)

var deleteYes bool

// sessionsCmd represents the sessions command
var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage stored chats",
	Long:  `Manage stored chats including listing, viewing, and deleting them.`,
}

// sessionsListCmd represents the sessions list command
var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all chats",
	Long:  `List all stored chats, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, cleanup, err := openBot(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		out := cmd.OutOrStdout()
		chats := bot.Chats()
		if len(chats) == 0 {
			fmt.Fprintln(out, "No chats found.")
			fmt.Fprintln(out, "\nStart one with:")
			fmt.Fprintln(out, "  vlabassist chat")
			return nil
		}

		active, _ := bot.ActiveChat()
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tID\tTITLE\tSTARTED\tMESSAGES\tACTIVE")
		fmt.Fprintln(w, "-\t--\t-----\t-------\t--------\t------")
		for i, s := range chats {
			mark := ""
			if s.ID == active {
				mark = "*"
			}
			fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%d\t%s\n", i+1, s.ID, s.Title, s.StartTime, len(s.Messages), mark)
		}
		w.Flush()

		fmt.Fprintln(out, "\nUse 'vlabassist sessions show <#|id>' to view a chat.")
		return nil
	},
}

// sessionsShowCmd represents the sessions show command
var sessionsShowCmd = &cobra.Command{
	Use:   "show <#|id>",
	Short: "Show a chat's messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, cleanup, err := openBot(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := resolveChat(bot.Chats(), args[0])
		if err != nil {
			return fmt.Errorf("finding chat: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Chat: %s\n", s.Title)
		fmt.Fprintf(out, "ID: %d\n", s.ID)
		fmt.Fprintf(out, "Started: %s\n", s.StartTime)
		fmt.Fprintf(out, "Messages: %d\n\n", len(s.Messages))
		if len(s.Messages) == 0 {
			fmt.Fprintln(out, "No messages in this chat.")
			return nil
		}
		printMessages(out, s.Messages)
		return nil
	},
}

// sessionsDeleteCmd represents the sessions delete command
var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <#|id>",
	Short: "Delete a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		bot, cleanup, err := openBot(cmd.Context())
		if err != nil {
			return err
		}
		defer cleanup()

		s, err := resolveChat(bot.Chats(), args[0])
		if err != nil {
			return fmt.Errorf("finding chat: %w", err)
		}

		out := cmd.OutOrStdout()
		reader := bufio.NewReader(cmd.InOrStdin())
		confirm := func(prompt string) bool {
			if deleteYes {
				return true
			}
			fmt.Fprintf(out, "%s [y/N]: ", prompt)
			answer, _ := reader.ReadString('\n')
			answer = strings.ToLower(strings.TrimSpace(answer))
			return answer == "y" || answer == "yes"
		}

		deleted, err := bot.DeleteChat(s.ID, confirm)
		if err != nil {
			return fmt.Errorf("deleting chat: %w", err)
		}
		if !deleted {
			fmt.Fprintln(out, "Cancelled.")
			return nil
		}
		fmt.Fprintf(out, "Deleted %s\n", s.Title)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	sessionsDeleteCmd.Flags().BoolVarP(&deleteYes, "yes", "y", false, "skip the confirmation prompt")
}

func openBot(ctx context.Context) (*chatbot.ChatBot, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	bot, cleanup, err := chatbot.NewChatBot(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize chatbot: %w", err)
	}
	return bot, cleanup, nil
}
