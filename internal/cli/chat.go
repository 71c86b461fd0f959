package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"VLabAssist/internal/chatbot"

	"github.com/spf13/cobra"
)

var (
	chatProfile string
	chatContext string
)

// chatCmd represents the chat command
var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat",
	Long: `Start an interactive chat with the lab assistant.

Each line is sent as a message and the reply is streamed as it arrives.
Lines starting with / are commands; type /help to list them.
Image models need an image attached with /image <path> before sending.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("context") {
			cfg.Context = chatContext
		}

		profile := cfg.DefaultProfile
		if chatProfile != "" {
			p, err := cfg.Profile(chatProfile)
			if err != nil {
				return err
			}
			profile = p.Key
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bot, cleanup, err := chatbot.NewChatBot(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize chatbot: %w", err)
		}
		defer cleanup()

		return newREPL(bot, os.Stdin, cmd.OutOrStdout(), profile).run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(chatCmd)

	chatCmd.Flags().StringVarP(&chatProfile, "profile", "p", "", "model profile (text|imageToText|objectDetection)")
	chatCmd.Flags().StringVar(&chatContext, "context", "", "module context sent with text messages")
}
