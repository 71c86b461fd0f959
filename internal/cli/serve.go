package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"VLabAssist/internal/bridge"
	"VLabAssist/internal/chatbot"

	"github.com/spf13/cobra"
)

var serveAddr string

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the websocket bridge for the web UI",
	Long: `Serve the assistant to a browser UI.

The UI connects to /ws and speaks JSON-RPC 2.0 (chat/send, chat/new,
chat/switch, chat/delete, chat/list, chat/messages, chat/latestReply,
chat/profiles). Typing, message and warning events are pushed to every
connected client. /healthz reports liveness.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		bot, cleanup, err := chatbot.NewChatBot(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to initialize chatbot: %w", err)
		}
		defer cleanup()

		srv, err := bridge.NewServer(bot, bot.Logger())
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Serving on %s (Ctrl-C to stop)\n", serveAddr)
		return srv.ListenAndServe(ctx, serveAddr)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "listen address")
}
