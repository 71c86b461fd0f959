package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"VLabAssist/internal/backend"
	"VLabAssist/internal/chatbot"
	"VLabAssist/internal/history"
	"VLabAssist/internal/session"
)

// repl is the interactive chat loop. It renders engine events as they
// arrive and keeps the per-terminal state the web UI would hold: the
// selected model and a pending image attachment.
type repl struct {
	bot     *chatbot.ChatBot
	scanner *bufio.Scanner
	out     io.Writer

	profile string
	image   string // data URI attached to the next message
	imageOf string // file the image was read from

	streaming bool
	printed   string
}

func newREPL(bot *chatbot.ChatBot, in io.Reader, out io.Writer, profile string) *repl {
	r := &repl{
		bot:     bot,
		scanner: bufio.NewScanner(in),
		out:     out,
		profile: profile,
	}
	bot.SetListener(r.render)
	return r
}

// render draws typing events incrementally; the buffer only ever grows by
// appending until it is cleared
func (r *repl) render(ev chatbot.Event) {
	switch ev.Kind {
	case chatbot.EventTyping:
		if ev.Text == "" {
			if r.streaming {
				fmt.Fprint(r.out, "\n\n")
			}
			r.streaming = false
			r.printed = ""
			return
		}
		if !r.streaming {
			fmt.Fprint(r.out, "Bot: ")
			r.streaming = true
		}
		if strings.HasPrefix(ev.Text, r.printed) {
			fmt.Fprint(r.out, ev.Text[len(r.printed):])
		} else {
			fmt.Fprint(r.out, "\rBot: "+ev.Text)
		}
		r.printed = ev.Text
	case chatbot.EventWarning:
		fmt.Fprintf(r.out, "Warning: %s\n", ev.Text)
	}
}

func (r *repl) run(ctx context.Context) error {
	fmt.Fprintln(r.out, "=== Virtual Labs Assistant ===")
	if id, ok := r.bot.ActiveChat(); ok {
		if s, found := findChat(r.bot.Chats(), id); found {
			fmt.Fprintf(r.out, "Chat: %s (%d messages)\n", s.Title, len(s.Messages))
		}
	}
	fmt.Fprintf(r.out, "Model: %s\n", r.profile)
	fmt.Fprintln(r.out, "Type /help for commands, /quit to exit")
	fmt.Fprintln(r.out)

	for ctx.Err() == nil {
		if r.imageOf != "" {
			fmt.Fprintf(r.out, "You [%s]: ", r.imageOf)
		} else {
			fmt.Fprint(r.out, "You: ")
		}
		if !r.scanner.Scan() {
			break
		}

		input := strings.TrimSpace(r.scanner.Text())
		if input == "" {
			if r.image == "" {
				continue
			}
			// an image alone is a complete message
			if err := r.send(ctx, ""); err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
			}
			continue
		}

		if strings.HasPrefix(input, "/") {
			quit, err := r.handleCommand(input)
			if err != nil {
				fmt.Fprintf(r.out, "Error: %v\n", err)
			}
			if quit {
				break
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
		}
	}

	fmt.Fprintln(r.out, "Goodbye!")
	return r.scanner.Err()
}

func (r *repl) send(ctx context.Context, text string) error {
	// the attachment is used once, whatever the outcome
	in := chatbot.Input{Text: text, Image: r.image, Profile: r.profile}
	r.image, r.imageOf = "", ""

	ex, err := r.bot.SendMessage(ctx, in)
	if err != nil {
		return err
	}

	switch ex.Outcome {
	case chatbot.OutcomeUserInputError, chatbot.OutcomeEncodingError:
		fmt.Fprintf(r.out, "Bot: %s\n\n", ex.Text)
	case chatbot.OutcomeInterrupted:
		if r.streaming {
			fmt.Fprint(r.out, "\n")
		}
		fmt.Fprint(r.out, "[response interrupted]\n\n")
		r.streaming, r.printed = false, ""
	}
	return nil
}

func (r *repl) confirm(prompt string) bool {
	fmt.Fprintf(r.out, "%s [y/N]: ", prompt)
	if !r.scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(r.scanner.Text()))
	return answer == "y" || answer == "yes"
}

func (r *repl) handleCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	if len(parts) == 0 {
		return false, nil
	}

	switch parts[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		created, err := r.bot.NewChat()
		if errors.Is(err, history.ErrSessionLimit) {
			// the warning was already rendered
			return false, nil
		}
		fmt.Fprintf(r.out, "Started %s\n", created.Title)
		return false, err

	case "/chats":
		chats := r.bot.Chats()
		if len(chats) == 0 {
			fmt.Fprintln(r.out, "No chats yet.")
			return false, nil
		}
		active, _ := r.bot.ActiveChat()
		for i, s := range chats {
			marker := " "
			if s.ID == active {
				marker = "*"
			}
			fmt.Fprintf(r.out, "%s %d. %s - %d messages (started %s, id %d)\n",
				marker, i+1, s.Title, len(s.Messages), s.StartTime, s.ID)
		}
		return false, nil

	case "/switch":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /switch <number|id>")
		}
		s, err := resolveChat(r.bot.Chats(), parts[1])
		if err != nil {
			return false, err
		}
		msgs := r.bot.SwitchChat(s.ID)
		fmt.Fprintf(r.out, "Switched to %s\n", s.Title)
		printMessages(r.out, msgs)
		return false, nil

	case "/delete":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /delete <number|id>")
		}
		s, err := resolveChat(r.bot.Chats(), parts[1])
		if err != nil {
			return false, err
		}
		deleted, err := r.bot.DeleteChat(s.ID, r.confirm)
		if err != nil {
			return false, err
		}
		if deleted {
			fmt.Fprintf(r.out, "Deleted %s\n", s.Title)
		}
		return false, nil

	case "/model":
		if len(parts) < 2 {
			return false, fmt.Errorf("usage: /model <key> (see /models)")
		}
		for _, p := range r.bot.Profiles() {
			if strings.EqualFold(p.Key, parts[1]) {
				r.profile = p.Key
				fmt.Fprintf(r.out, "Model set to %s (%s)\n", p.DisplayName, p.ExpectedLatency)
				if p.RequiresImage() {
					fmt.Fprintln(r.out, "This model needs an image; attach one with /image <path>")
				}
				return false, nil
			}
		}
		return false, fmt.Errorf("unknown model: %s", parts[1])

	case "/models":
		fmt.Fprintln(r.out, "\nAvailable models:")
		for i, p := range r.bot.Profiles() {
			current := ""
			if p.Key == r.profile {
				current = " (current)"
			}
			fmt.Fprintf(r.out, "%d. %s - %s, %s%s\n", i+1, p.Key, p.DisplayName, p.ExpectedLatency, current)
		}
		fmt.Fprintln(r.out)
		return false, nil

	case "/image":
		if len(parts) < 2 {
			if r.image != "" {
				r.image, r.imageOf = "", ""
				fmt.Fprintln(r.out, "Image removed")
				return false, nil
			}
			return false, fmt.Errorf("usage: /image <path>")
		}
		uri, err := readImage(parts[1])
		if err != nil {
			return false, err
		}
		r.image, r.imageOf = uri, parts[1]
		fmt.Fprintf(r.out, "Attached %s to the next message\n", parts[1])
		return false, nil

	case "/apply":
		reply, ok := r.bot.LatestReply()
		if !ok {
			return false, fmt.Errorf("no reply to apply yet")
		}
		if len(parts) < 2 {
			fmt.Fprintln(r.out, reply)
			return false, nil
		}
		if err := os.WriteFile(parts[1], []byte(reply), 0644); err != nil {
			return false, fmt.Errorf("failed to write reply: %w", err)
		}
		fmt.Fprintf(r.out, "Wrote latest reply to %s\n", parts[1])
		return false, nil

	case "/help":
		fmt.Fprintln(r.out, "Available commands:")
		fmt.Fprintln(r.out, "  /quit, /exit         - Exit the assistant")
		fmt.Fprintln(r.out, "  /new                 - Start a new chat")
		fmt.Fprintln(r.out, "  /chats               - List chats, newest first")
		fmt.Fprintln(r.out, "  /switch <n|id>       - Switch to a chat")
		fmt.Fprintln(r.out, "  /delete <n|id>       - Delete a chat")
		fmt.Fprintln(r.out, "  /model <key>         - Select the model")
		fmt.Fprintln(r.out, "  /models              - List available models")
		fmt.Fprintln(r.out, "  /image [path]        - Attach an image to the next message, or remove it")
		fmt.Fprintln(r.out, "  /apply [file]        - Print or save the latest reply")
		fmt.Fprintln(r.out, "  /help                - Show this help message")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (try /help)", parts[0])
	}
}

// resolveChat accepts either a 1-based position in the chat list or a chat id
func resolveChat(chats []session.ChatSession, arg string) (session.ChatSession, error) {
	n, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return session.ChatSession{}, fmt.Errorf("invalid chat: %s", arg)
	}
	if n >= 1 && n <= int64(len(chats)) {
		return chats[n-1], nil
	}
	if s, ok := findChat(chats, n); ok {
		return s, nil
	}
	return session.ChatSession{}, fmt.Errorf("%w: %s", history.ErrSessionNotFound, arg)
}

func findChat(chats []session.ChatSession, id int64) (session.ChatSession, bool) {
	for _, s := range chats {
		if s.ID == id {
			return s, true
		}
	}
	return session.ChatSession{}, false
}

func printMessages(w io.Writer, msgs []session.Message) {
	for _, m := range msgs {
		who := "You"
		if m.Sender == session.SenderAssistant {
			who = "Bot"
		}
		line := m.Text
		if m.Image != "" {
			line += " [image]"
		}
		fmt.Fprintf(w, "[%s] %s: %s\n", m.Timestamp, who, line)
	}
}

// readImage loads an image file as a data URI
func readImage(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	mediaType := http.DetectContentType(data)
	if !strings.HasPrefix(mediaType, "image/") {
		return "", fmt.Errorf("%s is not an image (%s)", path, mediaType)
	}
	return backend.EncodeDataURI(mediaType, data), nil
}
