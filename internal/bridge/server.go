// Package bridge exposes a ChatBot to a browser UI as JSON-RPC 2.0 over a
// websocket. Engine events are pushed to every connection as notifications.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"VLabAssist/internal/chatbot"
	"VLabAssist/internal/history"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Server serves the websocket bridge
type Server struct {
	bot      *chatbot.ChatBot
	logger   *slog.Logger
	registry *Registry
	upgrader websocket.Upgrader
}

// NewServer creates a bridge for bot and subscribes it to the bot's events
func NewServer(bot *chatbot.ChatBot, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	s := &Server{
		bot:      bot,
		logger:   logger,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// the UI is served from the lab site, not from this process
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	bot.SetListener(s.broadcast)
	return s, nil
}

// Handler returns the HTTP routes of the bridge
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("bridge listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve bridge: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.registry.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown bridge: %w", err)
	}
	s.logger.Info("bridge stopped")
	return nil
}

// Close disconnects every client
func (s *Server) Close() error {
	return s.registry.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{id: uuid.NewString(), ws: ws}
	s.registry.register(c)
	s.logger.Info("bridge client connected", "conn_id", c.id, "remote", r.RemoteAddr, "clients", s.registry.Count())

	ctx, cancel := context.WithCancel(r.Context())
	defer func() {
		cancel()
		s.registry.Remove(c.id)
		c.close()
		s.logger.Info("bridge client disconnected", "conn_id", c.id)
	}()

	// Greet the client with the current conversation
	id, _ := s.bot.ActiveChat()
	s.send(c, Notification{JSONRPC: "2.0", Method: MethodEvent, Params: chatbot.Event{
		Kind:      chatbot.EventDisplay,
		SessionID: id,
		Messages:  s.bot.Messages(),
	}})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("bridge read failed", "conn_id", c.id, "error", err)
			}
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(c, Response{JSONRPC: "2.0", ID: json.RawMessage("null"),
				Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
			continue
		}

		// chat/send can take a while; other requests keep flowing meanwhile
		go s.handle(ctx, c, req)
	}
}

func (s *Server) handle(ctx context.Context, c *conn, req Request) {
	resp, ok := s.respond(ctx, req)
	if !ok {
		return
	}
	if resp.Error != nil {
		s.logger.Debug("bridge request failed", "conn_id", c.id, "method", req.Method, "error", resp.Error)
	}
	s.send(c, resp)
}

// respond runs req and builds its response. Valid notifications (requests
// without an id) are executed but get no response.
func (s *Server) respond(ctx context.Context, req Request) (Response, bool) {
	if req.JSONRPC != "2.0" || req.Method == "" {
		id := req.ID
		if len(id) == 0 {
			id = json.RawMessage("null")
		}
		return Response{JSONRPC: "2.0", ID: id,
			Error: &RPCError{Code: CodeInvalidRequest, Message: "invalid request"}}, true
	}

	result, err := s.dispatch(ctx, req)
	if len(req.ID) == 0 {
		return Response{}, false
	}

	resp := Response{JSONRPC: "2.0", ID: req.ID}
	if err != nil {
		resp.Error = toRPCError(err)
	} else {
		resp.Result = result
	}
	return resp, true
}

func (s *Server) dispatch(ctx context.Context, req Request) (any, error) {
	switch req.Method {
	case MethodSend:
		var p SendParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		ex, err := s.bot.SendMessage(ctx, chatbot.Input{Text: p.Text, Image: p.Image, Profile: p.Profile})
		if err != nil {
			return nil, err
		}
		return newExchangeResult(ex), nil

	case MethodNew:
		created, err := s.bot.NewChat()
		if errors.Is(err, history.ErrSessionLimit) {
			return nil, err
		}
		if err != nil {
			s.logger.Warn("new session was not persisted", "error", err)
		}
		return created, nil

	case MethodSwitch:
		var p IDParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		return MessagesResult{Messages: s.bot.SwitchChat(p.ID)}, nil

	case MethodDelete:
		var p DeleteParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		deleted, err := s.bot.DeleteChat(p.ID, func(string) bool { return p.Confirm })
		if err != nil {
			return nil, err
		}
		return DeleteResult{Deleted: deleted}, nil

	case MethodList:
		active, _ := s.bot.ActiveChat()
		return ListResult{ActiveID: active, Sessions: s.bot.Chats()}, nil

	case MethodMessages:
		return MessagesResult{Messages: s.bot.Messages()}, nil

	case MethodLatestReply:
		text, ok := s.bot.LatestReply()
		return ReplyResult{Text: text, Found: ok}, nil

	case MethodProfiles:
		profiles := s.bot.Profiles()
		infos := make([]ProfileInfo, len(profiles))
		for i, p := range profiles {
			infos[i] = ProfileInfo{
				Key:             p.Key,
				DisplayName:     p.DisplayName,
				ExpectedLatency: p.ExpectedLatency,
				RequiresImage:   p.RequiresImage(),
			}
		}
		return infos, nil
	}

	return nil, &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
}

func (s *Server) broadcast(ev chatbot.Event) {
	n := Notification{JSONRPC: "2.0", Method: MethodEvent, Params: ev}
	for _, c := range s.registry.all() {
		s.send(c, n)
	}
}

func (s *Server) send(c *conn, v any) {
	if err := c.writeJSON(v); err != nil {
		s.logger.Warn("bridge write failed", "conn_id", c.id, "error", err)
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &RPCError{Code: CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}

func toRPCError(err error) *RPCError {
	var rpcErr *RPCError
	switch {
	case errors.As(err, &rpcErr):
		return rpcErr
	case errors.Is(err, chatbot.ErrEmptyInput), errors.Is(err, chatbot.ErrUnknownProfile):
		return &RPCError{Code: CodeInvalidParams, Message: err.Error()}
	default:
		return &RPCError{Code: CodeServerError, Message: err.Error()}
	}
}
