package chatbot

import (
	"context"
	"fmt"

	"VLabAssist/internal/config"
	"VLabAssist/internal/history"
	"VLabAssist/internal/storage"
	"VLabAssist/internal/telemetry"
)

// NewChatBot wires logging, telemetry and the configured history storage
// into a loaded ChatBot. The cleanup function flushes telemetry and closes
// storage; it is safe to call once.
func NewChatBot(ctx context.Context, cfg *config.Config, opts ...Option) (*ChatBot, func(), error) {
	logger, logFile, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.TelemetryDir)
	if err != nil {
		logFile.Close()
		return nil, nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	kv, err := storage.Open(cfg.Storage)
	if err != nil {
		shutdown()
		logFile.Close()
		return nil, nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	cleanup := func() {
		if err := kv.Close(); err != nil {
			logger.Error("failed to close storage", "error", err)
		}
		shutdown()
		logFile.Close()
	}

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	store := history.New(kv, history.Options{
		MaxChats:         cfg.MaxChats,
		MaxMessagesTotal: cfg.MaxMessagesTotal,
		Logger:           logger,
	})

	base := []Option{WithLogger(logger), WithTracer(tracer), WithMeter(meter)}
	cb, err := New(cfg, store, append(base, opts...)...)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	if err := cb.Load(); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to load chat history: %w", err)
	}

	logger.Info("chatbot ready",
		"storage", cfg.Storage.Driver,
		"sessions", len(store.Sessions()),
		"default_profile", cfg.DefaultProfile,
	)

	return cb, cleanup, nil
}
