package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stupiduntilnot/ollabot/internal/bot"
	cmdpkg "github.com/stupiduntilnot/ollabot/internal/commander"
	"github.com/stupiduntilnot/ollabot/internal/config"
	ctxpkg "github.com/stupiduntilnot/ollabot/internal/context"
	"github.com/stupiduntilnot/ollabot/internal/control"
	"github.com/stupiduntilnot/ollabot/internal/db"
	"github.com/stupiduntilnot/ollabot/internal/dummy"
	"github.com/stupiduntilnot/ollabot/internal/logutil"
	modelpkg "github.com/stupiduntilnot/ollabot/internal/model"
	"github.com/stupiduntilnot/ollabot/internal/ollama"
	"github.com/stupiduntilnot/ollabot/internal/telegram"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bot and poll for chat commands",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			logger, err := logutil.New(cfg.Logging, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runBot(ctx, cfg, logger)
		},
	}
}

// runBot wires every component from cfg and polls until ctx is done.
func runBot(ctx context.Context, cfg config.BotConfig, logger *slog.Logger) error {
	var database *sql.DB
	if cfg.DBPath != "" {
		var err error
		database, err = db.OpenDB(cfg.DBPath)
		if err != nil {
			return err
		}
		defer database.Close()
		if err := db.InitSchema(database); err != nil {
			return fmt.Errorf("failed to init schema: %w", err)
		}
	}
	events := db.NewEventLog(database, logger)
	processEventID := events.Log(0, db.EventProcessStarted, map[string]any{
		"role":     "bot",
		"pid":      os.Getpid(),
		"provider": cfg.ModelProvider,
		"source":   cfg.Commander,
	})

	commander, err := newCommander(cfg)
	if err != nil {
		return fmt.Errorf("failed to init commander: %w", err)
	}
	username := resolveBotUsername(ctx, cfg, commander, logger)
	generator, err := newGenerator(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to init model provider: %w", err)
	}

	store := ctxpkg.NewStore(cfg.MaxContextChars)
	opts := bot.Options{
		Commander:            commander,
		Generator:            generator,
		History:              store,
		Prompts:              ctxpkg.NewPromptBuilder(cfg.SystemPrompt, store),
		Gate:                 control.NewGate(),
		Circuit:              control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		Events:               events,
		Logger:               logger,
		BotUsername:          username,
		ProcessEventID:       processEventID,
		ChunkLimit:           cfg.ChunkLimit,
		CommandPrefix:        cfg.CommandPrefix,
		PollTimeout:          cfg.PollTimeout,
		Sleep:                time.Duration(cfg.SleepSeconds) * time.Second,
		DropPending:          cfg.DropPending,
		PendingWindowSeconds: cfg.PendingWindowSeconds,
		PendingMaxMessages:   cfg.PendingMaxMessages,
	}
	// Scripted updates are not replayed by offset, so there is nothing to
	// drop and nothing to long-poll.
	if cfg.Commander == "dummy" {
		opts.DropPending = false
		opts.PollTimeout = 0
	}

	logger.Info("bot_starting",
		"commander", cfg.Commander,
		"provider", cfg.ModelProvider,
		"ollama_url", cfg.OllamaURL,
		"max_context_chars", cfg.MaxContextChars,
		"chunk_limit", cfg.ChunkLimit,
		"bot_username", username,
	)

	runErr := bot.New(opts).Run(ctx)

	events.Log(processEventID, db.EventProcessStopped, map[string]any{"pid": os.Getpid()})
	logger.Info("bot_stopped")
	return runErr
}

// resolveBotUsername prefers the configured handle and otherwise asks the
// platform. Without one, commands addressed to any bot are accepted.
func resolveBotUsername(ctx context.Context, cfg config.BotConfig, commander cmdpkg.Commander, logger *slog.Logger) string {
	if cfg.BotUsername != "" {
		return cfg.BotUsername
	}
	who, ok := commander.(interface {
		GetMe(ctx context.Context) (cmdpkg.User, error)
	})
	if !ok {
		return ""
	}
	me, err := who.GetMe(ctx)
	if err != nil {
		logger.Warn("get_me_error", "error", err.Error())
		return ""
	}
	return me.Username
}

func newCommander(cfg config.BotConfig) (cmdpkg.Commander, error) {
	switch cfg.Commander {
	case "telegram":
		return telegram.NewClient(cfg.TelegramAPIBase, time.Duration(cfg.PollTimeout+10)*time.Second), nil
	case "dummy":
		return dummy.NewCommander(cfg.DummyCommanderScript, cfg.DummySendScript)
	default:
		return nil, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
}

func newGenerator(cfg config.BotConfig, logger *slog.Logger) (modelpkg.Generator, error) {
	switch cfg.ModelProvider {
	case "ollama":
		return ollama.NewClient(cfg.OllamaURL, cfg.OllamaTimeout, logger), nil
	case "dummy":
		return dummy.NewGenerator(cfg.DummyProviderScript)
	default:
		return nil, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}
}
