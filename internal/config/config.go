package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	ctxpkg "github.com/stupiduntilnot/ollabot/internal/context"
	"github.com/stupiduntilnot/ollabot/internal/ollama"
	"github.com/stupiduntilnot/ollabot/internal/telegram"
)

// EnvPrefix namespaces every configuration key in the environment,
// e.g. context.max_chars -> OLLABOT_CONTEXT_MAX_CHARS.
const EnvPrefix = "OLLABOT"

// Logging holds logger settings.
type Logging struct {
	Level     string
	Format    string
	AddSource bool
}

// BotConfig holds configuration for the bot process.
type BotConfig struct {
	Commander            string
	ModelProvider        string
	TelegramAPIBase      string
	BotUsername          string
	PollTimeout          int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	OllamaURL            string
	OllamaTimeout        time.Duration
	MaxContextChars      int
	ChunkLimit           int
	CommandPrefix        string
	SystemPrompt         string
	DBPath               string
	CircuitThreshold     int
	CircuitCooldown      time.Duration
	DummyProviderScript  string
	DummyCommanderScript string
	DummySendScript      string
	Logging              Logging
}

// NewViper returns a viper instance with defaults set and environment
// variables bound. The unprefixed TELEGRAM_BOT_TOKEN and OLLAMA_URL are
// honoured as well.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("telegram.bot_token", EnvPrefix+"_TELEGRAM_BOT_TOKEN", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("ollama.url", EnvPrefix+"_OLLAMA_URL", "OLLAMA_URL")
	return v
}

// SetDefaults registers every key with its default value.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("commander", "telegram")
	v.SetDefault("model_provider", "ollama")
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.bot_username", "")
	v.SetDefault("telegram.api_base", telegram.DefaultAPIBase)
	v.SetDefault("telegram.poll_timeout", 30)
	v.SetDefault("telegram.sleep_seconds", 1)
	v.SetDefault("telegram.drop_pending", true)
	v.SetDefault("telegram.pending_window", 600)
	v.SetDefault("telegram.pending_max", 50)
	v.SetDefault("ollama.url", ollama.DefaultURL)
	v.SetDefault("ollama.timeout_seconds", 0)
	v.SetDefault("context.max_chars", ctxpkg.DefaultMaxContextChars)
	v.SetDefault("chat.chunk_limit", 2000)
	v.SetDefault("chat.command_prefix", "/")
	v.SetDefault("prompt.system", "")
	v.SetDefault("prompt.system_file", "")
	v.SetDefault("db.path", "./state/ollabot.db")
	v.SetDefault("circuit.threshold", 5)
	v.SetDefault("circuit.cooldown_seconds", 30)
	v.SetDefault("dummy.provider_script", "ok")
	v.SetDefault("dummy.commander_script", "ok")
	v.SetDefault("dummy.send_script", "ok")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
}

// Load reads and validates the bot configuration.
func Load(v *viper.Viper) (BotConfig, error) {
	cfg := BotConfig{
		Commander:            strings.ToLower(strings.TrimSpace(v.GetString("commander"))),
		ModelProvider:        strings.ToLower(strings.TrimSpace(v.GetString("model_provider"))),
		BotUsername:          strings.TrimPrefix(strings.TrimSpace(v.GetString("telegram.bot_username")), "@"),
		PollTimeout:          v.GetInt("telegram.poll_timeout"),
		SleepSeconds:         v.GetInt("telegram.sleep_seconds"),
		DropPending:          v.GetBool("telegram.drop_pending"),
		PendingWindowSeconds: v.GetInt64("telegram.pending_window"),
		PendingMaxMessages:   v.GetInt("telegram.pending_max"),
		OllamaURL:            strings.TrimSpace(v.GetString("ollama.url")),
		OllamaTimeout:        time.Duration(v.GetInt("ollama.timeout_seconds")) * time.Second,
		MaxContextChars:      v.GetInt("context.max_chars"),
		ChunkLimit:           v.GetInt("chat.chunk_limit"),
		CommandPrefix:        strings.TrimSpace(v.GetString("chat.command_prefix")),
		DBPath:               strings.TrimSpace(v.GetString("db.path")),
		CircuitThreshold:     v.GetInt("circuit.threshold"),
		CircuitCooldown:      time.Duration(v.GetInt("circuit.cooldown_seconds")) * time.Second,
		DummyProviderScript:  v.GetString("dummy.provider_script"),
		DummyCommanderScript: v.GetString("dummy.commander_script"),
		DummySendScript:      v.GetString("dummy.send_script"),
		Logging: Logging{
			Level:     v.GetString("logging.level"),
			Format:    v.GetString("logging.format"),
			AddSource: v.GetBool("logging.add_source"),
		},
	}

	switch cfg.Commander {
	case "telegram":
		token := strings.TrimSpace(v.GetString("telegram.bot_token"))
		if token == "" {
			return BotConfig{}, fmt.Errorf("TELEGRAM_BOT_TOKEN is required in environment when commander=telegram")
		}
		cfg.TelegramAPIBase = telegram.BotAPIBase(v.GetString("telegram.api_base"), token)
	case "dummy":
	default:
		return BotConfig{}, fmt.Errorf("unsupported commander: %s", cfg.Commander)
	}
	switch cfg.ModelProvider {
	case "ollama", "dummy":
	default:
		return BotConfig{}, fmt.Errorf("unsupported model provider: %s", cfg.ModelProvider)
	}

	if cfg.MaxContextChars <= 0 {
		return BotConfig{}, fmt.Errorf("context.max_chars must be > 0, got %d", cfg.MaxContextChars)
	}
	if cfg.ChunkLimit <= 0 {
		return BotConfig{}, fmt.Errorf("chat.chunk_limit must be > 0, got %d", cfg.ChunkLimit)
	}
	if cfg.ChunkLimit > telegram.MaxChunkRunes {
		return BotConfig{}, fmt.Errorf("chat.chunk_limit must be <= %d, got %d", telegram.MaxChunkRunes, cfg.ChunkLimit)
	}
	if cfg.CommandPrefix == "" {
		return BotConfig{}, fmt.Errorf("chat.command_prefix must not be empty")
	}
	if cfg.PollTimeout < 0 || cfg.SleepSeconds < 0 {
		return BotConfig{}, fmt.Errorf("telegram.poll_timeout and telegram.sleep_seconds must be >= 0")
	}
	if cfg.OllamaTimeout < 0 {
		return BotConfig{}, fmt.Errorf("ollama.timeout_seconds must be >= 0")
	}

	system, err := loadSystemPrompt(v.GetString("prompt.system"), v.GetString("prompt.system_file"))
	if err != nil {
		return BotConfig{}, err
	}
	cfg.SystemPrompt = system

	return cfg, nil
}

type promptFile struct {
	System string `yaml:"system"`
}

// loadSystemPrompt resolves the prompt preamble. An inline value wins over a
// file. Files ending in .yaml/.yml are read as {system: "..."}; any other
// file is used verbatim. "" means the built-in preamble.
func loadSystemPrompt(inline, path string) (string, error) {
	if inline != "" {
		return inline, nil
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("prompt.system_file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var pf promptFile
		if err := yaml.Unmarshal(data, &pf); err != nil {
			return "", fmt.Errorf("prompt.system_file %s: %w", path, err)
		}
		if strings.TrimSpace(pf.System) == "" {
			return "", fmt.Errorf("prompt.system_file %s: missing system key", path)
		}
		return pf.System, nil
	default:
		return string(data), nil
	}
}
