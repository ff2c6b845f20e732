package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	DefaultSystemPrompt = "You are a helpful assistant. Use the web_search tool when the user asks about " +
		"recent events or facts you are unsure of, then answer using the results."
	DefaultMaxCycles     = 8
	DefaultTurnTimeout   = 120
	DefaultMaxTurns      = 50
	DefaultSearchResults = 3
)

// ConfigError reports a missing or invalid setting. It is fatal at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Chat        ChatConfig                `json:"chat"`
	Search      SearchConfig              `json:"search"`
	Sessions    SessionConfig             `json:"sessions"`
	Trace       TraceConfig               `json:"trace"`
	Redis       RedisConfig               `json:"redis"`
	Databases   map[string]DatabaseConfig `json:"databases"`
}

type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

type BasicConfig struct {
	ServerAddress string   `json:"server_address"`
	LogLevel      string   `json:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
	LogFormat     string   `json:"log_format" validate:"omitempty,oneof=text json"`
	APIKeys       []string `json:"api_keys"`
	MinWorkers    int      `json:"min_workers" validate:"gte=0"`
	MaxWorkers    int      `json:"max_workers" validate:"gte=0"`
	QueueSize     int      `json:"queue_size" validate:"gte=0"`
	// minutes
	WorkerIdleTimeout int `json:"worker_idle_timeout" validate:"gte=0"`
}

type ChatConfig struct {
	// Model is "provider:model", e.g. "openai:gpt-4.1".
	Model              string `json:"model" validate:"required"`
	SystemPrompt       string `json:"system_prompt"`
	MaxCycles          int    `json:"max_cycles" validate:"gte=1"`
	TurnTimeoutSeconds int    `json:"turn_timeout" validate:"gte=1"`
	MaxTurns           int    `json:"max_conversation_turns" validate:"gte=1"`
	// SaveGraphDir, when set, receives chat_graph.mmd at startup.
	SaveGraphDir string `json:"save_graph_dir"`
}

type SearchConfig struct {
	Enabled              bool   `json:"enabled"`
	MaxResults           int    `json:"max_results" validate:"gte=1,lte=10"`
	GoogleAPIKey         string `json:"google_api_key"`
	GoogleSearchEngineID string `json:"google_search_engine_id"`
	DisableDuckDuckGo    bool   `json:"disable_duckduckgo"`
	RateLimit            int    `json:"rate_limit_per_minute" validate:"gte=0"`
}

type SessionConfig struct {
	// seconds; zero disables eviction
	IdleTTL       int    `json:"idle_ttl" validate:"gte=0"`
	SweepInterval int    `json:"sweep_interval" validate:"gte=0"`
	Mirror        string `json:"mirror" validate:"omitempty,oneof=none redis sqlite sqlite3 mysql"`
	// seconds
	MirrorTTL int `json:"mirror_ttl" validate:"gte=0"`
}

type TraceConfig struct {
	Enabled      bool   `json:"enabled"`
	Log          bool   `json:"log"`
	RedisChannel string `json:"redis_channel"`
	BufferSize   int    `json:"buffer_size" validate:"gte=0"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

// envOverrides are applied after the config file, so deployments can keep
// credentials out of it.
type envOverrides struct {
	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL        string `env:"OPENAI_BASE_URL"`
	AnthropicAPIKey      string `env:"ANTHROPIC_API_KEY"`
	GeminiAPIKey         string `env:"GEMINI_API_KEY"`
	ChatModel            string `env:"CHAT_MODEL"`
	SystemPrompt         string `env:"CHAT_SYSTEM_PROMPT"`
	MaxCycles            int    `env:"CHAT_MAX_CYCLES"`
	SaveGraphDir         string `env:"CHAT_SAVE_GRAPH_DIR"`
	EnableWebSearch      string `env:"ENABLE_WEB_SEARCH"`
	MaxSearchResults     int    `env:"MAX_SEARCH_RESULTS"`
	GoogleAPIKey         string `env:"GOOGLE_API_KEY"`
	GoogleSearchEngineID string `env:"GOOGLE_SEARCH_ENGINE_ID"`
	ServerAddress        string `env:"CHATROUTER_ADDR"`
	LogLevel             string `env:"CHATROUTER_LOG_LEVEL"`
	EnableTracing        string `env:"ENABLE_TRACING"`
	SessionIdleTTL       int    `env:"SESSION_IDLE_TTL" envDefault:"-1"`
	SessionMirror        string `env:"SESSION_MIRROR"`
	RedisHost            string `env:"REDIS_HOST"`
	RedisPort            int    `env:"REDIS_PORT"`
	RedisPassword        string `env:"REDIS_PASSWORD"`
}

var providerKeyEnv = map[string]func(*envOverrides) string{
	"openai": func(e *envOverrides) string { return e.OpenAIAPIKey },
	"claude": func(e *envOverrides) string { return e.AnthropicAPIKey },
	"gemini": func(e *envOverrides) string { return e.GeminiAPIKey },
}

// Default returns a configuration usable without any config file.
func Default() *Config {
	return &Config{
		BasicConfig: BasicConfig{
			ServerAddress:     ":5000",
			LogLevel:          "info",
			LogFormat:         "text",
			MinWorkers:        2,
			MaxWorkers:        16,
			QueueSize:         64,
			WorkerIdleTimeout: 1,
		},
		Providers: map[string]ProviderConfig{},
		Chat: ChatConfig{
			Model:              "openai:gpt-4.1",
			SystemPrompt:       DefaultSystemPrompt,
			MaxCycles:          DefaultMaxCycles,
			TurnTimeoutSeconds: DefaultTurnTimeout,
			MaxTurns:           DefaultMaxTurns,
		},
		Search: SearchConfig{
			Enabled:    true,
			MaxResults: DefaultSearchResults,
			RateLimit:  30,
		},
		Sessions: SessionConfig{
			IdleTTL:       0,
			SweepInterval: 60,
			Mirror:        "none",
			MirrorTTL:     24 * 60 * 60,
		},
		Trace: TraceConfig{
			Enabled:      true,
			Log:          true,
			RedisChannel: "chat:events",
			BufferSize:   256,
		},
		Databases: map[string]DatabaseConfig{},
	}
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing file at the default path is not an error; environment variables
// and .env still apply on top of the defaults.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if path == "" {
		path = "config.json"
	}
	cfg := Default()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	file, err := os.Open(absPath)
	switch {
	case err == nil:
		defer file.Close()
		if err := json.NewDecoder(file).Decode(cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
		for name, db := range cfg.Databases {
			if strings.HasPrefix(name, "sqlite") && db.DSN != "" && db.DSN != ":memory:" && !filepath.IsAbs(db.DSN) {
				db.DSN = filepath.Join(filepath.Dir(absPath), db.DSN)
				cfg.Databases[name] = db
			}
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}

	// .env is optional
	_ = godotenv.Load(".env")

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	cfg.applyEnv(&overrides)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(e *envOverrides) {
	if c.Providers == nil {
		c.Providers = map[string]ProviderConfig{}
	}
	for name, key := range providerKeyEnv {
		if v := key(e); v != "" {
			p := c.Providers[name]
			p.APIKey = v
			c.Providers[name] = p
		}
	}
	if e.OpenAIBaseURL != "" {
		p := c.Providers["openai"]
		p.BaseURL = e.OpenAIBaseURL
		c.Providers["openai"] = p
	}
	if e.ChatModel != "" {
		c.Chat.Model = e.ChatModel
	}
	if e.SystemPrompt != "" {
		c.Chat.SystemPrompt = e.SystemPrompt
	}
	if e.MaxCycles > 0 {
		c.Chat.MaxCycles = e.MaxCycles
	}
	if e.SaveGraphDir != "" {
		c.Chat.SaveGraphDir = e.SaveGraphDir
	}
	if v, err := strconv.ParseBool(e.EnableWebSearch); err == nil {
		c.Search.Enabled = v
	}
	if e.MaxSearchResults > 0 {
		c.Search.MaxResults = e.MaxSearchResults
	}
	if e.GoogleAPIKey != "" {
		c.Search.GoogleAPIKey = e.GoogleAPIKey
	}
	if e.GoogleSearchEngineID != "" {
		c.Search.GoogleSearchEngineID = e.GoogleSearchEngineID
	}
	if e.ServerAddress != "" {
		c.BasicConfig.ServerAddress = e.ServerAddress
	}
	if e.LogLevel != "" {
		c.BasicConfig.LogLevel = e.LogLevel
	}
	if v, err := strconv.ParseBool(e.EnableTracing); err == nil {
		c.Trace.Enabled = v
	}
	if e.SessionIdleTTL >= 0 {
		c.Sessions.IdleTTL = e.SessionIdleTTL
	}
	if e.SessionMirror != "" {
		c.Sessions.Mirror = e.SessionMirror
	}
	if e.RedisHost != "" {
		c.Redis.Host = e.RedisHost
	}
	if e.RedisPort != 0 {
		c.Redis.Port = e.RedisPort
	}
	if e.RedisPassword != "" {
		c.Redis.Password = e.RedisPassword
	}
}

var validate = validator.New()

// Validate checks field constraints and that the selected chat provider has credentials.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ConfigError{Field: verrs[0].Namespace(), Reason: fmt.Sprintf("failed %q check", verrs[0].Tag())}
		}
		return &ConfigError{Field: "config", Reason: err.Error()}
	}
	provider, _, err := ParseModel(c.Chat.Model)
	if err != nil {
		return err
	}
	if c.Providers[provider].APIKey == "" {
		return &ConfigError{Field: "providers." + provider + ".api_key", Reason: "is required"}
	}
	if c.Sessions.Mirror != "" && c.Sessions.Mirror != "none" && c.Sessions.Mirror != "redis" {
		if _, ok := c.Databases[c.Sessions.Mirror]; !ok {
			return &ConfigError{Field: "databases." + c.Sessions.Mirror, Reason: "is required for the session mirror"}
		}
	}
	return nil
}

// ParseModel splits "provider:model". A bare model name means openai.
func ParseModel(spec string) (provider, model string, err error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", "", &ConfigError{Field: "chat.model", Reason: "is required"}
	}
	provider, model, found := strings.Cut(spec, ":")
	if !found {
		return "openai", spec, nil
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	model = strings.TrimSpace(model)
	switch provider {
	case "openai", "claude", "anthropic", "gemini":
	default:
		return "", "", &ConfigError{Field: "chat.model", Reason: fmt.Sprintf("unknown provider %q", provider)}
	}
	if provider == "anthropic" {
		provider = "claude"
	}
	return provider, model, nil
}

// TurnTimeout is the per-turn deadline applied at the transport boundary.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.Chat.TurnTimeoutSeconds) * time.Second
}

// SearchAvailable reports whether web search is enabled and has at least one provider.
func (c *Config) SearchAvailable() bool {
	if !c.Search.Enabled {
		return false
	}
	google := c.Search.GoogleAPIKey != "" && c.Search.GoogleSearchEngineID != ""
	return google || !c.Search.DisableDuckDuckGo
}
