package config

import (
	"fmt"
	"strings"
	"time"
)

const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// keychainService is the service name under which secrets are stored.
const keychainService = "insightbot"

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Redis   RedisConfig
	History HistoryConfig
	Agent   AgentConfig
	Verify  VerifyConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
	// Backend selects where the search history blob lives: sqlite, redis
	// or memory.
	Backend string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type HistoryConfig struct {
	MaxEntries   int
	PatternsFile string
}

type AgentConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type VerifyConfig struct {
	Enabled     bool
	Timeout     time.Duration
	Concurrency int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
			Backend: BackendSQLite,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		History: HistoryConfig{
			MaxEntries: 100,
		},
		Agent: AgentConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
			Timeout: 120 * time.Second,
		},
		Verify: VerifyConfig{
			Enabled:     true,
			Timeout:     5 * time.Second,
			Concurrency: 4,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.insightbot.app) and
// secrets fall back to the macOS Keychain.
// Elsewhere the backend is a JSON file at $XDG_CONFIG_HOME/insightbot/config.json
// and secrets fall back to $XDG_DATA_HOME/insightbot/secrets.json.
//
// Environment variables (INSIGHT_*) override backend values on all platforms.
// A missing agent API key is not an error; see Config.AgentEnabled.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), platformKeychain{})
}

// keychain abstracts secret storage for testing.
type keychain interface {
	Get(service, account string) (string, error)
	Set(service, account, value string) error
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)
	applySecrets(&cfg, kc)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// AgentEnabled reports whether an API key is available. Without one the
// server still serves the history but /ask is disabled.
func (c Config) AgentEnabled() bool {
	return c.Agent.APIKey != ""
}

// MissingAPIKeyHint tells the user where the agent key can be provided.
func MissingAPIKeyHint() string {
	return "set it via environment variable INSIGHT_AGENT_API_KEY" + apiKeyHint()
}

func (c Config) validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("invalid storage.backend %q: want %s, %s or %s",
			c.Storage.Backend, BackendSQLite, BackendRedis, BackendMemory)
	}
	if c.History.MaxEntries <= 0 {
		return fmt.Errorf("invalid history.max_entries %d: must be positive", c.History.MaxEntries)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	}
	return nil
}

// platformKeychain reads and writes the platform secret store.
type platformKeychain struct{}

func (platformKeychain) Get(service, account string) (string, error) {
	out, err := keychainExec(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func (platformKeychain) Set(service, account, value string) error {
	return keychainSet(service, account, value)
}
