package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	account string // keychain account for secrets
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "INSIGHT_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "INSIGHT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.backend", typ: kString, env: "INSIGHT_STORAGE_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.Backend },
	},
	{
		key: "redis.addr", typ: kString, env: "INSIGHT_REDIS_ADDR",
		apply:   func(cfg *Config, v any) { cfg.Redis.Addr = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Addr },
	},
	{
		key: "redis.password", typ: kString, env: "INSIGHT_REDIS_PASSWORD",
		secret: true, account: "redis_password",
		apply:   func(cfg *Config, v any) { cfg.Redis.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.Password },
	},
	{
		key: "redis.db", typ: kInt, env: "INSIGHT_REDIS_DB",
		apply:   func(cfg *Config, v any) { cfg.Redis.DB = v.(int) },
		extract: func(cfg Config) any { return cfg.Redis.DB },
	},
	{
		key: "history.max_entries", typ: kInt, env: "INSIGHT_HISTORY_MAX_ENTRIES",
		apply:   func(cfg *Config, v any) { cfg.History.MaxEntries = v.(int) },
		extract: func(cfg Config) any { return cfg.History.MaxEntries },
	},
	{
		key: "history.patterns_file", typ: kString, env: "INSIGHT_HISTORY_PATTERNS_FILE",
		apply:   func(cfg *Config, v any) { cfg.History.PatternsFile = v.(string) },
		extract: func(cfg Config) any { return cfg.History.PatternsFile },
	},
	{
		key: "agent.base_url", typ: kString, env: "INSIGHT_AGENT_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Agent.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.BaseURL },
	},
	{
		key: "agent.model", typ: kString, env: "INSIGHT_AGENT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Agent.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.Model },
	},
	{
		key: "agent.api_key", typ: kString, env: "INSIGHT_AGENT_API_KEY",
		secret: true, account: "agent_api_key",
		apply:   func(cfg *Config, v any) { cfg.Agent.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Agent.APIKey },
	},
	{
		key: "agent.timeout", typ: kDuration, env: "INSIGHT_AGENT_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Agent.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Agent.Timeout },
	},
	{
		key: "verify.enabled", typ: kBool, env: "INSIGHT_VERIFY_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Verify.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Verify.Enabled },
	},
	{
		key: "verify.timeout", typ: kDuration, env: "INSIGHT_VERIFY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Verify.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Verify.Timeout },
	},
	{
		key: "verify.concurrency", typ: kInt, env: "INSIGHT_VERIFY_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Verify.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Verify.Concurrency },
	},
	{
		key: "log.level", typ: kString, env: "INSIGHT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the Go value for s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

// applySecrets consults the keychain for secrets the environment left empty.
func applySecrets(cfg *Config, kc keychain) {
	for _, s := range specs {
		if !s.secret || s.extract(*cfg).(string) != "" {
			continue
		}
		if v, err := kc.Get(keychainService, s.account); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}
