package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level service configuration.
type Config struct {
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	LLM       LLMConfig       `yaml:"llm"`
	Agents    AgentsConfig    `yaml:"agents"`
	Tools     ToolsConfig     `yaml:"tools"`
	Tasks     TasksConfig     `yaml:"tasks"`
	Bus       BusConfig       `yaml:"bus"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Audit     AuditConfig     `yaml:"audit"`
}

// LoggerConfig holds logging settings. File outputs are rotated.
type LoggerConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout", "noop"
}

// GatewayConfig holds HTTP/WebSocket gateway settings.
type GatewayConfig struct {
	Addr           string          `yaml:"addr"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Compression    bool            `yaml:"compression"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
	PublicURL      string          `yaml:"public_url,omitempty"`
}

// AuthConfig selects how gateway clients authenticate.
type AuthConfig struct {
	Type      string        `yaml:"type"` // "none", "static", "jwt"
	Tokens    []TokenConfig `yaml:"tokens,omitempty"`
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	JWTIssuer string        `yaml:"jwt_issuer,omitempty"`
}

// TokenConfig is a single static bearer token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles,omitempty"`
}

// RateLimitConfig bounds request admission per client IP.
type RateLimitConfig struct {
	Enabled        bool     `yaml:"enabled"`
	RequestsPerMin int      `yaml:"requests_per_min"`
	BurstSize      int      `yaml:"burst_size"`
	TrustedProxies []string `yaml:"trusted_proxies,omitempty"`
}

// LLMConfig holds model provider settings.
type LLMConfig struct {
	Providers      []ProviderConfig     `yaml:"providers"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ProviderConfig holds settings for a single LLM provider.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"` // "openai", "anthropic", "scripted"
	BaseURL string        `yaml:"base_url,omitempty"`
	APIKey  string        `yaml:"api_key,omitempty"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
	Script  string        `yaml:"script,omitempty"` // scripted provider: path to YAML script
}

// CircuitBreakerConfig holds circuit breaker settings for LLM providers.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// AgentsConfig lists the agents to register at startup.
// An empty list registers the built-in set.
type AgentsConfig struct {
	Default string                `yaml:"default"`
	List    []AgentInstanceConfig `yaml:"list,omitempty"`
}

// AgentInstanceConfig declares one agent.
type AgentInstanceConfig struct {
	ID            string        `yaml:"id"`
	Name          string        `yaml:"name"`
	Description   string        `yaml:"description,omitempty"`
	Capabilities  []string      `yaml:"capabilities"`
	Provider      string        `yaml:"provider"`
	Model         string        `yaml:"model,omitempty"`
	Temperature   float64       `yaml:"temperature"`
	MaxTokens     int           `yaml:"max_tokens"`
	MaxIterations int           `yaml:"max_iterations"`
	ToolTimeout   time.Duration `yaml:"tool_timeout"`
	ParallelTools bool          `yaml:"parallel_tools"`
	Tools         []string      `yaml:"tools,omitempty"`
	SystemPrompt  string        `yaml:"system_prompt,omitempty"`
}

// ToolsConfig holds tool execution settings.
type ToolsConfig struct {
	SandboxRoot     string                  `yaml:"sandbox_root"`
	AllowedCommands []string                `yaml:"allowed_commands"`
	DefaultTimeout  time.Duration           `yaml:"default_timeout"`
	IdleEviction    time.Duration           `yaml:"idle_eviction"`
	Cache           CacheConfig             `yaml:"cache"`
	Overrides       map[string]ToolOverride `yaml:"overrides,omitempty"`
	MCPServers      []MCPServer             `yaml:"mcp_servers,omitempty"`
}

// CacheConfig selects the tool result cache backend.
type CacheConfig struct {
	Backend       string `yaml:"backend"` // "memory", "redis"
	MaxEntries    int    `yaml:"max_entries"`
	RedisAddr     string `yaml:"redis_addr,omitempty"`
	RedisPassword string `yaml:"redis_password,omitempty"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// ToolOverride adjusts a registered tool's declared contract.
type ToolOverride struct {
	Disabled  bool          `yaml:"disabled"`
	Timeout   time.Duration `yaml:"timeout"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
	MaxCalls  int           `yaml:"max_calls"`
	Window    time.Duration `yaml:"window"`
	Unlimited bool          `yaml:"unlimited"`
}

// MCPServer configures an MCP server whose tools are registered at startup.
type MCPServer struct {
	Name      string            `yaml:"name"`
	Transport string            `yaml:"transport"` // "stdio" or "http"
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	// Permission applies to every tool the server exposes ("user" or "admin").
	Permission string        `yaml:"permission,omitempty"`
	Timeout    time.Duration `yaml:"timeout,omitempty"`
	// CacheTTL enables result caching for tools annotated read-only.
	CacheTTL time.Duration `yaml:"cache_ttl,omitempty"`
}

// TasksConfig holds orchestration policy.
type TasksConfig struct {
	MaxIterations     int           `yaml:"max_iterations"`
	AntiLoopThreshold int           `yaml:"anti_loop_threshold"`
	EventBuffer       int           `yaml:"event_buffer"`
	Retention         time.Duration `yaml:"retention"`
	MaxConcurrent     int           `yaml:"max_concurrent"`
	ArchivePath       string        `yaml:"archive_path,omitempty"` // empty = no archive
	ArchiveRetention  time.Duration `yaml:"archive_retention"`      // 0 = keep archived tasks forever
}

// BusConfig configures mirroring of task events to NATS.
type BusConfig struct {
	NATS NATSConfig `yaml:"nats"`
}

// NATSConfig holds NATS connection or embedded-server settings.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Embedded      bool   `yaml:"embedded"`
	URL           string `yaml:"url,omitempty"`
	Port          int    `yaml:"port"`
	StoreDir      string `yaml:"store_dir,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// SchedulerConfig holds cron specs for background maintenance.
type SchedulerConfig struct {
	Enabled       bool   `yaml:"enabled"`
	LimiterSweep  string `yaml:"limiter_sweep"`
	CachePurge    string `yaml:"cache_purge"`
	TaskCollector string `yaml:"task_collector"`
	AuditPrune    string `yaml:"audit_prune"`
}

// AuditConfig enables the JSONL audit trail. An empty path disables it.
type AuditConfig struct {
	Path      string        `yaml:"path"`
	MaxAge    time.Duration `yaml:"max_age"`
	MaxSizeMB int           `yaml:"max_size_mb"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Gateway: GatewayConfig{
			Addr: "127.0.0.1:7420",
			Auth: AuthConfig{Type: "none"},
			RateLimit: RateLimitConfig{
				Enabled:        true,
				RequestsPerMin: 600,
				BurstSize:      60,
			},
			Compression: true,
		},
		LLM: LLMConfig{
			Providers: []ProviderConfig{
				{Name: "scripted", Type: "scripted", Model: "scripted", Timeout: 60 * time.Second},
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Agents: AgentsConfig{
			Default: "general",
		},
		Tools: ToolsConfig{
			SandboxRoot:     ".",
			AllowedCommands: []string{"ls", "cat", "grep", "git", "go"},
			DefaultTimeout:  30 * time.Second,
			IdleEviction:    time.Hour,
			Cache: CacheConfig{
				Backend:    "memory",
				MaxEntries: 1024,
				Prefix:     "agentd:toolcache:",
			},
		},
		Tasks: TasksConfig{
			MaxIterations:     10,
			AntiLoopThreshold: 3,
			EventBuffer:       64,
			Retention:         30 * time.Minute,
			MaxConcurrent:     32,
		},
		Bus: BusConfig{
			NATS: NATSConfig{
				Port:          4222,
				SubjectPrefix: "agentd",
			},
		},
		Scheduler: SchedulerConfig{
			Enabled:       true,
			LimiterSweep:  "@every 10m",
			CachePurge:    "@every 5m",
			TaskCollector: "@every 1m",
			AuditPrune:    "@daily",
		},
		Audit: AuditConfig{
			MaxAge: 30 * 24 * time.Hour,
		},
	}
}

// Load reads a YAML config file, loads a sibling .env file, applies env var
// overrides, and decrypts secrets. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	loadDotEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return finish(cfg)
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("AGENTD_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads .env next to the config file and in the working directory.
// Existing environment variables win; missing files are ignored.
func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := make(map[string]bool, len(candidates))
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err == nil {
			_ = godotenv.Load(abs)
		}
	}
}

// ApplyEnvOverrides maps AGENTD_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENTD_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("AGENTD_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("AGENTD_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("AGENTD_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("AGENTD_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("AGENTD_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	if v := os.Getenv("AGENTD_GATEWAY_AUTH_TYPE"); v != "" {
		cfg.Gateway.Auth.Type = v
	}
	if v := os.Getenv("AGENTD_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v, Name: "env", Roles: []string{"admin"},
		})
	}
	if v := os.Getenv("AGENTD_GATEWAY_JWT_SECRET"); v != "" {
		cfg.Gateway.Auth.JWTSecret = v
	}
	if v := os.Getenv("AGENTD_AGENTS_DEFAULT"); v != "" {
		cfg.Agents.Default = v
	}
	if v := os.Getenv("AGENTD_TOOLS_SANDBOX_ROOT"); v != "" {
		cfg.Tools.SandboxRoot = v
	}
	if v := os.Getenv("AGENTD_TOOLS_ALLOWED_COMMANDS"); v != "" {
		cfg.Tools.AllowedCommands = splitAndTrim(v, ",")
	}
	if v := os.Getenv("AGENTD_TOOLS_CACHE_BACKEND"); v != "" {
		cfg.Tools.Cache.Backend = v
	}
	if v := os.Getenv("AGENTD_TOOLS_CACHE_REDIS_ADDR"); v != "" {
		cfg.Tools.Cache.RedisAddr = v
	}
	if v := os.Getenv("AGENTD_TASKS_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.MaxIterations = n
		}
	}
	if v := os.Getenv("AGENTD_TASKS_ANTI_LOOP_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Tasks.AntiLoopThreshold = n
		}
	}
	if v := os.Getenv("AGENTD_TASKS_ARCHIVE_PATH"); v != "" {
		cfg.Tasks.ArchivePath = v
	}
	if v := os.Getenv("AGENTD_AUDIT_PATH"); v != "" {
		cfg.Audit.Path = v
	}
	if v := os.Getenv("AGENTD_BUS_NATS_URL"); v != "" {
		cfg.Bus.NATS.Enabled = true
		cfg.Bus.NATS.URL = v
	}
	if v := os.Getenv("AGENTD_BUS_NATS_EMBEDDED"); v == "true" {
		cfg.Bus.NATS.Enabled = true
		cfg.Bus.NATS.Embedded = true
	}

	// Provider API keys follow the conventional vendor variables.
	for i := range cfg.LLM.Providers {
		p := &cfg.LLM.Providers[i]
		if p.APIKey != "" {
			continue
		}
		switch p.Type {
		case "openai":
			p.APIKey = os.Getenv("OPENAI_API_KEY")
		case "anthropic":
			p.APIKey = os.Getenv("ANTHROPIC_API_KEY")
		}
	}
}

func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// decryptSecrets finds "enc:..." values in secret fields and decrypts them.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		if err := decryptField(&cfg.LLM.Providers[i].APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
	}
	for i := range cfg.Gateway.Auth.Tokens {
		if err := decryptField(&cfg.Gateway.Auth.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("gateway auth token %s: %w", cfg.Gateway.Auth.Tokens[i].Name, err)
		}
	}
	if err := decryptField(&cfg.Gateway.Auth.JWTSecret, passphrase); err != nil {
		return fmt.Errorf("gateway jwt_secret: %w", err)
	}
	if err := decryptField(&cfg.Tools.Cache.RedisPassword, passphrase); err != nil {
		return fmt.Errorf("redis_password: %w", err)
	}
	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	salt, data, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}

	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	raw, err := hex.DecodeString(data)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, saltBytes)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}
	plaintext, err := gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	// Argon2id, 64 MiB, 4 lanes, 32-byte key.
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	if mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
