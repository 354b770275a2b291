package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateGateway(cfg, ve)
	validateLLM(cfg, ve)
	validateAgents(cfg, ve)
	validateTools(cfg, ve)
	validateTasks(cfg, ve)
	validateBus(cfg, ve)
	validateAudit(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Format) {
	case "", "text", "json":
	default:
		ve.Add("logger.format must be \"text\" or \"json\", got %q", cfg.Logger.Format)
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	if _, _, err := net.SplitHostPort(cfg.Gateway.Addr); err != nil {
		ve.Add("gateway.addr %q is not host:port: %v", cfg.Gateway.Addr, err)
	}
	switch cfg.Gateway.Auth.Type {
	case "", "none":
	case "static":
		if len(cfg.Gateway.Auth.Tokens) == 0 {
			ve.Add("gateway.auth.tokens must not be empty for static auth")
		}
		for i, tok := range cfg.Gateway.Auth.Tokens {
			if tok.Token == "" {
				ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
			}
		}
	case "jwt":
		if len(cfg.Gateway.Auth.JWTSecret) < 32 {
			ve.Add("gateway.auth.jwt_secret must be at least 32 bytes")
		}
	default:
		ve.Add("gateway.auth.type %q is not one of none, static, jwt", cfg.Gateway.Auth.Type)
	}
	if rl := cfg.Gateway.RateLimit; rl.Enabled && (rl.RequestsPerMin <= 0 || rl.BurstSize <= 0) {
		ve.Add("gateway.rate_limit requires requests_per_min > 0 and burst_size > 0")
	}
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if len(cfg.LLM.Providers) == 0 {
		ve.Add("llm.providers must not be empty")
	}
	seen := make(map[string]bool)
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d].name %q is duplicated", i, p.Name)
		}
		seen[p.Name] = true
		switch p.Type {
		case "openai", "anthropic":
			if p.APIKey == "" && p.BaseURL == "" {
				ve.Add("llm.providers[%d] (%s) needs api_key or base_url", i, p.Name)
			}
		case "scripted":
		default:
			ve.Add("llm.providers[%d].type %q is not one of openai, anthropic, scripted", i, p.Type)
		}
	}
}

func validateAgents(cfg *Config, ve *ValidationError) {
	if cfg.Agents.Default == "" {
		ve.Add("agents.default must not be empty")
	}
	if len(cfg.Agents.List) == 0 {
		return
	}
	providers := make(map[string]bool, len(cfg.LLM.Providers))
	for _, p := range cfg.LLM.Providers {
		providers[p.Name] = true
	}
	ids := make(map[string]bool, len(cfg.Agents.List))
	for i, a := range cfg.Agents.List {
		if a.ID == "" {
			ve.Add("agents.list[%d].id must not be empty", i)
			continue
		}
		if ids[a.ID] {
			ve.Add("agents.list[%d].id %q is duplicated", i, a.ID)
		}
		ids[a.ID] = true
		if a.Provider != "" && !providers[a.Provider] {
			ve.Add("agents.list[%d] (%s) references unknown provider %q", i, a.ID, a.Provider)
		}
		if a.MaxIterations < 0 {
			ve.Add("agents.list[%d].max_iterations must be >= 0", i)
		}
	}
	if !ids[cfg.Agents.Default] {
		ve.Add("agents.default %q is not in agents.list", cfg.Agents.Default)
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.DefaultTimeout <= 0 {
		ve.Add("tools.default_timeout must be > 0")
	}
	switch cfg.Tools.Cache.Backend {
	case "", "memory":
	case "redis":
		if cfg.Tools.Cache.RedisAddr == "" {
			ve.Add("tools.cache.redis_addr is required for the redis backend")
		}
	default:
		ve.Add("tools.cache.backend %q is not one of memory, redis", cfg.Tools.Cache.Backend)
	}
	for name, o := range cfg.Tools.Overrides {
		if o.MaxCalls < 0 || (o.MaxCalls > 0 && o.Window <= 0) {
			ve.Add("tools.overrides.%s needs window > 0 when max_calls is set", name)
		}
	}
	for i, s := range cfg.Tools.MCPServers {
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				ve.Add("tools.mcp_servers[%d].command is required for stdio", i)
			}
		case "http":
			if s.URL == "" {
				ve.Add("tools.mcp_servers[%d].url is required for http", i)
			}
		default:
			ve.Add("tools.mcp_servers[%d].transport %q is not stdio or http", i, s.Transport)
		}
		switch s.Permission {
		case "", "user", "admin":
		default:
			ve.Add("tools.mcp_servers[%d].permission %q is not user or admin", i, s.Permission)
		}
	}
}

func validateTasks(cfg *Config, ve *ValidationError) {
	if cfg.Tasks.MaxIterations <= 0 {
		ve.Add("tasks.max_iterations must be > 0")
	}
	if cfg.Tasks.AntiLoopThreshold <= 0 {
		ve.Add("tasks.anti_loop_threshold must be > 0")
	}
	if cfg.Tasks.EventBuffer <= 0 {
		ve.Add("tasks.event_buffer must be > 0")
	}
	if cfg.Tasks.MaxConcurrent <= 0 {
		ve.Add("tasks.max_concurrent must be > 0")
	}
	if cfg.Tasks.ArchiveRetention < 0 {
		ve.Add("tasks.archive_retention must be >= 0")
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	n := cfg.Bus.NATS
	if n.Enabled && !n.Embedded && n.URL == "" {
		ve.Add("bus.nats.url is required unless bus.nats.embedded is set")
	}
	if n.Enabled && n.SubjectPrefix == "" {
		ve.Add("bus.nats.subject_prefix must not be empty")
	}
}

func validateAudit(cfg *Config, ve *ValidationError) {
	if cfg.Audit.MaxAge < 0 {
		ve.Add("audit.max_age must be >= 0")
	}
	if cfg.Audit.MaxSizeMB < 0 {
		ve.Add("audit.max_size_mb must be >= 0")
	}
}
