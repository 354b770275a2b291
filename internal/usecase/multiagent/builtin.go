package multiagent

import (
	"context"
	"log/slog"

	"agentdispatch/internal/domain"
	"agentdispatch/internal/infra/config"
)

// Tool names granted to the built-in agents.
var (
	readTools  = []string{"read_file", "list_directory", "search_text"}
	coderTools = []string{"read_file", "list_directory", "search_text", "write_file"}
	shellTools = []string{"run_command", "read_file", "list_directory"}
)

const (
	defaultMaxIterations = 10
	defaultMaxTokens     = 4096
)

// BuiltinDescriptors returns the agents used when none are configured, all
// bound to provider.
func BuiltinDescriptors(provider, model string) []domain.AgentDescriptor {
	mk := func(id, name, desc, prompt string, caps []string, tools []string, temp float64, parallel bool) domain.AgentDescriptor {
		return domain.AgentDescriptor{
			ID:           id,
			Name:         name,
			Description:  desc,
			Capabilities: domain.NewCapabilitySet(caps...),
			Config: domain.AgentConfig{
				Provider:      provider,
				Model:         model,
				Temperature:   temp,
				MaxTokens:     defaultMaxTokens,
				MaxIterations: defaultMaxIterations,
				ParallelTools: parallel,
				Tools:         tools,
				SystemPrompt:  prompt,
			},
		}
	}
	return []domain.AgentDescriptor{
		mk("general", "General", "General-purpose coding and chat assistant",
			"You are a helpful engineering assistant. Use the available tools to inspect the workspace before answering.",
			[]string{"code", "chat"}, readTools, 0.7, true),
		mk("coder", "Coder", "Writes and refactors code in the workspace",
			"You are a careful software engineer. Read the relevant files, then make minimal, correct edits.",
			[]string{"code", "edit", "refactor"}, coderTools, 0.2, true),
		mk("researcher", "Researcher", "Searches and reads the workspace to answer questions",
			"You answer questions about the workspace by searching and reading files. Cite file paths.",
			[]string{"search", "read"}, readTools, 0.3, true),
		mk("shell", "Shell", "Runs allowlisted commands and builds",
			"You run shell commands to build and inspect the project. Prefer read-only commands.",
			[]string{"shell", "build"}, shellTools, 0.1, false),
	}
}

// DescriptorsFromConfig converts configured agents to descriptors. Fields
// left zero inherit from the named provider's defaults.
func DescriptorsFromConfig(cfg config.Config) []domain.AgentDescriptor {
	defaultProvider := ""
	models := make(map[string]string, len(cfg.LLM.Providers))
	for i, p := range cfg.LLM.Providers {
		if i == 0 {
			defaultProvider = p.Name
		}
		models[p.Name] = p.Model
	}
	if len(cfg.Agents.List) == 0 {
		return BuiltinDescriptors(defaultProvider, models[defaultProvider])
	}

	out := make([]domain.AgentDescriptor, 0, len(cfg.Agents.List))
	for _, a := range cfg.Agents.List {
		provider := a.Provider
		if provider == "" {
			provider = defaultProvider
		}
		model := a.Model
		if model == "" {
			model = models[provider]
		}
		maxIter := a.MaxIterations
		if maxIter == 0 {
			maxIter = cfg.Tasks.MaxIterations
		}
		maxTokens := a.MaxTokens
		if maxTokens == 0 {
			maxTokens = defaultMaxTokens
		}
		name := a.Name
		if name == "" {
			name = a.ID
		}
		out = append(out, domain.AgentDescriptor{
			ID:           a.ID,
			Name:         name,
			Description:  a.Description,
			Capabilities: domain.NewCapabilitySet(a.Capabilities...),
			Config: domain.AgentConfig{
				Provider:      provider,
				Model:         model,
				Temperature:   a.Temperature,
				MaxTokens:     maxTokens,
				MaxIterations: maxIter,
				ToolTimeout:   a.ToolTimeout,
				ParallelTools: a.ParallelTools,
				Tools:         a.Tools,
				SystemPrompt:  a.SystemPrompt,
			},
		})
	}
	return out
}

// ProviderLookup resolves a provider by name.
type ProviderLookup interface {
	Get(name string) (domain.LLMProvider, error)
}

// NewWorkerFactory returns a factory building Workers from providers and a
// shared tool invoker. Tools the invoker does not know are dropped with a
// warning so one bad name does not disable the agent.
func NewWorkerFactory(providers ProviderLookup, tools domain.ToolInvoker, logger *slog.Logger) WorkerFactory {
	return func(_ context.Context, desc domain.AgentDescriptor) (domain.Worker, error) {
		p, err := providers.Get(desc.Config.Provider)
		if err != nil {
			return nil, err
		}
		if tools != nil {
			known := desc.Config.Tools[:0:0]
			for _, name := range desc.Config.Tools {
				if _, ok := tools.Definition(name); ok {
					known = append(known, name)
					continue
				}
				logger.Warn("agent references unknown tool", "agent_id", desc.ID, "tool", name)
			}
			desc.Config.Tools = known
		}
		return NewWorker(desc, p, tools, logger.With("agent_id", desc.ID)), nil
	}
}
