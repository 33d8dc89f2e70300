package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/soyeahso/aixplosion/internal/agent"
	"github.com/soyeahso/aixplosion/internal/agents"
	"github.com/soyeahso/aixplosion/internal/config"
	"github.com/soyeahso/aixplosion/internal/llm"
	"github.com/soyeahso/aixplosion/internal/logging"
	"github.com/soyeahso/aixplosion/internal/mcp"
	"github.com/soyeahso/aixplosion/internal/security"
	"github.com/soyeahso/aixplosion/internal/store"
	"github.com/soyeahso/aixplosion/internal/tools"
)

// ErrMissingCredential is reported when no API key is available.
var ErrMissingCredential = errors.New("no API key configured; set ANTHROPIC_AUTH_TOKEN or pass --api-key")

// App bundles the assembled core: stores, tool plumbing, and the agent loop.
type App struct {
	Config config.Config
	Paths  config.Paths
	Log    *logging.Logger

	ProjectDB *store.DB
	GlobalDB  *store.DB

	Conversations *store.ConversationStore
	Plans         *store.PlanStore
	Rules         *store.RuleStore
	MCPConfigs    *store.MCPServerStore
	Agents        *store.AgentStore

	Registry   *tools.Registry
	Dispatcher *tools.Dispatcher
	MCP        *mcp.Manager
	Loop       *agent.Loop
	Policy     *security.PolicyContext
}

// appOptions are the resolved command-line overrides.
type appOptions struct {
	configPath string
	apiKey     string
	model      string
	system     string
	yolo       bool
	logLevel   string
	// interactive=false forces the deterministic security policy.
	interactive bool
}

// newApp loads config, opens both databases, and wires every component.
func newApp(opts appOptions) (*App, error) {
	log := logging.New(nil, opts.logLevel)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if opts.apiKey != "" {
		cfg.APIKey = opts.apiKey
	}
	if opts.model != "" {
		cfg.DefaultModel = opts.model
	}
	if cfg.APIKey == "" {
		return nil, ErrMissingCredential
	}

	workDir, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	paths, err := config.ResolvePaths(workDir)
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("creating state directories: %w", err)
	}

	projectDB, err := store.Open(paths.ProjectDB, log)
	if err != nil {
		return nil, fmt.Errorf("opening project database: %w", err)
	}
	globalDB, err := store.Open(paths.GlobalDB, log)
	if err != nil {
		projectDB.Close()
		return nil, fmt.Errorf("opening global database: %w", err)
	}

	app := &App{
		Config:        cfg,
		Paths:         paths,
		Log:           log,
		ProjectDB:     projectDB,
		GlobalDB:      globalDB,
		Conversations: store.NewConversationStore(projectDB),
		Plans:         store.NewPlanStore(projectDB),
		Rules:         store.NewRuleStore(globalDB),
		MCPConfigs:    store.NewMCPServerStore(globalDB),
		Agents:        store.NewAgentStore(globalDB),
	}

	if err := agents.SyncFromDir(paths.AgentsDir, app.Agents, log); err != nil {
		log.Warn().Err(err).Msg("loading agent profiles")
	}

	var prompter security.Prompter
	if opts.interactive {
		prompter = security.NewTerminalPrompter()
	}
	mediator := security.NewMediator(app.Rules, prompter, log)

	app.Registry = tools.NewRegistry()
	tools.RegisterBuiltins(app.Registry)
	app.MCP = mcp.NewManager(app.MCPConfigs, app.Registry, log)
	app.Dispatcher = tools.NewDispatcher(app.Registry, mediator, app.MCP, log)

	client := llm.NewAnthropicClient(cfg.APIKey, cfg.BaseURL, log)
	systemPrompt := opts.system
	if systemPrompt == "" {
		systemPrompt = config.DefaultSystemPrompt
	}

	app.Loop = agent.New(client, app.Dispatcher, app.Conversations, app.Agents, agent.Options{
		MaxTokens:      cfg.MaxTokens,
		Temperature:    cfg.Temperature,
		SystemPrompt:   systemPrompt,
		WorkDir:        workDir,
		GlobalAgentsMD: paths.AgentsMD,
	}, log)

	app.Policy = &security.PolicyContext{
		Yolo:        opts.yolo,
		Interactive: opts.interactive,
	}

	return app, nil
}

// ConnectMCP connects every enabled tool server.
func (a *App) ConnectMCP(ctx context.Context) {
	a.MCP.ConnectEnabled(ctx)
}

// Close tears everything down.
func (a *App) Close() {
	a.MCP.DisconnectAll()
	a.ProjectDB.Close()
	a.GlobalDB.Close()
}

// NewConversation creates a conversation on the configured defaults.
func (a *App) NewConversation(systemPrompt, subAgent string) (string, error) {
	return a.Conversations.Create(a.Config.DefaultModel, systemPrompt, subAgent)
}
