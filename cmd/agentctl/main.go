package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"browseragent/internal/action"
	"browseragent/internal/agent"
	"browseragent/internal/browser"
	"browseragent/internal/config"
	"browseragent/internal/eventbus"
	"browseragent/internal/facts"
	"browseragent/internal/frame"
	"browseragent/internal/llm"
	mcpserver "browseragent/internal/mcp"
	"browseragent/internal/recorder"
)

func main() {
	configPath := flag.String("config", "", "Path to the agent config file (overrides workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Disable .browseragent/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace root (skip walk-up discovery)")
	initWorkspace := flag.Bool("init-workspace", false, "Create .browseragent/ template in current directory and exit")
	serveMCP := flag.Bool("serve-mcp", false, "Run the read-only MCP introspection server instead of the agent loop")
	startURL := flag.String("url", "about:blank", "URL to open the working tab on before running the command")
	command := flag.String("command", "", "Natural-language command to run once and exit")
	flag.Parse()

	if *initWorkspace {
		root := "."
		if *workspaceDir != "" {
			root = *workspaceDir
		}
		if err := config.InitWorkspace(root); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("created .browseragent/ workspace in %s", root)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	}

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if wsDir != "" {
		log.Printf("using workspace config from %s", wsDir)
	}

	if cfg.MCP.SSEPort == 0 && cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.SetOutput(io.Discard)
		}
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	factsEngine, err := facts.NewEngine(cfg.Facts)
	if err != nil {
		log.Fatalf("failed to initialize facts engine: %v", err)
	}

	sessionManager := browser.NewSessionManager(cfg.Browser, factsEngine)
	if cfg.Browser.AutoStart {
		if err := sessionManager.Start(ctx); err != nil {
			log.Fatalf("failed to initialize Rod session manager: %v", err)
		}
	} else {
		log.Printf("browser auto-start disabled; attach or launch before issuing commands")
	}

	if *serveMCP {
		runMCPServer(ctx, cfg, sessionManager, factsEngine)
		return
	}

	if *command == "" {
		log.Fatalf("-command is required outside -serve-mcp mode")
	}

	if err := runCommand(ctx, cfg, sessionManager, factsEngine, *startURL, *command); err != nil {
		log.Fatalf("command failed: %v", err)
	}
}

// runCommand opens (or reuses) a working tab and drives one Agent Loop
// command to completion, printing the Result as JSON on success.
func runCommand(ctx context.Context, cfg config.Config, sm *browser.SessionManager, fe *facts.Engine, startURL, command string) error {
	session, err := sm.CreateSession(ctx, startURL)
	if err != nil {
		return fmt.Errorf("open working tab: %w", err)
	}
	tab, err := sm.TabHandle(session.ID)
	if err != nil {
		return fmt.Errorf("bind tab handle: %w", err)
	}

	coord := frame.New(tab)
	executor := action.New(tab, coord, sessionResolver{sm})
	dispatcher := llm.NewDispatcher(buildProvider(cfg.LLM))
	if !cfg.LLM.SearchEnabled {
		dispatcher.Search = nil
	}
	bus := eventbus.New()
	state := agent.NewExecutionState(dispatcher)

	var rec *recorder.Recorder
	if cfg.Recorder.Enable {
		r, err := recorder.NewRecorder(cfg.Recorder.BasePath)
		if err != nil {
			log.Printf("flight recorder disabled: %v", err)
		} else {
			if err := r.Start(session.ID); err != nil {
				log.Printf("flight recorder disabled: %v", err)
			} else {
				rec = r
				defer r.Close()
			}
		}
	}

	logStatus := make(chan eventbus.Event, 16)
	logAction := make(chan eventbus.Event, 64)
	bus.Subscribe(eventbus.StatusUpdate, logStatus)
	bus.Subscribe(eventbus.ActionLog, logAction)
	go drainEvents(logStatus, logAction)

	var dockerDiag *agent.DockerDiagnostics
	if cfg.Docker.Enabled {
		dockerDiag = agent.NewDockerDiagnostics(cfg.Docker.Containers, cfg.Docker.GetLogWindow(), cfg.Docker.Host)
		log.Printf("Docker log correlation enabled for containers: %v", cfg.Docker.Containers)
	}

	loop := &agent.Loop{
		Tab:        tab,
		Coord:      coord,
		Executor:   executor,
		Dispatcher: dispatcher,
		Bus:        bus,
		State:      state,
		Recorder:   rec,
		Agent:      cfg.Agent,
		Docker:     dockerDiag,
		Page:       agent.NewPageDiagnostics(fe, 5*time.Second),
	}

	result, err := loop.Run(ctx, command)
	if err != nil {
		return err
	}

	out, _ := json.MarshalIndent(result, "", "  ")
	fmt.Println(string(out))
	return nil
}

func drainEvents(status, actionLog <-chan eventbus.Event) {
	for {
		select {
		case ev, ok := <-status:
			if !ok {
				return
			}
			log.Printf("[status] %+v", ev.Payload)
		case ev, ok := <-actionLog:
			if !ok {
				return
			}
			log.Printf("[action] %+v", ev.Payload)
		}
	}
}

// buildProvider maps the static LLM config into the Dispatcher's provider
// trait; a single httpProvider config carries the vision/search model ids,
// so it satisfies VisionCapable/SearchCapable whenever those are set.
func buildProvider(cfg config.LLMConfig) llm.Provider {
	var imageModels []string
	if cfg.SupportsImages {
		imageModels = []string{cfg.Model}
	}
	return llm.NewProvider(llm.Config{
		Name:           cfg.Provider,
		BaseURL:        cfg.BaseURL,
		APIKey:         cfg.APIKey,
		Model:          cfg.Model,
		VisionModelID:  cfg.VisionModel,
		SearchModelID:  cfg.SearchModel,
		ImageModels:    imageModels,
		RequireReferer: cfg.Provider == "aggregator",
	})
}

// sessionResolver adapts SessionManager to action.TabResolver.
type sessionResolver struct{ sm *browser.SessionManager }

func (r sessionResolver) Resolve(ctx context.Context, tabID string) (browser.TabHandle, error) {
	return r.sm.TabHandle(tabID)
}

func runMCPServer(ctx context.Context, cfg config.Config, sm *browser.SessionManager, fe *facts.Engine) {
	server, err := mcpserver.NewServer(cfg, sm, fe)
	if err != nil {
		log.Fatalf("failed to initialize MCP introspection server: %v", err)
	}

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		log.Printf("starting MCP introspection SSE server on port %d", cfg.MCP.SSEPort)
		startErr = server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		log.Printf("starting MCP introspection stdio server")
		startErr = server.Start(ctx)
	}
	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		log.Fatalf("server exited with error: %v", startErr)
	}
}
