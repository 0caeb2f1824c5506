// Package mcp exposes a small, read-only MCP introspection surface over a
// running agent: list the sessions a SessionManager holds, ask for a
// diagnostic summary of one of them (toasts, console/network errors, and
// correlated backend container logs), and run an arbitrary Mangle query
// against the shared facts engine. It never drives a tab itself — writes
// against the page stay the agent loop's job (internal/action.Executor) —
// so these tools can run alongside a live command without racing it.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"browseragent/internal/agent"
	"browseragent/internal/browser"
	"browseragent/internal/config"
	"browseragent/internal/facts"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
)

// Server wires the MCP runtime to a live SessionManager and facts engine.
type Server struct {
	cfg       config.Config
	sessions  *browser.SessionManager
	engine    *facts.Engine
	docker    *agent.DockerDiagnostics
	page      *agent.PageDiagnostics
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
}

// Tool is the contract every registered introspection tool satisfies.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]interface{}
	Execute(ctx context.Context, args map[string]interface{}) (interface{}, error)
}

// NewServer builds the introspection server and registers its tool set.
func NewServer(cfg config.Config, sessions *browser.SessionManager, engine *facts.Engine) (*Server, error) {
	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	var dockerDiag *agent.DockerDiagnostics
	if cfg.Docker.Enabled {
		dockerDiag = agent.NewDockerDiagnostics(cfg.Docker.Containers, cfg.Docker.GetLogWindow(), cfg.Docker.Host)
		log.Printf("MCP introspection: Docker log correlation enabled for %v", cfg.Docker.Containers)
	}

	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		engine:    engine,
		docker:    dockerDiag,
		page:      agent.NewPageDiagnostics(engine, 5*time.Second),
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
	}

	s.registerTool(&listSessionsTool{sessions: s.sessions})
	s.registerTool(&diagnosePageTool{docker: s.docker, page: s.page})
	s.registerTool(&queryFactsTool{engine: s.engine})
	return s, nil
}

// Start runs the server on stdio (the default MCP client transport).
func (s *Server) Start(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP SSE, shutting down gracefully when ctx
// is cancelled.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sse := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sse.SSEHandler())
	mux.Handle("/message", sse.MessageHandler())
	httpServer := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool runs a registered tool directly, bypassing the MCP transport
// (used by tests).
func (s *Server) ExecuteTool(name string, args map[string]interface{}) (interface{}, error) {
	tool, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(context.Background(), args)
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}
	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := request.GetArguments()
		if args == nil {
			args = map[string]interface{}{}
		}

		result, err := tool.Execute(ctx, args)
		if err != nil {
			return &mcp.CallToolResult{
				Content: []mcp.Content{mcp.NewTextContent(fmt.Sprintf("tool %s failed: %v", tool.Name(), err))},
				IsError: true,
			}, nil
		}

		payload, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			payload, _ = json.Marshal(map[string]interface{}{"error": marshalErr.Error()})
		}
		return &mcp.CallToolResult{Content: []mcp.Content{mcp.NewTextContent(string(payload))}}, nil
	}
}
