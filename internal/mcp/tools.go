package mcp

import (
	"context"
	"time"

	"browseragent/internal/agent"
	"browseragent/internal/browser"
	"browseragent/internal/facts"
)

// listSessionsTool surfaces every tab the SessionManager is tracking, the
// first thing an observer needs before asking about any one of them.
type listSessionsTool struct {
	sessions *browser.SessionManager
}

func (t *listSessionsTool) Name() string        { return "list-sessions" }
func (t *listSessionsTool) Description() string { return "List active browser sessions (id, URL, title)." }
func (t *listSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *listSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": t.sessions.List()}, nil
}

// diagnosePageTool is the read-only equivalent of the loop's own failure
// diagnostics (internal/agent.DockerDiagnostics / PageDiagnostics), exposed
// so an external observer can ask "what's wrong right now" without waiting
// for a step to fail.
type diagnosePageTool struct {
	docker *agent.DockerDiagnostics
	page   *agent.PageDiagnostics
}

func (t *diagnosePageTool) Name() string { return "diagnose-page" }
func (t *diagnosePageTool) Description() string {
	return "Recent toast notifications, console/network failure causes, and correlated backend container log lines."
}
func (t *diagnosePageTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
}
func (t *diagnosePageTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	result := map[string]interface{}{
		"toasts":             t.page.RecentToasts(),
		"failure_causes":     t.page.RecentFailureCauses(),
		"backend_correlated": t.docker.Correlate(ctx),
	}
	return result, nil
}

// queryFactsTool runs an arbitrary Mangle query against the shared facts
// engine, for ad-hoc introspection the two fixed tools above don't cover.
type queryFactsTool struct {
	engine *facts.Engine
}

func (t *queryFactsTool) Name() string { return "query-facts" }
func (t *queryFactsTool) Description() string {
	return "Run a Mangle query against the agent's fact store and return the bound results."
}
func (t *queryFactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"query": map[string]interface{}{
				"type":        "string",
				"description": "A Mangle query, e.g. `net_response(Req, Status, _, _), Status > 400.`",
			},
		},
		"required": []string{"query"},
	}
}
func (t *queryFactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return map[string]interface{}{"results": []facts.QueryResult{}}, nil
	}

	queryCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := queryCtx.Err(); err != nil {
		return nil, err
	}

	results, err := t.engine.Query(queryCtx, query)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"results": results}, nil
}
