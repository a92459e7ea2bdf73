// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package mcpbridge exposes each action package as an MCP server:
// actions, queries and tools become MCP tools, prompts become prompts
// and resources become resources, served over streamable HTTP at
// /{package}/mcp and over SSE at /{package}/sse.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/tombee/actiond/internal/runner"
	"github.com/tombee/actiond/internal/store"
)

// RunEngine is the execution target for MCP calls.
type RunEngine interface {
	Run(ctx context.Context, pkg *store.ActionPackage, action *store.Action, inputs json.RawMessage, managed map[string]any, requestID string) (*store.Run, error)
}

// Bridge mounts one MCP server per action package.
type Bridge struct {
	store   *store.Store
	engine  RunEngine
	logger  *slog.Logger
	version string

	mu       sync.RWMutex
	packages map[string]*mountedPackage
}

type mountedPackage struct {
	streamable http.Handler
	sse        http.Handler
}

// New creates a bridge. Call Rebuild before serving.
func New(st *store.Store, engine RunEngine, version string, logger *slog.Logger) *Bridge {
	return &Bridge{
		store:    st,
		engine:   engine,
		logger:   logger,
		version:  version,
		packages: make(map[string]*mountedPackage),
	}
}

// RegisterRoutes registers the MCP endpoints on the router.
func (b *Bridge) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/{pkg}/mcp", b.serve(func(m *mountedPackage) http.Handler { return m.streamable }))
	mux.HandleFunc("/{pkg}/sse", b.serve(func(m *mountedPackage) http.Handler { return m.sse }))
	mux.HandleFunc("/{pkg}/message", b.serve(func(m *mountedPackage) http.Handler { return m.sse }))
}

func (b *Bridge) serve(pick func(*mountedPackage) http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.mu.RLock()
		mounted, ok := b.packages[r.PathValue("pkg")]
		b.mu.RUnlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		pick(mounted).ServeHTTP(w, r)
	}
}

// Rebuild reloads all packages and their enabled actions. Existing
// sessions on replaced servers are dropped.
func (b *Bridge) Rebuild(ctx context.Context) error {
	pkgs, err := b.store.ListActionPackages(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]*mountedPackage, len(pkgs))
	for _, pkg := range pkgs {
		actions, err := b.store.ListActions(ctx, pkg.ID, true)
		if err != nil {
			return err
		}
		if len(actions) == 0 {
			continue
		}

		srv := server.NewMCPServer(pkg.Name, b.version,
			server.WithToolCapabilities(false),
			server.WithPromptCapabilities(false),
			server.WithResourceCapabilities(false, false),
		)
		for _, action := range actions {
			b.register(srv, pkg, action)
		}

		next[pkg.Name] = &mountedPackage{
			streamable: server.NewStreamableHTTPServer(srv, server.WithStateLess(true)),
			sse: server.NewSSEServer(srv,
				server.WithStaticBasePath("/"+pkg.Name)),
		}
	}

	b.mu.Lock()
	b.packages = next
	b.mu.Unlock()
	b.logger.Info("mcp bridge rebuilt", "packages", len(next))
	return nil
}

// register exposes one action according to its kind.
func (b *Bridge) register(srv *server.MCPServer, pkg *store.ActionPackage, action *store.Action) {
	switch action.Kind {
	case store.ActionKindPrompt:
		srv.AddPrompt(mcp.Prompt{
			Name:        action.Name,
			Description: action.Docs,
			Arguments:   promptArguments(action),
		}, b.promptHandler(pkg, action))
	case store.ActionKindResource:
		srv.AddResource(mcp.Resource{
			URI:         fmt.Sprintf("resource://%s/%s", pkg.Name, action.Name),
			Name:        action.Name,
			Description: action.Docs,
			MIMEType:    "application/json",
		}, b.resourceHandler(pkg, action))
	default: // action, query, tool
		srv.AddTool(mcp.Tool{
			Name:           action.Name,
			Description:    action.Docs,
			RawInputSchema: json.RawMessage(action.InputSchema),
		}, b.toolHandler(pkg, action))
	}
}

func (b *Bridge) toolHandler(pkg *store.ActionPackage, action *store.Action) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		inputs, err := json.Marshal(request.GetArguments())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
		}

		result, err := b.invoke(ctx, pkg, action, inputs)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(result), nil
	}
}

func (b *Bridge) promptHandler(pkg *store.ActionPackage, action *store.Action) server.PromptHandlerFunc {
	return func(ctx context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		args := make(map[string]any, len(request.Params.Arguments))
		for k, v := range request.Params.Arguments {
			args[k] = v
		}
		inputs, err := json.Marshal(args)
		if err != nil {
			return nil, err
		}

		result, err := b.invoke(ctx, pkg, action, inputs)
		if err != nil {
			return nil, err
		}
		return &mcp.GetPromptResult{
			Description: action.Docs,
			Messages: []mcp.PromptMessage{
				{Role: mcp.RoleUser, Content: mcp.NewTextContent(result)},
			},
		}, nil
	}
}

func (b *Bridge) resourceHandler(pkg *store.ActionPackage, action *store.Action) server.ResourceHandlerFunc {
	return func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		result, err := b.invoke(ctx, pkg, action, json.RawMessage("{}"))
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      request.Params.URI,
				MIMEType: "application/json",
				Text:     result,
			},
		}, nil
	}
}

// invoke runs the action synchronously and returns its result text.
func (b *Bridge) invoke(ctx context.Context, pkg *store.ActionPackage, action *store.Action, inputs json.RawMessage) (string, error) {
	run, err := b.engine.Run(ctx, pkg, action, inputs, nil, fmt.Sprintf("mcp:%s", pkg.Name))
	if err != nil {
		return "", err
	}
	if run.Status == store.RunStatusFailed {
		return "", fmt.Errorf("%s", run.ErrorMessage)
	}
	return run.Result, nil
}

// promptArguments derives declared prompt arguments from the action's
// input schema.
func promptArguments(action *store.Action) []mcp.PromptArgument {
	var schema struct {
		Properties map[string]struct {
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}
	if err := json.Unmarshal([]byte(action.InputSchema), &schema); err != nil {
		return nil
	}

	required := make(map[string]bool, len(schema.Required))
	for _, name := range schema.Required {
		required[name] = true
	}
	args := make([]mcp.PromptArgument, 0, len(schema.Properties))
	for name, prop := range schema.Properties {
		args = append(args, mcp.PromptArgument{
			Name:        name,
			Description: prop.Description,
			Required:    required[name],
		})
	}
	return args
}

var _ RunEngine = (*runner.Engine)(nil)
