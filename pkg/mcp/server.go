// Package mcp implements a Model Context Protocol server exposing the
// forgemirror query surface as MCP tools over stdio transport.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/forgemirror/pkg/history"
	"github.com/Sumatoshi-tech/forgemirror/pkg/observability"
	"github.com/Sumatoshi-tech/forgemirror/pkg/query"
	"github.com/Sumatoshi-tech/forgemirror/pkg/store"
)

const (
	// serverName is the MCP server implementation name.
	serverName = "forgemirror"

	// toolCount is the expected number of registered tools.
	toolCount = 3
)

// Querier is the read API the tools call. *query.Service implements it.
type Querier interface {
	Commit(ctx context.Context, name, rev string) (*store.Commit, error)
	Latest(ctx context.Context, name string) (*store.Commit, error)
	Log(ctx context.Context, name string, seeds []string, skip, count int) (*history.Page, error)
	CommitContext(ctx context.Context, name, rev string) (*history.Neighbours, error)
	TreeEntries(ctx context.Context, name, treeID string) ([]query.Entry, error)
	GetPath(ctx context.Context, name, rev, p string) (*query.Entry, error)
	OpenBlob(ctx context.Context, name, rev, p string) (io.ReadCloser, error)
}

// ServerDeps holds injectable dependencies for the MCP server.
type ServerDeps struct {
	Query Querier

	// Version is reported in the implementation info.
	Version string

	// Logger is an optional structured logger. Nil uses slog default.
	Logger *slog.Logger

	// Metrics is an optional RED metrics recorder. Nil disables per-tool metrics.
	Metrics *observability.REDMetrics

	// Tracer is an optional OTel tracer for per-tool-call spans. Nil disables tracing.
	Tracer trace.Tracer
}

// Server wraps the MCP SDK server with the forgemirror tools.
type Server struct {
	inner   *mcpsdk.Server
	query   Querier
	mu      sync.RWMutex
	tools   []string
	metrics *observability.REDMetrics
	tracer  trace.Tracer
}

// NewServer creates a new MCP server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	opts := &mcpsdk.ServerOptions{}
	if deps.Logger != nil {
		opts.Logger = deps.Logger
	}

	version := deps.Version
	if version == "" {
		version = "dev"
	}

	inner := mcpsdk.NewServer(&mcpsdk.Implementation{Name: serverName, Version: version}, opts)

	srv := &Server{
		inner:   inner,
		query:   deps.Query,
		tools:   make([]string, 0, toolCount),
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
	}

	srv.registerTools()

	return srv
}

// ListToolNames returns the sorted names of all registered tools.
func (s *Server) ListToolNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.tools))
	copy(names, s.tools)
	sort.Strings(names)

	return names
}

// Run serves on stdio until the context is canceled or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	return s.RunWithTransport(ctx, &mcpsdk.StdioTransport{})
}

// RunWithTransport serves on the given transport.
func (s *Server) RunWithTransport(ctx context.Context, transport mcpsdk.Transport) error {
	if err := s.inner.Run(ctx, transport); err != nil {
		return fmt.Errorf("mcp server: %w", err)
	}

	return nil
}

func (s *Server) registerTools() {
	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameLog,
		Description: logToolDescription,
	}, withMetrics(s.metrics, ToolNameLog, withTracing(s.tracer, ToolNameLog, s.handleLog)))
	s.trackTool(ToolNameLog)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameCommit,
		Description: commitToolDescription,
	}, withMetrics(s.metrics, ToolNameCommit, withTracing(s.tracer, ToolNameCommit, s.handleCommit)))
	s.trackTool(ToolNameCommit)

	mcpsdk.AddTool(s.inner, &mcpsdk.Tool{
		Name:        ToolNameTree,
		Description: treeToolDescription,
	}, withMetrics(s.metrics, ToolNameTree, withTracing(s.tracer, ToolNameTree, s.handleTree)))
	s.trackTool(ToolNameTree)
}

// mcpSpanPrefix is the prefix for MCP tool span names.
const mcpSpanPrefix = "mcp."

// traceIDMetaKey is the metadata key for trace_id in MCP tool responses.
const traceIDMetaKey = "trace_id"

// withTracing creates a span per invocation and appends the trace id to
// sampled responses.
func withTracing[Input any](
	tracer trace.Tracer,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if tracer == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		ctx, span := tracer.Start(ctx, mcpSpanPrefix+toolName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attribute.String("mcp.tool", toolName)),
		)
		defer span.End()

		result, output, err := handler(ctx, req, input)

		sc := span.SpanContext()
		if sc.IsSampled() && result != nil {
			traceContent := &mcpsdk.TextContent{Text: fmt.Sprintf("%s=%s", traceIDMetaKey, sc.TraceID().String())}
			result.Content = append(result.Content, traceContent)
		}

		return result, output, err
	}
}

// withMetrics records RED metrics per invocation.
func withMetrics[Input any](
	metrics *observability.REDMetrics,
	toolName string,
	handler func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error),
) func(context.Context, *mcpsdk.CallToolRequest, Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if metrics == nil {
		return handler
	}

	return func(ctx context.Context, req *mcpsdk.CallToolRequest, input Input) (*mcpsdk.CallToolResult, ToolOutput, error) {
		start := time.Now()

		decInflight := metrics.TrackInflight(ctx, mcpSpanPrefix+toolName)
		defer decInflight()

		result, output, err := handler(ctx, req, input)

		status := observability.StatusOK
		if err != nil || (result != nil && result.IsError) {
			status = observability.StatusError
		}

		metrics.RecordRequest(ctx, mcpSpanPrefix+toolName, status, time.Since(start))

		return result, output, err
	}
}

func (s *Server) trackTool(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tools = append(s.tools, name)
}

// Tool description constants.
const (
	logToolDescription = "List commits of an indexed repository, newest first. " +
		"Accepts optional seed revisions, skip and count; returns the page and the frontier to continue from."

	commitToolDescription = "Show one indexed commit (default: the repository's default head), " +
		"optionally with its parents and in-repository children."

	treeToolDescription = "List a directory or read a file at a path of an indexed commit. " +
		"Directory entries carry their detected language."
)
