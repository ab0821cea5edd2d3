package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"asrai-mcp/internal/indicator"
	"asrai-mcp/internal/observe"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const serverName = "asrai-mcp"

type ServerConfig struct {
	Version   string
	Policies  Policies
	CallPrice decimal.Decimal
	// Guide defaults to the embedded indicator guide.
	Guide  *indicator.Guide
	Logger *slog.Logger
}

// NewServer builds the MCP server for one session. caller and status must
// refer to the same session.
func NewServer(tracer trace.Tracer, metrics *observe.Metrics, caller Caller, status StatusReader, cfg ServerConfig) *sdkmcp.Server {
	if metrics == nil {
		metrics = observe.Discard()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Guide == nil {
		cfg.Guide = indicator.Default()
	}
	if cfg.Policies.Overrides == nil && cfg.Policies.Default == (ToolPolicy{}) {
		cfg.Policies = DefaultPolicies(0)
	}
	version := cfg.Version
	if version == "" {
		version = "dev"
	}

	srv := sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    serverName,
		Version: version,
	}, &sdkmcp.ServerOptions{
		Instructions: "Crypto market analysis backed by the Asrai API. Every tool except indicator_guide " +
			"is a paid call charged to this session's wallet; read asrai://session for remaining budget.",
		Logger:             cfg.Logger,
		InitializedHandler: sessionGauge(metrics),
	})

	d := &dispatcher{
		caller:   caller,
		guide:    cfg.Guide,
		policies: cfg.Policies,
		metrics:  metrics,
		logger:   cfg.Logger,
	}

	srv.AddReceivingMiddleware(unknownToolMiddleware(d))
	if tracer != nil {
		srv.AddReceivingMiddleware(tracingMiddleware(tracer))
	}

	registerTools(srv, d)
	registerResources(srv, status, cfg)
	return srv
}

// ToolNames lists the registered tool names in catalog order.
func ToolNames() []string {
	d := &dispatcher{}
	registerTools(sdkmcp.NewServer(&sdkmcp.Implementation{Name: serverName}, nil), d)
	return d.names
}

// sessionGauge tracks open sessions from initialization until the
// connection closes.
func sessionGauge(metrics *observe.Metrics) func(context.Context, *sdkmcp.InitializedRequest) {
	return func(ctx context.Context, req *sdkmcp.InitializedRequest) {
		metrics.ActiveSessions.Add(ctx, 1)
		go func() {
			_ = req.Session.Wait()
			metrics.ActiveSessions.Add(context.Background(), -1)
		}()
	}
}

// unknownToolMiddleware answers calls to names outside the catalog with
// a tool error listing the valid names.
func unknownToolMiddleware(d *dispatcher) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			callReq, ok := req.(*sdkmcp.CallToolRequest)
			if method != "tools/call" || !ok || slices.Contains(d.names, callReq.Params.Name) {
				return next(ctx, method, req)
			}

			d.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
				attribute.String("tool", "unknown"),
				attribute.String("status", "invalid"),
			))
			return jsonResult(toolError{
				Error: fmt.Sprintf("Unknown tool: %s", callReq.Params.Name),
				Valid: append([]string(nil), d.names...),
			}, true)
		}
	}
}

func tracingMiddleware(tracer trace.Tracer) sdkmcp.Middleware {
	return func(next sdkmcp.MethodHandler) sdkmcp.MethodHandler {
		return func(ctx context.Context, method string, req sdkmcp.Request) (sdkmcp.Result, error) {
			spanName := mcpSpanName(method, req)
			ctx, span := tracer.Start(ctx, spanName)
			span.SetAttributes(attribute.String("mcp.method", method))
			defer span.End()

			if callReq, ok := req.(*sdkmcp.CallToolRequest); ok {
				span.SetAttributes(attribute.String("mcp.tool", strings.TrimSpace(callReq.Params.Name)))
			}
			if readReq, ok := req.(*sdkmcp.ReadResourceRequest); ok {
				span.SetAttributes(attribute.String("mcp.resource.uri", strings.TrimSpace(readReq.Params.URI)))
			}

			result, err := next(ctx, method, req)
			if err != nil {
				span.RecordError(err)
			}
			if callRes, ok := result.(*sdkmcp.CallToolResult); ok && callRes != nil && callRes.IsError {
				span.SetAttributes(attribute.Bool("mcp.tool.is_error", true))
			}
			return result, err
		}
	}
}

func mcpSpanName(method string, req sdkmcp.Request) string {
	switch method {
	case "tools/call":
		if callReq, ok := req.(*sdkmcp.CallToolRequest); ok {
			name := strings.TrimSpace(callReq.Params.Name)
			if name != "" {
				return "mcp.tool." + strings.ReplaceAll(name, "/", ".")
			}
		}
		return "mcp.tool.call"
	case "resources/read":
		return "mcp.resource.read"
	default:
		return "mcp." + strings.ReplaceAll(method, "/", ".")
	}
}
