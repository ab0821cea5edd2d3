package main

import (
	"context"
	"log"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"

	"asrai-mcp/internal/cache"
	"asrai-mcp/internal/config"
	mcpserver "asrai-mcp/internal/mcp"
	"asrai-mcp/internal/observe"
	"asrai-mcp/internal/upstream"
	"asrai-mcp/internal/wallet"
	"asrai-mcp/pkg/tracing"

	"github.com/joho/godotenv"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serviceName = "asrai-mcp"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var (
	loadEnvFunc        = loadDotEnv
	loadConfigFunc     = config.Load
	initTracerFunc     = tracing.InitTracer
	initMetricsFunc    = observe.InitProvider
	initRedisFunc      = cache.InitRedis
	newUpstreamFunc    = upstream.NewClient
	newMCPServerFunc   = mcpserver.NewServer
	newMCPHandlerFunc  = mcpserver.NewHTTPTransportHandler
	newRouterFunc      = newRouter
	generateWalletFunc = wallet.Generate
	runStdioFunc       = func(ctx context.Context, server *sdkmcp.Server) error {
		return server.Run(ctx, &sdkmcp.StdioTransport{})
	}
	startHTTPServerFunc  = func(srv *http.Server) error { return srv.ListenAndServe() }
	shutdownHTTPServerFn = func(srv *http.Server, ctx context.Context) error { return srv.Shutdown(ctx) }
	setupSignalNotify    = ossignal.Notify
	waitForSignalFunc    = func(quit <-chan os.Signal) { <-quit }
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("%s: %v", serviceName, err)
	}
}

// loadDotEnv reads ~/.env, then ./.env. Variables already set win.
func loadDotEnv() {
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, ".env"))
	}
	_ = godotenv.Load()
}
