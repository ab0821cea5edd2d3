package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"syscall"
	"time"

	"asrai-mcp/internal/cache"
	"asrai-mcp/internal/handler"
	mcpserver "asrai-mcp/internal/mcp"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

const defaultMCPHTTPMaxBodyBytes int64 = 1 << 20 // 1MiB

type serveOptions struct {
	host string
	port int
}

func newServeCmd() *cobra.Command {
	opts := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve many users over streamable HTTP",
		Long: "Each client connects to /mcp?key=0x<private_key> and gets its own session and spend limit. " +
			"Clients without a key fall back to PRIVATE_KEY when it is set.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, cancel := context.WithCancel(ctx)
			defer cancel()

			a, cleanup, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			if cmd.Flags().Changed("host") {
				a.cfg.HTTPBind = opts.host
			}
			if cmd.Flags().Changed("port") {
				a.cfg.HTTPPort = opts.port
			}
			return runHTTPMode(ctx, cancel, a)
		},
	}
	cmd.Flags().StringVar(&opts.host, "host", "", "bind host (default ASRAI_HOST or 0.0.0.0)")
	cmd.Flags().IntVar(&opts.port, "port", 0, "bind port (default ASRAI_PORT or 8402)")
	return cmd
}

func runHTTPMode(ctx context.Context, cancel context.CancelFunc, a *app) error {
	if a.cfg.HTTPPort <= 0 || a.cfg.HTTPPort > 65535 {
		return fmt.Errorf("invalid port %d", a.cfg.HTTPPort)
	}

	var limiter mcpserver.RateLimiter
	if a.cfg.RedisURL != "" {
		client, err := initRedisFunc(ctx, a.cfg.RedisURL)
		if err != nil {
			log.Printf("Warning: %v, rate limiting in memory", err)
		} else {
			defer client.Close()
			limiter = cache.NewWindowLimiter(client, a.cfg.RateLimitPerMin, time.Minute)
		}
	}

	mcpHandler := newMCPHandlerFunc(a.newSessionServer, mcpserver.HTTPHandlerConfig{
		FallbackKey:     a.cfg.PrivateKey,
		RateLimitPerMin: a.cfg.RateLimitPerMin,
		MaxBodyBytes:    defaultMCPHTTPMaxBodyBytes,
		Limiter:         limiter,
	})
	h := handler.New(a.tracer, version, mcpHandler, a.provider.Handler())

	r := newRouterFunc()
	r.Use(otelgin.Middleware(serviceName))
	h.RegisterRoutes(r)

	addr := net.JoinHostPort(a.cfg.HTTPBind, strconv.Itoa(a.cfg.HTTPPort))
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := startHTTPServerFunc(srv); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	log.Printf("asrai-mcp listening on http://%s/mcp", addr)

	quit := make(chan os.Signal, 1)
	setupSignalNotify(quit, syscall.SIGINT, syscall.SIGTERM)
	signalled := make(chan struct{})
	go func() {
		waitForSignalFunc(quit)
		close(signalled)
	}()

	var serveErr error
	select {
	case <-signalled:
		log.Println("Shutting down server...")
	case serveErr = <-errCh:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := shutdownHTTPServerFn(srv, shutdownCtx); err != nil {
		return fmt.Errorf("mcp server forced to shutdown: %w", err)
	}
	if serveErr != nil {
		return fmt.Errorf("mcp http server failed: %w", serveErr)
	}
	log.Println("Server exiting")
	return nil
}

// newRouter builds the gin engine with the wallet key removed from the URL
// before the access log or any span sees the request.
func newRouter() *gin.Engine {
	r := gin.New()
	r.Use(stripWalletKey(), gin.Logger(), gin.Recovery())
	return r
}

func stripWalletKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = mcpserver.StripWalletKey(c.Request)
		c.Next()
	}
}
