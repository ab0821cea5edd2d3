package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"slices"

	"asrai-mcp/internal/config"
	mcpserver "asrai-mcp/internal/mcp"
	"asrai-mcp/internal/observe"
	"asrai-mcp/internal/session"
	"asrai-mcp/internal/upstream"
	"asrai-mcp/internal/wallet"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/trace"
)

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   serviceName,
		Short: "Crypto market MCP server paid per call over x402",
		Long: "asrai-mcp exposes Asrai market analysis as MCP tools. Every paid call is settled in USDC " +
			"from your wallet and capped per session by ASRAI_MAX_SPEND.\n\n" +
			"Without a subcommand it serves one session over stdio using PRIVATE_KEY.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStdio(cmd.Context())
		},
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newWalletCmd(),
		newVersionCmd(),
	)
	return rootCmd
}

// app holds the process-wide pieces shared by every session.
type app struct {
	cfg      *config.Config
	tracer   trace.Tracer
	metrics  *observe.Metrics
	provider *observe.Provider
	upstream *upstream.Client
	policies mcpserver.Policies
}

func setupApp(ctx context.Context) (*app, func(), error) {
	loadEnvFunc()
	cfg := loadConfigFunc()

	tp, tracer, err := initTracerFunc(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	provider, err := initMetricsFunc(serviceName, version)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}
	cleanup := func() {
		if err := tp.Shutdown(context.Background()); err != nil {
			log.Printf("error shutting down tracer provider: %v", err)
		}
		if err := provider.Shutdown(context.Background()); err != nil {
			log.Printf("error shutting down meter provider: %v", err)
		}
	}

	metrics, err := observe.NewMetrics(provider.MeterProvider)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to create instruments: %w", err)
	}

	client, err := newUpstreamFunc(tracer, metrics, upstream.Options{
		BaseURL:        cfg.BaseURL,
		RequestTimeout: cfg.RequestTimeout(),
		CallPrice:      cfg.CallPrice,
		MaxPayment:     cfg.MaxPayment,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &app{
		cfg:      cfg,
		tracer:   tracer,
		metrics:  metrics,
		provider: provider,
		upstream: client,
		policies: buildPolicies(cfg),
	}, cleanup, nil
}

func buildPolicies(cfg *config.Config) mcpserver.Policies {
	policies := mcpserver.DefaultPolicies(cfg.ToolTimeout())
	known := mcpserver.ToolNames()
	for name, p := range cfg.ToolPolicies {
		if !slices.Contains(known, name) {
			log.Printf("Warning: ignoring policy for unknown tool %q", name)
			continue
		}
		policies = policies.Apply(name, p.Timeout, p.DegradeErrors)
	}
	return policies
}

// newSessionServer opens a session for identity and binds a fresh MCP
// server to it.
func (a *app) newSessionServer(identity *wallet.Identity) *sdkmcp.Server {
	s := session.New(identity, a.cfg.MaxSpend)
	slog.Info("session opened",
		"session", s.ID(),
		"address", identity.Address().Hex(),
		"ceiling_usdc", a.cfg.MaxSpend.String(),
	)
	return newMCPServerFunc(a.tracer, a.metrics, a.upstream.ForSession(s), s, mcpserver.ServerConfig{
		Version:   version,
		Policies:  a.policies,
		CallPrice: a.upstream.CallPrice(),
	})
}

func runStdio(ctx context.Context) error {
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

	identity, err := wallet.Resolve("", a.cfg.PrivateKey)
	switch {
	case errors.Is(err, wallet.ErrMissingIdentity):
		return errors.New("PRIVATE_KEY is not set; export your wallet key or run `asrai-mcp wallet new`")
	case err != nil:
		return fmt.Errorf("PRIVATE_KEY: %w", err)
	}

	if err := runStdioFunc(ctx, a.newSessionServer(identity)); err != nil {
		return fmt.Errorf("mcp stdio server failed: %w", err)
	}
	return nil
}
