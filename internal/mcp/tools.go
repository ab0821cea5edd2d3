package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"asrai-mcp/internal/domain"
	"asrai-mcp/internal/indicator"
	"asrai-mcp/internal/observe"
	"asrai-mcp/internal/spend"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	toolMarketOverview    = "market_overview"
	toolTechnicalAnalysis = "technical_analysis"
	toolSentiment         = "sentiment"
	toolForecast          = "forecast"
	toolScreener          = "screener"
	toolSmartMoney        = "smart_money"
	toolElliottWave       = "elliott_wave"
	toolIchimoku          = "ichimoku"
	toolCashflow          = "cashflow"
	toolCoinInfo          = "coin_info"
	toolDexscreener       = "dexscreener"
	toolChainTokens       = "chain_tokens"
	toolPortfolio         = "portfolio"
	toolChannelSummary    = "channel_summary"
	toolAskAI             = "ask_ai"
	toolIndicatorGuide    = "indicator_guide"
)

var errToolTimeout = errors.New("tool call timed out")

// dispatcher binds the tool catalog to one session's Caller.
type dispatcher struct {
	caller   Caller
	guide    *indicator.Guide
	policies Policies
	metrics  *observe.Metrics
	logger   *slog.Logger
	names    []string
}

// toolError is the payload of an IsError result.
type toolError struct {
	Error     string   `json:"error"`
	Ceiling   string   `json:"ceiling,omitempty"`
	Attempted string   `json:"attempted,omitempty"`
	Valid     []string `json:"valid,omitempty"`
}

func registerTools(server *mcp.Server, d *dispatcher) {
	timeframes := map[string][]string{"timeframe": domain.SupportedTimeframes}

	addTool(server, d, toolMarketOverview,
		"Get current crypto market pulse: trending coins, gainers/losers, RSI extremes, top/bottom signals. "+
			"Use for general market questions like 'what's moving today' or 'give me a market brief'.",
		nil,
		func(ctx context.Context, _ emptyInput) (any, error) {
			return d.caller.Gather(ctx,
				"/api/trending/",
				"/api/gainers-losers/",
				"/api/rsi/",
				"/api/top-bottom/",
			), nil
		})

	addTool(server, d, toolTechnicalAnalysis,
		"Get full technical analysis for a specific coin: signal, ALSAT, SuperALSAT, PSAR, MACD-DEMA, AlphaTrend. "+
			"Use when asked about TA, buy/sell signals, or indicators for a coin.",
		timeframes,
		func(ctx context.Context, in symbolTimeframeInput) (any, error) {
			p, tf, err := pairAndTimeframe(in)
			if err != nil {
				return nil, err
			}
			return d.caller.Gather(ctx,
				"/api/signal/"+p+"/"+tf,
				"/api/alsat/"+p+"/"+tf,
				"/api/superalsat/"+p,
				"/api/psar/"+p+"/"+tf,
				"/api/macd-dema/"+p+"/"+tf,
				"/api/alphatrend/"+p+"/"+tf,
				"/api/td/"+p+"/"+tf,
			), nil
		})

	addTool(server, d, toolSentiment,
		"Get market sentiment: CBBI (crypto bull/bear index), CMC sentiment, CMC AI insights. "+
			"Use for questions about market mood, fear/greed, or cycle position.",
		nil,
		func(ctx context.Context, _ emptyInput) (any, error) {
			return d.caller.Gather(ctx, "/api/cbbi/", "/api/cmc-sentiment/", "/api/cmcai/"), nil
		})

	addTool(server, d, toolForecast,
		"Get AI-powered 3-7 day price forecast for a coin: direction, confidence, price targets.",
		nil,
		func(ctx context.Context, in symbolInput) (any, error) {
			p, err := normalizePair(in.Symbol)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, "/api/forecasting/"+p)
		})

	addTool(server, d, toolScreener,
		"Run a market screener to find coins matching specific criteria. Types: "+
			strings.Join(domain.ScreenerTypes, ", ")+".",
		map[string][]string{"screener_type": domain.ScreenerTypes},
		func(ctx context.Context, in screenerInput) (any, error) {
			name, err := normalizeScreener(in.ScreenerType)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, "/api/"+name+"/")
		})

	addTool(server, d, toolSmartMoney,
		"Get Smart Money Concepts (SMC): order blocks, fair value gaps, liquidity zones, BOS/CHoCH, "+
			"plus support/resistance levels.",
		timeframes,
		func(ctx context.Context, in symbolTimeframeInput) (any, error) {
			p, tf, err := pairAndTimeframe(in)
			if err != nil {
				return nil, err
			}
			return d.caller.Gather(ctx,
				"/api/smartmoney/"+p+"/"+tf,
				"/api/support-resistance/"+p+"/"+tf,
			), nil
		})

	addTool(server, d, toolElliottWave,
		"Get Elliott Wave analysis: current wave position, impulse/corrective structure, price targets.",
		timeframes,
		func(ctx context.Context, in symbolTimeframeInput) (any, error) {
			p, tf, err := pairAndTimeframe(in)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, "/api/ew/"+p+"/"+tf)
		})

	addTool(server, d, toolIchimoku,
		"Get Ichimoku cloud analysis: cloud position, Tenkan/Kijun cross, kumo twist, trend bias for a coin.",
		timeframes,
		func(ctx context.Context, in symbolTimeframeInput) (any, error) {
			p, tf, err := pairAndTimeframe(in)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, "/api/ichimoku/"+p+"/"+tf)
		})

	addTool(server, d, toolCashflow,
		"Get capital flow data showing where money is moving. "+
			"Modes: 'market' (overall), 'coin' (single coin), 'group' (comma-separated coins).",
		map[string][]string{"mode": domain.CashflowModes},
		func(ctx context.Context, in cashflowInput) (any, error) {
			path, err := cashflowPath(in.Mode, in.Symbol)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, path)
		})

	addTool(server, d, toolCoinInfo,
		"Get detailed info for a coin: market cap, volume, supply, social stats, tokenomics.",
		nil,
		func(ctx context.Context, in symbolInput) (any, error) {
			s, err := normalizeCoin(in.Symbol)
			if err != nil {
				return nil, err
			}
			return d.caller.Gather(ctx,
				"/api/coinstats/"+s,
				"/api/info/"+s,
				"/api/price/"+s,
				"/api/tags/"+s,
			), nil
		})

	addTool(server, d, toolDexscreener,
		"Get DEX trading data for a token: liquidity, volume, buys/sells, price change. "+
			"Use contract_address alone for symbol search, or provide chain + contract_address for a specific token.",
		nil,
		func(ctx context.Context, in dexscreenerInput) (any, error) {
			path, err := dexscreenerPath(in.ContractAddress, in.Chain)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, path)
		})

	addTool(server, d, toolChainTokens,
		"Get low-cap tokens on a specific blockchain filtered by max market cap.",
		nil,
		func(ctx context.Context, in chainTokensInput) (any, error) {
			path, err := chainTokensPath(in.Chain, in.MaxMcap)
			if err != nil {
				return nil, err
			}
			return d.caller.Get(ctx, path)
		})

	addTool(server, d, toolPortfolio,
		"Get portfolio analysis. Optionally filter by a specific coin.",
		nil,
		func(ctx context.Context, in portfolioInput) (any, error) {
			return d.caller.Get(ctx, portfolioPath(in.Symbol))
		})

	addTool(server, d, toolChannelSummary,
		"Get a summary of latest crypto narratives and discussions from monitored channels.",
		nil,
		func(ctx context.Context, _ emptyInput) (any, error) {
			return d.caller.Get(ctx, "/api/channel-summary/")
		})

	addTool(server, d, toolAskAI,
		"Ask the Asrai AI analyst a freeform crypto question. Gets a full analytical response "+
			"covering market context, signals, and actionable insights.",
		nil,
		func(ctx context.Context, in askInput) (any, error) {
			q, err := requireArg("question", in.Question)
			if err != nil {
				return nil, err
			}
			return d.caller.Post(ctx, "/ai", map[string]string{"message": q})
		})

	addTool(server, d, toolIndicatorGuide,
		"Reference guide for Asrai-specific indicators. FREE, no payment. "+
			"WHEN TO CALL: only when you encounter an unfamiliar indicator name in tool output "+
			"(e.g. ALSAT, SuperALSAT, AlphaTrend, PMax, MavilimW). "+
			"Standard indicators (RSI, MACD, Ichimoku, Elliott Wave, BB) are well-known, skip them. "+
			"indicator='' or 'list' gives a compact 1-line summary of all. "+
			"indicator='ALSAT' gives full detail. indicator='all' gives everything (avoid unless needed).",
		nil,
		func(_ context.Context, in guideInput) (any, error) {
			payload, _ := d.guide.Lookup(in.Indicator)
			return payload, nil
		})
}

func pairAndTimeframe(in symbolTimeframeInput) (string, string, error) {
	p, err := normalizePair(in.Symbol)
	if err != nil {
		return "", "", err
	}
	tf, err := normalizeTimeframe(in.Timeframe)
	if err != nil {
		return "", "", err
	}
	return p, tf, nil
}

// addTool registers a tool whose input schema is derived from In, with
// closed value sets attached as enums. Arguments are validated by the tool
// itself so that bad values produce structured errors.
func addTool[In any](server *mcp.Server, d *dispatcher, name, description string, enums map[string][]string, run func(context.Context, In) (any, error)) {
	schema, err := jsonschema.For[In](&jsonschema.ForOptions{})
	if err != nil {
		panic(fmt.Sprintf("input schema for %s: %v", name, err))
	}
	for field, values := range enums {
		prop, ok := schema.Properties[field]
		if !ok {
			panic(fmt.Sprintf("input schema for %s: no property %q", name, field))
		}
		prop.Enum = make([]any, len(values))
		for i, v := range values {
			prop.Enum[i] = v
		}
	}

	server.AddTool(&mcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, d.handler(name, func(ctx context.Context, raw json.RawMessage) (any, error) {
		var in In
		if len(raw) > 0 && string(raw) != "null" {
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
		}
		return run(ctx, in)
	}))
	d.names = append(d.names, name)
}

// handler applies the tool's policy around run and records the outcome.
func (d *dispatcher) handler(name string, run func(context.Context, json.RawMessage) (any, error)) mcp.ToolHandler {
	policy := d.policies.For(name)

	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		start := time.Now()
		callCtx := ctx
		if policy.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
			defer cancel()
		}

		out, err := run(callCtx, req.Params.Arguments)
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%s after %s: %w", name, policy.Timeout, errToolTimeout)
		}

		status := outcomeStatus(err)
		d.metrics.ToolCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("status", status),
		))
		d.metrics.ToolDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("tool", name)))

		if err != nil {
			d.logger.Warn("tool call failed", "tool", name, "status", status, "duration", time.Since(start), "error", err)
			if !policy.DegradeErrors {
				return nil, err
			}
			return jsonResult(errorPayload(err), true)
		}
		return jsonResult(out, false)
	}
}

func outcomeStatus(err error) string {
	var choice *choiceError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errToolTimeout):
		return "timeout"
	case errors.Is(err, spend.ErrSpendLimitExceeded):
		return "rejected"
	case errors.As(err, &choice):
		return "invalid"
	default:
		return "error"
	}
}

func errorPayload(err error) toolError {
	if errors.Is(err, errToolTimeout) {
		return toolError{Error: timeoutMessage}
	}
	payload := toolError{Error: err.Error()}

	var limit *spend.LimitExceededError
	if errors.As(err, &limit) {
		payload.Ceiling = limit.Ceiling.String()
		payload.Attempted = limit.Attempted.String()
	}
	var choice *choiceError
	if errors.As(err, &choice) {
		payload.Valid = choice.Valid
	}
	return payload
}

// jsonResult renders v as two-space indented JSON in a single text block.
func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode tool result: %w", err)
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: strings.TrimRight(buf.String(), "\n")}},
		IsError: isError,
	}, nil
}
