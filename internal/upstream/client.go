// Package upstream is the paid HTTP gateway to the market-data API. Every
// call is charged to the calling session before it leaves the process.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"asrai-mcp/internal/observe"
	"asrai-mcp/internal/session"
	"asrai-mcp/internal/spend"
	"asrai-mcp/internal/wallet"
	"asrai-mcp/internal/x402"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultBaseURL        = "https://x402.asrai.me"
	DefaultRequestTimeout = 30 * time.Second
)

var (
	DefaultCallPrice  = decimal.RequireFromString("0.001")
	DefaultMaxPayment = decimal.RequireFromString("0.1")
)

var paymentHeaders = map[string]string{
	"x-coinbase-402":  "true",
	"x-payment-token": "usdc",
}

type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	// CallPrice is charged to the session's spend guard before every call.
	CallPrice decimal.Decimal
	// MaxPayment caps what a single 402 challenge may ask for, in USDC. The
	// part of a payment above CallPrice is charged to the session too.
	MaxPayment decimal.Decimal
	// NewTransport builds the scoped transport for one call.
	NewTransport func() *http.Transport
	Logger       *slog.Logger
}

// Client holds process-wide settings. It carries no session state; bind it
// to a session with ForSession.
type Client struct {
	baseURL      string
	timeout      time.Duration
	price        decimal.Decimal
	maxAmount    *big.Int
	newTransport func() *http.Transport
	tracer       trace.Tracer
	metrics      *observe.Metrics
	logger       *slog.Logger
}

func NewClient(tracer trace.Tracer, metrics *observe.Metrics, opts Options) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid upstream base url %q", opts.BaseURL)
	}

	c := &Client{
		baseURL:      base,
		timeout:      opts.RequestTimeout,
		price:        opts.CallPrice,
		newTransport: opts.NewTransport,
		tracer:       tracer,
		metrics:      metrics,
		logger:       opts.Logger,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultRequestTimeout
	}
	if c.price.IsZero() {
		c.price = DefaultCallPrice
	}
	if c.price.IsNegative() {
		return nil, fmt.Errorf("call price must be non-negative, got %s", c.price)
	}
	maxPayment := opts.MaxPayment
	if maxPayment.IsZero() {
		maxPayment = DefaultMaxPayment
	}
	c.maxAmount = x402.AtomicUSDC(maxPayment)
	if c.newTransport == nil {
		c.newTransport = func() *http.Transport {
			return http.DefaultTransport.(*http.Transport).Clone()
		}
	}
	if c.tracer == nil {
		c.tracer = noop.NewTracerProvider().Tracer("upstream")
	}
	if c.metrics == nil {
		c.metrics = observe.Discard()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

func (c *Client) CallPrice() decimal.Decimal {
	return c.price
}

// Gateway issues paid calls on behalf of exactly one session.
type Gateway struct {
	client  *Client
	session *session.Session
}

func (c *Client) ForSession(s *session.Session) *Gateway {
	return &Gateway{client: c, session: s}
}

func (g *Gateway) Session() *session.Session {
	return g.session
}

func (g *Gateway) Get(ctx context.Context, path string) (any, error) {
	return g.Request(ctx, http.MethodGet, path, nil)
}

func (g *Gateway) Post(ctx context.Context, path string, body any) (any, error) {
	return g.Request(ctx, http.MethodPost, path, body)
}

// Request charges the session, then performs one paid call. The outcome is
// the decoded JSON body or, when the body is not JSON, its raw text.
func (g *Gateway) Request(ctx context.Context, method, path string, body any) (any, error) {
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported method %q", method)
	}
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("path must be upstream-relative, got %q", path)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	identity, err := g.session.Identity()
	if err != nil {
		return nil, err
	}

	release, err := g.session.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	c := g.client
	if _, err := g.session.Charge(c.price); err != nil {
		if errors.Is(err, spend.ErrSpendLimitExceeded) {
			c.metrics.SpendRejected.Add(ctx, 1)
		}
		return nil, err
	}
	c.metrics.SpendCharged.Add(ctx, c.price.InexactFloat64())

	ctx, span := c.tracer.Start(ctx, "upstream.request", trace.WithAttributes(
		attribute.String("http.method", method),
		attribute.String("upstream.path", path),
	))
	defer span.End()

	approve := func(ctx context.Context, amount *big.Int) error {
		excess := decimal.NewFromBigInt(amount, -x402.USDCDecimals).Sub(c.price)
		if !excess.IsPositive() {
			return nil
		}
		if _, err := g.session.Charge(excess); err != nil {
			return err
		}
		c.metrics.SpendCharged.Add(ctx, excess.InexactFloat64())
		c.logger.Info("upstream asked more than the call price",
			"session", g.session.ID(),
			"path", path,
			"extra_usdc", excess.String(),
		)
		return nil
	}

	start := time.Now()
	outcome, status, err := c.do(ctx, identity, approve, method, path, body)
	elapsed := time.Since(start)

	c.metrics.UpstreamRequests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", statusLabel(status, err)),
	))
	c.metrics.UpstreamDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("method", method)))

	if err != nil {
		if errors.Is(err, spend.ErrSpendLimitExceeded) {
			c.metrics.SpendRejected.Add(ctx, 1)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("upstream request failed",
			"session", g.session.ID(),
			"address", identity.Address().Hex(),
			"method", method,
			"path", path,
			"status", status,
			"duration", elapsed,
			"error", err,
		)
		return nil, err
	}

	span.SetAttributes(attribute.Int("http.status_code", status))
	c.logger.Debug("upstream request",
		"session", g.session.ID(),
		"address", identity.Address().Hex(),
		"method", method,
		"path", path,
		"status", status,
		"duration", elapsed,
	)
	return outcome, nil
}

// do performs one HTTP exchange. approve runs before any payment is signed.
func (c *Client) do(ctx context.Context, identity *wallet.Identity, approve func(context.Context, *big.Int) error, method, path string, body any) (any, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	base := c.newTransport()
	defer base.CloseIdleConnections()

	httpClient := &http.Client{Transport: &x402.Transport{
		Base:      base,
		Signer:    identity,
		MaxAmount: c.maxAmount,
		Approve:   approve,
		Logger:    c.logger,
	}}

	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("encode request body: %w", err)
		}
		payload = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, c.baseURL+path, payload)
	if err != nil {
		return nil, 0, fmt.Errorf("build request %s %s: %w", method, path, err)
	}
	for k, v := range paymentHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		var limitErr *spend.LimitExceededError
		if errors.As(err, &limitErr) {
			return nil, 0, limitErr
		}
		return nil, 0, classify(ctx, reqCtx, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, classify(ctx, reqCtx, method, path, err)
	}
	if resp.StatusCode/100 != 2 {
		return nil, resp.StatusCode, &UpstreamError{
			Method:     method,
			Path:       path,
			StatusCode: resp.StatusCode,
			Body:       truncate(strings.TrimSpace(string(raw)), maxErrorBody),
		}
	}
	return decodeBody(raw), resp.StatusCode, nil
}

// classify separates outer cancellation, the gateway's own deadline and
// plain transport failures.
func classify(ctx, reqCtx context.Context, method, path string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s %s: %w", method, path, ctxErr)
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", method, path, ErrUpstreamTimeout)
	}
	return &UpstreamError{Method: method, Path: path, Err: err}
}

func statusLabel(status int, err error) string {
	switch {
	case status > 0:
		return strconv.Itoa(status)
	case errors.Is(err, ErrUpstreamTimeout):
		return "timeout"
	default:
		return "error"
	}
}
