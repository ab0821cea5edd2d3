package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"asrai-mcp/internal/session"
	"asrai-mcp/internal/spend"
	"asrai-mcp/internal/wallet"
	"asrai-mcp/internal/x402"
	"asrai-mcp/internal/x402/x402test"

	"github.com/shopspring/decimal"
)

func newPaidServer(t *testing.T, h http.Handler) (*httptest.Server, *x402test.Paywall) {
	t.Helper()
	paywall := x402test.New()
	srv := httptest.NewServer(paywall.Wrap(h))
	t.Cleanup(srv.Close)
	return srv, paywall
}

func newTestClient(t *testing.T, baseURL string, opts Options) *Client {
	t.Helper()
	opts.BaseURL = baseURL
	c, err := NewClient(nil, nil, opts)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func newTestSession(t *testing.T, ceiling string) *session.Session {
	t.Helper()
	id, _, err := wallet.Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return session.New(id, decimal.RequireFromString(ceiling))
}

func jsonHandler(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func TestGatewayDecodesJSON(t *testing.T) {
	srv, paywall := newPaidServer(t, jsonHandler(`{"signal":"buy","score":1.10,"levels":[3,1,2]}`))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	out, err := gw.Get(context.Background(), "/api/signal/btcusdt/1D")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	obj, ok := out.(*Object)
	if !ok {
		t.Fatalf("expected *Object, got %T", out)
	}

	raw, err := json.Marshal(obj)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(raw) != `{"signal":"buy","score":1.10,"levels":[3,1,2]}` {
		t.Fatalf("key order or number text not preserved: %s", raw)
	}
	if len(paywall.Payments()) != 1 {
		t.Fatalf("expected one settled payment, got %d", len(paywall.Payments()))
	}
}

func TestGatewayReturnsRawTextForNonJSON(t *testing.T) {
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "Bitcoin is trending up.\n{not json")
	}))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	out, err := gw.Get(context.Background(), "/api/channel-summary/")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s, ok := out.(string); !ok || s != "Bitcoin is trending up.\n{not json" {
		t.Fatalf("expected raw text, got %#v", out)
	}
}

func TestGatewayChargesPriceAboveCallPrice(t *testing.T) {
	srv, paywall := newPaidServer(t, jsonHandler(`{}`))
	paywall.Price = big.NewInt(100_000) // 0.1 USDC, 100x the call price
	sess := newTestSession(t, "0.25")
	gw := newTestClient(t, srv.URL, Options{}).ForSession(sess)

	for i := 0; i < 2; i++ {
		if _, err := gw.Get(context.Background(), "/api/cbbi/"); err != nil {
			t.Fatalf("call %d: %v", i+1, err)
		}
	}
	if got := sess.Status().Spent; got != "0.2" {
		t.Fatalf("expected 0.2 spent after two calls, got %s", got)
	}

	_, err := gw.Get(context.Background(), "/api/cbbi/")
	var limitErr *spend.LimitExceededError
	if !errors.As(err, &limitErr) {
		t.Fatalf("expected spend limit error, got %v", err)
	}
	if !limitErr.Ceiling.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("unexpected ceiling %s", limitErr.Ceiling)
	}

	payments := paywall.Payments()
	if len(payments) != 2 {
		t.Fatalf("expected 2 signed payments, got %d", len(payments))
	}
	signed := new(big.Int)
	for _, p := range payments {
		v, ok := new(big.Int).SetString(p.Payload.Authorization.Value, 10)
		if !ok {
			t.Fatalf("bad authorization value %q", p.Payload.Authorization.Value)
		}
		signed.Add(signed, v)
	}
	if signed.Cmp(x402.AtomicUSDC(decimal.RequireFromString("0.25"))) > 0 {
		t.Fatalf("signed %s atomic USDC past the ceiling", signed)
	}
	spent := decimal.RequireFromString(sess.Status().Spent)
	if spent.GreaterThan(decimal.RequireFromString("0.25")) {
		t.Fatalf("guard total %s passed the ceiling", spent)
	}
}

func TestGatewaySendsPaymentHeaders(t *testing.T) {
	var got http.Header
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		_, _ = io.WriteString(w, `[]`)
	}))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	if _, err := gw.Get(context.Background(), "/api/cbbi/"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Get("x-coinbase-402") != "true" || got.Get("x-payment-token") != "usdc" {
		t.Fatalf("missing payment protocol headers: %v", got)
	}
	if got.Get(x402.HeaderPayment) == "" {
		t.Fatal("expected signed X-PAYMENT header on paid request")
	}
}

func TestGatewayPostSendsJSONBody(t *testing.T) {
	var body, contentType string
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		raw, _ := io.ReadAll(r.Body)
		body = string(raw)
		contentType = r.Header.Get("Content-Type")
		_, _ = io.WriteString(w, `{"answer":"hold"}`)
	}))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	if _, err := gw.Post(context.Background(), "/ai", map[string]string{"message": "is btc bullish?"}); err != nil {
		t.Fatalf("Post: %v", err)
	}
	if body != `{"message":"is btc bullish?"}` {
		t.Fatalf("unexpected body %q", body)
	}
	if contentType != "application/json" {
		t.Fatalf("unexpected content type %q", contentType)
	}
}

func TestGatewayEleventhCallNeverReachesUpstream(t *testing.T) {
	var served int32
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&served, 1)
		_, _ = io.WriteString(w, `{}`)
	}))
	c := newTestClient(t, srv.URL, Options{CallPrice: decimal.RequireFromString("0.001")})
	gw := c.ForSession(newTestSession(t, "0.01"))

	for i := 1; i <= 10; i++ {
		if _, err := gw.Get(context.Background(), "/api/rsi/"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	_, err := gw.Get(context.Background(), "/api/rsi/")
	if !errors.Is(err, spend.ErrSpendLimitExceeded) {
		t.Fatalf("expected spend limit on call 11, got %v", err)
	}
	if n := atomic.LoadInt32(&served); n != 10 {
		t.Fatalf("expected 10 upstream hits, got %d", n)
	}
}

func TestGatewaySessionsAreIsolated(t *testing.T) {
	srv, _ := newPaidServer(t, jsonHandler(`{}`))
	c := newTestClient(t, srv.URL, Options{})
	a := c.ForSession(newTestSession(t, "0.001"))
	b := c.ForSession(newTestSession(t, "0.001"))

	if _, err := a.Get(context.Background(), "/api/cbbi/"); err != nil {
		t.Fatalf("a first call: %v", err)
	}
	if _, err := a.Get(context.Background(), "/api/cbbi/"); !errors.Is(err, spend.ErrSpendLimitExceeded) {
		t.Fatalf("expected a exhausted, got %v", err)
	}
	if _, err := b.Get(context.Background(), "/api/cbbi/"); err != nil {
		t.Fatalf("b should still spend: %v", err)
	}
}

func TestGatewayMissingIdentityDoesNotCharge(t *testing.T) {
	srv, _ := newPaidServer(t, jsonHandler(`{}`))
	s := session.New(nil, decimal.RequireFromString("1"))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(s)

	if _, err := gw.Get(context.Background(), "/api/cbbi/"); !errors.Is(err, wallet.ErrMissingIdentity) {
		t.Fatalf("expected ErrMissingIdentity, got %v", err)
	}
	if s.Status().Spent != "0" {
		t.Fatalf("expected nothing charged, got %s", s.Status().Spent)
	}
}

func TestGatewayRejectsBadRequests(t *testing.T) {
	gw := newTestClient(t, "http://127.0.0.1:1", Options{}).ForSession(newTestSession(t, "1"))

	if _, err := gw.Request(context.Background(), http.MethodDelete, "/api/x", nil); err == nil {
		t.Fatal("expected unsupported method error")
	}
	if _, err := gw.Get(context.Background(), "api/x"); err == nil {
		t.Fatal("expected relative path error")
	}
	if gw.Session().Status().Spent != "0" {
		t.Fatal("rejected requests must not be charged")
	}
}

func TestGatewayNon2xxIsUpstreamError(t *testing.T) {
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":"symbol not found"}`)
	}))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	_, err := gw.Get(context.Background(), "/api/forecasting/zzzusdt")
	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upErr.StatusCode != http.StatusNotFound || !strings.Contains(upErr.Body, "symbol not found") {
		t.Fatalf("unexpected error %+v", upErr)
	}
}

func TestGatewayTimeout(t *testing.T) {
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	gw := newTestClient(t, srv.URL, Options{RequestTimeout: 100 * time.Millisecond}).ForSession(newTestSession(t, "2"))

	_, err := gw.Get(context.Background(), "/api/ew/btcusdt/1D")
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestGatewayOuterCancellation(t *testing.T) {
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	gw := newTestClient(t, srv.URL, Options{RequestTimeout: 5 * time.Second}).ForSession(newTestSession(t, "2"))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := gw.Get(ctx, "/api/ew/btcusdt/1D")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected outer deadline, got %v", err)
	}
	if errors.Is(err, ErrUpstreamTimeout) {
		t.Fatal("outer cancellation must not be reported as gateway timeout")
	}
}

func TestGatewayUsesFreshTransportPerCall(t *testing.T) {
	srv, _ := newPaidServer(t, jsonHandler(`{}`))
	var built int32
	c := newTestClient(t, srv.URL, Options{NewTransport: func() *http.Transport {
		atomic.AddInt32(&built, 1)
		return http.DefaultTransport.(*http.Transport).Clone()
	}})
	gw := c.ForSession(newTestSession(t, "2"))

	for i := 0; i < 3; i++ {
		if _, err := gw.Get(context.Background(), "/api/cbbi/"); err != nil {
			t.Fatalf("Get: %v", err)
		}
	}
	if built != 3 {
		t.Fatalf("expected one scoped transport per call, got %d", built)
	}
}

func TestGatherPartialFailure(t *testing.T) {
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			_, _ = io.WriteString(w, `{"trend":"up"}`)
		case "/fails":
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, err := hj.Hijack()
			if err == nil {
				conn.Close()
			}
		}
	}))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	res := gw.Gather(context.Background(), "/ok", "/fails")
	if res.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", res.Len())
	}

	keys := []string{}
	for pair := res.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	if strings.Join(keys, ",") != "/ok,/fails" {
		t.Fatalf("unexpected key order %v", keys)
	}

	ok, _ := res.Get("/ok")
	if _, isObj := ok.(*Object); !isObj {
		t.Fatalf("expected parsed data for /ok, got %#v", ok)
	}
	failed, _ := res.Get("/fails")
	msg, isStr := failed.(string)
	if !isStr || !strings.Contains(msg, "GET /fails") {
		t.Fatalf("expected error string for /fails, got %#v", failed)
	}
}

func TestGatherKeySetMatchesInput(t *testing.T) {
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/bad") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = io.WriteString(w, `1`)
	}))
	// Ceiling allows three calls; the fourth is refused by the spend guard.
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "0.003"))

	paths := []string{"/a", "/bad1", "/b", "/c"}
	res := gw.Gather(context.Background(), paths...)
	if res.Len() != len(paths) {
		t.Fatalf("expected %d entries, got %d", len(paths), res.Len())
	}
	for _, p := range paths {
		if _, ok := res.Get(p); !ok {
			t.Fatalf("missing entry for %s", p)
		}
	}
	last, _ := res.Get("/c")
	if s, _ := last.(string); !strings.Contains(s, "Session spend limit") {
		t.Fatalf("expected spend limit message for /c, got %#v", last)
	}
	bad, _ := res.Get("/bad1")
	if s, _ := bad.(string); !strings.Contains(s, "status 500") {
		t.Fatalf("expected status error for /bad1, got %#v", bad)
	}
}

func TestGatherIsSequential(t *testing.T) {
	var mu sync.Mutex
	var order []string
	var inFlight, peak int32
	srv, _ := newPaidServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&inFlight, 1)
		if n > atomic.LoadInt32(&peak) {
			atomic.StoreInt32(&peak, n)
		}
		mu.Lock()
		order = append(order, r.URL.Path)
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		_, _ = io.WriteString(w, `{}`)
	}))
	gw := newTestClient(t, srv.URL, Options{}).ForSession(newTestSession(t, "2"))

	gw.Gather(context.Background(), "/1", "/2", "/3", "/4")
	if peak != 1 {
		t.Fatalf("expected sequential calls, saw %d concurrent", peak)
	}
	if strings.Join(order, ",") != "/1,/2,/3,/4" {
		t.Fatalf("unexpected call order %v", order)
	}
}

func TestNewClientValidatesBaseURL(t *testing.T) {
	if _, err := NewClient(nil, nil, Options{BaseURL: "ftp://example.com"}); err == nil {
		t.Fatal("expected invalid scheme error")
	}
	c, err := NewClient(nil, nil, Options{})
	if err != nil {
		t.Fatalf("NewClient defaults: %v", err)
	}
	if c.baseURL != DefaultBaseURL || !c.CallPrice().Equal(DefaultCallPrice) || c.timeout != DefaultRequestTimeout {
		t.Fatalf("unexpected defaults: %s %s %s", c.baseURL, c.CallPrice(), c.timeout)
	}
}
