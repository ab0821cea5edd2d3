package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"asrai-mcp/internal/wallet"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace/noop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestRouter(h *Handler) *gin.Engine {
	router := gin.New()
	h.RegisterRoutes(router)
	return router
}

func TestHealth(t *testing.T) {
	h := New(noop.NewTracerProvider().Tracer("test"), "1.2.3", nil, nil)

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != "ok" || body["server"] != "asrai-mcp" || body["version"] != "1.2.3" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestGenerateWallet(t *testing.T) {
	h := New(noop.NewTracerProvider().Tracer("test"), "dev", nil, nil)

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/generate-wallet", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body walletResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	identity, err := wallet.Parse(body.PrivateKey)
	if err != nil {
		t.Fatalf("returned key does not parse: %v", err)
	}
	if identity.Address().Hex() != body.Address {
		t.Fatalf("address %s does not match key", body.Address)
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Fatal("expected no-store")
	}
}

func TestGenerateWalletRequiresPost(t *testing.T) {
	h := New(noop.NewTracerProvider().Tracer("test"), "dev", nil, nil)

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/generate-wallet", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGenerateWalletFailure(t *testing.T) {
	h := New(noop.NewTracerProvider().Tracer("test"), "dev", nil, nil)
	h.generateWallet = func() (*wallet.Identity, string, error) {
		return nil, "", errors.New("entropy exhausted")
	}

	w := httptest.NewRecorder()
	newTestRouter(h).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/generate-wallet", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestMountsMCPAndMetrics(t *testing.T) {
	var mcpMethods []string
	mcpHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mcpMethods = append(mcpMethods, r.Method)
		w.WriteHeader(http.StatusAccepted)
	})
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("asrai_tool_calls_total 1\n"))
	})
	router := newTestRouter(New(noop.NewTracerProvider().Tracer("test"), "dev", mcpHandler, metricsHandler))

	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodDelete} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(method, "/mcp", nil))
		if w.Code != http.StatusAccepted {
			t.Fatalf("%s /mcp: expected 202, got %d", method, w.Code)
		}
	}
	if len(mcpMethods) != 3 {
		t.Fatalf("expected 3 mcp calls, got %v", mcpMethods)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.String() != "asrai_tool_calls_total 1\n" {
		t.Fatalf("unexpected metrics response: %d %q", w.Code, w.Body.String())
	}
}
