package mcp

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"asrai-mcp/internal/session"
	"asrai-mcp/internal/upstream"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/shopspring/decimal"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

type postCall struct {
	path string
	body any
}

// stubCaller records every path it is asked for and answers from responses,
// or with the path itself when no response is configured.
type stubCaller struct {
	mu        sync.Mutex
	gets      []string
	posts     []postCall
	gathers   [][]string
	responses map[string]any
	errs      map[string]error
	// block makes every call wait for its context.
	block bool
}

func (s *stubCaller) Get(ctx context.Context, path string) (any, error) {
	s.mu.Lock()
	s.gets = append(s.gets, path)
	s.mu.Unlock()
	return s.answer(ctx, path)
}

func (s *stubCaller) Post(ctx context.Context, path string, body any) (any, error) {
	s.mu.Lock()
	s.posts = append(s.posts, postCall{path: path, body: body})
	s.mu.Unlock()
	return s.answer(ctx, path)
}

func (s *stubCaller) Gather(ctx context.Context, paths ...string) *upstream.Object {
	s.mu.Lock()
	s.gathers = append(s.gathers, append([]string(nil), paths...))
	s.mu.Unlock()

	out := orderedmap.New[string, any](len(paths))
	for _, p := range paths {
		v, err := s.answer(ctx, p)
		if err != nil {
			out.Set(p, err.Error())
			continue
		}
		out.Set(p, v)
	}
	return out
}

func (s *stubCaller) answer(ctx context.Context, path string) (any, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err, ok := s.errs[path]; ok {
		return nil, err
	}
	if v, ok := s.responses[path]; ok {
		return v, nil
	}
	return path, nil
}

func (s *stubCaller) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gets) + len(s.posts) + len(s.gathers)
}

type stubStatus struct {
	status session.Status
}

func (s stubStatus) Status() session.Status { return s.status }

func testServer(caller *stubCaller, policies Policies) *sdkmcp.Server {
	status := stubStatus{status: session.Status{
		ID:        "test-session",
		Address:   "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23",
		Spent:     "0.003",
		Ceiling:   "2",
		Remaining: "1.997",
		CreatedAt: time.Unix(0, 0).UTC(),
	}}
	return NewServer(nil, nil, caller, status, ServerConfig{
		Version:   "test",
		Policies:  policies,
		CallPrice: decimal.RequireFromString("0.001"),
	})
}

func connectInMemory(ctx context.Context, srv *sdkmcp.Server) (*sdkmcp.ClientSession, context.CancelFunc, error) {
	clientTransport, serverTransport := sdkmcp.NewInMemoryTransports()
	runCtx, cancel := context.WithCancel(ctx)
	go func() { _ = srv.Run(runCtx, serverTransport) }()

	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcp-test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return session, cancel, nil
}

func resultText(res *sdkmcp.CallToolResult) string {
	if res == nil || len(res.Content) == 0 {
		return ""
	}
	if text, ok := res.Content[0].(*sdkmcp.TextContent); ok {
		return text.Text
	}
	return ""
}

func decodeToolJSON(res *sdkmcp.CallToolResult, out any) error {
	return json.Unmarshal([]byte(resultText(res)), out)
}

func decodeResourceJSON(result *sdkmcp.ReadResourceResult, out any) error {
	if len(result.Contents) == 0 {
		return nil
	}
	return json.Unmarshal([]byte(result.Contents[0].Text), out)
}
