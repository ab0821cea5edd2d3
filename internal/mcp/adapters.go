package mcp

import (
	"context"

	"asrai-mcp/internal/session"
	"asrai-mcp/internal/upstream"
)

// Caller issues paid upstream calls for one session.
type Caller interface {
	Get(ctx context.Context, path string) (any, error)
	Post(ctx context.Context, path string, body any) (any, error)
	Gather(ctx context.Context, paths ...string) *upstream.Object
}

// StatusReader exposes the spend state of the session behind a Caller.
type StatusReader interface {
	Status() session.Status
}

var (
	_ Caller       = (*upstream.Gateway)(nil)
	_ StatusReader = (*session.Session)(nil)
)
