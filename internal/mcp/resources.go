package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"asrai-mcp/internal/domain"
	"asrai-mcp/internal/indicator"
	"asrai-mcp/internal/session"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

const (
	resourceScheme = "asrai"

	sessionURI    = "asrai://session"
	indicatorsURI = "asrai://indicators"
	screenersURI  = "asrai://screeners"
)

type sessionOutput struct {
	session.Status
	CallPrice string `json:"call_price_usdc"`
}

func registerResources(server *mcp.Server, status StatusReader, cfg ServerConfig) {
	server.AddResource(&mcp.Resource{
		URI:         sessionURI,
		Name:        "session",
		Description: "Wallet address, spend so far and remaining budget of this session",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if status == nil {
			return nil, fmt.Errorf("session unavailable")
		}
		return jsonResource(req.Params.URI, sessionOutput{
			Status:    status.Status(),
			CallPrice: cfg.CallPrice.String(),
		})
	})

	server.AddResource(&mcp.Resource{
		URI:         indicatorsURI,
		Name:        "indicators",
		Description: "One-line summary of every Asrai indicator",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return jsonResource(req.Params.URI, cfg.Guide.List())
	})

	server.AddResourceTemplate(&mcp.ResourceTemplate{
		URITemplate: "asrai://indicators/{name}",
		Name:        "indicator-by-name",
		Description: "Full guide entry for one indicator",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		name, ok := indicatorName(req.Params.URI)
		if !ok {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		entry, found := cfg.Guide.Find(name)
		if !found {
			return nil, mcp.ResourceNotFoundError(req.Params.URI)
		}
		return jsonResource(req.Params.URI, entryOutput(entry))
	})

	server.AddResource(&mcp.Resource{
		URI:         screenersURI,
		Name:        "screeners",
		Description: "Valid screener_type values for the screener tool",
		MIMEType:    "application/json",
	}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		return jsonResource(req.Params.URI, domain.ScreenerTypes)
	})
}

func indicatorName(uri string) (string, bool) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", false
	}
	if parsed.Scheme != resourceScheme || parsed.Host != "indicators" {
		return "", false
	}
	name := strings.Trim(strings.TrimSpace(parsed.Path), "/")
	return name, name != ""
}

// entryOutput keeps the entry's name, which Entry omits from its own JSON.
func entryOutput(e *indicator.Entry) map[string]*indicator.Entry {
	return map[string]*indicator.Entry{e.Name: e}
}

func jsonResource(uri string, payload any) (*mcp.ReadResourceResult, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(body),
		}},
	}, nil
}
