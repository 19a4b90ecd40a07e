package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/ggoodman/mcp-edge-go/mcpservice"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverName = "mcp-edge"

const instructions = "Use calculate_sum to add two numbers and echo to test the connection. Read info://server for the server identity."

type sumArgs struct {
	A float64 `json:"a" jsonschema:"first addend"`
	B float64 `json:"b" jsonschema:"second addend"`
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"text to echo back"`
}

type serverInfo struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Engine    string `json:"engine"`
	SessionID string `json:"sessionId,omitempty"`
	Transport string `json:"transport,omitempty"`
}

func formatSum(a, b float64) string {
	return strconv.FormatFloat(a+b, 'f', -1, 64)
}

// demoRegistry builds the native engine's tools and resources.
func demoRegistry() (*mcpservice.Registry, error) {
	reg := mcpservice.NewRegistry()

	if err := reg.AddTool(mcpservice.NewTool("calculate_sum",
		func(ctx context.Context, s mcpservice.Session, in sumArgs) (any, error) {
			return formatSum(in.A, in.B), nil
		},
		mcpservice.WithToolDescription("Add two numbers"),
	)); err != nil {
		return nil, err
	}

	if err := reg.AddTool(mcpservice.NewTool("echo",
		func(ctx context.Context, s mcpservice.Session, in echoArgs) (any, error) {
			return in.Text, nil
		},
		mcpservice.WithToolDescription("Echo the given text"),
	)); err != nil {
		return nil, err
	}

	err := reg.Resource("info://server", func(ctx context.Context, s mcpservice.Session, uri string) (any, error) {
		return serverInfo{
			Name:      serverName,
			Version:   version,
			Engine:    "native",
			SessionID: s.SessionID(),
			Transport: s.Transport(),
		}, nil
	},
		mcpservice.WithResourceName("Server information"),
		mcpservice.WithMimeType(mcp.MimeTypeJSON),
	)
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// demoSDKServer registers the same surface on a go-sdk server.
func demoSDKServer(opts *sdkmcp.ServerOptions) *sdkmcp.Server {
	s := sdkmcp.NewServer(&sdkmcp.Implementation{Name: serverName, Version: version}, opts)

	sdkmcp.AddTool(s, &sdkmcp.Tool{Name: "calculate_sum", Description: "Add two numbers"},
		func(ctx context.Context, req *sdkmcp.CallToolRequest, in sumArgs) (*sdkmcp.CallToolResult, any, error) {
			return &sdkmcp.CallToolResult{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: formatSum(in.A, in.B)}},
			}, nil, nil
		})
	sdkmcp.AddTool(s, &sdkmcp.Tool{Name: "echo", Description: "Echo the given text"},
		func(ctx context.Context, req *sdkmcp.CallToolRequest, in echoArgs) (*sdkmcp.CallToolResult, any, error) {
			return &sdkmcp.CallToolResult{
				Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: in.Text}},
			}, nil, nil
		})
	s.AddResource(&sdkmcp.Resource{URI: "info://server", Name: "Server information", MIMEType: mcp.MimeTypeJSON},
		func(ctx context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			return &sdkmcp.ReadResourceResult{Contents: []*sdkmcp.ResourceContents{{
				URI:      req.Params.URI,
				MIMEType: mcp.MimeTypeJSON,
				Text:     fmt.Sprintf(`{"name":%q,"version":%q,"engine":"sdk"}`, serverName, version),
			}}}, nil
		})
	return s
}
