// Package mcpservice holds the tool and resource registrations served by the
// in-process protocol engine.
//
// Registrations happen once, at startup, through a Registry:
//
//	reg := mcpservice.NewRegistry()
//	_ = reg.Tool("calculate_sum", map[string]any{
//	    "type": "object",
//	    "properties": map[string]any{
//	        "a": map[string]any{"type": "number"},
//	        "b": map[string]any{"type": "number"},
//	    },
//	    "required": []string{"a", "b"},
//	}, func(ctx context.Context, s mcpservice.Session, args map[string]any) (any, error) {
//	    return args["a"].(float64) + args["b"].(float64), nil
//	})
//	_ = reg.Resource("info://server", func(ctx context.Context, s mcpservice.Session, uri string) (any, error) {
//	    return "mcp-edge", nil
//	})
//
//	srv := mcpservice.NewServer(
//	    mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: "example", Version: "1.0.0"}),
//	    mcpservice.WithRegistry(reg),
//	)
//
// Capability discovery methods return (cap, ok, err). A false ok means the
// capability is absent for the session; err is reserved for failures while
// determining support. Every capability must be safe for concurrent use.
package mcpservice
