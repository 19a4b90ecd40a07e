package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-edge-go/internal/jsonrpc"
	"github.com/ggoodman/mcp-edge-go/internal/logctx"
	"github.com/ggoodman/mcp-edge-go/mcp"
	"github.com/ggoodman/mcp-edge-go/mcpservice"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// errorCodeResourceNotFound is the MCP-defined code for unknown resource URIs.
const errorCodeResourceNotFound jsonrpc.ErrorCode = -32002

func (e *Engine) handleRequest(ctx context.Context, sess *conn, req *jsonrpc.Request) *jsonrpc.Response {
	ctx, span := e.tracer.Start(ctx, "engine.handle_request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
			attribute.String("mcp.session_id", sess.SessionID()),
			attribute.String("mcp.transport", sess.Transport()),
		),
	)
	defer span.End()

	var res *jsonrpc.Response
	switch mcp.Method(req.Method) {
	case mcp.InitializeMethod:
		res = e.handleInitialize(ctx, sess, req)
	case mcp.PingMethod:
		res = e.handlePing(ctx, req)
	case mcp.ToolsListMethod:
		res = e.handleToolsList(ctx, sess, req)
	case mcp.ToolsCallMethod:
		res = e.handleToolCall(ctx, sess, req)
	case mcp.ResourcesListMethod:
		res = e.handleResourcesList(ctx, sess, req)
	case mcp.ResourcesReadMethod:
		res = e.handleResourcesRead(ctx, sess, req)
	default:
		e.log.InfoContext(ctx, "engine.handle_request.unsupported", slog.String("method", req.Method))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil)
	}

	if res != nil && res.Error != nil {
		span.SetStatus(codes.Error, res.Error.Message)
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", int(res.Error.Code)))
	}
	return res
}

func result(ctx context.Context, log *slog.Logger, id *jsonrpc.RequestID, v any) *jsonrpc.Response {
	res, err := jsonrpc.NewResultResponse(id, v)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	return res
}

func (e *Engine) handleInitialize(ctx context.Context, sess *conn, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.InitializeParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	negotiated := mcp.NegotiateProtocolVersion(params.ProtocolVersion)
	sess.initialized(negotiated, params.ClientInfo)

	info, err := e.srv.GetServerInfo(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	initRes := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		ServerInfo:      info,
	}

	if instr, ok, err := e.srv.GetInstructions(ctx, sess); err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	} else if ok {
		initRes.Instructions = instr
	}

	if toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess); err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", fmt.Sprintf("get tools capability: %v", err)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	} else if ok && toolsCap != nil {
		entry := &mcp.ListChangedCapability{}
		if lc, hasLC, lcErr := toolsCap.GetListChangedCapability(ctx, sess); lcErr == nil && hasLC && lc != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Tools = entry
	}

	if resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess); err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", fmt.Sprintf("get resources capability: %v", err)))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	} else if ok && resCap != nil {
		entry := &mcp.ResourcesCapability{}
		if lc, hasLC, lcErr := resCap.GetListChangedCapability(ctx, sess); lcErr == nil && hasLC && lc != nil {
			entry.ListChanged = true
		}
		initRes.Capabilities.Resources = entry
	}

	log.InfoContext(ctx, "engine.handle_request.ok",
		slog.Int64("dur_ms", time.Since(start).Milliseconds()),
		slog.String("protocol_version", negotiated),
		slog.String("client", params.ClientInfo.Name),
	)
	return result(ctx, log, req.ID, initRes)
}

func (e *Engine) handlePing(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	return result(ctx, e.log, req.ID, &mcp.EmptyResult{})
}

func (e *Engine) handleToolsList(ctx context.Context, sess *conn, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
	}

	page, err := cap.ListTools(ctx, sess, cursorOf(params.Cursor))
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	res := &mcp.ListToolsResult{Tools: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("tool_count", len(page.Items)))
	return result(ctx, log, req.ID, res)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *conn, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.Name == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing tool name"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("mcp.tool", params.Name))

	cap, ok, err := e.srv.GetToolsCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "tools capability not supported", nil)
	}

	res, err := cap.CallTool(ctx, sess, &params)
	if err != nil {
		switch {
		case errors.Is(err, mcpservice.ErrToolNotFound):
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", params.Name), nil)
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			log.InfoContext(ctx, "engine.handle_request.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "cancelled", nil)
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Bool("is_error", res.IsError))
	return result(ctx, log, req.ID, res)
}

func (e *Engine) handleResourcesList(ctx context.Context, sess *conn, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ListParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
		}
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil)
	}

	page, err := cap.ListResources(ctx, sess, cursorOf(params.Cursor))
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}

	res := &mcp.ListResourcesResult{Resources: page.Items}
	if page.NextCursor != nil {
		res.NextCursor = *page.NextCursor
	}
	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("resource_count", len(page.Items)))
	return result(ctx, log, req.ID, res)
}

func (e *Engine) handleResourcesRead(ctx context.Context, sess *conn, req *jsonrpc.Request) *jsonrpc.Response {
	start := time.Now()
	log := e.log.With(slog.String("method", req.Method))

	var params mcp.ReadResourceParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}
	if params.URI == "" {
		log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", "missing uri"), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil)
	}

	cap, ok, err := e.srv.GetResourcesCapability(ctx, sess)
	if err != nil {
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal error", nil)
	}
	if !ok || cap == nil {
		log.InfoContext(ctx, "engine.handle_request.unsupported", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "resources capability not supported", nil)
	}

	contents, err := cap.ReadResource(ctx, sess, params.URI)
	if err != nil {
		if errors.Is(err, mcpservice.ErrResourceNotFound) {
			log.InfoContext(ctx, "engine.handle_request.invalid", slog.String("err", err.Error()), slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return jsonrpc.NewErrorResponse(req.ID, errorCodeResourceNotFound, "resource not found", map[string]string{"uri": params.URI})
		}
		log.ErrorContext(ctx, "engine.handle_request.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	log.InfoContext(ctx, "engine.handle_request.ok", slog.Int64("dur_ms", time.Since(start).Milliseconds()), slog.Int("content_count", len(contents)))
	return result(ctx, log, req.ID, &mcp.ReadResourceResult{Contents: contents})
}

func cursorOf(c string) *string {
	if c == "" {
		return nil
	}
	return &c
}

// wireListChanged forwards list-changed signals from the capabilities to the
// connection until ctx ends.
func (e *Engine) wireListChanged(ctx context.Context, sess *conn) {
	if toolsCap, ok, err := e.srv.GetToolsCapability(ctx, sess); err == nil && ok && toolsCap != nil {
		if lc, ok, err := toolsCap.GetListChangedCapability(ctx, sess); err == nil && ok && lc != nil {
			if _, err := lc.Register(ctx, sess, func(ctx context.Context, _ mcpservice.Session) {
				sess.notify(ctx, mcp.ToolsListChangedNotificationMethod)
			}); err != nil {
				e.log.ErrorContext(ctx, "engine.list_changed.register_fail", slog.String("err", err.Error()))
			}
		}
	}
	if resCap, ok, err := e.srv.GetResourcesCapability(ctx, sess); err == nil && ok && resCap != nil {
		if lc, ok, err := resCap.GetListChangedCapability(ctx, sess); err == nil && ok && lc != nil {
			if _, err := lc.Register(ctx, sess, func(ctx context.Context, _ mcpservice.Session) {
				sess.notify(ctx, mcp.ResourcesListChangedNotificationMethod)
			}); err != nil {
				e.log.ErrorContext(ctx, "engine.list_changed.register_fail", slog.String("err", err.Error()))
			}
		}
	}
}
