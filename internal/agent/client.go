package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"

	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/eventq"
	"github.com/taskloop/taskloop/internal/rpc"
)

const updatesBuffer = 128

// ToolHandler decides one permission request. It runs on the client's
// dispatch goroutine, so the agent stays blocked until it returns.
type ToolHandler func(req ToolRequest) (ToolDecision, error)

// ClientOptions configures a protocol client.
type ClientOptions struct {
	// OnToolRequest answers session/request_permission calls. When nil
	// every request is approved with the least persistent allow option.
	OnToolRequest ToolHandler
}

// Client speaks the loop's side of the agent protocol over one
// connection. A single dispatch goroutine routes inbound traffic:
// updates flow into a lossy buffered channel, permission requests are
// answered inline so they are never dropped.
type Client struct {
	conn    *rpc.Conn
	name    string
	onTool  ToolHandler
	updates chan SessionUpdate
	dropped atomic.Int64
}

// NewClient wraps conn and starts the dispatch goroutine. The caller
// keeps ownership of the underlying process; Close only tears down the
// connection.
func NewClient(conn *rpc.Conn, name string, opts ClientOptions) *Client {
	c := &Client{
		conn:    conn,
		name:    name,
		onTool:  opts.OnToolRequest,
		updates: make(chan SessionUpdate, updatesBuffer),
	}
	go c.dispatch()
	return c
}

// Initialize performs the protocol handshake. A version mismatch is
// logged but tolerated; agents that cannot speak any shared version
// fail their first session call instead.
func (c *Client) Initialize(ctx context.Context) (InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"clientCapabilities": map[string]any{
			"fs": map[string]any{"readTextFile": false, "writeTextFile": false},
		},
	}
	raw, err := c.conn.Call(ctx, "initialize", params)
	if err != nil {
		return InitializeResult{}, fmt.Errorf("agent: initialize: %w", err)
	}
	var res InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return InitializeResult{}, fmt.Errorf("agent: initialize result: %w", err)
	}
	if res.ProtocolVersion != protocolVersion {
		debug.LogKV("agent", "protocol version mismatch", "client", c.name,
			"ours", protocolVersion, "theirs", res.ProtocolVersion)
	}
	return res, nil
}

// NewSession creates an agent session rooted at cwd and returns its id.
func (c *Client) NewSession(ctx context.Context, cwd string) (string, error) {
	params := map[string]any{"cwd": cwd, "mcpServers": []any{}}
	raw, err := c.conn.Call(ctx, "session/new", params)
	if err != nil {
		return "", fmt.Errorf("agent: session/new: %w", err)
	}
	var res struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("agent: session/new result: %w", err)
	}
	if res.SessionID == "" {
		return "", fmt.Errorf("agent: session/new returned no session id")
	}
	debug.LogKV("agent", "session created", "client", c.name, "session", res.SessionID)
	return res.SessionID, nil
}

// Prompt sends one user turn and blocks until the agent reports a stop
// reason. Streaming output arrives on Updates while this call is in
// flight.
func (c *Client) Prompt(ctx context.Context, sessionID, text string) (PromptResult, error) {
	params := map[string]any{
		"sessionId": sessionID,
		"prompt":    []ContentBlock{TextBlock(text)},
	}
	raw, err := c.conn.Call(ctx, "session/prompt", params)
	if err != nil {
		return PromptResult{}, fmt.Errorf("agent: prompt: %w", err)
	}
	var res PromptResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return PromptResult{}, fmt.Errorf("agent: prompt result: %w", err)
	}
	if res.StopReason == "" {
		return PromptResult{}, fmt.Errorf("agent: prompt response without stop reason")
	}
	return res, nil
}

// Cancel asks the agent to stop the current turn. The in-flight Prompt
// call still settles normally, with a cancelled stop reason.
func (c *Client) Cancel(sessionID string) error {
	return c.conn.Notify("session/cancel", map[string]any{"sessionId": sessionID})
}

// Updates returns the stream of parsed session/update notifications.
// The channel closes when the connection ends. Slow consumers lose
// updates rather than stalling the agent.
func (c *Client) Updates() <-chan SessionUpdate {
	return c.updates
}

// Dropped reports how many updates were discarded because the Updates
// channel was full.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Close tears down the connection. Pending calls fail with ErrClosed
// and the dispatch goroutine exits.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) dispatch() {
	for inc := range c.conn.Inbound() {
		switch inc.Method {
		case "session/update":
			u, err := parseSessionUpdate(inc.Params)
			if err != nil {
				debug.LogKV("agent", "bad update", "client", c.name, "err", err)
				continue
			}
			if !eventq.Offer(c.updates, u) {
				n := c.dropped.Add(1)
				debug.LogKV("agent", "update dropped", "client", c.name, "total", n)
			}
		case "session/request_permission":
			c.handlePermission(inc)
		default:
			if len(inc.ID) > 0 {
				_ = c.conn.RespondError(inc.ID, &rpc.RemoteError{
					Code:    rpc.CodeMethodNotFound,
					Message: "method not found: " + inc.Method,
				})
			} else {
				debug.LogKV("agent", "unknown notification", "client", c.name, "method", inc.Method)
			}
		}
	}
	close(c.updates)
}

func (c *Client) handlePermission(inc rpc.Incoming) {
	req, err := parseToolRequest(inc.Params)
	if err != nil {
		_ = c.conn.RespondError(inc.ID, &rpc.RemoteError{
			Code:    rpc.CodeInvalidParams,
			Message: err.Error(),
		})
		return
	}
	decision, err := c.decide(req)
	if err != nil {
		debug.LogKV("agent", "tool handler failed", "client", c.name,
			"tool", req.Title, "err", err)
		_ = c.conn.RespondError(inc.ID, &rpc.RemoteError{
			Code:    rpc.CodeToolFailure,
			Message: err.Error(),
		})
		return
	}
	debug.LogKV("agent", "permission answered", "client", c.name,
		"tool", req.Title, "option", decision.OptionID, "cancelled", decision.Cancelled)
	_ = c.conn.Respond(inc.ID, decision.wireOutcome())
}

// decide runs the tool handler, converting a panic into an error so a
// bad handler cannot take down the dispatch loop.
func (c *Client) decide(req ToolRequest) (d ToolDecision, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent: tool handler panic: %v", r)
		}
	}()
	if c.onTool == nil {
		return AllowDecision(req), nil
	}
	return c.onTool(req)
}
