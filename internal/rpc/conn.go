package rpc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/taskloop/taskloop/internal/debug"
	"github.com/taskloop/taskloop/internal/eventq"
)

// DefaultCallTimeout bounds calls without a per-method override.
// Package var so tests can compress time.
var DefaultCallTimeout = 30 * time.Second

// methodTimeouts widens the allowance for operations that legitimately
// run long. Caller-supplied options win over these.
var methodTimeouts = map[string]time.Duration{
	"session/prompt": 5 * time.Minute,
	"session/load":   5 * time.Minute,
}

const (
	scannerInitialBuffer = 64 * 1024
	scannerMaxBuffer     = 1024 * 1024

	inboundBuffer = 64

	// idleWait is the deadline watchdog's sleep when nothing is pending.
	idleWait = time.Hour
)

// Incoming is one inbound request or notification from the peer,
// delivered on the Inbound channel. ID is nil for notifications;
// requests must eventually be answered with Respond or RespondError.
type Incoming struct {
	ID     json.RawMessage
	Method string
	Params json.RawMessage
}

type callOutcome struct {
	result json.RawMessage
	err    error
}

// pendingCall tracks one outstanding request. The deadline is absolute
// and re-armed to started-duration semantics on keepalive traffic; the
// outcome channel is buffered so the single settle fires without a
// waiting receiver.
type pendingCall struct {
	id       int64
	method   string
	timeout  time.Duration
	deadline time.Time
	started  time.Time
	quiet    bool
	outcome  chan callOutcome
}

// Conn is one JSON-RPC endpoint over a process's pipes. A single
// receive loop parses inbound lines; responses and errors settle their
// own pending call, requests and notifications re-arm every pending
// deadline (proof the peer is alive) and flow out on Inbound.
type Conn struct {
	name string

	writeMu sync.Mutex
	enc     *json.Encoder
	wc      io.Closer
	rc      io.Closer

	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingCall
	closed  bool

	inbound chan Incoming
	recheck chan struct{}
	done    chan struct{}
}

// NewConn starts a connection reading peer output from r and writing to
// w. name labels debug output ("agent:claude"). The returned Conn owns
// both ends and closes them on Close.
func NewConn(r io.ReadCloser, w io.WriteCloser, name string) *Conn {
	c := &Conn{
		name:    name,
		enc:     json.NewEncoder(w),
		wc:      w,
		rc:      r,
		nextID:  1,
		pending: make(map[int64]*pendingCall),
		inbound: make(chan Incoming, inboundBuffer),
		recheck: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go c.readLoop(r)
	go c.deadlineLoop()
	return c
}

// CallOption adjusts a single outbound call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout time.Duration
	quiet   bool
}

// WithTimeout overrides the effective timeout for this call. It wins
// over both the per-method table and the global default.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) { o.timeout = d }
}

// ExpectMethodNotFound marks the call as an optional-capability probe:
// a remote -32601 answer is an expected outcome and is not logged as a
// diagnostic.
func ExpectMethodNotFound() CallOption {
	return func(o *callOptions) { o.quiet = true }
}

// Call sends a request and blocks until its response, its error, its
// deadline, or ctx settles it. Ids are allocated monotonically from 1
// and never reused; the pending entry is registered before the bytes
// are written so a fast peer cannot answer an unknown id.
func (c *Conn) Call(ctx context.Context, method string, params any, opts ...CallOption) (json.RawMessage, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	timeout := co.timeout
	if timeout <= 0 {
		if d, ok := methodTimeouts[method]; ok {
			timeout = d
		} else {
			timeout = DefaultCallTimeout
		}
	}

	now := time.Now()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.nextID
	c.nextID++
	p := &pendingCall{
		id:       id,
		method:   method,
		timeout:  timeout,
		deadline: now.Add(timeout),
		started:  now,
		quiet:    co.quiet,
		outcome:  make(chan callOutcome, 1),
	}
	c.pending[id] = p
	c.mu.Unlock()
	c.signalRecheck()

	if err := c.writeLine(outRequest{JSONRPC: ProtocolVersion, ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("rpc: send %s: %w", method, err)
	}
	debug.LogKV("rpc", "call sent", "conn", c.name, "id", id, "method", method, "timeout", timeout)

	select {
	case out := <-p.outcome:
		return out.result, out.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Notify sends a one-way notification with no bookkeeping.
func (c *Conn) Notify(method string, params any) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeLine(outNotification{JSONRPC: ProtocolVersion, Method: method, Params: params})
}

// Respond answers a request the peer sent us.
func (c *Conn) Respond(id json.RawMessage, result any) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeLine(outResponse{JSONRPC: ProtocolVersion, ID: id, Result: result})
}

// RespondError answers a peer request with an error. A nil id marshals
// as null, for errors not attributable to a specific request.
func (c *Conn) RespondError(id json.RawMessage, re *RemoteError) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.writeLine(outError{JSONRPC: ProtocolVersion, ID: id, Error: re})
}

// Inbound returns the stream of peer requests and notifications. The
// channel is closed when the receive loop ends.
func (c *Conn) Inbound() <-chan Incoming {
	return c.inbound
}

// Close is idempotent. Every still-pending call fails with ErrClosed,
// the pending table is cleared, and both pipe ends are closed;
// subsequent sends fail with ErrClosed.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	abandoned := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	close(c.done)
	for _, p := range abandoned {
		p.outcome <- callOutcome{err: ErrClosed}
	}
	c.wc.Close()
	c.rc.Close()
	debug.LogKV("rpc", "closed", "conn", c.name, "failed_pending", len(abandoned))
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) writeLine(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.isClosed() {
		return ErrClosed
	}
	return c.enc.Encode(v)
}

func (c *Conn) signalRecheck() {
	eventq.Offer(c.recheck, struct{}{})
}

// readLoop is the single flow of control for inbound bytes. Stream end
// (peer exit or our own Close) tears the connection down and closes
// Inbound after the final line is processed.
func (c *Conn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scannerInitialBuffer), scannerMaxBuffer)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		c.handleLine(line)
	}
	if err := scanner.Err(); err != nil && !c.isClosed() {
		debug.LogKV("rpc", "stream read error", "conn", c.name, "err", err)
	}
	c.Close()
	close(c.inbound)
}

// handleLine parses and dispatches exactly one wire line. A line that
// fails to parse is answered with -32700 and never tears down the
// stream; well-formed JSON matching no shape is answered with -32600.
func (c *Conn) handleLine(line []byte) {
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		debug.LogKV("rpc", "unparsable line", "conn", c.name, "len", len(line))
		c.RespondError(nil, &RemoteError{Code: CodeParseError, Message: "parse error"})
		return
	}
	if !msg.Valid() {
		c.RespondError(msg.ID, &RemoteError{Code: CodeInvalidRequest, Message: "invalid request"})
		return
	}

	switch {
	case msg.IsResponse():
		c.settle(msg.ID, msg.Result, nil)
	case msg.IsError():
		c.settle(msg.ID, nil, msg.Error)
	case msg.IsRequest(), msg.IsNotification():
		// Inbound traffic proves the peer is alive mid-operation:
		// re-arm every pending deadline before handing it off.
		c.keepalive()
		select {
		case c.inbound <- Incoming{ID: msg.ID, Method: msg.Method, Params: msg.Params}:
		case <-c.done:
		}
	}
}

// keepalive re-arms every pending call's deadline to its original
// duration measured from now. Responses and errors do not come through
// here; they settle their own id only.
func (c *Conn) keepalive() {
	now := time.Now()
	c.mu.Lock()
	n := len(c.pending)
	for _, p := range c.pending {
		p.deadline = now.Add(p.timeout)
	}
	c.mu.Unlock()
	if n > 0 {
		c.signalRecheck()
		debug.LogKV("rpc", "keepalive re-arm", "conn", c.name, "pending", n)
	}
}

// settle resolves the pending call matching a response or error id.
// Exactly one of settle/expire/Close fires per call: each removes the
// entry under the lock before delivering the buffered outcome.
func (c *Conn) settle(rawID, result json.RawMessage, remote *RemoteError) {
	id, ok := parseID(rawID)
	if !ok {
		if remote != nil {
			debug.LogKV("rpc", "unattributable remote error", "conn", c.name, "code", remote.Code, "message", remote.Message)
		}
		return
	}

	c.mu.Lock()
	p, found := c.pending[id]
	if found {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !found {
		debug.LogKV("rpc", "late or unknown id", "conn", c.name, "id", id)
		return
	}

	if remote != nil {
		if !(p.quiet && remote.Code == CodeMethodNotFound) {
			debug.LogKV("rpc", "call failed", "conn", c.name, "id", id, "method", p.method, "code", remote.Code)
		}
		p.outcome <- callOutcome{err: remote}
	} else {
		debug.LogKV("rpc", "call settled", "conn", c.name, "id", id, "method", p.method)
		p.outcome <- callOutcome{result: result}
	}
	c.signalRecheck()
}

// deadlineLoop is the shared clock for every pending call: one timer
// armed to the earliest absolute deadline, re-evaluated whenever the
// pending set or its deadlines change.
func (c *Conn) deadlineLoop() {
	timer := time.NewTimer(idleWait)
	defer timer.Stop()
	for {
		c.mu.Lock()
		wait := c.nextWaitLocked(time.Now())
		c.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-c.done:
			return
		case <-c.recheck:
		case <-timer.C:
			c.expireDue(time.Now())
		}
	}
}

func (c *Conn) nextWaitLocked(now time.Time) time.Duration {
	wait := idleWait
	for _, p := range c.pending {
		d := p.deadline.Sub(now)
		if d < 0 {
			d = 0
		}
		if d < wait {
			wait = d
		}
	}
	return wait
}

func (c *Conn) expireDue(now time.Time) {
	var due []*pendingCall
	c.mu.Lock()
	for id, p := range c.pending {
		if !p.deadline.After(now) {
			delete(c.pending, id)
			due = append(due, p)
		}
	}
	c.mu.Unlock()

	for _, p := range due {
		elapsed := now.Sub(p.started)
		debug.LogKV("rpc", "call timed out", "conn", c.name, "id", p.id, "method", p.method, "elapsed", elapsed)
		p.outcome <- callOutcome{err: &TimeoutError{ID: p.id, Method: p.method, Elapsed: elapsed}}
	}
}
