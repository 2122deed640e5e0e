// Package websocket implements the gateway as a WebSocket server. Every
// connection is its own scope.
package websocket

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"modbot/gateway"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// DefaultAddr is the listen address used when none is configured
	DefaultAddr = ":8080"

	writeWait    = 10 * time.Second
	maxFrameSize = 64 << 10
)

// Frame types
const (
	FrameHello    = "hello"
	FrameCommands = "commands"
	FrameCommand  = "command"
	FrameMessage  = "message"
	FrameReply    = "reply"
	FrameError    = "error"
)

// ErrUnknownScope is returned when a scope has no open connection
var ErrUnknownScope = errors.New("no connection for scope")

// Frame is the JSON envelope exchanged with clients
type Frame struct {
	Type     string            `json:"type"`
	ID       string            `json:"id,omitempty"`
	Scope    string            `json:"scope,omitempty"`
	User     string            `json:"user,omitempty"`
	Command  string            `json:"command,omitempty"`
	Args     []string          `json:"args,omitempty"`
	Text     string            `json:"text,omitempty"`
	Features []string          `json:"features,omitempty"`
	Commands []gateway.Command `json:"commands,omitempty"`
}

// Builder configures the WebSocket server
type Builder struct {
	mu             sync.Mutex
	token          string
	addr           string
	allowedOrigins []string
	features       gateway.Features
	listeners      gateway.Listeners
	logger         *slog.Logger
}

// Option configures a Builder
type Option func(*Builder)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithAddr sets the listen address
func WithAddr(addr string) Option {
	return func(b *Builder) {
		if addr != "" {
			b.addr = addr
		}
	}
}

// WithAllowedOrigins restricts browser origins. Without it the same-host
// check of the upgrader applies.
func WithAllowedOrigins(origins ...string) Option {
	return func(b *Builder) {
		b.allowedOrigins = append(b.allowedOrigins, origins...)
	}
}

// NewBuilder creates a builder. A non-empty token must be presented by
// clients as a bearer token.
func NewBuilder(token string, opts ...Option) *Builder {
	b := &Builder{
		token:  token,
		addr:   DefaultAddr,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "websocket")
	return b
}

// AddFeatures records features, which are advertised to clients on connect
func (b *Builder) AddFeatures(features ...string) { b.features.Add(features...) }

// Features returns the declared features
func (b *Builder) Features() []string { return b.features.List() }

// AddEventListener registers a listener on every client built afterwards
func (b *Builder) AddEventListener(l gateway.Listener) { b.listeners.Add(l) }

// SetCredential replaces the bearer token
func (b *Builder) SetCredential(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.token = strings.TrimSpace(token)
}

func (b *Builder) credential() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.token
}

// Build binds the listen address and starts serving
func (b *Builder) Build(ctx context.Context) (gateway.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", b.addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", b.addr, err)
	}

	c := newClient(b.credential(), b.Features(), b.allowedOrigins, b.logger)
	c.listeners.Add(gateway.ListenerFunc(b.listeners.Emit))
	c.serve(ln)
	return c, nil
}

// Client is a running WebSocket server
type Client struct {
	token     string
	features  []string
	logger    *slog.Logger
	listeners gateway.Listeners
	upgrader  websocket.Upgrader
	handler   http.Handler

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool
	wg     sync.WaitGroup

	server   *http.Server
	listener net.Listener
}

func newClient(token string, features, origins []string, logger *slog.Logger) *Client {
	c := &Client{
		token:    token,
		features: features,
		logger:   logger,
		conns:    make(map[string]*conn),
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	if len(origins) > 0 {
		c.upgrader.CheckOrigin = func(r *http.Request) bool {
			return slices.Contains(origins, r.Header.Get("Origin"))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", c.handleWebSocket)
	mux.HandleFunc("GET /healthz", c.handleHealth)
	mux.HandleFunc("POST /api/command", c.handleCommand)
	c.handler = mux
	return c
}

func (c *Client) serve(ln net.Listener) {
	c.listener = ln
	c.server = &http.Server{
		Handler:           c.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		c.logger.Info("listening", "addr", ln.Addr().String())
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("server error", "err", err)
		}
	}()
}

// Addr returns the bound address
func (c *Client) Addr() string {
	if c.listener == nil {
		return ""
	}
	return c.listener.Addr().String()
}

// Handler returns the HTTP handler serving /ws, /healthz and /api/command
func (c *Client) Handler() http.Handler { return c.handler }

// AddEventListener registers a listener for inbound events
func (c *Client) AddEventListener(l gateway.Listener) { c.listeners.Add(l) }

// SetCommands sends the full command set to one connection
func (c *Client) SetCommands(_ context.Context, scope gateway.Scope, commands []gateway.Command) error {
	cn, err := c.conn(scope)
	if err != nil {
		return err
	}
	if commands == nil {
		commands = []gateway.Command{}
	}
	return cn.write(Frame{Type: FrameCommands, Scope: scope.ID, Commands: commands})
}

// Send pushes a message frame to one connection
func (c *Client) Send(_ context.Context, scope gateway.Scope, text string) error {
	cn, err := c.conn(scope)
	if err != nil {
		return err
	}
	return cn.write(Frame{Type: FrameMessage, Scope: scope.ID, Text: text})
}

// Connections returns the number of open connections
func (c *Client) Connections() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.conns)
}

// Shutdown stops accepting connections, closes the open ones and waits for
// their readers to exit
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	conns := make([]*conn, 0, len(c.conns))
	for _, cn := range c.conns {
		conns = append(conns, cn)
	}
	c.mu.Unlock()

	c.cancel()

	var errs []error
	if c.server != nil {
		if err := c.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shut down server: %w", err))
		}
	}

	// hijacked connections are not closed by server shutdown
	for _, cn := range conns {
		cn.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("connections did not close: %w", ctx.Err()))
	}

	c.logger.Info("stopped")
	return errors.Join(errs...)
}

func (c *Client) conn(scope gateway.Scope) (*conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cn, ok := c.conns[scope.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope.ID)
	}
	return cn, nil
}

func (c *Client) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": c.Connections(),
	})
}

func (c *Client) authorized(r *http.Request) bool {
	if c.token == "" {
		return true
	}
	presented, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		presented = r.URL.Query().Get("token")
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(c.token)) == 1
}

func (c *Client) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !c.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameSize)

	name := r.URL.Query().Get("name")
	if name == "" {
		name = r.RemoteAddr
	}
	cn := &conn{ws: ws, scope: gateway.Scope{ID: uuid.NewString(), Name: name}}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cn.close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	c.conns[cn.scope.ID] = cn
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()

	c.logger.Info("client connected", "scope", cn.scope.String())

	if err := cn.write(Frame{Type: FrameHello, Scope: cn.scope.ID, Features: c.features}); err != nil {
		c.logger.Warn("failed to greet client", "scope", cn.scope.ID, "err", err)
	}

	c.listeners.Emit(c.ctx, gateway.Event{Type: gateway.EventScopeJoined, Scope: cn.scope})
	c.readLoop(cn)

	c.mu.Lock()
	delete(c.conns, cn.scope.ID)
	c.mu.Unlock()
	cn.close(websocket.CloseNormalClosure, "")

	c.listeners.Emit(c.ctx, gateway.Event{Type: gateway.EventScopeLeft, Scope: cn.scope})
	c.logger.Info("client disconnected", "scope", cn.scope.String())
}

// readLoop delivers inbound frames until the connection fails or closes.
// Listeners run on this goroutine.
func (c *Client) readLoop(cn *conn) {
	for {
		var f Frame
		if err := cn.ws.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read error", "scope", cn.scope.ID, "err", err)
			}
			return
		}

		switch f.Type {
		case FrameCommand:
			if f.Command == "" {
				c.reject(cn, f, "command frame without command")
				continue
			}
			c.invoke(cn, f, strings.TrimPrefix(f.Command, "/"), f.Args)

		case FrameMessage:
			if !gateway.IsCommand(f.Text) {
				c.logger.Debug("ignoring plain message", "scope", cn.scope.ID)
				continue
			}
			name, args, ok := gateway.ParseCommand(f.Text)
			if !ok {
				c.reject(cn, f, "empty command")
				continue
			}
			c.invoke(cn, f, name, args)

		default:
			c.reject(cn, f, fmt.Sprintf("unknown frame type: %q", f.Type))
		}
	}
}

func (c *Client) invoke(cn *conn, f Frame, name string, args []string) {
	user := f.User
	if user == "" {
		user = cn.scope.Name
	}

	inv := &gateway.Invocation{
		ID:      f.ID,
		Command: name,
		Args:    args,
		Scope:   cn.scope,
		User:    user,
	}
	inv.Responder = gateway.ResponderFunc(func(_ context.Context, text string) error {
		return cn.write(Frame{Type: FrameReply, ID: inv.ID, Scope: cn.scope.ID, Command: name, Text: text})
	})

	c.listeners.Emit(c.ctx, gateway.Event{Type: gateway.EventCommand, Scope: cn.scope, Invocation: inv})
}

func (c *Client) reject(cn *conn, f Frame, reason string) {
	if err := cn.write(Frame{Type: FrameError, ID: f.ID, Scope: cn.scope.ID, Text: reason}); err != nil {
		c.logger.Warn("write error", "scope", cn.scope.ID, "err", err)
	}
}

// conn serialises writes; gorilla connections allow one concurrent writer
type conn struct {
	ws    *websocket.Conn
	scope gateway.Scope

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (cn *conn) write(f Frame) error {
	cn.writeMu.Lock()
	defer cn.writeMu.Unlock()

	_ = cn.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := cn.ws.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", f.Type, err)
	}
	return nil
}

func (cn *conn) close(code int, reason string) {
	cn.closeOnce.Do(func() {
		cn.writeMu.Lock()
		_ = cn.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		cn.writeMu.Unlock()
		_ = cn.ws.Close()
	})
}
