// Package console is the operator's line oriented command prompt. It reads
// stdin on its own goroutine and never runs on gateway workers.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
)

// ErrClosed is returned by WaitToken once input has ended
var ErrClosed = errors.New("console input closed")

// Handler runs a console command
type Handler func(ctx context.Context, args []string) error

// TokenStore persists a gateway credential
type TokenStore interface {
	SetToken(token string) error
}

type entry struct {
	description string
	handler     Handler
}

// Console dispatches typed lines to registered commands
type Console struct {
	in     io.Reader
	out    io.Writer
	logger *slog.Logger
	store  TokenStore
	stop   func()

	mu       sync.RWMutex
	commands map[string]entry

	writeMu sync.Mutex
	styles  styles

	// tokens hands settoken values to a pending WaitToken
	tokens chan string
	closed chan struct{}
	once   sync.Once
}

// Option configures a Console
type Option func(*Console)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Console) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithTokenStore sets where settoken persists the token
func WithTokenStore(s TokenStore) Option {
	return func(c *Console) {
		c.store = s
	}
}

// WithShutdown sets the function called by shutdown and stop
func WithShutdown(fn func()) Option {
	return func(c *Console) {
		c.stop = fn
	}
}

// New creates a console reading from in and writing to out
func New(in io.Reader, out io.Writer, opts ...Option) *Console {
	c := &Console{
		in:       in,
		out:      out,
		logger:   slog.Default(),
		commands: make(map[string]entry),
		styles:   newStyles(lipgloss.NewRenderer(out)),
		tokens:   make(chan string),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "console")
	c.registerDefaults()
	return c
}

// Register binds a command name. A later registration replaces an earlier one.
func (c *Console) Register(name, description string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.commands[name] = entry{description: description, handler: h}
}

// Commands returns the registered command names, sorted
func (c *Console) Commands() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.commands))
	for name := range c.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Dispatch runs one input line. It reports whether a command ran.
func (c *Console) Dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := strings.TrimPrefix(fields[0], "/"), fields[1:]

	c.mu.RLock()
	e, ok := c.commands[name]
	c.mu.RUnlock()

	if !ok {
		c.Warn("Unknown command: %s (type 'help')", name)
		return false
	}

	if err := run(ctx, e.handler, args); err != nil {
		c.Error("%s: %v", name, err)
		c.logger.Debug("console command failed", "command", name, "err", err)
	}
	return true
}

func run(ctx context.Context, h Handler, args []string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("command panic: %v", rec)
		}
	}()
	return h(ctx, args)
}

// Run reads lines until input ends or ctx is done. The read itself cannot be
// interrupted, so a reader blocked on stdin outlives a cancelled Run.
func (c *Console) Run(ctx context.Context) error {
	lines := make(chan string)
	go func() {
		defer c.once.Do(func() { close(c.closed) })
		scanner := bufio.NewScanner(c.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			c.logger.Warn("console input failed", "err", err)
		}
	}()

	c.logger.Info("console ready", "commands", len(c.Commands()))

	for {
		select {
		case line := <-lines:
			c.Dispatch(ctx, line)
		case <-c.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitToken blocks until settoken is typed. It serves as the host's
// credential prompt.
func (c *Console) WaitToken(ctx context.Context) (string, error) {
	c.Warn("The gateway rejected the token. Enter a new one with: settoken <token>")

	select {
	case token := <-c.tokens:
		return token, nil
	case <-c.closed:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Console) registerDefaults() {
	c.Register("help", "List console commands", func(context.Context, []string) error {
		c.mu.RLock()
		defer c.mu.RUnlock()

		names := make([]string, 0, len(c.commands))
		for name := range c.commands {
			names = append(names, name)
		}
		slices.Sort(names)

		var sb strings.Builder
		sb.WriteString(c.styles.title.Render("Available commands:"))
		for _, name := range names {
			fmt.Fprintf(&sb, "\n  %s  %s", c.styles.command.Render(name), c.styles.faint.Render(c.commands[name].description))
		}
		c.print(sb.String())
		return nil
	})

	c.Register("clear", "Clear the screen", func(context.Context, []string) error {
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		_, err := io.WriteString(c.out, "\033[H\033[2J")
		return err
	})

	shutdown := func(context.Context, []string) error {
		if c.stop == nil {
			return errors.New("shutdown is not available")
		}
		c.Info("Shutting down...")
		c.stop()
		return nil
	}
	c.Register("shutdown", "Stop the bot", shutdown)
	c.Register("stop", "Stop the bot", shutdown)

	c.Register("settoken", "Store a new gateway token", func(_ context.Context, args []string) error {
		if len(args) == 0 {
			c.Warn("No token provided. Usage: settoken <token>")
			return nil
		}
		token := args[0]

		if c.store != nil {
			if err := c.store.SetToken(token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}
		}

		select {
		case c.tokens <- token:
			c.Info("Token set, retrying connection")
		default:
			c.Info("Token saved, used on next start")
		}
		return nil
	})
}

// Info prints an informational line
func (c *Console) Info(format string, args ...any) {
	c.print(c.styles.info.Render(fmt.Sprintf(format, args...)))
}

// Warn prints a warning line
func (c *Console) Warn(format string, args ...any) {
	c.print(c.styles.warn.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error line
func (c *Console) Error(format string, args ...any) {
	c.print(c.styles.err.Render(fmt.Sprintf(format, args...)))
}

// Print writes text as is
func (c *Console) Print(text string) {
	c.print(text)
}

func (c *Console) print(text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	fmt.Fprintln(c.out, text)
}
