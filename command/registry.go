// Package command implements the shared command table modules publish their
// invocable actions to, and the dispatcher that routes inbound invocations
// from the gateway to the registered handlers.
//
// The remote platform only accepts a full replacement of the command set per
// scope, so every change re-announces the whole set to every known scope.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"modbot/gateway"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ErrInvalidCommand is returned when registering a command without a name or handler
var ErrInvalidCommand = errors.New("invalid command")

// DefaultAnnounceConcurrency bounds concurrent per-scope announcements
const DefaultAnnounceConcurrency = 8

// Handler executes a command invocation
type Handler interface {
	Execute(ctx context.Context, inv *gateway.Invocation) error
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, inv *gateway.Invocation) error

// Execute calls f
func (f HandlerFunc) Execute(ctx context.Context, inv *gateway.Invocation) error {
	return f(ctx, inv)
}

// Announcer pushes a full command set to one scope
type Announcer interface {
	SetCommands(ctx context.Context, scope gateway.Scope, commands []gateway.Command) error
}

// AnnouncerFunc adapts a function to the Announcer interface
type AnnouncerFunc func(ctx context.Context, scope gateway.Scope, commands []gateway.Command) error

// SetCommands calls f
func (f AnnouncerFunc) SetCommands(ctx context.Context, scope gateway.Scope, commands []gateway.Command) error {
	return f(ctx, scope, commands)
}

type entry struct {
	command gateway.Command
	handler Handler
}

// Registry maps command identifiers to handlers and wire descriptors.
// It is safe for concurrent registration and dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	scopes  map[string]gateway.Scope

	// announceMu serialises announcements so a newer set is never
	// overwritten by an older one
	announceMu  sync.Mutex
	announcer   Announcer
	concurrency int
	onChange    func(ctx context.Context, commands []gateway.Command)
	logger      *slog.Logger
}

// Option configures a Registry
type Option func(*Registry)

// WithLogger sets the registry logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithAnnounceConcurrency bounds the number of scopes announced to at once
func WithAnnounceConcurrency(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithChangeHook is called with the new command set after every change
func WithChangeHook(fn func(ctx context.Context, commands []gateway.Command)) Option {
	return func(r *Registry) {
		r.onChange = fn
	}
}

// NewRegistry creates a registry announcing through announcer, which may be nil
func NewRegistry(announcer Announcer, opts ...Option) *Registry {
	r := &Registry{
		entries:     make(map[string]entry),
		scopes:      make(map[string]gateway.Scope),
		announcer:   announcer,
		concurrency: DefaultAnnounceConcurrency,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "commands")
	return r
}

// Register binds a command to a handler. Registering an existing identifier
// replaces both descriptor and handler. The full set is then announced to
// every known scope.
func (r *Registry) Register(ctx context.Context, cmd gateway.Command, h Handler) error {
	if cmd.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidCommand)
	}
	if h == nil {
		return fmt.Errorf("%w: %s has no handler", ErrInvalidCommand, cmd.Name)
	}
	cmd.Options = slices.Clone(cmd.Options)

	r.announceMu.Lock()

	r.mu.Lock()
	_, replaced := r.entries[cmd.Name]
	r.entries[cmd.Name] = entry{command: cmd, handler: h}
	commands := r.commandsLocked()
	scopes := r.scopesLocked()
	r.mu.Unlock()

	r.logger.Info("registered command", "command", cmd.Name, "replaced", replaced)
	r.announce(ctx, scopes, commands)
	r.announceMu.Unlock()

	r.notify(ctx, commands)
	return nil
}

// Unregister removes a command. It reports whether the command existed.
func (r *Registry) Unregister(ctx context.Context, name string) bool {
	r.announceMu.Lock()

	r.mu.Lock()
	_, exists := r.entries[name]
	if !exists {
		r.mu.Unlock()
		r.announceMu.Unlock()
		return false
	}
	delete(r.entries, name)
	commands := r.commandsLocked()
	scopes := r.scopesLocked()
	r.mu.Unlock()

	r.logger.Info("unregistered command", "command", name)
	r.announce(ctx, scopes, commands)
	r.announceMu.Unlock()

	r.notify(ctx, commands)
	return true
}

// Dispatch runs the handler bound to inv.Command on the calling goroutine.
// Unknown commands are ignored: the remote side may hold stale metadata.
// Handler errors and panics are logged, never propagated. It reports
// whether a handler ran.
func (r *Registry) Dispatch(ctx context.Context, inv *gateway.Invocation) bool {
	if inv == nil {
		return false
	}

	r.mu.RLock()
	e, ok := r.entries[inv.Command]
	r.mu.RUnlock()

	if !ok {
		r.logger.Debug("no handler for command", "command", inv.Command, "scope", inv.Scope.ID)
		return false
	}

	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}

	start := time.Now()
	if err := execute(ctx, e.handler, inv); err != nil {
		r.logger.Error("command failed",
			"command", inv.Command,
			"invocation", inv.ID,
			"scope", inv.Scope.ID,
			"user", inv.User,
			"err", err)
		return true
	}

	r.logger.Debug("command executed",
		"command", inv.Command,
		"invocation", inv.ID,
		"duration", time.Since(start))
	return true
}

func execute(ctx context.Context, h Handler, inv *gateway.Invocation) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.Execute(ctx, inv)
}

// OnEvent implements gateway.Listener
func (r *Registry) OnEvent(ctx context.Context, ev gateway.Event) {
	switch ev.Type {
	case gateway.EventCommand:
		r.Dispatch(ctx, ev.Invocation)
	case gateway.EventScopeJoined:
		r.JoinScope(ctx, ev.Scope)
	case gateway.EventScopeLeft:
		r.LeaveScope(ev.Scope)
	}
}

// JoinScope remembers a scope and announces the current set to it once
func (r *Registry) JoinScope(ctx context.Context, scope gateway.Scope) {
	r.announceMu.Lock()
	defer r.announceMu.Unlock()

	r.mu.Lock()
	_, known := r.scopes[scope.ID]
	r.scopes[scope.ID] = scope
	commands := r.commandsLocked()
	r.mu.Unlock()

	if known {
		return
	}

	r.logger.Info("scope joined", "scope", scope.String(), "commands", len(commands))
	r.announce(ctx, []gateway.Scope{scope}, commands)
}

// LeaveScope forgets a scope
func (r *Registry) LeaveScope(scope gateway.Scope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scopes[scope.ID]; ok {
		delete(r.scopes, scope.ID)
		r.logger.Info("scope left", "scope", scope.String())
	}
}

// Lookup returns the descriptor registered under name
func (r *Registry) Lookup(name string) (gateway.Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[name]
	return e.command, ok
}

// Commands returns all registered descriptors sorted by name
func (r *Registry) Commands() []gateway.Command {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commandsLocked()
}

// Scopes returns the known scopes sorted by id
func (r *Registry) Scopes() []gateway.Scope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.scopesLocked()
}

// Count returns the number of registered commands
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) commandsLocked() []gateway.Command {
	commands := make([]gateway.Command, 0, len(r.entries))
	for _, e := range r.entries {
		commands = append(commands, e.command)
	}
	sort.Slice(commands, func(i, j int) bool {
		return commands[i].Name < commands[j].Name
	})
	return commands
}

func (r *Registry) scopesLocked() []gateway.Scope {
	scopes := make([]gateway.Scope, 0, len(r.scopes))
	for _, s := range r.scopes {
		scopes = append(scopes, s)
	}
	sort.Slice(scopes, func(i, j int) bool {
		return scopes[i].ID < scopes[j].ID
	})
	return scopes
}

// notify runs the change hook. It must not be called with announceMu held:
// the hook may block.
func (r *Registry) notify(ctx context.Context, commands []gateway.Command) {
	if r.onChange != nil {
		r.onChange(ctx, commands)
	}
}

// announce pushes commands to every scope concurrently. Failures are logged
// per scope; one unreachable scope does not stop the others.
func (r *Registry) announce(ctx context.Context, scopes []gateway.Scope, commands []gateway.Command) {
	if r.announcer == nil || len(scopes) == 0 {
		return
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)

	for _, scope := range scopes {
		g.Go(func() error {
			if err := r.announcer.SetCommands(ctx, scope, commands); err != nil {
				r.logger.Warn("failed to announce commands", "scope", scope.String(), "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r.logger.Debug("announced commands", "scopes", len(scopes), "commands", len(commands))
}
