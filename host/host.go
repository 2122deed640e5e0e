// Package host drives module units through their lifecycle.
//
// Start discovers and orders the units, runs PreEnable, connects the
// gateway, builds the shared Environment and runs OnEnable. Stop runs
// OnDisable, shuts the gateway down and runs PostDisable. A failing unit is
// marked failed and dropped from later phases; the others carry on.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"

	"modbot/bus"
	"modbot/command"
	"modbot/gateway"
	"modbot/internal/config"
	"modbot/loader"
	"modbot/module"
	"modbot/resolver"
)

// Version of the host, overridden at link time
var Version = "dev"

// ErrStartup wraps every error that aborts Start
var ErrStartup = errors.New("startup failed")

// ErrNotConnected is returned when announcing before the gateway is up
var ErrNotConnected = errors.New("gateway not connected")

// CredentialPrompt obtains a replacement credential after the gateway
// rejected the current one
type CredentialPrompt func(ctx context.Context) (string, error)

// Host runs the module lifecycle
type Host struct {
	mu       sync.RWMutex
	cfg      *config.Config
	builder  gateway.Builder
	loader   *loader.Loader
	bus      *bus.Broker
	prompt   CredentialPrompt
	version  string
	logger   *slog.Logger
	base     *slog.Logger
	units    []*Unit
	excluded []*Unit
	client   clientRef
	registry *command.Registry
	env      *module.Environment
	started  bool
	stopped  bool

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the base logger; module loggers derive from it
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) {
		if logger != nil {
			h.base = logger
		}
	}
}

// WithLoader replaces the loader built from the configuration
func WithLoader(l *loader.Loader) Option {
	return func(h *Host) {
		h.loader = l
	}
}

// WithCredentialPrompt enables re-prompting when the gateway rejects the token
func WithCredentialPrompt(p CredentialPrompt) Option {
	return func(h *Host) {
		h.prompt = p
	}
}

// WithBus replaces the message broker
func WithBus(b *bus.Broker) Option {
	return func(h *Host) {
		h.bus = b
	}
}

// WithVersion overrides the reported host version
func WithVersion(v string) Option {
	return func(h *Host) {
		h.version = v
	}
}

// New creates a host. The builder is configured by modules during
// PreEnable and built once they are done.
func New(cfg *config.Config, builder gateway.Builder, opts ...Option) *Host {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	h := &Host{
		cfg:        cfg,
		builder:    builder,
		version:    Version,
		base:       slog.Default(),
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}

	h.logger = h.base.With("component", "host")
	if h.loader == nil {
		h.loader = loader.New(cfg.Modules.Dir, loader.WithLogger(h.base))
	}
	if h.bus == nil {
		h.bus = bus.NewBroker(h.base)
		h.bus.SetPublishTimeout(cfg.PublishTimeoutDuration())
	}
	return h
}

// Start brings every unit up to Enabled, or as far as it gets
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return fmt.Errorf("host already started")
	}
	h.started = true
	h.mu.Unlock()

	h.logger.Info("starting host", "version", h.version, "modules_dir", h.loader.Dir())

	res, err := h.loader.Discover(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	graph, excluded := h.checkDependencies(ctx, res.Graph)

	order, err := resolver.Resolve(graph, func(name string) module.Priority {
		l, _ := res.Get(name)
		return l.Descriptor.Priority
	})
	if err != nil {
		h.logger.Error("cannot order modules", "err", err)
		return fmt.Errorf("%w: %w", ErrStartup, err)
	}

	units := make([]*Unit, 0, len(order))
	for _, name := range order {
		l, _ := res.Get(name)
		units = append(units, newUnit(l.Descriptor, l.Module, l.Source, h.base.With("module", name)))
	}
	for _, name := range excluded {
		l, _ := res.Get(name)
		u := newUnit(l.Descriptor, l.Module, l.Source, h.base.With("module", name))
		u.fail(PhaseResolve, errors.New("unresolved dependencies"))
		h.excluded = append(h.excluded, u)
	}

	h.mu.Lock()
	h.units = units
	h.mu.Unlock()

	h.logger.Info("resolved module order", "order", order)

	h.preEnable(ctx, units)

	// The registry listens from the builder so scopes seen while the
	// connection comes up are not missed.
	registry := command.NewRegistry(&h.client,
		command.WithLogger(h.base),
		command.WithChangeHook(func(ctx context.Context, commands []gateway.Command) {
			h.publish(ctx, bus.TopicCommandUpdated, commands)
		}))
	h.builder.AddEventListener(registry)

	client, err := h.connect(ctx)
	if err != nil {
		h.logger.Error("gateway failed to start", "err", err)
		return h.abortStart(ctx, nil, units, err)
	}
	h.client.set(client)

	if err := command.RegisterBuiltins(ctx, registry); err != nil {
		h.logger.Error("failed to register builtin commands", "err", err)
		return h.abortStart(ctx, client, units, err)
	}

	env := &module.Environment{
		Gateway:  client,
		Commands: registry,
		Host:     h,
		Bus:      h.bus,
		Logger:   h.base,
	}

	h.mu.Lock()
	h.registry = registry
	h.env = env
	h.mu.Unlock()

	h.onEnable(ctx, units, env)

	active := h.Modules()
	h.publish(ctx, bus.TopicReady, active)
	h.logger.Info("host started", "active", len(active), "failed", len(units)-len(active))
	return nil
}

// abortStart undoes a partial start: the gateway is closed and units that
// passed PreEnable get PostDisable
func (h *Host) abortStart(ctx context.Context, client gateway.Client, units []*Unit, cause error) error {
	ctx = context.WithoutCancel(ctx)
	errs := []error{cause}
	if client != nil {
		h.client.set(nil)
		if err := client.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	h.postDisable(ctx, units)
	return fmt.Errorf("%w: %w", ErrStartup, errors.Join(errs...))
}

// checkDependencies reports unresolved dependencies. In strict mode the
// modules missing one are excluded, and so, transitively, are their
// dependents.
func (h *Host) checkDependencies(ctx context.Context, graph resolver.Graph) (resolver.Graph, []string) {
	missing := graph.Unresolved()
	if len(missing) == 0 {
		return graph, nil
	}

	if !h.cfg.Modules.StrictDependencies {
		for _, name := range graph.Names() {
			if deps, ok := missing[name]; ok {
				h.logger.Warn("unresolved dependencies, assuming external", "module", name, "missing", deps)
			}
		}
		return graph, nil
	}

	var excluded []string
	present := func(name string) bool {
		_, ok := graph[name]
		return ok && !slices.Contains(excluded, name)
	}

	for changed := true; changed; {
		changed = false
		for _, name := range graph.Names() {
			if slices.Contains(excluded, name) {
				continue
			}
			checker := module.NewRequirementChecker(name, h.base)
			for _, dep := range graph[name] {
				checker.AddRequired("dependency "+dep, "module "+dep+" is loaded", module.RequireModule(dep, present))
			}
			if err := checker.Check(ctx); err != nil {
				h.logger.Error("excluding module", "module", name, "err", err)
				excluded = append(excluded, name)
				changed = true
			}
		}
	}

	return graph.Without(excluded...), excluded
}

func (h *Host) preEnable(ctx context.Context, units []*Unit) {
	for _, u := range units {
		cfg, err := module.OpenConfig(filepath.Join(h.cfg.Modules.DataDir, u.Name()))
		if err != nil {
			h.failUnit(ctx, u, PhasePreEnable, err)
			continue
		}
		u.Config = cfg

		penv := &module.PrimitiveEnvironment{
			Builder: h.builder,
			Host:    h,
			Logger:  u.logger,
			Config:  cfg,
		}
		if err := u.run(ctx, PhasePreEnable, func(ctx context.Context) error {
			return u.Module.PreEnable(ctx, penv)
		}); err != nil {
			h.failUnit(ctx, u, PhasePreEnable, err)
			continue
		}
		u.set(StatePreEnabled)
	}
}

func (h *Host) onEnable(ctx context.Context, units []*Unit, env *module.Environment) {
	for _, u := range units {
		if u.State() != StatePreEnabled {
			continue
		}

		menv := env.WithModule(u.logger, u.Config)
		if err := u.run(ctx, PhaseOnEnable, func(ctx context.Context) error {
			return u.Module.OnEnable(ctx, menv)
		}); err != nil {
			h.failUnit(ctx, u, PhaseOnEnable, err)
			continue
		}
		u.set(StateEnabled)
		h.logger.Info("module enabled", "module", u.Name(), "version", u.Descriptor.Version)
		h.publish(ctx, bus.TopicModuleEnabled, u.Descriptor)
	}
}

// connect builds the gateway client, asking for a new credential when the
// current one is rejected
func (h *Host) connect(ctx context.Context) (gateway.Client, error) {
	h.builder.AddFeatures(h.cfg.Features...)

	for attempt := 0; ; attempt++ {
		client, err := h.builder.Build(ctx)
		if err == nil {
			h.logger.Info("gateway connected", "features", h.builder.Features())
			return client, nil
		}
		if !errors.Is(err, gateway.ErrInvalidCredential) || h.prompt == nil || attempt >= h.cfg.CredentialRetries {
			return nil, err
		}

		h.logger.Warn("gateway rejected the credential, waiting for a new one",
			"attempt", attempt+1,
			"retries", h.cfg.CredentialRetries)
		credential, err := h.prompt(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential prompt: %w", err)
		}
		h.builder.SetCredential(credential)
	}
}

// Stop disables every unit and closes the gateway. Calling it again, or
// before Start, does nothing.
func (h *Host) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	units := slices.Clone(h.units)
	client := h.client.get()
	h.mu.Unlock()

	h.logger.Info("stopping host")
	h.publish(ctx, bus.TopicShuttingDown, nil)

	if h.cfg.Modules.ReverseShutdown {
		slices.Reverse(units)
	}

	for _, u := range units {
		if u.State() != StateEnabled {
			continue
		}
		if err := u.run(ctx, PhaseOnDisable, u.Module.OnDisable); err != nil {
			h.failUnit(ctx, u, PhaseOnDisable, err)
			continue
		}
		u.set(StateDisabled)
	}

	var errs []error
	if client != nil {
		if err := client.Shutdown(ctx); err != nil {
			h.logger.Error("gateway shutdown failed", "err", err)
			errs = append(errs, err)
		}
	}

	h.postDisable(ctx, units)

	h.bus.Close()
	h.shutdownOnce.Do(func() { close(h.shutdownCh) })

	h.logger.Info("host stopped")
	return errors.Join(errs...)
}

func (h *Host) postDisable(ctx context.Context, units []*Unit) {
	for _, u := range units {
		if !u.passedPreEnable() || u.State() == StatePostDisabled {
			continue
		}
		if err := u.run(ctx, PhasePostDisable, u.Module.PostDisable); err != nil {
			h.failUnit(ctx, u, PhasePostDisable, err)
			continue
		}
		u.set(StatePostDisabled)
	}
}

func (h *Host) failUnit(ctx context.Context, u *Unit, phase Phase, err error) {
	u.fail(phase, err)
	h.logger.Error("module failed", "module", u.Name(), "phase", phase, "err", err)
	h.publish(ctx, bus.TopicModuleFailed, u.Descriptor)
}

func (h *Host) publish(ctx context.Context, topic string, payload any) {
	err := h.bus.Publish(ctx, bus.Message{Topic: topic, Payload: payload, Source: "host"})
	if err != nil && !errors.Is(err, bus.ErrClosed) {
		h.logger.Warn("failed to publish", "topic", topic, "err", err)
	}
}

// Run starts the host and blocks until ctx is done or a shutdown is
// requested, then stops it within the configured timeout
func (h *Host) Run(ctx context.Context) error {
	if err := h.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		h.logger.Info("shutdown signal received")
	case <-h.shutdownCh:
		h.logger.Info("shutdown requested")
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.ShutdownTimeoutDuration())
	defer cancel()
	return h.Stop(stopCtx)
}

// RequestShutdown asks Run to stop the host
func (h *Host) RequestShutdown() {
	h.shutdownOnce.Do(func() { close(h.shutdownCh) })
}

// Done is closed once a shutdown was requested or the host stopped
func (h *Host) Done() <-chan struct{} {
	return h.shutdownCh
}

// Version returns the host version
func (h *Host) Version() string {
	return h.version
}

// Lookup returns an active module by name
func (h *Host) Lookup(name string) (module.Module, bool) {
	u, ok := h.Unit(name)
	if !ok || !u.Active() {
		return nil, false
	}
	return u.Module, true
}

// Modules returns the descriptors of the active units in resolved order
func (h *Host) Modules() []module.Descriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []module.Descriptor
	for _, u := range h.units {
		if u.Active() {
			out = append(out, u.Descriptor)
		}
	}
	return out
}

// Units returns every unit in resolved order, followed by the units
// excluded before ordering
func (h *Host) Units() []*Unit {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Unit, 0, len(h.units)+len(h.excluded))
	out = append(out, h.units...)
	return append(out, h.excluded...)
}

// Unit returns the unit named name
func (h *Host) Unit(name string) (*Unit, bool) {
	for _, u := range h.Units() {
		if u.Name() == name {
			return u, true
		}
	}
	return nil, false
}

// Registry returns the command registry, nil before the gateway is up
func (h *Host) Registry() *command.Registry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry
}

// Environment returns the shared environment, nil before the gateway is up
func (h *Host) Environment() *module.Environment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.env
}

// Bus returns the message broker
func (h *Host) Bus() *bus.Broker {
	return h.bus
}

// clientRef lets the registry announce through a client that does not
// exist yet
type clientRef struct {
	mu     sync.RWMutex
	client gateway.Client
}

func (r *clientRef) set(c gateway.Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.client = c
}

func (r *clientRef) get() gateway.Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.client
}

func (r *clientRef) SetCommands(ctx context.Context, scope gateway.Scope, commands []gateway.Command) error {
	c := r.get()
	if c == nil {
		return ErrNotConnected
	}
	return c.SetCommands(ctx, scope, commands)
}
