package module

import (
	"context"
	"log/slog"

	"modbot/bus"
	"modbot/command"
	"modbot/gateway"
)

// Host is the handle modules get on the process hosting them
type Host interface {
	// Version returns the host version
	Version() string

	// Lookup returns another active module by name
	Lookup(name string) (Module, bool)

	// Modules returns the descriptors of all active modules in resolved order
	Modules() []Descriptor

	// RequestShutdown asks the host to begin an orderly shutdown
	RequestShutdown()
}

// CommandRegistrar is the part of the command registry exposed to modules
type CommandRegistrar interface {
	Register(ctx context.Context, cmd gateway.Command, h command.Handler) error
	Unregister(ctx context.Context, name string) bool
	Commands() []gateway.Command
}

// MessageBroker is the inter-module pub/sub exposed to modules
type MessageBroker interface {
	Subscribe(id string, bufSize int, topics ...string) <-chan bus.Message
	Publish(ctx context.Context, msg bus.Message) error
	Unsubscribe(id string)
}

// PrimitiveEnvironment is what a module sees before the gateway connects
type PrimitiveEnvironment struct {
	// Builder configures the not yet started gateway client
	Builder gateway.Builder

	// Host is the hosting process
	Host Host

	// Logger is named after the module
	Logger *slog.Logger

	// Config is the module's private configuration
	Config *Config
}

// Environment holds the live resources available once the gateway is up.
// It is created once per process and never changes afterwards.
type Environment struct {
	Gateway  gateway.Client
	Commands CommandRegistrar
	Host     Host
	Bus      MessageBroker
	Logger   *slog.Logger
	Config   *Config
}

// WithModule returns a copy of the environment carrying a module's own
// logger and configuration
func (e *Environment) WithModule(logger *slog.Logger, cfg *Config) *Environment {
	cp := *e
	cp.Logger = logger
	cp.Config = cfg
	return &cp
}

// RegisterCommand is a shorthand for env.Commands.Register
func (e *Environment) RegisterCommand(ctx context.Context, cmd gateway.Command, h command.Handler) error {
	return e.Commands.Register(ctx, cmd, h)
}

// AddEventListener attaches a listener to the live gateway
func (e *Environment) AddEventListener(l gateway.Listener) {
	e.Gateway.AddEventListener(l)
}
