// Package ping is the built-in example module. Importing it registers the
// module with the host.
package ping

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"

	"modbot/command"
	"modbot/gateway"
	"modbot/module"
)

// Descriptor describes the built-in ping module
var Descriptor = module.Descriptor{
	Name:        "ping",
	Version:     "1.0.0",
	Description: "Answers /ping so operators can check the bot is alive",
	Authors:     []string{"modbot"},
	Priority:    module.High,
}

// Command is the descriptor announced for /ping
var Command = gateway.Command{
	Name:        "ping",
	Description: "Check that the bot is responding",
	Usage:       "[text]",
	Options: []gateway.Option{
		{Name: "text", Description: "Echoed back after the reply"},
	},
}

// DefaultReply is used when the module config has no reply key
const DefaultReply = "pong"

func init() {
	module.RegisterBuiltin(Descriptor, func() (module.Module, error) {
		return New(), nil
	})
}

// Module replies to /ping
type Module struct {
	module.Base

	logger *slog.Logger
	reply  string
	calls  atomic.Int64
}

// New creates the module
func New() *Module {
	return &Module{reply: DefaultReply}
}

func (m *Module) PreEnable(_ context.Context, env *module.PrimitiveEnvironment) error {
	m.logger = env.Logger

	// commands arrive as messages on every gateway
	env.Builder.AddFeatures("message")

	env.Config.SetDefault("reply", DefaultReply)
	if reply, ok := env.Config.GetString("reply"); ok && reply != "" {
		m.reply = reply
	}
	return env.Config.Save()
}

func (m *Module) OnEnable(ctx context.Context, env *module.Environment) error {
	return env.RegisterCommand(ctx, Command, command.HandlerFunc(m.handle))
}

func (m *Module) OnDisable(context.Context) error {
	if m.logger != nil {
		m.logger.Info("ping answered", "calls", m.calls.Load())
	}
	return nil
}

// Calls returns how many pings were answered
func (m *Module) Calls() int64 {
	return m.calls.Load()
}

func (m *Module) handle(ctx context.Context, inv *gateway.Invocation) error {
	m.calls.Add(1)

	text := m.reply
	if len(inv.Args) > 0 {
		text += " " + strings.Join(inv.Args, " ")
	}
	return inv.Reply(ctx, text)
}
