package command

import (
	"context"
	"fmt"
	"strings"

	"modbot/gateway"
)

// HelpCommand is the descriptor of the built-in help command
var HelpCommand = gateway.Command{
	Name:        "help",
	Description: "Show available commands or help for a specific command",
	Usage:       "[command]",
	Options: []gateway.Option{
		{Name: "command", Description: "Command to describe"},
	},
}

// RegisterBuiltins registers the commands every host exposes. It fails when
// ctx is already done.
func RegisterBuiltins(ctx context.Context, r *Registry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.Register(ctx, HelpCommand, HandlerFunc(func(ctx context.Context, inv *gateway.Invocation) error {
		if len(inv.Args) > 0 {
			name := strings.TrimPrefix(inv.Args[0], "/")
			cmd, ok := r.Lookup(name)
			if !ok {
				return inv.Reply(ctx, fmt.Sprintf("Unknown command: /%s", name))
			}
			return inv.Reply(ctx, CommandHelp(cmd))
		}
		return inv.Reply(ctx, Help(r.Commands()))
	}))
}

// Help returns help text for a command set
func Help(commands []gateway.Command) string {
	if len(commands) == 0 {
		return "No commands available."
	}

	var sb strings.Builder
	sb.WriteString("Available commands:\n\n")

	for _, cmd := range commands {
		sb.WriteString("/" + cmd.Name)
		if cmd.Usage != "" {
			sb.WriteString(" " + cmd.Usage)
		}
		sb.WriteString("\n")

		if cmd.Description != "" {
			sb.WriteString("  " + cmd.Description + "\n")
		}
	}

	return sb.String()
}

// CommandHelp returns help text for a specific command
func CommandHelp(cmd gateway.Command) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Command: /%s\n", cmd.Name))

	if cmd.Description != "" {
		sb.WriteString("\n" + cmd.Description + "\n")
	}
	if cmd.Usage != "" {
		sb.WriteString(fmt.Sprintf("\nUsage: /%s %s\n", cmd.Name, cmd.Usage))
	}
	if len(cmd.Options) > 0 {
		sb.WriteString("\nOptions:\n")
		for _, opt := range cmd.Options {
			required := ""
			if opt.Required {
				required = " (required)"
			}
			sb.WriteString(fmt.Sprintf("  %s%s  %s\n", opt.Name, required, opt.Description))
		}
	}

	return sb.String()
}
