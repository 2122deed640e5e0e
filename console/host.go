package console

import (
	"context"
	"fmt"
	"strings"

	"modbot/command"
	"modbot/host"
)

// Host is what the console inspects on the running host
type Host interface {
	Units() []*host.Unit
	Registry() *command.Registry
	RequestShutdown()
}

// AttachHost adds the modules and commands listings and routes shutdown
// to the host
func (c *Console) AttachHost(h Host) {
	if c.stop == nil {
		c.stop = h.RequestShutdown
	}

	c.Register("modules", "List modules and their lifecycle state", func(context.Context, []string) error {
		units := h.Units()
		if len(units) == 0 {
			c.Info("No modules loaded.")
			return nil
		}

		var sb strings.Builder
		sb.WriteString(c.styles.title.Render(fmt.Sprintf("Modules (%d):", len(units))))
		for _, u := range units {
			state := u.State()
			style := c.styles.ok
			switch state {
			case host.StateFailed:
				style = c.styles.err
			case host.StateLoaded, host.StateDisabled, host.StatePostDisabled:
				style = c.styles.faint
			}

			fmt.Fprintf(&sb, "\n  %s %s  %s  [%s]", c.styles.command.Render(u.Name()), u.Descriptor.Version,
				style.Render(state.String()), u.Source)
			if err := u.Err(); err != nil {
				fmt.Fprintf(&sb, "\n    %s", c.styles.err.Render(fmt.Sprintf("%s: %v", u.FailedPhase(), err)))
			}
		}
		c.print(sb.String())
		return nil
	})

	c.Register("commands", "List commands announced to chats", func(context.Context, []string) error {
		registry := h.Registry()
		if registry == nil {
			c.Info("Gateway is not connected.")
			return nil
		}
		c.print(command.Help(registry.Commands()))
		return nil
	})
}
