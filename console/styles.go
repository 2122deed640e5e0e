package console

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	accent  = lipgloss.Color("#77DD77")
	muted   = lipgloss.Color("240")
	warning = lipgloss.Color("214")
	danger  = lipgloss.Color("196")
)

type styles struct {
	title   lipgloss.Style
	command lipgloss.Style
	faint   lipgloss.Style
	info    lipgloss.Style
	warn    lipgloss.Style
	err     lipgloss.Style
	ok      lipgloss.Style
}

func newStyles(r *lipgloss.Renderer) styles {
	return styles{
		title:   r.NewStyle().Bold(true).Foreground(accent),
		command: r.NewStyle().Foreground(accent),
		faint:   r.NewStyle().Foreground(muted).Italic(true),
		info:    r.NewStyle(),
		warn:    r.NewStyle().Foreground(warning),
		err:     r.NewStyle().Foreground(danger).Bold(true),
		ok:      r.NewStyle().Foreground(accent),
	}
}

const logo = `  __  __           _ _           _
 |  \/  | ___   __| | |__   ___ | |_
 | |\/| |/ _ \ / _` + "`" + ` | '_ \ / _ \| __|
 | |  | | (_) | (_| | |_) | (_) | |_
 |_|  |_|\___/ \__,_|_.__/ \___/ \__|`

// Banner prints the title block with version and platform
func (c *Console) Banner(version string) {
	info := []string{
		"Version: " + version,
		fmt.Sprintf("Host: %s/%s", runtime.GOOS, runtime.GOARCH),
		"Go: " + runtime.Version(),
	}

	block := lipgloss.JoinHorizontal(lipgloss.Top,
		c.styles.title.Render(logo),
		"   ",
		c.styles.faint.Render(strings.Join(info, "\n")),
	)
	c.print(block + "\n\nWelcome to the " + c.styles.title.Render("modbot") + " console. Type 'help' to see available commands.\n")
}
