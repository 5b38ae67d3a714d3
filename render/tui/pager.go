// Package tui provides an optional interactive pager for browsing rendered
// traces, for use cases where piping text output to a terminal isn't
// enough. It is entirely separate from the publisher's default text output;
// nothing in canopy requires a terminal.
package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/bubbles/viewport"
	"github.com/charmbracelet/lipgloss"
)

var borderStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(lipgloss.Color("62")).
	Padding(0, 1)

// Pager is a scrollable full-screen viewport over one or more rendered
// traces, fed externally (e.g. by render.Text output) rather than
// maintaining its own render logic.
type Pager struct {
	viewport viewport.Model
	content  string
	width    int
	height   int
}

// NewPager creates a Pager sized for an initial terminal size.
func NewPager(width, height int) *Pager {
	vp := viewport.New(width, height)
	vp.Style = borderStyle
	return &Pager{viewport: vp, width: width, height: height}
}

// SetContent replaces the pager's text, preserving scroll position unless
// the viewport was already at the bottom (to follow newly appended traces).
func (p *Pager) SetContent(text string) {
	atBottom := p.viewport.AtBottom()
	p.content = text
	p.viewport.SetContent(text)
	if atBottom {
		p.viewport.GotoBottom()
	}
}

// Append adds another rendered trace to the bottom of the pager's content,
// the way the publisher's consumer hands traces over one at a time.
func (p *Pager) Append(text string) {
	if p.content != "" {
		p.content += "\n\n"
	}
	p.SetContent(p.content + text)
}

func (p *Pager) Init() tea.Cmd {
	return p.viewport.Init()
}

func (p *Pager) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.width, p.height = msg.Width, msg.Height
		p.viewport.Width = msg.Width
		p.viewport.Height = msg.Height
		return p, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return p, tea.Quit
		case "j", "down":
			p.viewport.LineDown(1)
			return p, nil
		case "k", "up":
			p.viewport.LineUp(1)
			return p, nil
		case "ctrl+d", "pgdown":
			p.viewport.PageDown()
			return p, nil
		case "ctrl+u", "pgup":
			p.viewport.PageUp()
			return p, nil
		case "g", "home":
			p.viewport.GotoTop()
			return p, nil
		case "G", "end":
			p.viewport.GotoBottom()
			return p, nil
		}
	}

	var cmd tea.Cmd
	p.viewport, cmd = p.viewport.Update(msg)
	return p, cmd
}

func (p *Pager) View() string {
	return p.viewport.View()
}
