package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/yllada/vpnd/tunnel"
)

const watchRows = 10

type eventMsg tunnel.TransitionEvent

type streamEndMsg struct{ err error }

type watchModel struct {
	spinner spinner.Model
	current *tunnel.TransitionEvent
	recent  []tunnel.TransitionEvent
	err     error
	done    bool
}

func newWatchModel() watchModel {
	return watchModel{spinner: spinner.New(spinner.WithSpinner(spinner.Dot))}
}

func (m watchModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case eventMsg:
		ev := tunnel.TransitionEvent(msg)
		m.current = &ev
		m.recent = append(m.recent, ev)
		if len(m.recent) > watchRows {
			m.recent = m.recent[1:]
		}
		return m, nil

	case streamEndMsg:
		m.err = msg.err
		m.done = true
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc", "q":
			m.done = true
			return m, tea.Quit
		}

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

var stateColors = map[tunnel.StateKind]lipgloss.Color{
	tunnel.Disconnected:  lipgloss.Color("245"),
	tunnel.Connecting:    lipgloss.Color("214"),
	tunnel.Connected:     lipgloss.Color("42"),
	tunnel.Disconnecting: lipgloss.Color("214"),
	tunnel.Blocked:       lipgloss.Color("196"),
}

func transient(k tunnel.StateKind) bool {
	return k == tunnel.Connecting || k == tunnel.Disconnecting
}

func (m watchModel) View() string {
	var b strings.Builder

	title := lipgloss.NewStyle().Bold(true).Padding(0, 1).
		BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("240")).BorderBottom(true)
	b.WriteString(title.Render("vpnd"))
	b.WriteString("\n\n")

	if m.current == nil {
		b.WriteString(m.spinner.View() + " waiting for the daemon\n")
	} else {
		style := lipgloss.NewStyle().Bold(true).Foreground(stateColors[m.current.State])
		line := style.Render(strings.ToUpper(m.current.State.String()))
		if transient(m.current.State) {
			line = m.spinner.View() + " " + line
		}
		if d := m.current.Detail(); d != "" {
			line += "  " + d
		}
		b.WriteString(line + "\n")
	}

	if len(m.recent) > 1 {
		b.WriteString("\n")
		dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
		cell := lipgloss.NewStyle().Padding(0, 1)
		var rows []string
		for i := len(m.recent) - 1; i >= 0; i-- {
			ev := m.recent[i]
			at := cell.Width(10).Render(dim.Render(ev.At.Local().Format(time.TimeOnly)))
			state := cell.Width(15).Render(lipgloss.NewStyle().Foreground(stateColors[ev.State]).Render(ev.State.String()))
			rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top, at, state, cell.Render(ev.Detail())))
		}
		b.WriteString(lipgloss.JoinVertical(lipgloss.Left, rows...))
		b.WriteString("\n")
	}

	if m.err != nil {
		b.WriteString(fmt.Sprintf("\nstream ended: %v\n", m.err))
	}
	b.WriteString("\n(press q to quit)\n")
	return b.String()
}

// runWatch shows the live tunnel state until the user quits.
func runWatch(ctx context.Context, c Client) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(newWatchModel(), tea.WithContext(ctx))
	go func() {
		err := c.Watch(ctx, func(ev tunnel.TransitionEvent) {
			p.Send(eventMsg(ev))
		})
		p.Send(streamEndMsg{err: err})
	}()

	final, err := p.Run()
	if err != nil && ctx.Err() == nil {
		return err
	}
	if m, ok := final.(watchModel); ok && m.err != nil {
		return m.err
	}
	return nil
}
