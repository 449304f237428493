package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"

	voice "github.com/bt-bridge/voice-session"
	"github.com/bt-bridge/voice-session/captions"
	"github.com/bt-bridge/voice-session/config"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Controller is the part of a session the TUI drives.
type Controller interface {
	StartRecording(ctx context.Context) error
	StopRecording()
	Pause()
	Reset()
	SetLanguage(code string) error
	Recording() bool
	Settings() config.Settings
	Status() voice.Status
	State() voice.SessionState
}

var _ Controller = (*voice.Session)(nil)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FAFAFA")).Background(lipgloss.Color("#7D56F4")).Padding(0, 1)
	stateStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#04B575"))
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#DDDDDD"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F87"))
	captionStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#7D56F4")).Padding(0, 1)
	fadedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#777777"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
)

const helpText = "space start/pause • s stop • r reset • l language • q quit"

// opDoneMsg reports the outcome of a session operation run off the UI loop.
type opDoneMsg struct {
	op  string
	err error
}

// Model is the bubbletea model of the interactive CLI.
type Model struct {
	ctx      context.Context
	ctrl     Controller
	events   <-chan any
	status   voice.Status
	state    voice.SessionState
	caption  captions.Frame
	language string
	lastErr  error
	width    int
}

func NewModel(ctx context.Context, ctrl Controller, events <-chan any) Model {
	return Model{
		ctx:      ctx,
		ctrl:     ctrl,
		events:   events,
		status:   ctrl.Status(),
		state:    ctrl.State(),
		language: ctrl.Settings().LanguageCode,
	}
}

func (m Model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func waitForEvent(events <-chan any) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil
	case voice.Status:
		m.status = msg
		return m, waitForEvent(m.events)
	case voice.SessionState:
		m.state = msg
		return m, waitForEvent(m.events)
	case captions.Frame:
		m.caption = msg
		return m, waitForEvent(m.events)
	case opDoneMsg:
		m.lastErr = msg.err
		if msg.op == "language" && msg.err == nil {
			m.language = m.ctrl.Settings().LanguageCode
		}
		return m, nil
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit
	case " ":
		if m.ctrl.Recording() {
			return m, m.run("pause", func() error { m.ctrl.Pause(); return nil })
		}
		return m, m.run("start", func() error { return m.ctrl.StartRecording(m.ctx) })
	case "s":
		return m, m.run("stop", func() error { m.ctrl.StopRecording(); return nil })
	case "r":
		return m, m.run("reset", func() error { m.ctrl.Reset(); return nil })
	case "l":
		next := config.NextLanguage(m.language)
		return m, m.run("language", func() error { return m.ctrl.SetLanguage(next) })
	}
	return m, nil
}

// run executes op in a command goroutine; the session may block on the
// network or the microphone.
func (m Model) run(name string, op func() error) tea.Cmd {
	return func() tea.Msg {
		return opDoneMsg{op: name, err: op()}
	}
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("🎙 Voice Session"))
	b.WriteString("  ")
	b.WriteString(stateStyle.Render(m.state.String()))
	b.WriteString("  ")
	b.WriteString(fadedStyle.Render(config.LanguageName(m.language)))
	b.WriteString("\n\n")

	if m.status.IsError {
		b.WriteString(errorStyle.Render("❌ " + m.status.Text))
	} else {
		b.WriteString(statusStyle.Render(m.status.Text))
	}
	b.WriteString("\n\n")

	if m.caption.Visible && m.caption.Text != "" {
		style := captionStyle
		if m.width > 4 {
			style = style.Width(m.width - 4)
		}
		text := m.caption.Text
		if m.caption.Exiting {
			text = fadedStyle.Render(text)
		}
		b.WriteString(style.Render(text))
		if m.caption.Total > 1 {
			b.WriteString("\n")
			b.WriteString(fadedStyle.Render(fmt.Sprintf("%d/%d", m.caption.Index+1, m.caption.Total)))
		}
		b.WriteString("\n\n")
	}

	if m.lastErr != nil {
		b.WriteString(errorStyle.Render(m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render(helpText))
	b.WriteString("\n")
	return b.String()
}

// RunTUI blocks until the user quits or ctx is done.
func RunTUI(ctx context.Context, agent *CLIAgent) error {
	session := agent.Session()
	if session == nil {
		return errors.New("agent has no session")
	}
	p := tea.NewProgram(NewModel(ctx, session, agent.Events()), tea.WithContext(ctx), tea.WithAltScreen())
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
