package prompt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/rcourtman/pulse-tokengate/internal/tokenstore"
)

// TUI shows the credential prompt as a full-screen modal.
type TUI struct {
	In  io.Reader
	Out io.Writer

	// AltScreen renders the modal on the terminal's alternate screen.
	AltScreen bool

	mu sync.Mutex
}

// NewTUI returns a modal prompter bound to the given terminal streams.
func NewTUI(in io.Reader, out io.Writer) *TUI {
	return &TUI{In: in, Out: out, AltScreen: true}
}

func (t *TUI) Request(ctx context.Context, ch Challenge) (Result, error) {
	// One modal owns the terminal at a time.
	t.mu.Lock()
	defer t.mu.Unlock()

	options := []tea.ProgramOption{tea.WithContext(ctx)}
	if t.In != nil {
		options = append(options, tea.WithInput(t.In))
	}
	if t.Out != nil {
		options = append(options, tea.WithOutput(t.Out))
	}
	if t.AltScreen {
		options = append(options, tea.WithAltScreen())
	}

	final, err := tea.NewProgram(newModal(ch), options...).Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return Result{}, fmt.Errorf("run credential prompt: %w", err)
	}

	m, ok := final.(modal)
	if !ok || !m.submitted {
		return Result{}, ErrCancelled
	}
	return m.result, nil
}

type modalKeys struct {
	Submit   key.Binding
	Cancel   key.Binding
	Reveal   key.Binding
	Remember key.Binding
}

var defaultModalKeys = modalKeys{
	Submit: key.NewBinding(
		key.WithKeys("enter"),
		key.WithHelp("enter", "submit"),
	),
	Cancel: key.NewBinding(
		key.WithKeys("esc", "ctrl+c"),
		key.WithHelp("esc", "cancel"),
	),
	Reveal: key.NewBinding(
		key.WithKeys("ctrl+t"),
		key.WithHelp("ctrl+t", "show/hide"),
	),
	Remember: key.NewBinding(
		key.WithKeys("ctrl+r"),
		key.WithHelp("ctrl+r", "remember"),
	),
}

var (
	modalBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(1, 2)
	modalTitleStyle  = lipgloss.NewStyle().Bold(true)
	modalMutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	modalErrorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	modalInputStyle  = lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(0, 1)
	modalCursorStyle = lipgloss.NewStyle().Reverse(true)
)

// modal is the bubbletea model behind TUI. The input is a single line of
// runes with a cursor, masked unless revealed.
type modal struct {
	challenge Challenge
	keys      modalKeys

	input    []rune
	cursor   int
	reveal   bool
	remember bool
	errorMsg string
	width    int

	submitted bool
	result    Result
}

func newModal(ch Challenge) modal {
	m := modal{
		challenge: ch,
		keys:      defaultModalKeys,
		remember:  true,
		errorMsg:  ch.Notice,
	}
	if tokenstore.IsUsable(ch.Current) {
		m.input = []rune(strings.TrimSpace(ch.Current))
		m.cursor = len(m.input)
	}
	return m
}

func (m modal) Init() tea.Cmd {
	return nil
}

func (m modal) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch message := message.(type) {
	case tea.WindowSizeMsg:
		m.width = message.Width
	case tea.KeyMsg:
		switch {
		case key.Matches(message, m.keys.Cancel):
			return m, tea.Quit
		case key.Matches(message, m.keys.Submit):
			token := strings.TrimSpace(string(m.input))
			if token == "" {
				m.errorMsg = emptyTokenMessage
				return m, nil
			}
			m.submitted = true
			m.result = Result{Token: token, Remember: m.remember}
			return m, tea.Quit
		case key.Matches(message, m.keys.Reveal):
			m.reveal = !m.reveal
		case key.Matches(message, m.keys.Remember):
			m.remember = !m.remember
		default:
			m.edit(message)
		}
	}
	return m, nil
}

func (m *modal) edit(message tea.KeyMsg) {
	switch message.Type {
	case tea.KeyRunes, tea.KeySpace:
		runes := message.Runes
		if message.Type == tea.KeySpace {
			runes = []rune{' '}
		}
		for _, r := range runes {
			m.input = append(m.input, 0)
			copy(m.input[m.cursor+1:], m.input[m.cursor:])
			m.input[m.cursor] = r
			m.cursor++
		}
		if m.errorMsg == emptyTokenMessage {
			m.errorMsg = ""
		}
	case tea.KeyBackspace:
		if m.cursor > 0 {
			m.input = append(m.input[:m.cursor-1], m.input[m.cursor:]...)
			m.cursor--
		}
	case tea.KeyDelete:
		if m.cursor < len(m.input) {
			m.input = append(m.input[:m.cursor], m.input[m.cursor+1:]...)
		}
	case tea.KeyLeft:
		if m.cursor > 0 {
			m.cursor--
		}
	case tea.KeyRight:
		if m.cursor < len(m.input) {
			m.cursor++
		}
	case tea.KeyHome, tea.KeyCtrlA:
		m.cursor = 0
	case tea.KeyEnd, tea.KeyCtrlE:
		m.cursor = len(m.input)
	case tea.KeyCtrlU:
		m.input = m.input[:0]
		m.cursor = 0
	}
}

func (m modal) View() string {
	var b strings.Builder

	b.WriteString(modalTitleStyle.Render(m.challenge.Policy.DisplayTitle()))
	b.WriteString("\n\n")
	description := strings.TrimSpace(m.challenge.Policy.Description)
	if description == "" {
		description = "Please enter your access token to continue."
	}
	b.WriteString(description)
	b.WriteString("\n\n")
	b.WriteString(modalInputStyle.Render(m.renderInput()))
	b.WriteString("\n")

	check := "[ ]"
	if m.remember {
		check = "[x]"
	}
	b.WriteString(check + " Remember this token (stored locally)\n")

	if m.errorMsg != "" {
		b.WriteString("\n")
		b.WriteString(modalErrorStyle.Render(m.errorMsg))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(modalMutedStyle.Render(m.helpLine()))

	box := modalBoxStyle
	if m.width > 0 {
		width := m.width - 4
		if width > 72 {
			width = 72
		}
		if width > 20 {
			box = box.Width(width)
		}
	}
	return box.Render(b.String())
}

func (m modal) renderInput() string {
	display := make([]rune, len(m.input))
	for i, r := range m.input {
		if m.reveal {
			display[i] = r
		} else {
			display[i] = '•'
		}
	}
	if len(display) == 0 {
		return modalCursorStyle.Render(" ") + modalMutedStyle.Render("Enter access token...")
	}
	if m.cursor >= len(display) {
		return string(display) + modalCursorStyle.Render(" ")
	}
	return string(display[:m.cursor]) +
		modalCursorStyle.Render(string(display[m.cursor])) +
		string(display[m.cursor+1:])
}

func (m modal) helpLine() string {
	bindings := []key.Binding{m.keys.Submit, m.keys.Cancel, m.keys.Reveal, m.keys.Remember}
	parts := make([]string, 0, len(bindings))
	for _, binding := range bindings {
		help := binding.Help()
		parts = append(parts, help.Key+" "+help.Desc)
	}
	return strings.Join(parts, " • ")
}
