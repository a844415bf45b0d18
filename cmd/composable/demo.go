package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/wilhg/composable/examples/todo"
	"github.com/wilhg/composable/pkg/journal"
	"github.com/wilhg/composable/pkg/scheduler"
	"github.com/wilhg/composable/pkg/store"
)

func newDemoCmd(a *app) *cobra.Command {
	var savePath string
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Interactive todo list, journaled to the configured backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.demo(cmd.Context(), savePath)
		},
	}
	cmd.Flags().StringVar(&savePath, "save", "todos.json", "file the list is autosaved to; empty disables autosave")
	return cmd
}

func (a *app) demo(ctx context.Context, savePath string) error {
	js, err := openJournal(ctx, a.cfg.Journal, a.logger)
	if err != nil {
		return err
	}
	defer js.Close()

	session := journal.NewSessionID()
	rec, err := journal.NewRecorder(ctx, js, session, todo.Codec(),
		journal.WithBatchSize(a.cfg.Journal.BatchSize), journal.WithLogger(a.logger))
	if err != nil {
		return err
	}
	sched := scheduler.NewQueue()
	defer sched.Close()

	env := todo.Env{Sched: sched}
	if savePath != "" {
		env.Save = func(_ context.Context, todos []todo.Todo) error {
			b, err := json.MarshalIndent(todos, "", "  ")
			if err != nil {
				return err
			}
			return os.WriteFile(savePath, b, 0o644)
		}
	}
	s := store.New(todo.State{Filter: todo.All}, todo.Reducer(), env,
		store.WithName("todo"),
		store.WithLogger(a.logger),
		store.WithMode(a.cfg.StoreMode()),
		store.WithTap(rec),
	)

	uiCtx, cancel := context.WithCancel(ctx)
	m := newDemoModel(s, s.Changes(uiCtx, nil), session)
	_, runErr := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(uiCtx)).Run()
	cancel()
	s.Close()
	if err := rec.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.errOut, "session %s recorded; replay with: composable replay --session %s\n", session, session)
	return runErr
}

type inputMode int

const (
	browsing inputMode = iota
	adding
	editing
)

type stateMsg struct{ state todo.State }

type changesClosedMsg struct{}

type demoModel struct {
	store   *store.Store[todo.State, todo.Action]
	changes <-chan todo.State
	session string

	state  todo.State
	cursor int
	mode   inputMode
	input  string
}

func newDemoModel(s *store.Store[todo.State, todo.Action], changes <-chan todo.State, session string) demoModel {
	return demoModel{store: s, changes: changes, session: session, state: s.State()}
}

func waitForState(ch <-chan todo.State) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-ch
		if !ok {
			return changesClosedMsg{}
		}
		return stateMsg{state: s}
	}
}

// Init implements tea.Model.
func (m demoModel) Init() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	return waitForState(m.changes)
}

func (m demoModel) send(a todo.Action) demoModel {
	m.store.Send(a)
	m.state = m.store.State()
	m.clamp()
	return m
}

func (m *demoModel) clamp() {
	n := len(m.state.Visible())
	if m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m demoModel) selected() (todo.Todo, bool) {
	visible := m.state.Visible()
	if m.cursor < len(visible) {
		return visible[m.cursor], true
	}
	return todo.Todo{}, false
}

// Update implements tea.Model.
func (m demoModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case stateMsg:
		m.state = msg.state
		m.clamp()
		return m, waitForState(m.changes)
	case changesClosedMsg:
		return m, nil
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		switch m.mode {
		case adding:
			return m.updateAdding(msg), nil
		case editing:
			return m.updateEditing(msg), nil
		}
		return m.updateBrowsing(msg)
	}
	return m, nil
}

func (m demoModel) updateBrowsing(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		m.cursor--
		m.clamp()
	case "down", "j":
		m.cursor++
		m.clamp()
	case "a":
		m.mode = adding
		m.input = ""
	case " ", "x":
		if t, ok := m.selected(); ok {
			m = m.send(todo.Toggle{ID: t.ID})
		}
	case "d":
		if t, ok := m.selected(); ok {
			m = m.send(todo.Delete{ID: t.ID})
		}
	case "e":
		if t, ok := m.selected(); ok {
			m = m.send(todo.Edit{ID: t.ID})
			m.mode = editing
			m.input = t.Title
		}
	case "f":
		next := map[todo.Filter]todo.Filter{todo.All: todo.Active, todo.Active: todo.Completed, todo.Completed: todo.All}
		m = m.send(todo.SetFilter{Filter: next[m.state.Filter]})
	case "c":
		m = m.send(todo.ClearCompleted{})
	case "t":
		if m.state.Ticking {
			m = m.send(todo.StopClock{})
		} else {
			m = m.send(todo.StartClock{})
		}
	}
	return m, nil
}

func (m demoModel) updateAdding(msg tea.KeyMsg) demoModel {
	switch msg.Type {
	case tea.KeyEnter:
		m.mode = browsing
		if strings.TrimSpace(m.input) != "" {
			m = m.send(todo.NewAdd(m.input))
		}
		m.input = ""
	case tea.KeyEsc:
		m.mode = browsing
		m.input = ""
	default:
		m.input = edit(m.input, msg)
	}
	return m
}

func (m demoModel) updateEditing(msg tea.KeyMsg) demoModel {
	switch msg.Type {
	case tea.KeyEnter:
		m.mode = browsing
		m.input = ""
		m = m.send(todo.CommitEdit{})
	case tea.KeyEsc:
		m.mode = browsing
		m.input = ""
		m = m.send(todo.CancelEdit{})
	default:
		m.input = edit(m.input, msg)
		m = m.send(todo.EditDraft{Text: m.input})
	}
	return m
}

func edit(s string, msg tea.KeyMsg) string {
	switch msg.Type {
	case tea.KeyBackspace:
		if r := []rune(s); len(r) > 0 {
			return string(r[:len(r)-1])
		}
	case tea.KeySpace:
		return s + " "
	case tea.KeyRunes:
		return s + string(msg.Runes)
	}
	return s
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	cursorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Strikethrough(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	inputStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	helpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241")).Italic(true)
)

// View implements tea.Model.
func (m demoModel) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("todos (%s)", m.state.Filter)))
	b.WriteString("\n\n")

	visible := m.state.Visible()
	if len(visible) == 0 {
		b.WriteString(statusStyle.Render("  nothing here"))
		b.WriteString("\n")
	}
	for i, t := range visible {
		marker := "  "
		if i == m.cursor {
			marker = cursorStyle.Render("> ")
		}
		box := "[ ] "
		title := t.Title
		if t.Done {
			box = "[x] "
			title = doneStyle.Render(title)
		}
		b.WriteString(marker + box + title + "\n")
	}

	b.WriteString("\n")
	switch m.mode {
	case adding:
		b.WriteString(inputStyle.Render("new: " + m.input + "_"))
		b.WriteString("\n")
	case editing:
		b.WriteString(inputStyle.Render("edit: " + m.input + "_"))
		b.WriteString("\n")
	}

	status := fmt.Sprintf("%d left, %d saves, session %s", m.state.Remaining(), m.state.Saves, m.session)
	if m.state.Ticking {
		status += ", " + m.state.Clock.Format("15:04:05")
	}
	b.WriteString(statusStyle.Render(status))
	b.WriteString("\n")
	if m.state.SaveError != "" {
		b.WriteString(errorStyle.Render("save failed: " + m.state.SaveError))
		b.WriteString("\n")
	}
	b.WriteString(helpStyle.Render("a add  e edit  space toggle  d delete  f filter  c clear  t clock  q quit"))
	b.WriteString("\n")
	return b.String()
}
