// Package tui renders a live task board for the watch command.
package tui

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	tsmodel "github.com/basket/tasksync/internal/model"
)

// maxNotices bounds the notice tail shown under the board.
const maxNotices = 5

// Board is what the view draws on each refresh.
type Board struct {
	Actor     string
	Scope     tsmodel.Scope
	Connected bool
	Tasks     []tsmodel.Task
	Projects  []tsmodel.Project
	Notices   []string
	LastError string
}

type BoardProvider func() Board

type model struct {
	provider BoardProvider
	board    Board
}

type tickMsg time.Time

// refreshMsg asks the model to pull a fresh board outside the tick.
type refreshMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(1*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tickCmd()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tickMsg:
		m.board = m.provider()
		return m, tickCmd()
	case refreshMsg:
		m.board = m.provider()
	}
	return m, nil
}

func (m model) View() string {
	state := "connected"
	if !m.board.Connected {
		state = "disconnected"
	}
	head := dimStyle.Render(fmt.Sprintf("tasksync  actor=%s  %s", m.board.Actor, state))
	view := head + "\n\n" + RenderScope(m.board.Scope, m.board.Tasks, m.board.Projects)

	notices := m.board.Notices
	if len(notices) > maxNotices {
		notices = notices[len(notices)-maxNotices:]
	}
	if len(notices) > 0 {
		view += "\n"
		for _, n := range notices {
			view += noticeStyle.Render("! "+n) + "\n"
		}
	}
	if m.board.LastError != "" {
		view += "\nLast Error: " + m.board.LastError + "\n"
	}
	return view + "\nPress q to quit.\n"
}

// Run draws the board until the user quits or ctx ends. Each value on
// refresh redraws immediately instead of waiting for the next tick.
func Run(ctx context.Context, provider BoardProvider, refresh <-chan struct{}) error {
	defer saveTerminal(os.Stdin)()

	m := model{provider: provider, board: provider()}
	p := tea.NewProgram(m)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run()
		done <- err
	}()

	for {
		select {
		case <-ctx.Done():
			p.Quit()
			return ctx.Err()
		case err := <-done:
			return err
		case <-refresh:
			p.Send(refreshMsg{})
		}
	}
}
