package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	tsmodel "github.com/basket/tasksync/internal/model"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	doneStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Strikethrough(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
)

func priorityStyle(p tsmodel.Priority) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fmt.Sprintf("#%06X", p.Color()&0xFFFFFF)))
}

// RenderNotice formats one notice line for plain output.
func RenderNotice(text string) string {
	return noticeStyle.Render("! " + text)
}

// RenderScope formats tasks grouped by project, highest priority first.
func RenderScope(scope tsmodel.Scope, tasks []tsmodel.Task, projects []tsmodel.Project) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("── %s (%d tasks) ──", scope, len(tasks))) + "\n")

	names := make(map[string]string, len(projects))
	for _, p := range projects {
		names[p.ID] = p.Name
	}
	groups := make(map[string][]tsmodel.Task)
	for _, t := range tasks {
		groups[t.ProjectID] = append(groups[t.ProjectID], t)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return names[ids[i]] < names[ids[j]] })

	for _, id := range ids {
		title := names[id]
		if title == "" {
			title = "(no project)"
		}
		b.WriteString(dimStyle.Render(title) + "\n")
		group := groups[id]
		sort.SliceStable(group, func(i, j int) bool { return group[i].Priority > group[j].Priority })
		for _, t := range group {
			b.WriteString("  " + renderTask(t) + "\n")
		}
	}
	return b.String()
}

func renderTask(t tsmodel.Task) string {
	box := "[ ]"
	if t.Completed {
		box = "[x]"
	}
	line := fmt.Sprintf("%s %s", box, t.Title)
	if t.Completed {
		line = doneStyle.Render(line)
	} else {
		line = priorityStyle(t.Priority).Render(line)
	}
	if t.AssigneeName != "" {
		line += dimStyle.Render(" @" + t.AssigneeName)
	} else if t.AssigneeID != "" {
		line += dimStyle.Render(" @" + t.AssigneeID)
	}
	return line
}
