package watchtui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/x/ansi"

	"github.com/taskloop/taskloop/internal/session"
)

func (m Model) View() string {
	if !m.ready || m.width == 0 {
		return "Loading..."
	}

	header := m.renderHeader()
	info := m.renderInfoLine()
	statusBar := m.renderStatusBar()

	return header + "\n" + info + "\n" + m.vp.View() + "\n" + statusBar
}

func (m Model) renderHeader() string {
	title := " taskloop watch "
	if m.cfg.ProjectName != "" {
		title = fmt.Sprintf(" taskloop watch: %s ", m.cfg.ProjectName)
	}
	return headerStyle.
		Width(m.width).
		MaxWidth(m.width).
		Render(title)
}

func (m Model) renderInfoLine() string {
	var parts []string
	if m.cfg.AgentType != "" {
		parts = append(parts, labelStyle.Render("agent ")+valueStyle.Render(m.cfg.AgentType))
	}
	if m.cfg.SessionID != "" {
		parts = append(parts, labelStyle.Render("session ")+valueStyle.Render(m.cfg.SessionID))
	}
	if m.taskRef != "" {
		parts = append(parts, labelStyle.Render("task ")+valueStyle.Render("@"+m.taskRef))
	}

	iter := "-"
	if m.iteration > 0 {
		iter = fmt.Sprintf("%d", m.iteration)
		if m.maxIter > 0 {
			iter = fmt.Sprintf("%d/%d", m.iteration, m.maxIter)
		}
	}
	parts = append(parts, labelStyle.Render("iter ")+valueStyle.Render(iter))
	parts = append(parts, labelStyle.Render("elapsed ")+valueStyle.Render(session.FormatElapsed(m.elapsed)))

	if m.failures > 0 {
		parts = append(parts, failureStyle.Render(fmt.Sprintf("failures %d", m.failures)))
	}
	if m.escalations > 0 {
		parts = append(parts, escalationStyle.Render(fmt.Sprintf("escalated %d", m.escalations)))
	}

	switch {
	case m.done:
		state := m.doneReason
		if state == "" {
			state = "done"
		}
		if m.exitErr != nil {
			parts = append(parts, failureStyle.Render(state))
		} else {
			parts = append(parts, doneStyle.Render(state))
		}
	case m.stopping:
		parts = append(parts, stoppingStyle.Render("stopping"))
	case !m.live:
		parts = append(parts, dimStyle.Render("replaying "+m.spin.View()))
	case m.working:
		parts = append(parts, valueStyle.Render(m.spin.View()+"working"))
	default:
		parts = append(parts, dimStyle.Render("waiting"))
	}

	line := " " + strings.Join(parts, dimStyle.Render("  ")) + " "
	return ansi.Truncate(line, m.width, "")
}

func (m Model) renderStatusBar() string {
	var parts []string
	switch {
	case m.done:
		parts = append(parts, shortcut("q", "quit"))
	case m.cfg.Attached:
		parts = append(parts, shortcut("d", "detach"))
		parts = append(parts, shortcut("c", "cancel run"))
	default:
		parts = append(parts, shortcut("q", "cancel & quit"))
	}
	parts = append(parts, shortcut("↑/↓", "scroll"))
	parts = append(parts, shortcut("G", "follow"))

	content := strings.Join(parts, statusValueStyle.Render("  "))
	return statusBarStyle.
		Width(m.width).
		MaxWidth(m.width).
		Render(content)
}

func shortcut(k, desc string) string {
	return statusKeyStyle.Render(k) + statusValueStyle.Render(" "+desc)
}
