package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/taskloop/taskloop/internal/session"
	"github.com/taskloop/taskloop/internal/taskstore"
)

// projectDir resolves the project directory: TASKLOOP_PROJECT_DIR
// when set, else the working directory.
func projectDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("TASKLOOP_PROJECT_DIR")); dir != "" {
		return dir, nil
	}
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("getting working directory: %w", err)
	}
	return dir, nil
}

// openStore creates a Store for the project directory.
func openStore() (*taskstore.Store, error) {
	dir, err := projectDir()
	if err != nil {
		return nil, err
	}
	return taskstore.New(dir)
}

// openStoreRequired creates a Store and checks that the project exists.
func openStoreRequired() (*taskstore.Store, error) {
	s, err := openStore()
	if err != nil {
		return nil, err
	}
	if !s.Exists() {
		return nil, fmt.Errorf("no taskloop project found (run 'taskloop init' first)")
	}
	return s, nil
}

// resolveSessionID matches arg against session ids in dir, accepting
// any unambiguous prefix.
func resolveSessionID(dir, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", fmt.Errorf("session id required")
	}
	sessions, err := session.List(dir)
	if err != nil {
		return "", fmt.Errorf("listing sessions: %w", err)
	}
	var matches []string
	for _, s := range sessions {
		if s.ID == arg {
			return s.ID, nil
		}
		if strings.HasPrefix(s.ID, arg) {
			matches = append(matches, s.ID)
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no session matches %q (see 'taskloop sessions --all')", arg)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("session id %q is ambiguous (%d matches)", arg, len(matches))
	}
}

// shortID trims a session uuid for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// printHeader prints a formatted section header.
func printHeader(title string) {
	fmt.Printf("\n%s%s%s\n", styleBoldCyan, title, colorReset)
	fmt.Println(colorDim + strings.Repeat("-", len(title)+2) + colorReset)
}

// printField prints a labeled field.
func printField(label, value string) {
	fmt.Printf("  %s%-14s%s %s\n", colorBold, label+":", colorReset, value)
}

// statusColor returns an ANSI color code for a task or session status.
func statusColor(status string) string {
	switch status {
	case taskstore.StatusCompleted:
		return colorGreen
	case taskstore.StatusInProgress, session.StatusActive:
		return colorYellow
	case taskstore.StatusPendingReview:
		return colorCyan
	case taskstore.StatusBlocked:
		return colorRed
	case taskstore.StatusPending:
		return colorBlue
	case taskstore.StatusCancelled, session.StatusAbandoned:
		return colorDim
	default:
		return colorWhite
	}
}

// statusBadge returns a colored status badge.
func statusBadge(status string) string {
	return fmt.Sprintf("%s[%s]%s", statusColor(status), status, colorReset)
}

// printTable prints a simple table with headers and rows.
func printTable(headers []string, rows [][]string) {
	if len(rows) == 0 {
		fmt.Println(colorDim + "  (none)" + colorReset)
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) {
				// Strip ANSI codes for width calculation
				stripped := stripAnsi(cell)
				if len(stripped) > widths[i] {
					widths[i] = len(stripped)
				}
			}
		}
	}

	headerLine := "  "
	for i, h := range headers {
		headerLine += fmt.Sprintf("%s%-*s%s", colorBold, widths[i]+2, h, colorReset)
	}
	fmt.Println(headerLine)

	sepLine := "  "
	for _, w := range widths {
		sepLine += colorDim + strings.Repeat("-", w+2) + colorReset
	}
	fmt.Println(sepLine)

	for _, row := range rows {
		rowLine := "  "
		for i, cell := range row {
			if i < len(widths) {
				// Pad against the stripped width so ANSI codes do not
				// skew alignment.
				stripped := stripAnsi(cell)
				padding := widths[i] - len(stripped)
				if padding < 0 {
					padding = 0
				}
				rowLine += cell + strings.Repeat(" ", padding+2)
			}
		}
		fmt.Println(rowLine)
	}
}

// stripAnsi removes ANSI escape codes from a string (for width calculation).
func stripAnsi(s string) string {
	var out strings.Builder
	inEscape := false
	for _, r := range s {
		if r == '\033' {
			inEscape = true
			continue
		}
		if inEscape {
			if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
				inEscape = false
			}
			continue
		}
		out.WriteRune(r)
	}
	return out.String()
}

// truncate truncates a string to a given max length, adding "..." if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}

// firstLine returns the first line of a multi-line string.
func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
