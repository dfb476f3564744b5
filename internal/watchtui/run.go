package watchtui

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
)

// Run displays the watch TUI over eventCh and blocks until the run
// ends or the viewer leaves. The caller owns the event producer; a
// foreground run passes the loop handle's channel, an attach passes
// the daemon client's stream.
func Run(cfg Config, eventCh <-chan any) (Result, error) {
	m := New(cfg, eventCh)
	p := tea.NewProgram(m, tea.WithAltScreen())

	// Ctrl+C arrives as a key in raw mode; signals only show up when
	// something outside the terminal stops us.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		if cfg.OnCancel != nil {
			cfg.OnCancel()
		}
		p.Quit()
	}()

	final, err := p.Run()
	signal.Stop(sigCh)
	if err != nil {
		return Result{}, fmt.Errorf("watch tui: %w", err)
	}
	fm, ok := final.(Model)
	if !ok {
		return Result{}, fmt.Errorf("watch tui returned unexpected model %T", final)
	}
	return fm.FinalResult(), nil
}
