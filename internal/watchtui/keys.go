package watchtui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines the watch view key bindings. Scrolling is handled by
// the viewport's own bindings; these are the ones the model intercepts.
type KeyMap struct {
	Quit   key.Binding
	Cancel key.Binding
	Detach key.Binding
	Follow key.Binding
}

// DefaultKeyMap returns the default watch bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q", "esc", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
		Cancel: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "cancel run"),
		),
		Detach: key.NewBinding(
			key.WithKeys("d", "ctrl+d"),
			key.WithHelp("d", "detach"),
		),
		Follow: key.NewBinding(
			key.WithKeys("G", "end"),
			key.WithHelp("G", "follow"),
		),
	}
}
