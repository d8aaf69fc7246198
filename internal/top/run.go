package top

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// Run shows the dashboard until the user quits.
func Run(src Source, interval time.Duration) error {
	p := tea.NewProgram(New(src, interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		if strings.Contains(err.Error(), "TTY") || strings.Contains(err.Error(), "/dev/tty") {
			return fmt.Errorf("top requires a real terminal")
		}
		return fmt.Errorf("running dashboard: %w", err)
	}
	return nil
}
