package app

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	roomHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// colorForUser keeps a user's color stable across renames by keying on the uuid.
func colorForUser(userID string) lipgloss.Color {
	if userID == "" {
		return userColorPalette[0]
	}
	sum := 0
	for _, r := range userID {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}

func renderUser(name, userID string) string {
	return usernameStyle.Copy().Foreground(colorForUser(userID)).Render(name)
}
