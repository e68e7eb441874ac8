// Package tui holds the interactive terminal screens used by the restore
// flow: the archive picker and the destructive-restore confirmation.
package tui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// App wraps tview.Application with the shared theme.
type App struct {
	*tview.Application
}

// NewApp creates a themed TUI application.
func NewApp() *App {
	app := &App{Application: tview.NewApplication()}
	app.EnableMouse(true)

	tview.Styles.PrimitiveBackgroundColor = tcell.ColorBlack
	tview.Styles.ContrastBackgroundColor = tcell.ColorBlack
	tview.Styles.BorderColor = BrandPink
	tview.Styles.TitleColor = BrandPink
	tview.Styles.GraphicsColor = BrandPink
	tview.Styles.PrimaryTextColor = tcell.ColorWhite
	tview.Styles.SecondaryTextColor = tcell.ColorLightGray

	return app
}
