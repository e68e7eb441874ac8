package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// ConfirmDestructive shows a Yes/No modal for an operation that replaces
// live data. "No" is the default focus.
func ConfirmDestructive(title, message string) (bool, error) {
	if !strings.Contains(message, "[yellow]") {
		message = message + "\n\n[yellow]Use TAB or ←→ Arrows to switch | Press ENTER to select[white]"
	}

	app := NewApp()
	confirmed := false

	modal := tview.NewModal().
		SetText(message).
		AddButtons([]string{"No", "Yes"}).
		SetDoneFunc(func(buttonIndex int, buttonLabel string) {
			confirmed = buttonLabel == "Yes"
			app.Stop()
		})

	modal.SetBorder(true).
		SetTitle(" " + title + " ").
		SetTitleAlign(tview.AlignCenter).
		SetTitleColor(WarningYellow).
		SetBorderColor(WarningYellow).
		SetBackgroundColor(tcell.ColorBlack)

	if err := app.SetRoot(modal, true).SetFocus(modal).Run(); err != nil {
		return false, err
	}
	return confirmed, nil
}
