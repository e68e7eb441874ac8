package tui

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/n8nkeeper/n8nkeeper/internal/types"
	"github.com/n8nkeeper/n8nkeeper/pkg/utils"
)

// SelectArchive shows the list of local backups, newest first, and returns
// the operator's choice. ok is false when the operator escapes without
// selecting.
func SelectArchive(backups []types.BackupInfo) (types.BackupInfo, bool, error) {
	if len(backups) == 0 {
		return types.BackupInfo{}, false, fmt.Errorf("no backup archives found")
	}

	app := NewApp()
	list := tview.NewList().ShowSecondaryText(true)

	var (
		selected types.BackupInfo
		chosen   bool
	)
	for _, b := range backups {
		b := b
		main := b.Timestamp.Format("2006-01-02 15:04:05")
		secondary := fmt.Sprintf("  %s (%s)", b.Filename, utils.FormatBytes(b.Size))
		list.AddItem(main, secondary, 0, func() {
			selected = b
			chosen = true
			app.Stop()
		})
	}
	list.SetDoneFunc(func() { app.Stop() })
	list.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			app.Stop()
			return nil
		}
		return event
	})

	list.SetBorder(true).
		SetTitle(" Select backup to restore ").
		SetTitleAlign(tview.AlignCenter)

	if err := app.SetRoot(list, true).SetFocus(list).Run(); err != nil {
		return types.BackupInfo{}, false, err
	}
	return selected, chosen, nil
}
