package tui

import (
	"github.com/gdamore/tcell/v2"
)

// n8n color palette
var (
	// Primary n8n brand color
	BrandPink = tcell.NewRGBColor(234, 75, 113) // #EA4B71

	// Status colors
	SuccessGreen  = tcell.NewRGBColor(34, 197, 94)  // #22C55E
	ErrorRed      = tcell.NewRGBColor(239, 68, 68)  // #EF4444
	WarningYellow = tcell.NewRGBColor(234, 179, 8)  // #EAB308
	InfoBlue      = tcell.NewRGBColor(59, 130, 246) // #3B82F6
)

// Symbols and icons
const (
	SymbolSuccess  = "✓"
	SymbolError    = "✗"
	SymbolWarning  = "⚠"
	SymbolSelected = "▸"
)
