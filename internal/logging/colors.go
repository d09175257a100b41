package logging

import (
	"github.com/fatih/color"
)

var (
	colorTimestamp = color.New(color.FgWhite)
	colorSource    = color.New(color.FgWhite)

	colorError = color.New(color.FgRed, color.Bold)
	colorWarn  = color.New(color.FgRed)
	colorInfo  = color.New(color.Reset)
	colorDebug = color.New(color.FgGreen)
	colorTrace = color.New(color.FgYellow)
)

// DisableColor turns off colored output for all loggers. Color is already
// off when stderr is not a terminal.
func DisableColor() {
	color.NoColor = true
}
