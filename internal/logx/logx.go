// Package logx wraps the standard logger with the colorized
// [INFO]/[FAIL]/[ERROR] tagging style the teacher's torrent package
// used with bare log.Printf, backed by colorstring instead of raw
// ANSI codes.
package logx

import (
	"fmt"
	"log"
	"os"

	"github.com/mitchellh/colorstring"
)

var std = log.New(os.Stderr, "", log.LstdFlags)

// Info logs an informational line, tagged green.
func Info(format string, args ...interface{}) {
	std.Print(colorstring.Color("[green][INFO][reset]\t") + fmt.Sprintf(format, args...))
}

// Fail logs a recoverable failure (a dropped peer, a skipped
// tracker), tagged yellow.
func Fail(format string, args ...interface{}) {
	std.Print(colorstring.Color("[yellow][FAIL][reset]\t") + fmt.Sprintf(format, args...))
}

// Error logs a fatal or near-fatal condition, tagged red.
func Error(format string, args ...interface{}) {
	std.Print(colorstring.Color("[red][ERROR][reset]\t") + fmt.Sprintf(format, args...))
}
