package logging

import (
	"os"

	"github.com/go-logr/logr"
	"golang.org/x/term"
)

// NewConsoleLogger builds a logr.Logger suited for CLI front-ends: colored
// output when stdout is a terminal, plain text otherwise.
func NewConsoleLogger(minVerbosity int) logr.Logger {
	useColor := term.IsTerminal(int(os.Stdout.Fd()))
	return NewSimpleLogger(os.Stdout, minVerbosity, useColor)
}
