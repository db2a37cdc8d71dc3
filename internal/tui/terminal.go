package tui

import (
	"os"

	"github.com/charmbracelet/x/term"
)

// saveTerminal snapshots the stdin terminal mode and returns a func that puts
// it back, so an interrupted monitor does not leave the shell in raw mode.
// Without a terminal on stdin the returned func does nothing.
func saveTerminal() (restore func()) {
	fd := os.Stdin.Fd()
	if !term.IsTerminal(fd) {
		return func() {}
	}
	state, err := term.GetState(fd)
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}
