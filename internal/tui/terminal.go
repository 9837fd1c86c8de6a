package tui

import (
	"os"

	"github.com/charmbracelet/x/term"
	"github.com/mattn/go-isatty"
)

// saveTerminal records the mode of f and returns a func that puts it back,
// so a board that exits mid-frame leaves the shell usable. A file that is
// not a terminal yields a no-op.
func saveTerminal(f *os.File) func() {
	fd := f.Fd()
	if !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd) {
		return func() {}
	}
	state, err := term.GetState(fd)
	if err != nil {
		return func() {}
	}
	return func() { _ = term.Restore(fd, state) }
}
