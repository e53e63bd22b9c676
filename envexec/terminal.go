package envexec

import (
	"os"

	"golang.org/x/term"
)

// saveTerminal captures the mode of the invoking terminal and returns a
// best effort restore function. It is a no-op when stdin is not a terminal.
func saveTerminal() func() {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	st, err := term.GetState(fd)
	if err != nil {
		return func() {}
	}
	return func() {
		_ = term.Restore(fd, st)
	}
}
