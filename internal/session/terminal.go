package session

import (
	"os"

	"golang.org/x/term"
)

// Terminal hands the operator's controlling terminal over to a remote shell.
type Terminal struct {
	fd    int
	state *term.State
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool { return term.IsTerminal(int(f.Fd())) }

// MakeRaw puts f into raw mode. Call Restore when the shell ends.
func MakeRaw(f *os.File) (*Terminal, error) {
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &Terminal{fd: fd, state: state}, nil
}

func (t *Terminal) Restore() error {
	if t == nil || t.state == nil {
		return nil
	}
	return term.Restore(t.fd, t.state)
}

// Size returns the columns and rows of f, defaulting to 80x24.
func Size(f *os.File) (int, int) {
	cols, rows, err := term.GetSize(int(f.Fd()))
	if err != nil || cols <= 0 || rows <= 0 {
		return 80, 24
	}
	return cols, rows
}

// ReadPassword prompts on stderr and reads a line without echo.
func ReadPassword(prompt string) (string, error) {
	if _, err := os.Stderr.WriteString(prompt); err != nil {
		return "", err
	}
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = os.Stderr.WriteString("\n")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
