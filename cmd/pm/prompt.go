package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"pm-go/internal/pm"
)

// passphraseEnv lets scripts supply a passphrase without a terminal.
const passphraseEnv = "PM_PASSPHRASE"

func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("a passphrase is required: run in a terminal or set %s", passphraseEnv)
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading passphrase: %w", err)
	}
	if len(b) == 0 {
		return "", errors.New("passphrase must not be empty")
	}
	return string(b), nil
}

// readNewPassphrase prompts twice when interactive.
func readNewPassphrase(prompt string) (string, error) {
	if p := os.Getenv(passphraseEnv); p != "" {
		return p, nil
	}
	first, err := readPassphrase(prompt)
	if err != nil {
		return "", err
	}
	second, err := readPassphrase("Confirm " + strings.ToLower(prompt))
	if err != nil {
		return "", err
	}
	if first != second {
		return "", errors.New("passphrases do not match")
	}
	return first, nil
}

// terminalWait bounds how long a command waits for the final progress line
// after the operation has finished.
const terminalWait = 5 * time.Second

// progressPrinter renders progress updates on one line of w.
type progressPrinter struct {
	mu       sync.Mutex
	w        io.Writer
	tty      bool
	last     pm.Phase
	terminal chan struct{}
	seen     bool
}

func newProgressPrinter(f *os.File) *progressPrinter {
	return newPrinter(f, term.IsTerminal(int(f.Fd())))
}

func newPrinter(w io.Writer, tty bool) *progressPrinter {
	return &progressPrinter{w: w, tty: tty, terminal: make(chan struct{})}
}

// Observe is a pm.Observer.
func (p *progressPrinter) Observe(u pm.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.seen {
		return
	}

	line := fmt.Sprintf("%s %-18s %3d%%", u.Kind, u.Phase, u.Percent)
	if u.Total > 0 {
		line += fmt.Sprintf("  %d/%d", u.Current, u.Total)
	}
	if u.Detail != "" {
		line += "  " + u.Detail
	}
	done := u.Status.Terminal()
	if done {
		line += "  " + string(u.Status)
	}

	switch {
	case p.tty:
		fmt.Fprintf(p.w, "\r\033[K%s", line)
		if done {
			fmt.Fprintln(p.w)
		}
	case u.Phase != p.last || done:
		// Without a terminal only phase changes and the final status are printed.
		fmt.Fprintln(p.w, line)
		p.last = u.Phase
	}

	if done {
		p.seen = true
		close(p.terminal)
	}
}

// WaitTerminal blocks until the final update has been printed or timeout
// passes. It reports whether the final update was seen.
func (p *progressPrinter) WaitTerminal(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.terminal:
		return true
	case <-t.C:
		return false
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
