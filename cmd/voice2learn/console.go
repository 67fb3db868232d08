package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/yuhaousa/voice2learn/pkg/tutor/session"
)

var (
	badgeBase = lipgloss.NewStyle().Bold(true).Padding(0, 1)

	badgeStyles = map[session.State]lipgloss.Style{
		session.StateConnecting:   badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("11")),
		session.StateReadyToStart: badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("14")),
		session.StateConnected:    badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("10")),
		session.StateReconnecting: badgeBase.Foreground(lipgloss.Color("0")).Background(lipgloss.Color("214")),
		session.StateDisconnected: badgeBase.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("8")),
		session.StateErrored:      badgeBase.Foreground(lipgloss.Color("15")).Background(lipgloss.Color("9")),
	}
	detailStyle = lipgloss.NewStyle().Faint(true)
)

// renderStatus is the one-line console view of a session.
func renderStatus(st session.Status) string {
	style, ok := badgeStyles[st.State]
	if !ok {
		style = badgeBase
	}
	var detail []string
	switch st.State {
	case session.StateReadyToStart:
		detail = append(detail, "press Enter to start")
	case session.StateConnected:
		if st.Speaking {
			detail = append(detail, "tutor speaking")
		} else {
			detail = append(detail, "listening")
		}
	case session.StateReconnecting:
		detail = append(detail, fmt.Sprintf("attempt %d", st.Attempt))
		if st.RetryIn > 0 {
			detail = append(detail, "retry in "+st.RetryIn.Round(time.Second).String())
		}
		detail = append(detail, "r to retry now")
	case session.StateErrored:
		if st.LastError != "" {
			detail = append(detail, st.LastError)
		}
		detail = append(detail, "r to retry")
	}
	line := style.Render(st.State.Badge())
	if len(detail) > 0 {
		line += " " + detailStyle.Render(strings.Join(detail, " · "))
	}
	return line
}

type statusKey struct {
	state    session.State
	attempt  int
	speaking bool
	lastErr  string
}

// printStatus writes a line whenever the visible part of the status changes.
func printStatus(ctx context.Context, w io.Writer, updates <-chan session.Status) {
	var last statusKey
	first := true
	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			key := statusKey{st.State, st.Attempt, st.Speaking, st.LastError}
			if !first && key == last {
				continue
			}
			first, last = false, key
			fmt.Fprint(w, renderStatus(st)+"\r\n")
		}
	}
}

// controls is what the keyboard can do to a session.
type controls interface {
	Activate(ctx context.Context) error
	Retry(ctx context.Context) error
	End()
}

// handleKey applies one key press. It reports whether the user asked to quit.
func handleKey(ctx context.Context, s controls, key byte) (bool, error) {
	switch key {
	case '\r', '\n', ' ':
		return false, s.Activate(ctx)
	case 'r', 'R':
		return false, s.Retry(ctx)
	case 'q', 'Q', 0x03, 0x04:
		s.End()
		return true, nil
	}
	return false, nil
}

// readKeys forwards bytes from r until it fails. The read cannot be
// interrupted, so it runs outside any wait group.
func readKeys(r io.Reader) <-chan byte {
	out := make(chan byte, 16)
	go func() {
		defer close(out)
		buf := make([]byte, 1)
		for {
			n, err := r.Read(buf)
			if n == 1 {
				out <- buf[0]
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func runKeys(ctx context.Context, keys <-chan byte, s controls, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case k, ok := <-keys:
			if !ok {
				return
			}
			quit, err := handleKey(ctx, s, k)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("key ignored", "key", string(rune(k)), "error", err)
			}
			if quit {
				return
			}
		}
	}
}

// rawTerminal switches an interactive stdin to raw mode so single key
// presses arrive without Enter. The returned func restores it.
func rawTerminal(r io.Reader) (func(), error) {
	f, ok := r.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return func() {}, nil
	}
	fd := int(f.Fd())
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw terminal: %w", err)
	}
	return func() { _ = term.Restore(fd, state) }, nil
}
