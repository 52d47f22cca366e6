// Package tmux wraps the terminal multiplexer binary behind a typed
// adapter. Panes are always addressed by their stable %N id: positional
// indices renumber on layout changes and are treated as informational only.
package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/runner"
)

// Error codes for multiplexer operations.
const (
	CodeSessionExists   = "SESSION_EXISTS"
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodePaneNotFound    = "PANE_NOT_FOUND"
	CodeTmuxNotRunning  = "TMUX_NOT_RUNNING"
	CodeCommandFailed   = "COMMAND_FAILED"
)

// Error is a multiplexer operation failure. Details carries the stderr of
// the underlying command.
type Error struct {
	Code    string
	Op      string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("tmux %s: %s: %s", e.Op, e.Code, e.Details)
	}
	return fmt.Sprintf("tmux %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf returns the tmux error code of err, or empty.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// paneIDRe matches the stable pane identifier form.
var paneIDRe = regexp.MustCompile(`^%\d+$`)

// IsPaneID reports whether s is a stable %N pane identifier.
func IsPaneID(s string) bool {
	return paneIDRe.MatchString(s)
}

// SessionName derives the multiplexer session name for a swarm session id.
func SessionName(sessionID string) string {
	return "swarm_" + sessionID
}

// SessionInfo describes one live multiplexer session.
type SessionInfo struct {
	Name     string
	Windows  int
	Created  time.Time
	Attached bool
}

// PaneInfo describes one pane in a session.
type PaneInfo struct {
	ID     string // stable %N form
	Index  int    // positional; informational only
	Active bool
}

// Adapter drives the tmux binary through a CommandRunner.
type Adapter struct {
	run runner.CommandRunner
	bin string
}

// NewAdapter creates an adapter using the given runner. A nil runner
// defaults to executing the real binary.
func NewAdapter(run runner.CommandRunner) *Adapter {
	if run == nil {
		run = &runner.DefaultCommandRunner{}
	}
	return &Adapter{run: run, bin: "tmux"}
}

// exec invokes tmux and classifies failures.
func (a *Adapter) exec(ctx context.Context, op string, args ...string) (runner.Result, error) {
	res, err := a.run.Run(ctx, a.bin, args...)
	if err == nil {
		return res, nil
	}
	if runner.IsNotInstalled(err) {
		return res, &Error{Code: CodeTmuxNotRunning, Op: op, Details: "tmux binary not found", Cause: err}
	}
	stderr := strings.TrimSpace(res.Stderr)
	code := CodeCommandFailed
	switch {
	case strings.Contains(stderr, "no server running"):
		code = CodeTmuxNotRunning
	case strings.Contains(stderr, "session not found") || strings.Contains(stderr, "can't find session"):
		code = CodeSessionNotFound
	case strings.Contains(stderr, "can't find pane") || strings.Contains(stderr, "no such pane"):
		code = CodePaneNotFound
	case strings.Contains(stderr, "duplicate session"):
		code = CodeSessionExists
	}
	return res, &Error{Code: code, Op: op, Details: stderr, Cause: err}
}

// validateSessionName rejects names that could smuggle shell metacharacters
// into external command arguments.
func validateSessionName(name string) error {
	if !models.IsSafeName(name) {
		return &Error{Code: CodeCommandFailed, Op: "validate",
			Details: fmt.Sprintf("invalid session name %q", name)}
	}
	return nil
}

// HasSession reports whether a session with the given name is live.
func (a *Adapter) HasSession(ctx context.Context, name string) (bool, error) {
	if err := validateSessionName(name); err != nil {
		return false, err
	}
	_, err := a.exec(ctx, "has-session", "has-session", "-t", name)
	if err == nil {
		return true, nil
	}
	switch CodeOf(err) {
	case CodeSessionNotFound, CodeTmuxNotRunning, CodeCommandFailed:
		// has-session exits 1 for missing sessions without a distinctive
		// message on some versions.
		return false, nil
	}
	return false, err
}

// CreateSession starts a detached session with one initial pane. Fails
// with SESSION_EXISTS if a session of that name is live.
func (a *Adapter) CreateSession(ctx context.Context, name string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	exists, err := a.HasSession(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return &Error{Code: CodeSessionExists, Op: "new-session",
			Details: fmt.Sprintf("session %q already exists", name)}
	}
	_, err = a.exec(ctx, "new-session", "new-session", "-d", "-s", name)
	return err
}

// KillSession tears the session down. Idempotent: a missing session or a
// stopped server both resolve to success.
func (a *Adapter) KillSession(ctx context.Context, name string) error {
	if err := validateSessionName(name); err != nil {
		return err
	}
	_, err := a.exec(ctx, "kill-session", "kill-session", "-t", name)
	if err != nil {
		switch CodeOf(err) {
		case CodeSessionNotFound, CodeTmuxNotRunning:
			return nil
		}
		return err
	}
	return nil
}

// ListSessions parses `list-sessions` output into session infos. A stopped
// server yields an empty list.
func (a *Adapter) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	res, err := a.exec(ctx, "list-sessions",
		"list-sessions", "-F", "#{session_name}|#{session_windows}|#{session_created}|#{session_attached}")
	if err != nil {
		if CodeOf(err) == CodeTmuxNotRunning {
			return nil, nil
		}
		return nil, err
	}
	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 4 {
			continue
		}
		windows, _ := strconv.Atoi(parts[1])
		created, _ := strconv.ParseInt(parts[2], 10, 64)
		sessions = append(sessions, SessionInfo{
			Name:     parts[0],
			Windows:  windows,
			Created:  time.Unix(created, 0),
			Attached: parts[3] != "0",
		})
	}
	return sessions, nil
}

// ListPanes returns the panes of a session with their stable ids.
func (a *Adapter) ListPanes(ctx context.Context, session string) ([]PaneInfo, error) {
	if err := validateSessionName(session); err != nil {
		return nil, err
	}
	res, err := a.exec(ctx, "list-panes",
		"list-panes", "-s", "-t", session, "-F", "#{pane_id}|#{pane_index}|#{pane_active}")
	if err != nil {
		return nil, err
	}
	var panes []PaneInfo
	for _, line := range strings.Split(strings.TrimSpace(res.Stdout), "\n") {
		if line == "" {
			continue
		}
		parts := strings.Split(line, "|")
		if len(parts) < 3 {
			continue
		}
		index, _ := strconv.Atoi(parts[1])
		panes = append(panes, PaneInfo{ID: parts[0], Index: index, Active: parts[2] == "1"})
	}
	return panes, nil
}

// HasPane reports whether the pane id exists in the session.
func (a *Adapter) HasPane(ctx context.Context, session, paneID string) (bool, error) {
	panes, err := a.ListPanes(ctx, session)
	if err != nil {
		return false, err
	}
	for _, p := range panes {
		if p.ID == paneID {
			return true, nil
		}
	}
	return false, nil
}

// SplitOptions tunes CreatePane.
type SplitOptions struct {
	Vertical bool
	Percent  int // size of the new pane, 0 for the default even split
}

// CreatePane splits the active pane and returns the new pane's stable id.
func (a *Adapter) CreatePane(ctx context.Context, session string, opts SplitOptions) (string, error) {
	if err := validateSessionName(session); err != nil {
		return "", err
	}
	args := []string{"split-window"}
	if opts.Vertical {
		args = append(args, "-v")
	} else {
		args = append(args, "-h")
	}
	if opts.Percent > 0 {
		args = append(args, "-p", strconv.Itoa(opts.Percent))
	}
	args = append(args, "-t", session, "-P", "-F", "#{pane_id}")
	res, err := a.exec(ctx, "split-window", args...)
	if err != nil {
		return "", err
	}
	paneID := strings.TrimSpace(res.Stdout)
	if !IsPaneID(paneID) {
		return "", &Error{Code: CodeCommandFailed, Op: "split-window",
			Details: fmt.Sprintf("unexpected pane id %q", paneID)}
	}
	return paneID, nil
}

// CreatePaneGrid builds n additional panes by alternating the split
// direction, then applies the tiled layout for a balanced grid.
func (a *Adapter) CreatePaneGrid(ctx context.Context, session string, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := a.CreatePane(ctx, session, SplitOptions{Vertical: i%2 == 0})
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	if _, err := a.exec(ctx, "select-layout", "select-layout", "-t", session, "tiled"); err != nil {
		return ids, err
	}
	return ids, nil
}

// target builds the SESSION:%PANE target argument.
func target(session, paneID string) string {
	return session + ":" + paneID
}

// SendKeys sends text to a pane. In literal mode the payload is emitted
// verbatim (-l); otherwise key names like Enter and C-c are interpreted.
// Unless literal, an Enter is appended after the payload.
func (a *Adapter) SendKeys(ctx context.Context, session, paneID, text string, literal bool) error {
	if err := validateSessionName(session); err != nil {
		return err
	}
	if !IsPaneID(paneID) {
		return &Error{Code: CodePaneNotFound, Op: "send-keys",
			Details: fmt.Sprintf("invalid pane id %q", paneID)}
	}
	args := []string{"send-keys", "-t", target(session, paneID)}
	if literal {
		args = append(args, "-l", text)
	} else {
		args = append(args, text, "Enter")
	}
	_, err := a.exec(ctx, "send-keys", args...)
	return err
}

// SendLiteralLine sends text verbatim followed by a separate Enter key.
func (a *Adapter) SendLiteralLine(ctx context.Context, session, paneID, text string) error {
	if err := a.SendKeys(ctx, session, paneID, text, true); err != nil {
		return err
	}
	_, err := a.exec(ctx, "send-keys", "send-keys", "-t", target(session, paneID), "Enter")
	return err
}

// ansiRe strips ANSI escape sequences from captured output.
var ansiRe = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07]*\x07`)

// CapturePane returns up to lines of pane-buffer text counted from the
// bottom of the history. ANSI escapes are stripped unless keepEscapes.
func (a *Adapter) CapturePane(ctx context.Context, session, paneID string, lines int, keepEscapes bool) (string, error) {
	if err := validateSessionName(session); err != nil {
		return "", err
	}
	if !IsPaneID(paneID) {
		return "", &Error{Code: CodePaneNotFound, Op: "capture-pane",
			Details: fmt.Sprintf("invalid pane id %q", paneID)}
	}
	args := []string{"capture-pane", "-t", target(session, paneID), "-p"}
	if keepEscapes {
		args = append(args, "-e")
	}
	if lines > 0 {
		args = append(args, "-S", strconv.Itoa(-lines))
	}
	res, err := a.exec(ctx, "capture-pane", args...)
	if err != nil {
		return "", err
	}
	out := res.Stdout
	if !keepEscapes {
		out = ansiRe.ReplaceAllString(out, "")
	}
	return out, nil
}

// WaitOptions tunes WaitForPattern.
type WaitOptions struct {
	Interval time.Duration
	Timeout  time.Duration
	Lines    int
}

// WaitForPattern polls capture-pane until the regex matches and returns the
// captured output, or fails with COMMAND_FAILED on timeout.
func (a *Adapter) WaitForPattern(ctx context.Context, session, paneID string, pattern *regexp.Regexp, opts WaitOptions) (string, error) {
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Lines <= 0 {
		opts.Lines = 50
	}
	deadline := time.Now().Add(opts.Timeout)
	for {
		out, err := a.CapturePane(ctx, session, paneID, opts.Lines, false)
		if err != nil {
			return "", err
		}
		if pattern.MatchString(out) {
			return out, nil
		}
		if time.Now().After(deadline) {
			slog.Debug("Pattern wait timed out", "session", session, "pane", paneID, "pattern", pattern.String())
			return "", &Error{Code: CodeCommandFailed, Op: "wait-for-pattern",
				Details: fmt.Sprintf("pattern %q not seen within %s", pattern.String(), opts.Timeout)}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(opts.Interval):
		}
	}
}

// KillPane destroys a pane. A missing pane resolves to success.
func (a *Adapter) KillPane(ctx context.Context, session, paneID string) error {
	if !IsPaneID(paneID) {
		return &Error{Code: CodePaneNotFound, Op: "kill-pane",
			Details: fmt.Sprintf("invalid pane id %q", paneID)}
	}
	_, err := a.exec(ctx, "kill-pane", "kill-pane", "-t", target(session, paneID))
	if err != nil && CodeOf(err) == CodePaneNotFound {
		return nil
	}
	return err
}

// ResizePane adjusts a pane's size by the given cell delta in one direction
// (-U, -D, -L or -R as dir).
func (a *Adapter) ResizePane(ctx context.Context, session, paneID, dir string, cells int) error {
	if !IsPaneID(paneID) {
		return &Error{Code: CodePaneNotFound, Op: "resize-pane",
			Details: fmt.Sprintf("invalid pane id %q", paneID)}
	}
	_, err := a.exec(ctx, "resize-pane",
		"resize-pane", "-t", target(session, paneID), dir, strconv.Itoa(cells))
	return err
}
