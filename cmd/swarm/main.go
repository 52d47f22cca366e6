// swarm orchestrates AI assistant agents in tmux panes and git worktrees,
// driving them through a declarative workflow until a synthesised result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/api"
	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/cleanup"
	"github.com/codeready-toolchain/swarm/pkg/config"
	"github.com/codeready-toolchain/swarm/pkg/controller"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/recovery"
	"github.com/codeready-toolchain/swarm/pkg/runner"
	"github.com/codeready-toolchain/swarm/pkg/session"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/version"
	"github.com/codeready-toolchain/swarm/pkg/worktree"
)

// Exit codes.
const (
	exitOK       = 0
	exitFailure  = 1
	exitArgument = 2
	exitBusy     = 3
	exitSignal   = 130
)

func usage() {
	fmt.Fprintf(os.Stderr, `swarm %s — multi-agent workflow orchestrator

Usage: swarm [-C dir] <command> [arguments]

Commands:
  start -workflow NAME -goal TEXT   start a workflow session (foreground)
  resume [-session ID]              resume an interrupted session from its checkpoint
  attach                            attach the terminal to the running tmux session
  logs ROLE [-lines N]              print the tail of a role's pane output
  status                            show the most recent session
  messages [role]                   print queue contents
  history [-limit N]                list past sessions
  stop                              ask the running session to stop gracefully
  kill                              force-kill the running session and its panes
  clean                             remove stale sessions, worktrees and queues
  version                           print the version

`, version.Full())
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("swarm", flag.ContinueOnError)
	fs.Usage = usage
	rootDir := fs.String("C", ".", "session root directory")
	if err := fs.Parse(args); err != nil {
		return exitArgument
	}
	if fs.NArg() == 0 {
		usage()
		return exitArgument
	}

	cfg, err := config.Load(*rootDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm: %v\n", err)
		return exitArgument
	}
	setupLogging(cfg, nil)

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	switch cmd {
	case "start":
		return cmdStart(cfg, rest)
	case "resume":
		return cmdResume(cfg, rest)
	case "attach":
		return cmdAttach(cfg)
	case "logs":
		return cmdLogs(cfg, rest)
	case "status":
		return cmdStatus(cfg)
	case "messages":
		return cmdMessages(cfg, rest)
	case "history":
		return cmdHistory(cfg, rest)
	case "stop":
		return cmdStop(cfg)
	case "kill":
		return cmdKill(cfg)
	case "clean":
		return cmdClean(cfg)
	case "version":
		fmt.Println(version.Full())
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "swarm: unknown command %q\n", cmd)
		usage()
		return exitArgument
	}
}

// setupLogging points slog at stderr, teeing into the session log file
// once one exists.
func setupLogging(cfg *config.Config, sessionLog io.Writer) {
	var w io.Writer = os.Stderr
	if sessionLog != nil {
		w = io.MultiWriter(os.Stderr, sessionLog)
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
	_ = cfg
}

func cmdStart(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	workflowName := fs.String("workflow", "", "workflow template name")
	goal := fs.String("goal", "", "the goal handed to the agents")
	template := fs.String("template", "", "path to a custom workflow template (YAML)")
	if err := fs.Parse(args); err != nil {
		return exitArgument
	}
	if *workflowName == "" || *goal == "" {
		fmt.Fprintln(os.Stderr, "swarm start: -workflow and -goal are required")
		return exitArgument
	}

	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open audit store", "error", err)
		return exitFailure
	}
	defer store.Close()

	ctrl := controller.New(cfg, store, &runner.DefaultCommandRunner{})
	defer ctrl.Close()

	if *template != "" {
		if err := ctrl.Registry().LoadCustom(*template); err != nil {
			fmt.Fprintf(os.Stderr, "swarm start: loading template: %v\n", err)
			return exitArgument
		}
	}

	sess, err := ctrl.StartWorkflow(ctx, *workflowName, *goal)
	if err != nil {
		if rec := models.AsErrorRecord(err, models.CodeInvalidArgument, "cli"); rec != nil {
			switch rec.Code {
			case models.CodeSessionExists:
				fmt.Fprintf(os.Stderr, "swarm start: %v\n", err)
				return exitBusy
			case models.CodeWorkflowNotFound, models.CodeInvalidArgument:
				fmt.Fprintf(os.Stderr, "swarm start: %v\n", err)
				return exitArgument
			}
		}
		slog.Error("Workflow start failed", "error", err)
		return exitFailure
	}

	return runForeground(ctx, cfg, ctrl, store, sess)
}

// runForeground drives a live session to completion: pidfile, log tee,
// optional status API, the two-stage interrupt handler and the final
// exit-code mapping.
func runForeground(ctx context.Context, cfg *config.Config, ctrl *controller.Controller, store *audit.Store, sess *session.Session) int {
	// Record the orchestrator pid so stop/kill can find us from another shell.
	if err := writePidfile(cfg, sess.ID); err != nil {
		slog.Warn("Pidfile unavailable", "error", err)
	} else {
		defer os.Remove(cfg.PidPath())
	}

	// Tee the log into logs/{id}.log now that the id exists.
	if f, err := openSessionLog(cfg, sess.ID); err == nil {
		defer f.Close()
		setupLogging(cfg, f)
	} else {
		slog.Warn("Session log unavailable", "error", err)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API.Addr, ctrl, store, bus.NewStore(cfg.MessagesDir()))
		go func() {
			if err := apiServer.Start(); err != nil {
				slog.Error("Status API failed", "error", err)
			}
		}()
	}

	// First SIGINT requests a graceful stop; a second one within the grace
	// window kills the panes outright.
	interrupted := make(chan struct{}, 1)
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("Interrupt received, stopping gracefully (interrupt again to force)")
		interrupted <- struct{}{}
		go ctrl.Stop(context.Background())
		<-sigCh
		slog.Warn("Second interrupt, killing session")
		ctrl.Kill(context.Background())
	}()

	result, err := ctrl.Wait(ctx)
	if apiServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = apiServer.Shutdown(shutdownCtx)
		cancel()
	}

	select {
	case <-interrupted:
		return exitSignal
	default:
	}
	if err != nil {
		slog.Error("Workflow failed", "error", err)
		return exitFailure
	}
	if result == nil || !result.Success {
		return exitFailure
	}
	fmt.Println(result.Summary)
	return exitOK
}

// cmdResume revives an interrupted session from its latest checkpoint and
// runs it in the foreground like start does.
func cmdResume(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	sessionID := fs.String("session", "", "session id (default: the most recent session)")
	if err := fs.Parse(args); err != nil {
		return exitArgument
	}

	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.DatabasePath())
	if err != nil {
		slog.Error("Failed to open audit store", "error", err)
		return exitFailure
	}
	defer store.Close()

	id := *sessionID
	if id == "" {
		sessions, err := store.ListSessions(ctx, 1)
		if err != nil || len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "swarm resume: no sessions recorded")
			return exitFailure
		}
		id = sessions[0].ID
	}

	ctrl := controller.New(cfg, store, &runner.DefaultCommandRunner{})
	defer ctrl.Close()

	sess, err := ctrl.ResumeWorkflow(ctx, id)
	if err != nil {
		if rec := models.AsErrorRecord(err, models.CodeInvalidArgument, "cli"); rec != nil {
			switch rec.Code {
			case models.CodeSessionExists:
				fmt.Fprintf(os.Stderr, "swarm resume: %v\n", err)
				return exitBusy
			case models.CodeSessionNotFound, models.CodeWorkflowNotFound, models.CodeInvalidArgument:
				fmt.Fprintf(os.Stderr, "swarm resume: %v\n", err)
				return exitArgument
			}
		}
		slog.Error("Workflow resume failed", "error", err)
		return exitFailure
	}
	fmt.Printf("resumed session %s\n", sess.ID)

	return runForeground(ctx, cfg, ctrl, store, sess)
}

// cmdAttach replaces the CLI process with tmux attached to the running
// session, so detaching works with the native tmux key binding.
func cmdAttach(cfg *config.Config) int {
	_, sessionID, ok := readPidfile(cfg)
	if !ok {
		fmt.Fprintln(os.Stderr, "swarm attach: no running session")
		return exitFailure
	}
	bin, err := exec.LookPath("tmux")
	if err != nil {
		fmt.Fprintln(os.Stderr, "swarm attach: tmux not found in PATH")
		return exitFailure
	}
	argv := []string{"tmux", "attach-session", "-t", tmux.SessionName(sessionID)}
	if err := syscall.Exec(bin, argv, os.Environ()); err != nil {
		fmt.Fprintf(os.Stderr, "swarm attach: %v\n", err)
		return exitFailure
	}
	return exitOK
}

// cmdLogs prints the tail of a role's pane output. The pane id comes from
// the session's latest checkpoint, so this also works for a session whose
// orchestrator has died while its panes survive.
func cmdLogs(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("logs", flag.ContinueOnError)
	lines := fs.Int("lines", 200, "pane history lines to capture")
	if err := fs.Parse(args); err != nil {
		return exitArgument
	}
	if fs.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "swarm logs: role argument required")
		return exitArgument
	}
	role := models.Role(fs.Arg(0))
	if !models.IsAgentRole(role) {
		fmt.Fprintf(os.Stderr, "swarm logs: unknown role %q\n", fs.Arg(0))
		return exitArgument
	}

	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm logs: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	_, sessionID, ok := readPidfile(cfg)
	if !ok {
		sessions, err := store.ListSessions(ctx, 1)
		if err != nil || len(sessions) == 0 {
			fmt.Fprintln(os.Stderr, "swarm logs: no sessions recorded")
			return exitFailure
		}
		sessionID = sessions[0].ID
	}

	chk := recovery.NewCheckpointer(store, bus.NewStore(cfg.MessagesDir()), cfg.Checkpoint.Retention)
	cp, err := chk.Latest(ctx, sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm logs: no checkpoint for session %s\n", sessionID)
		return exitFailure
	}
	var paneID string
	for _, agent := range cp.AgentStates {
		if agent.Role == role {
			paneID = agent.PaneID
			break
		}
	}
	if paneID == "" {
		fmt.Fprintf(os.Stderr, "swarm logs: no pane recorded for role %s in session %s\n", role, sessionID)
		return exitFailure
	}

	mux := tmux.NewAdapter(&runner.DefaultCommandRunner{})
	out, err := mux.CapturePane(ctx, tmux.SessionName(sessionID), paneID, *lines, false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm logs: %v\n", err)
		return exitFailure
	}
	fmt.Print(out)
	return exitOK
}

func openSessionLog(cfg *config.Config, sessionID string) (*os.File, error) {
	path := cfg.LogPath(sessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// writePidfile records "pid session_id" under the state dir.
func writePidfile(cfg *config.Config, sessionID string) error {
	if err := os.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return err
	}
	line := fmt.Sprintf("%d %s\n", os.Getpid(), sessionID)
	return os.WriteFile(cfg.PidPath(), []byte(line), 0o644)
}

// readPidfile returns the recorded pid and session id if the process is
// still alive. Stale pidfiles are removed on the way.
func readPidfile(cfg *config.Config) (int, string, bool) {
	data, err := os.ReadFile(cfg.PidPath())
	if err != nil {
		return 0, "", false
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		os.Remove(cfg.PidPath())
		return 0, "", false
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || syscall.Kill(pid, 0) != nil {
		os.Remove(cfg.PidPath())
		return 0, "", false
	}
	return pid, fields[1], true
}

func cmdStop(cfg *config.Config) int {
	pid, sessionID, ok := readPidfile(cfg)
	if !ok {
		fmt.Fprintln(os.Stderr, "swarm stop: no running session")
		return exitFailure
	}
	if err := syscall.Kill(pid, syscall.SIGINT); err != nil {
		fmt.Fprintf(os.Stderr, "swarm stop: %v\n", err)
		return exitFailure
	}
	fmt.Printf("stopping session %s (pid %d)\n", sessionID, pid)
	return exitOK
}

func cmdKill(cfg *config.Config) int {
	pid, sessionID, ok := readPidfile(cfg)
	if !ok {
		fmt.Fprintln(os.Stderr, "swarm kill: no running session")
		return exitFailure
	}
	_ = syscall.Kill(pid, syscall.SIGKILL)
	os.Remove(cfg.PidPath())

	// The orchestrator is gone; tear the panes down ourselves.
	mux := tmux.NewAdapter(&runner.DefaultCommandRunner{})
	if err := mux.KillSession(context.Background(), tmux.SessionName(sessionID)); err != nil {
		slog.Warn("Killing tmux session failed", "session", sessionID, "error", err)
	}
	fmt.Printf("killed session %s (pid %d)\n", sessionID, pid)
	return exitOK
}

func cmdStatus(cfg *config.Config) int {
	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm status: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, 1)
	if err != nil || len(sessions) == 0 {
		fmt.Println("no sessions")
		return exitOK
	}
	row := sessions[0]
	fmt.Printf("session   %s\nworkflow  %s\ngoal      %s\nstatus    %s\nstarted   %s\n",
		row.ID, row.WorkflowType, row.Goal, row.Status, row.CreatedAt)
	if row.CompletedAt != nil {
		fmt.Printf("completed %s\n", *row.CompletedAt)
	}
	n, err := store.CountMessages(ctx, row.ID)
	if err == nil {
		fmt.Printf("messages  %d\n", n)
	}
	return exitOK
}

func cmdMessages(cfg *config.Config, args []string) int {
	queues := bus.NewStore(cfg.MessagesDir())
	roles := models.QueueRoles
	if len(args) > 0 {
		role := models.Role(args[0])
		if !models.IsQueueRole(role) {
			fmt.Fprintf(os.Stderr, "swarm messages: unknown role %q\n", args[0])
			return exitArgument
		}
		roles = []models.Role{role}
	}
	out := make(map[string]any)
	for _, role := range roles {
		inbox, _ := queues.Read(bus.Inbox, role)
		outbox, _ := queues.Read(bus.Outbox, role)
		out[string(role)] = map[string]any{"inbox": inbox, "outbox": outbox}
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return exitFailure
	}
	return exitOK
}

func cmdHistory(cfg *config.Config, args []string) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	limit := fs.Int("limit", 20, "number of sessions to show")
	if err := fs.Parse(args); err != nil {
		return exitArgument
	}

	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.DatabasePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm history: %v\n", err)
		return exitFailure
	}
	defer store.Close()

	sessions, err := store.ListSessions(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "swarm history: %v\n", err)
		return exitFailure
	}
	for _, row := range sessions {
		fmt.Printf("%s  %-12s  %-12s  %s\n", row.ID, row.WorkflowType, row.Status, row.Goal)
	}
	return exitOK
}

func cmdClean(cfg *config.Config) int {
	ctx := context.Background()
	store, err := audit.Open(ctx, cfg.DatabasePath())
	if err != nil {
		slog.Warn("Audit store unavailable, cleaning filesystem state only", "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	run := &runner.DefaultCommandRunner{}
	cleaner := cleanup.New(
		tmux.NewAdapter(run),
		worktree.NewManager(run, cfg.Paths.Root, cfg.RolesDir()),
		bus.NewStore(cfg.MessagesDir()),
		store,
		cfg.Checkpoint.Retention,
	)
	cleaner.Clean(ctx, "")
	fmt.Println("cleaned")
	return exitOK
}
