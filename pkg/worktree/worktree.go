// Package worktree creates per-agent isolated workspaces on dedicated git
// branches, copies the role prompt into each, and cleans them up.
package worktree

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/runner"
)

// Error codes for worktree operations.
const (
	CodeNotARepo         = "NOT_A_REPO"
	CodeWorktreeExists   = "WORKTREE_EXISTS"
	CodeWorktreeNotFound = "WORKTREE_NOT_FOUND"
	CodeBranchExists     = "BRANCH_EXISTS"
	CodeGitFailed        = "GIT_FAILED"
	CodeRoleNotFound     = "ROLE_NOT_FOUND"
	CodeCleanupFailed    = "CLEANUP_FAILED"
)

// Error is a worktree operation failure.
type Error struct {
	Code    string
	Op      string
	Details string
	Cause   error
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("worktree %s: %s: %s", e.Op, e.Code, e.Details)
	}
	return fmt.Sprintf("worktree %s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf returns the worktree error code of err, or empty.
func CodeOf(err error) string {
	if e, ok := err.(*Error); ok {
		return e.Code
	}
	return ""
}

// PromptFileName is the prompt file each assistant reads from its worktree root.
const PromptFileName = "CLAUDE.md"

// worktreesDir is the session-root directory worktrees live under.
const worktreesDir = ".worktrees"

// branchRe extracts the session id from a swarm branch name.
var branchRe = regexp.MustCompile(`^swarm/\w+-(\S+)$`)

// BranchName derives the dedicated branch for a role and session.
func BranchName(role models.Role, sessionID string) string {
	return fmt.Sprintf("swarm/%s-%s", role, sessionID)
}

// Info describes one worktree from the porcelain listing.
type Info struct {
	Path   string
	Branch string
	Head   string
	Locked bool
}

// SwarmInfo is the filtered view of a swarm-owned worktree.
type SwarmInfo struct {
	Info
	Role      models.Role
	SessionID string
}

// Manager drives the git binary for worktree operations. All worktrees are
// created under {repoRoot}/.worktrees/{role}.
type Manager struct {
	run      runner.CommandRunner
	repoRoot string
	rolesDir string // directory holding roles/{role}/CLAUDE.md prompt sources
}

// NewManager creates a manager for the repository at repoRoot. rolesDir is
// where the shipped role prompts live; empty means {repoRoot}/roles.
func NewManager(run runner.CommandRunner, repoRoot, rolesDir string) *Manager {
	if run == nil {
		run = &runner.DefaultCommandRunner{}
	}
	if rolesDir == "" {
		rolesDir = filepath.Join(repoRoot, "roles")
	}
	return &Manager{run: run, repoRoot: repoRoot, rolesDir: rolesDir}
}

// git invokes git with -C repoRoot and classifies failures.
func (m *Manager) git(ctx context.Context, op string, args ...string) (runner.Result, error) {
	full := append([]string{"-C", m.repoRoot}, args...)
	res, err := m.run.Run(ctx, "git", full...)
	if err == nil {
		return res, nil
	}
	stderr := strings.TrimSpace(res.Stderr)
	code := CodeGitFailed
	switch {
	case strings.Contains(stderr, "not a git repository"):
		code = CodeNotARepo
	case strings.Contains(stderr, "already exists"):
		if strings.Contains(stderr, "branch") {
			code = CodeBranchExists
		} else {
			code = CodeWorktreeExists
		}
	case strings.Contains(stderr, "is not a working tree"):
		code = CodeWorktreeNotFound
	}
	return res, &Error{Code: code, Op: op, Details: stderr, Cause: err}
}

// Path returns the worktree path for a role.
func (m *Manager) Path(role models.Role) string {
	return filepath.Join(m.repoRoot, worktreesDir, string(role))
}

// validateRepo confirms we are inside a version-controlled project with at
// least one commit.
func (m *Manager) validateRepo(ctx context.Context) error {
	res, err := m.git(ctx, "rev-parse", "rev-parse", "--is-inside-work-tree")
	if err != nil || strings.TrimSpace(res.Stdout) != "true" {
		return &Error{Code: CodeNotARepo, Op: "validate",
			Details: "not inside a git work tree", Cause: err}
	}
	if _, err := m.git(ctx, "rev-parse", "rev-parse", "HEAD"); err != nil {
		return &Error{Code: CodeNotARepo, Op: "validate",
			Details: "repository has no commits", Cause: err}
	}
	return nil
}

// Create adds a worktree for the role on a new branch based on the current
// branch (or HEAD) and copies the role prompt into its root. Any failure
// after the worktree exists rolls back both the worktree and the branch.
func (m *Manager) Create(ctx context.Context, role models.Role, sessionID string) (string, error) {
	if !models.IsAgentRole(role) {
		return "", &Error{Code: CodeRoleNotFound, Op: "create",
			Details: fmt.Sprintf("unknown role %q", role)}
	}
	if !models.IsSafeName(sessionID) {
		return "", &Error{Code: CodeGitFailed, Op: "create",
			Details: fmt.Sprintf("invalid session id %q", sessionID)}
	}
	if err := m.validateRepo(ctx); err != nil {
		return "", err
	}

	path := m.Path(role)
	if _, err := os.Stat(path); err == nil {
		return "", &Error{Code: CodeWorktreeExists, Op: "create",
			Details: fmt.Sprintf("path %s already exists", path)}
	}

	base := "HEAD"
	if res, err := m.git(ctx, "rev-parse", "rev-parse", "--abbrev-ref", "HEAD"); err == nil {
		if ref := strings.TrimSpace(res.Stdout); ref != "" && ref != "HEAD" {
			base = ref
		}
	}

	branch := BranchName(role, sessionID)
	if _, err := m.git(ctx, "worktree-add", "worktree", "add", path, "-b", branch, base); err != nil {
		return "", err
	}

	if err := m.copyPrompt(role, path); err != nil {
		slog.Warn("Rolling back worktree after prompt copy failure", "role", role, "error", err)
		m.rollback(ctx, path, branch)
		return "", err
	}
	slog.Info("Created worktree", "role", role, "path", path, "branch", branch)
	return path, nil
}

// copyPrompt installs roles/{role}/CLAUDE.md into the worktree root.
func (m *Manager) copyPrompt(role models.Role, worktreePath string) error {
	src := filepath.Join(m.rolesDir, string(role), PromptFileName)
	data, err := os.ReadFile(src)
	if err != nil {
		return &Error{Code: CodeRoleNotFound, Op: "copy-prompt",
			Details: fmt.Sprintf("prompt for role %q not found at %s", role, src), Cause: err}
	}
	dst := filepath.Join(worktreePath, PromptFileName)
	if err := os.WriteFile(dst, data, 0o644); err != nil {
		return &Error{Code: CodeGitFailed, Op: "copy-prompt",
			Details: fmt.Sprintf("write prompt %s: %v", dst, err), Cause: err}
	}
	return nil
}

// rollback force-removes a half-created worktree and its branch.
func (m *Manager) rollback(ctx context.Context, path, branch string) {
	if _, err := m.git(ctx, "worktree-remove", "worktree", "remove", path, "--force"); err != nil {
		_ = os.RemoveAll(path)
	}
	// Branch may not exist yet; deletion failure is expected then.
	_, _ = m.git(ctx, "branch-delete", "branch", "-D", branch)
}

// CreateAll creates a worktree for every role with one shared session id.
// Atomic: if any creation fails, everything created so far is rolled back
// and the error is returned.
func (m *Manager) CreateAll(ctx context.Context, roles []models.Role, sessionID string) (map[models.Role]string, error) {
	created := make(map[models.Role]string, len(roles))
	for _, role := range roles {
		path, err := m.Create(ctx, role, sessionID)
		if err != nil {
			for r, p := range created {
				m.rollback(ctx, p, BranchName(r, sessionID))
			}
			return nil, err
		}
		created[role] = path
	}
	return created, nil
}

// Remove tears down a role's worktree. Idempotent: a missing worktree is
// success; if the metadata is gone but the directory remains, the directory
// is force-removed. deleteBranch failures are swallowed (the branch may
// already be gone).
func (m *Manager) Remove(ctx context.Context, role models.Role, sessionID string, deleteBranch bool) error {
	path := m.Path(role)
	_, err := m.git(ctx, "worktree-remove", "worktree", "remove", path, "--force")
	if err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if rmErr := os.RemoveAll(path); rmErr != nil {
				return &Error{Code: CodeCleanupFailed, Op: "remove",
					Details: fmt.Sprintf("force-remove %s: %v", path, rmErr), Cause: rmErr}
			}
		}
	}
	_, _ = m.git(ctx, "worktree-prune", "worktree", "prune")
	if deleteBranch {
		_, _ = m.git(ctx, "branch-delete", "branch", "-D", BranchName(role, sessionID))
	}
	return nil
}

// List parses `git worktree list --porcelain` into worktree infos.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	res, err := m.git(ctx, "worktree-list", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parsePorcelain(res.Stdout), nil
}

// parsePorcelain decodes the blank-line-separated porcelain records.
func parsePorcelain(out string) []Info {
	var infos []Info
	var cur *Info
	flush := func() {
		if cur != nil && cur.Path != "" {
			infos = append(infos, *cur)
		}
		cur = nil
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimRight(line, "\r")
		if line == "" {
			flush()
			continue
		}
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			cur = &Info{Path: strings.TrimPrefix(line, "worktree ")}
		case cur == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			cur.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			cur.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		case line == "locked" || strings.HasPrefix(line, "locked "):
			cur.Locked = true
		}
	}
	flush()
	return infos
}

// ListSwarm filters the listing to swarm-owned worktrees: entries under
// .worktrees/ whose role segment is a known role and whose branch carries a
// valid session id.
func (m *Manager) ListSwarm(ctx context.Context) ([]SwarmInfo, error) {
	infos, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	prefix := filepath.Join(m.repoRoot, worktreesDir) + string(filepath.Separator)
	var out []SwarmInfo
	for _, info := range infos {
		if !strings.HasPrefix(info.Path, prefix) {
			continue
		}
		role := models.Role(filepath.Base(info.Path))
		if !models.IsAgentRole(role) {
			continue
		}
		match := branchRe.FindStringSubmatch(info.Branch)
		if match == nil || !models.IsSafeName(match[1]) {
			continue
		}
		out = append(out, SwarmInfo{Info: info, Role: role, SessionID: match[1]})
	}
	return out, nil
}

// Lock marks a worktree as locked with an optional reason.
func (m *Manager) Lock(ctx context.Context, role models.Role, reason string) error {
	args := []string{"worktree", "lock", m.Path(role)}
	if reason != "" {
		args = append(args, "--reason="+reason)
	}
	_, err := m.git(ctx, "worktree-lock", args...)
	return err
}

// Unlock releases a worktree lock.
func (m *Manager) Unlock(ctx context.Context, role models.Role) error {
	_, err := m.git(ctx, "worktree-unlock", "worktree", "unlock", m.Path(role))
	return err
}

// Prune drops stale worktree metadata.
func (m *Manager) Prune(ctx context.Context) error {
	_, err := m.git(ctx, "worktree-prune", "worktree", "prune")
	return err
}

// Head returns the HEAD commit of a role's worktree.
func (m *Manager) Head(ctx context.Context, role models.Role) (string, error) {
	res, err := m.run.Run(ctx, "git", "-C", m.Path(role), "rev-parse", "HEAD")
	if err != nil {
		return "", &Error{Code: CodeGitFailed, Op: "head",
			Details: strings.TrimSpace(res.Stderr), Cause: err}
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Dirty reports whether a role's worktree has uncommitted changes.
func (m *Manager) Dirty(ctx context.Context, role models.Role) (bool, error) {
	res, err := m.run.Run(ctx, "git", "-C", m.Path(role), "status", "--porcelain")
	if err != nil {
		return false, &Error{Code: CodeGitFailed, Op: "status",
			Details: strings.TrimSpace(res.Stderr), Cause: err}
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}
