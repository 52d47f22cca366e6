package worktree

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/runner"
)

func TestBranchName(t *testing.T) {
	assert.Equal(t, "swarm/researcher-abc123", BranchName(models.RoleResearcher, "abc123"))
}

func TestCreateRejectsUnknownRole(t *testing.T) {
	m := NewManager(&runner.FakeCommandRunner{}, t.TempDir(), "")
	_, err := m.Create(context.Background(), models.Role("janitor"), "abc")
	assert.Equal(t, CodeRoleNotFound, CodeOf(err))
}

func TestCreateRejectsUnsafeSessionID(t *testing.T) {
	m := NewManager(&runner.FakeCommandRunner{}, t.TempDir(), "")
	_, err := m.Create(context.Background(), models.RoleResearcher, "abc; rm -rf /")
	assert.Equal(t, CodeGitFailed, CodeOf(err))
}

func TestCreateOutsideRepo(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stderr: "fatal: not a git repository (or any of the parent directories)", ExitCode: 128},
	}}
	m := NewManager(fake, t.TempDir(), "")
	_, err := m.Create(context.Background(), models.RoleResearcher, "abc")
	assert.Equal(t, CodeNotARepo, CodeOf(err))
}

func TestCreateRejectsExistingPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, ".worktrees", "researcher"), 0o755))
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stdout: "true\n"}, // rev-parse --is-inside-work-tree
		{},                 // rev-parse HEAD
	}}
	m := NewManager(fake, root, "")

	_, err := m.Create(context.Background(), models.RoleResearcher, "abc")
	assert.Equal(t, CodeWorktreeExists, CodeOf(err))
}

// A missing role prompt after `worktree add` rolls back both the worktree
// and its branch.
func TestCreateRollsBackOnMissingPrompt(t *testing.T) {
	root := t.TempDir()
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stdout: "true\n"}, // rev-parse --is-inside-work-tree
		{},                 // rev-parse HEAD
		{Stdout: "main\n"}, // rev-parse --abbrev-ref HEAD
		{},                 // worktree add
		{},                 // rollback: worktree remove
		{},                 // rollback: branch -D
	}}
	m := NewManager(fake, root, "")

	_, err := m.Create(context.Background(), models.RoleResearcher, "abc")
	assert.Equal(t, CodeRoleNotFound, CodeOf(err))

	require.Len(t, fake.Calls, 6)
	assert.Contains(t, fake.Calls[3].Args, "add")
	assert.Contains(t, fake.Calls[3].Args, "swarm/researcher-abc")
	assert.Contains(t, fake.Calls[4].Args, "remove")
	assert.Contains(t, fake.Calls[5].Args, "swarm/researcher-abc")
}

func TestCopyPromptInstallsFile(t *testing.T) {
	root := t.TempDir()
	rolesDir := filepath.Join(root, "roles")
	require.NoError(t, os.MkdirAll(filepath.Join(rolesDir, "researcher"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(rolesDir, "researcher", PromptFileName), []byte("# Researcher\n"), 0o644))
	worktree := filepath.Join(root, ".worktrees", "researcher")
	require.NoError(t, os.MkdirAll(worktree, 0o755))

	m := NewManager(&runner.FakeCommandRunner{}, root, rolesDir)
	require.NoError(t, m.copyPrompt(models.RoleResearcher, worktree))

	data, err := os.ReadFile(filepath.Join(worktree, PromptFileName))
	require.NoError(t, err)
	assert.Equal(t, "# Researcher\n", string(data))
}

func TestRemoveIsIdempotent(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stderr: "fatal: '.worktrees/researcher' is not a working tree", ExitCode: 128},
		{}, // worktree prune
		{}, // branch -D
	}}
	m := NewManager(fake, t.TempDir(), "")
	assert.NoError(t, m.Remove(context.Background(), models.RoleResearcher, "abc", true))
}

func TestParsePorcelain(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repo/.worktrees/researcher
HEAD 2222222222222222222222222222222222222222
branch refs/heads/swarm/researcher-abc
locked agent running

worktree /repo/.worktrees/detached
HEAD 3333333333333333333333333333333333333333
detached
`
	infos := parsePorcelain(out)
	require.Len(t, infos, 3)
	assert.Equal(t, "main", infos[0].Branch)
	assert.Equal(t, "swarm/researcher-abc", infos[1].Branch)
	assert.True(t, infos[1].Locked)
	assert.Empty(t, infos[2].Branch)
}

func TestListSwarmFiltersOwnWorktrees(t *testing.T) {
	porcelain := `worktree /repo
branch refs/heads/main

worktree /repo/.worktrees/researcher
branch refs/heads/swarm/researcher-abc

worktree /repo/.worktrees/janitor
branch refs/heads/swarm/janitor-abc

worktree /repo/.worktrees/developer
branch refs/heads/feature/unrelated
`
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{{Stdout: porcelain}}}
	m := NewManager(fake, "/repo", "")

	swarm, err := m.ListSwarm(context.Background())
	require.NoError(t, err)
	require.Len(t, swarm, 1)
	assert.Equal(t, models.RoleResearcher, swarm[0].Role)
	assert.Equal(t, "abc", swarm[0].SessionID)
}

func TestHead(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stdout: "deadbeef\n"},
	}}
	m := NewManager(fake, "/repo", "")

	head, err := m.Head(context.Background(), models.RoleResearcher)
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", head)
}

func TestDirty(t *testing.T) {
	fake := &runner.FakeCommandRunner{Responses: []runner.FakeResponse{
		{Stdout: " M pkg/thing.go\n"},
		{Stdout: "\n"},
	}}
	m := NewManager(fake, "/repo", "")

	dirty, err := m.Dirty(context.Background(), models.RoleResearcher)
	require.NoError(t, err)
	assert.True(t, dirty)

	dirty, err = m.Dirty(context.Background(), models.RoleResearcher)
	require.NoError(t, err)
	assert.False(t, dirty)
}
