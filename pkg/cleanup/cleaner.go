// Package cleanup removes leftover session resources: stale multiplexer
// sessions, orphaned worktrees, queue files and checkpoints past their
// retention window. All operations are idempotent and tolerant of partial
// prior cleanups.
package cleanup

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/swarm/pkg/audit"
	"github.com/codeready-toolchain/swarm/pkg/bus"
	"github.com/codeready-toolchain/swarm/pkg/models"
	"github.com/codeready-toolchain/swarm/pkg/tmux"
	"github.com/codeready-toolchain/swarm/pkg/worktree"
)

// sessionPrefix marks multiplexer sessions this orchestrator owns.
const sessionPrefix = "swarm_"

// retentionSweepInterval paces the background checkpoint sweep.
const retentionSweepInterval = 10 * time.Minute

// Cleaner removes swarm resources.
type Cleaner struct {
	mux       *tmux.Adapter
	trees     *worktree.Manager
	queues    *bus.Store
	store     *audit.Store
	retention int

	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a cleaner. retention is the per-session checkpoint count to keep.
func New(mux *tmux.Adapter, trees *worktree.Manager, queues *bus.Store, store *audit.Store, retention int) *Cleaner {
	return &Cleaner{mux: mux, trees: trees, queues: queues, store: store, retention: retention}
}

// Clean removes every swarm resource except those belonging to
// keepSessionID (pass "" to clean everything). Errors are logged and
// swallowed; cleanup keeps going.
func (c *Cleaner) Clean(ctx context.Context, keepSessionID string) {
	c.killStaleSessions(ctx, keepSessionID)
	c.removeOrphanWorktrees(ctx, keepSessionID)
	if keepSessionID == "" {
		c.clearQueues()
	}
	c.sweepCheckpoints(ctx)
}

func (c *Cleaner) killStaleSessions(ctx context.Context, keep string) {
	sessions, err := c.mux.ListSessions(ctx)
	if err != nil {
		slog.Debug("Cleanup: listing multiplexer sessions failed", "error", err)
		return
	}
	for _, info := range sessions {
		if !strings.HasPrefix(info.Name, sessionPrefix) {
			continue
		}
		if keep != "" && info.Name == sessionPrefix+keep {
			continue
		}
		if err := c.mux.KillSession(ctx, info.Name); err != nil {
			slog.Warn("Cleanup: killing session failed", "session", info.Name, "error", err)
			continue
		}
		slog.Info("Cleanup: killed stale session", "session", info.Name)
	}
}

func (c *Cleaner) removeOrphanWorktrees(ctx context.Context, keep string) {
	infos, err := c.trees.ListSwarm(ctx)
	if err != nil {
		slog.Debug("Cleanup: listing worktrees failed", "error", err)
		return
	}
	for _, info := range infos {
		if keep != "" && info.SessionID == keep {
			continue
		}
		if err := c.trees.Remove(ctx, info.Role, info.SessionID, true); err != nil {
			slog.Warn("Cleanup: removing worktree failed",
				"role", info.Role, "sessionId", info.SessionID, "error", err)
			continue
		}
		slog.Info("Cleanup: removed worktree", "role", info.Role, "sessionId", info.SessionID)
	}
	if err := c.trees.Prune(ctx); err != nil {
		slog.Debug("Cleanup: worktree prune failed", "error", err)
	}
}

func (c *Cleaner) clearQueues() {
	for _, dir := range []bus.Direction{bus.Inbox, bus.Outbox} {
		for _, role := range models.QueueRoles {
			if err := c.queues.Clear(dir, role); err != nil {
				slog.Warn("Cleanup: clearing queue failed", "dir", dir, "role", role, "error", err)
			}
		}
	}
}

// sweepCheckpoints trims each known session to the retention window.
func (c *Cleaner) sweepCheckpoints(ctx context.Context) {
	if c.store == nil {
		return
	}
	sessions, err := c.store.ListSessions(ctx, 100)
	if err != nil {
		slog.Debug("Cleanup: listing audit sessions failed", "error", err)
		return
	}
	for _, row := range sessions {
		if err := c.store.PruneCheckpoints(ctx, row.ID, c.retention); err != nil {
			slog.Warn("Cleanup: checkpoint prune failed", "sessionId", row.ID, "error", err)
		}
	}
}

// Start launches the background retention loop.
func (c *Cleaner) Start(ctx context.Context) {
	if c.cancel != nil {
		return
	}
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.run(ctx)
	slog.Info("Cleanup service started", "interval", retentionSweepInterval, "retention", c.retention)
}

// Stop signals the loop to exit and waits for it to finish.
func (c *Cleaner) Stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	slog.Info("Cleanup service stopped")
}

func (c *Cleaner) run(ctx context.Context) {
	defer close(c.done)
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepCheckpoints(ctx)
		}
	}
}
