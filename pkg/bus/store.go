// Package bus implements the file-based message queues the agents and the
// orchestrator exchange records through. Each role owns one inbox and one
// outbox file holding a JSON array of messages; all writes go through an
// atomic write-to-temp-then-rename so readers never observe a partial file.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"

	"github.com/codeready-toolchain/swarm/pkg/models"
)

// Direction selects the inbox or outbox side of a role's queue pair.
type Direction string

const (
	Inbox  Direction = "inbox"
	Outbox Direction = "outbox"
)

// tmpCounter disambiguates sibling temp files within a process.
var tmpCounter atomic.Int64

// Store manages the per-role queue files under root/messages/.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir (typically {sessionRoot}/.swarm/messages).
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

// QueuePath returns the on-disk path for a role's queue file.
func (s *Store) QueuePath(dir Direction, role models.Role) string {
	return filepath.Join(s.root, string(dir), string(role)+".json")
}

// EnsureDirs creates the inbox/outbox directories and an empty array file
// for every queue role. Idempotent: existing files are left untouched.
func (s *Store) EnsureDirs() error {
	for _, dir := range []Direction{Inbox, Outbox} {
		path := filepath.Join(s.root, string(dir))
		if err := os.MkdirAll(path, 0o755); err != nil {
			return models.NewError(models.CodeFilesystemError, "bus",
				fmt.Sprintf("create queue directory %s: %v", path, err), models.WithCause(err))
		}
		for _, role := range models.QueueRoles {
			file := s.QueuePath(dir, role)
			if _, err := os.Stat(file); err == nil {
				continue
			}
			if err := atomicWriteJSON(file, []models.Message{}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Read returns the parsed queue, dropping entries that fail validation.
// File absence, empty files, non-array JSON and parse errors all resolve
// to an empty queue with a logged warning: one malformed entry must not
// block delivery of the good ones.
func (s *Store) Read(dir Direction, role models.Role) ([]models.Message, error) {
	if !models.IsQueueRole(role) {
		return nil, models.NewError(models.CodeInvalidArgument, "bus",
			fmt.Sprintf("unknown queue role %q", role))
	}
	path := s.QueuePath(dir, role)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return []models.Message{}, nil
		}
		if os.IsPermission(err) {
			return nil, models.NewError(models.CodePermissionDenied, "bus",
				fmt.Sprintf("read queue %s: %v", path, err), models.WithCause(err))
		}
		return nil, models.NewError(models.CodeFilesystemError, "bus",
			fmt.Sprintf("read queue %s: %v", path, err), models.WithCause(err))
	}
	if len(data) == 0 {
		return []models.Message{}, nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Warn("Queue file is not a JSON array, treating as empty",
			"path", path, "error", err)
		return []models.Message{}, nil
	}

	messages := make([]models.Message, 0, len(raw))
	dropped := 0
	for _, entry := range raw {
		var msg models.Message
		if err := json.Unmarshal(entry, &msg); err != nil || !msg.Validate() {
			dropped++
			continue
		}
		messages = append(messages, msg)
	}
	if dropped > 0 {
		slog.Warn("Dropped invalid queue entries", "path", path, "dropped", dropped)
	}
	return messages, nil
}

// Append reads the current queue, appends msg and writes the whole array back.
func (s *Store) Append(dir Direction, role models.Role, msg models.Message) error {
	messages, err := s.Read(dir, role)
	if err != nil {
		return err
	}
	messages = append(messages, msg)
	return atomicWriteJSON(s.QueuePath(dir, role), messages)
}

// Remove deletes the message with the given id. Absence is not an error.
func (s *Store) Remove(dir Direction, role models.Role, id string) error {
	messages, err := s.Read(dir, role)
	if err != nil {
		return err
	}
	kept := messages[:0]
	for _, m := range messages {
		if m.ID != id {
			kept = append(kept, m)
		}
	}
	return atomicWriteJSON(s.QueuePath(dir, role), kept)
}

// Clear resets a queue to the empty array.
func (s *Store) Clear(dir Direction, role models.Role) error {
	if !models.IsQueueRole(role) {
		return models.NewError(models.CodeInvalidArgument, "bus",
			fmt.Sprintf("unknown queue role %q", role))
	}
	return atomicWriteJSON(s.QueuePath(dir, role), []models.Message{})
}

// FilterByType is a pure projection of a read by message category.
func (s *Store) FilterByType(dir Direction, role models.Role, t models.MessageType) ([]models.Message, error) {
	messages, err := s.Read(dir, role)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out, nil
}

// FilterByMinPriority returns messages at or above the given priority,
// most urgent first; ties keep emit order.
func (s *Store) FilterByMinPriority(dir Direction, role models.Role, min models.Priority) ([]models.Message, error) {
	messages, err := s.Read(dir, role)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Priority.Rank() >= min.Rank() {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Priority.Rank() > out[j].Priority.Rank()
	})
	return out, nil
}

// Counts returns the number of messages in each role's queue for one side.
// Used for checkpoint metadata; bodies are never captured.
func (s *Store) Counts(dir Direction) map[models.Role]int {
	counts := make(map[models.Role]int, len(models.QueueRoles))
	for _, role := range models.QueueRoles {
		messages, err := s.Read(dir, role)
		if err != nil {
			counts[role] = 0
			continue
		}
		counts[role] = len(messages)
	}
	return counts
}

// atomicWriteJSON writes v as indented JSON through a unique sibling temp
// file and renames it over the target. On POSIX the rename is atomic at
// the inode level, so a concurrent reader observes either the old or the
// new content, never a partial write.
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return models.NewError(models.CodeFilesystemError, "bus",
			fmt.Sprintf("marshal queue %s: %v", path, err), models.WithCause(err))
	}
	data = append(data, '\n')

	tmp := fmt.Sprintf("%s.tmp.%d", path, tmpCounter.Add(1))
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		if os.IsPermission(err) {
			return models.NewError(models.CodePermissionDenied, "bus",
				fmt.Sprintf("write queue %s: %v", path, err), models.WithCause(err))
		}
		return models.NewError(models.CodeFilesystemError, "bus",
			fmt.Sprintf("write queue %s: %v", path, err), models.WithCause(err))
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return models.NewError(models.CodeFilesystemError, "bus",
			fmt.Sprintf("rename queue %s: %v", path, err), models.WithCause(err))
	}
	return nil
}
