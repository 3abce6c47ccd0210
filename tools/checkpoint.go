package tools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Checkpoint records a pre-mutation file snapshot, keyed to the user
// turn that triggered the mutation.
type Checkpoint struct {
	ID      string    `json:"id"`
	TurnID  string    `json:"turn_id"`
	Path    string    `json:"path"`
	Existed bool      `json:"existed"`
	At      time.Time `json:"at"`
}

// Checkpointer snapshots file state before mutating tools run. Restore
// is driven externally on user request; the core only takes snapshots.
type Checkpointer interface {
	// Snapshot saves the current content of path. existed is false when
	// the mutation is about to create the file.
	Snapshot(turnID, path, content string, existed bool) (Checkpoint, error)

	// Restore writes a snapshot's content back to its path.
	Restore(id string) error

	// ForTurn lists checkpoints captured for a user turn.
	ForTurn(turnID string) []Checkpoint
}

// FileCheckpointer stores snapshots under a directory outside the
// workspace. Content lives beside a small JSON metadata file per
// checkpoint.
type FileCheckpointer struct {
	dir   string
	index map[string]Checkpoint
	mu    sync.Mutex
}

// NewFileCheckpointer creates a checkpoint store rooted at dir.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("checkpoint store: %w", err)
	}
	return &FileCheckpointer{dir: dir, index: make(map[string]Checkpoint)}, nil
}

func (c *FileCheckpointer) Snapshot(turnID, path, content string, existed bool) (Checkpoint, error) {
	cp := Checkpoint{
		ID:      uuid.New().String(),
		TurnID:  turnID,
		Path:    path,
		Existed: existed,
		At:      time.Now(),
	}

	if existed {
		if err := os.WriteFile(filepath.Join(c.dir, cp.ID+".snap"), []byte(content), 0600); err != nil {
			return Checkpoint{}, fmt.Errorf("checkpoint snapshot: %w", err)
		}
	}
	meta, err := json.Marshal(cp)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.dir, cp.ID+".json"), meta, 0600); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint snapshot: %w", err)
	}

	c.mu.Lock()
	c.index[cp.ID] = cp
	c.mu.Unlock()
	return cp, nil
}

func (c *FileCheckpointer) Restore(id string) error {
	c.mu.Lock()
	cp, ok := c.index[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("checkpoint %s not found", id)
	}

	if !cp.Existed {
		// The mutation created the file; restoring means removing it.
		if err := os.Remove(cp.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("checkpoint restore: %w", err)
		}
		return nil
	}

	content, err := os.ReadFile(filepath.Join(c.dir, cp.ID+".snap"))
	if err != nil {
		return fmt.Errorf("checkpoint restore: %w", err)
	}
	return os.WriteFile(cp.Path, content, 0644)
}

func (c *FileCheckpointer) ForTurn(turnID string) []Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Checkpoint
	for _, cp := range c.index {
		if cp.TurnID == turnID {
			out = append(out, cp)
		}
	}
	return out
}

// NullCheckpointer discards snapshots. Used when the host application
// owns checkpointing through its own persistence collaborator.
type NullCheckpointer struct{}

func (NullCheckpointer) Snapshot(turnID, path, content string, existed bool) (Checkpoint, error) {
	return Checkpoint{ID: uuid.New().String(), TurnID: turnID, Path: path, Existed: existed, At: time.Now()}, nil
}

func (NullCheckpointer) Restore(id string) error { return fmt.Errorf("checkpoint %s not found", id) }

func (NullCheckpointer) ForTurn(turnID string) []Checkpoint { return nil }
