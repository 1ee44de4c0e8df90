package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/quiltmark/chatmerge/pipeline/fileutils"
)

// DefaultCheckpointInterval is how many processed items pass between
// checkpoint writes. Writing every item would bound I/O poorly; writing
// only at the end would bound crash reprocessing poorly.
const DefaultCheckpointInterval = 100

// FailedItem records one record that failed enrichment, by loop index.
type FailedItem struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// CheckpointStats tracks progress counters across checkpoint writes.
type CheckpointStats struct {
	ProcessedCount int            `json:"processed_count"`
	FailedCount    int            `json:"failed_count"`
	ByKind         map[string]int `json:"by_kind"`
}

// Checkpoint is the transient snapshot of an in-progress enrichment loop.
// Each write supersedes the previous one; the file lives only as long as
// the run it describes.
type Checkpoint struct {
	Version        string          `json:"version"`
	ConfigHash     string          `json:"config_hash"`
	LastIndex      int             `json:"last_index"`
	TotalProcessed int             `json:"total_processed"`
	TotalFailed    int             `json:"total_failed"`
	Stats          CheckpointStats `json:"stats"`
	FailedItems    []FailedItem    `json:"failed_items"`
	CreatedAt      Timestamp       `json:"created_at"`
}

// CheckpointManager owns the checkpoint file for one configuration hash.
// Distinct configurations write distinct files, so switching configuration
// can never corrupt or silently resume an incompatible run.
type CheckpointManager struct {
	dir        string
	configHash string
}

// NewCheckpointManager returns a manager writing under dir for the given
// configuration hash.
func NewCheckpointManager(dir, configHash string) *CheckpointManager {
	return &CheckpointManager{dir: dir, configHash: configHash}
}

// Path returns the checkpoint file path for this configuration.
func (m *CheckpointManager) Path() string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint-%s.json", m.configHash))
}

// Write persists cp atomically, stamping version, config hash, and
// creation time. A failed write leaves any previous checkpoint intact.
func (m *CheckpointManager) Write(cp *Checkpoint) error {
	cp.Version = SchemaVersion
	cp.ConfigHash = m.configHash
	cp.CreatedAt = NewTimestamp(time.Now())
	if cp.FailedItems == nil {
		cp.FailedItems = []FailedItem{}
	}
	if err := fileutils.WriteJSONAtomic(m.Path(), cp, true); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

// Load reads the checkpoint for this configuration. Missing, corrupted,
// and version-mismatched files all read as "no checkpoint". A checkpoint
// whose embedded config hash disagrees with the manager's is refused with
// ErrConfigMismatch: the consistency gate before any resume.
func (m *CheckpointManager) Load() (*Checkpoint, error) {
	var cp Checkpoint
	if err := fileutils.ReadJSON(m.Path(), &cp); err != nil {
		return nil, nil
	}
	if cp.Version != SchemaVersion {
		return nil, nil
	}
	if cp.ConfigHash != m.configHash {
		return nil, fmt.Errorf("%w: checkpoint has %s, current run has %s",
			ErrConfigMismatch, cp.ConfigHash, m.configHash)
	}
	return &cp, nil
}

// Clear removes the checkpoint file once a run completes.
func (m *CheckpointManager) Clear() error {
	path := m.Path()
	if !fileutils.FileExists(path) {
		return nil
	}
	return os.Remove(path)
}

// ResumeIndex returns the first loop index a resumed run should process.
// Item cp.LastIndex and everything before it are never reprocessed.
func ResumeIndex(cp *Checkpoint) int {
	if cp == nil {
		return 0
	}
	return cp.LastIndex + 1
}
