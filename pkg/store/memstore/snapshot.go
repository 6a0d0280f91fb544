package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/HarrisonFulford/cacheout/pkg/model"
)

// snapshotVersion is written into every snapshot.
//
// NOTE: The snapshot layout is an on-disk contract. Extend it additively.
const snapshotVersion = 1

type snapshot struct {
	Version  int             `json:"version"`
	Seq      int64           `json:"seq"`
	Jobs     []snapshotJob   `json:"jobs"`
	Workers  []model.Worker  `json:"workers"`
	Accounts []model.Account `json:"accounts"`
}

// snapshotJob carries the insertion sequence, which model.Job keeps off the
// wire.
type snapshotJob struct {
	Seq int64     `json:"seq"`
	Job model.Job `json:"job"`
}

func readSnapshot(path string) (*snapshot, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	trimmed := strings.TrimSpace(string(b))
	if trimmed == "" {
		return nil, nil
	}

	var snap snapshot
	if err := json.Unmarshal([]byte(trimmed), &snap); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return nil, fmt.Errorf("snapshot version %d is newer than supported version %d", snap.Version, snapshotVersion)
	}
	return &snap, nil
}

// writeSnapshot replaces the snapshot atomically (temp file + rename).
func writeSnapshot(path string, snap *snapshot) error {
	dir := filepath.Dir(filepath.Clean(path))
	// #nosec G301 -- data directories use 0755 for multi-user access compatibility
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}
