package engine

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

const snapshotFile = "store.json"

// Persistence handles the disk I/O for the MemStore.
type Persistence struct {
	DataDir string
	logger  pslog.Logger
	mu      sync.Mutex // Protects concurrent writes to the filesystem
	saved   uint64
}

// NewPersistence initializes a persistence handler.
func NewPersistence(dir string, logger pslog.Logger) (*Persistence, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Persistence{DataDir: dir, logger: logging.Subsystem(logger, "engine.persistence")}, nil
}

// Save writes a snapshot atomically. Snapshots older than the last saved version
// are dropped so background writers cannot regress the file.
func (p *Persistence) Save(version uint64, data map[string]sdk.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if version != 0 && version <= p.saved {
		return nil
	}

	filePath := filepath.Join(p.DataDir, snapshotFile)
	tempPath := filePath + ".tmp"

	bytes, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		p.logger.Error("engine.persistence.encode_failed", "error", err)
		return err
	}
	if err := os.WriteFile(tempPath, bytes, 0644); err != nil {
		p.logger.Error("engine.persistence.write_failed", "path", tempPath, "error", err)
		return err
	}
	// Rename replaces the file in one step; readers see the old or the new snapshot.
	if err := os.Rename(tempPath, filePath); err != nil {
		p.logger.Error("engine.persistence.rename_failed", "path", filePath, "error", err)
		return err
	}
	p.saved = version
	return nil
}

// LoadAll returns the last saved snapshot, or an empty map when none exists.
func (p *Persistence) LoadAll() (map[string]sdk.Entry, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	allData := make(map[string]sdk.Entry)
	content, err := os.ReadFile(filepath.Join(p.DataDir, snapshotFile))
	if os.IsNotExist(err) {
		return allData, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(content, &allData); err != nil {
		p.logger.Warn("engine.persistence.corrupt_snapshot", "error", err)
		return make(map[string]sdk.Entry), nil
	}
	return allData, nil
}
