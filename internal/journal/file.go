// file.go provides the file-backed journal variant. Entries are appended
// as JSON lines to audit_<date>.jsonl under the data directory; a single
// O_APPEND write per entry keeps lines whole even across crashes. Queries
// are served from an in-memory mirror bounded the same way as Memory.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deluthium-bridge/pkg/types"
)

// File persists entries as JSON lines while mirroring them in memory for
// queries. All file operations are mutex-protected.
type File struct {
	mem  *Memory
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenFile creates (or appends to) a journal file in dir.
func OpenFile(dir string, maxEntries int, maxAge time.Duration) (*File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("audit_%s.jsonl", time.Now().UTC().Format("20060102")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}
	return &File{
		mem:  NewMemory(maxEntries, maxAge),
		f:    f,
		path: path,
	}, nil
}

// Write appends the entry to the file and the in-memory mirror.
func (j *File) Write(entry types.AuditEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}

	j.mu.Lock()
	_, werr := j.f.Write(append(data, '\n'))
	j.mu.Unlock()
	if werr != nil {
		return fmt.Errorf("append audit entry: %w", werr)
	}

	return j.mem.Write(entry)
}

// Query serves from the in-memory mirror.
func (j *File) Query(filter Filter) ([]types.AuditEntry, error) {
	return j.mem.Query(filter)
}

// Close flushes and closes the underlying file.
func (j *File) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.f.Sync(); err != nil {
		return err
	}
	return j.f.Close()
}
