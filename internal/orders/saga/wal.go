package saga

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileWAL appends serialized executions to a file for durability. Every
// line is a complete snapshot of one execution; replay keeps the last
// snapshot per order.
type FileWAL struct {
	mu sync.Mutex
	f  *os.File
}

// NewFileWAL opens (or creates) the WAL at path for appending.
func NewFileWAL(path string) (*FileWAL, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileWAL{f: f}, nil
}

// Append writes one snapshot and syncs it to disk.
func (w *FileWAL) Append(exec Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	return w.f.Sync()
}

// Close releases the underlying file handle.
func (w *FileWAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// ReplayWAL reads the snapshots at path. A missing file yields no entries.
// A torn final line, left by a crash mid-write, is ignored.
func ReplayWAL(path string) (map[string]Execution, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]Execution{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return replay(f)
}

func replay(r io.Reader) (map[string]Execution, error) {
	out := make(map[string]Execution)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var pendingErr error
	line := 0
	for scanner.Scan() {
		line++
		if pendingErr != nil {
			// Only the last line may be torn.
			return nil, pendingErr
		}
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var exec Execution
		if err := json.Unmarshal(raw, &exec); err != nil {
			pendingErr = fmt.Errorf("wal line %d: %w", line, err)
			continue
		}
		out[exec.Order.ID] = exec
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
