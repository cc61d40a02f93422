package storage

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vjranagit/auc/pkg/types"
)

// ErrWALClosed is returned when appending to a closed log
var ErrWALClosed = errors.New("storage: WAL closed")

// WAL implements a Write-Ahead Log for durability. Every Append reaches the
// disk before it returns.
type WAL struct {
	path   string
	file   *os.File
	writer *bufio.Writer
	mu     sync.Mutex
}

// WALEntry represents a single WAL entry
type WALEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	TenantID  string         `json:"tenant_id"`
	Series    []types.Series `json:"series"`
}

// NewWAL opens a fresh log file under dataPath/wal
func NewWAL(dataPath string) (*WAL, error) {
	walPath := filepath.Join(dataPath, "wal")
	if err := os.MkdirAll(walPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create WAL directory: %w", err)
	}

	filename := filepath.Join(walPath, fmt.Sprintf("wal-%020d.log", time.Now().UnixNano()))
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open WAL file: %w", err)
	}

	return &WAL{
		path:   walPath,
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Append appends a write request to the WAL and syncs it
func (w *WAL) Append(req *types.WriteRequest) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrWALClosed
	}

	entry := WALEntry{
		Timestamp: time.Now().UTC(),
		TenantID:  req.TenantID,
		Series:    req.Series,
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal WAL entry: %w", err)
	}

	if _, err := w.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write to WAL: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return w.flushLocked()
}

// Flush flushes the WAL to disk
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrWALClosed
	}
	return w.flushLocked()
}

func (w *WAL) flushLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush WAL: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync WAL: %w", err)
	}
	return nil
}

// Close closes the WAL
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := errors.Join(w.flushLocked(), w.file.Close())
	w.file = nil
	return err
}

// ReplayWAL replays every WAL file under dataPath in creation order and
// removes each file once all of its entries were handled
func ReplayWAL(dataPath string, handler func(*types.WriteRequest) error) (int, error) {
	walPath := filepath.Join(dataPath, "wal")

	entries, err := os.ReadDir(walPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read WAL directory: %w", err)
	}

	replayed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		filename := filepath.Join(walPath, entry.Name())
		n, err := replayWALFile(filename, handler)
		replayed += n
		if err != nil {
			return replayed, fmt.Errorf("failed to replay %s: %w", filename, err)
		}

		if err := os.Remove(filename); err != nil {
			return replayed, fmt.Errorf("failed to remove %s: %w", filename, err)
		}
	}

	return replayed, nil
}

// replayWALFile replays a single WAL file
func replayWALFile(filename string, handler func(*types.WriteRequest) error) (int, error) {
	file, err := os.Open(filename)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	replayed := 0
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		var entry WALEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return replayed, fmt.Errorf("failed to unmarshal WAL entry: %w", err)
		}

		req := &types.WriteRequest{
			TenantID: entry.TenantID,
			Series:   entry.Series,
		}

		if err := handler(req); err != nil {
			return replayed, fmt.Errorf("failed to replay entry: %w", err)
		}
		replayed++
	}

	return replayed, scanner.Err()
}
