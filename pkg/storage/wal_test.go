package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vjranagit/auc/pkg/types"
)

func TestWAL(t *testing.T) {
	tmpDir := t.TempDir()

	wal, err := NewWAL(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer wal.Close()

	for i, tenant := range []string{"first", "second"} {
		req := seriesRequest(tenant, "test_metric", map[string]string{"label": "value"}, at(time.Duration(i)*time.Second, 42))
		if err := wal.Append(req); err != nil {
			t.Fatalf("Failed to append to WAL: %v", err)
		}
	}

	if err := wal.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}
	if err := wal.Append(&types.WriteRequest{}); !errors.Is(err, ErrWALClosed) {
		t.Errorf("Expected ErrWALClosed, got %v", err)
	}

	var tenants []string
	replayed, err := ReplayWAL(tmpDir, func(r *types.WriteRequest) error {
		tenants = append(tenants, r.TenantID)
		if got := r.Series[0].Samples[0].Value; got != 42 {
			t.Errorf("Expected value 42, got %v", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WAL replay failed: %v", err)
	}

	if replayed != 2 || len(tenants) != 2 || tenants[0] != "first" || tenants[1] != "second" {
		t.Errorf("Expected entries replayed in order, got %v", tenants)
	}

	entries, err := os.ReadDir(filepath.Join(tmpDir, "wal"))
	if err != nil {
		t.Fatalf("Failed to read WAL dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Expected replayed files to be removed, found %d", len(entries))
	}
}

func TestReplayWALMissingDir(t *testing.T) {
	replayed, err := ReplayWAL(filepath.Join(t.TempDir(), "absent"), func(*types.WriteRequest) error {
		t.Error("Handler should not be called")
		return nil
	})
	if err != nil || replayed != 0 {
		t.Fatalf("Expected no-op replay, got %d, %v", replayed, err)
	}
}

func TestReplayWALKeepsFileOnHandlerError(t *testing.T) {
	tmpDir := t.TempDir()

	wal, err := NewWAL(tmpDir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	if err := wal.Append(seriesRequest("", "test_metric", nil, at(0, 1))); err != nil {
		t.Fatalf("Failed to append to WAL: %v", err)
	}
	wal.Close()

	boom := errors.New("boom")
	if _, err := ReplayWAL(tmpDir, func(*types.WriteRequest) error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("Expected handler error, got %v", err)
	}

	entries, _ := os.ReadDir(filepath.Join(tmpDir, "wal"))
	if len(entries) != 1 {
		t.Errorf("Expected WAL file to be kept, found %d", len(entries))
	}
}
