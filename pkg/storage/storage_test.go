package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/vjranagit/auc/pkg/types"
)

var testBase = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openTestStorage(t *testing.T, dir string, enableWAL bool) Storage {
	t.Helper()

	store, err := NewStorage(&Config{
		Path:             dir,
		Retention:        24 * time.Hour,
		CompressionLevel: 3,
		EnableWAL:        enableWAL,
	}, nil)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	return store
}

func seriesRequest(tenant, name string, labels map[string]string, samples ...types.Sample) *types.WriteRequest {
	return &types.WriteRequest{
		TenantID: tenant,
		Series: []types.Series{
			{Metric: types.Metric{Name: name, Labels: labels}, Samples: samples},
		},
	}
}

func at(offset time.Duration, value float64) types.Sample {
	return types.Sample{Timestamp: testBase.Add(offset), Value: value}
}

func TestBadgerStorageWriteAndQuery(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), true)
	defer store.Close()

	ctx := context.Background()

	// Written out of order; read back sorted
	req := seriesRequest("test-tenant", "http_requests_total",
		map[string]string{"method": "GET", "status": "200"},
		at(2*time.Hour, 200), at(0, 100), at(time.Hour, 150))
	if err := store.Write(ctx, req); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	// Both bounds are inclusive
	result, err := store.Query(ctx, &types.QueryRequest{
		TenantID:  "test-tenant",
		Query:     `http_requests_total{method="GET"}`,
		StartTime: testBase,
		EndTime:   testBase.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}

	if len(result.Series) != 1 {
		t.Fatalf("Expected 1 series, got %d", len(result.Series))
	}
	samples := result.Series[0].Samples
	want := []float64{100, 150, 200}
	if len(samples) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(samples))
	}
	for i, sample := range samples {
		if sample.Value != want[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], sample.Value)
		}
		if !sample.Timestamp.Equal(testBase.Add(time.Duration(i) * time.Hour)) {
			t.Errorf("Sample %d: unexpected timestamp %s", i, sample.Timestamp)
		}
	}
	if result.Series[0].Metric.Labels["status"] != "200" {
		t.Errorf("Expected labels to round-trip, got %v", result.Series[0].Metric.Labels)
	}
}

func TestBadgerStorageRangeAcrossBlocks(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), false)
	defer store.Close()

	ctx := context.Background()

	var samples []types.Sample
	for i := 0; i < 12; i++ {
		samples = append(samples, at(time.Duration(i)*20*time.Minute, float64(i)))
	}
	if err := store.Write(ctx, seriesRequest("", "temperature", nil, samples...)); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	result, err := store.Query(ctx, &types.QueryRequest{
		Query:     "temperature",
		StartTime: testBase.Add(40 * time.Minute),
		EndTime:   testBase.Add(140 * time.Minute),
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Series) != 1 {
		t.Fatalf("Expected 1 series, got %d", len(result.Series))
	}

	got := result.Series[0].Samples
	if len(got) != 6 {
		t.Fatalf("Expected 6 samples, got %d", len(got))
	}
	for i, sample := range got {
		if sample.Value != float64(i+2) {
			t.Errorf("Sample %d: expected %d, got %v", i, i+2, sample.Value)
		}
	}
}

func TestBadgerStorageMergesBlocks(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), false)
	defer store.Close()

	ctx := context.Background()

	first := seriesRequest("", "queue_depth", nil, at(0, 1), at(10*time.Second, 2))
	second := seriesRequest("", "queue_depth", nil, at(10*time.Second, 20), at(20*time.Second, 3))
	for _, req := range []*types.WriteRequest{first, second} {
		if err := store.Write(ctx, req); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	result, err := store.Query(ctx, &types.QueryRequest{
		Query:     "queue_depth",
		StartTime: testBase,
		EndTime:   testBase.Add(time.Minute),
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}

	got := result.Series[0].Samples
	want := []float64{1, 20, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d samples, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i].Value != want[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], got[i].Value)
		}
	}
}

func TestBadgerStorageMultiTenant(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), false)
	defer store.Close()

	ctx := context.Background()

	writeA := seriesRequest("tenant-a", "cpu_usage", map[string]string{"host": "server1"}, at(0, 50))
	writeB := seriesRequest("tenant-b", "cpu_usage", map[string]string{"host": "server2"}, at(0, 75))
	if err := store.Write(ctx, writeA); err != nil {
		t.Fatalf("Failed to write tenant A: %v", err)
	}
	if err := store.Write(ctx, writeB); err != nil {
		t.Fatalf("Failed to write tenant B: %v", err)
	}

	for tenant, want := range map[string]float64{"tenant-a": 50, "tenant-b": 75, "tenant-c": 0} {
		result, err := store.Query(ctx, &types.QueryRequest{
			TenantID:  tenant,
			Query:     "cpu_usage",
			StartTime: testBase.Add(-time.Hour),
			EndTime:   testBase.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Failed to query %s: %v", tenant, err)
		}

		if want == 0 {
			if len(result.Series) != 0 {
				t.Errorf("%s: expected no series, got %d", tenant, len(result.Series))
			}
			continue
		}
		if len(result.Series) != 1 {
			t.Fatalf("%s: expected 1 series, got %d", tenant, len(result.Series))
		}
		if v := result.Series[0].Samples[0].Value; v != want {
			t.Errorf("%s: expected %v, got %v", tenant, want, v)
		}
	}
}

func TestBadgerStorageReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStorage(t, dir, true)
	if err := store.Write(ctx, seriesRequest("", "uptime", map[string]string{"host": "a"}, at(0, 1), at(time.Second, 2))); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	store = openTestStorage(t, dir, true)
	defer store.Close()

	if stats := store.Stats(); stats.Series != 1 {
		t.Errorf("Expected 1 indexed series after reopen, got %d", stats.Series)
	}

	result, err := store.Query(ctx, &types.QueryRequest{
		Query:     `uptime{host="a"}`,
		StartTime: testBase,
		EndTime:   testBase.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Series) != 1 || len(result.Series[0].Samples) != 2 {
		t.Fatalf("Expected 2 samples after reopen, got %+v", result.Series)
	}
}

func TestBadgerStorageReplaysWAL(t *testing.T) {
	dir := t.TempDir()

	// A log left behind by a run that never reached the database
	wal, err := NewWAL(dir)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	if err := wal.Append(seriesRequest("", "orphaned", nil, at(0, 7))); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}
	if err := wal.Close(); err != nil {
		t.Fatalf("Failed to close WAL: %v", err)
	}

	store := openTestStorage(t, dir, true)
	defer store.Close()

	result, err := store.Query(context.Background(), &types.QueryRequest{
		Query:     "orphaned",
		StartTime: testBase,
		EndTime:   testBase,
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Series) != 1 || result.Series[0].Samples[0].Value != 7 {
		t.Fatalf("Expected replayed sample, got %+v", result.Series)
	}

	// Only the log opened by the new storage remains
	entries, err := os.ReadDir(filepath.Join(dir, "wal"))
	if err != nil {
		t.Fatalf("Failed to read WAL dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("Expected 1 WAL file, got %d", len(entries))
	}
}

func TestBadgerStorageRejectsInvalidRequests(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), true)
	defer store.Close()

	ctx := context.Background()

	if err := store.Write(ctx, seriesRequest("", "", nil, at(0, 1))); !errors.Is(err, ErrInvalidSeries) {
		t.Errorf("Expected ErrInvalidSeries for unnamed series, got %v", err)
	}
	if err := store.Write(ctx, seriesRequest("a/b", "up", nil, at(0, 1))); !errors.Is(err, ErrInvalidSeries) {
		t.Errorf("Expected ErrInvalidSeries for bad tenant, got %v", err)
	}

	queries := []*types.QueryRequest{
		{Query: `up{job=}`, StartTime: testBase, EndTime: testBase},
		{Query: "up", StartTime: testBase, EndTime: testBase.Add(-time.Second)},
		{Query: "up", TenantID: "x/y", StartTime: testBase, EndTime: testBase},
	}
	for _, q := range queries {
		if _, err := store.Query(ctx, q); !errors.Is(err, ErrInvalidQuery) {
			t.Errorf("Query %+v: expected ErrInvalidQuery, got %v", q, err)
		}
	}

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := store.Write(canceled, seriesRequest("", "up", nil, at(0, 1))); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestParseLabelSelectors(t *testing.T) {
	testCases := []struct {
		query   string
		want    map[string]string
		wantErr bool
	}{
		{query: "", want: nil},
		{query: "up", want: map[string]string{nameLabel: "up"}},
		{query: `up{job="api"}`, want: map[string]string{nameLabel: "up", "job": "api"}},
		{query: ` { job = "api" , zone="eu,west" , } `, want: map[string]string{"job": "api", "zone": "eu,west"}},
		{query: `up{path="a\"b"}`, want: map[string]string{nameLabel: "up", "path": `a"b`}},
		{query: "1up", wantErr: true},
		{query: `up{job="api"`, wantErr: true},
		{query: `up{job=api}`, wantErr: true},
		{query: `up{job!="api"}`, wantErr: true},
		{query: `up{job="a" zone="b"}`, wantErr: true},
	}

	for _, tc := range testCases {
		got, err := parseLabelSelectors(tc.query)
		if tc.wantErr {
			if !errors.Is(err, ErrInvalidQuery) {
				t.Errorf("%q: expected ErrInvalidQuery, got %v", tc.query, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%q: unexpected error: %v", tc.query, err)
			continue
		}
		if len(got) != len(tc.want) {
			t.Errorf("%q: expected %v, got %v", tc.query, tc.want, got)
			continue
		}
		for k, v := range tc.want {
			if got[k] != v {
				t.Errorf("%q: label %s: expected %q, got %q", tc.query, k, v, got[k])
			}
		}
	}
}

func TestGenerateKeyOrdering(t *testing.T) {
	earlier := generateKey("default", 1, -3600)
	later := generateKey("default", 1, 3600)
	if string(earlier) >= string(later) {
		t.Error("Expected keys to sort by block time across the epoch")
	}
	if blockTimeOf(earlier) != -3600 || blockTimeOf(later) != 3600 {
		t.Errorf("Block time did not round-trip: %d, %d", blockTimeOf(earlier), blockTimeOf(later))
	}
}

func TestBadgerStorageEpochSample(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), false)
	defer store.Close()

	ctx := context.Background()
	epoch := time.UnixMilli(0).UTC()

	// A one-day retention would drop 1970
	store.(*badgerStorage).cfg.Retention = 0

	for _, ms := range []int64{0, 10_000} {
		req := seriesRequest("", "m", nil, types.Sample{Timestamp: time.UnixMilli(ms), Value: float64(ms)})
		if err := store.Write(ctx, req); err != nil {
			t.Fatalf("Failed to write: %v", err)
		}
	}

	result, err := store.Query(ctx, &types.QueryRequest{
		Query:     "m",
		StartTime: epoch,
		EndTime:   epoch.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("Failed to query: %v", err)
	}
	if len(result.Series) != 1 || len(result.Series[0].Samples) != 1 {
		t.Fatalf("Expected the epoch sample, got %+v", result.Series)
	}
	if !result.Series[0].Samples[0].Timestamp.Equal(epoch) {
		t.Errorf("Expected timestamp %s, got %s", epoch, result.Series[0].Samples[0].Timestamp)
	}
}

func TestBadgerStorageRetention(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	now := time.Now()
	stale := now.Add(-3 * time.Hour)
	open := func() Storage {
		store, err := NewStorage(&Config{
			Path:             dir,
			Retention:        time.Second,
			CompressionLevel: 3,
			EnableWAL:        true,
		}, nil)
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		return store
	}
	query := func(store Storage, name string) int {
		result, err := store.Query(ctx, &types.QueryRequest{
			Query:     name,
			StartTime: now.Add(-4 * time.Hour),
			EndTime:   now.Add(time.Hour),
		})
		if err != nil {
			t.Fatalf("Failed to query: %v", err)
		}
		samples := 0
		for _, series := range result.Series {
			samples += len(series.Samples)
		}
		return samples
	}

	store := open()
	mixed := seriesRequest("", "mixed", nil,
		types.Sample{Timestamp: stale, Value: 1},
		types.Sample{Timestamp: now, Value: 2})
	if err := store.Write(ctx, mixed); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := store.Write(ctx, seriesRequest("", "expired", nil, types.Sample{Timestamp: stale, Value: 1})); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	if got := query(store, "mixed"); got != 1 {
		t.Errorf("Expected only the current sample, got %d", got)
	}
	if got := query(store, "expired"); got != 0 {
		t.Errorf("Expected expired series to be dropped, got %d samples", got)
	}
	if stats := store.Stats(); stats.Series != 1 {
		t.Errorf("Expected 1 indexed series, got %d", stats.Series)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Failed to close: %v", err)
	}

	// Replaying the log must not bring expired samples back
	store = open()
	defer store.Close()

	if got := query(store, "mixed"); got != 1 {
		t.Errorf("After reopen: expected only the current sample, got %d", got)
	}
	if got := query(store, "expired"); got != 0 {
		t.Errorf("After reopen: expected expired series to stay dropped, got %d samples", got)
	}
}

func TestBlockExpiry(t *testing.T) {
	s := &badgerStorage{cfg: &Config{Retention: 2 * time.Hour}}
	blockTime := testBase.Unix()

	if got, want := s.blockExpiry(blockTime), testBase.Add(3*time.Hour).Unix(); got != want {
		t.Errorf("Expected expiry %d, got %d", want, got)
	}
	if s.blockExpired(blockTime, testBase.Add(3*time.Hour-time.Second)) {
		t.Error("Block expired early")
	}
	if !s.blockExpired(blockTime, testBase.Add(3*time.Hour)) {
		t.Error("Block outlived retention")
	}

	s.cfg.Retention = 0
	if s.blockExpired(blockTime, testBase.Add(1000*time.Hour)) {
		t.Error("Zero retention should keep blocks forever")
	}
}

func TestBadgerStorageFailedWriteLeavesIndex(t *testing.T) {
	store := openTestStorage(t, t.TempDir(), false)
	bs := store.(*badgerStorage)

	defer store.Close()

	if err := bs.db.Close(); err != nil {
		t.Fatalf("Failed to close database: %v", err)
	}
	err := bs.writeDirect(seriesRequest("", "lost", nil, at(0, 1)))
	bs.db = nil
	if !errors.Is(err, badger.ErrDBClosed) {
		t.Fatalf("Expected ErrDBClosed, got %v", err)
	}

	if n := bs.index.SeriesCount(); n != 0 {
		t.Errorf("Expected failed write to leave the index empty, got %d series", n)
	}
}
