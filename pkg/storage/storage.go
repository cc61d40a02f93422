package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/vjranagit/auc/pkg/types"
)

// ErrInvalidQuery is returned for malformed selectors, tenants or time ranges
var ErrInvalidQuery = errors.New("storage: invalid query")

// DefaultTenant is used when a request carries no tenant
const DefaultTenant = "default"

// Storage interface defines the contract for time-series storage
type Storage interface {
	// Write merges samples into storage; a sample at an existing timestamp
	// replaces the stored one
	Write(ctx context.Context, req *types.WriteRequest) error

	// Query returns the time-ordered samples of every matching series
	Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error)

	// Stats reports index and disk usage
	Stats() Stats

	// Close closes the storage
	Close() error
}

// Stats describes the state of a storage
type Stats struct {
	Series    int   `json:"series"`
	DiskBytes int64 `json:"disk_bytes"`
}

// Config holds storage configuration
type Config struct {
	Path             string
	Retention        time.Duration
	CompressionLevel int
	EnableWAL        bool
}

// DefaultConfig returns default storage configuration
func DefaultConfig() *Config {
	return &Config{
		Path:             "./data",
		Retention:        30 * 24 * time.Hour,
		CompressionLevel: 3,
		EnableWAL:        true,
	}
}

var (
	blockPrefix  = []byte("b:")
	seriesPrefix = []byte("s:")
)

// badgerStorage implements Storage using BadgerDB
type badgerStorage struct {
	cfg        *Config
	db         *badger.DB
	index      *Index
	compressor *Compressor
	wal        *WAL
	logger     *zap.Logger
	mu         sync.RWMutex
}

// NewStorage opens the store under cfg.Path, reloads the series index and,
// when the WAL is enabled, replays any log left by a previous run
func NewStorage(cfg *Config, logger *zap.Logger) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := badger.DefaultOptions(filepath.Join(cfg.Path, "badger")).
		WithLogger(badgerLogger{log: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	compressor, err := NewCompressor(cfg.CompressionLevel)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	s := &badgerStorage{
		cfg:        cfg,
		db:         db,
		index:      NewIndex(),
		compressor: compressor,
		logger:     logger,
	}

	if err := s.loadIndex(); err != nil {
		s.Close()
		return nil, err
	}

	if cfg.EnableWAL {
		replayed, err := ReplayWAL(cfg.Path, s.writeDirect)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
		if replayed > 0 {
			logger.Info("replayed write-ahead log", zap.Int("entries", replayed))
		}

		if s.wal, err = NewWAL(cfg.Path); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// loadIndex rebuilds the in-memory index from persisted series metadata
func (s *badgerStorage) loadIndex() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = seriesPrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(seriesPrefix); it.ValidForPrefix(seriesPrefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var meta SeriesMeta
				if err := json.Unmarshal(val, &meta); err != nil {
					return fmt.Errorf("failed to decode series metadata: %w", err)
				}
				s.index.Restore(meta)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Write implements Storage.Write
func (s *badgerStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateWrite(req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.wal != nil {
		if err := s.wal.Append(req); err != nil {
			return fmt.Errorf("WAL append failed: %w", err)
		}
	}

	return s.writeDirect(req)
}

func validateWrite(req *types.WriteRequest) error {
	if strings.Contains(req.TenantID, "/") {
		return fmt.Errorf("%w: tenant %q contains '/'", ErrInvalidSeries, req.TenantID)
	}
	for _, series := range req.Series {
		if series.Metric.Name == "" {
			return fmt.Errorf("%w: metric name is required", ErrInvalidSeries)
		}
	}
	return nil
}

// writeDirect writes to BadgerDB without touching the WAL. Blocks already
// past retention are dropped, which also covers replayed WAL entries. The
// index only learns about a series once its blocks are committed.
func (s *badgerStorage) writeDirect(req *types.WriteRequest) error {
	tenantID := tenantOrDefault(req.TenantID)
	now := time.Now()

	for _, series := range req.Series {
		meta, err := s.index.Lookup(&series.Metric)
		if err != nil {
			return fmt.Errorf("failed to index series: %w", err)
		}

		blocks := groupSamplesByBlock(mergeSamples(nil, series.Samples))
		minTime, maxTime := int64(math.MaxInt64), int64(math.MinInt64)
		for blockTime, block := range blocks {
			if s.blockExpired(blockTime, now) {
				delete(blocks, blockTime)
				continue
			}
			minTime = min(minTime, block[0].Timestamp.UnixMilli())
			maxTime = max(maxTime, block[len(block)-1].Timestamp.UnixMilli())
		}
		if len(blocks) == 0 {
			continue
		}
		meta.MinTime = min(meta.MinTime, minTime)
		meta.MaxTime = max(meta.MaxTime, maxTime)

		err = s.db.Update(func(txn *badger.Txn) error {
			for blockTime, block := range blocks {
				if err := s.mergeBlock(txn, generateKey(tenantID, meta.ID, blockTime), blockTime, block); err != nil {
					return fmt.Errorf("failed to write block: %w", err)
				}
			}

			metaBytes, err := json.Marshal(meta)
			if err != nil {
				return fmt.Errorf("failed to marshal series metadata: %w", err)
			}
			return txn.Set(seriesKey(meta.ID), metaBytes)
		})
		if err != nil {
			return err
		}

		s.index.Restore(meta)
		if err := s.index.UpdateTimeRange(meta.ID, minTime, maxTime); err != nil {
			return err
		}
	}

	return nil
}

// blockExpiry returns the Unix second at which the block starting at
// blockTime leaves retention, counted from the end of the block
func (s *badgerStorage) blockExpiry(blockTime int64) int64 {
	return blockTime + int64(time.Hour/time.Second) + int64(s.cfg.Retention/time.Second)
}

func (s *badgerStorage) blockExpired(blockTime int64, now time.Time) bool {
	return s.cfg.Retention > 0 && s.blockExpiry(blockTime) <= now.Unix()
}

// groupSamplesByBlock groups samples into 1-hour blocks keyed by block start
// in Unix seconds
func groupSamplesByBlock(samples []types.Sample) map[int64][]types.Sample {
	blocks := make(map[int64][]types.Sample)

	for _, sample := range samples {
		blockTime := sample.Timestamp.Truncate(time.Hour).Unix()
		blocks[blockTime] = append(blocks[blockTime], sample)
	}

	return blocks
}

// mergeBlock folds samples into the block stored under key. The block
// expires a retention period after its end, however often it is rewritten.
func (s *badgerStorage) mergeBlock(txn *badger.Txn, key []byte, blockTime int64, samples []types.Sample) error {
	existing, err := s.getBlock(txn, key)
	if err != nil {
		return err
	}

	payload, err := s.compressor.EncodeBlock(mergeSamples(existing, samples))
	if err != nil {
		return err
	}

	entry := badger.NewEntry(key, payload)
	if s.cfg.Retention > 0 {
		entry.ExpiresAt = uint64(s.blockExpiry(blockTime))
	}
	return txn.SetEntry(entry)
}

func (s *badgerStorage) getBlock(txn *badger.Txn, key []byte) ([]types.Sample, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var samples []types.Sample
	err = item.Value(func(val []byte) error {
		var decodeErr error
		samples, decodeErr = s.compressor.DecodeBlock(val)
		return decodeErr
	})
	return samples, err
}

// mergeSamples returns existing and incoming sorted by time at millisecond
// precision, keeping the last sample written for each timestamp
func mergeSamples(existing, incoming []types.Sample) []types.Sample {
	merged := make([]types.Sample, 0, len(existing)+len(incoming))
	merged = append(merged, existing...)
	merged = append(merged, incoming...)

	slices.SortStableFunc(merged, func(a, b types.Sample) int {
		return compareInt64(a.Timestamp.UnixMilli(), b.Timestamp.UnixMilli())
	})

	out := merged[:0]
	for i, sample := range merged {
		if i+1 < len(merged) && merged[i+1].Timestamp.UnixMilli() == sample.Timestamp.UnixMilli() {
			continue
		}
		sample.Timestamp = time.UnixMilli(sample.Timestamp.UnixMilli()).UTC()
		out = append(out, sample)
	}
	return out
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Query implements Storage.Query
func (s *badgerStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	labelSelectors, err := parseLabelSelectors(req.Query)
	if err != nil {
		return nil, err
	}
	if req.EndTime.Before(req.StartTime) {
		return nil, fmt.Errorf("%w: end %s before start %s", ErrInvalidQuery,
			req.EndTime.Format(time.RFC3339), req.StartTime.Format(time.RFC3339))
	}
	if strings.Contains(req.TenantID, "/") {
		return nil, fmt.Errorf("%w: tenant %q contains '/'", ErrInvalidQuery, req.TenantID)
	}
	tenantID := tenantOrDefault(req.TenantID)

	s.mu.RLock()
	defer s.mu.RUnlock()

	startMs, endMs := req.StartTime.UnixMilli(), req.EndTime.UnixMilli()
	result := &types.QueryResult{
		Series: make([]types.Series, 0),
	}

	err = s.db.View(func(txn *badger.Txn) error {
		for _, seriesID := range s.index.FindSeries(labelSelectors) {
			if err := ctx.Err(); err != nil {
				return err
			}

			meta, ok := s.index.GetSeries(seriesID)
			if !ok || meta.MaxTime < startMs || meta.MinTime > endMs {
				continue
			}

			samples, err := s.readRange(txn, tenantID, seriesID, req.StartTime, req.EndTime)
			if err != nil {
				return fmt.Errorf("failed to read series %s: %w", meta.Metric.Name, err)
			}

			if len(samples) > 0 {
				result.Series = append(result.Series, types.Series{
					Metric:  meta.Metric,
					Samples: samples,
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// readRange reads the samples of one series within [start, end]
func (s *badgerStorage) readRange(txn *badger.Txn, tenantID string, seriesID uint64, start, end time.Time) ([]types.Sample, error) {
	prefix := seriesBlockPrefix(tenantID, seriesID)
	startMs, endMs := start.UnixMilli(), end.UnixMilli()
	endBlock := end.Truncate(time.Hour).Unix()

	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var samples []types.Sample
	for it.Seek(generateKey(tenantID, seriesID, start.Truncate(time.Hour).Unix())); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		if blockTimeOf(item.Key()) > endBlock {
			break
		}

		err := item.Value(func(val []byte) error {
			block, err := s.compressor.DecodeBlock(val)
			if err != nil {
				return err
			}
			for _, sample := range block {
				if ms := sample.Timestamp.UnixMilli(); ms >= startMs && ms <= endMs {
					samples = append(samples, sample)
				}
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	return samples, nil
}

// Stats implements Storage.Stats
func (s *badgerStorage) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lsm, vlog := s.db.Size()
	return Stats{
		Series:    s.index.SeriesCount(),
		DiskBytes: lsm + vlog,
	}
}

// Close implements Storage.Close
func (s *badgerStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.wal != nil {
		errs = append(errs, s.wal.Close())
		s.wal = nil
	}
	if s.compressor != nil {
		s.compressor.Close()
		s.compressor = nil
	}
	if s.db != nil {
		errs = append(errs, s.db.Close())
		s.db = nil
	}
	return errors.Join(errs...)
}

func tenantOrDefault(tenantID string) string {
	if tenantID == "" {
		return DefaultTenant
	}
	return tenantID
}

// seriesBlockPrefix is the key prefix shared by every block of one series
func seriesBlockPrefix(tenantID string, seriesID uint64) []byte {
	key := make([]byte, 0, len(blockPrefix)+len(tenantID)+1+16)
	key = append(key, blockPrefix...)
	key = append(key, tenantID...)
	key = append(key, '/')
	return binary.BigEndian.AppendUint64(key, seriesID)
}

// generateKey generates a storage key for a time block. The sign bit of the
// block time is flipped so keys sort in time order.
func generateKey(tenantID string, seriesID uint64, blockTime int64) []byte {
	return binary.BigEndian.AppendUint64(seriesBlockPrefix(tenantID, seriesID), uint64(blockTime)^(1<<63))
}

func blockTimeOf(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]) ^ (1 << 63))
}

func seriesKey(seriesID uint64) []byte {
	return binary.BigEndian.AppendUint64(slices.Clone(seriesPrefix), seriesID)
}

var (
	metricNameRE = regexp.MustCompile(`^[a-zA-Z_:][a-zA-Z0-9_:]*$`)
	labelNameRE  = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

// parseLabelSelectors parses `name`, `name{label="value",...}` or
// `{label="value",...}` into equality matchers. An empty query matches
// every series.
func parseLabelSelectors(query string) (map[string]string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	selectors := make(map[string]string)
	name, body, hasLabels := strings.Cut(query, "{")
	if name = strings.TrimSpace(name); name != "" {
		if !metricNameRE.MatchString(name) {
			return nil, fmt.Errorf("%w: bad metric name %q", ErrInvalidQuery, name)
		}
		selectors[nameLabel] = name
	}
	if !hasLabels {
		return selectors, nil
	}

	body, ok := strings.CutSuffix(strings.TrimSpace(body), "}")
	if !ok {
		return nil, fmt.Errorf("%w: unterminated selector %q", ErrInvalidQuery, query)
	}

	for body = strings.TrimSpace(body); body != ""; {
		label, rest, ok := strings.Cut(body, "=")
		label = strings.TrimSpace(label)
		if !ok || !labelNameRE.MatchString(label) {
			return nil, fmt.Errorf("%w: bad matcher in %q", ErrInvalidQuery, query)
		}

		rest = strings.TrimSpace(rest)
		quoted, err := strconv.QuotedPrefix(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: label %s needs a quoted value", ErrInvalidQuery, label)
		}
		value, err := strconv.Unquote(quoted)
		if err != nil {
			return nil, fmt.Errorf("%w: label %s: %v", ErrInvalidQuery, label, err)
		}
		selectors[label] = value

		body = strings.TrimSpace(rest[len(quoted):])
		if body == "" {
			break
		}
		if body[0] != ',' {
			return nil, fmt.Errorf("%w: expected ',' after label %s", ErrInvalidQuery, label)
		}
		body = strings.TrimSpace(body[1:])
	}

	return selectors, nil
}

// badgerLogger routes BadgerDB logs to zap; badger's info chatter is demoted
// to debug
type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Errorf(strings.TrimRight(format, "\n"), args...)
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warnf(strings.TrimRight(format, "\n"), args...)
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimRight(format, "\n"), args...)
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debugf(strings.TrimRight(format, "\n"), args...)
}
