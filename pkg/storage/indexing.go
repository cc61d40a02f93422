package storage

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/cespare/xxhash/v2"
	"github.com/vjranagit/auc/pkg/types"
)

// ErrInvalidSeries is returned for series that cannot be indexed
var ErrInvalidSeries = errors.New("storage: invalid series")

const nameLabel = "__name__"

// Index manages the time-series index. It is not safe for concurrent
// mutation; badgerStorage serialises writers.
type Index struct {
	// Maps metric fingerprint to series metadata
	series map[uint64]*SeriesMeta
	// Inverted index: label name -> label value -> series IDs
	labelIndex map[string]map[string][]uint64
}

// SeriesMeta holds metadata about a single series. Times are Unix
// milliseconds; MinTime > MaxTime means no samples yet.
type SeriesMeta struct {
	ID      uint64       `json:"id"`
	Metric  types.Metric `json:"metric"`
	MinTime int64        `json:"min_time"`
	MaxTime int64        `json:"max_time"`
}

// HasSamples reports whether any sample time has been recorded
func (m SeriesMeta) HasSamples() bool {
	return m.MinTime <= m.MaxTime
}

// NewIndex creates a new index
func NewIndex() *Index {
	return &Index{
		series:     make(map[uint64]*SeriesMeta),
		labelIndex: make(map[string]map[string][]uint64),
	}
}

// Lookup returns the metadata of the series identified by metric without
// indexing it. A series not yet indexed comes back with an empty time range.
func (idx *Index) Lookup(metric *types.Metric) (SeriesMeta, error) {
	if metric.Name == "" {
		return SeriesMeta{}, fmt.Errorf("%w: metric name is required", ErrInvalidSeries)
	}

	fingerprint := calculateFingerprint(metric)
	if meta, exists := idx.series[fingerprint]; exists {
		return *meta, nil
	}

	return SeriesMeta{
		ID:      fingerprint,
		Metric:  *metric,
		MinTime: math.MaxInt64,
		MaxTime: math.MinInt64,
	}, nil
}

// AddSeries adds a series to the index and returns its fingerprint
func (idx *Index) AddSeries(metric *types.Metric) (uint64, error) {
	meta, err := idx.Lookup(metric)
	if err != nil {
		return 0, err
	}

	idx.Restore(meta)
	return meta.ID, nil
}

// Restore inserts previously persisted metadata
func (idx *Index) Restore(meta SeriesMeta) {
	if _, exists := idx.series[meta.ID]; exists {
		return
	}

	labels := make(map[string]string, len(meta.Metric.Labels))
	for k, v := range meta.Metric.Labels {
		labels[k] = v
	}
	meta.Metric.Labels = labels
	idx.series[meta.ID] = &meta

	idx.addPosting(nameLabel, meta.Metric.Name, meta.ID)
	for name, value := range labels {
		idx.addPosting(name, value, meta.ID)
	}
}

func (idx *Index) addPosting(name, value string, id uint64) {
	if idx.labelIndex[name] == nil {
		idx.labelIndex[name] = make(map[string][]uint64)
	}
	idx.labelIndex[name][value] = append(idx.labelIndex[name][value], id)
}

// GetSeries returns a copy of the series metadata
func (idx *Index) GetSeries(id uint64) (SeriesMeta, bool) {
	meta, ok := idx.series[id]
	if !ok {
		return SeriesMeta{}, false
	}
	return *meta, true
}

// FindSeries returns the IDs of series matching every selector, in ascending
// order. No selectors match every series.
func (idx *Index) FindSeries(labelSelectors map[string]string) []uint64 {
	var result []uint64

	if len(labelSelectors) == 0 {
		result = make([]uint64, 0, len(idx.series))
		for id := range idx.series {
			result = append(result, id)
		}
		slices.Sort(result)
		return result
	}

	first := true
	for labelName, labelValue := range labelSelectors {
		seriesIDs, ok := idx.labelIndex[labelName][labelValue]
		if !ok {
			return nil
		}

		if first {
			result = slices.Clone(seriesIDs)
			slices.Sort(result)
			first = false
		} else {
			result = intersect(result, seriesIDs)
		}

		if len(result) == 0 {
			return nil
		}
	}

	return result
}

// UpdateTimeRange widens the time range of a series
func (idx *Index) UpdateTimeRange(id uint64, minTime, maxTime int64) error {
	meta, ok := idx.series[id]
	if !ok {
		return fmt.Errorf("%w: series %d not indexed", ErrInvalidSeries, id)
	}

	meta.MinTime = min(meta.MinTime, minTime)
	meta.MaxTime = max(meta.MaxTime, maxTime)

	return nil
}

// SeriesCount returns the number of indexed series
func (idx *Index) SeriesCount() int {
	return len(idx.series)
}

// calculateFingerprint hashes the metric name and its sorted labels
func calculateFingerprint(metric *types.Metric) uint64 {
	keys := make([]string, 0, len(metric.Labels))
	for k := range metric.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	d := xxhash.New()
	_, _ = d.WriteString(metric.Name)
	for _, k := range keys {
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(k)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(metric.Labels[k])
	}

	return d.Sum64()
}

// intersect returns the elements of sorted a that also appear in b, sorted
func intersect(a, b []uint64) []uint64 {
	b = slices.Clone(b)
	slices.Sort(b)

	result := make([]uint64, 0)
	i, j := 0, 0

	for i < len(a) && j < len(b) {
		if a[i] < b[j] {
			i++
		} else if a[i] > b[j] {
			j++
		} else {
			result = append(result, a[i])
			i++
			j++
		}
	}

	return result
}
