package types

import "time"

// Sample represents a single time-series sample
type Sample struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Metric represents a time-series metric with labels
type Metric struct {
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Series represents a complete time-series
type Series struct {
	Metric  Metric   `json:"metric"`
	Samples []Sample `json:"samples"`
}

// WriteRequest represents a write request to the storage engine
type WriteRequest struct {
	TenantID string   `json:"tenant_id,omitempty"`
	Series   []Series `json:"series"`
}

// QueryRequest selects series by a `name{label="value"}` selector within an
// inclusive time range
type QueryRequest struct {
	TenantID  string
	Query     string
	StartTime time.Time
	EndTime   time.Time
}

// QueryResult represents query results
type QueryResult struct {
	Series []Series `json:"series"`
}

// AreaRequest asks for the area under every series matched by Query.
// Empty Rules means all rules; empty Policy means the service default.
type AreaRequest struct {
	TenantID  string
	Query     string
	StartTime time.Time
	EndTime   time.Time
	Rules     []string
	Policy    string
}

// Estimate is the area produced by one integration rule
type Estimate struct {
	Rule string  `json:"rule"`
	Area float64 `json:"area"`
}

// SeriesArea is the area under one series, in value-seconds
type SeriesArea struct {
	Metric    Metric     `json:"metric"`
	Samples   int        `json:"samples"`
	Start     time.Time  `json:"start"`
	End       time.Time  `json:"end"`
	Seconds   float64    `json:"seconds"`
	Mean      float64    `json:"mean"`
	Policy    string     `json:"policy"`
	Estimates []Estimate `json:"estimates"`
}

// AreaResult represents area query results
type AreaResult struct {
	Series []SeriesArea `json:"series"`
}
