// Package area integrates stored series over time.
package area

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/vjranagit/auc/pkg/integrate"
	"github.com/vjranagit/auc/pkg/types"
)

// ErrInvalidRequest is returned for malformed area requests
var ErrInvalidRequest = errors.New("area: invalid request")

// Querier reads series from storage
type Querier interface {
	Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error)
}

// Service computes areas under stored series
type Service struct {
	store  Querier
	policy integrate.Policy
	logger *zap.Logger
}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithPolicy sets the even-sample Simpson policy used when a request names none
func WithPolicy(p integrate.Policy) Option {
	return func(s *Service) {
		s.policy = p
	}
}

// NewService creates an area service reading from store
func NewService(store Querier, opts ...Option) *Service {
	s := &Service{
		store:  store,
		policy: integrate.Cartwright,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Area integrates every series matched by req. The abscissa is seconds since
// the first sample of each series, so areas are in value-seconds. Mean is the
// first estimate divided by the span, or the only value when the span is zero.
func (s *Service) Area(ctx context.Context, req *types.AreaRequest) (*types.AreaResult, error) {
	if req.EndTime.Before(req.StartTime) {
		return nil, fmt.Errorf("%w: end before start", ErrInvalidRequest)
	}

	rules, err := parseRules(req.Rules)
	if err != nil {
		return nil, err
	}

	policy := s.policy
	if req.Policy != "" {
		if policy, err = integrate.ParsePolicy(req.Policy); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
	}

	result, err := s.store.Query(ctx, &types.QueryRequest{
		TenantID:  req.TenantID,
		Query:     req.Query,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query series: %w", err)
	}

	out := &types.AreaResult{
		Series: make([]types.SeriesArea, 0, len(result.Series)),
	}
	for _, series := range result.Series {
		if len(series.Samples) == 0 {
			continue
		}

		sa, err := integrateSeries(series, rules, policy)
		if err != nil {
			return nil, fmt.Errorf("failed to integrate %s: %w", series.Metric.Name, err)
		}
		s.logger.Debug("integrated series",
			zap.String("metric", series.Metric.Name),
			zap.Int("samples", sa.Samples),
			zap.Float64("seconds", sa.Seconds))

		out.Series = append(out.Series, sa)
	}

	return out, nil
}

func integrateSeries(series types.Series, rules []integrate.Rule, policy integrate.Policy) (types.SeriesArea, error) {
	samples := series.Samples
	start := samples[0].Timestamp
	end := samples[len(samples)-1].Timestamp

	x := make([]float64, len(samples))
	y := make([]float64, len(samples))
	for i, sample := range samples {
		x[i] = sample.Timestamp.Sub(start).Seconds()
		y[i] = sample.Value
	}

	sa := types.SeriesArea{
		Metric:    series.Metric,
		Samples:   len(samples),
		Start:     start,
		End:       end,
		Seconds:   end.Sub(start).Seconds(),
		Policy:    policy.String(),
		Estimates: make([]types.Estimate, 0, len(rules)),
	}

	for _, rule := range rules {
		value, err := integrate.IntegrateX(rule, y, x, integrate.WithPolicy(policy))
		if err != nil {
			return types.SeriesArea{}, err
		}
		sa.Estimates = append(sa.Estimates, types.Estimate{Rule: string(rule), Area: value})
	}

	if sa.Seconds > 0 {
		sa.Mean = sa.Estimates[0].Area / sa.Seconds
	} else {
		sa.Mean = y[0]
	}

	return sa, nil
}

// parseRules resolves rule names in request order, dropping repeats. No
// names selects every rule.
func parseRules(names []string) ([]integrate.Rule, error) {
	if len(names) == 0 {
		return integrate.Rules(), nil
	}

	rules := make([]integrate.Rule, 0, len(names))
	seen := make(map[integrate.Rule]bool, len(names))
	for _, name := range names {
		rule, err := integrate.ParseRule(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		if !seen[rule] {
			seen[rule] = true
			rules = append(rules, rule)
		}
	}
	return rules, nil
}
