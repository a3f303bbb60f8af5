package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"funding-arb/pkg/types"
)

// HTTPOpportunityStore queries an external funding-rate service for ranked
// opportunity candidates. It satisfies OpportunityStore.
type HTTPOpportunityStore struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewHTTPOpportunityStore builds a client for the opportunity service.
func NewHTTPOpportunityStore(baseURL string, logger *slog.Logger) *HTTPOpportunityStore {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	return &HTTPOpportunityStore{
		http:   httpClient,
		logger: logger.With("component", "opportunity-store"),
	}
}

// FindOpportunities posts the filter and returns the matching candidates.
func (s *HTTPOpportunityStore) FindOpportunities(ctx context.Context, filter Filter) ([]types.FundingOpportunity, error) {
	var out []types.FundingOpportunity
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(filter).
		SetResult(&out).
		Post("/opportunities")
	if err != nil {
		return nil, fmt.Errorf("query opportunities: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("query opportunities: status %d: %s", resp.StatusCode(), resp.String())
	}
	return out, nil
}
