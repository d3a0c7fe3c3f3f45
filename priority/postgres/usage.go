// Package postgres backs the priority engine's utilization computation with
// the tenant_usage and tenant_quotas tables.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ecoachlabs/ideamine-engine/clients/postgres"
)

// UsageStore reads usage and quota aggregates.
type UsageStore struct {
	db *postgres.Client
}

// NewUsageStore builds the store.
func NewUsageStore(db *postgres.Client) (*UsageStore, error) {
	if db == nil {
		return nil, errors.New("postgres client is required")
	}
	return &UsageStore{db: db}, nil
}

// WindowUsage sums recorded amounts per resource type over the trailing
// window.
func (s *UsageStore) WindowUsage(ctx context.Context, window time.Duration) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT resource_type, COALESCE(SUM(amount), 0)
		  FROM tenant_usage
		 WHERE recorded_at > now() - make_interval(secs => $1)
		 GROUP BY resource_type`,
		window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query window usage: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var resource string
		var amount float64
		if err := rows.Scan(&resource, &amount); err != nil {
			return nil, fmt.Errorf("scan usage row: %w", err)
		}
		out[resource] = amount
	}
	return out, rows.Err()
}

// QuotaMaxima sums per-tenant quota maxima per resource type.
func (s *UsageStore) QuotaMaxima(ctx context.Context) (map[string]float64, error) {
	rows, err := s.db.Query(ctx, `
		SELECT resource_type, SUM(max_amount)
		  FROM tenant_quotas
		 GROUP BY resource_type`)
	if err != nil {
		return nil, fmt.Errorf("query quota maxima: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var resource string
		var capacity float64
		if err := rows.Scan(&resource, &capacity); err != nil {
			return nil, fmt.Errorf("scan quota row: %w", err)
		}
		out[resource] = capacity
	}
	return out, rows.Err()
}

// Record appends one usage sample; workers call it as tasks consume
// resources.
func (s *UsageStore) Record(ctx context.Context, tenantID, resourceType string, amount float64) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tenant_usage (tenant_id, resource_type, amount)
		VALUES ($1, $2, $3)`,
		tenantID, resourceType, amount)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}
