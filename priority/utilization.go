package priority

import (
	"context"
	"fmt"
	"time"
)

type (
	// UsageStore feeds the utilization computation from the tenant usage and
	// quota tables.
	UsageStore interface {
		// WindowUsage sums recorded amounts per resource type over the
		// trailing window.
		WindowUsage(ctx context.Context, window time.Duration) (map[string]float64, error)
		// QuotaMaxima sums per-tenant quota maxima per resource type.
		QuotaMaxima(ctx context.Context) (map[string]float64, error)
	}
)

// usageWindow is the rolling window utilization is computed over.
const usageWindow = 5 * time.Minute

// Capacity fallbacks for resource types with no quota rows.
var defaultCapacity = map[string]float64{
	"cpu":    8,  // cores
	"memory": 32, // GB
	"gpu":    2,
}

// Utilization returns percent-of-capacity per resource type over the rolling
// window. Resources with neither quota nor fallback are omitted.
func (e *Engine) Utilization(ctx context.Context) (map[string]float64, error) {
	used, err := e.usage.WindowUsage(ctx, usageWindow)
	if err != nil {
		return nil, fmt.Errorf("window usage: %w", err)
	}
	quotas, err := e.usage.QuotaMaxima(ctx)
	if err != nil {
		return nil, fmt.Errorf("quota maxima: %w", err)
	}
	out := make(map[string]float64, len(used))
	for resource, amount := range used {
		capacity := quotas[resource]
		if capacity <= 0 {
			capacity = defaultCapacity[resource]
		}
		if capacity <= 0 {
			continue
		}
		out[resource] = amount / capacity * 100
	}
	return out, nil
}
