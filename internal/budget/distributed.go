package budget

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/wferr"
)

// workflowUsage is the JSON blob stored under budget:workflow:<id>.
// Concurrent writers for the same workflow are last-writer-wins, which
// is acceptable because within one workflow only one agent executes at
// a time.
type workflowUsage struct {
	UsedTokens int64     `json:"used_tokens"`
	UsedUSD    float64   `json:"used_usd"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// cacheKey builds the shared-cache key for a workflow's budget counter.
func cacheKey(workflowID string) string {
	return "budget:workflow:" + workflowID
}

// CheckBudget is the distributed dry-run check, keyed by workflow ID
// rather than an in-memory state. It reads the shared counter and
// compares the estimate against the configured workflow limits. Cache
// unavailability degrades to a warning and the check passes on the
// monthly counter alone; it never hard-fails on cache errors.
func (g *Guard) CheckBudget(ctx context.Context, workflowID string, estTokens int64, estUSD float64) (*Reservation, error) {
	usage, ok := g.readUsage(ctx, workflowID)
	if !ok {
		// Degraded path: the shared counter is unknown, enforce the
		// monthly budget only.
		g.mu.Lock()
		monthUsed := g.monthUsedUSD
		g.mu.Unlock()

		if estUSD > g.maxMonthlyUSD-monthUsed {
			g.metrics.BudgetReservations.WithLabelValues(TypeMonthlyUSD, "denied").Inc()
			return nil, &wferr.BudgetExhaustedError{
				BudgetType: TypeMonthlyUSD,
				Used:       monthUsed,
				Limit:      g.maxMonthlyUSD,
				Requested:  estUSD,
			}
		}
		return &Reservation{
			Allowed:         true,
			Alert:           "shared budget cache unavailable, workflow limits not enforced",
			RemainingTokens: g.maxTokensPerWorkflow,
			RemainingUSD:    g.maxWorkflowUSD,
		}, nil
	}

	if usage.UsedTokens+estTokens > g.maxTokensPerWorkflow {
		g.metrics.BudgetReservations.WithLabelValues(TypeTokens, "denied").Inc()
		return nil, &wferr.BudgetExhaustedError{
			BudgetType: TypeTokens,
			Used:       float64(usage.UsedTokens),
			Limit:      float64(g.maxTokensPerWorkflow),
			Requested:  float64(estTokens),
		}
	}

	if usage.UsedUSD+estUSD > g.maxWorkflowUSD {
		g.metrics.BudgetReservations.WithLabelValues(TypeWorkflowUSD, "denied").Inc()
		return nil, &wferr.BudgetExhaustedError{
			BudgetType: TypeWorkflowUSD,
			Used:       usage.UsedUSD,
			Limit:      g.maxWorkflowUSD,
			Requested:  estUSD,
		}
	}

	res := &Reservation{
		Allowed:         true,
		RemainingTokens: g.maxTokensPerWorkflow - usage.UsedTokens - estTokens,
		RemainingUSD:    g.maxWorkflowUSD - usage.UsedUSD - estUSD,
	}

	if g.maxTokensPerWorkflow > 0 {
		pct := float64(usage.UsedTokens+estTokens) / float64(g.maxTokensPerWorkflow) * 100
		if pct >= g.alertThresholdPct {
			g.metrics.BudgetAlerts.WithLabelValues(TypeTokens).Inc()
			res.Alert = fmt.Sprintf("token budget at %.1f%% for workflow %s", pct, workflowID)
		}
	}

	g.metrics.BudgetReservations.WithLabelValues(TypeTokens, "allowed").Inc()

	return res, nil
}

// ReserveRemote performs the distributed check and, when it passes,
// writes the incremented counter back to the shared cache
// (read-modify-write under the key's TTL).
func (g *Guard) ReserveRemote(ctx context.Context, op string, estTokens int64, estUSD float64, workflowID string) (*Reservation, error) {
	res, err := g.CheckBudget(ctx, workflowID, estTokens, estUSD)
	if err != nil {
		return nil, err
	}

	usage, _ := g.readUsage(ctx, workflowID)
	if usage == nil {
		usage = &workflowUsage{}
	}
	usage.UsedTokens += estTokens
	usage.UsedUSD += estUSD
	usage.UpdatedAt = time.Now().UTC()

	g.writeUsage(ctx, workflowID, usage)

	g.logger.Info("remote budget reserved",
		"operation", op,
		"workflow_id", workflowID,
		"tokens", estTokens,
		"cost_usd", estUSD)

	return res, nil
}

// readUsage fetches the shared counter. Any cache failure is logged
// and reported as absent so callers degrade instead of crashing.
func (g *Guard) readUsage(ctx context.Context, workflowID string) (*workflowUsage, bool) {
	if g.cache == nil {
		return nil, false
	}

	raw, found, err := g.cache.Get(ctx, cacheKey(workflowID))
	if err != nil {
		g.logger.Warn("budget cache read failed, degrading",
			"workflow_id", workflowID, "error", err)
		return nil, false
	}
	if !found {
		return &workflowUsage{}, true
	}

	usage := &workflowUsage{}
	if err := json.Unmarshal(raw, usage); err != nil {
		g.logger.Warn("budget cache entry corrupt, degrading",
			"workflow_id", workflowID, "error", err)
		return nil, false
	}

	return usage, true
}

// writeUsage stores the shared counter; failures are logged, never
// returned.
func (g *Guard) writeUsage(ctx context.Context, workflowID string, usage *workflowUsage) {
	if g.cache == nil {
		return
	}

	raw, err := json.Marshal(usage)
	if err != nil {
		g.logger.Warn("budget cache marshal failed", "workflow_id", workflowID, "error", err)
		return
	}

	if err := g.cache.Put(ctx, cacheKey(workflowID), raw); err != nil {
		g.logger.Warn("budget cache write failed",
			"workflow_id", workflowID, "error", err)
	}
}
