// Package budget provides admission control and usage accounting for
// the shared token/cost budget, per workflow and per calendar month.
// Enforcement happens at reservation time; recording is post-hoc.
package budget

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

// Budget type labels carried in errors and metrics.
const (
	TypeTokens      = "tokens"
	TypeWorkflowUSD = "workflow_usd"
	TypeMonthlyUSD  = "monthly_usd"
)

// Reservation is the result of a budget check.
type Reservation struct {
	// Allowed is true when all limits admit the estimate.
	Allowed bool `json:"allowed"`
	// Reason explains a denial.
	Reason string `json:"reason,omitempty"`
	// Alert is non-empty when projected usage reaches the alert
	// threshold. Non-fatal.
	Alert string `json:"alert,omitempty"`
	// RemainingTokens is the post-check workflow token headroom.
	RemainingTokens int64 `json:"remaining_tokens"`
	// RemainingUSD is the post-check workflow cost headroom.
	RemainingUSD float64 `json:"remaining_cost_usd"`
}

// Summary is the budget breakdown for one workflow.
type Summary struct {
	UsedTokens      int64            `json:"used_tokens"`
	RemainingTokens int64            `json:"remaining_tokens"`
	LimitTokens     int64            `json:"limit_tokens"`
	UsedUSD         float64          `json:"used_usd"`
	RemainingUSD    float64          `json:"remaining_usd"`
	LimitUSD        float64          `json:"limit_usd"`
	MonthUsedUSD    float64          `json:"month_used_usd"`
	MonthLimitUSD   float64          `json:"month_limit_usd"`
	PerAgentTokens  map[string]int64 `json:"per_agent_tokens"`
}

// Guard enforces workflow and monthly budgets. The monthly counter is
// an additive, eventually consistent tally shared by all workflows in
// this process; per-workflow enforcement is authoritative.
type Guard struct {
	maxTokensPerWorkflow int64
	maxWorkflowUSD       float64
	maxMonthlyUSD        float64
	alertThresholdPct    float64

	mu           sync.Mutex
	monthUsedUSD float64

	cache   Cache
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGuard builds a Guard from configuration. cache may be nil when no
// shared cache is configured.
func NewGuard(cfg config.BudgetConfig, cache Cache, logger *slog.Logger, m *metrics.Metrics) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Guard{
		maxTokensPerWorkflow: cfg.MaxTokensPerWorkflow,
		maxWorkflowUSD:       cfg.MaxWorkflowBudgetUSD,
		maxMonthlyUSD:        cfg.MaxMonthlyBudgetUSD,
		alertThresholdPct:    cfg.AlertThresholdPct,
		cache:                cache,
		logger:               logger,
		metrics:              m,
	}
}

// Reserve checks whether an operation's estimate fits the workflow
// token budget, the workflow cost budget, and the monthly cost budget,
// in that order. An estimate equal to the remaining budget passes; one
// token or cent over fails. This is a dry-run check: nothing is
// mutated, including the monthly counter.
func (g *Guard) Reserve(op string, estTokens int64, estUSD float64, state *models.WorkflowState) (*Reservation, error) {
	if estTokens > state.BudgetRemainingTokens {
		g.metrics.BudgetReservations.WithLabelValues(TypeTokens, "denied").Inc()
		return nil, &wferr.BudgetExhaustedError{
			BudgetType: TypeTokens,
			Used:       float64(state.BudgetUsedTokens),
			Limit:      float64(state.BudgetUsedTokens + state.BudgetRemainingTokens),
			Requested:  float64(estTokens),
		}
	}

	if estUSD > state.BudgetRemainingUSD {
		g.metrics.BudgetReservations.WithLabelValues(TypeWorkflowUSD, "denied").Inc()
		return nil, &wferr.BudgetExhaustedError{
			BudgetType: TypeWorkflowUSD,
			Used:       state.BudgetUsedUSD,
			Limit:      state.BudgetUsedUSD + state.BudgetRemainingUSD,
			Requested:  estUSD,
		}
	}

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

	res := &Reservation{
		Allowed:         true,
		RemainingTokens: state.BudgetRemainingTokens - estTokens,
		RemainingUSD:    state.BudgetRemainingUSD - estUSD,
	}
	res.Alert = g.projectAlert(op, estTokens, estUSD, state)

	g.metrics.BudgetReservations.WithLabelValues(TypeTokens, "allowed").Inc()

	return res, nil
}

// projectAlert fires when the projected post-operation usage reaches
// the alert threshold on either the token or cost axis. Projection is
// (used + estimated) / limit * 100, so one large reservation can alert
// even when usage to date is below threshold.
func (g *Guard) projectAlert(op string, estTokens int64, estUSD float64, state *models.WorkflowState) string {
	tokenLimit := state.BudgetUsedTokens + state.BudgetRemainingTokens
	if tokenLimit > 0 {
		pct := float64(state.BudgetUsedTokens+estTokens) / float64(tokenLimit) * 100
		if pct >= g.alertThresholdPct {
			g.metrics.BudgetAlerts.WithLabelValues(TypeTokens).Inc()
			g.logger.Warn("budget alert",
				"operation", op,
				"budget_type", TypeTokens,
				"projected_pct", pct,
				"workflow_id", state.WorkflowID)
			return fmt.Sprintf("token budget at %.1f%% after %s", pct, op)
		}
	}

	usdLimit := state.BudgetUsedUSD + state.BudgetRemainingUSD
	if usdLimit > 0 {
		pct := (state.BudgetUsedUSD + estUSD) / usdLimit * 100
		if pct >= g.alertThresholdPct {
			g.metrics.BudgetAlerts.WithLabelValues(TypeWorkflowUSD).Inc()
			g.logger.Warn("budget alert",
				"operation", op,
				"budget_type", TypeWorkflowUSD,
				"projected_pct", pct,
				"workflow_id", state.WorkflowID)
			return fmt.Sprintf("cost budget at %.1f%% after %s", pct, op)
		}
	}

	return ""
}

// RecordUsage adds actual consumption to the running monthly total and
// logs per-agent attribution. Limits are not re-validated; enforcement
// happened at reservation time.
func (g *Guard) RecordUsage(op string, tokens int64, costUSD float64, state *models.WorkflowState, agent string) {
	g.mu.Lock()
	g.monthUsedUSD += costUSD
	monthUsed := g.monthUsedUSD
	g.mu.Unlock()

	g.metrics.TokensUsed.WithLabelValues(agent).Add(float64(tokens))

	g.logger.Info("usage recorded",
		"operation", op,
		"agent", agent,
		"tokens", tokens,
		"cost_usd", costUSD,
		"month_used_usd", monthUsed,
		"workflow_id", state.WorkflowID)
}

// MonthUsedUSD returns the running monthly total.
func (g *Guard) MonthUsedUSD() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.monthUsedUSD
}

// Summarize returns the token/cost/monthly/per-agent breakdown for a
// workflow.
func (g *Guard) Summarize(state *models.WorkflowState) *Summary {
	g.mu.Lock()
	monthUsed := g.monthUsedUSD
	g.mu.Unlock()

	perAgent := make(map[string]int64, len(state.AgentTokenUsage))
	for k, v := range state.AgentTokenUsage {
		perAgent[k] = v
	}

	return &Summary{
		UsedTokens:      state.BudgetUsedTokens,
		RemainingTokens: state.BudgetRemainingTokens,
		LimitTokens:     state.BudgetUsedTokens + state.BudgetRemainingTokens,
		UsedUSD:         state.BudgetUsedUSD,
		RemainingUSD:    state.BudgetRemainingUSD,
		LimitUSD:        state.BudgetUsedUSD + state.BudgetRemainingUSD,
		MonthUsedUSD:    monthUsed,
		MonthLimitUSD:   g.maxMonthlyUSD,
		PerAgentTokens:  perAgent,
	}
}
